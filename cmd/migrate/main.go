package main

import (
	"context"
	"flag"
	"os"
	"strings"

	"github.com/ariefcatur/keyshop/internal/config"
	"github.com/ariefcatur/keyshop/internal/logging"
	"github.com/ariefcatur/keyshop/internal/orders"
	"github.com/ariefcatur/keyshop/internal/postgres"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func main() {
	var (
		down    = flag.Bool("down", false, "roll back migrations instead of applying them")
		steps   = flag.Int("steps", 0, "number of migrations to roll back, 0 means all")
		user    = flag.String("user", "", "upsert a buyer with this identity")
		email   = flag.String("email", "", "buyer email")
		balance = flag.String("balance", "0", "amount credited to the buyer")
		product = flag.String("product", "", "upsert a product with this id")
		name    = flag.String("name", "", "product name")
		price   = flag.String("price", "", "product price")
		keys    = flag.String("keys", "", "comma separated license keys to import for -product")
	)
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("config_invalid", zap.Error(err))
	}
	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}, "keyshop-migrate")
	defer log.Sync()

	if *down {
		if err := postgres.MigrateDown(cfg.PostgresDSN, *steps); err != nil {
			log.Fatal("migrate_down_failed", zap.Error(err))
		}
		log.Info("migrations_rolled_back", zap.Int("steps", *steps))
		return
	}
	if err := postgres.MigrateUp(cfg.PostgresDSN, log); err != nil {
		log.Fatal("migrate_up_failed", zap.Error(err))
	}
	if *user == "" && *product == "" {
		return
	}

	ctx := context.Background()
	db, err := postgres.Connect(ctx, cfg.PostgresDSN, postgres.PoolConfig{MaxConns: cfg.PostgresMaxConns})
	if err != nil {
		log.Fatal("db_connect_failed", zap.Error(err))
	}
	defer db.Close()
	store := postgres.NewStore(db)

	if *user != "" {
		amount, err := decimal.NewFromString(*balance)
		if err != nil {
			log.Fatal("bad_balance", zap.String("balance", *balance), zap.Error(err))
		}
		if err := store.AddUser(ctx, orders.User{Identity: *user, Email: *email}, amount); err != nil {
			log.Fatal("seed_user_failed", zap.Error(err))
		}
		log.Info("user_seeded", zap.String("user", *user), zap.String("credited", amount.StringFixed(2)))
	}
	if *product != "" {
		if err := seedProduct(ctx, store, *product, *name, *price, *keys, log); err != nil {
			log.Error("seed_product_failed", zap.Error(err))
			os.Exit(1)
		}
	}
}

func seedProduct(ctx context.Context, store *postgres.Store, id, name, price, keys string, log *zap.Logger) error {
	if price != "" {
		p, err := decimal.NewFromString(price)
		if err != nil {
			return err
		}
		if name == "" {
			name = id
		}
		if err := store.AddProduct(ctx, orders.Product{ID: id, Name: name, Price: p}); err != nil {
			return err
		}
		log.Info("product_seeded", zap.String("product", id), zap.String("price", p.StringFixed(2)))
	}
	if keys == "" {
		return nil
	}
	svc := orders.NewService(orders.Deps{Store: store, Log: log})
	n, err := svc.ImportKeys(ctx, id, strings.Split(keys, ","))
	if err != nil {
		return err
	}
	log.Info("license_keys_imported", zap.String("product", id), zap.Int("count", n))
	return nil
}
