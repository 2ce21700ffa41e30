package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/keyshop/internal/inventory"
	"github.com/ariefcatur/keyshop/internal/orders"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("keyshop_test"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, MigrateUp(dsn, nil))

	pool, err := Connect(ctx, dsn, PoolConfig{MaxConns: 8})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	s := NewStore(pool)
	require.NoError(t, s.AddUser(ctx, orders.User{Identity: "alice", Email: "alice@example.com"}, decimal.NewFromInt(50)))
	require.NoError(t, s.AddProduct(ctx, orders.Product{ID: "widget", Name: "Widget", Price: decimal.RequireFromString("12.50")}))
	return s
}

func insertOrder(t *testing.T, s *Store, id string) *orders.Order {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	o := &orders.Order{ID: id, UserID: "alice", Email: "alice@example.com", Status: orders.StatusCreated, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.Orders().Insert(context.Background(), o))
	return o
}

func TestPostgresStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("catalog and users", func(t *testing.T) {
		p, err := s.Catalog().Get(ctx, "widget")
		require.NoError(t, err)
		assert.Equal(t, "12.5", p.Price.String())

		_, err = s.Catalog().Get(ctx, "nope")
		assert.ErrorIs(t, err, orders.ErrNotFound)

		u, err := s.Users().Resolve(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "alice@example.com", u.Email)
	})

	t.Run("ledger never overdraws", func(t *testing.T) {
		ledger := &LedgerRepo{q: s.q}
		err := ledger.Debit(ctx, "alice", decimal.NewFromInt(51))
		assert.ErrorIs(t, err, orders.ErrInsufficientFunds)

		require.NoError(t, ledger.Debit(ctx, "alice", decimal.RequireFromString("0.50")))
		bal, err := ledger.Balance(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "49.5", bal.String())
		require.NoError(t, ledger.Credit(ctx, "alice", decimal.RequireFromString("0.50")))

		assert.ErrorIs(t, ledger.Debit(ctx, "ghost", decimal.NewFromInt(1)), orders.ErrNotFound)
	})

	t.Run("key import rejects duplicates", func(t *testing.T) {
		_, err := s.Keys().Insert(ctx, "widget", []string{"W-1", "W-2", "W-3", "W-4"})
		require.NoError(t, err)

		err = s.InTx(ctx, func(tx orders.Store) error {
			_, err := tx.Keys().Insert(ctx, "widget", []string{"W-5", "W-1"})
			return err
		})
		assert.ErrorIs(t, err, inventory.ErrDuplicateKey)

		n, err := s.Keys().CountActive(ctx, "widget")
		require.NoError(t, err)
		assert.Equal(t, 4, n)
	})

	t.Run("claim release sell", func(t *testing.T) {
		o := insertOrder(t, s, "o-claim")
		item := orders.OrderItem{OrderID: o.ID, ProductID: "widget", RequestedQuantity: 2, UnitPrice: decimal.RequireFromString("12.50")}
		require.NoError(t, s.Orders().AddItem(ctx, &item))
		require.NotZero(t, item.ID)

		keys, err := s.Keys().ClaimActive(ctx, "widget", item.ID, 2)
		require.NoError(t, err)
		require.Len(t, keys, 2)
		assert.Less(t, keys[0].ID, keys[1].ID)
		assert.Equal(t, inventory.KeyOrdered, keys[0].Status)
		require.NoError(t, s.Orders().SetItemQuantity(ctx, item.ID, 2))

		got, err := s.Orders().Get(ctx, o.ID)
		require.NoError(t, err)
		require.Len(t, got.Items, 1)
		assert.Equal(t, []int64{keys[0].ID, keys[1].ID}, got.Items[0].KeyIDs)

		ok, err := s.Keys().SellOrdered(ctx, keys[0].ID, item.ID+1000)
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = s.Keys().SellOrdered(ctx, keys[0].ID, item.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.Keys().ReleaseOrdered(ctx, keys[0].ID)
		require.NoError(t, err)
		assert.False(t, ok, "sold keys stay sold")
		ok, err = s.Keys().ReleaseOrdered(ctx, keys[1].ID)
		require.NoError(t, err)
		assert.True(t, ok)

		k, err := s.Keys().Get(ctx, keys[1].ID)
		require.NoError(t, err)
		assert.Equal(t, inventory.KeyActive, k.Status)
		assert.Nil(t, k.OrderItemID)
	})

	t.Run("rollback undoes claims", func(t *testing.T) {
		before, err := s.Keys().CountActive(ctx, "widget")
		require.NoError(t, err)

		boom := errors.New("boom")
		err = s.InTx(ctx, func(tx orders.Store) error {
			o := &orders.Order{ID: "o-rollback", UserID: "alice", Status: orders.StatusCreated, CreatedAt: time.Now(), UpdatedAt: time.Now()}
			if err := tx.Orders().Insert(ctx, o); err != nil {
				return err
			}
			item := orders.OrderItem{OrderID: o.ID, ProductID: "widget", RequestedQuantity: 1, UnitPrice: decimal.NewFromInt(1)}
			if err := tx.Orders().AddItem(ctx, &item); err != nil {
				return err
			}
			if _, err := tx.Keys().ClaimActive(ctx, "widget", item.ID, 1); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		after, err := s.Keys().CountActive(ctx, "widget")
		require.NoError(t, err)
		assert.Equal(t, before, after)
		_, err = s.Orders().Get(ctx, "o-rollback")
		assert.ErrorIs(t, err, orders.ErrNotFound)
	})

	t.Run("list and waiting payment", func(t *testing.T) {
		o := insertOrder(t, s, "o-wait")
		require.NoError(t, o.AwaitPayment(o.CreatedAt, 5*time.Minute))
		o.TotalPrice = decimal.RequireFromString("25.00")
		require.NoError(t, s.Orders().Update(ctx, o))

		due, err := s.Orders().ListWaitingPayment(ctx, o.CreatedAt.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, "o-wait", due[0].ID)
		assert.True(t, due[0].TotalPrice.Equal(decimal.NewFromInt(25)))

		due, err = s.Orders().ListWaitingPayment(ctx, o.CreatedAt)
		require.NoError(t, err)
		assert.Empty(t, due)

		f, err := orders.ListFilter{UserID: "alice", OrderBy: "total_price", Direction: "desc"}.Normalize(time.Now())
		require.NoError(t, err)
		list, err := s.Orders().List(ctx, f)
		require.NoError(t, err)
		require.NotEmpty(t, list)
		assert.Equal(t, "o-wait", list[0].ID)

		f.Status = orders.StatusPaid
		list, err = s.Orders().List(ctx, f)
		require.NoError(t, err)
		assert.Empty(t, list)

		paidAt := o.CreatedAt.Add(time.Minute)
		require.NoError(t, o.MarkPaid(paidAt))
		require.NoError(t, s.Orders().Update(ctx, o))
		paid, err := s.Orders().ListPaid(ctx, time.Time{})
		require.NoError(t, err)
		require.Len(t, paid, 1)
		assert.Equal(t, "o-wait", paid[0].ID)
		paid, err = s.Orders().ListPaid(ctx, paidAt)
		require.NoError(t, err)
		assert.Empty(t, paid)
	})
}

func TestConcurrentClaimsSkipLockedRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	values := make([]string, 30)
	for i := range values {
		values[i] = fmt.Sprintf("C-%03d", i)
	}
	_, err := s.Keys().Insert(ctx, "widget", values)
	require.NoError(t, err)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		owner = map[int64]string{}
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("o-%02d", i)
			err := s.InTx(ctx, func(tx orders.Store) error {
				now := time.Now()
				o := &orders.Order{ID: id, UserID: "alice", Status: orders.StatusCreated, CreatedAt: now, UpdatedAt: now}
				if err := tx.Orders().Insert(ctx, o); err != nil {
					return err
				}
				item := orders.OrderItem{OrderID: id, ProductID: "widget", RequestedQuantity: 4, UnitPrice: decimal.NewFromInt(1)}
				if err := tx.Orders().AddItem(ctx, &item); err != nil {
					return err
				}
				keys, err := tx.Keys().ClaimActive(ctx, "widget", item.ID, 4)
				if err != nil {
					return err
				}
				mu.Lock()
				defer mu.Unlock()
				for _, k := range keys {
					prev, dup := owner[k.ID]
					assert.False(t, dup, "key %d claimed by %s and %s", k.ID, prev, id)
					owner[k.ID] = id
				}
				return nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Len(t, owner, 30)

	n, err := s.Keys().CountActive(ctx, "widget")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMigrateURL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@h:5432/db", migrateURL("postgres://u:p@h:5432/db"))
	assert.Equal(t, "pgx5://h/db", migrateURL("postgresql://h/db"))
	assert.Equal(t, "pgx5://h/db", migrateURL("pgx5://h/db"))
}

func TestConnectRejectsBadDSN(t *testing.T) {
	_, err := Connect(context.Background(), "postgres://%zz", PoolConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse dsn")
}
