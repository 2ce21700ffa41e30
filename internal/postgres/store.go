package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/keyshop/internal/inventory"
	"github.com/ariefcatur/keyshop/internal/orders"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the Postgres orders.Store. Outside InTx every call autocommits.
type Store struct {
	pool *pgxpool.Pool
	q    querier
	inTx bool
}

var _ orders.Store = (*Store)(nil)

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, q: pool}
}

func (s *Store) InTx(ctx context.Context, fn func(tx orders.Store) error) error {
	if s.inTx {
		return fn(s)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(&Store{pool: s.pool, q: tx, inTx: true}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) Orders() orders.OrderRepository { return &OrderRepo{q: s.q} }
func (s *Store) Keys() inventory.Repository     { return &KeyRepo{q: s.q} }
func (s *Store) Catalog() orders.Catalog        { return &CatalogRepo{q: s.q} }
func (s *Store) Ledger() orders.Ledger          { return &LedgerRepo{q: s.q} }
func (s *Store) Users() orders.Users            { return &UserRepo{q: s.q} }

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// parseMoney reads a NUMERIC column selected as text.
func parseMoney(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: bad numeric %q: %w", s, err)
	}
	return d, nil
}

// AddUser registers a buyer and credits the opening balance.
func (s *Store) AddUser(ctx context.Context, u orders.User, balance decimal.Decimal) error {
	return s.InTx(ctx, func(tx orders.Store) error {
		st := tx.(*Store)
		if err := (&UserRepo{q: st.q}).Upsert(ctx, u); err != nil {
			return err
		}
		if balance.IsPositive() {
			return st.Ledger().Credit(ctx, u.Identity, balance)
		}
		return nil
	})
}

func (s *Store) AddProduct(ctx context.Context, p orders.Product) error {
	return (&CatalogRepo{q: s.q}).Upsert(ctx, p)
}
