package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/keyshop/internal/orders"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

type CatalogRepo struct{ q querier }

func (r *CatalogRepo) Get(ctx context.Context, productID string) (orders.Product, error) {
	var p orders.Product
	var price string
	err := r.q.QueryRow(ctx, `SELECT id, name, price::text FROM products WHERE id = $1`, productID).
		Scan(&p.ID, &p.Name, &price)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, fmt.Errorf("%w: product %s", orders.ErrNotFound, productID)
	}
	if err != nil {
		return p, err
	}
	p.Price, err = parseMoney(price)
	return p, err
}

// Upsert creates or reprices a product.
func (r *CatalogRepo) Upsert(ctx context.Context, p orders.Product) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO products (id, name, price) VALUES ($1, $2, $3::numeric)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, price = EXCLUDED.price`,
		p.ID, p.Name, p.Price.String())
	return err
}

type UserRepo struct{ q querier }

func (r *UserRepo) Resolve(ctx context.Context, identity string) (orders.User, error) {
	var u orders.User
	err := r.q.QueryRow(ctx, `SELECT identity, email FROM users WHERE identity = $1`, identity).Scan(&u.Identity, &u.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return u, fmt.Errorf("%w: user %s", orders.ErrNotFound, identity)
	}
	return u, err
}

// Upsert registers a buyer and makes sure a balance row exists.
func (r *UserRepo) Upsert(ctx context.Context, u orders.User) error {
	if _, err := r.q.Exec(ctx, `
		INSERT INTO users (identity, email) VALUES ($1, $2)
		ON CONFLICT (identity) DO UPDATE SET email = EXCLUDED.email`, u.Identity, u.Email); err != nil {
		return err
	}
	_, err := r.q.Exec(ctx, `INSERT INTO balances (user_id) VALUES ($1) ON CONFLICT DO NOTHING`, u.Identity)
	return err
}

type LedgerRepo struct{ q querier }

// Debit is one conditional UPDATE, so concurrent debits can never overdraw.
func (r *LedgerRepo) Debit(ctx context.Context, userID string, amount decimal.Decimal) error {
	ct, err := r.q.Exec(ctx, `
		UPDATE balances SET amount = amount - $2::numeric, updated_at = now()
		WHERE user_id = $1 AND amount >= $2::numeric`, userID, amount.String())
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 1 {
		return nil
	}
	bal, err := r.Balance(ctx, userID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: balance %s, need %s", orders.ErrInsufficientFunds, bal.StringFixed(2), amount.StringFixed(2))
}

func (r *LedgerRepo) Credit(ctx context.Context, userID string, amount decimal.Decimal) error {
	ct, err := r.q.Exec(ctx, `
		UPDATE balances SET amount = amount + $2::numeric, updated_at = now()
		WHERE user_id = $1`, userID, amount.String())
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: balance of %s", orders.ErrNotFound, userID)
	}
	return nil
}

func (r *LedgerRepo) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var amount string
	err := r.q.QueryRow(ctx, `SELECT amount::text FROM balances WHERE user_id = $1`, userID).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("%w: balance of %s", orders.ErrNotFound, userID)
	}
	if err != nil {
		return decimal.Zero, err
	}
	return parseMoney(amount)
}
