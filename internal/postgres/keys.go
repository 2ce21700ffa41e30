package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ariefcatur/keyshop/internal/inventory"
	"github.com/jackc/pgx/v5"
)

type KeyRepo struct{ q querier }

const keyColumns = `id, key, status, product_id, order_item_id, created_at, updated_at`

func scanKey(row pgx.Row) (inventory.LicenseKey, error) {
	var k inventory.LicenseKey
	var status string
	err := row.Scan(&k.ID, &k.Key, &status, &k.ProductID, &k.OrderItemID, &k.CreatedAt, &k.UpdatedAt)
	k.Status = inventory.KeyStatus(status)
	return k, err
}

func collectKeys(rows pgx.Rows) ([]inventory.LicenseKey, error) {
	defer rows.Close()
	var out []inventory.LicenseKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// ClaimActive selects and flips in one statement. SKIP LOCKED lets concurrent claims
// on the same product pass each other instead of queueing on the same rows.
func (r *KeyRepo) ClaimActive(ctx context.Context, productID string, orderItemID int64, limit int) ([]inventory.LicenseKey, error) {
	rows, err := r.q.Query(ctx, `
		UPDATE license_keys
		SET status = 'Ordered', order_item_id = $2, updated_at = now()
		WHERE id IN (
			SELECT id FROM license_keys
			WHERE product_id = $1 AND status = 'Active'
			ORDER BY id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+keyColumns, productID, orderItemID, limit)
	if err != nil {
		return nil, err
	}
	keys, err := collectKeys(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].ID < keys[j].ID })
	return keys, nil
}

func (r *KeyRepo) ReleaseOrdered(ctx context.Context, keyID int64) (bool, error) {
	ct, err := r.q.Exec(ctx, `
		UPDATE license_keys
		SET status = 'Active', order_item_id = NULL, updated_at = now()
		WHERE id = $1 AND status = 'Ordered'`, keyID)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (r *KeyRepo) SellOrdered(ctx context.Context, keyID, orderItemID int64) (bool, error) {
	ct, err := r.q.Exec(ctx, `
		UPDATE license_keys
		SET status = 'Sold', updated_at = now()
		WHERE id = $1 AND status = 'Ordered' AND order_item_id = $2`, keyID, orderItemID)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (r *KeyRepo) Get(ctx context.Context, keyID int64) (inventory.LicenseKey, error) {
	k, err := scanKey(r.q.QueryRow(ctx, `SELECT `+keyColumns+` FROM license_keys WHERE id = $1`, keyID))
	if errors.Is(err, pgx.ErrNoRows) {
		return k, fmt.Errorf("%w: %d", inventory.ErrNotFound, keyID)
	}
	return k, err
}

func (r *KeyRepo) ListByOrderItem(ctx context.Context, orderItemID int64) ([]inventory.LicenseKey, error) {
	rows, err := r.q.Query(ctx, `SELECT `+keyColumns+` FROM license_keys WHERE order_item_id = $1 ORDER BY id`, orderItemID)
	if err != nil {
		return nil, err
	}
	return collectKeys(rows)
}

func (r *KeyRepo) Insert(ctx context.Context, productID string, keys []string) ([]inventory.LicenseKey, error) {
	out := make([]inventory.LicenseKey, 0, len(keys))
	for _, v := range keys {
		k, err := scanKey(r.q.QueryRow(ctx, `
			INSERT INTO license_keys (key, status, product_id)
			VALUES ($1, 'Active', $2)
			RETURNING `+keyColumns, v, productID))
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", inventory.ErrDuplicateKey, v)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

func (r *KeyRepo) CountActive(ctx context.Context, productID string) (int, error) {
	var n int
	err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM license_keys WHERE product_id = $1 AND status = 'Active'`, productID).Scan(&n)
	return n, err
}
