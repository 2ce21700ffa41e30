package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ariefcatur/keyshop/internal/orders"
	"github.com/jackc/pgx/v5"
)

type OrderRepo struct{ q querier }

const orderColumns = `id, user_id, email, status, total_price::text, COALESCE(idempotency_key, ''),
	created_at, payment_deadline, paid_at, delivered_at, cancelled_at, updated_at`

// sortColumns whitelists ORDER BY targets; the value is spliced into SQL.
var sortColumns = map[string]string{
	"created_at":  "created_at",
	"total_price": "total_price",
	"status":      "status",
}

func scanOrder(row pgx.Row) (*orders.Order, error) {
	var (
		o      orders.Order
		status string
		total  string
	)
	err := row.Scan(&o.ID, &o.UserID, &o.Email, &status, &total, &o.IdempotencyKey,
		&o.CreatedAt, &o.PaymentDeadline, &o.PaidAt, &o.DeliveredAt, &o.CancelledAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Status = orders.Status(status)
	if o.TotalPrice, err = parseMoney(total); err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *OrderRepo) Insert(ctx context.Context, o *orders.Order) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO orders (id, user_id, email, status, total_price, idempotency_key,
			created_at, payment_deadline, paid_at, delivered_at, cancelled_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, NULLIF($6, ''), $7, $8, $9, $10, $11, $12)`,
		o.ID, o.UserID, o.Email, string(o.Status), o.TotalPrice.String(), o.IdempotencyKey,
		o.CreatedAt, o.PaymentDeadline, o.PaidAt, o.DeliveredAt, o.CancelledAt, o.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: order %s already exists", orders.ErrConflict, o.ID)
	}
	return err
}

func (r *OrderRepo) AddItem(ctx context.Context, item *orders.OrderItem) error {
	return r.q.QueryRow(ctx, `
		INSERT INTO order_items (order_id, product_id, requested_quantity, quantity, unit_price)
		VALUES ($1, $2, $3, $4, $5::numeric)
		RETURNING id`,
		item.OrderID, item.ProductID, item.RequestedQuantity, item.Quantity, item.UnitPrice.String()).Scan(&item.ID)
}

func (r *OrderRepo) SetItemQuantity(ctx context.Context, itemID int64, qty int) error {
	ct, err := r.q.Exec(ctx, `UPDATE order_items SET quantity = $2 WHERE id = $1`, itemID, qty)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: order item %d", orders.ErrNotFound, itemID)
	}
	return nil
}

func (r *OrderRepo) Get(ctx context.Context, id string) (*orders.Order, error) {
	return r.get(ctx, id, "")
}

func (r *OrderRepo) GetForUpdate(ctx context.Context, id string) (*orders.Order, error) {
	return r.get(ctx, id, " FOR UPDATE")
}

func (r *OrderRepo) get(ctx context.Context, id, lock string) (*orders.Order, error) {
	o, err := scanOrder(r.q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`+lock, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: order %s", orders.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if err := r.loadItems(ctx, []*orders.Order{o}); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *OrderRepo) Update(ctx context.Context, o *orders.Order) error {
	ct, err := r.q.Exec(ctx, `
		UPDATE orders SET
			email = $2, status = $3, total_price = $4::numeric, payment_deadline = $5,
			paid_at = $6, delivered_at = $7, cancelled_at = $8, updated_at = $9
		WHERE id = $1`,
		o.ID, o.Email, string(o.Status), o.TotalPrice.String(), o.PaymentDeadline,
		o.PaidAt, o.DeliveredAt, o.CancelledAt, o.UpdatedAt)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: order %s", orders.ErrNotFound, o.ID)
	}
	return nil
}

func (r *OrderRepo) List(ctx context.Context, f orders.ListFilter) ([]orders.Order, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at < $%d", f.To)
	}

	sql := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	col, ok := sortColumns[f.OrderBy]
	if !ok {
		col = "created_at"
	}
	dir := "ASC"
	if f.Direction == "DESC" {
		dir = "DESC"
	}
	sql += fmt.Sprintf(` ORDER BY %s %s, id %s`, col, dir, dir)
	if f.Limit > 0 {
		args = append(args, f.Limit, f.Offset())
		sql += fmt.Sprintf(` LIMIT $%d OFFSET $%d`, len(args)-1, len(args))
	}
	return r.queryOrders(ctx, sql, args...)
}

func (r *OrderRepo) ListWaitingPayment(ctx context.Context, dueBefore time.Time) ([]orders.Order, error) {
	sql := `SELECT ` + orderColumns + ` FROM orders WHERE status = $1`
	args := []any{string(orders.StatusWaitingPayment)}
	if !dueBefore.IsZero() {
		sql += ` AND payment_deadline < $2`
		args = append(args, dueBefore)
	}
	return r.queryOrders(ctx, sql+` ORDER BY created_at, id`, args...)
}

func (r *OrderRepo) ListPaid(ctx context.Context, paidBefore time.Time) ([]orders.Order, error) {
	sql := `SELECT ` + orderColumns + ` FROM orders WHERE status = $1`
	args := []any{string(orders.StatusPaid)}
	if !paidBefore.IsZero() {
		sql += ` AND paid_at < $2`
		args = append(args, paidBefore)
	}
	return r.queryOrders(ctx, sql+` ORDER BY paid_at, id`, args...)
}

func (r *OrderRepo) queryOrders(ctx context.Context, sql string, args ...any) ([]orders.Order, error) {
	rows, err := r.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	var list []*orders.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		list = append(list, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.loadItems(ctx, list); err != nil {
		return nil, err
	}
	out := make([]orders.Order, len(list))
	for i, o := range list {
		out[i] = *o
	}
	return out, nil
}

// loadItems attaches items and the keys each item currently holds, two queries for
// the whole batch.
func (r *OrderRepo) loadItems(ctx context.Context, list []*orders.Order) error {
	if len(list) == 0 {
		return nil
	}
	ids := make([]string, len(list))
	byID := make(map[string]*orders.Order, len(list))
	for i, o := range list {
		ids[i] = o.ID
		byID[o.ID] = o
		o.Items = []orders.OrderItem{}
	}

	rows, err := r.q.Query(ctx, `
		SELECT id, order_id, product_id, requested_quantity, quantity, unit_price::text
		FROM order_items WHERE order_id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return err
	}
	type itemRef struct {
		order *orders.Order
		index int
	}
	refs := make(map[int64]itemRef)
	var itemIDs []int64
	for rows.Next() {
		var (
			it    orders.OrderItem
			price string
		)
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.RequestedQuantity, &it.Quantity, &price); err != nil {
			rows.Close()
			return err
		}
		if it.UnitPrice, err = parseMoney(price); err != nil {
			rows.Close()
			return err
		}
		o := byID[it.OrderID]
		o.Items = append(o.Items, it)
		refs[it.ID] = itemRef{order: o, index: len(o.Items) - 1}
		itemIDs = append(itemIDs, it.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if len(itemIDs) == 0 {
		return nil
	}

	rows, err = r.q.Query(ctx, `
		SELECT id, order_item_id FROM license_keys
		WHERE order_item_id = ANY($1) ORDER BY id`, itemIDs)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var keyID, itemID int64
		if err := rows.Scan(&keyID, &itemID); err != nil {
			return err
		}
		ref := refs[itemID]
		it := &ref.order.Items[ref.index]
		it.KeyIDs = append(it.KeyIDs, keyID)
	}
	return rows.Err()
}
