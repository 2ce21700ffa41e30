package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ariefcatur/keyshop/internal/orders"
)

type orderRepo struct{ a accessor }

func (r orderRepo) Insert(_ context.Context, o *orders.Order) error {
	return r.a.write(func(st *state) error {
		if _, exists := st.orders[o.ID]; exists {
			return fmt.Errorf("%w: order %s already exists", orders.ErrConflict, o.ID)
		}
		if o.IdempotencyKey != "" {
			for _, other := range st.orders {
				if other.UserID == o.UserID && other.IdempotencyKey == o.IdempotencyKey {
					return fmt.Errorf("%w: idempotency key %s already used by order %s", orders.ErrConflict, o.IdempotencyKey, other.ID)
				}
			}
		}
		c := o.Clone()
		c.Items = nil
		st.orders[o.ID] = c
		return nil
	})
}

func (r orderRepo) AddItem(_ context.Context, item *orders.OrderItem) error {
	return r.a.write(func(st *state) error {
		if _, ok := st.orders[item.OrderID]; !ok {
			return fmt.Errorf("%w: order %s", orders.ErrNotFound, item.OrderID)
		}
		st.nextItemID++
		item.ID = st.nextItemID
		stored := *item
		stored.KeyIDs = nil
		st.items[item.ID] = stored
		st.orderItems[item.OrderID] = append(st.orderItems[item.OrderID], item.ID)
		return nil
	})
}

func (r orderRepo) SetItemQuantity(_ context.Context, itemID int64, qty int) error {
	return r.a.write(func(st *state) error {
		it, ok := st.items[itemID]
		if !ok {
			return fmt.Errorf("%w: order item %d", orders.ErrNotFound, itemID)
		}
		it.Quantity = qty
		st.items[itemID] = it
		return nil
	})
}

func (r orderRepo) Get(_ context.Context, id string) (*orders.Order, error) {
	var o *orders.Order
	err := r.a.read(func(st *state) error {
		var err error
		o, err = assemble(st, id)
		return err
	})
	return o, err
}

// GetForUpdate needs no extra locking: a transaction already holds the store mutex.
func (r orderRepo) GetForUpdate(ctx context.Context, id string) (*orders.Order, error) {
	return r.Get(ctx, id)
}

func (r orderRepo) Update(_ context.Context, o *orders.Order) error {
	return r.a.write(func(st *state) error {
		if _, ok := st.orders[o.ID]; !ok {
			return fmt.Errorf("%w: order %s", orders.ErrNotFound, o.ID)
		}
		c := o.Clone()
		c.Items = nil
		st.orders[o.ID] = c
		return nil
	})
}

func (r orderRepo) List(_ context.Context, f orders.ListFilter) ([]orders.Order, error) {
	var out []orders.Order
	err := r.a.read(func(st *state) error {
		var matched []*orders.Order
		for id, o := range st.orders {
			if !f.Matches(o) {
				continue
			}
			full, err := assemble(st, id)
			if err != nil {
				return err
			}
			matched = append(matched, full)
		}
		sortOrders(matched, f.OrderBy, f.Direction == "DESC")

		start := f.Offset()
		if start >= len(matched) {
			return nil
		}
		end := start + f.Limit
		if f.Limit <= 0 || end > len(matched) {
			end = len(matched)
		}
		for _, o := range matched[start:end] {
			out = append(out, *o)
		}
		return nil
	})
	return out, err
}

func (r orderRepo) ListWaitingPayment(_ context.Context, dueBefore time.Time) ([]orders.Order, error) {
	var out []orders.Order
	err := r.a.read(func(st *state) error {
		for id, o := range st.orders {
			if o.Status != orders.StatusWaitingPayment {
				continue
			}
			if !dueBefore.IsZero() && (o.PaymentDeadline == nil || !o.PaymentDeadline.Before(dueBefore)) {
				continue
			}
			full, err := assemble(st, id)
			if err != nil {
				return err
			}
			out = append(out, *full)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

func (r orderRepo) ListPaid(_ context.Context, paidBefore time.Time) ([]orders.Order, error) {
	var out []orders.Order
	err := r.a.read(func(st *state) error {
		for id, o := range st.orders {
			if o.Status != orders.StatusPaid {
				continue
			}
			if !paidBefore.IsZero() && (o.PaidAt == nil || !o.PaidAt.Before(paidBefore)) {
				continue
			}
			full, err := assemble(st, id)
			if err != nil {
				return err
			}
			out = append(out, *full)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PaidAt.Equal(*out[j].PaidAt) {
			return out[i].PaidAt.Before(*out[j].PaidAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, err
}

// assemble returns a copy of the order with its items and the keys each item
// currently holds.
func assemble(st *state, id string) (*orders.Order, error) {
	o, ok := st.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", orders.ErrNotFound, id)
	}
	c := o.Clone()
	c.Items = make([]orders.OrderItem, 0, len(st.orderItems[id]))
	for _, itemID := range st.orderItems[id] {
		it := st.items[itemID]
		it.KeyIDs = nil
		for _, k := range keysOfItem(st, itemID) {
			it.KeyIDs = append(it.KeyIDs, k.ID)
		}
		c.Items = append(c.Items, it)
	}
	return c, nil
}

func sortOrders(list []*orders.Order, by string, desc bool) {
	less := func(a, b *orders.Order) bool {
		switch by {
		case "total_price":
			if !a.TotalPrice.Equal(b.TotalPrice) {
				return a.TotalPrice.LessThan(b.TotalPrice)
			}
		case "status":
			if a.Status != b.Status {
				return a.Status < b.Status
			}
		default:
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
		}
		return a.ID < b.ID
	}
	sort.Slice(list, func(i, j int) bool {
		if desc {
			return less(list[j], list[i])
		}
		return less(list[i], list[j])
	})
}
