package orders

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID    string
	Name  string
	Price decimal.Decimal
}

type User struct {
	Identity string
	Email    string
}

type Order struct {
	ID              string
	UserID          string
	Email           string
	Status          Status
	TotalPrice      decimal.Decimal
	IdempotencyKey  string
	CreatedAt       time.Time
	PaymentDeadline *time.Time
	PaidAt          *time.Time
	DeliveredAt     *time.Time
	CancelledAt     *time.Time
	UpdatedAt       time.Time
	Items           []OrderItem
}

type OrderItem struct {
	ID                int64
	OrderID           string
	ProductID         string
	RequestedQuantity int
	Quantity          int // keys actually reserved
	UnitPrice         decimal.Decimal
	KeyIDs            []int64
}

// KeyCount is the number of keys currently attached to the order.
func (o *Order) KeyCount() int {
	n := 0
	for _, it := range o.Items {
		n += len(it.KeyIDs)
	}
	return n
}

func (o *Order) moveTo(to Status, at time.Time) error {
	if !CanTransition(o.Status, to) {
		return fmt.Errorf("%w: order %s cannot move from %q to %q", ErrConflict, o.ID, o.Status, to)
	}
	o.Status = to
	o.UpdatedAt = at
	return nil
}

// AwaitPayment opens the payment window. The deadline is only ever set here.
func (o *Order) AwaitPayment(at time.Time, window time.Duration) error {
	if err := o.moveTo(StatusWaitingPayment, at); err != nil {
		return err
	}
	deadline := at.Add(window)
	o.PaymentDeadline = &deadline
	return nil
}

func (o *Order) Cancel(at time.Time) error {
	if err := o.moveTo(StatusCancelled, at); err != nil {
		return err
	}
	o.CancelledAt = &at
	return nil
}

func (o *Order) MarkPaid(at time.Time) error {
	if err := o.moveTo(StatusPaid, at); err != nil {
		return err
	}
	o.PaidAt = &at
	return nil
}

func (o *Order) MarkDelivered(at time.Time) error {
	if err := o.moveTo(StatusDelivered, at); err != nil {
		return err
	}
	o.DeliveredAt = &at
	return nil
}

func (o *Order) MarkDeliveryFailed(at time.Time) error {
	return o.moveTo(StatusFailedToDeliver, at)
}

// Clone returns a deep copy so callers never share item slices.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	c.PaymentDeadline = cloneTime(o.PaymentDeadline)
	c.PaidAt = cloneTime(o.PaidAt)
	c.DeliveredAt = cloneTime(o.DeliveredAt)
	c.CancelledAt = cloneTime(o.CancelledAt)
	c.Items = make([]OrderItem, len(o.Items))
	for i, it := range o.Items {
		it.KeyIDs = append([]int64(nil), it.KeyIDs...)
		c.Items[i] = it
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
