package orders

import (
	"context"
	"time"

	"github.com/ariefcatur/keyshop/internal/inventory"
	"github.com/shopspring/decimal"
)

// Store is the unit of work over every table the engine touches. InTx hands fn a
// Store bound to one transaction; a non-nil error from fn rolls all of it back.
type Store interface {
	Orders() OrderRepository
	Keys() inventory.Repository
	Catalog() Catalog
	Ledger() Ledger
	Users() Users
	InTx(ctx context.Context, fn func(tx Store) error) error
}

type OrderRepository interface {
	Insert(ctx context.Context, o *Order) error
	// AddItem stores the item and assigns its ID.
	AddItem(ctx context.Context, item *OrderItem) error
	SetItemQuantity(ctx context.Context, itemID int64, qty int) error
	Get(ctx context.Context, id string) (*Order, error)
	// GetForUpdate reads the order and locks its row until the surrounding
	// transaction ends.
	GetForUpdate(ctx context.Context, id string) (*Order, error)
	Update(ctx context.Context, o *Order) error
	List(ctx context.Context, f ListFilter) ([]Order, error)
	// ListWaitingPayment returns WaitingPayment orders whose deadline is before
	// dueBefore, or all of them when dueBefore is zero.
	ListWaitingPayment(ctx context.Context, dueBefore time.Time) ([]Order, error)
	// ListPaid returns Paid orders paid before paidBefore, or all of them when
	// paidBefore is zero.
	ListPaid(ctx context.Context, paidBefore time.Time) ([]Order, error)
}

type Catalog interface {
	Get(ctx context.Context, productID string) (Product, error)
}

type Ledger interface {
	// Debit fails with ErrInsufficientFunds without changing the balance.
	Debit(ctx context.Context, userID string, amount decimal.Decimal) error
	Credit(ctx context.Context, userID string, amount decimal.Decimal) error
}

type Users interface {
	Resolve(ctx context.Context, identity string) (User, error)
}

type Notifier interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Cache is the key/value capability used for idempotency and status lookups.
// Get returns "" with a nil error on a miss.
type Cache interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
}

type Publisher interface {
	Publish(ctx context.Context, topic string, env Envelope) error
}

// Timers arms and disarms payment deadline timers.
type Timers interface {
	Schedule(orderID string, fireAt time.Time)
	Cancel(orderID string)
}
