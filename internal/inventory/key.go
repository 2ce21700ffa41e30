package inventory

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound           = errors.New("inventory: license key not found")
	ErrConflict           = errors.New("inventory: license key state conflict")
	ErrDuplicateKey       = errors.New("inventory: license key already exists")
	ErrInvalidQuantity    = errors.New("inventory: quantity must be greater than zero")
	ErrInvariantViolation = errors.New("inventory: invariant violation")
)

type KeyStatus string

const (
	KeyActive  KeyStatus = "Active"
	KeyOrdered KeyStatus = "Ordered"
	KeySold    KeyStatus = "Sold"
)

// LicenseKey is one redeemable unit of stock. OrderItemID is set iff Status != KeyActive.
type LicenseKey struct {
	ID          int64
	Key         string
	Status      KeyStatus
	ProductID   string
	OrderItemID *int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Repository is the storage port for license keys. Implementations must make every
// method atomic per key; ClaimActive in particular must select and flip in one step.
type Repository interface {
	// ClaimActive flips up to limit Active keys of the product, lowest ID first, to
	// Ordered and attaches them to orderItemID. It returns the claimed keys.
	ClaimActive(ctx context.Context, productID string, orderItemID int64, limit int) ([]LicenseKey, error)
	// ReleaseOrdered moves an Ordered key back to Active. It reports false when the key
	// was not in Ordered state.
	ReleaseOrdered(ctx context.Context, keyID int64) (bool, error)
	// SellOrdered moves an Ordered key owned by orderItemID to Sold. It reports false
	// when the key was not Ordered or is owned by another item.
	SellOrdered(ctx context.Context, keyID, orderItemID int64) (bool, error)
	Get(ctx context.Context, keyID int64) (LicenseKey, error)
	ListByOrderItem(ctx context.Context, orderItemID int64) ([]LicenseKey, error)
	Insert(ctx context.Context, productID string, keys []string) ([]LicenseKey, error)
	CountActive(ctx context.Context, productID string) (int, error)
}
