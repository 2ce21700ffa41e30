package inventory

import (
	"context"
	"fmt"
	"strings"

	"github.com/ariefcatur/keyshop/internal/logging"
	"github.com/ariefcatur/keyshop/internal/metrics"
	"go.uber.org/zap"
)

// Reserver applies reservation rules on top of a Repository. The repository is passed
// per call so the same rules run inside whatever transaction the caller holds.
type Reserver struct {
	Log     *zap.Logger
	Metrics *metrics.Metrics
}

func NewReserver(log *zap.Logger, m *metrics.Metrics) *Reserver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reserver{Log: log.Named("inventory"), Metrics: m}
}

// Reserve claims up to qty Active keys for the product. Fewer keys than requested is
// not an error; the caller decides what under-fulfillment means.
func (r *Reserver) Reserve(ctx context.Context, repo Repository, productID string, orderItemID int64, qty int) ([]LicenseKey, error) {
	if qty <= 0 {
		return nil, ErrInvalidQuantity
	}
	keys, err := repo.ClaimActive(ctx, productID, orderItemID, qty)
	if err != nil {
		return nil, fmt.Errorf("inventory: claim %s: %w", productID, err)
	}
	if err := r.checkClaim(ctx, keys, productID, orderItemID, qty); err != nil {
		return nil, err
	}

	r.Metrics.KeysReserved(len(keys), len(keys) < qty)
	if len(keys) < qty {
		logging.FromContext(ctx, r.Log).Info("reservation_short",
			zap.String("product_id", productID),
			zap.Int64("order_item_id", orderItemID),
			zap.Int("requested", qty),
			zap.Int("reserved", len(keys)),
		)
	}
	return keys, nil
}

// checkClaim rejects a claim that breaks exclusive ownership. Such a claim means the
// storage layer is broken, so it is reported and never repaired here.
func (r *Reserver) checkClaim(ctx context.Context, keys []LicenseKey, productID string, orderItemID int64, qty int) error {
	var problems []string
	if len(keys) > qty {
		problems = append(problems, fmt.Sprintf("claimed %d keys for qty %d", len(keys), qty))
	}
	seen := make(map[int64]struct{}, len(keys))
	for _, k := range keys {
		if _, dup := seen[k.ID]; dup {
			problems = append(problems, fmt.Sprintf("key %d claimed twice", k.ID))
		}
		seen[k.ID] = struct{}{}
		if k.Status != KeyOrdered || k.OrderItemID == nil || *k.OrderItemID != orderItemID {
			problems = append(problems, fmt.Sprintf("key %d not owned by item %d", k.ID, orderItemID))
		}
		if k.ProductID != productID {
			problems = append(problems, fmt.Sprintf("key %d belongs to product %s", k.ID, k.ProductID))
		}
	}
	if len(problems) == 0 {
		return nil
	}
	logging.FromContext(ctx, r.Log).Error("reservation_invariant_violation",
		zap.String("product_id", productID),
		zap.Int64("order_item_id", orderItemID),
		zap.Strings("problems", problems),
	)
	return fmt.Errorf("%w: %s", ErrInvariantViolation, strings.Join(problems, "; "))
}

// Release returns an Ordered key to stock. Releasing an Active key is a no-op.
func (r *Reserver) Release(ctx context.Context, repo Repository, keyID int64) error {
	ok, err := repo.ReleaseOrdered(ctx, keyID)
	if err != nil {
		return fmt.Errorf("inventory: release %d: %w", keyID, err)
	}
	if ok {
		r.Metrics.KeysReleased(1)
		return nil
	}
	k, err := repo.Get(ctx, keyID)
	if err != nil {
		return fmt.Errorf("inventory: release %d: %w", keyID, err)
	}
	if k.Status == KeySold {
		return fmt.Errorf("%w: key %d already sold", ErrConflict, keyID)
	}
	return nil
}

// MarkSold finalizes a key for the item that reserved it.
func (r *Reserver) MarkSold(ctx context.Context, repo Repository, keyID, orderItemID int64) error {
	ok, err := repo.SellOrdered(ctx, keyID, orderItemID)
	if err != nil {
		return fmt.Errorf("inventory: sell %d: %w", keyID, err)
	}
	if !ok {
		if _, err := repo.Get(ctx, keyID); err != nil {
			return fmt.Errorf("inventory: sell %d: %w", keyID, err)
		}
		return fmt.Errorf("%w: key %d is not reserved by item %d", ErrConflict, keyID, orderItemID)
	}
	r.Metrics.KeysSold(1)
	return nil
}

// Import adds new Active keys for a product. Blank and repeated entries are rejected.
func (r *Reserver) Import(ctx context.Context, repo Repository, productID string, keys []string) ([]LicenseKey, error) {
	if len(keys) == 0 {
		return nil, ErrInvalidQuantity
	}
	seen := make(map[string]struct{}, len(keys))
	clean := make([]string, 0, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			return nil, fmt.Errorf("inventory: blank license key")
		}
		if _, dup := seen[k]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, k)
		}
		seen[k] = struct{}{}
		clean = append(clean, k)
	}
	out, err := repo.Insert(ctx, productID, clean)
	if err != nil {
		return nil, fmt.Errorf("inventory: import for %s: %w", productID, err)
	}
	logging.FromContext(ctx, r.Log).Info("license_keys_imported",
		zap.String("product_id", productID),
		zap.Int("count", len(out)),
	)
	return out, nil
}

func (r *Reserver) CountActive(ctx context.Context, repo Repository, productID string) (int, error) {
	return repo.CountActive(ctx, productID)
}
