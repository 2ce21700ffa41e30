package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/ariefcatur/keyshop/internal/inventory"
)

type keyRepo struct{ a accessor }

func sortedKeyIDs(st *state) []int64 {
	ids := make([]int64, 0, len(st.keys))
	for id := range st.keys {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func copyKey(k inventory.LicenseKey) inventory.LicenseKey {
	if k.OrderItemID != nil {
		id := *k.OrderItemID
		k.OrderItemID = &id
	}
	return k
}

func (r keyRepo) ClaimActive(_ context.Context, productID string, orderItemID int64, limit int) ([]inventory.LicenseKey, error) {
	var out []inventory.LicenseKey
	err := r.a.write(func(st *state) error {
		now := stamp()
		for _, id := range sortedKeyIDs(st) {
			if len(out) == limit {
				break
			}
			k := st.keys[id]
			if k.ProductID != productID || k.Status != inventory.KeyActive {
				continue
			}
			owner := orderItemID
			k.Status = inventory.KeyOrdered
			k.OrderItemID = &owner
			k.UpdatedAt = now
			st.keys[id] = k
			out = append(out, copyKey(k))
		}
		return nil
	})
	return out, err
}

func (r keyRepo) ReleaseOrdered(_ context.Context, keyID int64) (bool, error) {
	released := false
	err := r.a.write(func(st *state) error {
		k, ok := st.keys[keyID]
		if !ok || k.Status != inventory.KeyOrdered {
			return nil
		}
		k.Status = inventory.KeyActive
		k.OrderItemID = nil
		k.UpdatedAt = stamp()
		st.keys[keyID] = k
		released = true
		return nil
	})
	return released, err
}

func (r keyRepo) SellOrdered(_ context.Context, keyID, orderItemID int64) (bool, error) {
	sold := false
	err := r.a.write(func(st *state) error {
		k, ok := st.keys[keyID]
		if !ok || k.Status != inventory.KeyOrdered || k.OrderItemID == nil || *k.OrderItemID != orderItemID {
			return nil
		}
		k.Status = inventory.KeySold
		k.UpdatedAt = stamp()
		st.keys[keyID] = k
		sold = true
		return nil
	})
	return sold, err
}

func (r keyRepo) Get(_ context.Context, keyID int64) (inventory.LicenseKey, error) {
	var k inventory.LicenseKey
	err := r.a.read(func(st *state) error {
		found, ok := st.keys[keyID]
		if !ok {
			return fmt.Errorf("%w: %d", inventory.ErrNotFound, keyID)
		}
		k = copyKey(found)
		return nil
	})
	return k, err
}

func (r keyRepo) ListByOrderItem(_ context.Context, orderItemID int64) ([]inventory.LicenseKey, error) {
	var out []inventory.LicenseKey
	err := r.a.read(func(st *state) error {
		out = keysOfItem(st, orderItemID)
		return nil
	})
	return out, err
}

func keysOfItem(st *state, orderItemID int64) []inventory.LicenseKey {
	var out []inventory.LicenseKey
	for _, id := range sortedKeyIDs(st) {
		k := st.keys[id]
		if k.OrderItemID != nil && *k.OrderItemID == orderItemID {
			out = append(out, copyKey(k))
		}
	}
	return out
}

func (r keyRepo) Insert(_ context.Context, productID string, keys []string) ([]inventory.LicenseKey, error) {
	var out []inventory.LicenseKey
	err := r.a.write(func(st *state) error {
		now := stamp()
		for _, v := range keys {
			if _, dup := st.keyValues[v]; dup {
				return fmt.Errorf("%w: %s", inventory.ErrDuplicateKey, v)
			}
			st.nextKeyID++
			k := inventory.LicenseKey{
				ID:        st.nextKeyID,
				Key:       v,
				Status:    inventory.KeyActive,
				ProductID: productID,
				CreatedAt: now,
				UpdatedAt: now,
			}
			st.keys[k.ID] = k
			st.keyValues[v] = k.ID
			out = append(out, k)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r keyRepo) CountActive(_ context.Context, productID string) (int, error) {
	n := 0
	err := r.a.read(func(st *state) error {
		for _, k := range st.keys {
			if k.ProductID == productID && k.Status == inventory.KeyActive {
				n++
			}
		}
		return nil
	})
	return n, err
}
