package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ariefcatur/keyshop/internal/inventory"
	"github.com/ariefcatur/keyshop/internal/orders"
	"github.com/shopspring/decimal"
)

// state is everything the store holds. Transactions work on a deep copy and swap it
// in on commit.
type state struct {
	users      map[string]orders.User
	balances   map[string]decimal.Decimal
	products   map[string]orders.Product
	keys       map[int64]inventory.LicenseKey
	keyValues  map[string]int64
	orders     map[string]*orders.Order // Items are kept in items
	items      map[int64]orders.OrderItem
	orderItems map[string][]int64
	nextKeyID  int64
	nextItemID int64
}

func newState() *state {
	return &state{
		users:      make(map[string]orders.User),
		balances:   make(map[string]decimal.Decimal),
		products:   make(map[string]orders.Product),
		keys:       make(map[int64]inventory.LicenseKey),
		keyValues:  make(map[string]int64),
		orders:     make(map[string]*orders.Order),
		items:      make(map[int64]orders.OrderItem),
		orderItems: make(map[string][]int64),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.balances {
		c.balances[k] = v
	}
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.keys {
		if v.OrderItemID != nil {
			id := *v.OrderItemID
			v.OrderItemID = &id
		}
		c.keys[k] = v
	}
	for k, v := range s.keyValues {
		c.keyValues[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v.Clone()
	}
	for k, v := range s.items {
		c.items[k] = v
	}
	for k, v := range s.orderItems {
		c.orderItems[k] = append([]int64(nil), v...)
	}
	c.nextKeyID = s.nextKeyID
	c.nextItemID = s.nextItemID
	return c
}

// accessor runs fn against the store state. The root store locks around each call
// and commits writes atomically; a transaction runs fn directly on its snapshot.
type accessor interface {
	read(fn func(*state) error) error
	write(fn func(*state) error) error
}

// Store is an in-memory orders.Store. One mutex serializes every transaction, which
// gives the same at-most-one-winner result as row locks in Postgres.
type Store struct {
	mu   sync.Mutex
	data *state
}

var _ orders.Store = (*Store)(nil)

func New() *Store {
	return &Store{data: newState()}
}

func (s *Store) read(fn func(*state) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.data)
}

func (s *Store) write(fn func(*state) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.data.clone()
	if err := fn(snap); err != nil {
		return err
	}
	s.data = snap
	return nil
}

// InTx runs fn on a snapshot and publishes it only if fn succeeds. fn must use the
// Store it is given; calling back into s from inside fn deadlocks.
func (s *Store) InTx(ctx context.Context, fn func(tx orders.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.write(func(snap *state) error {
		return fn(&txStore{data: snap})
	})
}

func (s *Store) Orders() orders.OrderRepository { return orderRepo{s} }
func (s *Store) Keys() inventory.Repository     { return keyRepo{s} }
func (s *Store) Catalog() orders.Catalog        { return catalog{s} }
func (s *Store) Ledger() orders.Ledger          { return ledger{s} }
func (s *Store) Users() orders.Users            { return users{s} }

type txStore struct {
	data *state
}

func (t *txStore) read(fn func(*state) error) error  { return fn(t.data) }
func (t *txStore) write(fn func(*state) error) error { return fn(t.data) }

// InTx inside a transaction joins it.
func (t *txStore) InTx(_ context.Context, fn func(tx orders.Store) error) error { return fn(t) }

func (t *txStore) Orders() orders.OrderRepository { return orderRepo{t} }
func (t *txStore) Keys() inventory.Repository     { return keyRepo{t} }
func (t *txStore) Catalog() orders.Catalog        { return catalog{t} }
func (t *txStore) Ledger() orders.Ledger          { return ledger{t} }
func (t *txStore) Users() orders.Users            { return users{t} }

// AddUser registers a buyer with an opening balance.
func (s *Store) AddUser(u orders.User, balance decimal.Decimal) {
	_ = s.write(func(st *state) error {
		st.users[u.Identity] = u
		st.balances[u.Identity] = balance
		return nil
	})
}

func (s *Store) AddProduct(p orders.Product) {
	_ = s.write(func(st *state) error {
		st.products[p.ID] = p
		return nil
	})
}

// Balance returns the buyer's current balance, zero for unknown buyers.
func (s *Store) Balance(userID string) decimal.Decimal {
	var b decimal.Decimal
	_ = s.read(func(st *state) error {
		b = st.balances[userID]
		return nil
	})
	return b
}

// ProductKeys lists the keys of one product in ID order.
func (s *Store) ProductKeys(productID string) []inventory.LicenseKey {
	var out []inventory.LicenseKey
	_ = s.read(func(st *state) error {
		for _, id := range sortedKeyIDs(st) {
			if k := st.keys[id]; k.ProductID == productID {
				out = append(out, copyKey(k))
			}
		}
		return nil
	})
	return out
}

type users struct{ a accessor }

func (r users) Resolve(_ context.Context, identity string) (orders.User, error) {
	var u orders.User
	err := r.a.read(func(st *state) error {
		var ok bool
		if u, ok = st.users[identity]; !ok {
			return fmt.Errorf("%w: user %s", orders.ErrNotFound, identity)
		}
		return nil
	})
	return u, err
}

type catalog struct{ a accessor }

func (r catalog) Get(_ context.Context, productID string) (orders.Product, error) {
	var p orders.Product
	err := r.a.read(func(st *state) error {
		var ok bool
		if p, ok = st.products[productID]; !ok {
			return fmt.Errorf("%w: product %s", orders.ErrNotFound, productID)
		}
		return nil
	})
	return p, err
}

type ledger struct{ a accessor }

func (r ledger) Debit(_ context.Context, userID string, amount decimal.Decimal) error {
	return r.a.write(func(st *state) error {
		bal, ok := st.balances[userID]
		if !ok {
			return fmt.Errorf("%w: balance of %s", orders.ErrNotFound, userID)
		}
		if bal.LessThan(amount) {
			return fmt.Errorf("%w: balance %s, need %s", orders.ErrInsufficientFunds, bal.StringFixed(2), amount.StringFixed(2))
		}
		st.balances[userID] = bal.Sub(amount)
		return nil
	})
}

func (r ledger) Credit(_ context.Context, userID string, amount decimal.Decimal) error {
	return r.a.write(func(st *state) error {
		if _, ok := st.users[userID]; !ok {
			return fmt.Errorf("%w: user %s", orders.ErrNotFound, userID)
		}
		st.balances[userID] = st.balances[userID].Add(amount)
		return nil
	})
}

func stamp() time.Time { return time.Now().UTC() }
