package main

import (
	"context"

	"github.com/ariefcatur/keyshop/internal/memory"
	"github.com/ariefcatur/keyshop/internal/orders"
	"github.com/shopspring/decimal"
)

// seedDemo gives the in-memory store a couple of buyers and a stocked product so the
// API is usable without Postgres.
func seedDemo(s *memory.Store) {
	s.AddUser(orders.User{Identity: "alice", Email: "alice@example.com"}, decimal.NewFromInt(100))
	s.AddUser(orders.User{Identity: "bob", Email: "bob@example.com"}, decimal.NewFromInt(20))
	s.AddProduct(orders.Product{ID: "office-suite", Name: "Office Suite License", Price: decimal.RequireFromString("19.99")})
	s.AddProduct(orders.Product{ID: "antivirus", Name: "Antivirus 1 Year", Price: decimal.RequireFromString("4.50")})
	_, _ = s.Keys().Insert(context.Background(), "office-suite", []string{"OFS-0001-AAAA", "OFS-0002-BBBB", "OFS-0003-CCCC"})
	_, _ = s.Keys().Insert(context.Background(), "antivirus", []string{"AV-0001", "AV-0002"})
}
