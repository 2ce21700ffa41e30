package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ariefcatur/keyshop/internal/memory"
	"github.com/ariefcatur/keyshop/internal/metrics"
	"github.com/ariefcatur/keyshop/internal/orders"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopTimers struct{}

func (nopTimers) Schedule(string, time.Time) {}
func (nopTimers) Cancel(string)              {}

type mailbox struct {
	fail bool
	got  []string
}

func (m *mailbox) Send(_ context.Context, to, _, _ string) error {
	if m.fail {
		return errors.New("smtp down")
	}
	m.got = append(m.got, to)
	return nil
}

func newEnv(t *testing.T) (http.Handler, *memory.Store, *mailbox) {
	t.Helper()
	store := memory.New()
	store.AddUser(orders.User{Identity: "alice", Email: "alice@example.com"}, decimal.NewFromInt(100))
	store.AddUser(orders.User{Identity: "bob", Email: "bob@example.com"}, decimal.NewFromInt(5))
	store.AddProduct(orders.Product{ID: "widget", Name: "Widget", Price: decimal.NewFromInt(10)})
	_, err := store.Keys().Insert(context.Background(), "widget", []string{"W-1", "W-2", "W-3"})
	require.NoError(t, err)

	cache := memory.NewCache()
	t.Cleanup(func() { _ = cache.Close() })

	reg := prometheus.NewRegistry()
	mail := &mailbox{}
	svc := orders.NewService(orders.Deps{
		Store:    store,
		Timers:   nopTimers{},
		Notifier: mail,
		Cache:    cache,
		Metrics:  metrics.New(reg),
	})

	r := NewRouter(nil, reg)
	(&OrdersHandler{Service: svc}).Register(r)
	(&ProductsHandler{Service: svc}).Register(r)
	(&AdminOrdersHandler{Service: svc}).Register(r)
	return r, store, mail
}

func do(t *testing.T, h http.Handler, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(HeaderUser, user)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func createOrder(t *testing.T, h http.Handler, user string, qty int) orderResp {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/orders", user, CreateOrderReq{Items: []ItemReq{{ProductID: "widget", Quantity: qty}}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[orderResp](t, rec)
}

func TestHealthAndMetrics(t *testing.T) {
	h, _, _ := newEnv(t)

	rec := do(t, h, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	createOrder(t, h, "alice", 1)
	rec = do(t, h, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "usecase_requests_total")
}

func TestCreateOrder(t *testing.T) {
	h, _, _ := newEnv(t)

	o := createOrder(t, h, "alice", 5)
	assert.Equal(t, orders.StatusWaitingPayment, o.Status)
	assert.Equal(t, "alice@example.com", o.Email)
	require.Len(t, o.Items, 1)
	assert.Equal(t, 5, o.Items[0].RequestedQuantity)
	assert.Equal(t, 3, o.Items[0].Quantity, "partial fill keeps what was reserved")
	assert.True(t, o.TotalPrice.Equal(decimal.NewFromInt(30)))
	require.NotNil(t, o.PaymentDeadline)

	rec := do(t, h, http.MethodPost, "/orders", "bob", CreateOrderReq{Items: []ItemReq{{ProductID: "widget", Quantity: 1}}})
	assert.Equal(t, http.StatusConflict, rec.Code, "stock exhausted")
}

func TestCreateOrderRejectsBadInput(t *testing.T) {
	h, _, _ := newEnv(t)

	rec := do(t, h, http.MethodPost, "/orders", "", CreateOrderReq{Items: []ItemReq{{ProductID: "widget", Quantity: 1}}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodPost, "/orders", "alice", CreateOrderReq{Items: []ItemReq{{ProductID: "widget", Quantity: 0}}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[errorResp](t, rec)
	require.Len(t, resp.Details, 1)
	assert.Equal(t, "items[0].quantity", resp.Details[0].Field)

	rec = do(t, h, http.MethodPost, "/orders", "alice", CreateOrderReq{Email: "nope", Items: []ItemReq{{ProductID: "widget", Quantity: 1}}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/orders", "alice", CreateOrderReq{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/orders", "alice", CreateOrderReq{Items: []ItemReq{{ProductID: "ghost", Quantity: 1}}})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewBufferString("{"))
	req.Header.Set(HeaderUser, "alice")
	raw := httptest.NewRecorder()
	h.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)
}

func TestCreateOrderIdempotencyHeader(t *testing.T) {
	h, _, _ := newEnv(t)

	send := func() orderResp {
		body, _ := json.Marshal(CreateOrderReq{Items: []ItemReq{{ProductID: "widget", Quantity: 1}}})
		req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewReader(body))
		req.Header.Set(HeaderUser, "alice")
		req.Header.Set(HeaderIdempotencyKey, "checkout-1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		return decode[orderResp](t, rec)
	}
	first, again := send(), send()
	assert.Equal(t, first.ID, again.ID)
}

func TestConfirmPayment(t *testing.T) {
	h, store, mail := newEnv(t)
	o := createOrder(t, h, "alice", 2)

	rec := do(t, h, http.MethodPost, "/orders/"+o.ID+"/confirm-payment", "bob", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodPost, "/orders/"+o.ID+"/confirm-payment", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	paid := decode[orderResp](t, rec)
	assert.Equal(t, orders.StatusDelivered, paid.Status)
	assert.Equal(t, []string{"alice@example.com"}, mail.got)
	assert.True(t, store.Balance("alice").Equal(decimal.NewFromInt(80)))

	rec = do(t, h, http.MethodPost, "/orders/"+o.ID+"/confirm-payment", "alice", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPost, "/orders/missing/confirm-payment", "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConfirmPaymentErrors(t *testing.T) {
	h, _, mail := newEnv(t)

	poor := createOrder(t, h, "bob", 1)
	rec := do(t, h, http.MethodPost, "/orders/"+poor.ID+"/confirm-payment", "bob", nil)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	mail.fail = true
	o := createOrder(t, h, "alice", 1)
	rec = do(t, h, http.MethodPost, "/orders/"+o.ID+"/confirm-payment", "alice", nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	resp := decode[errorResp](t, rec)
	require.NotNil(t, resp.Order)
	assert.Equal(t, orders.StatusFailedToDeliver, resp.Order.Status)
}

func TestGetAndListOrders(t *testing.T) {
	h, _, _ := newEnv(t)
	first := createOrder(t, h, "alice", 1)
	createOrder(t, h, "alice", 1)
	createOrder(t, h, "bob", 1)

	rec := do(t, h, http.MethodGet, "/orders/"+first.ID, "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, first.ID, decode[orderResp](t, rec).ID)

	rec = do(t, h, http.MethodGet, "/orders/"+first.ID, "bob", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodGet, "/orders/"+first.ID+"/status", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), string(orders.StatusWaitingPayment))

	rec = do(t, h, http.MethodGet, "/orders?limit=1&order_by=created_at&direction=asc", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	page := decode[listResp](t, rec)
	require.Len(t, page.Orders, 1)
	assert.Equal(t, first.ID, page.Orders[0].ID)
	assert.Equal(t, 1, page.Page)

	rec = do(t, h, http.MethodGet, "/orders?period=thisWeek", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, decode[listResp](t, rec).Orders, 2)

	rec = do(t, h, http.MethodGet, "/orders?status=Paid", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[listResp](t, rec).Orders)

	for _, q := range []string{"page=x", "order_by=email", "from=yesterday", "period=forever", "status=Lost"} {
		rec = do(t, h, http.MethodGet, "/orders?"+q, "alice", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestAdminOrders(t *testing.T) {
	h, _, _ := newEnv(t)
	first := createOrder(t, h, "alice", 1)
	createOrder(t, h, "alice", 1)
	bobs := createOrder(t, h, "bob", 1)

	rec := do(t, h, http.MethodGet, "/admin/orders/"+bobs.ID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "bob", decode[orderResp](t, rec).UserID)

	rec = do(t, h, http.MethodGet, "/admin/orders/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/admin/orders", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, decode[listResp](t, rec).Orders, 3)

	rec = do(t, h, http.MethodGet, "/admin/orders?username=alice&order_by=created_at&direction=asc", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	page := decode[listResp](t, rec)
	require.Len(t, page.Orders, 2)
	assert.Equal(t, first.ID, page.Orders[0].ID)
	for _, o := range page.Orders {
		assert.Equal(t, "alice", o.UserID)
	}

	rec = do(t, h, http.MethodGet, "/admin/orders?limit=x", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProducts(t *testing.T) {
	h, _, _ := newEnv(t)

	rec := do(t, h, http.MethodGet, "/products/widget/stock", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"product_id":"widget","available":3}`, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/products/widget/license-keys", "", ImportKeysReq{Keys: []string{"W-4", "W-5"}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"product_id":"widget","imported":2}`, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/products/widget/license-keys", "", ImportKeysReq{Keys: []string{"W-1"}})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPost, "/products/widget/license-keys", "", ImportKeysReq{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, fmt.Sprintf("/products/%s/stock", "ghost"), "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, statusOf(errors.New("db down")))
	assert.Equal(t, http.StatusConflict, statusOf(fmt.Errorf("wrap: %w", orders.ErrOutOfStock)))
}
