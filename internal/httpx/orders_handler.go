package httpx

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ariefcatur/keyshop/internal/orders"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

// HeaderIdempotencyKey is an alternative to the idempotency_key body field.
const HeaderIdempotencyKey = "Idempotency-Key"

type OrdersHandler struct {
	Service *orders.Service
}

type ItemReq struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"gt=0"`
}

type CreateOrderReq struct {
	Email          string    `json:"email" validate:"omitempty,email"`
	IdempotencyKey string    `json:"idempotency_key" validate:"omitempty,max=128"`
	Items          []ItemReq `json:"items" validate:"required,min=1,dive"`
}

type orderItemResp struct {
	ID                int64           `json:"id"`
	ProductID         string          `json:"product_id"`
	RequestedQuantity int             `json:"requested_quantity"`
	Quantity          int             `json:"quantity"`
	UnitPrice         decimal.Decimal `json:"unit_price"`
	KeyIDs            []int64         `json:"license_key_ids"`
}

type orderResp struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	Email           string          `json:"email"`
	Status          orders.Status   `json:"status"`
	TotalPrice      decimal.Decimal `json:"total_price"`
	CreatedAt       time.Time       `json:"created_at"`
	PaymentDeadline *time.Time      `json:"payment_deadline,omitempty"`
	PaidAt          *time.Time      `json:"paid_at,omitempty"`
	DeliveredAt     *time.Time      `json:"delivered_at,omitempty"`
	CancelledAt     *time.Time      `json:"cancelled_at,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Items           []orderItemResp `json:"items"`
}

type listResp struct {
	Orders []orderResp `json:"orders"`
	Page   int         `json:"page"`
	Limit  int         `json:"limit"`
}

func toOrderResp(o *orders.Order) *orderResp {
	if o == nil {
		return nil
	}
	resp := &orderResp{
		ID:              o.ID,
		UserID:          o.UserID,
		Email:           o.Email,
		Status:          o.Status,
		TotalPrice:      o.TotalPrice,
		CreatedAt:       o.CreatedAt,
		PaymentDeadline: o.PaymentDeadline,
		PaidAt:          o.PaidAt,
		DeliveredAt:     o.DeliveredAt,
		CancelledAt:     o.CancelledAt,
		UpdatedAt:       o.UpdatedAt,
		Items:           make([]orderItemResp, 0, len(o.Items)),
	}
	for _, it := range o.Items {
		keys := it.KeyIDs
		if keys == nil {
			keys = []int64{}
		}
		resp.Items = append(resp.Items, orderItemResp{
			ID:                it.ID,
			ProductID:         it.ProductID,
			RequestedQuantity: it.RequestedQuantity,
			Quantity:          it.Quantity,
			UnitPrice:         it.UnitPrice,
			KeyIDs:            keys,
		})
	}
	return resp
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Route("/orders", func(r chi.Router) {
		r.Use(requireUser)
		r.Post("/", h.createOrder)
		r.Get("/", h.listOrders)
		r.Get("/{id}", h.getOrder)
		r.Get("/{id}/status", h.getStatus)
		r.Post("/{id}/confirm-payment", h.confirmPayment)
	})
}

// requireUser rejects requests that did not pass the gateway.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(r.Header.Get(HeaderUser)) == "" {
			writeMessage(w, r, http.StatusUnauthorized, "missing "+HeaderUser+" header")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requester(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(HeaderUser))
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderReq
	if !bind(w, r, &req) {
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	in := orders.CreateOrderInput{
		UserID:         requester(r),
		Email:          req.Email,
		IdempotencyKey: req.IdempotencyKey,
		Items:          make([]orders.ItemInput, 0, len(req.Items)),
	}
	for _, it := range req.Items {
		in.Items = append(in.Items, orders.ItemInput{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	o, err := h.Service.Create(ctx, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderResp(o))
}

func (h *OrdersHandler) confirmPayment(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	o, err := h.Service.ConfirmPayment(ctx, chi.URLParam(r, "id"), requester(r))
	if err != nil {
		// a failed delivery still settled the order; hand back its final state
		writeErrorWithOrder(w, r, err, toOrderResp(o))
		return
	}
	writeJSON(w, http.StatusOK, toOrderResp(o))
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.Service.GetOrder(ctx, chi.URLParam(r, "id"), requester(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResp(o))
}

func (h *OrdersHandler) getStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	id := chi.URLParam(r, "id")
	st, err := h.Service.OrderStatus(ctx, id, requester(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order_id": id, "status": st})
}

type listQuery struct {
	Status    string `query:"status"`
	Period    string `query:"period"`
	From      string `query:"from"`
	To        string `query:"to"`
	Page      int    `query:"page" validate:"gte=0"`
	Limit     int    `query:"limit" validate:"gte=0"`
	OrderBy   string `query:"order_by" validate:"omitempty,oneof=created_at total_price status"`
	Direction string `query:"direction" validate:"omitempty,oneof=asc desc ASC DESC"`
}

var errBadQuery = errors.New("bad query parameter")

func parseListQuery(r *http.Request) (listQuery, error) {
	q := r.URL.Query()
	lq := listQuery{
		Status:    q.Get("status"),
		Period:    q.Get("period"),
		From:      q.Get("from"),
		To:        q.Get("to"),
		OrderBy:   q.Get("order_by"),
		Direction: q.Get("direction"),
	}
	for name, dst := range map[string]*int{"page": &lq.Page, "limit": &lq.Limit} {
		if raw := q.Get(name); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				return lq, errBadQuery
			}
			*dst = n
		}
	}
	return lq, nil
}

// parseTime accepts RFC 3339 timestamps and plain dates.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, s)
}

func (h *OrdersHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	listOrders(w, r, h.Service, requester(r))
}

// listOrders serves one page of orders, restricted to userID when it is non-empty.
func listOrders(w http.ResponseWriter, r *http.Request, svc *orders.Service, userID string) {
	lq, err := parseListQuery(r)
	if err != nil {
		writeMessage(w, r, http.StatusBadRequest, "page and limit must be integers")
		return
	}
	if !check(w, r, &lq) {
		return
	}
	from, err := parseTime(lq.From)
	if err != nil {
		writeMessage(w, r, http.StatusBadRequest, "from must be a date or RFC 3339 timestamp")
		return
	}
	to, err := parseTime(lq.To)
	if err != nil {
		writeMessage(w, r, http.StatusBadRequest, "to must be a date or RFC 3339 timestamp")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	f := orders.ListFilter{
		UserID:    userID,
		Status:    orders.Status(lq.Status),
		Period:    orders.Period(lq.Period),
		From:      from,
		To:        to,
		Page:      lq.Page,
		Limit:     lq.Limit,
		OrderBy:   lq.OrderBy,
		Direction: lq.Direction,
	}
	f, err = f.Normalize(time.Now())
	if err != nil {
		writeError(w, r, err)
		return
	}
	list, err := svc.ListOrders(ctx, f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := listResp{Orders: make([]orderResp, 0, len(list)), Page: f.Page, Limit: f.Limit}
	for i := range list {
		resp.Orders = append(resp.Orders, *toOrderResp(&list[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}
