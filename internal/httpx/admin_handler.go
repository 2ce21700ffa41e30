package httpx

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/ariefcatur/keyshop/internal/orders"
	"github.com/go-chi/chi/v5"
)

// AdminOrdersHandler reads any buyer's orders. Like ProductsHandler it sits behind
// the admin gateway and ignores X-User.
type AdminOrdersHandler struct {
	Service *orders.Service
}

func (h *AdminOrdersHandler) Register(r chi.Router) {
	r.Route("/admin/orders", func(r chi.Router) {
		r.Get("/", h.listOrders)
		r.Get("/{id}", h.getOrder)
	})
}

// listOrders takes the same query as the buyer listing plus an optional username.
func (h *AdminOrdersHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	listOrders(w, r, h.Service, strings.TrimSpace(r.URL.Query().Get("username")))
}

func (h *AdminOrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.Service.GetOrder(ctx, chi.URLParam(r, "id"), "")
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResp(o))
}
