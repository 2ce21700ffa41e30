package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/ariefcatur/keyshop/internal/orders"
	"github.com/go-chi/chi/v5"
)

// ProductsHandler exposes stock levels and key import. It sits behind the admin
// gateway, so it does not look at X-User.
type ProductsHandler struct {
	Service *orders.Service
}

type ImportKeysReq struct {
	Keys []string `json:"keys" validate:"required,min=1,max=1000,dive,required"`
}

func (h *ProductsHandler) Register(r chi.Router) {
	r.Get("/products/{id}/stock", h.stock)
	r.Post("/products/{id}/license-keys", h.importKeys)
}

func (h *ProductsHandler) stock(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	id := chi.URLParam(r, "id")
	n, err := h.Service.Stock(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product_id": id, "available": n})
}

func (h *ProductsHandler) importKeys(w http.ResponseWriter, r *http.Request) {
	var req ImportKeysReq
	if !bind(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	id := chi.URLParam(r, "id")
	n, err := h.Service.ImportKeys(ctx, id, req.Keys)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"product_id": id, "imported": n})
}
