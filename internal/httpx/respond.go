package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ariefcatur/keyshop/internal/inventory"
	"github.com/ariefcatur/keyshop/internal/logging"
	"github.com/ariefcatur/keyshop/internal/orders"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type errorResp struct {
	Error     string       `json:"error"`
	RequestID string       `json:"request_id,omitempty"`
	Details   []fieldError `json:"details,omitempty"`
	Order     *orderResp   `json:"order,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// statusOf maps domain errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, orders.ErrValidation), errors.Is(err, inventory.ErrInvalidQuantity):
		return http.StatusBadRequest
	case errors.Is(err, orders.ErrNotFound), errors.Is(err, inventory.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orders.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, orders.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, orders.ErrOutOfStock),
		errors.Is(err, orders.ErrConflict),
		errors.Is(err, inventory.ErrConflict),
		errors.Is(err, inventory.ErrDuplicateKey):
		return http.StatusConflict
	case errors.Is(err, orders.ErrDeliveryFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	writeErrorWithOrder(w, r, err, nil)
}

func writeErrorWithOrder(w http.ResponseWriter, r *http.Request, err error, o *orderResp) {
	code := statusOf(err)
	resp := errorResp{Error: err.Error(), RequestID: middleware.GetReqID(r.Context()), Order: o}
	if code == http.StatusInternalServerError {
		logging.FromContext(r.Context(), nil).Error("request_failed", zap.Error(err))
		resp.Error = "internal error"
	}
	writeJSON(w, code, resp)
}

func writeMessage(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, errorResp{Error: msg, RequestID: middleware.GetReqID(r.Context())})
}
