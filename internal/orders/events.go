package orders

import (
	"encoding/json"
	"time"
)

const (
	EventOrderCreated   = "OrderCreated"
	EventOrderCancelled = "OrderCancelled"
	EventOrderPaid      = "OrderPaid"
	EventOrderDelivered = "OrderDelivered"
	EventDeliveryFailed = "OrderDeliveryFailed"
	currentEventVersion = 1
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order_id
	Payload       json.RawMessage `json:"payload"`
}

type ItemQty struct {
	ProductID string `json:"product_id"`
	Requested int    `json:"requested"`
	Reserved  int    `json:"reserved"`
}

type OrderCreatedPayload struct {
	OrderID         string    `json:"order_id"`
	UserID          string    `json:"user_id"`
	Items           []ItemQty `json:"items"`
	TotalPrice      string    `json:"total_price"`
	PaymentDeadline time.Time `json:"payment_deadline"`
}

type OrderCancelledPayload struct {
	OrderID      string `json:"order_id"`
	ReleasedKeys int    `json:"released_keys"`
	Reason       string `json:"reason"` // PAYMENT_TIMEOUT
}

type OrderPaidPayload struct {
	OrderID string `json:"order_id"`
	UserID  string `json:"user_id"`
	Amount  string `json:"amount"`
	Keys    int    `json:"keys"`
}

type OrderFinalizedPayload struct {
	OrderID     string `json:"order_id"`
	FinalStatus Status `json:"final_status"`
	Reason      string `json:"reason,omitempty"`
}

func createdPayload(o *Order) OrderCreatedPayload {
	items := make([]ItemQty, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, ItemQty{ProductID: it.ProductID, Requested: it.RequestedQuantity, Reserved: it.Quantity})
	}
	p := OrderCreatedPayload{
		OrderID:    o.ID,
		UserID:     o.UserID,
		Items:      items,
		TotalPrice: o.TotalPrice.StringFixed(2),
	}
	if o.PaymentDeadline != nil {
		p.PaymentDeadline = *o.PaymentDeadline
	}
	return p
}
