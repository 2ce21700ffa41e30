package orders

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ariefcatur/keyshop/internal/inventory"
	"github.com/ariefcatur/keyshop/internal/logging"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// settle sells every key still reserved by the order and debits the buyer for them.
// It runs inside the caller's transaction: any error, an insufficient balance
// included, leaves keys, balance and order exactly as they were.
func (s *Service) settle(ctx context.Context, tx Store, o *Order) ([]inventory.LicenseKey, error) {
	prices := make(map[string]decimal.Decimal)
	total := decimal.Zero
	var sold []inventory.LicenseKey

	for _, it := range o.Items {
		keys, err := tx.Keys().ListByOrderItem(ctx, it.ID)
		if err != nil {
			return nil, fmt.Errorf("load keys of item %d: %w", it.ID, err)
		}
		if len(keys) == 0 {
			continue
		}
		price, ok := prices[it.ProductID]
		if !ok {
			p, err := tx.Catalog().Get(ctx, it.ProductID)
			if err != nil {
				return nil, fmt.Errorf("product %s: %w", it.ProductID, err)
			}
			price = p.Price
			prices[it.ProductID] = price
		}
		for _, k := range keys {
			if err := s.reserver.MarkSold(ctx, tx.Keys(), k.ID, it.ID); err != nil {
				return nil, err
			}
			k.Status = inventory.KeySold
			sold = append(sold, k)
			total = total.Add(price)
		}
	}

	if err := tx.Ledger().Debit(ctx, o.UserID, total); err != nil {
		return nil, fmt.Errorf("debit %s: %w", o.UserID, err)
	}
	o.TotalPrice = total
	if err := o.MarkPaid(s.now().UTC()); err != nil {
		return nil, err
	}
	if err := tx.Orders().Update(ctx, o); err != nil {
		return nil, err
	}
	return sold, nil
}

// ReasonDeliveryInterrupted is the finalized event reason for a paid order whose
// delivery never recorded an outcome.
const ReasonDeliveryInterrupted = "DELIVERY_INTERRUPTED"

// recordTimeout bounds the write of a delivery outcome. It runs on its own deadline
// because the send may already have used up the caller's.
const recordTimeout = 10 * time.Second

// deliver sends the purchased keys and records the outcome. There is no retry: a
// failed send leaves the order in FailedToDeliver.
func (s *Service) deliver(ctx context.Context, o *Order, keys []inventory.LicenseKey) (*Order, error) {
	log := logging.FromContext(ctx, s.log)
	subject, body := deliveryMessage(o, keys)
	sendErr := s.notifier.Send(ctx, o.Email, subject, body)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	var final *Order
	err := s.store.InTx(ctx, func(tx Store) error {
		cur, err := tx.Orders().GetForUpdate(ctx, o.ID)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		if sendErr == nil {
			err = cur.MarkDelivered(now)
		} else {
			err = cur.MarkDeliveryFailed(now)
		}
		if err != nil {
			return err
		}
		if err := tx.Orders().Update(ctx, cur); err != nil {
			return err
		}
		final = cur
		return nil
	})
	if err != nil {
		log.Error("order_delivery_record_failed",
			zap.String("order_id", o.ID),
			zap.NamedError("send_error", sendErr),
			zap.Error(err),
		)
		return nil, fmt.Errorf("record delivery of %s: %w", o.ID, err)
	}

	s.cacheStatus(ctx, final)
	payload := OrderFinalizedPayload{OrderID: final.ID, FinalStatus: final.Status}
	eventType := EventOrderDelivered
	if sendErr != nil {
		payload.Reason = sendErr.Error()
		eventType = EventDeliveryFailed
	}
	s.publish(ctx, TopicOrderFinalized, eventType, final.ID, payload)

	if sendErr != nil {
		log.Error("order_delivery_failed", zap.String("order_id", final.ID), zap.Error(sendErr))
		return final, fmt.Errorf("%w: order %s: %v", ErrDeliveryFailure, final.ID, sendErr)
	}
	log.Info("order_delivered", zap.String("order_id", final.ID), zap.Int("keys", len(keys)))
	return final, nil
}

// StrandedPayments lists Paid orders paid before paidBefore. An order only stays Paid
// while its delivery is in flight, so anything older was interrupted.
func (s *Service) StrandedPayments(ctx context.Context, paidBefore time.Time) ([]string, error) {
	paid, err := s.store.Orders().ListPaid(ctx, paidBefore)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(paid))
	for i, o := range paid {
		ids[i] = o.ID
	}
	return ids, nil
}

// AbandonDelivery moves a Paid order whose delivery outcome was never recorded to
// FailedToDeliver. The keys stay sold and nothing is resent. Orders in any other
// state are left untouched.
func (s *Service) AbandonDelivery(ctx context.Context, orderID string) (err error) {
	ctx, span := s.tracer.Start(ctx, "orders.abandon_delivery", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer s.finish(span, "order.abandon_delivery", time.Now(), &err)

	var failed *Order
	err = s.store.InTx(ctx, func(tx Store) error {
		o, err := tx.Orders().GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status != StatusPaid {
			return nil
		}
		if err := o.MarkDeliveryFailed(s.now().UTC()); err != nil {
			return err
		}
		if err := tx.Orders().Update(ctx, o); err != nil {
			return err
		}
		failed = o
		return nil
	})
	if err != nil || failed == nil {
		return err
	}

	s.cacheStatus(ctx, failed)
	s.publish(ctx, TopicOrderFinalized, EventDeliveryFailed, orderID, OrderFinalizedPayload{
		OrderID:     orderID,
		FinalStatus: failed.Status,
		Reason:      ReasonDeliveryInterrupted,
	})
	logging.FromContext(ctx, s.log).Warn("order_delivery_abandoned",
		zap.String("order_id", orderID),
		zap.Timep("paid_at", failed.PaidAt),
	)
	return nil
}

func deliveryMessage(o *Order, keys []inventory.LicenseKey) (string, string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Thank you for your purchase.\n\nOrder: %s\nTotal: %s\n\nYour license keys:\n", o.ID, o.TotalPrice.StringFixed(2))
	for _, k := range keys {
		fmt.Fprintf(&b, "  %s  %s\n", k.ProductID, k.Key)
	}
	return "Your license keys for order " + o.ID, b.String()
}
