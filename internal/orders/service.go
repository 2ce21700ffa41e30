package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ariefcatur/keyshop/internal/inventory"
	"github.com/ariefcatur/keyshop/internal/logging"
	"github.com/ariefcatur/keyshop/internal/metrics"
	"github.com/ariefcatur/keyshop/internal/redisx"
	"github.com/ariefcatur/keyshop/internal/scheduler"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const DefaultPaymentWindow = 5 * time.Minute

// Deps wires a Service. Store, Reserver, Timers and Notifier are required; Cache and
// Publisher are optional.
type Deps struct {
	Store         Store
	Reserver      *inventory.Reserver
	Timers        Timers
	Notifier      Notifier
	Cache         Cache
	Publisher     Publisher
	Log           *zap.Logger
	Metrics       *metrics.Metrics
	Tracer        trace.Tracer
	PaymentWindow time.Duration
	Now           func() time.Time
	ServiceName   string
}

type Service struct {
	store     Store
	reserver  *inventory.Reserver
	timers    Timers
	notifier  Notifier
	cache     Cache
	publisher Publisher
	log       *zap.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	window    time.Duration
	now       func() time.Time
	producer  string
}

func NewService(d Deps) *Service {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Reserver == nil {
		d.Reserver = inventory.NewReserver(d.Log, d.Metrics)
	}
	if d.PaymentWindow <= 0 {
		d.PaymentWindow = DefaultPaymentWindow
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.ServiceName == "" {
		d.ServiceName = "keyshop"
	}
	if d.Tracer == nil {
		d.Tracer = otel.Tracer(d.ServiceName + "/orders")
	}
	return &Service{
		store:     d.Store,
		reserver:  d.Reserver,
		timers:    d.Timers,
		notifier:  d.Notifier,
		cache:     d.Cache,
		publisher: d.Publisher,
		log:       d.Log.Named("orders"),
		metrics:   d.Metrics,
		tracer:    d.Tracer,
		window:    d.PaymentWindow,
		now:       d.Now,
		producer:  d.ServiceName,
	}
}

type ItemInput struct {
	ProductID string
	Quantity  int
}

type CreateOrderInput struct {
	UserID         string
	Email          string // defaults to the buyer's email on file
	Items          []ItemInput
	IdempotencyKey string
}

func (in CreateOrderInput) validate() error {
	var problems []string
	if strings.TrimSpace(in.UserID) == "" {
		problems = append(problems, "user is required")
	}
	if len(in.Items) == 0 {
		problems = append(problems, "at least one item is required")
	}
	for i, it := range in.Items {
		if strings.TrimSpace(it.ProductID) == "" {
			problems = append(problems, fmt.Sprintf("items[%d]: product is required", i))
		}
		if it.Quantity <= 0 {
			problems = append(problems, fmt.Sprintf("items[%d]: quantity must be positive", i))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

// Create reserves keys for every item and opens the payment window. Items short on
// stock keep whatever was reserved; an order with no key at all is rolled back with
// ErrOutOfStock. The deadline timer is armed only after the order is committed.
func (s *Service) Create(ctx context.Context, in CreateOrderInput) (o *Order, err error) {
	ctx, span := s.tracer.Start(ctx, "orders.create", trace.WithAttributes(
		attribute.String("user.id", in.UserID),
		attribute.Int("order.items", len(in.Items)),
	))
	defer s.finish(span, "order.create", time.Now(), &err)

	if err := in.validate(); err != nil {
		return nil, err
	}
	log := logging.FromContext(ctx, s.log)

	if existing := s.replay(ctx, in); existing != nil {
		log.Info("order_create_replayed", zap.String("order_id", existing.ID))
		return existing, nil
	}

	user, err := s.store.Users().Resolve(ctx, in.UserID)
	if err != nil {
		return nil, fmt.Errorf("resolve buyer %s: %w", in.UserID, err)
	}
	email := strings.TrimSpace(in.Email)
	if email == "" {
		email = user.Email
	}
	products := make(map[string]Product, len(in.Items))
	for _, it := range in.Items {
		if _, ok := products[it.ProductID]; ok {
			continue
		}
		p, err := s.store.Catalog().Get(ctx, it.ProductID)
		if err != nil {
			return nil, fmt.Errorf("product %s: %w", it.ProductID, err)
		}
		products[it.ProductID] = p
	}

	now := s.now().UTC()
	err = s.store.InTx(ctx, func(tx Store) error {
		o = &Order{
			ID:             uuid.NewString(),
			UserID:         user.Identity,
			Email:          email,
			Status:         StatusCreated,
			TotalPrice:     decimal.Zero,
			IdempotencyKey: in.IdempotencyKey,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.Orders().Insert(ctx, o); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		reserved := 0
		for _, line := range in.Items {
			p := products[line.ProductID]
			item := OrderItem{
				OrderID:           o.ID,
				ProductID:         p.ID,
				RequestedQuantity: line.Quantity,
				UnitPrice:         p.Price,
			}
			if err := tx.Orders().AddItem(ctx, &item); err != nil {
				return fmt.Errorf("insert item: %w", err)
			}
			keys, err := s.reserver.Reserve(ctx, tx.Keys(), p.ID, item.ID, line.Quantity)
			if err != nil {
				return err
			}
			item.Quantity = len(keys)
			for _, k := range keys {
				item.KeyIDs = append(item.KeyIDs, k.ID)
			}
			if err := tx.Orders().SetItemQuantity(ctx, item.ID, item.Quantity); err != nil {
				return fmt.Errorf("record item quantity: %w", err)
			}
			o.TotalPrice = o.TotalPrice.Add(p.Price.Mul(decimal.NewFromInt(int64(len(keys)))))
			o.Items = append(o.Items, item)
			reserved += len(keys)
		}
		if reserved == 0 {
			return ErrOutOfStock
		}

		if err := o.AwaitPayment(now, s.window); err != nil {
			return err
		}
		return tx.Orders().Update(ctx, o)
	})
	if err != nil {
		return nil, err
	}

	s.timers.Schedule(o.ID, *o.PaymentDeadline)
	if in.IdempotencyKey != "" {
		s.cacheSet(ctx, idempotencyKey(o.UserID, in.IdempotencyKey), o.ID, redisx.TTLIdempotency)
	}
	s.cacheStatus(ctx, o)
	s.publish(ctx, TopicOrderCreated, EventOrderCreated, o.ID, createdPayload(o))

	span.SetAttributes(attribute.String("order.id", o.ID), attribute.Int("order.keys", o.KeyCount()))
	log.Info("order_created",
		zap.String("order_id", o.ID),
		zap.String("user_id", o.UserID),
		zap.Int("keys", o.KeyCount()),
		zap.String("total_price", o.TotalPrice.StringFixed(2)),
		zap.Time("payment_deadline", *o.PaymentDeadline),
	)
	return o, nil
}

// replay returns the order previously created under the same idempotency key.
func (s *Service) replay(ctx context.Context, in CreateOrderInput) *Order {
	if in.IdempotencyKey == "" || s.cache == nil {
		return nil
	}
	key := idempotencyKey(in.UserID, in.IdempotencyKey)
	id, err := s.cache.Get(ctx, key)
	if err != nil || id == "" {
		return nil
	}
	o, err := s.store.Orders().Get(ctx, id)
	if err != nil || o.UserID != in.UserID {
		_ = s.cache.Delete(ctx, key)
		return nil
	}
	return o
}

// Expire cancels a waiting order and returns its keys to stock. Orders in any other
// state are left untouched, so duplicate and late calls are harmless.
func (s *Service) Expire(ctx context.Context, orderID string) (err error) {
	ctx, span := s.tracer.Start(ctx, "orders.expire", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer s.finish(span, "order.expire", time.Now(), &err)

	var (
		cancelled *Order
		released  int
	)
	err = s.store.InTx(ctx, func(tx Store) error {
		o, err := tx.Orders().GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status != StatusWaitingPayment {
			return nil
		}
		if err := o.Cancel(s.now().UTC()); err != nil {
			return err
		}
		released = 0
		for _, it := range o.Items {
			for _, keyID := range it.KeyIDs {
				if err := s.reserver.Release(ctx, tx.Keys(), keyID); err != nil {
					return err
				}
				released++
			}
		}
		if err := tx.Orders().Update(ctx, o); err != nil {
			return err
		}
		cancelled = o
		return nil
	})
	if err != nil {
		return err
	}
	if cancelled == nil {
		logging.FromContext(ctx, s.log).Debug("order_expire_skipped", zap.String("order_id", orderID))
		return nil
	}

	s.metrics.OrderExpired()
	s.cacheStatus(ctx, cancelled)
	s.publish(ctx, TopicOrderCancelled, EventOrderCancelled, orderID, OrderCancelledPayload{
		OrderID:      orderID,
		ReleasedKeys: released,
		Reason:       "PAYMENT_TIMEOUT",
	})
	logging.FromContext(ctx, s.log).Info("order_expired",
		zap.String("order_id", orderID),
		zap.Int("released_keys", released),
	)
	return nil
}

// ConfirmPayment settles the order for its owner and then delivers the keys. The
// status check and the move to Paid share one transaction holding the order lock, so
// it cannot interleave with Expire. A delivery failure is recorded on the order and
// returned wrapped in ErrDeliveryFailure together with the updated order.
func (s *Service) ConfirmPayment(ctx context.Context, orderID, requester string) (o *Order, err error) {
	ctx, span := s.tracer.Start(ctx, "orders.confirm_payment", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("user.id", requester),
	))
	defer s.finish(span, "order.confirm_payment", time.Now(), &err)

	var sold []inventory.LicenseKey
	err = s.store.InTx(ctx, func(tx Store) error {
		cur, err := tx.Orders().GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if cur.UserID != requester {
			return fmt.Errorf("%w: order %s", ErrForbidden, orderID)
		}
		if cur.Status != StatusWaitingPayment {
			return fmt.Errorf("%w: order %s is %q, not awaiting payment", ErrConflict, orderID, cur.Status)
		}
		sold, err = s.settle(ctx, tx, cur)
		if err != nil {
			return err
		}
		o = cur
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.timers.Cancel(orderID)
	s.cacheStatus(ctx, o)
	s.publish(ctx, TopicOrderPaid, EventOrderPaid, orderID, OrderPaidPayload{
		OrderID: orderID,
		UserID:  o.UserID,
		Amount:  o.TotalPrice.StringFixed(2),
		Keys:    len(sold),
	})
	logging.FromContext(ctx, s.log).Info("order_paid",
		zap.String("order_id", orderID),
		zap.String("amount", o.TotalPrice.StringFixed(2)),
		zap.Int("keys", len(sold)),
	)

	return s.deliver(ctx, o, sold)
}

// ListOrders returns one page of orders matching the filter.
func (s *Service) ListOrders(ctx context.Context, f ListFilter) (out []Order, err error) {
	ctx, span := s.tracer.Start(ctx, "orders.list")
	defer s.finish(span, "order.list", time.Now(), &err)

	f, err = f.Normalize(s.now())
	if err != nil {
		return nil, err
	}
	return s.store.Orders().List(ctx, f)
}

// GetOrder reads one order. A non-empty requester must own it; an empty requester is
// an administrative read.
func (s *Service) GetOrder(ctx context.Context, orderID, requester string) (*Order, error) {
	o, err := s.store.Orders().Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if requester != "" && o.UserID != requester {
		return nil, fmt.Errorf("%w: order %s", ErrForbidden, orderID)
	}
	return o, nil
}

type statusEntry struct {
	Status    Status    `json:"status"`
	UserID    string    `json:"user_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OrderStatus answers from the status cache and falls back to storage on a miss.
func (s *Service) OrderStatus(ctx context.Context, orderID, requester string) (Status, error) {
	if s.cache != nil {
		if raw, err := s.cache.Get(ctx, fmt.Sprintf(redisx.KeyOrderStatus, orderID)); err == nil && raw != "" {
			var e statusEntry
			if json.Unmarshal([]byte(raw), &e) == nil {
				if requester != "" && e.UserID != requester {
					return "", fmt.Errorf("%w: order %s", ErrForbidden, orderID)
				}
				return e.Status, nil
			}
		}
	}
	o, err := s.GetOrder(ctx, orderID, requester)
	if err != nil {
		return "", err
	}
	s.cacheStatus(ctx, o)
	return o.Status, nil
}

// PendingDeadlines lists waiting orders for the scheduler.
func (s *Service) PendingDeadlines(ctx context.Context, dueBefore time.Time) ([]scheduler.Deadline, error) {
	waiting, err := s.store.Orders().ListWaitingPayment(ctx, dueBefore)
	if err != nil {
		return nil, err
	}
	out := make([]scheduler.Deadline, 0, len(waiting))
	for _, o := range waiting {
		if o.PaymentDeadline == nil {
			logging.FromContext(ctx, s.log).Error("order_without_deadline", zap.String("order_id", o.ID))
			continue
		}
		out = append(out, scheduler.Deadline{OrderID: o.ID, FireAt: *o.PaymentDeadline})
	}
	return out, nil
}

// Stock reports how many Active keys a product has.
func (s *Service) Stock(ctx context.Context, productID string) (int, error) {
	if _, err := s.store.Catalog().Get(ctx, productID); err != nil {
		return 0, err
	}
	return s.reserver.CountActive(ctx, s.store.Keys(), productID)
}

// ImportKeys adds Active keys for a catalog product.
func (s *Service) ImportKeys(ctx context.Context, productID string, keys []string) (n int, err error) {
	ctx, span := s.tracer.Start(ctx, "orders.import_keys", trace.WithAttributes(attribute.String("product.id", productID)))
	defer s.finish(span, "license_key.import", time.Now(), &err)

	if _, err := s.store.Catalog().Get(ctx, productID); err != nil {
		return 0, err
	}
	var added []inventory.LicenseKey
	err = s.store.InTx(ctx, func(tx Store) error {
		var err error
		added, err = s.reserver.Import(ctx, tx.Keys(), productID, keys)
		return err
	})
	if err != nil {
		if errors.Is(err, inventory.ErrInvalidQuantity) {
			return 0, fmt.Errorf("%w: no keys given", ErrValidation)
		}
		return 0, err
	}
	return len(added), nil
}

func (s *Service) finish(span trace.Span, useCase string, start time.Time, errp *error) {
	err := *errp
	s.metrics.ObserveUsecase(useCase, start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func (s *Service) publish(ctx context.Context, topic, eventType, orderID string, payload any) {
	if s.publisher == nil {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		logging.FromContext(ctx, s.log).Error("event_encode_failed", zap.String("event_type", eventType), zap.Error(err))
		return
	}
	env := Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  currentEventVersion,
		OccurredAt:    s.now().UTC(),
		Producer:      s.producer,
		CorrelationID: orderID,
		Payload:       body,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		env.TraceID = sc.TraceID().String()
	}
	if err := s.publisher.Publish(ctx, topic, env); err != nil {
		logging.FromContext(ctx, s.log).Warn("event_publish_failed",
			zap.String("topic", topic),
			zap.String("order_id", orderID),
			zap.Error(err),
		)
	}
}

func (s *Service) cacheStatus(ctx context.Context, o *Order) {
	b, err := json.Marshal(statusEntry{Status: o.Status, UserID: o.UserID, UpdatedAt: o.UpdatedAt})
	if err != nil {
		return
	}
	s.cacheSet(ctx, fmt.Sprintf(redisx.KeyOrderStatus, o.ID), string(b), redisx.TTLStatusCache)
}

func (s *Service) cacheSet(ctx context.Context, key, value string, ttl time.Duration) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, key, value, ttl); err != nil {
		logging.FromContext(ctx, s.log).Warn("cache_set_failed", zap.String("key", key), zap.Error(err))
	}
}

func idempotencyKey(userID, key string) string {
	return fmt.Sprintf(redisx.KeyIdemOrderCreate, userID+":"+key)
}
