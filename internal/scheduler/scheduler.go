package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/ariefcatur/keyshop/internal/metrics"
	"go.uber.org/zap"
)

// Deadline is the persisted payment deadline of one waiting order.
type Deadline struct {
	OrderID string
	FireAt  time.Time
}

// ExpireFunc cancels an order whose deadline has passed. It must be idempotent: a
// late or duplicate call on an order that already left WaitingPayment is a no-op.
type ExpireFunc func(ctx context.Context, orderID string) error

// Source lists waiting orders from durable storage, restricted to deadlines before
// dueBefore when it is non-zero.
type Source func(ctx context.Context, dueBefore time.Time) ([]Deadline, error)

// Stranded lists paid orders still waiting for a delivery outcome, restricted to
// orders paid before paidBefore.
type Stranded func(ctx context.Context, paidBefore time.Time) ([]string, error)

// Config holds scheduler configuration
type Config struct {
	SweepInterval time.Duration // 0 disables the periodic sweep
	RetryDelay    time.Duration
	ExpireTimeout time.Duration
	// DeliveryGrace is how long a paid order may wait for its delivery outcome
	// before Recover and Sweep close it. It must outlast one send plus its write.
	DeliveryGrace time.Duration
	Now           func() time.Time
}

// DefaultConfig returns default scheduler configuration
func DefaultConfig() Config {
	return Config{
		SweepInterval: time.Minute,
		RetryDelay:    5 * time.Second,
		ExpireTimeout: 30 * time.Second,
		DeliveryGrace: 2 * time.Minute,
		Now:           time.Now,
	}
}

// Scheduler arms one in-process timer per waiting order. Timers do not survive a
// restart; Recover rebuilds them from storage and the sweep catches anything missed.
type Scheduler struct {
	config  Config
	expire  ExpireFunc
	source  Source
	logger  *zap.Logger
	metrics *metrics.Metrics

	stranded Stranded
	abandon  ExpireFunc

	// life ends on Stop and cuts pending retries short.
	life context.Context
	kill context.CancelFunc

	mu        sync.Mutex
	timers    map[string]armed
	seq       uint64
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	isRunning bool
}

func New(config Config, expire ExpireFunc, source Source, logger *zap.Logger, m *metrics.Metrics) *Scheduler {
	def := DefaultConfig()
	if config.RetryDelay <= 0 {
		config.RetryDelay = def.RetryDelay
	}
	if config.ExpireTimeout <= 0 {
		config.ExpireTimeout = def.ExpireTimeout
	}
	if config.DeliveryGrace <= 0 {
		config.DeliveryGrace = def.DeliveryGrace
	}
	if config.Now == nil {
		config.Now = def.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	life, kill := context.WithCancel(context.Background())
	return &Scheduler{
		config:  config,
		expire:  expire,
		source:  source,
		logger:  logger.Named("scheduler"),
		metrics: m,
		life:    life,
		kill:    kill,
		timers:  make(map[string]armed),
	}
}

// WithStranded makes Recover and Sweep close paid orders whose delivery outcome
// was never written, such as after a crash between payment and delivery. Only
// orders paid more than DeliveryGrace ago are touched; abandon must be a no-op
// for orders that already left Paid.
func (s *Scheduler) WithStranded(list Stranded, abandon ExpireFunc) *Scheduler {
	s.stranded = list
	s.abandon = abandon
	return s
}

type armed struct {
	timer *time.Timer
	seq   uint64
}

// Schedule arms a timer that expires the order at fireAt. A deadline already in the
// past fires immediately. Scheduling an order again replaces its timer.
func (s *Scheduler) Schedule(orderID string, fireAt time.Time) {
	delay := fireAt.Sub(s.config.Now())
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.timers[orderID]; ok {
		old.timer.Stop()
	}
	s.seq++
	seq := s.seq
	s.timers[orderID] = armed{timer: time.AfterFunc(delay, func() { s.fire(orderID, seq) }), seq: seq}
	s.metrics.SetTimersArmed(len(s.timers))
}

// Cancel disarms the order's timer if it has not fired yet. A timer that already
// started firing still runs; expire absorbs it.
func (s *Scheduler) Cancel(orderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.timers[orderID]; ok {
		a.timer.Stop()
		delete(s.timers, orderID)
		s.metrics.SetTimersArmed(len(s.timers))
	}
}

// Pending reports how many timers are armed.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *Scheduler) fire(orderID string, seq uint64) {
	s.mu.Lock()
	if cur, ok := s.timers[orderID]; !ok || cur.seq != seq {
		// cancelled or replaced after the timer was already running
		s.mu.Unlock()
		return
	}
	delete(s.timers, orderID)
	s.metrics.SetTimersArmed(len(s.timers))
	s.mu.Unlock()

	s.run(context.Background(), orderID, "timer")
}

// run calls expire and, on failure, retries once after RetryDelay in the
// background. It never waits for the retry.
func (s *Scheduler) run(ctx context.Context, orderID, trigger string) {
	err := s.expireOnce(ctx, orderID)
	if err == nil {
		return
	}
	s.logger.Warn("order_expire_failed",
		zap.String("order_id", orderID),
		zap.String("trigger", trigger),
		zap.Duration("retry_in", s.config.RetryDelay),
		zap.Error(err),
	)

	go func() {
		t := time.NewTimer(s.config.RetryDelay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return
		case <-s.life.Done():
			return
		}
		if err := s.expireOnce(ctx, orderID); err != nil {
			s.logger.Error("order_expire_retry_failed",
				zap.String("order_id", orderID),
				zap.String("trigger", trigger),
				zap.Error(err),
			)
		}
	}()
}

func (s *Scheduler) expireOnce(ctx context.Context, orderID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ExpireTimeout)
	defer cancel()
	return s.expire(ctx, orderID)
}

// Recover loads every waiting order from storage. Overdue orders are expired now, the
// rest get a timer for the remaining time. Stranded paid orders are closed last. Call
// it once at startup.
func (s *Scheduler) Recover(ctx context.Context) error {
	pending, err := s.source(ctx, time.Time{})
	if err != nil {
		return err
	}
	now := s.config.Now()
	var overdue, scheduled int
	for _, d := range pending {
		if !d.FireAt.After(now) {
			overdue++
			s.run(ctx, d.OrderID, "recovery")
			continue
		}
		s.Schedule(d.OrderID, d.FireAt)
		scheduled++
	}
	closed, err := s.closeStranded(ctx, "recovery")
	if err != nil {
		return err
	}
	s.logger.Info("scheduler_recovered",
		zap.Int("overdue_expired", overdue),
		zap.Int("timers_armed", scheduled),
		zap.Int("stranded_closed", closed),
	)
	return nil
}

// closeStranded abandons every paid order older than DeliveryGrace. A failed
// abandon is logged and left for the next sweep.
func (s *Scheduler) closeStranded(ctx context.Context, trigger string) (int, error) {
	if s.stranded == nil || s.abandon == nil {
		return 0, nil
	}
	ids, err := s.stranded(ctx, s.config.Now().Add(-s.config.DeliveryGrace))
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, id := range ids {
		actx, cancel := context.WithTimeout(ctx, s.config.ExpireTimeout)
		err := s.abandon(actx, id)
		cancel()
		if err != nil {
			s.logger.Error("order_abandon_failed",
				zap.String("order_id", id),
				zap.String("trigger", trigger),
				zap.Error(err),
			)
			continue
		}
		closed++
	}
	return closed, nil
}

// Sweep expires every waiting order whose deadline has passed and closes stranded
// paid orders. It reports how many waiting orders it expired.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	due, err := s.source(ctx, s.config.Now())
	if err != nil {
		return 0, err
	}
	for _, d := range due {
		s.Cancel(d.OrderID)
		s.run(ctx, d.OrderID, "sweep")
	}
	closed, err := s.closeStranded(ctx, "sweep")
	if len(due) > 0 || closed > 0 {
		s.logger.Info("scheduler_sweep", zap.Int("expired", len(due)), zap.Int("stranded_closed", closed))
	}
	return len(due), err
}

// Start runs the periodic sweep until Stop is called or ctx ends.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning || s.config.SweepInterval <= 0 {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = true
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.config.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
					s.logger.Error("scheduler_sweep_failed", zap.Error(err))
				}
			}
		}
	}()

	s.logger.Info("scheduler_started", zap.Duration("sweep_interval", s.config.SweepInterval))
	return nil
}

// Stop halts the sweep and disarms every timer. Waiting orders stay in storage and are
// picked up again by the next Recover.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.kill()
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.isRunning = false
	for id, a := range s.timers {
		a.timer.Stop()
		delete(s.timers, id)
	}
	s.metrics.SetTimersArmed(0)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("scheduler_stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
