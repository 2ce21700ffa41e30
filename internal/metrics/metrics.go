package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the service collectors. A nil *Metrics is valid and records nothing,
// which keeps tests and tools free of registry plumbing.
type Metrics struct {
	usecaseRequests *prometheus.CounterVec
	usecaseDuration *prometheus.HistogramVec
	keys            *prometheus.CounterVec
	shortClaims     prometheus.Counter
	ordersExpired   prometheus.Counter
	timersArmed     prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		usecaseRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usecase_requests_total",
			Help: "Total number of use case invocations.",
		}, []string{"use_case", "outcome"}),
		usecaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "usecase_duration_seconds",
			Help:    "Duration of use case execution in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"use_case"}),
		keys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "license_keys_transitions_total",
			Help: "License key state transitions by target state.",
		}, []string{"to"}),
		shortClaims: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reservations_short_total",
			Help: "Reservations that returned fewer keys than requested.",
		}),
		ordersExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orders_expired_total",
			Help: "Orders cancelled because the payment deadline passed.",
		}),
		timersArmed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "payment_deadline_timers",
			Help: "Payment deadline timers currently armed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.usecaseRequests, m.usecaseDuration, m.keys, m.shortClaims, m.ordersExpired, m.timersArmed)
	}
	return m
}

// ObserveUsecase records outcome and latency of one use case run.
func (m *Metrics) ObserveUsecase(useCase string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.usecaseRequests.WithLabelValues(useCase, outcome).Inc()
	m.usecaseDuration.WithLabelValues(useCase).Observe(time.Since(start).Seconds())
}

func (m *Metrics) KeysReserved(n int, short bool) {
	if m == nil {
		return
	}
	m.keys.WithLabelValues("ordered").Add(float64(n))
	if short {
		m.shortClaims.Inc()
	}
}

func (m *Metrics) KeysReleased(n int) {
	if m == nil {
		return
	}
	m.keys.WithLabelValues("active").Add(float64(n))
}

func (m *Metrics) KeysSold(n int) {
	if m == nil {
		return
	}
	m.keys.WithLabelValues("sold").Add(float64(n))
}

func (m *Metrics) OrderExpired() {
	if m == nil {
		return
	}
	m.ordersExpired.Inc()
}

func (m *Metrics) SetTimersArmed(n int) {
	if m == nil {
		return
	}
	m.timersArmed.Set(float64(n))
}
