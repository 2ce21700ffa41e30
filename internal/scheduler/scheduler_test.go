package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
	fail  int // number of leading calls that return an error
	ch    chan string
}

func newRecorder() *recorder { return &recorder{ch: make(chan string, 64)} }

func (r *recorder) expire(_ context.Context, orderID string) error {
	r.mu.Lock()
	r.calls = append(r.calls, orderID)
	failing := r.fail > 0
	if failing {
		r.fail--
	}
	r.mu.Unlock()
	r.ch <- orderID
	if failing {
		return errors.New("storage unavailable")
	}
	return nil
}

func (r *recorder) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == id {
			n++
		}
	}
	return n
}

func (r *recorder) wait(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-r.ch:
		assert.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("expire(%s) was not called", want)
	}
}

func noSource(context.Context, time.Time) ([]Deadline, error) { return nil, nil }

func testConfig() Config {
	return Config{RetryDelay: 10 * time.Millisecond, ExpireTimeout: time.Second}
}

func TestSchedule(t *testing.T) {
	t.Run("fires at the deadline", func(t *testing.T) {
		rec := newRecorder()
		s := New(testConfig(), rec.expire, noSource, nil, nil)

		s.Schedule("o-1", time.Now().Add(20*time.Millisecond))
		assert.Equal(t, 1, s.Pending())

		rec.wait(t, "o-1")
		assert.Eventually(t, func() bool { return s.Pending() == 0 }, time.Second, 5*time.Millisecond)
	})

	t.Run("past deadline fires immediately", func(t *testing.T) {
		rec := newRecorder()
		s := New(testConfig(), rec.expire, noSource, nil, nil)

		s.Schedule("o-late", time.Now().Add(-time.Hour))
		rec.wait(t, "o-late")
	})

	t.Run("rescheduling replaces the timer", func(t *testing.T) {
		rec := newRecorder()
		s := New(testConfig(), rec.expire, noSource, nil, nil)

		s.Schedule("o-1", time.Now().Add(time.Hour))
		s.Schedule("o-1", time.Now().Add(10*time.Millisecond))
		rec.wait(t, "o-1")

		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, 1, rec.count("o-1"))
		assert.Equal(t, 0, s.Pending())
	})

	t.Run("cancel disarms", func(t *testing.T) {
		rec := newRecorder()
		s := New(testConfig(), rec.expire, noSource, nil, nil)

		s.Schedule("o-1", time.Now().Add(20*time.Millisecond))
		s.Cancel("o-1")
		s.Cancel("o-unknown")

		time.Sleep(60 * time.Millisecond)
		assert.Equal(t, 0, rec.count("o-1"))
		assert.Equal(t, 0, s.Pending())
	})
}

func TestExpireRetriesOnce(t *testing.T) {
	rec := newRecorder()
	rec.fail = 5
	s := New(testConfig(), rec.expire, noSource, nil, nil)

	s.Schedule("o-1", time.Now())
	rec.wait(t, "o-1")
	rec.wait(t, "o-1")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, rec.count("o-1"))
}

func TestRecover(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	cfg := testConfig()
	cfg.Now = func() time.Time { return now }

	source := func(_ context.Context, dueBefore time.Time) ([]Deadline, error) {
		assert.True(t, dueBefore.IsZero())
		return []Deadline{
			{OrderID: "overdue", FireAt: now.Add(-time.Minute)},
			{OrderID: "exact", FireAt: now},
			{OrderID: "future", FireAt: now.Add(time.Hour)},
		}, nil
	}
	rec := newRecorder()
	s := New(cfg, rec.expire, source, nil, nil)

	require.NoError(t, s.Recover(context.Background()))

	assert.Equal(t, 1, rec.count("overdue"))
	assert.Equal(t, 1, rec.count("exact"))
	assert.Equal(t, 0, rec.count("future"))
	assert.Equal(t, 1, s.Pending())

	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, 0, s.Pending())
}

func TestRecoverDoesNotWaitForRetry(t *testing.T) {
	cfg := testConfig()
	cfg.RetryDelay = time.Hour
	source := func(context.Context, time.Time) ([]Deadline, error) {
		return []Deadline{
			{OrderID: "o-1", FireAt: time.Now().Add(-time.Minute)},
			{OrderID: "o-2", FireAt: time.Now().Add(-time.Minute)},
		}, nil
	}
	rec := newRecorder()
	rec.fail = 2
	s := New(cfg, rec.expire, source, nil, nil)

	start := time.Now()
	require.NoError(t, s.Recover(context.Background()))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, rec.count("o-1"))
	assert.Equal(t, 1, rec.count("o-2"))

	require.NoError(t, s.Stop(context.Background()))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, rec.count("o-1"))
}

func TestClosesStrandedPaidOrders(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	cfg := testConfig()
	cfg.DeliveryGrace = 2 * time.Minute
	cfg.Now = func() time.Time { return now }

	var (
		mu      sync.Mutex
		cutoffs []time.Time
	)
	stranded := func(_ context.Context, paidBefore time.Time) ([]string, error) {
		mu.Lock()
		cutoffs = append(cutoffs, paidBefore)
		mu.Unlock()
		return []string{"o-broken", "o-paid"}, nil
	}
	abandoned := newRecorder()
	abandoned.fail = 1

	s := New(cfg, newRecorder().expire, noSource, nil, nil).WithStranded(stranded, abandoned.expire)

	require.NoError(t, s.Recover(context.Background()))
	assert.Equal(t, 1, abandoned.count("o-broken"))
	assert.Equal(t, 1, abandoned.count("o-paid"))

	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 2, abandoned.count("o-broken"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, cutoffs, 2)
	for _, c := range cutoffs {
		assert.Equal(t, now.Add(-2*time.Minute), c)
	}
}

func TestStrandedListError(t *testing.T) {
	boom := errors.New("db down")
	s := New(testConfig(), newRecorder().expire, noSource, nil, nil).WithStranded(
		func(context.Context, time.Time) ([]string, error) { return nil, boom },
		newRecorder().expire,
	)

	assert.ErrorIs(t, s.Recover(context.Background()), boom)
	_, err := s.Sweep(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestRecoverSourceError(t *testing.T) {
	boom := errors.New("db down")
	s := New(testConfig(), newRecorder().expire, func(context.Context, time.Time) ([]Deadline, error) {
		return nil, boom
	}, nil, nil)

	assert.ErrorIs(t, s.Recover(context.Background()), boom)
}

func TestSweep(t *testing.T) {
	now := time.Now()
	source := func(_ context.Context, dueBefore time.Time) ([]Deadline, error) {
		assert.False(t, dueBefore.IsZero())
		return []Deadline{{OrderID: "o-1", FireAt: now.Add(-time.Second)}}, nil
	}
	rec := newRecorder()
	s := New(testConfig(), rec.expire, source, nil, nil)
	s.Schedule("o-1", now.Add(time.Hour))

	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, rec.count("o-1"))
	assert.Equal(t, 0, s.Pending())
}

func TestStartStop(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	source := func(context.Context, time.Time) ([]Deadline, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return nil, nil
	}
	cfg := testConfig()
	cfg.SweepInterval = 10 * time.Millisecond
	s := New(cfg, newRecorder().expire, source, nil, nil)

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 2
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}
