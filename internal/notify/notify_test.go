package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/keyshop/internal/memory"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *memWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *memWriter) Close() error { return nil }

func TestKafkaNotifierQueuesEmail(t *testing.T) {
	w := &memWriter{}
	n := NewKafkaNotifierWithWriter(w)

	require.NoError(t, n.Send(context.Background(), " alice@example.com ", "Your keys", "KEY-1"))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "alice@example.com", string(w.msgs[0].Key))
	var got EmailMessage
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, "alice@example.com", got.To)
	assert.Equal(t, "Your keys", got.Subject)
	assert.Equal(t, "KEY-1", got.Body)
}

func TestKafkaNotifierErrors(t *testing.T) {
	w := &memWriter{err: errors.New("leader not available")}
	n := NewKafkaNotifierWithWriter(w)

	assert.ErrorIs(t, n.Send(context.Background(), "", "s", "b"), ErrNoRecipient)
	err := n.Send(context.Background(), "bob@example.com", "s", "b")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "leader not available")
}

type recordingSender struct {
	mu   sync.Mutex
	sent []EmailMessage
	err  error
}

func (s *recordingSender) Send(_ context.Context, msg EmailMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

// cacheDeduper backs Deduper with the in-memory cache.
type cacheDeduper struct{ c *memory.Cache }

func (d cacheDeduper) MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	v, _ := d.c.Get(ctx, key)
	if v != "" {
		return false, nil
	}
	return true, d.c.Set(ctx, key, "1", ttl)
}

func (d cacheDeduper) Delete(ctx context.Context, key string) error { return d.c.Delete(ctx, key) }

func message(t *testing.T, email EmailMessage) kafka.Message {
	t.Helper()
	b, err := json.Marshal(email)
	require.NoError(t, err)
	return kafka.Message{Value: b}
}

func TestMailerSkipsDuplicates(t *testing.T) {
	cache := memory.NewCache()
	defer cache.Close()
	sender := &recordingSender{}
	m := &Mailer{Sender: sender, Dedup: cacheDeduper{cache}, Log: zap.NewNop(), ServiceName: "mailer"}

	msg := message(t, EmailMessage{ID: "e-1", To: "alice@example.com", Subject: "s", Body: "b"})
	require.NoError(t, m.Handle(context.Background(), msg))
	require.NoError(t, m.Handle(context.Background(), msg))

	assert.Len(t, sender.sent, 1)
}

func TestMailerFailureAllowsRedelivery(t *testing.T) {
	cache := memory.NewCache()
	defer cache.Close()
	sender := &recordingSender{err: errors.New("smtp timeout")}
	m := &Mailer{Sender: sender, Dedup: cacheDeduper{cache}, Log: zap.NewNop(), ServiceName: "mailer"}
	msg := message(t, EmailMessage{ID: "e-2", To: "alice@example.com"})

	assert.Error(t, m.Handle(context.Background(), msg))

	sender.err = nil
	require.NoError(t, m.Handle(context.Background(), msg))
	assert.Len(t, sender.sent, 1)
}

func TestMailerDropsPoisonMessages(t *testing.T) {
	sender := &recordingSender{}
	m := &Mailer{Sender: sender}
	assert.NoError(t, m.Handle(context.Background(), kafka.Message{Value: []byte("{not json")}))
	assert.Empty(t, sender.sent)
}

func TestLogSender(t *testing.T) {
	assert.NoError(t, LogSender{Log: zap.NewNop()}.Send(context.Background(), EmailMessage{ID: "e"}))
}
