package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	kafkax "github.com/ariefcatur/keyshop/internal/kafka"
	"github.com/ariefcatur/keyshop/internal/orders"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

var ErrNoRecipient = errors.New("notify: recipient address is empty")

// KafkaNotifier hands emails to the mailer through a durable topic. Send returns only
// after the broker acknowledged the write, so a nil error means the email is queued.
type KafkaNotifier struct {
	w       kafkax.MessageWriter
	timeout time.Duration
}

var _ orders.Notifier = (*KafkaNotifier)(nil)

func NewKafkaNotifier(brokers []string) *KafkaNotifier {
	return NewKafkaNotifierWithWriter(kafkax.NewWriter(brokers, orders.TopicEmailOutbound))
}

func NewKafkaNotifierWithWriter(w kafkax.MessageWriter) *KafkaNotifier {
	return &KafkaNotifier{w: w, timeout: 10 * time.Second}
}

func (n *KafkaNotifier) Send(ctx context.Context, to, subject, body string) error {
	to = strings.TrimSpace(to)
	if to == "" {
		return ErrNoRecipient
	}
	msg := EmailMessage{
		ID:       uuid.NewString(),
		To:       to,
		Subject:  subject,
		Body:     body,
		QueuedAt: time.Now().UTC(),
	}
	value, err := kafkax.Encode(msg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	headers := kafkax.InjectTrace(ctx, nil)
	if err := n.w.WriteMessages(ctx, kafka.Message{Key: []byte(to), Value: value, Headers: headers}); err != nil {
		return fmt.Errorf("notify: queue email: %w", err)
	}
	return nil
}

func (n *KafkaNotifier) Close() error { return n.w.Close() }
