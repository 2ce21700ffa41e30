package notify

import (
	"context"
	"fmt"
	"time"

	kafkax "github.com/ariefcatur/keyshop/internal/kafka"
	"github.com/ariefcatur/keyshop/internal/redisx"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Sender performs the actual transmission of one email.
type Sender interface {
	Send(ctx context.Context, msg EmailMessage) error
}

// Deduper records a key once; MarkOnce reports false for keys seen before.
type Deduper interface {
	MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Mailer consumes the outbound email topic.
type Mailer struct {
	Sender      Sender
	Dedup       Deduper // optional
	Log         *zap.Logger
	ServiceName string
}

// Handle sends one queued email. Redelivered messages are skipped by ID; a send
// failure returns an error so the offset is not committed.
func (m *Mailer) Handle(ctx context.Context, msg kafka.Message) error {
	ctx = kafkax.ExtractTrace(ctx, msg)
	log := m.Log
	if log == nil {
		log = zap.NewNop()
	}

	email, err := kafkax.Decode[EmailMessage](msg)
	if err != nil {
		// poison message: committing it is the only way forward
		log.Error("email_decode_failed", zap.Int64("offset", msg.Offset), zap.Error(err))
		return nil
	}

	var dedupKey string
	if m.Dedup != nil && email.ID != "" {
		dedupKey = fmt.Sprintf(redisx.KeyDedup, m.ServiceName, email.ID)
		first, err := m.Dedup.MarkOnce(ctx, dedupKey, redisx.TTLDedup)
		if err != nil {
			return fmt.Errorf("dedup %s: %w", email.ID, err)
		}
		if !first {
			log.Info("email_duplicate_skipped", zap.String("email_id", email.ID))
			return nil
		}
	}

	if err := m.Sender.Send(ctx, email); err != nil {
		if dedupKey != "" {
			if cd, ok := m.Dedup.(interface {
				Delete(ctx context.Context, key string) error
			}); ok {
				_ = cd.Delete(ctx, dedupKey)
			}
		}
		return fmt.Errorf("send email %s: %w", email.ID, err)
	}
	log.Info("email_sent", zap.String("email_id", email.ID), zap.String("to", email.To))
	return nil
}

// LogSender writes emails to the log instead of a mail server.
type LogSender struct {
	Log *zap.Logger
}

func (s LogSender) Send(_ context.Context, msg EmailMessage) error {
	s.Log.Info("email_delivered",
		zap.String("email_id", msg.ID),
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.Int("body_bytes", len(msg.Body)),
	)
	return nil
}
