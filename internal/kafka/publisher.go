package kafka

import (
	"context"
	"strconv"

	"github.com/ariefcatur/keyshop/internal/orders"
	"github.com/segmentio/kafka-go"
)

// EventPublisher sends order lifecycle envelopes through a Producer, keyed by order
// so events of one order stay in one partition.
type EventPublisher struct {
	p *Producer
}

var _ orders.Publisher = (*EventPublisher)(nil)

func NewEventPublisher(p *Producer) *EventPublisher {
	return &EventPublisher{p: p}
}

func (e *EventPublisher) Publish(ctx context.Context, topic string, env orders.Envelope) error {
	value, err := Encode(env)
	if err != nil {
		return err
	}
	headers := InjectTrace(ctx, []kafka.Header{
		{Key: HeaderEventType, Value: []byte(env.EventType)},
		{Key: HeaderEventVersion, Value: []byte(strconv.Itoa(env.EventVersion))},
	})
	return e.p.Publish(ctx, topic, orders.PartitionKey(env.CorrelationID), value, headers...)
}
