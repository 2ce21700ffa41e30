package kafka

import (
	"context"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const (
	HeaderEventType    = "x-event-type"
	HeaderEventVersion = "x-event-version"
)

// headerCarrier lets the otel propagator read and write kafka headers.
type headerCarrier struct {
	headers *[]kafka.Header
}

var _ propagation.TextMapCarrier = headerCarrier{}

func (c headerCarrier) Get(key string) string {
	for _, h := range *c.headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c headerCarrier) Set(key, value string) {
	for i, h := range *c.headers {
		if h.Key == key {
			(*c.headers)[i].Value = []byte(value)
			return
		}
	}
	*c.headers = append(*c.headers, kafka.Header{Key: key, Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	out := make([]string, 0, len(*c.headers))
	for _, h := range *c.headers {
		out = append(out, h.Key)
	}
	return out
}

// InjectTrace writes the span context of ctx into headers.
func InjectTrace(ctx context.Context, headers []kafka.Header) []kafka.Header {
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier{&headers})
	return headers
}

// ExtractTrace returns ctx carrying the span context found in m's headers.
func ExtractTrace(ctx context.Context, m kafka.Message) context.Context {
	headers := m.Headers
	return otel.GetTextMapPropagator().Extract(ctx, headerCarrier{&headers})
}

// Header returns the value of the first header named key.
func Header(m kafka.Message, key string) string {
	headers := m.Headers
	return headerCarrier{&headers}.Get(key)
}
