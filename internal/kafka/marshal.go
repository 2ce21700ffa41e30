package kafka

import (
	"encoding/json"
	"fmt"

	"github.com/ariefcatur/keyshop/internal/orders"
	"github.com/segmentio/kafka-go"
)

// Encode marshals a message value.
func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return b, nil
}

// Decode unmarshals a message value into T.
func Decode[T any](m kafka.Message) (T, error) {
	var t T
	if err := json.Unmarshal(m.Value, &t); err != nil {
		return t, fmt.Errorf("decode %T at offset %d: %w", t, m.Offset, err)
	}
	return t, nil
}

// DecodeEvent reads a lifecycle envelope together with its typed payload.
func DecodeEvent[T any](m kafka.Message) (orders.Envelope, T, error) {
	var payload T
	env, err := Decode[orders.Envelope](m)
	if err != nil {
		return env, payload, err
	}
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return env, payload, fmt.Errorf("decode %s payload: %w", env.EventType, err)
	}
	return env, payload, nil
}
