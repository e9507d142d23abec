package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kandev/agentpool/internal/events/bus"
)

// Publish wraps payload in an event whose type is the subject.
func Publish(ctx context.Context, b bus.EventBus, source, subject string, payload any) error {
	return b.Publish(ctx, subject, bus.NewEvent(subject, source, payload))
}

// Decode extracts a typed payload. In-process events carry the value itself;
// events that crossed NATS carry decoded JSON and are converted.
func Decode[T any](e *bus.Event) (T, error) {
	var out T
	switch v := e.Data.(type) {
	case T:
		return v, nil
	case *T:
		if v != nil {
			return *v, nil
		}
		return out, fmt.Errorf("event %s has nil payload", e.Type)
	}

	raw, err := json.Marshal(e.Data)
	if err != nil {
		return out, fmt.Errorf("encode %s payload: %w", e.Type, err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return out, nil
}

// Subscribe registers a typed handler on every instance.
func Subscribe[T any](b bus.EventBus, subject string, handler func(ctx context.Context, payload T) error) (bus.Subscription, error) {
	return b.Subscribe(subject, typedHandler(handler))
}

// QueueSubscribe registers a typed handler of which only one queue member runs per event.
func QueueSubscribe[T any](b bus.EventBus, subject, queue string, handler func(ctx context.Context, payload T) error) (bus.Subscription, error) {
	return b.QueueSubscribe(subject, queue, typedHandler(handler))
}

func typedHandler[T any](handler func(ctx context.Context, payload T) error) bus.EventHandler {
	return func(ctx context.Context, e *bus.Event) error {
		payload, err := Decode[T](e)
		if err != nil {
			return err
		}
		return handler(ctx, payload)
	}
}
