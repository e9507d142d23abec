package bus

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/kandev/agentpool/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func TestMemoryEventBus_PublishIsSynchronous(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	var got *Event
	sub, err := bus.Subscribe("agent.status", func(ctx context.Context, event *Event) error {
		got = event
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	event := NewEvent("agent.status", "test", map[string]string{"id": "a1"})
	if err := bus.Publish(context.Background(), "agent.status", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if got == nil {
		t.Fatal("expected handler to run before Publish returned")
	}
	if got.ID != event.ID {
		t.Errorf("Expected event ID %s, got %s", event.ID, got.ID)
	}
}

func TestMemoryEventBus_Wildcards(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	var single, multi int32
	_, _ = bus.Subscribe("agent.*", func(ctx context.Context, e *Event) error {
		atomic.AddInt32(&single, 1)
		return nil
	})
	_, _ = bus.Subscribe("agent.>", func(ctx context.Context, e *Event) error {
		atomic.AddInt32(&multi, 1)
		return nil
	})

	ctx := context.Background()
	_ = bus.Publish(ctx, "agent.idle", NewEvent("agent.idle", "test", nil))
	_ = bus.Publish(ctx, "agent.status.changed", NewEvent("x", "test", nil))
	_ = bus.Publish(ctx, "host.status", NewEvent("host.status", "test", nil))

	if single != 1 {
		t.Errorf("expected 1 delivery for agent.*, got %d", single)
	}
	if multi != 2 {
		t.Errorf("expected 2 deliveries for agent.>, got %d", multi)
	}
}

func TestMemoryEventBus_QueueSubscribeDeliversOnce(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	var a, b int32
	_, _ = bus.QueueSubscribe("agent.connected", "registry", func(ctx context.Context, e *Event) error {
		atomic.AddInt32(&a, 1)
		return nil
	})
	_, _ = bus.QueueSubscribe("agent.connected", "registry", func(ctx context.Context, e *Event) error {
		atomic.AddInt32(&b, 1)
		return nil
	})

	for i := 0; i < 4; i++ {
		_ = bus.Publish(context.Background(), "agent.connected", NewEvent("agent.connected", "test", nil))
	}

	if a+b != 4 {
		t.Fatalf("expected 4 deliveries total, got %d", a+b)
	}
	if a != 2 || b != 2 {
		t.Errorf("expected round-robin 2/2, got %d/%d", a, b)
	}
}

func TestMemoryEventBus_HandlerMayPublish(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	var nested int32
	_, _ = bus.Subscribe("outer", func(ctx context.Context, e *Event) error {
		return bus.Publish(ctx, "inner", NewEvent("inner", "test", nil))
	})
	_, _ = bus.Subscribe("inner", func(ctx context.Context, e *Event) error {
		atomic.AddInt32(&nested, 1)
		return nil
	})

	if err := bus.Publish(context.Background(), "outer", NewEvent("outer", "test", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if nested != 1 {
		t.Fatalf("expected nested publish to be delivered, got %d", nested)
	}
}

func TestMemoryEventBus_Closed(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	bus.Close()

	if bus.IsConnected() {
		t.Error("expected closed bus to report disconnected")
	}
	if err := bus.Publish(context.Background(), "x", NewEvent("x", "test", nil)); err == nil {
		t.Error("expected publish on closed bus to fail")
	}
}
