package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func TestEmitReachesSubscribers(t *testing.T) {
	t.Parallel()

	bus := NewEventBus()
	var calls atomic.Int32
	bus.Subscribe(EventRoomCreated, "a", func(ctx context.Context, e Event) error {
		calls.Add(1)
		return nil
	})
	bus.Subscribe(EventRoomCreated, "b", func(ctx context.Context, e Event) error {
		panic("boom")
	})
	bus.Subscribe(EventRoomStopped, "c", func(ctx context.Context, e Event) error {
		t.Error("handler for another event type ran")
		return nil
	})

	bus.Emit(context.Background(), Event{Type: EventRoomCreated, Source: "test"})
	bus.Wait()

	if n := calls.Load(); n != 1 {
		t.Errorf("handler ran %d times, want 1", n)
	}

	bus.Unsubscribe(EventRoomCreated, "a")
	if n := bus.HandlerCount(EventRoomCreated); n != 1 {
		t.Errorf("HandlerCount() = %d after Unsubscribe, want 1", n)
	}
}

func TestEmitSyncReturnsError(t *testing.T) {
	t.Parallel()

	bus := NewEventBus()
	want := errors.New("rejected")
	bus.Subscribe(EventShutdown, "fail", func(ctx context.Context, e Event) error {
		return want
	})

	if err := bus.EmitSync(context.Background(), Event{Type: EventShutdown}); !errors.Is(err, want) {
		t.Errorf("EmitSync() error = %v, want %v", err, want)
	}

	bus.Stop()
	if err := bus.EmitSync(context.Background(), Event{Type: EventShutdown}); err != nil {
		t.Errorf("EmitSync() after Stop error = %v, want nil", err)
	}
}

func TestNilBusIsInert(t *testing.T) {
	t.Parallel()

	var bus *EventBus
	bus.Emit(context.Background(), Event{Type: EventHeartbeat})
	bus.Wait()
	if err := bus.EmitSync(context.Background(), Event{Type: EventHeartbeat}); err != nil {
		t.Errorf("EmitSync() on nil bus error = %v", err)
	}
}

func TestStopReasonJSON(t *testing.T) {
	t.Parallel()

	got, err := StopReasonEmpty.MarshalJSON()
	if err != nil || string(got) != `"empty"` {
		t.Errorf("MarshalJSON() = %s, %v", got, err)
	}
	if s := StopReason(42).String(); s != "unknown" {
		t.Errorf("String() = %q, want unknown", s)
	}
}
