package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/energizer-project/relay/internal/events"
	"github.com/energizer-project/relay/internal/protocol"
)

func openTestHistory(t *testing.T) *History {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return NewHistory(d)
}

func stopped(id protocol.RoomID, name string, stoppedAt time.Time, peak, joins int) events.RoomStoppedPayload {
	return events.RoomStoppedPayload{
		Room:          protocol.RoomBasicInfo{ID: id, Name: name, Version: "1.0", Capacity: 8},
		Reason:        events.StopReasonEmpty,
		CreatedAt:     stoppedAt.Add(-time.Minute),
		StoppedAt:     stoppedAt,
		PeakOccupancy: peak,
		TotalJoins:    joins,
	}
}

func TestRecordAndRecent(t *testing.T) {
	t.Parallel()

	h := openTestHistory(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	for i, p := range []events.RoomStoppedPayload{
		stopped(1, "first", now.Add(-2*time.Hour), 2, 3),
		stopped(2, "second", now.Add(-time.Hour), 4, 9),
		stopped(1, "third", now, 1, 1),
	} {
		if _, err := h.Record(ctx, p); err != nil {
			t.Fatalf("Record(%d) error = %v", i, err)
		}
	}

	got, err := h.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 2 || got[0].Name != "third" || got[1].Name != "second" {
		t.Fatalf("Recent(2) = %+v", got)
	}
	s := got[1]
	if s.RoomID != 2 || s.Capacity != 8 || s.StopReason != "empty" || s.PeakOccupancy != 4 || s.TotalJoins != 9 {
		t.Errorf("session = %+v", s)
	}
	if !s.StoppedAt.Equal(now.Add(-time.Hour)) || s.Duration() != time.Minute {
		t.Errorf("times = %v .. %v", s.CreatedAt, s.StoppedAt)
	}

	totals, err := h.Totals(ctx)
	if err != nil {
		t.Fatalf("Totals() error = %v", err)
	}
	if totals != (Totals{Sessions: 3, Joins: 13, MaxPeak: 4}) {
		t.Errorf("Totals() = %+v", totals)
	}
}

func TestPrune(t *testing.T) {
	t.Parallel()

	h := openTestHistory(t)
	ctx := context.Background()
	now := time.Now()

	h.Record(ctx, stopped(1, "old", now.Add(-48*time.Hour), 1, 1))
	h.Record(ctx, stopped(2, "new", now, 1, 1))

	n, err := h.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Prune() removed %d, want 1", n)
	}
	got, _ := h.Recent(ctx, 10)
	if len(got) != 1 || got[0].Name != "new" {
		t.Errorf("remaining = %+v", got)
	}
}

func TestSubscribeRecordsStoppedRooms(t *testing.T) {
	t.Parallel()

	h := openTestHistory(t)
	bus := events.NewEventBus()
	defer bus.Stop()
	h.Subscribe(bus)

	err := bus.EmitSync(context.Background(), events.Event{
		Type:    events.EventRoomStopped,
		Source:  "test",
		Payload: stopped(5, "bus", time.Now(), 2, 2),
	})
	if err != nil {
		t.Fatalf("EmitSync() error = %v", err)
	}
	got, err := h.Recent(context.Background(), 1)
	if err != nil || len(got) != 1 || got[0].RoomID != 5 {
		t.Fatalf("Recent() = %+v, %v", got, err)
	}

	err = bus.EmitSync(context.Background(), events.Event{Type: events.EventRoomStopped, Payload: "bad"})
	if err == nil {
		t.Error("EmitSync() with a wrong payload succeeded")
	}
}
