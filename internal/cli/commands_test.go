package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/energizer-project/relay/internal/events"
	"github.com/energizer-project/relay/internal/lobby"
	"github.com/energizer-project/relay/internal/protocol"
	"github.com/energizer-project/relay/internal/transport"
)

func newTestLobby(t *testing.T) *lobby.Lobby {
	t.Helper()
	l := lobby.New(lobby.Config{TickInterval: 5 * time.Millisecond}, transport.New(), protocol.NewRegistry(), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		l.Shutdown(ctx)
	})
	return l
}

func TestExecute(t *testing.T) {
	t.Parallel()

	l := newTestLobby(t)
	var out bytes.Buffer
	c := NewCLI(l, nil, strings.NewReader(""), &out)
	ctx := context.Background()

	tests := []struct {
		line    string
		want    string
		wantErr string
	}{
		{line: "rooms", want: "No rooms running"},
		{line: "create arena 4 1.0", want: "Room 1 created (arena, capacity 4)"},
		{line: "status", want: "Rooms: 1  Clients: 0"},
		{line: "rooms 1.0", want: "arena"},
		{line: "room 1", want: "Clients:    0/4"},
		{line: "room 9", wantErr: "room 9 not found"},
		{line: "create", wantErr: "usage: create"},
		{line: "create big 999", wantErr: "invalid capacity"},
		{line: "close x", wantErr: "invalid room id"},
		{line: "bogus", want: "Unknown command: 'bogus'"},
		{line: "help", want: "create <name> [capacity] [version]"},
	}
	for _, tt := range tests {
		out.Reset()
		fields := strings.Fields(tt.line)
		err := c.execute(ctx, fields[0], fields[1:])
		if tt.wantErr != "" {
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("%q: err = %v, want %q", tt.line, err, tt.wantErr)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: unexpected error %v", tt.line, err)
			continue
		}
		if !strings.Contains(out.String(), tt.want) {
			t.Errorf("%q: output %q does not contain %q", tt.line, out.String(), tt.want)
		}
	}
}

func TestCloseCommand(t *testing.T) {
	t.Parallel()

	l := newTestLobby(t)
	var out bytes.Buffer
	c := NewCLI(l, nil, strings.NewReader(""), &out)

	if err := c.execute(context.Background(), "create", []string{"r"}); err != nil {
		t.Fatal(err)
	}
	if err := c.execute(context.Background(), "close", []string{"1"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "Room 1 closing") {
		t.Errorf("output = %q", out.String())
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := l.Get(1); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("room not removed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := c.execute(context.Background(), "close", []string{"1"}); err == nil {
		t.Error("closing a removed room succeeded")
	}
}

func TestStartQuitEmitsShutdown(t *testing.T) {
	t.Parallel()

	bus := events.NewEventBus()
	got := make(chan string, 1)
	bus.Subscribe(events.EventShutdown, "test", func(_ context.Context, e events.Event) error {
		got <- e.Source
		return nil
	})

	var out bytes.Buffer
	c := NewCLI(newTestLobby(t), bus, strings.NewReader("status\nquit\nstatus\n"), &out)

	done := make(chan struct{})
	go func() {
		c.Start(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("console did not return after quit")
	}
	select {
	case src := <-got:
		if src != "cli" {
			t.Errorf("source = %q", src)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown event not delivered")
	}
	if strings.Count(out.String(), "Rooms: 0") != 1 {
		t.Errorf("commands after quit ran: %q", out.String())
	}
}

func TestStartStopsOnEOF(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	c := NewCLI(newTestLobby(t), nil, strings.NewReader("status\n"), &out)

	done := make(chan struct{})
	go func() {
		c.Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("console did not return at end of input")
	}
}
