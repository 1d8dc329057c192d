package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("counter Write() error: %v", err)
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("gauge Write() error: %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestRecordersBeforeInit(t *testing.T) {
	globalMu.Lock()
	global = nil
	globalMu.Unlock()

	// Must not panic.
	ConnectionOpened()
	ConnectionClosed()
	FrameIn()
	ProtocolError("1002")
	ObserveTick(time.Millisecond)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("Handler() before Init status = %d, want 404", rec.Code)
	}
}

func TestRecorders(t *testing.T) {
	Init(Config{})
	c := current()

	ConnectionOpened()
	ConnectionOpened()
	ConnectionClosed()
	FrameIn()
	FrameOut()
	FrameOut()
	ProtocolError("1002")
	RoomStarted()
	RoomMessage("RpcRequest")
	ObserveTick(3 * time.Millisecond)

	if got := counterValue(t, c.connectionsTotal); got != 2 {
		t.Errorf("connections_total = %v, want 2", got)
	}
	if got := gaugeValue(t, c.connectionsActive); got != 1 {
		t.Errorf("connections_active = %v, want 1", got)
	}
	if got := counterValue(t, c.framesOut); got != 2 {
		t.Errorf("frames_out_total = %v, want 2", got)
	}
	if got := counterValue(t, c.protocolErrors.WithLabelValues("1002")); got != 1 {
		t.Errorf("protocol_errors_total{code=1002} = %v, want 1", got)
	}

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"relay_rooms_active 1", `relay_room_messages_total{type="RpcRequest"} 1`, "relay_room_tick_duration_seconds_count 1"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
