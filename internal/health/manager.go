// Package health runs periodic checks on the relay host and its rooms, and
// emits the heartbeat consumed by telemetry.
package health

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/relay/internal/config"
	"github.com/energizer-project/relay/internal/events"
	"github.com/energizer-project/relay/internal/protocol"
	"github.com/energizer-project/relay/internal/util"
)

// Rooms is the lobby view the checks need.
type Rooms interface {
	Counts() (rooms, clients int)
	CloseIdle(maxAge time.Duration) []protocol.RoomID
}

// Options configures the manager.
type Options struct {
	Timers      config.TimerConfig
	IdleTimeout time.Duration
	DiskPath    string
}

// Manager runs periodic health checks.
type Manager struct {
	opts     Options
	rooms    Rooms
	eventBus *events.EventBus
	logger   zerolog.Logger
	started  time.Time

	// Sampling hooks, replaced in tests.
	cpuUsage  func() (float64, error)
	memUsage  func() (*util.MemoryUsage, error)
	diskUsage func(string) (*util.DiskUsage, error)
}

// NewManager creates a health check manager.
func NewManager(opts Options, rooms Rooms, eventBus *events.EventBus) *Manager {
	if opts.DiskPath == "" {
		opts.DiskPath = "."
	}
	return &Manager{
		opts:      opts,
		rooms:     rooms,
		eventBus:  eventBus,
		logger:    util.ComponentLogger("health"),
		started:   time.Now(),
		cpuUsage:  util.GetCPUUsage,
		memUsage:  util.GetMemoryUsage,
		diskUsage: util.GetDiskUsage,
	}
}

// Start launches every check on its own ticker and blocks until ctx is done.
func (m *Manager) Start(ctx context.Context) {
	timers := m.opts.Timers

	checks := []struct {
		name     string
		interval int
		fn       func(context.Context)
	}{
		{"general_health", timers.GeneralHealthInterval, m.checkGeneralHealth},
		{"disk_utilization", timers.DiskCheckInterval, m.checkDiskUtilization},
		{"heartbeat", timers.HeartbeatInterval, m.heartbeat},
	}

	started := 0
	for _, check := range checks {
		if check.interval <= 0 {
			continue
		}
		started++

		go func() {
			ticker := time.NewTicker(time.Duration(check.interval) * time.Second)
			defer ticker.Stop()

			m.logger.Debug().Str("check", check.name).Msg("running initial health check")
			check.fn(ctx)

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					check.fn(ctx)
				}
			}
		}()
	}

	m.logger.Info().Int("checks", started).Msg("health check manager started")
	<-ctx.Done()
	m.logger.Info().Msg("health check manager stopped")
}

// checkGeneralHealth reaps idle rooms and logs the relay's own footprint.
func (m *Manager) checkGeneralHealth(ctx context.Context) {
	if m.opts.IdleTimeout > 0 {
		if closed := m.rooms.CloseIdle(m.opts.IdleTimeout); len(closed) > 0 {
			m.logger.Info().Int("rooms", len(closed)).Msg("closed idle rooms")
		}
	}

	rooms, clients := m.rooms.Counts()
	ev := m.logger.Debug().Int("rooms", rooms).Int("clients", clients)
	if p, err := util.GetProcessUsage(); err == nil {
		ev = ev.Uint64("rss_mb", p.RSSMB).Int("goroutines", p.Goroutines).Float64("cpu_percent", p.CPUPercent)
	}
	ev.Msg("general health")
}

// diskLevel maps usage to an alert level. An empty level means no alert.
func diskLevel(usedPercent float64) string {
	switch {
	case usedPercent >= 100:
		return "critical"
	case usedPercent >= 95:
		return "error"
	case usedPercent >= 90:
		return "warning"
	case usedPercent >= 80:
		return "info"
	default:
		return ""
	}
}

// checkDiskUtilization watches the volume holding the history database.
func (m *Manager) checkDiskUtilization(ctx context.Context) {
	usage, err := m.diskUsage(m.opts.DiskPath)
	if err != nil {
		m.logger.Warn().Err(err).Msg("disk utilization check failed")
		return
	}

	m.logger.Debug().
		Float64("used_percent", usage.UsedPercent).
		Uint64("free_gb", usage.Free).
		Msg("disk utilization")

	level := diskLevel(usage.UsedPercent)
	if level == "" {
		return
	}
	m.logger.Warn().Str("level", level).Msgf("disk usage at %.1f%% (%d GB free of %d GB total)",
		usage.UsedPercent, usage.Free, usage.Total)
}

// Snapshot samples the current load.
func (m *Manager) Snapshot() events.HeartbeatPayload {
	rooms, clients := m.rooms.Counts()
	p := events.HeartbeatPayload{
		Rooms:   rooms,
		Clients: clients,
		Uptime:  time.Since(m.started).Truncate(time.Second),
	}
	if cpu, err := m.cpuUsage(); err == nil {
		p.CPUPercent = cpu
	}
	if mem, err := m.memUsage(); err == nil {
		p.MemPercent = mem.UsedPercent
	}
	return p
}

func (m *Manager) heartbeat(ctx context.Context) {
	m.eventBus.Emit(ctx, events.Event{
		Type:    events.EventHeartbeat,
		Source:  "health",
		Payload: m.Snapshot(),
	})
}
