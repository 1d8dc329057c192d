// Relay is a room-based WebSocket relay for multiplayer games. Clients join a
// room over WebSocket and the relay forwards entity state, RPCs and sync
// variables between them, with a REST lobby for listing and creating rooms.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/energizer-project/relay/internal/api"
	"github.com/energizer-project/relay/internal/cli"
	"github.com/energizer-project/relay/internal/config"
	"github.com/energizer-project/relay/internal/db"
	"github.com/energizer-project/relay/internal/events"
	"github.com/energizer-project/relay/internal/health"
	"github.com/energizer-project/relay/internal/lobby"
	"github.com/energizer-project/relay/internal/metrics"
	"github.com/energizer-project/relay/internal/protocol"
	"github.com/energizer-project/relay/internal/scheduler"
	"github.com/energizer-project/relay/internal/telemetry"
	"github.com/energizer-project/relay/internal/transport"
	"github.com/energizer-project/relay/internal/util"
	"github.com/energizer-project/relay/internal/websocket"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

const banner = `
  ____      _
 |  _ \ ___| | __ _ _   _
 | |_) / _ \ |/ _' | | | |
 |  _ <  __/ | (_| | |_| |
 |_| \_\___|_|\__,_|\__, |
                    |___/  %s
 Multiplayer room relay
`

func main() {
	var (
		configDir   string
		interactive bool
	)

	rootCmd := &cobra.Command{
		Use:           "relay",
		Short:         "Room-based WebSocket relay for multiplayer games",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configDir, interactive)
		},
	}
	rootCmd.Flags().StringVarP(&configDir, "config-dir", "c", config.DefaultConfigDir, "directory holding config.json")
	rootCmd.Flags().BoolVarP(&interactive, "interactive", "i", true, "read operator commands from stdin")

	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("relay %s (%s) %s %s/%s\n", version, commit, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}

func run(configDir string, interactive bool) error {
	fmt.Printf(banner, version)
	fmt.Println()

	// Defaults first; reconfigured once the config is loaded.
	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	cfg, err := config.Load(configDir)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := util.InitLogger(cfg.Logging()); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	log.Info().
		Str("version", version).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Str("config", cfg.Path()).
		Msg("starting relay")

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		return fmt.Errorf("configuration validation failed, fix the errors above")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics.Init(metrics.Config{})
	eventBus := events.NewEventBus()

	tr := transport.New()
	relayServer := websocket.NewServer(cfg.WebSocketServer(), tr)
	rooms := lobby.New(cfg.Lobby(version), tr, protocol.NewRegistry(), eventBus)

	app := cfg.GetApplicationData()

	// History is optional: the relay keeps running without it.
	var (
		database *db.Database
		history  *db.History
	)
	if app.History.Enabled {
		database, err = db.Open(app.Storage.DatabasePath)
		if err != nil {
			log.Warn().Err(err).Msg("failed to open history database, session history disabled")
		} else {
			history = db.NewHistory(database)
			history.Subscribe(eventBus)
		}
	}

	var historyReader api.HistoryReader
	var store scheduler.Store
	if history != nil {
		historyReader = history
		store = history
	}

	apiServer := api.NewServer(cfg, rooms, historyReader, eventBus, version)

	healthMgr := health.NewManager(health.Options{
		Timers:      app.Timers,
		IdleTimeout: time.Duration(cfg.GetRooms().IdleTimeoutSec) * time.Second,
		DiskPath:    filepath.Dir(app.Storage.DatabasePath),
	}, rooms, eventBus)

	sched := scheduler.NewScheduler(app.History, time.Duration(app.Timers.StatsPollingInterval)*time.Second, store, rooms)

	var mqttHandler *telemetry.MQTTHandler
	if app.MQTT.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(app.MQTT, eventBus, version)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	// quit in the console ends the process like a signal.
	shutdownCh := make(chan struct{}, 1)
	eventBus.Subscribe(events.EventShutdown, "main", func(_ context.Context, e events.Event) error {
		if e.Source != "main" {
			select {
			case shutdownCh <- struct{}{}:
			default:
			}
		}
		return nil
	})

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Str("addr", cfg.RelayAddr()).Msg("starting relay listener")
		if err := startWithRetry(ctx, "relay listener", relayServer.Start, 15); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("relay listener failed after retries")
			errCh <- fmt.Errorf("relay listener: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Str("addr", cfg.APIAddr()).Msg("starting REST API server")
		if err := startWithRetry(ctx, "API server", apiServer.Start, 15); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		healthMgr.Start(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Start(ctx)
	}()

	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	if interactive {
		// Not tracked by wg: the console may be blocked on stdin at shutdown.
		go cli.NewCLI(rooms, eventBus, os.Stdin, os.Stdout).Start(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-shutdownCh:
		log.Info().Msg("shutdown requested from console")
	case err := <-errCh:
		log.Error().Err(err).Msg("critical error, initiating shutdown")
	}

	log.Info().Msg("initiating graceful shutdown...")

	// Stop accepting before closing rooms so no client joins a dying room.
	relayServer.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := rooms.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("rooms did not stop in time")
	}

	// Let room_stopped handlers write history before the database closes.
	eventBus.Wait()
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-shutdownCtx.Done():
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	eventBus.Stop()

	if database != nil {
		if err := database.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close history database")
		}
	}

	log.Info().Msg("relay stopped")
	return nil
}

// startWithRetry retries startFn on bind errors at a fixed 3 second interval.
// It returns nil on success, or the last error once retries run out.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}
