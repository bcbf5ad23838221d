// SPDX-License-Identifier: MIT

// Package main implements the edge-agent daemon, the on-site stream
// supervisor.
//
// edge-agent subscribes to its control plane over SSE, spawns one
// ffmpeg transcoder per court (RTSP camera in, branded RTMP out), and
// keeps persisted stream records reconciled with the processes that are
// actually alive. It is designed for 24/7 unattended operation on a
// single host.
//
// Usage:
//
//	edge-agent [options]
//
// Options:
//
//	--config=PATH    Path to config file (default: /etc/edge-agent/config.yaml)
//	--write-config   Write the default config to --config path and exit
//	--version        Print version and exit
//	--help           Show this help message
//
// Signals:
//
//	SIGINT, SIGTERM  Graceful shutdown: streams stopped, children reaped
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/thejerf/suture/v4"

	"github.com/padelgrounds/edge-agent/internal/config"
	"github.com/padelgrounds/edge-agent/internal/controlplane"
	"github.com/padelgrounds/edge-agent/internal/health"
	"github.com/padelgrounds/edge-agent/internal/lock"
	"github.com/padelgrounds/edge-agent/internal/logship"
	"github.com/padelgrounds/edge-agent/internal/store"
	"github.com/padelgrounds/edge-agent/internal/supervisor"
	"github.com/padelgrounds/edge-agent/internal/transcoder"
)

// Build information (set by ldflags)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// agentFlags holds parsed command-line flags. A struct instead of
// globals keeps runAgent testable without flag.Parse.
type agentFlags struct {
	ConfigPath  string
	WriteConfig bool
}

var (
	configPath  = flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	writeConfig = flag.Bool("write-config", false, "Write the default configuration file and exit")
	showVersion = flag.Bool("version", false, "Print version and exit")
	showHelp    = flag.Bool("help", false, "Show help message")
)

func main() {
	flag.Parse()

	if *showHelp {
		printUsage()
		os.Exit(0)
	}
	if *showVersion {
		fmt.Printf("edge-agent %s (%s, built %s)\n", Version, Commit, BuildTime)
		os.Exit(0)
	}

	code := runAgent(agentFlags{
		ConfigPath:  *configPath,
		WriteConfig: *writeConfig,
	})
	if code != 0 {
		os.Exit(code)
	}
}

// runAgent is the daemon body, separated from main for testability.
// Returns 0 on clean shutdown, 1 on fatal errors.
func runAgent(flags agentFlags) (code int) {
	// Bootstrap logger for errors before the config is readable.
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic, shutting down", "panic", r)
			code = 1
		}
	}()

	if flags.WriteConfig {
		cfg := config.DefaultConfig()
		if err := cfg.Save(flags.ConfigPath); err != nil {
			logger.Error("failed to write default config", "path", flags.ConfigPath, "error", err)
			return 1
		}
		logger.Info("wrote default configuration", "path", flags.ConfigPath)
		return 0
	}

	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		logger.Error("failed to load configuration", "path", flags.ConfigPath, "error", err)
		return 1
	}

	appLogger, shipper, logClose, err := buildLogger(cfg)
	if err != nil {
		logger.Error("failed to initialize logging", "error", err)
		return 1
	}
	logger = appLogger
	defer logClose()
	slog.SetDefault(logger)
	logger.Info("starting edge-agent",
		"version", Version, "commit", Commit, "built", BuildTime, "ground", cfg.GroundID)

	if cfg.TranscoderLogDir != "" {
		if err := os.MkdirAll(cfg.TranscoderLogDir, 0o750); err != nil {
			logger.Warn("cannot create transcoder log directory, child stderr will be discarded",
				"dir", cfg.TranscoderLogDir, "error", err)
			cfg.TranscoderLogDir = ""
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	guard, err := lock.New(cfg.LockFile)
	if err != nil {
		logger.Error("failed to prepare instance lock", "error", err)
		return 1
	}
	if err := guard.Acquire(ctx, lock.DefaultAcquireTimeout); err != nil {
		logger.Error("failed to acquire instance lock", "path", cfg.LockFile, "error", err)
		return 1
	}
	defer func() {
		if err := guard.Release(); err != nil {
			logger.Warn("failed to release instance lock", "error", err)
		}
	}()

	st, err := store.New(cfg.StateDir)
	if err != nil {
		logger.Error("failed to open record store", "dir", cfg.StateDir, "error", err)
		return 1
	}

	driver := transcoder.NewDriver(transcoder.Settings{
		FFmpegPath:      cfg.FFmpegPath,
		FFprobePath:     cfg.FFprobePath,
		PrimaryLogoPath: cfg.PrimaryLogoPath,
		ClientLogoPath:  cfg.ClientLogoPath,
		RTMPBase:        cfg.Transcoder.RTMPBase,
		VideoBitrate:    cfg.Transcoder.VideoBitrate,
		VideoMaxrate:    cfg.Transcoder.VideoMaxrate,
		VideoBufsize:    cfg.Transcoder.VideoBufsize,
		Scale:           cfg.Transcoder.Scale,
		StallSamples:    cfg.Transcoder.StallSamples,
		LogDir:          cfg.TranscoderLogDir,
		Logger:          logger.With("component", "transcoder"),
	})

	// The SSE handler and the core reference each other; the closure
	// defers the core lookup to delivery time.
	var core *supervisor.Core
	client := controlplane.NewClient(cfg.BaseURL, cfg.GroundID,
		func(ev controlplane.Event) { core.HandleEvent(ev) },
		controlplane.WithRetryInterval(cfg.SSE.RetryInterval),
		controlplane.WithMaxRetries(cfg.SSE.MaxRetries),
		controlplane.WithLogger(logger.With("component", "sse")),
	)

	core = supervisor.New(supervisor.Config{
		HealthCheckInterval: cfg.HealthCheckInterval,
		OrphanMatch:         cfg.Transcoder.RTMPBase,
	}, st, driver, client, logger.With("component", "supervisor"))

	if err := core.Recover(ctx); err != nil {
		logger.Error("startup recovery failed", "error", err)
		return 1
	}

	tree := suture.New("edge-agent", suture.Spec{
		EventHook: func(e suture.Event) {
			logger.Warn("service event", "event", e.String())
		},
	})
	tree.Add(core)
	tree.Add(&sseService{client: client, logger: logger})
	tree.Add(controlplane.NewHeartbeater(client, cfg.HeartbeatInterval, logger.With("component", "heartbeat")))
	if cfg.HealthAddr != "" {
		tree.Add(&health.Server{
			Addr:    cfg.HealthAddr,
			Handler: health.NewHandler(&statusProvider{store: st, driver: driver, client: client}),
		})
	}
	if shipper != nil {
		tree.Add(shipper)
	}

	err = tree.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("agent stopped", "error", err)
		return 1
	}

	logger.Info("shutdown complete")
	return 0
}

// buildLogger assembles the slog stack: stderr, optional file tee, and
// the remote shipper when enabled. The returned shipper is nil when
// remote logging is off; the close function releases the log file.
func buildLogger(cfg *config.Config) (*slog.Logger, *logship.Shipper, func(), error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, nil, nil, err
	}

	var w io.Writer = os.Stderr
	closeFn := func() {}
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640) // #nosec G304 - path from configuration
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.LogFile, err)
		}
		w = io.MultiWriter(os.Stderr, f)
		closeFn = func() { _ = f.Close() }
	}

	base := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	if !cfg.RemoteLogging.Enabled {
		return slog.New(base), nil, closeFn, nil
	}

	// The shipper's own logger must bypass the shipping handler or a
	// dead endpoint would generate its own traffic.
	local := slog.New(base)
	shipper := logship.NewShipper(logship.Config{
		Endpoint:       fmt.Sprintf("%s/api/v1/padel-grounds/%s/logs", cfg.BaseURL, cfg.GroundID),
		GroundID:       cfg.GroundID,
		BatchSize:      cfg.RemoteLogging.BatchSize,
		BatchInterval:  cfg.RemoteLogging.BatchInterval,
		MaxMemoryUsage: cfg.RemoteLogging.MaxMemoryUsage,
		RetryAttempts:  cfg.RemoteLogging.RetryAttempts,
		RetryDelay:     cfg.RemoteLogging.RetryDelay,
	}, local)

	return slog.New(logship.NewHandler(base, shipper)), shipper, closeFn, nil
}

// sseService adapts the control-plane client to the supervision tree.
// An exhausted subscription takes the whole agent down; systemd decides
// what happens next.
type sseService struct {
	client *controlplane.Client
	logger *slog.Logger
}

func (s *sseService) Serve(ctx context.Context) error {
	err := s.client.Serve(ctx)
	if errors.Is(err, controlplane.ErrSSEExhausted) {
		s.logger.Error("control plane unreachable past retry budget, terminating", "error", err)
		return suture.ErrTerminateSupervisorTree
	}
	return err
}

// statusProvider feeds the health endpoint from the record store, the
// transcoder driver and the SSE client.
type statusProvider struct {
	store  *store.Store
	driver *transcoder.Driver
	client *controlplane.Client
}

func (p *statusProvider) Streams() []health.StreamInfo {
	records, err := p.store.FindAll()
	if err != nil {
		return nil
	}
	infos := make([]health.StreamInfo, len(records))
	for i, r := range records {
		infos[i] = health.StreamInfo{
			CourtID:  r.CourtID,
			RecordID: r.ID,
			State:    string(r.State),
			PID:      r.ProcessID,
			HasAudio: r.HasAudio,
			Updated:  r.UpdatedAt,
		}
	}
	return infos
}

func (p *statusProvider) Processes() []health.ProcessInfo {
	handles := p.driver.Running()
	procs := make([]health.ProcessInfo, len(handles))
	for i, h := range handles {
		procs[i] = health.ProcessInfo{PID: h.PID, StartedAt: h.StartedAt}
	}
	return procs
}

func (p *statusProvider) SSEConnected() bool {
	return p.client.Connected()
}

func printUsage() {
	fmt.Println("edge-agent - padel ground stream supervisor")
	fmt.Printf("Version: %s (%s)\n\n", Version, Commit)
	fmt.Println("Usage: edge-agent [options]")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("The agent subscribes to control-plane events over SSE and runs")
	fmt.Println("one ffmpeg transcoder per court: RTSP camera in, branded RTMP out.")
	fmt.Println()
	fmt.Println("Signals:")
	fmt.Println("  SIGINT, SIGTERM  Graceful shutdown (streams stopped, children reaped)")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  EDGE_BASE_URL           Control-plane API root")
	fmt.Println("  EDGE_GROUND_ID          Ground identity")
	fmt.Println("  EDGE_CLIENT_LOGO_PATH   Per-client overlay image")
	fmt.Println("  EDGE_<SECTION>_<KEY>    Any other config key, see documentation")
}
