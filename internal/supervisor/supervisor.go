// SPDX-License-Identifier: MIT

// Package supervisor reconciles control-plane intent against live
// transcoder processes and persisted stream records.
//
// The core is a single actor: inbound events, process-exit callbacks
// and health ticks are turned into typed commands on one serialized
// queue, so every record mutation is linearized. Concurrent work (the
// SSE reader, per-child stderr scanners) only communicates by enqueuing
// commands.
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/padelgrounds/edge-agent/internal/controlplane"
	"github.com/padelgrounds/edge-agent/internal/store"
	"github.com/padelgrounds/edge-agent/internal/transcoder"
)

// Anomaly names a precondition violation found by the start decision
// table. Anomalies are self-healing: the core performs a corrective
// action and then continues with the original intent.
type Anomaly string

const (
	AnomalyStreamRunningWithoutPID Anomaly = "STREAM_RUNNING_WITHOUT_PID"
	AnomalyDeadProcessDetected     Anomaly = "DEAD_PROCESS_DETECTED"
	AnomalyDuplicateEvent          Anomaly = "DUPLICATE_EVENT"
	AnomalyInvalidStreamKey        Anomaly = "INVALID_YOUTUBE_STREAM_KEY"
	AnomalyMultipleStreamsRunning  Anomaly = "MULTIPLE_STREAMS_RUNNING"
)

// Driver is the transcoder driver surface the core depends on.
type Driver interface {
	Start(ctx context.Context, req transcoder.StartRequest, binding transcoder.RetryBinding) (*transcoder.Handle, error)
	Stop(pid int) error
	IsProcessRunning(pid int) bool
	DetectAudio(ctx context.Context, cameraURL string) bool
	Running() []transcoder.Handle
	KillAll()
}

// Notifier is the control-plane surface the core depends on.
type Notifier interface {
	GoLiveYouTube(ctx context.Context, courtID, streamKey string) error
	Connected() bool
	Reconnect()
}

// Config tunes the core.
type Config struct {
	// HealthCheckInterval is the health tick period. Default 30 s.
	HealthCheckInterval time.Duration

	// DedupWindow is how long an event fingerprint suppresses
	// duplicates. Default 5 s.
	DedupWindow time.Duration

	// DedupCapacity bounds the fingerprint set; it is halved when
	// exceeded. Default 1000.
	DedupCapacity int

	// OrphanMatch is a command-line fragment identifying transcoders
	// this agent family spawns (the RTMP ingest base by default).
	OrphanMatch string

	// ProcessLister enumerates host processes for the orphan sweep.
	// Nil selects the gopsutil-backed default.
	ProcessLister ProcessLister

	// GoLiveTimeout bounds one go-live notification including retries.
	GoLiveTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 5 * time.Second
	}
	if c.DedupCapacity <= 0 {
		c.DedupCapacity = 1000
	}
	if c.ProcessLister == nil {
		c.ProcessLister = listProcesses
	}
	if c.GoLiveTimeout <= 0 {
		c.GoLiveTimeout = 2 * time.Minute
	}
}

// command is one unit of serialized work for the actor loop.
type command interface{ isCommand() }

type eventCmd struct{ ev controlplane.Event }
type exitCmd struct{ req transcoder.StartRequest }
type tickCmd struct{}
type barrierCmd struct{ done chan struct{} }

func (eventCmd) isCommand()   {}
func (exitCmd) isCommand()    {}
func (tickCmd) isCommand()    {}
func (barrierCmd) isCommand() {}

// Core is the supervision actor.
type Core struct {
	cfg      Config
	logger   *slog.Logger
	store    *store.Store
	driver   Driver
	notifier Notifier
	seen     *dedupSet

	commands chan command
	done     chan struct{} // closed when Serve exits; unblocks late enqueues

	version string // last announced agent version, routing only
}

// New creates the core. The store, driver and notifier are required.
func New(cfg Config, st *store.Store, driver Driver, notifier Notifier, logger *slog.Logger) *Core {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Core{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		driver:   driver,
		notifier: notifier,
		seen:     newDedupSet(cfg.DedupCapacity, cfg.DedupWindow),
		commands: make(chan command, 64),
		done:     make(chan struct{}),
	}
}

// HandleEvent enqueues one inbound control-plane event. It is the SSE
// subscription's handler and safe for concurrent use.
func (c *Core) HandleEvent(ev controlplane.Event) {
	c.enqueue(eventCmd{ev: ev})
}

// OnRetry implements transcoder.RetryBinding: the driver calls it on
// every child exit with the original start request.
func (c *Core) OnRetry(req transcoder.StartRequest) {
	c.enqueue(exitCmd{req: req})
}

func (c *Core) enqueue(cmd command) {
	select {
	case c.commands <- cmd:
	case <-c.done:
		// Shutting down; late callbacks are dropped.
	}
}

// Serve runs the actor loop and the health tick until ctx is cancelled,
// then performs the shutdown sequence: health tick stops, running
// streams are stopped, residual children are bulk-killed. Implements
// the suture service contract.
func (c *Core) Serve(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			close(c.done)
			return ctx.Err()
		case cmd := <-c.commands:
			c.handle(ctx, cmd)
		case <-ticker.C:
			c.healthTick()
		}
	}
}

func (c *Core) handle(ctx context.Context, cmd command) {
	switch v := cmd.(type) {
	case eventCmd:
		c.handleEvent(ctx, v.ev)
	case exitCmd:
		c.handleProcessExit(ctx, v.req)
	case tickCmd:
		c.healthTick()
	case barrierCmd:
		close(v.done)
	}
}

func (c *Core) handleEvent(ctx context.Context, ev controlplane.Event) {
	if c.seen.Seen(ev) {
		c.logger.Info("dropping duplicate event",
			"action", ev.Action, "court", ev.CourtID)
		return
	}

	switch ev.Action {
	case controlplane.ActionStart:
		c.handleStart(ctx, ev)
	case controlplane.ActionStop:
		c.handleStop(ev)
	case controlplane.ActionVersionUpdate:
		c.handleVersionUpdate(ev)
	default:
		c.logger.Warn("dropping event with unknown action", "action", ev.Action)
	}
}

// handleStart applies the start decision table for ev's court and, when
// the table says so, spawns a fresh transcoder.
func (c *Core) handleStart(ctx context.Context, ev controlplane.Event) {
	running, err := c.runningForCourt(ev.CourtID)
	if err != nil {
		c.logger.Error("cannot read records, dropping start", "court", ev.CourtID, "error", err)
		return
	}

	switch {
	case len(running) > 1:
		c.logger.Warn("precondition anomaly, stopping all court streams",
			"anomaly", AnomalyMultipleStreamsRunning, "court", ev.CourtID, "count", len(running))
		for _, r := range running {
			c.stopRecord(r)
		}

	case len(running) == 1:
		r := running[0]
		switch {
		case r.ProcessID == 0:
			c.logger.Warn("precondition anomaly, marking failed",
				"anomaly", AnomalyStreamRunningWithoutPID, "court", ev.CourtID, "record", r.ID)
			c.failRecord(r)

		case !c.driver.IsProcessRunning(r.ProcessID):
			c.logger.Warn("precondition anomaly, marking failed",
				"anomaly", AnomalyDeadProcessDetected, "court", ev.CourtID,
				"record", r.ID, "pid", r.ProcessID)
			c.failRecord(r)

		case r.StreamKey == ev.StreamKey:
			c.logger.Info("start already satisfied by live stream",
				"anomaly", AnomalyDuplicateEvent, "court", ev.CourtID, "pid", r.ProcessID)
			return

		default:
			c.logger.Warn("stream key changed, replacing live stream",
				"anomaly", AnomalyInvalidStreamKey, "court", ev.CourtID, "record", r.ID)
			c.stopRecord(r)
		}
	}

	c.spawn(ctx, ev)
}

// spawn creates a fresh record and starts a transcoder for it.
func (c *Core) spawn(ctx context.Context, ev controlplane.Event) {
	rec := store.NewRecord(ev.CameraURL, ev.StreamKey, ev.CourtID)
	if err := c.store.Save(rec); err != nil {
		c.logger.Error("cannot persist new record", "record", rec.ID, "error", err)
		// Continue: memory is authoritative until the next save.
	}

	rec.HasAudio = c.driver.DetectAudio(ctx, ev.CameraURL)

	req := transcoder.StartRequest{
		StreamID:  rec.ID,
		CameraURL: ev.CameraURL,
		StreamKey: ev.StreamKey,
		CourtID:   ev.CourtID,
		HasAudio:  rec.HasAudio,
	}

	handle, err := c.driver.Start(ctx, req, c)
	if err != nil {
		c.logger.Error("transcoder start failed", "court", ev.CourtID, "error", err)
		if terr := rec.Transition(store.StateFailed); terr == nil {
			c.persist(rec)
		}
		// No retry here: if a process was spawned and died, the exit
		// callback re-enters the decision table.
		return
	}

	rec.ProcessID = handle.PID
	if err := rec.Transition(store.StateRunning); err != nil {
		c.logger.Error("illegal transition after spawn", "record", rec.ID, "error", err)
		return
	}
	c.persist(rec)
	c.logger.Info("stream running",
		"court", ev.CourtID, "record", rec.ID, "pid", handle.PID, "hasAudio", rec.HasAudio)

	// Best-effort with retry; a 4xx is logged but never fatal.
	go c.notifyGoLive(ev.CourtID, ev.StreamKey)
}

func (c *Core) notifyGoLive(courtID, streamKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.GoLiveTimeout)
	defer cancel()

	if err := c.notifier.GoLiveYouTube(ctx, courtID, streamKey); err != nil {
		c.logger.Warn("go-live notification failed", "court", courtID, "error", err)
	}
}

// handleStop stops the running stream matching the event, if any.
// Absence is success.
func (c *Core) handleStop(ev controlplane.Event) {
	running, err := c.store.FindRunning()
	if err != nil {
		c.logger.Error("cannot read records, dropping stop", "error", err)
		return
	}
	for _, r := range running {
		if r.CameraURL == ev.CameraURL && r.StreamKey == ev.StreamKey {
			c.stopRecord(r)
			return
		}
	}
	c.logger.Info("stop for unknown stream, nothing to do",
		"court", ev.CourtID, "camera", ev.CameraURL)
}

func (c *Core) handleVersionUpdate(ev controlplane.Event) {
	// Routing only; the agent binary is updated out of band.
	c.version = ev.Version
	c.logger.Info("control plane announced version", "version", ev.Version)
}

// handleProcessExit consumes the driver's unconditional exit callback.
// Requested stops are absorbed via the record's expectedExit flag;
// anything else is a crash and re-enters the start decision table with
// the original intent.
func (c *Core) handleProcessExit(ctx context.Context, req transcoder.StartRequest) {
	rec := c.findActive(req.CourtID, req.StreamKey)
	if rec == nil {
		c.logger.Info("exit callback for unknown stream", "court", req.CourtID)
		return
	}

	if rec.ExpectedExit {
		rec.ExpectedExit = false
		c.persist(rec)
		return
	}

	c.logger.Warn("transcoder died unexpectedly",
		"court", req.CourtID, "record", rec.ID, "state", rec.State)

	if rec.State == store.StateRunning || rec.State == store.StatePending {
		rec.ProcessID = 0
		if err := rec.Transition(store.StateFailed); err == nil {
			c.persist(rec)
		}
	}

	c.handleStart(ctx, controlplane.Event{
		Action:    controlplane.ActionStart,
		CameraURL: req.CameraURL,
		StreamKey: req.StreamKey,
		CourtID:   req.CourtID,
	})
}

// healthTick re-observes every RUNNING record against the OS and nudges
// the SSE subscription when it is down.
func (c *Core) healthTick() {
	running, err := c.store.FindRunning()
	if err != nil {
		c.logger.Error("health tick cannot read records", "error", err)
		return
	}
	for _, r := range running {
		if r.ProcessID != 0 && c.driver.IsProcessRunning(r.ProcessID) {
			continue
		}
		c.logger.Warn("health tick found dead stream",
			"anomaly", AnomalyDeadProcessDetected, "court", r.CourtID,
			"record", r.ID, "pid", r.ProcessID)
		c.failRecord(r)
	}

	if !c.notifier.Connected() {
		c.logger.Warn("sse subscription down, requesting reconnect")
		c.notifier.Reconnect()
	}
}

// stopRecord performs the stop use-case for one record: mark the exit
// expected, terminate the process, persist STOPPED.
func (c *Core) stopRecord(r *store.Record) {
	r.ExpectedExit = true
	c.persist(r)

	if r.ProcessID != 0 {
		if err := c.driver.Stop(r.ProcessID); err != nil {
			c.logger.Warn("stop failed", "record", r.ID, "pid", r.ProcessID, "error", err)
		}
	}

	r.ProcessID = 0
	if err := r.Transition(store.StateStopped); err != nil {
		c.logger.Error("illegal transition on stop", "record", r.ID, "error", err)
		return
	}
	c.persist(r)
	c.logger.Info("stream stopped", "court", r.CourtID, "record", r.ID)
}

// failRecord marks a record FAILED and persists it.
func (c *Core) failRecord(r *store.Record) {
	r.ProcessID = 0
	if err := r.Transition(store.StateFailed); err != nil {
		c.logger.Error("illegal transition to failed", "record", r.ID, "error", err)
		return
	}
	c.persist(r)
}

func (c *Core) persist(r *store.Record) {
	if err := c.store.Save(r); err != nil {
		// Log and continue: the health tick re-observes divergence.
		c.logger.Error("cannot persist record", "record", r.ID, "error", err)
	}
}

func (c *Core) runningForCourt(courtID string) ([]*store.Record, error) {
	running, err := c.store.FindRunning()
	if err != nil {
		return nil, err
	}
	var out []*store.Record
	for _, r := range running {
		if r.CourtID == courtID {
			out = append(out, r)
		}
	}
	return out, nil
}

// findActive returns the most recently updated record for a court and
// stream key, or nil.
func (c *Core) findActive(courtID, streamKey string) *store.Record {
	all, err := c.store.FindAll()
	if err != nil {
		c.logger.Error("cannot read records", "error", err)
		return nil
	}
	var best *store.Record
	for _, r := range all {
		if r.CourtID != courtID || r.StreamKey != streamKey {
			continue
		}
		if best == nil || r.UpdatedAt.After(best.UpdatedAt) {
			best = r
		}
	}
	return best
}

// shutdown stops every running stream, then bulk-kills whatever the
// driver still owns.
func (c *Core) shutdown() {
	c.logger.Info("supervisor shutting down")

	running, err := c.store.FindRunning()
	if err != nil {
		c.logger.Error("cannot read records during shutdown", "error", err)
	}
	for _, r := range running {
		c.stopRecord(r)
	}

	c.driver.KillAll()
	c.logger.Info("supervisor stopped")
}
