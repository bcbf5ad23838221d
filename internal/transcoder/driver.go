// SPDX-License-Identifier: MIT

package transcoder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Sentinel errors for start attempts.
var (
	// ErrStartupTimeout means ffmpeg never reported an established
	// stream mapping within the startup deadline.
	ErrStartupTimeout = errors.New("transcoder startup timed out")

	// ErrMissingAsset means an overlay image was absent at spawn time.
	ErrMissingAsset = errors.New("overlay asset missing")

	// ErrStopTimeout means the child outlived SIGKILL within the stop
	// bookkeeping window.
	ErrStopTimeout = errors.New("transcoder did not exit after SIGKILL")
)

// StartupError carries an error ffmpeg reported on stderr before the
// stream was established.
type StartupError struct {
	Line string
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("transcoder failed during startup: %s", e.Line)
}

// startupMarkers indicate ffmpeg has established its stream mapping and
// is about to transcode.
var startupMarkers = []string{
	"Stream mapping",
	"Press [q] to stop",
}

// startupErrors are stderr fragments that doom a start attempt.
var startupErrors = []string{
	"Connection refused",
	"No route to host",
	"Invalid data found",
}

// streamIDEnv carries the agent-assigned record id into the child
// environment so orphans can be attributed after an agent restart.
const streamIDEnv = "EDGE_AGENT_STREAM_ID"

// RetryBinding receives the original request whenever the child exits,
// for any reason including a requested stop. The supervisor core decides
// what to do with it.
type RetryBinding interface {
	OnRetry(req StartRequest)
}

// Handle identifies one live transcoder process.
type Handle struct {
	PID         int
	CommandLine string
	StartedAt   time.Time
}

type handleEntry struct {
	Handle
	cmd  *exec.Cmd
	done chan struct{} // closed after cmd.Wait returns
}

// Driver spawns, observes and terminates ffmpeg transcoder processes.
// The in-memory handle table is the authoritative set of driver-owned
// children; external readers must treat snapshots as advisory.
type Driver struct {
	cfg Settings

	mu      sync.Mutex
	handles map[int]*handleEntry
}

// NewDriver creates a driver with the given settings.
func NewDriver(cfg Settings) *Driver {
	cfg.applyDefaults()
	return &Driver{
		cfg:     cfg,
		handles: make(map[int]*handleEntry),
	}
}

// Start spawns one transcoder for req and blocks until ffmpeg reports an
// established stream, a recognized startup error appears on stderr, or
// the startup deadline elapses. On success the returned handle is live
// and registered in the driver's table.
//
// binding.OnRetry fires on every child exit, including after a Stop.
func (d *Driver) Start(ctx context.Context, req StartRequest, binding RetryBinding) (*Handle, error) {
	for _, asset := range []string{d.cfg.PrimaryLogoPath, d.cfg.ClientLogoPath} {
		if _, err := os.Stat(asset); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingAsset, asset)
		}
	}

	args := buildArgs(&d.cfg, req)
	cmd := exec.Command(d.cfg.FFmpegPath, args...) // #nosec G204 - binary path and args are agent-controlled
	cmd.Stdin = nil
	cmd.Stdout = io.Discard
	cmd.Env = append(os.Environ(), streamIDEnv+"="+req.StreamID)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start transcoder: %w", err)
	}

	entry := &handleEntry{
		Handle: Handle{
			PID:         cmd.Process.Pid,
			CommandLine: d.cfg.FFmpegPath + " " + strings.Join(args, " "),
			StartedAt:   time.Now(),
		},
		cmd:  cmd,
		done: make(chan struct{}),
	}

	d.mu.Lock()
	d.handles[entry.PID] = entry
	d.mu.Unlock()

	ready := make(chan struct{})
	startErr := make(chan error, 1)
	go d.consumeStderr(stderr, entry, req, ready, startErr)
	go d.reapOnExit(entry, req, binding)

	logger := d.cfg.Logger.With("court", req.CourtID, "pid", entry.PID)

	select {
	case <-ready:
		logger.Info("transcoder established", "camera", req.CameraURL)
		h := entry.Handle
		return &h, nil

	case err := <-startErr:
		logger.Warn("transcoder startup error", "error", err)
		d.killEntry(entry)
		return nil, err

	case <-entry.done:
		// Child died before the stream was established. Prefer a
		// recognized stderr error when the scanner caught one; Wait
		// closing the pipe can eat the final line.
		err := error(&StartupError{Line: "process exited before stream was established"})
		select {
		case err = <-startErr:
		default:
		}
		logger.Warn("transcoder exited during startup", "error", err)
		return nil, err

	case <-time.After(d.cfg.StartupTimeout):
		logger.Warn("transcoder startup deadline elapsed", "timeout", d.cfg.StartupTimeout)
		d.killEntry(entry)
		return nil, ErrStartupTimeout

	case <-ctx.Done():
		d.killEntry(entry)
		return nil, ctx.Err()
	}
}

// consumeStderr scans child stderr for startup markers, startup errors
// and stall conditions, mirroring lines to the per-court log when a log
// directory is configured.
func (d *Driver) consumeStderr(r io.Reader, entry *handleEntry, req StartRequest, ready chan struct{}, startErr chan error) {
	var sink io.WriteCloser
	if d.cfg.LogDir != "" {
		path := filepath.Join(d.cfg.LogDir, "transcoder-"+req.CourtID+".log")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640) // #nosec G304 - path derives from config
		if err != nil {
			d.cfg.Logger.Warn("cannot open transcoder log, discarding output", "path", path, "error", err)
		} else {
			sink = f
		}
	}
	if sink != nil {
		defer sink.Close()
	}

	stall := newStallDetector(d.cfg.StallSamples, nil)
	established := false

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if sink != nil {
			fmt.Fprintln(sink, line)
		}

		if !established {
			for _, marker := range startupMarkers {
				if strings.Contains(line, marker) {
					established = true
					close(ready)
					break
				}
			}
			if !established {
				for _, frag := range startupErrors {
					if strings.Contains(line, frag) {
						select {
						case startErr <- &StartupError{Line: strings.TrimSpace(line)}:
						default:
						}
						return
					}
				}
			}
			continue
		}

		if stall.Observe(line) {
			d.cfg.Logger.Warn("transcoder stalled, killing",
				"pid", entry.PID, "court", req.CourtID, "samples", d.cfg.StallSamples)
			// Hard kill; the exit path handles respawn via the binding.
			_ = syscall.Kill(entry.PID, syscall.SIGKILL)
			return
		}
	}
}

// reapOnExit waits for the child, drops it from the table and fires the
// retry binding unconditionally.
func (d *Driver) reapOnExit(entry *handleEntry, req StartRequest, binding RetryBinding) {
	err := entry.cmd.Wait()

	d.mu.Lock()
	delete(d.handles, entry.PID)
	d.mu.Unlock()
	close(entry.done)

	d.cfg.Logger.Info("transcoder exited",
		"pid", entry.PID, "court", req.CourtID,
		"uptime", time.Since(entry.StartedAt).Round(time.Second), "error", err)

	if binding != nil {
		binding.OnRetry(req)
	}
}

// killEntry hard-kills a child and waits for the reaper to collect it.
func (d *Driver) killEntry(entry *handleEntry) {
	_ = entry.cmd.Process.Kill()
	select {
	case <-entry.done:
	case <-time.After(d.cfg.StopTimeout):
	}
}

// Stop terminates the process gracefully: SIGTERM, a grace period, then
// SIGKILL. Unknown pids are success. Bookkeeping gives up after the
// overall stop timeout.
func (d *Driver) Stop(pid int) error {
	if pid <= 0 {
		return nil
	}

	d.mu.Lock()
	entry := d.handles[pid]
	d.mu.Unlock()

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		// ESRCH: already gone.
		return nil
	}

	overall := time.After(d.cfg.StopTimeout)
	if d.waitGone(entry, pid, d.cfg.StopGrace, overall) {
		return nil
	}

	d.cfg.Logger.Warn("transcoder ignored SIGTERM, escalating", "pid", pid)
	_ = syscall.Kill(pid, syscall.SIGKILL)

	if !d.waitGone(entry, pid, d.cfg.StopTimeout, overall) {
		// Give up our own bookkeeping; the reaper will collect the
		// entry if the process ever dies.
		d.cfg.Logger.Error("transcoder still alive after SIGKILL", "pid", pid)
		return fmt.Errorf("%w: pid %d", ErrStopTimeout, pid)
	}
	return nil
}

// waitGone waits until the pid is dead, the per-phase timeout passes, or
// the overall deadline fires. Returns true once the process is gone.
func (d *Driver) waitGone(entry *handleEntry, pid int, phase time.Duration, overall <-chan time.Time) bool {
	phaseTimer := time.After(phase)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if entry != nil {
			select {
			case <-entry.done:
				return true
			case <-phaseTimer:
				return false
			case <-overall:
				return false
			case <-ticker.C:
			}
		} else {
			select {
			case <-phaseTimer:
				return false
			case <-overall:
				return false
			case <-ticker.C:
			}
		}
		if alive, _ := process.PidExists(int32(pid)); !alive {
			return true
		}
	}
}

// IsProcessRunning reports whether pid is a live process whose command
// line still looks like our transcoder. Existence alone is accepted when
// the command line cannot be read (procfs permissions).
func (d *Driver) IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	alive, err := process.PidExists(int32(pid))
	if err != nil || !alive {
		return false
	}

	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	cmdline, err := p.Cmdline()
	if err != nil || cmdline == "" {
		return true
	}
	return strings.Contains(cmdline, filepath.Base(d.cfg.FFmpegPath))
}

// Running returns a snapshot of driver-owned handles.
func (d *Driver) Running() []Handle {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Handle, 0, len(d.handles))
	for _, e := range d.handles {
		out = append(out, e.Handle)
	}
	return out
}

// KillAll hard-kills every driver-owned child and waits briefly for the
// reapers to collect them.
func (d *Driver) KillAll() {
	d.mu.Lock()
	entries := make([]*handleEntry, 0, len(d.handles))
	for _, e := range d.handles {
		entries = append(entries, e)
	}
	d.mu.Unlock()

	for _, e := range entries {
		_ = e.cmd.Process.Kill()
	}
	deadline := time.After(d.cfg.StopTimeout)
	for _, e := range entries {
		select {
		case <-e.done:
		case <-deadline:
			return
		}
	}
}
