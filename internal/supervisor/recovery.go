// SPDX-License-Identifier: MIT

package supervisor

import (
	"context"
	"strings"
	"syscall"
	"time"

	"github.com/padelgrounds/edge-agent/internal/store"
	"github.com/shirou/gopsutil/v3/process"
)

// ProcessInfo is a host process as seen by the orphan sweep.
type ProcessInfo struct {
	PID     int
	Cmdline string
}

// ProcessLister enumerates host processes. The default is backed by
// gopsutil; tests inject their own.
type ProcessLister func() ([]ProcessInfo, error)

func listProcesses() ([]ProcessInfo, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}
	out := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		cmdline, err := p.Cmdline()
		if err != nil {
			// Kernel threads and freshly exited pids; not ours.
			continue
		}
		out = append(out, ProcessInfo{PID: int(p.Pid), Cmdline: cmdline})
	}
	return out, nil
}

// Recover reconciles persisted records and leftover transcoders after a
// restart, then wipes the record store so the agent starts from a clean
// slate. Run once before Serve:
//
//  1. Records claiming RUNNING with a dead or missing pid are marked
//     FAILED so the sequence survives in the persisted history until
//     the wipe.
//  2. Host processes matching the transcoder command line that no
//     record owns are orphans from a previous incarnation; they are
//     terminated.
//  3. Surviving RUNNING records are stopped. The control plane re-sends
//     intent for streams that should be live.
//  4. The store is cleared.
func (c *Core) Recover(ctx context.Context) error {
	all, err := c.store.FindAll()
	if err != nil {
		return err
	}

	owned := make(map[int]bool)
	for _, r := range all {
		if r.ProcessID != 0 {
			owned[r.ProcessID] = true
		}
	}

	for _, r := range all {
		if r.State != store.StateRunning {
			continue
		}
		if r.ProcessID == 0 || !c.driver.IsProcessRunning(r.ProcessID) {
			c.logger.Warn("recovery found stale running record",
				"court", r.CourtID, "record", r.ID, "pid", r.ProcessID)
			c.failRecord(r)
			continue
		}
		c.logger.Info("recovery stopping surviving stream",
			"court", r.CourtID, "record", r.ID, "pid", r.ProcessID)
		c.stopRecord(r)
	}

	c.sweepOrphans(owned)

	if err := c.store.Clear(); err != nil {
		return err
	}
	c.logger.Info("recovery complete, record store cleared")

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// sweepOrphans terminates transcoder processes from a previous agent
// incarnation that no record owns. Matching is by command-line
// fragment; an empty OrphanMatch disables the sweep.
func (c *Core) sweepOrphans(owned map[int]bool) {
	if c.cfg.OrphanMatch == "" {
		return
	}
	procs, err := c.cfg.ProcessLister()
	if err != nil {
		c.logger.Warn("recovery cannot list processes, skipping orphan sweep", "error", err)
		return
	}
	for _, p := range procs {
		if owned[p.PID] || !strings.Contains(p.Cmdline, c.cfg.OrphanMatch) {
			continue
		}
		c.logger.Warn("recovery terminating orphan transcoder", "pid", p.PID)
		if err := c.driver.Stop(p.PID); err != nil {
			// Stop gave up on the pid; a direct kill is the last resort.
			c.logger.Warn("orphan ignored graceful stop", "pid", p.PID, "error", err)
			_ = syscall.Kill(p.PID, syscall.SIGKILL)
		}
	}
	// Give SIGTERMed orphans a moment before the agent starts spawning.
	time.Sleep(100 * time.Millisecond)
}
