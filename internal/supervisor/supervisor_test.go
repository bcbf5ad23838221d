// SPDX-License-Identifier: MIT

package supervisor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/padelgrounds/edge-agent/internal/controlplane"
	"github.com/padelgrounds/edge-agent/internal/store"
	"github.com/padelgrounds/edge-agent/internal/transcoder"
)

// fakeDriver is an in-memory Driver. Started processes are considered
// alive until stopped or explicitly marked dead.
type fakeDriver struct {
	mu       sync.Mutex
	nextPID  int
	alive    map[int]bool
	hasAudio bool
	startErr error
	stopErrs map[int]error

	started []transcoder.StartRequest
	stopped []int
	killed  bool
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{nextPID: 1000, alive: make(map[int]bool), hasAudio: true}
}

func (d *fakeDriver) Start(_ context.Context, req transcoder.StartRequest, _ transcoder.RetryBinding) (*transcoder.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.startErr != nil {
		return nil, d.startErr
	}
	d.nextPID++
	d.alive[d.nextPID] = true
	d.started = append(d.started, req)
	return &transcoder.Handle{PID: d.nextPID, StartedAt: time.Now()}, nil
}

func (d *fakeDriver) Stop(pid int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = append(d.stopped, pid)
	if err := d.stopErrs[pid]; err != nil {
		return err
	}
	delete(d.alive, pid)
	return nil
}

func (d *fakeDriver) IsProcessRunning(pid int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.alive[pid]
}

func (d *fakeDriver) DetectAudio(context.Context, string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hasAudio
}

func (d *fakeDriver) Running() []transcoder.Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]transcoder.Handle, 0, len(d.alive))
	for pid := range d.alive {
		out = append(out, transcoder.Handle{PID: pid})
	}
	return out
}

func (d *fakeDriver) KillAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.killed = true
	d.alive = make(map[int]bool)
}

func (d *fakeDriver) startCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.started)
}

func (d *fakeDriver) markDead(pid int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.alive, pid)
}

type fakeNotifier struct {
	mu         sync.Mutex
	goLives    []string // courtID|streamKey
	connected  bool
	reconnects int
}

func (n *fakeNotifier) GoLiveYouTube(_ context.Context, courtID, streamKey string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.goLives = append(n.goLives, courtID+"|"+streamKey)
	return nil
}

func (n *fakeNotifier) Connected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connected
}

func (n *fakeNotifier) Reconnect() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reconnects++
}

func (n *fakeNotifier) goLiveCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.goLives)
}

func newTestCore(t *testing.T) (*Core, *fakeDriver, *fakeNotifier, *store.Store) {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)

	driver := newFakeDriver()
	notifier := &fakeNotifier{connected: true}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	core := New(Config{}, st, driver, notifier, logger)
	return core, driver, notifier, st
}

// seedRunning persists a RUNNING record and registers its pid as alive.
func seedRunning(t *testing.T, st *store.Store, d *fakeDriver, cameraURL, streamKey, courtID string, pid int) *store.Record {
	t.Helper()
	r := store.NewRecord(cameraURL, streamKey, courtID)
	r.ProcessID = pid
	require.NoError(t, r.Transition(store.StateRunning))
	require.NoError(t, st.Save(r))
	if pid != 0 {
		d.mu.Lock()
		d.alive[pid] = true
		d.mu.Unlock()
	}
	return r
}

func startEvent(cameraURL, streamKey, courtID string) controlplane.Event {
	return controlplane.Event{
		Action:    controlplane.ActionStart,
		CameraURL: cameraURL,
		StreamKey: streamKey,
		CourtID:   courtID,
	}
}

func TestStartSpawnsStream(t *testing.T) {
	core, driver, notifier, st := newTestCore(t)

	core.handleStart(context.Background(), startEvent("rtsp://cam/1", "k1", "c1"))

	require.Equal(t, 1, driver.startCount())
	req := driver.started[0]
	require.Equal(t, "rtsp://cam/1", req.CameraURL)
	require.Equal(t, "k1", req.StreamKey)
	require.Equal(t, "c1", req.CourtID)
	require.True(t, req.HasAudio)
	require.NotEmpty(t, req.StreamID)

	running, err := st.FindRunning()
	require.NoError(t, err)
	require.Len(t, running, 1)
	require.NotZero(t, running[0].ProcessID)
	require.True(t, running[0].HasAudio)

	require.Eventually(t, func() bool { return notifier.goLiveCount() == 1 },
		2*time.Second, 10*time.Millisecond, "go-live notification not sent")
	require.Equal(t, "c1|k1", notifier.goLives[0])
}

func TestStartWithoutAudioAddsSilentTrack(t *testing.T) {
	core, driver, _, _ := newTestCore(t)
	driver.hasAudio = false

	core.handleStart(context.Background(), startEvent("rtsp://cam/1", "k1", "c1"))

	require.Equal(t, 1, driver.startCount())
	require.False(t, driver.started[0].HasAudio)
}

func TestDuplicateEventDropped(t *testing.T) {
	core, driver, _, _ := newTestCore(t)
	ev := startEvent("rtsp://cam/1", "k1", "c1")

	core.handleEvent(context.Background(), ev)
	core.handleEvent(context.Background(), ev)

	require.Equal(t, 1, driver.startCount(), "duplicate within window must be a no-op")
}

func TestStartSatisfiedByLiveStreamIsNoop(t *testing.T) {
	core, driver, _, st := newTestCore(t)
	seedRunning(t, st, driver, "rtsp://cam/1", "k1", "c1", 42)

	core.handleStart(context.Background(), startEvent("rtsp://cam/1", "k1", "c1"))

	require.Zero(t, driver.startCount(), "live stream with same key must not be restarted")
	running, err := st.FindRunning()
	require.NoError(t, err)
	require.Len(t, running, 1)
	require.Equal(t, 42, running[0].ProcessID)
}

func TestStartReplacesChangedStreamKey(t *testing.T) {
	core, driver, _, st := newTestCore(t)
	old := seedRunning(t, st, driver, "rtsp://cam/1", "k-old", "c1", 42)

	core.handleStart(context.Background(), startEvent("rtsp://cam/1", "k-new", "c1"))

	require.Contains(t, driver.stopped, 42, "stale stream must be stopped")
	require.Equal(t, 1, driver.startCount())
	require.Equal(t, "k-new", driver.started[0].StreamKey)

	stale, err := st.FindByID(old.ID)
	require.NoError(t, err)
	require.Equal(t, store.StateStopped, stale.State)
}

func TestStartWithDeadProcessFailsAndRespawns(t *testing.T) {
	core, driver, _, st := newTestCore(t)
	old := seedRunning(t, st, driver, "rtsp://cam/1", "k1", "c1", 42)
	driver.markDead(42)

	core.handleStart(context.Background(), startEvent("rtsp://cam/1", "k1", "c1"))

	require.Equal(t, 1, driver.startCount())
	failed, err := st.FindByID(old.ID)
	require.NoError(t, err)
	require.Equal(t, store.StateFailed, failed.State)
	require.Zero(t, failed.ProcessID)
}

func TestStartRunningWithoutPidFailsAndRespawns(t *testing.T) {
	core, driver, _, st := newTestCore(t)
	old := seedRunning(t, st, driver, "rtsp://cam/1", "k1", "c1", 0)

	core.handleStart(context.Background(), startEvent("rtsp://cam/1", "k1", "c1"))

	require.Equal(t, 1, driver.startCount())
	failed, err := st.FindByID(old.ID)
	require.NoError(t, err)
	require.Equal(t, store.StateFailed, failed.State)
}

func TestStartWithMultipleRunningStopsAll(t *testing.T) {
	core, driver, _, st := newTestCore(t)
	seedRunning(t, st, driver, "rtsp://cam/1", "k1", "c1", 42)
	seedRunning(t, st, driver, "rtsp://cam/1", "k2", "c1", 43)

	core.handleStart(context.Background(), startEvent("rtsp://cam/1", "k3", "c1"))

	require.ElementsMatch(t, []int{42, 43}, driver.stopped)
	require.Equal(t, 1, driver.startCount())

	running, err := st.FindRunning()
	require.NoError(t, err)
	require.Len(t, running, 1, "exactly one stream per court after recovery")
	require.Equal(t, "k3", running[0].StreamKey)
}

func TestStartLeavesOtherCourtsAlone(t *testing.T) {
	core, driver, _, st := newTestCore(t)
	seedRunning(t, st, driver, "rtsp://cam/2", "k9", "c2", 99)

	core.handleStart(context.Background(), startEvent("rtsp://cam/1", "k1", "c1"))

	require.Empty(t, driver.stopped)
	running, err := st.FindRunning()
	require.NoError(t, err)
	require.Len(t, running, 2)
}

func TestStartFailureMarksRecordFailed(t *testing.T) {
	core, driver, _, st := newTestCore(t)
	driver.startErr = transcoder.ErrStartupTimeout

	core.handleStart(context.Background(), startEvent("rtsp://cam/1", "k1", "c1"))

	all, err := st.FindAll()
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, store.StateFailed, all[0].State)
}

func TestStopTerminatesMatchingStream(t *testing.T) {
	core, driver, _, st := newTestCore(t)
	r := seedRunning(t, st, driver, "rtsp://cam/1", "k1", "c1", 42)

	core.handleStop(controlplane.Event{
		Action:    controlplane.ActionStop,
		CameraURL: "rtsp://cam/1",
		StreamKey: "k1",
		CourtID:   "c1",
	})

	require.Contains(t, driver.stopped, 42)
	stopped, err := st.FindByID(r.ID)
	require.NoError(t, err)
	require.Equal(t, store.StateStopped, stopped.State)
	require.True(t, stopped.ExpectedExit, "stop must be flagged before the exit callback lands")
}

func TestStopForUnknownStreamIsNoop(t *testing.T) {
	core, driver, _, _ := newTestCore(t)

	core.handleStop(controlplane.Event{
		Action:    controlplane.ActionStop,
		CameraURL: "rtsp://cam/9",
		StreamKey: "k9",
		CourtID:   "c9",
	})

	require.Empty(t, driver.stopped)
}

func TestExpectedExitIsAbsorbed(t *testing.T) {
	core, driver, _, st := newTestCore(t)
	r := seedRunning(t, st, driver, "rtsp://cam/1", "k1", "c1", 42)

	core.stopRecord(r)
	require.Equal(t, 1, len(driver.stopped))

	core.handleProcessExit(context.Background(), transcoder.StartRequest{
		StreamID:  r.ID,
		CameraURL: "rtsp://cam/1",
		StreamKey: "k1",
		CourtID:   "c1",
	})

	require.Zero(t, driver.startCount(), "requested stop must not respawn")
	after, err := st.FindByID(r.ID)
	require.NoError(t, err)
	require.False(t, after.ExpectedExit)
	require.Equal(t, store.StateStopped, after.State)
}

func TestCrashRespawnsStream(t *testing.T) {
	core, driver, _, st := newTestCore(t)
	r := seedRunning(t, st, driver, "rtsp://cam/1", "k1", "c1", 42)
	driver.markDead(42)

	core.handleProcessExit(context.Background(), transcoder.StartRequest{
		StreamID:  r.ID,
		CameraURL: "rtsp://cam/1",
		StreamKey: "k1",
		CourtID:   "c1",
	})

	require.Equal(t, 1, driver.startCount(), "crash must respawn with original intent")
	require.Equal(t, "k1", driver.started[0].StreamKey)

	crashed, err := st.FindByID(r.ID)
	require.NoError(t, err)
	require.Equal(t, store.StateFailed, crashed.State)

	running, err := st.FindRunning()
	require.NoError(t, err)
	require.Len(t, running, 1)
	require.NotEqual(t, r.ID, running[0].ID)
}

func TestVersionUpdateRecorded(t *testing.T) {
	core, driver, _, _ := newTestCore(t)

	core.handleEvent(context.Background(), controlplane.Event{
		Action:  controlplane.ActionVersionUpdate,
		Version: "1.4.0",
	})

	require.Equal(t, "1.4.0", core.version)
	require.Zero(t, driver.startCount())
}

func TestHealthTickFailsDeadStreams(t *testing.T) {
	core, driver, _, st := newTestCore(t)
	live := seedRunning(t, st, driver, "rtsp://cam/1", "k1", "c1", 42)
	dead := seedRunning(t, st, driver, "rtsp://cam/2", "k2", "c2", 43)
	driver.markDead(43)

	core.healthTick()

	got, err := st.FindByID(dead.ID)
	require.NoError(t, err)
	require.Equal(t, store.StateFailed, got.State)

	got, err = st.FindByID(live.ID)
	require.NoError(t, err)
	require.Equal(t, store.StateRunning, got.State)
}

func TestHealthTickNudgesDisconnectedSSE(t *testing.T) {
	core, _, notifier, _ := newTestCore(t)
	notifier.connected = false

	core.healthTick()

	require.Equal(t, 1, notifier.reconnects)
}

func TestServeProcessesEventsAndShutsDown(t *testing.T) {
	core, driver, notifier, st := newTestCore(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- core.Serve(ctx) }()

	core.HandleEvent(startEvent("rtsp://cam/1", "k1", "c1"))

	// Barrier: the event before it has been fully handled.
	b := barrierCmd{done: make(chan struct{})}
	core.enqueue(b)
	select {
	case <-b.done:
	case <-time.After(2 * time.Second):
		t.Fatal("actor loop did not drain")
	}

	require.Equal(t, 1, driver.startCount())
	require.Eventually(t, func() bool { return notifier.goLiveCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	require.True(t, driver.killed, "shutdown must bulk-kill residual children")
	running, err := st.FindRunning()
	require.NoError(t, err)
	require.Empty(t, running, "shutdown must stop running records")
}
