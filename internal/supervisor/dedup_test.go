// SPDX-License-Identifier: MIT

package supervisor

import (
	"fmt"
	"testing"
	"time"

	"github.com/padelgrounds/edge-agent/internal/controlplane"
)

func TestDedupSuppressesWithinWindow(t *testing.T) {
	s := newDedupSet(100, 5*time.Second)
	ev := controlplane.Event{Action: "start", CourtID: "c1", StreamKey: "k1", CameraURL: "rtsp://cam/1"}

	if s.Seen(ev) {
		t.Error("first Seen() = true, want false")
	}
	if !s.Seen(ev) {
		t.Error("second Seen() = false, want true")
	}
}

func TestDedupExpiresAfterWindow(t *testing.T) {
	s := newDedupSet(100, 5*time.Second)
	now := time.Now()
	s.now = func() time.Time { return now }

	ev := controlplane.Event{Action: "start", CourtID: "c1", StreamKey: "k1", CameraURL: "rtsp://cam/1"}
	s.Seen(ev)

	now = now.Add(6 * time.Second)
	if s.Seen(ev) {
		t.Error("Seen() after window = true, want false")
	}
}

func TestDedupDistinguishesFields(t *testing.T) {
	s := newDedupSet(100, 5*time.Second)
	base := controlplane.Event{Action: "start", CourtID: "c1", StreamKey: "k1", CameraURL: "rtsp://cam/1"}
	s.Seen(base)

	variants := []controlplane.Event{
		{Action: "stop", CourtID: "c1", StreamKey: "k1", CameraURL: "rtsp://cam/1"},
		{Action: "start", CourtID: "c2", StreamKey: "k1", CameraURL: "rtsp://cam/1"},
		{Action: "start", CourtID: "c1", StreamKey: "k2", CameraURL: "rtsp://cam/1"},
		{Action: "start", CourtID: "c1", StreamKey: "k1", CameraURL: "rtsp://cam/2"},
		{Action: "version-update", Version: "2.0.0"},
	}
	for i, ev := range variants {
		if s.Seen(ev) {
			t.Errorf("variant %d wrongly suppressed: %+v", i, ev)
		}
	}
}

func TestDedupHalvesAtCapacity(t *testing.T) {
	s := newDedupSet(4, time.Hour)
	for i := 0; i < 5; i++ {
		s.Seen(controlplane.Event{Action: "start", CourtID: fmt.Sprintf("c%d", i)})
	}

	// Exceeding capacity drops the oldest half.
	if len(s.entries) > 4 {
		t.Errorf("entries = %d, want <= 4", len(s.entries))
	}
	if s.Seen(controlplane.Event{Action: "start", CourtID: "c0"}) {
		t.Error("oldest fingerprint survived the halving")
	}
	if !s.Seen(controlplane.Event{Action: "start", CourtID: "c4"}) {
		t.Error("newest fingerprint was dropped")
	}
	if len(s.order) != len(s.entries) {
		t.Errorf("order len = %d, entries len = %d, want equal", len(s.order), len(s.entries))
	}
}

func TestDedupOrderBoundedUnderRecurringEvents(t *testing.T) {
	s := newDedupSet(1000, 5*time.Second)
	now := time.Now()
	s.now = func() time.Time { return now }

	// A handful of courts re-sent at intervals past the window, for a
	// long-running agent: the bookkeeping must not grow per event.
	events := []controlplane.Event{
		{Action: "start", CourtID: "c1", StreamKey: "k1", CameraURL: "rtsp://cam/1"},
		{Action: "start", CourtID: "c2", StreamKey: "k2", CameraURL: "rtsp://cam/2"},
		{Action: "stop", CourtID: "c1", StreamKey: "k1", CameraURL: "rtsp://cam/1"},
	}
	for i := 0; i < 10000; i++ {
		for _, ev := range events {
			if s.Seen(ev) {
				t.Fatalf("iteration %d wrongly suppressed past the window: %+v", i, ev)
			}
		}
		now = now.Add(6 * time.Second)
	}

	if len(s.order) != len(events) {
		t.Errorf("order len = %d after recurring resends, want %d", len(s.order), len(events))
	}
	if len(s.entries) != len(events) {
		t.Errorf("entries len = %d, want %d", len(s.entries), len(events))
	}
}
