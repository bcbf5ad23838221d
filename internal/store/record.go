// SPDX-License-Identifier: MIT

// Package store persists per-stream records as one JSON file per record.
//
// Records are the durable half of the supervisor's state: enough to
// recover stream identity across agent restarts, nothing more. The
// supervisor core exclusively owns mutation; the store owns durability.
package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// State is the lifecycle state of a supervised stream.
type State string

const (
	StatePending     State = "PENDING"     // Record created, transcoder not yet confirmed
	StateRunning     State = "RUNNING"     // Transcoder process alive
	StateStopped     State = "STOPPED"     // Stopped on request
	StateFailed      State = "FAILED"      // Transcoder died or never started
	StateReconciling State = "RECONCILING" // Being reconciled against control-plane intent
)

// ErrInvalidTransition is returned when a state change violates the
// transition table. The record is left unchanged.
var ErrInvalidTransition = errors.New("invalid state transition")

// transitions is the full set of legal state changes.
var transitions = map[State][]State{
	StatePending:     {StateRunning, StateFailed},
	StateRunning:     {StateStopped, StateFailed, StateReconciling},
	StateStopped:     {StatePending, StateRunning},
	StateFailed:      {StatePending, StateRunning},
	StateReconciling: {StateRunning, StateFailed, StateStopped},
}

// Record describes one supervised stream.
//
// ProcessID is zero when no transcoder is attached. ExpectedExit is set
// by stop handlers so the exit callback can tell a requested stop from a
// crash; it is not part of the public state machine.
type Record struct {
	ID           string    `json:"id"`
	CameraURL    string    `json:"cameraUrl"`
	StreamKey    string    `json:"streamKey"`
	CourtID      string    `json:"courtId"`
	State        State     `json:"state"`
	HasAudio     bool      `json:"hasAudio"`
	ProcessID    int       `json:"processId,omitempty"`
	ExpectedExit bool      `json:"expectedExit,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// NewRecord creates a PENDING record with a fresh id.
//
// IDs are lowercase ULIDs: millisecond timestamp plus random suffix,
// URL-safe and sortable by creation time.
func NewRecord(cameraURL, streamKey, courtID string) *Record {
	now := time.Now().UTC()
	return &Record{
		ID:        strings.ToLower(ulid.Make().String()),
		CameraURL: cameraURL,
		StreamKey: streamKey,
		CourtID:   courtID,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition moves the record to a new state, enforcing the transition
// table. On ErrInvalidTransition the record is unchanged.
func (r *Record) Transition(to State) error {
	if !canTransition(r.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.State, to)
	}
	r.State = to
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateRunning, StateStopped, StateFailed, StateReconciling:
		return true
	}
	return false
}
