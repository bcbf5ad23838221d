// SPDX-License-Identifier: MIT

// Package controlplane maintains the agent's side of the control-plane
// protocol: a single long-lived SSE subscription delivering intent, plus
// the go-live and heartbeat notification calls.
package controlplane

import "encoding/json"

// Known event actions. Unknown actions are tolerated: the supervisor
// logs and drops them.
const (
	ActionStart         = "start"
	ActionStop          = "stop"
	ActionVersionUpdate = "version-update"
)

// Event is one inbound control-plane event.
type Event struct {
	Action             string `json:"action"`
	CameraURL          string `json:"cameraUrl,omitempty"`
	StreamKey          string `json:"streamKey,omitempty"`
	CourtID            string `json:"courtId,omitempty"`
	Version            string `json:"version,omitempty"`
	Timestamp          string `json:"timestamp,omitempty"`
	ReconciliationMode bool   `json:"reconciliation_mode,omitempty"`
}

// Handler consumes validated events in arrival order.
type Handler func(Event)

// parseEvent decodes one SSE data payload. It returns false for
// payloads that must be dropped: invalid JSON, missing action, or
// stream events without camera URL and stream key.
func parseEvent(data []byte) (Event, bool) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, false
	}
	if ev.Action == "" {
		return Event{}, false
	}
	if ev.Action == ActionStart || ev.Action == ActionStop {
		if ev.CameraURL == "" || ev.StreamKey == "" {
			return Event{}, false
		}
	}
	return ev, true
}
