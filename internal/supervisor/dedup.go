// SPDX-License-Identifier: MIT

package supervisor

import (
	"strings"
	"time"

	"github.com/padelgrounds/edge-agent/internal/controlplane"
)

// dedupSet suppresses duplicate control-plane events. The SSE transport
// can replay payloads across reconnects; the fingerprint covers the
// full intent (action, court, stream key, camera, version) so two
// legitimately distinct events never collide.
//
// The set is bounded: when it grows past capacity the oldest half is
// discarded. Entries also expire after a window, so an intentional
// resend later is processed normally and handled by the start
// preconditions instead.
type dedupSet struct {
	capacity int
	window   time.Duration
	entries  map[string]time.Time
	order    []string

	now func() time.Time // test hook
}

func newDedupSet(capacity int, window time.Duration) *dedupSet {
	return &dedupSet{
		capacity: capacity,
		window:   window,
		entries:  make(map[string]time.Time),
		now:      time.Now,
	}
}

func fingerprint(ev controlplane.Event) string {
	return strings.Join([]string{ev.Action, ev.CourtID, ev.StreamKey, ev.CameraURL, ev.Version}, "|")
}

// Seen records ev's fingerprint and reports whether an identical event
// was already seen within the window. Not safe for concurrent use; the
// supervisor actor is the only caller.
func (s *dedupSet) Seen(ev controlplane.Event) bool {
	fp := fingerprint(ev)
	now := s.now()

	if t, ok := s.entries[fp]; ok {
		if now.Sub(t) < s.window {
			return true
		}
		// Expired entry: refresh in place. The fingerprint is already
		// tracked in order; appending again would grow it per event.
		s.entries[fp] = now
		return false
	}

	s.entries[fp] = now
	s.order = append(s.order, fp)

	if len(s.entries) > s.capacity {
		drop := s.order[:len(s.order)/2]
		s.order = s.order[len(s.order)/2:]
		for _, old := range drop {
			delete(s.entries, old)
		}
	}
	return false
}
