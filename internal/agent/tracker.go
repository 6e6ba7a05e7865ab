package agent

import (
	"maps"
	"slices"
)

// Tracker turns successive port scans into forward requests. A port must
// be seen listening in two consecutive scans before it is started, and be
// missing from two consecutive scans before it is stopped, so short-lived
// listeners do not flap forwards on the host.
type Tracker struct {
	exclude      map[uint16]struct{}
	forwarded    map[uint16]struct{}
	pendingStart map[uint16]struct{}
	pendingStop  map[uint16]struct{}
}

// NewTracker returns a tracker that never forwards the excluded ports.
func NewTracker(exclude []uint16) *Tracker {
	t := &Tracker{exclude: make(map[uint16]struct{}, len(exclude))}
	for _, p := range exclude {
		t.exclude[p] = struct{}{}
	}
	t.Reset()
	return t
}

// Observe records one scan and returns the ports to start and stop, both
// sorted. Returned ports are assumed requested.
func (t *Tracker) Observe(listening []uint16) (start, stop []uint16) {
	current := make(map[uint16]struct{}, len(listening))
	for _, p := range listening {
		current[p] = struct{}{}
	}

	fresh := make(map[uint16]struct{})
	for p := range current {
		if _, ok := t.forwarded[p]; ok {
			continue
		}
		if _, ok := t.exclude[p]; ok {
			continue
		}
		fresh[p] = struct{}{}
	}
	gone := make(map[uint16]struct{})
	for p := range t.forwarded {
		if _, ok := current[p]; !ok {
			gone[p] = struct{}{}
		}
	}

	for p := range fresh {
		if _, ok := t.pendingStart[p]; ok {
			start = append(start, p)
			t.forwarded[p] = struct{}{}
			delete(fresh, p)
		}
	}
	t.pendingStart = fresh

	for p := range gone {
		if _, ok := t.pendingStop[p]; ok {
			stop = append(stop, p)
			delete(t.forwarded, p)
			delete(gone, p)
		}
	}
	t.pendingStop = gone

	slices.Sort(start)
	slices.Sort(stop)
	return start, stop
}

// Reset forgets everything requested so far, after the control connection
// was lost and the host released this agent's forwards.
func (t *Tracker) Reset() {
	t.forwarded = make(map[uint16]struct{})
	t.pendingStart = make(map[uint16]struct{})
	t.pendingStop = make(map[uint16]struct{})
}

// Forwarded returns the ports currently requested, sorted.
func (t *Tracker) Forwarded() []uint16 {
	return slices.Sorted(maps.Keys(t.forwarded))
}
