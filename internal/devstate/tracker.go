// Package devstate tracks the latest event timestamp per device for one
// stream. Upstream providers return the latest known position for every
// device on every fetch, so without this admission gate identical positions
// would be retransmitted on every poll. The tracker enforces a
// monotonic-per-device rule: an event is admitted only when its timestamp is
// strictly newer than the last admitted one.
package devstate

import (
	"sync"
	"time"
)

// entry is the per-device record.
type entry struct {
	lastEvent time.Time
	lastSeen  time.Time
}

// Tracker is owned by a single stream worker. The mutex exists only so that
// Snapshot may be called from the health/metrics path while the worker runs.
type Tracker struct {
	mu      sync.Mutex
	devices map[string]entry
	deduped int64
	now     func() time.Time
}

// New returns an empty tracker.
func New() *Tracker {
	return &Tracker{
		devices: make(map[string]entry),
		now:     time.Now,
	}
}

// Admit reports whether an event at eventTS for uid is strictly newer than
// anything seen before. On admission the stored timestamp and wall clock are
// updated atomically; on rejection the dedup counter is incremented.
func (t *Tracker) Admit(uid string, eventTS time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.devices[uid]
	if ok && !eventTS.After(e.lastEvent) {
		t.deduped++
		return false
	}
	t.devices[uid] = entry{lastEvent: eventTS, lastSeen: t.now()}
	return true
}

// ForgetOlderThan purges devices not seen within ttl and returns how many
// were removed.
func (t *Tracker) ForgetOlderThan(ttl time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-ttl)
	removed := 0
	for uid, e := range t.devices {
		if e.lastSeen.Before(cutoff) {
			delete(t.devices, uid)
			removed++
		}
	}
	return removed
}

// Snapshot is an observability view of the tracker.
type Snapshot struct {
	Devices  int
	Deduped  int64
	LastSeen map[string]time.Time
}

// Snapshot returns the current device count, dedup counter, and per-device
// last-seen wall clocks. The returned map is a copy.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[string]time.Time, len(t.devices))
	for uid, e := range t.devices {
		seen[uid] = e.lastSeen
	}
	return Snapshot{
		Devices:  len(t.devices),
		Deduped:  t.deduped,
		LastSeen: seen,
	}
}
