package ingest

import (
	"sync/atomic"
	"time"
)

// Activity is the lock-free "is realtime active" signal shared between
// the live and backfill loops: the live loop stamps it on every event,
// the backfill loop reads it to choose its idle sleep interval.
type Activity struct {
	active     atomic.Bool
	lastUpdate atomic.Int64 // unix nanos
}

// Touch marks realtime activity now.
func (a *Activity) Touch() {
	a.active.Store(true)
	a.lastUpdate.Store(time.Now().UnixNano())
}

// Active reports whether realtime events arrived within window.
func (a *Activity) Active(window time.Duration) bool {
	if !a.active.Load() {
		return false
	}
	return time.Since(time.Unix(0, a.lastUpdate.Load())) <= window
}

// LastUpdate returns the instant of the most recent realtime event.
func (a *Activity) LastUpdate() time.Time {
	return time.Unix(0, a.lastUpdate.Load())
}
