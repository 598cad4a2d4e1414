package scheduler

import (
	"sync"

	"github.com/robfig/cron/v3"
)

// timerRegistry tracks the live cron entry for each schedule. Ownership is
// explicit: the Scheduler registers an entry when a timer starts and
// releases it when the timer stops, so there is never a dangling timer for
// a deleted or paused schedule.
type timerRegistry struct {
	mu      sync.Mutex
	entries map[string]cron.EntryID
}

func newTimerRegistry() *timerRegistry {
	return &timerRegistry{entries: make(map[string]cron.EntryID)}
}

// register stores the entry for a schedule, replacing any previous one.
// The previous entry, if any, is returned so the caller can remove it.
func (r *timerRegistry) register(scheduleID string, id cron.EntryID) (cron.EntryID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, had := r.entries[scheduleID]
	r.entries[scheduleID] = id
	return prev, had
}

// release removes and returns the entry for a schedule.
func (r *timerRegistry) release(scheduleID string) (cron.EntryID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.entries[scheduleID]
	if ok {
		delete(r.entries, scheduleID)
	}
	return id, ok
}

// lookup returns the entry for a schedule without removing it.
func (r *timerRegistry) lookup(scheduleID string) (cron.EntryID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.entries[scheduleID]
	return id, ok
}
