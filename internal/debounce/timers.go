package debounce

import (
	"sync"
	"time"
)

// FireFunc is invoked when an armed timer expires. gen identifies the arming
// and must be passed to TimerRegistry.Expire to claim the expiry.
type FireFunc func(session string, gen uint64)

type timerEntry struct {
	timer *time.Timer
	gen   uint64
}

// TimerRegistry owns at most one cancellable delay per session.
// Arming a session always cancels the delay armed before it.
type TimerRegistry struct {
	mu     sync.Mutex
	timers map[string]*timerEntry
	gen    uint64
}

// NewTimerRegistry creates an empty registry.
func NewTimerRegistry() *TimerRegistry {
	return &TimerRegistry{timers: make(map[string]*timerEntry)}
}

// Arm schedules fn after delay for session, replacing any armed timer.
// Returns the generation of the new timer.
func (r *TimerRegistry) Arm(session string, delay time.Duration, fn FireFunc) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.timers[session]; ok {
		prev.timer.Stop()
	}

	r.gen++
	gen := r.gen
	r.timers[session] = &timerEntry{
		gen:   gen,
		timer: time.AfterFunc(delay, func() { fn(session, gen) }),
	}
	return gen
}

// CancelIfArmed stops and forgets the timer for session.
// Returns false when nothing was armed.
func (r *TimerRegistry) CancelIfArmed(session string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.timers[session]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(r.timers, session)
	return true
}

// Expire removes the entry for session if gen is still the armed generation.
// A false return means the timer was superseded or cancelled after its
// callback had already started, and the callback must do nothing.
func (r *TimerRegistry) Expire(session string, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.timers[session]
	if !ok || entry.gen != gen {
		return false
	}
	delete(r.timers, session)
	return true
}

// Armed reports whether a timer is live for session.
func (r *TimerRegistry) Armed(session string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.timers[session]
	return ok
}

// Len returns the number of armed timers.
func (r *TimerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// Stop cancels every armed timer and returns how many were cancelled.
func (r *TimerRegistry) Stop() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.timers)
	for session, entry := range r.timers {
		entry.timer.Stop()
		delete(r.timers, session)
	}
	return n
}
