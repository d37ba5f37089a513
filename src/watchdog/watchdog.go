package watchdog

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultTimeout is how long the service may sit idle before it restarts itself.
const DefaultTimeout = 300 * time.Second

type Restarter interface {
	Restart()
}

// Watchdog restarts the process once no request has arrived for timeout.
// Every Reset cancels the pending restart and schedules a new one; the two
// steps happen under one lock, so at most one restart is ever pending.
type Watchdog struct {
	mu         sync.Mutex
	timeout    time.Duration
	restarter  Restarter
	timer      *time.Timer
	generation uint64
	restarting bool
}

func New(timeout time.Duration, restarter Restarter) *Watchdog {
	return &Watchdog{timeout: timeout, restarter: restarter}
}

func (w *Watchdog) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.restarting {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	// A timer that fired but is still waiting for the lock carries an old
	// generation and gives up.
	w.generation++
	gen := w.generation
	w.timer = time.AfterFunc(w.timeout, func() { w.expire(gen) })
}

func (w *Watchdog) expire(gen uint64) {
	w.mu.Lock()
	if gen != w.generation || w.restarting {
		w.mu.Unlock()
		return
	}
	w.restarting = true
	w.timer = nil
	w.mu.Unlock()

	log.Warn("[Watchdog] No requests for ", w.timeout, ", restarting")
	w.restarter.Restart()
}

// RestartNow skips the timer and restarts immediately.
// Calls while a restart is already under way are ignored.
func (w *Watchdog) RestartNow() {
	w.mu.Lock()
	if w.restarting {
		w.mu.Unlock()
		return
	}
	w.restarting = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.generation++
	w.mu.Unlock()

	log.Info("[Watchdog] Restart requested")
	w.restarter.Restart()
}

// Pending reports whether a restart is scheduled.
func (w *Watchdog) Pending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timer != nil
}

// Stop cancels the pending restart without scheduling a new one.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.generation++
}
