package safety

import (
	"log"
	"sync"
	"time"
)

// LinkWatchdog fires when the operator link stays down longer than its timeout.
//
// Invariants:
//   - Arm starts the countdown only if not already armed or triggered
//   - Disarm cancels the countdown and clears the triggered state
//   - The callback runs at most once per arming, outside the watchdog lock
type LinkWatchdog struct {
	timeout time.Duration

	mu        sync.Mutex
	timer     *time.Timer
	gen       uint64
	armed     bool
	triggered bool
	armedAt   time.Time

	onExpire func()
	logger   *log.Logger
}

// NewLinkWatchdog creates a disarmed watchdog.
func NewLinkWatchdog(timeout time.Duration, onExpire func()) *LinkWatchdog {
	return &LinkWatchdog{
		timeout:  timeout,
		onExpire: onExpire,
		logger:   log.Default(),
	}
}

// Arm starts the countdown.
func (w *LinkWatchdog) Arm() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.armed || w.triggered {
		return
	}

	w.gen++
	gen := w.gen
	w.armed = true
	w.armedAt = time.Now()
	w.timer = time.AfterFunc(w.timeout, func() { w.expire(gen) })
	w.logger.Printf("WARN: Link watchdog armed with %v timeout", w.timeout)
}

// Disarm stops the countdown and clears a previous trigger.
func (w *LinkWatchdog) Disarm() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	if w.armed || w.triggered {
		w.logger.Printf("INFO: Link watchdog disarmed")
	}
	w.gen++
	w.armed = false
	w.triggered = false
}

func (w *LinkWatchdog) expire(gen uint64) {
	w.mu.Lock()
	if gen != w.gen || !w.armed {
		w.mu.Unlock()
		return
	}
	w.armed = false
	w.triggered = true
	w.timer = nil
	w.mu.Unlock()

	w.logger.Printf("CRITICAL: Link down for %v - watchdog TRIGGERED", w.timeout)
	if w.onExpire != nil {
		w.onExpire()
	}
}

// IsArmed reports whether the countdown is running.
func (w *LinkWatchdog) IsArmed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.armed
}

// IsTriggered reports whether the watchdog expired since the last Disarm.
func (w *LinkWatchdog) IsTriggered() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.triggered
}

// RemainingMs returns the approximate milliseconds before expiry, or 0 when not armed.
func (w *LinkWatchdog) RemainingMs() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.armed {
		return 0
	}
	remaining := w.timeout - time.Since(w.armedAt)
	if remaining < 0 {
		return 0
	}
	return int(remaining.Milliseconds())
}
