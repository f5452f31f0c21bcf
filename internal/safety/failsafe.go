// Package safety holds the body still when the operator link cannot be trusted.
package safety

import (
	"errors"
	"log"
	"sync"
	"time"
)

// ErrNotEngaged is returned when releasing a fail-safe that is not engaged.
var ErrNotEngaged = errors.New("fail-safe not engaged")

// FailSafe is the neutral-hardware hold.
//
// While engaged the patrol loop idles and the body is expected to be still.
// Engage is idempotent: the neutral callback runs once per engagement.
type FailSafe struct {
	mu        sync.Mutex
	engaged   bool
	reason    string
	engagedAt time.Time

	onEngage  func(reason string)
	onRelease func()
	logger    *log.Logger
}

// NewFailSafe creates a released fail-safe.
// onEngage should bring the hardware to neutral. Either callback may be nil.
func NewFailSafe(onEngage func(reason string), onRelease func()) *FailSafe {
	return &FailSafe{
		onEngage:  onEngage,
		onRelease: onRelease,
		logger:    log.Default(),
	}
}

// Engage holds the body neutral. It returns false if already engaged.
func (f *FailSafe) Engage(reason string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.engaged {
		return false
	}

	f.engaged = true
	f.reason = reason
	f.engagedAt = time.Now()
	f.logger.Printf("SAFETY: Fail-safe engaged (%s) - holding body neutral", reason)

	if f.onEngage != nil {
		f.onEngage(reason)
	}
	return true
}

// Release lifts the hold.
func (f *FailSafe) Release() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.engaged {
		return ErrNotEngaged
	}

	held := time.Since(f.engagedAt).Round(time.Millisecond)
	f.engaged = false
	f.reason = ""
	f.logger.Printf("SAFETY: Fail-safe released after %v", held)

	if f.onRelease != nil {
		f.onRelease()
	}
	return nil
}

// IsEngaged reports whether the hold is active.
func (f *FailSafe) IsEngaged() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.engaged
}

// Reason returns why the hold was engaged, or "" when released.
func (f *FailSafe) Reason() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reason
}
