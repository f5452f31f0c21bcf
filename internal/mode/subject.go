package mode

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/samber/lo"
)

// Subject owns the current Mode and notifies subscribers when it changes.
//
// Invariants:
//   - Exactly one current mode; only SetMode mutates it
//   - Notification is synchronous, sequential and in registration order
//   - Every subscriber has been notified before SetMode returns
//   - A failing subscriber never prevents delivery to the others
//   - Current() is lock-free and safe to call from any goroutine
type Subject struct {
	current atomic.Int32

	// notifyMu serializes transitions so notifications never interleave.
	notifyMu sync.Mutex

	subsMu sync.RWMutex
	subs   []Subscriber

	logger *log.Logger
}

// NewSubject creates a Subject in the given initial mode. No notification is sent.
func NewSubject(initial Mode) *Subject {
	s := &Subject{logger: log.Default()}
	s.current.Store(int32(initial))
	return s
}

// Attach registers a subscriber. Duplicates are ignored.
func (s *Subject) Attach(sub Subscriber) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	if lo.Contains(s.subs, sub) {
		return
	}
	s.subs = append(s.subs, sub)
}

// Detach removes a subscriber. Absent subscribers are ignored.
func (s *Subject) Detach(sub Subscriber) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	s.subs = lo.Without(s.subs, sub)
}

// Current returns the current mode.
func (s *Subject) Current() Mode {
	return Mode(s.current.Load())
}

// SetMode transitions to target and notifies all subscribers.
// Returns false (and notifies nobody) when target is already the current mode.
func (s *Subject) SetMode(target Mode) bool {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	previous := Mode(s.current.Load())
	if previous == target {
		return false
	}

	s.current.Store(int32(target))
	s.logger.Printf("INFO: Mode %s -> %s", previous, target)
	s.notify(target)
	return true
}

// Announce notifies every subscriber of the current mode without changing it.
// Used once at startup to bring subscribers in line with the initial mode.
func (s *Subject) Announce() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	m := Mode(s.current.Load())
	s.logger.Printf("INFO: Announcing mode %s", m)
	s.notify(m)
}

// Subscribers returns a copy of the registered subscribers in notification order.
func (s *Subject) Subscribers() []Subscriber {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()

	out := make([]Subscriber, len(s.subs))
	copy(out, s.subs)
	return out
}

func (s *Subject) notify(m Mode) {
	for _, sub := range s.Subscribers() {
		if err := s.deliver(sub, m); err != nil {
			s.logger.Printf("ERROR: Mode subscriber %T failed on %s: %v", sub, m, err)
		}
	}
}

// deliver calls one subscriber, converting a panic into an error.
func (s *Subject) deliver(sub Subscriber, m Mode) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return sub.OnModeChanged(m)
}
