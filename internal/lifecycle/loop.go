// Package lifecycle runs a worker loop on its own goroutine with cooperative
// cancellation and a bounded stop.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// ErrAlreadyRunning is returned by Start when the loop is already running.
var ErrAlreadyRunning = errors.New("loop already running")

// State is the lifecycle flag of a worker loop.
type State int32

const (
	Stopped State = iota
	Running
	StopRequested
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "STOPPED"
	case Running:
		return "RUNNING"
	case StopRequested:
		return "STOP_REQUESTED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// RunFunc is the body of a worker loop. It must return promptly once ctx is done.
// A non-nil error is a fatal loop failure; it is logged and the loop is marked stopped.
type RunFunc func(ctx context.Context) error

// Loop owns one worker goroutine.
//
// Transitions:
//   - Start: STOPPED -> RUNNING
//   - RequestStop: RUNNING -> STOP_REQUESTED (cancels the run context)
//   - run returns: STOP_REQUESTED|RUNNING -> STOPPED
//
// A run that overstays a Stop timeout is abandoned: a later Start launches a new
// generation, and the abandoned run's eventual exit does not touch the new state.
type Loop struct {
	name string

	mu     sync.Mutex
	state  State
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}

	logger *log.Logger
}

// New creates a stopped loop. name is used in log lines.
func New(name string) *Loop {
	done := make(chan struct{})
	close(done)
	return &Loop{
		name:   name,
		done:   done,
		logger: log.Default(),
	}
}

// Name returns the loop name.
func (l *Loop) Name() string {
	return l.name
}

// State returns the current lifecycle flag.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Done returns a channel closed when the current run exits.
func (l *Loop) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

// Start launches run on a new goroutine. It returns ErrAlreadyRunning if the loop
// is RUNNING. A loop in STOP_REQUESTED whose previous run has not exited yet is
// restarted as a new generation.
func (l *Loop) Start(parent context.Context, run RunFunc) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case Running:
		return ErrAlreadyRunning
	case StopRequested:
		l.logger.Printf("WARN: %s loop restarted before previous run exited", l.name)
	}

	ctx, cancel := context.WithCancel(parent)
	l.gen++
	gen := l.gen
	done := make(chan struct{})

	l.state = Running
	l.cancel = cancel
	l.done = done

	go l.run(ctx, gen, done, run)
	return nil
}

func (l *Loop) run(ctx context.Context, gen uint64, done chan struct{}, run RunFunc) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil && ctx.Err() == nil {
			l.logger.Printf("ERROR: %s loop exited: %v", l.name, err)
		}

		l.mu.Lock()
		if l.gen == gen {
			l.state = Stopped
			l.cancel()
		}
		l.mu.Unlock()
		close(done)
	}()

	err = run(ctx)
}

// RequestStop asks the running loop to exit without waiting for it.
func (l *Loop) RequestStop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != Running {
		return
	}
	l.state = StopRequested
	l.cancel()
}

// Stop requests a stop and waits up to timeout for the loop to exit.
// It returns false if the loop did not exit in time; the caller proceeds regardless.
func (l *Loop) Stop(timeout time.Duration) bool {
	l.RequestStop()
	done := l.Done()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		l.logger.Printf("WARN: %s loop did not stop within %v", l.name, timeout)
		return false
	}
}
