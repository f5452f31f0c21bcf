// Package patrol runs the proximity-reactive walking loop.
package patrol

import (
	"context"
	"log"
	"time"

	"github.com/Adam-Doria/GuardDog/internal/hardware"
	"github.com/Adam-Doria/GuardDog/internal/lifecycle"
	"github.com/Adam-Doria/GuardDog/internal/mode"
)

// ModeReader exposes the global mode. The worker reads it every iteration and never caches it.
type ModeReader interface {
	Current() mode.Mode
}

// HoldReader reports whether the fail-safe currently holds the body still.
type HoldReader interface {
	IsEngaged() bool
}

// Options tunes the patrol loop.
type Options struct {
	Interval         time.Duration // one iteration per interval
	DangerDistanceCm float64       // readings strictly below trigger the danger reaction
	AlertDuration    time.Duration // how long the danger reaction lasts
}

// DefaultOptions returns the tuning used on the robot.
func DefaultOptions() Options {
	return Options{
		Interval:         time.Second,
		DangerDistanceCm: 20,
		AlertDuration:    3 * time.Second,
	}
}

// Worker walks while the mode is PATROL and reacts when something comes too close.
// It keeps running in ALERT, idling, and only exits on Stop.
type Worker struct {
	modes ModeReader
	hold  HoldReader
	hw    hardware.Driver
	opts  Options

	loop   *lifecycle.Loop
	logger *log.Logger
}

// NewWorker creates a stopped patrol worker. hold may be nil.
func NewWorker(modes ModeReader, hold HoldReader, hw hardware.Driver, opts Options) *Worker {
	def := DefaultOptions()
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.DangerDistanceCm <= 0 {
		opts.DangerDistanceCm = def.DangerDistanceCm
	}
	if opts.AlertDuration <= 0 {
		opts.AlertDuration = def.AlertDuration
	}
	return &Worker{
		modes:  modes,
		hold:   hold,
		hw:     hw,
		opts:   opts,
		loop:   lifecycle.New("patrol"),
		logger: log.Default(),
	}
}

// Start launches the loop. Starting a running worker is a no-op.
func (w *Worker) Start() {
	if err := w.loop.Start(context.Background(), w.run); err != nil {
		return
	}
	w.logger.Printf("INFO: Patrol loop started (every %v, danger < %.0f cm)", w.opts.Interval, w.opts.DangerDistanceCm)
}

// Stop asks the loop to exit and waits up to timeout.
func (w *Worker) Stop(timeout time.Duration) bool {
	return w.loop.Stop(timeout)
}

// State returns the loop's lifecycle flag.
func (w *Worker) State() lifecycle.State {
	return w.loop.State()
}

func (w *Worker) run(ctx context.Context) error {
	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	for {
		w.iterate(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (w *Worker) iterate(ctx context.Context) {
	if !w.canMove(ctx) {
		return
	}

	if w.obstacleAhead() {
		w.dangerReaction(ctx)
		return
	}

	// The distance read may take a while on the serial link.
	if !w.canMove(ctx) {
		return
	}
	if err := w.hw.PerformPatrolStep(); err != nil {
		w.logger.Printf("WARN: Patrol step failed: %v", err)
	}
}

// canMove is checked right before every motion command.
func (w *Worker) canMove(ctx context.Context) bool {
	return ctx.Err() == nil && w.modes.Current() == mode.Patrol && !w.held()
}

func (w *Worker) held() bool {
	return w.hold != nil && w.hold.IsEngaged()
}

// obstacleAhead treats a missing reading or a sensor error as a clear path.
func (w *Worker) obstacleAhead() bool {
	r, err := w.hw.Distance()
	if err != nil {
		w.logger.Printf("WARN: Distance read failed: %v", err)
		return false
	}
	return r.Valid && r.Centimeters < w.opts.DangerDistanceCm
}

func (w *Worker) dangerReaction(ctx context.Context) {
	w.logger.Printf("INFO: Obstacle closer than %.0f cm, reacting", w.opts.DangerDistanceCm)

	if err := w.hw.StartAlertReaction(); err != nil {
		w.logger.Printf("WARN: Start alert reaction failed: %v", err)
	}

	timer := time.NewTimer(w.opts.AlertDuration)
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	timer.Stop()

	// In ALERT the controller owns the alert reaction; leave it running.
	if w.modes.Current() != mode.Patrol {
		return
	}
	if w.held() {
		// Already neutral.
		return
	}
	if err := w.hw.StopAlertReaction(); err != nil {
		w.logger.Printf("WARN: Stop alert reaction failed: %v", err)
	}
	if !w.canMove(ctx) {
		return
	}
	if err := w.hw.PerformTurn(); err != nil {
		w.logger.Printf("WARN: Turn failed: %v", err)
	}
}
