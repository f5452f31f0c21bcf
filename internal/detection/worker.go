// Package detection runs the background sampling loop that turns noisy
// classifier output into a single debounced trigger.
package detection

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Adam-Doria/GuardDog/internal/camera"
	"github.com/Adam-Doria/GuardDog/internal/classifier"
	"github.com/Adam-Doria/GuardDog/internal/lifecycle"
	"github.com/Adam-Doria/GuardDog/internal/mode"
)

// MinStreakThreshold is the lowest accepted streak threshold. A single positive never triggers.
const MinStreakThreshold = 2

// FrameSource yields the most recent frame without blocking.
type FrameSource interface {
	LatestFrame() (*camera.Frame, bool)
}

// TriggerEvent is produced once per activation when the streak threshold is reached.
type TriggerEvent struct {
	ID         string
	Label      string
	Confidence float64
	Timestamp  time.Time
	Image      []byte
}

// TriggerFunc receives the trigger. It runs on its own goroutine.
type TriggerFunc func(TriggerEvent)

// Options tunes the sampling loop.
type Options struct {
	TargetLabel         string
	ConfidenceThreshold float64 // percent, strictly exceeded
	FrameSkip           int     // classify every Nth distinct frame
	StreakThreshold     int
	IdleDelay           time.Duration // wait when no new frame is available
	StopTimeout         time.Duration
}

// DefaultOptions returns the tuning used on the robot.
func DefaultOptions() Options {
	return Options{
		TargetLabel:         "Man",
		ConfidenceThreshold: 85,
		FrameSkip:           48,
		StreakThreshold:     MinStreakThreshold,
		IdleDelay:           20 * time.Millisecond,
		StopTimeout:         5 * time.Second,
	}
}

func (o Options) normalized() Options {
	def := DefaultOptions()
	if o.TargetLabel == "" {
		o.TargetLabel = def.TargetLabel
	}
	if o.FrameSkip <= 0 {
		o.FrameSkip = 1
	}
	if o.StreakThreshold < MinStreakThreshold {
		o.StreakThreshold = MinStreakThreshold
	}
	if o.IdleDelay <= 0 {
		o.IdleDelay = def.IdleDelay
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = def.StopTimeout
	}
	return o
}

// Worker subscribes to mode changes: it samples while the robot patrols and
// stays idle otherwise.
//
// Invariants:
//   - The streak is zero whenever the worker is (re)activated or deactivated
//   - Each activation produces at most one trigger
//   - The intent flag is updated before OnModeChanged returns
type Worker struct {
	source     FrameSource
	classifier classifier.Classifier
	opts       Options
	onTrigger  TriggerFunc

	loop   *lifecycle.Loop
	active atomic.Bool
	streak atomic.Int32

	intentMu    sync.Mutex
	activations uint64 // guarded by intentMu

	logger *log.Logger
}

// NewWorker creates an inactive worker.
func NewWorker(source FrameSource, cls classifier.Classifier, opts Options, onTrigger TriggerFunc) *Worker {
	return &Worker{
		source:     source,
		classifier: cls,
		opts:       opts.normalized(),
		onTrigger:  onTrigger,
		loop:       lifecycle.New("detection"),
		logger:     log.Default(),
	}
}

// OnModeChanged implements mode.Subscriber.
func (w *Worker) OnModeChanged(m mode.Mode) error {
	if m == mode.Patrol {
		w.activate()
		return nil
	}
	w.deactivate()
	return nil
}

// Active reports whether the worker intends to sample.
func (w *Worker) Active() bool {
	return w.active.Load()
}

// Streak returns the current number of consecutive positives.
func (w *Worker) Streak() int {
	return int(w.streak.Load())
}

// State returns the sampling loop's lifecycle flag.
func (w *Worker) State() lifecycle.State {
	return w.loop.State()
}

// Stop deactivates the worker and waits up to timeout for the loop to exit.
func (w *Worker) Stop(timeout time.Duration) bool {
	w.active.Store(false)
	ok := w.loop.Stop(timeout)
	w.streak.Store(0)
	return ok
}

func (w *Worker) activate() {
	w.intentMu.Lock()
	w.activations++
	gen := w.activations
	w.active.Store(true)
	w.intentMu.Unlock()
	w.streak.Store(0)

	run := func(ctx context.Context) error { return w.run(ctx, gen) }
	if err := w.loop.Start(context.Background(), run); err != nil {
		w.logger.Printf("DEBUG: Detection not started: %v", err)
		return
	}
	w.logger.Printf("INFO: Detection started (label=%s, threshold=%.0f%%, every %d frames, streak %d)",
		w.opts.TargetLabel, w.opts.ConfidenceThreshold, w.opts.FrameSkip, w.opts.StreakThreshold)
}

func (w *Worker) deactivate() {
	w.intentMu.Lock()
	w.active.Store(false)
	w.intentMu.Unlock()
	w.loop.Stop(w.opts.StopTimeout)
	w.streak.Store(0)
	w.logger.Printf("INFO: Detection paused")
}

func (w *Worker) run(ctx context.Context, gen uint64) error {
	if opener, ok := w.source.(camera.Opener); ok {
		for {
			err := opener.Open(ctx)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return nil
			}
			next, retry := w.openFailed(gen)
			if !retry {
				// A later PATROL notification retries.
				return fmt.Errorf("open frame source: %w", err)
			}
			w.logger.Printf("WARN: Frame source open failed (%v), retrying for a newer activation", err)
			gen = next
			if !sleep(ctx, w.opts.IdleDelay) {
				return nil
			}
		}
		defer func() {
			if err := opener.Close(); err != nil {
				w.logger.Printf("WARN: Failed to close frame source: %v", err)
			}
		}()
	}

	var lastSeq uint64
	var distinct int
	for {
		if ctx.Err() != nil || !w.active.Load() {
			return nil
		}

		frame, ok := w.source.LatestFrame()
		if !ok || frame.Seq == lastSeq {
			if !sleep(ctx, w.opts.IdleDelay) {
				return nil
			}
			continue
		}
		lastSeq = frame.Seq
		distinct++
		if distinct%w.opts.FrameSkip != 0 {
			continue
		}

		det, positive := w.sample(ctx, frame)
		if ctx.Err() != nil {
			return nil
		}
		if !positive {
			w.streak.Store(0)
			continue
		}

		n := int(w.streak.Add(1))
		w.logger.Printf("INFO: Positive %s %.1f%% (streak %d/%d)", det.Category, det.Confidence, n, w.opts.StreakThreshold)
		if n >= w.opts.StreakThreshold {
			w.fire(frame, det)
			return nil
		}
	}
}

// openFailed clears the intent flag unless an activation newer than gen
// arrived while Open was running. In that case it returns the newer one.
func (w *Worker) openFailed(gen uint64) (uint64, bool) {
	w.intentMu.Lock()
	defer w.intentMu.Unlock()
	if w.activations == gen || !w.active.Load() {
		w.active.Store(false)
		return 0, false
	}
	return w.activations, true
}

// sample classifies one frame. Errors, empty results and low confidence are all negatives.
func (w *Worker) sample(ctx context.Context, frame *camera.Frame) (classifier.Detection, bool) {
	res, err := w.classifier.Classify(ctx, frame)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Printf("WARN: Classification failed: %v", err)
		}
		return classifier.Detection{}, false
	}

	det, ok := res.Best(w.opts.TargetLabel)
	if !ok || det.Confidence <= w.opts.ConfidenceThreshold {
		return det, false
	}
	return det, true
}

func (w *Worker) fire(frame *camera.Frame, det classifier.Detection) {
	w.active.Store(false)
	w.streak.Store(0)
	w.loop.RequestStop()

	ev := TriggerEvent{
		ID:         uuid.NewString(),
		Label:      det.Category,
		Confidence: det.Confidence,
		Timestamp:  time.Now().UTC(),
		Image:      frame.Data,
	}
	w.logger.Printf("INFO: Trigger %s fired (%s %.1f%%)", ev.ID, ev.Label, ev.Confidence)

	if w.onTrigger != nil {
		// The receiver switches to ALERT, which joins this loop.
		go w.onTrigger(ev)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
