// Package controller wires the mode subject, the two worker loops, the operator
// link and the safety layer into the robot's top-level behaviour.
package controller

import (
	"context"
	"encoding/base64"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Adam-Doria/GuardDog/internal/classifier"
	"github.com/Adam-Doria/GuardDog/internal/contracts"
	"github.com/Adam-Doria/GuardDog/internal/detection"
	"github.com/Adam-Doria/GuardDog/internal/hardware"
	"github.com/Adam-Doria/GuardDog/internal/mode"
	"github.com/Adam-Doria/GuardDog/internal/patrol"
	"github.com/Adam-Doria/GuardDog/internal/remote"
	"github.com/Adam-Doria/GuardDog/internal/safety"
	"github.com/Adam-Doria/GuardDog/internal/snapshot"
)

// Journal kinds recorded by the controller.
const (
	KindMode     = "mode"
	KindTrigger  = "trigger"
	KindLink     = "link"
	KindFailSafe = "failsafe"
	KindSnapshot = "snapshot"
)

// Journal records controller events. Implemented by client.RedisJournal.
type Journal interface {
	RecordEvent(ctx context.Context, kind string, data any) error
}

// Deps are the components the controller drives. Journal and Snapshots may be nil.
type Deps struct {
	Frames     detection.FrameSource
	Classifier classifier.Classifier
	Hardware   hardware.Driver
	Link       *remote.Link
	Journal    Journal
	Snapshots  snapshot.Store
}

// Options configures the controller.
type Options struct {
	RobotID      string
	Detection    detection.Options
	Patrol       patrol.Options
	StopTimeout  time.Duration // bounded wait for each worker loop
	LinkTimeout  time.Duration // outage tolerated in PATROL before the fail-safe engages
	StartOffline bool          // patrol even if the link never came up
}

// Status is a point-in-time view of the controller.
type Status struct {
	Mode                string `json:"mode"`
	Link                string `json:"link"`
	FailSafe            bool   `json:"failsafe_engaged"`
	FailSafeReason      string `json:"failsafe_reason,omitempty"`
	WatchdogArmed       bool   `json:"watchdog_armed"`
	WatchdogRemainingMs int    `json:"watchdog_remaining_ms,omitempty"`
	DetectionActive     bool   `json:"detection_active"`
	Detection           string `json:"detection"`
	Patrol              string `json:"patrol"`
	Streak              int    `json:"streak"`
	LastTriggerAtMs     int64  `json:"last_trigger_at_ms,omitempty"`
	UnsentTrigger       bool   `json:"unsent_trigger"`
}

// Controller reacts to mode changes, triggers, lift-alert commands and link events.
//
// Invariants:
//   - The detection worker is notified before the controller on every transition
//   - A trigger is honoured only in PATROL, a lift-alert only in ALERT
//   - While the fail-safe is engaged no posture or reaction is started
type Controller struct {
	opts      Options
	modes     *mode.Subject
	detector  *detection.Worker
	patrol    *patrol.Worker
	link      *remote.Link
	hw        hardware.Driver
	journal   Journal
	snapshots snapshot.Store

	failsafe *safety.FailSafe
	watchdog *safety.LinkWatchdog

	// transitionMu serializes the check-then-set of triggers and lift-alerts.
	transitionMu sync.Mutex

	pendingMu sync.Mutex
	pending   *detection.TriggerEvent
	unsent    *contracts.IntruderDetected

	announced     atomic.Bool
	stopping      atomic.Bool
	lastTriggerAt atomic.Int64

	uploads sync.WaitGroup
	logger  *log.Logger
}

// New builds a controller in PATROL. Nothing moves until Start.
func New(deps Deps, opts Options) *Controller {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}
	if opts.LinkTimeout <= 0 {
		opts.LinkTimeout = 10 * time.Second
	}
	opts.Detection.StopTimeout = opts.StopTimeout

	c := &Controller{
		opts:      opts,
		modes:     mode.NewSubject(mode.Patrol),
		link:      deps.Link,
		hw:        deps.Hardware,
		journal:   deps.Journal,
		snapshots: deps.Snapshots,
		logger:    log.Default(),
	}

	c.failsafe = safety.NewFailSafe(c.neutralize, c.restore)
	c.watchdog = safety.NewLinkWatchdog(opts.LinkTimeout, func() {
		if c.failsafe.Engage("operator link lost for " + opts.LinkTimeout.String()) {
			c.record(KindFailSafe, map[string]any{"engaged": true, "reason": "link timeout"})
		}
	})
	c.detector = detection.NewWorker(deps.Frames, deps.Classifier, opts.Detection, c.onTrigger)
	c.patrol = patrol.NewWorker(c.modes, c.failsafe, deps.Hardware, opts.Patrol)

	return c
}

// Mode returns the current global mode.
func (c *Controller) Mode() mode.Mode {
	return c.modes.Current()
}

// Start subscribes the workers and connects the link. The first link up
// announces PATROL; with StartOffline the announcement does not wait for it.
func (c *Controller) Start(ctx context.Context) {
	c.modes.Attach(c.detector)
	c.modes.Attach(c)

	c.link.SetHandlers(remote.Handlers{
		OnConnected:    c.onLinkUp,
		OnDisconnected: c.onLinkDown,
		OnLiftAlert:    func([]byte) { c.LiftAlert() },
	})

	if err := c.link.Connect(ctx); err != nil {
		c.logger.Printf("WARN: Operator link not up yet: %v (retrying in background)", err)
	}

	if c.opts.StartOffline && c.link.State() != remote.Connected {
		c.logger.Printf("INFO: Starting offline, patrolling without operator link")
		c.announce()
	}
}

// Stop halts both loops, closes the link and parks the body.
// Every step runs even if an earlier one fails.
func (c *Controller) Stop(ctx context.Context) error {
	c.stopping.Store(true)
	c.watchdog.Disarm()

	if !c.patrol.Stop(c.opts.StopTimeout) {
		c.logger.Printf("WARN: Patrol loop did not stop within %v", c.opts.StopTimeout)
	}

	c.modes.Detach(c)
	c.modes.Detach(c.detector)
	if !c.detector.Stop(c.opts.StopTimeout) {
		c.logger.Printf("WARN: Detection loop did not stop within %v", c.opts.StopTimeout)
	}
	c.uploads.Wait()

	var errs []error
	if err := c.link.Disconnect(ctx); err != nil {
		c.logger.Printf("ERROR: Operator link close failed: %v", err)
		errs = append(errs, err)
	}
	if err := c.hw.Shutdown(); err != nil {
		c.logger.Printf("ERROR: Hardware shutdown failed: %v", err)
		errs = append(errs, err)
	}

	c.logger.Printf("INFO: Controller stopped")
	return errors.Join(errs...)
}

// OnModeChanged implements mode.Subscriber. It runs after the detection worker.
func (c *Controller) OnModeChanged(m mode.Mode) error {
	switch m {
	case mode.Patrol:
		c.enterPatrol()
	case mode.Alert:
		c.enterAlert()
	}
	c.record(KindMode, map[string]any{"mode": m.String()})
	return nil
}

// LiftAlert returns to PATROL. It is ignored outside ALERT.
func (c *Controller) LiftAlert() bool {
	if c.stopping.Load() {
		return false
	}

	c.transitionMu.Lock()
	defer c.transitionMu.Unlock()

	if c.modes.Current() != mode.Alert {
		c.logger.Printf("INFO: Lift-alert ignored in %s", c.modes.Current())
		return false
	}
	c.logger.Printf("INFO: Alert lifted by operator")
	return c.modes.SetMode(mode.Patrol)
}

func (c *Controller) onTrigger(ev detection.TriggerEvent) {
	if c.stopping.Load() {
		return
	}

	c.transitionMu.Lock()
	defer c.transitionMu.Unlock()

	if c.modes.Current() != mode.Patrol {
		c.logger.Printf("INFO: Trigger %s ignored in %s", ev.ID, c.modes.Current())
		return
	}

	c.pendingMu.Lock()
	c.pending = &ev
	c.pendingMu.Unlock()
	c.lastTriggerAt.Store(ev.Timestamp.UnixMilli())

	c.modes.SetMode(mode.Alert)
}

func (c *Controller) enterPatrol() {
	c.pendingMu.Lock()
	if c.unsent != nil {
		c.logger.Printf("INFO: Dropping undelivered trigger %s, alert lifted", c.unsent.EventID)
		c.unsent = nil
	}
	c.pendingMu.Unlock()

	if !c.failsafe.IsEngaged() {
		if err := c.hw.StopAlertReaction(); err != nil {
			c.logger.Printf("WARN: Stop alert reaction failed: %v", err)
		}
		if err := c.hw.StartPatrolPosture(); err != nil {
			c.logger.Printf("WARN: Start patrol posture failed: %v", err)
		}
	}
	c.patrol.Start()
}

func (c *Controller) enterAlert() {
	// An armed watchdog means the link dropped during PATROL and is still down.
	if c.watchdog.IsArmed() && c.link.State() != remote.Connected {
		if c.failsafe.Engage("alert raised while operator link is down") {
			c.record(KindFailSafe, map[string]any{"engaged": true, "reason": "alert during link outage"})
		}
	}

	if !c.failsafe.IsEngaged() {
		if err := c.hw.StopPatrolPosture(); err != nil {
			c.logger.Printf("WARN: Stop patrol posture failed: %v", err)
		}
		if err := c.hw.StartAlertReaction(); err != nil {
			c.logger.Printf("WARN: Start alert reaction failed: %v", err)
		}
	}

	c.pendingMu.Lock()
	ev := c.pending
	c.pending = nil
	c.pendingMu.Unlock()
	if ev == nil {
		return
	}

	msg := c.intruderMessage(*ev)
	c.emit(msg)
	c.record(KindTrigger, map[string]any{
		"event_id":   ev.ID,
		"category":   ev.Label,
		"confidence": ev.Confidence,
		"timestamp":  msg.Timestamp,
	})
	c.archive(*ev)
}

func (c *Controller) intruderMessage(ev detection.TriggerEvent) contracts.IntruderDetected {
	msg := contracts.IntruderDetected{
		EventID:    ev.ID,
		Category:   ev.Label,
		Confidence: ev.Confidence,
		Timestamp:  ev.Timestamp.UnixMilli(),
		RobotID:    c.opts.RobotID,
	}
	if len(ev.Image) > 0 {
		msg.Image = base64.StdEncoding.EncodeToString(ev.Image)
	}
	return msg
}

// emit sends the trigger now or keeps it for the next link up.
func (c *Controller) emit(msg contracts.IntruderDetected) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.link.EmitTrigger(ctx, msg); err != nil {
		c.logger.Printf("WARN: Trigger %s not delivered: %v (will resend on reconnect)", msg.EventID, err)
		c.pendingMu.Lock()
		c.unsent = &msg
		c.pendingMu.Unlock()
		return
	}

	c.pendingMu.Lock()
	c.unsent = nil
	c.pendingMu.Unlock()
	c.logger.Printf("INFO: Trigger %s delivered to operator", msg.EventID)
}

func (c *Controller) archive(ev detection.TriggerEvent) {
	if c.snapshots == nil || len(ev.Image) == 0 {
		return
	}

	c.uploads.Add(1)
	go func() {
		defer c.uploads.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		key, err := c.snapshots.Save(ctx, c.opts.RobotID, ev.ID, ev.Timestamp, ev.Image)
		if err != nil {
			c.logger.Printf("WARN: Snapshot for %s not archived: %v", ev.ID, err)
			return
		}
		c.logger.Printf("INFO: Snapshot archived as %s", key)
		c.record(KindSnapshot, map[string]any{"event_id": ev.ID, "key": key})
	}()
}

func (c *Controller) announce() {
	if !c.announced.CompareAndSwap(false, true) {
		return
	}

	c.transitionMu.Lock()
	defer c.transitionMu.Unlock()
	c.modes.Announce()
}

func (c *Controller) onLinkUp() {
	if c.stopping.Load() {
		return
	}

	c.watchdog.Disarm()
	if err := c.failsafe.Release(); err == nil {
		c.record(KindFailSafe, map[string]any{"engaged": false})
	} else if !errors.Is(err, safety.ErrNotEngaged) {
		c.logger.Printf("WARN: Fail-safe release failed: %v", err)
	}
	c.record(KindLink, map[string]any{"state": remote.Connected.String()})

	c.announce()
	c.resendUnsent()
}

func (c *Controller) resendUnsent() {
	c.pendingMu.Lock()
	msg := c.unsent
	c.pendingMu.Unlock()

	if msg == nil || c.modes.Current() != mode.Alert {
		return
	}
	c.emit(*msg)
}

func (c *Controller) onLinkDown(err error) {
	if c.stopping.Load() {
		return
	}

	reason := "unknown"
	if err != nil {
		reason = err.Error()
	}
	c.record(KindLink, map[string]any{"state": remote.Disconnected.String(), "reason": reason})

	if c.modes.Current() == mode.Alert {
		if c.failsafe.Engage("operator link lost during alert") {
			c.record(KindFailSafe, map[string]any{"engaged": true, "reason": "link lost during alert"})
		}
		return
	}
	c.watchdog.Arm()
}

// neutralize runs under the fail-safe lock.
func (c *Controller) neutralize(string) {
	if err := c.hw.StopAlertReaction(); err != nil {
		c.logger.Printf("WARN: Stop alert reaction failed: %v", err)
	}
	if err := c.hw.StopPatrolPosture(); err != nil {
		c.logger.Printf("WARN: Stop patrol posture failed: %v", err)
	}
}

// restore runs under the fail-safe lock and resumes the current mode's posture.
func (c *Controller) restore() {
	var err error
	if c.modes.Current() == mode.Alert {
		err = c.hw.StartAlertReaction()
	} else {
		err = c.hw.StartPatrolPosture()
	}
	if err != nil {
		c.logger.Printf("WARN: Restoring posture failed: %v", err)
	}
}

func (c *Controller) record(kind string, data any) {
	if c.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.journal.RecordEvent(ctx, kind, data); err != nil {
		c.logger.Printf("WARN: Journal write (%s) failed: %v", kind, err)
	}
}

// Status returns a snapshot of the controller state.
func (c *Controller) Status() Status {
	c.pendingMu.Lock()
	unsent := c.unsent != nil
	c.pendingMu.Unlock()

	s := Status{
		Mode:            c.modes.Current().String(),
		Link:            c.link.State().String(),
		FailSafe:        c.failsafe.IsEngaged(),
		FailSafeReason:  c.failsafe.Reason(),
		WatchdogArmed:   c.watchdog.IsArmed(),
		DetectionActive: c.detector.Active(),
		Detection:       c.detector.State().String(),
		Patrol:          c.patrol.State().String(),
		Streak:          c.detector.Streak(),
		LastTriggerAtMs: c.lastTriggerAt.Load(),
		UnsentTrigger:   unsent,
	}
	if s.WatchdogArmed {
		s.WatchdogRemainingMs = c.watchdog.RemainingMs()
	}
	return s
}

// HealthState implements health.StateSource.
func (c *Controller) HealthState() contracts.Health {
	s := c.Status()
	return contracts.Health{
		Mode:            s.Mode,
		Link:            s.Link,
		FailSafe:        s.FailSafe,
		Detection:       s.Detection,
		Patrol:          s.Patrol,
		Streak:          s.Streak,
		LastTriggerAtMs: s.LastTriggerAtMs,
	}
}
