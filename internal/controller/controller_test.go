package controller

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adam-Doria/GuardDog/internal/camera"
	"github.com/Adam-Doria/GuardDog/internal/classifier"
	"github.com/Adam-Doria/GuardDog/internal/contracts"
	"github.com/Adam-Doria/GuardDog/internal/detection"
	"github.com/Adam-Doria/GuardDog/internal/hardware"
	"github.com/Adam-Doria/GuardDog/internal/lifecycle"
	"github.com/Adam-Doria/GuardDog/internal/mode"
	"github.com/Adam-Doria/GuardDog/internal/patrol"
	"github.com/Adam-Doria/GuardDog/internal/remote"
	"github.com/Adam-Doria/GuardDog/internal/remote/remotetest"
	"github.com/Adam-Doria/GuardDog/internal/validator"
)

type freshFrames struct{ seq atomic.Uint64 }

func (f *freshFrames) LatestFrame() (*camera.Frame, bool) {
	return &camera.Frame{Data: []byte("jpeg"), CapturedAt: time.Now(), Seq: f.seq.Add(1)}, true
}

// toggleClassifier sees a person while positive is set.
type toggleClassifier struct{ positive atomic.Bool }

func (c *toggleClassifier) Classify(ctx context.Context, frame *camera.Frame) (classifier.Result, error) {
	if !c.positive.Load() {
		return classifier.Result{}, nil
	}
	return classifier.Result{Detections: []classifier.Detection{{Category: "Man", Confidence: 97}}}, nil
}

type bodyRecorder struct {
	mu       sync.Mutex
	commands []string
}

func (b *bodyRecorder) record(cmd string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commands = append(b.commands, cmd)
	return nil
}

func (b *bodyRecorder) Distance() (hardware.Reading, error) { return hardware.NoReading, nil }
func (b *bodyRecorder) StartPatrolPosture() error         { return b.record("posture-on") }
func (b *bodyRecorder) StopPatrolPosture() error          { return b.record("posture-off") }
func (b *bodyRecorder) PerformPatrolStep() error          { return b.record("step") }
func (b *bodyRecorder) PerformTurn() error                { return b.record("turn") }
func (b *bodyRecorder) StartAlertReaction() error         { return b.record("alert-on") }
func (b *bodyRecorder) StopAlertReaction() error          { return b.record("alert-off") }
func (b *bodyRecorder) Shutdown() error                   { return b.record("shutdown") }

// motion returns the recorded commands without patrol steps.
func (b *bodyRecorder) motion() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, c := range b.commands {
		if c != "step" {
			out = append(out, c)
		}
	}
	return out
}

func (b *bodyRecorder) steps() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.commands {
		if c == "step" {
			n++
		}
	}
	return n
}

type memJournal struct {
	mu    sync.Mutex
	kinds []string
}

func (j *memJournal) RecordEvent(ctx context.Context, kind string, data any) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.kinds = append(j.kinds, kind)
	return nil
}

func (j *memJournal) has(kind string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, k := range j.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

type memStore struct {
	mu   sync.Mutex
	keys []string
}

func (s *memStore) Save(ctx context.Context, robotID, eventID string, at time.Time, jpeg []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := robotID + "/" + eventID + ".jpg"
	s.keys = append(s.keys, key)
	return key, nil
}

func (s *memStore) saved() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

type harness struct {
	ctrl    *Controller
	tr      *remotetest.Transport
	body    *bodyRecorder
	cls     *toggleClassifier
	journal *memJournal
	store   *memStore
}

func testOptions() Options {
	return Options{
		RobotID: "chien-001",
		Detection: detection.Options{
			TargetLabel:         "Man",
			ConfidenceThreshold: 85,
			FrameSkip:           1,
			StreakThreshold:     2,
			IdleDelay:           time.Millisecond,
		},
		Patrol: patrol.Options{
			Interval:         5 * time.Millisecond,
			DangerDistanceCm: 20,
			AlertDuration:    5 * time.Millisecond,
		},
		StopTimeout: time.Second,
		LinkTimeout: time.Hour,
	}
}

func newHarness(t *testing.T, tr *remotetest.Transport, opts Options) *harness {
	t.Helper()

	v, err := validator.NewContractValidator()
	require.NoError(t, err)

	h := &harness{
		tr:      tr,
		body:    &bodyRecorder{},
		cls:     &toggleClassifier{},
		journal: &memJournal{},
		store:   &memStore{},
	}
	h.ctrl = New(Deps{
		Frames:     &freshFrames{},
		Classifier: h.cls,
		Hardware:   h.body,
		Link:       remote.NewLink(tr, v, opts.RobotID),
		Journal:    h.journal,
		Snapshots:  h.store,
	}, opts)

	t.Cleanup(func() { h.ctrl.Stop(context.Background()) })
	return h
}

func (h *harness) waitMode(t *testing.T, m mode.Mode) {
	t.Helper()
	require.Eventually(t, func() bool { return h.ctrl.Mode() == m }, 2*time.Second, time.Millisecond)
}

func testTrigger(id string) detection.TriggerEvent {
	return detection.TriggerEvent{ID: id, Label: "Man", Confidence: 95, Timestamp: time.Now().UTC()}
}

func TestController_DetectAlertAndLift(t *testing.T) {
	h := newHarness(t, remotetest.New(), testOptions())
	h.cls.positive.Store(true)

	h.ctrl.Start(context.Background())
	require.Eventually(t, func() bool {
		return len(h.tr.Published(contracts.TypeIntruderDetected)) == 1
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, mode.Alert, h.ctrl.Mode())

	sent := h.tr.Published(contracts.TypeIntruderDetected)
	var msg contracts.IntruderDetected
	require.NoError(t, json.Unmarshal(sent[0].Payload, &msg))
	assert.Equal(t, "Man", msg.Category)
	assert.Equal(t, "chien-001", msg.RobotID)
	assert.NotEmpty(t, msg.Image)
	assert.False(t, h.ctrl.Status().DetectionActive)
	assert.NotZero(t, h.ctrl.Status().LastTriggerAtMs)

	motion := h.body.motion()
	assert.Equal(t, []string{"alert-off", "posture-on", "posture-off", "alert-on"}, motion[:4])
	require.Eventually(t, func() bool { return h.store.saved() == 1 }, time.Second, time.Millisecond)

	// The operator lifts the alert; detection restarts from a zero streak.
	h.cls.positive.Store(false)
	require.True(t, h.tr.Deliver(contracts.TypeDisableAlert, []byte(`{}`)))
	h.waitMode(t, mode.Patrol)

	status := h.ctrl.Status()
	assert.True(t, status.DetectionActive)
	assert.Equal(t, lifecycle.Running.String(), status.Detection)
	assert.Zero(t, status.Streak)
	assert.Len(t, h.tr.Published(contracts.TypeIntruderDetected), 1)

	assert.True(t, h.journal.has(KindMode))
	assert.True(t, h.journal.has(KindTrigger))
	assert.True(t, h.journal.has(KindLink))
}

func TestController_TriggerIgnoredInAlert(t *testing.T) {
	h := newHarness(t, remotetest.New(), testOptions())
	h.ctrl.Start(context.Background())

	h.ctrl.onTrigger(testTrigger("t-1"))
	require.Equal(t, mode.Alert, h.ctrl.Mode())

	h.ctrl.onTrigger(testTrigger("t-2"))
	assert.Equal(t, mode.Alert, h.ctrl.Mode())

	sent := h.tr.Published(contracts.TypeIntruderDetected)
	require.Len(t, sent, 1)
	assert.Contains(t, string(sent[0].Payload), `"event_id":"t-1"`)
}

func TestController_LiftIgnoredInPatrol(t *testing.T) {
	h := newHarness(t, remotetest.New(), testOptions())
	h.ctrl.Start(context.Background())

	assert.False(t, h.ctrl.LiftAlert())
	assert.Equal(t, mode.Patrol, h.ctrl.Mode())
	assert.True(t, h.ctrl.Status().DetectionActive)
}

func TestController_LinkLossInAlertGoesNeutral(t *testing.T) {
	h := newHarness(t, remotetest.New(), testOptions())
	h.ctrl.Start(context.Background())
	h.ctrl.onTrigger(testTrigger("t-1"))
	require.Equal(t, mode.Alert, h.ctrl.Mode())

	h.tr.Down(errors.New("broker gone"))

	status := h.ctrl.Status()
	assert.True(t, status.FailSafe)
	assert.False(t, status.WatchdogArmed, "alert engages the hold immediately")
	motion := h.body.motion()
	assert.Equal(t, []string{"alert-off", "posture-off"}, motion[len(motion)-2:])
	assert.True(t, h.journal.has(KindFailSafe))

	h.tr.Up()
	assert.False(t, h.ctrl.Status().FailSafe)
	motion = h.body.motion()
	assert.Equal(t, "alert-on", motion[len(motion)-1])
	assert.Equal(t, mode.Alert, h.ctrl.Mode(), "reconnect does not lift the alert")
}

func TestController_WatchdogHoldsPatrol(t *testing.T) {
	opts := testOptions()
	opts.LinkTimeout = 30 * time.Millisecond
	h := newHarness(t, remotetest.New(), opts)
	h.ctrl.Start(context.Background())
	require.Eventually(t, func() bool { return h.body.steps() > 0 }, time.Second, time.Millisecond)

	h.tr.Down(errors.New("broker gone"))
	assert.True(t, h.ctrl.Status().WatchdogArmed)
	require.Eventually(t, func() bool { return h.ctrl.Status().FailSafe }, time.Second, time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	held := h.body.steps()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, held, h.body.steps(), "patrol idles while held")
	assert.Equal(t, mode.Patrol, h.ctrl.Mode())

	h.tr.Up()
	status := h.ctrl.Status()
	assert.False(t, status.FailSafe)
	assert.False(t, status.WatchdogArmed)
	require.Eventually(t, func() bool { return h.body.steps() > held }, time.Second, time.Millisecond)
}

func TestController_ShortOutageDoesNotHold(t *testing.T) {
	h := newHarness(t, remotetest.New(), testOptions())
	h.ctrl.Start(context.Background())

	h.tr.Down(errors.New("blip"))
	assert.True(t, h.ctrl.Status().WatchdogArmed)
	h.tr.Up()

	status := h.ctrl.Status()
	assert.False(t, status.WatchdogArmed)
	assert.False(t, status.FailSafe)
}

func TestController_UnsentTriggerResentOnReconnect(t *testing.T) {
	h := newHarness(t, remotetest.New(), testOptions())
	h.ctrl.Start(context.Background())

	h.tr.Down(errors.New("blip"))
	h.ctrl.onTrigger(testTrigger("t-1"))
	require.Equal(t, mode.Alert, h.ctrl.Mode())
	assert.True(t, h.ctrl.Status().UnsentTrigger)
	assert.Empty(t, h.tr.Published(contracts.TypeIntruderDetected))

	h.tr.Up()
	assert.Len(t, h.tr.Published(contracts.TypeIntruderDetected), 1)
	assert.False(t, h.ctrl.Status().UnsentTrigger)
}

func TestController_LiftDropsUnsentTrigger(t *testing.T) {
	h := newHarness(t, remotetest.New(), testOptions())
	h.ctrl.Start(context.Background())

	h.tr.Down(errors.New("blip"))
	h.ctrl.onTrigger(testTrigger("t-1"))
	require.True(t, h.ctrl.Status().UnsentTrigger)

	require.True(t, h.ctrl.LiftAlert())
	assert.Equal(t, mode.Patrol, h.ctrl.Mode())
	assert.False(t, h.ctrl.Status().UnsentTrigger)

	h.tr.Up()
	assert.Empty(t, h.tr.Published(contracts.TypeIntruderDetected), "a lifted alert is not resent")
}

func TestController_AlertDuringOutageHoldsNeutral(t *testing.T) {
	h := newHarness(t, remotetest.New(), testOptions())
	h.ctrl.Start(context.Background())

	h.tr.Down(errors.New("blip"))
	require.True(t, h.ctrl.Status().WatchdogArmed)
	h.ctrl.onTrigger(testTrigger("t-1"))

	status := h.ctrl.Status()
	assert.Equal(t, "alert", status.Mode)
	assert.True(t, status.FailSafe, "no alert reaction while the link is down")
	motion := h.body.motion()
	assert.Equal(t, []string{"alert-off", "posture-off"}, motion[len(motion)-2:])
	assert.Equal(t, 0, countKind(motion[2:], "alert-on"))

	h.tr.Up()
	assert.False(t, h.ctrl.Status().FailSafe)
	motion = h.body.motion()
	assert.Equal(t, "alert-on", motion[len(motion)-1])
}

func TestController_StartOfflineAlertKeepsReaction(t *testing.T) {
	opts := testOptions()
	opts.StartOffline = true
	h := newHarness(t, remotetest.NewOffline(errors.New("connection refused")), opts)
	h.ctrl.Start(context.Background())

	h.ctrl.onTrigger(testTrigger("t-1"))
	assert.False(t, h.ctrl.Status().FailSafe)
	motion := h.body.motion()
	assert.Equal(t, "alert-on", motion[len(motion)-1])
}

func TestController_WaitsForLinkBeforePatrolling(t *testing.T) {
	h := newHarness(t, remotetest.NewOffline(errors.New("connection refused")), testOptions())
	h.ctrl.Start(context.Background())

	time.Sleep(20 * time.Millisecond)
	status := h.ctrl.Status()
	assert.False(t, status.DetectionActive)
	assert.Equal(t, lifecycle.Stopped.String(), status.Patrol)
	assert.Zero(t, h.body.steps())

	h.tr.Up()
	require.Eventually(t, func() bool { return h.body.steps() > 0 }, time.Second, time.Millisecond)
	assert.True(t, h.ctrl.Status().DetectionActive)
	assert.Len(t, h.tr.Published(contracts.TypeRegister), 1)
}

func TestController_StartOffline(t *testing.T) {
	opts := testOptions()
	opts.StartOffline = true
	h := newHarness(t, remotetest.NewOffline(errors.New("connection refused")), opts)
	h.ctrl.Start(context.Background())

	require.Eventually(t, func() bool { return h.body.steps() > 0 }, time.Second, time.Millisecond)
	status := h.ctrl.Status()
	assert.True(t, status.DetectionActive)
	assert.Equal(t, "disconnected", status.Link)
	assert.False(t, status.FailSafe)

	// A late link up does not announce twice.
	h.tr.Up()
	assert.Equal(t, 1, countKind(h.body.motion(), "posture-on"))
}

func TestController_StopParksBody(t *testing.T) {
	h := newHarness(t, remotetest.New(), testOptions())
	h.ctrl.Start(context.Background())

	require.NoError(t, h.ctrl.Stop(context.Background()))

	status := h.ctrl.Status()
	assert.Equal(t, lifecycle.Stopped.String(), status.Patrol)
	assert.Equal(t, lifecycle.Stopped.String(), status.Detection)
	assert.True(t, h.tr.Closed())
	assert.Contains(t, h.body.motion(), "shutdown")
	assert.False(t, status.FailSafe, "closing the link is not an outage")

	h.ctrl.onTrigger(testTrigger("late"))
	assert.Equal(t, mode.Patrol, h.ctrl.Mode())
}

func TestController_HealthState(t *testing.T) {
	h := newHarness(t, remotetest.New(), testOptions())
	h.ctrl.Start(context.Background())
	h.ctrl.onTrigger(testTrigger("t-1"))

	hs := h.ctrl.HealthState()
	assert.Equal(t, "alert", hs.Mode)
	assert.Equal(t, "connected", hs.Link)
	assert.NotZero(t, hs.LastTriggerAtMs)
	assert.Empty(t, hs.HealthID, "filled by the reporter")
}

func countKind(cmds []string, kind string) int {
	n := 0
	for _, c := range cmds {
		if c == kind {
			n++
		}
	}
	return n
}
