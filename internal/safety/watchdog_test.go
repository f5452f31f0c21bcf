package safety

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWatchdogNotArmedUntilArm(t *testing.T) {
	callCount := int32(0)
	wd := NewLinkWatchdog(20*time.Millisecond, func() { atomic.AddInt32(&callCount, 1) })

	time.Sleep(60 * time.Millisecond)

	if atomic.LoadInt32(&callCount) != 0 {
		t.Errorf("Expected no trigger before Arm(), got %d", callCount)
	}
	if wd.IsArmed() || wd.RemainingMs() != 0 {
		t.Error("Expected a fresh watchdog to be disarmed")
	}
}

func TestWatchdogTriggersAfterTimeout(t *testing.T) {
	triggered := make(chan struct{})

	wd := NewLinkWatchdog(50*time.Millisecond, func() { close(triggered) })
	wd.Arm()
	defer wd.Disarm()

	select {
	case <-triggered:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Watchdog did not trigger within expected time")
	}

	if !wd.IsTriggered() {
		t.Error("Expected IsTriggered() to return true after timeout")
	}
	if wd.IsArmed() {
		t.Error("Expected IsArmed() to be false after trigger")
	}
}

func TestWatchdogDisarmPreventsTrigger(t *testing.T) {
	callCount := int32(0)
	wd := NewLinkWatchdog(50*time.Millisecond, func() { atomic.AddInt32(&callCount, 1) })

	wd.Arm()
	time.Sleep(20 * time.Millisecond)
	wd.Disarm()
	time.Sleep(80 * time.Millisecond)

	if atomic.LoadInt32(&callCount) != 0 {
		t.Errorf("Expected callback not to be called, but was called %d times", callCount)
	}
	if wd.IsTriggered() {
		t.Error("Expected IsTriggered() to be false after Disarm()")
	}
}

func TestWatchdogArmIsIdempotent(t *testing.T) {
	triggered := make(chan time.Time, 4)
	wd := NewLinkWatchdog(80*time.Millisecond, func() { triggered <- time.Now() })
	defer wd.Disarm()

	start := time.Now()
	wd.Arm()
	time.Sleep(40 * time.Millisecond)
	wd.Arm() // must not restart the countdown

	select {
	case at := <-triggered:
		if at.Sub(start) > 110*time.Millisecond {
			t.Errorf("Second Arm() restarted the countdown (fired after %v)", at.Sub(start))
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Watchdog did not trigger")
	}

	// Triggered state is sticky until Disarm.
	wd.Arm()
	time.Sleep(120 * time.Millisecond)
	if len(triggered) != 0 {
		t.Error("Expected no second trigger without Disarm()")
	}
}

func TestWatchdogRearmAfterDisarm(t *testing.T) {
	callCount := int32(0)
	triggered := make(chan struct{}, 2)
	wd := NewLinkWatchdog(30*time.Millisecond, func() {
		atomic.AddInt32(&callCount, 1)
		triggered <- struct{}{}
	})

	wd.Arm()
	<-triggered
	wd.Disarm()
	if wd.IsTriggered() {
		t.Error("Expected Disarm() to clear the triggered state")
	}

	wd.Arm()
	select {
	case <-triggered:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Watchdog did not trigger after re-arming")
	}
	if atomic.LoadInt32(&callCount) != 2 {
		t.Errorf("Expected two triggers, got %d", callCount)
	}
}

func TestWatchdogRemainingMs(t *testing.T) {
	wd := NewLinkWatchdog(time.Second, nil)
	wd.Arm()
	defer wd.Disarm()

	remaining := wd.RemainingMs()
	if remaining <= 0 || remaining > 1000 {
		t.Errorf("Expected remaining in (0, 1000], got %d", remaining)
	}

	time.Sleep(100 * time.Millisecond)
	if later := wd.RemainingMs(); later >= remaining {
		t.Errorf("Expected remaining to decrease, got %d then %d", remaining, later)
	}
}

func TestWatchdogCallbackMayDisarm(t *testing.T) {
	done := make(chan struct{})
	var wd *LinkWatchdog
	wd = NewLinkWatchdog(20*time.Millisecond, func() {
		wd.Disarm()
		close(done)
	})
	wd.Arm()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Callback deadlocked calling Disarm()")
	}
}

func TestWatchdogConcurrentArmDisarm(t *testing.T) {
	wd := NewLinkWatchdog(time.Hour, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			wd.Arm()
		}()
		go func() {
			defer wg.Done()
			wd.Disarm()
		}()
	}
	wg.Wait()
	wd.Disarm()

	if wd.IsArmed() {
		t.Error("Expected watchdog disarmed at the end")
	}
}
