package faultmon

import (
	"testing"
	"time"
)

func alwaysActive(int) bool { return true }

func TestWatchdogFires(t *testing.T) {
	m := New()
	m.Activate(0)
	if err := m.SetWatchdog(0, 50); err != nil {
		t.Fatalf("SetWatchdog: %v", err)
	}
	time.Sleep(120 * time.Millisecond)

	result := m.CheckSystem(alwaysActive)
	if !result.Detected || result.Type != Timing || result.TaskID != 0 {
		t.Fatalf("expected TIMING fault for task 0, got %+v", result)
	}
}

func TestInjectedFaultDetectedThenClearedAfterRecovery(t *testing.T) {
	m := New()
	m.Activate(2)
	if err := m.Inject(2, Memory, 0x2000); err != nil {
		t.Fatalf("Inject: %v", err)
	}

	result := m.CheckSystem(alwaysActive)
	if !result.Detected || result.Type != Memory || result.TaskID != 2 || result.Address != 0x2000 {
		t.Fatalf("expected injected MEMORY fault, got %+v", result)
	}

	m.RecoveryAction(result, 100)

	cleared := m.CheckSystem(alwaysActive)
	if cleared.Detected {
		t.Fatalf("expected no fault after recovery, got %+v", cleared)
	}
}

func TestTimingRecoveryRearmsAtFixedMultipleOfDeadline(t *testing.T) {
	m := New()
	m.Activate(0)
	const deadlineMs = 50
	if err := m.SetWatchdog(0, deadlineMs); err != nil {
		t.Fatalf("SetWatchdog: %v", err)
	}
	time.Sleep(60 * time.Millisecond)

	first := m.CheckSystem(alwaysActive)
	if !first.Detected || first.Type != Timing {
		t.Fatalf("expected first TIMING fault, got %+v", first)
	}
	m.RecoveryAction(first, deadlineMs)

	m.mu.Lock()
	afterFirst := m.tasks[0].watchdogTimeout
	m.mu.Unlock()
	if afterFirst != 2*deadlineMs*time.Millisecond {
		t.Fatalf("watchdog after first TIMING recovery = %v, want %v", afterFirst, 2*deadlineMs*time.Millisecond)
	}

	time.Sleep(2*deadlineMs*time.Millisecond + 10*time.Millisecond)
	second := m.CheckSystem(alwaysActive)
	if !second.Detected || second.Type != Timing {
		t.Fatalf("expected second TIMING fault, got %+v", second)
	}
	m.RecoveryAction(second, deadlineMs)

	m.mu.Lock()
	afterSecond := m.tasks[0].watchdogTimeout
	m.mu.Unlock()
	if afterSecond != 2*deadlineMs*time.Millisecond {
		t.Fatalf("watchdog after second TIMING recovery = %v, want %v (not compounded)", afterSecond, 2*deadlineMs*time.Millisecond)
	}
}

func TestDetectionScansInIDOrderAndReturnsFirstHit(t *testing.T) {
	m := New()
	m.Activate(0)
	m.Activate(1)
	m.Inject(1, Power, 0)
	m.Inject(0, Computation, 0)

	result := m.CheckSystem(alwaysActive)
	if result.TaskID != 0 || result.Type != Computation {
		t.Fatalf("expected first hit at task 0, got %+v", result)
	}
}

func TestRecoveryFactorCapped(t *testing.T) {
	m := New()
	m.Activate(0)
	for i := 0; i < 20; i++ {
		m.Inject(0, Power, 0)
		m.RecoveryAction(m.CheckSystem(alwaysActive), 100)
	}
	f := m.RecoveryFactor(0)
	if f != 2.0 {
		t.Fatalf("RecoveryFactor = %v, want 2.0 after many recoveries", f)
	}
}

func TestTMRVoteMajority(t *testing.T) {
	if got := TMRVote(5, 5, 9); got != 5 {
		t.Fatalf("TMRVote(5,5,9) = %v, want 5", got)
	}
	if got := TMRVote(5, 9, 5); got != 5 {
		t.Fatalf("TMRVote(5,9,5) = %v, want 5", got)
	}
	if got := TMRVote(9, 5, 5); got != 5 {
		t.Fatalf("TMRVote(9,5,5) = %v, want 5", got)
	}
}

func TestTMRVoteNoMajoritySentinel(t *testing.T) {
	if got := TMRVote(1, 2, 3); got != TMRSentinel {
		t.Fatalf("TMRVote(1,2,3) = %v, want sentinel %v", got, TMRSentinel)
	}
}
