// Package faultmon implements the fault subsystem: watchdog timers, fault
// injection, the detection loop, per-fault recovery policy, and TMR voting.
package faultmon

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/hybridrtos/kernel/internal/sysconfig"
)

// FaultType is the diagnostic condition a detection pass reports. These are
// not API errors; they are data.
type FaultType int

const (
	NoFault FaultType = iota
	Timing
	Memory
	Computation
	Communication
	Power
)

func (f FaultType) String() string {
	switch f {
	case NoFault:
		return "NO_FAULT"
	case Timing:
		return "TIMING"
	case Memory:
		return "MEMORY"
	case Computation:
		return "COMPUTATION"
	case Communication:
		return "COMMUNICATION"
	case Power:
		return "POWER"
	default:
		return "UNKNOWN_FAULT"
	}
}

// ErrTMRNoMajority names the condition where three TMR inputs all
// disagree. TMRVote does not return it: it reports that condition only by
// returning TMRSentinel.
var ErrTMRNoMajority = errors.New("faultmon: TMR voting found no majority")

// TMRSentinel is the byte value returned by TMRVote when no two of the
// three uint32 inputs agree. It truncates a uint32 domain to a byte and so
// can collide with a legitimate majority value <= 0xFF; this is preserved
// from the baseline design rather than fixed, see the open questions.
const TMRSentinel = 0xFF

// DetectionResult is the outcome of a single CheckSystem pass.
type DetectionResult struct {
	Detected  bool
	Type      FaultType
	TaskID    int
	Address   uint32
	Timestamp time.Time
}

type taskFaultState struct {
	injected         FaultType
	injectedAddress  uint32
	watchdogTimeout  time.Duration // 0 = disarmed
	watchdogDeadline time.Time
	recoveryCount    int
}

// Monitor owns the per-task fault arrays: injected faults, watchdog
// timers, and recovery counters. RecoveryAction (called from the monitor
// loop) is the only writer of recovery counters. SetWatchdog also writes
// watchdog deadlines when a task is added, and Inject writes the
// injected-fault slots from the driver and from the scheduler's organic
// faults. Every read and write goes through the mutex here.
type Monitor struct {
	mu     sync.Mutex
	tasks  [sysconfig.MaxTasks]taskFaultState
	active [sysconfig.MaxTasks]bool
}

// New returns an empty fault monitor.
func New() *Monitor {
	return &Monitor{}
}

// Activate marks a task slot as present so CheckSystem will scan it. The
// kernel calls this when a task is created.
func (m *Monitor) Activate(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id >= 0 && id < sysconfig.MaxTasks {
		m.active[id] = true
	}
}

// SetWatchdog arms (or disarms, if timeoutMs == 0) the watchdog for a task.
func (m *Monitor) SetWatchdog(id int, timeoutMs int) error {
	if id < 0 || id >= sysconfig.MaxTasks {
		return errors.New("faultmon: bad task id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &m.tasks[id]
	if timeoutMs <= 0 {
		t.watchdogTimeout = 0
		return nil
	}
	t.watchdogTimeout = time.Duration(timeoutMs) * time.Millisecond
	t.watchdogDeadline = time.Now().Add(t.watchdogTimeout)
	return nil
}

// Inject records a synthetic fault for a task. This is the single-threaded
// driver's side-write into the monitor's state.
func (m *Monitor) Inject(id int, ft FaultType, address uint32) error {
	if id < 0 || id >= sysconfig.MaxTasks {
		return errors.New("faultmon: bad task id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[id].injected = ft
	m.tasks[id].injectedAddress = address
	return nil
}

// CheckSystem scans task slots in ascending id order: watchdog timeouts
// first, then injected faults, within the same pass. It returns on the
// first hit.
func (m *Monitor) CheckSystem(isActive func(id int) bool) DetectionResult {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for id := 0; id < sysconfig.MaxTasks; id++ {
		if !m.active[id] || !isActive(id) {
			continue
		}
		t := &m.tasks[id]
		if t.watchdogTimeout > 0 && now.After(t.watchdogDeadline) {
			return DetectionResult{Detected: true, Type: Timing, TaskID: id, Timestamp: now}
		}
		if t.injected != NoFault {
			return DetectionResult{Detected: true, Type: t.injected, TaskID: id, Address: t.injectedAddress, Timestamp: now}
		}
	}
	return DetectionResult{Detected: false, Timestamp: now}
}

// RecoveryAction applies the per-fault-type recovery policy and clears the
// injected fault slot afterward, unconditionally. baseDeadlineMs is the
// task's configured relative deadline (registry.Task.DeadlineMs); the TIMING
// case re-arms the watchdog at a fixed 2*baseDeadlineMs every time, matching
// fault_recovery_action's set_watchdog_timer(taskId, faultyTask->deadlineMs*2)
// -- doubling the task's deadline, not whatever the watchdog's current
// timeout happens to be, which would otherwise compound (4x, 8x, ...) across
// repeated TIMING faults on the same task.
func (m *Monitor) RecoveryAction(result DetectionResult, baseDeadlineMs int) {
	if !result.Detected {
		return
	}
	id := result.TaskID
	if id < 0 || id >= sysconfig.MaxTasks {
		return
	}

	m.mu.Lock()
	t := &m.tasks[id]

	switch result.Type {
	case Timing:
		t.watchdogTimeout = time.Duration(2*baseDeadlineMs) * time.Millisecond
		t.watchdogDeadline = time.Now().Add(t.watchdogTimeout)
		log.Printf("[FAULT] task %d: TIMING recovery, watchdog re-armed at %v", id, t.watchdogTimeout)
	case Memory:
		log.Printf("[FAULT] task %d: MEMORY recovery (restore from backup, stub)", id)
	case Computation:
		log.Printf("[FAULT] task %d: COMPUTATION recovery (re-execution scheduled, stub)", id)
	case Communication:
		log.Printf("[FAULT] task %d: COMMUNICATION recovery (channel reset, stub)", id)
	case Power:
		log.Printf("[FAULT] task %d: POWER recovery (low-power mode, stub)", id)
	}
	t.recoveryCount++
	t.injected = NoFault
	t.injectedAddress = 0
	m.mu.Unlock()
}

// RecoveryFactor returns min(2.0, 1.0 + 0.2*counter) for a task.
func (m *Monitor) RecoveryFactor(id int) float64 {
	if id < 0 || id >= sysconfig.MaxTasks {
		return 1.0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	factor := 1.0 + 0.2*float64(m.tasks[id].recoveryCount)
	if factor > 2.0 {
		return 2.0
	}
	return factor
}

// RecoveryCount returns the raw recovery counter for a task, for telemetry.
func (m *Monitor) RecoveryCount(id int) int {
	if id < 0 || id >= sysconfig.MaxTasks {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[id].recoveryCount
}

// TMRVote returns the majority of three uint32 results, or TMRSentinel if
// all three disagree.
func TMRVote(a, b, c uint32) uint32 {
	switch {
	case a == b:
		return a
	case a == c:
		return a
	case b == c:
		return b
	default:
		return TMRSentinel
	}
}
