// Package scheduler implements policy dispatch (RMS/EDF/ML_HYBRID), the
// per-tick decision procedure, and jitter tracking.
package scheduler

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hybridrtos/kernel/internal/mlengine"
	"github.com/hybridrtos/kernel/internal/registry"
	"github.com/hybridrtos/kernel/internal/sysconfig"
)

// Policy selects the dispatch algorithm.
type Policy string

const (
	RMS      Policy = "RMS"
	EDF      Policy = "EDF"
	MLHybrid Policy = "ML_HYBRID"
)

// Decision is the outcome of a single dispatch: the task picked to run,
// its target core, and its time slice.
type Decision struct {
	TaskID      int
	TargetCore  int
	TimeSliceMs float64
}

// RecoveryFactorSource supplies the fault-recovery boost consumed by the
// ML_HYBRID policy; implemented by *faultmon.Monitor.
type RecoveryFactorSource interface {
	RecoveryFactor(taskID int) float64
}

// OrganicFaultKind distinguishes the two simulated-execution-step faults the
// original task bodies (main.c's safety_critical_task/control_task) inject
// on their own, gated by criticality, independent of anything manually
// injected through the driver console.
type OrganicFaultKind int

const (
	// OrganicTimingOverrun mirrors safety_critical_task's occasional
	// "computation overrun" (a DAL_A task that runs long enough to miss its
	// own deadline).
	OrganicTimingOverrun OrganicFaultKind = iota
	// OrganicComputationFault mirrors control_task's occasional divide-by-
	// zero-shaped computation fault.
	OrganicComputationFault
)

// OrganicFaultReporter receives faults discovered during the simulated
// execution step (tick step 5), as opposed to faults the driver injects
// through the console. Implemented by *faultmon.Monitor via an adapter in
// the kernel package, so the scheduler never imports the fault subsystem
// directly (see the design notes on eliminating scheduler<->fault cycles).
type OrganicFaultReporter interface {
	ReportOrganicFault(taskID int, kind OrganicFaultKind)
}

// Scheduler holds the current policy, the last decision, and the jitter
// accumulators. Apart from SetPolicy and SetOrganicFaultReporter, Tick is
// the only entry point that mutates state; everything else is a read-only
// query.
type Scheduler struct {
	registry *registry.Registry
	engine   *mlengine.Engine
	recovery RecoveryFactorSource
	rng      *rand.Rand

	mu            sync.Mutex
	policy        Policy
	last          Decision
	lastSet       bool
	organicFaults OrganicFaultReporter

	lastJitterNs      int64
	worstCaseJitterNs int64
	tickCount         uint64
}

// New returns a scheduler defaulted to ML_HYBRID.
func New(reg *registry.Registry, engine *mlengine.Engine, recovery RecoveryFactorSource) *Scheduler {
	return &Scheduler{
		registry: reg,
		engine:   engine,
		recovery: recovery,
		policy:   MLHybrid,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetOrganicFaultReporter wires the fault subsystem into the simulated
// execution step. Optional: with none set (the default), Tick never
// generates organic faults, only the manually injected ones the driver
// console triggers.
func (s *Scheduler) SetOrganicFaultReporter(r OrganicFaultReporter) {
	s.mu.Lock()
	s.organicFaults = r
	s.mu.Unlock()
}

// SetPolicy changes the active policy by name.
func (s *Scheduler) SetPolicy(p Policy) error {
	switch p {
	case RMS, EDF, MLHybrid:
	default:
		return fmt.Errorf("scheduler: unknown policy %q", p)
	}
	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()
	return nil
}

// Policy returns the active policy.
func (s *Scheduler) Policy() Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy
}

// LastDecision returns the most recently produced decision and whether one
// has ever been produced.
func (s *Scheduler) LastDecision() (Decision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.lastSet
}

// TickCount returns the number of completed ticks.
func (s *Scheduler) TickCount() uint64 {
	return atomic.LoadUint64(&s.tickCount)
}

// LastJitterNs and WorstCaseJitterNs expose the jitter accumulators.
func (s *Scheduler) LastJitterNs() int64      { return atomic.LoadInt64(&s.lastJitterNs) }
func (s *Scheduler) WorstCaseJitterNs() int64 { return atomic.LoadInt64(&s.worstCaseJitterNs) }

func dispatchRMS(tasks []registry.Task) Decision {
	best := -1
	for i, t := range tasks {
		if !t.Active || t.PeriodMs <= 0 {
			continue
		}
		if best == -1 || t.PeriodMs < tasks[best].PeriodMs || (t.PeriodMs == tasks[best].PeriodMs && t.ID < tasks[best].ID) {
			best = i
		}
	}
	if best == -1 {
		return Decision{}
	}
	t := tasks[best]
	return Decision{TaskID: t.ID, TargetCore: t.CoreAffinity, TimeSliceMs: t.ExecTimeMs}
}

func dispatchEDF(tasks []registry.Task) Decision {
	best := -1
	for i, t := range tasks {
		if !t.Active {
			continue
		}
		if best == -1 || t.DeadlineMs < tasks[best].DeadlineMs || (t.DeadlineMs == tasks[best].DeadlineMs && t.ID < tasks[best].ID) {
			best = i
		}
	}
	if best == -1 {
		return Decision{}
	}
	t := tasks[best]
	return Decision{TaskID: t.ID, TargetCore: t.CoreAffinity, TimeSliceMs: t.ExecTimeMs}
}

func (s *Scheduler) dispatchMLHybrid(tasks []registry.Task, sys mlengine.SystemSnapshot) Decision {
	best := -1
	var bestPriority float64
	for i, t := range tasks {
		if !t.Active {
			continue
		}
		factor := 1.0
		if s.recovery != nil {
			factor = s.recovery.RecoveryFactor(t.ID)
		}
		priority := s.engine.ComputeDynamicPriority(t, sys, factor)
		if best == -1 || priority > bestPriority || (priority == bestPriority && t.ID < tasks[best].ID) {
			best = i
			bestPriority = priority
		}
	}
	if best == -1 {
		return Decision{}
	}
	t := tasks[best]
	s.registry.SetDynamicPriority(t.ID, bestPriority)
	return Decision{TaskID: t.ID, TargetCore: t.CoreAffinity, TimeSliceMs: t.ExecTimeMs}
}

// simulateOrganicFault is the simulated execution step's criticality-gated
// fault injection, grounded on main.c's per-task-body behavior: a DAL_A
// task occasionally overruns its deadline (safety_critical_task's
// rand()%100 < 2), and a DAL_B task occasionally trips a computation fault
// (control_task's rand()%200 < 1). No-op if no reporter has been wired.
func (s *Scheduler) simulateOrganicFault(t registry.Task) {
	s.mu.Lock()
	reporter := s.organicFaults
	s.mu.Unlock()
	if reporter == nil {
		return
	}

	switch t.Criticality {
	case sysconfig.DALA:
		if s.rng.Intn(100) < 2 {
			reporter.ReportOrganicFault(t.ID, OrganicTimingOverrun)
		}
	case sysconfig.DALB:
		if s.rng.Intn(200) < 1 {
			reporter.ReportOrganicFault(t.ID, OrganicComputationFault)
		}
	}
}

// Tick runs one scheduler iteration: sample clock, snapshot registry and
// system state, dispatch, store the decision, update execution history for
// the selected task if active, sample clock again, and update jitter.
func (s *Scheduler) Tick(sys mlengine.SystemSnapshot) Decision {
	t0 := time.Now()

	tasks := s.registry.GetAll()

	s.mu.Lock()
	policy := s.policy
	s.mu.Unlock()

	var decision Decision
	switch policy {
	case RMS:
		decision = dispatchRMS(tasks)
	case EDF:
		decision = dispatchEDF(tasks)
	default:
		decision = s.dispatchMLHybrid(tasks, sys)
	}

	s.mu.Lock()
	s.last = decision
	s.lastSet = true
	s.mu.Unlock()

	if decision.TaskID != 0 || decision.TimeSliceMs != 0 || decision.TargetCore != 0 {
		if s.registry.IsReady(decision.TaskID) {
			s.registry.RecordExecution(decision.TaskID, decision.TimeSliceMs)
			if task, err := s.registry.Get(decision.TaskID); err == nil {
				s.simulateOrganicFault(task)
			}
		}
	}

	t1 := time.Now()
	jitter := t1.Sub(t0).Nanoseconds()
	if jitter < 0 {
		jitter = 0
	}
	atomic.StoreInt64(&s.lastJitterNs, jitter)
	for {
		worst := atomic.LoadInt64(&s.worstCaseJitterNs)
		if jitter <= worst {
			break
		}
		if atomic.CompareAndSwapInt64(&s.worstCaseJitterNs, worst, jitter) {
			break
		}
	}

	atomic.AddUint64(&s.tickCount, 1)
	return decision
}
