package scheduler

import (
	"testing"

	"github.com/hybridrtos/kernel/internal/mlengine"
	"github.com/hybridrtos/kernel/internal/registry"
	"github.com/hybridrtos/kernel/internal/sysconfig"
)

type fixedRecovery struct{ factor float64 }

func (f fixedRecovery) RecoveryFactor(int) float64 { return f.factor }

func noop(any) {}

func TestRMSSelectsShortestPeriod(t *testing.T) {
	reg := registry.New()
	idA, _ := reg.Create("A", registry.EntryFunc(noop), nil, 100, 90, sysconfig.DALC)
	_, _ = reg.Create("B", registry.EntryFunc(noop), nil, 200, 190, sysconfig.DALC)
	_, _ = reg.Create("C", registry.EntryFunc(noop), nil, 50, 40, sysconfig.DALC)

	eng := mlengine.New(1)
	sched := New(reg, eng, fixedRecovery{1.0})
	sched.SetPolicy(RMS)

	decision := sched.Tick(mlengine.SystemSnapshot{})
	wantID := idA
	for _, tk := range reg.GetAll() {
		if tk.PeriodMs == 50 {
			wantID = tk.ID
		}
	}
	if decision.TaskID != wantID {
		t.Fatalf("RMS picked task %d, want the period=50 task (%d)", decision.TaskID, wantID)
	}
}

func TestEDFSelectsEarliestDeadline(t *testing.T) {
	reg := registry.New()
	_, _ = reg.Create("A", registry.EntryFunc(noop), nil, 200, 180, sysconfig.DALC)
	_, _ = reg.Create("B", registry.EntryFunc(noop), nil, 200, 90, sysconfig.DALC)
	_, _ = reg.Create("C", registry.EntryFunc(noop), nil, 500, 450, sysconfig.DALC)

	eng := mlengine.New(1)
	sched := New(reg, eng, fixedRecovery{1.0})
	sched.SetPolicy(EDF)

	decision := sched.Tick(mlengine.SystemSnapshot{})
	var wantID int
	for _, tk := range reg.GetAll() {
		if tk.DeadlineMs == 90 {
			wantID = tk.ID
		}
	}
	if decision.TaskID != wantID {
		t.Fatalf("EDF picked task %d, want the deadline=90 task (%d)", decision.TaskID, wantID)
	}
}

func TestMLHybridScoreStaysNonNegative(t *testing.T) {
	reg := registry.New()
	id, _ := reg.Create("A", registry.EntryFunc(noop), nil, 100, 90, sysconfig.DALA)

	eng := mlengine.New(1)
	sched := New(reg, eng, fixedRecovery{1.0})

	for _, load := range []float64{0.1, 0.9} {
		decision := sched.Tick(mlengine.SystemSnapshot{CPULoad: load, TemperatureC: 40, PowerW: 2.0, ActiveTaskCount: 1})
		if decision.TaskID != id {
			t.Fatalf("only one task registered, expected it to be picked")
		}
		task, _ := reg.Get(id)
		if task.DynamicPrio < 0 {
			t.Fatalf("dynamic priority went negative at cpuLoad=%v: %v", load, task.DynamicPrio)
		}
	}
}

func TestJitterIsNonDecreasingWorstCase(t *testing.T) {
	reg := registry.New()
	_, _ = reg.Create("A", registry.EntryFunc(noop), nil, 100, 90, sysconfig.DALA)
	eng := mlengine.New(1)
	sched := New(reg, eng, fixedRecovery{1.0})

	var prevWorst int64
	for i := 0; i < 10; i++ {
		sched.Tick(mlengine.SystemSnapshot{})
		worst := sched.WorstCaseJitterNs()
		if worst < prevWorst {
			t.Fatalf("worst-case jitter decreased: %d -> %d", prevWorst, worst)
		}
		prevWorst = worst
	}
}

func TestNoEligibleTaskYieldsZeroDecision(t *testing.T) {
	reg := registry.New()
	eng := mlengine.New(1)
	sched := New(reg, eng, fixedRecovery{1.0})

	decision := sched.Tick(mlengine.SystemSnapshot{})
	if decision != (Decision{}) {
		t.Fatalf("expected zero-value decision with no tasks, got %+v", decision)
	}
}
