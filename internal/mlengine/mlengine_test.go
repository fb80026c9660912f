package mlengine

import (
	"testing"

	"github.com/hybridrtos/kernel/internal/registry"
	"github.com/hybridrtos/kernel/internal/sysconfig"
)

func testTask(crit sysconfig.Criticality) registry.Task {
	t := registry.Task{
		ID: 0, PeriodMs: 100, DeadlineMs: 90, ExecTimeMs: 10,
		BasePrio: 8, Criticality: crit,
	}
	for i := range t.History {
		t.History[i] = 10
	}
	t.LastExecutionTime = 10
	return t
}

func TestDynamicPriorityBounded(t *testing.T) {
	e := New(1)
	sys := SystemSnapshot{CPULoad: 0.5, MemoryUsage: 0.3, TemperatureC: 45, PowerW: 2.0, ActiveTaskCount: 4, State: sysconfig.StateNormal}
	for _, crit := range []sysconfig.Criticality{sysconfig.DALA, sysconfig.DALB, sysconfig.DALC, sysconfig.DALD} {
		p := e.ComputeDynamicPriority(testTask(crit), sys, 1.0)
		if p < 0 || p > 1 {
			t.Fatalf("priority out of bounds for %v: %v", crit, p)
		}
	}
}

func TestRecoveryFactorBounded(t *testing.T) {
	cases := []struct {
		count int
		want  float64
	}{
		{0, 1.0},
		{1, 1.2},
		{5, 2.0},
		{100, 2.0},
	}
	for _, c := range cases {
		got := RecoveryFactor(c.count)
		if got != c.want {
			t.Fatalf("RecoveryFactor(%d) = %v, want %v", c.count, got, c.want)
		}
	}
}

func TestPowerPenaltyPrecedesTemperature(t *testing.T) {
	e := New(1)
	task := testTask(sysconfig.DALA)
	hot := SystemSnapshot{CPULoad: 0.1, TemperatureC: 90, PowerW: 4.5, ActiveTaskCount: 1}
	warmOnly := SystemSnapshot{CPULoad: 0.1, TemperatureC: 90, PowerW: 1.0, ActiveTaskCount: 1}

	pHot := e.ComputeDynamicPriority(task, hot, 1.0)
	pWarm := e.ComputeDynamicPriority(task, warmOnly, 1.0)
	if pHot < 0 || pHot > 1 || pWarm < 0 || pWarm > 1 {
		t.Fatalf("priorities out of bounds: hot=%v warm=%v", pHot, pWarm)
	}

	// A twin engine with the same seed draws the same reserved features, so
	// the expected scores can be rebuilt with one penalty each: 0.20 when
	// power > 4.0 (even though temperature > 70 too), 0.15 otherwise.
	twin := New(1)
	base := float64(task.BasePrio) / float64(sysconfig.MaxPriorityLevels)
	urgHot := twin.PredictUrgency(twin.FeatureVector(task, hot))
	if want := clamp01(FuzzyAdjust(base+urgHot-0.20, hot, task.Criticality)); pHot != want {
		t.Fatalf("hot priority = %v, want %v (power penalty only)", pHot, want)
	}
	urgWarm := twin.PredictUrgency(twin.FeatureVector(task, warmOnly))
	if want := clamp01(FuzzyAdjust(base+urgWarm-0.15, warmOnly, task.Criticality)); pWarm != want {
		t.Fatalf("warm priority = %v, want %v (temperature penalty only)", pWarm, want)
	}
}

func TestIntegrityCheckPassesOnUnmodifiedWeights(t *testing.T) {
	e := New(1)
	if !e.IntegrityCheck() {
		t.Fatalf("integrity check failed against unmodified weights")
	}
}

func TestFuzzyAdjustDiagonalIsFullMembership(t *testing.T) {
	// DAL_A maps to criticality level 0; cpuLoad 0, temperature 20 and
	// power 0.5 all map to level 0 too, so fL, fT and fP all hit the matrix
	// diagonal (1.0) and the adjustment is 0.5+0.3+0.2 = 1.0.
	sys := SystemSnapshot{CPULoad: 0.0, TemperatureC: 20, PowerW: 0.5}
	got := FuzzyAdjust(1.0, sys, sysconfig.DALA)
	if got != 1.0 {
		t.Fatalf("expected adjusted score 1.0 on diagonal membership, got %v", got)
	}
}

func TestWeightCountMatchesSpec(t *testing.T) {
	if len(Weights) != sysconfig.MLFeatureCount {
		t.Fatalf("weight table has %d entries, want %d", len(Weights), sysconfig.MLFeatureCount)
	}
}
