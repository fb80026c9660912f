// Package mlengine implements the dynamic priority engine: feature
// extraction, weighted-sum-plus-sigmoid inference, and fuzzy-logic
// adjustment that together produce each task's dynamic priority.
package mlengine

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"log"
	"math"
	"math/rand"
	"sync"

	"github.com/hybridrtos/kernel/internal/registry"
	"github.com/hybridrtos/kernel/internal/sysconfig"
)

// Weights are the 23 compiled-in feature weights. Values must match the
// source table byte-for-byte for cross-implementation parity.
var Weights = [sysconfig.MLFeatureCount]float64{
	0.87, 0.65, 0.42, 0.91, 0.38,
	0.76, 0.52, 0.44, 0.89, 0.21,
	0.67, 0.59, 0.48, 0.71, 0.35,
	0.92, 0.37, 0.63, 0.50, 0.77,
	0.45, 0.81, 0.62,
}

// FuzzyMembership is the 5x5 symmetric membership matrix: M[i][j] is the
// membership of state fuzzy-level i to criticality fuzzy-level j.
var FuzzyMembership = [sysconfig.FuzzyLevels][sysconfig.FuzzyLevels]float64{
	{1.0, 0.7, 0.3, 0.1, 0.0},
	{0.7, 1.0, 0.7, 0.3, 0.1},
	{0.3, 0.7, 1.0, 0.7, 0.3},
	{0.1, 0.3, 0.7, 1.0, 0.7},
	{0.0, 0.1, 0.3, 0.7, 1.0},
}

// SystemSnapshot is the subset of the system-state vector the ML engine
// needs; the kernel passes this by value so the engine never reaches back
// into kernel-owned state directly.
type SystemSnapshot struct {
	CPULoad         float64
	MemoryUsage     float64
	TemperatureC    float64
	PowerW          float64
	ActiveTaskCount int
	State           sysconfig.SystemState
}

// Engine computes dynamic priorities. It is safe for concurrent use.
type Engine struct {
	mu       sync.Mutex
	rng      *rand.Rand
	checksum [sha256.Size]byte
	degraded bool
}

// New creates an engine, seeding the reserved-feature PRNG per process and
// computing the baseline integrity checksum over the compiled-in weights.
func New(seed int64) *Engine {
	e := &Engine{rng: rand.New(rand.NewSource(seed))}
	e.checksum = weightChecksum()
	return e
}

func weightChecksum() [sha256.Size]byte {
	buf := make([]byte, 0, sysconfig.MLFeatureCount*8)
	for _, w := range Weights {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(w))
		buf = append(buf, b[:]...)
	}
	return sha256.Sum256(buf)
}

// IntegrityCheck recomputes the checksum over the compiled-in weights and
// compares it against the baseline with a constant-time comparison. On
// mismatch the engine latches into a safe-fallback mode where
// PredictUrgency always returns 0.5; the caller (the kernel orchestrator)
// is responsible for signaling a COMPUTATION fault for task 0 when this
// returns false, since the ML engine has no direct path into the fault
// subsystem.
func (e *Engine) IntegrityCheck() bool {
	current := weightChecksum()
	ok := subtle.ConstantTimeCompare(current[:], e.checksum[:]) == 1

	e.mu.Lock()
	defer e.mu.Unlock()
	if !ok && !e.degraded {
		log.Printf("[ML] weight table checksum mismatch, falling back to constant urgency")
		e.degraded = true
	}
	return ok
}

// FeatureVector builds the 23-element feature vector for a task against a
// system snapshot. Indices 16-22 are reserved and filled from the engine's
// per-process PRNG: this reproduces a known stub in the source design and
// is preserved deliberately rather than fixed (see the open questions in
// the design notes).
func (e *Engine) FeatureVector(t registry.Task, sys SystemSnapshot) [sysconfig.MLFeatureCount]float64 {
	var f [sysconfig.MLFeatureCount]float64

	f[0] = t.ExecTimeMs
	f[1] = float64(t.PeriodMs)
	f[2] = float64(t.DeadlineMs)
	f[3] = t.LastExecutionTime
	f[4] = t.History[0]

	mean, variance := historyStats(t.History)
	f[5] = mean
	f[6] = variance
	f[7] = float64(t.MissedDeadlines)

	f[8] = float64(t.Criticality)
	f[9] = float64(t.BasePrio) / float64(sysconfig.MaxPriorityLevels)

	f[10] = sys.CPULoad
	f[11] = sys.MemoryUsage
	f[12] = sys.TemperatureC / 100.0
	f[13] = sys.PowerW / 5.0
	f[14] = float64(sys.ActiveTaskCount) / float64(sysconfig.MaxTasks)
	f[15] = float64(sys.State)

	e.mu.Lock()
	for i := 16; i <= 22; i++ {
		f[i] = e.rng.Float64()
	}
	e.mu.Unlock()

	return f
}

func historyStats(h [10]float64) (mean, variance float64) {
	for _, v := range h {
		mean += v
	}
	mean /= float64(len(h))
	for _, v := range h {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(h))
	return mean, variance
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

// PredictUrgency runs the weighted-sum-plus-sigmoid inference. Returns 0.5
// unconditionally once the engine has latched into fallback mode.
func (e *Engine) PredictUrgency(features [sysconfig.MLFeatureCount]float64) float64 {
	e.mu.Lock()
	degraded := e.degraded
	e.mu.Unlock()
	if degraded {
		return 0.5
	}

	var s float64
	for i, w := range Weights {
		s += features[i] * w
	}
	return sigmoid(s)
}

func quantize5(x, lo, hi float64) int {
	if x < lo {
		x = lo
	}
	if x > hi {
		x = hi
	}
	level := int(((x - lo) / (hi - lo)) * 4.0)
	if level < 0 {
		level = 0
	}
	if level > 4 {
		level = 4
	}
	return level
}

func criticalityLevel(c sysconfig.Criticality) int {
	switch c {
	case sysconfig.DALA:
		return 0
	case sysconfig.DALB:
		return 1
	case sysconfig.DALD:
		return 4
	case sysconfig.DALC:
		return 3
	default:
		return 2
	}
}

// FuzzyAdjust applies the fuzzy-logic membership adjustment to a raw score.
// It does not clamp its output.
func FuzzyAdjust(score float64, sys SystemSnapshot, criticality sysconfig.Criticality) float64 {
	cLevel := criticalityLevel(criticality)

	lLevel := quantize5(sys.CPULoad, 0.0, 1.0)
	tLevel := quantize5(sys.TemperatureC, 20.0, 80.0)
	pLevel := quantize5(sys.PowerW, 0.5, 5.0)

	fL := FuzzyMembership[lLevel][cLevel]
	fT := FuzzyMembership[tLevel][cLevel]
	fP := FuzzyMembership[pLevel][cLevel]

	adjustment := 0.5*fL + 0.3*fT + 0.2*fP
	return score * adjustment
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// RecoveryFactor computes the fault-recovery boost for a task. Supplied by
// the caller (the fault subsystem owns the recovery counters); kept here
// only as the formula's reference implementation for tests that want to
// exercise ComputeDynamicPriority in isolation.
func RecoveryFactor(recoveryCount int) float64 {
	f := 1.0 + 0.2*float64(recoveryCount)
	if f > 2.0 {
		return 2.0
	}
	return f
}

// ComputeDynamicPriority implements the full formula from the design:
// base + urgency*faultFactor - penalty, fuzzy-adjusted, then clamped.
func (e *Engine) ComputeDynamicPriority(t registry.Task, sys SystemSnapshot, recoveryFactor float64) float64 {
	base := float64(t.BasePrio) / float64(sysconfig.MaxPriorityLevels)

	features := e.FeatureVector(t, sys)
	urgency := e.PredictUrgency(features)

	var penalty float64
	switch {
	case sys.PowerW > 4.0:
		penalty = 0.20
	case sys.TemperatureC > 70.0:
		penalty = 0.15
	default:
		penalty = 0.0
	}

	score := base + urgency*recoveryFactor - penalty
	score = FuzzyAdjust(score, sys, t.Criticality)
	return clamp01(score)
}
