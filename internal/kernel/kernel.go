// Package kernel implements the orchestrator: it owns the task registry
// and the system-state vector, and runs the scheduler loop and the fault
// monitor loop as two concurrent, cooperatively-cancellable goroutines.
package kernel

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hybridrtos/kernel/internal/faultmon"
	"github.com/hybridrtos/kernel/internal/memmatrix"
	"github.com/hybridrtos/kernel/internal/mlengine"
	"github.com/hybridrtos/kernel/internal/registry"
	"github.com/hybridrtos/kernel/internal/scheduler"
	"github.com/hybridrtos/kernel/internal/sysconfig"
)

// EventSink receives fault detections and schedule decisions for export;
// implemented by internal/eventbus.Bus. Publish must never block the loop
// that calls it.
type EventSink interface {
	PublishFault(result faultmon.DetectionResult)
	PublishDecision(decision scheduler.Decision)
}

// AuditSink records fault/recovery history for postmortem queries;
// implemented by internal/auditstore.
type AuditSink interface {
	RecordFault(taskID int, faultType string, recoveryCount int, at time.Time)
}

// MetricsSink records the jitter, priority, and fault counters the
// dashboard and Prometheus exporter consume; implemented by
// internal/telemetry.
type MetricsSink interface {
	ObserveTick(decision scheduler.Decision, lastJitterNs, worstCaseJitterNs int64, activeTasks int, state sysconfig.SystemState)
	ObserveFault(result faultmon.DetectionResult)
	ObserveRecovery(taskID int, faultType string)
	ObserveDynamicPriority(taskID int, priority float64)
}

type noopSink struct{}

func (noopSink) PublishFault(faultmon.DetectionResult)  {}
func (noopSink) PublishDecision(scheduler.Decision)     {}
func (noopSink) RecordFault(int, string, int, time.Time) {}
func (noopSink) ObserveTick(scheduler.Decision, int64, int64, int, sysconfig.SystemState) {}
func (noopSink) ObserveFault(faultmon.DetectionResult)                                   {}
func (noopSink) ObserveRecovery(int, string)                                              {}
func (noopSink) ObserveDynamicPriority(int, float64)                                      {}

// organicFaultAdapter lets the scheduler report the simulated execution
// step's criticality-gated faults into the fault subsystem without the
// scheduler package importing faultmon directly, keeping the scheduler and
// fault subsystem decoupled per the design notes on eliminating cycles.
type organicFaultAdapter struct {
	faults *faultmon.Monitor
}

func (a organicFaultAdapter) ReportOrganicFault(taskID int, kind scheduler.OrganicFaultKind) {
	var ft faultmon.FaultType
	switch kind {
	case scheduler.OrganicTimingOverrun:
		ft = faultmon.Timing
	case scheduler.OrganicComputationFault:
		ft = faultmon.Computation
	default:
		return
	}
	a.faults.Inject(taskID, ft, 0)
}

// SystemVector is the kernel-owned system-state snapshot: CPU load, memory
// usage, temperature, power, active task count, and the coarse state enum.
type SystemVector struct {
	CPULoad         float64
	MemoryUsage     float64
	TemperatureC    float64
	PowerW          float64
	ActiveTaskCount int
	State           sysconfig.SystemState
}

// Kernel is the orchestrator. Construct with New, then Start/Stop.
type Kernel struct {
	registry  *registry.Registry
	matrix    *memmatrix.Matrix
	engine    *mlengine.Engine
	faults    *faultmon.Monitor
	scheduler *scheduler.Scheduler

	events  EventSink
	audit   AuditSink
	metrics MetricsSink

	mu           sync.RWMutex
	sysVec       SystemVector
	lastFault    faultmon.DetectionResult
	lastFaultSet bool

	running int32
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures optional sinks.
type Option func(*Kernel)

func WithEventSink(s EventSink) Option     { return func(k *Kernel) { k.events = s } }
func WithAuditSink(s AuditSink) Option     { return func(k *Kernel) { k.audit = s } }
func WithMetricsSink(s MetricsSink) Option { return func(k *Kernel) { k.metrics = s } }

// New builds a kernel ready to accept tasks. Call Start to begin the
// scheduler and fault-monitor loops.
func New(opts ...Option) *Kernel {
	reg := registry.New()
	faults := faultmon.New()
	engine := mlengine.New(time.Now().UnixNano())
	sched := scheduler.New(reg, engine, faults)
	sched.SetOrganicFaultReporter(organicFaultAdapter{faults})

	k := &Kernel{
		registry:  reg,
		matrix:    memmatrix.New(),
		engine:    engine,
		faults:    faults,
		scheduler: sched,
		events:    noopSink{},
		audit:     noopSink{},
		metrics:   noopSink{},
	}
	for _, o := range opts {
		o(k)
	}
	return k
}

// AddTask registers a new task, arming its watchdog when DAL_A or DAL_B.
func (k *Kernel) AddTask(name string, entry registry.Entry, arg any, periodMs, deadlineMs int, criticality sysconfig.Criticality) (int, error) {
	id, err := k.registry.Create(name, entry, arg, periodMs, deadlineMs, criticality)
	if err != nil {
		return 0, err
	}
	k.faults.Activate(id)
	if criticality == sysconfig.DALA || criticality == sysconfig.DALB {
		if err := k.faults.SetWatchdog(id, deadlineMs); err != nil {
			return id, fmt.Errorf("add task %q: arm watchdog: %w", name, err)
		}
	}
	return id, nil
}

// GetTasks returns a snapshot of every registered task.
func (k *Kernel) GetTasks() []registry.Task {
	return k.registry.GetAll()
}

// GetSystemState returns a copy of the current system vector.
func (k *Kernel) GetSystemState() SystemVector {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.sysVec
}

// UpdateLoad mirrors cpu/mem into the system state and lets the scheduler
// observe the new snapshot on its next tick.
func (k *Kernel) UpdateLoad(cpu, mem float64) {
	k.mu.Lock()
	k.sysVec.CPULoad = cpu
	k.sysVec.MemoryUsage = mem
	k.mu.Unlock()
}

// UpdateEnvironment sets temperature and power, which feed both the
// dynamic-priority penalty and the DEGRADED-mode threshold.
func (k *Kernel) UpdateEnvironment(tempC, powerW float64) {
	k.mu.Lock()
	k.sysVec.TemperatureC = tempC
	k.sysVec.PowerW = powerW
	k.mu.Unlock()
}

// InjectFault forwards a synthetic fault into the fault subsystem.
func (k *Kernel) InjectFault(taskID int, ft faultmon.FaultType, address uint32) error {
	return k.faults.Inject(taskID, ft, address)
}

// SetPolicy changes the scheduler's active dispatch policy.
func (k *Kernel) SetPolicy(p scheduler.Policy) error {
	return k.scheduler.SetPolicy(p)
}

// TickCount returns the number of completed scheduler ticks.
func (k *Kernel) TickCount() uint64 {
	return k.scheduler.TickCount()
}

// LastDecision returns the scheduler's most recently produced decision, and
// whether one has ever been produced.
func (k *Kernel) LastDecision() (scheduler.Decision, bool) {
	return k.scheduler.LastDecision()
}

// LastJitterNs and WorstCaseJitterNs expose the scheduler's jitter
// accumulators, per spec.md §4.3's jitter semantics.
func (k *Kernel) LastJitterNs() int64      { return k.scheduler.LastJitterNs() }
func (k *Kernel) WorstCaseJitterNs() int64 { return k.scheduler.WorstCaseJitterNs() }

// LastFault returns the most recent fault-detection result observed by the
// monitor loop, and whether one has ever been recorded.
func (k *Kernel) LastFault() (faultmon.DetectionResult, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.lastFault, k.lastFaultSet
}

// Start launches the scheduler loop (period SCHEDULER_PERIOD_MS) and the
// fault monitor loop (period VOTING_PERIOD_MS) as two goroutines under a
// shared context. Safe to call once; a second Start before Stop is a
// programming error and is logged, not panicked.
func (k *Kernel) Start() error {
	if !atomic.CompareAndSwapInt32(&k.running, 0, 1) {
		log.Printf("[KERNEL] Start called while already running")
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	k.cancel = cancel

	k.wg.Add(2)
	go k.schedulerLoop(ctx)
	go k.faultMonitorLoop(ctx)

	log.Printf("[KERNEL] started scheduler loop (%v) and fault monitor loop (%v)", sysconfig.SchedulerPeriod, sysconfig.VotingPeriod)
	return nil
}

// Stop clears the running flag and joins both loops with an unbounded
// wait, matching the cooperative-cancellation contract: each loop observes
// cancellation only at the top of its next iteration.
func (k *Kernel) Stop() {
	if !atomic.CompareAndSwapInt32(&k.running, 1, 0) {
		return
	}
	k.cancel()
	k.wg.Wait()
	log.Printf("[KERNEL] stopped")
}

func (k *Kernel) schedulerLoop(ctx context.Context) {
	defer k.wg.Done()
	ticker := time.NewTicker(sysconfig.SchedulerPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.schedulerTick()
		}
	}
}

func (k *Kernel) schedulerTick() {
	sys := k.GetSystemState()
	snapshot := mlengine.SystemSnapshot{
		CPULoad:         sys.CPULoad,
		MemoryUsage:     sys.MemoryUsage,
		TemperatureC:    sys.TemperatureC,
		PowerW:          sys.PowerW,
		ActiveTaskCount: activeCount(k.registry.GetAll()),
		State:           sys.State,
	}

	decision := k.scheduler.Tick(snapshot)

	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(decision.TaskID))
	binary.LittleEndian.PutUint64(buf[8:16], math.Float64bits(decision.TimeSliceMs))
	if err := k.matrix.Write(memmatrix.SchedulerDecisions, buf); err != nil {
		log.Printf("[SCHEDULER] failed to publish decision to memory matrix: %v", err)
	}

	k.events.PublishDecision(decision)
	k.metrics.ObserveTick(decision, k.scheduler.LastJitterNs(), k.scheduler.WorstCaseJitterNs(), snapshot.ActiveTaskCount, sys.State)
	if task, err := k.registry.Get(decision.TaskID); err == nil {
		k.metrics.ObserveDynamicPriority(decision.TaskID, task.DynamicPrio)
	}
}

func activeCount(tasks []registry.Task) int {
	n := 0
	for _, t := range tasks {
		if t.Active {
			n++
		}
	}
	return n
}

func (k *Kernel) faultMonitorLoop(ctx context.Context) {
	defer k.wg.Done()
	ticker := time.NewTicker(sysconfig.VotingPeriod)
	defer ticker.Stop()

	integrityTick := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.faultMonitorTick()

			integrityTick++
			if integrityTick%100 == 0 {
				if !k.engine.IntegrityCheck() {
					k.faults.Inject(0, faultmon.Computation, 0)
				}
			}
		}
	}
}

func (k *Kernel) faultMonitorTick() {
	result := k.faults.CheckSystem(k.registry.IsReady)
	if !result.Detected {
		k.monitorEnvironment()
		return
	}

	log.Printf("[FAULT] detected %s on task %d (addr=0x%x)", result.Type, result.TaskID, result.Address)

	k.mu.Lock()
	k.lastFault = result
	k.lastFaultSet = true
	k.mu.Unlock()

	k.registry.IncrementMissedDeadlines(result.TaskID)

	var deadlineMs int
	if task, err := k.registry.Get(result.TaskID); err == nil {
		deadlineMs = task.DeadlineMs
	}
	k.faults.RecoveryAction(result, deadlineMs)

	k.events.PublishFault(result)
	k.metrics.ObserveFault(result)
	k.metrics.ObserveRecovery(result.TaskID, result.Type.String())
	k.audit.RecordFault(result.TaskID, result.Type.String(), k.faults.RecoveryCount(result.TaskID), result.Timestamp)

	k.monitorEnvironment()
}

// monitorEnvironment flips SystemState between NORMAL and DEGRADED based on
// the load/temperature thresholds. There is no path back to RECOVERY here:
// that enum value is defined but unreached in the baseline design.
func (k *Kernel) monitorEnvironment() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.sysVec.CPULoad > sysconfig.DegradedCPULoadThreshold || k.sysVec.TemperatureC > sysconfig.DegradedTemperatureCelsius {
		if k.sysVec.State != sysconfig.StateDegraded {
			log.Printf("[KERNEL] system state NORMAL -> DEGRADED (cpu=%.2f temp=%.1f)", k.sysVec.CPULoad, k.sysVec.TemperatureC)
		}
		k.sysVec.State = sysconfig.StateDegraded
	} else {
		k.sysVec.State = sysconfig.StateNormal
	}
	k.sysVec.ActiveTaskCount = activeCount(k.registry.GetAll())
}
