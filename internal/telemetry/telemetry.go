// Package telemetry exposes the kernel's Prometheus metrics: jitter,
// dynamic priority, fault/recovery counters, and system state.
package telemetry

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hybridrtos/kernel/internal/faultmon"
	"github.com/hybridrtos/kernel/internal/scheduler"
	"github.com/hybridrtos/kernel/internal/sysconfig"
)

var (
	LastJitterNs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rtos_scheduler_last_jitter_ns",
		Help: "Wall-clock duration of the most recent scheduler tick, in nanoseconds",
	})

	WorstCaseJitterNs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rtos_scheduler_worst_case_jitter_ns",
		Help: "Worst-case scheduler tick duration observed this process lifetime, in nanoseconds",
	})

	ActiveTaskCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rtos_active_task_count",
		Help: "Current number of active tasks",
	})

	DynamicPriority = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rtos_task_dynamic_priority",
		Help: "Dynamic priority computed for a task on its last dispatch",
	}, []string{"task_id"})

	FaultDetections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtos_fault_detections_total",
		Help: "Total fault detections by type",
	}, []string{"fault_type"})

	RecoveryActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtos_recovery_actions_total",
		Help: "Total recovery actions taken by fault type",
	}, []string{"fault_type"})

	TMRNoMajority = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rtos_tmr_no_majority_total",
		Help: "Total TMR votes that found no majority (sentinel returned)",
	})

	WatchdogFires = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rtos_watchdog_fires_total",
		Help: "Total watchdog timeout detections",
	})

	SystemStateMetric = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rtos_system_state",
		Help: "Current system state (1 = active for the labeled state)",
	}, []string{"state"})
)

// Recorder implements kernel.MetricsSink by pushing observations into the
// package-level Prometheus collectors above.
type Recorder struct{}

func NewRecorder() Recorder { return Recorder{} }

func (Recorder) ObserveTick(decision scheduler.Decision, lastJitterNs, worstCaseJitterNs int64, activeTasks int, state sysconfig.SystemState) {
	LastJitterNs.Set(float64(lastJitterNs))
	WorstCaseJitterNs.Set(float64(worstCaseJitterNs))
	ActiveTaskCount.Set(float64(activeTasks))

	for _, s := range []sysconfig.SystemState{sysconfig.StateNormal, sysconfig.StateRecovery, sysconfig.StateDegraded} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		SystemStateMetric.WithLabelValues(s.String()).Set(v)
	}
}

func (Recorder) ObserveDynamicPriority(taskID int, priority float64) {
	DynamicPriority.WithLabelValues(strconv.Itoa(taskID)).Set(priority)
}

func (Recorder) ObserveFault(result faultmon.DetectionResult) {
	if !result.Detected {
		return
	}
	FaultDetections.WithLabelValues(result.Type.String()).Inc()
	if result.Type == faultmon.Timing {
		WatchdogFires.Inc()
	}
}

func (Recorder) ObserveRecovery(taskID int, faultType string) {
	RecoveryActions.WithLabelValues(faultType).Inc()
}

// ObserveTMRNoMajority increments the TMR no-majority counter. TMR voting
// is not part of the per-tick kernel loop, and faultmon.TMRVote does not
// call this; no code in this module calls it.
func ObserveTMRNoMajority() {
	TMRNoMajority.Inc()
}
