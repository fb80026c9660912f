// Command rtosd runs the hybrid ML-RTOS kernel with four example tasks,
// an interactive keyboard-driven fault-injection console, a Prometheus
// /metrics endpoint, and a live WebSocket dashboard. None of this is part
// of the kernel's core: it is the external driver the core's entry points
// are designed to be consumed by.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/hybridrtos/kernel/internal/auditstore"
	"github.com/hybridrtos/kernel/internal/dashboard"
	"github.com/hybridrtos/kernel/internal/eventbus"
	"github.com/hybridrtos/kernel/internal/faultmon"
	"github.com/hybridrtos/kernel/internal/kernel"
	"github.com/hybridrtos/kernel/internal/registry"
	"github.com/hybridrtos/kernel/internal/scheduler"
	"github.com/hybridrtos/kernel/internal/sysconfig"
	"github.com/hybridrtos/kernel/internal/telemetry"
)

type exampleTask struct {
	name        string
	periodMs    int
	deadlineMs  int
	criticality sysconfig.Criticality
}

// exampleTasks restores the four demo tasks from the original driver.
var exampleTasks = []exampleTask{
	{"SafetyCritical", 100, 100, sysconfig.DALA},
	{"Control", 200, 180, sysconfig.DALB},
	{"Monitoring", 500, 450, sysconfig.DALC},
	{"Background", 1000, 900, sysconfig.DALD},
}

// runnable is the example tasks' simulated body. The organic overrun/fault
// behavior from the original task bodies lives in the scheduler's tick
// (gated by criticality, DAL_A/DAL_B only); this is just the task body hook
// a real dispatcher would invoke the task through.
type runnable struct {
	name string
}

func (r runnable) Execute(any) {
	// Intentionally empty: see scheduler.Scheduler.simulateOrganicFault.
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	policyName := envOr("RTOS_POLICY", string(scheduler.MLHybrid))
	dashboardAddr := envOr("RTOS_DASHBOARD_ADDR", ":8090")
	redisAddr := os.Getenv("RTOS_REDIS_ADDR")
	postgresDSN := os.Getenv("RTOS_POSTGRES_DSN")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := buildEventBus(ctx, redisAddr)
	defer bus.Close()

	audit := buildAuditStore(ctx, postgresDSN)
	defer audit.Close()

	k := kernel.New(
		kernel.WithEventSink(bus),
		kernel.WithAuditSink(auditSinkAdapter{audit}),
		kernel.WithMetricsSink(telemetry.NewRecorder()),
	)

	if err := k.SetPolicy(scheduler.Policy(policyName)); err != nil {
		log.Printf("[RTOSD] %v, defaulting to ML_HYBRID", err)
	}

	for _, spec := range exampleTasks {
		id, err := k.AddTask(spec.name, runnable{spec.name}, nil, spec.periodMs, spec.deadlineMs, spec.criticality)
		if err != nil {
			log.Fatalf("[RTOSD] failed to create task %q: %v", spec.name, err)
		}
		log.Printf("[RTOSD] created task %q id=%d period=%dms deadline=%dms criticality=%s", spec.name, id, spec.periodMs, spec.deadlineMs, spec.criticality)
	}

	if err := k.Start(); err != nil {
		log.Fatalf("[RTOSD] failed to start kernel: %v", err)
	}

	hub := dashboard.NewHub(func() dashboard.Snapshot {
		return snapshotFrom(k)
	})
	go hub.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[RTOSD] websocket upgrade failed: %v", err)
			return
		}
		hub.Register(conn)
	})
	server := &http.Server{Addr: dashboardAddr, Handler: mux}
	go func() {
		log.Printf("[RTOSD] dashboard listening on %s (/metrics, /ws)", dashboardAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[RTOSD] dashboard server error: %v", err)
		}
	}()

	go environmentMonitor(ctx, k)

	injectLimiter := rate.NewLimiter(5, 5)
	runConsole(k, injectLimiter)

	cancel()
	k.Stop()
	server.Close()
	os.Exit(0)
}

// runConsole implements the interactive driver: Enter injects a random
// fault, q/Q shuts down.
func runConsole(k *kernel.Kernel, limiter *rate.Limiter) {
	fmt.Println("rtosd running. Press Enter to inject a random fault, q + Enter to quit.")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "q" || line == "Q" {
			return
		}
		if !limiter.Allow() {
			log.Printf("[RTOSD] fault injection rate-limited")
			continue
		}
		injectRandomFault(k)
	}
}

// injectRandomFault reproduces the original driver's injection semantics:
// random task, random fault type 1..5, address 0x1000 + rand()%0x1000.
func injectRandomFault(k *kernel.Kernel) {
	tasks := k.GetTasks()
	if len(tasks) == 0 {
		return
	}
	task := tasks[rand.Intn(len(tasks))]
	faultType := faultmon.FaultType(1 + rand.Intn(5))
	address := uint32(0x1000 + rand.Intn(0x1000))

	if err := k.InjectFault(task.ID, faultType, address); err != nil {
		log.Printf("[RTOSD] fault injection failed: %v", err)
		return
	}
	log.Printf("[RTOSD] injected %s fault on task %d (addr=0x%x)", faultType, task.ID, address)
}

// environmentMonitor feeds the kernel a new load/temperature/power sample
// every 500ms, each value drawn independently and uniformly from a fixed
// range, mirroring the original driver's system_monitor_thread.
func environmentMonitor(ctx context.Context, k *kernel.Kernel) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	demoDegraded := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cpu := 0.3 + 0.5*rand.Float64()
			mem := 0.2 + 0.4*rand.Float64()
			temp := 40.0 + 40.0*rand.Float64()
			power := 1.0 + 3.0*rand.Float64()
			k.UpdateLoad(cpu, mem)
			k.UpdateEnvironment(temp, power)

			// Demo-side copy of system_monitor_thread's threshold check.
			// The kernel's own monitor loop (internal/kernel.monitorEnvironment)
			// is the authoritative place the DEGRADED transition is applied;
			// this one only narrates the same thresholds to the console,
			// matching main.c placing the check in the driver thread rather
			// than the kernel.
			sys := k.GetSystemState()
			degraded := sys.TemperatureC > sysconfig.DegradedTemperatureCelsius || sys.CPULoad > sysconfig.DegradedCPULoadThreshold
			if degraded != demoDegraded {
				if degraded {
					log.Printf("[RTOSD] WARNING: high temperature/CPU load detected (cpu=%.2f temp=%.1f)", sys.CPULoad, sys.TemperatureC)
				}
				demoDegraded = degraded
			}
		}
	}
}

func snapshotFrom(k *kernel.Kernel) dashboard.Snapshot {
	sys := k.GetSystemState()
	snap := dashboard.Snapshot{
		TickCount:         k.TickCount(),
		SystemState:       sys.State.String(),
		ActiveTaskCount:   sys.ActiveTaskCount,
		LastJitterNs:      k.LastJitterNs(),
		WorstCaseJitterNs: k.WorstCaseJitterNs(),
	}
	if decision, ok := k.LastDecision(); ok {
		snap.LastDecisionTask = decision.TaskID
	}
	if fault, ok := k.LastFault(); ok && fault.Detected {
		snap.LastFaultType = fault.Type.String()
		snap.LastFaultTaskID = fault.TaskID
	}
	return snap
}

func buildEventBus(ctx context.Context, redisAddr string) *eventbus.Bus {
	if redisAddr == "" {
		return eventbus.NewLogOnlyBus()
	}
	bus, err := eventbus.NewRedisBus(ctx, redisAddr, "", 0)
	if err != nil {
		log.Printf("[RTOSD] failed to connect to Redis at %s: %v, falling back to log-only event bus", redisAddr, err)
		return eventbus.NewLogOnlyBus()
	}
	log.Printf("[RTOSD] publishing fault/decision events to Redis at %s", redisAddr)
	return bus
}

func buildAuditStore(ctx context.Context, dsn string) auditstore.Store {
	if dsn == "" {
		return auditstore.NewMemoryStore(1000)
	}
	store, err := auditstore.NewPostgresStore(ctx, dsn)
	if err != nil {
		log.Printf("[RTOSD] failed to connect to Postgres: %v, falling back to in-memory audit store", err)
		return auditstore.NewMemoryStore(1000)
	}
	log.Printf("[RTOSD] recording fault/recovery audit log to Postgres")
	return store
}

type auditSinkAdapter struct {
	store auditstore.Store
}

func (a auditSinkAdapter) RecordFault(taskID int, faultType string, recoveryCount int, at time.Time) {
	a.store.RecordFault(taskID, faultType, recoveryCount, at)
}

var _ registry.Entry = runnable{}
