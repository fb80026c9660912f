package kernel

import (
	"testing"
	"time"

	"github.com/hybridrtos/kernel/internal/faultmon"
	"github.com/hybridrtos/kernel/internal/sysconfig"
)

func TestAddTaskArmsWatchdogForCriticalDALs(t *testing.T) {
	k := New()
	id, err := k.AddTask("SafetyCritical", registryEntry{}, nil, 100, 100, sysconfig.DALA)
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	tasks := k.GetTasks()
	if len(tasks) != 1 || tasks[0].ID != id {
		t.Fatalf("expected one registered task with id %d, got %+v", id, tasks)
	}

	time.Sleep(120 * time.Millisecond)
	result := k.faults.CheckSystem(k.registry.IsReady)
	if !result.Detected || result.Type != faultmon.Timing || result.TaskID != id {
		t.Fatalf("expected the armed watchdog to report TIMING for task %d, got %+v", id, result)
	}
}

type registryEntry struct{}

func (registryEntry) Execute(any) {}

func TestStartStopLifecycle(t *testing.T) {
	k := New()
	k.AddTask("A", registryEntry{}, nil, 100, 90, sysconfig.DALC)

	if err := k.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if k.TickCount() == 0 {
		t.Fatalf("expected at least one scheduler tick after 50ms")
	}
	k.Stop()

	ticks := k.TickCount()
	time.Sleep(30 * time.Millisecond)
	if k.TickCount() != ticks {
		t.Fatalf("scheduler kept ticking after Stop")
	}
}

func TestUpdateLoadFlipsDegradedState(t *testing.T) {
	k := New()
	k.AddTask("A", registryEntry{}, nil, 100, 90, sysconfig.DALC)
	k.UpdateLoad(0.95, 0.2)

	k.Start()
	defer k.Stop()
	time.Sleep(40 * time.Millisecond)

	if k.GetSystemState().State != sysconfig.StateDegraded {
		t.Fatalf("expected DEGRADED state with cpuLoad=0.95")
	}
}

func TestInjectFaultIsObservedByMonitorLoop(t *testing.T) {
	k := New()
	id, _ := k.AddTask("A", registryEntry{}, nil, 100, 90, sysconfig.DALC)
	k.InjectFault(id, faultmon.Power, 0x3000)

	k.Start()
	defer k.Stop()
	time.Sleep(40 * time.Millisecond)

	task, err := k.registry.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if task.MissedDeadlines == 0 {
		t.Fatalf("expected missed deadline count to increase after fault detection")
	}
}
