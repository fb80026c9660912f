package registry

import (
	"testing"

	"github.com/hybridrtos/kernel/internal/sysconfig"
)

func noop(any) {}

func TestCreateAssignsSlotIndexAsID(t *testing.T) {
	r := New()
	for i := 0; i < 5; i++ {
		id, err := r.Create("t", EntryFunc(noop), nil, 100, 90, sysconfig.DALB)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if id != i {
			t.Fatalf("Create #%d: got id %d want %d", i, id, i)
		}
		if id >= sysconfig.MaxTasks {
			t.Fatalf("id %d exceeds MaxTasks", id)
		}
	}
}

func TestCreateCapacity(t *testing.T) {
	r := New()
	for i := 0; i < sysconfig.MaxTasks; i++ {
		if _, err := r.Create("t", EntryFunc(noop), nil, 100, 90, sysconfig.DALC); err != nil {
			t.Fatalf("Create #%d: %v", i, err)
		}
	}
	if _, err := r.Create("overflow", EntryFunc(noop), nil, 100, 90, sysconfig.DALC); err == nil {
		t.Fatalf("expected ErrCapacity on the 33rd task")
	}
}

func TestExecutionTimeDefaultsToPeriodOverTen(t *testing.T) {
	r := New()
	id, err := r.Create("t", EntryFunc(noop), nil, 200, 180, sysconfig.DALB)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	task, _ := r.Get(id)
	if task.ExecTimeMs != 20.0 {
		t.Fatalf("ExecTimeMs = %v, want 20.0", task.ExecTimeMs)
	}
	for _, h := range task.History {
		if h != 20.0 {
			t.Fatalf("history not seeded with exec time: %v", task.History)
		}
	}
}

func TestSuspendResumeNoOpIsBadState(t *testing.T) {
	r := New()
	id, _ := r.Create("t", EntryFunc(noop), nil, 100, 90, sysconfig.DALC)
	if err := r.Suspend(id); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if err := r.Suspend(id); err == nil {
		t.Fatalf("expected ErrBadState suspending an already-suspended task")
	}
	if err := r.Resume(id); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := r.Resume(id); err == nil {
		t.Fatalf("expected ErrBadState resuming an already-active task")
	}
}

func TestDeleteDoesNotReclaimID(t *testing.T) {
	r := New()
	id1, _ := r.Create("a", EntryFunc(noop), nil, 100, 90, sysconfig.DALC)
	if err := r.Delete(id1); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	id2, _ := r.Create("b", EntryFunc(noop), nil, 100, 90, sysconfig.DALC)
	if id2 == id1 {
		t.Fatalf("slot %d reused after delete", id1)
	}
	if r.IsReady(id1) {
		t.Fatalf("deleted task reported ready")
	}
}

func TestRecordExecutionShiftsHistory(t *testing.T) {
	r := New()
	id, _ := r.Create("t", EntryFunc(noop), nil, 100, 90, sysconfig.DALC)
	if err := r.RecordExecution(id, 42.0); err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}
	task, _ := r.Get(id)
	if task.History[0] != 42.0 {
		t.Fatalf("History[0] = %v, want 42.0", task.History[0])
	}
	if task.History[1] != 10.0 {
		t.Fatalf("History[1] = %v, want the shifted-out seed value 10.0", task.History[1])
	}
}

func TestMissedDeadlinesNeverReset(t *testing.T) {
	r := New()
	id, _ := r.Create("t", EntryFunc(noop), nil, 100, 90, sysconfig.DALA)
	r.IncrementMissedDeadlines(id)
	r.IncrementMissedDeadlines(id)
	task, _ := r.Get(id)
	if task.MissedDeadlines != 2 {
		t.Fatalf("MissedDeadlines = %d, want 2", task.MissedDeadlines)
	}
}
