// Package registry implements the fixed-capacity task descriptor table:
// the single place a task's identity, schedule, and execution history live.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hybridrtos/kernel/internal/sysconfig"
)

var (
	ErrBadArg   = errors.New("registry: bad argument")
	ErrCapacity = errors.New("registry: task table full")
	ErrBadState = errors.New("registry: no-op state transition")
	ErrNoTask   = errors.New("registry: no such task")
)

const historyLen = 10

// Entry is a task's runnable body: an opaque callable plus an opaque
// argument handle, matching the function-pointer-entry shape of the
// original design expressed as a capability instead of a raw pointer.
type Entry interface {
	Execute(arg any)
}

// EntryFunc adapts a plain function to Entry.
type EntryFunc func(arg any)

func (f EntryFunc) Execute(arg any) { f(arg) }

// Task is a task descriptor. Fields other than the identity/schedule ones
// are mutated only by the scheduler, fault, and ML subsystems, never by
// registry callers directly.
type Task struct {
	ID           int
	Name         string
	Entry        Entry
	Arg          any
	PeriodMs     int
	DeadlineMs   int
	ExecTimeMs   float64
	BasePrio     int
	DynamicPrio  float64
	Criticality  sysconfig.Criticality
	CoreAffinity int

	// History is a circular buffer of the last 10 execution times, most
	// recent first (index 0).
	History           [historyLen]float64
	LastExecutionTime float64
	MissedDeadlines   int

	Active bool
}

// Registry is the fixed-capacity (MAX_TASKS) slot table of task descriptors.
type Registry struct {
	mu    sync.RWMutex
	slots [sysconfig.MaxTasks]*Task
	next  int
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{}
}

// Create assigns the next free slot to a new task descriptor. id equals the
// slot index and is never reused even after Delete.
func (r *Registry) Create(name string, entry Entry, arg any, periodMs, deadlineMs int, criticality sysconfig.Criticality) (int, error) {
	if name == "" || entry == nil || periodMs <= 0 {
		return 0, fmt.Errorf("create %q: %w", name, ErrBadArg)
	}
	if len(name) > 31 {
		name = name[:31]
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.next >= sysconfig.MaxTasks {
		return 0, fmt.Errorf("create %q: %w", name, ErrCapacity)
	}

	id := r.next
	r.next++

	execTime := float64(periodMs) / 10.0
	t := &Task{
		ID:           id,
		Name:         name,
		Entry:        entry,
		Arg:          arg,
		PeriodMs:     periodMs,
		DeadlineMs:   deadlineMs,
		ExecTimeMs:   execTime,
		BasePrio:     8,
		Criticality:  criticality,
		CoreAffinity: id % 4,
		Active:       true,
	}
	for i := range t.History {
		t.History[i] = execTime
	}
	t.LastExecutionTime = execTime

	r.slots[id] = t
	return id, nil
}

func (r *Registry) get(id int) (*Task, error) {
	if id < 0 || id >= sysconfig.MaxTasks || r.slots[id] == nil {
		return nil, fmt.Errorf("task %d: %w", id, ErrNoTask)
	}
	return r.slots[id], nil
}

// Delete marks the slot inactive. The id is never reclaimed.
func (r *Registry) Delete(id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, err := r.get(id)
	if err != nil {
		return err
	}
	t.Active = false
	return nil
}

// SetPriority overwrites a task's base priority.
func (r *Registry) SetPriority(id, priority int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, err := r.get(id)
	if err != nil {
		return err
	}
	t.BasePrio = priority
	return nil
}

// Suspend clears the active flag. Returns ErrBadState if already suspended.
func (r *Registry) Suspend(id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, err := r.get(id)
	if err != nil {
		return err
	}
	if !t.Active {
		return fmt.Errorf("suspend %d: %w", id, ErrBadState)
	}
	t.Active = false
	return nil
}

// Resume sets the active flag. Returns ErrBadState if already active.
func (r *Registry) Resume(id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, err := r.get(id)
	if err != nil {
		return err
	}
	if t.Active {
		return fmt.Errorf("resume %d: %w", id, ErrBadState)
	}
	t.Active = true
	return nil
}

// IsReady reports whether the task slot is populated and active.
func (r *Registry) IsReady(id int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, err := r.get(id)
	if err != nil {
		return false
	}
	return t.Active
}

// GetAll returns a snapshot copy of every populated slot, in id order.
func (r *Registry) GetAll() []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Task, 0, r.next)
	for i := 0; i < r.next; i++ {
		if r.slots[i] != nil {
			out = append(out, *r.slots[i])
		}
	}
	return out
}

// Get returns a snapshot copy of a single task.
func (r *Registry) Get(id int) (Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, err := r.get(id)
	if err != nil {
		return Task{}, err
	}
	return *t, nil
}

// RecordExecution shifts the execution history right and inserts
// lastExecutionTime at index 0, matching the scheduler tick's step 5.
func (r *Registry) RecordExecution(id int, execTimeMs float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, err := r.get(id)
	if err != nil {
		return err
	}
	copy(t.History[1:], t.History[:len(t.History)-1])
	t.History[0] = execTimeMs
	t.LastExecutionTime = execTimeMs
	return nil
}

// SetDynamicPriority is the ML engine's write path for a task's computed
// dynamic priority.
func (r *Registry) SetDynamicPriority(id int, priority float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, err := r.get(id)
	if err != nil {
		return err
	}
	t.DynamicPrio = priority
	return nil
}

// IncrementMissedDeadlines is the fault subsystem's write path; per the
// baseline behavior, nothing ever decrements this counter, including on
// recovery.
func (r *Registry) IncrementMissedDeadlines(id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, err := r.get(id)
	if err != nil {
		return err
	}
	t.MissedDeadlines++
	return nil
}

// Count returns the number of slots ever assigned (active or not).
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.next
}
