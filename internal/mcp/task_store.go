package mcp

import (
	"context"
	"sync"
	"time"
)

// TaskStatus is a Task's position in the §3.3 state machine.
type TaskStatus string

const (
	TaskSubmitted     TaskStatus = "submitted"
	TaskWorking       TaskStatus = "working"
	TaskInputRequired TaskStatus = "input_required"
	TaskCompleted     TaskStatus = "completed"
	TaskFailed        TaskStatus = "failed"
	TaskCancelled     TaskStatus = "cancelled"
)

// taskTransitions is the allow-list for Task.transition, grounded on
// original_source/turul-mcp-task-storage/in_memory.rs's state machine:
// a task starts Submitted, moves to Working once a worker picks it up,
// may round-trip through InputRequired while waiting on the caller to
// supply more input, and ends in exactly one of Completed/Failed/Cancelled.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskSubmitted:     {TaskWorking, TaskCancelled},
	TaskWorking:       {TaskInputRequired, TaskCompleted, TaskFailed, TaskCancelled},
	TaskInputRequired: {TaskWorking, TaskCancelled},
}

// Task is a long-running operation tracked across multiple tools/call
// invocations via a progress token (§3.3).
type Task struct {
	ID         string
	SessionID  string
	Status     TaskStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Result     any
	Error      string
}

// TaskStore is an in-memory Task registry with TTL-based sweep, run on the
// same cleanup cadence as session expiry.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	ttl   time.Duration
}

// NewTaskStore constructs a TaskStore whose Sweep removes tasks that
// reached a terminal state more than ttl ago. ttl <= 0 disables sweeping.
func NewTaskStore(ttl time.Duration) *TaskStore {
	return &TaskStore{tasks: make(map[string]*Task), ttl: ttl}
}

func (s *TaskStore) Create(sessionID string) *Task {
	now := time.Now()
	t := &Task{ID: NewSessionID(), SessionID: sessionID, Status: TaskSubmitted, CreatedAt: now, UpdatedAt: now}
	s.mu.Lock()
	s.tasks[t.ID] = t
	s.mu.Unlock()
	return t
}

func (s *TaskStore) Get(id string) (*Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	cp := *t
	return &cp, true
}

// Transition moves a task to newStatus, enforcing taskTransitions.
func (s *TaskStore) Transition(id string, newStatus TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return NewError(KindApplication, "unknown task")
	}
	allowed := taskTransitions[t.Status]
	ok = false
	for _, s := range allowed {
		if s == newStatus {
			ok = true
			break
		}
	}
	if !ok {
		return NewError(KindApplication, "invalid task state transition")
	}
	t.Status = newStatus
	t.UpdatedAt = time.Now()
	return nil
}

func (s *TaskStore) Complete(id string, result any) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return NewError(KindApplication, "unknown task")
	}
	if err := s.Transition(id, TaskCompleted); err != nil {
		return err
	}
	s.mu.Lock()
	t.Result = result
	s.mu.Unlock()
	return nil
}

func (s *TaskStore) Fail(id string, errMsg string) error {
	if err := s.Transition(id, TaskFailed); err != nil {
		return err
	}
	s.mu.Lock()
	if t, ok := s.tasks[id]; ok {
		t.Error = errMsg
	}
	s.mu.Unlock()
	return nil
}

// Sweep removes tasks in a terminal state whose UpdatedAt is older than
// the store's ttl. Returns the number removed.
func (s *TaskStore) Sweep(ctx context.Context) int {
	if s.ttl <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-s.ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, t := range s.tasks {
		terminal := t.Status == TaskCompleted || t.Status == TaskFailed || t.Status == TaskCancelled
		if terminal && t.UpdatedAt.Before(cutoff) {
			delete(s.tasks, id)
			removed++
		}
	}
	return removed
}
