// ABOUTME: In-memory task dependency graph with mirrored edges and status machine.
// ABOUTME: Cascade-unblocks downstream tasks as their blockers complete.

package orchestrator

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusBlocked    Status = "blocked"
)

// Graph errors
var (
	// ErrTaskNotFound indicates a lookup by unknown task id.
	ErrTaskNotFound = errors.New("task not found")

	// ErrUnknownBlocker indicates blockedBy referenced a task that does not exist.
	ErrUnknownBlocker = errors.New("unknown blocker task")
)

// Task is one unit of work in the graph. Blocks holds the ids this task's
// completion unblocks; BlockedBy holds the ids that must complete first.
// The two edge sets are always mirrored.
type Task struct {
	ID          string    `json:"id"`
	Subject     string    `json:"subject"`
	Description string    `json:"description"`
	Status      Status    `json:"status"`
	Owner       string    `json:"owner,omitempty"`
	Model       string    `json:"model,omitempty"`
	Role        string    `json:"role,omitempty"`
	Blocks      []string  `json:"blocks"`
	BlockedBy   []string  `json:"blockedBy"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (t *Task) clone() *Task {
	copied := *t
	copied.Blocks = append([]string(nil), t.Blocks...)
	copied.BlockedBy = append([]string(nil), t.BlockedBy...)
	return &copied
}

// CreateOptions carries the optional fields of a new task.
type CreateOptions struct {
	Owner     string
	Model     string
	Role      string
	BlockedBy []string
}

// Progress counts tasks by status.
type Progress struct {
	Pending    int `json:"pending"`
	InProgress int `json:"inProgress"`
	Completed  int `json:"completed"`
	Blocked    int `json:"blocked"`
	Total      int `json:"total"`
}

// Events receives task graph notifications. Implementations must not call
// back into the graph.
type Events interface {
	TaskCreated(t *Task)
	TaskUpdated(t *Task)
	TaskUnblocked(t *Task)
	TaskDeleted(id string)
}

// NopEvents discards all events.
type NopEvents struct{}

func (NopEvents) TaskCreated(*Task)   {}
func (NopEvents) TaskUpdated(*Task)   {}
func (NopEvents) TaskUnblocked(*Task) {}
func (NopEvents) TaskDeleted(string)  {}

// Graph owns the task map for one team. No other component mutates tasks
// directly; all access goes through its methods. Safe for concurrent use.
type Graph struct {
	mu     sync.Mutex
	tasks  map[string]*Task
	events Events
	logger *slog.Logger
}

// New creates an empty task graph. events may be nil.
func New(logger *slog.Logger, events Events) *Graph {
	if events == nil {
		events = NopEvents{}
	}
	return &Graph{
		tasks:  make(map[string]*Task),
		events: events,
		logger: logger,
	}
}

// CreateTask allocates a new task. Every id in opts.BlockedBy gains the new
// task's id in its Blocks set, so the edge is mirrored at creation. The task
// starts blocked when any blocker is not yet completed.
func (g *Graph) CreateTask(subject, description string, opts CreateOptions) (*Task, error) {
	g.mu.Lock()

	for _, blockerID := range opts.BlockedBy {
		if _, ok := g.tasks[blockerID]; !ok {
			g.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrUnknownBlocker, blockerID)
		}
	}

	now := time.Now().UTC()
	task := &Task{
		ID:          uuid.New().String(),
		Subject:     subject,
		Description: description,
		Status:      StatusPending,
		Owner:       opts.Owner,
		Model:       opts.Model,
		Role:        opts.Role,
		BlockedBy:   append([]string(nil), opts.BlockedBy...),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	for _, blockerID := range opts.BlockedBy {
		blocker := g.tasks[blockerID]
		blocker.Blocks = append(blocker.Blocks, task.ID)
		if blocker.Status != StatusCompleted {
			task.Status = StatusBlocked
		}
	}

	g.tasks[task.ID] = task
	snapshot := task.clone()
	g.mu.Unlock()

	g.logger.Debug("task created", "task_id", snapshot.ID, "subject", subject, "status", snapshot.Status)
	g.events.TaskCreated(snapshot)
	return snapshot, nil
}

// UpdateStatus mutates a task's status. Transitioning to completed also flips
// every blocked task whose blockers are now all completed back to pending,
// emitting one unblock event per task flipped.
func (g *Graph) UpdateStatus(taskID string, status Status) (*Task, error) {
	g.mu.Lock()
	task, ok := g.tasks[taskID]
	if !ok {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	task.Status = status
	task.UpdatedAt = time.Now().UTC()
	snapshot := task.clone()

	var unblocked []*Task
	if status == StatusCompleted {
		unblocked = g.resolveBlockedLocked()
	}
	g.mu.Unlock()

	g.events.TaskUpdated(snapshot)
	for _, t := range unblocked {
		g.logger.Debug("task unblocked", "task_id", t.ID, "subject", t.Subject)
		g.events.TaskUnblocked(t)
	}
	return snapshot, nil
}

// resolveBlockedLocked rescans every task after a completion. O(n) per
// completion, which is fine at team scale. Must be called with mu held.
func (g *Graph) resolveBlockedLocked() []*Task {
	var unblocked []*Task
	for _, task := range g.tasks {
		if task.Status != StatusBlocked {
			continue
		}
		if !g.blockersDoneLocked(task) {
			continue
		}
		task.Status = StatusPending
		task.UpdatedAt = time.Now().UTC()
		unblocked = append(unblocked, task.clone())
	}
	return unblocked
}

func (g *Graph) blockersDoneLocked(task *Task) bool {
	for _, blockerID := range task.BlockedBy {
		blocker, ok := g.tasks[blockerID]
		if !ok {
			continue // blocker was deleted; treat as satisfied
		}
		if blocker.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// AssignTask sets ownership (and optionally the model) without altering status.
func (g *Graph) AssignTask(taskID, owner, model string) (*Task, error) {
	g.mu.Lock()
	task, ok := g.tasks[taskID]
	if !ok {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	task.Owner = owner
	if model != "" {
		task.Model = model
	}
	task.UpdatedAt = time.Now().UTC()
	snapshot := task.clone()
	g.mu.Unlock()

	g.events.TaskUpdated(snapshot)
	return snapshot, nil
}

// GetTask returns a snapshot of one task.
func (g *Graph) GetTask(taskID string) (*Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	task, ok := g.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return task.clone(), nil
}

// ListTasks returns snapshots of every task.
func (g *Graph) ListTasks() []*Task {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Task, 0, len(g.tasks))
	for _, task := range g.tasks {
		out = append(out, task.clone())
	}
	return out
}

// AvailableTasks is the scheduling candidate set: pending, unowned tasks
// whose every blocker is completed. This is the safe read path for pickup.
func (g *Graph) AvailableTasks() []*Task {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*Task
	for _, task := range g.tasks {
		if task.Status != StatusPending || task.Owner != "" {
			continue
		}
		if !g.blockersDoneLocked(task) {
			continue
		}
		out = append(out, task.clone())
	}
	return out
}

// DeleteTask removes a task and scrubs its id from every other task's edge
// sets, preventing dangling references.
func (g *Graph) DeleteTask(taskID string) error {
	g.mu.Lock()
	if _, ok := g.tasks[taskID]; !ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	delete(g.tasks, taskID)
	for _, task := range g.tasks {
		task.Blocks = removeID(task.Blocks, taskID)
		task.BlockedBy = removeID(task.BlockedBy, taskID)
	}
	g.mu.Unlock()

	g.events.TaskDeleted(taskID)
	return nil
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, candidate := range ids {
		if candidate != id {
			out = append(out, candidate)
		}
	}
	return out
}

// GetProgress counts tasks by status.
func (g *Graph) GetProgress() Progress {
	g.mu.Lock()
	defer g.mu.Unlock()
	p := Progress{Total: len(g.tasks)}
	for _, task := range g.tasks {
		switch task.Status {
		case StatusPending:
			p.Pending++
		case StatusInProgress:
			p.InProgress++
		case StatusCompleted:
			p.Completed++
		case StatusBlocked:
			p.Blocked++
		}
	}
	return p
}

// Restore inserts a previously persisted task verbatim, preserving its id,
// edges, and timestamps. Used when loading a snapshot at session start.
func (g *Graph) Restore(task *Task) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tasks[task.ID] = task.clone()
}
