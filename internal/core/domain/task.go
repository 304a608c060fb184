package domain

import (
	"time"
)

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusCancelled TaskStatus = "CANCELLED"
)

// Terminal reports whether no further transition is accepted from s
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

var taskTransitionMap = map[TaskStatus][]TaskStatus{
	TaskStatusPending: {TaskStatusRunning, TaskStatusCancelled},
	TaskStatusRunning: {TaskStatusCompleted, TaskStatusFailed},
}

// ValidTaskTransition reports whether src -> dst is allowed by the task state machine
func ValidTaskTransition(src, dst TaskStatus) bool {
	for _, s := range taskTransitionMap[src] {
		if s == dst {
			return true
		}
	}
	return false
}

type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ParsePriority maps a priority class name to its Priority, defaulting to NORMAL
func ParsePriority(s string) Priority {
	switch s {
	case "LOW", "low":
		return PriorityLow
	case "HIGH", "high":
		return PriorityHigh
	case "CRITICAL", "critical":
		return PriorityCritical
	default:
		return PriorityNormal
	}
}

type DependencyType string

const (
	DependencyData     DependencyType = "data"
	DependencyCompute  DependencyType = "compute"
	DependencyResource DependencyType = "resource"
)

// Requirements is what a task asks of the node it runs on
type Requirements struct {
	CPU               float64       `json:"cpu"`          // Cores
	MemoryGB          float64       `json:"memory_gb"`    // GB
	DiskGB            float64       `json:"disk_gb"`      // GB
	NetworkMbps       float64       `json:"network_mbps"` // Mbps
	EstimatedDuration time.Duration `json:"estimated_duration"`
}

// DefaultRequirements mirrors the defaults a task gets when nothing is specified
func DefaultRequirements() Requirements {
	return Requirements{
		CPU:               1,
		MemoryGB:          1,
		DiskGB:            1,
		NetworkMbps:       10,
		EstimatedDuration: time.Second,
	}
}

// Validate rejects requirements no node could ever satisfy meaningfully
func (r Requirements) Validate() error {
	if r.CPU <= 0 || r.MemoryGB <= 0 || r.DiskGB < 0 || r.NetworkMbps < 0 || r.EstimatedDuration < 0 {
		return ErrInvalidRequest
	}
	return nil
}

// ResourceScore is a combined requirement weight, normalized to a 16 core / 32GB / 1TB reference node
func (r Requirements) ResourceScore() float64 {
	return (r.CPU/16.0 + r.MemoryGB/32.0 + r.DiskGB/1000.0) / 3.0
}

// Dependency is a typed edge to a task that must complete first
type Dependency struct {
	TaskID int            `json:"task_id"`
	Type   DependencyType `json:"type"`
}

// Task represents a unit of work in the dependency graph
type Task struct {
	ID           int          `json:"id"`
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	Priority     Priority     `json:"priority"`
	Requirements Requirements `json:"requirements"`
	Status       TaskStatus   `json:"status"`
	AssignedNode int          `json:"assigned_node"`
	Dependencies []Dependency `json:"dependencies,omitempty"`
	Dependents   []int        `json:"dependents,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	StartedAt    time.Time    `json:"started_at,omitempty"`
	CompletedAt  time.Time    `json:"completed_at,omitempty"`
}

// NewTask returns a PENDING, unassigned task with NORMAL priority
func NewTask(id int, name string, req Requirements) *Task {
	return &Task{
		ID:           id,
		Name:         name,
		Priority:     PriorityNormal,
		Requirements: req,
		Status:       TaskStatusPending,
		AssignedNode: NoNode,
		CreatedAt:    time.Now(),
	}
}

func (t *Task) transition(to TaskStatus) error {
	if !ValidTaskTransition(t.Status, to) {
		return &TransitionError{TaskID: t.ID, From: t.Status, To: to}
	}
	now := time.Now()
	switch to {
	case TaskStatusRunning:
		if t.StartedAt.IsZero() {
			t.StartedAt = now
		}
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		t.CompletedAt = now
	}
	t.Status = to
	return nil
}

// Start moves a PENDING task onto node
func (t *Task) Start(node int) error {
	if node == NoNode {
		return &TransitionError{TaskID: t.ID, From: t.Status, To: TaskStatusRunning}
	}
	if err := t.transition(TaskStatusRunning); err != nil {
		return err
	}
	t.AssignedNode = node
	return nil
}

// Complete finishes a RUNNING task and clears its node
func (t *Task) Complete() error {
	if err := t.transition(TaskStatusCompleted); err != nil {
		return err
	}
	t.AssignedNode = NoNode
	return nil
}

// Fail marks a RUNNING task as failed and clears its node
func (t *Task) Fail() error {
	if err := t.transition(TaskStatusFailed); err != nil {
		return err
	}
	t.AssignedNode = NoNode
	return nil
}

// Cancel is only accepted while the task is PENDING
func (t *Task) Cancel() error {
	return t.transition(TaskStatusCancelled)
}

// Requeue sends a RUNNING task back to PENDING after its node failed.
// It is the only backwards edge and is reserved for the failover path.
// Timing restarts with the next placement.
func (t *Task) Requeue() error {
	if t.Status != TaskStatusRunning {
		return &TransitionError{TaskID: t.ID, From: t.Status, To: TaskStatusPending}
	}
	t.Status = TaskStatusPending
	t.AssignedNode = NoNode
	t.StartedAt = time.Time{}
	return nil
}

// Reassign moves a RUNNING task to another node without touching its status
func (t *Task) Reassign(node int) error {
	if t.Status != TaskStatusRunning || node == NoNode {
		return &TransitionError{TaskID: t.ID, From: t.Status, To: TaskStatusRunning}
	}
	t.AssignedNode = node
	return nil
}

// DependenciesMet reports whether every dependency is COMPLETED according to status
func (t *Task) DependenciesMet(status func(id int) (TaskStatus, bool)) bool {
	for _, dep := range t.Dependencies {
		s, ok := status(dep.TaskID)
		if !ok || s != TaskStatusCompleted {
			return false
		}
	}
	return true
}

// AddDependency records a typed dependency once
func (t *Task) AddDependency(id int, typ DependencyType) {
	for _, d := range t.Dependencies {
		if d.TaskID == id {
			return
		}
	}
	t.Dependencies = append(t.Dependencies, Dependency{TaskID: id, Type: typ})
}

// RemoveDependency drops the dependency on id if present
func (t *Task) RemoveDependency(id int) {
	out := t.Dependencies[:0]
	for _, d := range t.Dependencies {
		if d.TaskID != id {
			out = append(out, d)
		}
	}
	t.Dependencies = out
}

// AddDependent records a reverse edge once
func (t *Task) AddDependent(id int) {
	for _, d := range t.Dependents {
		if d == id {
			return
		}
	}
	t.Dependents = append(t.Dependents, id)
}

// RemoveDependent drops the reverse edge to id if present
func (t *Task) RemoveDependent(id int) {
	out := t.Dependents[:0]
	for _, d := range t.Dependents {
		if d != id {
			out = append(out, d)
		}
	}
	t.Dependents = out
}

// ExecutionTime is zero until the task has both started and finished
func (t *Task) ExecutionTime() time.Duration {
	if t.StartedAt.IsZero() || t.CompletedAt.IsZero() {
		return 0
	}
	return t.CompletedAt.Sub(t.StartedAt)
}

// WaitTime is the time spent between creation and the start of the current attempt
func (t *Task) WaitTime() time.Duration {
	if t.StartedAt.IsZero() {
		return 0
	}
	return t.StartedAt.Sub(t.CreatedAt)
}

// Clone returns a deep copy safe to hand out of the orchestrator
func (t *Task) Clone() *Task {
	c := *t
	c.Dependencies = append([]Dependency(nil), t.Dependencies...)
	c.Dependents = append([]int(nil), t.Dependents...)
	return &c
}
