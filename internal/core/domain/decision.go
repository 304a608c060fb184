package domain

import "time"

// SchedulingDecision explains one placement attempt. It is kept for telemetry and tests only.
type SchedulingDecision struct {
	TaskID       int       `json:"task_id"`
	TargetNode   int       `json:"target_node_id"`
	MemoryScore  float64   `json:"memory_score"`
	CPUScore     float64   `json:"cpu_score"`
	OverallScore float64   `json:"overall_score"`
	Reasoning    string    `json:"reasoning"`
	Alternatives []int     `json:"alternatives"`
	DecidedAt    time.Time `json:"decided_at"`
}

// Placed reports whether the decision found a node
func (d SchedulingDecision) Placed() bool {
	return d.TargetNode != NoNode
}

// Migration is a move for the migration executor to realize
type Migration struct {
	TaskID int    `json:"task_id"`
	From   int    `json:"from_node_id"`
	To     int    `json:"to_node_id"`
	Reason string `json:"reason"`
}

type EventKind string

const (
	EventTaskCompleted EventKind = "task_completed"
	EventTaskFailed    EventKind = "task_failed"
	EventTaskCancelled EventKind = "task_cancelled"
	EventTaskRequeued  EventKind = "task_requeued"
	EventTaskMigrated  EventKind = "task_migrated"
	EventNodeStatus    EventKind = "node_status"
)

// Event is one telemetry record for a lifecycle change
type Event struct {
	Kind   EventKind `json:"kind"`
	TaskID int       `json:"task_id"`
	NodeID int       `json:"node_id"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// Assignment is a committed placement handed to whatever executes work
type Assignment struct {
	Task   *Task `json:"task"`
	NodeID int   `json:"node_id"`
}

// Metrics is the submission surface view of scheduler state
type Metrics struct {
	ReadyCount              int     `json:"ready_count"`
	PendingCount            int     `json:"pending_count"`
	RunningCount            int     `json:"running_count"`
	CompletedCount          int     `json:"completed_count"`
	FailedCount             int     `json:"failed_count"`
	CancelledCount          int     `json:"cancelled_count"`
	NoFeasibleCount         int     `json:"no_feasible_count"`
	ClusterMemoryEfficiency float64 `json:"cluster_memory_efficiency"`
}

// ClusterMetrics aggregates node level state
type ClusterMetrics struct {
	TotalNodes         int       `json:"total_nodes"`
	OnlineNodes        int       `json:"online_nodes"`
	FailedNodes        int       `json:"failed_nodes"`
	AverageCPUUsage    float64   `json:"average_cpu_usage"`
	AverageMemoryUsage float64   `json:"average_memory_usage"`
	Utilization        float64   `json:"utilization"`
	LoadBalanceScore   float64   `json:"load_balance_score"`
	Timestamp          time.Time `json:"timestamp"`
}
