// Package port provides behavior interfaces that connect the scheduling core to storage, transport and handlers.
package port

import (
	"context"

	"github.com/crabzie/clusterforge/internal/core/domain"
)

// TelemetrySink receives one record per scheduling decision and per lifecycle event
type TelemetrySink interface {
	RecordDecision(ctx context.Context, decision domain.SchedulingDecision) error
	RecordEvent(ctx context.Context, event domain.Event) error
}

// MigrationExecutor realizes task moves decided by the scheduler
type MigrationExecutor interface {
	ExecuteMigrations(ctx context.Context, moves []domain.Migration) error
}

// TaskLauncher hands a committed assignment to whatever runs the work
type TaskLauncher interface {
	Launch(ctx context.Context, assignment domain.Assignment) error
}

// TaskReporter is how executors report task outcomes back to the scheduler
type TaskReporter interface {
	CompleteTask(ctx context.Context, taskID, nodeID int) error
	FailTask(ctx context.Context, taskID, nodeID int) error
}

// NodeStatusHandler is the health signal entry point of the scheduler
type NodeStatusHandler interface {
	OnNodeStatusChanged(ctx context.Context, nodeID int, status domain.NodeStatus) error
}

// NodeCoordinator defines how we track cluster members (Redis)
type NodeCoordinator interface {
	RegisterNode(ctx context.Context, node *domain.Node) error
	GetActiveNodes(ctx context.Context) ([]*domain.Node, error)
}

// MetricsCache keeps the latest scheduler metrics for out-of-process readers
type MetricsCache interface {
	StoreMetrics(ctx context.Context, metrics domain.Metrics, cluster domain.ClusterMetrics) error
}

// QueueService defines how we publish work and consume cluster events (RabbitMQ)
type QueueService interface {
	TaskLauncher
	MigrationExecutor
	ConsumeEvents(ctx context.Context, nodes NodeStatusHandler, tasks TaskReporter) error
}

// MonitoringService defines how node liveness is checked (Prometheus)
type MonitoringService interface {
	NodeUp(ctx context.Context, hostname string) (up bool, err error)
}

// Strategy decides placements. The memory-aware selector is the production
// variant; other strategies can plug in here without touching the orchestrator.
type Strategy interface {
	ScheduleTask(task *domain.Task) bool
	SelectOptimalNode(task *domain.Task, nodes []domain.Node) domain.SchedulingDecision
	ShouldReschedule(task *domain.Task, current domain.Node, nodes []domain.Node) (target int, ok bool)
}
