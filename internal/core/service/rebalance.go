package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/crabzie/clusterforge/internal/core/domain"
	"go.uber.org/zap"
)

// SchedulingStats summarizes decisions since the last ClearHistory
type SchedulingStats struct {
	Decisions               int           `json:"decisions"`
	TotalScheduled          int           `json:"total_scheduled"`
	MemoryOptimized         int           `json:"memory_optimized"`
	AverageLatency          time.Duration `json:"average_latency"`
	AverageMemoryEfficiency float64       `json:"average_memory_efficiency"`

	totalLatency  time.Duration
	totalMemScore float64
}

// record appends d to the bounded decision history. Caller holds mu.
func (o *Orchestrator) record(d domain.SchedulingDecision, latency time.Duration) {
	o.decisions = append(o.decisions, d)
	if limit := o.cfg.DecisionHistory; limit > 0 && len(o.decisions) > limit {
		o.decisions = append([]domain.SchedulingDecision(nil), o.decisions[len(o.decisions)-limit:]...)
	}
	o.stats.Decisions++
	o.stats.totalLatency += latency
	if d.Placed() {
		o.stats.TotalScheduled++
		o.stats.totalMemScore += d.MemoryScore
	}
}

// RescheduleTask moves a RUNNING task to target. The target claim and the
// source release happen under both node locks; a refused move leaves the
// task where it was.
func (o *Orchestrator) RescheduleTask(ctx context.Context, id, target int) error {
	o.passMu.Lock()
	defer o.passMu.Unlock()

	m, err := o.reschedule(id, target, "manual")
	if err != nil {
		return err
	}
	o.executeMigrations(ctx, []domain.Migration{m})
	return nil
}

func (o *Orchestrator) reschedule(id, target int, reason string) (domain.Migration, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	t, ok := o.tasks[id]
	if !ok {
		return domain.Migration{}, fmt.Errorf("reschedule task %d: %w", id, domain.ErrTaskNotFound)
	}
	if t.Status != domain.TaskStatusRunning {
		return domain.Migration{}, &domain.TransitionError{TaskID: id, From: t.Status, To: domain.TaskStatusRunning}
	}
	from := t.AssignedNode
	if err := o.ledger.Move(id, from, target); err != nil {
		if errors.Is(err, domain.ErrCapacityInvariant) {
			o.log.DPanic("Ledger invariant violated during move",
				zap.Int("task_id", id), zap.Int("from", from), zap.Int("to", target), zap.Error(err))
		}
		return domain.Migration{}, err
	}
	if err := t.Reassign(target); err != nil {
		return domain.Migration{}, err
	}
	o.stats.MemoryOptimized++
	o.log.Info("Task rescheduled",
		zap.Int("task_id", id),
		zap.Int("from", from),
		zap.Int("to", target),
		zap.String("reason", reason))
	return domain.Migration{TaskID: id, From: from, To: target, Reason: reason}, nil
}

// CheckMemoryPressure runs the rescheduling check over every RUNNING task
func (o *Orchestrator) CheckMemoryPressure(ctx context.Context) ([]domain.Migration, error) {
	o.passMu.Lock()
	defer o.passMu.Unlock()
	o.drainInbox(ctx)
	return o.rebalance(ctx, o.RunningTasks(), "memory pressure")
}

// MemoryCriticalTasks returns RUNNING tasks whose memory pressure is at or
// above the configured threshold
func (o *Orchestrator) MemoryCriticalTasks() []int {
	avg := o.ledger.AverageMemoryCapacity()
	var critical []int
	for _, id := range o.RunningTasks() {
		if o.analyzer.CalculateMemoryPressure(id, avg) >= o.cfg.MemoryCriticalThreshold {
			critical = append(critical, id)
		}
	}
	return critical
}

// RedistributeMemoryLoad runs the rescheduling check over memory-critical tasks only
func (o *Orchestrator) RedistributeMemoryLoad(ctx context.Context) ([]domain.Migration, error) {
	o.passMu.Lock()
	defer o.passMu.Unlock()
	o.drainInbox(ctx)
	return o.rebalance(ctx, o.MemoryCriticalTasks(), "memory redistribution")
}

// OptimizeMemoryUsage is the periodic rebalancing entry point
func (o *Orchestrator) OptimizeMemoryUsage(ctx context.Context) ([]domain.Migration, error) {
	moves, err := o.RedistributeMemoryLoad(ctx)
	if err != nil {
		return moves, err
	}
	cm := o.ClusterMetrics()
	o.log.Debug("Memory optimization pass",
		zap.Int("migrations", len(moves)),
		zap.Float64("average_memory_usage", cm.AverageMemoryUsage),
		zap.Float64("load_balance", cm.LoadBalanceScore))
	return moves, nil
}

// rebalance considers each id once, so a task moves at most once per pass.
// Caller holds passMu.
func (o *Orchestrator) rebalance(ctx context.Context, ids []int, reason string) ([]domain.Migration, error) {
	var moves []domain.Migration
	for _, id := range ids {
		o.mu.Lock()
		t, ok := o.tasks[id]
		if !ok || t.Status != domain.TaskStatusRunning {
			o.mu.Unlock()
			continue
		}
		task := t.Clone()
		o.mu.Unlock()

		nodes := o.ledger.Snapshot()
		current, found := findNode(nodes, task.AssignedNode)
		if !found {
			continue
		}
		target, ok := o.strategy.ShouldReschedule(task, current, nodes)
		if !ok {
			continue
		}
		m, err := o.reschedule(id, target, reason)
		if err != nil {
			if errors.Is(err, domain.ErrCapacityInvariant) {
				return moves, err
			}
			o.log.Debug("Rebalance move refused", zap.Int("task_id", id), zap.Int("to", target), zap.Error(err))
			continue
		}
		moves = append(moves, m)
	}
	if len(moves) > 0 {
		o.executeMigrations(ctx, moves)
	}
	return moves, nil
}

func findNode(nodes []domain.Node, id int) (domain.Node, bool) {
	for _, n := range nodes {
		if n.ID == id {
			return n, true
		}
	}
	return domain.Node{}, false
}

// EstimatePeakMemoryUsage is the largest summed footprint of one depth level of the graph
func (o *Orchestrator) EstimatePeakMemoryUsage() float64 {
	return o.analyzer.EstimatePeakMemory()
}

func (o *Orchestrator) Metrics() domain.Metrics {
	o.mu.Lock()
	m := domain.Metrics{ReadyCount: len(o.ready), NoFeasibleCount: o.noFeasible}
	for _, t := range o.tasks {
		switch t.Status {
		case domain.TaskStatusPending:
			m.PendingCount++
		case domain.TaskStatusRunning:
			m.RunningCount++
		case domain.TaskStatusCompleted:
			m.CompletedCount++
		case domain.TaskStatusFailed:
			m.FailedCount++
		case domain.TaskStatusCancelled:
			m.CancelledCount++
		}
	}
	o.mu.Unlock()
	m.ClusterMemoryEfficiency = o.ledger.Efficiency()
	return m
}

func (o *Orchestrator) ClusterMetrics() domain.ClusterMetrics {
	return ClusterMetrics(o.ledger.Snapshot(), time.Now())
}

// ExecutionProgress is the completed share of all known tasks
func (o *Orchestrator) ExecutionProgress() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.tasks) == 0 {
		return 0
	}
	return float64(len(o.completed)) / float64(len(o.tasks))
}

// ExecutionTime is the wall time since the first task was placed
func (o *Orchestrator) ExecutionTime() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.firstDispatch.IsZero() {
		return 0
	}
	return time.Since(o.firstDispatch)
}

func (o *Orchestrator) Stats() SchedulingStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.stats
	if s.Decisions > 0 {
		s.AverageLatency = s.totalLatency / time.Duration(s.Decisions)
	}
	if s.TotalScheduled > 0 {
		s.AverageMemoryEfficiency = s.totalMemScore / float64(s.TotalScheduled)
	}
	return s
}

// Decisions returns the retained decision history, oldest first
func (o *Orchestrator) Decisions() []domain.SchedulingDecision {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]domain.SchedulingDecision(nil), o.decisions...)
}

// ClearHistory drops retained decisions and resets statistics
func (o *Orchestrator) ClearHistory() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.decisions = nil
	o.stats = SchedulingStats{}
}

// Report renders scheduler and cluster state for operators
func (o *Orchestrator) Report() string {
	m := o.Metrics()
	cm := o.ClusterMetrics()
	st := o.Stats()

	var b strings.Builder
	fmt.Fprintf(&b, "Scheduler report\n")
	fmt.Fprintf(&b, "  tasks: ready=%d pending=%d running=%d completed=%d failed=%d cancelled=%d\n",
		m.ReadyCount, m.PendingCount, m.RunningCount, m.CompletedCount, m.FailedCount, m.CancelledCount)
	fmt.Fprintf(&b, "  progress: %.1f%% in %s\n", o.ExecutionProgress()*100, o.ExecutionTime().Round(time.Millisecond))
	fmt.Fprintf(&b, "  decisions: %d (%d placed, %d without a feasible node, %d memory migrations)\n",
		st.Decisions, st.TotalScheduled, m.NoFeasibleCount, st.MemoryOptimized)
	fmt.Fprintf(&b, "  average latency %s, average memory score %.3f\n", st.AverageLatency, st.AverageMemoryEfficiency)
	fmt.Fprintf(&b, "  cluster: %d nodes, %d online, %d failed, cpu %.1f%%, memory %.1f%%, balance %.3f\n",
		cm.TotalNodes, cm.OnlineNodes, cm.FailedNodes, cm.AverageCPUUsage*100, cm.AverageMemoryUsage*100, cm.LoadBalanceScore)
	fmt.Fprintf(&b, "  memory efficiency %.3f, estimated peak %.2f GB\n", m.ClusterMemoryEfficiency, o.EstimatePeakMemoryUsage())
	fmt.Fprintf(&b, "  critical path %v, memory critical path %v\n", o.analyzer.CriticalPath(), o.analyzer.MemoryCriticalPath())
	return b.String()
}
