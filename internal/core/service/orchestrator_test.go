package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/crabzie/clusterforge/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingLauncher struct {
	mu  sync.Mutex
	got []domain.Assignment
	err error
}

func (l *recordingLauncher) Launch(_ context.Context, a domain.Assignment) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.got = append(l.got, a)
	return l.err
}

type recordingMigrator struct {
	mu    sync.Mutex
	moves []domain.Migration
}

func (m *recordingMigrator) ExecuteMigrations(_ context.Context, moves []domain.Migration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.moves = append(m.moves, moves...)
	return nil
}

type recordingTelemetry struct {
	mu        sync.Mutex
	decisions []domain.SchedulingDecision
	events    []domain.Event
}

func (r *recordingTelemetry) RecordDecision(_ context.Context, d domain.SchedulingDecision) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions = append(r.decisions, d)
	return nil
}

func (r *recordingTelemetry) RecordEvent(_ context.Context, ev domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingTelemetry) kinds() []domain.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.EventKind
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func newTestOrchestrator(t *testing.T, cfg OrchestratorConfig, nodes int, opts ...Option) (*Orchestrator, *Ledger) {
	t.Helper()
	log := zaptest.NewLogger(t)
	ids := make([]int, nodes)
	for i := range ids {
		ids[i] = i + 1
	}
	ledger := newTestLedger(t, ids...)
	analyzer := NewAnalyzer(DefaultAnalyzerConfig(), log)
	selector := NewSelector(DefaultSelectorConfig(), analyzer, log)
	return NewOrchestrator(cfg, ledger, analyzer, selector, log, opts...), ledger
}

func chain(first, n int) ([]*domain.Task, []domain.DependencySpec) {
	var tasks []*domain.Task
	var deps []domain.DependencySpec
	for i := 0; i < n; i++ {
		tasks = append(tasks, domain.NewTask(first+i, "step", smallTask()))
		if i > 0 {
			deps = append(deps, computeDep(first+i-1, first+i))
		}
	}
	return tasks, deps
}

// drive runs dispatch passes and completes whatever is running until
// nothing is left to do. It returns the running set seen after each pass.
func drive(t *testing.T, ctx context.Context, o *Orchestrator) [][]int {
	t.Helper()
	var rounds [][]int
	for i := 0; i < 50; i++ {
		_, err := o.DispatchPass(ctx)
		require.NoError(t, err)
		running := o.RunningTasks()
		if len(running) == 0 {
			return rounds
		}
		rounds = append(rounds, running)
		for _, id := range running {
			completeRunning(t, ctx, o, id)
		}
	}
	t.Fatal("graph did not drain")
	return nil
}

// completeRunning reports id as completed by the node it was placed on
func completeRunning(t *testing.T, ctx context.Context, o *Orchestrator, id int) {
	t.Helper()
	task, err := o.Task(id)
	require.NoError(t, err)
	require.NoError(t, o.CompleteTask(ctx, id, task.AssignedNode))
}

func TestLinearChain(t *testing.T) {
	ctx := context.Background()
	o, ledger := newTestOrchestrator(t, DefaultOrchestratorConfig(), 3)

	tasks, deps := chain(1, 5)
	_, err := o.SubmitGraph(ctx, tasks, deps)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, o.ReadyTasks())

	rounds := drive(t, ctx, o)
	for _, running := range rounds {
		assert.Len(t, running, 1, "dependent tasks never run together")
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5}, o.CompletedTasks())
	assert.InDelta(t, 1.0, o.ExecutionProgress(), 1e-9)
	assert.Zero(t, ledger.Efficiency())
	assert.NoError(t, ledger.CheckInvariant())
}

func TestIndependentChains(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOrchestrator(t, DefaultOrchestratorConfig(), 3)

	a, aDeps := chain(1, 3)
	b, bDeps := chain(4, 3)
	_, err := o.SubmitGraph(ctx, append(a, b...), append(aDeps, bDeps...))
	require.NoError(t, err)

	chainOf := func(id int) int { return (id - 1) / 3 }
	for _, running := range drive(t, ctx, o) {
		seen := map[int]bool{}
		for _, id := range running {
			assert.False(t, seen[chainOf(id)], "two tasks of one chain running at once")
			seen[chainOf(id)] = true
		}
	}

	pos := map[int]int{}
	for i, id := range o.CompletedTasks() {
		pos[id] = i
	}
	require.Len(t, pos, 6)
	assert.Less(t, pos[1], pos[2])
	assert.Less(t, pos[2], pos[3])
	assert.Less(t, pos[4], pos[5])
	assert.Less(t, pos[5], pos[6])
}

func TestFullNodeRejectsUntilRelease(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultOrchestratorConfig()
	cfg.MaxParallelTasks = 1
	tel := &recordingTelemetry{}
	o, _ := newTestOrchestrator(t, cfg, 1, WithTelemetry(tel))

	big := domain.NewTask(1, "big", domain.Requirements{CPU: 4, MemoryGB: 2})
	small := domain.NewTask(2, "small", domain.Requirements{CPU: 1, MemoryGB: 1})
	_, err := o.SubmitGraph(ctx, []*domain.Task{big, small}, nil)
	require.NoError(t, err)

	placed, err := o.DispatchPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, placed)

	placed, err = o.DispatchPass(ctx)
	require.NoError(t, err)
	assert.Zero(t, placed)

	decisions := o.Decisions()
	require.Len(t, decisions, 2)
	last := decisions[1]
	assert.False(t, last.Placed())
	assert.Equal(t, 2, last.TaskID)
	assert.Equal(t, "no feasible node: unhealthy on nodes [1]", last.Reasoning)

	status, err := o.Status(2)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusPending, status)
	assert.Equal(t, []int{2}, o.ReadyTasks())
	assert.Equal(t, 1, o.Metrics().NoFeasibleCount)

	require.NoError(t, o.CompleteTask(ctx, 1, 1))
	placed, err = o.DispatchPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, placed)

	task2, err := o.Task(2)
	require.NoError(t, err)
	assert.Equal(t, 1, task2.AssignedNode)

	tel.mu.Lock()
	assert.Len(t, tel.decisions, 3)
	tel.mu.Unlock()
	assert.Contains(t, tel.kinds(), domain.EventTaskCompleted)
}

func TestNodeFailureRequeues(t *testing.T) {
	ctx := context.Background()
	mig := &recordingMigrator{}
	tel := &recordingTelemetry{}
	o, ledger := newTestOrchestrator(t, DefaultOrchestratorConfig(), 2, WithMigrator(mig), WithTelemetry(tel))

	// keep node 2 out of the first pass so both tasks land on node 1
	require.NoError(t, o.OnNodeStatusChanged(ctx, 2, domain.NodeStatusDegraded))

	var requeued []int
	var mu sync.Mutex
	o.Subscribe(func(ev domain.Event) {
		if ev.Kind == domain.EventTaskRequeued {
			mu.Lock()
			requeued = append(requeued, ev.TaskID)
			mu.Unlock()
		}
	})

	_, err := o.SubmitGraph(ctx, []*domain.Task{
		domain.NewTask(1, "a", smallTask()),
		domain.NewTask(2, "b", smallTask()),
	}, nil)
	require.NoError(t, err)

	placed, err := o.DispatchPass(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, placed)
	for _, id := range []int{1, 2} {
		task, err := o.Task(id)
		require.NoError(t, err)
		assert.Equal(t, 1, task.AssignedNode)
	}

	require.NoError(t, o.OnNodeStatusChanged(ctx, 2, domain.NodeStatusOnline))
	require.NoError(t, o.OnNodeStatusChanged(ctx, 1, domain.NodeStatusFailed))

	for _, id := range []int{1, 2} {
		task, err := o.Task(id)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusPending, task.Status)
		assert.Equal(t, domain.NoNode, task.AssignedNode)
	}
	mu.Lock()
	assert.Equal(t, []int{1, 2}, requeued)
	mu.Unlock()

	n1, err := ledger.Node(1)
	require.NoError(t, err)
	assert.Empty(t, n1.Claims)
	assert.False(t, n1.Healthy)

	placed, err = o.DispatchPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, placed)
	for _, id := range []int{1, 2} {
		task, err := o.Task(id)
		require.NoError(t, err)
		assert.Equal(t, 2, task.AssignedNode, "failed node is never a candidate")
	}

	mig.mu.Lock()
	require.Len(t, mig.moves, 2)
	for _, m := range mig.moves {
		assert.Equal(t, 1, m.From)
		assert.Equal(t, 2, m.To)
		assert.Equal(t, "node failure", m.Reason)
	}
	mig.mu.Unlock()
	assert.Contains(t, tel.kinds(), domain.EventTaskMigrated)
	assert.NoError(t, ledger.CheckInvariant())
}

func TestNodeOfflineRequeues(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOrchestrator(t, DefaultOrchestratorConfig(), 1)
	require.NoError(t, o.AddTask(ctx, domain.NewTask(1, "a", smallTask())))
	_, err := o.DispatchPass(ctx)
	require.NoError(t, err)

	require.NoError(t, o.OnNodeStatusChanged(ctx, 1, domain.NodeStatusOffline))
	status, _ := o.Status(1)
	assert.Equal(t, domain.TaskStatusPending, status)

	err = o.OnNodeStatusChanged(ctx, 1, domain.NodeStatusFailed)
	assert.ErrorIs(t, err, domain.ErrInvalidNodeTransition)
}

func TestCancelBlocksDependents(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOrchestrator(t, DefaultOrchestratorConfig(), 1)
	tasks, deps := chain(1, 2)
	_, err := o.SubmitGraph(ctx, tasks, deps)
	require.NoError(t, err)

	require.NoError(t, o.Cancel(ctx, 1))
	assert.Empty(t, o.ReadyTasks())
	placed, err := o.DispatchPass(ctx)
	require.NoError(t, err)
	assert.Zero(t, placed)

	assert.ErrorIs(t, o.Cancel(ctx, 1), domain.ErrInvalidTransition)
	assert.ErrorIs(t, o.Cancel(ctx, 9), domain.ErrTaskNotFound)

	require.NoError(t, o.RemoveTask(ctx, 1))
	assert.Equal(t, []int{2}, o.ReadyTasks())
	_, err = o.Status(1)
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestCancelRunningRejected(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOrchestrator(t, DefaultOrchestratorConfig(), 1)
	require.NoError(t, o.AddTask(ctx, domain.NewTask(1, "a", smallTask())))
	_, err := o.DispatchPass(ctx)
	require.NoError(t, err)

	assert.ErrorIs(t, o.Cancel(ctx, 1), domain.ErrInvalidTransition)
	assert.ErrorIs(t, o.RemoveTask(ctx, 1), domain.ErrInvalidRequest)
	assert.ErrorIs(t, o.ClearDAG(ctx), domain.ErrInvalidRequest)

	require.NoError(t, o.CompleteTask(ctx, 1, 1))
	assert.ErrorIs(t, o.CompleteTask(ctx, 1, 1), domain.ErrInvalidTransition)
	require.NoError(t, o.ClearDAG(ctx))
	assert.Zero(t, o.Metrics().CompletedCount)
}

func TestSubmitGraphValidation(t *testing.T) {
	ctx := context.Background()

	t.Run("cycle rejects the whole batch", func(t *testing.T) {
		o, _ := newTestOrchestrator(t, DefaultOrchestratorConfig(), 1)
		tasks, deps := chain(1, 3)
		deps = append(deps, computeDep(3, 1))
		_, err := o.SubmitGraph(ctx, tasks, deps)

		var ce *domain.CycleError
		require.ErrorAs(t, err, &ce)
		assert.Zero(t, o.Metrics().PendingCount)
		assert.Empty(t, o.ReadyTasks())
	})

	t.Run("duplicate ids", func(t *testing.T) {
		o, _ := newTestOrchestrator(t, DefaultOrchestratorConfig(), 1)
		require.NoError(t, o.AddTask(ctx, domain.NewTask(1, "a", smallTask())))
		assert.ErrorIs(t, o.AddTask(ctx, domain.NewTask(1, "a", smallTask())), domain.ErrDuplicateTask)

		_, err := o.SubmitGraph(ctx, []*domain.Task{
			domain.NewTask(2, "b", smallTask()),
			domain.NewTask(2, "b", smallTask()),
		}, nil)
		assert.ErrorIs(t, err, domain.ErrDuplicateTask)
	})

	t.Run("invalid requirements", func(t *testing.T) {
		o, _ := newTestOrchestrator(t, DefaultOrchestratorConfig(), 1)
		err := o.AddTask(ctx, domain.NewTask(1, "a", domain.Requirements{CPU: -1, MemoryGB: 1}))
		assert.ErrorIs(t, err, domain.ErrInvalidRequest)
	})

	t.Run("edges must end in the batch", func(t *testing.T) {
		o, _ := newTestOrchestrator(t, DefaultOrchestratorConfig(), 1)
		require.NoError(t, o.AddTask(ctx, domain.NewTask(1, "a", smallTask())))

		_, err := o.SubmitGraph(ctx, []*domain.Task{domain.NewTask(2, "b", smallTask())}, []domain.DependencySpec{computeDep(2, 1)})
		assert.ErrorIs(t, err, domain.ErrInvalidRequest)

		id, err := o.SubmitGraph(ctx, []*domain.Task{domain.NewTask(3, "c", smallTask())}, []domain.DependencySpec{computeDep(1, 3)})
		require.NoError(t, err)
		ids, ok := o.GraphTasks(id)
		require.True(t, ok)
		assert.Equal(t, []int{3}, ids)
		assert.Equal(t, []int{1}, o.ReadyTasks())
	})
}

func TestAddDependencyAfterSubmit(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOrchestrator(t, DefaultOrchestratorConfig(), 1)
	require.NoError(t, o.AddTask(ctx, domain.NewTask(1, "a", smallTask())))
	require.NoError(t, o.AddTask(ctx, domain.NewTask(2, "b", smallTask())))
	assert.Equal(t, []int{1, 2}, o.ReadyTasks())

	require.NoError(t, o.AddDependency(ctx, 1, 2, domain.Edge{Type: domain.DependencyCompute}))
	assert.Equal(t, []int{1}, o.ReadyTasks())
	assert.ErrorIs(t, o.AddDependency(ctx, 2, 1, domain.Edge{}), domain.ErrCycleRejected)

	_, err := o.DispatchPass(ctx)
	require.NoError(t, err)
	require.NoError(t, o.AddTask(ctx, domain.NewTask(3, "c", smallTask())))
	assert.ErrorIs(t, o.AddDependency(ctx, 3, 1, domain.Edge{}), domain.ErrInvalidRequest, "running task cannot gain a dependency")
}

func TestReadyOrderFollowsExecutionPriority(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOrchestrator(t, DefaultOrchestratorConfig(), 1)

	low := domain.NewTask(1, "low", smallTask())
	low.Priority = domain.PriorityLow
	critical := domain.NewTask(2, "critical", smallTask())
	critical.Priority = domain.PriorityCritical
	normal := domain.NewTask(3, "normal", smallTask())
	_, err := o.SubmitGraph(ctx, []*domain.Task{low, critical, normal}, nil)
	require.NoError(t, err)

	assert.Equal(t, []int{2, 3, 1}, o.ReadyTasks())
}

func TestLauncher(t *testing.T) {
	ctx := context.Background()

	t.Run("assignment is handed over", func(t *testing.T) {
		l := &recordingLauncher{}
		o, _ := newTestOrchestrator(t, DefaultOrchestratorConfig(), 1, WithLauncher(l))
		require.NoError(t, o.AddTask(ctx, domain.NewTask(1, "a", smallTask())))
		_, err := o.DispatchPass(ctx)
		require.NoError(t, err)

		l.mu.Lock()
		defer l.mu.Unlock()
		require.Len(t, l.got, 1)
		assert.Equal(t, 1, l.got[0].Task.ID)
		assert.Equal(t, 1, l.got[0].NodeID)
		assert.Equal(t, domain.TaskStatusRunning, l.got[0].Task.Status)
	})

	t.Run("launch failure fails the task", func(t *testing.T) {
		l := &recordingLauncher{err: errors.New("broker down")}
		o, ledger := newTestOrchestrator(t, DefaultOrchestratorConfig(), 1, WithLauncher(l))
		require.NoError(t, o.AddTask(ctx, domain.NewTask(1, "a", smallTask())))
		_, err := o.DispatchPass(ctx)
		require.NoError(t, err)

		status, _ := o.Status(1)
		assert.Equal(t, domain.TaskStatusFailed, status)
		n, _ := ledger.Node(1)
		assert.Empty(t, n.Claims)
	})
}

func TestScheduleTask(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOrchestrator(t, DefaultOrchestratorConfig(), 2)
	tasks, deps := chain(1, 2)
	_, err := o.SubmitGraph(ctx, tasks, deps)
	require.NoError(t, err)

	_, err = o.ScheduleTask(ctx, 2)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	d, err := o.ScheduleTask(ctx, 1)
	require.NoError(t, err)
	assert.True(t, d.Placed())
	assert.Equal(t, []int{1}, o.RunningTasks())
}

func TestNoopStrategyHoldsTasks(t *testing.T) {
	ctx := context.Background()
	log := zaptest.NewLogger(t)
	ledger := newTestLedger(t, 1)
	o := NewOrchestrator(DefaultOrchestratorConfig(), ledger, NewAnalyzer(DefaultAnalyzerConfig(), log), NoopStrategy{}, log)

	require.NoError(t, o.AddTask(ctx, domain.NewTask(1, "a", smallTask())))
	placed, err := o.DispatchPass(ctx)
	require.NoError(t, err)
	assert.Zero(t, placed)
	assert.Equal(t, []int{1}, o.ReadyTasks())
}

func TestRescheduleTask(t *testing.T) {
	ctx := context.Background()
	mig := &recordingMigrator{}
	o, ledger := newTestOrchestrator(t, DefaultOrchestratorConfig(), 1, WithMigrator(mig))
	require.NoError(t, o.AddTask(ctx, domain.NewTask(1, "a", smallTask())))
	require.NoError(t, o.AddTask(ctx, domain.NewTask(2, "b", smallTask())))
	_, err := o.ScheduleTask(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, ledger.Register(smallNode(2)))

	assert.ErrorIs(t, o.RescheduleTask(ctx, 2, 2), domain.ErrInvalidTransition)
	assert.ErrorIs(t, o.RescheduleTask(ctx, 9, 2), domain.ErrTaskNotFound)

	require.NoError(t, o.RescheduleTask(ctx, 1, 2))
	task, _ := o.Task(1)
	assert.Equal(t, 2, task.AssignedNode)
	n2, _ := ledger.Node(2)
	assert.Contains(t, n2.Claims, 1)
	assert.Equal(t, 1, o.Stats().MemoryOptimized)

	mig.mu.Lock()
	require.Len(t, mig.moves, 1)
	assert.Equal(t, domain.Migration{TaskID: 1, From: 1, To: 2, Reason: "manual"}, mig.moves[0])
	mig.mu.Unlock()
}

func TestMemoryPressureRebalance(t *testing.T) {
	ctx := context.Background()
	o, ledger := newTestOrchestrator(t, DefaultOrchestratorConfig(), 1)
	heavy := domain.NewTask(1, "heavy", domain.Requirements{CPU: 1, MemoryGB: 7})
	require.NoError(t, o.AddTask(ctx, heavy))
	_, err := o.DispatchPass(ctx)
	require.NoError(t, err)

	require.NoError(t, ledger.Register(smallNode(2)))
	assert.Equal(t, []int{1}, o.MemoryCriticalTasks())

	moves, err := o.OptimizeMemoryUsage(ctx)
	require.NoError(t, err)
	require.Len(t, moves, 1)
	assert.Equal(t, "memory redistribution", moves[0].Reason)
	assert.Equal(t, 2, moves[0].To)

	// the other node is now the hot one, and node 1 is clearly better
	moves, err = o.CheckMemoryPressure(ctx)
	require.NoError(t, err)
	require.Len(t, moves, 1)
	assert.Equal(t, 1, moves[0].To)
	assert.NoError(t, ledger.CheckInvariant())
}

func TestObserversAndHistory(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultOrchestratorConfig()
	cfg.DecisionHistory = 2
	o, _ := newTestOrchestrator(t, cfg, 1)

	var seen []domain.EventKind
	id := o.Subscribe(func(ev domain.Event) { seen = append(seen, ev.Kind) })

	for i := 1; i <= 3; i++ {
		require.NoError(t, o.AddTask(ctx, domain.NewTask(i, "t", domain.Requirements{CPU: 0.5, MemoryGB: 0.5})))
		_, err := o.DispatchPass(ctx)
		require.NoError(t, err)
		require.NoError(t, o.CompleteTask(ctx, i, 1))
	}
	assert.Len(t, seen, 3)
	assert.Len(t, o.Decisions(), 2)
	assert.Equal(t, 3, o.Stats().Decisions)
	assert.Equal(t, 3, o.Stats().TotalScheduled)

	o.Unsubscribe(id)
	require.NoError(t, o.AddTask(ctx, domain.NewTask(4, "t", smallTask())))
	require.NoError(t, o.Cancel(ctx, 4))
	assert.Len(t, seen, 3)

	report := o.Report()
	assert.Contains(t, report, "Scheduler report")
	assert.Contains(t, report, "completed=3")
	assert.Contains(t, report, "cancelled=1")

	o.ClearHistory()
	assert.Empty(t, o.Decisions())
	assert.Zero(t, o.Stats().Decisions)
	assert.True(t, o.ExecutionTime() > 0)
}

// assertConsistent checks that every running task holds exactly one claim,
// on its assigned node, and that no other task holds any
func assertConsistent(t *testing.T, o *Orchestrator, ledger *Ledger, ids []int) {
	t.Helper()
	require.NoError(t, ledger.CheckInvariant())
	owners := map[int][]int{}
	for _, n := range ledger.Snapshot() {
		for tid := range n.Claims {
			owners[tid] = append(owners[tid], n.ID)
		}
	}
	for _, id := range ids {
		task, err := o.Task(id)
		require.NoError(t, err)
		if task.Status == domain.TaskStatusRunning {
			assert.Equal(t, []int{task.AssignedNode}, owners[id], "task %d", id)
		} else {
			assert.Empty(t, owners[id], "task %d is %s", id, task.Status)
		}
		delete(owners, id)
	}
	assert.Empty(t, owners, "claims without a task")
}

func TestFailedReleaseKeepsTaskRunning(t *testing.T) {
	ctx := context.Background()
	o, ledger := newTestOrchestrator(t, DefaultOrchestratorConfig(), 1)
	tasks, deps := chain(1, 2)
	_, err := o.SubmitGraph(ctx, tasks, deps)
	require.NoError(t, err)
	_, err = o.DispatchPass(ctx)
	require.NoError(t, err)

	// the claim vanished underneath the task
	_, err = ledger.ReleaseAll(1)
	require.NoError(t, err)

	assert.ErrorIs(t, o.CompleteTask(ctx, 1, 1), domain.ErrCapacityInvariant)
	status, err := o.Status(1)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusRunning, status, "status only moves once the claim is released")
	assert.Empty(t, o.CompletedTasks())

	// failover still recovers the task, and its dependent runs after it
	require.NoError(t, o.OnNodeStatusChanged(ctx, 1, domain.NodeStatusFailed))
	require.NoError(t, o.OnNodeStatusChanged(ctx, 1, domain.NodeStatusOnline))
	drive(t, ctx, o)
	assert.Equal(t, []int{1, 2}, o.CompletedTasks())
	assertConsistent(t, o, ledger, []int{1, 2})
}

func TestStaleReportRejected(t *testing.T) {
	ctx := context.Background()
	o, ledger := newTestOrchestrator(t, DefaultOrchestratorConfig(), 2)
	require.NoError(t, o.OnNodeStatusChanged(ctx, 2, domain.NodeStatusDegraded))
	require.NoError(t, o.AddTask(ctx, domain.NewTask(1, "a", smallTask())))
	_, err := o.DispatchPass(ctx)
	require.NoError(t, err)

	require.NoError(t, o.OnNodeStatusChanged(ctx, 2, domain.NodeStatusOnline))
	require.NoError(t, o.OnNodeStatusChanged(ctx, 1, domain.NodeStatusFailed))

	t.Run("report while requeued", func(t *testing.T) {
		assert.ErrorIs(t, o.CompleteTask(ctx, 1, 1), domain.ErrInvalidTransition)
	})

	_, err = o.DispatchPass(ctx)
	require.NoError(t, err)
	task, err := o.Task(1)
	require.NoError(t, err)
	require.Equal(t, 2, task.AssignedNode)

	t.Run("report from the failed node", func(t *testing.T) {
		assert.ErrorIs(t, o.CompleteTask(ctx, 1, 1), domain.ErrStaleReport)
		assert.ErrorIs(t, o.FailTask(ctx, 1, 1), domain.ErrStaleReport)
		status, err := o.Status(1)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusRunning, status)
		assertConsistent(t, o, ledger, []int{1})
	})

	t.Run("report from the current node", func(t *testing.T) {
		require.NoError(t, o.CompleteTask(ctx, 1, 2))
		assert.Equal(t, []int{1}, o.CompletedTasks())
		assertConsistent(t, o, ledger, []int{1})
	})
}

func TestNodeFailureRacesCompletions(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultOrchestratorConfig()
	cfg.MaxParallelTasks = 8

	for round := 0; round < 20; round++ {
		o, ledger := newTestOrchestrator(t, cfg, 2)
		var ids []int
		for i := 1; i <= 8; i++ {
			require.NoError(t, o.AddTask(ctx, domain.NewTask(i, "t", domain.Requirements{CPU: 0.5, MemoryGB: 0.5})))
			ids = append(ids, i)
		}
		_, err := o.DispatchPass(ctx)
		require.NoError(t, err)
		placement := map[int]int{}
		for _, id := range o.RunningTasks() {
			task, err := o.Task(id)
			require.NoError(t, err)
			placement[id] = task.AssignedNode
		}
		require.NotEmpty(t, placement)

		start := make(chan struct{})
		errs := make(chan error, len(placement)+1)
		var wg sync.WaitGroup
		for id, node := range placement {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				errs <- o.CompleteTask(ctx, id, node)
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			errs <- o.OnNodeStatusChanged(ctx, 1, domain.NodeStatusFailed)
		}()
		close(start)
		wg.Wait()
		close(errs)

		for err := range errs {
			if err != nil {
				// a task requeued before its report arrived refuses it
				assert.ErrorIs(t, err, domain.ErrInvalidTransition)
			}
		}
		assertConsistent(t, o, ledger, ids)
		assert.Empty(t, o.RunningTasks())
		assert.Equal(t, 8, len(o.CompletedTasks())+len(o.ReadyTasks()))

		drive(t, ctx, o)
		assert.Len(t, o.CompletedTasks(), 8, "round %d", round)
	}
}

func TestConcurrentDispatchCommitsOnce(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultOrchestratorConfig()
	cfg.MaxParallelTasks = 3
	o, ledger := newTestOrchestrator(t, cfg, 2)

	var ids []int
	for i := 1; i <= 12; i++ {
		require.NoError(t, o.AddTask(ctx, domain.NewTask(i, "t", domain.Requirements{CPU: 0.25, MemoryGB: 0.25})))
		ids = append(ids, i)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for w := 0; w < 4; w++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 4; i++ {
				if _, err := o.DispatchPass(ctx); err != nil {
					errs <- err
				}
			}
		}()
		go func() {
			defer wg.Done()
			for _, id := range ids {
				if _, err := o.ScheduleTask(ctx, id); err != nil && !errors.Is(err, domain.ErrInvalidRequest) {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	assert.Len(t, o.RunningTasks(), 12)
	assertConsistent(t, o, ledger, ids)
	assert.Equal(t, 12, o.Stats().TotalScheduled, "every task is committed exactly once")
}
