package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/crabzie/clusterforge/internal/core/domain"
	"github.com/crabzie/clusterforge/internal/core/port"
	"github.com/golang-collections/collections/queue"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	_ port.NodeStatusHandler = &Orchestrator{}
	_ port.TaskReporter      = &Orchestrator{}
)

type OrchestratorConfig struct {
	MaxParallelTasks        int
	MemoryCriticalThreshold float64
	DecisionHistory         int
}

func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		MaxParallelTasks:        4,
		MemoryCriticalThreshold: 0.5,
		DecisionHistory:         1000,
	}
}

// EventHandler observes lifecycle events after they are committed
type EventHandler func(domain.Event)

type Option func(*Orchestrator)

func WithTelemetry(sink port.TelemetrySink) Option {
	return func(o *Orchestrator) { o.telemetry = sink }
}

func WithMigrator(m port.MigrationExecutor) Option {
	return func(o *Orchestrator) { o.migrator = m }
}

func WithLauncher(l port.TaskLauncher) Option {
	return func(o *Orchestrator) { o.launcher = l }
}

type nodeEvent struct {
	nodeID int
	status domain.NodeStatus
	done   chan error
}

// Orchestrator owns the task set and the ready set and drives dispatch.
//
// Lock order: passMu, then mu, then the analyzer, then ledger node locks.
// Dispatch workers never hold mu while talking to the ledger.
type Orchestrator struct {
	cfg       OrchestratorConfig
	ledger    *Ledger
	analyzer  *Analyzer
	strategy  port.Strategy
	telemetry port.TelemetrySink
	migrator  port.MigrationExecutor
	launcher  port.TaskLauncher
	log       *zap.Logger

	passMu  sync.Mutex
	inboxMu sync.Mutex
	inbox   *queue.Queue

	mu            sync.Mutex
	tasks         map[int]*domain.Task
	ready         map[int]struct{}
	claimed       map[int]struct{}
	completed     []int
	displaced     map[int]int
	graphs        map[uuid.UUID][]int
	decisions     []domain.SchedulingDecision
	noFeasible    int
	stats         SchedulingStats
	firstDispatch time.Time

	obsMu     sync.RWMutex
	observers map[int]EventHandler
	nextObsID int
}

func NewOrchestrator(cfg OrchestratorConfig, ledger *Ledger, analyzer *Analyzer, strategy port.Strategy, log *zap.Logger, opts ...Option) *Orchestrator {
	if cfg.MaxParallelTasks <= 0 {
		cfg.MaxParallelTasks = 1
	}
	o := &Orchestrator{
		cfg:       cfg,
		ledger:    ledger,
		analyzer:  analyzer,
		strategy:  strategy,
		telemetry: nopTelemetry{},
		migrator:  NoopMigrator{},
		log:       log,
		inbox:     queue.New(),
		tasks:     make(map[int]*domain.Task),
		ready:     make(map[int]struct{}),
		claimed:   make(map[int]struct{}),
		displaced: make(map[int]int),
		graphs:    make(map[uuid.UUID][]int),
		observers: make(map[int]EventHandler),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SubmitGraph admits a batch of tasks and their dependencies atomically.
// A cycle anywhere in the batch rejects all of it with a *domain.CycleError.
// Edges may start at previously submitted tasks but must end inside the batch.
func (o *Orchestrator) SubmitGraph(ctx context.Context, tasks []*domain.Task, deps []domain.DependencySpec) (uuid.UUID, error) {
	batch := make(map[int]*domain.Task, len(tasks))
	for _, t := range tasks {
		if err := t.Requirements.Validate(); err != nil {
			return uuid.Nil, fmt.Errorf("task %d: %w", t.ID, err)
		}
		if _, dup := batch[t.ID]; dup {
			return uuid.Nil, fmt.Errorf("task %d: %w", t.ID, domain.ErrDuplicateTask)
		}
		batch[t.ID] = t
	}
	for _, d := range deps {
		if _, ok := batch[d.To]; !ok {
			return uuid.Nil, fmt.Errorf("dependency %d -> %d: destination must be part of the submitted batch: %w", d.From, d.To, domain.ErrInvalidRequest)
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	for id := range batch {
		if _, exists := o.tasks[id]; exists {
			return uuid.Nil, fmt.Errorf("task %d: %w", id, domain.ErrDuplicateTask)
		}
	}
	if err := o.analyzer.BuildDAG(tasks, deps); err != nil {
		var cycle *domain.CycleError
		if errors.As(err, &cycle) {
			o.log.Warn("Graph rejected",
				zap.Int("from", cycle.From),
				zap.Int("to", cycle.To),
				zap.Ints("path", cycle.Path))
		}
		return uuid.Nil, err
	}

	id := uuid.New()
	ids := make([]int, 0, len(tasks))
	for _, t := range tasks {
		c := domain.NewTask(t.ID, t.Name, t.Requirements)
		c.Description = t.Description
		c.Priority = t.Priority
		if !t.CreatedAt.IsZero() {
			c.CreatedAt = t.CreatedAt
		}
		o.tasks[c.ID] = c
		ids = append(ids, c.ID)
	}
	for _, d := range deps {
		typ := d.Edge.Type
		if typ == "" {
			typ = domain.DependencyData
		}
		o.tasks[d.To].AddDependency(d.From, typ)
		o.tasks[d.From].AddDependent(d.To)
	}
	sort.Ints(ids)
	for _, tid := range ids {
		o.evaluate(tid)
	}
	o.graphs[id] = ids

	o.log.Info("Graph submitted",
		zap.String("graph_id", id.String()),
		zap.Int("tasks", len(ids)),
		zap.Int("dependencies", len(deps)),
		zap.Int("ready", len(o.ready)))
	return id, nil
}

// BuildDAG is SubmitGraph without the graph id
func (o *Orchestrator) BuildDAG(ctx context.Context, tasks []*domain.Task, deps []domain.DependencySpec) error {
	_, err := o.SubmitGraph(ctx, tasks, deps)
	return err
}

// GraphTasks returns the task ids submitted under a graph id
func (o *Orchestrator) GraphTasks(id uuid.UUID) ([]int, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids, ok := o.graphs[id]
	return append([]int(nil), ids...), ok
}

func (o *Orchestrator) AddTask(ctx context.Context, task *domain.Task) error {
	_, err := o.SubmitGraph(ctx, []*domain.Task{task}, nil)
	return err
}

// AddDependency makes to depend on from. The dependent must still be PENDING.
func (o *Orchestrator) AddDependency(ctx context.Context, from, to int, edge domain.Edge) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	src, ok := o.tasks[from]
	if !ok {
		return fmt.Errorf("dependency %d -> %d: %w", from, to, domain.ErrTaskNotFound)
	}
	dst, ok := o.tasks[to]
	if !ok {
		return fmt.Errorf("dependency %d -> %d: %w", from, to, domain.ErrTaskNotFound)
	}
	if dst.Status != domain.TaskStatusPending {
		return fmt.Errorf("dependency %d -> %d: task %d is %s: %w", from, to, to, dst.Status, domain.ErrInvalidRequest)
	}
	if _, inFlight := o.claimed[to]; inFlight {
		return fmt.Errorf("dependency %d -> %d: task %d is being dispatched: %w", from, to, to, domain.ErrInvalidRequest)
	}
	if err := o.analyzer.AddDependency(from, to, edge); err != nil {
		return err
	}
	typ := edge.Type
	if typ == "" {
		typ = domain.DependencyData
	}
	dst.AddDependency(from, typ)
	src.AddDependent(to)
	o.evaluate(to)
	return nil
}

// RemoveTask purges a task that is not RUNNING. Dependents lose the
// dependency, which is the only way to lift a cancelled or failed block.
func (o *Orchestrator) RemoveTask(ctx context.Context, id int) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	t, ok := o.tasks[id]
	if !ok {
		return fmt.Errorf("remove task %d: %w", id, domain.ErrTaskNotFound)
	}
	if t.Status == domain.TaskStatusRunning {
		return fmt.Errorf("remove task %d: running on node %d: %w", id, t.AssignedNode, domain.ErrInvalidRequest)
	}
	if _, inFlight := o.claimed[id]; inFlight {
		return fmt.Errorf("remove task %d: being dispatched: %w", id, domain.ErrInvalidRequest)
	}
	if err := o.analyzer.RemoveTask(id); err != nil {
		return err
	}
	for _, dep := range t.Dependencies {
		if d, ok := o.tasks[dep.TaskID]; ok {
			d.RemoveDependent(id)
		}
	}
	for _, dep := range t.Dependents {
		if d, ok := o.tasks[dep]; ok {
			d.RemoveDependency(id)
		}
	}
	delete(o.tasks, id)
	delete(o.ready, id)
	delete(o.displaced, id)
	for _, dep := range t.Dependents {
		o.evaluate(dep)
	}
	return nil
}

// ClearDAG drops every task. It is refused while any task holds a node.
func (o *Orchestrator) ClearDAG(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, t := range o.tasks {
		if t.Status == domain.TaskStatusRunning {
			return fmt.Errorf("clear graph: task %d is running: %w", id, domain.ErrInvalidRequest)
		}
	}
	if len(o.claimed) > 0 {
		return fmt.Errorf("clear graph: dispatch in flight: %w", domain.ErrInvalidRequest)
	}
	o.analyzer.Clear()
	o.tasks = make(map[int]*domain.Task)
	o.ready = make(map[int]struct{})
	o.displaced = make(map[int]int)
	o.graphs = make(map[uuid.UUID][]int)
	o.completed = nil
	o.firstDispatch = time.Time{}
	o.log.Info("Graph cleared")
	return nil
}

// Cancel stops a PENDING task. Its dependents stay blocked for good.
func (o *Orchestrator) Cancel(ctx context.Context, id int) error {
	o.mu.Lock()
	t, ok := o.tasks[id]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("cancel task %d: %w", id, domain.ErrTaskNotFound)
	}
	if err := t.Cancel(); err != nil {
		o.mu.Unlock()
		return err
	}
	delete(o.ready, id)
	delete(o.displaced, id)
	o.mu.Unlock()

	o.emit(ctx, domain.Event{Kind: domain.EventTaskCancelled, TaskID: id, NodeID: domain.NoNode})
	return nil
}

func (o *Orchestrator) Status(id int) (domain.TaskStatus, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[id]
	if !ok {
		return "", fmt.Errorf("task %d: %w", id, domain.ErrTaskNotFound)
	}
	return t.Status, nil
}

// Task returns a copy of the task
func (o *Orchestrator) Task(id int) (*domain.Task, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %d: %w", id, domain.ErrTaskNotFound)
	}
	return t.Clone(), nil
}

// ReadyTasks lists the ready set in dispatch order
func (o *Orchestrator) ReadyTasks() []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.orderedReady()
}

func (o *Orchestrator) RunningTasks() []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	var ids []int
	for id, t := range o.tasks {
		if t.Status == domain.TaskStatusRunning {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

// CompletedTasks returns ids in completion order
func (o *Orchestrator) CompletedTasks() []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]int(nil), o.completed...)
}

// DispatchPass applies queued node events, then places up to
// MaxParallelTasks ready tasks against one ledger snapshot. It returns the
// number of tasks placed.
func (o *Orchestrator) DispatchPass(ctx context.Context) (int, error) {
	o.passMu.Lock()
	defer o.passMu.Unlock()

	o.drainInbox(ctx)
	batch := o.claimReady(o.cfg.MaxParallelTasks)
	if len(batch) == 0 {
		return 0, nil
	}
	nodes := o.ledger.Snapshot()

	var (
		placedMu sync.Mutex
		placed   int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.MaxParallelTasks)
	for _, id := range batch {
		g.Go(func() error {
			d, err := o.dispatchOne(gctx, id, nodes)
			if err != nil {
				return err
			}
			if d.Placed() {
				placedMu.Lock()
				placed++
				placedMu.Unlock()
			}
			return nil
		})
	}
	err := g.Wait()

	o.log.Debug("Dispatch pass finished",
		zap.Int("claimed", len(batch)),
		zap.Int("placed", placed))
	return placed, err
}

// ScheduleTask places one ready task immediately, outside the batch order
func (o *Orchestrator) ScheduleTask(ctx context.Context, id int) (domain.SchedulingDecision, error) {
	o.passMu.Lock()
	defer o.passMu.Unlock()

	o.drainInbox(ctx)
	o.mu.Lock()
	t, ok := o.tasks[id]
	if !ok {
		o.mu.Unlock()
		return domain.SchedulingDecision{}, fmt.Errorf("schedule task %d: %w", id, domain.ErrTaskNotFound)
	}
	if _, isReady := o.ready[id]; !isReady {
		o.mu.Unlock()
		return domain.SchedulingDecision{}, fmt.Errorf("schedule task %d: %s and not ready: %w", id, t.Status, domain.ErrInvalidRequest)
	}
	delete(o.ready, id)
	o.claimed[id] = struct{}{}
	o.mu.Unlock()

	return o.dispatchOne(ctx, id, o.ledger.Snapshot())
}

// claimReady moves up to n tasks from the ready set to the claimed set.
// A claimed task belongs to exactly one dispatch worker.
func (o *Orchestrator) claimReady(n int) []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	ordered := o.orderedReady()
	if len(ordered) > n {
		ordered = ordered[:n]
	}
	for _, id := range ordered {
		delete(o.ready, id)
		o.claimed[id] = struct{}{}
	}
	return ordered
}

// orderedReady sorts the ready set by descending execution priority, ties by ascending id. Caller holds mu.
func (o *Orchestrator) orderedReady() []int {
	ids := make([]int, 0, len(o.ready))
	for id := range o.ready {
		ids = append(ids, id)
	}
	prio := o.analyzer.Priorities(ids)
	sort.Slice(ids, func(i, j int) bool {
		if prio[ids[i]] != prio[ids[j]] {
			return prio[ids[i]] > prio[ids[j]]
		}
		return ids[i] < ids[j]
	})
	return ids
}

// dispatchOne decides and commits a single claimed task
func (o *Orchestrator) dispatchOne(ctx context.Context, id int, nodes []domain.Node) (domain.SchedulingDecision, error) {
	start := time.Now()

	o.mu.Lock()
	t, ok := o.tasks[id]
	if !ok || t.Status != domain.TaskStatusPending {
		delete(o.claimed, id)
		o.mu.Unlock()
		return domain.SchedulingDecision{TaskID: id, TargetNode: domain.NoNode, Reasoning: "task no longer pending"}, nil
	}
	task := t.Clone()
	o.mu.Unlock()

	var d domain.SchedulingDecision
	if o.strategy.ScheduleTask(task) {
		d = o.strategy.SelectOptimalNode(task, nodes)
	} else {
		d = domain.SchedulingDecision{TaskID: id, TargetNode: domain.NoNode, Reasoning: "no feasible node: rejected by strategy", DecidedAt: time.Now()}
	}

	committed := domain.NoNode
	if d.Placed() {
		for _, nid := range append([]int{d.TargetNode}, d.Alternatives...) {
			err := o.ledger.Assign(nid, id, task.Requirements)
			if err == nil {
				committed = nid
				break
			}
			if errors.Is(err, domain.ErrCapacityInvariant) {
				o.log.DPanic("Ledger invariant violated during dispatch", zap.Int("task_id", id), zap.Int("node_id", nid), zap.Error(err))
				o.unclaim(id)
				return d, err
			}
			o.log.Debug("Commit refused, trying next candidate", zap.Int("task_id", id), zap.Int("node_id", nid), zap.Error(err))
		}
		switch {
		case committed == domain.NoNode:
			d.Reasoning = "no feasible node: candidates filled during pass"
			d.TargetNode = domain.NoNode
		case committed != d.TargetNode:
			d.Reasoning = fmt.Sprintf("%s; committed to alternative node %d", d.Reasoning, committed)
			d.TargetNode = committed
		}
	}

	o.mu.Lock()
	delete(o.claimed, id)
	if committed == domain.NoNode {
		o.noFeasible++
		if t.Status == domain.TaskStatusPending {
			o.evaluate(id)
		}
		o.record(d, time.Since(start))
		o.mu.Unlock()

		o.log.Debug("Task left pending", zap.Int("task_id", id), zap.String("reasoning", d.Reasoning))
		o.recordDecision(ctx, d)
		return d, nil
	}
	if err := t.Start(committed); err != nil {
		// cancelled while the decision was being made
		o.mu.Unlock()
		if _, rerr := o.ledger.Release(committed, id); rerr != nil {
			o.log.DPanic("Release after aborted commit failed", zap.Int("task_id", id), zap.Error(rerr))
			return d, rerr
		}
		d.TargetNode = domain.NoNode
		d.Reasoning = "task cancelled before commit"
		o.recordDecision(ctx, d)
		return d, nil
	}
	if o.firstDispatch.IsZero() {
		o.firstDispatch = time.Now()
	}
	var moves []domain.Migration
	if from, ok := o.displaced[id]; ok {
		moves = append(moves, domain.Migration{TaskID: id, From: from, To: committed, Reason: "node failure"})
		delete(o.displaced, id)
	}
	o.record(d, time.Since(start))
	assignment := domain.Assignment{Task: t.Clone(), NodeID: committed}
	o.mu.Unlock()

	o.log.Info("Task scheduled",
		zap.Int("task_id", id),
		zap.Int("node_id", committed),
		zap.Float64("score", d.OverallScore))
	o.recordDecision(ctx, d)
	if len(moves) > 0 {
		o.executeMigrations(ctx, moves)
	}
	if o.launcher != nil {
		if err := o.launcher.Launch(ctx, assignment); err != nil {
			o.log.Error("Launch failed, marking task failed", zap.Int("task_id", id), zap.Error(err))
			if ferr := o.FailTask(ctx, id, committed); ferr != nil && errors.Is(ferr, domain.ErrCapacityInvariant) {
				return d, ferr
			}
		}
	}
	return d, nil
}

func (o *Orchestrator) unclaim(id int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.claimed, id)
	o.evaluate(id)
}

// evaluate puts id in the ready set iff it is PENDING, unclaimed and every
// dependency is COMPLETED. Caller holds mu.
func (o *Orchestrator) evaluate(id int) {
	t, ok := o.tasks[id]
	if !ok {
		return
	}
	_, inFlight := o.claimed[id]
	if t.Status == domain.TaskStatusPending && !inFlight && t.DependenciesMet(o.statusOf) {
		o.ready[id] = struct{}{}
		return
	}
	delete(o.ready, id)
}

func (o *Orchestrator) statusOf(id int) (domain.TaskStatus, bool) {
	t, ok := o.tasks[id]
	if !ok {
		return "", false
	}
	return t.Status, true
}

// CompleteTask releases the task's claim and re-evaluates its dependents.
// nodeID is the node that ran the task; reports from any other node are stale.
func (o *Orchestrator) CompleteTask(ctx context.Context, id, nodeID int) error {
	return o.finish(ctx, id, nodeID, true)
}

// FailTask releases the task's claim. Dependents stay blocked.
func (o *Orchestrator) FailTask(ctx context.Context, id, nodeID int) error {
	return o.finish(ctx, id, nodeID, false)
}

// finish releases the claim before the status moves, so a failed release
// leaves the task RUNNING and its dependents reachable.
func (o *Orchestrator) finish(ctx context.Context, id, nodeID int, success bool) error {
	target := domain.TaskStatusFailed
	if success {
		target = domain.TaskStatusCompleted
	}

	o.mu.Lock()
	t, ok := o.tasks[id]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("finish task %d: %w", id, domain.ErrTaskNotFound)
	}
	if t.Status != domain.TaskStatusRunning {
		o.mu.Unlock()
		return &domain.TransitionError{TaskID: id, From: t.Status, To: target}
	}
	node := t.AssignedNode
	if node != nodeID {
		o.mu.Unlock()
		return fmt.Errorf("finish task %d: reported by node %d, running on node %d: %w", id, nodeID, node, domain.ErrStaleReport)
	}
	if _, rerr := o.ledger.Release(node, id); rerr != nil {
		o.mu.Unlock()
		o.log.DPanic("Release on finish failed", zap.Int("task_id", id), zap.Int("node_id", node), zap.Error(rerr))
		return rerr
	}
	var err error
	if success {
		err = t.Complete()
	} else {
		err = t.Fail()
	}
	if err != nil {
		o.mu.Unlock()
		return err
	}
	kind := domain.EventTaskFailed
	if success {
		kind = domain.EventTaskCompleted
		o.completed = append(o.completed, id)
		for _, dep := range t.Dependents {
			o.evaluate(dep)
		}
	}
	elapsed := t.ExecutionTime()
	status := t.Status
	o.mu.Unlock()

	o.log.Info("Task finished",
		zap.Int("task_id", id),
		zap.Int("node_id", node),
		zap.String("status", string(status)),
		zap.Duration("execution_time", elapsed))
	o.emit(ctx, domain.Event{Kind: kind, TaskID: id, NodeID: node})
	return nil
}

// OnNodeStatusChanged queues a health signal and applies it as soon as no
// pass is in flight. The returned error belongs to this signal.
func (o *Orchestrator) OnNodeStatusChanged(ctx context.Context, nodeID int, status domain.NodeStatus) error {
	ev := nodeEvent{nodeID: nodeID, status: status, done: make(chan error, 1)}
	o.inboxMu.Lock()
	o.inbox.Enqueue(ev)
	o.inboxMu.Unlock()

	o.passMu.Lock()
	o.drainInbox(ctx)
	o.passMu.Unlock()

	select {
	case err := <-ev.done:
		return err
	default:
		return nil
	}
}

// drainInbox applies queued node events in arrival order. Caller holds passMu.
func (o *Orchestrator) drainInbox(ctx context.Context) {
	for {
		o.inboxMu.Lock()
		if o.inbox.Len() == 0 {
			o.inboxMu.Unlock()
			return
		}
		ev := o.inbox.Dequeue().(nodeEvent)
		o.inboxMu.Unlock()
		ev.done <- o.applyNodeStatus(ctx, ev.nodeID, ev.status)
	}
}

func (o *Orchestrator) applyNodeStatus(ctx context.Context, nodeID int, status domain.NodeStatus) error {
	old, err := o.ledger.SetStatus(nodeID, status)
	if err != nil {
		o.log.Warn("Node status change rejected",
			zap.Int("node_id", nodeID),
			zap.String("from", string(old)),
			zap.String("to", string(status)),
			zap.Error(err))
		return err
	}
	if old == status {
		return nil
	}
	o.log.Info("Node status changed",
		zap.Int("node_id", nodeID),
		zap.String("from", string(old)),
		zap.String("to", string(status)))
	o.emit(ctx, domain.Event{Kind: domain.EventNodeStatus, TaskID: domain.NoNode, NodeID: nodeID, Detail: fmt.Sprintf("%s -> %s", old, status)})

	// OFFLINE is a clean leave; work still running there is treated like a failure
	if status != domain.NodeStatusFailed && status != domain.NodeStatusOffline {
		return nil
	}
	// claims and task states change together so a completion cannot slip in between
	o.mu.Lock()
	released, err := o.ledger.ReleaseAll(nodeID)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	var requeued []int
	for _, tid := range sortedKeys(o.tasks) {
		t := o.tasks[tid]
		if t.Status != domain.TaskStatusRunning || t.AssignedNode != nodeID {
			continue
		}
		if _, held := released[tid]; !held {
			o.log.DPanic("Running task had no claim on its node", zap.Int("task_id", tid), zap.Int("node_id", nodeID))
		}
		if err := t.Requeue(); err != nil {
			o.mu.Unlock()
			return err
		}
		o.displaced[tid] = nodeID
		o.evaluate(tid)
		requeued = append(requeued, tid)
	}
	o.mu.Unlock()

	o.log.Warn("Node lost, tasks requeued",
		zap.Int("node_id", nodeID),
		zap.String("status", string(status)),
		zap.Ints("tasks", requeued))
	for _, tid := range requeued {
		o.emit(ctx, domain.Event{Kind: domain.EventTaskRequeued, TaskID: tid, NodeID: nodeID, Detail: "node " + strings.ToLower(string(status))})
	}
	return nil
}

// Subscribe registers an observer and returns its handler id
func (o *Orchestrator) Subscribe(h EventHandler) int {
	o.obsMu.Lock()
	defer o.obsMu.Unlock()
	o.nextObsID++
	o.observers[o.nextObsID] = h
	return o.nextObsID
}

func (o *Orchestrator) Unsubscribe(id int) {
	o.obsMu.Lock()
	defer o.obsMu.Unlock()
	delete(o.observers, id)
}

func (o *Orchestrator) emit(ctx context.Context, ev domain.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	if err := o.telemetry.RecordEvent(ctx, ev); err != nil {
		o.log.Warn("Telemetry event dropped", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
	o.obsMu.RLock()
	handlers := make([]EventHandler, 0, len(o.observers))
	for _, id := range sortedKeys(o.observers) {
		handlers = append(handlers, o.observers[id])
	}
	o.obsMu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (o *Orchestrator) recordDecision(ctx context.Context, d domain.SchedulingDecision) {
	if err := o.telemetry.RecordDecision(ctx, d); err != nil {
		o.log.Warn("Telemetry decision dropped", zap.Int("task_id", d.TaskID), zap.Error(err))
	}
}

func (o *Orchestrator) executeMigrations(ctx context.Context, moves []domain.Migration) {
	if err := o.migrator.ExecuteMigrations(ctx, moves); err != nil {
		o.log.Error("Migration executor failed", zap.Int("moves", len(moves)), zap.Error(err))
	}
	for _, m := range moves {
		o.emit(ctx, domain.Event{
			Kind:   domain.EventTaskMigrated,
			TaskID: m.TaskID,
			NodeID: m.To,
			Detail: fmt.Sprintf("%d -> %d: %s", m.From, m.To, m.Reason),
		})
	}
}

// NoopMigrator accepts every move and does nothing
type NoopMigrator struct{}

func (NoopMigrator) ExecuteMigrations(context.Context, []domain.Migration) error { return nil }

type nopTelemetry struct{}

func (nopTelemetry) RecordDecision(context.Context, domain.SchedulingDecision) error { return nil }
func (nopTelemetry) RecordEvent(context.Context, domain.Event) error                { return nil }
