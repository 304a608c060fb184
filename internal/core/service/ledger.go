package service

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/crabzie/clusterforge/internal/core/domain"
	"go.uber.org/zap"
)

type nodeEntry struct {
	mu   sync.Mutex
	node domain.Node
}

// Ledger is the per-node resource accounting. Every mutation of a node's
// usage happens under that node's mutex, together with the feasibility
// check that admits it.
type Ledger struct {
	mu     sync.RWMutex
	nodes  map[int]*nodeEntry
	policy domain.HealthPolicy
	now    func() time.Time
	log    *zap.Logger
}

func NewLedger(policy domain.HealthPolicy, log *zap.Logger) *Ledger {
	return &Ledger{
		nodes:  make(map[int]*nodeEntry),
		policy: policy,
		now:    time.Now,
		log:    log,
	}
}

// Register adds a node with no claims. Status defaults to ONLINE.
func (l *Ledger) Register(node domain.Node) error {
	if node.Capacity.CPU <= 0 || node.Capacity.MemoryGB <= 0 {
		return fmt.Errorf("register node %d: capacity must be positive", node.ID)
	}
	if node.Status == "" {
		node.Status = domain.NodeStatusOnline
	}
	if node.LastHeartbeat.IsZero() {
		node.LastHeartbeat = l.now()
	}
	node.Claims = make(map[int]domain.Requirements)
	node.Usage = domain.Usage{}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.nodes[node.ID]; ok {
		return fmt.Errorf("register node %d: %w", node.ID, domain.ErrDuplicateNode)
	}
	l.nodes[node.ID] = &nodeEntry{node: node}

	l.log.Info("Node registered",
		zap.Int("node_id", node.ID),
		zap.String("hostname", node.Hostname),
		zap.Float64("cpu", node.Capacity.CPU),
		zap.Float64("memory_gb", node.Capacity.MemoryGB))
	return nil
}

// Deregister removes a node that holds no claims
func (l *Ledger) Deregister(id int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.nodes[id]
	if !ok {
		return fmt.Errorf("deregister node %d: %w", id, domain.ErrNodeNotFound)
	}
	e.mu.Lock()
	claims := len(e.node.Claims)
	e.mu.Unlock()
	if claims > 0 {
		return &domain.CapacityError{NodeID: id, TaskID: domain.NoNode, Reason: fmt.Sprintf("node still holds %d claims", claims)}
	}
	delete(l.nodes, id)
	l.log.Info("Node deregistered", zap.Int("node_id", id))
	return nil
}

func (l *Ledger) entry(id int) (*nodeEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %d: %w", id, domain.ErrNodeNotFound)
	}
	return e, nil
}

// Feasible answers the admission rules for req against the node's current usage
func (l *Ledger) Feasible(id int, req domain.Requirements) bool {
	e, err := l.entry(id)
	if err != nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.node.CheckFeasible(req) == ""
}

// Assign claims req on node id for taskID. Feasibility is re-checked under the node lock.
func (l *Ledger) Assign(id, taskID int, req domain.Requirements) error {
	e, err := l.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := admit(&e.node, taskID, req); err != nil {
		return err
	}
	e.node.Claims[taskID] = req
	recompute(&e.node)
	return nil
}

// Release drops taskID's claim on node id and returns what it held
func (l *Ledger) Release(id, taskID int) (domain.Requirements, error) {
	e, err := l.entry(id)
	if err != nil {
		return domain.Requirements{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	req, ok := e.node.Claims[taskID]
	if !ok {
		return domain.Requirements{}, &domain.CapacityError{NodeID: id, TaskID: taskID, Reason: "release without claim"}
	}
	delete(e.node.Claims, taskID)
	recompute(&e.node)
	return req, nil
}

// Move transfers taskID's claim from one node to another. Both nodes are
// locked in ascending id order for the whole move, so no reader ever sees
// the claim on neither node or on both.
func (l *Ledger) Move(taskID, from, to int) error {
	if from == to {
		return &domain.CapacityError{NodeID: to, TaskID: taskID, Reason: "move to same node"}
	}
	src, err := l.entry(from)
	if err != nil {
		return err
	}
	dst, err := l.entry(to)
	if err != nil {
		return err
	}
	first, second := src, dst
	if to < from {
		first, second = dst, src
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	req, ok := src.node.Claims[taskID]
	if !ok {
		return &domain.CapacityError{NodeID: from, TaskID: taskID, Reason: "move without source claim"}
	}
	if err := admit(&dst.node, taskID, req); err != nil {
		return err
	}
	dst.node.Claims[taskID] = req
	recompute(&dst.node)
	delete(src.node.Claims, taskID)
	recompute(&src.node)
	return nil
}

// ReleaseAll drops every claim on node id and returns them
func (l *Ledger) ReleaseAll(id int) (map[int]domain.Requirements, error) {
	e, err := l.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	released := e.node.Claims
	e.node.Claims = make(map[int]domain.Requirements)
	recompute(&e.node)
	return released, nil
}

// SetStatus applies a node status transition and returns the previous status
func (l *Ledger) SetStatus(id int, status domain.NodeStatus) (domain.NodeStatus, error) {
	e, err := l.entry(id)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	old := e.node.Status
	if old == status {
		return old, nil
	}
	if !domain.ValidNodeTransition(old, status) {
		return old, fmt.Errorf("node %d %s -> %s: %w", id, old, status, domain.ErrInvalidNodeTransition)
	}
	e.node.Status = status
	if status == domain.NodeStatusOnline {
		e.node.LastHeartbeat = l.now()
	}
	return old, nil
}

// Heartbeat records that node id was alive at at
func (l *Ledger) Heartbeat(id int, at time.Time) error {
	e, err := l.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if at.After(e.node.LastHeartbeat) {
		e.node.LastHeartbeat = at
	}
	return nil
}

// Node returns a copy of one node with health evaluated now
func (l *Ledger) Node(id int) (domain.Node, error) {
	e, err := l.entry(id)
	if err != nil {
		return domain.Node{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return l.copyNode(&e.node, l.now()), nil
}

// Snapshot returns a consistent cut of every node, sorted by id. All node
// locks are held together while copying.
func (l *Ledger) Snapshot() []domain.Node {
	l.mu.RLock()
	entries := make([]*nodeEntry, 0, len(l.nodes))
	for _, e := range l.nodes {
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].node.ID < entries[j].node.ID })
	for _, e := range entries {
		e.mu.Lock()
	}
	now := l.now()
	out := make([]domain.Node, len(entries))
	for i, e := range entries {
		out[i] = l.copyNode(&e.node, now)
	}
	for _, e := range entries {
		e.mu.Unlock()
	}
	return out
}

// ListHealthy returns the ids of nodes that may receive work, ascending
func (l *Ledger) ListHealthy() []int {
	var ids []int
	for _, n := range l.Snapshot() {
		if n.Healthy {
			ids = append(ids, n.ID)
		}
	}
	return ids
}

// AverageMemoryCapacity is the mean memory capacity of registered nodes in GB
func (l *Ledger) AverageMemoryCapacity() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.nodes) == 0 {
		return 0
	}
	total := 0.0
	for _, e := range l.nodes {
		total += e.node.Capacity.MemoryGB
	}
	return total / float64(len(l.nodes))
}

// Efficiency is the share of registered memory capacity currently claimed
func (l *Ledger) Efficiency() float64 {
	var used, total float64
	for _, n := range l.Snapshot() {
		for _, r := range n.Claims {
			used += r.MemoryGB
		}
		total += n.Capacity.MemoryGB
	}
	return fraction(used, total)
}

// CheckInvariant verifies that no node's claims exceed its capacity
func (l *Ledger) CheckInvariant() error {
	for _, n := range l.Snapshot() {
		var cpu, mem float64
		for _, r := range n.Claims {
			cpu += r.CPU
			mem += r.MemoryGB
		}
		if cpu > n.Capacity.CPU+1e-6 || mem > n.Capacity.MemoryGB+1e-6 {
			return &domain.CapacityError{NodeID: n.ID, TaskID: domain.NoNode,
				Reason: fmt.Sprintf("claimed cpu %.2f/%.2f memory %.2f/%.2f", cpu, n.Capacity.CPU, mem, n.Capacity.MemoryGB)}
		}
	}
	return nil
}

// ClusterMetrics aggregates a snapshot; averages are taken over ONLINE nodes
func ClusterMetrics(nodes []domain.Node, at time.Time) domain.ClusterMetrics {
	m := domain.ClusterMetrics{TotalNodes: len(nodes), Timestamp: at}
	var cpu, mem, usedMem, capMem float64
	var memUsages []float64
	for i := range nodes {
		n := &nodes[i]
		switch n.Status {
		case domain.NodeStatusOnline:
			m.OnlineNodes++
			cpu += n.Usage.CPU
			mem += n.Usage.Memory
			usedMem += n.Usage.Memory * n.Capacity.MemoryGB
			capMem += n.Capacity.MemoryGB
			memUsages = append(memUsages, n.Usage.Memory)
		case domain.NodeStatusFailed:
			m.FailedNodes++
		}
	}
	if m.OnlineNodes > 0 {
		m.AverageCPUUsage = cpu / float64(m.OnlineNodes)
		m.AverageMemoryUsage = mem / float64(m.OnlineNodes)
		m.Utilization = usedMem / capMem
		m.LoadBalanceScore = 1 - stddev(memUsages)
	}
	return m
}

func (l *Ledger) copyNode(n *domain.Node, now time.Time) domain.Node {
	c := *n
	c.Claims = make(map[int]domain.Requirements, len(n.Claims))
	for k, v := range n.Claims {
		c.Claims[k] = v
	}
	c.Healthy = l.policy.IsHealthy(&c, now)
	return c
}

func admit(n *domain.Node, taskID int, req domain.Requirements) error {
	if _, dup := n.Claims[taskID]; dup {
		return &domain.CapacityError{NodeID: n.ID, TaskID: taskID, Reason: "task already claimed on node"}
	}
	if n.Status != domain.NodeStatusOnline {
		return &domain.InfeasibleError{NodeID: n.ID, Constraint: "node " + string(n.Status)}
	}
	if c := n.CheckFeasible(req); c != "" {
		return &domain.InfeasibleError{NodeID: n.ID, Constraint: c}
	}
	return nil
}

// recompute derives usage fractions from the claims so that assign and
// release stay exactly symmetric
func recompute(n *domain.Node) {
	var cpu, mem, disk, net float64
	for _, r := range n.Claims {
		cpu += r.CPU
		mem += r.MemoryGB
		disk += r.DiskGB
		net += r.NetworkMbps
	}
	n.Usage = domain.Usage{
		CPU:     fraction(cpu, n.Capacity.CPU),
		Memory:  fraction(mem, n.Capacity.MemoryGB),
		Disk:    fraction(disk, n.Capacity.DiskGB),
		Network: fraction(net, n.Capacity.NetworkMbps),
	}
}

func fraction(used, capacity float64) float64 {
	if capacity <= 0 {
		return 0
	}
	return clamp01(used / capacity)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func stddev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	mean := 0.0
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	v := 0.0
	for _, x := range xs {
		v += (x - mean) * (x - mean)
	}
	return math.Sqrt(v / float64(len(xs)))
}
