package service

import (
	"container/heap"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/crabzie/clusterforge/internal/core/domain"
	"go.uber.org/zap"
)

// AnalyzerConfig weights the execution priority and sizes transfer estimates
type AnalyzerConfig struct {
	PriorityWeight         float64
	HeightWeight           float64
	ReferenceBandwidthMbps float64
}

func DefaultAnalyzerConfig() AnalyzerConfig {
	return AnalyzerConfig{
		PriorityWeight:         0.5,
		HeightWeight:           0.5,
		ReferenceBandwidthMbps: 1000,
	}
}

type vertex struct {
	id         int
	req        domain.Requirements
	priority   domain.Priority
	deps       map[int]domain.Edge // dependency id -> edge into this vertex
	dependents map[int]struct{}
	depth      int
	height     int
}

type graph struct {
	vertices map[int]*vertex
	edges    int
	order    []int
}

func newGraph() *graph {
	return &graph{vertices: make(map[int]*vertex)}
}

func (g *graph) clone() *graph {
	c := &graph{vertices: make(map[int]*vertex, len(g.vertices)), edges: g.edges}
	for id, v := range g.vertices {
		nv := *v
		nv.deps = make(map[int]domain.Edge, len(v.deps))
		for k, e := range v.deps {
			nv.deps[k] = e
		}
		nv.dependents = make(map[int]struct{}, len(v.dependents))
		for k := range v.dependents {
			nv.dependents[k] = struct{}{}
		}
		c.vertices[id] = &nv
	}
	return c
}

// Analyzer maintains the task DAG as an arena keyed by task id with two
// adjacency maps. Mutations hold the write lock and recompute order, depth
// and height before releasing it, so readers always see one version.
type Analyzer struct {
	mu      sync.RWMutex
	g       *graph
	cfg     AnalyzerConfig
	version uint64
	log     *zap.Logger
}

func NewAnalyzer(cfg AnalyzerConfig, log *zap.Logger) *Analyzer {
	return &Analyzer{g: newGraph(), cfg: cfg, log: log}
}

// AddTask adds a vertex; re-adding an existing id is rejected
func (a *Analyzer) AddTask(id int, req domain.Requirements, p domain.Priority) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.g.addVertex(id, req, p); err != nil {
		return err
	}
	a.commit(a.g)
	return nil
}

// AddDependency adds from -> to (to depends on from). The edge is refused
// with a *domain.CycleError if to already reaches from.
func (a *Analyzer) AddDependency(from, to int, e domain.Edge) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.g.addEdge(from, to, e, a.cfg); err != nil {
		return err
	}
	a.commit(a.g)
	return nil
}

// BuildDAG admits a batch of tasks and edges on a copy of the graph and
// swaps it in only if every vertex and edge was accepted.
func (a *Analyzer) BuildDAG(tasks []*domain.Task, deps []domain.DependencySpec) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	next := a.g.clone()
	for _, t := range tasks {
		if err := next.addVertex(t.ID, t.Requirements, t.Priority); err != nil {
			return err
		}
	}
	for _, d := range deps {
		if err := next.addEdge(d.From, d.To, d.Edge, a.cfg); err != nil {
			return err
		}
	}
	a.commit(next)
	return nil
}

// RemoveTask deletes a vertex and every edge touching it
func (a *Analyzer) RemoveTask(id int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.g.vertices[id]
	if !ok {
		return fmt.Errorf("remove task %d: %w", id, domain.ErrTaskNotFound)
	}
	for dep := range v.deps {
		delete(a.g.vertices[dep].dependents, id)
		a.g.edges--
	}
	for dep := range v.dependents {
		delete(a.g.vertices[dep].deps, id)
		a.g.edges--
	}
	delete(a.g.vertices, id)
	a.commit(a.g)
	return nil
}

func (a *Analyzer) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.commit(newGraph())
}

// commit recomputes derived metrics for g and publishes it. Caller holds the write lock.
func (a *Analyzer) commit(g *graph) {
	order := kahn(g)
	for _, id := range order {
		v := g.vertices[id]
		v.depth = 0
		for dep := range v.deps {
			if d := g.vertices[dep].depth + 1; d > v.depth {
				v.depth = d
			}
		}
	}
	for i := len(order) - 1; i >= 0; i-- {
		v := g.vertices[order[i]]
		v.height = 0
		for dep := range v.dependents {
			if h := g.vertices[dep].height + 1; h > v.height {
				v.height = h
			}
		}
	}
	g.order = order
	a.g = g
	a.version++
	a.log.Debug("Graph updated",
		zap.Uint64("version", a.version),
		zap.Int("vertices", len(g.vertices)),
		zap.Int("edges", g.edges))
}

func (g *graph) addVertex(id int, req domain.Requirements, p domain.Priority) error {
	if _, ok := g.vertices[id]; ok {
		return fmt.Errorf("add task %d: %w", id, domain.ErrDuplicateTask)
	}
	g.vertices[id] = &vertex{
		id:         id,
		req:        req,
		priority:   p,
		deps:       make(map[int]domain.Edge),
		dependents: make(map[int]struct{}),
	}
	return nil
}

func (g *graph) addEdge(from, to int, e domain.Edge, cfg AnalyzerConfig) error {
	src, ok := g.vertices[from]
	if !ok {
		return fmt.Errorf("dependency %d -> %d: source %w", from, to, domain.ErrTaskNotFound)
	}
	dst, ok := g.vertices[to]
	if !ok {
		return fmt.Errorf("dependency %d -> %d: destination %w", from, to, domain.ErrTaskNotFound)
	}
	if from == to {
		return &domain.CycleError{From: from, To: to, Path: []int{from, from}}
	}
	if path := g.reach(to, from); path != nil {
		return &domain.CycleError{From: from, To: to, Path: append([]int{from}, path...)}
	}
	if e.Type == "" {
		e.Type = domain.DependencyData
	}
	if e.Type == domain.DependencyData && e.DataSizeGB > 0 {
		if e.MemoryOverlap == 0 {
			e.MemoryOverlap = clamp01(e.DataSizeGB / math.Max(src.req.MemoryGB, dst.req.MemoryGB))
		}
		if e.TransferTime == 0 && cfg.ReferenceBandwidthMbps > 0 {
			e.TransferTime = time.Duration(e.DataSizeGB * 8000 / cfg.ReferenceBandwidthMbps * float64(time.Second))
		}
	}
	if _, exists := dst.deps[from]; !exists {
		g.edges++
	}
	dst.deps[from] = e
	src.dependents[to] = struct{}{}
	return nil
}

// reach returns the path from -> ... -> to following dependent edges, or nil
func (g *graph) reach(from, to int) []int {
	parent := map[int]int{from: from}
	queue := []int{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == to {
			var path []int
			for n := to; ; n = parent[n] {
				path = append(path, n)
				if n == from {
					break
				}
			}
			for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
				path[i], path[j] = path[j], path[i]
			}
			return path
		}
		for _, next := range sortedKeys(g.vertices[cur].dependents) {
			if _, seen := parent[next]; !seen {
				parent[next] = cur
				queue = append(queue, next)
			}
		}
	}
	return nil
}

// kahn returns a topological order, breaking ties by ascending id. On a
// cyclic graph the order is shorter than the vertex count.
func kahn(g *graph) []int {
	inDegree := make(map[int]int, len(g.vertices))
	ready := &intHeap{}
	for id, v := range g.vertices {
		inDegree[id] = len(v.deps)
		if len(v.deps) == 0 {
			*ready = append(*ready, id)
		}
	}
	heap.Init(ready)

	order := make([]int, 0, len(g.vertices))
	for ready.Len() > 0 {
		id := heap.Pop(ready).(int)
		order = append(order, id)
		for dep := range g.vertices[id].dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				heap.Push(ready, dep)
			}
		}
	}
	return order
}

// TopologicalOrder returns every task after all of its dependencies
func (a *Analyzer) TopologicalOrder() []int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]int(nil), a.g.order...)
}

// Depth is the longest path from a root to id, in edges
func (a *Analyzer) Depth(id int) (int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.g.vertices[id]
	if !ok {
		return 0, fmt.Errorf("depth of %d: %w", id, domain.ErrTaskNotFound)
	}
	return v.depth, nil
}

// Height is the longest path from id to a sink, in edges
func (a *Analyzer) Height(id int) (int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.g.vertices[id]
	if !ok {
		return 0, fmt.Errorf("height of %d: %w", id, domain.ErrTaskNotFound)
	}
	return v.height, nil
}

// ExecutionPriority favors higher priority classes and tasks with longer chains behind them
func (a *Analyzer) ExecutionPriority(id int) (float64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.g.vertices[id]
	if !ok {
		return 0, fmt.Errorf("priority of %d: %w", id, domain.ErrTaskNotFound)
	}
	return a.priorityOf(v), nil
}

// Priorities returns execution priorities for ids computed against a single graph version
func (a *Analyzer) Priorities(ids []int) map[int]float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[int]float64, len(ids))
	for _, id := range ids {
		if v, ok := a.g.vertices[id]; ok {
			out[id] = a.priorityOf(v)
		}
	}
	return out
}

func (a *Analyzer) priorityOf(v *vertex) float64 {
	return float64(v.priority)*a.cfg.PriorityWeight + float64(v.height)*a.cfg.HeightWeight
}

// CriticalPath returns the longest chain by estimated duration, or by task
// count when no task carries a duration.
func (a *Analyzer) CriticalPath() []int {
	a.mu.RLock()
	defer a.mu.RUnlock()

	useDuration := false
	for _, v := range a.g.vertices {
		if v.req.EstimatedDuration > 0 {
			useDuration = true
			break
		}
	}
	weight := func(v *vertex) float64 {
		if useDuration {
			return v.req.EstimatedDuration.Seconds()
		}
		return 1
	}

	order := a.g.order
	longest := make(map[int]float64, len(order))
	for i := len(order) - 1; i >= 0; i-- {
		v := a.g.vertices[order[i]]
		best := 0.0
		for dep := range v.dependents {
			best = math.Max(best, longest[dep])
		}
		longest[v.id] = weight(v) + best
	}

	start := domain.NoNode
	for _, id := range order {
		if len(a.g.vertices[id].deps) != 0 {
			continue
		}
		if start == domain.NoNode || longest[id] > longest[start] || (longest[id] == longest[start] && id < start) {
			start = id
		}
	}
	if start == domain.NoNode {
		return nil
	}

	path := []int{start}
	for cur := start; ; {
		next := argmax(sortedKeys(a.g.vertices[cur].dependents), longest)
		if next == domain.NoNode {
			return path
		}
		path = append(path, next)
		cur = next
	}
}

// cumulativeMemory is the heaviest memory sum along any path ending at each vertex
func (g *graph) cumulativeMemory() map[int]float64 {
	cm := make(map[int]float64, len(g.order))
	for _, id := range g.order {
		v := g.vertices[id]
		best := 0.0
		for dep := range v.deps {
			best = math.Max(best, cm[dep])
		}
		cm[id] = v.req.MemoryGB + best
	}
	return cm
}

// pathInto backtracks the memory-heaviest path that ends at id
func (g *graph) pathInto(id int, cm map[int]float64) []int {
	path := []int{id}
	for cur := id; ; {
		prev := argmax(sortedKeys(g.vertices[cur].deps), cm)
		if prev == domain.NoNode {
			break
		}
		path = append(path, prev)
		cur = prev
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// MemoryCriticalPath returns the path maximizing cumulative memory rather than duration
func (a *Analyzer) MemoryCriticalPath() []int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.g.order) == 0 {
		return nil
	}
	cm := a.g.cumulativeMemory()
	end := argmax(sortedKeys(a.g.vertices), cm)
	return a.g.pathInto(end, cm)
}

// AnalyzeMemoryUsage profiles the memory-heaviest dependency path into id.
// Each timeline point is the task's footprint plus the share of its
// predecessor's footprint that a data edge keeps resident alongside it.
func (a *Analyzer) AnalyzeMemoryUsage(id int, nodeAverageMemoryGB float64) (domain.MemoryProfile, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if _, ok := a.g.vertices[id]; !ok {
		return domain.MemoryProfile{}, fmt.Errorf("memory profile of %d: %w", id, domain.ErrTaskNotFound)
	}
	cm := a.g.cumulativeMemory()
	path := a.g.pathInto(id, cm)

	p := domain.MemoryProfile{Timeline: make([]float64, len(path))}
	for i, tid := range path {
		v := a.g.vertices[tid]
		m := v.req.MemoryGB
		if i > 0 {
			prev := a.g.vertices[path[i-1]]
			m += v.deps[prev.id].MemoryOverlap * prev.req.MemoryGB
		}
		p.Timeline[i] = m
		p.PeakGB = math.Max(p.PeakGB, m)
		p.AverageGB += m
	}
	p.AverageGB /= float64(len(path))
	for _, m := range p.Timeline {
		p.Variance += (m - p.AverageGB) * (m - p.AverageGB)
	}
	p.Variance /= float64(len(path))

	switch {
	case nodeAverageMemoryGB > 0:
		p.PressureScore = clamp01(p.PeakGB / nodeAverageMemoryGB)
	case p.PeakGB > 0:
		p.PressureScore = 1
	}
	return p, nil
}

// CalculateMemoryPressure is the pressure score of AnalyzeMemoryUsage
func (a *Analyzer) CalculateMemoryPressure(id int, nodeAverageMemoryGB float64) float64 {
	p, err := a.AnalyzeMemoryUsage(id, nodeAverageMemoryGB)
	if err != nil {
		return 0
	}
	return p.PressureScore
}

// EstimatePeakMemory sums memory per depth level and returns the largest level
func (a *Analyzer) EstimatePeakMemory() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	levels := make(map[int]float64)
	peak := 0.0
	for _, v := range a.g.vertices {
		levels[v.depth] += v.req.MemoryGB
		peak = math.Max(peak, levels[v.depth])
	}
	return peak
}

// HasCycles runs a full DFS. Admission already refuses cycles.
func (a *Analyzer) HasCycles() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	const (
		white = iota
		gray
		black
	)
	color := make(map[int]int, len(a.g.vertices))
	var visit func(id int) bool
	visit = func(id int) bool {
		color[id] = gray
		for next := range a.g.vertices[id].dependents {
			switch color[next] {
			case gray:
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}
	for _, id := range sortedKeys(a.g.vertices) {
		if color[id] == white && visit(id) {
			return true
		}
	}
	return false
}

// ConnectedComponents groups tasks into independent sub-DAGs, ignoring edge direction
func (a *Analyzer) ConnectedComponents() [][]int {
	a.mu.RLock()
	defer a.mu.RUnlock()

	seen := make(map[int]bool, len(a.g.vertices))
	var components [][]int
	for _, id := range sortedKeys(a.g.vertices) {
		if seen[id] {
			continue
		}
		var comp []int
		stack := []int{id}
		seen[id] = true
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			comp = append(comp, cur)
			v := a.g.vertices[cur]
			for dep := range v.deps {
				if !seen[dep] {
					seen[dep] = true
					stack = append(stack, dep)
				}
			}
			for dep := range v.dependents {
				if !seen[dep] {
					seen[dep] = true
					stack = append(stack, dep)
				}
			}
		}
		sort.Ints(comp)
		components = append(components, comp)
	}
	return components
}

// Dependencies returns the ids id depends on, ascending
func (a *Analyzer) Dependencies(id int) []int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if v, ok := a.g.vertices[id]; ok {
		return sortedKeys(v.deps)
	}
	return nil
}

// Dependents returns the ids that depend on id, ascending
func (a *Analyzer) Dependents(id int) []int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if v, ok := a.g.vertices[id]; ok {
		return sortedKeys(v.dependents)
	}
	return nil
}

// DataOverlap returns the memory overlap of a data edge between x and y in either direction
func (a *Analyzer) DataOverlap(x, y int) (float64, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, pair := range [2][2]int{{x, y}, {y, x}} {
		v, ok := a.g.vertices[pair[1]]
		if !ok {
			continue
		}
		if e, ok := v.deps[pair[0]]; ok && e.Type == domain.DependencyData {
			return e.MemoryOverlap, true
		}
	}
	return 0, false
}

func (a *Analyzer) VertexCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.g.vertices)
}

func (a *Analyzer) EdgeCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.g.edges
}

func (a *Analyzer) Contains(id int) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.g.vertices[id]
	return ok
}

// Version increases with every committed mutation
func (a *Analyzer) Version() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.version
}

// Describe renders the graph one vertex per line in topological order
func (a *Analyzer) Describe() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var b strings.Builder
	fmt.Fprintf(&b, "DAG: %d tasks, %d dependencies\n", len(a.g.vertices), a.g.edges)
	for _, id := range a.g.order {
		v := a.g.vertices[id]
		fmt.Fprintf(&b, "  task %d depth=%d height=%d deps=%v\n", id, v.depth, v.height, sortedKeys(v.deps))
	}
	return b.String()
}

// argmax picks the id with the highest score; ids must be ascending so ties go to the lowest id
func argmax(ids []int, score map[int]float64) int {
	best := domain.NoNode
	for _, id := range ids {
		if best == domain.NoNode || score[id] > score[best] {
			best = id
		}
	}
	return best
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

type intHeap []int

func (h intHeap) Len() int           { return len(h) }
func (h intHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
