package service

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/crabzie/clusterforge/internal/core/domain"
	"github.com/crabzie/clusterforge/internal/core/port"
	"go.uber.org/zap"
)

var (
	_ port.Strategy = &Selector{}
	_ port.Strategy = NoopStrategy{}
)

// SelectorConfig weights node scores and bounds rescheduling churn
type SelectorConfig struct {
	MemoryWeight        float64
	CPUWeight           float64
	NetworkWeight       float64
	RescheduleThreshold float64
	RescheduleMargin    float64
}

func DefaultSelectorConfig() SelectorConfig {
	return SelectorConfig{
		MemoryWeight:        0.4,
		CPUWeight:           0.4,
		NetworkWeight:       0.2,
		RescheduleThreshold: 0.85,
		RescheduleMargin:    0.1,
	}
}

// OverlapSource reports the memory overlap of a data edge between two tasks
type OverlapSource interface {
	DataOverlap(a, b int) (float64, bool)
}

// NodeScore is one candidate's component scores for a task
type NodeScore struct {
	NodeID  int
	Memory  float64
	CPU     float64
	Network float64
	Overall float64
}

// Selector is the memory-aware placement strategy. It works only on node
// snapshots; committing a choice is the ledger's job.
type Selector struct {
	cfg     SelectorConfig
	overlap OverlapSource
	log     *zap.Logger
}

func NewSelector(cfg SelectorConfig, overlap OverlapSource, log *zap.Logger) *Selector {
	return &Selector{cfg: cfg, overlap: overlap, log: log}
}

// ScheduleTask admits tasks whose requirements are well formed
func (s *Selector) ScheduleTask(task *domain.Task) bool {
	return task.Requirements.Validate() == nil
}

// CandidateNodes returns healthy nodes that pass admission for task. When
// none do, the second result names the constraints that failed.
func (s *Selector) CandidateNodes(task *domain.Task, nodes []domain.Node) ([]domain.Node, string) {
	var candidates []domain.Node
	failed := make(map[string][]int)
	for _, n := range nodes {
		if !n.Healthy {
			failed["unhealthy"] = append(failed["unhealthy"], n.ID)
			continue
		}
		if c := n.CheckFeasible(task.Requirements); c != "" {
			failed[c] = append(failed[c], n.ID)
			continue
		}
		candidates = append(candidates, n)
	}
	if len(candidates) > 0 {
		return candidates, ""
	}
	if len(nodes) == 0 {
		return nil, "no feasible node: no nodes registered"
	}
	keys := make([]string, 0, len(failed))
	for k := range failed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s on nodes %v", k, failed[k])
	}
	return nil, "no feasible node: " + strings.Join(parts, "; ")
}

// Score computes the weighted placement score of task on n
func (s *Selector) Score(task *domain.Task, n domain.Node) NodeScore {
	sc := NodeScore{
		NodeID:  n.ID,
		Memory:  1 - n.Usage.Memory - s.overlapPenalty(task, n),
		CPU:     1 - n.Usage.CPU,
		Network: 1 - n.Usage.Network,
	}
	sc.Overall = s.cfg.MemoryWeight*sc.Memory + s.cfg.CPUWeight*sc.CPU + s.cfg.NetworkWeight*sc.Network
	return sc
}

// overlapPenalty estimates extra memory pressure from tasks on n that share
// a data edge with task and may be resident at the same time
func (s *Selector) overlapPenalty(task *domain.Task, n domain.Node) float64 {
	if s.overlap == nil || n.Capacity.MemoryGB <= 0 {
		return 0
	}
	penalty := 0.0
	for other, req := range n.Claims {
		if other == task.ID {
			continue
		}
		if ov, ok := s.overlap.DataOverlap(task.ID, other); ok && ov > 0 {
			penalty += ov * math.Min(task.Requirements.MemoryGB, req.MemoryGB) / n.Capacity.MemoryGB
		}
	}
	return penalty
}

// Rank scores every node and orders them best first, ties by ascending id
func (s *Selector) Rank(task *domain.Task, nodes []domain.Node) []NodeScore {
	scores := make([]NodeScore, len(nodes))
	for i, n := range nodes {
		scores[i] = s.Score(task, n)
	}
	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].Overall != scores[j].Overall {
			return scores[i].Overall > scores[j].Overall
		}
		return scores[i].NodeID < scores[j].NodeID
	})
	return scores
}

// SelectOptimalNode picks the best scoring candidate. Alternatives keep the
// ranking so a caller can fall back when the first choice fills up.
func (s *Selector) SelectOptimalNode(task *domain.Task, nodes []domain.Node) domain.SchedulingDecision {
	d := domain.SchedulingDecision{
		TaskID:     task.ID,
		TargetNode: domain.NoNode,
		DecidedAt:  time.Now(),
	}
	candidates, reason := s.CandidateNodes(task, nodes)
	if len(candidates) == 0 {
		d.Reasoning = reason
		return d
	}
	ranked := s.Rank(task, candidates)
	best := ranked[0]
	d.TargetNode = best.NodeID
	d.MemoryScore = best.Memory
	d.CPUScore = best.CPU
	d.OverallScore = best.Overall
	for _, alt := range ranked[1:] {
		d.Alternatives = append(d.Alternatives, alt.NodeID)
	}
	d.Reasoning = fmt.Sprintf("node %d scored %.3f (memory %.3f, cpu %.3f, network %.3f) among %d candidates",
		best.NodeID, best.Overall, best.Memory, best.CPU, best.Network, len(candidates))
	return d
}

// FindBetterNodes returns candidates other than current that beat its score by more than the margin
func (s *Selector) FindBetterNodes(task *domain.Task, current domain.Node, nodes []domain.Node) []NodeScore {
	base := s.Score(task, current).Overall
	candidates, _ := s.CandidateNodes(task, nodes)
	var better []NodeScore
	for _, sc := range s.Rank(task, candidates) {
		if sc.NodeID != current.ID && sc.Overall-base > s.cfg.RescheduleMargin {
			better = append(better, sc)
		}
	}
	return better
}

// ShouldReschedule is true when current is over the memory threshold and a
// clearly better node exists; the best such node is returned
func (s *Selector) ShouldReschedule(task *domain.Task, current domain.Node, nodes []domain.Node) (int, bool) {
	if current.Usage.Memory <= s.cfg.RescheduleThreshold {
		return domain.NoNode, false
	}
	better := s.FindBetterNodes(task, current, nodes)
	if len(better) == 0 {
		return domain.NoNode, false
	}
	s.log.Debug("Reschedule candidate found",
		zap.Int("task_id", task.ID),
		zap.Int("from_node", current.ID),
		zap.Int("to_node", better[0].NodeID),
		zap.Float64("memory_usage", current.Usage.Memory))
	return better[0].NodeID, true
}

// NoopStrategy approves everything and places nothing. Tests use it to hold tasks in PENDING.
type NoopStrategy struct{}

func (NoopStrategy) ScheduleTask(*domain.Task) bool { return true }

func (NoopStrategy) SelectOptimalNode(task *domain.Task, _ []domain.Node) domain.SchedulingDecision {
	return domain.SchedulingDecision{
		TaskID:     task.ID,
		TargetNode: domain.NoNode,
		Reasoning:  "no feasible node: noop strategy",
		DecidedAt:  time.Now(),
	}
}

func (NoopStrategy) ShouldReschedule(*domain.Task, domain.Node, []domain.Node) (int, bool) {
	return domain.NoNode, false
}
