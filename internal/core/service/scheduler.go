package service

import (
	"context"
	"time"

	"github.com/crabzie/clusterforge/internal/core/domain"
	"github.com/crabzie/clusterforge/internal/core/port"
	"go.uber.org/zap"
)

// LoopConfig paces the scheduler loop. Rebalance and metrics run every N ticks.
type LoopConfig struct {
	Interval       time.Duration
	RebalanceEvery int
	MetricsEvery   int
}

func DefaultLoopConfig() LoopConfig {
	return LoopConfig{Interval: time.Second, RebalanceEvery: 5, MetricsEvery: 3}
}

type schedulerService struct {
	orch        *Orchestrator
	ledger      *Ledger
	coordinator port.NodeCoordinator
	monitor     port.MonitoringService
	cache       port.MetricsCache
	cfg         LoopConfig
	log         *zap.Logger
}

// NewSchedulerService wires the dispatch loop. coordinator, monitor and
// cache are optional; without a coordinator the ledger's nodes are treated
// as a static inventory that is always heartbeating.
func NewSchedulerService(
	orch *Orchestrator,
	ledger *Ledger,
	coordinator port.NodeCoordinator,
	monitor port.MonitoringService,
	cache port.MetricsCache,
	cfg LoopConfig,
	log *zap.Logger,
) *schedulerService {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &schedulerService{
		orch:        orch,
		ledger:      ledger,
		coordinator: coordinator,
		monitor:     monitor,
		cache:       cache,
		cfg:         cfg,
		log:         log,
	}
}

// StartScheduler runs one tick per interval until ctx is done
func (s *schedulerService) StartScheduler(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	count := 0
	for {
		select {
		case <-ctx.Done():
			s.log.Info("Stopping scheduler loop")
			return
		case <-ticker.C:
			count++
			s.Tick(ctx, count)
		}
	}
}

// Tick is one loop iteration: refresh membership, dispatch, and on
// schedule rebalance and publish metrics
func (s *schedulerService) Tick(ctx context.Context, count int) {
	if err := s.SyncNodes(ctx); err != nil {
		s.log.Warn("Node sync failed", zap.Error(err))
	}

	placed, err := s.orch.DispatchPass(ctx)
	if err != nil {
		s.log.Error("Dispatch pass failed", zap.Error(err))
	} else if placed > 0 {
		s.log.Info("Dispatch pass placed tasks", zap.Int("placed", placed))
	}

	if s.cfg.RebalanceEvery > 0 && count%s.cfg.RebalanceEvery == 0 {
		moves, err := s.orch.OptimizeMemoryUsage(ctx)
		if err != nil {
			s.log.Error("Rebalance pass failed", zap.Error(err))
		} else if len(moves) > 0 {
			s.log.Info("Rebalance pass migrated tasks", zap.Int("migrations", len(moves)))
		}
	}

	if s.cfg.MetricsEvery > 0 && count%s.cfg.MetricsEvery == 0 {
		m := s.orch.Metrics()
		cm := s.orch.ClusterMetrics()
		s.log.Info("Scheduler Heartbeat - Active and Monitoring",
			zap.Int("online_nodes", cm.OnlineNodes),
			zap.Int("ready", m.ReadyCount),
			zap.Int("running", m.RunningCount),
			zap.Int("completed", m.CompletedCount),
			zap.Float64("memory_efficiency", m.ClusterMemoryEfficiency),
			zap.Duration("interval", s.cfg.Interval))
		if s.cache != nil {
			if err := s.cache.StoreMetrics(ctx, m, cm); err != nil {
				s.log.Warn("Failed to cache metrics", zap.Error(err))
			}
		}
	}
}

// SyncNodes reconciles the ledger with the coordinator's live members.
// Members whose heartbeat key expired are reported FAILED, members that
// came back or rejoined are reported ONLINE, and the optional liveness check degrades nodes
// whose exporter is down.
func (s *schedulerService) SyncNodes(ctx context.Context) error {
	if s.coordinator == nil {
		now := time.Now()
		for _, n := range s.ledger.Snapshot() {
			if n.Status != domain.NodeStatusFailed {
				_ = s.ledger.Heartbeat(n.ID, now)
			}
		}
		return nil
	}

	active, err := s.coordinator.GetActiveNodes(ctx)
	if err != nil {
		return err
	}
	live := make(map[int]*domain.Node, len(active))
	for _, n := range active {
		live[n.ID] = n
		if _, err := s.ledger.Node(n.ID); err != nil {
			reg := *n
			reg.Status = domain.NodeStatusOnline
			if err := s.ledger.Register(reg); err != nil {
				s.log.Warn("Failed to register node", zap.Int("node_id", n.ID), zap.Error(err))
			}
			continue
		}
		if err := s.ledger.Heartbeat(n.ID, n.LastHeartbeat); err != nil {
			s.log.Warn("Failed to record heartbeat", zap.Int("node_id", n.ID), zap.Error(err))
		}
	}

	for _, n := range s.ledger.Snapshot() {
		_, alive := live[n.ID]
		switch {
		case !alive && (n.Status == domain.NodeStatusOnline || n.Status == domain.NodeStatusDegraded):
			s.report(ctx, n.ID, domain.NodeStatusFailed)
		case alive && (n.Status == domain.NodeStatusFailed || n.Status == domain.NodeStatusOffline):
			s.report(ctx, n.ID, domain.NodeStatusOnline)
		case alive && s.monitor != nil && n.Hostname != "":
			up, err := s.monitor.NodeUp(ctx, n.Hostname)
			if err != nil {
				s.log.Debug("Liveness check unavailable", zap.Int("node_id", n.ID), zap.Error(err))
				continue
			}
			if !up && n.Status == domain.NodeStatusOnline {
				s.report(ctx, n.ID, domain.NodeStatusDegraded)
			} else if up && n.Status == domain.NodeStatusDegraded {
				s.report(ctx, n.ID, domain.NodeStatusOnline)
			}
		}
	}
	return nil
}

func (s *schedulerService) report(ctx context.Context, nodeID int, status domain.NodeStatus) {
	if err := s.orch.OnNodeStatusChanged(ctx, nodeID, status); err != nil {
		s.log.Warn("Node status change not applied",
			zap.Int("node_id", nodeID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}
