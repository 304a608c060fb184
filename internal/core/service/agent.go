package service

import (
	"context"
	"time"

	"github.com/crabzie/clusterforge/internal/core/domain"
	"github.com/crabzie/clusterforge/internal/core/port"
	"go.uber.org/zap"
)

// agentService keeps a node's membership record alive in the coordinator
type agentService struct {
	node        domain.Node
	coordinator port.NodeCoordinator
	interval    time.Duration
	log         *zap.Logger
}

func NewAgentService(node domain.Node, coordinator port.NodeCoordinator, interval time.Duration, log *zap.Logger) *agentService {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &agentService{node: node, coordinator: coordinator, interval: interval, log: log}
}

// StartAgent registers the node at once, then heartbeats until ctx is done
func (a *agentService) StartAgent(ctx context.Context) error {
	a.log.Info("Starting node agent", zap.Int("id", a.node.ID), zap.String("hostname", a.node.Hostname))
	if err := a.beat(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := a.beat(ctx); err != nil {
				a.log.Error("Heartbeat failed", zap.Error(err))
			} else {
				a.log.Debug("Heartbeat sent")
			}
		}
	}
}

func (a *agentService) beat(ctx context.Context) error {
	n := a.node
	n.Status = domain.NodeStatusOnline
	n.LastHeartbeat = time.Now()
	return a.coordinator.RegisterNode(ctx, &n)
}
