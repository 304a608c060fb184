package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/crabzie/clusterforge/internal/core/domain"
	"github.com/crabzie/clusterforge/internal/core/port"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const nodeKeyPrefix = "node:"

var _ port.NodeCoordinator = &nodeCoordinator{}

type nodeCoordinator struct {
	client redis.UniversalClient
	ttl    time.Duration
	log    *zap.Logger
}

// NewNodeCoordinator keeps one expiring key per node; a node whose agent
// stops heartbeating simply disappears from GetActiveNodes after ttl
func NewNodeCoordinator(client redis.UniversalClient, ttl time.Duration, log *zap.Logger) *nodeCoordinator {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &nodeCoordinator{
		client: client,
		ttl:    ttl,
		log:    log,
	}
}

func nodeKey(id int) string {
	return fmt.Sprintf("%s%d", nodeKeyPrefix, id)
}

// RegisterNode saves the node record and extends its TTL (heartbeat)
func (c *nodeCoordinator) RegisterNode(ctx context.Context, node *domain.Node) error {
	rec := *node
	rec.Claims = nil
	rec.Usage = domain.Usage{}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, nodeKey(node.ID), data, c.ttl).Err()
}

// DeregisterNode removes the record at once instead of waiting for expiry
func (c *nodeCoordinator) DeregisterNode(ctx context.Context, id int) error {
	return c.client.Del(ctx, nodeKey(id)).Err()
}

// GetActiveNodes returns every node whose key has not expired, sorted by id
func (c *nodeCoordinator) GetActiveNodes(ctx context.Context) ([]*domain.Node, error) {
	var nodes []*domain.Node
	iter := c.client.Scan(ctx, 0, nodeKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		val, err := c.client.Get(ctx, iter.Val()).Result()
		if err != nil {
			continue // Skip expired/deleted keys race condition
		}

		var node domain.Node
		if err := json.Unmarshal([]byte(val), &node); err != nil {
			c.log.Warn("Skipping unreadable node record", zap.String("key", iter.Val()), zap.Error(err))
			continue
		}
		nodes = append(nodes, &node)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}
