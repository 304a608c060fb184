package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/crabzie/clusterforge/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeCoordinator struct {
	mu         sync.Mutex
	nodes      map[int]domain.Node
	registered []domain.Node
	err        error
}

func newFakeCoordinator(nodes ...domain.Node) *fakeCoordinator {
	c := &fakeCoordinator{nodes: make(map[int]domain.Node)}
	for _, n := range nodes {
		c.nodes[n.ID] = n
	}
	return c
}

func (c *fakeCoordinator) RegisterNode(_ context.Context, n *domain.Node) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.registered = append(c.registered, *n)
	c.nodes[n.ID] = *n
	return nil
}

func (c *fakeCoordinator) GetActiveNodes(context.Context) ([]*domain.Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	var out []*domain.Node
	for _, id := range sortedKeys(c.nodes) {
		n := c.nodes[id]
		n.LastHeartbeat = time.Now()
		out = append(out, &n)
	}
	return out, nil
}

func (c *fakeCoordinator) drop(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.nodes, id)
}

func (c *fakeCoordinator) registrations() []domain.Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Node(nil), c.registered...)
}

type fakeMonitor map[string]bool

func (m fakeMonitor) NodeUp(_ context.Context, host string) (bool, error) {
	up, ok := m[host]
	if !ok {
		return false, errors.New("no such target")
	}
	return up, nil
}

type fakeCache struct {
	stored []domain.Metrics
}

func (c *fakeCache) StoreMetrics(_ context.Context, m domain.Metrics, _ domain.ClusterMetrics) error {
	c.stored = append(c.stored, m)
	return nil
}

func hostNode(id int, host string) domain.Node {
	n := smallNode(id)
	n.Hostname = host
	return n
}

func TestTickWithStaticInventory(t *testing.T) {
	ctx := context.Background()
	o, ledger := newTestOrchestrator(t, DefaultOrchestratorConfig(), 1)
	cache := &fakeCache{}
	s := NewSchedulerService(o, ledger, nil, nil, cache, LoopConfig{Interval: time.Millisecond, RebalanceEvery: 1, MetricsEvery: 2}, zaptest.NewLogger(t))

	require.NoError(t, o.AddTask(ctx, domain.NewTask(1, "a", smallTask())))
	s.Tick(ctx, 1)
	assert.Equal(t, []int{1}, o.RunningTasks())
	assert.Empty(t, cache.stored)

	s.Tick(ctx, 2)
	require.Len(t, cache.stored, 1)
	assert.Equal(t, 1, cache.stored[0].RunningCount)
}

func TestSyncNodes(t *testing.T) {
	ctx := context.Background()
	log := zaptest.NewLogger(t)
	o, ledger := newTestOrchestrator(t, DefaultOrchestratorConfig(), 0)
	coord := newFakeCoordinator(hostNode(1, "n1"), hostNode(2, "n2"))
	monitor := fakeMonitor{"n1": true, "n2": true}
	s := NewSchedulerService(o, ledger, coord, monitor, nil, DefaultLoopConfig(), log)

	status := func(id int) domain.NodeStatus {
		n, err := ledger.Node(id)
		require.NoError(t, err)
		return n.Status
	}

	require.NoError(t, s.SyncNodes(ctx))
	assert.Equal(t, []int{1, 2}, ledger.ListHealthy())

	t.Run("expired member fails", func(t *testing.T) {
		coord.drop(2)
		require.NoError(t, s.SyncNodes(ctx))
		assert.Equal(t, domain.NodeStatusFailed, status(2))
	})

	t.Run("returning member comes back online", func(t *testing.T) {
		require.NoError(t, coord.RegisterNode(ctx, &domain.Node{ID: 2, Hostname: "n2", Capacity: smallNode(2).Capacity}))
		require.NoError(t, s.SyncNodes(ctx))
		assert.Equal(t, domain.NodeStatusOnline, status(2))
	})

	t.Run("liveness check degrades and restores", func(t *testing.T) {
		monitor["n1"] = false
		require.NoError(t, s.SyncNodes(ctx))
		assert.Equal(t, domain.NodeStatusDegraded, status(1))

		monitor["n1"] = true
		require.NoError(t, s.SyncNodes(ctx))
		assert.Equal(t, domain.NodeStatusOnline, status(1))
	})

	t.Run("coordinator error is returned", func(t *testing.T) {
		coord.err = errors.New("redis down")
		assert.Error(t, s.SyncNodes(ctx))
		coord.err = nil
	})
}

func TestStartSchedulerStops(t *testing.T) {
	o, ledger := newTestOrchestrator(t, DefaultOrchestratorConfig(), 1)
	s := NewSchedulerService(o, ledger, nil, nil, nil, LoopConfig{Interval: time.Millisecond}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, o.AddTask(ctx, domain.NewTask(1, "a", smallTask())))

	done := make(chan struct{})
	go func() {
		s.StartScheduler(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return len(o.RunningTasks()) == 1 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler loop did not stop")
	}
}
