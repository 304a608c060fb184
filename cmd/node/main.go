package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crabzie/clusterforge/config/logger"
	redisConfig "github.com/crabzie/clusterforge/config/storage/redis"
	config "github.com/crabzie/clusterforge/config/utils"
	"github.com/crabzie/clusterforge/internal/adapter/queue/rabbitmq"
	redisAdapter "github.com/crabzie/clusterforge/internal/adapter/storage/redis"
	"github.com/crabzie/clusterforge/internal/core/domain"
	"github.com/crabzie/clusterforge/internal/core/service"
	"go.uber.org/zap"
)

func main() {
	rootCtx, rootCtxCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer rootCtxCancel()

	// 1. Init Config & Logger
	appConfig := config.New()
	log, err := logger.Build(appConfig.Logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	nc := appConfig.Node
	if nc.Hostname == "" {
		nc.Hostname, _ = os.Hostname()
	}
	log = log.With(zap.String("service", "agent"), zap.Int("node_id", nc.ID), zap.String("hostname", nc.Hostname))
	log.Info("Starting Fog Node Agent")

	// 2. Init Adapters
	rds, err := redisConfig.New(rootCtx, appConfig.Redis, log)
	if err != nil {
		log.Fatal("Failed to init Redis", zap.Error(err))
	}
	coordinator := redisAdapter.NewNodeCoordinator(rds.Conn, appConfig.Redis.NodeTTL, log)

	// RabbitMQ is only used to announce a clean shutdown
	var announcer interface {
		PublishNodeStatus(ctx context.Context, nodeID int, status domain.NodeStatus) error
		Close() error
	}
	if appConfig.MQ.Enabled {
		qs, err := rabbitmq.NewQueueService(appConfig.MQ.URL(), log)
		if err != nil {
			log.Fatal("Failed to init RabbitMQ", zap.Error(err), zap.String("host", appConfig.MQ.Host))
		}
		announcer = qs
	}

	// 3. Heartbeat until shutdown
	agent := service.NewAgentService(domain.Node{
		ID:       nc.ID,
		Hostname: nc.Hostname,
		Capacity: domain.Capacity{
			CPU:         nc.CPU,
			MemoryGB:    nc.MemoryGB,
			DiskGB:      nc.DiskGB,
			NetworkMbps: nc.NetworkMbps,
		},
	}, coordinator, nc.HeartbeatInterval, log)
	if err := agent.StartAgent(rootCtx); err != nil {
		log.Fatal("Failed to start agent", zap.Error(err))
	}

	// 4. Leave the cluster cleanly
	log.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if announcer != nil {
		if err := announcer.PublishNodeStatus(shutdownCtx, nc.ID, domain.NodeStatusOffline); err != nil {
			log.Error("Failed to announce shutdown", zap.Error(err))
		}
		announcer.Close()
	}
	if err := coordinator.DeregisterNode(shutdownCtx, nc.ID); err != nil {
		log.Warn("Failed to deregister node", zap.Error(err))
	}
	rds.Close()

	log.Info("Shutdown complete")
}
