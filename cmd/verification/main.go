package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/crabzie/clusterforge/config/logger"
	postgresConfig "github.com/crabzie/clusterforge/config/storage/postgresql"
	redisConfig "github.com/crabzie/clusterforge/config/storage/redis"
	config "github.com/crabzie/clusterforge/config/utils"
	"github.com/crabzie/clusterforge/internal/adapter/monitoring/prometheus"
	"github.com/crabzie/clusterforge/internal/adapter/queue/rabbitmq"
	"github.com/crabzie/clusterforge/internal/adapter/storage/postgres"
	redisAdapter "github.com/crabzie/clusterforge/internal/adapter/storage/redis"
	"github.com/crabzie/clusterforge/internal/core/domain"
	"go.uber.org/zap"
)

// verification exercises every enabled adapter once against the live backends
func main() {
	// 1. Setup Logger & Config
	appConfig := config.New()
	log, err := logger.Build(appConfig.Logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	log.Info("Starting Verification...")
	failed := 0
	check := func(name string, err error) {
		if err != nil {
			failed++
			log.Error("X "+name, zap.Error(err))
			return
		}
		log.Info("✓ " + name)
	}

	const sentinelID = 9999
	decision := domain.SchedulingDecision{
		TaskID:     sentinelID,
		TargetNode: sentinelID,
		Reasoning:  "verification sentinel",
		DecidedAt:  time.Now(),
	}

	// 2. Test Postgres
	if appConfig.DB.Enabled {
		log.Info("--- Testing Postgres ---")
		dbService, err := postgresConfig.New(ctx, appConfig.DB, log)
		if err != nil {
			log.Fatal("Failed to connect to DB", zap.Error(err))
		}
		defer dbService.Close()
		check("Postgres: Ping", dbService.Ping(ctx))
		check("Postgres: Migrate", dbService.Migrate())

		repo := postgres.NewTelemetryRepository(dbService.Pool, *dbService.QueryBuilder, log)
		check("Postgres: Record Decision", repo.RecordDecision(ctx, decision))
		check("Postgres: Record Event", repo.RecordEvent(ctx, domain.Event{
			Kind:   domain.EventNodeStatus,
			TaskID: domain.NoNode,
			NodeID: sentinelID,
			Detail: "verification sentinel",
			At:     time.Now(),
		}))
	}

	// 3. Test Redis
	if appConfig.Redis.Enabled {
		log.Info("--- Testing Redis ---")
		rds, err := redisConfig.New(ctx, appConfig.Redis, log)
		if err != nil {
			log.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer rds.Close()

		coordinator := redisAdapter.NewNodeCoordinator(rds.Conn, time.Minute, log)
		node := &domain.Node{
			ID:            sentinelID,
			Hostname:      "verification",
			Capacity:      domain.Capacity{CPU: 4, MemoryGB: 8},
			Status:        domain.NodeStatusOnline,
			LastHeartbeat: time.Now(),
		}
		check("Redis: Register Node", coordinator.RegisterNode(ctx, node))

		nodes, err := coordinator.GetActiveNodes(ctx)
		if err == nil {
			err = fmt.Errorf("sentinel node not listed among %d nodes", len(nodes))
			for _, n := range nodes {
				if n.ID == sentinelID {
					err = nil
				}
			}
		}
		check("Redis: Get Nodes", err)
		check("Redis: Deregister Node", coordinator.DeregisterNode(ctx, sentinelID))

		cache := redisAdapter.NewMetricsCache(rds.Client, time.Minute, log)
		if _, ok, err := cache.LoadMetrics(ctx); err != nil {
			check("Redis: Load Metrics", err)
		} else {
			log.Info("✓ Redis: Load Metrics", zap.Bool("cached", ok))
		}
	}

	// 4. Test RabbitMQ
	if appConfig.MQ.Enabled {
		log.Info("--- Testing RabbitMQ ---")
		queue, err := rabbitmq.NewQueueService(appConfig.MQ.URL(), log)
		if err != nil {
			check("RabbitMQ: Connection", err)
		} else {
			defer queue.Close()
			check("RabbitMQ: Publish Migration", queue.ExecuteMigrations(ctx, []domain.Migration{
				{TaskID: sentinelID, From: sentinelID, To: sentinelID, Reason: "verification sentinel"},
			}))
		}
	}

	// 5. Test Prometheus
	if appConfig.Prometheus.Enabled {
		log.Info("--- Testing Prometheus ---")
		promClient := prometheus.NewMonitoringService(appConfig.Prometheus.URL, log)
		for _, n := range appConfig.Cluster.Nodes {
			up, err := promClient.NodeUp(ctx, n.Hostname)
			if err != nil {
				log.Warn("! Prometheus: Query Failed (Expected if bad connection or no data)", zap.Error(err))
				continue
			}
			log.Info("✓ Prometheus: Query Success", zap.String("hostname", n.Hostname), zap.Bool("up", up))
		}
	}

	if failed > 0 {
		log.Error("Verification Failed.", zap.Int("failed_checks", failed))
		os.Exit(1)
	}
	log.Info("Verification Complete.")
}
