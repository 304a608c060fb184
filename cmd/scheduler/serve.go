package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	postgresConfig "github.com/crabzie/clusterforge/config/storage/postgresql"
	redisConfig "github.com/crabzie/clusterforge/config/storage/redis"
	config "github.com/crabzie/clusterforge/config/utils"
	"github.com/crabzie/clusterforge/internal/adapter/graphfile"
	"github.com/crabzie/clusterforge/internal/adapter/handler/api"
	"github.com/crabzie/clusterforge/internal/adapter/monitoring/prometheus"
	"github.com/crabzie/clusterforge/internal/adapter/queue/rabbitmq"
	"github.com/crabzie/clusterforge/internal/adapter/storage/postgres"
	redisAdapter "github.com/crabzie/clusterforge/internal/adapter/storage/redis"
	"github.com/crabzie/clusterforge/internal/adapter/telemetry"
	"github.com/crabzie/clusterforge/internal/core/domain"
	"github.com/crabzie/clusterforge/internal/core/port"
	"github.com/crabzie/clusterforge/internal/core/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// _readinessDrainDelay is time to sleep while context shutdown message propagate
const _readinessDrainDelay = 2 * time.Second

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler loop and the submission API",
		RunE: func(cmd *cobra.Command, args []string) error {
			rootCtx, rootCtxCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer rootCtxCancel()

			appConfig, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()
			return serve(rootCtx, appConfig, log)
		},
	}
	cmd.Flags().StringVarP(&flagGraph, "graph", "g", "", "HCL graph file submitted at startup")
	return cmd
}

func serve(ctx context.Context, appConfig *config.AppConfig, log *zap.Logger) error {
	sc := appConfig.Scheduler

	ledger := service.NewLedger(domain.HealthPolicy{
		FailoverTimeout: sc.FailoverTimeout,
		CPUThreshold:    sc.CPUThreshold,
		MemoryThreshold: sc.MemoryThreshold,
	}, log.Named("ledger"))
	for _, n := range appConfig.Cluster.Nodes {
		if err := ledger.Register(clusterNode(n)); err != nil {
			return err
		}
	}

	analyzer := service.NewAnalyzer(service.AnalyzerConfig{
		PriorityWeight:         sc.PriorityWeight,
		HeightWeight:           sc.HeightWeight,
		ReferenceBandwidthMbps: sc.ReferenceBandwidthMbps,
	}, log.Named("analyzer"))

	selector := service.NewSelector(service.SelectorConfig{
		MemoryWeight:        sc.MemoryWeight,
		CPUWeight:           sc.CPUWeight,
		NetworkWeight:       sc.NetworkWeight,
		RescheduleThreshold: sc.RescheduleThreshold,
		RescheduleMargin:    sc.RescheduleMargin,
	}, analyzer, log.Named("selector"))

	// Telemetry: always logged, persisted when the audit database is enabled
	sinks := telemetry.Fanout{telemetry.NewLogSink(log)}
	if appConfig.DB.Enabled {
		dbService, err := postgresConfig.New(ctx, appConfig.DB, log.Named("DB"))
		if err != nil {
			log.Error("Error initializing database connection", zap.Error(err))
			return err
		}
		defer dbService.Close()
		if err := dbService.Migrate(); err != nil {
			log.Error("Error migrating database", zap.Error(err))
			return err
		}
		log.Info("Successfully connected to the database", zap.String("host", appConfig.DB.Host))
		sinks = append(sinks, postgres.NewTelemetryRepository(dbService.Pool, *dbService.QueryBuilder, log.Named("telemetry")))
	}
	opts := []service.Option{service.WithTelemetry(sinks)}

	// Execution: RabbitMQ executors when enabled, otherwise the local pool
	var (
		queueService port.QueueService
		pool         interface {
			port.TaskLauncher
			SetReporter(port.TaskReporter)
			StartWorker(context.Context)
			Wait()
		}
	)
	if appConfig.MQ.Enabled {
		qs, err := rabbitmq.NewQueueService(appConfig.MQ.URL(), log.Named("MQ"))
		if err != nil {
			log.Error("Failed to init RabbitMQ", zap.Error(err), zap.String("host", appConfig.MQ.Host))
			return err
		}
		defer qs.Close()
		queueService = qs
		opts = append(opts, service.WithLauncher(qs), service.WithMigrator(qs))
	} else {
		p := service.NewWorkerService(nil, sc.ExecutionPoolSize, sc.ExecutionTimeScale, log.Named("worker"))
		pool = p
		opts = append(opts, service.WithLauncher(p))
	}

	orch := service.NewOrchestrator(service.OrchestratorConfig{
		MaxParallelTasks:        sc.MaxParallelTasks,
		MemoryCriticalThreshold: sc.MemoryCriticalThreshold,
		DecisionHistory:         sc.DecisionHistory,
	}, ledger, analyzer, selector, log.Named("orchestrator"), opts...)

	// Membership and metrics cache
	var (
		coordinator port.NodeCoordinator
		cache       port.MetricsCache
		monitor     port.MonitoringService
	)
	if appConfig.Redis.Enabled {
		rds, err := redisConfig.New(ctx, appConfig.Redis, log.Named("redis"))
		if err != nil {
			log.Error("Error initializing cache connection", zap.Error(err))
			return err
		}
		defer rds.Close()
		log.Info("Successfully connected to the cache server", zap.String("address", appConfig.Redis.Addr))
		coordinator = redisAdapter.NewNodeCoordinator(rds.Conn, appConfig.Redis.NodeTTL, log.Named("coordinator"))
		cache = redisAdapter.NewMetricsCache(rds.Client, 0, log.Named("cache"))
	}
	if appConfig.Prometheus.Enabled {
		monitor = prometheus.NewMonitoringService(appConfig.Prometheus.URL, log.Named("prometheus"))
	}

	if flagGraph != "" {
		g, err := graphfile.Load(flagGraph)
		if err != nil {
			return err
		}
		id, err := orch.SubmitGraph(ctx, g.Tasks, g.Dependencies)
		if err != nil {
			log.Error("Startup graph rejected", zap.String("file", flagGraph), zap.Error(err))
			return err
		}
		log.Info("Startup graph submitted", zap.String("file", flagGraph), zap.String("graph_id", id.String()))
	}

	scheduler := service.NewSchedulerService(orch, ledger, coordinator, monitor, cache, service.LoopConfig{
		Interval:       sc.Interval,
		RebalanceEvery: sc.RebalanceEvery,
		MetricsEvery:   sc.MetricsEvery,
	}, log.Named("scheduler"))

	server := &http.Server{
		Addr:         appConfig.HTTP.Addr,
		Handler:      api.NewHandler(orch, analyzer, ledger, log).Routes(),
		ReadTimeout:  appConfig.HTTP.ReadTimeout,
		WriteTimeout: appConfig.HTTP.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	if pool != nil {
		pool.SetReporter(orch)
		pool.StartWorker(gctx)
	}
	if queueService != nil {
		if err := queueService.ConsumeEvents(gctx, orch, orch); err != nil {
			log.Error("Failed to consume cluster events", zap.Error(err))
			return err
		}
	}
	g.Go(func() error {
		scheduler.StartScheduler(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// Wait for signal propagation
		time.Sleep(_readinessDrainDelay)
		zap.L().Info("Readiness check propagated, now waiting for ongoing requests to finish")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), appConfig.HTTP.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	if pool != nil {
		pool.Wait()
	}
	log.Info(orch.Report())
	zap.L().Info("Graceful shutdown complete.")
	return err
}

func clusterNode(n config.ClusterNode) domain.Node {
	return domain.Node{
		ID:       n.ID,
		Hostname: n.Hostname,
		Capacity: domain.Capacity{
			CPU:         n.CPU,
			MemoryGB:    n.MemoryGB,
			DiskGB:      n.DiskGB,
			NetworkMbps: n.NetworkMbps,
		},
		Status: domain.NodeStatusOnline,
	}
}
