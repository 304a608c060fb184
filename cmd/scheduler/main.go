package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/crabzie/clusterforge/config/logger"
	postgres "github.com/crabzie/clusterforge/config/storage/postgresql"
	config "github.com/crabzie/clusterforge/config/utils"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	flagConfig string
	flagGraph  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Memory-aware DAG scheduler for a heterogeneous cluster",
		Long: `scheduler accepts task graphs, places ready tasks on cluster nodes by
memory, cpu and network headroom, and moves work off failed or memory
pressured nodes.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "Config file (default ./config.yaml or /etc/secrets/config.yaml)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads the config and builds the base logger shared by every command
func setup() (*config.AppConfig, *zap.Logger, error) {
	var appConfig *config.AppConfig
	if flagConfig == "" {
		appConfig = config.New()
	} else {
		cfg, err := config.Load(flagConfig)
		if err != nil {
			return nil, nil, err
		}
		appConfig = cfg
	}

	baseLogger, err := logger.Build(appConfig.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("build logger: %w", err)
	}
	zap.L().Debug("Logger Builded successfully")
	zap.L().Info("Starting the application",
		zap.String("app", appConfig.App.Name),
		zap.String("env", appConfig.App.Env),
		zap.String("owner", appConfig.App.Owner))
	return appConfig, baseLogger, nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the audit database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			appConfig, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()

			dbService, err := postgres.New(ctx, appConfig.DB, log.Named("DB"))
			if err != nil {
				log.Error("Error initializing database connection", zap.Error(err))
				return err
			}
			defer dbService.Close()

			if err := dbService.Migrate(); err != nil {
				log.Error("Error migrating database", zap.Error(err))
				return err
			}
			log.Info("Successfully migrated the database")
			return nil
		},
	}
}
