package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/storage/redis/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	redisAdapter "github.com/crabzie/clusterforge/internal/adapter/storage/redis"
)

var (
	flagRedis    string
	flagInterval time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Follow scheduler activity in the terminal",
		Long: `monitor reads the scheduler's JSON log from stdin and prints task and node
lifecycle events, e.g.

	scheduler serve 2>&1 | monitor

With --redis it also prints the metrics snapshot the scheduler caches.`,
		SilenceUsage: true,
		RunE:         run,
	}
	rootCmd.Flags().StringVar(&flagRedis, "redis", "", "Redis address holding the cached scheduler metrics")
	rootCmd.Flags().DurationVar(&flagInterval, "interval", 5*time.Second, "Metrics poll interval")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, BoldCyan("🚀 Cluster Activity Monitor Starting..."))
	fmt.Fprintln(out, Dim("Listening for task and node events on stdin..."))
	fmt.Fprintln(out, "-------------------------------------------------------------------------")

	if flagRedis != "" {
		storage := redis.New(redis.Config{Addrs: []string{flagRedis}})
		defer storage.Close()
		go pollMetrics(ctx, out, redisAdapter.NewMetricsCache(storage, 0, zap.NewNop()))
	}

	return follow(ctx, cmd.InOrStdin(), out)
}

// follow renders every recognised log line until the input ends or ctx is done
func follow(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		if s, ok := render(scanner.Bytes()); ok {
			fmt.Fprintln(out, s)
		}
	}
	return scanner.Err()
}

type snapshotLoader interface {
	LoadMetrics(ctx context.Context) (redisAdapter.MetricsSnapshot, bool, error)
}

func pollMetrics(ctx context.Context, out io.Writer, cache snapshotLoader) {
	ticker := time.NewTicker(flagInterval)
	defer ticker.Stop()
	var last time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, ok, err := cache.LoadMetrics(ctx)
			if err != nil {
				fmt.Fprintln(out, Red("metrics unavailable: "+err.Error()))
				continue
			}
			if !ok || !snap.StoredAt.After(last) {
				continue
			}
			last = snap.StoredAt
			fmt.Fprintln(out, renderMetrics(snap))
		}
	}
}
