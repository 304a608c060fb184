package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/tidwall/gjson"

	redisAdapter "github.com/crabzie/clusterforge/internal/adapter/storage/redis"
	"github.com/crabzie/clusterforge/internal/core/domain"
)

var (
	Dim      = color.New(color.Faint).SprintFunc()
	Red      = color.New(color.FgRed).SprintFunc()
	Green    = color.New(color.FgGreen).SprintFunc()
	Yellow   = color.New(color.FgYellow).SprintFunc()
	Blue     = color.New(color.FgBlue).SprintFunc()
	Magenta  = color.New(color.FgMagenta).SprintFunc()
	BoldCyan = color.New(color.Bold, color.FgCyan).SprintFunc()
)

// render turns one zap JSON line into a console line. Lines that are not
// lifecycle events or decisions are skipped.
func render(line []byte) (string, bool) {
	if !gjson.ValidBytes(line) {
		return "", false
	}
	entry := gjson.ParseBytes(line)
	msg := entry.Get("msg").String()
	task := entry.Get("task_id").Int()
	node := entry.Get("node_id").Int()

	switch msg {
	case "Scheduling decision":
		if !entry.Get("placed").Exists() {
			return fmt.Sprintf("📥 %s task %d -> node %d (score %.2f)", Yellow("Placed"), task, node, entry.Get("overall_score").Float()), true
		}
		return fmt.Sprintf("⏳ %s task %d: %s", Dim("Waiting"), task, entry.Get("reasoning").String()), true

	case "Lifecycle event":
		switch domain.EventKind(entry.Get("kind").String()) {
		case domain.EventTaskCompleted:
			return fmt.Sprintf("✅ %s task %d on node %d", Green("Finished"), task, node), true
		case domain.EventTaskFailed:
			return fmt.Sprintf("❌ %s task %d on node %d", Red("Failed"), task, node), true
		case domain.EventTaskCancelled:
			return fmt.Sprintf("🚫 %s task %d", Dim("Cancelled"), task), true
		case domain.EventTaskRequeued:
			return fmt.Sprintf("🔁 %s task %d from node %d", Magenta("Requeued"), task, node), true
		case domain.EventTaskMigrated:
			return fmt.Sprintf("🚚 %s task %d: %s", Blue("Migrated"), task, entry.Get("detail").String()), true
		case domain.EventNodeStatus:
			return fmt.Sprintf("🖥️  %s node %d: %s", BoldCyan("Node"), node, entry.Get("detail").String()), true
		}
	}

	if entry.Get("level").String() == "ERROR" || entry.Get("level").String() == "error" {
		return fmt.Sprintf("❌ %s %s", Red("ERROR:"), msg), true
	}
	return "", false
}

func renderMetrics(s redisAdapter.MetricsSnapshot) string {
	return fmt.Sprintf("📊 %s ready=%d running=%d completed=%d failed=%d | nodes %d/%d online | mem efficiency %.0f%% | balance %.2f",
		BoldCyan("Metrics"),
		s.Metrics.ReadyCount,
		s.Metrics.RunningCount,
		s.Metrics.CompletedCount,
		s.Metrics.FailedCount,
		s.Cluster.OnlineNodes,
		s.Cluster.TotalNodes,
		s.Metrics.ClusterMemoryEfficiency*100,
		s.Cluster.LoadBalanceScore)
}
