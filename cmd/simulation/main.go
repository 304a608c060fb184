package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/crabzie/clusterforge/internal/core/domain"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
)

var (
	flagAPI      string
	flagDuration time.Duration
	flagEvery    time.Duration
	flagSeed     int64
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "simulation",
		Short: "Inject random task graphs into a running scheduler",
		RunE:  run,
	}
	rootCmd.Flags().StringVar(&flagAPI, "api", "http://localhost:8080", "Scheduler API base URL")
	rootCmd.Flags().DurationVar(&flagDuration, "duration", 5*time.Minute, "How long to inject traffic")
	rootCmd.Flags().DurationVar(&flagEvery, "every", 5*time.Second, "Injection interval")
	rootCmd.Flags().Int64Var(&flagSeed, "seed", time.Now().UnixNano(), "Random seed")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	rng := rand.New(rand.NewSource(flagSeed))
	client := &http.Client{Timeout: 10 * time.Second}

	fmt.Printf("🚀 Starting %s Traffic Simulation against %s...\n", flagDuration, flagAPI)
	fmt.Println("   Monitoring Scheduler metrics...")

	endTime := time.Now().Add(flagDuration)
	ticker := time.NewTicker(flagEvery)
	defer ticker.Stop()

	nextID := 1
	for range ticker.C {
		if time.Now().After(endTime) {
			fmt.Println("\n✅ Simulation Complete.")
			return nil
		}

		req := randomGraph(rng, nextID)
		nextID += len(req.Tasks)
		fmt.Printf("\n[Generator] Injecting %d tasks, %d dependencies...\n", len(req.Tasks), len(req.Dependencies))
		if err := post(client, flagAPI+"/graphs", req); err != nil {
			log.Printf("Failed to submit graph: %v", err)
			continue
		}
		if err := printMetrics(client, flagAPI+"/metrics"); err != nil {
			log.Println("Monitor error:", err)
		}
	}
	return nil
}

type taskRequest struct {
	ID           int                 `json:"id"`
	Name         string              `json:"name"`
	Priority     string              `json:"priority"`
	Requirements domain.Requirements `json:"requirements"`
}

type graphRequest struct {
	Tasks        []taskRequest           `json:"tasks"`
	Dependencies []domain.DependencySpec `json:"dependencies"`
}

var priorities = []string{"low", "normal", "high", "critical"}

// randomGraph builds a small layered DAG; edges only point from lower to higher ids
func randomGraph(rng *rand.Rand, firstID int) graphRequest {
	n := rng.Intn(5) + 1
	var g graphRequest
	for i := 0; i < n; i++ {
		req := domain.DefaultRequirements()
		// Simulate "Tight" constraints randomly
		switch r := rng.Float64(); {
		case r < 0.3: // Heavy CPU
			req.CPU = 2 + rng.Float64()*2
			req.MemoryGB = 0.5
		case r < 0.6: // Heavy Mem
			req.CPU = 0.5
			req.MemoryGB = 4 + rng.Float64()*8
		default: // Lite
			req.CPU = 0.25
			req.MemoryGB = 0.25
		}
		req.EstimatedDuration = time.Duration(1+rng.Intn(10)) * time.Second

		id := firstID + i
		g.Tasks = append(g.Tasks, taskRequest{
			ID:           id,
			Name:         fmt.Sprintf("sim-task-%d", id),
			Priority:     priorities[rng.Intn(len(priorities))],
			Requirements: req,
		})
		if i > 0 && rng.Float64() < 0.5 {
			g.Dependencies = append(g.Dependencies, domain.DependencySpec{
				From: firstID + rng.Intn(i),
				To:   id,
				Edge: domain.Edge{
					Type:          domain.DependencyData,
					DataSizeGB:    rng.Float64() * 2,
					MemoryOverlap: rng.Float64() * 0.5,
				},
			})
		}
	}
	return g
}

func post(client *http.Client, url string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := client.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status %d: %s", resp.StatusCode, gjson.GetBytes(msg, "message").String())
	}
	return nil
}

func printMetrics(client *http.Client, url string) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	m := gjson.ParseBytes(body)
	fmt.Printf("   👀 ready=%d running=%d completed=%d unplaced=%d efficiency=%.0f%%\n",
		m.Get("scheduler.ready_count").Int(),
		m.Get("scheduler.running_count").Int(),
		m.Get("scheduler.completed_count").Int(),
		m.Get("scheduler.no_feasible_count").Int(),
		m.Get("scheduler.cluster_memory_efficiency").Float()*100)
	return nil
}
