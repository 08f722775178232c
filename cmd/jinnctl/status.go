package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const defaultWorkerAddr = "http://127.0.0.1:8716"

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a running worker's health and efficiency counters",
	Long: `Query the worker's health endpoint and render the result.

Examples:
  jinnctl status
  jinnctl status --addr http://10.0.4.12:8716
  jinnctl status -o yaml`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().String("addr", defaultWorkerAddr, "worker ops server address")
	rootCmd.AddCommand(statusCmd)
}

// workerHealth mirrors the worker's /health payload.
type workerHealth struct {
	Status              string           `json:"status" yaml:"status"`
	NodeID              string           `json:"node_id" yaml:"node_id"`
	UptimeSeconds       int64            `json:"uptime_seconds" yaml:"uptime_seconds"`
	LastActivitySeconds int64            `json:"last_activity_seconds" yaml:"last_activity_seconds"`
	Processed           uint64           `json:"processed" yaml:"processed"`
	Failed              uint64           `json:"failed" yaml:"failed"`
	InFlight            int              `json:"in_flight" yaml:"in_flight"`
	Efficiency          workerEfficiency `json:"efficiency" yaml:"efficiency"`
}

type workerEfficiency struct {
	IdleCycles       uint64  `json:"idle_cycles" yaml:"idle_cycles"`
	AvgJobDurationMS int64   `json:"avg_job_duration_ms" yaml:"avg_job_duration_ms"`
	TotalExecMS      int64   `json:"total_execution_ms" yaml:"total_execution_ms"`
	TotalIdleMS      int64   `json:"total_idle_ms" yaml:"total_idle_ms"`
	IdlePercent      float64 `json:"idle_percent" yaml:"idle_percent"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(addr, "/")+"/health", nil)
	if err != nil {
		return fmt.Errorf("invalid worker address %s: %w", addr, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("worker unreachable at %s: %w", addr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("worker returned %s", resp.Status)
	}

	var health workerHealth
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("failed to parse health response: %w", err)
	}

	return render(health, func() {
		fmt.Printf("%s Worker %s is %s\n\n", green("●"), bold(health.NodeID), health.Status)
		fmt.Printf("  Uptime:        %s\n", time.Duration(health.UptimeSeconds)*time.Second)
		fmt.Printf("  Last activity: %s ago\n", time.Duration(health.LastActivitySeconds)*time.Second)
		fmt.Printf("  Processed:     %d (%d failed)\n", health.Processed, health.Failed)
		fmt.Printf("  In flight:     %d\n", health.InFlight)
		fmt.Printf("\n")
		fmt.Printf("  Idle cycles:   %d\n", health.Efficiency.IdleCycles)
		fmt.Printf("  Avg job:       %s\n", time.Duration(health.Efficiency.AvgJobDurationMS)*time.Millisecond)
		fmt.Printf("  Busy:          %s\n", time.Duration(health.Efficiency.TotalExecMS)*time.Millisecond)
		fmt.Printf("  Idle:          %s (%.2f%%)\n",
			time.Duration(health.Efficiency.TotalIdleMS)*time.Millisecond,
			health.Efficiency.IdlePercent,
		)
	})
}
