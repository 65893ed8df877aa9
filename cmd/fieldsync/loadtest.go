package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/assessly/fieldsync/internal/offline/loadtest"
	"github.com/assessly/fieldsync/internal/ui"
	"github.com/spf13/cobra"
)

var loadtestCmd = &cobra.Command{
	Use:   "loadtest",
	Short: "Measure local write latency while the queue drains",
	Long: `Run a load test against a scratch store.

This command creates a throwaway database with the specified number of
records, then runs concurrent writers while a drain loop replays the queue
against an in-memory remote with simulated latency. It reports write latency
percentiles and checks that every record converges to synced at its latest
version.

Examples:
  # Default: 1000 records, 8 writers, 50 writes each
  fieldsync loadtest

  # Heavier run with JSON output
  fieldsync loadtest --records 5000 --writers 32 --json
`,
	Run:     runLoadtest,
	GroupID: "maint",
}

func init() {
	loadtestCmd.Flags().Int("records", 1000, "Number of records in the scratch store")
	loadtestCmd.Flags().Int("writers", 8, "Number of concurrent writers")
	loadtestCmd.Flags().Int("writes", 50, "Writes per writer")
	loadtestCmd.Flags().Float64("synced", 0.7, "Share of records already synced (0.0-1.0)")
	loadtestCmd.Flags().Duration("converge", 2*time.Second, "How long to run writers during the convergence check")
	loadtestCmd.Flags().Bool("json", false, "Output results as JSON")
	rootCmd.AddCommand(loadtestCmd)
}

func runLoadtest(cmd *cobra.Command, args []string) {
	records, _ := cmd.Flags().GetInt("records")
	writers, _ := cmd.Flags().GetInt("writers")
	writes, _ := cmd.Flags().GetInt("writes")
	synced, _ := cmd.Flags().GetFloat64("synced")
	converge, _ := cmd.Flags().GetDuration("converge")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	if records <= 0 {
		fatal("--records must be positive")
	}
	if writers <= 0 {
		fatal("--writers must be positive")
	}
	if writes <= 0 {
		fatal("--writes must be positive")
	}
	if synced < 0 || synced > 1 {
		fatal("--synced must be between 0.0 and 1.0")
	}

	dir, err := os.MkdirTemp("", "fieldsync-loadtest-")
	if err != nil {
		fatal("%v", err)
	}
	defer os.RemoveAll(dir)

	if !jsonOutput {
		fmt.Printf("%s Creating scratch store with %d records (%.0f%% synced)...\n",
			ui.RenderAccent("🧪"), records, synced*100)
	}
	ts, err := loadtest.CreateTestStore(filepath.Join(dir, "loadtest.db"), records, synced, log)
	if err != nil {
		fatal("%v", err)
	}
	defer ts.Close()

	stats, err := ts.RunConcurrentWriters(writers, writes)
	if err != nil {
		fatal("%v", err)
	}
	convErr := ts.VerifyConvergence(writers, converge)

	if jsonOutput {
		output := map[string]interface{}{
			"config": map[string]interface{}{
				"records": records,
				"writers": writers,
				"writes":  writes,
				"synced":  synced,
			},
			"latency": map[string]interface{}{
				"min_ms":  stats.Min.Milliseconds(),
				"p50_ms":  stats.P50.Milliseconds(),
				"mean_ms": stats.Mean.Milliseconds(),
				"p95_ms":  stats.P95.Milliseconds(),
				"p99_ms":  stats.P99.Milliseconds(),
				"max_ms":  stats.Max.Milliseconds(),
			},
			"writes":       stats.TotalWrites,
			"errors":       stats.Errors,
			"remote_calls": ts.Remote.Calls(),
			"converged":    convErr == nil,
		}
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(output); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
			os.Exit(1)
		}
	} else {
		stats.PrintStats()
		fmt.Printf("   Remote calls: %d\n", ts.Remote.Calls())
		if convErr == nil {
			fmt.Printf("%s All records converged\n", ui.RenderPass("✓"))
		}
	}

	if convErr != nil {
		fmt.Fprintf(os.Stderr, "%s Convergence failed: %v\n", ui.RenderFail("✗"), convErr)
		os.Exit(1)
	}
	if stats.Errors > 0 {
		os.Exit(1)
	}
}
