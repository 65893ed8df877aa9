package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/assessly/fieldsync/internal/offline/coordinator"
	"github.com/assessly/fieldsync/internal/offline/quota"
	"github.com/assessly/fieldsync/internal/offline/schema"
	"github.com/assessly/fieldsync/internal/ui"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show storage usage, sync backlog and warnings",
	Long: `Display the offline store status.

Shows:
  - Storage usage against the quota
  - Record counts and the sync backlog
  - Active storage warnings and what to do about them
  - Coordinator state, if a coordinator is running`,
	Run: func(cmd *cobra.Command, args []string) {
		jsonOutput, _ := cmd.Flags().GetBool("json")
		ctx := cmd.Context()

		st, err := fetchStatus(ctx, cfg.StatusURL())
		if err != nil {
			log.Debugf("Coordinator status unavailable: %v", err)
			a := openApp(ctx)
			defer a.Close()
			report, err := a.quota.State(ctx)
			if err != nil {
				fatal("failed to read storage state: %v", err)
			}
			st = &coordinator.Status{Storage: report}
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(st); err != nil {
				fatal("%v", err)
			}
			return
		}
		printStatus(st)
	},
}

// fetchStatus asks a running coordinator for its state.
func fetchStatus(ctx context.Context, url string) (*coordinator.Status, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}
	var st coordinator.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	return &st, nil
}

func printStatus(st *coordinator.Status) {
	fmt.Printf("\n%s Offline Store Status\n\n", ui.RenderAccent("📊"))
	fmt.Printf("Location: %s\n", cfg.DBPath())

	if st.Phase == "" {
		fmt.Printf("Coordinator: %s\n", ui.RenderMuted("not running"))
	} else {
		online := ui.RenderPass("online")
		if !st.Online {
			online = ui.RenderWarn("offline")
		}
		fmt.Printf("Coordinator: %s (version %s, %s, %d connected)\n", st.Phase, st.ActiveVersion, online, st.Peers)
		if st.SyncStopped {
			fmt.Printf("Sync: %s (run 'fieldsync sync' to resume)\n", ui.RenderWarn("stopped"))
		}
		if st.LastSync != nil {
			fmt.Printf("Last sync: %d synced, %d failed, %d remaining\n",
				st.LastSync.Synced, st.LastSync.Failed, st.LastSync.Remaining)
		}
	}

	if st.Storage != nil {
		printReport(st.Storage)
	}
	fmt.Println()
}

func printReport(r *quota.Report) {
	fmt.Println()
	ui.PrintUsage(os.Stdout, r.Usage, cfg.Quota.HighPct, cfg.Quota.CriticalPct)

	fmt.Println()
	for _, c := range schema.DomainCollections() {
		fmt.Printf("%-14s %d\n", string(c)+":", r.Stats.Counts[c])
	}
	fmt.Printf("Pending: %d   Failed: %d   Queued: %d\n", r.Stats.PendingCount, r.Stats.FailedCount, r.Stats.QueueLength)
	if r.Stats.OldestPending != nil {
		fmt.Printf("Oldest unsynced change: %s\n", ui.Ago(*r.Stats.OldestPending))
	}

	if len(r.Warnings) > 0 {
		fmt.Println()
		ui.PrintWarnings(os.Stdout, r.Warnings)
	}
}

func init() {
	statusCmd.Flags().Bool("json", false, "Output status as JSON")
	rootCmd.AddCommand(statusCmd)
}
