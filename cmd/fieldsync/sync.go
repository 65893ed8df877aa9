package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/assessly/fieldsync/internal/offline/service"
	"github.com/assessly/fieldsync/internal/ui"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Sync queued changes now",
	Long: `Drain the sync queue now.

If a coordinator is running the request is sent to it and this command waits
for the cycle to complete. Otherwise the queue is drained in this process.

With --stop, a running coordinator finishes the entry in flight and then
stops syncing until the next 'fieldsync sync'.`,
	Run: func(cmd *cobra.Command, args []string) {
		stop, _ := cmd.Flags().GetBool("stop")
		ctx := cmd.Context()

		a := openApp(ctx)
		defer a.Close()

		if stop {
			if err := a.service.StopSync(ctx); err != nil {
				if errors.Is(err, service.ErrNoCoordinator) {
					fmt.Printf("%s No coordinator is running, nothing to stop\n", ui.RenderWarn("⚠"))
					return
				}
				fatal("%v", err)
			}
			fmt.Printf("%s Sync stopped\n", ui.RenderPass("✓"))
			return
		}

		fmt.Printf("%s Syncing queued changes...\n", ui.RenderAccent("🔄"))
		start := time.Now()
		report, err := a.service.RequestSync(ctx)
		if err != nil {
			if errors.Is(err, service.ErrNoCoordinator) {
				fatal("no coordinator is running and api.base_url is not configured")
			}
			fmt.Fprintf(os.Stderr, "Error during sync: %v\n", err)
			remedyHint(err)
			os.Exit(1)
		}

		mark := ui.RenderPass("✓")
		if report.Failed > 0 {
			mark = ui.RenderWarn("⚠")
		}
		via := "locally"
		if report.Coordinator {
			via = "by the coordinator"
		}
		fmt.Printf("%s Sync finished %s in %v\n", mark, via, time.Since(start).Round(time.Millisecond))
		fmt.Printf("   Synced: %d\n", report.Synced)
		fmt.Printf("   Failed: %d\n", report.Failed)
		fmt.Printf("   Remaining: %d\n", report.Remaining)
		if report.Failed > 0 {
			fmt.Printf("\nRun 'fieldsync status' to review failed changes\n")
		}
	},
}

func init() {
	syncCmd.Flags().Bool("stop", false, "Stop a running coordinator's sync")
	rootCmd.AddCommand(syncCmd)
}
