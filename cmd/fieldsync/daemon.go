package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/assessly/fieldsync/internal/offline/coordinator"
	"github.com/assessly/fieldsync/internal/offline/platform"
	"github.com/assessly/fieldsync/internal/ui"
	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the background sync coordinator (foreground)",
	Long: `Run the sync coordinator in the foreground.

The coordinator:
  1. Drains the sync queue on request, when connectivity returns and periodically
  2. Serves the message channel foreground instances connect to (/ws)
  3. Serves cached reads through the read-path proxy (/proxy/)
  4. Precaches the static manifest and activates new versions
  5. Runs the storage cleanup timer and publishes storage warnings

Only one coordinator may run per data directory. Use a process manager to
keep it running in the background.`,
	Run: func(cmd *cobra.Command, args []string) {
		if cfg.API.BaseURL == "" {
			fatal("api.base_url is not configured\n   Set it in fieldsync.yaml, FIELDSYNC_API_BASE_URL or --base-url")
		}

		pid := platform.PIDFile{Path: cfg.PIDPath()}
		if err := pid.Acquire(); err != nil {
			fatal("%v", err)
		}
		defer func() {
			if err := pid.Release(); err != nil {
				log.Warningf("%v", err)
			}
		}()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a := openApp(ctx)
		defer a.Close()

		c, closeCache, err := openCache(ctx, a.db)
		if err != nil {
			fatal("%v", err)
		}
		defer closeCache()

		origin, err := parseOrigin()
		if err != nil {
			fatal("%v", err)
		}

		scheduler := platform.NewTickerScheduler(log)
		defer scheduler.Stop()

		coord, err := coordinator.New(coordinator.Config{
			DB:                   a.db,
			Quota:                a.quota,
			Remote:               a.remote,
			Cache:                c,
			Origin:               origin,
			Allowlist:            cfg.Cache.APIAllowlist,
			ManifestPath:         cfg.Cache.Manifest,
			Scheduler:            scheduler,
			Notifier:             platform.NewTermNotifier(nil, cfg.Notify.Enabled, log),
			Guard:                a.guard,
			Listen:               cfg.Daemon.Listen,
			PeriodicInterval:     cfg.Sync.PeriodicInterval,
			ConnectivityInterval: cfg.Sync.ConnectivityCheck,
			CleanupInterval:      cfg.Quota.CleanupInterval,
			Logger:               log,
		})
		if err != nil {
			fatal("%v", err)
		}

		fmt.Printf("%s Starting sync coordinator...\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Store: %s\n", cfg.DBPath())
		fmt.Printf("   API: %s\n", cfg.API.BaseURL)
		fmt.Printf("   Channel: %s\n", cfg.ChannelURL())
		fmt.Printf("   Cache: %s\n", cfg.Cache.Backend)
		if logPath != "" {
			fmt.Printf("   Log: %s\n", logPath)
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		if err := coord.Run(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Coordinator stopped with error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Coordinator stopped\n", ui.RenderPass("✓"))
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
