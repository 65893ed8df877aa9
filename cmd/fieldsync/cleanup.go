package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/assessly/fieldsync/internal/offline/schema"
	"github.com/assessly/fieldsync/internal/ui"
	"github.com/charmbracelet/huh"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var cleanupCmd = &cobra.Command{
	Use:     "cleanup",
	GroupID: "maint",
	Short:   "Delete synced data past the retention period",
	Long: `Delete synced records and photos older than the retention period.

Unsynced data is never removed. The cutoff defaults to quota.retention and
can be given as a duration or a date:

  fieldsync cleanup
  fieldsync cleanup --older-than 168h
  fieldsync cleanup --older-than "last monday"`,
	Run: func(cmd *cobra.Command, args []string) {
		olderThan, _ := cmd.Flags().GetString("older-than")
		ctx := cmd.Context()

		a := openApp(ctx)
		defer a.Close()

		var (
			res schema.CleanupResult
			err error
		)
		if olderThan == "" {
			res, err = a.quota.RunCleanup(ctx)
		} else {
			cutoff, perr := parseCutoff(olderThan, time.Now())
			if perr != nil {
				fatal("%v", perr)
			}
			fmt.Printf("%s Removing synced data last changed before %s\n",
				ui.RenderAccent("🧹"), cutoff.Local().Format("2006-01-02 15:04"))
			res, err = a.quota.CleanupOlderThan(ctx, cutoff)
		}
		if err != nil {
			fatal("cleanup failed: %v", err)
		}
		printCleanup(res)
	},
}

var clearCmd = &cobra.Command{
	Use:     "clear",
	GroupID: "maint",
	Short:   "Delete local data",
	Long: `Delete local data from this device.

  --synced  delete every synced record and photo (unsynced data is kept)
  --all     delete everything, including changes that were never synced

Export first if unsynced changes must be kept: fieldsync export -o backup.json`,
	Run: func(cmd *cobra.Command, args []string) {
		synced, _ := cmd.Flags().GetBool("synced")
		all, _ := cmd.Flags().GetBool("all")
		yes, _ := cmd.Flags().GetBool("yes")
		ctx := cmd.Context()

		if synced == all {
			fatal("specify exactly one of --synced or --all")
		}

		a := openApp(ctx)
		defer a.Close()

		if all && !yes {
			report, err := a.quota.State(ctx)
			if err != nil {
				fatal("%v", err)
			}
			unsynced := report.Stats.PendingCount + report.Stats.FailedCount
			prompt := "Delete all local data?"
			if unsynced > 0 {
				prompt = fmt.Sprintf("Delete all local data, including %d unsynced changes?", unsynced)
			}
			ok, err := confirm(prompt)
			if err != nil {
				fatal("%v", err)
			}
			if !ok {
				fmt.Println("Cancelled")
				return
			}
		}

		var (
			res schema.CleanupResult
			err error
		)
		if all {
			res, err = a.quota.ClearAllData(ctx)
		} else {
			res, err = a.quota.ClearSyncedData(ctx)
		}
		if err != nil {
			fatal("clear failed: %v", err)
		}
		printCleanup(res)
	},
}

// parseCutoff accepts a Go duration ("720h") or a natural language time
// ("last monday", "march 1") relative to now.
func parseCutoff(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return time.Time{}, fmt.Errorf("--older-than must be positive")
		}
		return now.Add(-d), nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --older-than %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("invalid --older-than %q: not a duration or date", s)
	}
	if r.Time.After(now) {
		return time.Time{}, fmt.Errorf("--older-than %q is in the future", s)
	}
	return r.Time, nil
}

// confirm asks a yes/no question. Without a terminal it refuses, so
// scripted destructive runs must pass --yes.
func confirm(title string) (bool, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false, fmt.Errorf("refusing to delete without confirmation; pass --yes")
	}
	var ok bool
	err := huh.NewConfirm().
		Title(title).
		Affirmative("Delete").
		Negative("Cancel").
		Value(&ok).
		Run()
	return ok, err
}

func printCleanup(res schema.CleanupResult) {
	if res.Empty() {
		fmt.Printf("%s Nothing to remove\n", ui.RenderPass("✓"))
		return
	}
	fmt.Printf("%s Removed local data\n", ui.RenderPass("✓"))
	fmt.Printf("   Assessments: %d\n", res.DeletedAssessments)
	fmt.Printf("   Photos: %d\n", res.DeletedPhotos)
	fmt.Printf("   Deficiencies: %d\n", res.DeletedDeficiencies)
	fmt.Printf("   Queue entries: %d\n", res.DeletedSyncItems)
	fmt.Printf("   Freed: %s\n", ui.Bytes(res.FreedBytes))
}

func init() {
	cleanupCmd.Flags().String("older-than", "", "Cutoff as a duration or date (default: quota.retention)")
	clearCmd.Flags().Bool("synced", false, "Delete synced data only")
	clearCmd.Flags().Bool("all", false, "Delete all local data")
	clearCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(clearCmd)
}
