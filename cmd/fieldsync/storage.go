package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/assessly/fieldsync/internal/offline/schema"
	"github.com/assessly/fieldsync/internal/ui"
	"github.com/spf13/cobra"
)

var storageCmd = &cobra.Command{
	Use:     "storage",
	GroupID: "data",
	Short:   "Show storage used per project",
	Run: func(cmd *cobra.Command, args []string) {
		jsonOutput, _ := cmd.Flags().GetBool("json")
		ctx := cmd.Context()

		a := openApp(ctx)
		defer a.Close()

		byProject, err := a.quota.GetStorageByProject(ctx)
		if err != nil {
			fatal("%v", err)
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(byProject); err != nil {
				fatal("%v", err)
			}
			return
		}

		if len(byProject) == 0 {
			fmt.Printf("%s No local data\n", ui.RenderMuted("∅"))
			return
		}
		fmt.Printf("\n%s Storage by project\n\n", ui.RenderAccent("📦"))
		fmt.Printf("%-24s %11s %7s %12s %10s\n", "PROJECT", "ASSESSMENTS", "PHOTOS", "DEFICIENCIES", "SIZE")
		for _, p := range sortedProjects(byProject) {
			u := byProject[p]
			fmt.Printf("%-24s %11d %7d %12d %10s\n", p, u.Assessments, u.Photos, u.Deficiencies, ui.Bytes(u.Bytes))
		}
		fmt.Println()
	},
}

// sortedProjects orders projects by bytes used, largest first.
func sortedProjects(m map[string]*schema.ProjectUsage) []string {
	out := make([]string, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if m[out[i]].Bytes != m[out[j]].Bytes {
			return m[out[i]].Bytes > m[out[j]].Bytes
		}
		return out[i] < out[j]
	})
	return out
}

func init() {
	storageCmd.Flags().Bool("json", false, "Output as JSON")
	rootCmd.AddCommand(storageCmd)
}
