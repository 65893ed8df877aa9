package main

import (
	"fmt"
	"io"
	"os"

	"github.com/assessly/fieldsync/internal/ui"
	"github.com/spf13/cobra"
)

var exportCmd = &cobra.Command{
	Use:     "export",
	GroupID: "data",
	Short:   "Export local data as a JSON bundle",
	Long: `Export every assessment, photo and deficiency as a JSON bundle.

Photos larger than quota.export_inline_limit are exported without their
image data. Importing such a bundle on the same device keeps the images
already stored locally.`,
	Run: func(cmd *cobra.Command, args []string) {
		output, _ := cmd.Flags().GetString("output")
		ctx := cmd.Context()

		a := openApp(ctx)
		defer a.Close()

		var w io.Writer = os.Stdout
		if output != "" && output != "-" {
			// #nosec G304 - user-supplied output path
			f, err := os.Create(output)
			if err != nil {
				fatal("failed to create %s: %v", output, err)
			}
			defer f.Close()
			w = f
		}

		b, err := a.quota.ExportData(ctx, w)
		if err != nil {
			fatal("export failed: %v", err)
		}
		if w == os.Stdout {
			return
		}
		fmt.Fprintf(os.Stderr, "%s Exported %d records to %s\n", ui.RenderPass("✓"), b.Len(), output)
		omitted := 0
		for _, p := range b.Photos {
			if p.BlobOmitted {
				omitted++
			}
		}
		if omitted > 0 {
			fmt.Fprintf(os.Stderr, "   %d photos exported without image data (over %s)\n",
				omitted, ui.Bytes(cfg.Quota.ExportInlineLimit))
		}
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "data",
	Short:   "Import a JSON bundle written by export",
	Long: `Import records from an export bundle.

The bundle is validated before anything is written; an invalid bundle leaves
local data unchanged. Imported records that were not synced are queued again.
Use '-' to read from stdin.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		var r io.Reader = os.Stdin
		if args[0] != "-" {
			// #nosec G304 - user-supplied input path
			f, err := os.Open(args[0])
			if err != nil {
				fatal("failed to open %s: %v", args[0], err)
			}
			defer f.Close()
			r = f
		}

		a := openApp(ctx)
		defer a.Close()

		n, err := a.quota.ImportData(ctx, r)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			remedyHint(err)
			os.Exit(1)
		}
		fmt.Printf("%s Imported %d records\n", ui.RenderPass("✓"), n)
	},
}

func init() {
	exportCmd.Flags().StringP("output", "o", "", "Write the bundle to a file (default: stdout)")
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}
