package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/assessly/fieldsync/internal/offline/schema"
	"github.com/assessly/fieldsync/internal/ui"
	"github.com/spf13/cobra"
)

var putCmd = &cobra.Command{
	Use:     "put <collection>",
	GroupID: "data",
	Short:   "Create or update a record",
	Long: `Save an assessment or deficiency locally and queue it for sync.

The payload is read from --payload, or from stdin when --payload is '-'.
Without --id a new record is created.

Examples:
  fieldsync put assessments --project p1 --payload '{"score": 4}'
  fieldsync put deficiencies --project p1 --id d-17 --payload - < d17.json`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c := parseCollection(args[0])
		if c == schema.Photos {
			fatal("use 'fieldsync photo add' for photos")
		}
		id, _ := cmd.Flags().GetString("id")
		project, _ := cmd.Flags().GetString("project")
		asset, _ := cmd.Flags().GetString("asset")
		payloadArg, _ := cmd.Flags().GetString("payload")
		ctx := cmd.Context()

		payload, err := readPayload(payloadArg, os.Stdin)
		if err != nil {
			fatal("%v", err)
		}

		a := openApp(ctx)
		defer a.Close()

		rec, err := a.service.Put(ctx, c, &schema.Record{
			ID:        id,
			ProjectID: project,
			AssetID:   asset,
			Payload:   payload,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			remedyHint(err)
			os.Exit(1)
		}
		fmt.Printf("%s Saved %s %s (%s)\n", ui.RenderPass("✓"), singular(c), rec.ID, ui.RenderStatus(rec.SyncStatus))
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete <collection> <id>",
	GroupID: "data",
	Short:   "Delete a record and queue the deletion",
	Args:    cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		c := parseCollection(args[0])
		ctx := cmd.Context()

		a := openApp(ctx)
		defer a.Close()

		if err := a.service.Delete(ctx, c, args[1]); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Deleted %s %s\n", ui.RenderPass("✓"), singular(c), args[1])
	},
}

var getCmd = &cobra.Command{
	Use:     "get <collection> <id>",
	GroupID: "data",
	Short:   "Print a record as JSON",
	Args:    cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		c := parseCollection(args[0])
		ctx := cmd.Context()

		a := openApp(ctx)
		defer a.Close()

		rec, err := a.db.Get(ctx, c, args[1])
		if err != nil {
			fatal("%v", err)
		}
		// Blobs are not useful on a terminal.
		rec.Blob, rec.OriginalBlob = nil, nil
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rec); err != nil {
			fatal("%v", err)
		}
	},
}

var listCmd = &cobra.Command{
	Use:     "list <collection>",
	GroupID: "data",
	Short:   "List records",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c := parseCollection(args[0])
		statusArg, _ := cmd.Flags().GetString("status")
		ctx := cmd.Context()

		a := openApp(ctx)
		defer a.Close()

		var (
			recs []*schema.Record
			err  error
		)
		if statusArg == "" {
			recs, err = a.db.GetAll(ctx, c)
		} else {
			status := schema.SyncStatus(statusArg)
			if !status.Valid() {
				fatal("invalid --status %q (want pending, syncing, synced or failed)", statusArg)
			}
			recs, err = a.db.ListByStatus(ctx, c, status)
		}
		if err != nil {
			fatal("%v", err)
		}
		if len(recs) == 0 {
			fmt.Printf("No %s\n", c)
			return
		}
		for _, r := range recs {
			fmt.Printf("%-36s %-16s %-10s %s\n", r.ID, r.ProjectID, ui.RenderStatus(r.SyncStatus), ui.RenderMuted(ui.Ago(r.UpdatedAt)))
		}
	},
}

// readPayload returns the JSON payload given on the command line, or read
// from stdin for "-". An empty argument means no payload.
func readPayload(arg string, stdin io.Reader) (json.RawMessage, error) {
	var data []byte
	switch arg {
	case "":
		return nil, nil
	case "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read payload: %w", err)
		}
		data = b
	default:
		data = []byte(arg)
	}
	data = []byte(strings.TrimSpace(string(data)))
	if !json.Valid(data) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return json.RawMessage(data), nil
}

func singular(c schema.Collection) string {
	switch c {
	case schema.Assessments:
		return "assessment"
	case schema.Photos:
		return "photo"
	case schema.Deficiencies:
		return "deficiency"
	}
	return string(c)
}

func init() {
	putCmd.Flags().String("id", "", "Record id (default: new id)")
	putCmd.Flags().String("project", "", "Project id")
	putCmd.Flags().String("asset", "", "Asset id")
	putCmd.Flags().String("payload", "", "JSON payload, or '-' for stdin")
	_ = putCmd.MarkFlagRequired("project")
	listCmd.Flags().String("status", "", "Only records with this sync status")

	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(listCmd)
}
