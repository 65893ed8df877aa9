package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/assessly/fieldsync/internal/offline/platform"
	"github.com/assessly/fieldsync/internal/offline/schema"
	"github.com/assessly/fieldsync/internal/offline/upload"
	"github.com/assessly/fieldsync/internal/ui"
	"github.com/spf13/cobra"
)

var photoCmd = &cobra.Command{
	Use:     "photo",
	GroupID: "data",
	Short:   "Manage photos",
}

var photoAddCmd = &cobra.Command{
	Use:   "add <image>",
	Short: "Store a photo and queue it for sync",
	Long: `Store an image as a photo record.

--original keeps an unedited copy alongside the working image; it is the
first thing evicted once the photo has synced and space runs low. Large
images are uploaded to object storage immediately when it is configured.

Ctrl-Z during the upload does not suspend it: the upload continues in the
background and a running coordinator is told the terminal was hidden.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, _ := cmd.Flags().GetString("id")
		project, _ := cmd.Flags().GetString("project")
		asset, _ := cmd.Flags().GetString("asset")
		originalPath, _ := cmd.Flags().GetString("original")
		payloadArg, _ := cmd.Flags().GetString("payload")
		ctx := cmd.Context()

		// #nosec G304 - user-supplied image path
		blob, err := os.ReadFile(args[0])
		if err != nil {
			fatal("failed to read %s: %v", args[0], err)
		}
		var original []byte
		if originalPath != "" {
			// #nosec G304 - user-supplied image path
			original, err = os.ReadFile(originalPath)
			if err != nil {
				fatal("failed to read %s: %v", originalPath, err)
			}
		}
		payload, err := readPayload(payloadArg, os.Stdin)
		if err != nil {
			fatal("%v", err)
		}

		a := openApp(ctx)
		defer a.Close()

		if hide, show, ok := platform.VisibilitySignals(); ok {
			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, hide, show)
			done := make(chan struct{})
			go func() {
				defer close(done)
				watchVisibility(ctx, sigs, hide, a.service.SetVisibility, a.guard, os.Stdout)
			}()
			defer func() {
				signal.Stop(sigs)
				close(sigs)
				<-done
			}()
		}

		rec, err := a.service.AddPhoto(ctx, &schema.Record{
			ID:           id,
			ProjectID:    project,
			AssetID:      asset,
			Payload:      payload,
			Blob:         blob,
			OriginalBlob: original,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			remedyHint(err)
			os.Exit(1)
		}
		fmt.Printf("%s Saved photo %s (%s)\n", ui.RenderPass("✓"), rec.ID, ui.Bytes(rec.FileSize))
	},
}

// watchVisibility applies job-control signals to the uploads of this process
// until sigs is closed. hide marks the foreground hidden, any other signal
// shows it again.
func watchVisibility(ctx context.Context, sigs <-chan os.Signal, hide os.Signal, set func(context.Context, bool), guard *upload.Guard, out io.Writer) {
	for sig := range sigs {
		hidden := sig == hide
		set(ctx, hidden)
		if guard == nil {
			continue
		}
		for _, st := range guard.Active() {
			if hidden {
				fmt.Fprintf(out, "%s Upload %s %s\n", ui.RenderAccent("⏸"), st.Name, st.Note)
			} else {
				fmt.Fprintf(out, "%s Upload %s back in foreground\n", ui.RenderAccent("▶"), st.Name)
			}
		}
	}
}

func init() {
	photoAddCmd.Flags().String("id", "", "Photo id (default: new id)")
	photoAddCmd.Flags().String("project", "", "Project id")
	photoAddCmd.Flags().String("asset", "", "Asset id")
	photoAddCmd.Flags().String("original", "", "Unedited original image")
	photoAddCmd.Flags().String("payload", "", "JSON metadata, or '-' for stdin")
	_ = photoAddCmd.MarkFlagRequired("project")

	photoCmd.AddCommand(photoAddCmd)
	rootCmd.AddCommand(photoCmd)
}
