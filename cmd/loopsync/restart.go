package main

import (
	"context"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/loopsync/internal/playback"
	"github.com/goodtune/loopsync/internal/session"
	"github.com/spf13/cobra"
)

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the shared loop",
	Long:  `Set the shared loop start to now. Every connected player seeks back to the start of the clip.`,
	Args:  cobra.NoArgs,
	RunE:  runRestart,
}

func init() {
	rootCmd.AddCommand(restartCmd)
}

func runRestart(cmd *cobra.Command, args []string) error {
	_, store, logger, err := loadClient()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	controller := session.NewController(store.Clock(), playback.RealClock{}, logger)
	ts, err := controller.Restart(ctx)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen, color.Bold)
	_, _ = green.Fprintf(os.Stdout, "✅ Shared loop restarted at %s\n", formatTimestamp(ts))
	return nil
}

// formatTimestamp renders epoch milliseconds as local time
func formatTimestamp(ms int64) string {
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04:05.000 MST")
}
