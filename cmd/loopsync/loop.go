package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/loopsync/internal/playback"
	"github.com/goodtune/loopsync/internal/session"
	"github.com/spf13/cobra"
)

var loopCmd = &cobra.Command{
	Use:   "loop [on|off|toggle]",
	Short: "Show or change the loop flag",
	Long: `With no argument, print whether the clip loops. "on" and "off" set the flag;
"toggle" writes the inverse of the value read just before.`,
	Example: `  loopsync loop
  loopsync loop on
  loopsync -c /etc/loopsync/config.yaml loop toggle`,
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"on", "off", "toggle"},
	RunE:      runLoop,
}

func init() {
	rootCmd.AddCommand(loopCmd)
}

func runLoop(cmd *cobra.Command, args []string) error {
	_, store, logger, err := loadClient()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	controller := session.NewController(store.Clock(), playback.RealClock{}, logger)
	gc, err := controller.Sync(ctx)
	if err != nil {
		return fmt.Errorf("failed to read loop flag: %w", err)
	}

	enabled := gc.LoopEnabled
	if len(args) == 1 {
		switch args[0] {
		case "on":
			enabled = true
			err = controller.SetLoop(ctx, true)
		case "off":
			enabled = false
			err = controller.SetLoop(ctx, false)
		case "toggle":
			enabled, err = controller.ToggleLoop(ctx)
		default:
			return fmt.Errorf("unknown loop action %q (want on, off or toggle)", args[0])
		}
		if err != nil {
			return err
		}
	}

	state := color.New(color.FgYellow, color.Bold).Sprint("off")
	if enabled {
		state = color.New(color.FgGreen, color.Bold).Sprint("on")
	}
	fmt.Fprintf(os.Stdout, "🔁 Loop: %s\n", state)
	return nil
}
