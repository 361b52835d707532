package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/loopsync/internal/config"
	"github.com/goodtune/loopsync/internal/playback"
	"github.com/goodtune/loopsync/internal/session"
	"github.com/goodtune/loopsync/internal/storage"
	"github.com/spf13/cobra"
)

var (
	playInstrument string
	playHold       time.Duration
	playGap        time.Duration
	playRepeat     int
	playLoadDelay  time.Duration
	playID         string
)

var playCmd = &cobra.Command{
	Use:   "play",
	Short: "Join as a headless player and hold an instrument",
	Long: `Join the session with a simulated player, hold the instrument for --hold,
release it, and repeat. The presence record is removed on exit.`,
	Example: `  loopsync play --instrument dnb
  loopsync play --instrument piano --hold 5s --gap 2s --repeat 10`,
	Args: cobra.NoArgs,
	RunE: runPlay,
}

func init() {
	playCmd.Flags().StringVarP(&playInstrument, "instrument", "i", "", "Instrument group: dnb, bells, brass or piano (required)")
	playCmd.Flags().DurationVar(&playHold, "hold", 3*time.Second, "How long each hold lasts")
	playCmd.Flags().DurationVar(&playGap, "gap", time.Second, "Pause between holds")
	playCmd.Flags().IntVarP(&playRepeat, "repeat", "n", 1, "Number of holds")
	playCmd.Flags().DurationVar(&playLoadDelay, "load-delay", 0, "Simulated media load time before the player is ready")
	playCmd.Flags().StringVar(&playID, "id", "", "Presence record ID (generated when empty)")
	_ = playCmd.MarkFlagRequired("instrument")
	rootCmd.AddCommand(playCmd)
}

func runPlay(cmd *cobra.Command, args []string) error {
	instrument, err := storage.ParseInstrument(playInstrument)
	if err != nil {
		return err
	}
	if playRepeat < 1 {
		return fmt.Errorf("--repeat must be at least 1")
	}

	cfg, store, logger, err := loadClient()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	yellow := color.New(color.FgYellow, color.Bold)

	clock := playback.RealClock{}
	player := session.NewHeadlessPlayer(clock, clipDuration(cfg))
	client := session.NewClient(store, player, session.Config{
		ID:                playID,
		HeartbeatInterval: config.Duration(cfg.Session.HeartbeatInterval, session.DefaultHeartbeatInterval),
		ClipDuration:      clipDuration(cfg),
		Clock:             clock,
		Alerts:            alertPrinter(os.Stdout),
	}, logger)

	runCtx, cancelRun := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(runCtx) }()
	defer func() {
		cancelRun()
		<-runErr
	}()

	go func() {
		if playLoadDelay > 0 {
			select {
			case <-time.After(playLoadDelay):
			case <-ctx.Done():
				return
			}
		}
		player.MarkReady()
	}()

	if err := client.Join(ctx, instrument); err != nil {
		return fmt.Errorf("join: %w", err)
	}
	fmt.Printf("%s joined as %s %s\n", client.ID(), instrument.Icon(), instrument.Label())

	// Leave on any exit path, including interrupts.
	defer func() {
		leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Leave(leaveCtx); err != nil {
			logger.Warn().Err(err).Msg("Failed to leave cleanly")
		}
		st := client.State()
		fmt.Printf("left after %.1fs of playing\n", st.Seconds)
	}()

	for i := 1; i <= playRepeat; i++ {
		if err := client.HoldStart(ctx); err != nil {
			if errors.Is(err, playback.ErrNoClock) {
				_, _ = yellow.Println("no shared clock yet; run `loopsync restart` first")
				return nil
			}
			return fmt.Errorf("hold start: %w", err)
		}

		st := client.State()
		fmt.Printf("hold %d/%d: %s (ready=%v)\n", i, playRepeat, st.State, st.Ready)

		if !sleepCtx(ctx, playHold) {
			return nil
		}
		if err := client.HoldEnd(ctx); err != nil {
			return fmt.Errorf("hold end: %w", err)
		}
		fmt.Printf("released after %s, position %.2fs\n", playHold, player.Position())

		if i < playRepeat && !sleepCtx(ctx, playGap) {
			return nil
		}
	}

	return nil
}

// sleepCtx waits for d and reports false if ctx ended first
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// alertPrinter reports clip end and restart once per change of level. The
// client hands it the current level on every tick.
func alertPrinter(w io.Writer) session.AlertFunc {
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen, color.Bold)

	var last *bool
	return func(expired bool) {
		if last != nil && *last == expired {
			return
		}
		last = &expired

		if expired {
			_, _ = yellow.Fprintln(w, "⏹  clip ended; waiting for a restart")
		} else {
			_, _ = green.Fprintln(w, "▶  clip playing")
		}
	}
}
