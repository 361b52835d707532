package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/loopsync/internal/playback"
	"github.com/goodtune/loopsync/internal/stats"
	"github.com/goodtune/loopsync/internal/storage"
	"github.com/spf13/cobra"
)

var (
	statusJSON bool
	statusClip float64
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the shared clock and activation statistics",
	Long:  `Read the shared clock and every presence record once and print the loop phase and per-instrument statistics.`,
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print machine readable JSON")
	statusCmd.Flags().Float64Var(&statusClip, "clip", 0, "Clip duration in seconds (default from clip.default_duration)")
	rootCmd.AddCommand(statusCmd)
}

type statusReport struct {
	Clock         storage.GlobalClock `json:"clock"`
	OffsetSeconds *float64            `json:"offsetSeconds"`
	Expired       bool                `json:"expired"`
	ClipDuration  float64             `json:"clipDuration"`
	Snapshot      stats.Snapshot      `json:"snapshot"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, store, _, err := loadClient()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	gc, err := store.Clock().Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to read clock: %w", err)
	}
	users, err := store.Presence().List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list users: %w", err)
	}

	clip := clipDuration(cfg)
	if statusClip > 0 {
		clip = statusClip
	}
	clip = playback.EffectiveDuration(clip)

	now := time.Now().UnixMilli()
	report := statusReport{
		Clock:        gc,
		Expired:      playback.Expired(now, gc, clip),
		ClipDuration: clip,
		Snapshot:     stats.Compute(users, now),
	}
	if offset, err := playback.OffsetFor(now, gc, clip); err == nil {
		report.OffsetSeconds = &offset
	}

	if statusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	printStatus(report)
	return nil
}

func printStatus(r statusReport) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow, color.Bold)
	red := color.New(color.FgRed, color.Bold)
	dim := color.New(color.Faint)

	_, _ = cyan.Println("[clock]")
	if ts, ok := r.Clock.Reference(); ok {
		fmt.Printf("  started:  %s\n", formatTimestamp(ts))
		fmt.Printf("  offset:   %.2fs of %.0fs\n", *r.OffsetSeconds, r.ClipDuration)
	} else {
		_, _ = yellow.Println("  no shared clock yet (run `loopsync restart`)")
	}

	loop := yellow.Sprint("off")
	if r.Clock.LoopEnabled {
		loop = green.Sprint("on")
	}
	fmt.Printf("  loop:     %s\n", loop)
	if r.Expired {
		_, _ = red.Println("  ⏹  clip ended")
	}

	_, _ = cyan.Println("\n[instruments]")
	fmt.Printf("  %-22s %6s %8s %12s\n", "group", "users", "playing", "triggered")
	fmt.Println("  " + strings.Repeat("-", 51))
	for _, info := range storage.Instruments {
		s := r.Snapshot.Stats[info.Key]
		line := fmt.Sprintf("  %s %-19s %6d %8d %11.1fs", info.Icon, info.Label, s.Count, s.ActiveNow, s.TotalSeconds)
		switch {
		case s.ActiveNow > 0:
			_, _ = green.Println(line)
		case s.Count == 0:
			_, _ = dim.Println(line)
		default:
			fmt.Println(line)
		}
	}

	total := r.Snapshot.Stats.Totals()
	fmt.Println("  " + strings.Repeat("-", 51))
	fmt.Printf("  %-22s %6d %8d %11.1fs\n", "total", total.Count, total.ActiveNow, total.TotalSeconds)

	if h := r.Snapshot.Holds; h.Count > 0 {
		_, _ = cyan.Println("\n[holds]")
		fmt.Printf("  completed: %d   p50 %.1fs   p90 %.1fs   p99 %.1fs   max %.1fs\n",
			h.Count, h.P50, h.P90, h.P99, h.Max)
	}
}
