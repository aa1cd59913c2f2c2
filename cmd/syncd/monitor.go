package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/mailforge/syncd/internal/alert"
	"github.com/mailforge/syncd/internal/monitor"
)

var (
	monitorOnce      bool
	monitorAutoHeal  bool
	monitorInterval  string
	monitorThreshold int
	monitorMaxHeals  int
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Run the folder reconciliation monitor",
	Long: "Sweeps recently ingested messages for canonical-folder drift.\n" +
		"With --once it performs a single sweep, prints the stats, and exits\n" +
		"non-zero when drift was found; otherwise it sweeps continuously.",
	RunE: func(cmd *cobra.Command, args []string) error {
		mc := cfg.Monitor
		mc.AutoHeal = monitorAutoHeal || mc.AutoHeal
		if cmd.Flags().Changed("check-interval") {
			mc.CheckInterval = monitorInterval
		}
		if cmd.Flags().Changed("alert-threshold") {
			mc.AlertThreshold = monitorThreshold
		}
		if cmd.Flags().Changed("max-heals") {
			mc.MaxHeals = monitorMaxHeals
		}

		mon := monitor.New(st, alert.New(cfg.AlertEndpoint, logger), monitorOptions(mc), logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if monitorOnce {
			return runMonitorOnce(ctx, mon)
		}

		printStats(mon.Run(ctx))
		return nil
	},
}

var errDriftFound = eris.New("folder drift detected")

// runMonitorOnce performs a single sweep. Drift surfaces as an error so
// the process exits non-zero through the normal command path, after the
// store has been closed.
func runMonitorOnce(ctx context.Context, mon *monitor.Monitor) error {
	stats, err := mon.Sweep(ctx)
	if err != nil {
		return err
	}
	printStats(stats)
	if stats.Mismatched > 0 {
		return errDriftFound
	}
	return nil
}

func init() {
	monitorCmd.Flags().BoolVar(&monitorOnce, "once", false, "perform a single sweep and exit")
	monitorCmd.Flags().BoolVar(&monitorAutoHeal, "auto-heal", false, "rewrite drifted folders in place")
	monitorCmd.Flags().StringVar(&monitorInterval, "check-interval", "5m", "delay between continuous sweeps")
	monitorCmd.Flags().IntVar(&monitorThreshold, "alert-threshold", 10, "mismatches per sweep that raise an alert")
	monitorCmd.Flags().IntVar(&monitorMaxHeals, "max-heals", 500, "max heal writes per sweep")
	rootCmd.AddCommand(monitorCmd)
}

func printStats(stats monitor.SweepStats) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(stats)
}
