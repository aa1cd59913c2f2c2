package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mailforge/syncd/internal/webhook"
)

var replayLimit int

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Reprocess webhook events that never completed",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		processor := webhook.NewProcessor(st, nil, logger, webhook.ProcessorOptions{})
		handled, err := processor.Replay(ctx, replayLimit)
		if err != nil {
			return err
		}
		fmt.Printf("replayed %d events\n", handled)
		return nil
	},
}

func init() {
	replayCmd.Flags().IntVar(&replayLimit, "limit", 0, "max events to replay (0 = all)")
	rootCmd.AddCommand(replayCmd)
}
