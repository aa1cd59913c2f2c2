package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mailforge/syncd/internal/alert"
	"github.com/mailforge/syncd/internal/broadcast"
	"github.com/mailforge/syncd/internal/config"
	"github.com/mailforge/syncd/internal/monitor"
	"github.com/mailforge/syncd/internal/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook receiver and background workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		hub := broadcast.NewHub(logger)
		processor := webhook.NewProcessor(st, hub, logger, webhook.ProcessorOptions{
			Workers: cfg.Workers,
		})
		processor.Start(ctx)

		// Anything left over from a previous run gets drained first.
		if handled, err := processor.Replay(ctx, 0); err != nil {
			logger.WithError(err).Warn("Startup replay failed")
		} else if handled > 0 {
			logger.WithField("handled", handled).Info("Replayed unprocessed events from previous run")
		}

		monitorDone := make(chan struct{})
		if cfg.Monitor.Enabled {
			mon := monitor.New(st, alert.New(cfg.AlertEndpoint, logger), monitorOptions(cfg.Monitor), logger)
			go func() {
				defer close(monitorDone)
				stats := mon.Run(ctx)
				logger.WithFields(map[string]any{
					"checked":    stats.Checked,
					"mismatched": stats.Mismatched,
					"healed":     stats.Healed,
				}).Info("Reconciliation monitor stopped")
			}()
		} else {
			close(monitorDone)
		}

		srv := &http.Server{
			Addr: cfg.ListenAddr,
			Handler: webhook.NewRouter(webhook.Config{
				Store:     st,
				Processor: processor,
				Secret:    cfg.WebhookSecret,
				Logger:    logger,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.WithField("addr", cfg.ListenAddr).Info("Webhook receiver listening")
			errCh <- srv.ListenAndServe()
		}()

		select {
		case <-ctx.Done():
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
		}

		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		processor.Stop()
		<-monitorDone
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func monitorOptions(c config.MonitorConfig) monitor.Options {
	return monitor.Options{
		Window:         config.Duration(c.Window, 24*time.Hour),
		MaxRows:        c.MaxRows,
		AutoHeal:       c.AutoHeal,
		MaxHeals:       c.MaxHeals,
		AlertThreshold: c.AlertThreshold,
		Interval:       config.Duration(c.CheckInterval, 5*time.Minute),
		Backoff:        config.Duration(c.Backoff, time.Minute),
	}
}
