package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/mailforge/syncd/internal/config"
	"github.com/mailforge/syncd/internal/fetcher"
	"github.com/mailforge/syncd/internal/imapconn"
	"github.com/mailforge/syncd/internal/model"
)

var syncAll bool

var syncCmd = &cobra.Command{
	Use:   "sync [account-id...]",
	Short: "Run IMAP pull sync for one or more accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !syncAll && len(args) == 0 {
			return eris.New("specify account ids or --all")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		accounts, err := resolveAccounts(ctx, args)
		if err != nil {
			return err
		}

		f := fetcher.New(st, imapDialer(), fetcherConfig(cfg.Sync), logger)
		failed := 0
		for _, acct := range accounts {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			res, err := f.SyncAccount(ctx, acct)
			if err != nil {
				failed++
				logger.WithError(err).WithField("account_id", acct.ID).Error("Account sync failed")
				continue
			}
			fmt.Printf("%s: %d synced, %d inserted, %d skipped\n",
				acct.Email, res.ItemsSynced, res.Inserted, res.Skipped)
		}
		if failed > 0 {
			return eris.New(fmt.Sprintf("%d of %d accounts failed to sync", failed, len(accounts)))
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncAll, "all", false, "sync every stored account")
	rootCmd.AddCommand(syncCmd)
}

func resolveAccounts(ctx context.Context, ids []string) ([]*model.Account, error) {
	if syncAll {
		return st.ListAccounts(ctx)
	}
	accounts := make([]*model.Account, 0, len(ids))
	for _, id := range ids {
		acct, err := st.GetAccount(ctx, id)
		if err != nil {
			return nil, err
		}
		if acct == nil {
			return nil, eris.New("unknown account " + id)
		}
		accounts = append(accounts, acct)
	}
	return accounts, nil
}

func imapDialer() fetcher.Dialer {
	return func(creds model.Credentials) (fetcher.Connection, error) {
		return imapconn.Open(creds, logger)
	}
}

func fetcherConfig(c config.SyncConfig) fetcher.Config {
	return fetcher.Config{
		BatchSize:       c.BatchSize,
		MaxBatches:      c.MaxBatches,
		CheckpointEvery: c.CheckpointEvery,
		Policy: imapconn.Policy{
			MaxAge:     config.Duration(c.ConnMaxAge, 10*time.Minute),
			MaxBatches: c.ConnMaxBatches,
		},
	}
}
