// syncd keeps mailboxes and the canonical message store consistent.
//
// It ingests mail over two paths: cursor-based IMAP pull sync and
// provider webhook push, and runs a reconciliation monitor that detects
// and heals canonical-folder drift between them.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mailforge/syncd/internal/config"
	"github.com/mailforge/syncd/internal/store"
)

// Version is set via ldflags at build time.
var Version = "dev"

var (
	configPath string
	dbPath     string
	logLevel   string

	cfg    *config.Config
	logger *logrus.Logger
	st     *store.Store
)

var rootCmd = &cobra.Command{
	Use:   "syncd",
	Short: "syncd - email ingestion and consistency engine",
	Long: "syncd ingests mail through IMAP pull sync and provider webhooks,\n" +
		"stores it in a canonical SQLite-backed message set, and reconciles\n" +
		"folder drift between the two paths.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		switch cmd.Name() {
		case "help", "version", "accounts":
			// Parent and informational commands never touch the store.
			return nil
		}

		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if dbPath != "" {
			cfg.DBPath = dbPath
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}

		logger = logrus.New()
		if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
			logger.SetLevel(level)
		}

		st, err = store.Open(cfg.DBPath, logger)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if st != nil {
			st.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "syncd.yml", "path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "path to the state database (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
