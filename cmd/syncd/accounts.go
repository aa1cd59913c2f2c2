package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mailforge/syncd/internal/model"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage mailbox accounts",
}

// accountsFile is the YAML shape consumed by `accounts import`.
type accountsFile struct {
	Accounts []*model.Account `yaml:"accounts"`
}

var accountsImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import accounts from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return eris.Wrapf(err, "failed to read %s", args[0])
		}

		var file accountsFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return eris.Wrapf(err, "failed to parse %s", args[0])
		}

		for _, acct := range file.Accounts {
			if acct.Email == "" || acct.Credentials.Host == "" {
				return eris.New("every account needs at least an email and a host")
			}
			if acct.ID == "" {
				acct.ID = model.NewID()
			}
			if err := st.SaveAccount(cmd.Context(), acct); err != nil {
				return err
			}
			fmt.Printf("imported %s (%s)\n", acct.Email, acct.ID)
		}
		return nil
	},
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored accounts and their sync state",
	RunE: func(cmd *cobra.Command, args []string) error {
		accounts, err := st.ListAccounts(cmd.Context())
		if err != nil {
			return err
		}
		for _, acct := range accounts {
			status := string(acct.SyncStatus)
			if acct.LastError != "" {
				status += " (" + acct.LastError + ")"
			}
			fmt.Printf("%s  %-30s  %-10s  %d messages, %d folder cursors\n",
				acct.ID, acct.Email, status, acct.SyncedMessageCount, len(acct.SyncCursors))
		}
		return nil
	},
}

func init() {
	accountsCmd.AddCommand(accountsImportCmd)
	accountsCmd.AddCommand(accountsListCmd)
	rootCmd.AddCommand(accountsCmd)
}
