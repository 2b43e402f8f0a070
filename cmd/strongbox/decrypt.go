package main

import (
	"github.com/spf13/cobra"

	"github.com/dukerupert/strongbox/internal/account"
	"github.com/dukerupert/strongbox/internal/archive"
	"github.com/dukerupert/strongbox/internal/store"
)

var decryptCmd = &cobra.Command{
	Use:   "decrypt <artifact> <output.db>",
	Short: "Decrypt a backup artifact into a SQLite file and check its integrity",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		acct := account.NewProvider(store.NewSettingsStore(db), logger)
		if err := acct.Unlock(ctx, cfg.Passphrase); err != nil {
			return err
		}
		km, err := acct.KeyMaterial(ctx)
		if err != nil {
			return err
		}
		if err := archive.Extract(ctx, args[0], args[1], km.BackupKey); err != nil {
			return err
		}
		cmd.Printf("restored %s\n", args[1])
		return nil
	},
}

func init() { rootCmd.AddCommand(decryptCmd) }
