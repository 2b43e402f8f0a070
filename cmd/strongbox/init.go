package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dukerupert/strongbox/internal/account"
	"github.com/dukerupert/strongbox/internal/store"
)

const minPassphraseLen = 12

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Register the primary account from STRONGBOX_PASSPHRASE",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(cfg.Passphrase) < minPassphraseLen {
			return fmt.Errorf("STRONGBOX_PASSPHRASE must be at least %d characters", minPassphraseLen)
		}
		acct := account.NewProvider(store.NewSettingsStore(db), logger)
		err := acct.Register(cmd.Context(), cfg.Passphrase)
		if errors.Is(err, account.ErrAlreadyRegistered) {
			fmt.Fprintln(cmd.OutOrStdout(), "account already registered")
			return nil
		}
		if err != nil {
			return err
		}
		km, err := acct.KeyMaterial(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "registered account %s\n", km.AccountID)
		return nil
	},
}

func init() { rootCmd.AddCommand(initCmd) }
