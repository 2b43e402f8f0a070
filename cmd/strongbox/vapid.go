package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dukerupert/strongbox/internal/push"
)

var vapidCmd = &cobra.Command{
	Use:   "vapid-keys",
	Short: "Generate a VAPID key pair for push notifications",
	// No database needed.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		pub, priv, err := push.GenerateVAPIDKeys()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "STRONGBOX_VAPID_PUBLIC_KEY=%s\nSTRONGBOX_VAPID_PRIVATE_KEY=%s\n", pub, priv)
		return nil
	},
}

func init() { rootCmd.AddCommand(vapidCmd) }
