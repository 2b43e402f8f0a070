package main

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/dukerupert/strongbox/internal/config"
	"github.com/dukerupert/strongbox/internal/database"
	"github.com/dukerupert/strongbox/internal/logging"
)

var (
	dbPath string
	cfg    *config.Config
	logger *slog.Logger
	db     *sql.DB
)

var rootCmd = &cobra.Command{
	Use:          "strongbox",
	Short:        "Encrypted backups of the local database and its attachments.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if db != nil {
			return nil
		}
		c, err := config.Load()
		if err != nil {
			return err
		}
		if dbPath != "" {
			c.DBPath = dbPath
		}
		cfg = c
		logger = logging.Setup(cfg.LogLevel, cfg.LogFormat)

		d, err := database.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		db = d
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if db == nil {
			return nil
		}
		err := db.Close()
		db = nil
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to SQLite DB (default $STRONGBOX_DB_PATH or strongbox.db)")
}
