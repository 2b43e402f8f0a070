package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dukerupert/strongbox/internal/backup"
	"github.com/dukerupert/strongbox/internal/progress"
)

var exportScheduled bool

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Run one backup pass in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a := newApp()
		defer a.shutdown(cmd.Context())
		if err := a.unlock(ctx); err != nil {
			return err
		}

		updates := a.runner.Updates(cmd.Context())
		var started bool
		if exportScheduled {
			started = a.runner.StartScheduledIfNecessary(cfg.ScheduleBudget)
		} else {
			started = a.runner.StartIfNecessary()
		}
		if !started {
			return errors.New("a backup is already running")
		}

		out := cmd.OutOrStdout()
		interrupted := ctx.Done()
		for {
			select {
			case <-interrupted:
				fmt.Fprintln(out, "cancelling...")
				a.runner.CancelIfRunning()
				interrupted = nil
			case u, ok := <-updates:
				if !ok {
					return nil
				}
				switch u := u.(type) {
				case backup.Progress:
					printProgress(out, u.Snapshot)
				case backup.Completion:
					if u.Err != nil {
						return fmt.Errorf("backup failed: %w", u.Err)
					}
					fmt.Fprintln(out, "backup complete")
					return nil
				}
			}
		}
	},
}

func printProgress(out io.Writer, s progress.Snapshot[backup.Stage]) {
	if s.IsZero() {
		return
	}
	stage, _ := s.Current()
	fmt.Fprintf(out, "%5.1f%%  %s\n", backup.Percent(s), stage)
}

func init() {
	exportCmd.Flags().BoolVar(&exportScheduled, "scheduled", false, "Run as a scheduled pass under the configured time budget")
	rootCmd.AddCommand(exportCmd)
}
