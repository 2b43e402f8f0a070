package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/dukerupert/strongbox/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the resumption point, failure counts and latest backup",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		jobs := store.NewJobStore(db)
		history := store.NewBackupStore(db)

		point, err := jobs.ResumptionPoint(ctx)
		if err != nil {
			return err
		}
		failures, err := jobs.FailureCounts(ctx)
		if err != nil {
			return err
		}
		count, err := history.Count()
		if err != nil {
			return err
		}
		total, err := history.TotalSize()
		if err != nil {
			return err
		}
		latest, err := history.LatestCompleted()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "resume=%s failures.background=%d failures.interactive=%d\n",
			point, failures.Background, failures.Interactive)
		fmt.Fprintf(out, "backups=%d stored=%s\n", count, humanize.Bytes(uint64(total)))
		if latest == nil {
			fmt.Fprintln(out, "latest=none")
			return nil
		}
		when := latest.CreatedAt
		if latest.CompletedAt != nil {
			when = *latest.CompletedAt
		}
		fmt.Fprintf(out, "latest=%s size=%s completed=%s\n",
			latest.Filename, humanize.Bytes(uint64(latest.SizeBytes)), humanize.Time(when))
		return nil
	},
}

func init() { rootCmd.AddCommand(statusCmd) }
