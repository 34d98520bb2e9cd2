package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/events"
	"github.com/loomworks/loom/internal/model"
)

func newEventsCmd(opts *rootOptions) *cobra.Command {
	var (
		jobID string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "print a job's event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !model.ValidateJobID(jobID) {
				return fmt.Errorf("invalid job id %q", jobID)
			}
			env := opts.environment(jobID)

			entries, err := events.ReadEntries(env.EventLogPath())
			if err != nil {
				return err
			}
			if limit > 0 && len(entries) > limit {
				entries = entries[len(entries)-limit:]
			}

			out := cmd.OutOrStdout()
			for _, e := range entries {
				line := fmt.Sprintf("%s %s", e.Timestamp.Format("2006-01-02T15:04:05Z"), e.EventType)
				if e.ItemID != "" {
					line += " item=" + e.ItemID
				}
				if e.AgentID != "" {
					line += " agent=" + e.AgentID
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&jobID, "job", "j", "", "job whose events to print (required)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "print only the last N events")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the loom version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "loom %s\n", version)
		},
	}
}
