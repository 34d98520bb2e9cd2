package main

import (
	"fmt"
	"text/tabwriter"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/dlq"
	"github.com/loomworks/loom/internal/model"
)

func newDLQCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "inspect and retry dead-lettered work items",
	}
	cmd.AddCommand(newDLQListCmd(opts), newDLQStatsCmd(opts), newDLQRetryCmd(opts))
	return cmd
}

func newDLQListCmd(opts *rootOptions) *cobra.Command {
	var jobID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "list dead-lettered items for a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openDLQ(opts, jobID)
			if err != nil {
				return err
			}
			items, err := q.List()
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "dead letter queue is empty")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ITEM\tATTEMPTS\tFIRST FAILED\tLAST ERROR\tRETRYABLE")
			for _, it := range items {
				lastMsg := ""
				if n := len(it.FailureHistory); n > 0 {
					lastMsg = truncate(it.FailureHistory[n-1].Message, 60)
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%v\n",
					it.ItemID, it.AttemptCount,
					it.FirstFailedAt.Format("2006-01-02 15:04:05"),
					lastMsg, it.ReprocessEligible)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&jobID, "job", "j", "", "job whose queue to list (required)")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}

func newDLQStatsCmd(opts *rootOptions) *cobra.Command {
	var jobID string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "summarize failures grouped by error signature",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openDLQ(opts, jobID)
			if err != nil {
				return err
			}
			stats, err := q.Stats()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "total: %d, eligible for retry: %d\n", stats.Total, stats.Eligible)
			for sig, count := range stats.BySignature {
				fmt.Fprintf(out, "%4d  %s\n", count, sig)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&jobID, "job", "j", "", "job whose queue to summarize (required)")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}

func newDLQRetryCmd(opts *rootOptions) *cobra.Command {
	var (
		workflowPath string
		jobID        string
		parallel     int
	)

	cmd := &cobra.Command{
		Use:   "retry",
		Short: "re-run eligible dead-lettered items through their workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !model.ValidateJobID(jobID) {
				return fmt.Errorf("invalid job id %q", jobID)
			}
			spec, err := loadWorkflow(workflowPath)
			if err != nil {
				return err
			}

			c, cleanup, err := buildCoordinator(cmd, opts, spec, jobID, true)
			if err != nil {
				return err
			}
			defer cleanup()

			agg, err := c.RetryDLQ(cmd.Context(), parallel)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "retried %d items: %d recovered, %d still failing\n",
				agg.Total, agg.Successful, agg.Failed)
			return nil
		},
	}
	cmd.Flags().StringVarP(&workflowPath, "workflow", "w", "", "workflow YAML file (required)")
	cmd.Flags().StringVarP(&jobID, "job", "j", "", "job whose queue to retry (required)")
	cmd.Flags().IntVar(&parallel, "parallel", 0, "parallelism for the retry pass (default: configured value)")
	_ = cmd.MarkFlagRequired("workflow")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}

func openDLQ(opts *rootOptions, jobID string) (*dlq.Queue, error) {
	if !model.ValidateJobID(jobID) {
		return nil, fmt.Errorf("invalid job id %q", jobID)
	}
	logger, err := opts.logger()
	if err != nil {
		return nil, err
	}
	env := opts.environment(jobID)
	return dlq.New(stateFS(), env.DLQDir(), jobID, logger), nil
}

// truncate shortens s to at most n runes, never splitting a multi-byte
// character.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-1]) + "…"
}
