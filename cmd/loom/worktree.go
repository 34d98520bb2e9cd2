package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/gitx"
	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/worktree"
)

func newWorktreeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worktree",
		Short: "manage job workspaces",
	}
	cmd.AddCommand(newWorktreeCleanCmd(opts))
	return cmd
}

func newWorktreeCleanCmd(opts *rootOptions) *cobra.Command {
	var jobID string

	cmd := &cobra.Command{
		Use:   "clean-orphaned",
		Short: "retry removal of workspaces whose cleanup previously failed",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !model.ValidateJobID(jobID) {
				return fmt.Errorf("invalid job id %q", jobID)
			}
			logger, err := opts.logger()
			if err != nil {
				return err
			}
			env := opts.environment(jobID)
			repo := gitx.Open(env.RepoDir)

			registry := worktree.NewOrphanRegistry(stateFS(), env.OrphansPath(), jobID)
			orphans, err := registry.List()
			if err != nil {
				return err
			}
			if len(orphans) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no orphaned workspaces")
				return nil
			}

			cleaned, err := registry.CleanOrphaned(cmd.Context(), repo)
			if err != nil {
				return err
			}
			logger.Infof("orphan sweep job=%s cleaned=%d remaining=%d", jobID, cleaned, len(orphans)-cleaned)
			fmt.Fprintf(cmd.OutOrStdout(), "cleaned %d of %d orphaned workspaces\n", cleaned, len(orphans))
			return nil
		},
	}
	cmd.Flags().StringVarP(&jobID, "job", "j", "", "job whose orphans to sweep (required)")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}
