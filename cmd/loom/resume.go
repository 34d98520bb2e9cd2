package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/coordinator"
	"github.com/loomworks/loom/internal/model"
)

func newResumeCmd(opts *rootOptions) *cobra.Command {
	var (
		workflowPath string
		jobID        string
		force        bool
		autoYes      bool
	)

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "resume an interrupted job from its latest checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !model.ValidateJobID(jobID) {
				return fmt.Errorf("invalid job id %q", jobID)
			}
			spec, err := loadWorkflow(workflowPath)
			if err != nil {
				return err
			}

			c, cleanup, err := buildCoordinator(cmd, opts, spec, jobID, autoYes)
			if err != nil {
				return err
			}
			defer cleanup()

			result, runErr := c.Resume(cmd.Context(), coordinator.ResumeOptions{Force: force})
			printResult(cmd, result)
			return runErr
		},
	}

	cmd.Flags().StringVarP(&workflowPath, "workflow", "w", "", "workflow YAML file (required)")
	cmd.Flags().StringVarP(&jobID, "job", "j", "", "job to resume (required)")
	cmd.Flags().BoolVar(&force, "force", false, "re-run reduce and merge even if recorded as done")
	cmd.Flags().BoolVarP(&autoYes, "yes", "y", false, "skip the integration merge confirmation")
	cmd.Flags().Int("max-parallel", 0, "override the configured agent parallelism")
	_ = cmd.MarkFlagRequired("workflow")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}
