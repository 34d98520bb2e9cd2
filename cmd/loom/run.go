package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/coordinator"
	"github.com/loomworks/loom/internal/events"
	"github.com/loomworks/loom/internal/gitx"
	"github.com/loomworks/loom/internal/lock"
	"github.com/loomworks/loom/internal/model"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		workflowPath string
		itemsPath    string
		autoYes      bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "run a workflow over a collection of work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := loadWorkflow(workflowPath)
			if err != nil {
				return err
			}

			var items []model.WorkItem
			if itemsPath != "" {
				if items, err = loadItems(itemsPath); err != nil {
					return err
				}
			}
			if len(items) == 0 && spec.Map.InputPath == "" {
				return fmt.Errorf("no work items: pass --items or set map.input_path")
			}

			jobID := model.NewJobID()
			c, cleanup, err := buildCoordinator(cmd, opts, spec, jobID, autoYes)
			if err != nil {
				return err
			}
			defer cleanup()

			fmt.Fprintf(cmd.OutOrStdout(), "job %s: %d items\n", jobID, len(items))
			result, runErr := c.Run(cmd.Context(), items)
			printResult(cmd, result)
			return runErr
		},
	}

	cmd.Flags().StringVarP(&workflowPath, "workflow", "w", "", "workflow YAML file (required)")
	cmd.Flags().StringVarP(&itemsPath, "items", "i", "", "JSON file with the work-item array")
	cmd.Flags().BoolVarP(&autoYes, "yes", "y", false, "skip the integration merge confirmation")
	cmd.Flags().Int("max-parallel", 0, "override the configured agent parallelism")
	_ = cmd.MarkFlagRequired("workflow")
	return cmd
}

// buildCoordinator wires the shared machinery for run/resume/dlq-retry: job
// lock, event log, git repo, runtime config.
func buildCoordinator(cmd *cobra.Command, opts *rootOptions, spec *model.WorkflowSpec, jobID string, autoYes bool) (*coordinator.Coordinator, func(), error) {
	logger, err := opts.logger()
	if err != nil {
		return nil, nil, err
	}
	cfg, err := loadRuntimeConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	env := opts.environment(jobID)

	repo := gitx.Open(env.RepoDir)

	jobLock := lock.NewJobLock(env.LockPath())
	if err := jobLock.TryLock(); err != nil {
		return nil, nil, err
	}

	bus := events.NewBus(256)
	eventLog, err := events.NewEventLog(env.EventLogPath(), jobID, 0)
	var detach func()
	if err != nil {
		logger.Warnf("event log unavailable: %v", err)
	} else {
		detach = eventLog.Attach(bus)
	}

	var confirm func(string) bool
	if !autoYes {
		confirm = func(prompt string) bool {
			fmt.Fprintf(cmd.OutOrStdout(), "%s [y/N] ", prompt)
			reader := bufio.NewReader(cmd.InOrStdin())
			line, _ := reader.ReadString('\n')
			answer := strings.ToLower(strings.TrimSpace(line))
			return answer == "y" || answer == "yes"
		}
	}

	c, err := coordinator.New(coordinator.Deps{
		Env:     env,
		Spec:    spec,
		Config:  cfg,
		Repo:    repo,
		FS:      stateFS(),
		Logger:  logger,
		Confirm: confirm,
		Bus:     bus,
	})
	if err != nil {
		jobLock.Unlock()
		return nil, nil, err
	}

	cleanup := func() {
		if detach != nil {
			detach()
		}
		bus.Close()
		if eventLog != nil {
			eventLog.Close()
		}
		if uerr := jobLock.Unlock(); uerr != nil {
			logger.Warnf("release job lock: %v", uerr)
		}
	}
	return c, cleanup, nil
}

func printResult(cmd *cobra.Command, result model.JobResult) {
	out := cmd.OutOrStdout()
	status := "completed"
	if !result.Completed {
		status = "failed (phase " + string(result.Phase) + ")"
	}
	fmt.Fprintf(out, "job %s %s: %d successful, %d failed", result.JobID, status, result.Successful, result.Failed)
	if result.DLQCount > 0 {
		fmt.Fprintf(out, ", %d dead-lettered (loom dlq list --job %s)", result.DLQCount, result.JobID)
	}
	fmt.Fprintln(out)
}
