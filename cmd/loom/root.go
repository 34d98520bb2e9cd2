package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/logx"
	"github.com/loomworks/loom/internal/model"
)

const version = "0.3.0"

type rootOptions struct {
	stateDir string
	repoDir  string
	logLevel string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "loom",
		Short:         "parallel agent workflow orchestrator",
		Long:          "loom fans work items out to isolated agent workspaces, merges their results back serially, and survives interruption through checkpoints.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultState := ".loom"
	if home, err := os.UserHomeDir(); err == nil {
		defaultState = filepath.Join(home, ".loom")
	}
	cmd.PersistentFlags().StringVar(&opts.stateDir, "state-dir", defaultState, "directory for job state (checkpoints, DLQ, worktrees)")
	cmd.PersistentFlags().StringVar(&opts.repoDir, "repo", ".", "target git repository")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log verbosity (debug, info, warn, error)")

	cmd.AddCommand(
		newRunCmd(opts),
		newResumeCmd(opts),
		newDLQCmd(opts),
		newWorktreeCmd(opts),
		newEventsCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

func (o *rootOptions) logger() (*logx.Logger, error) {
	level, err := logx.ParseLevel(o.logLevel)
	if err != nil {
		return nil, err
	}
	return logx.New(os.Stderr, "loom", level), nil
}

func (o *rootOptions) environment(jobID string) model.ExecutionEnvironment {
	return model.ExecutionEnvironment{
		BaseDir: o.stateDir,
		RepoDir: o.repoDir,
		JobID:   jobID,
	}
}

// loadWorkflow decodes and depth-checks a workflow YAML file.
func loadWorkflow(path string) (*model.WorkflowSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	var spec model.WorkflowSpec
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("parse workflow %s: %w", path, err)
	}
	if spec.Name == "" {
		spec.Name = filepath.Base(path)
	}
	if len(spec.Map.AgentTemplate) == 0 {
		return nil, fmt.Errorf("workflow %s: map.agent_template is required", path)
	}
	if err := model.CheckDepth(spec.Map.AgentTemplate); err != nil {
		return nil, fmt.Errorf("workflow %s: %w", path, err)
	}
	return &spec, nil
}

// loadItems reads a JSON array of objects as work items.
func loadItems(path string) ([]model.WorkItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read items: %w", err)
	}
	var rows []map[string]any
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("parse items %s: %w", path, err)
	}
	return model.NewWorkItems(rows), nil
}

func loadRuntimeConfig(cmd *cobra.Command) (model.RuntimeConfig, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, err
	}
	if f := cmd.Flags().Lookup("max-parallel"); f != nil && f.Changed {
		n, _ := cmd.Flags().GetInt("max-parallel")
		cfg.MaxParallel = n
	}
	return cfg, nil
}

func stateFS() afero.Fs {
	return afero.NewOsFs()
}
