// Package step executes workflow steps inside a workspace directory. The
// executor is VCS-agnostic; commit enforcement happens in the agent layer.
package step

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/loomworks/loom/internal/logx"
	"github.com/loomworks/loom/internal/model"
)

// ErrValidationFailed reports a validate step that stayed below threshold
// after all gap-fill attempts.
var ErrValidationFailed = errors.New("validation below threshold")

// ShellRunner executes a shell command in dir and returns combined output.
// exitCode is meaningful only when err is non-nil or zero.
type ShellRunner func(ctx context.Context, dir, command string) (output string, exitCode int, err error)

// AgentRunner invokes an agent subprocess with an interpolated prompt.
type AgentRunner func(ctx context.Context, dir string, call model.AgentCallSpec, prompt string) (output string, err error)

// Context is the environment a step runs in.
type Context struct {
	Dir  string
	Vars Vars
}

// Result is the outcome of one step (or step tree, handlers included).
type Result struct {
	Output   string
	ExitCode int
}

type Executor struct {
	shell  ShellRunner
	agent  AgentRunner
	grace  time.Duration
	logger *logx.Logger
}

// Option customizes an Executor; used by tests to inject fake runners.
type Option func(*Executor)

func WithShellRunner(r ShellRunner) Option { return func(e *Executor) { e.shell = r } }
func WithAgentRunner(r AgentRunner) Option { return func(e *Executor) { e.agent = r } }

// WithTerminationGrace sets how long a cancelled subprocess gets between
// SIGTERM and SIGKILL.
func WithTerminationGrace(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.grace = d
		}
	}
}

func NewExecutor(logger *logx.Logger, opts ...Option) *Executor {
	e := &Executor{
		grace:  model.DefaultRuntimeConfig().Timeout.GracePeriod,
		logger: logger.WithComponent("step"),
	}
	e.shell = func(ctx context.Context, dir, command string) (string, int, error) {
		return runShell(ctx, dir, command, e.grace)
	}
	e.agent = func(ctx context.Context, dir string, call model.AgentCallSpec, prompt string) (string, error) {
		return runAgent(ctx, dir, call, prompt, e.grace)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes one step. On failure the step's on_failure handler runs; a
// successful handler recovers the step. On success on_success runs, and its
// failure fails the step.
func (e *Executor) Run(ctx context.Context, sc Context, step model.Step) (*Result, error) {
	if step.TimeoutSecs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutSecs)*time.Second)
		defer cancel()
	}

	res, err := e.dispatch(ctx, sc, step)
	if err != nil {
		if step.OnFailure == nil {
			return res, err
		}
		e.logger.Warnf("step %s failed, running on_failure: %v", step.DisplayName(), err)
		hres, herr := e.Run(ctx, sc, *step.OnFailure)
		if herr != nil {
			return res, fmt.Errorf("%s: %w (on_failure also failed: %v)", step.DisplayName(), err, herr)
		}
		return hres, nil
	}

	if step.OnSuccess != nil {
		hres, herr := e.Run(ctx, sc, *step.OnSuccess)
		if herr != nil {
			return res, fmt.Errorf("%s on_success: %w", step.DisplayName(), herr)
		}
		if hres != nil && hres.Output != "" {
			res.Output = hres.Output
		}
	}
	return res, nil
}

// RunAll executes steps in order, stopping at the first failure. The last
// shell output is threaded into ${shell.output} for the following step.
func (e *Executor) RunAll(ctx context.Context, sc Context, steps []model.Step) (*Result, error) {
	last := &Result{}
	for _, s := range steps {
		res, err := e.Run(ctx, sc, s)
		if err != nil {
			return res, fmt.Errorf("step %s: %w", s.DisplayName(), err)
		}
		if res != nil {
			last = res
			if sc.Vars.Extra == nil {
				sc.Vars.Extra = map[string]string{}
			}
			sc.Vars.Extra["shell.output"] = strings.TrimRight(res.Output, "\n")
		}
	}
	return last, nil
}

func (e *Executor) dispatch(ctx context.Context, sc Context, step model.Step) (*Result, error) {
	switch step.Type {
	case model.StepShell:
		return e.execShell(ctx, sc, step.Shell)
	case model.StepAgentCall:
		return e.execAgent(ctx, sc, step.AgentCall)
	case model.StepWriteFile:
		return e.execWriteFile(sc, step.WriteFile)
	case model.StepForeach:
		return e.execForeach(ctx, sc, step.Foreach)
	case model.StepValidate:
		return e.execValidate(ctx, sc, step.Validate)
	default:
		return nil, fmt.Errorf("unknown step type %q", step.Type)
	}
}

func (e *Executor) execShell(ctx context.Context, sc Context, command string) (*Result, error) {
	if command == "" {
		return nil, errors.New("shell step requires a command")
	}
	cmd := Interpolate(command, sc.Vars)
	out, code, err := e.shell(ctx, sc.Dir, cmd)
	if err != nil {
		return &Result{Output: out, ExitCode: code}, fmt.Errorf("shell %q: %w", cmd, err)
	}
	return &Result{Output: out, ExitCode: code}, nil
}

func (e *Executor) execAgent(ctx context.Context, sc Context, call *model.AgentCallSpec) (*Result, error) {
	if call == nil {
		return nil, errors.New("agent step requires an agent spec")
	}
	prompt := Interpolate(call.Prompt, sc.Vars)
	out, err := e.agent(ctx, sc.Dir, *call, prompt)
	if err != nil {
		return &Result{Output: out, ExitCode: 1}, fmt.Errorf("agent %s: %w", call.Command, err)
	}
	return &Result{Output: out}, nil
}

func (e *Executor) execWriteFile(sc Context, spec *model.WriteFileSpec) (*Result, error) {
	if spec == nil {
		return nil, errors.New("write_file step requires a file spec")
	}
	path := Interpolate(spec.Path, sc.Vars)
	if !filepath.IsAbs(path) {
		path = filepath.Join(sc.Dir, path)
	}
	// Subprocesses in later steps read this file, so it goes to the real
	// filesystem rather than through an FS abstraction.
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("write_file %s: %w", path, err)
	}
	mode := os.FileMode(0o644)
	if spec.Mode != "" {
		parsed, perr := strconv.ParseUint(spec.Mode, 8, 32)
		if perr != nil {
			return nil, fmt.Errorf("write_file %s: bad mode %q: %w", path, spec.Mode, perr)
		}
		mode = os.FileMode(parsed)
	}
	contents := Interpolate(spec.Contents, sc.Vars)
	if err := os.WriteFile(path, []byte(contents), mode); err != nil {
		return nil, fmt.Errorf("write_file %s: %w", path, err)
	}
	return &Result{Output: path}, nil
}

func (e *Executor) execForeach(ctx context.Context, sc Context, spec *model.ForeachSpec) (*Result, error) {
	if spec == nil {
		return nil, errors.New("foreach step requires a foreach spec")
	}

	items := spec.Items
	if spec.Command != "" {
		cmd := Interpolate(spec.Command, sc.Vars)
		out, _, err := e.shell(ctx, sc.Dir, cmd)
		if err != nil {
			return nil, fmt.Errorf("foreach source %q: %w", cmd, err)
		}
		items = nonEmptyLines(out)
	}

	runOne := func(ctx context.Context, idx int, item string) error {
		inner := sc
		inner.Vars.Extra = cloneExtra(sc.Vars.Extra)
		inner.Vars.Extra["foreach.item"] = item
		inner.Vars.Extra["foreach.index"] = strconv.Itoa(idx)
		if _, err := e.RunAll(ctx, inner, spec.Body); err != nil {
			return fmt.Errorf("foreach[%d] %q: %w", idx, item, err)
		}
		return nil
	}

	if spec.Parallel > 1 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(spec.Parallel)
		for i, item := range items {
			i, item := i, item
			g.Go(func() error { return runOne(gctx, i, item) })
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	} else {
		for i, item := range items {
			if err := runOne(ctx, i, item); err != nil {
				return nil, err
			}
		}
	}
	return &Result{Output: fmt.Sprintf("%d items", len(items))}, nil
}

// execValidate runs the validation command, parses a score, and on
// shortfall runs gap-fill steps before re-validating, up to max_attempts.
func (e *Executor) execValidate(ctx context.Context, sc Context, spec *model.ValidateSpec) (*Result, error) {
	if spec == nil {
		return nil, errors.New("validate step requires a validate spec")
	}
	attempts := spec.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var score float64
	var out string
	for attempt := 1; ; attempt++ {
		cmd := Interpolate(spec.Command, sc.Vars)
		var err error
		out, _, err = e.shell(ctx, sc.Dir, cmd)
		if err != nil {
			return &Result{Output: out}, fmt.Errorf("validate %q: %w", cmd, err)
		}
		score, err = parseScore(out)
		if err != nil {
			return &Result{Output: out}, fmt.Errorf("validate %q: %w", cmd, err)
		}
		if score >= spec.Threshold {
			return &Result{Output: out}, nil
		}
		e.logger.Warnf("validation attempt %d scored %.1f, threshold %.1f", attempt, score, spec.Threshold)
		if attempt >= attempts || len(spec.FillSteps) == 0 {
			break
		}
		if _, err := e.RunAll(ctx, sc, spec.FillSteps); err != nil {
			return &Result{Output: out}, fmt.Errorf("gap fill: %w", err)
		}
	}
	return &Result{Output: out}, fmt.Errorf("%w: scored %.1f, need %.1f", ErrValidationFailed, score, spec.Threshold)
}

// parseScore accepts either a bare number or a JSON object carrying
// completion_percentage.
func parseScore(out string) (float64, error) {
	s := strings.TrimSpace(out)
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, nil
	}
	var payload struct {
		CompletionPercentage float64 `json:"completion_percentage"`
	}
	if err := json.Unmarshal([]byte(s), &payload); err == nil {
		return payload.CompletionPercentage, nil
	}
	return 0, fmt.Errorf("unparseable validation score %q", truncate(s, 80))
}

func runShell(ctx context.Context, dir, command string, grace time.Duration) (string, int, error) {
	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	cmd.Dir = dir
	terminateGracefully(cmd, grace)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	code := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	}
	if ctx.Err() != nil {
		err = ctx.Err()
	}
	return buf.String(), code, err
}

func runAgent(ctx context.Context, dir string, call model.AgentCallSpec, prompt string, grace time.Duration) (string, error) {
	args := append(append([]string(nil), call.Args...), prompt)
	cmd := exec.CommandContext(ctx, call.Command, args...)
	cmd.Dir = dir
	terminateGracefully(cmd, grace)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	if ctx.Err() != nil {
		err = ctx.Err()
	}
	return buf.String(), err
}

// terminateGracefully asks a cancelled subprocess to exit with SIGTERM and
// lets exec escalate to SIGKILL once the wind-down window closes.
func terminateGracefully(cmd *exec.Cmd, grace time.Duration) {
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	if grace > 0 {
		cmd.WaitDelay = grace
	}
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func cloneExtra(m map[string]string) map[string]string {
	out := make(map[string]string, len(m)+2)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
