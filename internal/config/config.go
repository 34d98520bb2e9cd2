// Package config fills the runtime configuration from LOOM_* environment
// variables. The workflow spec itself arrives separately, pre-validated.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/loomworks/loom/internal/model"
)

// EnvPrefix namespaces every variable the core reads.
const EnvPrefix = "LOOM_"

// Recognized variables:
//
//	LOOM_MAX_PARALLEL              int
//	LOOM_TIMEOUT_POLICY            per_agent | per_command | hybrid
//	LOOM_AGENT_TIMEOUT_SECS        int
//	LOOM_COMMAND_TIMEOUT_SECS      int (default per-command deadline)
//	LOOM_COMMAND_TIMEOUTS          name=secs[,name=secs...]
//	LOOM_TIMEOUT_ACTION            dlq | skip | fail | graceful_terminate
//	LOOM_GRACE_PERIOD_SECS         int
//	LOOM_ON_GRACE_OVERRUN          dlq | fail
//	LOOM_ON_ITEM_FAILURE           dlq | retry | skip | stop
//	LOOM_CONTINUE_ON_FAILURE       bool
//	LOOM_MAX_FAILURES              int
//	LOOM_MAX_CONSECUTIVE_FAILURES  int
//	LOOM_RETRY_ATTEMPTS            int

// Load reads the environment on top of defaults.
func Load() (model.RuntimeConfig, error) {
	cfg := model.DefaultRuntimeConfig()

	k := koanf.New(".")
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil); err != nil {
		return cfg, fmt.Errorf("load env config: %w", err)
	}

	if k.Exists("max_parallel") {
		cfg.MaxParallel = k.Int("max_parallel")
	}
	if k.Exists("timeout_policy") {
		kind := model.TimeoutPolicyKind(k.String("timeout_policy"))
		switch kind {
		case model.TimeoutPerAgent, model.TimeoutPerCommand, model.TimeoutHybrid:
			cfg.Timeout.Kind = kind
		default:
			return cfg, fmt.Errorf("invalid LOOM_TIMEOUT_POLICY: %q", kind)
		}
	}
	if k.Exists("agent_timeout_secs") {
		cfg.Timeout.AgentTimeout = time.Duration(k.Int("agent_timeout_secs")) * time.Second
	}
	if k.Exists("command_timeout_secs") {
		cfg.Timeout.DefaultCommand = time.Duration(k.Int("command_timeout_secs")) * time.Second
	}
	if k.Exists("command_timeouts") {
		m, err := parseCommandTimeouts(k.String("command_timeouts"))
		if err != nil {
			return cfg, fmt.Errorf("invalid LOOM_COMMAND_TIMEOUTS: %w", err)
		}
		cfg.Timeout.CommandTimeouts = m
	}
	if k.Exists("timeout_action") {
		action := model.TimeoutAction(k.String("timeout_action"))
		switch action {
		case model.TimeoutActionDLQ, model.TimeoutActionSkip, model.TimeoutActionFail, model.TimeoutActionGracefulTerminate:
			cfg.Timeout.Action = action
		default:
			return cfg, fmt.Errorf("invalid LOOM_TIMEOUT_ACTION: %q", action)
		}
	}
	if k.Exists("grace_period_secs") {
		cfg.Timeout.GracePeriod = time.Duration(k.Int("grace_period_secs")) * time.Second
	}
	if k.Exists("on_grace_overrun") {
		fallback := model.TimeoutAction(k.String("on_grace_overrun"))
		if fallback != model.TimeoutActionDLQ && fallback != model.TimeoutActionFail {
			return cfg, fmt.Errorf("invalid LOOM_ON_GRACE_OVERRUN: %q", fallback)
		}
		cfg.Timeout.OnGraceOverrun = fallback
	}
	if k.Exists("on_item_failure") {
		policy := model.FailurePolicy(k.String("on_item_failure"))
		switch policy {
		case model.FailurePolicyDLQ, model.FailurePolicyRetry, model.FailurePolicySkip, model.FailurePolicyStop:
			cfg.OnItemFailure = policy
		default:
			return cfg, fmt.Errorf("invalid LOOM_ON_ITEM_FAILURE: %q", policy)
		}
	}
	if k.Exists("continue_on_failure") {
		cfg.ContinueOnFailure = k.Bool("continue_on_failure")
	}
	if k.Exists("max_failures") {
		cfg.MaxFailures = k.Int("max_failures")
	}
	if k.Exists("max_consecutive_failures") {
		cfg.MaxConsecutiveFailures = k.Int("max_consecutive_failures")
	}
	if k.Exists("retry_attempts") {
		cfg.RetryAttempts = k.Int("retry_attempts")
	}

	return cfg, nil
}

// parseCommandTimeouts parses "name=secs,name=secs" pairs.
func parseCommandTimeouts(s string) (map[string]time.Duration, error) {
	out := make(map[string]time.Duration)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, val, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("malformed pair %q", pair)
		}
		secs, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return nil, fmt.Errorf("malformed seconds in %q: %w", pair, err)
		}
		out[strings.TrimSpace(name)] = time.Duration(secs) * time.Second
	}
	return out, nil
}
