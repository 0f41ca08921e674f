package config

import "strings"

// knownKeys is the set of configuration keys --set may target.
// Map-valued keys (orchestration.max_turns.by_task_type.*) are matched
// by prefix.
var knownKeys = map[string]bool{
	"llm.type":            true,
	"llm.api_url":         true,
	"llm.model":           true,
	"llm.command":         true,
	"llm.use_bedrock":     true,
	"llm.aws_region":      true,
	"llm.aws_profile":     true,
	"llm.scoring_timeout": true,

	"agent.type":                           true,
	"agent.command":                        true,
	"agent.ssh_host":                       true,
	"agent.response_timeout":               true,
	"agent.stability_window":               true,
	"agent.bypass_interactive_permissions": true,
	"agent.use_session_persistence":        true,

	"session.context_window.limit":              true,
	"session.context_window.warning_threshold":  true,
	"session.context_window.refresh_threshold":  true,
	"session.context_window.critical_threshold": true,
	"session.carry_summary":                     true,

	"orchestration.max_iterations":             true,
	"orchestration.cancelled_task_status":      true,
	"orchestration.decompose_on_critical":      true,
	"orchestration.max_turns.adaptive":         true,
	"orchestration.max_turns.default":          true,
	"orchestration.max_turns.min":              true,
	"orchestration.max_turns.max":              true,
	"orchestration.max_turns.auto_retry":       true,
	"orchestration.max_turns.retry_multiplier": true,

	"retry.max_retries":      true,
	"retry.base_delay":       true,
	"retry.max_delay":        true,
	"retry.backoff_factor":   true,
	"retry.jitter":           true,
	"retry.retryable_errors": true,

	"decision_engine.quality_proceed_threshold":  true,
	"decision_engine.quality_critical_threshold": true,
	"decision_engine.hard_iteration_ceiling":     true,
	"decision_engine.consecutive_clarify_limit":  true,
	"decision_engine.quality_collapse_drop":      true,

	"git.enabled":         true,
	"git.auto_commit":     true,
	"git.commit_strategy": true,
	"git.branch_per_task": true,
	"git.branch_prefix":   true,

	"task_dependencies.enabled":          true,
	"task_dependencies.max_depth":        true,
	"task_dependencies.allow_cycles":     true,
	"task_dependencies.cascade_failures": true,

	"watcher.enabled":  true,
	"watcher.debounce": true,
}

// KnownKey reports whether a --set key is recognized.
func KnownKey(key string) bool {
	if knownKeys[key] {
		return true
	}
	return strings.HasPrefix(key, "orchestration.max_turns.by_task_type.")
}
