// Package config handles configuration loading and management for Obra.
// It supports XDG config paths, named profiles, and per-invocation
// --set key=value overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for Obra.
type Config struct {
	LLM              LLMConfig              `mapstructure:"llm" yaml:"llm"`
	Agent            AgentConfig            `mapstructure:"agent" yaml:"agent"`
	Session          SessionConfig          `mapstructure:"session" yaml:"session"`
	Orchestration    OrchestrationConfig    `mapstructure:"orchestration" yaml:"orchestration"`
	Retry            RetryConfig            `mapstructure:"retry" yaml:"retry"`
	DecisionEngine   DecisionEngineConfig   `mapstructure:"decision_engine" yaml:"decision_engine"`
	Git              GitConfig              `mapstructure:"git" yaml:"git"`
	TaskDependencies TaskDependenciesConfig `mapstructure:"task_dependencies" yaml:"task_dependencies"`
	Watcher          WatcherConfig          `mapstructure:"watcher" yaml:"watcher"`
}

// LLMConfig selects and configures the orchestrator LLM gateway.
type LLMConfig struct {
	// Type is the gateway kind: ollama, external-cli, or anthropic.
	Type string `mapstructure:"type" yaml:"type"`
	// APIURL is the HTTP endpoint for the ollama gateway.
	APIURL string `mapstructure:"api_url" yaml:"api_url"`
	// Model is the model name passed to the gateway.
	Model string `mapstructure:"model" yaml:"model"`
	// Command is the executable for the external-cli gateway.
	Command string `mapstructure:"command" yaml:"command"`
	// UseBedrock routes the anthropic gateway through AWS Bedrock.
	UseBedrock bool `mapstructure:"use_bedrock" yaml:"use_bedrock"`
	// AWSRegion is the Bedrock region, e.g. "us-west-2".
	AWSRegion string `mapstructure:"aws_region" yaml:"aws_region"`
	// AWSProfile is the optional AWS shared-config profile.
	AWSProfile string `mapstructure:"aws_profile" yaml:"aws_profile"`
	// ScoringTimeout bounds a single gateway scoring call.
	ScoringTimeout time.Duration `mapstructure:"scoring_timeout" yaml:"scoring_timeout"`
}

// AgentConfig configures the implementer driver.
type AgentConfig struct {
	// Type is the driver kind: subprocess or ssh.
	Type string `mapstructure:"type" yaml:"type"`
	// Command is the implementer executable, e.g. "claude".
	Command string `mapstructure:"command" yaml:"command"`
	// SSHHost is the remote host for the ssh driver.
	SSHHost string `mapstructure:"ssh_host" yaml:"ssh_host"`
	// ResponseTimeout is the overall deadline for one prompt, in seconds.
	ResponseTimeout int `mapstructure:"response_timeout" yaml:"response_timeout"`
	// StabilityWindow is how long the process must run without failing
	// before it is considered ready, in seconds.
	StabilityWindow int `mapstructure:"stability_window" yaml:"stability_window"`
	// BypassInteractivePermissions passes the non-interactive permission flag.
	BypassInteractivePermissions bool `mapstructure:"bypass_interactive_permissions" yaml:"bypass_interactive_permissions"`
	// UseSessionPersistence resumes the same implementer session across iterations.
	UseSessionPersistence bool `mapstructure:"use_session_persistence" yaml:"use_session_persistence"`
}

// ContextWindowConfig holds the session token thresholds as fractions
// of the context limit.
type ContextWindowConfig struct {
	Limit             int64   `mapstructure:"limit" yaml:"limit"`
	WarningThreshold  float64 `mapstructure:"warning_threshold" yaml:"warning_threshold"`
	RefreshThreshold  float64 `mapstructure:"refresh_threshold" yaml:"refresh_threshold"`
	CriticalThreshold float64 `mapstructure:"critical_threshold" yaml:"critical_threshold"`
}

// SessionConfig configures session and context management.
type SessionConfig struct {
	ContextWindow ContextWindowConfig `mapstructure:"context_window" yaml:"context_window"`
	// CarrySummary carries the epic summary forward unchanged on refresh
	// instead of regenerating it.
	CarrySummary bool `mapstructure:"carry_summary" yaml:"carry_summary"`
}

// MaxTurnsConfig controls per-iteration agent turn limits.
type MaxTurnsConfig struct {
	// Adaptive enables per-task-type turn limits.
	Adaptive bool `mapstructure:"adaptive" yaml:"adaptive"`
	// Default is the limit used when adaptive is off or no type entry matches.
	Default int `mapstructure:"default" yaml:"default"`
	// Min and Max clamp any computed limit.
	Min int `mapstructure:"min" yaml:"min"`
	Max int `mapstructure:"max" yaml:"max"`
	// ByTaskType maps task types to their limits.
	ByTaskType map[string]int `mapstructure:"by_task_type" yaml:"by_task_type"`
	// AutoRetry doubles the limit once after max_turns_exhausted.
	AutoRetry bool `mapstructure:"auto_retry" yaml:"auto_retry"`
	// RetryMultiplier scales the limit on that retry.
	RetryMultiplier float64 `mapstructure:"retry_multiplier" yaml:"retry_multiplier"`
}

// OrchestrationConfig configures the iteration controller.
type OrchestrationConfig struct {
	MaxTurns MaxTurnsConfig `mapstructure:"max_turns" yaml:"max_turns"`
	// MaxIterations is the default iteration cap per task.
	MaxIterations int `mapstructure:"max_iterations" yaml:"max_iterations"`
	// CancelledTaskStatus selects where a cancelled task lands: pending or failed.
	CancelledTaskStatus string `mapstructure:"cancelled_task_status" yaml:"cancelled_task_status"`
	// DecomposeOnCritical emits a decompose request when a session
	// crosses the critical context threshold mid-task.
	DecomposeOnCritical bool `mapstructure:"decompose_on_critical" yaml:"decompose_on_critical"`
}

// RetryConfig configures the retry coordinator.
type RetryConfig struct {
	MaxRetries    int           `mapstructure:"max_retries" yaml:"max_retries"`
	BaseDelay     time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	BackoffFactor float64       `mapstructure:"backoff_factor" yaml:"backoff_factor"`
	Jitter        bool          `mapstructure:"jitter" yaml:"jitter"`
	// RetryableErrors optionally narrows which error kinds are retried.
	RetryableErrors []string `mapstructure:"retryable_errors" yaml:"retryable_errors"`
}

// DecisionEngineConfig configures thresholds and breakpoint triggers.
type DecisionEngineConfig struct {
	QualityProceedThreshold  float64 `mapstructure:"quality_proceed_threshold" yaml:"quality_proceed_threshold"`
	QualityCriticalThreshold float64 `mapstructure:"quality_critical_threshold" yaml:"quality_critical_threshold"`
	// HardIterationCeiling fires a breakpoint at this iteration number.
	HardIterationCeiling int `mapstructure:"hard_iteration_ceiling" yaml:"hard_iteration_ceiling"`
	// ConsecutiveClarifyLimit fires a breakpoint after this many clarifies in a row.
	ConsecutiveClarifyLimit int `mapstructure:"consecutive_clarify_limit" yaml:"consecutive_clarify_limit"`
	// QualityCollapseDrop fires a breakpoint when quality falls by more
	// than this amount iteration-over-iteration.
	QualityCollapseDrop float64 `mapstructure:"quality_collapse_drop" yaml:"quality_collapse_drop"`
}

// GitConfig configures the post-task commit hook.
type GitConfig struct {
	Enabled        bool   `mapstructure:"enabled" yaml:"enabled"`
	AutoCommit     bool   `mapstructure:"auto_commit" yaml:"auto_commit"`
	CommitStrategy string `mapstructure:"commit_strategy" yaml:"commit_strategy"`
	BranchPerTask  bool   `mapstructure:"branch_per_task" yaml:"branch_per_task"`
	BranchPrefix   string `mapstructure:"branch_prefix" yaml:"branch_prefix"`
}

// TaskDependenciesConfig configures the dependency scheduler.
type TaskDependenciesConfig struct {
	Enabled  bool `mapstructure:"enabled" yaml:"enabled"`
	MaxDepth int  `mapstructure:"max_depth" yaml:"max_depth"`
	// AllowCycles exists for symmetry with the key set but must stay false;
	// Load rejects a profile that sets it.
	AllowCycles bool `mapstructure:"allow_cycles" yaml:"allow_cycles"`
	// CascadeFailures blocks the transitive closure on failure instead of
	// only direct dependents.
	CascadeFailures bool `mapstructure:"cascade_failures" yaml:"cascade_failures"`
}

// WatcherConfig configures the working-directory file watcher.
type WatcherConfig struct {
	Enabled    bool          `mapstructure:"enabled" yaml:"enabled"`
	DebounceMS time.Duration `mapstructure:"debounce" yaml:"debounce"`
}

// Options control how Load composes the final configuration.
type Options struct {
	// Profile is the named profile overlaid on the defaults.
	Profile string
	// ConfigFile is an explicit config file, overriding profile discovery.
	ConfigFile string
	// Sets are key=value pairs applied last.
	Sets []string
}

// Load composes configuration from built-in defaults, the named profile
// (or explicit file), and --set overrides, in that precedence order.
func Load(opts Options) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	switch {
	case opts.ConfigFile != "":
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", opts.ConfigFile, err)
		}
	case opts.Profile != "" && opts.Profile != "default":
		profilePath := filepath.Join(userConfigDir(), opts.Profile+".yaml")
		pv := viper.New()
		pv.SetConfigFile(profilePath)
		if err := pv.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading profile %q: %w", opts.Profile, err)
		}
		if err := v.MergeConfigMap(pv.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging profile %q: %w", opts.Profile, err)
		}
	default:
		// Base profile: config.yaml in the user config dir, if present.
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(userConfigDir())
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("reading user config: %w", err)
			}
		}
	}

	for _, set := range opts.Sets {
		key, value, ok := strings.Cut(set, "=")
		if !ok {
			return nil, fmt.Errorf("malformed --set %q: want key=value", set)
		}
		if !KnownKey(key) {
			return nil, fmt.Errorf("unrecognized configuration key %q", key)
		}
		v.Set(key, value)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field invariants that viper cannot express.
func (c *Config) Validate() error {
	if c.TaskDependencies.AllowCycles {
		return fmt.Errorf("task_dependencies.allow_cycles must be false")
	}
	cw := c.Session.ContextWindow
	if cw.Limit <= 0 {
		return fmt.Errorf("session.context_window.limit must be positive")
	}
	if !(cw.WarningThreshold <= cw.RefreshThreshold && cw.RefreshThreshold <= cw.CriticalThreshold) {
		return fmt.Errorf("session.context_window thresholds must be ordered warning <= refresh <= critical")
	}
	de := c.DecisionEngine
	if de.QualityCriticalThreshold > de.QualityProceedThreshold {
		return fmt.Errorf("decision_engine.quality_critical_threshold must not exceed quality_proceed_threshold")
	}
	switch c.LLM.Type {
	case "ollama", "external-cli", "anthropic":
	default:
		return fmt.Errorf("llm.type must be one of ollama, external-cli, anthropic; got %q", c.LLM.Type)
	}
	return nil
}

// Snapshot renders the effective configuration as YAML. Projects store
// the snapshot at creation time for later audit.
func (c *Config) Snapshot() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal config snapshot: %w", err)
	}
	return string(out), nil
}

// MaxTurnsFor returns the agent turn limit for a task type, honoring the
// adaptive map and min/max clamps.
func (c *Config) MaxTurnsFor(taskType string) int {
	mt := c.Orchestration.MaxTurns
	turns := mt.Default
	if mt.Adaptive {
		if v, ok := mt.ByTaskType[taskType]; ok {
			turns = v
		}
	}
	if mt.Min > 0 && turns < mt.Min {
		turns = mt.Min
	}
	if mt.Max > 0 && turns > mt.Max {
		turns = mt.Max
	}
	return turns
}

// setDefaults configures the built-in default profile.
func setDefaults(v *viper.Viper) {
	v.SetDefault("llm.type", "ollama")
	v.SetDefault("llm.api_url", "http://localhost:11434")
	v.SetDefault("llm.model", "qwen2.5-coder:14b")
	v.SetDefault("llm.command", "")
	v.SetDefault("llm.use_bedrock", false)
	v.SetDefault("llm.scoring_timeout", "2m")

	v.SetDefault("agent.type", "subprocess")
	v.SetDefault("agent.command", "claude")
	v.SetDefault("agent.response_timeout", 7200)
	v.SetDefault("agent.stability_window", 30)
	v.SetDefault("agent.bypass_interactive_permissions", true)
	v.SetDefault("agent.use_session_persistence", true)

	v.SetDefault("session.context_window.limit", 200000)
	v.SetDefault("session.context_window.warning_threshold", 0.70)
	v.SetDefault("session.context_window.refresh_threshold", 0.80)
	v.SetDefault("session.context_window.critical_threshold", 0.95)
	v.SetDefault("session.carry_summary", false)

	v.SetDefault("orchestration.max_iterations", 10)
	v.SetDefault("orchestration.cancelled_task_status", "pending")
	v.SetDefault("orchestration.decompose_on_critical", false)
	v.SetDefault("orchestration.max_turns.adaptive", true)
	v.SetDefault("orchestration.max_turns.default", 30)
	v.SetDefault("orchestration.max_turns.min", 5)
	v.SetDefault("orchestration.max_turns.max", 100)
	v.SetDefault("orchestration.max_turns.by_task_type", map[string]int{
		"epic": 50, "story": 40, "task": 30, "subtask": 15,
	})
	v.SetDefault("orchestration.max_turns.auto_retry", true)
	v.SetDefault("orchestration.max_turns.retry_multiplier", 2.0)

	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay", "1s")
	v.SetDefault("retry.max_delay", "60s")
	v.SetDefault("retry.backoff_factor", 2.0)
	v.SetDefault("retry.jitter", true)

	v.SetDefault("decision_engine.quality_proceed_threshold", 0.70)
	v.SetDefault("decision_engine.quality_critical_threshold", 0.50)
	v.SetDefault("decision_engine.hard_iteration_ceiling", 15)
	v.SetDefault("decision_engine.consecutive_clarify_limit", 3)
	v.SetDefault("decision_engine.quality_collapse_drop", 0.30)

	v.SetDefault("git.enabled", false)
	v.SetDefault("git.auto_commit", false)
	v.SetDefault("git.commit_strategy", "per_task")
	v.SetDefault("git.branch_per_task", false)
	v.SetDefault("git.branch_prefix", "obra/")

	v.SetDefault("task_dependencies.enabled", true)
	v.SetDefault("task_dependencies.max_depth", 20)
	v.SetDefault("task_dependencies.allow_cycles", false)
	v.SetDefault("task_dependencies.cascade_failures", true)

	v.SetDefault("watcher.enabled", true)
	v.SetDefault("watcher.debounce", "500ms")
}

// userConfigDir returns the XDG config directory for Obra.
func userConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "obra")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "obra")
	}
	return filepath.Join(home, ".config", "obra")
}

// UserConfigPath returns the path of the base profile file.
func UserConfigPath() string {
	return filepath.Join(userConfigDir(), "config.yaml")
}

// Default returns a Config populated with the built-in defaults only,
// ignoring any user profile on disk.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		// Defaults always unmarshal; a failure here is a programming error.
		panic(err)
	}
	return cfg
}
