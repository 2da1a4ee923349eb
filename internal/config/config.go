// Package config loads the orchestrator's tunables: token budget, turn and
// concurrency ceilings, heartbeat active hours and windows, and provider
// selection. Values come from an optional YAML file merged with environment
// variables, environment taking precedence. The CLI's own flags (--agent,
// --workspace, --config, --model) are handled in cmd/miniagent and do not
// pass through this package; environment variables are the override layer
// for every tunable here.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openclaw/miniagent/internal/heartbeat"
)

// Config holds every orchestrator-wide tunable.
type Config struct {
	// TokenBudget is the estimated-token ceiling the pruner/compactor target.
	TokenBudget int `yaml:"tokenBudget"`
	// MaxTurns bounds a single run's turn count; 0 means unlimited.
	MaxTurns int `yaml:"maxTurns"`
	// MaxConcurrentRuns is the global lane's admission cap.
	MaxConcurrentRuns int `yaml:"maxConcurrentRuns"`
	// MaxRunsPerSecond additionally smooths the global lane's admission
	// rate via a token-bucket limiter (burst = MaxConcurrentRuns); <= 0
	// disables rate smoothing and admits purely on the concurrency cap.
	MaxRunsPerSecond float64 `yaml:"maxRunsPerSecond"`
	// DefaultProvider names the model.Registry entry used when a run does
	// not request one explicitly.
	DefaultProvider string `yaml:"defaultProvider"`
	// HeartbeatIntervalMs is the heartbeat runner's rearm interval.
	HeartbeatIntervalMs int64 `yaml:"heartbeatIntervalMs"`
	// HeartbeatCoalesceMs is the wake coalescer's debounce window.
	HeartbeatCoalesceMs int64 `yaml:"heartbeatCoalesceMs"`
	// HeartbeatDuplicateWindow is how long identical dispatched text is
	// suppressed for.
	HeartbeatDuplicateWindow time.Duration `yaml:"heartbeatDuplicateWindow"`
	// HeartbeatActiveHours restricts when the heartbeat runner dispatches;
	// nil means always active.
	HeartbeatActiveHours *heartbeat.ActiveHours `yaml:"-"`
	// ActiveHoursStart/End are the YAML-friendly "HH:MM" form of
	// HeartbeatActiveHours, populated from the file and converted by Load.
	ActiveHoursStart string `yaml:"activeHoursStart"`
	ActiveHoursEnd   string `yaml:"activeHoursEnd"`
	// HeartbeatTaskFile names the markdown task list the heartbeat runner
	// parses, resolved relative to the workspace directory.
	HeartbeatTaskFile string `yaml:"heartbeatTaskFile"`

	// AnthropicAPIKey satisfies the default provider's credential, read
	// from the ANTHROPIC_API_KEY environment variable.
	AnthropicAPIKey string `yaml:"-"`
	// DefaultAgentID is the fallback agent id, read from the
	// OPENCLAW_MINI_AGENT_ID environment variable, used when --agent is
	// not passed.
	DefaultAgentID string `yaml:"-"`
	// RedisURL, when set, backs the heartbeat runner's duplicate-suppression
	// window with internal/heartbeat/rediscache instead of its in-memory
	// default. Read from the REDIS_URL environment variable.
	RedisURL string `yaml:"-"`

	// OpenAIAPIKey and OpenAIModel, when both set, register a second
	// provider (internal/model/openai) selectable per invocation.
	OpenAIAPIKey string `yaml:"-"`
	OpenAIModel  string `yaml:"-"`
	// BedrockModelID, when set, registers a third provider
	// (internal/model/bedrock) using the default AWS credential chain.
	BedrockModelID string `yaml:"-"`

	// MongoURI, when set, backs the memory store with internal/memory/mongo
	// instead of the workspace-local JSON file.
	MongoURI string `yaml:"-"`
}

// Default returns the baseline tunables before any file or environment
// override is applied.
func Default() Config {
	return Config{
		TokenBudget:              180_000,
		MaxTurns:                 25,
		MaxConcurrentRuns:        2,
		DefaultProvider:          "anthropic",
		HeartbeatIntervalMs:      5 * 60 * 1000,
		HeartbeatCoalesceMs:      250,
		HeartbeatDuplicateWindow: 24 * time.Hour,
		HeartbeatTaskFile:        "HEARTBEAT.md",
	}
}

// Load builds a Config by starting from Default, merging path (if non-empty
// and present) as YAML, then applying environment variable overrides. path
// not existing is not an error — a workspace need not carry a config file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if cfg.ActiveHoursStart != "" && cfg.ActiveHoursEnd != "" {
		hours, err := parseActiveHours(cfg.ActiveHoursStart, cfg.ActiveHoursEnd)
		if err != nil {
			return Config{}, err
		}
		cfg.HeartbeatActiveHours = &hours
	}

	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.AnthropicAPIKey = v
	}
	if v := os.Getenv("OPENCLAW_MINI_AGENT_ID"); v != "" {
		cfg.DefaultAgentID = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.OpenAIAPIKey = v
	}
	if v := os.Getenv("OPENAI_MODEL"); v != "" {
		cfg.OpenAIModel = v
	}
	if v := os.Getenv("BEDROCK_MODEL_ID"); v != "" {
		cfg.BedrockModelID = v
	}
	if v := os.Getenv("MONGO_URI"); v != "" {
		cfg.MongoURI = v
	}
	if v := os.Getenv("MINI_AGENT_TOKEN_BUDGET"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: MINI_AGENT_TOKEN_BUDGET: %w", err)
		}
		cfg.TokenBudget = n
	}
	if v := os.Getenv("MINI_AGENT_MAX_TURNS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: MINI_AGENT_MAX_TURNS: %w", err)
		}
		cfg.MaxTurns = n
	}
	if v := os.Getenv("MINI_AGENT_MAX_CONCURRENT_RUNS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: MINI_AGENT_MAX_CONCURRENT_RUNS: %w", err)
		}
		cfg.MaxConcurrentRuns = n
	}
	if v := os.Getenv("MINI_AGENT_MAX_RUNS_PER_SECOND"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: MINI_AGENT_MAX_RUNS_PER_SECOND: %w", err)
		}
		cfg.MaxRunsPerSecond = f
	}
	if v := os.Getenv("MINI_AGENT_DEFAULT_PROVIDER"); v != "" {
		cfg.DefaultProvider = v
	}
	if v := os.Getenv("MINI_AGENT_ACTIVE_HOURS_START"); v != "" {
		cfg.ActiveHoursStart = v
	}
	if v := os.Getenv("MINI_AGENT_ACTIVE_HOURS_END"); v != "" {
		cfg.ActiveHoursEnd = v
	}
	return nil
}

// parseActiveHours converts "HH:MM" start/end strings into minute-of-day
// offsets for heartbeat.ActiveHours.
func parseActiveHours(start, end string) (heartbeat.ActiveHours, error) {
	s, err := parseHHMM(start)
	if err != nil {
		return heartbeat.ActiveHours{}, fmt.Errorf("config: activeHoursStart: %w", err)
	}
	e, err := parseHHMM(end)
	if err != nil {
		return heartbeat.ActiveHours{}, fmt.Errorf("config: activeHoursEnd: %w", err)
	}
	return heartbeat.ActiveHours{StartMinute: s, EndMinute: e}, nil
}

func parseHHMM(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}
