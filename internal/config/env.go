// Package config loads engine settings from the process environment and
// agent definitions from YAML files. Environment variables carry the
// deployment knobs; agent files carry persona, capabilities, feeds,
// metadata schema, and workflow triggers.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Defaults applied when the corresponding CORTEX_* variable is unset.
const (
	DefaultMaxIterations = 5
	DefaultActionTimeout = 60 * time.Second
	DefaultMaxParallel   = 8
	DefaultIdleTimeout   = 30 * time.Minute
	DefaultShutdownGrace = 10 * time.Second
	DefaultEventBuffer   = 256
	DefaultReplayBuffer  = 1024
	DefaultFeedCacheSize = 128
	DefaultPort          = "8420"
	DefaultLLMModel      = "gpt-4o-mini"
	DefaultLLMBaseURL    = "https://api.openai.com/v1"
)

// Env is the process-level configuration, resolved once at startup.
type Env struct {
	LLMProvider     string // "openai" (direct HTTP) or "gateway"
	LLMModel        string
	LLMAPIKey       string
	LLMBaseURL      string
	GatewayURL      string
	GatewayProvider string // upstream provider the gateway should route to

	ToolRunnerURL     string
	WorkflowRunnerURL string

	MaxIterations int
	ActionTimeout time.Duration
	MaxParallel   int
	PeriodicFeeds bool

	SessionIdleTimeout time.Duration
	ShutdownGrace      time.Duration
	EventBuffer        int
	ReplayBuffer       int

	SessionDir string // session record files; empty keeps records in memory
	SessionDSN string // postgres DSN for session records; overrides SessionDir

	AgentDir string
	Port     string

	TracingEnabled  bool
	TracingExporter string // otlp|zipkin|jaeger
	TracingEndpoint string
}

// LoadEnv reads the CORTEX_* environment into an Env, applying defaults.
func LoadEnv() *Env {
	v := viper.New()
	v.SetEnvPrefix("CORTEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("llm_provider", "openai")
	v.SetDefault("llm_model", DefaultLLMModel)
	v.SetDefault("llm_base_url", DefaultLLMBaseURL)
	v.SetDefault("gateway_provider", "openai")
	v.SetDefault("max_iterations", DefaultMaxIterations)
	v.SetDefault("action_timeout", DefaultActionTimeout.String())
	v.SetDefault("max_parallel", DefaultMaxParallel)
	v.SetDefault("periodic_feeds", true)
	v.SetDefault("session_idle_timeout", DefaultIdleTimeout.String())
	v.SetDefault("shutdown_grace", DefaultShutdownGrace.String())
	v.SetDefault("event_buffer", DefaultEventBuffer)
	v.SetDefault("replay_buffer", DefaultReplayBuffer)
	v.SetDefault("agent_dir", "agents")
	v.SetDefault("tracing_exporter", "otlp")

	// PORT is conventionally unprefixed on hosting platforms.
	_ = v.BindEnv("port", "CORTEX_PORT", "PORT")
	v.SetDefault("port", DefaultPort)

	return &Env{
		LLMProvider:        strings.ToLower(v.GetString("llm_provider")),
		LLMModel:           v.GetString("llm_model"),
		LLMAPIKey:          v.GetString("llm_api_key"),
		LLMBaseURL:         strings.TrimRight(v.GetString("llm_base_url"), "/"),
		GatewayURL:         strings.TrimRight(v.GetString("gateway_url"), "/"),
		GatewayProvider:    strings.ToLower(v.GetString("gateway_provider")),
		ToolRunnerURL:      strings.TrimRight(v.GetString("tool_runner_url"), "/"),
		WorkflowRunnerURL:  strings.TrimRight(v.GetString("workflow_runner_url"), "/"),
		MaxIterations:      intOr(v.GetInt("max_iterations"), DefaultMaxIterations),
		ActionTimeout:      durationOr(v.GetDuration("action_timeout"), DefaultActionTimeout),
		MaxParallel:        intOr(v.GetInt("max_parallel"), DefaultMaxParallel),
		PeriodicFeeds:      v.GetBool("periodic_feeds"),
		SessionIdleTimeout: durationOr(v.GetDuration("session_idle_timeout"), DefaultIdleTimeout),
		ShutdownGrace:      durationOr(v.GetDuration("shutdown_grace"), DefaultShutdownGrace),
		EventBuffer:        intOr(v.GetInt("event_buffer"), DefaultEventBuffer),
		ReplayBuffer:       intOr(v.GetInt("replay_buffer"), DefaultReplayBuffer),
		SessionDir:         v.GetString("session_dir"),
		SessionDSN:         v.GetString("session_dsn"),
		AgentDir:           v.GetString("agent_dir"),
		Port:               v.GetString("port"),
		TracingEnabled:     v.GetBool("tracing_enabled"),
		TracingExporter:    strings.ToLower(v.GetString("tracing_exporter")),
		TracingEndpoint:    v.GetString("tracing_endpoint"),
	}
}

func intOr(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return v
}
