package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Context feed kinds.
const (
	FeedOnDemand = "on_demand"
	FeedPeriodic = "periodic"
	FeedInternal = "internal"
)

// Capability source kinds usable by feeds.
const (
	SourceTool     = "tool"
	SourceRelic    = "relic"
	SourceWorkflow = "workflow"
	SourceLLM      = "llm"
	SourceInternal = "internal"
)

// Metadata field types.
const (
	FieldString  = "string"
	FieldNumber  = "number"
	FieldBoolean = "boolean"
	FieldEnum    = "enum"
	FieldObject  = "object"
	FieldArray   = "array"
)

// Trigger match modes.
const (
	MatchAll = "all"
	MatchAny = "any"
)

// Duration decodes YAML scalars like "30s", "1m30s", or bare numbers of
// seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch t := raw.(type) {
	case int:
		*d = Duration(time.Duration(t) * time.Second)
	case float64:
		*d = Duration(time.Duration(t * float64(time.Second)))
	case string:
		dur, err := time.ParseDuration(strings.TrimSpace(t))
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", t, err)
		}
		*d = Duration(dur)
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// AgentConfig is one agent definition, loaded from a YAML file. It is
// immutable once loaded; sessions keep a pointer to it.
type AgentConfig struct {
	Name         string         `yaml:"name"`
	Description  string         `yaml:"description,omitempty"`
	Persona      string         `yaml:"persona"`
	Model        ModelParams    `yaml:"model,omitempty"`
	IterationCap int            `yaml:"iteration_cap,omitempty"`
	MaxParallel  int            `yaml:"max_parallel,omitempty"`
	Tools        []string       `yaml:"tools,omitempty"`
	Agents       []string       `yaml:"agents,omitempty"`
	Relics       []RelicSpec    `yaml:"relics,omitempty"`
	Workflows    []WorkflowSpec `yaml:"workflows,omitempty"`
	ContextFeeds []FeedSpec     `yaml:"context_feeds,omitempty"`
	Metadata     []FieldSpec    `yaml:"metadata,omitempty"`
	Internal     InternalSpec   `yaml:"internal_actions,omitempty"`
}

// ModelParams selects and tunes the backing model for one agent.
type ModelParams struct {
	Provider    string  `yaml:"provider,omitempty"`
	Name        string  `yaml:"name,omitempty"`
	Temperature float64 `yaml:"temperature,omitempty"`
	TopP        float64 `yaml:"top_p,omitempty"`
	MaxTokens   int     `yaml:"max_tokens,omitempty"`
}

// RelicSpec names an external relic service endpoint.
type RelicSpec struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// WorkflowSpec declares a workflow the agent may dispatch, optionally bound
// to a metadata trigger.
type WorkflowSpec struct {
	Name    string       `yaml:"name"`
	Trigger *TriggerSpec `yaml:"trigger,omitempty"`
}

// TriggerSpec fires a workflow when metadata conditions hold. Condition keys
// are dot paths into the metadata state; a list value matches when the field
// equals any element.
type TriggerSpec struct {
	Match      string         `yaml:"match,omitempty"`
	Conditions map[string]any `yaml:"conditions"`
}

// FeedSpec declares one context feed. A kind naming a capability (tool,
// relic, workflow, llm) is shorthand for an on-demand feed sourced from that
// capability.
type FeedSpec struct {
	ID           string     `yaml:"id"`
	Kind         string     `yaml:"kind,omitempty"`
	Disabled     bool       `yaml:"disabled,omitempty"`
	Interval     Duration   `yaml:"interval,omitempty"`
	CacheTTL     Duration   `yaml:"cache_ttl,omitempty"`
	MaxTokens    int        `yaml:"max_tokens,omitempty"`
	MaxSizeBytes int        `yaml:"max_size_bytes,omitempty"`
	Source       SourceSpec `yaml:"source"`
}

// SourceSpec names the capability a feed pulls from.
type SourceSpec struct {
	Kind   string         `yaml:"kind"`
	Name   string         `yaml:"name"`
	Params map[string]any `yaml:"params,omitempty"`
}

// FieldSpec declares one metadata field.
type FieldSpec struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Values  []any  `yaml:"values,omitempty"`
	Default any    `yaml:"default,omitempty"`
}

// InternalSpec gates the built-in action operations an agent may use.
type InternalSpec struct {
	Allow []string `yaml:"allow,omitempty"`
}

// DefaultOnDemandTTL caches on-demand feed fetches between injections.
const DefaultOnDemandTTL = 30 * time.Second

// DefaultPeriodicInterval refreshes periodic feeds that omit an interval.
const DefaultPeriodicInterval = 60 * time.Second

// ApplyDefaults fills optional fields in place.
func (a *AgentConfig) ApplyDefaults() {
	if a.IterationCap <= 0 {
		a.IterationCap = DefaultMaxIterations
	}
	if a.Model.Temperature < 0 {
		a.Model.Temperature = 0
	}
	for i := range a.ContextFeeds {
		f := &a.ContextFeeds[i]
		switch f.Kind {
		case SourceTool, SourceRelic, SourceWorkflow, SourceLLM:
			// Capability shorthand: on-demand feed sourced from that kind.
			if f.Source.Kind == "" {
				f.Source.Kind = f.Kind
			}
			f.Kind = FeedOnDemand
		case "":
			if f.Source.Kind == SourceInternal {
				f.Kind = FeedInternal
			} else {
				f.Kind = FeedOnDemand
			}
		}
		if f.Kind == FeedInternal && f.Source.Kind == "" {
			f.Source.Kind = SourceInternal
		}
		if f.Kind == FeedPeriodic && f.Interval.Std() <= 0 {
			f.Interval = Duration(DefaultPeriodicInterval)
		}
		if f.Kind == FeedOnDemand && f.CacheTTL.Std() <= 0 {
			f.CacheTTL = Duration(DefaultOnDemandTTL)
		}
	}
	for i := range a.Workflows {
		if t := a.Workflows[i].Trigger; t != nil && t.Match == "" {
			t.Match = MatchAll
		}
	}
}

// Validate reports the first structural problem in the definition.
func (a *AgentConfig) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return fmt.Errorf("agent name is required")
	}
	if strings.TrimSpace(a.Persona) == "" {
		return fmt.Errorf("agent %s: persona is required", a.Name)
	}

	feedIDs := make(map[string]bool)
	for _, f := range a.ContextFeeds {
		if strings.TrimSpace(f.ID) == "" {
			return fmt.Errorf("agent %s: context feed without id", a.Name)
		}
		if feedIDs[f.ID] {
			return fmt.Errorf("agent %s: duplicate context feed id %q", a.Name, f.ID)
		}
		feedIDs[f.ID] = true
		switch f.Kind {
		case FeedOnDemand, FeedPeriodic, FeedInternal:
		default:
			return fmt.Errorf("agent %s: feed %s has unknown kind %q", a.Name, f.ID, f.Kind)
		}
		switch f.Source.Kind {
		case SourceTool, SourceRelic, SourceWorkflow, SourceLLM, SourceInternal:
		default:
			return fmt.Errorf("agent %s: feed %s has unknown source kind %q", a.Name, f.ID, f.Source.Kind)
		}
		if strings.TrimSpace(f.Source.Name) == "" {
			return fmt.Errorf("agent %s: feed %s source needs a name", a.Name, f.ID)
		}
	}

	fieldNames := make(map[string]bool)
	for _, fld := range a.Metadata {
		if strings.TrimSpace(fld.Name) == "" {
			return fmt.Errorf("agent %s: metadata field without name", a.Name)
		}
		if fieldNames[fld.Name] {
			return fmt.Errorf("agent %s: duplicate metadata field %q", a.Name, fld.Name)
		}
		fieldNames[fld.Name] = true
		switch fld.Type {
		case FieldString, FieldNumber, FieldBoolean, FieldEnum, FieldObject, FieldArray:
		default:
			return fmt.Errorf("agent %s: metadata field %s has unknown type %q", a.Name, fld.Name, fld.Type)
		}
		if fld.Type == FieldEnum && len(fld.Values) == 0 {
			return fmt.Errorf("agent %s: enum field %s needs values", a.Name, fld.Name)
		}
	}

	for _, w := range a.Workflows {
		if strings.TrimSpace(w.Name) == "" {
			return fmt.Errorf("agent %s: workflow without name", a.Name)
		}
		if w.Trigger == nil {
			continue
		}
		if w.Trigger.Match != MatchAll && w.Trigger.Match != MatchAny {
			return fmt.Errorf("agent %s: workflow %s trigger match must be all or any", a.Name, w.Name)
		}
		if len(w.Trigger.Conditions) == 0 {
			return fmt.Errorf("agent %s: workflow %s trigger has no conditions", a.Name, w.Name)
		}
	}
	return nil
}

// AllowsInternal reports whether the agent may run the named internal
// operation.
func (a *AgentConfig) AllowsInternal(op string) bool {
	for _, allowed := range a.Internal.Allow {
		if allowed == op || allowed == "*" {
			return true
		}
	}
	return false
}

// RelicURL returns the configured endpoint for a relic.
func (a *AgentConfig) RelicURL(name string) (string, bool) {
	for _, r := range a.Relics {
		if r.Name == name {
			return r.URL, true
		}
	}
	return "", false
}

// LoadAgentFile parses, defaults, and validates one agent definition.
func LoadAgentFile(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent file: %w", err)
	}
	return ParseAgent(data)
}

// ParseAgent parses an agent definition from YAML bytes.
func ParseAgent(data []byte) (*AgentConfig, error) {
	var agent AgentConfig
	if err := yaml.Unmarshal(data, &agent); err != nil {
		return nil, fmt.Errorf("parse agent yaml: %w", err)
	}
	agent.ApplyDefaults()
	if err := agent.Validate(); err != nil {
		return nil, err
	}
	return &agent, nil
}
