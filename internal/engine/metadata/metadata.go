// Package metadata validates streamed metadata commits against the agent's
// declared field schemas and evaluates workflow triggers after each commit.
package metadata

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"cortex/internal/config"
	"cortex/internal/engine/event"
)

// Issue is one soft problem found while applying a commit.
type Issue struct {
	Code    string
	Message string
	Detail  string
}

// Outcome reports one Apply call: which fields merged, what was rejected,
// and which workflow triggers newly match the resulting state.
type Outcome struct {
	Applied map[string]any
	Issues  []Issue
	Matched []string
}

// Trigger pairs a workflow with its metadata conditions.
type Trigger struct {
	Workflow   string
	Match      string
	Conditions map[string]any
}

type compiledField struct {
	spec   config.FieldSpec
	schema *gojsonschema.Schema
}

// State is the session's metadata document. Writes serialize through Apply;
// reads may proceed concurrently.
type State struct {
	mu       sync.RWMutex
	fields   map[string]compiledField
	values   map[string]any
	triggers []Trigger
	firing   map[string]bool // trigger -> matched at last evaluation
}

// NewState compiles the declared fields and initializes defaults. Triggers
// come from workflow declarations that carry one.
func NewState(fields []config.FieldSpec, workflows []config.WorkflowSpec) (*State, error) {
	s := &State{
		fields: make(map[string]compiledField, len(fields)),
		values: make(map[string]any),
		firing: make(map[string]bool),
	}

	for _, spec := range fields {
		schema, err := compileFieldSchema(spec)
		if err != nil {
			return nil, fmt.Errorf("metadata field %s: %w", spec.Name, err)
		}
		s.fields[spec.Name] = compiledField{spec: spec, schema: schema}
		if spec.Default != nil {
			if issue := s.validateField(spec.Name, spec.Default); issue != nil {
				return nil, fmt.Errorf("metadata field %s: default value rejected: %s", spec.Name, issue.Detail)
			}
			s.values[spec.Name] = spec.Default
		}
	}

	for _, w := range workflows {
		if w.Trigger == nil {
			continue
		}
		s.triggers = append(s.triggers, Trigger{
			Workflow:   w.Name,
			Match:      w.Trigger.Match,
			Conditions: w.Trigger.Conditions,
		})
	}
	return s, nil
}

// compileFieldSchema builds the per-field JSON Schema document: enums become
// membership checks, every other type a plain type assertion.
func compileFieldSchema(spec config.FieldSpec) (*gojsonschema.Schema, error) {
	var doc map[string]any
	switch spec.Type {
	case config.FieldEnum:
		doc = map[string]any{"enum": spec.Values}
	case config.FieldString, config.FieldNumber, config.FieldBoolean, config.FieldObject, config.FieldArray:
		doc = map[string]any{"type": spec.Type}
	default:
		return nil, fmt.Errorf("unknown field type %q", spec.Type)
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// validateField runs one value through a field's compiled schema.
func (s *State) validateField(name string, value any) *Issue {
	field, ok := s.fields[name]
	if !ok {
		return &Issue{
			Code:    event.CodeUnknownField,
			Message: fmt.Sprintf("metadata field %s is not declared", name),
		}
	}
	result, err := field.schema.Validate(gojsonschema.NewGoLoader(value))
	if err != nil {
		return &Issue{
			Code:    event.CodeInvalidMetadata,
			Message: fmt.Sprintf("metadata field %s could not be validated", name),
			Detail:  err.Error(),
		}
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, verr := range result.Errors() {
			details = append(details, verr.Description())
		}
		return &Issue{
			Code:    event.CodeInvalidMetadata,
			Message: fmt.Sprintf("metadata field %s rejected", name),
			Detail:  strings.Join(details, "; "),
		}
	}
	return nil
}

// Apply parses one metadata payload, merges the valid fields, and evaluates
// triggers against the new state. Invalid fields are collected, never
// applied; a non-object payload discards the whole commit.
func (s *State) Apply(raw string) Outcome {
	var payload any
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &payload); err != nil {
		return Outcome{Issues: []Issue{{
			Code:    event.CodeInvalidMetadata,
			Message: "metadata payload is not valid JSON",
			Detail:  err.Error(),
		}}}
	}
	object, ok := payload.(map[string]any)
	if !ok {
		return Outcome{Issues: []Issue{{
			Code:    event.CodeInvalidMetadata,
			Message: "metadata payload must be a JSON object",
		}}}
	}

	names := make([]string, 0, len(object))
	for name := range object {
		names = append(names, name)
	}
	sort.Strings(names)

	s.mu.Lock()
	defer s.mu.Unlock()

	outcome := Outcome{Applied: make(map[string]any)}
	for _, name := range names {
		value := object[name]
		if issue := s.validateField(name, value); issue != nil {
			outcome.Issues = append(outcome.Issues, *issue)
			continue
		}
		s.values[name] = value
		outcome.Applied[name] = value
	}

	if len(outcome.Applied) > 0 {
		outcome.Matched = s.evaluateTriggersLocked()
	}
	return outcome
}

// evaluateTriggersLocked returns workflows whose triggers newly hold. A
// trigger that stays matched across commits fires only on the transition.
func (s *State) evaluateTriggersLocked() []string {
	var matched []string
	for _, trigger := range s.triggers {
		holds := s.triggerHoldsLocked(trigger)
		if holds && !s.firing[trigger.Workflow] {
			matched = append(matched, trigger.Workflow)
		}
		s.firing[trigger.Workflow] = holds
	}
	return matched
}

func (s *State) triggerHoldsLocked(trigger Trigger) bool {
	if len(trigger.Conditions) == 0 {
		return false
	}
	for path, expected := range trigger.Conditions {
		actual, found := lookupPath(s.values, path)
		holds := found && conditionHolds(expected, actual)
		if trigger.Match == config.MatchAny {
			if holds {
				return true
			}
			continue
		}
		if !holds {
			return false
		}
	}
	return trigger.Match != config.MatchAny
}

// conditionHolds compares an expected condition value with the actual state
// value. A list expectation means set membership.
func conditionHolds(expected, actual any) bool {
	if list, ok := expected.([]any); ok {
		for _, candidate := range list {
			if valuesEqual(candidate, actual) {
				return true
			}
		}
		return false
	}
	return valuesEqual(expected, actual)
}

// valuesEqual compares scalars with numeric widening so YAML ints match JSON
// floats.
func valuesEqual(a, b any) bool {
	if na, aok := asFloat(a); aok {
		nb, bok := asFloat(b)
		return bok && na == nb
	}
	return a == b
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}

// lookupPath traverses dot-separated object paths in the metadata state.
func lookupPath(values map[string]any, path string) (any, bool) {
	segments := strings.Split(path, ".")
	var current any = values
	for _, segment := range segments {
		object, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = object[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Snapshot returns a shallow copy of the current state.
func (s *State) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Get resolves a dot path against the current state.
func (s *State) Get(path string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lookupPath(s.values, path)
}

// Summary renders the state as compact JSON for prompt injection. Empty
// state renders as an empty object.
func (s *State) Summary() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := json.Marshal(s.values)
	if err != nil {
		return "{}"
	}
	return string(data)
}
