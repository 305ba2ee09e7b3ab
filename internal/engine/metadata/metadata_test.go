package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cortex/internal/config"
	"cortex/internal/engine/event"
)

func testFields() []config.FieldSpec {
	return []config.FieldSpec{
		{Name: "phase", Type: config.FieldEnum, Values: []any{"idle", "working", "done"}, Default: "idle"},
		{Name: "confidence", Type: config.FieldNumber},
		{Name: "verbose", Type: config.FieldBoolean},
		{Name: "summary", Type: config.FieldString},
		{Name: "user", Type: config.FieldObject},
		{Name: "tags", Type: config.FieldArray},
	}
}

func newTestState(t *testing.T, workflows ...config.WorkflowSpec) *State {
	t.Helper()
	s, err := NewState(testFields(), workflows)
	require.NoError(t, err)
	return s
}

func TestDefaultsInitializeState(t *testing.T) {
	s := newTestState(t)
	snap := s.Snapshot()
	assert.Equal(t, "idle", snap["phase"])
	_, has := snap["confidence"]
	assert.False(t, has)
}

func TestInvalidDefaultRejectedAtConstruction(t *testing.T) {
	_, err := NewState([]config.FieldSpec{
		{Name: "phase", Type: config.FieldEnum, Values: []any{"a", "b"}, Default: "zzz"},
	}, nil)
	require.Error(t, err)
}

func TestApplyMergesValidFields(t *testing.T) {
	s := newTestState(t)
	outcome := s.Apply(`{"phase": "working", "confidence": 0.8, "verbose": true}`)

	assert.Empty(t, outcome.Issues)
	assert.Equal(t, "working", outcome.Applied["phase"])
	assert.Equal(t, 0.8, outcome.Applied["confidence"])

	snap := s.Snapshot()
	assert.Equal(t, "working", snap["phase"])
	assert.Equal(t, true, snap["verbose"])
}

func TestApplyValidationTable(t *testing.T) {
	cases := []struct {
		name      string
		payload   string
		wantCode  string
		wantField string // stays at previous value when rejected
	}{
		{"enum outside values", `{"phase": "sleeping"}`, event.CodeInvalidMetadata, "phase"},
		{"number given string", `{"confidence": "high"}`, event.CodeInvalidMetadata, "confidence"},
		{"boolean given number", `{"verbose": 1}`, event.CodeInvalidMetadata, "verbose"},
		{"string given object", `{"summary": {"a": 1}}`, event.CodeInvalidMetadata, "summary"},
		{"object given array", `{"user": [1,2]}`, event.CodeInvalidMetadata, "user"},
		{"array given object", `{"tags": {"a": 1}}`, event.CodeInvalidMetadata, "tags"},
		{"unknown field", `{"mystery": 42}`, event.CodeUnknownField, "mystery"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestState(t)
			outcome := s.Apply(tc.payload)

			require.Len(t, outcome.Issues, 1)
			assert.Equal(t, tc.wantCode, outcome.Issues[0].Code)
			assert.Empty(t, outcome.Applied)
			_, present := s.Snapshot()[tc.wantField]
			if tc.wantField == "phase" {
				assert.Equal(t, "idle", s.Snapshot()["phase"], "rejected commit must not change the field")
			} else {
				assert.False(t, present, "rejected field must not be applied")
			}
		})
	}
}

func TestApplyNonObjectPayload(t *testing.T) {
	s := newTestState(t)
	for _, payload := range []string{`[1,2,3]`, `"text"`, `42`, `not json at all`} {
		outcome := s.Apply(payload)
		require.Len(t, outcome.Issues, 1, "payload %q", payload)
		assert.Equal(t, event.CodeInvalidMetadata, outcome.Issues[0].Code)
		assert.Empty(t, outcome.Applied)
	}
}

func TestApplyMixedValidAndInvalid(t *testing.T) {
	s := newTestState(t)
	outcome := s.Apply(`{"phase": "done", "confidence": "wrong", "unknown_one": 1}`)

	assert.Equal(t, "done", outcome.Applied["phase"])
	assert.Len(t, outcome.Issues, 2)
	assert.Equal(t, "done", s.Snapshot()["phase"])
	_, has := s.Snapshot()["confidence"]
	assert.False(t, has)
}

func TestTriggerMatchAll(t *testing.T) {
	s := newTestState(t, config.WorkflowSpec{
		Name: "escalate",
		Trigger: &config.TriggerSpec{
			Match: config.MatchAll,
			Conditions: map[string]any{
				"phase":      "done",
				"confidence": 0.9,
			},
		},
	})

	outcome := s.Apply(`{"phase": "done"}`)
	assert.Empty(t, outcome.Matched, "half the conditions should not fire")

	outcome = s.Apply(`{"confidence": 0.9}`)
	assert.Equal(t, []string{"escalate"}, outcome.Matched)
}

func TestTriggerMatchAny(t *testing.T) {
	s := newTestState(t, config.WorkflowSpec{
		Name: "notify",
		Trigger: &config.TriggerSpec{
			Match: config.MatchAny,
			Conditions: map[string]any{
				"phase":   "done",
				"verbose": true,
			},
		},
	})

	outcome := s.Apply(`{"verbose": true}`)
	assert.Equal(t, []string{"notify"}, outcome.Matched)
}

func TestTriggerListMembership(t *testing.T) {
	s := newTestState(t, config.WorkflowSpec{
		Name: "terminal_phase",
		Trigger: &config.TriggerSpec{
			Match: config.MatchAll,
			Conditions: map[string]any{
				"phase": []any{"done", "working"},
			},
		},
	})

	outcome := s.Apply(`{"phase": "working"}`)
	assert.Equal(t, []string{"terminal_phase"}, outcome.Matched)
}

func TestTriggerNestedPath(t *testing.T) {
	s := newTestState(t, config.WorkflowSpec{
		Name: "vip_flow",
		Trigger: &config.TriggerSpec{
			Match: config.MatchAll,
			Conditions: map[string]any{
				"user.tier": "vip",
			},
		},
	})

	outcome := s.Apply(`{"user": {"tier": "vip", "id": 7}}`)
	assert.Equal(t, []string{"vip_flow"}, outcome.Matched)

	value, found := s.Get("user.tier")
	require.True(t, found)
	assert.Equal(t, "vip", value)
}

func TestTriggerEdgeBehavior(t *testing.T) {
	s := newTestState(t, config.WorkflowSpec{
		Name: "once",
		Trigger: &config.TriggerSpec{
			Match:      config.MatchAll,
			Conditions: map[string]any{"phase": "done"},
		},
	})

	first := s.Apply(`{"phase": "done"}`)
	assert.Equal(t, []string{"once"}, first.Matched)

	// State unchanged in the relevant field: still matched, must not refire.
	second := s.Apply(`{"confidence": 0.5}`)
	assert.Empty(t, second.Matched)

	// Falling edge then rising edge fires again.
	third := s.Apply(`{"phase": "working"}`)
	assert.Empty(t, third.Matched)
	fourth := s.Apply(`{"phase": "done"}`)
	assert.Equal(t, []string{"once"}, fourth.Matched)
}

func TestTriggerNumericWidening(t *testing.T) {
	s := newTestState(t, config.WorkflowSpec{
		Name: "exact_score",
		Trigger: &config.TriggerSpec{
			Match:      config.MatchAll,
			Conditions: map[string]any{"confidence": 1}, // YAML int vs JSON float
		},
	})

	outcome := s.Apply(`{"confidence": 1.0}`)
	assert.Equal(t, []string{"exact_score"}, outcome.Matched)
}

func TestSummaryCompactJSON(t *testing.T) {
	s := newTestState(t)
	s.Apply(`{"phase": "working", "confidence": 0.5}`)

	summary := s.Summary()
	assert.JSONEq(t, `{"phase": "working", "confidence": 0.5}`, summary)
}

func TestSnapshotIsolatedFromState(t *testing.T) {
	s := newTestState(t)
	snap := s.Snapshot()
	snap["phase"] = "mutated"
	assert.Equal(t, "idle", s.Snapshot()["phase"])
}
