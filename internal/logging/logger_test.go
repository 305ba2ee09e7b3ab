package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"WARN":    LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"bogus":   LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestComponentLoggerWritesComponentAndLevel(t *testing.T) {
	var buf bytes.Buffer
	prev := SetOutput(&buf)
	defer SetOutput(prev)
	SetLevel(LevelDebug)

	log := NewComponentLogger("parser")
	log.Info("hello %d", 42)

	line := buf.String()
	if !strings.Contains(line, "[INFO]") {
		t.Errorf("missing level marker: %q", line)
	}
	if !strings.Contains(line, "[parser]") {
		t.Errorf("missing component: %q", line)
	}
	if !strings.Contains(line, "hello 42") {
		t.Errorf("missing formatted message: %q", line)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	prev := SetOutput(&buf)
	defer SetOutput(prev)
	SetLevel(LevelWarn)
	defer SetLevel(LevelInfo)

	log := NewComponentLogger("feeds")
	log.Debug("dropped")
	log.Info("dropped too")
	log.Warn("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Errorf("low-severity lines should be filtered: %q", out)
	}
	if !strings.Contains(out, "kept") {
		t.Errorf("warn line missing: %q", out)
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("OrNop(nil) must not be nil")
	}
	var typed *componentLogger
	if !IsNil(Logger(typed)) {
		t.Fatal("IsNil should detect typed nil")
	}
}

func TestMultiFlattensAndFansOut(t *testing.T) {
	var a bytes.Buffer
	prev := SetOutput(&a)
	defer SetOutput(prev)
	SetLevel(LevelDebug)

	first := NewComponentLogger("one")
	second := NewComponentLogger("two")
	multi := Multi(first, nil, Multi(second))
	multi.Info("fanned")

	if !strings.Contains(a.String(), "fanned") {
		t.Errorf("expected fan-out writes, got %q", a.String())
	}
	if got := strings.Count(a.String(), "fanned"); got != 2 {
		t.Errorf("expected 2 writes through multi, got %d", got)
	}
}
