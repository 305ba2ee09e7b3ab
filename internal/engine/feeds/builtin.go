package feeds

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"
)

var processStart = time.Now()

// Builtin is one internal feed source. Built-ins never block and are fetched
// fresh on every injection.
type Builtin func(params map[string]any) (string, error)

// BuiltinTable returns the fixed internal source table.
func BuiltinTable() map[string]Builtin {
	return map[string]Builtin{
		"clock":       clockSource,
		"random":      randomSource,
		"environment": environmentSource,
		"process":     processSource,
	}
}

// clockSource reports the current time. Param "format": "rfc3339" (default)
// or "unix".
func clockSource(params map[string]any) (string, error) {
	now := time.Now()
	if format, _ := params["format"].(string); format == "unix" {
		return fmt.Sprintf("%d", now.Unix()), nil
	}
	return now.Format(time.RFC3339), nil
}

// randomSource returns a hex token. Param "bytes" sets the entropy size
// (default 16, max 256).
func randomSource(params map[string]any) (string, error) {
	n := 16
	switch v := params["bytes"].(type) {
	case float64:
		n = int(v)
	case int:
		n = v
	}
	if n <= 0 {
		n = 16
	}
	if n > 256 {
		n = 256
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read entropy: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// environmentSource snapshots environment variables matching a prefix. The
// default prefix keeps credentials in unrelated variables out of prompts.
func environmentSource(params map[string]any) (string, error) {
	prefix := "CORTEX_"
	if p, ok := params["prefix"].(string); ok && p != "" {
		prefix = p
	}

	var lines []string
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, prefix) {
			lines = append(lines, kv)
		}
	}
	sort.Strings(lines)
	if len(lines) == 0 {
		return "(no environment variables match " + prefix + ")", nil
	}
	return strings.Join(lines, "\n"), nil
}

// processSource reports runtime statistics for the engine process.
func processSource(params map[string]any) (string, error) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return fmt.Sprintf("pid=%d goroutines=%d heap_alloc_bytes=%d uptime=%s",
		os.Getpid(),
		runtime.NumGoroutine(),
		mem.HeapAlloc,
		time.Since(processStart).Round(time.Second),
	), nil
}
