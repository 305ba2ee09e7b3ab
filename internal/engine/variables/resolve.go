package variables

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// refPattern matches $name and ${name} references.
var refPattern = regexp.MustCompile(`\$(?:\{(\w+)\}|(\w+))`)

// Lookup resolves a referenced key to its value.
type Lookup func(key string) (any, bool)

func refKey(m []string) string {
	if m[1] != "" {
		return m[1]
	}
	return m[2]
}

// Refs returns the distinct keys referenced in s, in order of first
// appearance.
func Refs(s string) []string {
	var keys []string
	seen := make(map[string]bool)
	for _, m := range refPattern.FindAllStringSubmatch(s, -1) {
		k := refKey(m)
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	return keys
}

// RefsIn walks a parameter tree (maps, slices, strings) and returns the
// distinct keys referenced anywhere inside it.
func RefsIn(v any) []string {
	var keys []string
	seen := make(map[string]bool)
	walkRefs(v, func(k string) {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	})
	return keys
}

func walkRefs(v any, visit func(string)) {
	switch t := v.(type) {
	case string:
		for _, m := range refPattern.FindAllStringSubmatch(t, -1) {
			visit(refKey(m))
		}
	case map[string]any:
		for _, val := range t {
			walkRefs(val, visit)
		}
	case []any:
		for _, val := range t {
			walkRefs(val, visit)
		}
	}
}

// Render returns the text form of a value for interpolation: strings pass
// through, everything else renders as compact JSON.
func Render(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// Interpolate replaces every resolvable reference in s with its rendered
// value and returns the distinct unresolved keys. Unresolved references stay
// in place literally.
func Interpolate(s string, lookup Lookup) (string, []string) {
	var missing []string
	seen := make(map[string]bool)
	out := refPattern.ReplaceAllStringFunc(s, func(tok string) string {
		key := strings.TrimPrefix(tok, "$")
		key = strings.TrimPrefix(key, "{")
		key = strings.TrimSuffix(key, "}")
		if v, ok := lookup(key); ok {
			return Render(v)
		}
		if !seen[key] {
			seen[key] = true
			missing = append(missing, key)
		}
		return tok
	})
	return out, missing
}

// Substitute resolves references in one string. A string that is exactly one
// reference resolves to the raw stored value, preserving its type; embedded
// references interpolate as text.
func Substitute(s string, lookup Lookup) (any, []string) {
	if m := refPattern.FindStringSubmatch(s); m != nil && m[0] == s {
		key := refKey(m)
		if v, ok := lookup(key); ok {
			return v, nil
		}
		return s, []string{key}
	}
	return Interpolate(s, lookup)
}

// ResolveParams deep-copies a parameter tree with every string substituted
// and returns the distinct keys that could not be resolved.
func ResolveParams(params map[string]any, lookup Lookup) (map[string]any, []string) {
	resolved, missing := resolveValue(params, lookup)
	out, _ := resolved.(map[string]any)
	return out, missing
}

func resolveValue(v any, lookup Lookup) (any, []string) {
	switch t := v.(type) {
	case string:
		return Substitute(t, lookup)
	case map[string]any:
		out := make(map[string]any, len(t))
		var missing []string
		for k, val := range t {
			rv, m := resolveValue(val, lookup)
			out[k] = rv
			missing = mergeKeys(missing, m)
		}
		return out, missing
	case []any:
		out := make([]any, len(t))
		var missing []string
		for i, val := range t {
			rv, m := resolveValue(val, lookup)
			out[i] = rv
			missing = mergeKeys(missing, m)
		}
		return out, missing
	default:
		return v, nil
	}
}

func mergeKeys(dst, src []string) []string {
	for _, k := range src {
		dup := false
		for _, existing := range dst {
			if existing == k {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, k)
		}
	}
	return dst
}
