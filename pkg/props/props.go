// Package props handles message properties on the command line: parsing
// key=value flags into typed values and printing them back.
package props

import (
	"fmt"
	"maps"
	"sort"
	"strconv"
	"strings"

	arcerrors "github.com/gezibash/arc-session/pkg/errors"
)

// Valid reports whether v can travel as a property value and be compared by
// a consumer filter.
func Valid(v any) bool {
	switch v.(type) {
	case string, int64, float64, bool:
		return true
	default:
		return false
	}
}

// Validate checks that every value in m is a supported property type.
func Validate(m map[string]any) error {
	for k, v := range m {
		if !Valid(v) {
			return fmt.Errorf("property %q: unsupported type %T: %w", k, v, arcerrors.ErrInvalidInput)
		}
	}
	return nil
}

// Parse converts "key=value" strings to a property map. Values are tried as
// int64, float64 and bool before falling back to string; a value in double
// quotes is always a string, so id="42" stays "42".
func Parse(pairs []string) (map[string]any, error) {
	result := make(map[string]any, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("invalid property %q (expected key=value): %w", p, arcerrors.ErrInvalidInput)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("invalid property %q: empty key: %w", p, arcerrors.ErrInvalidInput)
		}
		result[key] = infer(strings.TrimSpace(value))
	}
	return result, nil
}

func infer(s string) any {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v
	}
	if v, err := strconv.ParseBool(s); err == nil {
		return v
	}
	return s
}

// Format renders m sorted by key. An empty map renders as "-".
func Format(m map[string]any) string {
	if len(m) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+formatValue(m[k]))
	}
	return strings.Join(parts, ", ")
}

func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case int64:
		return strconv.FormatInt(val, 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Merge returns a new map holding every property of ms; later maps win.
func Merge(ms ...map[string]any) map[string]any {
	out := make(map[string]any)
	for _, m := range ms {
		maps.Copy(out, m)
	}
	return out
}
