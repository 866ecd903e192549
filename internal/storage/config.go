package storage

import (
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// GetString returns config[key], or def when the key is absent or empty.
func GetString(config map[string]string, key, def string) string {
	if v := config[key]; v != "" {
		return v
	}
	return def
}

// RequireString returns config[key] or a ConfigError naming backend when it is empty.
func RequireString(config map[string]string, backend, key string) (string, error) {
	v := config[key]
	if v == "" {
		return "", NewConfigError(backend, key, "cannot be empty")
	}
	return v, nil
}

// GetBool parses true/false, 1/0 and yes/no (case-insensitive).
func GetBool(config map[string]string, key string, def bool) (bool, error) {
	v := config[key]
	if v == "" {
		return def, nil
	}
	switch strings.ToLower(v) {
	case "true", "1", "yes":
		return true, nil
	case "false", "0", "no":
		return false, nil
	}
	return false, &ConfigError{Field: key, Value: v, Message: "must be a boolean (true/false, 1/0, yes/no)"}
}

// GetInt parses a base-10 integer.
func GetInt(config map[string]string, key string, def int) (int, error) {
	v := config[key]
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, &ConfigError{Field: key, Value: v, Message: "must be an integer", Cause: err}
	}
	return i, nil
}

// GetDuration accepts Go duration strings ("5s") or plain integers as seconds.
func GetDuration(config map[string]string, key string, def time.Duration) (time.Duration, error) {
	v := config[key]
	if v == "" {
		return def, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return 0, &ConfigError{Field: key, Value: v, Message: "must be a duration (e.g. '5s') or integer seconds"}
}

// ExpandPath expands a leading ~/ and cleans the path.
func ExpandPath(path string) string {
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, rest)
		}
		return path
	}
	return filepath.Clean(path)
}

// MergeConfig returns a new map holding dst overlaid by src.
func MergeConfig(dst, src map[string]string) map[string]string {
	out := make(map[string]string, len(dst)+len(src))
	maps.Copy(out, dst)
	maps.Copy(out, src)
	return out
}
