package worker

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Args are the arguments of a start message after JSON decoding.
type Args map[string]any

func (a Args) String(key string) string {
	s, _ := a[key].(string)
	return s
}

func (a Args) Bool(key string) bool {
	b, _ := a[key].(bool)
	return b
}

// Seconds reads a duration sent as a number of seconds.
func (a Args) Seconds(key string) time.Duration {
	switch v := a[key].(type) {
	case float64:
		return time.Duration(v * float64(time.Second))
	case int:
		return time.Duration(v) * time.Second
	}
	return 0
}

func (a Args) StringMap(key string) map[string]string {
	raw, ok := a[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = fmt.Sprint(v)
	}
	return out
}

// Strings accepts a single string or a list of strings.
func (a Args) Strings(key string) []string {
	switch v := a[key].(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	}
	return nil
}

// resolveDir maps a path sent by the master into the worker's base
// directory. Absolute paths and paths escaping the base are rejected.
func resolveDir(base, rel string) (string, error) {
	rel = strings.TrimSpace(rel)
	if rel == "" {
		rel = "build"
	}
	if filepath.IsAbs(rel) || strings.HasPrefix(rel, "/") || strings.HasPrefix(rel, `\`) {
		return "", fmt.Errorf("path %q must be relative to the worker base directory", rel)
	}
	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the worker base directory", rel)
	}
	return filepath.Join(base, clean), nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
