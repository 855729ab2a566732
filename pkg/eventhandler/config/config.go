package config

import (
	"maps"
	"strconv"
	"strings"
	"time"
)

// Config wraps a decoded configuration document.
// Accessors never fail; they return the caller's default instead.
type Config struct {
	data map[string]any
}

// New creates a Config from the given map. A nil map yields an empty Config.
func New(data map[string]any) Config {
	if data == nil {
		data = make(map[string]any)
	}
	return Config{data: data}
}

// lookup resolves a dotted key. A literal key containing dots wins over the
// nested path so flattened overrides shadow file values.
func (c Config) lookup(key string) (any, bool) {
	if v, ok := c.data[key]; ok {
		return v, true
	}
	var cur any = c.data
	for part := range strings.SplitSeq(key, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// String returns the string at key, or defaultVal if missing or not a string.
func (c Config) String(key, defaultVal string) string {
	v, ok := c.lookup(key)
	if !ok {
		return defaultVal
	}
	if s, ok := v.(string); ok {
		return s
	}
	return defaultVal
}

// Duration returns the duration at key, or defaultVal if missing or invalid.
//
// Strings are parsed with time.ParseDuration. Bare numbers are seconds.
func (c Config) Duration(key string, defaultVal time.Duration) time.Duration {
	v, ok := c.lookup(key)
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case string:
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		if n, err := strconv.ParseFloat(val, 64); err == nil {
			return time.Duration(n * float64(time.Second))
		}
	case float64:
		return time.Duration(val * float64(time.Second))
	case int:
		return time.Duration(val) * time.Second
	case int64:
		return time.Duration(val) * time.Second
	case time.Duration:
		return val
	}
	return defaultVal
}

// Bool returns the boolean at key, or defaultVal if missing or not a bool.
// Strings accepted by strconv.ParseBool convert.
func (c Config) Bool(key string, defaultVal bool) bool {
	v, ok := c.lookup(key)
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case bool:
		return val
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(val)); err == nil {
			return b
		}
	}
	return defaultVal
}

// Int returns the integer at key, or defaultVal if missing or not convertible.
// Floats convert only when they have no fractional part.
func (c Config) Int(key string, defaultVal int) int {
	v, ok := c.lookup(key)
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case int:
		return val
	case int64:
		return int(val)
	case float64:
		if val == float64(int(val)) {
			return int(val)
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return n
		}
	}
	return defaultVal
}

// StringSlice returns the strings at key, or defaultVal if missing or not convertible.
// A string value is split on commas with blanks dropped.
func (c Config) StringSlice(key string, defaultVal []string) []string {
	v, ok := c.lookup(key)
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case []string:
		return val
	case []any:
		result := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return defaultVal
			}
			result = append(result, s)
		}
		return result
	case string:
		result := make([]string, 0)
		for part := range strings.SplitSeq(val, ",") {
			if part = strings.TrimSpace(part); part != "" {
				result = append(result, part)
			}
		}
		return result
	}
	return defaultVal
}

// Has reports whether key resolves to a value.
func (c Config) Has(key string) bool {
	_, ok := c.lookup(key)
	return ok
}

// EnvPrefix prefixes every environment override.
const EnvPrefix = "EVENTHANDLER_"

// EnvName returns the environment variable that overrides key.
func EnvName(key string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// WithEnv returns a copy of c where each of keys is replaced by its
// environment variable when getenv reports a non-empty value.
func (c Config) WithEnv(getenv func(string) string, keys ...string) Config {
	values := make(map[string]any)
	for _, key := range keys {
		if v := getenv(EnvName(key)); v != "" {
			values[key] = v
		}
	}
	return c.WithValues(values)
}

// WithValues returns a copy of c with the given dotted keys overridden.
func (c Config) WithValues(values map[string]any) Config {
	out := maps.Clone(c.data)
	maps.Copy(out, values)
	return New(out)
}
