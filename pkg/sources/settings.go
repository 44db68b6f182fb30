package sources

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Settings reads typed values from a plugin's free-form config object and
// reports problems as ConfigError.
type Settings struct {
	source string
	values map[string]interface{}
}

func NewSettings(source string, values map[string]interface{}) Settings {
	if values == nil {
		values = map[string]interface{}{}
	}
	return Settings{source: source, values: values}
}

func (s Settings) errorf(key, format string, args ...interface{}) *ConfigError {
	return &ConfigError{Source: s.source, Key: "config." + key, Reason: fmt.Sprintf(format, args...)}
}

func (s Settings) Has(key string) bool {
	v, ok := s.values[key]
	return ok && v != nil
}

func (s Settings) String(key, def string) (string, error) {
	v, ok := s.values[key]
	if !ok || v == nil {
		return def, nil
	}
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val), nil
	case int, int64, float64, bool:
		return fmt.Sprint(val), nil
	}
	return "", s.errorf(key, "expected a string, got %T", v)
}

func (s Settings) RequireString(key string) (string, error) {
	v, err := s.String(key, "")
	if err != nil {
		return "", err
	}
	if v == "" {
		return "", s.errorf(key, "is required")
	}
	return v, nil
}

// StringSlice accepts a list or a comma separated string.
func (s Settings) StringSlice(key string) ([]string, error) {
	v, ok := s.values[key]
	if !ok || v == nil {
		return nil, nil
	}
	var out []string
	switch val := v.(type) {
	case string:
		for _, part := range strings.Split(val, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	case []string:
		out = append(out, val...)
	case []interface{}:
		for i, item := range val {
			str, ok := item.(string)
			if !ok {
				return nil, s.errorf(key, "item %d: expected a string, got %T", i, item)
			}
			out = append(out, strings.TrimSpace(str))
		}
	default:
		return nil, s.errorf(key, "expected a list, got %T", v)
	}
	return out, nil
}

func (s Settings) Int(key string, def int) (int, error) {
	v, ok := s.values[key]
	if !ok || v == nil {
		return def, nil
	}
	switch val := v.(type) {
	case int:
		return val, nil
	case int64:
		return int(val), nil
	case float64:
		if val != float64(int(val)) {
			return 0, s.errorf(key, "expected an integer, got %v", val)
		}
		return int(val), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return 0, s.errorf(key, "expected an integer, got %q", val)
		}
		return n, nil
	}
	return 0, s.errorf(key, "expected an integer, got %T", v)
}

func (s Settings) Bool(key string, def bool) (bool, error) {
	v, ok := s.values[key]
	if !ok || v == nil {
		return def, nil
	}
	switch val := v.(type) {
	case bool:
		return val, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(val))
		if err != nil {
			return false, s.errorf(key, "expected a boolean, got %q", val)
		}
		return b, nil
	}
	return false, s.errorf(key, "expected a boolean, got %T", v)
}

func (s Settings) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := s.values[key]
	if !ok || v == nil {
		return def, nil
	}
	switch val := v.(type) {
	case string:
		d, err := time.ParseDuration(strings.TrimSpace(val))
		if err != nil || d <= 0 {
			return 0, s.errorf(key, "expected a positive duration, got %q", val)
		}
		return d, nil
	case int:
		if val <= 0 {
			return 0, s.errorf(key, "expected a positive number of seconds")
		}
		return time.Duration(val) * time.Second, nil
	}
	return 0, s.errorf(key, "expected a duration, got %T", v)
}

// URL requires an absolute http or https URL.
func (s Settings) URL(key string) (*url.URL, error) {
	raw, err := s.RequireString(key)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, s.errorf(key, "expected an absolute http(s) URL, got %q", raw)
	}
	return u, nil
}

func (s Settings) Map(key string) (map[string]interface{}, bool) {
	v, ok := s.values[key].(map[string]interface{})
	return v, ok
}

// StringMap reads an object whose values must all be strings.
func (s Settings) StringMap(key string) (map[string]string, error) {
	v, ok := s.values[key]
	if !ok || v == nil {
		return nil, nil
	}
	raw, ok := v.(map[string]interface{})
	if !ok {
		return nil, s.errorf(key, "expected an object, got %T", v)
	}
	out := make(map[string]string, len(raw))
	for k, item := range raw {
		str, ok := item.(string)
		if !ok {
			return nil, s.errorf(key, "value for %q must be a string, got %T", k, item)
		}
		out[k] = strings.TrimSpace(str)
	}
	return out, nil
}

// Secret resolves a credential from the environment variable named by key,
// falling back to defEnv.
func (s Settings) Secret(key, defEnv string, getenv func(string) string) (string, error) {
	envName, err := s.String(key, defEnv)
	if err != nil {
		return "", err
	}
	value := getenv(envName)
	if value == "" {
		return "", s.errorf(key, "environment variable %s is not set", envName)
	}
	return value, nil
}
