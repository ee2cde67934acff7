package typeutil

import (
	"fmt"
	"strings"
)

// Args is a decoded argument object. Absent keys and explicit nulls are
// treated the same.
type Args map[string]any

// ArgError reports a missing or mistyped argument.
type ArgError struct {
	Key  string
	Want string
	// Got is nil when the argument is missing.
	Got any
}

func (e *ArgError) Error() string {
	if e.Got == nil {
		return fmt.Sprintf("%s is required", e.Key)
	}
	return fmt.Sprintf("%s: expected %s, got %T", e.Key, e.Want, e.Got)
}

func (a Args) lookup(key string) (any, bool) {
	v, ok := a[key]
	return v, ok && v != nil
}

// String returns the string at key, or "" when absent.
func (a Args) String(key string) (string, error) {
	v, ok := a.lookup(key)
	if !ok {
		return "", nil
	}
	s, ok := SafeString(v)
	if !ok {
		return "", &ArgError{Key: key, Want: "string", Got: v}
	}
	return s, nil
}

// RequireString returns the trimmed string at key and fails when it is
// absent or blank.
func (a Args) RequireString(key string) (string, error) {
	s, err := a.String(key)
	if err != nil {
		return "", err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", &ArgError{Key: key, Want: "string"}
	}
	return s, nil
}

// Int returns the integer at key, or def when absent.
func (a Args) Int(key string, def int) (int, error) {
	v, ok := a.lookup(key)
	if !ok {
		return def, nil
	}
	i, ok := SafeInt(v)
	if !ok {
		return 0, &ArgError{Key: key, Want: "integer", Got: v}
	}
	return i, nil
}

// Float returns the number at key, or def when absent.
func (a Args) Float(key string, def float64) (float64, error) {
	v, ok := a.lookup(key)
	if !ok {
		return def, nil
	}
	f, ok := SafeFloat64(v)
	if !ok {
		return 0, &ArgError{Key: key, Want: "number", Got: v}
	}
	return f, nil
}

// Bool returns the boolean at key, or def when absent.
func (a Args) Bool(key string, def bool) (bool, error) {
	v, ok := a.lookup(key)
	if !ok {
		return def, nil
	}
	b, ok := SafeBool(v)
	if !ok {
		return false, &ArgError{Key: key, Want: "boolean", Got: v}
	}
	return b, nil
}

// StringSlice returns the list at key. A single string is split on commas,
// so "pending,in_progress" and ["pending","in_progress"] are equivalent.
func (a Args) StringSlice(key string) ([]string, error) {
	v, ok := a.lookup(key)
	if !ok {
		return nil, nil
	}
	if s, ok := SafeString(v); ok {
		var out []string
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out, nil
	}
	out, ok := SafeStringSlice(v)
	if !ok {
		return nil, &ArgError{Key: key, Want: "list of strings", Got: v}
	}
	return out, nil
}
