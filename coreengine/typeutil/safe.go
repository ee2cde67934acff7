// Package typeutil decodes loosely typed values, the kind produced by JSON
// unmarshaling into any: RPC struct payloads and tool-call arguments.
package typeutil

import (
	"encoding/json"
	"math"
	"strings"
)

// SafeMapStringAny asserts value to map[string]any.
func SafeMapStringAny(value any) (map[string]any, bool) {
	if value == nil {
		return nil, false
	}
	m, ok := value.(map[string]any)
	return m, ok
}

// SafeString asserts value to string.
func SafeString(value any) (string, bool) {
	if value == nil {
		return "", false
	}
	s, ok := value.(string)
	return s, ok
}

// intLimit is 2^63 (2^31 on 32-bit platforms), the first float64 past
// math.MaxInt.
const intLimit = -float64(math.MinInt)

// SafeInt converts value to int. Floats are accepted only when integral,
// since JSON numbers decode as float64. Values outside the int range are
// rejected rather than wrapped.
func SafeInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		if v < math.MinInt || v > math.MaxInt {
			return 0, false
		}
		return int(v), true
	case int32:
		return int(v), true
	case float64:
		// NaN fails the first comparison, the infinities the range check.
		if v != math.Trunc(v) || v < -intLimit || v >= intLimit {
			return 0, false
		}
		return int(v), true
	case float32:
		return SafeInt(float64(v))
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return SafeInt(i)
	default:
		return 0, false
	}
}

// SafeFloat64 converts value to float64. Integer types are widened.
func SafeFloat64(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// SafeBool asserts value to bool.
func SafeBool(value any) (bool, bool) {
	if value == nil {
		return false, false
	}
	b, ok := value.(bool)
	return b, ok
}

// SafeStringSlice converts value to []string. It accepts []string and []any
// holding only strings.
func SafeStringSlice(value any) ([]string, bool) {
	switch v := value.(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

// GetNestedValue walks a dot-separated path through nested maps.
// GetNestedValue(data, "report.campaign.stop_reason").
func GetNestedValue(data map[string]any, path string) (any, bool) {
	if data == nil || path == "" {
		return nil, false
	}

	var current any = data
	for _, key := range strings.Split(path, ".") {
		if key == "" {
			continue
		}
		m, ok := SafeMapStringAny(current)
		if !ok {
			return nil, false
		}
		if current, ok = m[key]; !ok {
			return nil, false
		}
	}
	return current, true
}

// GetNestedString is GetNestedValue followed by SafeString.
func GetNestedString(data map[string]any, path string) (string, bool) {
	v, ok := GetNestedValue(data, path)
	if !ok {
		return "", false
	}
	return SafeString(v)
}
