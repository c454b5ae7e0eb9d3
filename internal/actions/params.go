package actions

import (
	"encoding/json"
	"fmt"
	"time"
)

// Param helpers used by all action files.

func stringParam(m map[string]any, key, defaultVal string) string {
	s, ok := m[key].(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	b, ok := m[key].(bool)
	if !ok {
		return defaultVal
	}
	return b
}

func intParam(m map[string]any, key string, defaultVal int) int {
	switch n := m[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return defaultVal
		}
		return int(i)
	default:
		return defaultVal
	}
}

func durationParam(m map[string]any, key string, defaultVal time.Duration) (time.Duration, error) {
	switch v := m[key].(type) {
	case nil:
		return defaultVal, nil
	case string:
		if v == "" {
			return defaultVal, nil
		}
		return time.ParseDuration(v)
	default:
		ms := intParam(m, key, -1)
		if ms < 0 {
			return 0, fmt.Errorf("%s must be a duration string or milliseconds", key)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
}
