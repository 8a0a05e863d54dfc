package toolexecutor

import (
	"encoding/json"
	"strings"
)

// StringParam returns a trimmed string parameter, or "" when absent.
func StringParam(params map[string]interface{}, name string) string {
	if v, ok := params[name].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// IntParam returns an integer parameter, or def when absent or not a number.
func IntParam(params map[string]interface{}, name string, def int) int {
	switch v := params[name].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

// BoolParam returns a boolean parameter, or def when absent.
func BoolParam(params map[string]interface{}, name string, def bool) bool {
	if v, ok := params[name].(bool); ok {
		return v
	}
	return def
}
