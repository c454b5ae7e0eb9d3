package expressions

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/oliveagle/jsonpath"

	"github.com/rendis/hookflow/pkg/schema"
)

var compiledPaths sync.Map // path -> *jsonpath.Compiled

// CompilePath parses a JSONPath such as "$.pull_request.labels[0].name".
func CompilePath(path string) (*jsonpath.Compiled, error) {
	if c, ok := compiledPaths.Load(path); ok {
		return c.(*jsonpath.Compiled), nil
	}
	if !strings.HasPrefix(path, "$") {
		return nil, schema.NewErrorf(schema.ErrCodeExpression, "jsonpath %q must start with $", path)
	}
	c, err := jsonpath.Compile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression, "invalid jsonpath %q: %s", path, err.Error()).WithCause(err)
	}
	compiledPaths.Store(path, c)
	return c, nil
}

// Lookup resolves path against data. found is false when the path does not
// exist; err is set only for malformed paths.
func Lookup(data any, path string) (value any, found bool, err error) {
	c, err := CompilePath(path)
	if err != nil {
		return nil, false, err
	}
	v, lookupErr := c.Lookup(data)
	if lookupErr != nil {
		return nil, false, nil
	}
	return v, true, nil
}

var placeholderPattern = regexp.MustCompile(`\{(\$[^{}]*)\}`)

// Interpolate resolves {$.path} placeholders in every string of config
// against data. A string that is exactly one placeholder takes the resolved
// value with its type; placeholders embedded in text are formatted. Maps and
// slices are walked recursively. config is not modified.
func Interpolate(config map[string]any, data map[string]any) (map[string]any, error) {
	if config == nil {
		return nil, nil
	}
	out, err := interpolateValue(config, data)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func interpolateValue(v any, data map[string]any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := interpolateValue(item, data)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := interpolateValue(item, data)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	case string:
		return interpolateString(val, data)
	default:
		return v, nil
	}
}

func interpolateString(s string, data map[string]any) (any, error) {
	if !strings.Contains(s, "{$") {
		return s, nil
	}

	if m := placeholderPattern.FindStringSubmatch(s); m != nil && m[0] == s {
		return resolvePlaceholder(m[1], data)
	}

	var firstErr error
	out := placeholderPattern.ReplaceAllStringFunc(s, func(token string) string {
		path := token[1 : len(token)-1]
		v, err := resolvePlaceholder(path, data)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return token
		}
		return formatInline(v)
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func resolvePlaceholder(path string, data map[string]any) (any, error) {
	v, found, err := Lookup(data, path)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, schema.NewErrorf(schema.ErrCodeExpression, "unresolved placeholder {%s}", path).
			WithDetails(map[string]any{"path": path})
	}
	return v, nil
}

func formatInline(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", val)
	}
}
