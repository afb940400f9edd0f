package plan

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"

	"github.com/tidwall/jsonc"
)

var varPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// LoadTemplate reads a JSONC workflow template. Comments and trailing commas
// are allowed; numbers are kept as json.Number so they round-trip exactly.
func LoadTemplate(path string) (any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow template: %w", err)
	}
	tmpl, err := ParseTemplate(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return tmpl, nil
}

// ParseTemplate decodes JSONC template bytes.
func ParseTemplate(data []byte) (any, error) {
	decoder := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
	decoder.UseNumber()
	var tmpl any
	if err := decoder.Decode(&tmpl); err != nil {
		return nil, fmt.Errorf("parse workflow template: %w", err)
	}
	if _, ok := tmpl.(map[string]any); !ok {
		return nil, errors.New("parse workflow template: top level must be an object")
	}
	return tmpl, nil
}

// Expand returns a copy of tmpl with ${NAME} references substituted. A
// string that is exactly one reference takes the variable's typed value;
// references inside longer strings are replaced textually. Unknown names are
// reported together.
func Expand(tmpl any, vars map[string]any) (any, error) {
	missing := map[string]struct{}{}
	out := expandValue(tmpl, vars, missing)
	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for name := range missing {
			names = append(names, name)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("workflow template references undefined variables: %v", names)
	}
	return out, nil
}

func expandValue(v any, vars map[string]any, missing map[string]struct{}) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = expandValue(item, vars, missing)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = expandValue(item, vars, missing)
		}
		return out
	case string:
		return expandString(val, vars, missing)
	default:
		return v
	}
}

func expandString(s string, vars map[string]any, missing map[string]struct{}) any {
	if m := varPattern.FindStringSubmatchIndex(s); m != nil && m[0] == 0 && m[1] == len(s) {
		name := s[m[2]:m[3]]
		value, ok := vars[name]
		if !ok {
			missing[name] = struct{}{}
			return s
		}
		return value
	}
	return varPattern.ReplaceAllStringFunc(s, func(ref string) string {
		name := ref[2 : len(ref)-1]
		value, ok := vars[name]
		if !ok {
			missing[name] = struct{}{}
			return ref
		}
		return fmt.Sprint(value)
	})
}
