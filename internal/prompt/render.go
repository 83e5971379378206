// Package prompt validates template variables against a declared schema and
// renders {{dotted.path}} placeholders.
//
// Rendering fails closed: a placeholder that does not resolve to a scalar is
// an error, never an empty string.
package prompt

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Variables is a namespaced variable tree, e.g. {"event": {"title": "..."}}.
type Variables = map[string]interface{}

// placeholderRegex matches balanced {{ dotted.path }} tokens. Anything else
// ("{{unclosed", "{single}", "{{ not a path }}") is left verbatim.
var placeholderRegex = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_\-]+(?:\.[A-Za-z0-9_\-]+)*)\s*\}\}`)

// RenderPrompt substitutes every placeholder in template with the scalar at
// its path in vars. The first unresolvable or composite placeholder aborts
// rendering.
func RenderPrompt(template string, vars Variables) (string, error) {
	if !strings.Contains(template, "{{") {
		return template, nil
	}

	var renderErr error
	out := placeholderRegex.ReplaceAllStringFunc(template, func(token string) string {
		if renderErr != nil {
			return token
		}
		path := placeholderRegex.FindStringSubmatch(token)[1]
		value, err := resolve(vars, path)
		if err != nil {
			renderErr = err
			return token
		}
		return value
	})
	if renderErr != nil {
		return "", renderErr
	}
	return out, nil
}

// ExtractPlaceholders returns the distinct placeholder paths of template in
// first-seen order.
func ExtractPlaceholders(template string) []string {
	matches := placeholderRegex.FindAllStringSubmatch(template, -1)
	seen := make(map[string]bool, len(matches))
	paths := make([]string, 0, len(matches))
	for _, match := range matches {
		if !seen[match[1]] {
			seen[match[1]] = true
			paths = append(paths, match[1])
		}
	}
	return paths
}

func resolve(vars Variables, path string) (string, error) {
	var current interface{} = vars
	for _, segment := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]interface{}:
			next, ok := node[segment]
			if !ok {
				return "", &VariableNotFoundError{Path: path}
			}
			current = next
		case map[string]string:
			next, ok := node[segment]
			if !ok {
				return "", &VariableNotFoundError{Path: path}
			}
			current = next
		default:
			return "", &VariableNotFoundError{Path: path}
		}
	}
	if current == nil {
		return "", &VariableNotFoundError{Path: path}
	}
	return stringify(path, current)
}

func stringify(path string, value interface{}) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32), nil
	case json.Number:
		return v.String(), nil
	case time.Time:
		return v.Format(time.RFC3339), nil
	}

	kind := reflect.TypeOf(value).Kind()
	switch kind {
	case reflect.Map, reflect.Struct:
		return "", &VariableTypeMismatchError{Path: path, Expected: "scalar", Actual: "object"}
	case reflect.Slice, reflect.Array:
		return "", &VariableTypeMismatchError{Path: path, Expected: "scalar", Actual: "array"}
	case reflect.Pointer, reflect.Func, reflect.Chan, reflect.Interface, reflect.UnsafePointer:
		return "", &VariableTypeMismatchError{Path: path, Expected: "scalar", Actual: kind.String()}
	}
	return fmt.Sprint(value), nil
}
