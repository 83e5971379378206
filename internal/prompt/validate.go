package prompt

import (
	"encoding/json"
	"sort"

	"github.com/eventdesk/assistant/pkg/models"
)

// ValidateVariables checks input against schema and returns a new tree with
// declared defaults filled in. Present values are never overwritten and the
// input is never mutated. Namespaces the schema does not declare pass
// through unchanged.
func ValidateVariables(schema models.VariableSchema, input Variables) (Variables, error) {
	out := make(Variables, len(input)+len(schema))
	for k, v := range input {
		out[k] = v
	}

	namespaces := make([]string, 0, len(schema))
	for name := range schema {
		namespaces = append(namespaces, name)
	}
	sort.Strings(namespaces)

	for _, name := range namespaces {
		ns := schema[name]

		fields := map[string]interface{}{}
		if raw, ok := input[name]; ok && raw != nil {
			src, ok := asMap(raw)
			if !ok {
				return nil, &VariableTypeMismatchError{Path: name, Expected: "object", Actual: typeName(raw)}
			}
			for k, v := range src {
				fields[k] = v
			}
		}

		for _, field := range fieldOrder(ns) {
			spec, declared := ns.Fields[field]
			value, present := fields[field]
			if !present || value == nil {
				if declared && spec.Default != nil {
					fields[field] = spec.Default
					continue
				}
				if isRequired(ns, field) {
					return nil, &RequiredVariableMissingError{Category: name, Field: field}
				}
				continue
			}
			if declared && !matchesType(spec.Type, value) {
				return nil, &VariableTypeMismatchError{
					Path:     name + "." + field,
					Expected: string(spec.Type),
					Actual:   typeName(value),
				}
			}
		}

		out[name] = fields
	}

	return out, nil
}

// fieldOrder lists required fields first (declaration order), then the
// remaining declared fields alphabetically, so errors are deterministic.
func fieldOrder(ns models.NamespaceSchema) []string {
	seen := make(map[string]bool, len(ns.Required)+len(ns.Fields))
	order := make([]string, 0, len(ns.Required)+len(ns.Fields))
	for _, f := range ns.Required {
		if !seen[f] {
			seen[f] = true
			order = append(order, f)
		}
	}
	rest := make([]string, 0, len(ns.Fields))
	for f := range ns.Fields {
		if !seen[f] {
			rest = append(rest, f)
		}
	}
	sort.Strings(rest)
	return append(order, rest...)
}

func isRequired(ns models.NamespaceSchema, field string) bool {
	for _, f := range ns.Required {
		if f == field {
			return true
		}
	}
	return false
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case map[string]string:
		out := make(map[string]interface{}, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out, true
	}
	return nil, false
}

func matchesType(t models.FieldType, v interface{}) bool {
	switch t {
	case models.FieldString:
		_, ok := v.(string)
		return ok
	case models.FieldBoolean:
		_, ok := v.(bool)
		return ok
	case models.FieldNumber:
		return isNumber(v)
	}
	// Unknown declared types are not enforced.
	return true
}

func isNumber(v interface{}) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return true
	}
	return false
}

func typeName(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case map[string]interface{}, map[string]string:
		return "object"
	case []interface{}, []string:
		return "array"
	}
	if isNumber(v) {
		return "number"
	}
	return "unknown"
}
