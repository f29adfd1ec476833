package tools

import (
	"fmt"
	"sort"
	"strings"
)

// ValidateArgs checks arguments against a tool's declared JSON schema:
// required properties must be present, unknown fields are rejected, and
// scalar types must match. Validation failures never reach execution.
func ValidateArgs(schema map[string]any, args map[string]any) error {
	props, _ := schema["properties"].(map[string]any)

	for name := range args {
		if _, ok := props[name]; !ok {
			return fmt.Errorf("unknown argument %q (accepted: %s)", name, propertyNames(props))
		}
	}

	switch req := schema["required"].(type) {
	case []string:
		for _, name := range req {
			if _, ok := args[name]; !ok {
				return fmt.Errorf("missing required argument %q", name)
			}
		}
	case []any:
		for _, n := range req {
			name, _ := n.(string)
			if _, ok := args[name]; name != "" && !ok {
				return fmt.Errorf("missing required argument %q", name)
			}
		}
	}

	for name, value := range args {
		spec, _ := props[name].(map[string]any)
		want, _ := spec["type"].(string)
		if want == "" {
			continue
		}
		if err := checkType(name, want, value); err != nil {
			return err
		}
	}
	return nil
}

func checkType(name, want string, value any) error {
	ok := true
	switch want {
	case "string":
		_, ok = value.(string)
	case "number", "integer":
		switch value.(type) {
		case float64, int, int64:
		default:
			ok = false
		}
	case "boolean":
		_, ok = value.(bool)
	case "object":
		_, ok = value.(map[string]any)
	case "array":
		_, ok = value.([]any)
	}
	if !ok {
		return fmt.Errorf("argument %q must be a %s, got %T", name, want, value)
	}
	return nil
}

func propertyNames(props map[string]any) string {
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
