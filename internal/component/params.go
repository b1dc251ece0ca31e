package component

import (
	"fmt"
	"sort"
)

// ValidateParameters checks script parameters against a declared schema.
// Parameters without a schema entry are accepted as-is; schema entries
// missing from the parameters are not an error.
func ValidateParameters(params map[string]any, schema map[string]ParamType) error {
	if len(schema) == 0 {
		return nil
	}
	keys := make([]string, 0, len(schema))
	for k := range schema {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, ok := params[k]
		if !ok || v == nil {
			continue
		}
		if err := checkParam(schema[k], v); err != nil {
			return invalid("", "parameters."+k, err)
		}
	}
	return nil
}

func checkParam(want ParamType, v any) error {
	switch want {
	case ParamNumber:
		if _, ok := toNumber(v); ok {
			return nil
		}
	case ParamString:
		if _, ok := v.(string); ok {
			return nil
		}
	case ParamBool:
		if _, ok := v.(bool); ok {
			return nil
		}
	case ParamTable:
		switch v.(type) {
		case map[string]any, []any:
			return nil
		}
	default:
		return fmt.Errorf("unknown parameter type %q", want)
	}
	return fmt.Errorf("%w: want %s, got %T", ErrTypeMismatch, want, v)
}
