package object

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// formatValue coerces raw into the property's declared type and checks the
// declared bounds and choices. Nil values pass through untouched. Failures
// surface as a ValidationError tagged with the property and class.
func formatValue(class, prop string, spec PropertySpec, raw any) (any, error) {
	if raw == nil {
		if spec.Choices != nil && !choiceAllowed(spec.Choices, nil) {
			return nil, ValidationError{Class: class, Prop: prop, Value: raw}
		}
		return nil, nil
	}
	value, err := coerce(spec, raw)
	if err != nil {
		return nil, ValidationError{Class: class, Prop: prop, Value: raw}
	}
	if err := checkBounds(spec, value); err != nil {
		return nil, ValidationError{Class: class, Prop: prop, Value: raw}
	}
	if spec.Choices != nil && !choiceAllowed(spec.Choices, value) {
		return nil, ValidationError{Class: class, Prop: prop, Value: raw}
	}
	return value, nil
}

func coerce(spec PropertySpec, raw any) (any, error) {
	switch spec.Type {
	case TypeAny:
		return raw, nil
	case TypeString:
		switch v := raw.(type) {
		case string:
			return v, nil
		case []byte:
			return string(v), nil
		default:
			return fmt.Sprint(v), nil
		}
	case TypeBytes:
		switch v := raw.(type) {
		case []byte:
			return v, nil
		case string:
			return []byte(v), nil
		default:
			return []byte(fmt.Sprint(v)), nil
		}
	case TypeBool:
		return coerceBool(raw)
	case TypeInt:
		return coerceInt(spec, raw)
	case TypeFloat:
		return coerceFloat(raw)
	default:
		return nil, fmt.Errorf("unsupported type")
	}
}

// coerceBool accepts a fixed vocabulary of truthy and falsy tokens,
// case-insensitively. Unrecognized tokens are invalid.
func coerceBool(raw any) (any, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case int:
		return v != 0, nil
	case int64:
		return v != 0, nil
	case float64:
		return v != 0, nil
	case string:
		switch strings.ToLower(v) {
		case "true", "yes", "on", "y", "1":
			return true, nil
		case "false", "no", "off", "n", "0":
			return false, nil
		}
		return nil, fmt.Errorf("unrecognized boolean token %q", v)
	default:
		return nil, fmt.Errorf("cannot coerce %T to bool", raw)
	}
}

// coerceInt parses decimal first and falls back to hexadecimal only when the
// property explicitly accepts hex.
func coerceInt(spec PropertySpec, raw any) (any, error) {
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint64:
		if v > math.MaxInt64 {
			return nil, fmt.Errorf("integer overflow")
		}
		return int64(v), nil
	case float64:
		if v != math.Trunc(v) {
			return nil, fmt.Errorf("not an integer")
		}
		return int64(v), nil
	case float32:
		return coerceInt(spec, float64(v))
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n, nil
		}
		if spec.AcceptHex {
			hex := strings.TrimPrefix(strings.TrimPrefix(v, "0x"), "0X")
			if n, err := strconv.ParseInt(hex, 16, 64); err == nil {
				return n, nil
			}
		}
		return nil, fmt.Errorf("cannot parse integer %q", v)
	case []byte:
		return coerceInt(spec, string(v))
	default:
		return nil, fmt.Errorf("cannot coerce %T to int", raw)
	}
}

func coerceFloat(raw any) (any, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, err
		}
		return f, nil
	case []byte:
		return coerceFloat(string(v))
	default:
		return nil, fmt.Errorf("cannot coerce %T to float", raw)
	}
}

// checkBounds enforces min/max on numeric values and on string/bytes length.
func checkBounds(spec PropertySpec, value any) error {
	if spec.Min == nil && spec.Max == nil {
		return nil
	}
	var n float64
	switch v := value.(type) {
	case string:
		n = float64(len(v))
	case []byte:
		n = float64(len(v))
	case int64:
		n = float64(v)
	case float64:
		n = v
	default:
		return nil
	}
	if spec.Min != nil && n < *spec.Min {
		return fmt.Errorf("below minimum")
	}
	if spec.Max != nil && n > *spec.Max {
		return fmt.Errorf("above maximum")
	}
	return nil
}

func choiceAllowed(choices []any, value any) bool {
	for _, c := range choices {
		if valuesEqual(c, value) {
			return true
		}
	}
	return false
}

// valuesEqual compares property values, treating numerically equal ints and
// floats as the same so YAML-sourced defaults and choices match coerced
// values.
func valuesEqual(a, b any) bool {
	if an, aok := asFloat(a); aok {
		if bn, bok := asFloat(b); bok {
			return an == bn
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
