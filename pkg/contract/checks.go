// Copyright 2025 Certen Protocol
//
// Built-in check functions preloaded into DefaultRegistry: equals, regex,
// numeric_range, schema_shape. The exact set is open to extension but
// must stay documented and stable.

package contract

import (
	"fmt"
	"reflect"
	"regexp"
)

// DefaultRegistry returns a Registry preloaded with the four built-in
// checks documented here.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("equals", checkEquals)
	r.Register("regex", checkRegex)
	r.Register("numeric_range", checkNumericRange)
	r.Register("schema_shape", checkSchemaShape)
	return r
}

// checkEquals passes when output deep-equals params["expected"].
func checkEquals(output any, params map[string]any) (CheckResult, error) {
	expected, ok := params["expected"]
	if !ok {
		return CheckResult{}, fmt.Errorf("equals: missing required param %q", "expected")
	}
	pass := reflect.DeepEqual(output, expected)
	return CheckResult{Pass: pass, Details: map[string]any{"expected": expected, "actual": output}}, nil
}

// checkRegex passes when output is a string matching params["pattern"]; a
// non-string output fails without being converted.
func checkRegex(output any, params map[string]any) (CheckResult, error) {
	pattern, ok := params["pattern"].(string)
	if !ok {
		return CheckResult{}, fmt.Errorf("regex: missing or non-string required param %q", "pattern")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return CheckResult{}, fmt.Errorf("regex: invalid pattern %q: %w", pattern, err)
	}
	s, ok := output.(string)
	if !ok {
		return CheckResult{Pass: false, Details: map[string]any{"reason": "output is not a string"}}, nil
	}
	return CheckResult{Pass: re.MatchString(s)}, nil
}

// checkNumericRange passes when output is numeric and within
// [params["min"], params["max"]] (either bound may be omitted).
func checkNumericRange(output any, params map[string]any) (CheckResult, error) {
	val, ok := asFloat(output)
	if !ok {
		return CheckResult{Pass: false, Details: map[string]any{"reason": "output is not numeric"}}, nil
	}
	if minVal, ok := params["min"]; ok {
		min, ok := asFloat(minVal)
		if !ok {
			return CheckResult{}, fmt.Errorf("numeric_range: non-numeric %q param", "min")
		}
		if val < min {
			return CheckResult{Pass: false, Details: map[string]any{"reason": "below min", "value": val, "min": min}}, nil
		}
	}
	if maxVal, ok := params["max"]; ok {
		max, ok := asFloat(maxVal)
		if !ok {
			return CheckResult{}, fmt.Errorf("numeric_range: non-numeric %q param", "max")
		}
		if val > max {
			return CheckResult{Pass: false, Details: map[string]any{"reason": "above max", "value": val, "max": max}}, nil
		}
	}
	return CheckResult{Pass: true}, nil
}

// checkSchemaShape passes when output is a map containing at least every
// key listed in params["requiredKeys"].
func checkSchemaShape(output any, params map[string]any) (CheckResult, error) {
	raw, ok := params["requiredKeys"].([]any)
	if !ok {
		return CheckResult{}, fmt.Errorf("schema_shape: missing or non-array required param %q", "requiredKeys")
	}
	m, ok := output.(map[string]any)
	if !ok {
		return CheckResult{Pass: false, Details: map[string]any{"reason": "output is not an object"}}, nil
	}
	var missing []string
	for _, k := range raw {
		key, ok := k.(string)
		if !ok {
			continue
		}
		if _, present := m[key]; !present {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return CheckResult{Pass: false, Details: map[string]any{"missing": missing}}, nil
	}
	return CheckResult{Pass: true}, nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
