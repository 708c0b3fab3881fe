// Copyright 2025 Certen Protocol
//
// RFC 8785 JSON Canonicalization Scheme (JCS) serializer. Canonicalize
// round-trips a value through encoding/json (with json.Number preserved so
// integers stay exact) and re-emits it with sorted object keys, no
// insignificant whitespace, and numbers in their shortest round-trip form.

package crypto

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

func appendCanonical(buf []byte, v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return append(buf, "null"...), nil
	case bool:
		if t {
			return append(buf, "true"...), nil
		}
		return append(buf, "false"...), nil
	case json.Number:
		return appendCanonicalNumber(buf, t)
	case string:
		return appendCanonicalString(buf, t), nil
	case []any:
		return appendCanonicalArray(buf, t)
	case map[string]any:
		return appendCanonicalObject(buf, t)
	default:
		return nil, fmt.Errorf("crypto: unsupported type %T in canonical form", v)
	}
}

func appendCanonicalArray(buf []byte, arr []any) ([]byte, error) {
	buf = append(buf, '[')
	for i, elem := range arr {
		if i > 0 {
			buf = append(buf, ',')
		}
		var err error
		buf, err = appendCanonical(buf, elem)
		if err != nil {
			return nil, err
		}
	}
	return append(buf, ']'), nil
}

func appendCanonicalObject(buf []byte, obj map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	// RFC 8785 sorts object keys by their UTF-16 code unit sequence; Go's
	// default string ordering (by byte, i.e. by UTF-8 code point) agrees
	// with UTF-16 code unit ordering for every string without characters
	// outside the Basic Multilingual Plane, which this system never emits
	// (principal IDs, hex, and structured field names are all ASCII).
	sort.Strings(keys)

	buf = append(buf, '{')
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = appendCanonicalString(buf, k)
		buf = append(buf, ':')
		var err error
		buf, err = appendCanonical(buf, obj[k])
		if err != nil {
			return nil, err
		}
	}
	return append(buf, '}'), nil
}

// appendCanonicalString escapes s per the JSON grammar (RFC 8785 §3.2.2.2):
// the mandatory control-character and quote/backslash escapes, with every
// other character emitted literally (UTF-8, unescaped).
func appendCanonicalString(buf []byte, s string) []byte {
	buf = append(buf, '"')
	for _, r := range s {
		switch r {
		case '"':
			buf = append(buf, `\"`...)
		case '\\':
			buf = append(buf, `\\`...)
		case '\b':
			buf = append(buf, `\b`...)
		case '\f':
			buf = append(buf, `\f`...)
		case '\n':
			buf = append(buf, `\n`...)
		case '\r':
			buf = append(buf, `\r`...)
		case '\t':
			buf = append(buf, `\t`...)
		default:
			if r < 0x20 {
				buf = append(buf, fmt.Sprintf(`\u%04x`, r)...)
			} else {
				buf = append(buf, string(r)...)
			}
		}
	}
	return append(buf, '"')
}

// appendCanonicalNumber emits n in the shortest round-trip form: integers
// without a decimal point, and floats via strconv's shortest representation.
func appendCanonicalNumber(buf []byte, n json.Number) ([]byte, error) {
	s := n.String()
	if i, err := n.Int64(); err == nil {
		return append(buf, strconv.FormatInt(i, 10)...), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid number %q in canonical form: %w", s, err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("crypto: NaN/Inf is not representable in canonical JSON")
	}
	return append(buf, strconv.FormatFloat(f, 'g', -1, 64)...), nil
}
