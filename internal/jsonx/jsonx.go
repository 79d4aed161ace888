// Package jsonx marshals and unmarshals JSON that may carry the non-finite
// number literals NaN, Infinity and -Infinity. Scientific agents emit these
// freely; encoding/json rejects them on both paths, so this package rewrites
// the literals to string sentinels around encoding/json and converts the
// sentinels to and from non-finite float64 values with a recursive walk.
package jsonx

import (
	"bytes"
	"encoding/json"
	"math"
)

const (
	nanToken    = "__nonfinite:NaN__"
	posInfToken = "__nonfinite:+Inf__"
	negInfToken = "__nonfinite:-Inf__"
)

// Marshal encodes v, emitting bare NaN / Infinity / -Infinity literals for
// non-finite float64 values anywhere in v.
func Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(sanitizeValue(v))
	if err != nil {
		return nil, err
	}
	return rewriteSentinels(b), nil
}

// Unmarshal decodes data into v, accepting bare NaN / Infinity / -Infinity
// literals. v should point at a map, slice or interface value; sentinel
// conversion walks the decoded structure in place.
func Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(rewriteLiterals(data), v); err != nil {
		return err
	}
	switch t := v.(type) {
	case *map[string]any:
		*t = restoreMap(*t)
	case *any:
		*t = restoreValue(*t)
	case *[]any:
		*t = restoreSlice(*t)
	}
	return nil
}

// sanitizeValue replaces non-finite float64 values with string sentinels so
// encoding/json accepts them.
func sanitizeValue(v any) any {
	switch val := v.(type) {
	case float64:
		switch {
		case math.IsNaN(val):
			return nanToken
		case math.IsInf(val, 1):
			return posInfToken
		case math.IsInf(val, -1):
			return negInfToken
		}
		return val
	case float32:
		return sanitizeValue(float64(val))
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = sanitizeValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		return v
	}
}

func restoreValue(v any) any {
	switch val := v.(type) {
	case string:
		switch val {
		case nanToken:
			return math.NaN()
		case posInfToken:
			return math.Inf(1)
		case negInfToken:
			return math.Inf(-1)
		}
		return val
	case map[string]any:
		return restoreMap(val)
	case []any:
		return restoreSlice(val)
	default:
		return v
	}
}

func restoreMap(m map[string]any) map[string]any {
	for k, v := range m {
		m[k] = restoreValue(v)
	}
	return m
}

func restoreSlice(s []any) []any {
	for i, v := range s {
		s[i] = restoreValue(v)
	}
	return s
}

// rewriteSentinels turns quoted sentinel strings in marshaled output back
// into bare non-finite literals.
func rewriteSentinels(data []byte) []byte {
	replacements := [][2][]byte{
		{[]byte(`"` + nanToken + `"`), []byte("NaN")},
		{[]byte(`"` + posInfToken + `"`), []byte("Infinity")},
		{[]byte(`"` + negInfToken + `"`), []byte("-Infinity")},
	}
	out := data
	for _, r := range replacements {
		out = bytes.ReplaceAll(out, r[0], r[1])
	}
	return out
}

// rewriteLiterals scans data and replaces bare NaN / Infinity / -Infinity
// tokens (outside of strings) with quoted sentinels encoding/json accepts.
func rewriteLiterals(data []byte) []byte {
	var out []byte
	inString := false
	escaped := false
	for i := 0; i < len(data); i++ {
		c := data[i]
		if inString {
			out = append(out, c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch {
		case c == '"':
			inString = true
			out = append(out, c)
		case c == '-' && hasToken(data, i+1, "Infinity"):
			out = append(out, []byte(`"`+negInfToken+`"`)...)
			i += len("-Infinity") - 1
		case c == 'I' && hasToken(data, i, "Infinity"):
			out = append(out, []byte(`"`+posInfToken+`"`)...)
			i += len("Infinity") - 1
		case c == 'N' && hasToken(data, i, "NaN"):
			out = append(out, []byte(`"`+nanToken+`"`)...)
			i += len("NaN") - 1
		default:
			out = append(out, c)
		}
	}
	return out
}

func hasToken(data []byte, at int, token string) bool {
	if at+len(token) > len(data) {
		return false
	}
	return string(data[at:at+len(token)]) == token
}
