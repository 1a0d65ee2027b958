package decode

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Record is one logical unit decoded from a catalog artifact: a key/value
// structure with possibly nested arrays and objects. Numbers are json.Number
// (the decoder uses UseNumber to avoid float64 round-trips).
//
// Records are ephemeral: they exist only while a streaming pass is running
// and are never persisted in decoded form.
type Record map[string]any

// Text returns the field rendered as a trimmed string. Missing and null
// fields return "".
func (r Record) Text(key string) string {
	switch v := r[key].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return ""
	}
}

// Int returns the field coerced to int64, or 0 when absent or not numeric.
func (r Record) Int(key string) int64 {
	switch v := r[key].(type) {
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			// Fall back through float for values like "3.0".
			if f, ferr := v.Float64(); ferr == nil {
				return int64(f)
			}
			return 0
		}
		return n
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0
		}
		return n
	case float64:
		return int64(v)
	case int64:
		return v
	default:
		return 0
	}
}

// Strings returns the field's array-of-strings content. Non-string elements
// and nulls are skipped; a missing or non-array field yields nil.
func (r Record) Strings(key string) []string {
	arr, ok := r[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, it := range arr {
		s, ok := it.(string)
		if !ok {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Objects returns the field's array-of-objects content. Non-object elements
// are skipped; a missing or non-array field yields nil.
func (r Record) Objects(key string) []Record {
	arr, ok := r[key].([]any)
	if !ok {
		return nil
	}
	out := make([]Record, 0, len(arr))
	for _, it := range arr {
		obj, ok := it.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, Record(obj))
	}
	return out
}
