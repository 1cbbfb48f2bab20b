package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// ErrIncomparable is returned when two values have no ordering
var ErrIncomparable = errors.New("values are not comparable")

// ToFloat reports the numeric value of v. Numbers and strings that parse as
// numbers look numeric; booleans and everything else do not.
func ToFloat(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// Equal compares two values. When both look numeric they are compared as
// float64; otherwise strings, booleans and nulls compare by value and
// containers compare deeply.
func Equal(a, b interface{}) bool {
	if fa, ok := ToFloat(a); ok {
		if fb, ok := ToFloat(b); ok {
			return fa == fb
		}
	}

	switch av := a.(type) {
	case nil:
		return b == nil
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return reflect.DeepEqual(Normalize(a), Normalize(b))
}

// Compare orders two values: numerically when both look numeric, lexically
// when both are strings. It returns -1, 0 or 1.
func Compare(a, b interface{}) (int, error) {
	if fa, ok := ToFloat(a); ok {
		if fb, ok := ToFloat(b); ok {
			switch {
			case fa < fb:
				return -1, nil
			case fa > fb:
				return 1, nil
			default:
				return 0, nil
			}
		}
	}

	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), nil
	}
	return 0, fmt.Errorf("%w: %s and %s", ErrIncomparable, TypeName(a), TypeName(b))
}

// TypeName names the record type of a value for error messages
func TypeName(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case map[string]interface{}, Record:
		return "object"
	case []interface{}:
		return "array"
	}
	if _, ok := ToFloat(v); ok {
		return "number"
	}
	return fmt.Sprintf("%T", v)
}

// Render formats a value for string interpolation: strings raw, numbers in
// their shortest form, null as "null", containers as JSON.
func Render(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case map[string]interface{}, []interface{}, Record:
		data, err := Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
	if f, ok := ToFloat(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprintf("%v", v)
}

// Key returns a canonical string for grouping and join matching. Numeric
// values share a key with numeric strings of the same value. Null and
// missing values have no key.
func Key(v interface{}) (string, bool) {
	if v == nil {
		return "", false
	}
	if f, ok := ToFloat(v); ok {
		return "n:" + strconv.FormatFloat(f, 'g', -1, 64), true
	}
	switch val := v.(type) {
	case string:
		return "s:" + val, true
	case bool:
		return "b:" + strconv.FormatBool(val), true
	}
	return "j:" + Render(v), true
}
