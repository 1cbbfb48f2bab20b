// Package record defines the document type that flows through a route, along
// with path resolution, value coercion and the JSON codec used for batches.
package record

import (
	"encoding/json"
	"reflect"
)

// Record is one semantic data unit. Values are nil, bool, float64, string,
// []interface{} or map[string]interface{}, recursively.
type Record map[string]interface{}

// Batch is an ordered list of records
type Batch []Record

// Clone returns a deep copy of the record
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = CloneValue(v)
	}
	return out
}

// Get resolves a path expression against the record. Invalid paths resolve
// to nothing.
func (r Record) Get(path string) (interface{}, bool) {
	p, err := ParsePath(path)
	if err != nil {
		return nil, false
	}
	return p.Get(r)
}

// Clone returns a deep copy of every record in the batch
func (b Batch) Clone() Batch {
	out := make(Batch, len(b))
	for i, r := range b {
		out[i] = r.Clone()
	}
	return out
}

// CloneValue deep-copies maps and slices; scalars are returned as-is
func CloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = CloneValue(item)
		}
		return out
	case Record:
		return map[string]interface{}(val.Clone())
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = CloneValue(item)
		}
		return out
	default:
		return v
	}
}

// New builds a normalized record from arbitrary Go data
func New(data map[string]interface{}) Record {
	out := make(Record, len(data))
	for k, v := range data {
		out[k] = Normalize(v)
	}
	return out
}

// Normalize converts Go values into the record value domain: every number
// becomes float64, every map becomes map[string]interface{}, every slice
// becomes []interface{}.
func Normalize(v interface{}) interface{} {
	switch val := v.(type) {
	case nil, bool, string, float64:
		return val
	case float32:
		return float64(val)
	case int:
		return float64(val)
	case int8:
		return float64(val)
	case int16:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case uint:
		return float64(val)
	case uint8:
		return float64(val)
	case uint16:
		return float64(val)
	case uint32:
		return float64(val)
	case uint64:
		return float64(val)
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case Record:
		return normalizeMap(val)
	case map[string]interface{}:
		return normalizeMap(val)
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[Render(Normalize(k))] = Normalize(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = Normalize(item)
		}
		return out
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]interface{}, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = Normalize(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		out := make(map[string]interface{}, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[Render(Normalize(iter.Key().Interface()))] = Normalize(iter.Value().Interface())
		}
		return out
	case reflect.Ptr:
		if rv.IsNil() {
			return nil
		}
		return Normalize(rv.Elem().Interface())
	}
	return v
}

func normalizeMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, item := range m {
		out[k] = Normalize(item)
	}
	return out
}
