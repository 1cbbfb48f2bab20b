package record

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrInvalidPath is returned for syntactically invalid path expressions
	ErrInvalidPath = errors.New("invalid path")
	// ErrPathConflict is returned when Set meets a non-container value midway
	ErrPathConflict = errors.New("path traverses a non-object value")
)

type segment struct {
	key     string
	index   int
	isIndex bool
}

// Path is a parsed field reference: a bare name (revenue, user.city,
// items[0].sku) or a JSONPath-style expression ($.a.b[0], $['a key']).
type Path struct {
	raw      string
	segments []segment
}

// MustParsePath parses a path and panics on error
func MustParsePath(raw string) Path {
	p, err := ParsePath(raw)
	if err != nil {
		panic(err)
	}
	return p
}

// ParsePath parses a path expression
func ParsePath(raw string) (Path, error) {
	s := strings.TrimSpace(raw)
	p := Path{raw: s}
	if s == "" {
		return p, fmt.Errorf("%w: empty path", ErrInvalidPath)
	}

	i := 0
	if s[0] == '$' {
		i = 1
		if i == len(s) {
			return p, nil
		}
		if s[i] != '.' && s[i] != '[' {
			return p, fmt.Errorf("%w: %q: expected '.' or '[' after '$'", ErrInvalidPath, raw)
		}
	}

	expectName := i == 0
	for i < len(s) {
		switch {
		case s[i] == '.':
			i++
			expectName = true
		case s[i] == '[':
			seg, next, err := parseBracket(s, i)
			if err != nil {
				return p, fmt.Errorf("%w: %q: %v", ErrInvalidPath, raw, err)
			}
			p.segments = append(p.segments, seg)
			i = next
			expectName = false
			continue
		default:
			if !expectName {
				return p, fmt.Errorf("%w: %q: unexpected %q at %d", ErrInvalidPath, raw, s[i], i)
			}
		}

		if !expectName {
			continue
		}
		start := i
		for i < len(s) && s[i] != '.' && s[i] != '[' {
			i++
		}
		if start == i {
			return p, fmt.Errorf("%w: %q: empty segment at %d", ErrInvalidPath, raw, start)
		}
		p.segments = append(p.segments, segment{key: s[start:i]})
		expectName = false
	}

	if expectName {
		return p, fmt.Errorf("%w: %q: trailing '.'", ErrInvalidPath, raw)
	}
	return p, nil
}

func parseBracket(s string, i int) (segment, int, error) {
	i++ // '['
	if i < len(s) && (s[i] == '\'' || s[i] == '"') {
		quote := s[i]
		end := strings.IndexByte(s[i+1:], quote)
		if end < 0 {
			return segment{}, 0, errors.New("unterminated quoted key")
		}
		key := s[i+1 : i+1+end]
		i = i + 1 + end + 1
		if i >= len(s) || s[i] != ']' {
			return segment{}, 0, errors.New("expected ']'")
		}
		return segment{key: key}, i + 1, nil
	}

	end := strings.IndexByte(s[i:], ']')
	if end < 0 {
		return segment{}, 0, errors.New("unterminated index")
	}
	idx, err := strconv.Atoi(strings.TrimSpace(s[i : i+end]))
	if err != nil || idx < 0 {
		return segment{}, 0, fmt.Errorf("invalid index %q", s[i:i+end])
	}
	return segment{index: idx, isIndex: true}, i + end + 1, nil
}

// String returns the path as written
func (p Path) String() string {
	return p.raw
}

// IsRoot reports whether the path is the bare root "$"
func (p Path) IsRoot() bool {
	return len(p.segments) == 0
}

// Leaf returns the last key segment, used as a field name for derived values
func (p Path) Leaf() string {
	for i := len(p.segments) - 1; i >= 0; i-- {
		if !p.segments[i].isIndex {
			return p.segments[i].key
		}
	}
	return p.raw
}

// Get resolves the path against a record. A present JSON null reports
// (nil, true).
func (p Path) Get(r Record) (interface{}, bool) {
	var cur interface{} = map[string]interface{}(r)
	for _, seg := range p.segments {
		next, ok := step(cur, seg)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func step(cur interface{}, seg segment) (interface{}, bool) {
	if seg.isIndex {
		arr, ok := cur.([]interface{})
		if !ok || seg.index >= len(arr) {
			return nil, false
		}
		return arr[seg.index], true
	}

	switch m := cur.(type) {
	case map[string]interface{}:
		v, ok := m[seg.key]
		return v, ok
	case Record:
		v, ok := m[seg.key]
		return v, ok
	}
	return nil, false
}

// Set assigns value at the path, creating intermediate objects as needed.
// Array indexes must already exist.
func (p Path) Set(r Record, value interface{}) error {
	if len(p.segments) == 0 {
		return fmt.Errorf("%w: cannot assign to root", ErrInvalidPath)
	}

	var cur interface{} = map[string]interface{}(r)
	last := len(p.segments) - 1
	for i, seg := range p.segments {
		if i == last {
			return assign(cur, seg, value, p.raw)
		}

		next, ok := step(cur, seg)
		if !ok || next == nil {
			if seg.isIndex {
				return fmt.Errorf("%w: %s: index %d out of range", ErrPathConflict, p.raw, seg.index)
			}
			m, isMap := cur.(map[string]interface{})
			if !isMap {
				return fmt.Errorf("%w: %s", ErrPathConflict, p.raw)
			}
			child := make(map[string]interface{})
			m[seg.key] = child
			next = child
		}
		switch next.(type) {
		case map[string]interface{}, []interface{}:
		default:
			return fmt.Errorf("%w: %s", ErrPathConflict, p.raw)
		}
		cur = next
	}
	return nil
}

func assign(cur interface{}, seg segment, value interface{}, raw string) error {
	if seg.isIndex {
		arr, ok := cur.([]interface{})
		if !ok || seg.index >= len(arr) {
			return fmt.Errorf("%w: %s: index %d out of range", ErrPathConflict, raw, seg.index)
		}
		arr[seg.index] = value
		return nil
	}
	m, ok := cur.(map[string]interface{})
	if !ok {
		return fmt.Errorf("%w: %s", ErrPathConflict, raw)
	}
	m[seg.key] = value
	return nil
}

// Delete removes the value at the path and reports whether it was present.
// Only object keys can be deleted.
func (p Path) Delete(r Record) bool {
	if len(p.segments) == 0 {
		return false
	}
	last := p.segments[len(p.segments)-1]
	if last.isIndex {
		return false
	}

	parent := Path{segments: p.segments[:len(p.segments)-1]}
	container, ok := parent.Get(r)
	if !ok {
		return false
	}
	m, ok := container.(map[string]interface{})
	if !ok {
		return false
	}
	if _, exists := m[last.key]; !exists {
		return false
	}
	delete(m, last.key)
	return true
}
