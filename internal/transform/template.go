package transform

import (
	"regexp"
	"strings"

	"data-router/internal/record"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Template is a compiled {{path}} interpolation string
type Template struct {
	parts []templatePart
}

type templatePart struct {
	literal string
	raw     string
	path    *record.Path
}

// ParseTemplate compiles a template. Placeholders must hold valid paths.
func ParseTemplate(src string) (*Template, error) {
	t := &Template{}
	last := 0
	for _, loc := range placeholderPattern.FindAllStringSubmatchIndex(src, -1) {
		if loc[0] > last {
			t.parts = append(t.parts, templatePart{literal: src[last:loc[0]]})
		}
		path, err := record.ParsePath(src[loc[2]:loc[3]])
		if err != nil {
			return nil, err
		}
		t.parts = append(t.parts, templatePart{raw: src[loc[0]:loc[1]], path: &path})
		last = loc[1]
	}
	if last < len(src) {
		t.parts = append(t.parts, templatePart{literal: src[last:]})
	}
	return t, nil
}

// HasPlaceholders reports whether the template references any field
func (t *Template) HasPlaceholders() bool {
	for _, part := range t.parts {
		if part.path != nil {
			return true
		}
	}
	return false
}

// SinglePath returns the path when the template is exactly one placeholder
func (t *Template) SinglePath() (record.Path, bool) {
	if len(t.parts) == 1 && t.parts[0].path != nil {
		return *t.parts[0].path, true
	}
	return record.Path{}, false
}

// Render interpolates the record's values. Unresolved placeholders are kept
// verbatim.
func (t *Template) Render(r record.Record) string {
	var sb strings.Builder
	for _, part := range t.parts {
		if part.path == nil {
			sb.WriteString(part.literal)
			continue
		}
		v, ok := part.path.Get(r)
		if !ok {
			sb.WriteString(part.raw)
			continue
		}
		sb.WriteString(record.Render(v))
	}
	return sb.String()
}
