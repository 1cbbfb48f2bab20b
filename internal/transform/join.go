package transform

import (
	"context"
	"fmt"
	"sort"

	"data-router/internal/common/errors"
	"data-router/internal/record"
)

// JoinType selects which unmatched rows a join keeps
type JoinType string

const (
	JoinLeft  JoinType = "left"
	JoinInner JoinType = "inner"
	JoinRight JoinType = "right"
)

type joinStep struct {
	connectorID string
	spec        map[string]interface{}
	leftKey     record.Path
	rightKey    record.Path
	joinType    JoinType
	prefix      string
}

func newJoin(params map[string]interface{}) (step, error) {
	var p joinParams
	if err := decodeParams(StepJoin, params, &p); err != nil {
		return nil, err
	}
	leftKey, err := parsePath(StepJoin, "left_key", p.LeftKey)
	if err != nil {
		return nil, err
	}
	rightKey, err := parsePath(StepJoin, "right_key", p.RightKey)
	if err != nil {
		return nil, err
	}

	joinType := JoinType(p.JoinType)
	if joinType == "" {
		joinType = JoinLeft
	}
	prefix := p.Prefix
	if prefix == "" {
		prefix = p.PrefixFields
	}

	spec, _ := record.Normalize(p.JoinDataSpec).(map[string]interface{})
	return &joinStep{
		connectorID: p.JoinConnectorID,
		spec:        spec,
		leftKey:     leftKey,
		rightKey:    rightKey,
		joinType:    joinType,
		prefix:      prefix,
	}, nil
}

func (s *joinStep) kind() StepType    { return StepJoin }
func (s *joinStep) batchScoped() bool { return true }

func (s *joinStep) apply(ctx context.Context, env *Env, batch record.Batch) (record.Batch, []error, error) {
	if env == nil || env.Connectors == nil {
		return nil, nil, errors.ConfigError(fmt.Sprintf("join requires connector %q but no connectors are configured", s.connectorID), nil)
	}

	rows, err := env.Connectors.Fetch(ctx, s.connectorID, record.CloneValue(s.spec).(map[string]interface{}))
	if err != nil {
		return nil, nil, errors.InternalError(fmt.Sprintf("join fetch from connector %q failed", s.connectorID), err).
			WithContext("connector_id", s.connectorID)
	}
	right := make([]record.Record, len(rows))
	for i, row := range rows {
		right[i] = record.New(row)
	}

	index := make(map[string][]int, len(right))
	for i, row := range right {
		v, _ := s.rightKey.Get(row)
		if key, ok := record.Key(v); ok {
			index[key] = append(index[key], i)
		}
	}

	rightFields := fieldNames(right, s.prefix)
	leftFields := fieldNames(batch, "")
	used := make([]bool, len(right))

	out := make(record.Batch, 0, len(batch))
	for _, left := range batch {
		v, _ := s.leftKey.Get(left)
		var matches []int
		if key, ok := record.Key(v); ok {
			matches = index[key]
		}

		if len(matches) == 0 {
			if s.joinType == JoinLeft {
				merged := left.Clone()
				fillNull(merged, rightFields)
				out = append(out, merged)
			}
			continue
		}

		for _, m := range matches {
			used[m] = true
			out = append(out, s.merge(left, right[m]))
		}
	}

	if s.joinType == JoinRight {
		for i, row := range right {
			if used[i] {
				continue
			}
			merged := s.merge(record.Record{}, row)
			fillNull(merged, leftFields)
			out = append(out, merged)
		}
	}

	return out, nil, nil
}

// merge copies right fields into a clone of left. Without a prefix the left
// side wins on collisions.
func (s *joinStep) merge(left, right record.Record) record.Record {
	merged := left.Clone()
	for k, v := range right {
		name := s.prefix + k
		if _, exists := merged[name]; exists && s.prefix == "" {
			continue
		}
		merged[name] = record.CloneValue(v)
	}
	return merged
}

func fieldNames(rows []record.Record, prefix string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, row := range rows {
		for k := range row {
			if !seen[k] {
				seen[k] = true
				names = append(names, prefix+k)
			}
		}
	}
	sort.Strings(names)
	return names
}

func fillNull(r record.Record, fields []string) {
	for _, f := range fields {
		if _, exists := r[f]; !exists {
			r[f] = nil
		}
	}
}
