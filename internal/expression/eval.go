package expression

import (
	"fmt"
	"strings"

	"data-router/internal/common/errors"
	"data-router/internal/record"
)

// Evaluate parses and evaluates a condition in one step
func Evaluate(condition string, r record.Record) (bool, error) {
	c, err := Parse(condition)
	if err != nil {
		return false, err
	}
	return c.Evaluate(r)
}

// Evaluate runs the condition against a record. Missing paths make
// comparisons false. Ordering two values that have no common order is a
// condition error.
func (c *Condition) Evaluate(r record.Record) (bool, error) {
	if c.IsAlwaysTrue() {
		return true, nil
	}
	ok, err := c.root.eval(r)
	if err != nil {
		return false, errors.ConditionError(fmt.Sprintf("failed to evaluate %q", c.source), err)
	}
	return ok, nil
}

func (n *Or) eval(r record.Record) (bool, error) {
	for _, operand := range n.Operands {
		ok, err := operand.eval(r)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (n *And) eval(r record.Record) (bool, error) {
	for _, operand := range n.Operands {
		ok, err := operand.eval(r)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (n *Not) eval(r record.Record) (bool, error) {
	ok, err := n.Operand.eval(r)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

func (n *Literal) eval(record.Record) (bool, error) {
	return n.Value, nil
}

func (n *Exists) eval(r record.Record) (bool, error) {
	_, ok := n.Path.Get(r)
	return ok, nil
}

func (n *Comparison) eval(r record.Record) (bool, error) {
	actual, ok := n.Path.Get(r)
	if !ok {
		return false, nil
	}
	return Compare(actual, n.Operator, n.Value)
}

// Compare applies an operator to a resolved value and a literal
func Compare(actual interface{}, op Operator, expected interface{}) (bool, error) {
	switch op {
	case OpEqual:
		return record.Equal(actual, expected), nil
	case OpNotEqual:
		return !record.Equal(actual, expected), nil
	case OpGreater, OpGreaterOrEqual, OpLess, OpLessOrEqual:
		cmp, err := record.Compare(actual, expected)
		if err != nil {
			return false, fmt.Errorf("operator %s: %w", op, err)
		}
		switch op {
		case OpGreater:
			return cmp > 0, nil
		case OpGreaterOrEqual:
			return cmp >= 0, nil
		case OpLess:
			return cmp < 0, nil
		default:
			return cmp <= 0, nil
		}
	}

	s, sok := actual.(string)
	lit, lok := expected.(string)
	if !sok || !lok {
		return false, nil
	}
	switch op {
	case OpContains:
		return strings.Contains(s, lit), nil
	case OpNotContains:
		return !strings.Contains(s, lit), nil
	case OpStartsWith:
		return strings.HasPrefix(s, lit), nil
	case OpEndsWith:
		return strings.HasSuffix(s, lit), nil
	}
	return false, fmt.Errorf("unsupported operator %q", op)
}

func (n *Or) String() string {
	return joinNodes(n.Operands, " OR ")
}

func (n *And) String() string {
	return joinNodes(n.Operands, " AND ")
}

func (n *Not) String() string {
	switch n.Operand.(type) {
	case *Or, *And, *Not:
		return "NOT (" + n.Operand.String() + ")"
	}
	return "NOT " + n.Operand.String()
}

func (n *Literal) String() string {
	if n.Value {
		return "true"
	}
	return "false"
}

func (n *Exists) String() string {
	return "EXISTS " + n.Path.String()
}

func (n *Comparison) String() string {
	return fmt.Sprintf("%s %s %s", n.Path.String(), n.Operator, formatLiteral(n.Value))
}

func joinNodes(nodes []Node, sep string) string {
	parts := make([]string, len(nodes))
	for i, node := range nodes {
		switch node.(type) {
		case *Or, *And:
			parts[i] = "(" + node.String() + ")"
		default:
			parts[i] = node.String()
		}
	}
	return strings.Join(parts, sep)
}

func formatLiteral(v interface{}) string {
	if s, ok := v.(string); ok {
		return "'" + strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), "'", `\'`) + "'"
	}
	return record.Render(v)
}
