package expression

import (
	"data-router/internal/record"
)

// Node is one node of a parsed condition. Nodes are immutable once built.
type Node interface {
	eval(r record.Record) (bool, error)
	String() string
}

// Operator is a comparison operator
type Operator string

const (
	OpEqual          Operator = "=="
	OpNotEqual       Operator = "!="
	OpGreater        Operator = ">"
	OpGreaterOrEqual Operator = ">="
	OpLess           Operator = "<"
	OpLessOrEqual    Operator = "<="
	OpContains       Operator = "CONTAINS"
	OpNotContains    Operator = "NOT CONTAINS"
	OpStartsWith     Operator = "STARTS WITH"
	OpEndsWith       Operator = "ENDS WITH"
)

var operatorAliases = map[string]Operator{
	"==":           OpEqual,
	"=":            OpEqual,
	"!=":           OpNotEqual,
	">":            OpGreater,
	">=":           OpGreaterOrEqual,
	"<":            OpLess,
	"<=":           OpLessOrEqual,
	"CONTAINS":     OpContains,
	"contains":     OpContains,
	"NOT CONTAINS": OpNotContains,
	"not_contains": OpNotContains,
	"STARTS WITH":  OpStartsWith,
	"starts_with":  OpStartsWith,
	"ENDS WITH":    OpEndsWith,
	"ends_with":    OpEndsWith,
}

// ParseOperator resolves an operator name, accepting the condition grammar
// spellings and the transformation filter aliases (=, contains, not_contains,
// starts_with, ends_with)
func ParseOperator(name string) (Operator, bool) {
	op, ok := operatorAliases[name]
	return op, ok
}

// SupportedOperators returns the canonical operator set
func SupportedOperators() []Operator {
	return []Operator{
		OpEqual, OpNotEqual, OpGreater, OpGreaterOrEqual, OpLess, OpLessOrEqual,
		OpContains, OpNotContains, OpStartsWith, OpEndsWith,
	}
}

// Or is true when any operand is true
type Or struct{ Operands []Node }

// And is true when every operand is true
type And struct{ Operands []Node }

// Not negates its operand
type Not struct{ Operand Node }

// Literal is a constant true or false atom
type Literal struct{ Value bool }

// Exists tests whether a path resolves
type Exists struct {
	Path record.Path
}

// Comparison compares the value at a path with a literal
type Comparison struct {
	Path     record.Path
	Operator Operator
	Value    interface{}
}

// NewComparison builds a comparison node outside of the text grammar
func NewComparison(path record.Path, op Operator, value interface{}) *Comparison {
	return &Comparison{Path: path, Operator: op, Value: record.Normalize(value)}
}
