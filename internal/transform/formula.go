package transform

import (
	stderrors "errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"data-router/internal/record"
)

var (
	// ErrDivisionByZero is returned when a formula divides by zero
	ErrDivisionByZero = stderrors.New("division by zero")
	// ErrUnresolvedField is returned when a formula references a missing field
	ErrUnresolvedField = stderrors.New("unresolved field")
	// ErrNonNumericField is returned when a referenced field is not numeric
	ErrNonNumericField = stderrors.New("field is not numeric")
	// ErrNonFiniteResult is returned when a formula overflows or yields NaN
	ErrNonFiniteResult = stderrors.New("result is not a finite number")
)

// Formula is a compiled arithmetic expression over numeric fields
type Formula struct {
	source string
	root   formulaNode
}

type formulaNode interface {
	eval(r record.Record) (float64, error)
}

type numberNode float64

type fieldNode struct{ path record.Path }

type negateNode struct{ operand formulaNode }

type binaryNode struct {
	op          byte
	left, right formulaNode
}

func (n numberNode) eval(record.Record) (float64, error) {
	return float64(n), nil
}

func (n fieldNode) eval(r record.Record) (float64, error) {
	v, ok := n.path.Get(r)
	if !ok || v == nil {
		return 0, fmt.Errorf("%w %q", ErrUnresolvedField, n.path.String())
	}
	f, ok := record.ToFloat(v)
	if !ok {
		return 0, fmt.Errorf("%w: %q is %s", ErrNonNumericField, n.path.String(), record.TypeName(v))
	}
	return f, nil
}

func (n negateNode) eval(r record.Record) (float64, error) {
	v, err := n.operand.eval(r)
	return -v, err
}

func (n binaryNode) eval(r record.Record) (float64, error) {
	left, err := n.left.eval(r)
	if err != nil {
		return 0, err
	}
	right, err := n.right.eval(r)
	if err != nil {
		return 0, err
	}
	switch n.op {
	case '+':
		return left + right, nil
	case '-':
		return left - right, nil
	case '*':
		return left * right, nil
	default:
		if right == 0 {
			return 0, ErrDivisionByZero
		}
		return left / right, nil
	}
}

// Evaluate computes the formula for a record
func (f *Formula) Evaluate(r record.Record) (float64, error) {
	v, err := f.root.eval(r)
	if err != nil {
		return 0, err
	}
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, fmt.Errorf("%w: %v", ErrNonFiniteResult, v)
	}
	return v, nil
}

// String returns the formula as configured
func (f *Formula) String() string {
	return f.source
}

// ParseFormula compiles an arithmetic expression. Supported: numbers, field
// paths, + - * /, unary minus and parentheses.
func ParseFormula(src string) (*Formula, error) {
	p := &formulaParser{src: src}
	p.skipSpace()
	if p.pos >= len(p.src) {
		return nil, fmt.Errorf("empty formula")
	}
	root, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos < len(p.src) {
		return nil, fmt.Errorf("unexpected %q at position %d", p.src[p.pos], p.pos)
	}
	return &Formula{source: src, root: root}, nil
}

type formulaParser struct {
	src string
	pos int
}

func (p *formulaParser) skipSpace() {
	for p.pos < len(p.src) && strings.IndexByte(" \t\n\r", p.src[p.pos]) >= 0 {
		p.pos++
	}
}

func (p *formulaParser) peek() byte {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *formulaParser) parseExpr() (formulaNode, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		op := p.peek()
		if op != '+' && op != '-' {
			return left, nil
		}
		p.pos++
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, left: left, right: right}
	}
}

func (p *formulaParser) parseTerm() (formulaNode, error) {
	left, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	for {
		op := p.peek()
		if op != '*' && op != '/' {
			return left, nil
		}
		p.pos++
		right, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, left: left, right: right}
	}
}

func (p *formulaParser) parseFactor() (formulaNode, error) {
	c := p.peek()
	switch {
	case c == 0:
		return nil, fmt.Errorf("unexpected end of formula")
	case c == '-':
		p.pos++
		operand, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		return negateNode{operand: operand}, nil
	case c == '+':
		p.pos++
		return p.parseFactor()
	case c == '(':
		p.pos++
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.peek() != ')' {
			return nil, fmt.Errorf("expected ')' at position %d", p.pos)
		}
		p.pos++
		return inner, nil
	case c >= '0' && c <= '9' || c == '.':
		return p.parseNumber()
	case isIdentStart(c):
		return p.parseField()
	}
	return nil, fmt.Errorf("unexpected %q at position %d", c, p.pos)
}

func (p *formulaParser) parseNumber() (formulaNode, error) {
	start := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c >= '0' && c <= '9' || c == '.' {
			p.pos++
			continue
		}
		if (c == 'e' || c == 'E') && p.pos+1 < len(p.src) {
			p.pos++
			if p.src[p.pos] == '+' || p.src[p.pos] == '-' {
				p.pos++
			}
			continue
		}
		break
	}
	f, err := strconv.ParseFloat(p.src[start:p.pos], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid number %q at position %d", p.src[start:p.pos], start)
	}
	return numberNode(f), nil
}

func (p *formulaParser) parseField() (formulaNode, error) {
	start := p.pos
	depth := 0
scan:
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		switch {
		case c == '[':
			depth++
		case c == ']' && depth > 0:
			depth--
		case depth > 0:
		case isIdentStart(c) || c >= '0' && c <= '9' || c == '.':
		default:
			break scan
		}
		p.pos++
	}
	path, err := record.ParsePath(p.src[start:p.pos])
	if err != nil {
		return nil, err
	}
	return fieldNode{path: path}, nil
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}
