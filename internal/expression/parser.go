package expression

import (
	"fmt"
	"strconv"
	"strings"

	"data-router/internal/common/errors"
	"data-router/internal/record"
)

var keywords = map[string]bool{
	"AND": true, "OR": true, "NOT": true, "EXISTS": true,
	"CONTAINS": true, "STARTS": true, "ENDS": true, "WITH": true,
}

// Condition is a parsed, immutable boolean expression. A nil or empty
// Condition always evaluates to true.
type Condition struct {
	source string
	root   Node
}

// Parse compiles a condition string. Empty input yields an always-true
// condition. Syntax errors are reported as condition errors carrying the
// byte position.
func Parse(input string) (*Condition, error) {
	if strings.TrimSpace(input) == "" {
		return &Condition{source: input}, nil
	}

	tokens, err := tokenize(input)
	if err != nil {
		return nil, wrapSyntax(input, err)
	}

	p := &parser{tokens: tokens}
	root, err := p.parseOr()
	if err != nil {
		return nil, wrapSyntax(input, err)
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, wrapSyntax(input, &syntaxError{pos: tok.pos, msg: fmt.Sprintf("unexpected %s", tok)})
	}

	return &Condition{source: input, root: root}, nil
}

// MustParse is like Parse but panics on error
func MustParse(input string) *Condition {
	c, err := Parse(input)
	if err != nil {
		panic(err)
	}
	return c
}

// FromNode wraps an already built node
func FromNode(n Node) *Condition {
	return &Condition{source: n.String(), root: n}
}

// String returns the canonical form of the condition
func (c *Condition) String() string {
	if c == nil || c.root == nil {
		return ""
	}
	return c.root.String()
}

// Source returns the condition text as configured
func (c *Condition) Source() string {
	if c == nil {
		return ""
	}
	return c.source
}

// IsAlwaysTrue reports whether the condition is empty
func (c *Condition) IsAlwaysTrue() bool {
	return c == nil || c.root == nil
}

func wrapSyntax(input string, err error) error {
	appErr := errors.ConditionError(fmt.Sprintf("invalid condition %q", input), err)
	if se, ok := err.(*syntaxError); ok {
		appErr.WithContext("position", se.pos)
	}
	return appErr
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) peekAt(offset int) token {
	if p.pos+offset >= len(p.tokens) {
		return p.tokens[len(p.tokens)-1]
	}
	return p.tokens[p.pos+offset]
}

func (p *parser) next() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	operands := []Node{left}
	for p.peek().isWord("OR") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		operands = append(operands, right)
	}
	if len(operands) == 1 {
		return left, nil
	}
	return &Or{Operands: operands}, nil
}

func (p *parser) parseAnd() (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	operands := []Node{left}
	for p.peek().isWord("AND") {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		operands = append(operands, right)
	}
	if len(operands) == 1 {
		return left, nil
	}
	return &And{Operands: operands}, nil
}

func (p *parser) parseUnary() (Node, error) {
	if p.peek().isWord("NOT") && !p.peekAt(1).isWord("EXISTS") {
		p.next()
		operand, err := p.parseAtom()
		if err != nil {
			return nil, err
		}
		return &Not{Operand: operand}, nil
	}
	return p.parseAtom()
}

func (p *parser) parseAtom() (Node, error) {
	tok := p.peek()

	switch {
	case tok.kind == tokLParen:
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, &syntaxError{pos: closing.pos, msg: fmt.Sprintf("expected ')' but found %s", closing)}
		}
		return inner, nil

	case tok.isWord("NOT") && p.peekAt(1).isWord("EXISTS"):
		p.next()
		p.next()
		path, err := p.parsePath()
		if err != nil {
			return nil, err
		}
		return &Not{Operand: &Exists{Path: path}}, nil

	case tok.isWord("EXISTS"):
		p.next()
		path, err := p.parsePath()
		if err != nil {
			return nil, err
		}
		return &Exists{Path: path}, nil

	case (tok.isWord("true") || tok.isWord("false")) && !p.startsOperator(1):
		p.next()
		return &Literal{Value: tok.text == "true"}, nil
	}

	path, err := p.parsePath()
	if err != nil {
		return nil, err
	}
	op, err := p.parseOperator()
	if err != nil {
		return nil, err
	}
	value, err := p.parseLiteral()
	if err != nil {
		return nil, err
	}
	return &Comparison{Path: path, Operator: op, Value: value}, nil
}

func (p *parser) startsOperator(offset int) bool {
	tok := p.peekAt(offset)
	if tok.kind == tokOp {
		return true
	}
	switch {
	case tok.isWord("CONTAINS"), tok.isWord("STARTS"), tok.isWord("ENDS"):
		return true
	case tok.isWord("NOT"):
		return p.peekAt(offset + 1).isWord("CONTAINS")
	}
	return false
}

func (p *parser) parsePath() (record.Path, error) {
	tok := p.next()
	if tok.kind != tokWord || keywords[tok.text] {
		return record.Path{}, &syntaxError{pos: tok.pos, msg: fmt.Sprintf("expected field path but found %s", tok)}
	}
	path, err := record.ParsePath(tok.text)
	if err != nil {
		return record.Path{}, &syntaxError{pos: tok.pos, msg: err.Error()}
	}
	return path, nil
}

func (p *parser) parseOperator() (Operator, error) {
	tok := p.next()
	switch {
	case tok.kind == tokOp:
		return Operator(tok.text), nil
	case tok.isWord("CONTAINS"):
		return OpContains, nil
	case tok.isWord("NOT") && p.peek().isWord("CONTAINS"):
		p.next()
		return OpNotContains, nil
	case tok.isWord("STARTS") && p.peek().isWord("WITH"):
		p.next()
		return OpStartsWith, nil
	case tok.isWord("ENDS") && p.peek().isWord("WITH"):
		p.next()
		return OpEndsWith, nil
	}
	return "", &syntaxError{pos: tok.pos, msg: fmt.Sprintf("expected comparison operator but found %s", tok)}
}

func (p *parser) parseLiteral() (interface{}, error) {
	tok := p.next()
	switch tok.kind {
	case tokString:
		return tok.text, nil
	case tokWord:
		if keywords[tok.text] {
			return nil, &syntaxError{pos: tok.pos, msg: fmt.Sprintf("expected literal but found keyword %s", tok)}
		}
		return parseBareLiteral(tok.text), nil
	}
	return nil, &syntaxError{pos: tok.pos, msg: fmt.Sprintf("expected literal but found %s", tok)}
}

// parseBareLiteral types an unquoted literal: booleans, null, integers,
// floats, and otherwise the word itself as a string
func parseBareLiteral(text string) interface{} {
	switch text {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	if n, err := strconv.ParseInt(text, 10, 64); err == nil {
		return float64(n)
	}
	if f, err := strconv.ParseFloat(text, 64); err == nil {
		return f
	}
	return text
}
