package expression

import (
	"fmt"
	"strings"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokLParen
	tokRParen
	tokOp     // == != > >= < <=
	tokString // quoted literal
	tokWord   // keyword, path, number or bare literal
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func (t token) String() string {
	switch t.kind {
	case tokEOF:
		return "end of input"
	case tokString:
		return fmt.Sprintf("string %q", t.text)
	default:
		return fmt.Sprintf("%q", t.text)
	}
}

func (t token) isWord(w string) bool {
	return t.kind == tokWord && t.text == w
}

type syntaxError struct {
	pos int
	msg string
}

func (e *syntaxError) Error() string {
	return fmt.Sprintf("%s at position %d", e.msg, e.pos)
}

func tokenize(input string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(input) {
		c := input[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			tokens = append(tokens, token{kind: tokLParen, text: "(", pos: i})
			i++
		case c == ')':
			tokens = append(tokens, token{kind: tokRParen, text: ")", pos: i})
			i++
		case c == '\'' || c == '"':
			text, next, err := scanQuoted(input, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{kind: tokString, text: text, pos: i})
			i = next
		case c == '=' || c == '!' || c == '<' || c == '>':
			op, err := scanOperator(input, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{kind: tokOp, text: op, pos: i})
			i += len(op)
		default:
			start := i
			i = scanWord(input, i)
			tokens = append(tokens, token{kind: tokWord, text: input[start:i], pos: start})
		}
	}
	tokens = append(tokens, token{kind: tokEOF, pos: len(input)})
	return tokens, nil
}

func scanOperator(input string, i int) (string, error) {
	two := ""
	if i+1 < len(input) {
		two = input[i : i+2]
	}
	switch two {
	case "==", "!=", ">=", "<=":
		return two, nil
	}
	switch input[i] {
	case '>', '<':
		return input[i : i+1], nil
	}
	return "", &syntaxError{pos: i, msg: fmt.Sprintf("unexpected %q", input[i])}
}

func scanQuoted(input string, i int) (string, int, error) {
	quote := input[i]
	var sb strings.Builder
	j := i + 1
	for j < len(input) {
		c := input[j]
		switch {
		case c == '\\' && j+1 < len(input):
			switch next := input[j+1]; next {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			default:
				sb.WriteByte(next)
			}
			j += 2
		case c == quote:
			return sb.String(), j + 1, nil
		default:
			sb.WriteByte(c)
			j++
		}
	}
	return "", 0, &syntaxError{pos: i, msg: "unterminated string literal"}
}

// scanWord consumes a bare word. Bracketed path segments may contain
// spaces and quoted keys.
func scanWord(input string, i int) int {
	depth := 0
	var quote byte
	for i < len(input) {
		c := input[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			i++
			continue
		}
		switch {
		case c == '[':
			depth++
		case c == ']':
			if depth > 0 {
				depth--
			}
		case depth > 0 && (c == '\'' || c == '"'):
			quote = c
		case depth == 0 && strings.IndexByte(" \t\n\r()'\"=!<>", c) >= 0:
			return i
		}
		i++
	}
	return i
}
