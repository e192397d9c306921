package handoff

import (
	"fmt"
	"strconv"
	"strings"
)

// Condition expressions compare routable context variables to literals:
//
//	${interview_complete} == True AND (${tenant} == "acme" OR ${retries} < 3)
//
// The grammar is deliberately small. Variables only appear on the left
// of a comparison, literals only on the right, and the only connectives
// are AND, OR and parentheses. Expressions are parsed once when the
// router is built; evaluation is a pure function of the snapshot.

type exprNode interface {
	eval(snapshot map[string]any) bool
}

type orNode struct{ left, right exprNode }

func (n orNode) eval(s map[string]any) bool { return n.left.eval(s) || n.right.eval(s) }

type andNode struct{ left, right exprNode }

func (n andNode) eval(s map[string]any) bool { return n.left.eval(s) && n.right.eval(s) }

type cmpNode struct {
	variable string
	op       string
	literal  literal
}

type literal struct {
	raw    string
	isBool bool
	b      bool
	isNum  bool
	f      float64
}

func (n cmpNode) eval(snapshot map[string]any) bool {
	value, ok := snapshot[n.variable]
	if !ok {
		// Undeclared at runtime means the comparison cannot hold, except
		// for != which is trivially true against any literal.
		return n.op == "!="
	}

	switch n.op {
	case "==":
		return n.literal.equals(value)
	case "!=":
		return !n.literal.equals(value)
	}

	lf, lok := toNumber(value)
	if n.literal.isNum && lok {
		switch n.op {
		case "<":
			return lf < n.literal.f
		case "<=":
			return lf <= n.literal.f
		case ">":
			return lf > n.literal.f
		case ">=":
			return lf >= n.literal.f
		}
	}

	ls := toString(value)
	switch n.op {
	case "<":
		return ls < n.literal.raw
	case "<=":
		return ls <= n.literal.raw
	case ">":
		return ls > n.literal.raw
	case ">=":
		return ls >= n.literal.raw
	}
	return false
}

func (l literal) equals(value any) bool {
	if l.isBool {
		b, ok := toBool(value)
		return ok && b == l.b
	}
	if l.isNum {
		if f, ok := toNumber(value); ok {
			return f == l.f
		}
	}
	return toString(value) == l.raw
}

func toBool(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		switch strings.ToLower(x) {
		case "true":
			return true, true
		case "false":
			return false, true
		}
	}
	return false, false
}

func toNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	}
	return 0, false
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// --- lexer ---

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokVar
	tokOp
	tokAnd
	tokOr
	tokLParen
	tokRParen
	tokLiteral
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func lex(input string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(input) {
		c := input[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			i++

		case c == '(':
			tokens = append(tokens, token{tokLParen, "(", i})
			i++
		case c == ')':
			tokens = append(tokens, token{tokRParen, ")", i})
			i++

		case c == '$':
			if i+1 >= len(input) || input[i+1] != '{' {
				return nil, fmt.Errorf("position %d: expected '{' after '$'", i)
			}
			end := strings.IndexByte(input[i:], '}')
			if end < 0 {
				return nil, fmt.Errorf("position %d: unterminated variable reference", i)
			}
			name := input[i+2 : i+end]
			if name == "" {
				return nil, fmt.Errorf("position %d: empty variable reference", i)
			}
			tokens = append(tokens, token{tokVar, name, i})
			i += end + 1

		case c == '=' || c == '!' || c == '<' || c == '>':
			op := string(c)
			if i+1 < len(input) && input[i+1] == '=' {
				op += "="
				i++
			}
			i++
			switch op {
			case "==", "!=", "<", "<=", ">", ">=":
				tokens = append(tokens, token{tokOp, op, i})
			default:
				return nil, fmt.Errorf("position %d: unknown operator %q", i, op)
			}

		case c == '"' || c == '\'':
			quote := c
			end := strings.IndexByte(input[i+1:], quote)
			if end < 0 {
				return nil, fmt.Errorf("position %d: unterminated string literal", i)
			}
			tokens = append(tokens, token{tokLiteral, input[i+1 : i+1+end], i})
			i += end + 2

		default:
			start := i
			for i < len(input) && !strings.ContainsRune(" \t\n()=!<>", rune(input[i])) {
				i++
			}
			word := input[start:i]
			switch strings.ToUpper(word) {
			case "AND":
				tokens = append(tokens, token{tokAnd, word, start})
			case "OR":
				tokens = append(tokens, token{tokOr, word, start})
			default:
				tokens = append(tokens, token{tokLiteral, word, start})
			}
		}
	}
	tokens = append(tokens, token{tokEOF, "", len(input)})
	return tokens, nil
}

// --- parser ---

type parser struct {
	tokens []token
	pos    int
}

// parseExpression compiles a condition into an evaluable tree.
func parseExpression(input string) (exprNode, error) {
	tokens, err := lex(input)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("position %d: unexpected %q", p.peek().pos, p.peek().text)
	}
	return node, nil
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) parseOr() (exprNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orNode{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (exprNode, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = andNode{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseTerm() (exprNode, error) {
	t := p.peek()
	switch t.kind {
	case tokLParen:
		p.next()
		node, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, fmt.Errorf("position %d: expected ')'", p.peek().pos)
		}
		p.next()
		return node, nil

	case tokVar:
		p.next()
		op := p.next()
		if op.kind != tokOp {
			return nil, fmt.Errorf("position %d: expected comparison operator after ${%s}", op.pos, t.text)
		}
		lit := p.next()
		if lit.kind != tokLiteral {
			return nil, fmt.Errorf("position %d: expected literal after %q", lit.pos, op.text)
		}
		return cmpNode{variable: t.text, op: op.text, literal: makeLiteral(lit.text)}, nil
	}
	return nil, fmt.Errorf("position %d: unexpected %q", t.pos, t.text)
}

func makeLiteral(raw string) literal {
	l := literal{raw: raw}
	switch strings.ToLower(raw) {
	case "true":
		l.isBool, l.b = true, true
		return l
	case "false":
		l.isBool = true
		return l
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		l.isNum, l.f = true, f
	}
	return l
}
