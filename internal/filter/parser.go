package filter

import (
	"fmt"
	"strconv"
	"strings"
)

// Parse parses a complete SCIM filter expression.
func Parse(input string) (Expr, error) {
	p := &parser{lex: newLexer(input)}
	if err := p.next(); err != nil {
		return nil, err
	}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at position %d", p.tok.text, p.tok.pos)
	}
	return expr, nil
}

// ParseAttrPath parses a bare attribute path (as used by sortBy and the
// attributes parameters).
func ParseAttrPath(s string) (AttrPath, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return AttrPath{}, fmt.Errorf("empty attribute path")
	}
	return splitAttrPath(s)
}

type tokKind int

const (
	tokEOF tokKind = iota
	tokWord
	tokString
	tokNumber
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
)

type token struct {
	kind tokKind
	text string
	num  float64
	pos  int
}

type lexer struct {
	input string
	pos   int
}

func newLexer(input string) *lexer { return &lexer{input: input} }

func (l *lexer) lex() (token, error) {
	for l.pos < len(l.input) && l.input[l.pos] == ' ' {
		l.pos++
	}
	if l.pos >= len(l.input) {
		return token{kind: tokEOF, pos: l.pos}, nil
	}
	start := l.pos
	switch c := l.input[l.pos]; {
	case c == '(':
		l.pos++
		return token{kind: tokLParen, text: "(", pos: start}, nil
	case c == ')':
		l.pos++
		return token{kind: tokRParen, text: ")", pos: start}, nil
	case c == '[':
		l.pos++
		return token{kind: tokLBracket, text: "[", pos: start}, nil
	case c == ']':
		l.pos++
		return token{kind: tokRBracket, text: "]", pos: start}, nil
	case c == '"':
		return l.lexString()
	case c == '-' || (c >= '0' && c <= '9'):
		return l.lexNumber()
	default:
		return l.lexWord()
	}
}

func (l *lexer) lexString() (token, error) {
	start := l.pos
	l.pos++ // opening quote
	var b strings.Builder
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		switch c {
		case '"':
			l.pos++
			return token{kind: tokString, text: b.String(), pos: start}, nil
		case '\\':
			l.pos++
			if l.pos >= len(l.input) {
				return token{}, fmt.Errorf("unterminated escape at position %d", l.pos)
			}
			switch e := l.input[l.pos]; e {
			case '"', '\\', '/':
				b.WriteByte(e)
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			default:
				b.WriteByte('\\')
				b.WriteByte(e)
			}
			l.pos++
		default:
			b.WriteByte(c)
			l.pos++
		}
	}
	return token{}, fmt.Errorf("unterminated string starting at position %d", start)
}

func (l *lexer) lexNumber() (token, error) {
	start := l.pos
	if l.input[l.pos] == '-' {
		l.pos++
	}
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		if (c >= '0' && c <= '9') || c == '.' || c == 'e' || c == 'E' || c == '+' || c == '-' {
			l.pos++
			continue
		}
		break
	}
	text := l.input[start:l.pos]
	n, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return token{}, fmt.Errorf("invalid number %q at position %d", text, start)
	}
	return token{kind: tokNumber, text: text, num: n, pos: start}, nil
}

func isWordChar(c byte) bool {
	return c == '_' || c == '-' || c == '.' || c == ':' || c == '$' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func (l *lexer) lexWord() (token, error) {
	start := l.pos
	for l.pos < len(l.input) && isWordChar(l.input[l.pos]) {
		l.pos++
	}
	if l.pos == start {
		return token{}, fmt.Errorf("unexpected character %q at position %d", l.input[start], start)
	}
	return token{kind: tokWord, text: l.input[start:l.pos], pos: start}, nil
}

type parser struct {
	lex *lexer
	tok token
}

func (p *parser) next() error {
	t, err := p.lex.lex()
	if err != nil {
		return err
	}
	p.tok = t
	return nil
}

func (p *parser) wordIs(s string) bool {
	return p.tok.kind == tokWord && strings.EqualFold(p.tok.text, s)
}

// parseOr: parseAnd ( "or" parseAnd )*
func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	exprs := []Expr{left}
	for p.wordIs("or") {
		if err := p.next(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, right)
	}
	if len(exprs) == 1 {
		return left, nil
	}
	return &Or{Exprs: exprs}, nil
}

// parseAnd: parseUnary ( "and" parseUnary )*
func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	exprs := []Expr{left}
	for p.wordIs("and") {
		if err := p.next(); err != nil {
			return nil, err
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, right)
	}
	if len(exprs) == 1 {
		return left, nil
	}
	return &And{Exprs: exprs}, nil
}

// parseUnary: "not" "(" filter ")" | "(" filter ")" | attrExp | valuePath
func (p *parser) parseUnary() (Expr, error) {
	switch {
	case p.wordIs("not"):
		if err := p.next(); err != nil {
			return nil, err
		}
		if p.tok.kind != tokLParen {
			return nil, fmt.Errorf("expected ( after not at position %d", p.tok.pos)
		}
		inner, err := p.parseParen()
		if err != nil {
			return nil, err
		}
		return &Not{Expr: inner}, nil
	case p.tok.kind == tokLParen:
		return p.parseParen()
	case p.tok.kind == tokWord:
		return p.parseAttrExpr()
	default:
		return nil, fmt.Errorf("unexpected %q at position %d", p.tok.text, p.tok.pos)
	}
}

func (p *parser) parseParen() (Expr, error) {
	if err := p.next(); err != nil { // consume (
		return nil, err
	}
	inner, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokRParen {
		return nil, fmt.Errorf("missing closing parenthesis at position %d", p.tok.pos)
	}
	if err := p.next(); err != nil {
		return nil, err
	}
	return inner, nil
}

func (p *parser) parseAttrExpr() (Expr, error) {
	attr, err := splitAttrPath(p.tok.text)
	if err != nil {
		return nil, fmt.Errorf("%v at position %d", err, p.tok.pos)
	}
	if err := p.next(); err != nil {
		return nil, err
	}

	// valuePath: attr[filter]
	if p.tok.kind == tokLBracket {
		if attr.Sub != "" {
			return nil, fmt.Errorf("value path on sub-attribute %q", attr.String())
		}
		if err := p.next(); err != nil {
			return nil, err
		}
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokRBracket {
			return nil, fmt.Errorf("missing closing bracket at position %d", p.tok.pos)
		}
		if err := p.next(); err != nil {
			return nil, err
		}
		return &ValuePath{Attr: attr, Filter: inner}, nil
	}

	if p.tok.kind != tokWord {
		return nil, fmt.Errorf("expected operator after %q at position %d", attr.String(), p.tok.pos)
	}
	opWord := strings.ToLower(p.tok.text)
	if opWord == "pr" {
		if err := p.next(); err != nil {
			return nil, err
		}
		return &Present{Attr: attr}, nil
	}
	switch Op(opWord) {
	case OpEq, OpNe, OpCo, OpSw, OpEw, OpGt, OpGe, OpLt, OpLe:
	default:
		return nil, fmt.Errorf("unknown operator %q at position %d", p.tok.text, p.tok.pos)
	}
	if err := p.next(); err != nil {
		return nil, err
	}

	var value any
	switch p.tok.kind {
	case tokString:
		value = p.tok.text
	case tokNumber:
		value = p.tok.num
	case tokWord:
		switch strings.ToLower(p.tok.text) {
		case "true":
			value = true
		case "false":
			value = false
		case "null":
			value = nil
		default:
			return nil, fmt.Errorf("invalid comparison value %q at position %d", p.tok.text, p.tok.pos)
		}
	default:
		return nil, fmt.Errorf("missing comparison value at position %d", p.tok.pos)
	}
	if err := p.next(); err != nil {
		return nil, err
	}
	return &Compare{Attr: attr, Op: Op(opWord), Value: value}, nil
}

// splitAttrPath splits a raw attribute token into URN, name, and
// sub-attribute. URN-qualified paths split at the last colon; the remainder
// splits at the first dot.
func splitAttrPath(raw string) (AttrPath, error) {
	var a AttrPath
	rest := raw
	if i := strings.LastIndex(raw, ":"); i >= 0 {
		a.URN = raw[:i]
		rest = raw[i+1:]
	}
	if rest == "" {
		return a, fmt.Errorf("invalid attribute path %q", raw)
	}
	if i := strings.Index(rest, "."); i >= 0 {
		a.Name = rest[:i]
		a.Sub = rest[i+1:]
		if a.Name == "" || a.Sub == "" {
			return a, fmt.Errorf("invalid attribute path %q", raw)
		}
	} else {
		a.Name = rest
	}
	return a, nil
}
