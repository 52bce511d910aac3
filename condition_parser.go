package abac

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// ParseCondition parses the textual form produced by Condition.String back into a
// tree, so conditions can be authored as one-liners:
//
//	user.department == resource.department AND NOT user.status in ["suspended", "locked"]
//
// Comparisons take a literal (string, number, boolean or list) or another attribute
// path on the right. NOT binds tighter than AND, which binds tighter than OR.
func ParseCondition(s string) (*Condition, error) {
	toks, err := lexCondition(s)
	if err != nil {
		return nil, err
	}
	p := &condParser{toks: toks}
	c, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.done() {
		return nil, p.errorf("unexpected %q", p.peek().text)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// MustParseCondition is ParseCondition for literals known to be valid; it panics otherwise.
func MustParseCondition(s string) *Condition {
	c, err := ParseCondition(s)
	if err != nil {
		panic(err)
	}
	return c
}

type tokKind int

const (
	tokIdent tokKind = iota
	tokString
	tokNumber
	tokSymbol
)

type condToken struct {
	kind tokKind
	text string
	pos  int
}

func lexCondition(s string) ([]condToken, error) {
	var toks []condToken
	i := 0
	for i < len(s) {
		ch := rune(s[i])
		switch {
		case unicode.IsSpace(ch):
			i++
		case ch == '"' || ch == '\'':
			j := i + 1
			for j < len(s) && s[j] != s[i] {
				if s[j] == '\\' {
					j++
				}
				j++
			}
			if j >= len(s) {
				return nil, fmt.Errorf("%w: unterminated string at %d", ErrInvalidCondition, i)
			}
			raw := s[i : j+1]
			if ch == '\'' {
				raw = `"` + strings.ReplaceAll(raw[1:len(raw)-1], `"`, `\"`) + `"`
			}
			text, err := strconv.Unquote(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: bad string at %d: %v", ErrInvalidCondition, i, err)
			}
			toks = append(toks, condToken{kind: tokString, text: text, pos: i})
			i = j + 1
		case ch == '-' || unicode.IsDigit(ch):
			j := i + 1
			for j < len(s) && (unicode.IsDigit(rune(s[j])) || s[j] == '.') {
				j++
			}
			toks = append(toks, condToken{kind: tokNumber, text: s[i:j], pos: i})
			i = j
		case ch == '_' || unicode.IsLetter(ch):
			j := i + 1
			for j < len(s) && (s[j] == '_' || s[j] == '.' || unicode.IsLetter(rune(s[j])) || unicode.IsDigit(rune(s[j]))) {
				j++
			}
			toks = append(toks, condToken{kind: tokIdent, text: s[i:j], pos: i})
			i = j
		default:
			if i+1 < len(s) {
				if two := s[i : i+2]; two == "==" || two == "!=" || two == ">=" || two == "<=" {
					toks = append(toks, condToken{kind: tokSymbol, text: two, pos: i})
					i += 2
					continue
				}
			}
			if !strings.ContainsRune("=<>()[],", ch) {
				return nil, fmt.Errorf("%w: unexpected %q at %d", ErrInvalidCondition, ch, i)
			}
			toks = append(toks, condToken{kind: tokSymbol, text: string(ch), pos: i})
			i++
		}
	}
	return toks, nil
}

type condParser struct {
	toks []condToken
	i    int
}

func (p *condParser) done() bool { return p.i >= len(p.toks) }

func (p *condParser) peek() condToken {
	if p.done() {
		return condToken{pos: -1}
	}
	return p.toks[p.i]
}

func (p *condParser) errorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s at token %d", ErrInvalidCondition, fmt.Sprintf(format, args...), p.i)
}

// keyword reports and consumes an identifier token matching word, in any case.
func (p *condParser) keyword(word string) bool {
	t := p.peek()
	if t.kind == tokIdent && strings.EqualFold(t.text, word) && !p.done() {
		p.i++
		return true
	}
	return false
}

func (p *condParser) symbol(sym string) bool {
	t := p.peek()
	if t.kind == tokSymbol && t.text == sym && !p.done() {
		p.i++
		return true
	}
	return false
}

func (p *condParser) parseOr() (*Condition, error) {
	return p.parseChain(LogicOr, p.parseAnd)
}

func (p *condParser) parseAnd() (*Condition, error) {
	return p.parseChain(LogicAnd, p.parseUnary)
}

func (p *condParser) parseChain(logic Logic, next func() (*Condition, error)) (*Condition, error) {
	first, err := next()
	if err != nil {
		return nil, err
	}
	children := []*Condition{first}
	for p.keyword(string(logic)) {
		c, err := next()
		if err != nil {
			return nil, err
		}
		children = append(children, c)
	}
	if len(children) == 1 {
		return first, nil
	}
	return &Condition{Type: NodeGroup, Logic: logic, Children: children}, nil
}

func (p *condParser) parseUnary() (*Condition, error) {
	if p.keyword("NOT") {
		c, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Condition{Type: NodeGroup, Logic: LogicNot, Children: []*Condition{c}}, nil
	}
	if p.symbol("(") {
		c, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if !p.symbol(")") {
			return nil, p.errorf("expected )")
		}
		return c, nil
	}
	return p.parseComparison()
}

func (p *condParser) parseComparison() (*Condition, error) {
	t := p.peek()
	if t.kind != tokIdent || p.done() {
		return nil, p.errorf("expected attribute path")
	}
	p.i++
	c := &Condition{Type: NodeSimple, Attribute: t.text}
	op, err := p.parseOperator()
	if err != nil {
		return nil, err
	}
	c.Operator = op
	if !op.needsValue() {
		return c, nil
	}
	next := p.peek()
	if next.kind == tokIdent && !isLiteralWord(next.text) && !p.done() {
		p.i++
		c.Ref = next.text
		return c, nil
	}
	v, err := p.parseLiteral()
	if err != nil {
		return nil, err
	}
	c.Value = v
	return c, nil
}

func (p *condParser) parseOperator() (Operator, error) {
	t := p.peek()
	if p.done() {
		return "", p.errorf("expected operator")
	}
	if t.kind == tokSymbol {
		op, err := ParseOperator(t.text)
		if err != nil {
			return "", p.errorf("unknown operator %q", t.text)
		}
		p.i++
		return op, nil
	}
	switch {
	case p.keyword("in"):
		return OpIn, nil
	case p.keyword("contains"):
		return OpContains, nil
	case p.keyword("matches"):
		return OpMatchesRegex, nil
	case p.keyword("exists"):
		return OpExists, nil
	case p.keyword("starts"):
		if !p.keyword("with") {
			return "", p.errorf("expected 'with'")
		}
		return OpStartsWith, nil
	case p.keyword("ends"):
		if !p.keyword("with") {
			return "", p.errorf("expected 'with'")
		}
		return OpEndsWith, nil
	case p.keyword("not"):
		switch {
		case p.keyword("in"):
			return OpNotIn, nil
		case p.keyword("contains"):
			return OpNotContains, nil
		case p.keyword("exists"):
			return OpNotExists, nil
		}
		return "", p.errorf("expected in, contains or exists after not")
	}
	if op, err := ParseOperator(t.text); err == nil {
		p.i++
		return op, nil
	}
	return "", p.errorf("unknown operator %q", t.text)
}

func isLiteralWord(s string) bool {
	switch strings.ToLower(s) {
	case "true", "false":
		return true
	}
	return false
}

func (p *condParser) parseLiteral() (any, error) {
	t := p.peek()
	if p.done() {
		return nil, p.errorf("expected value")
	}
	switch t.kind {
	case tokString:
		p.i++
		return t.text, nil
	case tokNumber:
		p.i++
		if strings.Contains(t.text, ".") {
			f, err := strconv.ParseFloat(t.text, 64)
			if err != nil {
				return nil, p.errorf("bad number %q", t.text)
			}
			return f, nil
		}
		n, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			return nil, p.errorf("bad number %q", t.text)
		}
		return n, nil
	case tokIdent:
		if isLiteralWord(t.text) {
			p.i++
			return strings.EqualFold(t.text, "true"), nil
		}
	case tokSymbol:
		if t.text == "[" {
			p.i++
			list := []any{}
			if p.symbol("]") {
				return list, nil
			}
			for {
				v, err := p.parseLiteral()
				if err != nil {
					return nil, err
				}
				list = append(list, v)
				if p.symbol("]") {
					return list, nil
				}
				if !p.symbol(",") {
					return nil, p.errorf("expected , or ]")
				}
			}
		}
	}
	return nil, p.errorf("unexpected %q", t.text)
}

// ============================================================================
// STRING FORM IN CONFIG
// ============================================================================

// UnmarshalJSON accepts either the structured node or its textual form.
func (c *Condition) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		parsed, err := ParseCondition(s)
		if err != nil {
			return err
		}
		*c = *parsed
		return nil
	}
	type plain Condition
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*c = Condition(p)
	return nil
}

func (c *Condition) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		parsed, err := ParseCondition(n.Value)
		if err != nil {
			return err
		}
		*c = *parsed
		return nil
	}
	type plain Condition
	var p plain
	if err := n.Decode(&p); err != nil {
		return err
	}
	*c = Condition(p)
	return nil
}
