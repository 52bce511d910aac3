package abac

import (
	"fmt"
	"sort"
	"strings"
)

// ============================================================================
// CONDITIONS
// ============================================================================

// MaxConditionDepth bounds condition tree nesting. A lone simple node has depth 1.
const MaxConditionDepth = 10

// NodeType tags a Condition as a comparison or a logical group.
type NodeType string

const (
	NodeSimple NodeType = "simple"
	NodeGroup  NodeType = "group"
)

// Operator is the comparison applied by a simple node.
type Operator string

const (
	OpEquals             Operator = "EQUALS"
	OpNotEquals          Operator = "NOT_EQUALS"
	OpGreaterThan        Operator = "GREATER_THAN"
	OpGreaterThanOrEqual Operator = "GREATER_THAN_OR_EQUAL"
	OpLessThan           Operator = "LESS_THAN"
	OpLessThanOrEqual    Operator = "LESS_THAN_OR_EQUAL"
	OpIn                 Operator = "IN"
	OpNotIn              Operator = "NOT_IN"
	OpContains           Operator = "CONTAINS"
	OpNotContains        Operator = "NOT_CONTAINS"
	OpStartsWith         Operator = "STARTS_WITH"
	OpEndsWith           Operator = "ENDS_WITH"
	OpMatchesRegex       Operator = "MATCHES_REGEX"
	OpExists             Operator = "EXISTS"
	OpNotExists          Operator = "NOT_EXISTS"
)

var operatorSymbols = map[Operator]string{
	OpEquals:             "==",
	OpNotEquals:          "!=",
	OpGreaterThan:        ">",
	OpGreaterThanOrEqual: ">=",
	OpLessThan:           "<",
	OpLessThanOrEqual:    "<=",
	OpIn:                 "in",
	OpNotIn:              "not in",
	OpContains:           "contains",
	OpNotContains:        "not contains",
	OpStartsWith:         "starts with",
	OpEndsWith:           "ends with",
	OpMatchesRegex:       "matches",
	OpExists:             "exists",
	OpNotExists:          "not exists",
}

var operatorAliases = map[string]Operator{
	"==":      OpEquals,
	"=":       OpEquals,
	"!=":      OpNotEquals,
	">":       OpGreaterThan,
	">=":      OpGreaterThanOrEqual,
	"<":       OpLessThan,
	"<=":      OpLessThanOrEqual,
	"MATCHES": OpMatchesRegex,
	"REGEX":   OpMatchesRegex,
}

// ParseOperator accepts canonical names in any case and the usual symbols.
func ParseOperator(s string) (Operator, error) {
	key := strings.ToUpper(strings.TrimSpace(s))
	if op, ok := operatorAliases[key]; ok {
		return op, nil
	}
	op := Operator(key)
	if _, ok := operatorSymbols[op]; ok {
		return op, nil
	}
	return "", fmt.Errorf("%w: unknown operator %q", ErrInvalidCondition, s)
}

func (o *Operator) UnmarshalText(b []byte) error {
	op, err := ParseOperator(string(b))
	if err != nil {
		return err
	}
	*o = op
	return nil
}

func (o Operator) valid() bool {
	_, ok := operatorSymbols[o]
	return ok
}

func (o Operator) needsValue() bool { return o != OpExists && o != OpNotExists }

func (o Operator) needsList() bool { return o == OpIn || o == OpNotIn }

// Logic is the combinator of a group node.
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
	LogicNot Logic = "NOT"
)

func (l *Logic) UnmarshalText(b []byte) error {
	v := Logic(strings.ToUpper(strings.TrimSpace(string(b))))
	switch v {
	case LogicAnd, LogicOr, LogicNot:
		*l = v
		return nil
	}
	return fmt.Errorf("%w: unknown logical operator %q", ErrInvalidCondition, string(b))
}

// Condition is a tagged union. A simple node compares Attribute against Value, or against
// the attribute named by Ref. A group node combines Children with Logic.
type Condition struct {
	Type      NodeType     `json:"type,omitempty" yaml:"type,omitempty"`
	Attribute string       `json:"attribute,omitempty" yaml:"attribute,omitempty"`
	Operator  Operator     `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value     any          `json:"value" yaml:"value,omitempty"`
	Ref       string       `json:"ref,omitempty" yaml:"ref,omitempty"`
	Logic     Logic        `json:"logic,omitempty" yaml:"logic,omitempty"`
	Children  []*Condition `json:"children,omitempty" yaml:"children,omitempty"`
}

// Kind returns the node type, inferring it from Logic when Type is empty.
func (c *Condition) Kind() NodeType {
	if c.Type != "" {
		return c.Type
	}
	if c.Logic != "" || len(c.Children) > 0 {
		return NodeGroup
	}
	return NodeSimple
}

// Validate checks structure and the depth bound.
func (c *Condition) Validate() error {
	return c.validate(1)
}

func (c *Condition) validate(depth int) error {
	if c == nil {
		return fmt.Errorf("%w: nil node", ErrInvalidCondition)
	}
	if depth > MaxConditionDepth {
		return fmt.Errorf("%w: depth %d exceeds %d", ErrMaxConditionDepthExceeded, depth, MaxConditionDepth)
	}
	switch c.Kind() {
	case NodeSimple:
		if c.Attribute == "" {
			return fmt.Errorf("%w: simple node without attribute", ErrInvalidCondition)
		}
		if !c.Operator.valid() {
			return fmt.Errorf("%w: unknown operator %q on %s", ErrInvalidCondition, c.Operator, c.Attribute)
		}
		if !c.Operator.needsValue() {
			return nil
		}
		if c.Ref != "" {
			if c.Operator == OpMatchesRegex {
				return fmt.Errorf("%w: %s cannot take its pattern from an attribute", ErrInvalidCondition, c.Attribute)
			}
			return nil
		}
		if c.Value == nil {
			return fmt.Errorf("%w: %s %s needs a value", ErrInvalidCondition, c.Attribute, c.Operator)
		}
		if c.Operator.needsList() {
			if _, ok := asList(c.Value); !ok {
				return fmt.Errorf("%w: %s %s needs a list value", ErrInvalidCondition, c.Attribute, c.Operator)
			}
		}
		if c.Operator == OpMatchesRegex {
			if _, ok := c.Value.(string); !ok {
				return fmt.Errorf("%w: %s pattern must be a string", ErrInvalidCondition, c.Attribute)
			}
		}
	case NodeGroup:
		switch c.Logic {
		case LogicAnd, LogicOr:
			if len(c.Children) == 0 {
				return fmt.Errorf("%w: empty %s group", ErrInvalidCondition, c.Logic)
			}
		case LogicNot:
			if len(c.Children) != 1 {
				return fmt.Errorf("%w: NOT takes exactly one child, got %d", ErrInvalidCondition, len(c.Children))
			}
		default:
			return fmt.Errorf("%w: unknown logical operator %q", ErrInvalidCondition, c.Logic)
		}
		for _, child := range c.Children {
			if err := child.validate(depth + 1); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: unknown node type %q", ErrInvalidCondition, c.Type)
	}
	return nil
}

// Depth returns the nesting depth of the tree.
func (c *Condition) Depth() int {
	if c == nil {
		return 0
	}
	deepest := 0
	for _, child := range c.Children {
		if d := child.Depth(); d > deepest {
			deepest = d
		}
	}
	return deepest + 1
}

// Attributes lists every attribute path the tree reads, including Ref targets, sorted.
func (c *Condition) Attributes() []string {
	seen := map[string]struct{}{}
	var walk func(*Condition)
	walk = func(n *Condition) {
		if n == nil {
			return
		}
		if n.Kind() == NodeSimple {
			seen[n.Attribute] = struct{}{}
			if n.Ref != "" {
				seen[n.Ref] = struct{}{}
			}
			return
		}
		for _, child := range n.Children {
			walk(child)
		}
	}
	walk(c)
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (c *Condition) String() string {
	if c == nil {
		return "<nil>"
	}
	if c.Kind() == NodeGroup {
		if c.Logic == LogicNot && len(c.Children) == 1 {
			return "NOT " + c.Children[0].String()
		}
		parts := make([]string, len(c.Children))
		for i, child := range c.Children {
			parts[i] = child.String()
		}
		return "(" + strings.Join(parts, " "+string(c.Logic)+" ") + ")"
	}
	sym, ok := operatorSymbols[c.Operator]
	if !ok {
		sym = string(c.Operator)
	}
	if !c.Operator.needsValue() {
		return c.Attribute + " " + sym
	}
	if c.Ref != "" {
		return fmt.Sprintf("%s %s %s", c.Attribute, sym, c.Ref)
	}
	return fmt.Sprintf("%s %s %s", c.Attribute, sym, formatLiteral(c.Value))
}

func formatLiteral(v any) string {
	if s, ok := v.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	if list, ok := asList(v); ok {
		parts := make([]string, len(list))
		for i, item := range list {
			parts[i] = formatLiteral(item)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	}
	return fmt.Sprint(v)
}
