package abac

import (
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func nested(depth int) *Condition {
	c := Eq("user.a", 1)
	for i := 1; i < depth; i++ {
		c = Not(c)
	}
	return c
}

func TestConditionValidateDepth(t *testing.T) {
	if err := nested(MaxConditionDepth).Validate(); err != nil {
		t.Fatalf("depth %d should be valid: %v", MaxConditionDepth, err)
	}
	err := nested(MaxConditionDepth + 1).Validate()
	if !errors.Is(err, ErrMaxConditionDepthExceeded) {
		t.Fatalf("expected ErrMaxConditionDepthExceeded, got %v", err)
	}
}

func TestConditionValidateStructure(t *testing.T) {
	bad := []*Condition{
		{Type: NodeSimple, Operator: OpEquals, Value: 1},
		{Type: NodeSimple, Attribute: "user.a", Operator: "LIKE", Value: 1},
		{Type: NodeSimple, Attribute: "user.a", Operator: OpEquals},
		{Type: NodeSimple, Attribute: "user.a", Operator: OpIn, Value: "x"},
		{Type: NodeSimple, Attribute: "user.a", Operator: OpMatchesRegex, Ref: "user.b"},
		{Type: NodeGroup, Logic: LogicAnd},
		{Type: NodeGroup, Logic: LogicNot, Children: []*Condition{Exists("user.a"), Exists("user.b")}},
		{Type: NodeGroup, Logic: "XOR", Children: []*Condition{Exists("user.a")}},
	}
	for i, c := range bad {
		if err := c.Validate(); !errors.Is(err, ErrInvalidCondition) {
			t.Fatalf("case %d: expected ErrInvalidCondition, got %v", i, err)
		}
	}
	if err := Exists("user.a").Validate(); err != nil {
		t.Fatalf("exists needs no value: %v", err)
	}
}

func TestConditionAttributes(t *testing.T) {
	c := And(EqRef("user.department", "resource.department"), Or(Gt("user.level", 2), Not(Exists("user.flag"))))
	got := c.Attributes()
	want := []string{"resource.department", "user.department", "user.flag", "user.level"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if c.Depth() != 4 {
		t.Fatalf("expected depth 4, got %d", c.Depth())
	}
}

func TestApplyOperators(t *testing.T) {
	when := time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC)
	re := regexp.MustCompile(`^PR-\d+$`)
	cases := []struct {
		name    string
		op      Operator
		actual  any
		operand any
		want    Tri
	}{
		{"numeric equality across types", OpEquals, int64(5), 5.0, True},
		{"case sensitive strings", OpEquals, "Finance", "finance", False},
		{"unrelated types are unequal", OpEquals, "5", 5, False},
		{"not equals", OpNotEquals, "a", "b", True},
		{"greater than", OpGreaterThan, 10, 2, True},
		{"lexical ordering", OpLessThan, "apple", "banana", True},
		{"incomparable ordering", OpGreaterThan, "ten", 2, Indeterminate},
		{"time ordering against string", OpGreaterThanOrEqual, when, "2025-01-01", True},
		{"in list", OpIn, "eng", []any{"ops", "eng"}, True},
		{"list overlaps list", OpIn, []any{"a", "b"}, []any{"b", "c"}, True},
		{"not in list", OpNotIn, "hr", []any{"ops", "eng"}, True},
		{"list contains", OpContains, []string{"admin", "user"}, "admin", True},
		{"substring contains", OpContains, "purchase_request", "chase", True},
		{"contains on number", OpContains, 42, "4", Indeterminate},
		{"not contains", OpNotContains, []any{"a"}, "b", True},
		{"starts with", OpStartsWith, "PR-100", "PR-", True},
		{"ends with", OpEndsWith, "report.pdf", ".doc", False},
		{"regex", OpMatchesRegex, "PR-1234", nil, True},
		{"regex on number", OpMatchesRegex, 1234, nil, Indeterminate},
	}
	for _, c := range cases {
		got := apply(c.op, c.actual, c.operand, re)
		if got != c.want {
			t.Fatalf("%s: expected %s, got %s", c.name, c.want, got)
		}
	}
}

func TestParseConditionRoundTrip(t *testing.T) {
	exprs := []string{
		`user.department == resource.department`,
		`(user.level >= 3 AND user.status != "suspended")`,
		`NOT user.roles contains "contractor"`,
		`(user.region in ["eu", "us"] OR resource.public == true)`,
		`resource.name starts with "PR-"`,
		`user.email matches "^[a-z]+@example\\.com$"`,
		`user.manager exists`,
		`user.deleted_at not exists`,
		`(resource.amount < 1000.5 AND resource.tags not in ["restricted"])`,
	}
	for _, expr := range exprs {
		c, err := ParseCondition(expr)
		if err != nil {
			t.Fatalf("parse %q: %v", expr, err)
		}
		again, err := ParseCondition(c.String())
		if err != nil {
			t.Fatalf("reparse %q (from %q): %v", c.String(), expr, err)
		}
		if again.String() != c.String() {
			t.Fatalf("round trip changed %q into %q", c.String(), again.String())
		}
	}
}

func TestParseConditionPrecedence(t *testing.T) {
	c := MustParseCondition(`user.a == 1 OR user.b == 2 AND NOT user.c == 3`)
	if c.Logic != LogicOr || len(c.Children) != 2 {
		t.Fatalf("expected OR at the root, got %s", c)
	}
	and := c.Children[1]
	if and.Logic != LogicAnd || and.Children[1].Logic != LogicNot {
		t.Fatalf("expected AND with a NOT child, got %s", and)
	}
	if v, ok := c.Children[0].Value.(int64); !ok || v != 1 {
		t.Fatalf("expected int64 literal, got %T %v", c.Children[0].Value, c.Children[0].Value)
	}
}

func TestParseConditionErrors(t *testing.T) {
	for _, expr := range []string{
		``,
		`user.a ==`,
		`user.a == "unterminated`,
		`(user.a == 1`,
		`user.a ~ 1`,
		`user.a not like 1`,
		`user.a == 1 user.b == 2`,
	} {
		if _, err := ParseCondition(expr); !errors.Is(err, ErrInvalidCondition) {
			t.Fatalf("%q: expected ErrInvalidCondition, got %v", expr, err)
		}
	}
}

func TestConditionDecodesStringOrTree(t *testing.T) {
	var r Rule
	if err := json.Unmarshal([]byte(`{"id":"r1","condition":"user.level > 2"}`), &r); err != nil {
		t.Fatalf("json string form: %v", err)
	}
	if r.Condition.Operator != OpGreaterThan || r.Condition.Attribute != "user.level" {
		t.Fatalf("unexpected condition %s", r.Condition)
	}

	var tree Rule
	if err := json.Unmarshal([]byte(`{"condition":{"type":"group","logic":"and","children":[{"type":"simple","attribute":"user.a","operator":"==","value":"x"}]}}`), &tree); err != nil {
		t.Fatalf("json tree form: %v", err)
	}
	if tree.Condition.Logic != LogicAnd || tree.Condition.Children[0].Operator != OpEquals {
		t.Fatalf("unexpected tree %s", tree.Condition)
	}

	var y Rule
	doc := "id: r2\ncondition: 'user.region in [\"eu\"]'\n"
	if err := yaml.Unmarshal([]byte(doc), &y); err != nil {
		t.Fatalf("yaml string form: %v", err)
	}
	if y.Condition.Operator != OpIn {
		t.Fatalf("unexpected yaml condition %s", y.Condition)
	}
}
