package abac

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// ============================================================================
// COMPILED POLICIES
// ============================================================================

type compiledNode struct {
	cond     *Condition
	expr     string
	re       *regexp.Regexp
	children []*compiledNode
}

type compiledRule struct {
	id   string
	root *compiledNode
}

// CompiledPolicy is a validated policy with its regexes compiled once, ready for
// repeated concurrent evaluation. Err is set when the policy could not be compiled;
// such a policy is indexed so it can be reported, but it never fires.
type CompiledPolicy struct {
	P   *Policy
	Err error

	target        *compiledNode
	rules         []compiledRule
	resourceTypes []string
	actions       []string
}

// CompilePolicy validates p and compiles its target and rules.
func CompilePolicy(p *Policy) (*CompiledPolicy, error) {
	cp := &CompiledPolicy{P: p}
	cp.resourceTypes, cp.actions = targetKeys(p.Target)
	if err := cp.compile(); err != nil {
		cp.Err = fmt.Errorf("policy %s: %w", p.Name, err)
		return cp, cp.Err
	}
	return cp, nil
}

func (cp *CompiledPolicy) compile() error {
	p := cp.P
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidPolicy)
	}
	if !p.Effect.Valid() {
		return fmt.Errorf("%w: effect %q", ErrInvalidPolicy, p.Effect)
	}
	if p.Status != "" && p.Status != StatusActive && p.Status != StatusInactive {
		return fmt.Errorf("%w: status %q", ErrInvalidPolicy, p.Status)
	}
	if p.EffectiveFrom != nil && p.EffectiveTo != nil && !p.EffectiveFrom.Before(*p.EffectiveTo) {
		return fmt.Errorf("%w: effective_from must precede effective_to", ErrInvalidPolicy)
	}
	if p.Target != nil {
		if err := p.Target.Validate(); err != nil {
			return fmt.Errorf("target: %w", err)
		}
		for _, attr := range p.Target.Attributes() {
			switch namespaceOf(attr) {
			case NamespaceUser, NamespaceResource, NamespaceAction:
			default:
				return fmt.Errorf("%w: %s is outside user/resource/action", ErrInvalidTarget, attr)
			}
		}
		target, err := compileNode(p.Target)
		if err != nil {
			return fmt.Errorf("target: %w", err)
		}
		cp.target = target
	}
	seen := make(map[string]struct{}, len(p.Rules))
	for i, r := range p.Rules {
		id := r.ID
		if id == "" {
			id = fmt.Sprintf("%s#%d", p.Name, i+1)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: duplicate rule id %s", ErrInvalidPolicy, id)
		}
		seen[id] = struct{}{}
		if r.Condition == nil {
			return fmt.Errorf("%w: rule %s has no condition", ErrInvalidPolicy, id)
		}
		if err := r.Condition.Validate(); err != nil {
			return fmt.Errorf("rule %s: %w", id, err)
		}
		root, err := compileNode(r.Condition)
		if err != nil {
			return fmt.Errorf("rule %s: %w", id, err)
		}
		cp.rules = append(cp.rules, compiledRule{id: id, root: root})
	}
	return nil
}

func compileNode(c *Condition) (*compiledNode, error) {
	n := &compiledNode{cond: c, expr: c.String()}
	if c.Kind() == NodeSimple {
		if c.Operator == OpMatchesRegex {
			re, err := regexp.Compile(c.Value.(string))
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrRegexCompile, c.Attribute, err)
			}
			n.re = re
		}
		return n, nil
	}
	n.children = make([]*compiledNode, len(c.Children))
	for i, child := range c.Children {
		cn, err := compileNode(child)
		if err != nil {
			return nil, err
		}
		n.children[i] = cn
	}
	return n, nil
}

// targetKeys extracts the resource types and actions a target is pinned to, for
// candidate indexing. A nil result means the dimension is unconstrained. Only a
// simple target or the direct children of a top-level AND are inspected, which
// keeps the index a superset of the policies whose target can be TRUE.
func targetKeys(t *Condition) (resourceTypes, actions []string) {
	if t == nil {
		return nil, nil
	}
	nodes := []*Condition{t}
	if t.Kind() == NodeGroup {
		if t.Logic != LogicAnd {
			return nil, nil
		}
		nodes = t.Children
	}
	for _, n := range nodes {
		if n == nil || n.Kind() != NodeSimple || n.Ref != "" {
			continue
		}
		var vals []string
		switch n.Operator {
		case OpEquals:
			if s, ok := n.Value.(string); ok {
				vals = []string{s}
			}
		case OpIn:
			list, _ := asList(n.Value)
			for _, item := range list {
				s, ok := item.(string)
				if !ok {
					vals = nil
					break
				}
				vals = append(vals, s)
			}
		}
		if len(vals) == 0 {
			continue
		}
		switch n.Attribute {
		case "resource.type":
			if resourceTypes == nil {
				resourceTypes = vals
			}
		case "action.name":
			if actions == nil {
				actions = vals
			}
		}
	}
	return resourceTypes, actions
}

// ============================================================================
// EVALUATION
// ============================================================================

type evaluator struct {
	ctx     context.Context
	bag     Bag
	explain bool
	// hideEnv masks environment attributes while a target is evaluated.
	hideEnv bool
}

func (ev *evaluator) lookup(path string) (any, bool) {
	if ev.hideEnv && strings.HasPrefix(path, NamespaceEnvironment+".") {
		return nil, false
	}
	return ev.bag.Get(path)
}

func (ev *evaluator) eval(n *compiledNode, depth int) (Tri, *ConditionTrace, error) {
	if depth > MaxConditionDepth {
		return Indeterminate, nil, fmt.Errorf("%w: depth %d", ErrMaxConditionDepthExceeded, depth)
	}
	c := n.cond
	if c.Kind() == NodeSimple {
		res := ev.simple(n)
		if ev.explain {
			return res, &ConditionTrace{Expression: n.expr, Result: res}, nil
		}
		return res, nil, nil
	}
	if err := ev.ctx.Err(); err != nil {
		return Indeterminate, nil, timeoutError(err)
	}
	var trace *ConditionTrace
	if ev.explain {
		trace = &ConditionTrace{Expression: n.expr, Children: make([]ConditionTrace, 0, len(n.children))}
	}
	results := make([]Tri, 0, len(n.children))
	for _, child := range n.children {
		res, ct, err := ev.eval(child, depth+1)
		if err != nil {
			return Indeterminate, nil, err
		}
		results = append(results, res)
		if ct != nil {
			trace.Children = append(trace.Children, *ct)
		}
		if !ev.explain && ((c.Logic == LogicAnd && res == False) || (c.Logic == LogicOr && res == True)) {
			break
		}
	}
	var out Tri
	switch c.Logic {
	case LogicAnd:
		out = All(results...)
	case LogicOr:
		out = Any(results...)
	case LogicNot:
		out = results[0].Not()
	}
	if trace != nil {
		trace.Result = out
	}
	return out, trace, nil
}

func (ev *evaluator) simple(n *compiledNode) Tri {
	c := n.cond
	actual, present := ev.lookup(c.Attribute)
	switch c.Operator {
	case OpExists:
		return triOf(present)
	case OpNotExists:
		return triOf(!present)
	}
	if !present {
		return Indeterminate
	}
	operand := c.Value
	if c.Ref != "" {
		v, ok := ev.lookup(c.Ref)
		if !ok {
			return Indeterminate
		}
		operand = v
	}
	return apply(c.Operator, actual, operand, n.re)
}

// matchTarget evaluates the target against the bag with environment attributes hidden.
// A policy without a target applies to every request.
func (cp *CompiledPolicy) matchTarget(ev *evaluator) (Tri, error) {
	if cp.target == nil {
		return True, nil
	}
	ev.hideEnv = true
	defer func() { ev.hideEnv = false }()
	res, _, err := ev.eval(cp.target, 1)
	return res, err
}

// evaluate runs the target and, when it matched, every rule. A policy without rules
// fires on its target alone.
func (cp *CompiledPolicy) evaluate(ev *evaluator) (PolicyTrace, bool, error) {
	pt := PolicyTrace{
		PolicyID:   cp.P.Ident(),
		PolicyName: cp.P.Name,
		Priority:   cp.P.Priority,
		Effect:     cp.P.Effect,
		FiredRules: []string{},
	}
	target, err := cp.matchTarget(ev)
	if err != nil {
		return pt, false, err
	}
	pt.Target = target
	pt.TargetMatched = target == True
	if !pt.TargetMatched {
		return pt, false, nil
	}
	if len(cp.rules) == 0 {
		return pt, true, nil
	}
	for _, r := range cp.rules {
		res, ct, err := ev.eval(r.root, 1)
		if err != nil {
			return pt, false, err
		}
		if res == True {
			pt.FiredRules = append(pt.FiredRules, r.id)
		}
		if ev.explain {
			pt.Rules = append(pt.Rules, RuleTrace{RuleID: r.id, Result: res, Condition: ct})
		}
	}
	return pt, len(pt.FiredRules) > 0, nil
}
