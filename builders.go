package abac

import "time"

// Builders provide a fluent API for creating Policies, Roles and Users, and
// constructors for condition trees.

// Cmp builds a simple node comparing attr against a literal.
func Cmp(attr string, op Operator, value any) *Condition {
	return &Condition{Type: NodeSimple, Attribute: attr, Operator: op, Value: value}
}

// CmpRef builds a simple node comparing attr against the attribute at ref.
func CmpRef(attr string, op Operator, ref string) *Condition {
	return &Condition{Type: NodeSimple, Attribute: attr, Operator: op, Ref: ref}
}

func Eq(attr string, v any) *Condition        { return Cmp(attr, OpEquals, v) }
func Ne(attr string, v any) *Condition        { return Cmp(attr, OpNotEquals, v) }
func Gt(attr string, v any) *Condition        { return Cmp(attr, OpGreaterThan, v) }
func Gte(attr string, v any) *Condition       { return Cmp(attr, OpGreaterThanOrEqual, v) }
func Lt(attr string, v any) *Condition        { return Cmp(attr, OpLessThan, v) }
func Lte(attr string, v any) *Condition       { return Cmp(attr, OpLessThanOrEqual, v) }
func In(attr string, vs ...any) *Condition    { return Cmp(attr, OpIn, vs) }
func NotIn(attr string, vs ...any) *Condition { return Cmp(attr, OpNotIn, vs) }
func Contains(attr string, v any) *Condition  { return Cmp(attr, OpContains, v) }
func StartsWith(attr, p string) *Condition    { return Cmp(attr, OpStartsWith, p) }
func EndsWith(attr, s string) *Condition      { return Cmp(attr, OpEndsWith, s) }
func Matches(attr, pattern string) *Condition { return Cmp(attr, OpMatchesRegex, pattern) }
func Exists(attr string) *Condition {
	return &Condition{Type: NodeSimple, Attribute: attr, Operator: OpExists}
}
func NotExists(attr string) *Condition {
	return &Condition{Type: NodeSimple, Attribute: attr, Operator: OpNotExists}
}
func EqRef(attr, ref string) *Condition     { return CmpRef(attr, OpEquals, ref) }
func And(children ...*Condition) *Condition { return group(LogicAnd, children) }
func Or(children ...*Condition) *Condition  { return group(LogicOr, children) }
func Not(child *Condition) *Condition       { return group(LogicNot, []*Condition{child}) }
func group(l Logic, c []*Condition) *Condition {
	return &Condition{Type: NodeGroup, Logic: l, Children: c}
}

// Target pins a policy to a resource type and action. Wildcard or "" leaves a
// dimension open.
func Target(resourceType, action string) *Condition {
	var parts []*Condition
	if resourceType != "" && resourceType != Wildcard {
		parts = append(parts, Eq("resource.type", resourceType))
	}
	if action != "" && action != Wildcard {
		parts = append(parts, Eq("action.name", action))
	}
	switch len(parts) {
	case 0:
		return nil
	case 1:
		return parts[0]
	}
	return And(parts...)
}

// PolicyBuilder builds a Policy
type PolicyBuilder struct {
	p *Policy
}

func NewPolicy(name string) *PolicyBuilder {
	return &PolicyBuilder{p: &Policy{Name: name, Effect: EffectPermit, Status: StatusActive}}
}

func (b *PolicyBuilder) ID(id string) *PolicyBuilder         { b.p.ID = id; return b }
func (b *PolicyBuilder) Description(d string) *PolicyBuilder { b.p.Description = d; return b }
func (b *PolicyBuilder) Permit() *PolicyBuilder              { b.p.Effect = EffectPermit; return b }
func (b *PolicyBuilder) Deny() *PolicyBuilder                { b.p.Effect = EffectDeny; return b }
func (b *PolicyBuilder) Priority(p int) *PolicyBuilder       { b.p.Priority = p; return b }
func (b *PolicyBuilder) Inactive() *PolicyBuilder            { b.p.Status = StatusInactive; return b }
func (b *PolicyBuilder) Target(c *Condition) *PolicyBuilder  { b.p.Target = c; return b }
func (b *PolicyBuilder) For(resourceType, action string) *PolicyBuilder {
	b.p.Target = Target(resourceType, action)
	return b
}
func (b *PolicyBuilder) Rule(id string, c *Condition) *PolicyBuilder {
	b.p.Rules = append(b.p.Rules, Rule{ID: id, Condition: c})
	return b
}
func (b *PolicyBuilder) When(expr string) *PolicyBuilder {
	return b.Rule("", MustParseCondition(expr))
}
func (b *PolicyBuilder) EffectiveBetween(from, to time.Time) *PolicyBuilder {
	if !from.IsZero() {
		b.p.EffectiveFrom = &from
	}
	if !to.IsZero() {
		b.p.EffectiveTo = &to
	}
	return b
}
func (b *PolicyBuilder) Build() *Policy { return b.p }

// RoleBuilder builds a Role
type RoleBuilder struct {
	r *Role
}

func NewRole(name string) *RoleBuilder {
	return &RoleBuilder{r: &Role{Name: name, IsActive: true}}
}
func (b *RoleBuilder) ID(id string) *RoleBuilder         { b.r.ID = id; return b }
func (b *RoleBuilder) DisplayName(n string) *RoleBuilder { b.r.DisplayName = n; return b }
func (b *RoleBuilder) Parent(parent string) *RoleBuilder { b.r.ParentID = parent; return b }
func (b *RoleBuilder) Priority(p int) *RoleBuilder       { b.r.Priority = p; return b }
func (b *RoleBuilder) Inactive() *RoleBuilder            { b.r.IsActive = false; return b }
func (b *RoleBuilder) Attr(k string, v any) *RoleBuilder {
	if b.r.Attributes == nil {
		b.r.Attributes = make(map[string]any)
	}
	b.r.Attributes[k] = v
	return b
}
func (b *RoleBuilder) Build() *Role { return b.r }

// UserBuilder builds a User
type UserBuilder struct {
	u *User
}

func NewUser(name string) *UserBuilder {
	return &UserBuilder{u: &User{Name: name, IsActive: true}}
}
func (b *UserBuilder) ID(id string) *UserBuilder { b.u.ID = id; return b }
func (b *UserBuilder) Inactive() *UserBuilder    { b.u.IsActive = false; return b }
func (b *UserBuilder) Attr(k string, v any) *UserBuilder {
	if b.u.Attributes == nil {
		b.u.Attributes = make(map[string]any)
	}
	b.u.Attributes[k] = v
	return b
}
func (b *UserBuilder) Build() *User { return b.u }
