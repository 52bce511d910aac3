package abac

import (
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// DOMAIN OBJECTS
// ============================================================================

// Effect is the outcome a firing policy contributes.
type Effect string

const (
	EffectPermit Effect = "PERMIT"
	EffectDeny   Effect = "DENY"
)

func (e Effect) Valid() bool { return e == EffectPermit || e == EffectDeny }

// UnmarshalText accepts permit/deny in any case, plus allow as an alias of permit.
func (e *Effect) UnmarshalText(b []byte) error {
	switch strings.ToUpper(strings.TrimSpace(string(b))) {
	case "PERMIT", "ALLOW":
		*e = EffectPermit
	case "DENY":
		*e = EffectDeny
	default:
		return fmt.Errorf("%w: unknown effect %q", ErrInvalidPolicy, string(b))
	}
	return nil
}

// Status gates whether a policy takes part in evaluation.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusInactive Status = "INACTIVE"
)

func (s *Status) UnmarshalText(b []byte) error {
	switch strings.ToUpper(strings.TrimSpace(string(b))) {
	case "", "ACTIVE":
		*s = StatusActive
	case "INACTIVE":
		*s = StatusInactive
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidPolicy, string(b))
	}
	return nil
}

// Meta carries the identity and optimistic-concurrency fields shared by every authored record.
type Meta struct {
	ID        string    `json:"id" yaml:"id,omitempty"`
	Version   int64     `json:"version" yaml:"version,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at,omitempty"`
}

func (m *Meta) meta() *Meta { return m }

// Policy is a prioritized PERMIT/DENY statement gated by a target and OR-combined rules.
type Policy struct {
	Meta          `yaml:",inline"`
	Name          string     `json:"name" yaml:"name"`
	Description   string     `json:"description,omitempty" yaml:"description,omitempty"`
	Effect        Effect     `json:"effect" yaml:"effect"`
	Priority      int        `json:"priority" yaml:"priority"`
	Status        Status     `json:"status" yaml:"status"`
	Target        *Condition `json:"target,omitempty" yaml:"target,omitempty"`
	Rules         []Rule     `json:"rules,omitempty" yaml:"rules,omitempty"`
	EffectiveFrom *time.Time `json:"effective_from,omitempty" yaml:"effective_from,omitempty"`
	EffectiveTo   *time.Time `json:"effective_to,omitempty" yaml:"effective_to,omitempty"`
}

func (p *Policy) recordKey() string { return p.Name }

// Ident is the id reported in decisions: the stored ID, or the name for unsaved policies.
func (p *Policy) Ident() string {
	if p.ID != "" {
		return p.ID
	}
	return p.Name
}

// Active reports whether the policy is switched on. An empty status counts as active.
func (p *Policy) Active() bool { return p.Status != StatusInactive }

// EffectiveAt reports whether t falls inside [EffectiveFrom, EffectiveTo).
func (p *Policy) EffectiveAt(t time.Time) bool {
	if p.EffectiveFrom != nil && t.Before(*p.EffectiveFrom) {
		return false
	}
	if p.EffectiveTo != nil && !t.Before(*p.EffectiveTo) {
		return false
	}
	return true
}

// Rule is one named condition tree within a policy.
type Rule struct {
	ID        string     `json:"id,omitempty" yaml:"id,omitempty"`
	Name      string     `json:"name,omitempty" yaml:"name,omitempty"`
	Condition *Condition `json:"condition" yaml:"condition"`
}

// AttributeType is the declared type of a schema attribute.
type AttributeType string

const (
	TypeString  AttributeType = "string"
	TypeNumber  AttributeType = "number"
	TypeBoolean AttributeType = "boolean"
	TypeTime    AttributeType = "time"
	TypeArray   AttributeType = "array"
)

func (t AttributeType) Valid() bool {
	switch t {
	case "", TypeString, TypeNumber, TypeBoolean, TypeTime, TypeArray:
		return true
	}
	return false
}

// AttributeDecl declares one attribute of a resource or environment schema.
type AttributeDecl struct {
	Name     string        `json:"name" yaml:"name"`
	Type     AttributeType `json:"type,omitempty" yaml:"type,omitempty"`
	Required bool          `json:"required,omitempty" yaml:"required,omitempty"`
	Default  any           `json:"default,omitempty" yaml:"default,omitempty"`
	Enum     []any         `json:"enum,omitempty" yaml:"enum,omitempty"`
}

// ResourceDefinition is the attribute schema of one resource type.
type ResourceDefinition struct {
	Meta         `yaml:",inline"`
	ResourceType string          `json:"resource_type" yaml:"resource_type"`
	DisplayName  string          `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	Attributes   []AttributeDecl `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	IsActive     bool            `json:"is_active" yaml:"is_active"`
}

func (d *ResourceDefinition) recordKey() string { return d.ResourceType }

// EnvironmentDefinition is a named request context (time of day, network zone, ...) with its own schema.
type EnvironmentDefinition struct {
	Meta        `yaml:",inline"`
	Name        string          `json:"name" yaml:"name"`
	DisplayName string          `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	Attributes  []AttributeDecl `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	IsActive    bool            `json:"is_active" yaml:"is_active"`
}

func (d *EnvironmentDefinition) recordKey() string { return d.Name }

// Role is a node of the role tree. Level and Path are materialized by RoleHierarchy.
type Role struct {
	Meta        `yaml:",inline"`
	Name        string         `json:"name" yaml:"name"`
	DisplayName string         `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	Level       int            `json:"level" yaml:"level,omitempty"`
	Path        string         `json:"path,omitempty" yaml:"path,omitempty"`
	ParentID    string         `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
	Priority    int            `json:"priority" yaml:"priority,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	IsActive    bool           `json:"is_active" yaml:"is_active"`
}

func (r *Role) recordKey() string { return r.Name }

// User is a subject with its profile attributes.
type User struct {
	Meta       `yaml:",inline"`
	Name       string         `json:"name" yaml:"name"`
	Attributes map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	IsActive   bool           `json:"is_active" yaml:"is_active"`
}

func (u *User) recordKey() string { return u.Name }

// UserRoleAssignment binds a user to a role. It is deactivated, never deleted.
type UserRoleAssignment struct {
	Meta       `yaml:",inline"`
	UserID     string    `json:"user_id" yaml:"user_id"`
	RoleID     string    `json:"role_id" yaml:"role_id"`
	IsActive   bool      `json:"is_active" yaml:"is_active"`
	AssignedBy string    `json:"assigned_by,omitempty" yaml:"assigned_by,omitempty"`
	AssignedAt time.Time `json:"assigned_at" yaml:"assigned_at,omitempty"`
}

func (a *UserRoleAssignment) recordKey() string { return assignmentKey(a.UserID, a.RoleID) }

func assignmentKey(userID, roleID string) string { return userID + "/" + roleID }

// ============================================================================
// REQUEST / DECISION
// ============================================================================

// Request is one access question. Attribute maps are caller-supplied literals and take
// precedence over anything derived from stored records.
type Request struct {
	SubjectID          string         `json:"subject_id" yaml:"subject_id"`
	SubjectAttributes  map[string]any `json:"subject_attributes,omitempty" yaml:"subject_attributes,omitempty"`
	ResourceType       string         `json:"resource_type" yaml:"resource_type"`
	ResourceID         string         `json:"resource_id,omitempty" yaml:"resource_id,omitempty"`
	ResourceAttributes map[string]any `json:"resource_attributes,omitempty" yaml:"resource_attributes,omitempty"`
	Action             string         `json:"action" yaml:"action"`
	ActionAttributes   map[string]any `json:"action_attributes,omitempty" yaml:"action_attributes,omitempty"`
	Environment        map[string]any `json:"environment,omitempty" yaml:"environment,omitempty"`
	// EnvironmentTypes selects the environment definitions whose defaults apply. Empty means all active ones.
	EnvironmentTypes []string `json:"environment_types,omitempty" yaml:"environment_types,omitempty"`
}

// Clone returns a copy of r that shares no maps or slices with it.
func (r Request) Clone() Request {
	out := r
	out.SubjectAttributes = cloneAttrs(r.SubjectAttributes)
	out.ResourceAttributes = cloneAttrs(r.ResourceAttributes)
	out.ActionAttributes = cloneAttrs(r.ActionAttributes)
	out.Environment = cloneAttrs(r.Environment)
	if r.EnvironmentTypes != nil {
		out.EnvironmentTypes = append([]string{}, r.EnvironmentTypes...)
	}
	return out
}

func cloneAttrs(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch vv := v.(type) {
	case map[string]any:
		return cloneAttrs(vv)
	case map[any]any:
		out := make(map[any]any, len(vv))
		for k, inner := range vv {
			out[k] = cloneValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(vv))
		for i, inner := range vv {
			out[i] = cloneValue(inner)
		}
		return out
	case []string:
		return append([]string{}, vv...)
	}
	return v
}

// Decision is the result of one evaluation.
type Decision struct {
	Allowed          bool            `json:"allowed" yaml:"allowed"`
	Effect           Effect          `json:"effect" yaml:"effect"`
	MatchedPolicyIDs []string        `json:"matched_policy_ids" yaml:"matched_policy_ids"`
	PrimaryPolicyID  string          `json:"primary_policy_id,omitempty" yaml:"primary_policy_id,omitempty"`
	Reason           string          `json:"reason" yaml:"reason"`
	Trace            EvaluationTrace `json:"trace" yaml:"trace"`
}

// EvaluationTrace is the evidence behind a Decision.
type EvaluationTrace struct {
	PerPolicy  []PolicyTrace   `json:"per_policy" yaml:"per_policy"`
	Skipped    []SkippedPolicy `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Issues     []string        `json:"issues,omitempty" yaml:"issues,omitempty"`
	Revision   uint64          `json:"revision" yaml:"revision"`
	DurationMs float64         `json:"duration_ms" yaml:"duration_ms"`
}

// PolicyTrace records how one candidate policy fared.
type PolicyTrace struct {
	PolicyID      string      `json:"policy_id" yaml:"policy_id"`
	PolicyName    string      `json:"policy_name" yaml:"policy_name"`
	Priority      int         `json:"priority" yaml:"priority"`
	TargetMatched bool        `json:"target_matched" yaml:"target_matched"`
	Target        Tri         `json:"target" yaml:"target"`
	FiredRules    []string    `json:"fired_rules" yaml:"fired_rules"`
	Effect        Effect      `json:"effect" yaml:"effect"`
	Rules         []RuleTrace `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// RuleTrace is the per-rule evidence produced by Explain.
type RuleTrace struct {
	RuleID    string          `json:"rule_id" yaml:"rule_id"`
	Result    Tri             `json:"result" yaml:"result"`
	Condition *ConditionTrace `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// ConditionTrace mirrors an evaluated condition node.
type ConditionTrace struct {
	Expression string           `json:"expression" yaml:"expression"`
	Result     Tri              `json:"result" yaml:"result"`
	Children   []ConditionTrace `json:"children,omitempty" yaml:"children,omitempty"`
}

// SkippedPolicy is a candidate excluded because of a policy-local error.
type SkippedPolicy struct {
	PolicyID string `json:"policy_id" yaml:"policy_id"`
	Error    string `json:"error" yaml:"error"`
}

// ============================================================================
// AUDIT
// ============================================================================

// AuditRecord is the immutable record of one evaluation.
type AuditRecord struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	TraceID    string    `json:"trace_id,omitempty"`
	Request    Request   `json:"request"`
	Attributes Bag       `json:"attributes,omitempty"`
	Decision   *Decision `json:"decision,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// AuditFilter narrows an audit query. Zero fields match everything.
type AuditFilter struct {
	SubjectID    string
	ResourceType string
	Action       string
	Allowed      *bool
	StartTime    time.Time
	EndTime      time.Time
	Limit        int
}

// Matches applies the filter to a record in memory.
func (f AuditFilter) Matches(r *AuditRecord) bool {
	if f.SubjectID != "" && r.Request.SubjectID != f.SubjectID {
		return false
	}
	if f.ResourceType != "" && r.Request.ResourceType != f.ResourceType {
		return false
	}
	if f.Action != "" && r.Request.Action != f.Action {
		return false
	}
	if f.Allowed != nil && (r.Decision == nil || r.Decision.Allowed != *f.Allowed) {
		return false
	}
	if !f.StartTime.IsZero() && r.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && r.Timestamp.After(f.EndTime) {
		return false
	}
	return true
}
