package abac

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/oarkflow/date"
)

// Resolution is the attribute bag of one request plus the recoverable issues met
// while building it.
type Resolution struct {
	Bag    Bag
	Issues []error
	// Roles are the effective role names of the subject, sorted.
	Roles []string
}

// Resolve is ResolveAt with the wall clock.
func Resolve(s *Snapshot, req Request) (*Resolution, error) {
	return ResolveAt(s, req, time.Now())
}

// ResolveAt builds the flat attribute bag for req from s. Caller literals override
// derived attributes and user and role attributes, which override schema defaults.
// Derived environment attributes are computed from environment.time when present,
// otherwise from now. Unknown types, unknown subjects and out-of-domain values are
// recorded as issues; only a role hierarchy cycle is returned as an error. Neither
// s nor req is modified.
func ResolveAt(s *Snapshot, req Request, now time.Time) (*Resolution, error) {
	res := &Resolution{Bag: make(Bag), Roles: []string{}}
	bag := res.Bag

	var decls []schemaScope
	if req.ResourceType != "" {
		if def, ok := s.ResourceDefinition(req.ResourceType); ok {
			decls = append(decls, schemaScope{NamespaceResource, def.Attributes})
		} else {
			res.Issues = append(res.Issues, fmt.Errorf("%w: %s", ErrUnknownResourceType, req.ResourceType))
		}
	}
	envNames := req.EnvironmentTypes
	if len(envNames) == 0 {
		envNames = s.envOrder
	}
	for _, name := range envNames {
		if def, ok := s.EnvironmentDefinition(name); ok {
			decls = append(decls, schemaScope{NamespaceEnvironment, def.Attributes})
		} else {
			res.Issues = append(res.Issues, fmt.Errorf("%w: %s", ErrUnknownEnvironmentType, name))
		}
	}
	for _, sc := range decls {
		for _, d := range sc.attrs {
			if d.Default != nil {
				bag.put(sc.namespace+"."+d.Name, d.Default)
			}
		}
	}

	user, ok := s.User(req.SubjectID)
	if ok && user.IsActive {
		eff, err := s.Roles.Effective(s.AssignedRoles(user.ID))
		if err != nil {
			return nil, err
		}
		bag.Merge(NamespaceUser, eff.Attributes)
		bag.Merge(NamespaceUser, user.Attributes)
		bag["user.id"] = user.ID
		bag["user.name"] = user.Name
		res.Roles = eff.Names()
		bag["user.roles"] = res.Roles
	} else {
		res.Issues = append(res.Issues, fmt.Errorf("%w: %s", ErrUnknownSubject, req.SubjectID))
		if req.SubjectID != "" {
			bag["user.id"] = req.SubjectID
		}
	}

	bag.Merge(NamespaceUser, req.SubjectAttributes)
	bag.Merge(NamespaceResource, req.ResourceAttributes)
	bag.Merge(NamespaceAction, req.ActionAttributes)
	bag.Merge(NamespaceEnvironment, req.Environment)

	if req.ResourceType != "" {
		bag["resource.type"] = req.ResourceType
	}
	if req.ResourceID != "" {
		bag["resource.id"] = req.ResourceID
	}
	if req.Action != "" {
		bag["action.name"] = req.Action
	}
	deriveEnvironment(bag, req.Environment, evaluationTime(bag, now))
	deriveAction(bag, req.ActionAttributes, req.Action)

	for _, sc := range decls {
		for _, d := range sc.attrs {
			key := sc.namespace + "." + d.Name
			v, present := bag[key]
			if !present {
				continue
			}
			if len(d.Enum) > 0 && !inDomain(v, d.Enum) {
				delete(bag, key)
				res.Issues = append(res.Issues, fmt.Errorf("%w: %s=%v", ErrAttributeOutOfDomain, key, v))
				continue
			}
			if d.Type == TypeTime {
				if str, isStr := v.(string); isStr {
					if t, err := date.Parse(str); err == nil {
						bag[key] = t
					}
				}
			}
		}
	}
	return res, nil
}

type schemaScope struct {
	namespace string
	attrs     []AttributeDecl
}

// inDomain reports whether v, or every element of v when it is a list, is in enum.
func inDomain(v any, enum []any) bool {
	if items, ok := asList(v); ok {
		for _, item := range items {
			if !memberOf(item, enum) {
				return false
			}
		}
		return true
	}
	return memberOf(v, enum)
}

// evaluationTime is environment.time when present and parseable, otherwise fallback.
func evaluationTime(bag Bag, fallback time.Time) time.Time {
	v, ok := bag.Get("environment.time")
	if !ok {
		return fallback
	}
	if t, ok := toTime(v); ok {
		return t
	}
	return fallback
}

var (
	readActions     = map[string]bool{"read": true, "view": true, "list": true, "search": true}
	writeActions    = map[string]bool{"create": true, "update": true, "delete": true, "modify": true}
	approvalActions = map[string]bool{"approve": true, "reject": true, "authorize": true}
	adminActions    = map[string]bool{"delete": true, "disable": true, "purge": true, "configure": true}
	auditedActions  = map[string]bool{"create": true, "update": true, "delete": true, "approve": true, "reject": true, "export": true, "import": true}
	gatedActions    = map[string]bool{"delete": true, "approve": true, "reject": true, "purge": true, "configure": true}

	actionCategories = map[string]string{
		"create": "modification", "update": "modification", "read": "access", "delete": "destruction",
		"approve": "approval", "reject": "approval", "submit": "workflow", "cancel": "workflow",
		"export": "data-transfer", "import": "data-transfer",
	}
	actionRisk = map[string]string{
		"read": "low", "view": "low", "list": "low", "create": "medium", "update": "medium",
		"delete": "high", "approve": "high", "reject": "high", "purge": "critical", "configure": "critical",
	}
)

// deriveAction classifies action under action.*. Keys the caller supplied in attrs win.
func deriveAction(bag Bag, attrs map[string]any, action string) {
	if action == "" {
		return
	}
	category, ok := actionCategories[action]
	if !ok {
		category = "general"
	}
	risk, ok := actionRisk[action]
	if !ok {
		risk = "medium"
	}
	derived := map[string]any{
		"category":           category,
		"risk_level":         risk,
		"requires_approval":  gatedActions[action],
		"audit_required":     auditedActions[action],
		"is_read_action":     readActions[action],
		"is_write_action":    writeActions[action],
		"is_approval_action": approvalActions[action],
		"is_admin_action":    adminActions[action],
	}
	for k, v := range derived {
		if attrs[k] == nil {
			bag[NamespaceAction+"."+k] = v
		}
	}
}

// deriveEnvironment adds calendar attributes of at and a risk score computed from
// environment.ip_address, environment.user_agent and business hours. Keys the
// caller supplied in env win; schema defaults do not.
func deriveEnvironment(bag Bag, env map[string]any, at time.Time) {
	day := at.Weekday()
	business := day >= time.Monday && day <= time.Friday && at.Hour() >= 9 && at.Hour() < 17

	risk := 0.0
	if ip, ok := bag["environment.ip_address"].(string); ok && ip != "" {
		if strings.HasPrefix(ip, "10.") || strings.HasPrefix(ip, "192.168.") {
			risk += 0.1
		} else {
			risk += 0.3
		}
	}
	if !business {
		risk += 0.2
	}
	if ua, ok := bag["environment.user_agent"].(string); ok && strings.Contains(strings.ToLower(ua), "bot") {
		risk += 0.5
	}
	risk = math.Min(math.Round(risk*10)/10, 1)
	trust := "low"
	switch {
	case risk < 0.3:
		trust = "high"
	case risk < 0.6:
		trust = "medium"
	}

	derived := map[string]any{
		"time_of_day":       at.Hour(),
		"day_of_week":       int(day),
		"is_weekend":        day == time.Saturday || day == time.Sunday,
		"is_business_hours": business,
		"quarter_of_year":   int(at.Month()-1)/3 + 1,
		"risk_score":        risk,
		"trust_level":       trust,
	}
	for k, v := range derived {
		if env[k] == nil {
			bag[NamespaceEnvironment+"."+k] = v
		}
	}
}
