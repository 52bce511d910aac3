package abac

import (
	"errors"
	"testing"
)

func TestRoleInheritanceChildWins(t *testing.T) {
	h := NewRoleHierarchy([]*Role{
		NewRole("base").Attr("clearance", 1).Attr("region", "eu").Attr("limits", map[string]any{"spend": 100}).Build(),
		NewRole("manager").Parent("base").Attr("clearance", 3).Build(),
		NewRole("director").Parent("manager").Attr("limits", map[string]any{"spend": 5000}).Build(),
	})
	eff, err := h.Effective([]string{"director"})
	if err != nil {
		t.Fatalf("effective: %v", err)
	}
	if got := eff.Attributes["clearance"]; got != 3 {
		t.Fatalf("expected manager clearance to win over base, got %v", got)
	}
	if got := eff.Attributes["region"]; got != "eu" {
		t.Fatalf("expected inherited region, got %v", got)
	}
	if got := eff.Attributes["limits.spend"]; got != 5000 {
		t.Fatalf("expected director spend to win, got %v", got)
	}
	names := eff.Names()
	if len(names) != 3 || names[0] != "base" || names[1] != "director" || names[2] != "manager" {
		t.Fatalf("unexpected effective roles %v", names)
	}

	director, _ := h.Role("director")
	if director.Level != 2 || director.Path != "/base/manager/director" {
		t.Fatalf("unexpected level/path %d %s", director.Level, director.Path)
	}
	if d := h.Descendants("base"); len(d) != 2 || d[0].Name != "manager" || d[1].Name != "director" {
		t.Fatalf("unexpected descendants of base")
	}
}

func TestRoleInheritanceStopsAtInactiveRole(t *testing.T) {
	h := NewRoleHierarchy([]*Role{
		NewRole("root").Attr("root_only", true).Build(),
		NewRole("middle").Parent("root").Inactive().Attr("middle_only", true).Build(),
		NewRole("leaf").Parent("middle").Attr("leaf_only", true).Build(),
	})
	eff, err := h.Effective([]string{"leaf"})
	if err != nil {
		t.Fatalf("effective: %v", err)
	}
	if _, ok := eff.Attributes["middle_only"]; ok {
		t.Fatalf("inactive role must not contribute")
	}
	if _, ok := eff.Attributes["root_only"]; ok {
		t.Fatalf("roles above an inactive role must not contribute")
	}
	if eff.Attributes["leaf_only"] != true {
		t.Fatalf("expected leaf attribute")
	}
}

func TestRoleDirectAssignmentsRankedByPriority(t *testing.T) {
	h := NewRoleHierarchy([]*Role{
		NewRole("auditor").Priority(1).Attr("scope", "read").Build(),
		NewRole("operator").Priority(9).Attr("scope", "write").Build(),
	})
	eff, err := h.Effective([]string{"auditor", "operator"})
	if err != nil {
		t.Fatalf("effective: %v", err)
	}
	if eff.Attributes["scope"] != "write" {
		t.Fatalf("expected higher priority role to win, got %v", eff.Attributes["scope"])
	}
}

func TestRoleHierarchyCycle(t *testing.T) {
	h := NewRoleHierarchy([]*Role{
		NewRole("a").Parent("b").Build(),
		NewRole("b").Parent("c").Build(),
		NewRole("c").Parent("a").Build(),
		NewRole("ok").Build(),
	})
	if len(h.Cycles()) != 3 {
		t.Fatalf("expected every role on the cycle to be reported, got %d", len(h.Cycles()))
	}
	_, err := h.Effective([]string{"ok", "b"})
	var cycle *RoleHierarchyCycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected RoleHierarchyCycleError, got %v", err)
	}
	if cycle.RoleID != "b" || len(cycle.Path) != 4 {
		t.Fatalf("unexpected cycle %v", cycle)
	}
	if _, err := h.Effective([]string{"ok"}); err != nil {
		t.Fatalf("roles off the cycle must still resolve: %v", err)
	}
}

func TestCheckRoleParent(t *testing.T) {
	roles := []*Role{
		{Meta: Meta{ID: "r1"}, Name: "r1"},
		{Meta: Meta{ID: "r2"}, Name: "r2", ParentID: "r1"},
		{Meta: Meta{ID: "r3"}, Name: "r3", ParentID: "r2"},
	}
	if err := CheckRoleParent(roles, "r1", "r3"); err == nil {
		t.Fatalf("expected cycle when r1 becomes a child of its own descendant")
	}
	if err := CheckRoleParent(roles, "r3", "r1"); err != nil {
		t.Fatalf("re-parenting to an ancestor is fine: %v", err)
	}
	if err := CheckRoleParent(roles, "r1", "r1"); err == nil {
		t.Fatalf("expected self-parent to be rejected")
	}
}
