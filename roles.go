package abac

import (
	"sort"
	"strings"
)

// ============================================================================
// ROLE HIERARCHY
// ============================================================================

// RoleHierarchy is an arena of roles indexed by id and name, with a parent to
// children adjacency index. Ancestor chains are computed once at build time.
// It is rebuilt from scratch whenever roles change and never mutated afterwards.
type RoleHierarchy struct {
	byID     map[string]*Role
	byName   map[string]*Role
	children map[string][]string
	chains   map[string][]*Role
	cycles   map[string]*RoleHierarchyCycleError
}

// NewRoleHierarchy copies roles into a new arena and materializes Level and Path.
// Roles on a parent cycle are recorded as broken instead of being walked forever.
func NewRoleHierarchy(roles []*Role) *RoleHierarchy {
	h := &RoleHierarchy{
		byID:     make(map[string]*Role, len(roles)),
		byName:   make(map[string]*Role, len(roles)),
		children: make(map[string][]string),
		chains:   make(map[string][]*Role, len(roles)),
		cycles:   make(map[string]*RoleHierarchyCycleError),
	}
	for _, r := range roles {
		if r == nil {
			continue
		}
		dup := *r
		id := dup.ID
		if id == "" {
			id = dup.Name
			dup.ID = id
		}
		h.byID[id] = &dup
		if dup.Name != "" {
			h.byName[dup.Name] = &dup
		}
	}
	for id, r := range h.byID {
		if r.ParentID != "" {
			h.children[r.ParentID] = append(h.children[r.ParentID], id)
		}
	}
	for parent := range h.children {
		sort.Strings(h.children[parent])
	}
	for id := range h.byID {
		h.walk(id)
	}
	for id, chain := range h.chains {
		r := h.byID[id]
		r.Level = len(chain) - 1
		names := make([]string, len(chain))
		for i, c := range chain {
			names[len(chain)-1-i] = c.Name
		}
		r.Path = "/" + strings.Join(names, "/")
	}
	return h
}

// walk resolves the leaf-first ancestor chain of id. A missing parent ends the chain.
func (h *RoleHierarchy) walk(id string) {
	if _, done := h.chains[id]; done {
		return
	}
	if _, bad := h.cycles[id]; bad {
		return
	}
	var chain []*Role
	visited := make(map[string]int)
	for cur := id; cur != ""; {
		r, ok := h.byID[cur]
		if !ok {
			break
		}
		if at, seen := visited[cur]; seen {
			path := make([]string, 0, len(chain)-at+1)
			for _, c := range chain[at:] {
				path = append(path, c.ID)
			}
			path = append(path, cur)
			h.cycles[id] = &RoleHierarchyCycleError{RoleID: id, Path: path}
			return
		}
		visited[cur] = len(chain)
		chain = append(chain, r)
		cur = r.ParentID
	}
	h.chains[id] = chain
}

func (h *RoleHierarchy) Role(id string) (*Role, bool) {
	r, ok := h.byID[id]
	return r, ok
}

func (h *RoleHierarchy) RoleByName(name string) (*Role, bool) {
	r, ok := h.byName[name]
	return r, ok
}

// Len returns the number of roles in the arena.
func (h *RoleHierarchy) Len() int { return len(h.byID) }

// Ancestors returns the chain from id up to its root, leaf first, id included.
func (h *RoleHierarchy) Ancestors(id string) ([]*Role, error) {
	if err, bad := h.cycles[id]; bad {
		return nil, err
	}
	chain, ok := h.chains[id]
	if !ok {
		return nil, nil
	}
	out := make([]*Role, len(chain))
	copy(out, chain)
	return out, nil
}

// Descendants returns every role below id, breadth first.
func (h *RoleHierarchy) Descendants(id string) []*Role {
	var out []*Role
	seen := map[string]bool{id: true}
	queue := append([]string(nil), h.children[id]...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		out = append(out, h.byID[cur])
		queue = append(queue, h.children[cur]...)
	}
	return out
}

// Cycles returns the cycle errors found while building, ordered by role id.
func (h *RoleHierarchy) Cycles() []*RoleHierarchyCycleError {
	out := make([]*RoleHierarchyCycleError, 0, len(h.cycles))
	for _, e := range h.cycles {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoleID < out[j].RoleID })
	return out
}

// EffectiveRoles is the expansion of a set of directly assigned roles.
type EffectiveRoles struct {
	Roles      []*Role
	Attributes map[string]any
}

// Names returns the effective role names, sorted.
func (e *EffectiveRoles) Names() []string {
	out := make([]string, 0, len(e.Roles))
	for _, r := range e.Roles {
		out = append(out, r.Name)
	}
	sort.Strings(out)
	return out
}

// Effective expands the directly assigned role ids into the effective role set and
// merges their attributes. On key collisions the role closer to an assignment wins;
// at equal distance the direct role with higher priority (then lower name) wins.
// Inactive roles contribute nothing, and neither do ancestors reached through them.
func (h *RoleHierarchy) Effective(roleIDs []string) (*EffectiveRoles, error) {
	type ranked struct {
		role     *Role
		distance int
		rank     int
	}
	direct := make([]*Role, 0, len(roleIDs))
	for _, id := range roleIDs {
		if r, ok := h.byID[id]; ok && r.IsActive {
			direct = append(direct, r)
		}
	}
	sort.SliceStable(direct, func(i, j int) bool {
		if direct[i].Priority != direct[j].Priority {
			return direct[i].Priority > direct[j].Priority
		}
		return direct[i].Name < direct[j].Name
	})

	best := make(map[string]ranked)
	for rank, d := range direct {
		chain, err := h.Ancestors(d.ID)
		if err != nil {
			return nil, err
		}
		for dist, r := range chain {
			if !r.IsActive {
				break
			}
			cur, seen := best[r.ID]
			if !seen || dist < cur.distance || (dist == cur.distance && rank < cur.rank) {
				best[r.ID] = ranked{role: r, distance: dist, rank: rank}
			}
		}
	}

	order := make([]ranked, 0, len(best))
	for _, v := range best {
		order = append(order, v)
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].distance != order[j].distance {
			return order[i].distance < order[j].distance
		}
		if order[i].rank != order[j].rank {
			return order[i].rank < order[j].rank
		}
		return order[i].role.ID < order[j].role.ID
	})

	out := &EffectiveRoles{Roles: make([]*Role, 0, len(order)), Attributes: make(map[string]any)}
	flat := make(Bag)
	for _, v := range order {
		out.Roles = append(out.Roles, v.role)
		layer := make(Bag)
		for k, val := range v.role.Attributes {
			layer.put(k, val)
		}
		for k, val := range layer {
			if _, taken := flat[k]; !taken {
				flat[k] = val
			}
		}
	}
	for k, v := range flat {
		out.Attributes[k] = v
	}
	return out, nil
}

// CheckRoleParent reports whether giving roleID the parent parentID would close a
// cycle among roles. It is meant for authoring paths, before anything is stored.
func CheckRoleParent(roles []*Role, roleID, parentID string) error {
	if parentID == "" {
		return nil
	}
	parents := make(map[string]string, len(roles))
	for _, r := range roles {
		parents[r.ID] = r.ParentID
	}
	path := []string{roleID}
	seen := map[string]bool{roleID: true}
	for cur := parentID; cur != ""; cur = parents[cur] {
		path = append(path, cur)
		if cur == roleID {
			return &RoleHierarchyCycleError{RoleID: roleID, Path: path}
		}
		if seen[cur] {
			// an existing cycle above us; not ours to report
			return nil
		}
		seen[cur] = true
	}
	return nil
}
