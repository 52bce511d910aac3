package abac

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/ristretto"
)

// ============================================================================
// COMPILER
// ============================================================================

// Compiler compiles policies and caches the result by id and version, so a
// refresh only recompiles the policies that actually changed.
type Compiler struct {
	cache *ristretto.Cache
}

// NewCompiler creates a compiler backed by a ristretto cache.
func NewCompiler(numCounters, maxCost int64) (*Compiler, error) {
	if numCounters <= 0 {
		numCounters = 1e4
	}
	if maxCost <= 0 {
		maxCost = 1 << 12
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: numCounters,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create policy cache: %w", err)
	}
	return &Compiler{cache: cache}, nil
}

// Compile returns the compiled form of p. Unsaved policies (no id or version) are
// compiled every time.
func (c *Compiler) Compile(p *Policy) *CompiledPolicy {
	if c == nil || c.cache == nil || p.ID == "" || p.Version == 0 {
		cp, _ := CompilePolicy(p)
		return cp
	}
	key := fmt.Sprintf("%s:%d", p.ID, p.Version)
	if v, ok := c.cache.Get(key); ok {
		if cp, ok := v.(*CompiledPolicy); ok {
			return cp
		}
	}
	cp, _ := CompilePolicy(p)
	c.cache.Set(key, cp, 1)
	return cp
}

func (c *Compiler) Close() {
	if c != nil && c.cache != nil {
		c.cache.Close()
	}
}

// ============================================================================
// SNAPSHOT
// ============================================================================

// SnapshotData is the raw authored state a snapshot is built from.
type SnapshotData struct {
	Policies               []*Policy                `json:"policies"`
	ResourceDefinitions    []*ResourceDefinition    `json:"resource_definitions"`
	EnvironmentDefinitions []*EnvironmentDefinition `json:"environment_definitions"`
	Roles                  []*Role                  `json:"roles"`
	Users                  []*User                  `json:"users"`
	Assignments            []*UserRoleAssignment    `json:"assignments"`
}

// Fingerprint hashes the data. Two loads with the same fingerprint build equivalent snapshots.
func (d SnapshotData) Fingerprint() (string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("fingerprint snapshot data: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Snapshot is an immutable, read-only view of the authored state that evaluations run
// against. Everything reachable from it must be treated as read-only.
type Snapshot struct {
	Revision uint64
	BuiltAt  time.Time
	Policies *PolicyIndex
	Roles    *RoleHierarchy

	resources    map[string]*ResourceDefinition
	environments map[string]*EnvironmentDefinition
	envOrder     []string
	usersByID    map[string]*User
	usersByName  map[string]*User
	assignments  map[string][]string
	data         SnapshotData
}

// NewSnapshot builds a snapshot. compiler may be nil.
func NewSnapshot(revision uint64, data SnapshotData, compiler *Compiler) *Snapshot {
	s := &Snapshot{
		Revision:     revision,
		BuiltAt:      time.Now(),
		Roles:        NewRoleHierarchy(data.Roles),
		resources:    make(map[string]*ResourceDefinition, len(data.ResourceDefinitions)),
		environments: make(map[string]*EnvironmentDefinition, len(data.EnvironmentDefinitions)),
		usersByID:    make(map[string]*User, len(data.Users)),
		usersByName:  make(map[string]*User, len(data.Users)),
		assignments:  make(map[string][]string),
		data:         data,
	}
	compiled := make([]*CompiledPolicy, 0, len(data.Policies))
	for _, p := range data.Policies {
		if p != nil {
			compiled = append(compiled, compiler.Compile(p))
		}
	}
	s.Policies = NewPolicyIndex(compiled)

	for _, d := range data.ResourceDefinitions {
		if d != nil {
			s.resources[d.ResourceType] = d
		}
	}
	for _, d := range data.EnvironmentDefinitions {
		if d == nil {
			continue
		}
		s.environments[d.Name] = d
		if d.IsActive {
			s.envOrder = append(s.envOrder, d.Name)
		}
	}
	sort.Strings(s.envOrder)

	for _, u := range data.Users {
		if u == nil {
			continue
		}
		if u.ID != "" {
			s.usersByID[u.ID] = u
		}
		if u.Name != "" {
			s.usersByName[u.Name] = u
		}
	}
	for _, a := range data.Assignments {
		if a != nil && a.IsActive {
			s.assignments[a.UserID] = append(s.assignments[a.UserID], a.RoleID)
		}
	}
	for uid := range s.assignments {
		sort.Strings(s.assignments[uid])
	}
	return s
}

// ResourceDefinition returns the active definition of resourceType.
func (s *Snapshot) ResourceDefinition(resourceType string) (*ResourceDefinition, bool) {
	d, ok := s.resources[resourceType]
	if !ok || !d.IsActive {
		return nil, false
	}
	return d, true
}

// EnvironmentDefinition returns the active definition called name.
func (s *Snapshot) EnvironmentDefinition(name string) (*EnvironmentDefinition, bool) {
	d, ok := s.environments[name]
	if !ok || !d.IsActive {
		return nil, false
	}
	return d, true
}

// User looks a subject up by id, then by name.
func (s *Snapshot) User(subject string) (*User, bool) {
	if u, ok := s.usersByID[subject]; ok {
		return u, true
	}
	u, ok := s.usersByName[subject]
	return u, ok
}

// AssignedRoles returns the ids of the roles actively assigned to userID.
func (s *Snapshot) AssignedRoles(userID string) []string {
	return s.assignments[userID]
}

// Data returns the authored state the snapshot was built from.
func (s *Snapshot) Data() SnapshotData { return s.data }

// WithPolicy returns a copy of s with draft overlaid: a policy of the same name is replaced.
// The draft is compiled directly and a compile error is returned as is.
func (s *Snapshot) WithPolicy(draft *Policy) (*Snapshot, error) {
	cp, err := CompilePolicy(draft)
	if err != nil {
		return nil, err
	}
	kept := s.Policies.Filter(func(p *Policy) bool { return p.Name != draft.Name }).Policies()
	next := *s
	next.Policies = NewPolicyIndex(append(kept, cp))
	return &next, nil
}

// Restrict returns a copy of s that only evaluates the policies whose id or name is in ids.
func (s *Snapshot) Restrict(ids []string) *Snapshot {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	next := *s
	next.Policies = s.Policies.Filter(func(p *Policy) bool {
		_, byID := set[p.Ident()]
		_, byName := set[p.Name]
		return byID || byName
	})
	return &next
}

// SnapshotSummary counts what a snapshot holds.
type SnapshotSummary struct {
	Revision       uint64 `json:"revision"`
	Policies       int    `json:"policies"`
	BrokenPolicies int    `json:"broken_policies"`
	ResourceTypes  int    `json:"resource_types"`
	Environments   int    `json:"environments"`
	Roles          int    `json:"roles"`
	RoleCycles     int    `json:"role_cycles"`
	Users          int    `json:"users"`
	Assignments    int    `json:"assignments"`
}

func (s *Snapshot) Summary() SnapshotSummary {
	sum := SnapshotSummary{
		Revision:      s.Revision,
		Policies:      s.Policies.Len(),
		ResourceTypes: len(s.resources),
		Environments:  len(s.environments),
		Roles:         s.Roles.Len(),
		RoleCycles:    len(s.Roles.Cycles()),
		Users:         len(s.usersByName),
	}
	for _, cp := range s.Policies.Policies() {
		if cp.Err != nil {
			sum.BrokenPolicies++
		}
	}
	for _, roles := range s.assignments {
		sum.Assignments += len(roles)
	}
	return sum
}

// SnapshotSource hands out the snapshot evaluations should run against.
type SnapshotSource interface {
	Snapshot() *Snapshot
}

type staticSource struct{ s *Snapshot }

func (st staticSource) Snapshot() *Snapshot { return st.s }

// StaticSnapshot serves the same snapshot forever.
func StaticSnapshot(s *Snapshot) SnapshotSource { return staticSource{s: s} }
