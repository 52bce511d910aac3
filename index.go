package abac

import (
	"sort"
)

// Wildcard marks an unconstrained index dimension.
const Wildcard = "*"

type indexKey struct {
	resourceType string
	action       string
}

// PolicyIndex narrows the candidate set for a request by (resourceType, action).
// It is immutable once built and safe for concurrent readers.
type PolicyIndex struct {
	buckets  map[indexKey][]*CompiledPolicy
	compiled []*CompiledPolicy
}

// NewPolicyIndex indexes the active policies of compiled. Inactive ones are dropped.
func NewPolicyIndex(compiled []*CompiledPolicy) *PolicyIndex {
	idx := &PolicyIndex{
		buckets:  make(map[indexKey][]*CompiledPolicy),
		compiled: make([]*CompiledPolicy, 0, len(compiled)),
	}
	for _, cp := range compiled {
		if cp == nil || cp.P == nil || !cp.P.Active() {
			continue
		}
		idx.compiled = append(idx.compiled, cp)
		types := cp.resourceTypes
		if len(types) == 0 {
			types = []string{Wildcard}
		}
		actions := cp.actions
		if len(actions) == 0 {
			actions = []string{Wildcard}
		}
		for _, rt := range types {
			for _, a := range actions {
				k := indexKey{resourceType: rt, action: a}
				idx.buckets[k] = append(idx.buckets[k], cp)
			}
		}
	}
	sortCompiled(idx.compiled)
	for k := range idx.buckets {
		sortCompiled(idx.buckets[k])
	}
	return idx
}

// sortCompiled orders by priority descending, then name, then id.
func sortCompiled(list []*CompiledPolicy) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i].P, list[j].P
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.ID < b.ID
	})
}

// Candidates returns the policies that may apply to (resourceType, action), in
// evaluation order.
func (idx *PolicyIndex) Candidates(resourceType, action string) []*CompiledPolicy {
	if idx == nil {
		return nil
	}
	keys := [...]indexKey{
		{resourceType, action},
		{resourceType, Wildcard},
		{Wildcard, action},
		{Wildcard, Wildcard},
	}
	seen := make(map[*CompiledPolicy]struct{})
	var out []*CompiledPolicy
	for _, k := range keys {
		for _, cp := range idx.buckets[k] {
			if _, dup := seen[cp]; dup {
				continue
			}
			seen[cp] = struct{}{}
			out = append(out, cp)
		}
	}
	sortCompiled(out)
	return out
}

// Policies returns every indexed policy in evaluation order.
func (idx *PolicyIndex) Policies() []*CompiledPolicy {
	if idx == nil {
		return nil
	}
	out := make([]*CompiledPolicy, len(idx.compiled))
	copy(out, idx.compiled)
	return out
}

func (idx *PolicyIndex) Len() int {
	if idx == nil {
		return 0
	}
	return len(idx.compiled)
}

// Filter returns a new index holding only the policies keep accepts.
func (idx *PolicyIndex) Filter(keep func(*Policy) bool) *PolicyIndex {
	var out []*CompiledPolicy
	for _, cp := range idx.Policies() {
		if keep(cp.P) {
			out = append(out, cp)
		}
	}
	return NewPolicyIndex(out)
}
