package abac

import (
	"sort"
	"strings"
)

// Namespaces of the attribute bag.
const (
	NamespaceUser        = "user"
	NamespaceResource    = "resource"
	NamespaceAction      = "action"
	NamespaceEnvironment = "environment"
)

// Bag is the flat attribute map an evaluation runs against. Keys are dotted paths
// such as "user.department"; absent keys are indeterminate, never null.
type Bag map[string]any

func (b Bag) Get(path string) (any, bool) {
	v, ok := b[path]
	return v, ok
}

// Keys returns the sorted key set.
func (b Bag) Keys() []string {
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Merge writes attrs under namespace, flattening nested maps into dotted keys.
// Nil values are skipped so they stay absent.
func (b Bag) Merge(namespace string, attrs map[string]any) {
	for k, v := range attrs {
		b.put(namespace+"."+k, v)
	}
}

func (b Bag) put(key string, v any) {
	switch vv := v.(type) {
	case nil:
		return
	case map[string]any:
		for k, inner := range vv {
			b.put(key+"."+k, inner)
		}
		return
	case map[any]any:
		for k, inner := range vv {
			if ks, ok := k.(string); ok {
				b.put(key+"."+ks, inner)
			}
		}
		return
	}
	b[key] = v
}

// Without returns a copy of the bag without the given namespace.
func (b Bag) Without(namespace string) Bag {
	prefix := namespace + "."
	out := make(Bag, len(b))
	for k, v := range b {
		if !strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out
}

func namespaceOf(path string) string {
	if i := strings.IndexByte(path, '.'); i > 0 {
		return path[:i]
	}
	return path
}
