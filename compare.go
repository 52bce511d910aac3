package abac

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/oarkflow/date"
)

// asList returns v as a slice of values when v is any slice or array (but not a byte slice).
func asList(v any) ([]any, bool) {
	switch vv := v.(type) {
	case []any:
		return vv, true
	case []string:
		out := make([]any, len(vv))
		for i, s := range vv {
			out[i] = s
		}
		return out, true
	case []byte, string, nil:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t != nil {
			return *t, true
		}
	case string:
		parsed, err := date.Parse(t)
		if err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

// compareValues orders a against b. ok is false when the operands have no common ordering.
func compareValues(a, b any) (cmp int, ok bool) {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		if !bok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	if at, isTime := a.(time.Time); isTime {
		bt, bok := toTime(b)
		if !bok {
			return 0, false
		}
		return at.Compare(bt), true
	}
	if as, isStr := a.(string); isStr {
		if bt, isTime := b.(time.Time); isTime {
			at, aok := toTime(as)
			if !aok {
				return 0, false
			}
			return at.Compare(bt), true
		}
		bs, bok := b.(string)
		if !bok {
			return 0, false
		}
		return strings.Compare(as, bs), true
	}
	return 0, false
}

// equalValues is exact, case-sensitive equality with numeric and time normalization.
// Operands of unrelated types are unequal.
func equalValues(a, b any) bool {
	if c, ok := compareValues(a, b); ok {
		return c == 0
	}
	if ab, ok := a.(bool); ok {
		bb, bok := b.(bool)
		return bok && ab == bb
	}
	if al, ok := asList(a); ok {
		bl, bok := asList(b)
		if !bok || len(al) != len(bl) {
			return false
		}
		for i := range al {
			if !equalValues(al[i], bl[i]) {
				return false
			}
		}
		return true
	}
	return false
}

func memberOf(v any, list []any) bool {
	for _, item := range list {
		if equalValues(v, item) {
			return true
		}
	}
	return false
}

// inList is IN semantics: a scalar must be a member, a list must overlap.
func inList(actual any, list []any) bool {
	if items, ok := asList(actual); ok {
		for _, item := range items {
			if memberOf(item, list) {
				return true
			}
		}
		return false
	}
	return memberOf(actual, list)
}

func contains(actual, literal any) Tri {
	if items, ok := asList(actual); ok {
		return triOf(memberOf(literal, items))
	}
	as, aok := actual.(string)
	ls, lok := literal.(string)
	if aok && lok {
		return triOf(strings.Contains(as, ls))
	}
	return Indeterminate
}

// apply evaluates a present actual value against the operator's operand. re is the
// precompiled pattern for MATCHES_REGEX.
func apply(op Operator, actual, operand any, re *regexp.Regexp) Tri {
	switch op {
	case OpEquals:
		return triOf(equalValues(actual, operand))
	case OpNotEquals:
		return triOf(!equalValues(actual, operand))
	case OpGreaterThan, OpGreaterThanOrEqual, OpLessThan, OpLessThanOrEqual:
		c, ok := compareValues(actual, operand)
		if !ok {
			return Indeterminate
		}
		switch op {
		case OpGreaterThan:
			return triOf(c > 0)
		case OpGreaterThanOrEqual:
			return triOf(c >= 0)
		case OpLessThan:
			return triOf(c < 0)
		default:
			return triOf(c <= 0)
		}
	case OpIn, OpNotIn:
		list, ok := asList(operand)
		if !ok {
			return Indeterminate
		}
		res := triOf(inList(actual, list))
		if op == OpNotIn {
			return res.Not()
		}
		return res
	case OpContains:
		return contains(actual, operand)
	case OpNotContains:
		return contains(actual, operand).Not()
	case OpStartsWith, OpEndsWith:
		as, aok := actual.(string)
		ps, pok := operand.(string)
		if !aok || !pok {
			return Indeterminate
		}
		if op == OpStartsWith {
			return triOf(strings.HasPrefix(as, ps))
		}
		return triOf(strings.HasSuffix(as, ps))
	case OpMatchesRegex:
		if re == nil {
			return Indeterminate
		}
		switch s := actual.(type) {
		case string:
			return triOf(re.MatchString(s))
		case fmt.Stringer:
			return triOf(re.MatchString(s.String()))
		}
		return Indeterminate
	case OpExists:
		return True
	case OpNotExists:
		return False
	}
	return Indeterminate
}
