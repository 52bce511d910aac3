package abac

import (
	"fmt"
	"strings"
)

// Tri is a three-valued truth value. Indeterminate means an attribute the
// condition depends on was absent or the operands could not be compared.
type Tri uint8

const (
	Indeterminate Tri = iota
	False
	True
)

var triStrings = [...]string{
	Indeterminate: "INDETERMINATE",
	False:         "FALSE",
	True:          "TRUE",
}

func (t Tri) String() string {
	if int(t) < len(triStrings) {
		return triStrings[t]
	}
	return fmt.Sprintf("Tri(%d)", uint8(t))
}

func (t Tri) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *Tri) UnmarshalText(b []byte) error {
	switch strings.ToUpper(string(b)) {
	case "TRUE":
		*t = True
	case "FALSE":
		*t = False
	case "INDETERMINATE", "":
		*t = Indeterminate
	default:
		return fmt.Errorf("unknown truth value %q", string(b))
	}
	return nil
}

func triOf(b bool) Tri {
	if b {
		return True
	}
	return False
}

// All folds values with strong Kleene conjunction: any False wins, then any Indeterminate.
func All(vals ...Tri) Tri {
	out := True
	for _, v := range vals {
		switch v {
		case False:
			return False
		case Indeterminate:
			out = Indeterminate
		}
	}
	return out
}

// Any folds values with strong Kleene disjunction: any True wins, then any Indeterminate.
func Any(vals ...Tri) Tri {
	out := False
	for _, v := range vals {
		switch v {
		case True:
			return True
		case Indeterminate:
			out = Indeterminate
		}
	}
	return out
}

// Not negates definite values and keeps Indeterminate.
func (t Tri) Not() Tri {
	switch t {
	case True:
		return False
	case False:
		return True
	}
	return Indeterminate
}
