package abac

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestThreeValuedTruthTable(t *testing.T) {
	cases := []struct {
		name string
		got  Tri
		want Tri
	}{
		{"AND(TRUE, INDETERMINATE)", All(True, Indeterminate), Indeterminate},
		{"OR(FALSE, INDETERMINATE)", Any(False, Indeterminate), Indeterminate},
		{"AND(FALSE, INDETERMINATE)", All(False, Indeterminate), False},
		{"OR(TRUE, INDETERMINATE)", Any(True, Indeterminate), True},
		{"AND(INDETERMINATE, FALSE)", All(Indeterminate, False), False},
		{"OR(INDETERMINATE, TRUE)", Any(Indeterminate, True), True},
		{"AND()", All(), True},
		{"OR()", Any(), False},
		{"NOT TRUE", True.Not(), False},
		{"NOT FALSE", False.Not(), True},
		{"NOT INDETERMINATE", Indeterminate.Not(), Indeterminate},
	}
	for _, c := range cases {
		if c.got != c.want {
			t.Fatalf("%s: expected %s, got %s", c.name, c.want, c.got)
		}
	}
}

func TestTriTextRoundTrip(t *testing.T) {
	for _, v := range []Tri{True, False, Indeterminate} {
		b, _ := v.MarshalText()
		var back Tri
		if err := back.UnmarshalText(b); err != nil {
			t.Fatalf("unmarshal %s: %v", b, err)
		}
		if back != v {
			t.Fatalf("expected %s, got %s", v, back)
		}
	}
	var bad Tri
	if err := bad.UnmarshalText([]byte("maybe")); err == nil {
		t.Fatalf("expected error for unknown truth value")
	}
}

func genTri() gopter.Gen {
	return gen.IntRange(0, 2).Map(func(i int) Tri { return Tri(i) })
}

func TestThreeValuedLogicProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("De Morgan holds for AND", prop.ForAll(
		func(a, b Tri) bool {
			return All(a, b).Not() == Any(a.Not(), b.Not())
		},
		genTri(), genTri(),
	))

	properties.Property("De Morgan holds for OR", prop.ForAll(
		func(a, b Tri) bool {
			return Any(a, b).Not() == All(a.Not(), b.Not())
		},
		genTri(), genTri(),
	))

	properties.Property("NOT is an involution", prop.ForAll(
		func(a Tri) bool { return a.Not().Not() == a },
		genTri(),
	))

	properties.Property("AND and OR are commutative", prop.ForAll(
		func(a, b Tri) bool {
			return All(a, b) == All(b, a) && Any(a, b) == Any(b, a)
		},
		genTri(), genTri(),
	))

	properties.Property("a definite FALSE decides AND, a definite TRUE decides OR", prop.ForAll(
		func(a Tri) bool {
			return All(a, False) == False && Any(a, True) == True
		},
		genTri(),
	))

	properties.TestingRun(t)
}
