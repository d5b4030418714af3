package preisach

import (
	"math"
	"testing"

	"pgregory.net/rapid"
)

func TestLineStaysStaircase(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		xs := rapid.SliceOfN(rapid.Float64Range(-1.2, 1.2), 1, 300).Draw(t, "xs")
		l := NewLine(1, -1, nil)
		for _, x := range xs {
			l.Update(x)
			if want := math.Max(-1, math.Min(1, x)); l.Input() != want {
				t.Fatalf("after Update(%v) input is %v, want %v", x, l.Input(), want)
			}
			cs := l.Corners()
			for i, c := range cs {
				if c.Beta > c.Alpha || c.Alpha > 1 || c.Beta < -1 {
					t.Fatalf("corner %d %+v outside the triangle", i, c)
				}
				if i > 0 && (c.Alpha >= cs[i-1].Alpha || c.Beta <= cs[i-1].Beta) {
					t.Fatalf("corners %d and %d are not a staircase: %+v", i-1, i, cs)
				}
			}
		}
	})
}

func TestInvertReachesTarget(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		mu := rapid.Float64Range(0.5, 3).Draw(t, "mu")
		f0 := Uniform(mu)(1, -1)
		m := NewModel(Uniform(mu), NewLine(1, -1, nil))
		for _, x := range rapid.SliceOfN(rapid.Float64Range(-1, 1), 0, 20).Draw(t, "history") {
			m.Apply(x)
		}
		for _, frac := range rapid.SliceOfN(rapid.Float64Range(-0.98, 0.98), 1, 30).Draw(t, "targets") {
			y := frac * f0
			m.Invert(y)
			if got := m.Output(); math.Abs(got-y) > 1e-6*f0 {
				t.Fatalf("Invert(%v) reached output %v", y, got)
			}
		}
	})
}
