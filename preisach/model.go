package preisach

import "math"

// Everett is the integral of the Preisach density over the triangle with
// apex (α, β). It must vanish on the diagonal α == β.
type Everett interface {
	Everett(alpha, beta float64) float64
}

// EverettFunc adapts a plain function to the Everett interface.
type EverettFunc func(alpha, beta float64) float64

// Everett calls f(alpha, beta).
func (f EverettFunc) Everett(alpha, beta float64) float64 {
	return f(alpha, beta)
}

// Model couples a memory line with an Everett function.
type Model struct {
	Line      *Line
	E         Everett
	Tolerance float64 // input resolution of Invert; zero means 1e-9 of the input range
}

// NewModel returns a Model starting from the given line (which it takes ownership of).
func NewModel(e Everett, line *Line) *Model {
	return &Model{Line: line, E: e}
}

// Clone returns a Model with an independent copy of the memory line.
func (m *Model) Clone() *Model {
	return &Model{Line: m.Line.Clone(), E: m.E, Tolerance: m.Tolerance}
}

func output(l *Line, e Everett) float64 {
	y := -e.Everett(l.Alpha0, l.Beta0)
	prevBeta := l.Beta0
	for _, c := range l.corners {
		y += 2 * (e.Everett(c.Alpha, prevBeta) - e.Everett(c.Alpha, c.Beta))
		prevBeta = c.Beta
	}
	return y
}

// Output returns the model output for the current memory state.
func (m *Model) Output() float64 {
	return output(m.Line, m.E)
}

// Apply moves the input to x and returns the new output.
func (m *Model) Apply(x float64) float64 {
	m.Line.Update(x)
	return m.Output()
}

// Reconstruct applies each input in turn and returns the outputs.
func (m *Model) Reconstruct(xs []float64) []float64 {
	ys := make([]float64, len(xs))
	for i, x := range xs {
		ys[i] = m.Apply(x)
	}
	return ys
}

// trial returns the output reached by moving the input from the current state to x.
func (m *Model) trial(x float64) float64 {
	l := m.Line.Clone()
	l.Update(x)
	return output(l, m.E)
}

// Invert finds the input x that brings the output to y from the current
// state, applies it, and returns it. Targets beyond saturation return the
// corresponding input limit.
func (m *Model) Invert(y float64) float64 {
	cur := m.Line.Input()
	ycur := m.Output()
	tol := m.Tolerance
	if tol <= 0 {
		tol = 1e-9 * (m.Line.Alpha0 - m.Line.Beta0)
	}

	var lo, hi float64
	switch {
	case y > ycur:
		if m.trial(m.Line.Alpha0) <= y {
			m.Line.Update(m.Line.Alpha0)
			return m.Line.Alpha0
		}
		lo, hi = cur, m.Line.Alpha0
	case y < ycur:
		if m.trial(m.Line.Beta0) >= y {
			m.Line.Update(m.Line.Beta0)
			return m.Line.Beta0
		}
		lo, hi = m.Line.Beta0, cur
	default:
		return cur
	}

	// Each branch is monotone non-decreasing in x.
	for hi-lo > tol {
		mid := 0.5 * (lo + hi)
		if m.trial(mid) < y {
			lo = mid
		} else {
			hi = mid
		}
		if math.Nextafter(lo, hi) >= hi {
			break
		}
	}
	x := 0.5 * (lo + hi)
	m.Line.Update(x)
	return x
}

// InvertSignal inverts each target output in turn and returns the inputs.
func (m *Model) InvertSignal(ys []float64) []float64 {
	xs := make([]float64, len(ys))
	for i, y := range ys {
		xs[i] = m.Invert(y)
	}
	return xs
}
