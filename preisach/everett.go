package preisach

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/interp"
)

// DefaultResolution is the number of table points per axis of a Surface.
const DefaultResolution = 256

// ErrKnots reports unusable spline knots.
var ErrKnots = errors.New("spline knots must be strictly increasing and at least 3")

// Spline is a natural cubic spline that holds its end values outside the knot range.
type Spline struct {
	lo, hi float64
	nc     interp.NaturalCubic
}

// NewSpline fits a natural cubic spline through (xs, ys).
func NewSpline(xs, ys []float64) (*Spline, error) {
	if err := checkKnots(xs); err != nil {
		return nil, err
	}
	if len(ys) != len(xs) {
		return nil, fmt.Errorf("spline has %d knots but %d values", len(xs), len(ys))
	}
	s := &Spline{lo: xs[0], hi: xs[len(xs)-1]}
	if err := s.nc.Fit(xs, ys); err != nil {
		return nil, err
	}
	return s, nil
}

func checkKnots(xs []float64) error {
	if len(xs) < 3 {
		return ErrKnots
	}
	for i := 1; i < len(xs); i++ {
		if !(xs[i] > xs[i-1]) {
			return ErrKnots
		}
	}
	return nil
}

// At evaluates the spline, clamping x to the knot range.
func (s *Spline) At(x float64) float64 {
	return s.nc.Predict(math.Min(math.Max(x, s.lo), s.hi))
}

// Surface is a smooth function of (α, β) given on a rectangular knot grid.
// It is fitted with natural cubic splines along each axis and tabulated on a
// dense regular grid; lookups interpolate the table bilinearly.
type Surface struct {
	alo, ahi, blo, bhi float64
	na, nb             int
	table              []float64 // na x nb, row-major in α
}

// NewSurface fits values[i*len(betas)+j] = f(alphas[i], betas[j]) and
// tabulates it with resolution points per axis.
func NewSurface(alphas, betas, values []float64, resolution int) (*Surface, error) {
	if err := checkKnots(alphas); err != nil {
		return nil, fmt.Errorf("alpha axis: %w", err)
	}
	if err := checkKnots(betas); err != nil {
		return nil, fmt.Errorf("beta axis: %w", err)
	}
	if len(values) != len(alphas)*len(betas) {
		return nil, fmt.Errorf("surface has %d values, want %d x %d", len(values), len(alphas), len(betas))
	}
	if resolution < 2 {
		resolution = DefaultResolution
	}
	s := &Surface{
		alo: alphas[0], ahi: alphas[len(alphas)-1],
		blo: betas[0], bhi: betas[len(betas)-1],
		na: resolution, nb: resolution,
		table: make([]float64, resolution*resolution),
	}

	// First along β for every α knot, then along α for every dense β.
	nb := len(betas)
	partial := make([][]float64, len(alphas))
	for i := range alphas {
		sp, err := NewSpline(betas, values[i*nb:(i+1)*nb])
		if err != nil {
			return nil, err
		}
		partial[i] = make([]float64, s.nb)
		for q := range s.nb {
			partial[i][q] = sp.At(s.betaAt(q))
		}
	}
	column := make([]float64, len(alphas))
	for q := range s.nb {
		for i := range alphas {
			column[i] = partial[i][q]
		}
		sp, err := NewSpline(alphas, column)
		if err != nil {
			return nil, err
		}
		for p := range s.na {
			s.table[p*s.nb+q] = sp.At(s.alphaAt(p))
		}
	}
	return s, nil
}

func (s *Surface) alphaAt(p int) float64 {
	return s.alo + (s.ahi-s.alo)*float64(p)/float64(s.na-1)
}

func (s *Surface) betaAt(q int) float64 {
	return s.blo + (s.bhi-s.blo)*float64(q)/float64(s.nb-1)
}

func cell(x, lo, hi float64, n int) (int, float64) {
	u := (x - lo) / (hi - lo) * float64(n-1)
	if u <= 0 {
		return 0, 0
	}
	if u >= float64(n-1) {
		return n - 2, 1
	}
	i := int(u)
	return i, u - float64(i)
}

// At returns the surface value, clamping to the fitted rectangle.
func (s *Surface) At(alpha, beta float64) float64 {
	i, fa := cell(alpha, s.alo, s.ahi, s.na)
	j, fb := cell(beta, s.blo, s.bhi, s.nb)
	v00 := s.table[i*s.nb+j]
	v01 := s.table[i*s.nb+j+1]
	v10 := s.table[(i+1)*s.nb+j]
	v11 := s.table[(i+1)*s.nb+j+1]
	return (1-fa)*((1-fb)*v00+fb*v01) + fa*((1-fb)*v10+fb*v11)
}

// FitEverett is the Everett function measured from first-order reversal
// curves: F(α, β) = (f_a(α) − f_αβ(α, β)) / 2, where f_a is the ascending
// major-loop branch and f_αβ the output after reversing at α down to β.
type FitEverett struct {
	Major *Spline
	Cross *Surface
}

// NewFitEverett builds the Everett function from major-loop knots and a
// reversal-curve surface.
func NewFitEverett(majorX, majorY, crossAlpha, crossBeta, crossValues []float64, resolution int) (*FitEverett, error) {
	major, err := NewSpline(majorX, majorY)
	if err != nil {
		return nil, fmt.Errorf("major loop: %w", err)
	}
	cross, err := NewSurface(crossAlpha, crossBeta, crossValues, resolution)
	if err != nil {
		return nil, fmt.Errorf("reversal surface: %w", err)
	}
	return &FitEverett{Major: major, Cross: cross}, nil
}

// Everett implements the Everett interface.
func (fe *FitEverett) Everett(alpha, beta float64) float64 {
	if beta >= alpha {
		return 0
	}
	return 0.5 * (fe.Major.At(alpha) - fe.Cross.At(alpha, beta))
}

// Uniform returns the Everett function of a uniform Preisach density mu,
// F(α, β) = mu (α − β)² / 2 for β < α.
func Uniform(mu float64) EverettFunc {
	return func(alpha, beta float64) float64 {
		if beta >= alpha {
			return 0
		}
		d := alpha - beta
		return 0.5 * mu * d * d
	}
}

// CompactLine keeps only corners that form a valid staircase inside the
// limits, discarding any that violate the ordering. It is used to sanitise
// stored memory lines.
func CompactLine(alpha0, beta0 float64, corners []Corner) *Line {
	sorted := append([]Corner(nil), corners...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Alpha > sorted[j].Alpha })
	l := NewLine(alpha0, beta0, nil)
	for _, c := range sorted {
		if c.Alpha > alpha0 || c.Beta < beta0 || c.Beta > c.Alpha {
			continue
		}
		n := len(l.corners)
		if n > 0 && (c.Alpha >= l.corners[n-1].Alpha || c.Beta <= l.corners[n-1].Beta) {
			continue
		}
		l.corners = append(l.corners, c)
	}
	return l
}
