// Package preisach implements the classical scalar Preisach hysteresis model:
// the memory of past input extrema is a staircase line in the (α, β)
// half-plane, and the output is a signed sum of Everett function values at
// the line's corners.
package preisach

// Corner is one vertex of the memory line: a retained input maximum Alpha
// paired with the input minimum Beta that followed it.
type Corner struct {
	Alpha float64
	Beta  float64
}

// Line is the Preisach memory line (the boundary between up- and
// down-switched hysterons) on the triangle β0 <= β <= α <= α0.
//
// The corners form a staircase with strictly decreasing Alpha and strictly
// increasing Beta. When the last input move was upward, the final corner
// lies on the diagonal (Alpha == Beta == current input).
type Line struct {
	Alpha0  float64 // upper limit of the input range (positive saturation)
	Beta0   float64 // lower limit of the input range (negative saturation)
	corners []Corner
}

// NewLine returns a line with the given corners. An empty corner list is
// the negatively saturated state.
func NewLine(alpha0, beta0 float64, corners []Corner) *Line {
	l := &Line{Alpha0: alpha0, Beta0: beta0}
	l.corners = append(l.corners, corners...)
	return l
}

// Corners returns a copy of the corner list.
func (l *Line) Corners() []Corner {
	return append([]Corner(nil), l.corners...)
}

// Clone returns an independent copy.
func (l *Line) Clone() *Line {
	return NewLine(l.Alpha0, l.Beta0, l.corners)
}

// Input returns the most recent input implied by the line.
func (l *Line) Input() float64 {
	n := len(l.corners)
	if n == 0 {
		return l.Beta0
	}
	c := l.corners[n-1]
	return c.Beta
}

// ascending reports whether the last move was upward.
func (l *Line) ascending() bool {
	n := len(l.corners)
	return n > 0 && l.corners[n-1].Alpha == l.corners[n-1].Beta
}

// Update moves the input to x, applying the wiping-out property: extrema
// exceeded by the new input are removed, so the line stays compact.
func (l *Line) Update(x float64) {
	if x >= l.Alpha0 {
		l.corners = append(l.corners[:0], Corner{Alpha: l.Alpha0, Beta: l.Alpha0})
		return
	}
	if x <= l.Beta0 {
		l.corners = l.corners[:0]
		return
	}
	cur := l.Input()
	switch {
	case x > cur:
		l.up(x)
	case x < cur:
		l.down(x)
	}
}

func (l *Line) up(x float64) {
	n := len(l.corners)
	if n > 0 && l.ascending() {
		l.corners[n-1] = Corner{Alpha: x, Beta: x}
	} else {
		l.corners = append(l.corners, Corner{Alpha: x, Beta: x})
		n++
	}
	// Wipe out earlier maxima that x now exceeds.
	for n >= 2 && l.corners[n-2].Alpha <= x {
		l.corners[n-2] = l.corners[n-1]
		l.corners = l.corners[:n-1]
		n--
	}
}

func (l *Line) down(x float64) {
	n := len(l.corners)
	if n == 0 {
		return
	}
	l.corners[n-1].Beta = x
	// Wipe out earlier minima that x now goes below.
	for n >= 2 && l.corners[n-2].Beta >= x {
		l.corners[n-2].Beta = x
		l.corners = l.corners[:n-1]
		n--
	}
}

// DemagnetizedLine approximates the demagnetised state reached by an
// alternating input of linearly decaying amplitude, using n reversals.
func DemagnetizedLine(alpha0, beta0 float64, n int) *Line {
	center := 0.5 * (alpha0 + beta0)
	half := 0.5 * (alpha0 - beta0)
	l := NewLine(alpha0, beta0, nil)
	for k := 0; k+1 < n; k += 2 {
		hi := center + half*float64(n-k)/float64(n+1)
		lo := center - half*float64(n-k-1)/float64(n+1)
		l.corners = append(l.corners, Corner{Alpha: hi, Beta: lo})
	}
	return l
}
