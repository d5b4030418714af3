package ringbuffer

import "fmt"

// Frames is a block of sample frames stored row-major. Each row holds one
// sample time t in column 0 followed by one value per channel.
type Frames struct {
	Ncols int
	Data  []float64
}

// NewFrames allocates a zeroed block of nrows frames of ncols columns.
func NewFrames(nrows, ncols int) Frames {
	return Frames{Ncols: ncols, Data: make([]float64, nrows*ncols)}
}

// FramesFromColumns builds a block from a time column and per-channel value columns.
// All columns must have the same length.
func FramesFromColumns(t []float64, values [][]float64) (Frames, error) {
	ncols := 1 + len(values)
	for i, v := range values {
		if len(v) != len(t) {
			return Frames{}, fmt.Errorf("column %d has %d values, want %d", i, len(v), len(t))
		}
	}
	f := NewFrames(len(t), ncols)
	for i, tt := range t {
		row := f.Data[i*ncols : (i+1)*ncols]
		row[0] = tt
		for j, v := range values {
			row[j+1] = v[i]
		}
	}
	return f, nil
}

// Len returns the number of frames (rows).
func (f Frames) Len() int {
	if f.Ncols == 0 {
		return 0
	}
	return len(f.Data) / f.Ncols
}

// Nchan returns the number of value channels, not counting the time column.
func (f Frames) Nchan() int {
	if f.Ncols == 0 {
		return 0
	}
	return f.Ncols - 1
}

// T returns the time of row i.
func (f Frames) T(i int) float64 {
	return f.Data[i*f.Ncols]
}

// Row returns row i. The result aliases the block's storage.
func (f Frames) Row(i int) []float64 {
	return f.Data[i*f.Ncols : (i+1)*f.Ncols]
}

// Column returns a copy of column j (0 is time).
func (f Frames) Column(j int) []float64 {
	n := f.Len()
	col := make([]float64, n)
	for i := range n {
		col[i] = f.Data[i*f.Ncols+j]
	}
	return col
}

// Times returns a copy of the time column.
func (f Frames) Times() []float64 {
	return f.Column(0)
}

// Slice returns rows [i, j). The result aliases the block's storage.
func (f Frames) Slice(i, j int) Frames {
	return Frames{Ncols: f.Ncols, Data: f.Data[i*f.Ncols : j*f.Ncols]}
}

// Copy returns a deep copy.
func (f Frames) Copy() Frames {
	d := make([]float64, len(f.Data))
	copy(d, f.Data)
	return Frames{Ncols: f.Ncols, Data: d}
}

// Append adds the rows of g to f, which must have the same column count
// (or be empty).
func (f Frames) Append(g Frames) Frames {
	if f.Ncols == 0 {
		return g.Copy()
	}
	if g.Len() == 0 {
		return f
	}
	if g.Ncols != f.Ncols {
		panic(fmt.Sprintf("cannot append %d-column frames to %d-column frames", g.Ncols, f.Ncols))
	}
	return Frames{Ncols: f.Ncols, Data: append(f.Data, g.Data...)}
}
