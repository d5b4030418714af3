package ringbuffer

// Subsampler averages consecutive groups of k frames into one frame, so the
// stored rate is the hardware rate divided by k. Frames left over at the end
// of a batch are carried into the next one.
type Subsampler struct {
	k        int
	leftover Frames
}

// NewSubsampler returns a Subsampler with factor k (k <= 1 passes frames through).
func NewSubsampler(k int) *Subsampler {
	s := new(Subsampler)
	s.SetFactor(k)
	return s
}

// Factor returns the current subsampling factor.
func (s *Subsampler) Factor() int {
	return s.k
}

// SetFactor changes the factor and discards any partially filled group.
func (s *Subsampler) SetFactor(k int) {
	if k < 1 {
		k = 1
	}
	s.k = k
	s.leftover = Frames{}
}

// Push consumes a batch and returns the complete averaged frames. Both the
// time and the value columns are averaged within a group.
func (s *Subsampler) Push(f Frames) Frames {
	if s.k <= 1 {
		return f
	}
	if s.leftover.Len() > 0 {
		f = s.leftover.Append(f)
		s.leftover = Frames{}
	}
	n := f.Len()
	nout := n / s.k
	out := NewFrames(nout, f.Ncols)
	scale := 1.0 / float64(s.k)
	for i := range nout {
		dst := out.Row(i)
		for j := i * s.k; j < (i+1)*s.k; j++ {
			for c, v := range f.Row(j) {
				dst[c] += v
			}
		}
		for c := range dst {
			dst[c] *= scale
		}
	}
	if rest := n - nout*s.k; rest > 0 {
		s.leftover = f.Slice(nout*s.k, n).Copy()
	}
	return out
}
