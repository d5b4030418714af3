package kerrdaq

import "github.com/mokelab/kerrdaq/ringbuffer"

// Batches longer than alignMaxBatch samples are aligned in pieces of alignSubBatch.
const (
	alignMaxBatch = 800
	alignSubBatch = 500
)

// Aligner reconstructs the master device's time axis on a slave device that
// shares only a clock tick: a square wave whose edges occur every tickPeriod
// seconds of master time, the first at t = tickPeriod.
//
// Between edges the slave's own sample clock extrapolates t. At each edge
// the count of edges seen so far fixes t exactly, which removes the drift
// and start offset of the slave's clock.
type Aligner struct {
	rate       float64
	tickPeriod float64
	threshold  float64

	ticks    int64 // edges seen
	level    bool  // tick level at the last sample
	lastT    float64
	started  bool
	anchored bool
}

// NewAligner returns an Aligner for a slave sampling at rate whose tick
// edges are tickPeriod apart. Tick samples above threshold are high.
func NewAligner(rate, tickPeriod, threshold float64) *Aligner {
	return &Aligner{rate: rate, tickPeriod: tickPeriod, threshold: threshold, lastT: -1 / rate}
}

// Anchored tells whether at least one edge has fixed the time axis.
func (a *Aligner) Anchored() bool {
	return a.anchored
}

// Ticks returns the number of tick edges seen.
func (a *Aligner) Ticks() int64 {
	return a.ticks
}

// LastT returns the time of the last emitted sample.
func (a *Aligner) LastT() float64 {
	return a.lastT
}

// Align stamps one batch of slave samples (channel-major; values[tick] is
// the tick channel) and returns it as Frames with the time column first.
// The result is strictly increasing in t and continues the previous batch.
func (a *Aligner) Align(values [][]float64, tick int) ringbuffer.Frames {
	n := 0
	if len(values) > 0 {
		n = len(values[0])
	}
	if n <= alignMaxBatch {
		return a.alignBatch(values, tick, 0, n)
	}
	out := ringbuffer.Frames{Ncols: len(values) + 1}
	for lo := 0; lo < n; lo += alignSubBatch {
		out = out.Append(a.alignBatch(values, tick, lo, min(lo+alignSubBatch, n)))
	}
	return out
}

// alignBatch aligns samples [lo, hi) of values.
func (a *Aligner) alignBatch(values [][]float64, tick, lo, hi int) ringbuffer.Frames {
	n := hi - lo
	ncols := len(values) + 1
	if n <= 0 {
		return ringbuffer.Frames{Ncols: ncols}
	}
	dt := 1 / a.rate

	edge := -1
	for i, v := range values[tick][lo:hi] {
		if lvl := v > a.threshold; lvl != a.level {
			a.level = lvl
			a.ticks++
			edge = i
		}
	}

	t := make([]float64, n)
	if edge < 0 {
		for i := range t {
			t[i] = a.lastT + float64(i+1)*dt
		}
	} else {
		// The first sample at the new level was taken at the edge time.
		anchor := tickEdgeTime(a.ticks, a.tickPeriod)
		for i := range t {
			t[i] = anchor + float64(i-edge)*dt
		}
		a.anchored = true
	}

	first := 0
	prepend := false
	if a.started {
		gap := t[0] - a.lastT
		switch {
		case gap < 0.5*dt:
			// Drop samples that would not advance past the previous batch.
			for first < n && t[first] <= a.lastT+0.5*dt {
				first++
			}
		case gap > 1.5*dt:
			prepend = true
		}
	}

	rows := n - first
	if prepend {
		rows++
	}
	f := ringbuffer.NewFrames(rows, ncols)
	r := 0
	if prepend {
		row := f.Row(0)
		row[0] = t[0] - dt
		for c := range values {
			row[c+1] = values[c][lo]
		}
		r = 1
	}
	for i := first; i < n; i++ {
		row := f.Row(r)
		row[0] = t[i]
		for c := range values {
			row[c+1] = values[c][lo+i]
		}
		r++
	}
	if rows > 0 {
		a.lastT = f.T(rows - 1)
	}
	a.started = true
	return f
}

// masterTimes returns the times of n samples starting at sample count of a
// device clocked by the master: t = (count + i) / rate.
func masterTimes(count int64, n int, rate float64) []float64 {
	t := make([]float64, n)
	for i := range t {
		t[i] = float64(count+int64(i)) / rate
	}
	return t
}

// tickEdgeTime returns the master time of tick edge c.
func tickEdgeTime(c int64, tickPeriod float64) float64 {
	return float64(c) * tickPeriod
}
