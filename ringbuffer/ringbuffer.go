// Package ringbuffer stores a bounded, time-indexed history of sample frames.
//
// One writer appends frames in strictly increasing time order; any number of
// readers request time windows. When full, the oldest frames are overwritten.
package ringbuffer

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// PollInterval is how often blocking reads check for new data.
const PollInterval = 10 * time.Millisecond

// Ring is a circular store of Frames with a fixed column count.
// sync.RWMutex is writer-preferring, so a steady stream of readers cannot
// starve the acquisition path.
type Ring struct {
	mu           sync.RWMutex
	ncols        int
	capacity     int
	data         []float64
	start        int // physical row holding the oldest live frame
	count        int // number of live frames; rows past this were never written
	lastT        float64
	dropped      int
	rate         float64
	flushingTime float64
}

// CapacityFor returns the number of rows needed to hold flushingTime seconds at rate.
func CapacityFor(rate, flushingTime float64) int {
	n := int(math.Ceil(rate*flushingTime - 1e-9))
	if n < 1 {
		n = 1
	}
	return n
}

// New creates a Ring for nchan value channels (plus time) holding
// flushingTime seconds of frames at the given rate.
func New(nchan int, rate, flushingTime float64) *Ring {
	r := &Ring{
		ncols:        nchan + 1,
		rate:         rate,
		flushingTime: flushingTime,
		lastT:        math.Inf(-1),
	}
	r.capacity = CapacityFor(rate, flushingTime)
	r.data = make([]float64, r.capacity*r.ncols)
	return r
}

// Ncols returns the number of columns per frame, including time.
func (r *Ring) Ncols() int {
	return r.ncols
}

// Rate returns the (effective) frame rate the Ring was sized for.
func (r *Ring) Rate() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rate
}

// Capacity returns the maximum number of frames held.
func (r *Ring) Capacity() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.capacity
}

// Len returns the number of live frames.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Dropped returns how many appended frames were rejected for not advancing t.
func (r *Ring) Dropped() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dropped
}

// FlushingTime returns the history length in seconds.
func (r *Ring) FlushingTime() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.flushingTime
}

func (r *Ring) row(logical int) []float64 {
	p := (r.start + logical) % r.capacity
	return r.data[p*r.ncols : (p+1)*r.ncols]
}

// Append adds frames. Frames whose t does not exceed the last stored t are
// discarded. When the Ring is full the oldest frames are overwritten.
func (r *Ring) Append(f Frames) error {
	if f.Len() == 0 {
		return nil
	}
	if f.Ncols != r.ncols {
		return fmt.Errorf("ringbuffer: append %d-column frames to %d-column ring", f.Ncols, r.ncols)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	n := f.Len()
	first := 0
	if n > r.capacity {
		first = n - r.capacity
	}
	for i := first; i < n; i++ {
		src := f.Row(i)
		if src[0] <= r.lastT {
			r.dropped++
			continue
		}
		var dst []float64
		if r.count < r.capacity {
			dst = r.row(r.count)
			r.count++
		} else {
			dst = r.row(0)
			r.start = (r.start + 1) % r.capacity
		}
		copy(dst, src)
		r.lastT = src[0]
	}
	return nil
}

// Reset discards every frame, for an acquisition whose clock restarts.
func (r *Ring) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.start = 0
	r.count = 0
	r.lastT = math.Inf(-1)
}

// LastT returns the time of the newest frame, or -Inf when empty.
func (r *Ring) LastT() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastT
}

// Last returns a copy of the newest frame, or nil when empty.
func (r *Ring) Last() []float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.count == 0 {
		return nil
	}
	out := make([]float64, r.ncols)
	copy(out, r.row(r.count-1))
	return out
}

// OldestT returns the time of the oldest live frame, or +Inf when empty.
func (r *Ring) OldestT() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.count == 0 {
		return math.Inf(1)
	}
	return r.row(0)[0]
}

// Window returns a copy of the frames with t0 <= t <= t1 in chronological
// order. Parts of the range that are not (or no longer) stored are omitted.
func (r *Ring) Window(t0, t1 float64) Frames {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Frames{Ncols: r.ncols}
	if r.count == 0 || t1 < t0 {
		return out
	}
	lo := sort.Search(r.count, func(i int) bool { return r.row(i)[0] >= t0 })
	hi := sort.Search(r.count, func(i int) bool { return r.row(i)[0] > t1 })
	if hi <= lo {
		return out
	}
	out.Data = make([]float64, 0, (hi-lo)*r.ncols)
	for i := lo; i < hi; i++ {
		out.Data = append(out.Data, r.row(i)...)
	}
	return out
}

// WaitForTime blocks until a frame with t >= t has been stored or ctx is done.
func (r *Ring) WaitForTime(ctx context.Context, t float64) error {
	if r.LastT() >= t {
		return nil
	}
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if r.LastT() >= t {
				return nil
			}
		}
	}
}

// WaitWindow is Window after waiting for t1 to be reached.
func (r *Ring) WaitWindow(ctx context.Context, t0, t1 float64) (Frames, error) {
	if err := r.WaitForTime(ctx, t1); err != nil {
		return Frames{Ncols: r.ncols}, err
	}
	return r.Window(t0, t1), nil
}

// Resize changes the capacity, keeping the newest min(old, new) frames.
func (r *Ring) Resize(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resize(capacity)
}

func (r *Ring) resize(capacity int) {
	keep := min(r.count, capacity)
	data := make([]float64, capacity*r.ncols)
	for i := range keep {
		copy(data[i*r.ncols:(i+1)*r.ncols], r.row(r.count-keep+i))
	}
	r.data = data
	r.capacity = capacity
	r.start = 0
	r.count = keep
	r.flushingTime = float64(capacity) / r.rate
}

// SetFlushingTime resizes the Ring to hold flushingTime seconds of frames.
func (r *Ring) SetFlushingTime(flushingTime float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resize(CapacityFor(r.rate, flushingTime))
	r.flushingTime = flushingTime
}

// SetRate changes the frame rate used to size the Ring (after a change of
// subsampling factor) and resizes to keep the same flushing time.
func (r *Ring) SetRate(rate float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ft := r.flushingTime
	r.rate = rate
	r.resize(CapacityFor(rate, ft))
	r.flushingTime = ft
}
