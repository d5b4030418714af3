package ringbuffer

import (
	"math"
	"testing"

	"pgregory.net/rapid"
)

func TestRingKeepsNewest(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		rate := 100.0
		ft := rapid.Float64Range(0.05, 2).Draw(t, "flushingTime")
		r := New(1, rate, ft)
		total := 0
		for _, n := range rapid.SliceOfN(rapid.IntRange(0, 150), 1, 20).Draw(t, "batches") {
			// Batches overlap their predecessor by a few samples.
			overlap := min(total, rapid.IntRange(0, 3).Draw(t, "overlap"))
			if err := r.Append(ramp(total-overlap, n, rate)); err != nil {
				t.Fatal(err)
			}
			total += max(0, n-overlap)
		}

		if want := min(total, r.Capacity()); r.Len() != want {
			t.Fatalf("ring holds %d frames, want %d", r.Len(), want)
		}
		all := r.Window(math.Inf(-1), math.Inf(1))
		for i := 1; i < all.Len(); i++ {
			if all.T(i) <= all.T(i-1) {
				t.Fatalf("times not increasing at row %d: %v then %v", i, all.T(i-1), all.T(i))
			}
		}
		if total > 0 && math.Abs(r.LastT()-float64(total-1)/rate) > 1e-9 {
			t.Fatalf("last t %v, want %v", r.LastT(), float64(total-1)/rate)
		}
	})
}
