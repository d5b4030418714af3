package waveform

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaterialize(t *testing.T) {
	v, err := Materialize(Sine(2, 0.1, 0, 0.5), 0.1, 1000)
	require.NoError(t, err)
	assert.Len(t, v, 100)
	assert.InDelta(t, 0.5, v[0], 1e-12)
	assert.InDelta(t, 2.5, v[25], 1e-9)
	assert.InDelta(t, -1.5, v[75], 1e-9)

	_, err = Materialize(Constant(1), 1e-5, 1000)
	assert.ErrorIs(t, err, ErrPeriod)

	all, err := MaterializeAll([]Func{Constant(1), Square(0, 5, 0.01)}, 0.02, 1000)
	require.NoError(t, err)
	assert.Equal(t, 1.0, all[0][7])
	assert.Equal(t, []float64{0, 0, 0, 0, 0, 5, 5, 5, 5, 5}, all[1][:10])
}

func TestResample(t *testing.T) {
	// 10 samples of a ramp over a 1 s period, resampled to 100 Hz.
	ts := make([]float64, 10)
	ys := make([]float64, 10)
	for i := range ts {
		ts[i] = 0.1 * float64(i)
		ys[i] = float64(i)
	}
	out, err := Resample(ts, ys, 100)
	require.NoError(t, err)
	assert.Len(t, out, 100)
	assert.InDelta(t, 0, out[0], 1e-9)
	assert.InDelta(t, 4.5, out[45], 1e-9)
	assert.InDelta(t, 9, out[90], 1e-9)
	// Past the last input the signal returns towards the first value.
	assert.InDelta(t, 4.5, out[95], 1e-9)

	_, err = Resample([]float64{0}, []float64{1}, 100)
	assert.Error(t, err)
	_, err = Resample([]float64{0, 1}, []float64{1}, 100)
	assert.Error(t, err)

	all, err := ResampleAll(ts, [][]float64{ys, ys}, 100)
	require.NoError(t, err)
	assert.Equal(t, all[0], all[1])
}

func TestDecayingSine(t *testing.T) {
	f := DecayingSine(4, 10, 1)
	assert.Equal(t, 0.0, f(1.5))
	assert.InDelta(t, 4*0.975, f(0.025), 1e-9)
	assert.InDelta(t, 0, f(0.5), 1e-9)
	assert.True(t, math.Abs(f(0.725)) < 4*0.3)
}
