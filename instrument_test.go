package kerrdaq

import (
	"context"
	"math"
	"testing"

	"github.com/mokelab/kerrdaq/ringbuffer"
	"github.com/mokelab/kerrdaq/waveform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestCalibrationApply(t *testing.T) {
	c, err := NewCalibration(&CalibrationConfig{Scale: []float64{2, 0, 1, -1}, Offset: []float64{0.5, 0}}, 2)
	require.NoError(t, err)
	f, err := ringbuffer.FramesFromColumns([]float64{0, 1}, [][]float64{{1, 2}, {3, 4}})
	require.NoError(t, err)

	g := c.Apply(f)
	assert.Equal(t, []float64{0, 2.5, -2, 1, 4.5, -2}, g.Data)
	assert.Equal(t, []float64{0, 1, 3, 1, 2, 4}, f.Data, "input unchanged")

	_, err = NewCalibration(&CalibrationConfig{Scale: []float64{1}}, 2)
	assert.ErrorIs(t, err, ErrConfig)
	c, err = NewCalibration(nil, 2)
	assert.NoError(t, err)
	assert.Nil(t, c)
}

func TestClampVolts(t *testing.T) {
	w := []float64{0, 11, -10, -12.5, math.NaN(), 9.99}
	assert.Equal(t, 3, clampVolts(w))
	assert.Equal(t, []float64{0, 10, -10, -10, 0, 9.99}, w)
}

func newIdleEngine(t *testing.T) *Engine {
	cfg := loopbackConfig()
	cfg.Outputs[0].Gain = []float64{0.5}
	cfg.Outputs[0].Offset = []float64{0.1}
	cfg.Inputs = append(cfg.Inputs, InputConfig{
		Name:        "hall",
		Ports:       []string{"Dev1/ai1", "Dev1/ai2"},
		Calibration: &CalibrationConfig{Scale: []float64{10, 0, 0, 10}},
	})
	e, err := NewEngine(cfg)
	require.NoError(t, err)
	return e
}

func TestInputInstrumentStorage(t *testing.T) {
	e := newIdleEngine(t)
	hall, err := e.Input("hall")
	require.NoError(t, err)
	assert.Equal(t, []string{"Dev1/ai1", "Dev1/ai2"}, hall.Ports())
	assert.Equal(t, testRate, hall.Rate())
	assert.True(t, math.IsInf(hall.GetTime(), -1))
	assert.Nil(t, hall.GetLastDataPoint())

	frames, cancel := hall.Subscribe(4)
	defer cancel()
	f, err := ringbuffer.FramesFromColumns([]float64{0, 1e-4, 2e-4}, [][]float64{{1, 2, 3}, {0.1, 0.2, 0.3}})
	require.NoError(t, err)
	hall.push(f)
	assert.Equal(t, f, <-frames)

	assert.Equal(t, 2e-4, hall.GetTime())
	assert.Equal(t, []float64{2e-4, 3, 0.3}, hall.GetLastDataPoint())
	raw, err := hall.GetData(context.Background(), 0, 1e-4, false, false)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1, 0.1, 1e-4, 2, 0.2}, raw.Data)
	cal, err := hall.GetData(context.Background(), 0, 1e-4, false, true)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0, 10, 1, 1e-4, 20, 2}, cal.Data, 1e-12)

	require.NoError(t, hall.SetCalibration(nil))
	cal, _ = hall.GetData(context.Background(), 0, 1e-4, false, true)
	assert.Equal(t, raw.Data, cal.Data)
	assert.ErrorIs(t, hall.SetCalibration(&Calibration{Scale: mat.NewDense(1, 1, []float64{1})}), ErrConfig)

	_, err = hall.GetData(context.Background(), 0, 1, true, false)
	assert.ErrorIs(t, err, ErrNotRunning)

	hall.reset()
	assert.Zero(t, hall.ring.Len())
}

func TestSubscribersGetTheirOwnBatches(t *testing.T) {
	e := newIdleEngine(t)
	probe, _ := e.Input("probe")
	first, cancel1 := probe.Subscribe(4)
	defer cancel1()
	second, cancel2 := probe.Subscribe(4)
	defer cancel2()

	f, err := ringbuffer.FramesFromColumns([]float64{0, 1e-4}, [][]float64{{1, 2}})
	require.NoError(t, err)
	probe.push(f)
	a, b := <-first, <-second
	for i := range a.Data {
		a.Data[i] = -99
	}
	assert.Equal(t, []float64{0, 1, 1e-4, 2}, b.Data)
	assert.Equal(t, []float64{1e-4, 2}, probe.GetLastDataPoint())
}

func TestInputInstrumentSettings(t *testing.T) {
	e := newIdleEngine(t)
	probe, _ := e.Input("probe")
	assert.Equal(t, 2.0, probe.FlushingTime())
	require.NoError(t, probe.SetFlushingTime(0.5))
	assert.Equal(t, 0.5, probe.FlushingTime())
	assert.ErrorIs(t, probe.SetFlushingTime(0), ErrConfig)
	assert.ErrorIs(t, probe.SetFlushingTime(math.NaN()), ErrConfig)

	assert.Equal(t, 1, probe.Subsampling())
	require.NoError(t, probe.SetSubsampling(4))
	assert.Equal(t, 4, probe.Subsampling())
	assert.Equal(t, testRate/4, probe.Rate())
	assert.ErrorIs(t, probe.SetSubsampling(0), ErrConfig)

	f, err := ringbuffer.FramesFromColumns([]float64{0, 1, 2, 3, 4, 5}, [][]float64{{1, 1, 1, 5, 9, 9}})
	require.NoError(t, err)
	probe.push(f)
	assert.Equal(t, []float64{1.5, 2}, probe.GetLastDataPoint())
}

func TestOutputStagingWhileStopped(t *testing.T) {
	e := newIdleEngine(t)
	coil, err := e.Output("coil")
	require.NoError(t, err)
	assert.Equal(t, "coil", coil.Name())
	assert.Equal(t, []string{"Dev1/ao0"}, coil.Ports())
	assert.Equal(t, testRate, coil.Rate())

	startT, started, err := coil.StageData([]waveform.Func{waveform.Constant(4)}, []float64{0.001}, false, true, true)
	require.NoError(t, err)
	assert.False(t, started)
	assert.Zero(t, startT)
	require.Len(t, e.initial[0], 10)
	assert.InDelta(t, 2.1, e.initial[0][0], 1e-12)

	_, started, err = coil.StageInterp([]float64{0, 0.001}, [][]float64{{0, 50}}, false, true)
	require.NoError(t, err)
	assert.False(t, started)
	require.Len(t, e.initial[0], 20)
	assert.Equal(t, MaxVoltage, e.initial[0][10])

	_, _, err = coil.StageInterp([]float64{0, 0.001}, nil, false, true)
	assert.ErrorIs(t, err, ErrConfig)
	_, err = coil.StageWaveforms([][]float64{{}}, true)
	assert.ErrorIs(t, err, ErrConfig)
}
