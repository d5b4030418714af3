package hexapole

import (
	"bytes"
	"log"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/mokelab/kerrdaq/waveform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lockedBuffer is a log destination safe to read while goroutines write.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestInverter(t *testing.T, b *Bundle, mode DriveMode, out *lockedBuffer) *Inverter {
	t.Helper()
	cfg := Config{Rate: 1000, Mode: mode}
	if out != nil {
		cfg.Logger = log.New(out, "", 0)
	}
	inv, err := NewInverter(b, cfg)
	require.NoError(t, err)
	return inv
}

// sineField is a [3][n] demand with amplitude amp on x only, 10 Hz at 1 kHz.
func sineField(amp float64) [][]float64 {
	x, _ := waveform.Materialize(waveform.Sine(amp, 0.1, 0, 0), 0.1, 1000)
	return [][]float64{x, make([]float64, len(x)), make([]float64, len(x))}
}

func TestData2InstReproducesDemand(t *testing.T) {
	inv := newTestInverter(t, testBundle(), DriveCurrent, nil)
	forward := inv.PoleModel(0)

	desired := sineField(20)
	res, err := inv.Data2Inst(desired, Options{ReturnSetpoint: true, ReturnTransient: true})
	require.NoError(t, err)
	require.Len(t, res.Steady, NumPoles)
	require.Len(t, res.Transient, NumPoles)
	require.Len(t, res.Setpoint, NumPoles)
	assert.False(t, res.OutOfRange)
	assert.Zero(t, res.Clipped)

	// Playing the transient then the steady pass through the same model
	// yields the filtered demand on both passes.
	got := forward.Reconstruct(res.Transient[0])
	for i := range got {
		assert.InDelta(t, res.Setpoint[0][i], got[i], 1e-3, "transient sample %d", i)
	}
	got = forward.Reconstruct(res.Steady[0])
	for i := range got {
		assert.InDelta(t, res.Setpoint[0][i], got[i], 1e-3, "steady sample %d", i)
	}

	// The filter keeps a 10 Hz demand close to itself.
	for i := range desired[0] {
		assert.InDelta(t, desired[0][i], res.Setpoint[0][i], 0.1*20)
	}

	// The model memory persists: the core now sits on the loop.
	assert.NotEmpty(t, inv.Memory(0))
	inv.Degaussed()
	assert.Len(t, inv.Memory(0), 20)
}

func TestData2InstOptions(t *testing.T) {
	inv := newTestInverter(t, testBundle(), DriveCurrent, nil)
	res, err := inv.Data2Inst(sineField(10), Options{Repetitions: 3})
	require.NoError(t, err)
	assert.Nil(t, res.Transient)
	assert.Nil(t, res.Setpoint)
	assert.Len(t, res.Steady[2], 100)

	_, err = inv.Data2Inst(sineField(10)[:2], Options{})
	assert.ErrorIs(t, err, ErrShape)
	bad := sineField(10)
	bad[1] = bad[1][:50]
	_, err = inv.Data2Inst(bad, Options{})
	assert.ErrorIs(t, err, ErrShape)
	_, err = inv.Data2Inst([][]float64{{1}, {1}, {1}}, Options{})
	assert.ErrorIs(t, err, ErrShape)

	_, err = NewInverter(testBundle(), Config{})
	assert.Error(t, err)
	_, err = NewInverter(&Bundle{}, Config{Rate: 1000})
	assert.ErrorIs(t, err, ErrShape)
}

func TestData2InstFieldToPole(t *testing.T) {
	plain := newTestInverter(t, testBundle(), DriveCurrent, nil)
	want, err := plain.Data2Inst(sineField(20), Options{})
	require.NoError(t, err)

	b := testBundle()
	b.FieldToPole = []float64{0, 1, 0, 1, 0, 0, 0, 0, 1}
	swapped := newTestInverter(t, b, DriveCurrent, nil)
	got, err := swapped.Data2Inst(sineField(20), Options{})
	require.NoError(t, err)
	assert.InDeltaSlice(t, want.Steady[0], got.Steady[1], 1e-9)
	assert.InDeltaSlice(t, want.Steady[1], got.Steady[0], 1e-9)
	assert.NotNil(t, swapped.FieldToPole())
	assert.Nil(t, plain.FieldToPole())
}

func TestData2InstWarnings(t *testing.T) {
	var logs lockedBuffer
	b := testBundle()
	for i := range b.Poles {
		b.Poles[i].R = 100
	}
	inv := newTestInverter(t, b, DriveVoltage, &logs)
	res, err := inv.Data2Inst(sineField(60), Options{})
	require.NoError(t, err)
	assert.True(t, res.OutOfRange)
	assert.Positive(t, res.Clipped)
	for _, v := range res.Steady[0] {
		assert.LessOrEqual(t, math.Abs(v), 10.0)
	}
	assert.True(t, strings.Contains(logs.String(), "fields out of range"))
	assert.True(t, strings.Contains(logs.String(), "clamped"))
}

func TestInvertRL(t *testing.T) {
	const rate, n = 1000.0, 100
	r, l := 2.0, 0.01
	w := 2 * math.Pi * 10
	current := make([]float64, n)
	for i := range current {
		current[i] = math.Sin(w * float64(i) / rate)
	}
	v := InvertRL(current, rate, r, l, 100)
	for i := range v {
		ti := float64(i) / rate
		want := 0.5 * (r*math.Sin(w*ti) + l*w*math.Cos(w*ti))
		assert.InDelta(t, want, v[i], 1e-9, "sample %d", i)
	}
	assert.InDelta(t, 1.048, 0.5*math.Hypot(r, w*l), 1e-3)

	// Content above the cutoff is removed.
	noisy := make([]float64, n)
	for i := range noisy {
		ti := float64(i) / rate
		noisy[i] = math.Sin(w*ti) + 0.5*math.Sin(2*math.Pi*200*ti)
	}
	v = InvertRL(noisy, rate, 2, 0, 100)
	for i := range v {
		assert.InDelta(t, math.Sin(w*float64(i)/rate), v[i], 1e-9, "sample %d", i)
	}
}

func TestBinFilter(t *testing.T) {
	flat := make([]float64, 100)
	for i := range flat {
		flat[i] = 3
	}
	assert.InDeltaSlice(t, flat, binFilter(flat, 5), 1e-12)

	spike := make([]float64, 100)
	spike[50] = 10
	out := binFilter(spike, 5)
	assert.Less(t, out[50], 3.0)
	assert.InDelta(t, 10.0, sum(out), 1.0)

	// Too short to bin: unchanged copy.
	short := []float64{1, 2, 3}
	got := binFilter(short, 5)
	assert.Equal(t, short, got)
	got[0] = 9
	assert.Equal(t, 1.0, short[0])
}

func sum(v []float64) float64 {
	s := 0.0
	for _, x := range v {
		s += x
	}
	return s
}
