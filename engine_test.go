package kerrdaq

import (
	"context"
	"errors"
	"math"
	"math/cmplx"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mokelab/kerrdaq/daqmx"
	"github.com/mokelab/kerrdaq/waveform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/dsp/fourier"
)

const testRate = 10000.0

// loopbackConfig wires Dev1/ao0 to Dev1/ai0 with no delay.
func loopbackConfig() EngineConfig {
	return EngineConfig{
		Rate:         testRate,
		FlushingTime: 2,
		Outputs:      []OutputConfig{{Name: "coil", Ports: []string{"Dev1/ao0"}}},
		Inputs:       []InputConfig{{Name: "probe", Ports: []string{"Dev1/ai0"}}},
		NoHardware: daqmx.NoHardwareConfig{
			Loopback: map[string]string{"Dev1/ai0": "Dev1/ao0"},
		},
	}
}

// newTestEngine runs cfg in this process on a simulated driver and stops it
// when the test ends.
func newTestEngine(t *testing.T, cfg EngineConfig) (*Engine, *daqmx.NoHardware) {
	t.Helper()
	nh := daqmx.NewNoHardware(cfg.NoHardware)
	e, err := NewEngine(cfg, WithDriver(nh))
	require.NoError(t, err)
	t.Cleanup(func() { e.Stop() })
	return e, nh
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestOpenAndShut(t *testing.T) {
	e, nh := newTestEngine(t, loopbackConfig())
	coil, err := e.Output("coil")
	require.NoError(t, err)
	probe, err := e.Input("probe")
	require.NoError(t, err)

	startT, started, err := coil.StageData([]waveform.Func{waveform.Constant(1)}, []float64{0.01}, true, true, false)
	require.NoError(t, err)
	assert.True(t, started)
	assert.Zero(t, startT)
	assert.Equal(t, Active, e.State())

	time.Sleep(500 * time.Millisecond)
	assert.InDelta(t, 1.0, nh.OutputLevel("Dev1/ao0"), 1e-9)
	require.NoError(t, e.Stop())

	assert.Equal(t, Inactive, e.State())
	assert.NoError(t, e.Err())
	assert.GreaterOrEqual(t, probe.ring.Len(), 4500)
	assert.GreaterOrEqual(t, probe.GetTime(), 0.45)
	assert.Zero(t, nh.OutputLevel("Dev1/ao0"))

	// Stopping again is harmless.
	assert.NoError(t, e.Stop())
}

func TestSineSpectrum(t *testing.T) {
	e, _ := newTestEngine(t, loopbackConfig())
	coil, _ := e.Output("coil")
	probe, _ := e.Input("probe")

	_, _, err := coil.StageData([]waveform.Func{waveform.Sine(1, 0.1, 0, 0)}, []float64{0.1}, true, true, false)
	require.NoError(t, err)
	f, err := probe.GetData(testContext(t), 0, 1-0.5/testRate, true, false)
	require.NoError(t, err)

	n := f.Len()
	require.InDelta(t, 10000, n, 1)
	fft := fourier.NewFFT(n)
	coeff := fft.Coefficients(nil, f.Column(1))
	peak := 1
	for k := 2; k < len(coeff); k++ {
		if cmplx.Abs(coeff[k]) > cmplx.Abs(coeff[peak]) {
			peak = k
		}
	}
	assert.InDelta(t, 10.0, fft.Freq(peak)*testRate, 0.5)
	assert.InDelta(t, 1.0, 2*cmplx.Abs(coeff[peak])/float64(n), 0.05)
}

func TestGlitchFreeUpdate(t *testing.T) {
	e, _ := newTestEngine(t, loopbackConfig())
	coil, _ := e.Output("coil")
	probe, _ := e.Input("probe")
	ctx := testContext(t)

	_, _, err := coil.StageData([]waveform.Func{waveform.Constant(1)}, []float64{0.01}, true, true, false)
	require.NoError(t, err)
	require.NoError(t, probe.WaitForTime(ctx, 0.5))

	startT, started, err := coil.StageData([]waveform.Func{waveform.Constant(2)}, []float64{0.01}, true, false, false)
	require.NoError(t, err)
	require.True(t, started)
	assert.GreaterOrEqual(t, startT, 0.5)
	assert.Less(t, startT, 1.0)

	f, err := probe.GetData(ctx, 0, startT+0.2, true, false)
	require.NoError(t, err)
	require.Positive(t, f.Len())
	assert.Zero(t, f.T(0))
	for i := range f.Len() {
		want := 1.0
		if f.T(i) >= startT-0.5/testRate {
			want = 2.0
		}
		if !assert.InDelta(t, want, f.Row(i)[1], 1e-9, "t=%v", f.T(i)) {
			break
		}
	}
}

func TestChangeOutputCommitsEverythingStaged(t *testing.T) {
	cfg := loopbackConfig()
	cfg.Outputs = []OutputConfig{
		{Name: "x", Ports: []string{"Dev1/ao0"}},
		{Name: "y", Ports: []string{"Dev1/ao1"}},
	}
	cfg.Inputs = []InputConfig{{Name: "probe", Ports: []string{"Dev1/ai0", "Dev1/ai1"}}}
	cfg.NoHardware.Loopback = map[string]string{"Dev1/ai0": "Dev1/ao0", "Dev1/ai1": "Dev1/ao1"}
	e, _ := newTestEngine(t, cfg)
	probe, _ := e.Input("probe")
	ctx := testContext(t)

	_, err := e.ChangeOutput()
	assert.ErrorIs(t, err, ErrNotRunning)
	require.NoError(t, e.Start())
	assert.ErrorIs(t, e.Start(), ErrAlreadyRunning)
	require.NoError(t, probe.WaitForTime(ctx, 0.2))

	x, _ := e.Output("x")
	y, _ := e.Output("y")
	_, started, err := x.StageData([]waveform.Func{waveform.Constant(3)}, []float64{0.01}, false, true, false)
	require.NoError(t, err)
	assert.False(t, started)
	_, _, err = y.StageData([]waveform.Func{waveform.Constant(-3)}, []float64{0.01}, false, true, false)
	require.NoError(t, err)
	startT, err := e.ChangeOutput()
	require.NoError(t, err)

	f, err := probe.GetData(ctx, startT-0.05, startT+0.05, true, false)
	require.NoError(t, err)
	for i := range f.Len() {
		row := f.Row(i)
		if row[0] < startT-0.5/testRate {
			assert.Zero(t, row[1])
			assert.Zero(t, row[2])
		} else {
			assert.Equal(t, 3.0, row[1])
			assert.Equal(t, -3.0, row[2])
		}
	}

	// An empty commit still reports when it would have started.
	t2, err := e.ChangeOutput()
	require.NoError(t, err)
	assert.Greater(t, t2, startT)
}

func TestStageErrors(t *testing.T) {
	cfg := loopbackConfig()
	e, _ := newTestEngine(t, cfg)
	assert.ErrorIs(t, e.Stage(map[string][]float64{"Dev1/ao7": {1}}, nil), ErrUnknownPort)
	assert.ErrorIs(t, e.Stage(map[string][]float64{"Dev1/ao0": {}}, nil), ErrConfig)
	_, err := e.Output("nope")
	assert.ErrorIs(t, err, ErrUnknownInstrument)
	_, err = e.Input("nope")
	assert.ErrorIs(t, err, ErrUnknownInstrument)

	coil, _ := e.Output("coil")
	_, _, err = coil.StageData(nil, []float64{0.1}, false, true, false)
	assert.ErrorIs(t, err, ErrConfig)
	_, _, err = coil.StageData([]waveform.Func{waveform.Constant(0)}, []float64{0.1, 0.2}, false, true, false)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestFlushingTimeOverflow(t *testing.T) {
	cfg := loopbackConfig()
	cfg.Inputs[0].FlushingTime = 0.2
	e, _ := newTestEngine(t, cfg)
	probe, _ := e.Input("probe")
	coil, _ := e.Output("coil")

	_, _, err := coil.StageData([]waveform.Func{waveform.Constant(0.8)}, []float64{0.01}, true, true, false)
	require.NoError(t, err)
	require.NoError(t, probe.WaitForTime(testContext(t), 1.0))
	require.NoError(t, e.Stop())

	tEnd := probe.GetTime()
	require.GreaterOrEqual(t, tEnd, 1.0)
	f := probe.GetRawData(tEnd-1, tEnd)
	assert.InDelta(t, 2000, f.Len(), 20)
	assert.InDelta(t, tEnd-0.2, f.T(0), 20/testRate)
	assert.Equal(t, tEnd, f.T(f.Len()-1))

	// Nothing older than the flushing time survives.
	g := probe.GetRawData(0, 1)
	require.Positive(t, g.Len())
	assert.GreaterOrEqual(t, g.T(0), 0.8-20/testRate)
	assert.InDelta(t, 1.0, g.T(g.Len()-1), 1/testRate)
}

func TestTwoDeviceAlignment(t *testing.T) {
	const offset = 0.0123
	cfg := EngineConfig{
		Rate:         testRate,
		FlushingTime: 2,
		Outputs:      []OutputConfig{{Name: "coil", Ports: []string{"Dev1/ao0"}}},
		Inputs:       []InputConfig{{Name: "remote", Ports: []string{"Dev2/ai0"}}},
		Clock: ClockConfig{
			TickOutput: "Dev1/ao2",
			TickInput:  "Dev2/ai3",
			TickPeriod: 0.05,
			Threshold:  2.5,
		},
		NoHardware: daqmx.NoHardwareConfig{
			Loopback:     map[string]string{"Dev2/ai0": "Dev1/ao0", "Dev2/ai3": "Dev1/ao2"},
			DeviceOffset: map[string]float64{"Dev2": offset},
			DriftPPM:     map[string]float64{"Dev2": 50},
		},
	}
	e, _ := newTestEngine(t, cfg)
	coil, _ := e.Output("coil")
	remote, _ := e.Input("remote")
	ctx := testContext(t)

	const period = 0.1
	_, _, err := coil.StageData([]waveform.Func{waveform.Sine(1, period, 0, 0)}, []float64{period}, true, true, false)
	require.NoError(t, err)
	require.NoError(t, remote.WaitForTime(ctx, 1.0))
	require.NoError(t, e.Stop())

	all := remote.GetRawData(math.Inf(-1), math.Inf(1))
	require.Greater(t, all.Len(), 5000)
	for i := 1; i < all.Len(); i++ {
		if !assert.Greater(t, all.T(i), all.T(i-1), "row %d", i) {
			break
		}
	}

	// Fit the phase of the slave's copy of the sine after the first ticks.
	f := remote.GetRawData(0.2, 0.9)
	omega := 2 * math.Pi / period
	var in, quad float64
	for i := range f.Len() {
		v := f.Row(i)[1]
		in += v * math.Sin(omega*f.T(i))
		quad += v * math.Cos(omega*f.T(i))
	}
	delay := math.Atan2(-quad, in) / omega
	assert.InDelta(t, 0, delay, 1/testRate)
	assert.InDelta(t, 0.5, math.Hypot(in, quad)/float64(f.Len()), 0.01)
}

func TestStartFailsWithoutHardware(t *testing.T) {
	cfg := loopbackConfig()
	cfg.NoHardware.FailOpen = true
	e, _ := newTestEngine(t, cfg)
	err := e.Start()
	assert.ErrorIs(t, err, ErrHardware)
	assert.Equal(t, Inactive, e.State())
	_, err = e.ChangeOutput()
	assert.ErrorIs(t, err, ErrNotRunning)

	probe, _ := e.Input("probe")
	assert.ErrorIs(t, probe.WaitForTime(testContext(t), 1), ErrNotRunning)
}

func TestInProcessDriverByName(t *testing.T) {
	cfg := loopbackConfig()
	cfg.InProcess = true
	e, err := NewEngine(cfg)
	require.NoError(t, err)
	defer e.Stop()
	require.NoError(t, e.Start())
	probe, _ := e.Input("probe")
	require.NoError(t, probe.WaitForTime(testContext(t), 0.1))
	require.NoError(t, e.Stop())

	cfg.Driver = "no-such-driver"
	e, err = NewEngine(cfg)
	require.NoError(t, err)
	assert.ErrorIs(t, e.Start(), ErrHardware)
}

// faultyDriver wraps the simulator with a task whose reads misbehave.
type faultyDriver struct {
	*daqmx.NoHardware
	read func(task daqmx.Task, timeout time.Duration) ([]daqmx.Block, error)
}

type faultyTask struct {
	daqmx.Task
	drv *faultyDriver
}

func (d *faultyDriver) OpenTask(cfg daqmx.TaskConfig) (daqmx.Task, error) {
	task, err := d.NoHardware.OpenTask(cfg)
	if err != nil {
		return nil, err
	}
	return &faultyTask{Task: task, drv: d}, nil
}

func (t *faultyTask) Read(timeout time.Duration) ([]daqmx.Block, error) {
	return t.drv.read(t.Task, timeout)
}

// runFaulty plays 1 V until the faulty reads stop the engine, and returns
// the engine's error and the final output level.
func runFaulty(t *testing.T, read func(daqmx.Task, time.Duration) ([]daqmx.Block, error)) (error, float64) {
	cfg := loopbackConfig()
	cfg.ReadTimeout = 0.02
	cfg.MaxReadTimeouts = 3
	drv := &faultyDriver{NoHardware: daqmx.NewNoHardware(cfg.NoHardware), read: read}
	e, err := NewEngine(cfg, WithDriver(drv))
	require.NoError(t, err)
	defer e.Stop()
	coil, _ := e.Output("coil")
	_, _, err = coil.StageData([]waveform.Func{waveform.Constant(1)}, []float64{0.01}, true, true, false)
	require.NoError(t, err)

	select {
	case <-e.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("engine did not stop on its own")
	}
	assert.Equal(t, Inactive, e.State())
	return e.Err(), drv.OutputLevel("Dev1/ao0")
}

func TestReadTimeoutsStopEngine(t *testing.T) {
	err, level := runFaulty(t, func(task daqmx.Task, timeout time.Duration) ([]daqmx.Block, error) {
		time.Sleep(timeout)
		return nil, daqmx.ErrTimeout
	})
	assert.ErrorIs(t, err, ErrHardware)
	assert.Zero(t, level)
}

func TestPanicInEngineZeroesOutputs(t *testing.T) {
	var reads atomic.Int32
	err, level := runFaulty(t, func(task daqmx.Task, timeout time.Duration) ([]daqmx.Block, error) {
		if reads.Add(1) > 10 {
			panic("driver bug")
		}
		return task.Read(timeout)
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")
	assert.Zero(t, level)
}

func TestReadErrorIsHardwareFailure(t *testing.T) {
	err, level := runFaulty(t, func(task daqmx.Task, timeout time.Duration) ([]daqmx.Block, error) {
		return nil, errors.New("device removed")
	})
	assert.ErrorIs(t, err, ErrHardware)
	assert.Zero(t, level)
}

// slowOpenDriver holds OpenTask until release is closed.
type slowOpenDriver struct {
	*daqmx.NoHardware
	opening chan struct{}
	release chan struct{}
}

func (d *slowOpenDriver) OpenTask(cfg daqmx.TaskConfig) (daqmx.Task, error) {
	close(d.opening)
	<-d.release
	return d.NoHardware.OpenTask(cfg)
}

func TestStageWhileStarting(t *testing.T) {
	cfg := loopbackConfig()
	drv := &slowOpenDriver{
		NoHardware: daqmx.NewNoHardware(cfg.NoHardware),
		opening:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	e, err := NewEngine(cfg, WithDriver(drv))
	require.NoError(t, err)
	defer e.Stop()

	started := make(chan error, 1)
	go func() { started <- e.Start() }()
	<-drv.opening
	require.Equal(t, Starting, e.State())

	err = e.Stage(map[string][]float64{"Dev1/ao0": {1, 1}}, nil)
	assert.ErrorIs(t, err, ErrNotRunning)
	_, err = e.ChangeOutput()
	assert.ErrorIs(t, err, ErrNotRunning)

	close(drv.release)
	require.NoError(t, <-started)
	require.NoError(t, e.Stage(map[string][]float64{"Dev1/ao0": {1, 1}}, nil))
	startT, err := e.ChangeOutput()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, startT, 0.0)
}

func TestEngineChildProcess(t *testing.T) {
	if testing.Short() {
		t.Skip("starts a child process")
	}
	cfg := loopbackConfig()
	e, err := NewEngine(cfg)
	require.NoError(t, err)
	defer e.Stop()
	coil, _ := e.Output("coil")
	probe, _ := e.Input("probe")
	ctx := testContext(t)

	_, started, err := coil.StageData([]waveform.Func{waveform.Constant(1.5)}, []float64{0.01}, true, true, false)
	require.NoError(t, err)
	require.True(t, started)
	require.NoError(t, probe.WaitForTime(ctx, 0.3))

	startT, err := coil.StageWaveforms([][]float64{{-1.5}}, true)
	require.NoError(t, err)
	require.NoError(t, probe.WaitForTime(ctx, startT+0.05))
	last := probe.GetLastDataPoint()
	require.Len(t, last, 2)
	assert.Equal(t, -1.5, last[1])

	require.NoError(t, e.Stop())
	assert.NoError(t, e.Err())
	assert.Equal(t, Inactive, e.State())

	// A stopped engine can run again, with a fresh clock.
	require.NoError(t, e.Start())
	require.NoError(t, probe.WaitForTime(ctx, 0.1))
	assert.Less(t, probe.GetTime(), 1.0)
	require.NoError(t, e.Stop())
}

func TestSubscribe(t *testing.T) {
	e, _ := newTestEngine(t, loopbackConfig())
	probe, _ := e.Input("probe")
	frames, cancel := probe.Subscribe(100)
	require.NoError(t, e.Start())

	got := 0
	deadline := time.After(5 * time.Second)
	for got < 1000 {
		select {
		case f := <-frames:
			got += f.Len()
		case <-deadline:
			t.Fatalf("only %d frames received", got)
		}
	}
	cancel()
	cancel()
	require.NoError(t, e.Stop())
}
