package kerrdaq

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/mokelab/kerrdaq/internal/boundedchan"
	"github.com/mokelab/kerrdaq/ringbuffer"
	"github.com/mokelab/kerrdaq/waveform"
	"golang.org/x/time/rate"
	"gonum.org/v1/gonum/mat"
)

// MaxVoltage is the output range of the analog outputs (V).
const MaxVoltage = 10.0

// Calibration maps an input instrument's volts to physical units:
// calibrated = Scale · volts + Offset.
type Calibration struct {
	Scale  *mat.Dense
	Offset []float64 // nil means no offset
}

// NewCalibration builds a Calibration for n channels from its configuration.
func NewCalibration(cc *CalibrationConfig, n int) (*Calibration, error) {
	if cc == nil {
		return nil, nil
	}
	if len(cc.Scale) != n*n || (len(cc.Offset) != 0 && len(cc.Offset) != n) {
		return nil, configErrorf("calibration is not %dx%d", n, n)
	}
	c := &Calibration{Scale: mat.NewDense(n, n, append([]float64(nil), cc.Scale...))}
	if len(cc.Offset) > 0 {
		c.Offset = append([]float64(nil), cc.Offset...)
	}
	return c, nil
}

// Apply returns a calibrated copy of f. The time column is unchanged.
func (c *Calibration) Apply(f ringbuffer.Frames) ringbuffer.Frames {
	n := f.Len()
	out := ringbuffer.NewFrames(n, f.Ncols)
	if n == 0 || f.Ncols < 2 {
		return out
	}
	volts := mat.NewDense(n, f.Ncols, f.Data[:n*f.Ncols]).Slice(0, n, 1, f.Ncols)
	dst := mat.NewDense(n, f.Ncols, out.Data).Slice(0, n, 1, f.Ncols).(*mat.Dense)
	dst.Mul(volts, c.Scale.T())
	for i := range n {
		row := out.Row(i)
		row[0] = f.T(i)
		for j, off := range c.Offset {
			row[j+1] += off
		}
	}
	return out
}

// InputInstrument is a group of inputs on one device with its own ring buffer.
type InputInstrument struct {
	name   string
	ports  []string
	rate   float64 // hardware sample rate
	engine *Engine
	ring   *ringbuffer.Ring

	lock        sync.Mutex // guards everything below
	sub         *ringbuffer.Subsampler
	calib       *Calibration
	subscribers map[int]*boundedchan.BoundedChannel[ringbuffer.Frames]
	nextID      int
}

func newInputInstrument(e *Engine, ic InputConfig) (*InputInstrument, error) {
	calib, err := NewCalibration(ic.Calibration, len(ic.Ports))
	if err != nil {
		return nil, fmt.Errorf("input %q: %w", ic.Name, err)
	}
	ft := ic.FlushingTime
	if ft <= 0 {
		ft = e.cfg.FlushingTime
	}
	k := max(1, ic.Subsample)
	return &InputInstrument{
		name:        ic.Name,
		ports:       append([]string(nil), ic.Ports...),
		rate:        e.cfg.Rate,
		engine:      e,
		ring:        ringbuffer.New(len(ic.Ports), e.cfg.Rate/float64(k), ft),
		sub:         ringbuffer.NewSubsampler(k),
		calib:       calib,
		subscribers: make(map[int]*boundedchan.BoundedChannel[ringbuffer.Frames]),
	}, nil
}

// Name returns the instrument name.
func (in *InputInstrument) Name() string {
	return in.name
}

// Ports returns the port names, in column order.
func (in *InputInstrument) Ports() []string {
	return append([]string(nil), in.ports...)
}

// Rate returns the rate of the stored frames: the hardware rate divided by
// the subsampling factor.
func (in *InputInstrument) Rate() float64 {
	return in.ring.Rate()
}

// push stores a batch from the engine and hands it to subscribers.
func (in *InputInstrument) push(f ringbuffer.Frames) {
	in.lock.Lock()
	defer in.lock.Unlock()
	f = in.sub.Push(f)
	if f.Len() == 0 {
		return
	}
	if err := in.ring.Append(f); err != nil {
		ProblemLogger.Printf("input %s: %v", in.name, err)
		return
	}
	// Each subscriber owns its batch.
	for _, bc := range in.subscribers {
		bc.In() <- f.Copy()
	}
}

// reset empties the history before a new run, whose clock restarts at zero.
func (in *InputInstrument) reset() {
	in.lock.Lock()
	defer in.lock.Unlock()
	in.sub.SetFactor(in.sub.Factor())
	in.ring.Reset()
}

// GetRawData returns the stored frames with t0 <= t <= t1, in volts.
func (in *InputInstrument) GetRawData(t0, t1 float64) ringbuffer.Frames {
	return in.ring.Window(t0, t1)
}

// GetData returns the stored frames with t0 <= t <= t1. With wait it first
// blocks until t1 has been acquired; with calibrated it applies the
// instrument's calibration, if any.
func (in *InputInstrument) GetData(ctx context.Context, t0, t1 float64, wait, calibrated bool) (ringbuffer.Frames, error) {
	if wait {
		if err := in.WaitForTime(ctx, t1); err != nil {
			return ringbuffer.Frames{Ncols: in.ring.Ncols()}, err
		}
	}
	f := in.ring.Window(t0, t1)
	if calibrated {
		if c := in.Calibration(); c != nil {
			f = c.Apply(f)
		}
	}
	return f, nil
}

// GetLastDataPoint returns the newest frame (t first), or nil before any data.
func (in *InputInstrument) GetLastDataPoint() []float64 {
	return in.ring.Last()
}

// GetTime returns the time of the newest stored frame, or -Inf before any data.
func (in *InputInstrument) GetTime() float64 {
	return in.ring.LastT()
}

// WaitForTime blocks until a frame with time >= t is stored. It fails with
// ErrEngineExited if the engine stops first, and with ErrNotRunning if it
// is not running at all.
func (in *InputInstrument) WaitForTime(ctx context.Context, t float64) error {
	if in.ring.LastT() >= t {
		return nil
	}
	done, running := in.engine.runDone()
	if !running {
		return ErrNotRunning
	}
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go func() {
		select {
		case <-done:
			cancel(ErrEngineExited)
		case <-ctx.Done():
		}
	}()
	if err := in.ring.WaitForTime(ctx, t); err != nil {
		if in.ring.LastT() >= t {
			return nil
		}
		return context.Cause(ctx)
	}
	return nil
}

// FlushingTime returns the seconds of history kept.
func (in *InputInstrument) FlushingTime() float64 {
	return in.ring.FlushingTime()
}

// SetFlushingTime resizes the ring buffer, keeping the newest frames.
func (in *InputInstrument) SetFlushingTime(seconds float64) error {
	if seconds <= 0 || math.IsNaN(seconds) {
		return configErrorf("flushing time %v must be positive", seconds)
	}
	in.ring.SetFlushingTime(seconds)
	return nil
}

// Subsampling returns the number of hardware samples averaged per stored frame.
func (in *InputInstrument) Subsampling() int {
	in.lock.Lock()
	defer in.lock.Unlock()
	return in.sub.Factor()
}

// SetSubsampling changes the subsampling factor. Samples held for an
// incomplete group are discarded.
func (in *InputInstrument) SetSubsampling(k int) error {
	if k < 1 {
		return configErrorf("subsampling factor %d must be at least 1", k)
	}
	in.lock.Lock()
	defer in.lock.Unlock()
	in.sub.SetFactor(k)
	in.ring.SetRate(in.rate / float64(k))
	return nil
}

// Calibration returns the current calibration, or nil.
func (in *InputInstrument) Calibration() *Calibration {
	in.lock.Lock()
	defer in.lock.Unlock()
	return in.calib
}

// SetCalibration replaces the calibration; nil removes it.
func (in *InputInstrument) SetCalibration(c *Calibration) error {
	if c != nil {
		n := len(in.ports)
		if r, cols := c.Scale.Dims(); r != n || cols != n || (c.Offset != nil && len(c.Offset) != n) {
			return configErrorf("input %q: calibration is not %dx%d", in.name, n, n)
		}
	}
	in.lock.Lock()
	defer in.lock.Unlock()
	in.calib = c
	return nil
}

// Subscribe returns a channel receiving every batch stored from now on, and
// a function that ends the subscription. At most depth batches are queued;
// a slow receiver loses the oldest. Every receiver gets its own copy.
func (in *InputInstrument) Subscribe(depth int) (<-chan ringbuffer.Frames, func()) {
	bc := boundedchan.NewBoundedChannel[ringbuffer.Frames](depth)
	in.lock.Lock()
	id := in.nextID
	in.nextID++
	in.subscribers[id] = bc
	in.lock.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			in.lock.Lock()
			delete(in.subscribers, id)
			close(bc.In())
			in.lock.Unlock()
			go func() {
				for range bc.Out() {
				}
			}()
		})
	}
	return bc.Out(), cancel
}

// OutputInstrument is a group of analog outputs staged together.
type OutputInstrument struct {
	name   string
	ports  []string
	gain   []float64
	offset []float64
	engine *Engine

	// The tuner restages every iteration; repeated clamp warnings are thinned.
	clampWarn rate.Sometimes
}

func newOutputInstrument(e *Engine, oc OutputConfig) *OutputInstrument {
	return &OutputInstrument{
		name:   oc.Name,
		ports:  append([]string(nil), oc.Ports...),
		gain:   append([]float64(nil), oc.Gain...),
		offset: append([]float64(nil), oc.Offset...),
		engine: e,

		clampWarn: rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
}

// Name returns the instrument name.
func (o *OutputInstrument) Name() string {
	return o.name
}

// Ports returns the port names, in waveform order.
func (o *OutputInstrument) Ports() []string {
	return append([]string(nil), o.ports...)
}

// Rate returns the output sample rate.
func (o *OutputInstrument) Rate() float64 {
	return o.engine.cfg.Rate
}

// OutputLatency returns how far ahead of playback new samples are written:
// the two refresh periods held in the output buffer.
func (o *OutputInstrument) OutputLatency() float64 {
	return 2 * float64(o.engine.cfg.refreshSamples()) / o.engine.cfg.Rate
}

// StageData samples one periodic function per port over its period and
// stages the result. A single period applies to every port. With
// useCalibration the values are converted to volts as Gain·x + Offset.
//
// With autostart the staged waveforms play at once, starting the engine if
// needed; the returned time is when they start and started is true.
// Otherwise they wait for the next ChangeOutput.
func (o *OutputInstrument) StageData(funcs []waveform.Func, periods []float64, autostart, indexReset, useCalibration bool) (startT float64, started bool, err error) {
	if len(funcs) != len(o.ports) {
		return 0, false, configErrorf("output %q: %d functions for %d ports", o.name, len(funcs), len(o.ports))
	}
	if len(periods) != 1 && len(periods) != len(funcs) {
		return 0, false, configErrorf("output %q: %d periods for %d functions", o.name, len(periods), len(funcs))
	}
	waves := make([][]float64, len(funcs))
	for i, f := range funcs {
		period := periods[0]
		if len(periods) > 1 {
			period = periods[i]
		}
		w, err := waveform.Materialize(f, period, o.Rate())
		if err != nil {
			return 0, false, fmt.Errorf("output %q port %s: %w", o.name, o.ports[i], err)
		}
		if useCalibration {
			o.calibrate(i, w)
		}
		waves[i] = w
	}
	return o.commit(waves, autostart, indexReset)
}

// StageInterp resamples signal (one row per port, sampled at times t over
// one period) to the output rate and stages it, like StageData.
func (o *OutputInstrument) StageInterp(t []float64, signal [][]float64, autostart, indexReset bool) (float64, bool, error) {
	if len(signal) != len(o.ports) {
		return 0, false, configErrorf("output %q: %d signals for %d ports", o.name, len(signal), len(o.ports))
	}
	waves, err := waveform.ResampleAll(t, signal, o.Rate())
	if err != nil {
		return 0, false, fmt.Errorf("output %q: %w", o.name, err)
	}
	return o.commit(waves, autostart, indexReset)
}

// StageWaveforms stages volts sampled at the output rate and plays them at
// once, returning their start time.
func (o *OutputInstrument) StageWaveforms(waves [][]float64, indexReset bool) (float64, error) {
	if len(waves) != len(o.ports) {
		return 0, configErrorf("output %q: %d waveforms for %d ports", o.name, len(waves), len(o.ports))
	}
	copied := make([][]float64, len(waves))
	for i, w := range waves {
		copied[i] = append([]float64(nil), w...)
	}
	t, _, err := o.commit(copied, true, indexReset)
	return t, err
}

func (o *OutputInstrument) calibrate(port int, w []float64) {
	g, off := 1.0, 0.0
	if len(o.gain) > 0 {
		g = o.gain[port]
	}
	if len(o.offset) > 0 {
		off = o.offset[port]
	}
	for j := range w {
		w[j] = g*w[j] + off
	}
}

// commit clamps and stages waves, then applies them when autostart is set.
func (o *OutputInstrument) commit(waves [][]float64, autostart, indexReset bool) (float64, bool, error) {
	staged := make(map[string][]float64, len(waves))
	resets := make(map[string]bool, len(waves))
	for i, w := range waves {
		if len(w) == 0 {
			return 0, false, configErrorf("output %q port %s: empty waveform", o.name, o.ports[i])
		}
		if n := clampVolts(w); n > 0 {
			o.clampWarn.Do(func() {
				ProblemLogger.Printf("output %s port %s: %d samples clamped to ±%v V", o.name, o.ports[i], n, MaxVoltage)
			})
		}
		staged[o.ports[i]] = w
		resets[o.ports[i]] = indexReset
	}
	if err := o.engine.Stage(staged, resets); err != nil {
		return 0, false, err
	}
	if !autostart {
		return 0, false, nil
	}
	if !o.engine.IsRunning() {
		// Waveforms staged while stopped play from t = 0.
		if err := o.engine.Start(); err != nil {
			return 0, false, err
		}
		return 0, true, nil
	}
	t, err := o.engine.ChangeOutput()
	if err != nil {
		return 0, false, err
	}
	return t, true, nil
}

// clampVolts limits w to ±MaxVoltage in place and returns how many samples it changed.
func clampVolts(w []float64) int {
	n := 0
	for i, v := range w {
		switch {
		case v > MaxVoltage:
			w[i] = MaxVoltage
			n++
		case v < -MaxVoltage:
			w[i] = -MaxVoltage
			n++
		case math.IsNaN(v):
			w[i] = 0
			n++
		}
	}
	return n
}
