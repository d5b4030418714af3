package hexapole

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/mokelab/kerrdaq/waveform"
)

// Hexapole drives the magnet: it inverts field demands, plays them on the
// magnet output and optionally keeps a Tuner running against the hallprobes.
type Hexapole struct {
	inv    *Inverter
	magnet WaveformStager
	hall   FieldSource
	pid    TunerConfig

	lock     sync.Mutex
	tuner    *Tuner
	cancel   context.CancelFunc
	done     chan struct{}
	tunerErr error
}

// New binds an inverter to the magnet output and hallprobe input.
func New(inv *Inverter, magnet WaveformStager, hall FieldSource, pid TunerConfig) *Hexapole {
	if pid.Rate <= 0 {
		pid.Rate = inv.Rate()
	}
	if pid.ErrorToPole == nil {
		pid.ErrorToPole = inv.FieldToPole()
	}
	if pid.Logger == nil {
		pid.Logger = inv.cfg.Logger
	}
	return &Hexapole{inv: inv, magnet: magnet, hall: hall, pid: pid}
}

// Inverter returns the underlying inverter.
func (h *Hexapole) Inverter() *Inverter {
	return h.inv
}

// ErrNoGains means tuning was requested with all PID gains zero.
var ErrNoGains = errors.New("tuning requested but all PID gains are zero")

// SetField plays the desired sample-frame field ([3][n] mT, one period at
// the inverter rate). The transient pass plays once, then the steady pass
// loops. When tune is set, a Tuner refines the steady waveform until
// StopTuning or the next SetField. It returns the inversion result.
func (h *Hexapole) SetField(ctx context.Context, desired [][]float64, opts Options, tune bool) (*Result, error) {
	if tune && h.pid.Kp == 0 && h.pid.Ki == 0 && h.pid.Kd == 0 {
		return nil, ErrNoGains
	}
	opts.ReturnTransient = true
	opts.ReturnSetpoint = true
	res, err := h.inv.Data2Inst(desired, opts)
	if err != nil {
		return nil, err
	}
	h.StopTuning()

	period := float64(len(res.Steady[0])) / h.inv.Rate()
	before := h.hall.GetTime()
	s0, err := h.magnet.StageWaveforms(res.Transient, true)
	if err != nil {
		return nil, fmt.Errorf("staging transient: %w", err)
	}
	// Re-stage so the steady samples start about one period after the transient.
	// Before any input has arrived (the engine was just started) only the
	// magnet's own buffering is known.
	latency := s0 - before
	if math.IsInf(before, 0) || math.IsNaN(before) || latency <= 0 {
		latency = h.outputLatency()
	}
	if err := h.hall.WaitForTime(ctx, math.Max(s0, s0+period-latency)); err != nil {
		return nil, err
	}
	s1, err := h.magnet.StageWaveforms(res.Steady, false)
	if err != nil {
		return nil, fmt.Errorf("staging steady state: %w", err)
	}
	h.pid.Logger.Printf("hexapole: field of period %.4f s playing from t=%.4f s, steady from t=%.4f s", period, s0, s1)
	if !tune {
		return res, nil
	}

	tuneStart := s0 + period*math.Ceil((s1-s0)/period-1e-9)
	t, err := NewTuner(h.pid, h.hall, h.magnet, res.Setpoint, res.Steady, tuneStart)
	if err != nil {
		return nil, err
	}
	tctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	h.lock.Lock()
	h.tuner, h.cancel, h.done, h.tunerErr = t, cancel, done, nil
	h.lock.Unlock()
	go func() {
		defer close(done)
		if err := t.Run(tctx); err != nil {
			h.pid.Logger.Printf("hexapole: tuner stopped: %v", err)
			h.lock.Lock()
			h.tunerErr = err
			h.lock.Unlock()
		}
	}()
	return res, nil
}

// outputLatency is how far ahead of the newest input the magnet's staged
// samples start, when the magnet can tell.
func (h *Hexapole) outputLatency() float64 {
	if l, ok := h.magnet.(interface{ OutputLatency() float64 }); ok {
		return l.OutputLatency()
	}
	return 0
}

// StopTuning stops the running tuner, if any, and waits for it to exit.
// The last corrected waveform keeps playing.
func (h *Hexapole) StopTuning() {
	h.lock.Lock()
	cancel, done := h.cancel, h.done
	h.cancel, h.done = nil, nil
	h.lock.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// TunerStatus reports the current (or last) tuner's progress and any error
// that stopped it.
func (h *Hexapole) TunerStatus() (TunerStatus, error) {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.tuner == nil {
		return TunerStatus{}, h.tunerErr
	}
	return h.tuner.Status(), h.tunerErr
}

// Zero stops tuning and sets every coil input to zero.
func (h *Hexapole) Zero() (float64, error) {
	h.StopTuning()
	n := max(1, int(h.inv.Rate()/100))
	zeros := make([][]float64, NumPoles)
	for i := range zeros {
		zeros[i] = make([]float64, n)
	}
	return h.magnet.StageWaveforms(zeros, true)
}

// degaussTail is the silence appended to a degauss sweep (s).
const degaussTail = 0.5

// Degauss plays a sinusoid of the given amplitude (V) and frequency whose
// amplitude falls linearly to zero over duration seconds on every pole,
// then zeroes the coils and resets the model memory to the degaussed state.
func (h *Hexapole) Degauss(ctx context.Context, amplitude, freq, duration float64) error {
	if amplitude <= 0 || freq <= 0 || duration <= 0 {
		return fmt.Errorf("degauss needs positive amplitude, frequency and duration; have %v V, %v Hz, %v s",
			amplitude, freq, duration)
	}
	amplitude = math.Min(amplitude, h.inv.cfg.MaxVoltage)
	h.StopTuning()
	sweep, err := waveform.Materialize(waveform.DecayingSine(amplitude, freq, duration), duration+degaussTail, h.inv.Rate())
	if err != nil {
		return err
	}
	waves := make([][]float64, NumPoles)
	for i := range waves {
		waves[i] = sweep
	}
	start, err := h.magnet.StageWaveforms(waves, true)
	if err != nil {
		return err
	}
	h.pid.Logger.Printf("hexapole: degaussing %.3g V at %.3g Hz for %.3g s from t=%.4f s", amplitude, freq, duration, start)
	if err := h.hall.WaitForTime(ctx, start+duration+0.5*degaussTail); err != nil {
		return err
	}
	if _, err := h.Zero(); err != nil {
		return err
	}
	h.inv.Degaussed()
	return nil
}
