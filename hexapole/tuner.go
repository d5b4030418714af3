package hexapole

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"

	"github.com/mokelab/kerrdaq/ringbuffer"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// FieldSource is where the tuner reads the measured field: an input
// instrument whose calibrated channels are the three sample-frame
// components in mT.
type FieldSource interface {
	GetData(ctx context.Context, t0, t1 float64, wait, calibrated bool) (ringbuffer.Frames, error)
	GetTime() float64
	WaitForTime(ctx context.Context, t float64) error
}

// WaveformStager replaces the magnet's playing waveforms and commits them,
// returning the engine time at which the new samples start.
type WaveformStager interface {
	StageWaveforms(waves [][]float64, indexReset bool) (float64, error)
}

// TunerConfig holds the PID gains and timing. Gains are in V per mT.
type TunerConfig struct {
	Kp, Ki, Kd float64
	Threshold  float64 // max |error| (mT) regarded as converged, default 0.2
	IdleLoops  int     // loops to wait after a converged check, default 4
	MaxVoltage float64 // default 10
	Rate       float64 // engine base rate (Hz); required
	// ErrorToPole maps sample-frame errors to per-pole errors; nil is identity.
	ErrorToPole *mat.Dense
	Logger      *log.Logger
}

func (c *TunerConfig) setDefaults() {
	if c.Threshold <= 0 {
		c.Threshold = 0.2
	}
	if c.IdleLoops <= 0 {
		c.IdleLoops = 4
	}
	if c.MaxVoltage <= 0 {
		c.MaxVoltage = 10
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
}

// TunerStatus summarises the tuner's progress.
type TunerStatus struct {
	Running     bool
	Loops       int        // loops examined
	Corrections int        // waveforms re-staged
	Skipped     int        // loops discarded for a sample-count mismatch
	MaxError    float64    // max |error| of the last examined loop (mT)
	RMSError    float64    // rms error of the last examined loop (mT)
	MeanError   [3]float64 // per-component mean error of the last examined loop (mT)
}

// Tuner refines a looping coil waveform until the hallprobes read the setpoint.
type Tuner struct {
	cfg       TunerConfig
	src       FieldSource
	out       WaveformStager
	setpoint  [][]float64
	waveform  [][]float64
	tuneStart float64

	integral [][]float64
	previous [][]float64

	statusLock sync.Mutex
	status     TunerStatus
}

// ErrTunerShape reports a setpoint and waveform that do not match.
var ErrTunerShape = errors.New("tuner setpoint and waveform differ in shape")

// NewTuner returns a tuner for the waveform currently looping on out, which
// plays setpoint with loop boundaries at tuneStart + k·T. The setpoint is
// the filtered demand in the sample frame (mT).
func NewTuner(cfg TunerConfig, src FieldSource, out WaveformStager, setpoint, waveform [][]float64, tuneStart float64) (*Tuner, error) {
	if cfg.Rate <= 0 {
		return nil, fmt.Errorf("tuner rate %v must be positive", cfg.Rate)
	}
	if len(setpoint) != NumPoles || len(waveform) != NumPoles {
		return nil, fmt.Errorf("%w: %d setpoint and %d waveform components", ErrTunerShape, len(setpoint), len(waveform))
	}
	n := len(setpoint[0])
	for i := range NumPoles {
		if len(setpoint[i]) != n || len(waveform[i]) != n {
			return nil, fmt.Errorf("%w: component %d", ErrTunerShape, i)
		}
	}
	cfg.setDefaults()
	t := &Tuner{
		cfg:       cfg,
		src:       src,
		out:       out,
		tuneStart: tuneStart,
		setpoint:  make([][]float64, NumPoles),
		waveform:  make([][]float64, NumPoles),
		integral:  make([][]float64, NumPoles),
	}
	for i := range NumPoles {
		t.setpoint[i] = append([]float64(nil), setpoint[i]...)
		t.waveform[i] = append([]float64(nil), waveform[i]...)
		t.integral[i] = make([]float64, n)
	}
	return t, nil
}

// Status returns a snapshot of the tuner's progress.
func (t *Tuner) Status() TunerStatus {
	t.statusLock.Lock()
	defer t.statusLock.Unlock()
	return t.status
}

// Waveform returns a copy of the waveform most recently staged.
func (t *Tuner) Waveform() [][]float64 {
	out := make([][]float64, NumPoles)
	for i := range out {
		out[i] = append([]float64(nil), t.waveform[i]...)
	}
	return out
}

func (t *Tuner) setRunning(r bool) {
	t.statusLock.Lock()
	t.status.Running = r
	t.statusLock.Unlock()
}

// Run tunes until ctx is cancelled, which is a normal exit and returns nil.
// It returns an error only if the source or the stager fails.
func (t *Tuner) Run(ctx context.Context) error {
	t.setRunning(true)
	defer t.setRunning(false)

	logger := t.cfg.Logger
	n := len(t.setpoint[0])
	rate := t.cfg.Rate
	period := float64(n) / rate
	loopStart := t.tuneStart

	for {
		loopEnd := loopStart + period
		if err := t.src.WaitForTime(ctx, loopEnd); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if now := t.src.GetTime(); now > loopEnd+period {
			behind := math.Floor((now - loopEnd) / period)
			logger.Printf("tuner: falling behind: engine t=%.4f s, loop ended at %.4f s; skipping %.0f loops", now, loopEnd, behind)
			loopStart += behind * period
			loopEnd += behind * period
		}

		data, err := t.src.GetData(ctx, loopStart, loopEnd-0.5/rate, false, true)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("tuner reading loop at %.4f s: %w", loopStart, err)
		}
		if data.Nchan() < NumPoles {
			return fmt.Errorf("%w: field source has %d channels", ErrShape, data.Nchan())
		}
		measured, ok := fitLength(data, n)
		if !ok {
			logger.Printf("tuner: loop at %.4f s has %d samples, want %d; skipping", loopStart, data.Len(), n)
			t.statusLock.Lock()
			t.status.Skipped++
			t.statusLock.Unlock()
			loopStart = loopEnd
			continue
		}

		errs := make([][]float64, NumPoles)
		for i := range NumPoles {
			errs[i] = make([]float64, n)
			floats.SubTo(errs[i], measured[i], t.setpoint[i])
		}
		maxErr := t.record(errs)

		if maxErr < t.cfg.Threshold {
			loopStart = loopEnd + float64(t.cfg.IdleLoops-1)*period
			continue
		}

		start, err := t.correct(errs)
		if err != nil {
			return fmt.Errorf("tuner staging correction: %w", err)
		}
		k := math.Ceil((start-t.tuneStart)/period - 1e-9)
		loopStart = max(loopEnd, t.tuneStart+k*period)
	}
}

// record stores the statistics of one loop's error and returns its max |error|.
func (t *Tuner) record(errs [][]float64) float64 {
	maxErr, sumSq, count := 0.0, 0.0, 0
	var means [3]float64
	for i, e := range errs {
		maxErr = math.Max(maxErr, math.Max(floats.Max(e), -floats.Min(e)))
		norm := floats.Norm(e, 2)
		sumSq += norm * norm
		count += len(e)
		means[i] = stat.Mean(e, nil)
	}
	t.statusLock.Lock()
	defer t.statusLock.Unlock()
	t.status.Loops++
	t.status.MaxError = maxErr
	t.status.RMSError = math.Sqrt(sumSq / float64(count))
	t.status.MeanError = means
	return maxErr
}

// correct applies the PID correction to the waveform and re-stages it
// without resetting the output index.
func (t *Tuner) correct(errs [][]float64) (float64, error) {
	n := len(errs[0])
	poleErr := errs
	if t.cfg.ErrorToPole != nil {
		poleErr = mapComponents(t.cfg.ErrorToPole, errs)
	}
	for i := range NumPoles {
		e := poleErr[i]
		floats.Add(t.integral[i], e)
		for s := range n {
			d := 0.0
			if t.previous != nil {
				d = e[s] - t.previous[i][s]
			}
			c := t.cfg.Kp*e[s] + t.cfg.Ki*t.integral[i][s] + t.cfg.Kd*d
			t.waveform[i][s] = math.Max(-t.cfg.MaxVoltage, math.Min(t.cfg.MaxVoltage, t.waveform[i][s]-c))
		}
	}
	t.previous = poleErr

	start, err := t.out.StageWaveforms(t.Waveform(), false)
	if err != nil {
		return 0, err
	}
	t.statusLock.Lock()
	t.status.Corrections++
	t.statusLock.Unlock()
	return start, nil
}

// fitLength extracts the first NumPoles value columns of data, trimmed or
// padded at the end to exactly n samples. Mismatches beyond one sample fail.
func fitLength(data ringbuffer.Frames, n int) ([][]float64, bool) {
	m := data.Len()
	if m < n-1 || m > n+1 || n < 2 {
		return nil, false
	}
	out := make([][]float64, NumPoles)
	for i := range NumPoles {
		col := data.Column(i + 1)
		switch {
		case m > n:
			col = col[:n]
		case m < n:
			col = append(col, col[m-1])
		}
		out[i] = col
	}
	return out, true
}

// mapComponents applies the 3x3 matrix m sample by sample.
func mapComponents(m *mat.Dense, v [][]float64) [][]float64 {
	n := len(v[0])
	in := mat.NewDense(NumPoles, n, nil)
	for i := range NumPoles {
		in.SetRow(i, v[i])
	}
	var prod mat.Dense
	prod.Mul(m, in)
	out := make([][]float64, NumPoles)
	for i := range out {
		out[i] = mat.Row(nil, i, &prod)
	}
	return out
}
