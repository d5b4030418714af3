// Package hexapole turns desired magnetic field waveforms into coil drive
// voltages for the three-pole electromagnet, by inverting a Preisach model
// of each pole's core and an RL model of its coil, and refines the result
// with closed-loop feedback from the hallprobes.
package hexapole

import (
	"fmt"
	"log"
	"math"
	"sort"
	"sync"

	"github.com/mokelab/kerrdaq/preisach"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// DriveMode tells how the coil drivers interpret their input.
type DriveMode int

// The drive modes
const (
	DriveVoltage DriveMode = iota // drivers apply a voltage; the RL response must be inverted
	DriveCurrent                  // drivers regulate the coil current
)

// Config holds inverter settings. Zero values take the defaults.
type Config struct {
	Rate       float64 // engine base rate (Hz); required
	Mode       DriveMode
	BinWidth   float64 // low-pass binning width (s), default 5 ms
	CutoffHz   float64 // RL inversion bandwidth (Hz), default 100
	MaxVoltage float64 // output compliance (V), default 10
	Resolution int     // Everett table points per axis
	Logger     *log.Logger
}

func (c *Config) setDefaults() {
	if c.BinWidth <= 0 {
		c.BinWidth = 0.005
	}
	if c.CutoffHz <= 0 {
		c.CutoffHz = 100
	}
	if c.MaxVoltage <= 0 {
		c.MaxVoltage = 10
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
}

// Options control one Data2Inst call.
type Options struct {
	Repetitions     int  // passes through the trajectory, default 2
	ReturnSetpoint  bool // fill Result.Setpoint
	ReturnTransient bool // fill Result.Transient
}

// Result of Data2Inst. Waveforms are pole-major: [pole][sample].
type Result struct {
	Steady     [][]float64 // loop this
	Transient  [][]float64 // play once before Steady
	Setpoint   [][]float64 // filtered demand in the sample frame (mT)
	Clipped    int         // samples clamped to the voltage compliance
	OutOfRange bool        // demand exceeded the fitted major loop
}

type pole struct {
	params  PoleParams
	everett *preisach.FitEverett
	model   *preisach.Model
}

// Inverter converts field demands to coil drive waveforms. The Preisach
// memory of each pole persists between calls, as the core's does.
type Inverter struct {
	cfg         Config
	lock        sync.Mutex
	poles       []*pole
	fieldToPole *mat.Dense
}

// NewInverter builds an Inverter from a calibration bundle.
func NewInverter(b *Bundle, cfg Config) (*Inverter, error) {
	if cfg.Rate <= 0 {
		return nil, fmt.Errorf("inverter rate %v must be positive", cfg.Rate)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	cfg.setDefaults()
	inv := &Inverter{cfg: cfg}
	if len(b.FieldToPole) > 0 {
		inv.fieldToPole = mat.NewDense(NumPoles, NumPoles, append([]float64(nil), b.FieldToPole...))
	}
	for i, pp := range b.Poles {
		fe, err := preisach.NewFitEverett(pp.MajorX, pp.MajorY, pp.CrossAlpha, pp.CrossBeta, pp.Cross, cfg.Resolution)
		if err != nil {
			return nil, fmt.Errorf("pole %d: %w", i, err)
		}
		p := &pole{params: pp, everett: fe}
		p.model = preisach.NewModel(fe, p.startLine())
		inv.poles = append(inv.poles, p)
	}
	return inv, nil
}

func (p *pole) startLine() *preisach.Line {
	beta0, alpha0 := p.params.InputRange()
	switch {
	case len(p.params.StartLine) > 0:
		return preisach.CompactLine(alpha0, beta0, p.params.StartLine)
	case len(p.params.DegaussLine) > 0:
		return preisach.CompactLine(alpha0, beta0, p.params.DegaussLine)
	}
	return preisach.DemagnetizedLine(alpha0, beta0, 40)
}

func (p *pole) degaussLine() *preisach.Line {
	beta0, alpha0 := p.params.InputRange()
	if len(p.params.DegaussLine) > 0 {
		return preisach.CompactLine(alpha0, beta0, p.params.DegaussLine)
	}
	return preisach.DemagnetizedLine(alpha0, beta0, 40)
}

// Rate returns the sample rate the inverter works at.
func (inv *Inverter) Rate() float64 {
	return inv.cfg.Rate
}

// Degaussed resets every pole's memory to its degaussed state.
func (inv *Inverter) Degaussed() {
	inv.lock.Lock()
	defer inv.lock.Unlock()
	for _, p := range inv.poles {
		p.model.Line = p.degaussLine()
	}
}

// Memory returns a copy of a pole's Preisach corners.
func (inv *Inverter) Memory(i int) []preisach.Corner {
	inv.lock.Lock()
	defer inv.lock.Unlock()
	return inv.poles[i].model.Line.Corners()
}

// PoleModel returns an independent copy of pole i's model, for prediction.
func (inv *Inverter) PoleModel(i int) *preisach.Model {
	inv.lock.Lock()
	defer inv.lock.Unlock()
	return inv.poles[i].model.Clone()
}

// Data2Inst computes coil drive waveforms that produce the desired
// sample-frame field, given as [3][n] samples (mT) of one period at the
// inverter rate.
func (inv *Inverter) Data2Inst(desired [][]float64, opts Options) (*Result, error) {
	if len(desired) != NumPoles {
		return nil, fmt.Errorf("%w: %d field components, want %d", ErrShape, len(desired), NumPoles)
	}
	n := len(desired[0])
	if n < 2 {
		return nil, fmt.Errorf("%w: waveform of %d samples is too short", ErrShape, n)
	}
	for i := range desired {
		if len(desired[i]) != n {
			return nil, fmt.Errorf("%w: component %d has %d samples, want %d", ErrShape, i, len(desired[i]), n)
		}
	}
	reps := opts.Repetitions
	if reps <= 0 {
		reps = 2
	}
	logger := inv.cfg.Logger

	binSamples := max(1, int(math.Round(inv.cfg.BinWidth*inv.cfg.Rate)))
	setpoint := make([][]float64, NumPoles)
	for i := range desired {
		setpoint[i] = binFilter(desired[i], binSamples)
	}
	poleDemand := inv.toPoles(setpoint)

	res := &Result{Steady: make([][]float64, NumPoles)}
	if opts.ReturnTransient {
		res.Transient = make([][]float64, NumPoles)
	}
	if opts.ReturnSetpoint {
		res.Setpoint = setpoint
	}

	inv.lock.Lock()
	defer inv.lock.Unlock()
	for i, p := range inv.poles {
		lo, hi := floats.Min(poleDemand[i]), floats.Max(poleDemand[i])
		if lo < p.params.FieldMin || hi > p.params.FieldMax {
			logger.Printf("hexapole: fields out of range on pole %d: demand [%.3g, %.3g] mT, fitted [%.3g, %.3g] mT",
				i, lo, hi, p.params.FieldMin, p.params.FieldMax)
			res.OutOfRange = true
		}

		var previous, last []float64
		for range reps {
			previous = last
			last = p.model.InvertSignal(poleDemand[i])
		}
		if previous == nil {
			previous = last
		}
		steady := inv.drive(last, p)
		res.Clipped += inv.clamp(steady)
		res.Steady[i] = steady
		if opts.ReturnTransient {
			transient := inv.drive(previous, p)
			res.Clipped += inv.clamp(transient)
			res.Transient[i] = transient
		}
	}
	if res.Clipped > 0 {
		logger.Printf("hexapole: %d samples clamped to ±%g V", res.Clipped, inv.cfg.MaxVoltage)
	}
	return res, nil
}

// toPoles maps sample-frame components to per-pole demands.
func (inv *Inverter) toPoles(field [][]float64) [][]float64 {
	if inv.fieldToPole == nil {
		return field
	}
	return mapComponents(inv.fieldToPole, field)
}

// FieldToPole returns the sample-frame to pole matrix, or nil for identity.
func (inv *Inverter) FieldToPole() *mat.Dense {
	if inv.fieldToPole == nil {
		return nil
	}
	return mat.DenseCopyOf(inv.fieldToPole)
}

// drive converts coil inputs to the driver's input signal.
func (inv *Inverter) drive(x []float64, p *pole) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = v + p.params.Displacement
	}
	if inv.cfg.Mode == DriveVoltage {
		out = InvertRL(out, inv.cfg.Rate, p.params.R, p.params.L, inv.cfg.CutoffHz)
	}
	return out
}

func (inv *Inverter) clamp(v []float64) int {
	n := 0
	lim := inv.cfg.MaxVoltage
	for i, x := range v {
		if x > lim {
			v[i] = lim
			n++
		} else if x < -lim {
			v[i] = -lim
			n++
		}
	}
	return n
}

// InvertRL returns the driver input that makes the periodic coil current i
// flow through resistance r and inductance l: the spectrum is multiplied
// by Z(f) = r + j2πfl, cut above cutoff Hz, and halved for the driver's gain of 2.
func InvertRL(i []float64, rate, r, l, cutoff float64) []float64 {
	n := len(i)
	fft := fourier.NewFFT(n)
	coeff := fft.Coefficients(nil, i)
	for k := range coeff {
		f := fft.Freq(k) * rate
		if f > cutoff {
			coeff[k] = 0
			continue
		}
		coeff[k] *= complex(r, 2*math.Pi*f*l)
	}
	out := fft.Sequence(nil, coeff)
	floats.Scale(0.5/float64(n), out)
	return out
}

// binFilter low-passes a periodic signal: it averages bins of w samples and
// interpolates linearly between bin centres, wrapping around the period.
func binFilter(x []float64, w int) []float64 {
	n := len(x)
	if w <= 1 || n < 2*w {
		return append([]float64(nil), x...)
	}
	nbins := n / w
	width := float64(n) / float64(nbins)
	means := make([]float64, nbins)
	centers := make([]float64, nbins)
	for b := range nbins {
		lo := int(math.Round(float64(b) * width))
		hi := int(math.Round(float64(b+1) * width))
		sum := 0.0
		for _, v := range x[lo:hi] {
			sum += v
		}
		means[b] = sum / float64(hi-lo)
		centers[b] = 0.5 * float64(lo+hi-1)
	}
	out := make([]float64, n)
	for s := range n {
		pos := float64(s)
		// The bin centres either side of s, with periodic wrap.
		b := sort.SearchFloat64s(centers, pos) - 1
		var c0, c1, m0, m1 float64
		switch {
		case b < 0:
			c0, m0 = centers[nbins-1]-float64(n), means[nbins-1]
			c1, m1 = centers[0], means[0]
		case b >= nbins-1:
			c0, m0 = centers[nbins-1], means[nbins-1]
			c1, m1 = centers[0]+float64(n), means[0]
		default:
			c0, m0 = centers[b], means[b]
			c1, m1 = centers[b+1], means[b+1]
		}
		f := (pos - c0) / (c1 - c0)
		out[s] = m0 + f*(m1-m0)
	}
	return out
}
