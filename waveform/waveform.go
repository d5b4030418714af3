// Package waveform materialises periodic signals, given either as functions
// of time or as sampled arrays, into sample slices at a fixed rate.
package waveform

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/interp"
)

// Func is a signal as a function of time (s) within one period.
type Func func(t float64) float64

// ErrPeriod reports a period too short for the sample rate.
var ErrPeriod = errors.New("period holds no samples at this rate")

// Length returns the number of samples in one period at rate.
func Length(period, rate float64) int {
	return int(math.Round(period * rate))
}

// Materialize samples f at t = i/rate for one period.
func Materialize(f Func, period, rate float64) ([]float64, error) {
	n := Length(period, rate)
	if n < 1 {
		return nil, fmt.Errorf("%w: period %v s at %v Hz", ErrPeriod, period, rate)
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = f(float64(i) / rate)
	}
	return out, nil
}

// MaterializeAll samples each function over the same period.
func MaterializeAll(fs []Func, period, rate float64) ([][]float64, error) {
	out := make([][]float64, len(fs))
	for i, f := range fs {
		v, err := Materialize(f, period, rate)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Resample interpolates the samples y taken at times t (strictly increasing)
// linearly onto a grid of rate, covering one period t[len-1] - t[0] + dt,
// where dt is the mean input spacing.
func Resample(t, y []float64, rate float64) ([]float64, error) {
	if len(t) != len(y) {
		return nil, fmt.Errorf("waveform: %d times but %d values", len(t), len(y))
	}
	if len(t) < 2 {
		return nil, fmt.Errorf("waveform: need at least 2 samples to resample, have %d", len(t))
	}
	dt := (t[len(t)-1] - t[0]) / float64(len(t)-1)
	period := t[len(t)-1] - t[0] + dt
	n := Length(period, rate)
	if n < 1 {
		return nil, fmt.Errorf("%w: period %v s at %v Hz", ErrPeriod, period, rate)
	}
	var pl interp.PiecewiseLinear
	if err := pl.Fit(t, y); err != nil {
		return nil, err
	}
	last := t[len(t)-1]
	out := make([]float64, n)
	for i := range out {
		ti := t[0] + float64(i)/rate
		if ti > last {
			// Close the period by interpolating back towards the first sample.
			f := (ti - last) / dt
			out[i] = y[len(y)-1] + f*(y[0]-y[len(y)-1])
			continue
		}
		out[i] = pl.Predict(ti)
	}
	return out, nil
}

// ResampleAll resamples several value columns sharing the time column t.
func ResampleAll(t []float64, ys [][]float64, rate float64) ([][]float64, error) {
	out := make([][]float64, len(ys))
	for i, y := range ys {
		v, err := Resample(t, y, rate)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Sine returns amplitude·sin(2π t / period + phase) + offset.
func Sine(amplitude, period, phase, offset float64) Func {
	return func(t float64) float64 {
		return amplitude*math.Sin(2*math.Pi*t/period+phase) + offset
	}
}

// Constant returns a flat signal.
func Constant(v float64) Func {
	return func(float64) float64 { return v }
}

// Square returns a signal that is low for the first half of each period and high for the second.
func Square(low, high, period float64) Func {
	return func(t float64) float64 {
		if math.Mod(t, period) < 0.5*period {
			return low
		}
		return high
	}
}

// DecayingSine returns a sinusoid whose amplitude falls linearly to zero over duration.
func DecayingSine(amplitude, freq, duration float64) Func {
	return func(t float64) float64 {
		if t >= duration {
			return 0
		}
		return amplitude * (1 - t/duration) * math.Sin(2*math.Pi*freq*t)
	}
}
