package kerrdaq

import (
	"errors"
	"fmt"
	"math"

	"github.com/mokelab/kerrdaq/daqmx"
)

// OutputConfig describes one output instrument: a group of analog outputs
// staged together. Gain and Offset (one per port, optional) convert staged
// values to volts when calibration is requested.
type OutputConfig struct {
	Name   string
	Ports  []string
	Gain   []float64
	Offset []float64
}

// CalibrationConfig is a linear calibration of an input instrument's
// channels: calibrated = Scale · volts + Offset, with Scale row-major.
type CalibrationConfig struct {
	Scale  []float64
	Offset []float64
}

// InputConfig describes one input instrument: a group of inputs on a single
// device sharing one ring buffer.
type InputConfig struct {
	Name         string
	Ports        []string
	Subsample    int     // average this many samples per stored frame
	FlushingTime float64 // seconds of history to keep; 0 uses the engine default
	Calibration  *CalibrationConfig
}

// ClockConfig routes a clock tick from the master device to a slave device.
// The tick output plays a square wave that changes level every TickPeriod
// seconds, starting low at t = 0.
type ClockConfig struct {
	TickOutput string  // master analog output driving the tick
	TickInput  string  // slave input sampling it
	TickPeriod float64 // seconds between tick edges
	Threshold  float64 // input level separating low from high
}

// Enabled tells whether a tick is routed.
func (c ClockConfig) Enabled() bool {
	return c.TickOutput != "" || c.TickInput != ""
}

// EngineConfig configures the I/O engine. All times are in seconds.
type EngineConfig struct {
	Driver            string
	Rate              float64
	RefreshPeriod     float64
	AcquisitionPeriod float64
	FlushingTime      float64
	ReadTimeout       float64
	MaxReadTimeouts   int
	Outputs           []OutputConfig
	Inputs            []InputConfig
	Clock             ClockConfig
	Priority          int    // nice value requested for the engine process
	InProcess         bool   // run the engine in goroutines of this process
	EnginePath        string // executable to run as the engine; default is this program
	NoHardware        daqmx.NoHardwareConfig
}

// DefaultEngineConfig returns the defaults that zero fields of a
// configuration are replaced with.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Driver:            "nohardware",
		Rate:              10000,
		RefreshPeriod:     0.05,
		AcquisitionPeriod: 0.005,
		FlushingTime:      10,
		ReadTimeout:       1,
		MaxReadTimeouts:   3,
		Priority:          -10,
	}
}

// tickLevel is the high level of the tick output (V).
const tickLevel = 5.0

// ErrConfig marks configuration errors.
var ErrConfig = errors.New("invalid engine configuration")

func configErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

// withDefaults fills zero fields from DefaultEngineConfig.
func (c EngineConfig) withDefaults() EngineConfig {
	d := DefaultEngineConfig()
	if c.Driver == "" {
		c.Driver = d.Driver
	}
	if c.Rate <= 0 {
		c.Rate = d.Rate
	}
	if c.RefreshPeriod <= 0 {
		c.RefreshPeriod = d.RefreshPeriod
	}
	if c.AcquisitionPeriod <= 0 {
		c.AcquisitionPeriod = d.AcquisitionPeriod
	}
	if c.FlushingTime <= 0 {
		c.FlushingTime = d.FlushingTime
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.MaxReadTimeouts <= 0 {
		c.MaxReadTimeouts = d.MaxReadTimeouts
	}
	if c.Clock.Enabled() && c.Clock.Threshold == 0 {
		c.Clock.Threshold = 0.5
	}
	return c
}

// refreshSamples is the number of samples per output write.
func (c EngineConfig) refreshSamples() int {
	return max(1, int(math.Round(c.RefreshPeriod*c.Rate)))
}

// layout is the validated port arrangement of a configuration.
type layout struct {
	outPorts  []daqmx.Port   // task output order: instruments' ports, then the tick
	inPorts   []daqmx.Port   // task input order: instruments' ports, then the tick
	outGroups [][]int        // per output instrument, indices into outPorts
	inGroups  [][]int        // per input instrument, indices into inPorts
	tickOut   int            // index into outPorts, or -1
	tickIn    int            // index into inPorts, or -1
	tickHalf  int            // samples between tick edges
	outIndex  map[string]int // port name -> index into outPorts
}

// validate checks the configuration and computes its port layout.
func (c EngineConfig) validate() (*layout, error) {
	if len(c.Outputs) == 0 && len(c.Inputs) == 0 {
		return nil, configErrorf("no instruments configured")
	}
	lay := &layout{tickOut: -1, tickIn: -1, outIndex: make(map[string]int)}
	names := make(map[string]bool)
	seenIn := make(map[string]bool)

	parse := func(name string, want daqmx.Direction, instrument string) (daqmx.Port, error) {
		p, err := daqmx.ParsePort(name)
		if err != nil {
			return p, fmt.Errorf("%w: instrument %q: %w", ErrConfig, instrument, err)
		}
		if want == daqmx.AnalogOutput && p.Direction != daqmx.AnalogOutput {
			return p, configErrorf("instrument %q: port %s is %v, want an analog output", instrument, name, p.Direction)
		}
		if want != daqmx.AnalogOutput && p.Direction == daqmx.AnalogOutput {
			return p, configErrorf("instrument %q: port %s is an output, want an input", instrument, name)
		}
		return p, nil
	}
	checkName := func(name string) error {
		if name == "" {
			return configErrorf("instrument with no name")
		}
		if names[name] {
			return configErrorf("instrument name %q used twice", name)
		}
		names[name] = true
		return nil
	}

	for _, oc := range c.Outputs {
		if err := checkName(oc.Name); err != nil {
			return nil, err
		}
		if len(oc.Ports) == 0 {
			return nil, configErrorf("output %q has no ports", oc.Name)
		}
		if (len(oc.Gain) != 0 && len(oc.Gain) != len(oc.Ports)) || (len(oc.Offset) != 0 && len(oc.Offset) != len(oc.Ports)) {
			return nil, configErrorf("output %q: calibration has the wrong number of values for %d ports", oc.Name, len(oc.Ports))
		}
		var group []int
		for _, name := range oc.Ports {
			p, err := parse(name, daqmx.AnalogOutput, oc.Name)
			if err != nil {
				return nil, err
			}
			if _, dup := lay.outIndex[name]; dup {
				return nil, configErrorf("output port %s used twice", name)
			}
			lay.outIndex[name] = len(lay.outPorts)
			group = append(group, len(lay.outPorts))
			lay.outPorts = append(lay.outPorts, p)
		}
		lay.outGroups = append(lay.outGroups, group)
	}

	for _, ic := range c.Inputs {
		if err := checkName(ic.Name); err != nil {
			return nil, err
		}
		if len(ic.Ports) == 0 {
			return nil, configErrorf("input %q has no ports", ic.Name)
		}
		var group []int
		device := ""
		for _, name := range ic.Ports {
			p, err := parse(name, daqmx.AnalogInput, ic.Name)
			if err != nil {
				return nil, err
			}
			if device == "" {
				device = p.Device()
			} else if p.Device() != device {
				return nil, configErrorf("input %q spans devices %s and %s", ic.Name, device, p.Device())
			}
			if seenIn[name] {
				return nil, configErrorf("input port %s used twice", name)
			}
			seenIn[name] = true
			group = append(group, len(lay.inPorts))
			lay.inPorts = append(lay.inPorts, p)
		}
		if ic.Calibration != nil {
			n := len(ic.Ports)
			if len(ic.Calibration.Scale) != n*n || (len(ic.Calibration.Offset) != 0 && len(ic.Calibration.Offset) != n) {
				return nil, configErrorf("input %q: calibration is not %dx%d", ic.Name, n, n)
			}
		}
		lay.inGroups = append(lay.inGroups, group)
	}

	if c.Clock.Enabled() {
		if c.Clock.TickOutput == "" || c.Clock.TickInput == "" {
			return nil, configErrorf("clock tick needs both an output and an input port")
		}
		half := c.Clock.TickPeriod * c.Rate
		if c.Clock.TickPeriod <= 0 || math.Abs(half-math.Round(half)) > 1e-6 || math.Round(half) < 2 {
			return nil, configErrorf("tick period %v s is not a whole number (>= 2) of samples at %v Hz", c.Clock.TickPeriod, c.Rate)
		}
		lay.tickHalf = int(math.Round(half))
		out, err := parse(c.Clock.TickOutput, daqmx.AnalogOutput, "clock")
		if err != nil {
			return nil, err
		}
		if _, dup := lay.outIndex[out.Name]; dup {
			return nil, configErrorf("tick output %s is also an instrument port", out.Name)
		}
		in, err := parse(c.Clock.TickInput, daqmx.AnalogInput, "clock")
		if err != nil {
			return nil, err
		}
		if in.Device() == out.Device() {
			return nil, configErrorf("tick output %s and input %s are on the same device", out.Name, in.Name)
		}
		lay.tickOut = len(lay.outPorts)
		lay.outIndex[out.Name] = lay.tickOut
		lay.outPorts = append(lay.outPorts, out)
		lay.tickIn = -1
		for i, p := range lay.inPorts {
			if p.Name == in.Name {
				lay.tickIn = i
			}
		}
		if lay.tickIn < 0 {
			lay.tickIn = len(lay.inPorts)
			lay.inPorts = append(lay.inPorts, in)
		}
	}
	return lay, nil
}

// tickWave returns one period of the tick square wave.
func (lay *layout) tickWave() []float64 {
	w := make([]float64, 2*lay.tickHalf)
	for i := lay.tickHalf; i < len(w); i++ {
		w[i] = tickLevel
	}
	return w
}
