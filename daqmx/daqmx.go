// Package daqmx describes the contract the I/O engine needs from a
// multifunction DAQ driver: one continuous, hardware-clocked task spanning
// analog outputs and analog/digital inputs on one or more devices, plus a
// finite task that can force outputs to a fixed level.
//
// Driver implementations register themselves by name. NoHardware is a
// simulated driver for tests and for running without a DAQ card.
package daqmx

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Direction tells whether a port is an analog output, analog input or digital input.
type Direction int

// The port directions
const (
	AnalogOutput Direction = iota
	AnalogInput
	DigitalInput
)

func (d Direction) String() string {
	switch d {
	case AnalogOutput:
		return "AO"
	case AnalogInput:
		return "AI"
	case DigitalInput:
		return "DI"
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

// Errors reported by drivers
var (
	ErrUnknownPort   = errors.New("unknown port")
	ErrUnderrun      = errors.New("output buffer underrun with regeneration disabled")
	ErrTimeout       = errors.New("driver timeout")
	ErrNotStarted    = errors.New("task not started")
	ErrClosed        = errors.New("task closed")
	ErrUnknownDriver = errors.New("unknown driver")
	ErrReserved      = errors.New("resource reserved by another task")
)

// Port names one physical channel, such as "Dev1/ao0", "Dev2/ai3" or "Dev1/port0/line2".
type Port struct {
	Name      string
	Direction Direction
}

// ParsePort checks a port name and infers its direction.
func ParsePort(name string) (Port, error) {
	parts := strings.Split(name, "/")
	if len(parts) < 2 || parts[0] == "" {
		return Port{}, fmt.Errorf("%w: %q", ErrUnknownPort, name)
	}
	ch := parts[1]
	switch {
	case len(parts) == 2 && strings.HasPrefix(ch, "ao") && isDigits(ch[2:]):
		return Port{Name: name, Direction: AnalogOutput}, nil
	case len(parts) == 2 && strings.HasPrefix(ch, "ai") && isDigits(ch[2:]):
		return Port{Name: name, Direction: AnalogInput}, nil
	case len(parts) == 3 && strings.HasPrefix(ch, "port") && isDigits(ch[4:]) &&
		strings.HasPrefix(parts[2], "line") && isDigits(parts[2][4:]):
		return Port{Name: name, Direction: DigitalInput}, nil
	}
	return Port{}, fmt.Errorf("%w: %q", ErrUnknownPort, name)
}

// MustParsePort is ParsePort that panics on error, for tests and constants.
func MustParsePort(name string) Port {
	p, err := ParsePort(name)
	if err != nil {
		panic(err)
	}
	return p
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// Device returns the device part of the port name.
func (p Port) Device() string {
	dev, _, _ := strings.Cut(p.Name, "/")
	return dev
}

func (p Port) String() string {
	return p.Name
}

// TaskConfig describes a continuous hardware-timed task.
type TaskConfig struct {
	Rate                float64 // samples per second per channel
	Inputs              []Port  // analog and digital inputs, in read order
	Outputs             []Port  // analog outputs, in write order
	OutputBufferSamples int     // on-board output buffer size per channel
	Regenerate          bool    // replay the output buffer when no new data is written
}

// Devices returns the sorted names of all devices used by the task.
func (tc TaskConfig) Devices() []string {
	seen := make(map[string]bool)
	for _, p := range tc.Inputs {
		seen[p.Device()] = true
	}
	for _, p := range tc.Outputs {
		seen[p.Device()] = true
	}
	devs := make([]string, 0, len(seen))
	for d := range seen {
		devs = append(devs, d)
	}
	sort.Strings(devs)
	return devs
}

// Block holds the samples read from one device's inputs in one call.
// Data is channel-major: Data[i] holds the samples of Ports[i].
type Block struct {
	Device string
	Ports  []Port
	Data   [][]float64
}

// Len returns the number of samples per channel.
func (b Block) Len() int {
	if len(b.Data) == 0 {
		return 0
	}
	return len(b.Data[0])
}

// Task is a configured continuous task.
type Task interface {
	// Start begins clocked output and input. Outputs must be preloaded.
	Start() error
	// Read returns the input samples acquired since the previous Read,
	// waiting up to timeout for at least one sample.
	Read(timeout time.Duration) ([]Block, error)
	// Write queues output samples (channel-major, one slice per output port),
	// waiting up to timeout for room in the output buffer.
	Write(data [][]float64, timeout time.Duration) error
	Stop() error
	Close() error
}

// Driver opens tasks on a family of devices.
type Driver interface {
	OpenTask(cfg TaskConfig) (Task, error)
	// WriteFinite drives each port to the given level with a short finite task.
	WriteFinite(ports []Port, values []float64) error
}

// Factory creates a Driver. The simulation options are ignored by real hardware drivers.
type Factory func(sim NoHardwareConfig) (Driver, error)

var (
	registryLock sync.Mutex
	registry     = make(map[string]Factory)
)

// Register makes a driver available by name.
func Register(name string, f Factory) {
	registryLock.Lock()
	defer registryLock.Unlock()
	registry[name] = f
}

// Open creates the named driver.
func Open(name string, sim NoHardwareConfig) (Driver, error) {
	registryLock.Lock()
	f, ok := registry[name]
	registryLock.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownDriver, name)
	}
	return f(sim)
}
