package daqmx

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// NoHardwareConfig describes the simulated wiring and clocks of NoHardware.
type NoHardwareConfig struct {
	// Loopback maps an input port name to the output port wired to it.
	Loopback map[string]string
	// DelaySamples is the analog delay of every loopback connection.
	DelaySamples int
	// DeviceOffset is the time (s) by which a device's sample clock starts
	// after the master device's.
	DeviceOffset map[string]float64
	// DriftPPM is the rate error of a device's sample clock, in parts per million.
	DriftPPM map[string]float64
	// Noise is the rms noise (V) added to analog inputs.
	Noise float64
	// FailOpen makes OpenTask fail, emulating a missing device.
	FailOpen bool
	// HistorySeconds is how much output history is kept for loopback reads.
	HistorySeconds float64
}

// NoHardware is a simulated multi-device DAQ (implements Driver) that
// requires no hardware. Sample clocks follow the wall clock.
type NoHardware struct {
	config NoHardwareConfig
	lock   sync.Mutex
	levels map[string]float64
	task   *simTask
}

func init() {
	Register("nohardware", func(sim NoHardwareConfig) (Driver, error) {
		return NewNoHardware(sim), nil
	})
}

// NewNoHardware returns a simulated driver.
func NewNoHardware(config NoHardwareConfig) *NoHardware {
	if config.HistorySeconds <= 0 {
		config.HistorySeconds = 10
	}
	return &NoHardware{config: config, levels: make(map[string]float64)}
}

// OpenTask reserves the ports for a continuous task. Only one task may be open.
func (nh *NoHardware) OpenTask(cfg TaskConfig) (Task, error) {
	if nh.config.FailOpen {
		return nil, fmt.Errorf("NoHardware.OpenTask: device not present")
	}
	if cfg.Rate <= 0 {
		return nil, fmt.Errorf("NoHardware.OpenTask: rate %v must be positive", cfg.Rate)
	}
	if cfg.Regenerate {
		return nil, fmt.Errorf("NoHardware.OpenTask: regeneration is not simulated")
	}
	for _, p := range cfg.Outputs {
		if p.Direction != AnalogOutput {
			return nil, fmt.Errorf("%w: %s is not an analog output", ErrUnknownPort, p)
		}
	}
	for _, p := range cfg.Inputs {
		if p.Direction == AnalogOutput {
			return nil, fmt.Errorf("%w: %s is not an input", ErrUnknownPort, p)
		}
	}
	for in, out := range nh.config.Loopback {
		if _, err := ParsePort(in); err != nil {
			return nil, err
		}
		if _, err := ParsePort(out); err != nil {
			return nil, err
		}
	}
	if cfg.OutputBufferSamples <= 0 {
		cfg.OutputBufferSamples = int(cfg.Rate)
	}

	nh.lock.Lock()
	defer nh.lock.Unlock()
	if nh.task != nil {
		return nil, fmt.Errorf("NoHardware.OpenTask: %w", ErrReserved)
	}
	task := newSimTask(nh, cfg)
	nh.task = task
	return task, nil
}

// WriteFinite sets each port to a constant level. Ports owned by the open task are refused.
func (nh *NoHardware) WriteFinite(ports []Port, values []float64) error {
	if len(ports) != len(values) {
		return fmt.Errorf("NoHardware.WriteFinite: %d ports but %d values", len(ports), len(values))
	}
	nh.lock.Lock()
	defer nh.lock.Unlock()
	for i, p := range ports {
		if p.Direction != AnalogOutput {
			return fmt.Errorf("%w: %s is not an analog output", ErrUnknownPort, p)
		}
		if nh.task != nil {
			if _, ok := nh.task.outIndex[p.Name]; ok {
				return fmt.Errorf("NoHardware.WriteFinite %s: %w", p, ErrReserved)
			}
		}
		nh.levels[p.Name] = values[i]
	}
	return nil
}

// OutputLevel reports the voltage currently present on an output port, as a
// voltmeter wired to it would.
func (nh *NoHardware) OutputLevel(port string) float64 {
	nh.lock.Lock()
	task := nh.task
	level := nh.levels[port]
	nh.lock.Unlock()
	if task != nil {
		if v, ok := task.playing(port); ok {
			return v
		}
	}
	return level
}

func (nh *NoHardware) release(task *simTask, levels map[string]float64) {
	nh.lock.Lock()
	defer nh.lock.Unlock()
	for p, v := range levels {
		nh.levels[p] = v
	}
	if nh.task == task {
		nh.task = nil
	}
}

type simTask struct {
	drv      *NoHardware
	cfg      TaskConfig
	sim      NoHardwareConfig
	outIndex map[string]int
	devices  []string
	byDevice map[string][]Port

	lock    sync.Mutex
	history [][]float64 // per output channel, circular by absolute sample index
	histCap int64
	written int64
	reads   map[string]int64
	started bool
	closed  bool
	t0      time.Time
	rng     *rand.Rand
}

func newSimTask(drv *NoHardware, cfg TaskConfig) *simTask {
	st := &simTask{
		drv:      drv,
		cfg:      cfg,
		sim:      drv.config,
		outIndex: make(map[string]int),
		byDevice: make(map[string][]Port),
		reads:    make(map[string]int64),
		rng:      rand.New(rand.NewPCG(1, 2)),
	}
	for i, p := range cfg.Outputs {
		st.outIndex[p.Name] = i
	}
	for _, p := range cfg.Inputs {
		dev := p.Device()
		if _, ok := st.byDevice[dev]; !ok {
			st.devices = append(st.devices, dev)
		}
		st.byDevice[dev] = append(st.byDevice[dev], p)
	}
	st.histCap = int64(math.Ceil(drv.config.HistorySeconds*cfg.Rate)) + int64(cfg.OutputBufferSamples)
	st.history = make([][]float64, len(cfg.Outputs))
	for i := range st.history {
		st.history[i] = make([]float64, st.histCap)
	}
	return st
}

// consumed is the number of output samples clocked out so far. Caller holds the lock.
func (st *simTask) consumed() int64 {
	if !st.started {
		return 0
	}
	return int64(time.Since(st.t0).Seconds() * st.cfg.Rate)
}

// deviceCount is the number of input samples a device has acquired. Caller holds the lock.
func (st *simTask) deviceCount(dev string) int64 {
	if !st.started {
		return 0
	}
	elapsed := time.Since(st.t0).Seconds() - st.sim.DeviceOffset[dev]
	if elapsed <= 0 {
		return 0
	}
	return int64(elapsed * st.cfg.Rate * (1 + st.sim.DriftPPM[dev]*1e-6))
}

// outputAt returns output channel ch at absolute master sample m. Caller holds the lock.
func (st *simTask) outputAt(ch int, m int64) float64 {
	if m < 0 || st.written == 0 {
		return 0
	}
	if m >= st.written {
		m = st.written - 1
	}
	if m < st.written-st.histCap {
		return 0
	}
	return st.history[ch][m%st.histCap]
}

func (st *simTask) playing(port string) (float64, bool) {
	ch, ok := st.outIndex[port]
	if !ok {
		return 0, false
	}
	st.lock.Lock()
	defer st.lock.Unlock()
	if !st.started {
		return 0, false
	}
	return st.outputAt(ch, st.consumed()-1), true
}

func (st *simTask) Start() error {
	st.lock.Lock()
	defer st.lock.Unlock()
	if st.closed {
		return ErrClosed
	}
	if st.started {
		return fmt.Errorf("NoHardware task already started")
	}
	if len(st.cfg.Outputs) > 0 && st.written == 0 {
		return fmt.Errorf("NoHardware task: outputs must be written before Start")
	}
	st.started = true
	st.t0 = time.Now()
	return nil
}

func (st *simTask) Write(data [][]float64, timeout time.Duration) error {
	if len(data) != len(st.cfg.Outputs) {
		return fmt.Errorf("NoHardware.Write: %d channels, task has %d outputs", len(data), len(st.cfg.Outputs))
	}
	if len(data) == 0 {
		return nil
	}
	n := int64(len(data[0]))
	for i := range data {
		if int64(len(data[i])) != n {
			return fmt.Errorf("NoHardware.Write: channel %d has %d samples, want %d", i, len(data[i]), n)
		}
	}
	if n > int64(st.cfg.OutputBufferSamples) {
		return fmt.Errorf("NoHardware.Write: %d samples exceed the %d-sample output buffer", n, st.cfg.OutputBufferSamples)
	}
	deadline := time.Now().Add(timeout)
	for {
		st.lock.Lock()
		if st.closed {
			st.lock.Unlock()
			return ErrClosed
		}
		consumed := st.consumed()
		if st.started && consumed > st.written {
			st.lock.Unlock()
			return ErrUnderrun
		}
		room := int64(st.cfg.OutputBufferSamples) - (st.written - consumed)
		if room >= n {
			for ch, samples := range data {
				for i, v := range samples {
					st.history[ch][(st.written+int64(i))%st.histCap] = v
				}
			}
			st.written += n
			st.lock.Unlock()
			return nil
		}
		wait := time.Duration(float64(n-room) / st.cfg.Rate * float64(time.Second))
		started := st.started
		st.lock.Unlock()
		if !started || time.Now().Add(wait).After(deadline) {
			return fmt.Errorf("NoHardware.Write: %w", ErrTimeout)
		}
		time.Sleep(max(wait, 200*time.Microsecond))
	}
}

func (st *simTask) Read(timeout time.Duration) ([]Block, error) {
	deadline := time.Now().Add(timeout)
	for {
		st.lock.Lock()
		if st.closed {
			st.lock.Unlock()
			return nil, ErrClosed
		}
		if !st.started {
			st.lock.Unlock()
			return nil, ErrNotStarted
		}
		ready := false
		for _, dev := range st.devices {
			if st.deviceCount(dev) > st.reads[dev] {
				ready = true
			}
		}
		if ready {
			blocks := st.readBlocks()
			st.lock.Unlock()
			return blocks, nil
		}
		st.lock.Unlock()
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("NoHardware.Read: %w", ErrTimeout)
		}
		time.Sleep(500 * time.Microsecond)
	}
}

// readBlocks builds one Block per input device. Caller holds the lock.
func (st *simTask) readBlocks() []Block {
	maxBatch := int64(st.cfg.Rate)
	blocks := make([]Block, 0, len(st.devices))
	for _, dev := range st.devices {
		first := st.reads[dev]
		n := min(st.deviceCount(dev)-first, maxBatch)
		if n <= 0 {
			continue
		}
		ports := st.byDevice[dev]
		block := Block{Device: dev, Ports: ports, Data: make([][]float64, len(ports))}
		devRate := st.cfg.Rate * (1 + st.sim.DriftPPM[dev]*1e-6)
		offset := st.sim.DeviceOffset[dev]
		for c, p := range ports {
			col := make([]float64, n)
			src, wired := st.sim.Loopback[p.Name]
			ch, isOut := st.outIndex[src]
			for i := range n {
				var v float64
				if wired && isOut {
					tm := offset + float64(first+i)/devRate
					m := int64(math.Floor(tm*st.cfg.Rate+1e-6)) - int64(st.sim.DelaySamples)
					v = st.outputAt(ch, m)
				}
				if p.Direction == DigitalInput {
					if v > 2.5 {
						v = 1
					} else {
						v = 0
					}
				} else if st.sim.Noise > 0 {
					v += st.sim.Noise * st.rng.NormFloat64()
				}
				col[i] = v
			}
			block.Data[c] = col
		}
		st.reads[dev] = first + n
		blocks = append(blocks, block)
	}
	return blocks
}

func (st *simTask) Stop() error {
	st.lock.Lock()
	if !st.started {
		st.lock.Unlock()
		return nil
	}
	levels := make(map[string]float64)
	last := min(st.consumed(), st.written) - 1
	for p, ch := range st.outIndex {
		levels[p] = st.outputAt(ch, last)
	}
	st.started = false
	st.lock.Unlock()
	st.drv.release(nil, levels)
	return nil
}

func (st *simTask) Close() error {
	if err := st.Stop(); err != nil {
		return err
	}
	st.lock.Lock()
	if st.closed {
		st.lock.Unlock()
		return ErrClosed
	}
	st.closed = true
	st.lock.Unlock()
	st.drv.release(st, nil)
	return nil
}
