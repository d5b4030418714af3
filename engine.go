package kerrdaq

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"github.com/mokelab/kerrdaq/daqmx"
)

// Engine errors
var (
	ErrNotRunning        = errors.New("engine is not running")
	ErrAlreadyRunning    = errors.New("engine is already running")
	ErrEngineExited      = errors.New("engine exited")
	ErrHardware          = errors.New("DAQ hardware failure")
	ErrUnknownPort       = errors.New("not an output port of this engine")
	ErrUnknownInstrument = errors.New("no such instrument")
)

// SourceState is used to indicate the active/inactive/transition state of the engine
type SourceState int

// Names for the possible values of SourceState
const (
	Inactive SourceState = iota // Engine is not running
	Starting                    // Engine is in transition to Active state
	Active                      // Engine is running
	Stopping                    // Engine is in transition to Inactive state
)

func (s SourceState) String() string {
	switch s {
	case Inactive:
		return "inactive"
	case Starting:
		return "starting"
	case Active:
		return "active"
	case Stopping:
		return "stopping"
	}
	return fmt.Sprintf("SourceState(%d)", int(s))
}

// stopGrace is how long Stop waits for the engine beyond one read timeout
// before killing it.
const stopGrace = 5 * time.Second

// Option modifies how an Engine runs.
type Option func(*Engine)

// WithDriver runs the engine in goroutines of this process on the given
// driver instead of in a child process.
func WithDriver(d daqmx.Driver) Option {
	return func(e *Engine) {
		e.driver = d
	}
}

// Engine is the controlling process's handle on the I/O engine. The engine
// itself runs in a child process (or in goroutines, see WithDriver); the
// Engine stages waveforms to it and stores the inputs it streams back in
// the input instruments' ring buffers.
type Engine struct {
	cfg    EngineConfig
	lay    *layout
	driver daqmx.Driver

	inputs   []*InputInstrument
	outputs  []*OutputInstrument
	inIndex  map[string]int
	outIndex map[string]int

	stateLock sync.Mutex
	state     SourceState
	initial   [][]float64 // waveforms to play from t = 0, by output port
	proc      *engineProcess
	done      chan struct{}
	runErr    error
	startWall time.Time

	ctrlLock sync.Mutex // serializes control messages and update replies
	enc      *gob.Encoder
	starts   chan replyMsg

	consumers sync.WaitGroup
}

// NewEngine validates cfg and creates its instruments. The engine starts
// on Start or on the first autostarted stage.
func NewEngine(cfg EngineConfig, opts ...Option) (*Engine, error) {
	cfg = cfg.withDefaults()
	lay, err := cfg.validate()
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:      cfg,
		lay:      lay,
		inIndex:  make(map[string]int),
		outIndex: make(map[string]int),
		done:     make(chan struct{}),
	}
	close(e.done)
	for _, opt := range opts {
		opt(e)
	}
	for i, ic := range cfg.Inputs {
		in, err := newInputInstrument(e, ic)
		if err != nil {
			return nil, err
		}
		e.inputs = append(e.inputs, in)
		e.inIndex[ic.Name] = i
	}
	for i, oc := range cfg.Outputs {
		e.outputs = append(e.outputs, newOutputInstrument(e, oc))
		e.outIndex[oc.Name] = i
	}
	e.initial = make([][]float64, len(lay.outPorts))
	for i := range e.initial {
		e.initial[i] = []float64{0}
	}
	return e, nil
}

// Config returns the configuration with defaults filled in.
func (e *Engine) Config() EngineConfig {
	return e.cfg
}

// Input returns the named input instrument.
func (e *Engine) Input(name string) (*InputInstrument, error) {
	i, ok := e.inIndex[name]
	if !ok {
		return nil, fmt.Errorf("%w: input %q", ErrUnknownInstrument, name)
	}
	return e.inputs[i], nil
}

// Output returns the named output instrument.
func (e *Engine) Output(name string) (*OutputInstrument, error) {
	i, ok := e.outIndex[name]
	if !ok {
		return nil, fmt.Errorf("%w: output %q", ErrUnknownInstrument, name)
	}
	return e.outputs[i], nil
}

// Inputs returns all input instruments in configuration order.
func (e *Engine) Inputs() []*InputInstrument {
	return append([]*InputInstrument(nil), e.inputs...)
}

// Outputs returns all output instruments in configuration order.
func (e *Engine) Outputs() []*OutputInstrument {
	return append([]*OutputInstrument(nil), e.outputs...)
}

// State returns the engine's state.
func (e *Engine) State() SourceState {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()
	return e.state
}

// IsRunning tells whether the engine is active.
func (e *Engine) IsRunning() bool {
	return e.State() == Active
}

// Done returns a channel closed when the current (or last) run has ended
// and all its data are stored.
func (e *Engine) Done() <-chan struct{} {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()
	return e.done
}

// runDone returns the current run's done channel and whether a run is in progress.
func (e *Engine) runDone() (<-chan struct{}, bool) {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()
	return e.done, e.state == Active || e.state == Stopping
}

// Err returns why the last run ended, or nil after a normal stop.
func (e *Engine) Err() error {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()
	return e.runErr
}

// Time returns the newest input time across instruments. With no inputs it
// is the wall time since start.
func (e *Engine) Time() float64 {
	if len(e.inputs) == 0 {
		e.stateLock.Lock()
		defer e.stateLock.Unlock()
		if e.state == Inactive {
			return math.Inf(-1)
		}
		return time.Since(e.startWall).Seconds()
	}
	t := math.Inf(-1)
	for _, in := range e.inputs {
		t = max(t, in.GetTime())
	}
	return t
}

// Start launches the engine and returns once it is acquiring, with the
// staged waveforms playing from t = 0. On error no engine is left running.
func (e *Engine) Start() error {
	e.stateLock.Lock()
	if e.state != Inactive {
		e.stateLock.Unlock()
		return ErrAlreadyRunning
	}
	e.state = Starting
	initial := e.initial
	e.stateLock.Unlock()

	err := e.start(initial)

	e.stateLock.Lock()
	defer e.stateLock.Unlock()
	if err != nil {
		e.state = Inactive
		ProblemLogger.Printf("engine did not start: %v", err)
		return err
	}
	e.state = Active
	return nil
}

func (e *Engine) start(initial [][]float64) error {
	for _, in := range e.inputs {
		in.reset()
	}
	var proc *engineProcess
	var err error
	if e.driver != nil || e.cfg.InProcess {
		drv := e.driver
		if drv == nil {
			if drv, err = daqmx.Open(e.cfg.Driver, e.cfg.NoHardware); err != nil {
				return fmt.Errorf("%w: %w", ErrHardware, err)
			}
		}
		proc, err = launchInProcess(e.cfg, drv)
	} else {
		proc, err = launchChild(e.cfg)
	}
	if err != nil {
		return err
	}

	abandon := func(err error) error {
		proc.closeCtrl()
		proc.kill()
		proc.wait()
		for _, s := range proc.streams {
			s.Close()
		}
		proc.reply.Close()
		return err
	}
	enc := gob.NewEncoder(proc.ctrl)
	if err := enc.Encode(startMsg{Config: e.cfg, Waves: initial}); err != nil {
		return abandon(fmt.Errorf("sending engine configuration: %w", err))
	}
	dec := gob.NewDecoder(proc.reply)
	var ready replyMsg
	if err := dec.Decode(&ready); err != nil {
		return abandon(fmt.Errorf("%w before reporting ready: %w", ErrEngineExited, err))
	}
	if ready.Kind != replyReady {
		return abandon(fmt.Errorf("engine sent reply %d before ready", ready.Kind))
	}
	if err := ready.error(); err != nil {
		proc.closeCtrl()
		proc.wait()
		for _, s := range proc.streams {
			s.Close()
		}
		proc.reply.Close()
		return err
	}

	done := make(chan struct{})
	starts := make(chan replyMsg, 1)
	e.stateLock.Lock()
	e.proc = proc
	e.done = done
	e.runErr = nil
	e.startWall = time.Now()
	e.stateLock.Unlock()
	e.ctrlLock.Lock()
	e.enc = enc
	e.starts = starts
	e.ctrlLock.Unlock()

	for i, in := range e.inputs {
		e.consumers.Add(1)
		go e.consume(in, proc.streams[i])
	}
	go e.supervise(proc, dec, starts, done)
	UpdateLogger.Printf("engine started: %d output and %d input instruments", len(e.outputs), len(e.inputs))
	return nil
}

// consume stores one instrument's frame stream until the engine closes it.
func (e *Engine) consume(in *InputInstrument, r io.Reader) {
	defer e.consumers.Done()
	for {
		f, err := readFrames(r)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				ProblemLogger.Printf("input %s: frame stream: %v", in.name, err)
				// Keep the pipe drained so the engine never blocks on it.
				io.Copy(io.Discard, r)
			}
			return
		}
		in.push(f)
	}
}

// supervise relays the engine's replies until it exits, then waits for the
// process and the consumers and marks the run finished.
func (e *Engine) supervise(proc *engineProcess, dec *gob.Decoder, starts chan<- replyMsg, done chan struct{}) {
	var exitErr error
	exited := false
	for {
		var msg replyMsg
		if err := dec.Decode(&msg); err != nil {
			if !exited {
				exitErr = fmt.Errorf("%w without reporting: %w", ErrEngineExited, err)
			}
			break
		}
		switch msg.Kind {
		case replyStart:
			starts <- msg
		case replyExit:
			exited = true
			exitErr = msg.error()
		}
	}
	proc.closeCtrl()
	if err := proc.wait(); err != nil && exitErr == nil {
		exitErr = fmt.Errorf("%w: %w", ErrEngineExited, err)
	}
	e.consumers.Wait()
	for _, s := range proc.streams {
		s.Close()
	}
	proc.reply.Close()

	e.stateLock.Lock()
	e.state = Inactive
	e.proc = nil
	e.runErr = exitErr
	e.stateLock.Unlock()
	if exitErr != nil {
		ProblemLogger.Printf("engine stopped: %v", exitErr)
	} else {
		UpdateLogger.Println("engine stopped")
	}
	close(done)
}

// Stop asks the engine to stop and waits until it has, with every output
// at zero. Stopping an inactive engine does nothing.
func (e *Engine) Stop() error {
	e.stateLock.Lock()
	switch e.state {
	case Inactive:
		e.stateLock.Unlock()
		return nil
	case Starting:
		e.stateLock.Unlock()
		return fmt.Errorf("engine is starting, cannot stop")
	}
	e.state = Stopping
	proc, done := e.proc, e.done
	e.stateLock.Unlock()

	e.ctrlLock.Lock()
	if err := e.enc.Encode(controlMsg{Kind: ctrlStop}); err != nil {
		UpdateLogger.Printf("engine stop message not sent: %v", err)
	}
	proc.closeCtrl()
	e.ctrlLock.Unlock()

	limit := time.Duration(e.cfg.ReadTimeout*float64(time.Second)) + stopGrace
	select {
	case <-done:
	case <-time.After(limit):
		ProblemLogger.Printf("engine did not stop within %v; killing it", limit)
		proc.kill()
		<-done
	}
	return nil
}

// Stage queues waveforms (volts at the engine rate, keyed by output port
// name) for the next ChangeOutput. A port with reset set starts its new
// waveform from the first sample; otherwise playback continues at the
// current index. While the engine is stopped, staged waveforms become the
// ones played from t = 0 at the next start.
func (e *Engine) Stage(waves map[string][]float64, resets map[string]bool) error {
	msg := controlMsg{Kind: ctrlStage}
	for name, w := range waves {
		p, ok := e.lay.outIndex[name]
		if !ok || p == e.lay.tickOut {
			return fmt.Errorf("%w: %s", ErrUnknownPort, name)
		}
		if len(w) == 0 {
			return configErrorf("empty waveform for port %s", name)
		}
		msg.Ports = append(msg.Ports, p)
		msg.Waves = append(msg.Waves, w)
		msg.Reset = append(msg.Reset, resets[name])
	}

	e.stateLock.Lock()
	switch state := e.state; state {
	case Inactive:
		for i, p := range msg.Ports {
			e.initial[p] = msg.Waves[i]
		}
		e.stateLock.Unlock()
		return nil
	case Starting, Stopping:
		// The control pipe is only served while Active.
		e.stateLock.Unlock()
		return fmt.Errorf("%w: engine is %v", ErrNotRunning, state)
	}
	e.stateLock.Unlock()

	e.ctrlLock.Lock()
	defer e.ctrlLock.Unlock()
	if e.enc == nil {
		return ErrNotRunning
	}
	if err := e.enc.Encode(msg); err != nil {
		return fmt.Errorf("%w: %w", ErrNotRunning, err)
	}
	return nil
}

// ChangeOutput commits everything staged since the last commit in one
// atomic update and returns the engine time at which it starts playing.
func (e *Engine) ChangeOutput() (float64, error) {
	done, running := e.runDone()
	if !running {
		return 0, ErrNotRunning
	}
	e.ctrlLock.Lock()
	defer e.ctrlLock.Unlock()
	if e.enc == nil {
		return 0, ErrNotRunning
	}
	if err := e.enc.Encode(controlMsg{Kind: ctrlUpdate}); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrNotRunning, err)
	}
	select {
	case msg := <-e.starts:
		UpdateLogger.Printf("engine output changes at t=%.4f s", msg.StartT)
		return msg.StartT, nil
	case <-done:
		return 0, ErrEngineExited
	}
}
