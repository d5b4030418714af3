package kerrdaq

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/mokelab/kerrdaq/asyncbufio"
	"github.com/mokelab/kerrdaq/daqmx"
)

// Environment variables that turn a process into an engine child.
const (
	engineEnv  = "KERRDAQ_ENGINE"
	streamsEnv = "KERRDAQ_STREAMS"
)

// The child's file descriptors: control in, replies out, then one frame
// stream per input instrument.
const (
	ctrlFd        = 3
	replyFd       = 4
	firstStreamFd = 5
)

// Stream writers queue this many messages before dropping.
const streamQueueDepth = 512

const streamFlushInterval = 2 * time.Millisecond

// startMsg is the first message on the control pipe.
type startMsg struct {
	Config EngineConfig
	Waves  [][]float64 // initial waveform of each output port in task order
}

type controlKind int

const (
	ctrlStage controlKind = iota + 1
	ctrlUpdate
	ctrlStop
)

// controlMsg stages waveforms, commits what is staged, or stops the engine.
type controlMsg struct {
	Kind  controlKind
	Ports []int // output port indices
	Waves [][]float64
	Reset []bool
}

type replyKind int

const (
	replyReady replyKind = iota + 1
	replyStart
	replyExit
)

type errorKind int

const (
	errorNone errorKind = iota
	errorOther
	errorConfig
	errorHardware
)

// replyMsg flows from the engine to the parent.
type replyMsg struct {
	Kind    replyKind
	StartT  float64
	ErrKind errorKind
	Err     string
}

func replyFor(kind replyKind, err error) replyMsg {
	msg := replyMsg{Kind: kind}
	if err != nil {
		msg.Err = err.Error()
		switch {
		case errors.Is(err, ErrConfig):
			msg.ErrKind = errorConfig
		case errors.Is(err, ErrHardware):
			msg.ErrKind = errorHardware
		default:
			msg.ErrKind = errorOther
		}
	}
	return msg
}

// error rebuilds the engine's error on the parent side.
func (m replyMsg) error() error {
	switch m.ErrKind {
	case errorNone:
		return nil
	case errorConfig:
		return fmt.Errorf("%w (engine: %s)", ErrConfig, m.Err)
	case errorHardware:
		return fmt.Errorf("%w (engine: %s)", ErrHardware, m.Err)
	}
	return fmt.Errorf("engine: %s", m.Err)
}

// replier serializes writes to the reply pipe.
type replier struct {
	lock sync.Mutex
	enc  *gob.Encoder
}

func (r *replier) send(msg replyMsg) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if err := r.enc.Encode(msg); err != nil {
		ProblemLogger.Printf("engine: reply not sent: %v", err)
	}
}

// engineOptions are what differ between a child engine and one run in goroutines.
type engineOptions struct {
	driver daqmx.Driver // nil means open the configured driver
	child  bool
}

// engineMain reads the start message, opens the task, reports ready and
// runs until stopped. Every return path leaves the outputs at zero.
func engineMain(ctx context.Context, ctrl io.Reader, reply io.Writer, streams []io.Writer, opts engineOptions) error {
	dec := gob.NewDecoder(ctrl)
	rep := &replier{enc: gob.NewEncoder(reply)}

	var start startMsg
	if err := dec.Decode(&start); err != nil {
		return fmt.Errorf("engine: reading start message: %w", err)
	}
	cfg := start.Config.withDefaults()
	lay, err := cfg.validate()
	if err == nil && len(streams) != len(cfg.Inputs) {
		err = configErrorf("%d frame streams for %d input instruments", len(streams), len(cfg.Inputs))
	}
	if err != nil {
		rep.send(replyFor(replyReady, err))
		return err
	}
	drv := opts.driver
	if drv == nil {
		if drv, err = daqmx.Open(cfg.Driver, cfg.NoHardware); err != nil {
			err = fmt.Errorf("%w: %w", ErrHardware, err)
			rep.send(replyFor(replyReady, err))
			return err
		}
	}
	if opts.child {
		warnAutogroup(cfg.Priority)
	}

	eng := newIOEngine(cfg, lay, drv, streams)
	eng.child = opts.child
	if err := eng.open(start.Waves); err != nil {
		rep.send(replyFor(replyReady, err))
		return err
	}
	UpdateLogger.Printf("engine: started at %v Hz with %d outputs and %d inputs", cfg.Rate, len(lay.outPorts), len(lay.inPorts))
	rep.send(replyFor(replyReady, nil))

	go eng.control(dec, rep)
	err = eng.run(ctx)
	rep.send(replyFor(replyExit, err))
	return err
}

// control applies the parent's messages until stop or until the control
// pipe closes, which means the parent is gone.
func (e *ioEngine) control(dec *gob.Decoder, rep *replier) {
	defer e.shutdown()
	pending := newOutputUpdate()
	for {
		var msg controlMsg
		if err := dec.Decode(&msg); err != nil {
			if !e.aborted() && !errors.Is(err, io.EOF) {
				ProblemLogger.Printf("engine: control pipe: %v", err)
			}
			return
		}
		switch msg.Kind {
		case ctrlStage:
			if len(msg.Ports) != len(msg.Waves) || len(msg.Ports) != len(msg.Reset) {
				ProblemLogger.Printf("engine: malformed stage message ignored")
				continue
			}
			for i, p := range msg.Ports {
				if p < 0 || p >= len(e.lay.outPorts) || p == e.lay.tickOut {
					ProblemLogger.Printf("engine: stage for output %d ignored", p)
					continue
				}
				pending.waves[p] = msg.Waves[i]
				pending.reset[p] = msg.Reset[i]
			}
		case ctrlUpdate:
			u := pending
			pending = newOutputUpdate()
			u.reply = make(chan float64, 1)
			select {
			case e.updates <- u:
			case <-e.abort:
				return
			}
			select {
			case t := <-u.reply:
				rep.send(replyMsg{Kind: replyStart, StartT: t})
			case <-e.abort:
				return
			}
		case ctrlStop:
			UpdateLogger.Println("engine: stop requested")
			return
		}
	}
}

// MaybeRunEngine runs the I/O engine and exits when this process was
// started as an engine child; otherwise it returns at once. Programs that
// start an Engine call it first in main, and their tests in TestMain.
func MaybeRunEngine() {
	if os.Getenv(engineEnv) == "" {
		return
	}
	nstreams, err := strconv.Atoi(os.Getenv(streamsEnv))
	if err != nil || nstreams < 0 {
		ProblemLogger.Printf("engine: bad %s=%q", streamsEnv, os.Getenv(streamsEnv))
		os.Exit(2)
	}
	ctrl := os.NewFile(ctrlFd, "control")
	reply := os.NewFile(replyFd, "reply")
	files := make([]*os.File, nstreams)
	writers := make([]*asyncbufio.Writer, nstreams)
	streams := make([]io.Writer, nstreams)
	for i := range files {
		files[i] = os.NewFile(uintptr(firstStreamFd+i), fmt.Sprintf("stream%d", i))
		writers[i] = asyncbufio.NewWriter(files[i], streamQueueDepth, streamFlushInterval)
		streams[i] = writers[i]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = engineMain(ctx, ctrl, reply, streams, engineOptions{child: true})
	stop()
	for i := range files {
		writers[i].Close()
		files[i].Close()
	}
	reply.Close()
	ctrl.Close()
	if err != nil {
		ProblemLogger.Printf("engine: exiting: %v", err)
		os.Exit(1)
	}
	os.Exit(0)
}

// engineProcess is the parent's end of a running engine.
type engineProcess struct {
	ctrl      io.WriteCloser
	reply     io.ReadCloser
	streams   []io.ReadCloser
	wait      func() error // returns once the engine has finished
	kill      func()
	closeOnce sync.Once
}

// closeCtrl closes the control pipe, which stops the engine if it still runs.
func (p *engineProcess) closeCtrl() {
	p.closeOnce.Do(func() { p.ctrl.Close() })
}

// pipeSet holds the pipes between parent and engine.
type pipeSet struct {
	ctrlR, ctrlW   *os.File
	replyR, replyW *os.File
	streamR        []*os.File
	streamW        []*os.File
}

func newPipeSet(nstreams int) (*pipeSet, error) {
	ps := new(pipeSet)
	var err error
	if ps.ctrlR, ps.ctrlW, err = os.Pipe(); err != nil {
		return nil, err
	}
	if ps.replyR, ps.replyW, err = os.Pipe(); err != nil {
		ps.close()
		return nil, err
	}
	for range nstreams {
		r, w, err := os.Pipe()
		if err != nil {
			ps.close()
			return nil, err
		}
		ps.streamR = append(ps.streamR, r)
		ps.streamW = append(ps.streamW, w)
	}
	return ps, nil
}

func (ps *pipeSet) engineEnds() []*os.File {
	return append([]*os.File{ps.ctrlR, ps.replyW}, ps.streamW...)
}

func (ps *pipeSet) parentEnds() []*os.File {
	return append([]*os.File{ps.ctrlW, ps.replyR}, ps.streamR...)
}

func (ps *pipeSet) close() {
	for _, f := range append(ps.engineEnds(), ps.parentEnds()...) {
		if f != nil {
			f.Close()
		}
	}
}

func (ps *pipeSet) process() *engineProcess {
	p := &engineProcess{ctrl: ps.ctrlW, reply: ps.replyR}
	for _, r := range ps.streamR {
		p.streams = append(p.streams, r)
	}
	return p
}

// launchChild starts the engine as a separate process running this
// program (or cfg.EnginePath).
func launchChild(cfg EngineConfig) (*engineProcess, error) {
	exe := cfg.EnginePath
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("locating engine executable: %w", err)
		}
	}
	ps, err := newPipeSet(len(cfg.Inputs))
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(exe)
	cmd.Env = append(os.Environ(), engineEnv+"=1", fmt.Sprintf("%s=%d", streamsEnv, len(cfg.Inputs)))
	cmd.ExtraFiles = ps.engineEnds()
	cmd.Stdout = ProblemLogger.Writer()
	cmd.Stderr = ProblemLogger.Writer()
	if err := cmd.Start(); err != nil {
		ps.close()
		return nil, fmt.Errorf("starting engine process %s: %w", exe, err)
	}
	for _, f := range ps.engineEnds() {
		f.Close()
	}
	UpdateLogger.Printf("engine process %d started from %s", cmd.Process.Pid, exe)

	p := ps.process()
	p.wait = cmd.Wait
	p.kill = func() {
		if err := cmd.Process.Kill(); err != nil {
			ProblemLogger.Printf("killing engine process: %v", err)
		}
	}
	return p, nil
}

// launchInProcess runs the engine in goroutines of this process, over the
// same pipes a child would use.
func launchInProcess(cfg EngineConfig, drv daqmx.Driver) (*engineProcess, error) {
	ps, err := newPipeSet(len(cfg.Inputs))
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		writers := make([]*asyncbufio.Writer, len(ps.streamW))
		streams := make([]io.Writer, len(ps.streamW))
		for i, f := range ps.streamW {
			writers[i] = asyncbufio.NewWriter(f, streamQueueDepth, streamFlushInterval)
			streams[i] = writers[i]
		}
		err := engineMain(ctx, ps.ctrlR, ps.replyW, streams, engineOptions{driver: drv})
		for i, w := range writers {
			w.Close()
			ps.streamW[i].Close()
		}
		ps.replyW.Close()
		ps.ctrlR.Close()
		done <- err
	}()

	p := ps.process()
	var once sync.Once
	var result error
	p.wait = func() error {
		once.Do(func() {
			result = <-done
			cancel()
		})
		return result
	}
	p.kill = cancel
	return p, nil
}
