package kerrdaq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/mokelab/kerrdaq/daqmx"
	"github.com/mokelab/kerrdaq/ringbuffer"
)

// errParentGone means the parent stopped listening; the engine shuts down
// as if asked to stop.
var errParentGone = errors.New("parent process is gone")

// outputUpdate is a committed set of staged waveforms, keyed by output port index.
type outputUpdate struct {
	waves map[int][]float64
	reset map[int]bool
	reply chan float64 // receives the time the new samples start
}

func newOutputUpdate() *outputUpdate {
	return &outputUpdate{waves: make(map[int][]float64), reset: make(map[int]bool)}
}

// instrumentRoute picks one input instrument's columns out of a device block.
type instrumentRoute struct {
	stream int
	ports  []string
	cols   []int // resolved on the first block
}

// deviceRoute turns the blocks of one input device into frames.
type deviceRoute struct {
	count       int64
	aligner     *Aligner // nil for devices on the master clock
	tickPort    string
	tickCol     int
	resolved    bool
	instruments []*instrumentRoute
}

// ioEngine owns the DAQ task. Its output goroutine keeps the task's output
// buffer full from the looping waveforms, its input goroutine drains the
// inputs to the frame streams, and run supervises both.
type ioEngine struct {
	cfg     EngineConfig
	lay     *layout
	drv     daqmx.Driver
	task    daqmx.Task
	chunk   int
	child   bool
	streams []io.Writer

	// Only the output goroutine touches these once the task starts.
	waves   [][]float64
	index   []int
	written int64

	updates chan *outputUpdate
	routes  map[string]*deviceRoute
	dropped int64

	abort     chan struct{}
	abortOnce sync.Once
	errs      chan error
	workers   sync.WaitGroup
}

func newIOEngine(cfg EngineConfig, lay *layout, drv daqmx.Driver, streams []io.Writer) *ioEngine {
	e := &ioEngine{
		cfg:     cfg,
		lay:     lay,
		drv:     drv,
		chunk:   cfg.refreshSamples(),
		streams: streams,
		updates: make(chan *outputUpdate),
		routes:  make(map[string]*deviceRoute),
		abort:   make(chan struct{}),
		errs:    make(chan error, 2),
	}
	slave := ""
	if lay.tickIn >= 0 {
		slave = lay.inPorts[lay.tickIn].Device()
	}
	route := func(dev string) *deviceRoute {
		r, ok := e.routes[dev]
		if !ok {
			r = new(deviceRoute)
			if dev == slave {
				r.aligner = NewAligner(cfg.Rate, cfg.Clock.TickPeriod, cfg.Clock.Threshold)
				r.tickPort = lay.inPorts[lay.tickIn].Name
			}
			e.routes[dev] = r
		}
		return r
	}
	for i, group := range lay.inGroups {
		ir := &instrumentRoute{stream: i}
		for _, idx := range group {
			ir.ports = append(ir.ports, lay.inPorts[idx].Name)
		}
		r := route(lay.inPorts[group[0]].Device())
		r.instruments = append(r.instruments, ir)
	}
	if slave != "" {
		route(slave)
	}
	return e
}

// shutdown asks both workers to stop. Safe to call more than once.
func (e *ioEngine) shutdown() {
	e.abortOnce.Do(func() { close(e.abort) })
}

func (e *ioEngine) aborted() bool {
	select {
	case <-e.abort:
		return true
	default:
		return false
	}
}

func (e *ioEngine) writeTimeout() time.Duration {
	return time.Duration((3*e.cfg.RefreshPeriod + e.cfg.ReadTimeout) * float64(time.Second))
}

// open creates the task, preloads two refresh periods of output and starts
// the clock, so t = 0 is the first output sample. On failure the outputs
// are zeroed and nothing is left open.
func (e *ioEngine) open(initial [][]float64) error {
	nout := len(e.lay.outPorts)
	if len(initial) != nout {
		return fmt.Errorf("%w: %d initial waveforms for %d outputs", ErrConfig, len(initial), nout)
	}
	e.waves = make([][]float64, nout)
	e.index = make([]int, nout)
	for i, w := range initial {
		if len(w) == 0 {
			w = []float64{0}
		}
		e.waves[i] = w
	}
	if e.lay.tickOut >= 0 {
		e.waves[e.lay.tickOut] = e.lay.tickWave()
	}

	tc := daqmx.TaskConfig{
		Rate:                e.cfg.Rate,
		Inputs:              e.lay.inPorts,
		Outputs:             e.lay.outPorts,
		OutputBufferSamples: 2 * e.chunk,
		Regenerate:          false,
	}
	UpdateLogger.Printf("engine: opening DAQ task\n%s", spew.Sdump(tc))
	task, err := e.drv.OpenTask(tc)
	if err != nil {
		e.zeroOutputs()
		return fmt.Errorf("%w: %w", ErrHardware, err)
	}
	e.task = task
	fail := func(err error) error {
		e.release()
		return fmt.Errorf("%w: %w", ErrHardware, err)
	}
	if nout > 0 {
		for range 2 {
			if err := task.Write(e.nextChunk(), e.writeTimeout()); err != nil {
				return fail(err)
			}
		}
	}
	if err := task.Start(); err != nil {
		return fail(err)
	}
	return nil
}

// run supervises the workers until ctx is done, a worker fails or shutdown
// is called. It always stops the task and drives every output to zero.
func (e *ioEngine) run(ctx context.Context) (err error) {
	defer e.release()
	e.workers.Add(2)
	go e.worker("output", e.outputLoop)
	go e.worker("input", e.inputLoop)

	select {
	case <-ctx.Done():
		UpdateLogger.Println("engine: interrupted")
	case <-e.abort:
	case err = <-e.errs:
	}
	e.shutdown()
	e.workers.Wait()
	if err == nil {
		select {
		case err = <-e.errs:
		default:
		}
	}
	if errors.Is(err, errParentGone) {
		UpdateLogger.Println("engine: parent gone, shutting down")
		err = nil
	}
	if err != nil {
		ProblemLogger.Printf("engine: stopping after error: %v", err)
	}
	return err
}

// worker runs one loop, turning a panic into an error for the supervisor.
func (e *ioEngine) worker(name string, loop func() error) {
	defer e.workers.Done()
	if e.child {
		// The raised priority stays with this thread, which exits with the goroutine.
		runtime.LockOSThread()
		if err := raisePriority(e.cfg.Priority); err != nil {
			ProblemLogger.Printf("engine: %s thread priority unchanged: %v", name, err)
		}
	}
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%s thread panic: %v", name, r)
			}
		}()
		return loop()
	}()
	if err != nil {
		e.errs <- err
	}
}

// release stops and closes the task, then zeroes the outputs with a finite task.
func (e *ioEngine) release() {
	if e.task != nil {
		if err := e.task.Stop(); err != nil {
			ProblemLogger.Printf("engine: stopping task: %v", err)
		}
		if err := e.task.Close(); err != nil {
			ProblemLogger.Printf("engine: closing task: %v", err)
		}
		e.task = nil
	}
	e.zeroOutputs()
}

func (e *ioEngine) zeroOutputs() {
	if len(e.lay.outPorts) == 0 {
		return
	}
	zeros := make([]float64, len(e.lay.outPorts))
	if err := e.drv.WriteFinite(e.lay.outPorts, zeros); err != nil {
		ProblemLogger.Printf("engine: could not zero outputs: %v", err)
		return
	}
	UpdateLogger.Printf("engine: %d outputs set to zero", len(zeros))
}

// nextChunk returns the next refresh period of samples and advances the
// per-port indices, which wrap at each waveform's length.
func (e *ioEngine) nextChunk() [][]float64 {
	out := make([][]float64, len(e.waves))
	for p, w := range e.waves {
		c := make([]float64, e.chunk)
		idx := e.index[p]
		for i := range c {
			c[i] = w[idx]
			if idx++; idx == len(w) {
				idx = 0
			}
		}
		e.index[p] = idx
		out[p] = c
	}
	e.written += int64(e.chunk)
	return out
}

// apply installs a committed update. The new samples start with the next
// chunk, at t = written/rate.
func (e *ioEngine) apply(u *outputUpdate) float64 {
	for p, w := range u.waves {
		if p == e.lay.tickOut || len(w) == 0 {
			continue
		}
		e.waves[p] = w
		if u.reset[p] {
			e.index[p] = 0
		} else {
			e.index[p] %= len(w)
		}
	}
	return float64(e.written) / e.cfg.Rate
}

func (e *ioEngine) outputLoop() error {
	for {
		select {
		case <-e.abort:
			return nil
		case u := <-e.updates:
			u.reply <- e.apply(u)
			continue
		default:
		}
		if len(e.waves) == 0 {
			// Input-only task: only serve updates.
			select {
			case <-e.abort:
				return nil
			case u := <-e.updates:
				u.reply <- e.apply(u)
			}
			continue
		}
		if err := e.task.Write(e.nextChunk(), e.writeTimeout()); err != nil {
			if e.aborted() {
				return nil
			}
			return fmt.Errorf("%w: output write: %w", ErrHardware, err)
		}
	}
}

func (e *ioEngine) inputLoop() error {
	if len(e.lay.inPorts) == 0 {
		<-e.abort
		return nil
	}
	timeout := time.Duration(e.cfg.ReadTimeout * float64(time.Second))
	ticker := time.NewTicker(time.Duration(e.cfg.AcquisitionPeriod * float64(time.Second)))
	defer ticker.Stop()
	timeouts := 0
	for {
		select {
		case <-e.abort:
			return nil
		case <-ticker.C:
		}
		blocks, err := e.task.Read(timeout)
		if errors.Is(err, daqmx.ErrTimeout) {
			timeouts++
			ProblemLogger.Printf("engine: input read timed out (%d in a row)", timeouts)
			if timeouts >= e.cfg.MaxReadTimeouts {
				return fmt.Errorf("%w: %d consecutive input read timeouts", ErrHardware, timeouts)
			}
			continue
		}
		if err != nil {
			if e.aborted() {
				return nil
			}
			return fmt.Errorf("%w: input read: %w", ErrHardware, err)
		}
		timeouts = 0
		for _, b := range blocks {
			if err := e.dispatch(b); err != nil {
				return err
			}
		}
	}
}

// dispatch stamps a device block with times and writes each instrument's
// columns to its stream. A full stream drops the message.
func (e *ioEngine) dispatch(b daqmx.Block) error {
	r := e.routes[b.Device]
	n := b.Len()
	if r == nil || n == 0 {
		return nil
	}
	if !r.resolved {
		if err := r.resolve(b.Ports); err != nil {
			return err
		}
	}

	var f ringbuffer.Frames
	if r.aligner != nil {
		f = r.aligner.Align(b.Data, r.tickCol)
	} else {
		var err error
		if f, err = ringbuffer.FramesFromColumns(masterTimes(r.count, n, e.cfg.Rate), b.Data); err != nil {
			return err
		}
	}
	r.count += int64(n)
	if f.Len() == 0 {
		return nil
	}

	for _, ir := range r.instruments {
		err := writeFrames(e.streams[ir.stream], selectColumns(f, ir.cols))
		switch {
		case err == nil:
		case errors.Is(err, io.ErrShortWrite):
			e.dropped++
			if e.dropped&(e.dropped-1) == 0 {
				ProblemLogger.Printf("engine: parent not keeping up; %d input batches dropped", e.dropped)
			}
		default:
			return fmt.Errorf("%w: %w", errParentGone, err)
		}
	}
	return nil
}

// resolve finds the block columns of each instrument's ports and of the tick.
func (r *deviceRoute) resolve(ports []daqmx.Port) error {
	col := make(map[string]int, len(ports))
	for i, p := range ports {
		col[p.Name] = i
	}
	for _, ir := range r.instruments {
		ir.cols = ir.cols[:0]
		for _, name := range ir.ports {
			c, ok := col[name]
			if !ok {
				return fmt.Errorf("%w: driver returned no data for port %s", ErrHardware, name)
			}
			ir.cols = append(ir.cols, c)
		}
	}
	if r.aligner != nil {
		c, ok := col[r.tickPort]
		if !ok {
			return fmt.Errorf("%w: driver returned no data for tick port %s", ErrHardware, r.tickPort)
		}
		r.tickCol = c
	}
	r.resolved = true
	return nil
}

// selectColumns returns frames holding t and the given value columns of f.
func selectColumns(f ringbuffer.Frames, cols []int) ringbuffer.Frames {
	n := f.Len()
	out := ringbuffer.NewFrames(n, len(cols)+1)
	for i := range n {
		src, dst := f.Row(i), out.Row(i)
		dst[0] = src[0]
		for j, c := range cols {
			dst[j+1] = src[c+1]
		}
	}
	return out
}
