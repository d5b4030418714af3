package kerrdaq

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mokelab/kerrdaq/hexapole"
	"github.com/mokelab/kerrdaq/internal/kerrdb"
	"github.com/mokelab/kerrdaq/waveform"
	"github.com/spf13/viper"
	"gonum.org/v1/gonum/mat"
)

// EngineControl is the sub-server that handles configuration and operation
// of the I/O engine and the magnet.
type EngineControl struct {
	lock      sync.Mutex
	config    EngineConfig
	engine    *Engine
	hexConfig *HexapoleConfig
	hex       *hexapole.Hexapole
	status    ServerStatus
	db        *kerrdb.Connection
	session   *kerrdb.SessionMessage
	lastFrame map[string]float64
}

// ServerStatus the status that EngineControl reports to clients.
type ServerStatus struct {
	Running   bool
	State     string
	Driver    string
	Rate      float64
	Outputs   []string // output instrument names
	Inputs    []string // input instrument names
	Time      float64  // newest input time (s); 0 when no data
	Magnet    bool     // a hexapole is configured
	Tuning    bool
	LastError string // why the last run ended, if not by Stop
}

// PIDConfig holds the tuner gains (V per mT) and convergence threshold (mT).
type PIDConfig struct {
	Kp, Ki, Kd float64
	Threshold  float64
}

// HexapoleConfig binds a calibration bundle to the engine's instruments.
type HexapoleConfig struct {
	Bundle    string // path of the .npz calibration bundle
	Hallprobe string // input instrument reading the three hallprobes
	Magnet    string // output instrument driving the three poles
	Mode      string // "voltage" (default) or "current"
	PID       PIDConfig
}

// FunctionSpec describes one periodic function for StageFunctions and SetField.
type FunctionSpec struct {
	Kind      string // "sine", "const" or "square"
	Amplitude float64
	Period    float64 // s
	Phase     float64 // rad, sine only
	Offset    float64 // added to sine; the level of const; the low level of square
}

// Func returns the function described.
func (fs FunctionSpec) Func() (waveform.Func, error) {
	switch strings.ToLower(fs.Kind) {
	case "sine", "sin":
		return waveform.Sine(fs.Amplitude, fs.Period, fs.Phase, fs.Offset), nil
	case "const", "constant":
		return waveform.Constant(fs.Offset), nil
	case "square":
		return waveform.Square(fs.Offset, fs.Offset+fs.Amplitude, fs.Period), nil
	}
	return nil, fmt.Errorf("function kind %q is not sine, const or square", fs.Kind)
}

// StageFunctionsArgs is the RPC-usable structure for StageFunctions.
type StageFunctionsArgs struct {
	Output         string
	Functions      []FunctionSpec // one per port; each is sampled over its own Period
	Autostart      bool
	IndexReset     bool
	UseCalibration bool
}

// StageArraysArgs is the RPC-usable structure for StageArrays: one period
// of signal per port, sampled at times T.
type StageArraysArgs struct {
	Output     string
	T          []float64
	Signal     [][]float64
	Autostart  bool
	IndexReset bool
}

// StageReply tells when staged waveforms start playing.
type StageReply struct {
	StartT  float64
	Started bool
}

// GetDataArgs is the RPC-usable structure for GetData.
type GetDataArgs struct {
	Input      string
	T0, T1     float64
	Wait       bool
	Calibrated bool
}

// DataReply holds frames: Ncols columns per row, time first.
type DataReply struct {
	Ncols int
	Data  []float64
}

// FlushingTimeArgs is the RPC-usable structure for SetFlushingTime.
type FlushingTimeArgs struct {
	Input   string
	Seconds float64
}

// SetFieldArgs is the RPC-usable structure for SetField. The demand is
// either three functions (x, y, z in mT) sampled over Period, or arrays
// Field[3][n] sampled at times T over one period.
type SetFieldArgs struct {
	Functions   []FunctionSpec
	Period      float64
	T           []float64
	Field       [][]float64
	Repetitions int
	Tune        bool
}

// SetFieldReply reports how the demand was realised.
type SetFieldReply struct {
	Clipped    int
	OutOfRange bool
}

// DegaussArgs is the RPC-usable structure for Degauss.
type DegaussArgs struct {
	Amplitude float64 // V
	Freq      float64 // Hz
	Duration  float64 // s
}

// maxRPCWait bounds how long GetData waits for future data.
const maxRPCWait = 60 * time.Second

// Configure replaces the engine configuration. The engine must be stopped.
func (s *EngineControl) Configure(args *EngineConfig, reply *bool) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.engine != nil && s.engine.State() != Inactive {
		return fmt.Errorf("engine is running; stop it before configuring")
	}
	e, err := NewEngine(*args)
	if err != nil {
		return err
	}
	s.config = *args
	s.engine = e
	s.hex = nil
	if s.hexConfig != nil {
		if err := s.buildHexapole(*s.hexConfig); err != nil {
			ProblemLogger.Printf("hexapole not rebuilt for the new engine: %v", err)
			s.hexConfig = nil
		}
	}
	s.saveSetting("engine", *args)
	s.updateStatus()
	s.broadcastUpdate()
	*reply = true
	return nil
}

// ConfigureHexapole loads a calibration bundle and binds it to the
// hallprobe and magnet instruments of the current engine.
func (s *EngineControl) ConfigureHexapole(args *HexapoleConfig, reply *bool) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if err := s.buildHexapole(*args); err != nil {
		return err
	}
	cfg := *args
	s.hexConfig = &cfg
	s.saveSetting("hexapole", cfg)
	s.updateStatus()
	s.broadcastUpdate()
	*reply = true
	return nil
}

func (s *EngineControl) buildHexapole(hc HexapoleConfig) error {
	if s.engine == nil {
		return fmt.Errorf("no engine configured")
	}
	hall, err := s.engine.Input(hc.Hallprobe)
	if err != nil {
		return err
	}
	magnet, err := s.engine.Output(hc.Magnet)
	if err != nil {
		return err
	}
	if len(hall.Ports()) != hexapole.NumPoles || len(magnet.Ports()) != hexapole.NumPoles {
		return fmt.Errorf("hallprobe and magnet need %d ports each", hexapole.NumPoles)
	}
	bundle, err := hexapole.LoadBundle(hc.Bundle)
	if err != nil {
		return err
	}
	mode := hexapole.DriveVoltage
	switch strings.ToLower(hc.Mode) {
	case "", "voltage":
	case "current":
		mode = hexapole.DriveCurrent
	default:
		return fmt.Errorf("drive mode %q is not voltage or current", hc.Mode)
	}
	logger := log.New(ProblemLogger.Writer(), "", log.LstdFlags)
	inv, err := hexapole.NewInverter(bundle, hexapole.Config{Rate: s.engine.Config().Rate, Mode: mode, Logger: logger})
	if err != nil {
		return err
	}
	if len(bundle.HallScale) > 0 {
		c := &Calibration{Scale: mat.NewDense(hexapole.NumPoles, hexapole.NumPoles, bundle.HallScale)}
		if len(bundle.HallOffset) > 0 {
			c.Offset = bundle.HallOffset
		}
		if err := hall.SetCalibration(c); err != nil {
			return err
		}
	}
	s.hex = hexapole.New(inv, magnet, hall, hexapole.TunerConfig{
		Kp: hc.PID.Kp, Ki: hc.PID.Ki, Kd: hc.PID.Kd, Threshold: hc.PID.Threshold,
		Logger: logger,
	})
	UpdateLogger.Printf("hexapole configured from %s (%s drive)", hc.Bundle, hc.Mode)
	return nil
}

// saveSetting stores a setting in the config file for the next server run.
func (s *EngineControl) saveSetting(key string, value any) {
	viper.Set(key, value)
	if viper.ConfigFileUsed() == "" {
		return
	}
	if err := viper.WriteConfig(); err != nil {
		ProblemLogger.Printf("could not save %s setting: %v", key, err)
	}
}

func (s *EngineControl) requireEngine() (*Engine, error) {
	if s.engine == nil {
		return nil, fmt.Errorf("no engine configured")
	}
	return s.engine, nil
}

// Start starts the engine.
func (s *EngineControl) Start(dummy *string, reply *bool) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	e, err := s.requireEngine()
	if err != nil {
		return err
	}
	if err := e.Start(); err != nil {
		s.updateStatus()
		s.status.LastError = err.Error()
		s.broadcastUpdate()
		return err
	}
	s.startSession(e)
	s.updateStatus()
	s.broadcastUpdate()
	*reply = true
	return nil
}

// startSession records the run and watches for its end.
func (s *EngineControl) startSession(e *Engine) {
	cfg := e.Config()
	session := &kerrdb.SessionMessage{ID: kerrdb.NewID(), Driver: cfg.Driver, Rate: cfg.Rate, Start: time.Now()}
	for _, p := range e.lay.outPorts {
		session.Outputs = append(session.Outputs, p.Name)
	}
	for _, p := range e.lay.inPorts {
		session.Inputs = append(session.Inputs, p.Name)
	}
	s.session = session
	s.db.RecordSession(session)

	done := e.Done()
	go func() {
		<-done
		note := ""
		if err := e.Err(); err != nil {
			note = err.Error()
		}
		s.db.FinishSession(session, note)
		s.lock.Lock()
		defer s.lock.Unlock()
		if s.session == session {
			s.session = nil
		}
		s.updateStatus()
		s.broadcastUpdate()
	}()
}

// Stop stops the engine; every output is at zero when it returns.
func (s *EngineControl) Stop(dummy *string, reply *bool) error {
	s.lock.Lock()
	e, err := s.requireEngine()
	hex := s.hex
	s.lock.Unlock()
	if err != nil {
		return err
	}
	if !e.IsRunning() {
		return ErrNotRunning
	}
	if hex != nil {
		hex.StopTuning()
	}
	log.Printf("Stopping engine\n")
	if err := e.Stop(); err != nil {
		return err
	}
	s.lock.Lock()
	s.updateStatus()
	s.broadcastUpdate()
	s.lock.Unlock()
	*reply = true
	return nil
}

// Status reports the server status.
func (s *EngineControl) Status(dummy *string, reply *ServerStatus) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.updateStatus()
	*reply = s.status
	return nil
}

// SendAllStatus causes a broadcast to clients containing all broadcastable status info
func (s *EngineControl) SendAllStatus(dummy *string, reply *bool) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.updateStatus()
	s.broadcastUpdate()
	publish("SENDALL", 0)
	*reply = true
	return nil
}

// StageFunctions stages periodic functions on an output instrument.
func (s *EngineControl) StageFunctions(args *StageFunctionsArgs, reply *StageReply) error {
	out, err := s.output(args.Output)
	if err != nil {
		return err
	}
	funcs := make([]waveform.Func, len(args.Functions))
	periods := make([]float64, len(args.Functions))
	for i, fs := range args.Functions {
		if funcs[i], err = fs.Func(); err != nil {
			return err
		}
		periods[i] = fs.Period
		if periods[i] <= 0 {
			periods[i] = 1 / out.Rate()
		}
	}
	startT, started, err := out.StageData(funcs, periods, args.Autostart, args.IndexReset, args.UseCalibration)
	if err != nil {
		return err
	}
	*reply = StageReply{StartT: startT, Started: started}
	s.afterStage(started)
	return nil
}

// StageArrays stages sampled signals on an output instrument.
func (s *EngineControl) StageArrays(args *StageArraysArgs, reply *StageReply) error {
	out, err := s.output(args.Output)
	if err != nil {
		return err
	}
	startT, started, err := out.StageInterp(args.T, args.Signal, args.Autostart, args.IndexReset)
	if err != nil {
		return err
	}
	*reply = StageReply{StartT: startT, Started: started}
	s.afterStage(started)
	return nil
}

// ChangeOutput commits all staged waveforms and returns when they start.
func (s *EngineControl) ChangeOutput(dummy *string, reply *float64) error {
	s.lock.Lock()
	e, err := s.requireEngine()
	s.lock.Unlock()
	if err != nil {
		return err
	}
	*reply, err = e.ChangeOutput()
	return err
}

// afterStage records a session started by an autostarted stage.
func (s *EngineControl) afterStage(started bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if started && s.session == nil && s.engine != nil && s.engine.IsRunning() {
		s.startSession(s.engine)
	}
	s.updateStatus()
}

func (s *EngineControl) output(name string) (*OutputInstrument, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	e, err := s.requireEngine()
	if err != nil {
		return nil, err
	}
	return e.Output(name)
}

func (s *EngineControl) input(name string) (*InputInstrument, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	e, err := s.requireEngine()
	if err != nil {
		return nil, err
	}
	return e.Input(name)
}

// GetData returns an input instrument's frames with T0 <= t <= T1.
func (s *EngineControl) GetData(args *GetDataArgs, reply *DataReply) error {
	in, err := s.input(args.Input)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), maxRPCWait)
	defer cancel()
	f, err := in.GetData(ctx, args.T0, args.T1, args.Wait, args.Calibrated)
	if err != nil {
		return err
	}
	*reply = DataReply{Ncols: f.Ncols, Data: f.Data}
	return nil
}

// GetTime returns the newest time of the named input, or of the engine when
// the name is empty. Before any data it is 0.
func (s *EngineControl) GetTime(name *string, reply *float64) error {
	var t float64
	if *name == "" {
		s.lock.Lock()
		e, err := s.requireEngine()
		s.lock.Unlock()
		if err != nil {
			return err
		}
		t = e.Time()
	} else {
		in, err := s.input(*name)
		if err != nil {
			return err
		}
		t = in.GetTime()
	}
	if math.IsInf(t, -1) {
		t = 0
	}
	*reply = t
	return nil
}

// SetFlushingTime resizes an input instrument's history.
func (s *EngineControl) SetFlushingTime(args *FlushingTimeArgs, reply *bool) error {
	in, err := s.input(args.Input)
	if err != nil {
		return err
	}
	if err := in.SetFlushingTime(args.Seconds); err != nil {
		return err
	}
	*reply = true
	return nil
}

func (s *EngineControl) magnet() (*hexapole.Hexapole, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.hex == nil {
		return nil, fmt.Errorf("no hexapole configured")
	}
	return s.hex, nil
}

// SetField inverts a field demand and plays it on the magnet, optionally tuning it.
func (s *EngineControl) SetField(args *SetFieldArgs, reply *SetFieldReply) error {
	hex, err := s.magnet()
	if err != nil {
		return err
	}
	rate := hex.Inverter().Rate()
	var desired [][]float64
	switch {
	case len(args.Functions) > 0:
		if len(args.Functions) != hexapole.NumPoles {
			return fmt.Errorf("%d field functions, want %d", len(args.Functions), hexapole.NumPoles)
		}
		funcs := make([]waveform.Func, len(args.Functions))
		for i, fs := range args.Functions {
			if funcs[i], err = fs.Func(); err != nil {
				return err
			}
		}
		desired, err = waveform.MaterializeAll(funcs, args.Period, rate)
	default:
		desired, err = waveform.ResampleAll(args.T, args.Field, rate)
	}
	if err != nil {
		return err
	}
	res, err := hex.SetField(context.Background(), desired, hexapole.Options{Repetitions: args.Repetitions}, args.Tune)
	if err != nil {
		return err
	}
	*reply = SetFieldReply{Clipped: res.Clipped, OutOfRange: res.OutOfRange}

	msg := &kerrdb.SetpointMessage{
		ID: kerrdb.NewID(), Kind: "field", Period: float64(len(desired[0])) / rate,
		Repetitions: args.Repetitions, Tuned: args.Tune, Created: time.Now(),
	}
	for i, row := range desired {
		for _, v := range row {
			msg.PeakField[i] = max(msg.PeakField[i], math.Abs(v))
		}
	}
	s.recordSetpoint(msg)
	return nil
}

// Degauss demagnetises the poles with a decaying sinusoid. It returns when done.
func (s *EngineControl) Degauss(args *DegaussArgs, reply *bool) error {
	hex, err := s.magnet()
	if err != nil {
		return err
	}
	if err := hex.Degauss(context.Background(), args.Amplitude, args.Freq, args.Duration); err != nil {
		return err
	}
	msg := &kerrdb.SetpointMessage{ID: kerrdb.NewID(), Kind: "degauss", Period: args.Duration, Created: time.Now()}
	msg.PeakField[0] = args.Amplitude
	s.recordSetpoint(msg)
	*reply = true
	return nil
}

func (s *EngineControl) recordSetpoint(msg *kerrdb.SetpointMessage) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.session != nil {
		msg.SessionID = s.session.ID
	}
	if s.engine != nil {
		msg.StartT = s.engine.Time()
	}
	s.db.RecordSetpoint(msg)
	s.updateStatus()
	s.broadcastUpdate()
}

// StopTuning stops the PID tuner and reports its final status.
func (s *EngineControl) StopTuning(dummy *string, reply *hexapole.TunerStatus) error {
	hex, err := s.magnet()
	if err != nil {
		return err
	}
	hex.StopTuning()
	st, err := hex.TunerStatus()
	*reply = st
	return err
}

// TunerStatus reports the PID tuner's progress.
func (s *EngineControl) TunerStatus(dummy *string, reply *hexapole.TunerStatus) error {
	hex, err := s.magnet()
	if err != nil {
		return err
	}
	st, err := hex.TunerStatus()
	*reply = st
	return err
}

// updateStatus refreshes s.status. Caller holds s.lock.
func (s *EngineControl) updateStatus() {
	st := ServerStatus{Magnet: s.hex != nil, LastError: s.status.LastError}
	if e := s.engine; e != nil {
		cfg := e.Config()
		st.State = e.State().String()
		st.Running = e.IsRunning()
		st.Driver = cfg.Driver
		st.Rate = cfg.Rate
		for _, o := range cfg.Outputs {
			st.Outputs = append(st.Outputs, o.Name)
		}
		for _, in := range cfg.Inputs {
			st.Inputs = append(st.Inputs, in.Name)
		}
		if t := e.Time(); !math.IsInf(t, -1) {
			st.Time = t
		}
		if err := e.Err(); err != nil {
			st.LastError = err.Error()
		} else if st.Running {
			st.LastError = ""
		}
	}
	if s.hex != nil {
		if ts, err := s.hex.TunerStatus(); err == nil {
			st.Tuning = ts.Running
		}
	}
	s.status = st
}

func (s *EngineControl) broadcastUpdate() {
	publish("STATUS", s.status)
}

// LastFrameMessage is published for GUIs showing live readings.
type LastFrameMessage struct {
	Input  string
	Ports  []string
	Values []float64 // t first, then one value per port (volts)
}

// broadcastLastFrames publishes the newest frame of each input that has changed.
func (s *EngineControl) broadcastLastFrames() {
	s.lock.Lock()
	e := s.engine
	s.lock.Unlock()
	if e == nil || !e.IsRunning() {
		return
	}
	for _, in := range e.Inputs() {
		last := in.GetLastDataPoint()
		if last == nil || s.lastFrame[in.Name()] == last[0] {
			continue
		}
		s.lastFrame[in.Name()] = last[0]
		publish("LASTFRAME", LastFrameMessage{Input: in.Name(), Ports: in.Ports(), Values: last})
	}
}

// newEngineControl builds the control object from the saved settings.
func newEngineControl() *EngineControl {
	s := &EngineControl{db: kerrdb.DummyDBConnection(), lastFrame: make(map[string]float64)}
	var okay bool
	var ec EngineConfig
	if viper.IsSet("engine") {
		if err := viper.UnmarshalKey("engine", &ec); err == nil {
			if err := s.Configure(&ec, &okay); err != nil {
				ProblemLogger.Printf("saved engine configuration rejected: %v", err)
			}
		}
	}
	if viper.IsSet("hexapole") {
		var hc HexapoleConfig
		if err := viper.UnmarshalKey("hexapole", &hc); err == nil && s.engine != nil {
			if err := s.ConfigureHexapole(&hc, &okay); err != nil {
				ProblemLogger.Printf("saved hexapole configuration rejected: %v", err)
			}
		}
	}
	return s
}

// RunRPCServer sets up and runs a permanent JSON-RPC server. If block, it
// serves until the process is interrupted, then stops the engine.
func RunRPCServer(portrpc int, block bool) error {
	engineControl := newEngineControl()
	defer func() {
		if block && engineControl.engine != nil {
			engineControl.engine.Stop()
		}
	}()

	abort := make(chan struct{})
	if viper.GetBool("database.enable") {
		host, _ := os.Hostname()
		activity := &kerrdb.ActivityMessage{
			ID:        kerrdb.NewID(),
			Hostname:  host,
			Githash:   Build.Githash,
			Version:   Build.Version,
			GoVersion: runtime.Version(),
			CPUs:      runtime.NumCPU(),
			Start:     StartTime,
		}
		engineControl.db = kerrdb.StartDBConnection(activity, abort)
		if !engineControl.db.IsConnected() {
			ProblemLogger.Printf("activity database unavailable: %v", engineControl.db.Err())
		}
	}

	go func() {
		statusTicker := time.NewTicker(2 * time.Second)
		frameTicker := time.NewTicker(100 * time.Millisecond)
		defer statusTicker.Stop()
		defer frameTicker.Stop()
		for {
			select {
			case <-abort:
				return
			case <-statusTicker.C:
				engineControl.lock.Lock()
				engineControl.updateStatus()
				engineControl.broadcastUpdate()
				engineControl.lock.Unlock()
			case <-frameTicker.C:
				engineControl.broadcastLastFrames()
			}
		}
	}()

	// Now launch the connection handler and accept connections.
	server := rpc.NewServer()
	if err := server.Register(engineControl); err != nil {
		return err
	}
	port := fmt.Sprintf(":%d", portrpc)
	listener, err := net.Listen("tcp", port)
	if err != nil {
		close(abort)
		return fmt.Errorf("listen error: %w", err)
	}
	serve := func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					ProblemLogger.Printf("accept error: %v", err)
				}
				return
			}
			log.Printf("new connection established\n")
			go server.ServeCodec(jsonrpc.NewServerCodec(conn))
		}
	}
	if !block {
		go serve()
		return nil
	}
	go serve()
	<-interruptCatcher()
	listener.Close()
	close(abort)
	engineControl.db.Wait()
	return nil
}

// interruptCatcher returns a channel that receives SIGINT or SIGTERM.
func interruptCatcher() <-chan os.Signal {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	return c
}
