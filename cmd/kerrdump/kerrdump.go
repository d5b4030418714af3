// Command kerrdump saves an input instrument's history from a running
// kerrdaq server to a .npy file of rows (t, value...). With --follow it
// keeps appending new frames until interrupted.
package main

import (
	"fmt"
	"math"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/mokelab/kerrdaq"
	"github.com/mokelab/kerrdaq/npyappend"
	"github.com/sbinet/npyio"
	"github.com/spf13/pflag"
	"gonum.org/v1/gonum/mat"
)

type options struct {
	host       string
	port       int
	input      string
	out        string
	t0, t1     float64
	calibrated bool
	follow     bool
	interval   time.Duration
}

// dial connects to the server, retrying while it comes up.
func dial(addr string) (*rpc.Client, error) {
	var client *rpc.Client
	op := func() error {
		var err error
		client, err = jsonrpc.Dial("tcp", addr)
		return err
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         500 * time.Millisecond,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return client, nil
}

// fetcher reads windows of one input over RPC, skipping frames it has already returned.
type fetcher struct {
	client     *rpc.Client
	input      string
	calibrated bool
	lastT      float64
}

func (f *fetcher) fetch(t0, t1 float64) (*mat.Dense, error) {
	var reply kerrdaq.DataReply
	args := kerrdaq.GetDataArgs{Input: f.input, T0: t0, T1: t1, Calibrated: f.calibrated}
	if err := f.client.Call("EngineControl.GetData", &args, &reply); err != nil {
		return nil, err
	}
	data := reply.Data
	for reply.Ncols > 0 && len(data) >= reply.Ncols && data[0] <= f.lastT {
		data = data[reply.Ncols:]
	}
	if reply.Ncols == 0 || len(data) == 0 {
		return nil, nil
	}
	f.lastT = data[len(data)-reply.Ncols]
	return mat.NewDense(len(data)/reply.Ncols, reply.Ncols, data), nil
}

// since returns the start of the next follow-up window.
func (f *fetcher) since(t0 float64) float64 {
	if math.IsInf(f.lastT, -1) {
		return t0
	}
	return f.lastT
}

func run(opt options) error {
	client, err := dial(fmt.Sprintf("%s:%d", opt.host, opt.port))
	if err != nil {
		return err
	}
	defer client.Close()
	f := &fetcher{client: client, input: opt.input, calibrated: opt.calibrated, lastT: math.Inf(-1)}

	m, err := f.fetch(opt.t0, opt.t1)
	if err != nil {
		return err
	}
	if !opt.follow {
		if m == nil {
			return fmt.Errorf("input %q has no frames in [%v, %v]", opt.input, opt.t0, opt.t1)
		}
		file, err := os.Create(opt.out)
		if err != nil {
			return err
		}
		if err := npyio.Write(file, m); err != nil {
			file.Close()
			return err
		}
		rows, _ := m.Dims()
		fmt.Printf("Wrote %d frames of %s to %s\n", rows, opt.input, opt.out)
		return file.Close()
	}

	if m == nil {
		return fmt.Errorf("input %q has no frames yet; start the engine first", opt.input)
	}
	_, ncols := m.Dims()
	out, err := npyappend.Create(opt.out, ncols)
	if err != nil {
		return err
	}
	defer out.Close()
	appendRows := func(m *mat.Dense) error {
		if m == nil {
			return nil
		}
		if err := out.Append(m.RawMatrix().Data); err != nil {
			return err
		}
		return out.Flush()
	}
	if err := appendRows(m); err != nil {
		return err
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	ticker := time.NewTicker(opt.interval)
	defer ticker.Stop()
	for {
		select {
		case <-interrupt:
			fmt.Printf("Wrote %d frames of %s to %s\n", out.Rows(), opt.input, opt.out)
			return nil
		case <-ticker.C:
		}
		m, err := f.fetch(f.since(opt.t0), math.MaxFloat64)
		if err != nil {
			return err
		}
		if err := appendRows(m); err != nil {
			return err
		}
	}
}

func main() {
	var opt options
	pflag.StringVarP(&opt.host, "host", "H", "localhost", "kerrdaq server host")
	pflag.IntVarP(&opt.port, "port", "p", kerrdaq.Ports.RPC, "kerrdaq RPC port")
	pflag.StringVarP(&opt.input, "input", "i", "", "input instrument to dump (required)")
	pflag.StringVarP(&opt.out, "out", "o", "frames.npy", "output .npy file")
	pflag.Float64Var(&opt.t0, "t0", 0, "first time (s) to save")
	pflag.Float64Var(&opt.t1, "t1", math.MaxFloat64, "last time (s) to save")
	pflag.BoolVarP(&opt.calibrated, "calibrated", "c", false, "apply the instrument calibration")
	pflag.BoolVarP(&opt.follow, "follow", "f", false, "keep appending new frames until interrupted")
	pflag.DurationVar(&opt.interval, "interval", 200*time.Millisecond, "polling interval with --follow")
	pflag.Usage = func() {
		fmt.Println("kerrdump, a program to save kerrdaq input history as .npy")
		fmt.Println("Usage:")
		pflag.PrintDefaults()
	}
	pflag.Parse()
	if opt.input == "" {
		pflag.Usage()
		os.Exit(2)
	}
	if err := run(opt); err != nil {
		fmt.Println("kerrdump:", err)
		os.Exit(1)
	}
}
