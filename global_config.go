package kerrdaq

import (
	"log"
	"os"
	"time"
)

// Ports are the TCP ports of the control server.
var Ports = struct {
	RPC    int // JSON-RPC control
	Status int // ZMQ publisher of STATUS and LASTFRAME messages
}{RPC: 5600, Status: 5601}

// Build describes the running binary. cmd/kerrdaq fills in the fields set
// by the linker.
var Build = struct {
	Version string
	Githash string
	Date    string
}{Version: "0.3.0", Githash: "unknown", Date: "unknown"}

// StartTime is when this process loaded the package; the activity log
// reports it.
var StartTime = time.Now()

// ProblemLogger gets warnings (clamped outputs, timing lag, dropped frames,
// hardware failures) and UpdateLogger gets state changes. Both write to
// stderr until cmd/kerrdaq points them at rotated log files.
var (
	ProblemLogger = log.New(os.Stderr, "", log.LstdFlags)
	UpdateLogger  = log.New(os.Stderr, "", log.LstdFlags)
)
