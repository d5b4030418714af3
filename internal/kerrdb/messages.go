package kerrdb

import "time"

// The composite types used for messages to the ClickHouse database.

// ActivityMessage is the information for the kerrdaqactivity table: one row per server run.
type ActivityMessage struct {
	ID        string
	Hostname  string
	Githash   string
	Version   string
	GoVersion string
	CPUs      int
	Start     time.Time
	End       time.Time
}

// SessionMessage is the information for the sessions table: one row per engine run.
type SessionMessage struct {
	ID       string
	Driver   string
	Rate     float64
	Outputs  []string // output port names
	Inputs   []string // input port names
	Start    time.Time
	End      time.Time
	ExitNote string // empty after a normal stop
}

// SetpointMessage is the information for the setpoints table: one row per
// field demand or degauss sent to the magnet.
type SetpointMessage struct {
	ID          string
	SessionID   string
	Kind        string // "field" or "degauss"
	Period      float64
	Repetitions int
	Tuned       bool
	PeakField   [3]float64 // mT per pole, or the degauss amplitude (V) in [0]
	StartT      float64    // engine time at which the waveform starts
	Created     time.Time
}
