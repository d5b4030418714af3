//go:build linux

package kerrdaq

import (
	"strings"

	"github.com/lorenzosaino/go-sysctl"
	"golang.org/x/sys/unix"
)

// raisePriority sets the nice value of the calling OS thread. On Linux
// each thread has its own nice value, so callers lock the goroutine to its
// thread first.
func raisePriority(nice int) error {
	tid := unix.Gettid()
	return unix.Setpriority(unix.PRIO_PROCESS, tid, nice)
}

// warnAutogroup warns when autogroup scheduling confines nice values to
// this process's session, which mutes a raised priority.
func warnAutogroup(nice int) {
	v, err := sysctl.Get("kernel.sched_autogroup_enabled")
	if err != nil {
		return
	}
	if strings.TrimSpace(v) == "1" {
		ProblemLogger.Printf("engine: kernel.sched_autogroup_enabled=1; nice %d only ranks threads within this session", nice)
	}
}
