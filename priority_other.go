//go:build !linux

package kerrdaq

import (
	"errors"
	"runtime"
)

func raisePriority(nice int) error {
	return errors.New("engine thread priority is not adjustable on " + runtime.GOOS)
}

func warnAutogroup(nice int) {}
