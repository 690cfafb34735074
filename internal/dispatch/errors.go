package dispatch

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"owbsend/internal/serial"
)

var (
	ErrConfig          = errors.New("dispatch: invalid config")
	ErrPoolRunning     = errors.New("dispatch: pool already running")
	ErrPoolStopped     = errors.New("dispatch: pool not running")
	ErrGuardBusy       = errors.New("dispatch: tick skipped, previous tick still in flight")
	ErrNoLiveChannels  = errors.New("dispatch: no live channels")
	ErrShutdownTimeout = errors.New("dispatch: workers did not stop in time")

	// Sink failures are recoverable per write; re-exported so callers need only this package.
	ErrSinkTimeout = serial.ErrTimeout
	ErrSinkIO      = serial.ErrIO
	ErrSinkClosed  = serial.ErrClosed
)

// ShutdownError reports workers still alive when the join timeout expired.
// It matches ErrShutdownTimeout with errors.Is.
type ShutdownError struct {
	Timeout  time.Duration
	Channels []int
}

func (e *ShutdownError) Error() string {
	chs := append([]int(nil), e.Channels...)
	sort.Ints(chs)
	parts := make([]string, 0, len(chs))
	for _, c := range chs {
		parts = append(parts, strconv.Itoa(c))
	}
	return fmt.Sprintf("%v: %d worker(s) alive after %s (channels %s)", ErrShutdownTimeout, len(chs), e.Timeout, strings.Join(parts, ","))
}

func (e *ShutdownError) Unwrap() error { return ErrShutdownTimeout }

// IsSkip reports whether err is the normal "previous tick still running" outcome
// rather than a failure.
func IsSkip(err error) bool { return errors.Is(err, ErrGuardBusy) }
