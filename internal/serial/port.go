package serial

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	bugst "go.bug.st/serial"
	"golang.org/x/time/rate"
)

// portSink writes to a physical or virtual serial device.
type portSink struct {
	name  string
	cfg   Config
	port  bugst.Port
	pacer *rate.Limiter

	open atomic.Bool

	// busy is held by the goroutine performing a device write. A write abandoned
	// on timeout keeps it until the device returns, so a later frame can never
	// start in the middle of an earlier one.
	busy chan struct{}
}

func openPort(cfg Config) (Sink, error) {
	p, err := bugst.Open(cfg.Endpoint, &bugst.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   bugst.NoParity,
		StopBits: bugst.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrConfig, cfg.Endpoint, err)
	}
	if err := p.SetReadTimeout(cfg.ReadTimeout); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("%w: read timeout %s: %v", ErrConfig, cfg.ReadTimeout, err)
	}

	s := &portSink{
		name:  cfg.Endpoint,
		cfg:   cfg,
		port:  p,
		pacer: newPacer(cfg),
		busy:  make(chan struct{}, 1),
	}
	s.open.Store(true)
	if err := s.ResetBuffers(); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("%w: reset buffers on %s: %v", ErrConfig, cfg.Endpoint, err)
	}
	return s, nil
}

func (s *portSink) Name() string { return s.name }

func (s *portSink) IsOpen() bool { return s.open.Load() }

func (s *portSink) Write(ctx context.Context, p []byte) error {
	if !s.open.Load() {
		return fmt.Errorf("%w: %w", ErrIO, ErrClosed)
	}
	if s.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.WriteTimeout)
		defer cancel()
	}

	if err := pace(ctx, s.pacer, len(p)); err != nil {
		return err
	}

	select {
	case s.busy <- struct{}{}:
	case <-ctx.Done():
		return classify(ctx.Err())
	}

	buf := append([]byte(nil), p...)
	done := make(chan error, 1)
	go func() {
		defer func() { <-s.busy }()
		n, err := s.port.Write(buf)
		if err == nil && n < len(buf) {
			err = fmt.Errorf("%w: short write %d/%d bytes", ErrTimeout, n, len(buf))
		}
		done <- err
	}()

	select {
	case err := <-done:
		return s.noteErr(err)
	case <-ctx.Done():
		return classify(ctx.Err())
	}
}

func (s *portSink) noteErr(err error) error {
	if err == nil {
		return nil
	}
	var pe *bugst.PortError
	if errors.As(err, &pe) && pe.Code() == bugst.PortClosed {
		s.open.Store(false)
		return fmt.Errorf("%w: %w", ErrIO, ErrClosed)
	}
	err = classify(err)
	if errors.Is(err, ErrClosed) {
		s.open.Store(false)
	}
	return err
}

// Flush waits for the device to drain, at most WriteTimeout. A drain that
// outlives it keeps busy like an abandoned write does.
func (s *portSink) Flush() error {
	if !s.open.Load() {
		return fmt.Errorf("%w: %w", ErrIO, ErrClosed)
	}
	var expired <-chan time.Time
	if s.cfg.WriteTimeout > 0 {
		t := time.NewTimer(s.cfg.WriteTimeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case s.busy <- struct{}{}:
	case <-expired:
		return fmt.Errorf("%w: line busy for %s before drain", ErrTimeout, s.cfg.WriteTimeout)
	}

	done := make(chan error, 1)
	go func() {
		defer func() { <-s.busy }()
		done <- s.port.Drain()
	}()

	select {
	case err := <-done:
		return s.noteErr(err)
	case <-expired:
		return fmt.Errorf("%w: drain exceeded %s", ErrTimeout, s.cfg.WriteTimeout)
	}
}

func (s *portSink) ResetBuffers() error {
	if !s.open.Load() {
		return ErrClosed
	}
	return errors.Join(s.port.ResetInputBuffer(), s.port.ResetOutputBuffer())
}

func (s *portSink) Close() error {
	if !s.open.Swap(false) {
		return nil
	}
	return s.port.Close()
}

