package serial

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// WriterSink sends frames to an io.Writer. Used for the stdout endpoint so the
// simulator can run without a device attached.
type WriterSink struct {
	name  string
	w     io.Writer
	pacer *rate.Limiter

	closed atomic.Bool
}

func NewWriterSink(name string, w io.Writer, cfg Config) *WriterSink {
	return &WriterSink{name: name, w: w, pacer: newPacer(cfg)}
}

func (s *WriterSink) Name() string { return s.name }

func (s *WriterSink) IsOpen() bool { return !s.closed.Load() }

func (s *WriterSink) Write(ctx context.Context, p []byte) error {
	if s.closed.Load() {
		return fmt.Errorf("%w: %w", ErrIO, ErrClosed)
	}
	if err := pace(ctx, s.pacer, len(p)); err != nil {
		return err
	}
	n, err := s.w.Write(p)
	if err != nil {
		return classify(err)
	}
	if n < len(p) {
		return fmt.Errorf("%w: short write %d/%d bytes", ErrTimeout, n, len(p))
	}
	return nil
}

func (s *WriterSink) Flush() error {
	if f, ok := s.w.(interface{ Flush() error }); ok {
		return classify(f.Flush())
	}
	return nil
}

func (s *WriterSink) ResetBuffers() error { return nil }

func (s *WriterSink) Close() error {
	s.closed.Store(true)
	return nil
}
