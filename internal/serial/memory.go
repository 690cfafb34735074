package serial

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// MemorySink records every write in memory. It detects overlapping writes,
// which would corrupt frame boundaries on a real line.
type MemorySink struct {
	name string

	mu     sync.Mutex
	writes [][]byte

	active   atomic.Int32
	overlaps atomic.Int32
	resets   atomic.Int32
	flushes  atomic.Int32
	closed   atomic.Bool

	// Gate, when non-nil, blocks every Write until it is closed or ctx ends.
	Gate chan struct{}
	// Fail, when set, is consulted before recording; a non-nil result fails the write.
	Fail func(p []byte) error
}

func NewMemorySink(name string) *MemorySink {
	return &MemorySink{name: name}
}

// MemoryOpener returns an Opener that always hands out sink.
func MemoryOpener(sink *MemorySink) Opener {
	return func(cfg Config) (Sink, error) {
		cfg = cfg.WithDefaults()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return sink, nil
	}
}

func (s *MemorySink) Name() string { return s.name }

func (s *MemorySink) IsOpen() bool { return !s.closed.Load() }

func (s *MemorySink) Write(ctx context.Context, p []byte) error {
	if s.active.Add(1) > 1 {
		s.overlaps.Add(1)
	}
	defer s.active.Add(-1)

	if s.closed.Load() {
		return fmt.Errorf("%w: %w", ErrIO, ErrClosed)
	}
	if s.Gate != nil {
		select {
		case <-s.Gate:
		case <-ctx.Done():
			return classify(ctx.Err())
		}
	}
	if s.Fail != nil {
		if err := s.Fail(p); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.writes = append(s.writes, append([]byte(nil), p...))
	s.mu.Unlock()
	return nil
}

func (s *MemorySink) Flush() error {
	s.flushes.Add(1)
	return nil
}

func (s *MemorySink) ResetBuffers() error {
	s.resets.Add(1)
	return nil
}

func (s *MemorySink) Close() error {
	s.closed.Store(true)
	return nil
}

// Writes returns a copy of every recorded write, in order.
func (s *MemorySink) Writes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.writes))
	for i, w := range s.writes {
		out[i] = string(w)
	}
	return out
}

// Overlaps counts writes that started while another was still in progress.
func (s *MemorySink) Overlaps() int { return int(s.overlaps.Load()) }

func (s *MemorySink) Resets() int { return int(s.resets.Load()) }

func (s *MemorySink) Flushes() int { return int(s.flushes.Load()) }
