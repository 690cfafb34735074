// Package serial adapts the shared byte-stream sink all channel workers transmit through.
//
// The sink itself does not serialize callers; the worker pool owns write exclusion.
package serial

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

var (
	// ErrConfig marks an unusable endpoint or line setting. Fatal to pool start.
	ErrConfig = errors.New("serial: invalid config")
	// ErrTimeout marks a write that did not complete within the write timeout.
	ErrTimeout = errors.New("serial: write timeout")
	// ErrIO marks a failed write on a broken or closed sink.
	ErrIO = errors.New("serial: i/o error")
	// ErrClosed marks operations on a sink that has been closed.
	ErrClosed = errors.New("serial: sink closed")
)

const (
	DefaultBaudRate     = 19200
	DefaultReadTimeout  = 5 * time.Second
	DefaultWriteTimeout = 2 * time.Second

	// EndpointStdout routes frames to the process stdout instead of a device.
	EndpointStdout = "stdout"
)

// StandardBaudRates are the rates offered by typical USB-serial adapters.
var StandardBaudRates = []int{9600, 19200, 38400, 57600, 115200}

// Config describes the sink endpoint.
type Config struct {
	Endpoint     string
	BaudRate     int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// Pace limits writes to the line rate (BaudRate/10 bytes per second).
	Pace bool
}

// WithDefaults fills zero fields.
func (c Config) WithDefaults() Config {
	c.Endpoint = strings.TrimSpace(c.Endpoint)
	if c.BaudRate == 0 {
		c.BaudRate = DefaultBaudRate
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	return c
}

// Validate reports ErrConfig for an unusable endpoint or baud rate.
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("%w: endpoint required", ErrConfig)
	}
	if c.BaudRate <= 0 {
		return fmt.Errorf("%w: baud rate must be > 0 (got %d)", ErrConfig, c.BaudRate)
	}
	return nil
}

// IsStandardBaud reports whether rate is one of StandardBaudRates.
func IsStandardBaud(rate int) bool {
	for _, r := range StandardBaudRates {
		if r == rate {
			return true
		}
	}
	return false
}

// Sink is the single shared output stream.
type Sink interface {
	// Write sends p in full. It returns ErrTimeout or ErrIO (possibly wrapping ErrClosed).
	Write(ctx context.Context, p []byte) error
	// Flush blocks until buffered output has been transmitted.
	Flush() error
	// ResetBuffers discards pending input and output.
	ResetBuffers() error
	IsOpen() bool
	Close() error
	Name() string
}

// Opener opens a sink for cfg. Pools take one so tests can substitute an in-memory sink.
type Opener func(cfg Config) (Sink, error)

// Open validates cfg and opens the endpoint: a serial device path, or "stdout"/"-".
func Open(cfg Config) (Sink, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch strings.ToLower(cfg.Endpoint) {
	case EndpointStdout, "-":
		return NewWriterSink(EndpointStdout, os.Stdout, cfg), nil
	}
	return openPort(cfg)
}

// classify maps a raw write error onto the sink taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrIO) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, os.ErrClosed) || errors.Is(err, ErrClosed) {
		return fmt.Errorf("%w: %w", ErrIO, ErrClosed)
	}
	return fmt.Errorf("%w: %v", ErrIO, err)
}
