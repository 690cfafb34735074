package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"owbsend/internal/dispatch"
	"owbsend/internal/frame"
	"owbsend/internal/serial"
	"owbsend/internal/trigger"
	logx "owbsend/pkg/logx"
)

// ErrInvalid marks a config that cannot be applied. It wraps dispatch.ErrConfig
// so callers can match either.
var ErrInvalid = fmt.Errorf("config: %w", dispatch.ErrConfig)

// Settings is a resolved Config: defaults applied, durations parsed, values
// validated, in the shapes the components take.
type Settings struct {
	Sink        serial.Config
	Channels    int
	JoinTimeout time.Duration
	Dispatch    dispatch.SchedulerConfig
	Trigger     trigger.Config
	Logging     logx.Config
}

// Resolve validates cfg and returns the component settings. All problems are
// reported together.
func Resolve(cfg *Config) (Settings, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	var s Settings

	readTO, err := ParseDurationOrDefault("serial.read_timeout", cfg.Serial.ReadTimeout, serial.DefaultReadTimeout)
	add(err)
	writeTO, err := ParseDurationOrDefault("serial.write_timeout", cfg.Serial.WriteTimeout, serial.DefaultWriteTimeout)
	add(err)
	s.Sink = serial.Config{
		Endpoint:     cfg.Serial.Endpoint,
		BaudRate:     cfg.Serial.BaudRate,
		ReadTimeout:  readTO,
		WriteTimeout: writeTO,
		Pace:         cfg.Serial.Pace,
	}.WithDefaults()
	add(s.Sink.Validate())

	s.Channels = cfg.Pool.Channels
	if s.Channels == 0 {
		s.Channels = dispatch.DefaultChannels
	}
	if s.Channels < 1 || s.Channels > frame.MaxChannel {
		add(fmt.Errorf("pool.channels: must be within 1..%d, got %d", frame.MaxChannel, s.Channels))
	}
	s.JoinTimeout, err = ParseDurationOrDefault("pool.join_timeout", cfg.Pool.JoinTimeout, dispatch.DefaultJoinTimeout)
	add(err)

	poll, err := ParseDurationOrDefault("dispatch.poll_interval", cfg.Dispatch.PollInterval, dispatch.DefaultPollInterval)
	add(err)
	if cfg.Dispatch.MaxAttempts < 0 {
		add(fmt.Errorf("dispatch.max_attempts: must be >= 0"))
	}
	if cfg.Dispatch.HistorySize < 0 {
		add(fmt.Errorf("dispatch.history_size: must be >= 0"))
	}
	layout := frame.Layout{Header: cfg.Frame.Header, Payload: cfg.Frame.Payload, Trailer: cfg.Frame.Trailer}.WithDefaults()
	add(layout.Validate())
	s.Dispatch = dispatch.SchedulerConfig{
		PollInterval: poll,
		MaxAttempts:  cfg.Dispatch.MaxAttempts,
		HistorySize:  cfg.Dispatch.HistorySize,
		Layout:       layout,
	}.WithDefaults()

	s.Trigger = trigger.Config{
		Enabled:  cfg.Trigger.IsEnabled(),
		Schedule: strings.TrimSpace(cfg.Trigger.Schedule),
		Timezone: strings.TrimSpace(cfg.Trigger.Timezone),
	}
	if s.Trigger.Schedule == "" {
		s.Trigger.Schedule = trigger.DefaultSchedule
	}
	if _, err := trigger.ParseSchedule(s.Trigger.Schedule); err != nil {
		add(fmt.Errorf("trigger.schedule: %w", err))
	}
	if s.Trigger.Timezone != "" {
		if _, err := time.LoadLocation(s.Trigger.Timezone); err != nil {
			add(fmt.Errorf("trigger.timezone: %w", err))
		}
	}

	s.Logging = logx.Config{Level: strings.TrimSpace(cfg.Logging.Level), Console: cfg.Logging.Console}

	if len(errs) > 0 {
		return Settings{}, fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return s, nil
}

// Validate reports whether cfg resolves.
func Validate(cfg *Config) error {
	_, err := Resolve(cfg)
	return err
}

// Warnings lists settings that resolve but look suspicious.
func (s Settings) Warnings() []string {
	var out []string
	if s.Sink.Endpoint != serial.EndpointStdout && !serial.IsStandardBaud(s.Sink.BaudRate) {
		out = append(out, fmt.Sprintf("serial.baud_rate %d is not a standard rate", s.Sink.BaudRate))
	}
	if s.JoinTimeout < s.Sink.WriteTimeout {
		out = append(out, fmt.Sprintf("pool.join_timeout %s is shorter than serial.write_timeout %s; a stalled write may outlive shutdown", s.JoinTimeout, s.Sink.WriteTimeout))
	}
	return out
}
