package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "5s", "1m"); omitted fields take the documented defaults.
type Config struct {
	Serial   SerialConfig   `json:"serial"`
	Pool     PoolConfig     `json:"pool"`
	Dispatch DispatchConfig `json:"dispatch"`
	Trigger  TriggerConfig  `json:"trigger"`
	Frame    FrameConfig    `json:"frame"`
	Logging  LoggingConfig  `json:"logging"`
}

// SerialConfig selects the output device.
//
// Defaults:
//   - baud_rate: 19200
//   - read_timeout: "5s"
//   - write_timeout: "2s"
type SerialConfig struct {
	// Endpoint is a device path such as /dev/ttyUSB0, or "stdout" / "-".
	Endpoint     string `json:"endpoint"`
	BaudRate     int    `json:"baud_rate,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	// Pace limits writes to the line rate implied by BaudRate.
	Pace bool `json:"pace,omitempty"`
}

// PoolConfig sizes the worker pool. channels defaults to 100 and must stay
// within 1..255; join_timeout defaults to "3s".
type PoolConfig struct {
	Channels    int    `json:"channels,omitempty"`
	JoinTimeout string `json:"join_timeout,omitempty"`
}

type DispatchConfig struct {
	PollInterval string `json:"poll_interval,omitempty"`
	MaxAttempts  int    `json:"max_attempts,omitempty"`
	HistorySize  int    `json:"history_size,omitempty"`
}

// TriggerConfig drives periodic dispatch. Enabled is a pointer so an omitted
// field (default on) differs from an explicit false.
type TriggerConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	Schedule string `json:"schedule,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// FrameConfig overrides the fixed sentence blocks.
type FrameConfig struct {
	Header  string `json:"header,omitempty"`
	Payload string `json:"payload,omitempty"`
	Trailer string `json:"trailer,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
}

func (t TriggerConfig) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}
