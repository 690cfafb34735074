package app

import (
	"strings"

	"owbsend/internal/config"
)

// Overrides are command-line values that win over the config file. They are
// reapplied to every reload so an edit cannot undo them.
type Overrides struct {
	Endpoint string
	BaudRate int
	Channels int
	Schedule string
	LogLevel string
	// NoTrigger keeps the periodic trigger off; ticks then come only from RunOnce.
	NoTrigger bool
}

// Apply returns a copy of cfg with the overrides set. cfg is not modified.
func (o Overrides) Apply(cfg *config.Config) *config.Config {
	out := &config.Config{}
	if cfg != nil {
		*out = *cfg
	}
	if s := strings.TrimSpace(o.Endpoint); s != "" {
		out.Serial.Endpoint = s
	}
	if o.BaudRate != 0 {
		out.Serial.BaudRate = o.BaudRate
	}
	if o.Channels != 0 {
		out.Pool.Channels = o.Channels
	}
	if s := strings.TrimSpace(o.Schedule); s != "" {
		out.Trigger.Schedule = s
	}
	if s := strings.TrimSpace(o.LogLevel); s != "" {
		out.Logging.Level = s
	}
	if o.NoTrigger {
		off := false
		out.Trigger.Enabled = &off
	}
	return out
}
