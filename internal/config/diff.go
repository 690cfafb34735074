package config

import (
	"reflect"
	"sort"
	"strings"

	logx "owbsend/pkg/logx"
)

// Sections a reload can touch.
const (
	SectionSerial   = "serial"
	SectionPool     = "pool"
	SectionDispatch = "dispatch"
	SectionTrigger  = "trigger"
	SectionFrame    = "frame"
	SectionLogging  = "logging"
)

// SummarizeConfigChange lists the changed sections (sorted) and structured
// attrs describing the new values for the reload log line.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(trimSerial(oldCfg.Serial), trimSerial(newCfg.Serial)) {
		changed = append(changed, SectionSerial)
		attrs = append(attrs,
			logx.String("serial.endpoint", strings.TrimSpace(newCfg.Serial.Endpoint)),
			logx.Int("serial.baud_rate", newCfg.Serial.BaudRate),
			logx.Bool("serial.pace", newCfg.Serial.Pace),
		)
	}
	if oldCfg.Pool.Channels != newCfg.Pool.Channels ||
		strings.TrimSpace(oldCfg.Pool.JoinTimeout) != strings.TrimSpace(newCfg.Pool.JoinTimeout) {
		changed = append(changed, SectionPool)
		attrs = append(attrs,
			logx.Int("pool.channels", newCfg.Pool.Channels),
			logx.String("pool.join_timeout", strings.TrimSpace(newCfg.Pool.JoinTimeout)),
		)
	}
	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, SectionDispatch)
		attrs = append(attrs,
			logx.String("dispatch.poll_interval", strings.TrimSpace(newCfg.Dispatch.PollInterval)),
			logx.Int("dispatch.max_attempts", newCfg.Dispatch.MaxAttempts),
			logx.Int("dispatch.history_size", newCfg.Dispatch.HistorySize),
		)
	}
	if oldCfg.Trigger.IsEnabled() != newCfg.Trigger.IsEnabled() ||
		strings.TrimSpace(oldCfg.Trigger.Schedule) != strings.TrimSpace(newCfg.Trigger.Schedule) ||
		strings.TrimSpace(oldCfg.Trigger.Timezone) != strings.TrimSpace(newCfg.Trigger.Timezone) {
		changed = append(changed, SectionTrigger)
		attrs = append(attrs,
			logx.Bool("trigger.enabled", newCfg.Trigger.IsEnabled()),
			logx.String("trigger.schedule", strings.TrimSpace(newCfg.Trigger.Schedule)),
			logx.String("trigger.timezone", strings.TrimSpace(newCfg.Trigger.Timezone)),
		)
	}
	// Frame blocks can be long; log only which ones are overridden.
	if oldCfg.Frame != newCfg.Frame {
		changed = append(changed, SectionFrame)
		attrs = append(attrs,
			logx.Bool("frame.header_set", newCfg.Frame.Header != ""),
			logx.Bool("frame.payload_set", newCfg.Frame.Payload != ""),
			logx.Bool("frame.trailer_set", newCfg.Frame.Trailer != ""),
		)
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, SectionLogging)
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// NeedsPoolRestart reports whether any changed section requires stopping
// and restarting the worker pool.
func NeedsPoolRestart(changed []string) bool {
	for _, s := range changed {
		switch s {
		case SectionSerial, SectionPool:
			return true
		}
	}
	return false
}

func trimSerial(s SerialConfig) SerialConfig {
	s.Endpoint = strings.TrimSpace(s.Endpoint)
	s.ReadTimeout = strings.TrimSpace(s.ReadTimeout)
	s.WriteTimeout = strings.TrimSpace(s.WriteTimeout)
	return s
}
