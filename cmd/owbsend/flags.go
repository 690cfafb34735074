package main

import (
	"fmt"
	"strings"

	pflag "github.com/spf13/pflag"

	"owbsend/internal/app"
	"owbsend/internal/serial"
)

func bindFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to config file (.json, .yaml, .toml); built-in defaults when empty")
	fs.String("endpoint", "", `serial device such as /dev/ttyUSB0, or "stdout"`)
	fs.Int("baud", 0, fmt.Sprintf("baud rate (default %d)", serial.DefaultBaudRate))
	fs.Int("channels", 0, "number of channels, 1..255 (default 100)")
	fs.String("schedule", "", `trigger schedule: cron ("0 * * * * *"), "@every 5s", "20s" or "HH:MM"`)
	fs.Bool("once", false, "dispatch one batch immediately and exit")
	fs.String("log-level", "", "log level (trace, debug, info, warn, error)")
}

// overridesFromFlags collects the flags the user actually set.
func overridesFromFlags(fs *pflag.FlagSet) (app.Overrides, bool, error) {
	var (
		ov   app.Overrides
		once bool
		err  error
	)
	fs.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case "endpoint":
			ov.Endpoint, err = fs.GetString(f.Name)
		case "baud":
			ov.BaudRate, err = fs.GetInt(f.Name)
			if err == nil && ov.BaudRate <= 0 {
				err = fmt.Errorf("--baud must be > 0")
			}
		case "channels":
			ov.Channels, err = fs.GetInt(f.Name)
			if err == nil && ov.Channels <= 0 {
				err = fmt.Errorf("--channels must be > 0")
			}
		case "schedule":
			ov.Schedule, err = fs.GetString(f.Name)
		case "log-level":
			ov.LogLevel, err = fs.GetString(f.Name)
		case "once":
			once, err = fs.GetBool(f.Name)
		}
	})
	if err != nil {
		return app.Overrides{}, false, err
	}
	if once && strings.TrimSpace(ov.Schedule) != "" {
		return app.Overrides{}, false, fmt.Errorf("--once and --schedule are mutually exclusive")
	}
	ov.NoTrigger = once
	return ov, once, nil
}
