package main

import (
	"testing"

	pflag "github.com/spf13/pflag"
)

func parse(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("owbsend", pflag.ContinueOnError)
	bindFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse(%v): %v", args, err)
	}
	return fs
}

func TestOverridesFromFlags(t *testing.T) {
	t.Parallel()
	fs := parse(t, "--endpoint", "stdout", "--baud", "9600", "--channels", "3", "--log-level", "debug")
	ov, once, err := overridesFromFlags(fs)
	if err != nil {
		t.Fatal(err)
	}
	if once || ov.NoTrigger {
		t.Fatal("once should be off")
	}
	if ov.Endpoint != "stdout" || ov.BaudRate != 9600 || ov.Channels != 3 || ov.LogLevel != "debug" || ov.Schedule != "" {
		t.Fatalf("overrides = %+v", ov)
	}
}

func TestUnsetFlagsDoNotOverride(t *testing.T) {
	t.Parallel()
	ov, _, err := overridesFromFlags(parse(t))
	if err != nil {
		t.Fatal(err)
	}
	if ov.Endpoint != "" || ov.BaudRate != 0 || ov.Channels != 0 {
		t.Fatalf("overrides = %+v", ov)
	}
}

func TestOnceDisablesTrigger(t *testing.T) {
	t.Parallel()
	ov, once, err := overridesFromFlags(parse(t, "--once"))
	if err != nil || !once || !ov.NoTrigger {
		t.Fatalf("once = %v, overrides = %+v, err = %v", once, ov, err)
	}
}

func TestFlagValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		args []string
	}{
		{name: "zero channels", args: []string{"--channels", "0"}},
		{name: "negative baud", args: []string{"--baud", "-1"}},
		{name: "once with schedule", args: []string{"--once", "--schedule", "10s"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := overridesFromFlags(parse(t, tt.args...)); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestRootCommandHasFlags(t *testing.T) {
	t.Parallel()
	root := newRootCommand()
	for _, name := range []string{"config", "endpoint", "baud", "channels", "schedule", "once", "log-level"} {
		if root.Flags().Lookup(name) == nil {
			t.Errorf("flag --%s missing", name)
		}
	}
}
