package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"owbsend/internal/dispatch"
)

const jsonCfg = `{
  "serial": {"endpoint": "/dev/ttyUSB0", "baud_rate": 9600, "write_timeout": "2s"},
  "pool": {"channels": 12},
  "trigger": {"schedule": "@every 30s", "timezone": "UTC"},
  "logging": {"level": "debug", "console": true}
}`

const yamlCfg = `
serial:
  endpoint: /dev/ttyUSB0
  baud_rate: 9600
  write_timeout: 2s
pool:
  channels: 12
trigger:
  schedule: "@every 30s"
  timezone: UTC
logging:
  level: debug
  console: true
`

const tomlCfg = `
[serial]
endpoint = "/dev/ttyUSB0"
baud_rate = 9600
write_timeout = "2s"

[pool]
channels = 12

[trigger]
schedule = "@every 30s"
timezone = "UTC"

[logging]
level = "debug"
console = true
`

func TestDecodeFormatsAgree(t *testing.T) {
	t.Parallel()
	want, err := Decode("owbsend.json", []byte(jsonCfg))
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	for name, src := range map[string]string{"owbsend.yaml": yamlCfg, "owbsend.toml": tomlCfg} {
		got, err := Decode(name, []byte(src))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("%s decoded %+v, want %+v", name, got, want)
		}
	}
}

func TestDecodeIsStrict(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name, path, src string
	}{
		{name: "unknown json field", path: "c.json", src: `{"serial": {"endpoint": "x", "parity": "even"}}`},
		{name: "unknown yaml section", path: "c.yaml", src: "telegram:\n  token: x\n"},
		{name: "trailing json", path: "c.json", src: `{} {}`},
		{name: "bad toml", path: "c.toml", src: "[serial\nendpoint = 1"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.path, []byte(tt.src)); err == nil {
				t.Fatal("expected decode error")
			}
		})
	}
}

func TestResolveDefaults(t *testing.T) {
	t.Parallel()
	s, err := Resolve(&Config{Serial: SerialConfig{Endpoint: "stdout"}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if s.Channels != 100 || s.JoinTimeout != 3*time.Second {
		t.Fatalf("pool defaults: %+v", s)
	}
	if s.Sink.BaudRate != 19200 || s.Sink.WriteTimeout != 2*time.Second {
		t.Fatalf("sink defaults: %+v", s.Sink)
	}
	if s.Dispatch.PollInterval != time.Second || s.Dispatch.MaxAttempts != 3 || s.Dispatch.HistorySize != 200 {
		t.Fatalf("dispatch defaults: %+v", s.Dispatch)
	}
	if !s.Trigger.Enabled || s.Trigger.Schedule != "0 * * * * *" {
		t.Fatalf("trigger defaults: %+v", s.Trigger)
	}
	if len(s.Warnings()) != 0 {
		t.Fatalf("unexpected warnings: %v", s.Warnings())
	}
}

func TestResolveReportsEveryProblem(t *testing.T) {
	t.Parallel()
	off := false
	cfg := &Config{
		Serial:   SerialConfig{Endpoint: "", WriteTimeout: "soon"},
		Pool:     PoolConfig{Channels: 300},
		Dispatch: DispatchConfig{PollInterval: "-1s"},
		Trigger:  TriggerConfig{Enabled: &off, Schedule: "every tuesday"},
		Frame:    FrameConfig{Payload: "AB*CD"},
	}
	_, err := Resolve(cfg)
	if !errors.Is(err, ErrInvalid) || !errors.Is(err, dispatch.ErrConfig) {
		t.Fatalf("Resolve error = %v, want ErrInvalid", err)
	}
	for _, want := range []string{"serial.write_timeout", "endpoint", "pool.channels", "dispatch.poll_interval", "trigger.schedule", "frame.payload"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestWarnings(t *testing.T) {
	t.Parallel()
	s, err := Resolve(&Config{
		Serial: SerialConfig{Endpoint: "/dev/ttyS0", BaudRate: 12345, WriteTimeout: "10s"},
		Pool:   PoolConfig{JoinTimeout: "1s"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := len(s.Warnings()); got != 2 {
		t.Fatalf("warnings = %v", s.Warnings())
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Serial: SerialConfig{Endpoint: "/dev/ttyUSB0"}, Logging: LoggingConfig{Level: "info"}}
	newCfg := &Config{Serial: SerialConfig{Endpoint: " /dev/ttyUSB0 "}, Logging: LoggingConfig{Level: "debug"}, Trigger: TriggerConfig{Schedule: "10s"}}

	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "logging,trigger" {
		t.Fatalf("changed = %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
	if NeedsPoolRestart(changed) {
		t.Fatal("logging/trigger changes must not restart the pool")
	}
	if !NeedsPoolRestart([]string{SectionPool}) {
		t.Fatal("pool change must restart the pool")
	}
}

func TestManagerReload(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "owbsend.yaml")
	write := func(s string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(s), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write(yamlCfg)

	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	if published, err := m.Reload(context.Background()); err != nil || published {
		t.Fatalf("unchanged Reload = %v, %v", published, err)
	}

	write(strings.Replace(yamlCfg, "channels: 12", "channels: 999", 1))
	if _, err := m.Reload(context.Background()); !errors.Is(err, ErrInvalid) {
		t.Fatalf("invalid Reload error = %v", err)
	}
	if m.Get().Pool.Channels != 12 {
		t.Fatal("rejected reload replaced the running config")
	}

	write(strings.Replace(yamlCfg, "channels: 12", "channels: 20", 1))
	if published, err := m.Reload(context.Background()); err != nil || !published {
		t.Fatalf("Reload = %v, %v", published, err)
	}
	select {
	case cfg := <-sub:
		if cfg.Pool.Channels != 20 {
			t.Fatalf("published channels = %d", cfg.Pool.Channels)
		}
	default:
		t.Fatal("subscriber got nothing")
	}
}

func TestManagerWatchPublishesEdits(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "owbsend.json")
	if err := os.WriteFile(path, []byte(jsonCfg), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)
	edited := strings.Replace(jsonCfg, `"channels": 12`, `"channels": 7`, 1)
	if err := os.WriteFile(path, []byte(edited), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-sub:
		if cfg.Pool.Channels != 7 {
			t.Fatalf("channels = %d, want 7", cfg.Pool.Channels)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not publish the edit")
	}
}
