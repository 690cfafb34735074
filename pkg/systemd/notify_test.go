package systemd

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) send(_ bool, state string) (bool, error) {
	r.mu.Lock()
	r.states = append(r.states, state)
	r.mu.Unlock()
	return true, nil
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.states...)
}

func TestNotifierStates(t *testing.T) {
	rec := &recorder{}
	n := Notifier{Send: rec.send}
	_, _ = n.Ready()
	_, _ = n.Status("tick ok")
	_, _ = n.Stopping()

	got := rec.all()
	want := []string{"READY=1", "STATUS=tick ok", "STOPPING=1"}
	if len(got) != len(want) {
		t.Fatalf("states = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("states = %v, want %v", got, want)
		}
	}
}

func TestRunWatchdogSkipsWhenUnhealthy(t *testing.T) {
	rec := &recorder{}
	n := Notifier{Send: rec.send}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	n.RunWatchdog(ctx, 20*time.Millisecond, func() bool { return false })
	if len(rec.all()) != 0 {
		t.Fatalf("unhealthy process pinged the watchdog: %v", rec.all())
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel2()
	n.RunWatchdog(ctx2, 20*time.Millisecond, nil)
	if len(rec.all()) == 0 {
		t.Fatal("healthy process never pinged the watchdog")
	}
}

func TestNoSocketIsNoop(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	if sent, err := (Notifier{}).Ready(); sent || err != nil {
		t.Fatalf("Ready without socket = %v, %v", sent, err)
	}
	if Watchdog() != 0 {
		t.Fatal("watchdog should be off without WATCHDOG_USEC")
	}
}
