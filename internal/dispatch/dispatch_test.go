package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"owbsend/internal/eventbus"
	"owbsend/internal/frame"
	"owbsend/internal/serial"
	logx "owbsend/pkg/logx"
)

var tickTime = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestPool(t *testing.T, sink *serial.MemorySink, channels int) (*Pool, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	p := NewPool(WithOpener(serial.MemoryOpener(sink)), WithPoolBus(bus))
	if err := p.Start(context.Background(), channels, serial.Config{Endpoint: "mem"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return p, bus
}

func fastScheduler(p *Pool, bus eventbus.Bus, poll time.Duration, attempts int) *Scheduler {
	return NewScheduler(p, SchedulerConfig{PollInterval: poll, MaxAttempts: attempts}, logx.Nop(), bus)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDispatchEndToEnd(t *testing.T) {
	t.Parallel()
	sink := serial.NewMemorySink("mem")
	p, bus := newTestPool(t, sink, 3)
	defer p.Stop(time.Second)

	s := fastScheduler(p, bus, 50*time.Millisecond, 20)
	s.beforeWake = func(tbl *SlotTable) {
		if n := tbl.PendingCount(); n != 3 {
			t.Errorf("pending before wake = %d, want 3", n)
		}
	}

	rep, err := s.Dispatch(context.Background(), tickTime)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if rep.Outcome != OutcomeCompleted || rep.Generated != 3 || rep.Remaining != 0 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if sink.Overlaps() != 0 {
		t.Fatalf("overlapping writes: %d", sink.Overlaps())
	}
	if sink.Resets() < 2 {
		t.Fatalf("ResetBuffers called %d times, want >= 2", sink.Resets())
	}

	writes := sink.Writes()
	if len(writes) != 3 {
		t.Fatalf("writes = %d, want 3", len(writes))
	}
	var suffixes []string
	for _, w := range writes {
		body, _, err := frame.Parse(w)
		if err != nil {
			t.Fatalf("Parse(%q): %v", w, err)
		}
		if !strings.Contains(body, "2501011200") {
			t.Fatalf("body missing timestamp: %q", body)
		}
		suffixes = append(suffixes, body[len(body)-4:])
	}
	sort.Strings(suffixes)
	if strings.Join(suffixes, ",") != "01E0,02E0,03E0" {
		t.Fatalf("channel suffixes = %v", suffixes)
	}

	snap := p.Snapshot(true)
	if snap.Sent != 3 || snap.Pending != 0 || len(snap.Workers) != 3 {
		t.Fatalf("pool snapshot: %+v", snap)
	}
	if last := s.Snapshot(false).Last; last == nil || last.ID != rep.ID {
		t.Fatalf("history last = %+v", last)
	}
}

func TestDispatchSkipsWhileInFlight(t *testing.T) {
	t.Parallel()
	sink := serial.NewMemorySink("mem")
	sink.Gate = make(chan struct{})
	p, bus := newTestPool(t, sink, 3)
	defer p.Stop(time.Second)

	s := fastScheduler(p, bus, 200*time.Millisecond, 10)

	first := make(chan error, 1)
	go func() {
		_, err := s.Dispatch(context.Background(), tickTime)
		first <- err
	}()
	waitFor(t, "first tick in flight", func() bool { return s.Snapshot(false).InFlight })

	rep, err := s.Dispatch(context.Background(), tickTime.Add(time.Minute))
	if !errors.Is(err, ErrGuardBusy) || !IsSkip(err) {
		t.Fatalf("second Dispatch error = %v, want ErrGuardBusy", err)
	}
	if rep.Outcome != OutcomeSkipped || rep.Generated != 0 {
		t.Fatalf("skipped report: %+v", rep)
	}

	close(sink.Gate)
	if err := <-first; err != nil {
		t.Fatalf("first Dispatch: %v", err)
	}
	if got := len(sink.Writes()); got != 3 {
		t.Fatalf("writes = %d, want 3 (skipped tick must not add frames)", got)
	}
	if snap := s.Snapshot(false); snap.Skipped != 1 || snap.Ticks != 1 {
		t.Fatalf("scheduler snapshot: %+v", snap)
	}
}

func TestBetweenWaitsForTickAndBlocksNext(t *testing.T) {
	t.Parallel()
	sink := serial.NewMemorySink("mem")
	sink.Gate = make(chan struct{})
	p, bus := newTestPool(t, sink, 2)
	defer p.Stop(time.Second)

	s := fastScheduler(p, bus, 200*time.Millisecond, 10)
	first := make(chan error, 1)
	go func() {
		_, err := s.Dispatch(context.Background(), tickTime)
		first <- err
	}()
	waitFor(t, "tick in flight", func() bool { return s.Snapshot(false).InFlight })

	entered := make(chan struct{})
	release := make(chan struct{})
	between := make(chan error, 1)
	go func() {
		between <- s.Between(context.Background(), func() error {
			close(entered)
			<-release
			return nil
		})
	}()

	select {
	case <-entered:
		t.Fatal("Between ran while a tick was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(sink.Gate)
	if err := <-first; err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	<-entered
	if _, err := s.Dispatch(context.Background(), tickTime); !errors.Is(err, ErrGuardBusy) {
		t.Fatalf("Dispatch during Between = %v, want ErrGuardBusy", err)
	}
	close(release)
	if err := <-between; err != nil {
		t.Fatalf("Between: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.guard.tryAcquire()
	defer s.guard.release()
	if err := s.Between(ctx, func() error { return nil }); !errors.Is(err, context.Canceled) {
		t.Fatalf("Between with cancelled ctx = %v", err)
	}
}

func TestStalledSinkAbandonsThenSupersedes(t *testing.T) {
	t.Parallel()
	sink := serial.NewMemorySink("mem")
	sink.Gate = make(chan struct{})
	p, bus := newTestPool(t, sink, 3)

	events, unsub := bus.Subscribe(64)
	defer unsub()

	const poll = 20 * time.Millisecond
	s := fastScheduler(p, bus, poll, 3)

	start := time.Now()
	rep, err := s.Dispatch(context.Background(), tickTime)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if took := time.Since(start); took > 3*poll+500*time.Millisecond {
		t.Fatalf("stalled tick took %s", took)
	}
	if rep.Outcome != OutcomeAbandoned || rep.Attempts != 3 || rep.Remaining != 2 || rep.InFlight != 1 {
		t.Fatalf("abandoned report: %+v", rep)
	}

	rep2, err := s.Dispatch(context.Background(), tickTime.Add(time.Minute))
	if err != nil {
		t.Fatalf("second Dispatch: %v", err)
	}
	if rep2.Superseded != 2 {
		t.Fatalf("superseded = %d, want 2", rep2.Superseded)
	}

	close(sink.Gate)
	if err := p.Stop(time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	superseded := 0
	for {
		select {
		case ev := <-events:
			if ev.Type == EventTransmitPrefix+string(OutcomeSuperseded) {
				superseded++
			}
			continue
		default:
		}
		break
	}
	if superseded != 2 {
		t.Fatalf("superseded events = %d, want 2", superseded)
	}
}

func TestStalledLastWriteStillBoundsTick(t *testing.T) {
	t.Parallel()
	sink := serial.NewMemorySink("mem")
	sink.Gate = make(chan struct{})
	p, bus := newTestPool(t, sink, 1)
	defer p.Stop(time.Second)

	const poll = 10 * time.Millisecond
	s := fastScheduler(p, bus, poll, 3)

	// The only slot is emptied by the worker, whose write then never ends.
	start := time.Now()
	rep, err := s.Dispatch(context.Background(), tickTime)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if took := time.Since(start); took > 3*poll+500*time.Millisecond {
		t.Fatalf("tick with a stalled write took %s", took)
	}
	if rep.Outcome != OutcomeAbandoned || rep.Remaining != 0 || rep.InFlight != 1 {
		t.Fatalf("report: %+v", rep)
	}
	if s.Snapshot(false).InFlight {
		t.Fatal("guard still held after Dispatch returned")
	}

	rep2, err := s.Dispatch(context.Background(), tickTime.Add(time.Minute))
	if errors.Is(err, ErrGuardBusy) {
		t.Fatal("next tick skipped behind a stalled write")
	}
	if err != nil {
		t.Fatalf("second Dispatch: %v", err)
	}
	if rep2.Outcome != OutcomeAbandoned || rep2.Generated != 1 || rep2.Superseded != 0 {
		t.Fatalf("second report: %+v", rep2)
	}

	close(sink.Gate)
	waitFor(t, "stalled frames written", func() bool { return len(sink.Writes()) == 2 })
	s.SetConfig(SchedulerConfig{PollInterval: 20 * time.Millisecond, MaxAttempts: 100})
	rep3, err := s.Dispatch(context.Background(), tickTime.Add(2*time.Minute))
	if err != nil || rep3.Outcome != OutcomeCompleted || rep3.InFlight != 0 {
		t.Fatalf("tick after the line cleared: %+v, %v", rep3, err)
	}
	if got := len(sink.Writes()); got != 3 {
		t.Fatalf("writes = %d, want 3", got)
	}
}

func TestAttemptEventPrecedesOutcome(t *testing.T) {
	t.Parallel()
	sink := serial.NewMemorySink("mem")
	p, bus := newTestPool(t, sink, 1)
	defer p.Stop(time.Second)

	events, unsub := bus.Subscribe(16, EventTransmitPrefix)
	defer unsub()

	s := fastScheduler(p, bus, 20*time.Millisecond, 20)
	if _, err := s.Dispatch(context.Background(), tickTime); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	var seen []string
	waitFor(t, "sent event", func() bool {
		for {
			select {
			case ev := <-events:
				seen = append(seen, ev.Type)
				continue
			default:
			}
			return len(seen) >= 2
		}
	})
	want := []string{EventTransmitPrefix + string(OutcomeAttempt), EventTransmitPrefix + string(OutcomeSent)}
	if strings.Join(seen, ",") != strings.Join(want, ",") {
		t.Fatalf("events = %v, want %v", seen, want)
	}
}

func TestWriteFailuresStillClearSlots(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		err     error
		outcome Outcome
	}{
		{name: "timeout", err: fmt.Errorf("%w: device stalled", ErrSinkTimeout), outcome: OutcomeTimeout},
		{name: "io", err: fmt.Errorf("%w: framing error", ErrSinkIO), outcome: OutcomeIOError},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sink := serial.NewMemorySink("mem")
			sink.Fail = func([]byte) error { return tt.err }
			p, bus := newTestPool(t, sink, 2)
			defer p.Stop(time.Second)

			events, unsub := bus.Subscribe(16)
			defer unsub()

			s := fastScheduler(p, bus, 20*time.Millisecond, 20)
			rep, err := s.Dispatch(context.Background(), tickTime)
			if err != nil {
				t.Fatalf("Dispatch: %v", err)
			}
			if rep.Outcome != OutcomeCompleted {
				t.Fatalf("outcome = %s", rep.Outcome)
			}
			waitFor(t, "failures counted", func() bool { return p.Snapshot(false).Failed == 2 })

			failed := 0
			waitFor(t, "failure events", func() bool {
				for {
					select {
					case ev := <-events:
						if ev.Type == EventTransmitPrefix+string(tt.outcome) {
							failed++
						}
						continue
					default:
					}
					return failed == 2
				}
			})
			if snap := p.Snapshot(false); len(snap.Dead) != 0 {
				t.Fatalf("recoverable failure killed channels %v", snap.Dead)
			}
		})
	}
}

func TestClosedSinkKillsChannels(t *testing.T) {
	t.Parallel()
	sink := serial.NewMemorySink("mem")
	p, bus := newTestPool(t, sink, 3)
	defer p.Stop(time.Second)

	_ = sink.Close()
	s := fastScheduler(p, bus, 20*time.Millisecond, 20)
	if _, err := s.Dispatch(context.Background(), tickTime); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	waitFor(t, "all channels dead", func() bool { return len(p.Snapshot(false).Dead) == 3 })

	rep, err := s.Dispatch(context.Background(), tickTime.Add(time.Minute))
	if !errors.Is(err, ErrNoLiveChannels) {
		t.Fatalf("Dispatch error = %v, want ErrNoLiveChannels", err)
	}
	if rep.Dead != 3 || rep.Generated != 0 {
		t.Fatalf("report: %+v", rep)
	}
	if len(sink.Writes()) != 0 {
		t.Fatalf("closed sink received writes: %v", sink.Writes())
	}
}

func TestStartValidation(t *testing.T) {
	t.Parallel()
	for _, n := range []int{0, -1, frame.MaxChannel + 1} {
		p := NewPool(WithOpener(serial.MemoryOpener(serial.NewMemorySink("mem"))))
		if err := p.Start(context.Background(), n, serial.Config{Endpoint: "mem"}); !errors.Is(err, ErrConfig) {
			t.Fatalf("Start(%d) error = %v, want ErrConfig", n, err)
		}
	}

	p := NewPool(WithOpener(serial.MemoryOpener(serial.NewMemorySink("mem"))))
	if err := p.Start(context.Background(), 2, serial.Config{}); !errors.Is(err, ErrConfig) {
		t.Fatalf("Start without endpoint error = %v, want ErrConfig", err)
	}
	if p.Running() {
		t.Fatal("pool should not be running after a failed Start")
	}

	if err := p.Start(context.Background(), 2, serial.Config{Endpoint: "mem"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop(time.Second)
	if err := p.Start(context.Background(), 2, serial.Config{Endpoint: "mem"}); !errors.Is(err, ErrPoolRunning) {
		t.Fatalf("second Start error = %v, want ErrPoolRunning", err)
	}
}

func TestStopIsIdempotentAndRestartable(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var sinks []*serial.MemorySink
	opener := func(cfg serial.Config) (serial.Sink, error) {
		mu.Lock()
		defer mu.Unlock()
		s := serial.NewMemorySink(fmt.Sprintf("mem-%d", len(sinks)))
		sinks = append(sinks, s)
		return s, nil
	}
	p := NewPool(WithOpener(opener))
	s := NewScheduler(p, SchedulerConfig{PollInterval: 20 * time.Millisecond, MaxAttempts: 20}, logx.Nop(), nil)

	if err := p.Start(context.Background(), 4, serial.Config{Endpoint: "mem"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	run := p.current()
	if _, err := s.Dispatch(context.Background(), tickTime); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if err := p.Stop(time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := p.Stop(time.Second); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if alive := run.aliveChannels(); len(alive) != 0 {
		t.Fatalf("workers still alive after Stop: %v", alive)
	}
	if sinks[0].IsOpen() {
		t.Fatal("sink should be closed after Stop")
	}
	if _, err := s.Dispatch(context.Background(), tickTime); !errors.Is(err, ErrPoolStopped) {
		t.Fatalf("Dispatch on stopped pool error = %v, want ErrPoolStopped", err)
	}

	if err := p.Start(context.Background(), 2, serial.Config{Endpoint: "mem"}); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer p.Stop(time.Second)
	rep, err := s.Dispatch(context.Background(), tickTime)
	if err != nil || rep.Generated != 2 {
		t.Fatalf("Dispatch after restart: %+v, %v", rep, err)
	}
	if got := len(sinks[1].Writes()); got != 2 {
		t.Fatalf("writes on new sink = %d, want 2", got)
	}
}

func TestStopTimeoutReportsStragglers(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	entered := make(chan struct{}, 1)
	sink := serial.NewMemorySink("mem")
	sink.Fail = func([]byte) error {
		entered <- struct{}{}
		<-block
		return nil
	}
	p, bus := newTestPool(t, sink, 1)
	s := fastScheduler(p, bus, 10*time.Millisecond, 1)

	go func() { _, _ = s.Dispatch(context.Background(), tickTime) }()
	<-entered

	err := p.Stop(50 * time.Millisecond)
	var se *ShutdownError
	if !errors.Is(err, ErrShutdownTimeout) || !errors.As(err, &se) {
		t.Fatalf("Stop error = %v, want ShutdownError", err)
	}
	if len(se.Channels) != 1 || se.Channels[0] != 1 {
		t.Fatalf("stragglers = %v, want [1]", se.Channels)
	}
	if p.Running() {
		t.Fatal("bookkeeping should be torn down after a timed out Stop")
	}
	close(block)
	if err := p.Stop(time.Second); err != nil {
		t.Fatalf("Stop after timeout: %v", err)
	}
}

func TestStopUnblocksParkedWorkers(t *testing.T) {
	t.Parallel()
	sink := serial.NewMemorySink("mem")
	p, _ := newTestPool(t, sink, frame.MaxChannel)
	run := p.current()

	done := make(chan error, 1)
	go func() { done <- p.Stop(2 * time.Second) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Stop deadlocked")
	}
	if alive := run.aliveChannels(); len(alive) != 0 {
		t.Fatalf("alive after Stop: %d", len(alive))
	}
}
