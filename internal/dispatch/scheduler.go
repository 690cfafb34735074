package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"owbsend/internal/eventbus"
	"owbsend/internal/frame"
	logx "owbsend/pkg/logx"
)

// SchedulerConfig tunes one dispatch tick.
type SchedulerConfig struct {
	PollInterval time.Duration
	MaxAttempts  int
	HistorySize  int
	Layout       frame.Layout
}

func (c SchedulerConfig) WithDefaults() SchedulerConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	c.Layout = c.Layout.WithDefaults()
	return c
}

// Scheduler turns ticks into batches for the pool.
type Scheduler struct {
	pool *Pool
	log  logx.Logger
	bus  eventbus.Bus

	cfgMu sync.RWMutex
	cfg   SchedulerConfig

	guard guard
	ticks atomic.Uint64
	skips atomic.Uint64

	histMu  sync.Mutex
	history []TickReport

	// beforeWake runs after generation and before any wake; tests only.
	beforeWake func(*SlotTable)
}

func NewScheduler(pool *Pool, cfg SchedulerConfig, log logx.Logger, bus eventbus.Bus) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{pool: pool, cfg: cfg.WithDefaults(), log: log, bus: bus}
}

func (s *Scheduler) Config() SchedulerConfig {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// SetConfig takes effect on the next tick.
func (s *Scheduler) SetConfig(cfg SchedulerConfig) {
	s.cfgMu.Lock()
	s.cfg = cfg.WithDefaults()
	s.cfgMu.Unlock()
}

// Between runs fn while holding the tick guard, waiting for an in-flight
// tick to finish first. Ticks that fire meanwhile are skipped.
func (s *Scheduler) Between(ctx context.Context, fn func() error) error {
	t := time.NewTicker(betweenPoll)
	defer t.Stop()
	for !s.guard.tryAcquire() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	defer s.guard.release()
	return fn()
}

// DispatchNow runs one tick stamped with the current wall clock.
func (s *Scheduler) DispatchNow(ctx context.Context) (TickReport, error) {
	return s.Dispatch(ctx, time.Now())
}

// Dispatch runs one tick: it assigns a fresh frame to every live channel,
// wakes the workers and waits a bounded time for the slots to drain.
//
// A tick that finds the previous one still running returns ErrGuardBusy
// without touching any slot. Slots still pending when the wait gives up are
// left for their workers; the next tick supersedes them.
func (s *Scheduler) Dispatch(ctx context.Context, now time.Time) (TickReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !s.guard.tryAcquire() {
		s.skips.Add(1)
		s.log.Debug("tick skipped", logx.Time("at", now))
		s.publish(EventTickSkipped, map[string]any{"at": now})
		return TickReport{Timestamp: now, Outcome: OutcomeSkipped}, ErrGuardBusy
	}
	defer s.guard.release()

	cfg := s.Config()
	rep := TickReport{
		ID:        uuid.NewString(),
		Timestamp: now,
		Started:   time.Now(),
	}
	err := s.dispatch(ctx, cfg, now, &rep)
	rep.Duration = time.Since(rep.Started)
	if err != nil {
		rep.Error = err.Error()
		if rep.Outcome == "" {
			rep.Outcome = OutcomeAbandoned
		}
	}
	s.ticks.Add(1)
	s.record(cfg, rep)

	log := s.log.With(logx.String("tick", rep.ID))
	switch {
	case rep.Outcome == OutcomeCompleted:
		log.Info("tick completed",
			logx.Int("frames", rep.Generated),
			logx.Int("attempts", rep.Attempts),
			logx.Duration("took", rep.Duration),
		)
		s.publish(EventTickCompleted, rep)
	default:
		fields := []logx.Field{
			logx.Int("frames", rep.Generated),
			logx.Int("remaining", rep.Remaining),
			logx.Int("attempts", rep.Attempts),
		}
		if err != nil {
			fields = append(fields, logx.Err(err))
		}
		log.Warn("tick abandoned", fields...)
		s.publish(EventTickAbandoned, rep)
	}
	return rep, err
}

func (s *Scheduler) dispatch(ctx context.Context, cfg SchedulerConfig, now time.Time, rep *TickReport) error {
	r := s.pool.current()
	if r == nil {
		return ErrPoolStopped
	}
	rep.Channels = r.channels

	if err := r.sink.ResetBuffers(); err != nil {
		s.log.Warn("reset buffers failed", logx.String("sink", r.sink.Name()), logx.Err(err))
	}

	// Generation finishes for every channel before the first wake.
	var wake []*worker
	for ch := 1; ch <= r.channels; ch++ {
		w := r.worker(ch)
		if w == nil || w.dead.Load() || w.State() == StateStopped {
			// Discard anything assigned while the worker was dying.
			r.table.Take(ch)
			rep.Dead++
			continue
		}
		f := cfg.Layout.Encode(ch, now)
		if old := r.table.SetPending(ch, &Pending{Frame: f, TickID: rep.ID}); old != nil {
			rep.Superseded++
			r.emit(Event{Channel: ch, Outcome: OutcomeSuperseded, TickID: old.TickID, Detail: "replaced by tick " + rep.ID})
		}
		rep.Generated++
		wake = append(wake, w)
	}
	if rep.Generated == 0 {
		return ErrNoLiveChannels
	}

	r.table.drainQuiet()
	if s.beforeWake != nil {
		s.beforeWake(r.table)
	}
	for _, w := range wake {
		w.signal()
	}

	drained, err := s.awaitQuiescence(ctx, cfg, r.table, rep)
	rep.Remaining = r.table.PendingCount()
	rep.InFlight = r.table.InFlight()
	if err != nil {
		return err
	}
	if !drained {
		// A write still on the line keeps its bytes; the next tick resets.
		rep.Outcome = OutcomeAbandoned
		return nil
	}

	rep.Outcome = OutcomeCompleted
	r.clearWakes()
	if err := r.sink.ResetBuffers(); err != nil {
		s.log.Warn("reset buffers failed", logx.String("sink", r.sink.Name()), logx.Err(err))
	}
	return nil
}

// awaitQuiescence polls until every slot is empty and no write is in
// flight. It waits at most MaxAttempts times, each wait ending early when
// the table goes idle.
func (s *Scheduler) awaitQuiescence(ctx context.Context, cfg SchedulerConfig, table *SlotTable, rep *TickReport) (bool, error) {
	timer := time.NewTimer(cfg.PollInterval)
	defer timer.Stop()
	for {
		if table.Idle() {
			return true, nil
		}
		if rep.Attempts >= cfg.MaxAttempts {
			return false, nil
		}
		rep.Attempts++
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(cfg.PollInterval)
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-table.Quiet():
		case <-timer.C:
		}
	}
}

func (s *Scheduler) record(cfg SchedulerConfig, rep TickReport) {
	s.histMu.Lock()
	s.history = append(s.history, rep)
	if len(s.history) > cfg.HistorySize {
		s.history = s.history[len(s.history)-cfg.HistorySize:]
	}
	s.histMu.Unlock()
}

// Snapshot returns counters and, when withHistory is set, a copy of recent ticks.
func (s *Scheduler) Snapshot(withHistory bool) SchedulerSnapshot {
	snap := SchedulerSnapshot{
		InFlight: s.guard.held(),
		Ticks:    s.ticks.Load(),
		Skipped:  s.skips.Load(),
	}
	s.histMu.Lock()
	if n := len(s.history); n > 0 {
		last := s.history[n-1]
		snap.Last = &last
		if withHistory {
			snap.History = make([]TickReport, n)
			copy(snap.History, s.history)
		}
	}
	s.histMu.Unlock()
	return snap
}

func (s *Scheduler) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
