// Package trigger fires the dispatch job on a cron or interval schedule.
//
// The trigger never serializes ticks itself: every fire calls the job, and
// the job's own guard decides whether an overlapping tick is skipped.
package trigger

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "owbsend/pkg/logx"
)

const DefaultSchedule = "0 * * * * *"

type Config struct {
	Enabled  bool
	Schedule string
	Timezone string
}

// Job runs one tick stamped with at, rendered in the trigger's timezone.
type Job func(ctx context.Context, at time.Time)

type Service struct {
	log logx.Logger
	job Job

	mu      sync.Mutex
	cfg     Config
	sched   Schedule
	loc     *time.Location
	c       *cron.Cron
	entryID cron.EntryID
	ctx     context.Context

	fired atomic.Uint64
}

// Snapshot is the trigger state for status output.
type Snapshot struct {
	Enabled  bool      `json:"enabled"`
	Running  bool      `json:"running"`
	Schedule string    `json:"schedule"`
	Timezone string    `json:"timezone"`
	Next     time.Time `json:"next"`
	Prev     time.Time `json:"prev"`
	Fired    uint64    `json:"fired"`
}

func New(cfg Config, job Job, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = DefaultSchedule
	}
	sched, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	return &Service{log: log, job: job, cfg: cfg, sched: sched}, nil
}

// Start begins firing when the trigger is enabled. ctx is handed to every job.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.ctx = ctx
	if !s.cfg.Enabled {
		s.log.Info("trigger disabled")
		return nil
	}
	return s.startLocked()
}

func (s *Service) startLocked() error {
	s.loc = s.loadLocationLocked()
	c := cron.New(
		cron.WithParser(Parser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.Recover(cronLogger{s.log})),
	)
	cs, err := s.sched.CronSchedule()
	if err != nil {
		return err
	}
	s.entryID = c.Schedule(cs, cron.FuncJob(s.fire))
	s.c = c
	c.Start()

	next := c.Entry(s.entryID).Next
	s.log.Info("trigger started",
		logx.String("schedule", s.sched.String()),
		logx.String("tz", s.loc.String()),
		logx.Time("next", next),
	)
	return nil
}

func (s *Service) fire() {
	s.mu.Lock()
	ctx, loc := s.ctx, s.loc
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return
	}
	s.fired.Add(1)
	s.job(ctx, time.Now().In(loc))
}

// Stop halts firing and waits for running jobs up to ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.entryID = 0
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("trigger stop timed out waiting for a running tick")
	}
	s.log.Info("trigger stopped")
}

// Apply swaps schedule, timezone or enabled state. A running trigger is
// restarted only when something changed. An invalid schedule keeps the old one.
func (s *Service) Apply(cfg Config) error {
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = DefaultSchedule
	}
	sched, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return err
	}

	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	s.sched = sched
	changed := old.Enabled != cfg.Enabled ||
		strings.TrimSpace(old.Schedule) != strings.TrimSpace(cfg.Schedule) ||
		strings.TrimSpace(old.Timezone) != strings.TrimSpace(cfg.Timezone)
	if s.ctx == nil || !changed {
		s.mu.Unlock()
		return nil
	}
	c := s.c
	s.c = nil
	s.entryID = 0
	s.mu.Unlock()

	// fire takes s.mu, so wait for a running job without holding it.
	if c != nil {
		<-c.Stop().Done()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	if !s.cfg.Enabled {
		s.log.Info("trigger disabled")
		return nil
	}
	return s.startLocked()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Enabled:  s.cfg.Enabled,
		Running:  s.c != nil,
		Schedule: s.sched.String(),
		Fired:    s.fired.Load(),
	}
	loc := s.loc
	if loc == nil {
		loc = s.loadLocationLocked()
	}
	snap.Timezone = loc.String()
	if s.c != nil && s.entryID != 0 {
		e := s.c.Entry(s.entryID)
		snap.Next, snap.Prev = e.Next, e.Prev
	}
	return snap
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// cronLogger routes robfig/cron diagnostics into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
