package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"owbsend/internal/config"
	"owbsend/internal/dispatch"
	"owbsend/internal/eventbus"
	"owbsend/internal/runtime/supervisor"
	"owbsend/internal/serial"
	"owbsend/internal/trigger"
	logx "owbsend/pkg/logx"
	"owbsend/pkg/systemd"
)

type App struct {
	cfgm *config.ConfigManager
	ov   Overrides

	sup *supervisor.Supervisor

	log    logx.Logger
	logs   *logx.Service
	logOut io.Writer
	bus    eventbus.Bus

	pool  *dispatch.Pool
	sched *dispatch.Scheduler
	trig  *trigger.Service
	sd    systemd.Notifier

	mu       sync.Mutex
	cfg      *config.Config // effective config, overrides applied
	settings config.Settings

	stopOnce sync.Once
	stopErr  error
}

type Option func(*options)

type options struct {
	ov     Overrides
	opener serial.Opener
	logOut io.Writer
	sd     systemd.Notifier
}

func WithOverrides(ov Overrides) Option { return func(o *options) { o.ov = ov } }

// WithOpener replaces the sink opener; tests use an in-memory sink.
func WithOpener(open serial.Opener) Option { return func(o *options) { o.opener = open } }

// WithLogOutput sends logs to w instead of stdout (or stderr for the stdout sink).
func WithLogOutput(w io.Writer) Option { return func(o *options) { o.logOut = w } }

func WithNotifier(n systemd.Notifier) Option { return func(o *options) { o.sd = n } }

// NewApp loads cfgPath (empty means built-in defaults) and wires the pool,
// scheduler and trigger. Nothing runs until Start.
func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	var (
		cfgm    *config.ConfigManager
		fileCfg = &config.Config{}
	)
	if strings.TrimSpace(cfgPath) != "" {
		cfgm = config.NewConfigManager(cfgPath)
		c, err := cfgm.Load()
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
		}
		fileCfg = c
	}

	cfg := o.ov.Apply(fileCfg)
	settings, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}

	logOut := o.logOut
	if logOut == nil && settings.Sink.Endpoint == serial.EndpointStdout {
		// Frames own stdout.
		logOut = logx.Stderr()
	}
	logCfg := settings.Logging
	logCfg.Out = logOut
	logSvc, log := logx.New(logCfg)
	log = log.With(logx.String("comp", "app"))
	for _, w := range settings.Warnings() {
		log.Warn("config warning", logx.String("detail", w))
	}

	bus := eventbus.New()

	poolOpts := []dispatch.PoolOption{
		dispatch.WithPoolLogger(log.With(logx.String("comp", "pool"))),
		dispatch.WithPoolBus(bus),
	}
	if o.opener != nil {
		poolOpts = append(poolOpts, dispatch.WithOpener(o.opener))
	}
	pool := dispatch.NewPool(poolOpts...)
	sched := dispatch.NewScheduler(pool, settings.Dispatch, log.With(logx.String("comp", "scheduler")), bus)

	a := &App{
		cfgm:     cfgm,
		ov:       o.ov,
		log:      log,
		logs:     logSvc,
		logOut:   logOut,
		bus:      bus,
		pool:     pool,
		sched:    sched,
		sd:       o.sd,
		cfg:      cfg,
		settings: settings,
	}
	trig, err := trigger.New(settings.Trigger, a.tick, log.With(logx.String("comp", "trigger")))
	if err != nil {
		return nil, err
	}
	a.trig = trig
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Settings() config.Settings {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settings
}

func (a *App) Start(ctx context.Context) error {
	s := a.Settings()
	a.sup = supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)

	if err := a.pool.Start(a.sup.Context(), s.Channels, s.Sink); err != nil {
		a.sup.Cancel()
		return fmt.Errorf("start pool: %w", err)
	}
	if err := a.trig.Start(a.sup.Context()); err != nil {
		a.sup.Cancel()
		_ = a.pool.Stop(s.JoinTimeout)
		return fmt.Errorf("start trigger: %w", err)
	}

	a.startEventLog()

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		// Validate what would actually run, overrides included.
		a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
			_, err := config.Resolve(a.ov.Apply(cfg))
			return err
		})
		a.startReloadLoop()
		a.sup.GoRestart("config.watch", a.cfgm.Watch, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	}

	if d := systemd.Watchdog(); d > 0 {
		a.sup.Go0("systemd.watchdog", func(c context.Context) {
			a.sd.RunWatchdog(c, d, a.pool.Running)
		})
	}
	if ok, err := a.sd.Ready(); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}

	a.log.Info("app started",
		logx.String("sink", s.Sink.Endpoint),
		logx.Int("channels", s.Channels),
		logx.Bool("trigger", s.Trigger.Enabled),
		logx.String("schedule", s.Trigger.Schedule),
	)
	return nil
}

// tick is the trigger job. The scheduler logs every outcome itself.
func (a *App) tick(ctx context.Context, at time.Time) {
	_, err := a.sched.Dispatch(ctx, at)
	if err != nil && !dispatch.IsSkip(err) && !errors.Is(err, context.Canceled) {
		a.log.Debug("tick returned error", logx.Err(err))
	}
}

// RunOnce dispatches one batch now, with the same guard as triggered ticks.
func (a *App) RunOnce(ctx context.Context) (dispatch.TickReport, error) {
	return a.sched.DispatchNow(ctx)
}

// startEventLog mirrors tick and pool events to debug logs and systemd status.
func (a *App) startEventLog() {
	events, unsub := a.bus.Subscribe(128, "tick.", "pool.")
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				if msg := statusLine(e); msg != "" {
					_, _ = a.sd.Status(msg)
				}
			}
		}
	})
}

func statusLine(e eventbus.Event) string {
	switch rep := e.Data.(type) {
	case dispatch.TickReport:
		switch rep.Outcome {
		case dispatch.OutcomeCompleted:
			return fmt.Sprintf("tick %s: %d frames sent in %s", rep.Timestamp.Format("15:04:05"), rep.Generated, rep.Duration.Round(time.Millisecond))
		case dispatch.OutcomeAbandoned:
			if rep.Error != "" {
				return fmt.Sprintf("tick %s abandoned: %s", rep.Timestamp.Format("15:04:05"), rep.Error)
			}
			return fmt.Sprintf("tick %s abandoned: %d of %d frames pending", rep.Timestamp.Format("15:04:05"), rep.Remaining, rep.Generated)
		}
	}
	switch e.Type {
	case dispatch.EventPoolStarted:
		return "pool started"
	case dispatch.EventPoolStopped:
		return "pool stopped"
	}
	return ""
}

// Status is a point-in-time view for operators.
type Status struct {
	Pool          dispatch.PoolSnapshot         `json:"pool"`
	Scheduler     dispatch.SchedulerSnapshot    `json:"scheduler"`
	Trigger       trigger.Snapshot              `json:"trigger"`
	Supervisor    supervisor.SupervisorSnapshot `json:"supervisor"`
	EventsDropped uint64                        `json:"events_dropped"`
}

func (a *App) Status(verbose bool) Status {
	st := Status{
		Pool:          a.pool.Snapshot(verbose),
		Scheduler:     a.sched.Snapshot(verbose),
		Trigger:       a.trig.Snapshot(),
		EventsDropped: a.bus.Dropped(),
	}
	if a.sup != nil {
		st.Supervisor = a.sup.Snapshot()
	}
	return st
}

// Stop shuts down in order: trigger, pool, supervised loops. It is safe to
// call more than once; later calls return the first result.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.stopOnce.Do(func() { a.stopErr = a.stop(ctx, reason) })
	return a.stopErr
}

func (a *App) stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = a.sd.Stopping()

	// Cancel first so an in-flight tick stops waiting for quiescence.
	a.sup.Cancel()

	joinTimeout := a.Settings().JoinTimeout
	poolDone := make(chan error, 1)

	a.step(ctx, "trigger", 2*time.Second, func(c context.Context) error { a.trig.Stop(c); return nil })
	a.step(ctx, "pool", joinTimeout+time.Second, func(context.Context) error {
		err := a.pool.Stop(joinTimeout)
		poolDone <- err
		return err
	})
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	// A reload restart racing the pool step may have started it again.
	if a.pool.Running() {
		a.step(ctx, "pool.again", joinTimeout+time.Second, func(context.Context) error { return a.pool.Stop(joinTimeout) })
	}

	a.log.Info("stopped")
	select {
	case err := <-poolDone:
		return err
	default:
		return fmt.Errorf("stop pool: %w", dispatch.ErrShutdownTimeout)
	}
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx := ctx
	if max > 0 {
		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			max = time.Millisecond
		}
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}

// LogStatus writes the verbose status as one info line.
func (a *App) LogStatus() {
	a.log.Info("status", logx.Any("status", a.Status(true)))
}
