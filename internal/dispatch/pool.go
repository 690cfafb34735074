package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"owbsend/internal/eventbus"
	"owbsend/internal/frame"
	"owbsend/internal/runtime/supervisor"
	"owbsend/internal/serial"
	logx "owbsend/pkg/logx"
)

// Pool owns one worker per channel and the sink they share.
//
// Lifecycle:
//   - Start opens the sink, allocates the slot table and spawns the workers.
//   - Stop signals every worker, joins them up to a timeout and closes the sink.
//   - A stopped pool may be started again.
type Pool struct {
	log  logx.Logger
	bus  eventbus.Bus
	open serial.Opener

	mu       sync.Mutex
	run      *poolRun
	stopDone chan struct{}
}

type PoolOption func(*Pool)

func WithPoolLogger(log logx.Logger) PoolOption { return func(p *Pool) { p.log = log } }

func WithPoolBus(bus eventbus.Bus) PoolOption { return func(p *Pool) { p.bus = bus } }

// WithOpener replaces serial.Open, mainly for tests.
func WithOpener(open serial.Opener) PoolOption {
	return func(p *Pool) {
		if open != nil {
			p.open = open
		}
	}
}

func NewPool(opts ...PoolOption) *Pool {
	p := &Pool{open: serial.Open}
	for _, o := range opts {
		o(p)
	}
	if p.log.IsZero() {
		p.log = logx.Nop()
	}
	return p
}

// poolRun is the state of one Start..Stop cycle.
type poolRun struct {
	log  logx.Logger
	bus  eventbus.Bus
	sink serial.Sink

	channels  int
	startedAt time.Time
	table     *SlotTable
	workers   []*worker

	sup      *supervisor.Supervisor
	stopCh   chan struct{}
	stopOnce sync.Once

	// writeMu serializes device writes across workers.
	writeMu sync.Mutex

	sent   atomic.Uint64
	failed atomic.Uint64
}

// Start opens the sink and spawns one worker per channel 1..channels.
// A Stop still in progress is awaited first, bounded by ctx.
func (p *Pool) Start(ctx context.Context, channels int, sinkCfg serial.Config) error {
	if channels < 1 || channels > frame.MaxChannel {
		return fmt.Errorf("%w: channels must be within 1..%d, got %d", ErrConfig, frame.MaxChannel, channels)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	p.mu.Lock()
	for p.stopDone != nil {
		done := p.stopDone
		p.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		p.mu.Lock()
	}
	defer p.mu.Unlock()
	if p.run != nil {
		return ErrPoolRunning
	}

	sink, err := p.open(sinkCfg)
	if err != nil {
		if errors.Is(err, serial.ErrConfig) {
			return fmt.Errorf("%w: %w", ErrConfig, err)
		}
		return err
	}

	r := &poolRun{
		log:       p.log,
		bus:       p.bus,
		sink:      sink,
		channels:  channels,
		startedAt: time.Now(),
		table:     NewSlotTable(channels),
		workers:   make([]*worker, channels),
		stopCh:    make(chan struct{}),
	}
	// Pool lifetime is governed by Stop, not by the caller's ctx.
	r.sup = supervisor.NewSupervisor(context.Background(),
		supervisor.WithLogger(p.log.With(logx.String("comp", "pool"))),
		supervisor.WithCancelOnError(false),
	)
	for i := range r.workers {
		r.workers[i] = newWorker(i + 1)
	}
	for _, w := range r.workers {
		w := w
		r.sup.Go0("worker."+strconv.Itoa(w.channel), func(ctx context.Context) { w.loop(ctx, r) })
	}
	p.run = r

	p.log.Info("pool started",
		logx.Int("channels", channels),
		logx.String("sink", sink.Name()),
	)
	p.publish(EventPoolStarted, map[string]any{"channels": channels, "sink": sink.Name()})
	return nil
}

// Stop signals all workers, waits up to joinTimeout for them to exit and
// closes the sink. Bookkeeping is torn down even when the timeout expires;
// the returned error then wraps ErrShutdownTimeout. Stop on a stopped pool
// returns nil.
func (p *Pool) Stop(joinTimeout time.Duration) error {
	if joinTimeout <= 0 {
		joinTimeout = DefaultJoinTimeout
	}

	p.mu.Lock()
	r := p.run
	if r == nil {
		done := p.stopDone
		p.mu.Unlock()
		if done != nil {
			select {
			case <-done:
			case <-time.After(joinTimeout):
			}
		}
		return nil
	}
	p.run = nil
	done := make(chan struct{})
	p.stopDone = done
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		if p.stopDone == done {
			p.stopDone = nil
		}
		p.mu.Unlock()
		close(done)
	}()

	r.signalStop()

	ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
	err := r.sup.Wait(ctx)
	cancel()

	var result error
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		alive := r.aliveChannels()
		result = &ShutdownError{Timeout: joinTimeout, Channels: alive}
		p.log.Warn("workers did not stop in time",
			logx.Duration("timeout", joinTimeout),
			logx.Int("alive", len(alive)),
		)
		// Abort in-flight writes of stragglers.
		r.sup.Cancel()
	} else if err != nil {
		p.log.Error("worker failed", logx.Err(err))
	}
	r.sup.Cancel()

	if cerr := r.sink.Close(); cerr != nil {
		p.log.Warn("sink close failed", logx.String("sink", r.sink.Name()), logx.Err(cerr))
	}

	p.log.Info("pool stopped",
		logx.Int("channels", r.channels),
		logx.Uint64("sent", r.sent.Load()),
		logx.Uint64("failed", r.failed.Load()),
	)
	p.publish(EventPoolStopped, map[string]any{"channels": r.channels, "clean": result == nil})
	return result
}

// Running reports whether a Start..Stop cycle is active.
func (p *Pool) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.run != nil
}

func (p *Pool) current() *poolRun {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.run
}

// Snapshot returns a point-in-time view of the pool.
func (p *Pool) Snapshot(withWorkers bool) PoolSnapshot {
	r := p.current()
	if r == nil {
		return PoolSnapshot{}
	}
	snap := PoolSnapshot{
		Running:    true,
		Channels:   r.channels,
		Sink:       r.sink.Name(),
		SinkOpen:   r.sink.IsOpen(),
		StartedAt:  r.startedAt,
		Pending:    r.table.PendingCount(),
		Sent:       r.sent.Load(),
		Failed:     r.failed.Load(),
		Goroutines: r.sup.Counters(),
	}
	for _, w := range r.workers {
		if w.dead.Load() {
			snap.Dead = append(snap.Dead, w.channel)
		}
		if withWorkers {
			snap.Workers = append(snap.Workers, w.info())
		}
	}
	return snap
}

func (p *Pool) publish(typ string, data any) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

func (r *poolRun) stopped() bool {
	select {
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

// signalStop sets the stop signal and wakes every worker so none stays parked.
func (r *poolRun) signalStop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		for _, w := range r.workers {
			w.signal()
		}
	})
}

func (r *poolRun) worker(channel int) *worker {
	if channel < 1 || channel > len(r.workers) {
		return nil
	}
	return r.workers[channel-1]
}

func (r *poolRun) aliveChannels() []int {
	var out []int
	for _, w := range r.workers {
		if w.State() != StateStopped {
			out = append(out, w.channel)
		}
	}
	return out
}

// clearWakes drops wake tokens no worker consumed.
func (r *poolRun) clearWakes() {
	for _, w := range r.workers {
		w.clearWake()
	}
}

// emit logs one channel outcome and publishes it on the bus.
func (r *poolRun) emit(ev Event) {
	if ev.TimestampUTC.IsZero() {
		ev.TimestampUTC = time.Now().UTC()
	}
	fields := []logx.Field{
		logx.Int("channel", ev.Channel),
		logx.String("outcome", string(ev.Outcome)),
		logx.Time("at", ev.TimestampUTC),
	}
	if ev.TickID != "" {
		fields = append(fields, logx.String("tick", ev.TickID))
	}
	if ev.Detail != "" {
		fields = append(fields, logx.String("detail", ev.Detail))
	}
	switch ev.Outcome {
	case OutcomeAttempt:
		r.log.Debug("transmitting frame", fields...)
	case OutcomeSent:
		r.log.Info("frame sent", fields...)
	case OutcomeEmpty, OutcomeAborted:
		r.log.Debug("worker woke without transmitting", fields...)
	case OutcomeChannelDead:
		r.log.Error("channel dead", fields...)
	case OutcomeSuperseded:
		r.log.Warn("frame superseded before transmit", fields...)
	default:
		r.log.Warn("transmit failed", fields...)
	}
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: EventTransmitPrefix + string(ev.Outcome), Time: ev.TimestampUTC, Data: ev})
	}
}
