package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
)

// worker owns one channel. Its wake channel holds at most one token, so
// repeated wakes collapse and a wake sent before the worker parks is not lost.
type worker struct {
	channel int
	wake    chan struct{}

	state  atomic.Int32
	dead   atomic.Bool
	sent   atomic.Uint64
	failed atomic.Uint64
}

func newWorker(channel int) *worker {
	return &worker{channel: channel, wake: make(chan struct{}, 1)}
}

func (w *worker) State() WorkerState { return WorkerState(w.state.Load()) }

func (w *worker) setState(s WorkerState) { w.state.Store(int32(s)) }

func (w *worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *worker) clearWake() {
	select {
	case <-w.wake:
	default:
	}
}

func (w *worker) info() WorkerInfo {
	return WorkerInfo{
		Channel: w.channel,
		State:   w.State(),
		Dead:    w.dead.Load(),
		Sent:    w.sent.Load(),
		Failed:  w.failed.Load(),
	}
}

func (w *worker) loop(ctx context.Context, r *poolRun) {
	defer w.setState(StateStopped)
	for {
		w.setState(StateWaiting)
		select {
		case <-r.stopCh:
			return
		case <-w.wake:
		}
		if r.stopped() {
			return
		}
		if !w.transmit(ctx, r) {
			return
		}
	}
}

// transmit claims the pending frame and writes it under the pool write lock,
// so a slot stays Pending until the line is free for its frame. The claim is
// held until the write ends. It returns false when the worker must exit.
func (w *worker) transmit(ctx context.Context, r *poolRun) bool {
	r.writeMu.Lock()
	if r.stopped() {
		r.writeMu.Unlock()
		if r.table.Peek(w.channel) {
			r.emit(Event{Channel: w.channel, Outcome: OutcomeAborted, Detail: "stop requested before write"})
		}
		return false
	}
	p, ok := r.table.Claim(w.channel)
	if !ok {
		r.writeMu.Unlock()
		r.emit(Event{Channel: w.channel, Outcome: OutcomeEmpty})
		return true
	}
	if !r.sink.IsOpen() {
		r.writeMu.Unlock()
		r.table.Done()
		w.markDead(r, p.TickID, "sink not open")
		return false
	}

	w.setState(StateTransmitting)
	r.emit(Event{Channel: w.channel, Outcome: OutcomeAttempt, TickID: p.TickID})
	err := r.sink.Write(ctx, p.Frame.Bytes())
	if err == nil {
		err = r.sink.Flush()
	}
	if err == nil {
		w.sent.Add(1)
		r.sent.Add(1)
	} else {
		w.failed.Add(1)
		r.failed.Add(1)
	}
	r.writeMu.Unlock()
	r.table.Done()

	if err == nil {
		r.emit(Event{Channel: w.channel, Outcome: OutcomeSent, TickID: p.TickID})
		return true
	}

	outcome := OutcomeIOError
	if errors.Is(err, ErrSinkTimeout) {
		outcome = OutcomeTimeout
	}
	r.emit(Event{Channel: w.channel, Outcome: outcome, TickID: p.TickID, Detail: err.Error()})

	if errors.Is(err, ErrSinkClosed) || !r.sink.IsOpen() {
		w.markDead(r, p.TickID, "sink closed")
		return false
	}
	return true
}

// markDead retires the channel. Its slot is cleared so a frame assigned
// concurrently cannot hold off quiescence.
func (w *worker) markDead(r *poolRun, tickID, detail string) {
	w.dead.Store(true)
	r.table.Take(w.channel)
	r.emit(Event{Channel: w.channel, Outcome: OutcomeChannelDead, TickID: tickID, Detail: detail})
}
