package dispatch

import (
	"sync"
	"time"

	"owbsend/internal/frame"
	"owbsend/internal/runtime/supervisor"
)

const (
	DefaultChannels     = 100
	DefaultJoinTimeout  = 3 * time.Second
	DefaultPollInterval = time.Second
	DefaultMaxAttempts  = 3
	DefaultHistorySize  = 200

	betweenPoll = 10 * time.Millisecond
)

// WorkerState is the per-channel worker state machine.
type WorkerState int32

const (
	StateWaiting WorkerState = iota
	StateTransmitting
	StateStopped
)

func (s WorkerState) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateTransmitting:
		return "transmitting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Outcome classifies one observable channel or tick result.
type Outcome string

const (
	OutcomeAttempt     Outcome = "attempt"
	OutcomeSent        Outcome = "sent"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeIOError     Outcome = "io_error"
	OutcomeEmpty       Outcome = "empty"
	OutcomeChannelDead Outcome = "channel_dead"
	OutcomeSuperseded  Outcome = "superseded"
	OutcomeAborted     Outcome = "aborted"
	OutcomeSkipped     Outcome = "skipped"
	OutcomeCompleted   Outcome = "completed"
	OutcomeAbandoned   Outcome = "abandoned"
)

// Event types published on the bus.
const (
	EventTransmitPrefix = "transmit."
	EventTickSkipped    = "tick.skipped"
	EventTickCompleted  = "tick.completed"
	EventTickAbandoned  = "tick.abandoned"
	EventPoolStarted    = "pool.started"
	EventPoolStopped    = "pool.stopped"
)

// Event is the observability record for one channel outcome.
type Event struct {
	TimestampUTC time.Time `json:"timestamp_utc"`
	Channel      int       `json:"channel"`
	Outcome      Outcome   `json:"outcome"`
	Detail       string    `json:"detail,omitempty"`
	TickID       string    `json:"tick_id,omitempty"`
}

// Pending is a frame assigned to a channel slot for one tick.
type Pending struct {
	Frame  frame.Frame
	TickID string
}

// guard is the non-reentrant dispatch flag: a tick that finds it held is skipped, not queued.
type guard struct {
	mu       sync.Mutex
	inflight int
}

func (g *guard) tryAcquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inflight > 0 {
		return false
	}
	g.inflight++
	return true
}

func (g *guard) release() {
	g.mu.Lock()
	if g.inflight > 0 {
		g.inflight--
	}
	g.mu.Unlock()
}

func (g *guard) held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inflight > 0
}

// TickReport summarizes one dispatch.
type TickReport struct {
	ID         string        `json:"id"`
	Timestamp  time.Time     `json:"timestamp"`
	Started    time.Time     `json:"started"`
	Duration   time.Duration `json:"duration"`
	Outcome    Outcome       `json:"outcome"`
	Channels   int           `json:"channels"`
	Generated  int           `json:"generated"`
	Superseded int           `json:"superseded"`
	Dead       int           `json:"dead"`
	Attempts   int           `json:"attempts"`
	Remaining  int           `json:"remaining"`
	InFlight   int           `json:"in_flight"`
	Error      string        `json:"error,omitempty"`
}

// WorkerInfo is a point-in-time view of one worker.
type WorkerInfo struct {
	Channel int         `json:"channel"`
	State   WorkerState `json:"state"`
	Dead    bool        `json:"dead"`
	Sent    uint64      `json:"sent"`
	Failed  uint64      `json:"failed"`
}

// PoolSnapshot is a lightweight view for diagnostics.
type PoolSnapshot struct {
	Running    bool                          `json:"running"`
	Channels   int                           `json:"channels"`
	Sink       string                        `json:"sink,omitempty"`
	SinkOpen   bool                          `json:"sink_open"`
	StartedAt  time.Time                     `json:"started_at"`
	Pending    int                           `json:"pending"`
	Sent       uint64                        `json:"sent"`
	Failed     uint64                        `json:"failed"`
	Dead       []int                         `json:"dead,omitempty"`
	Workers    []WorkerInfo                  `json:"workers,omitempty"`
	Goroutines supervisor.SupervisorCounters `json:"goroutines"`
}

// SchedulerSnapshot is a lightweight view of tick history.
type SchedulerSnapshot struct {
	InFlight bool         `json:"in_flight"`
	Ticks    uint64       `json:"ticks"`
	Skipped  uint64       `json:"skipped"`
	Last     *TickReport  `json:"last,omitempty"`
	History  []TickReport `json:"history,omitempty"`
}
