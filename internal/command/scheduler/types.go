package scheduler

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"
)

// Lane is a priority class. Higher values are dispatched first; the zero
// value is LaneNormal.
type Lane int

const (
	LaneLow Lane = iota - 1
	LaneNormal
	LaneHigh
	LaneEmergency

	laneCount = 4
)

// Lanes lists every lane from highest to lowest priority.
var Lanes = []Lane{LaneEmergency, LaneHigh, LaneNormal, LaneLow}

func (l Lane) String() string {
	switch l {
	case LaneLow:
		return "low"
	case LaneNormal:
		return "normal"
	case LaneHigh:
		return "high"
	case LaneEmergency:
		return "emergency"
	}
	return fmt.Sprintf("lane(%d)", int(l))
}

func (l Lane) valid() bool { return l >= LaneLow && l <= LaneEmergency }

// ParseLane accepts the lane names used by String.
func ParseLane(s string) (Lane, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return LaneLow, nil
	case "", "normal":
		return LaneNormal, nil
	case "high":
		return LaneHigh, nil
	case "emergency":
		return LaneEmergency, nil
	}
	return 0, fmt.Errorf("unknown lane %q", s)
}

// State is the scheduler's dispatch state.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateOrphanRisk
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateOrphanRisk:
		return "orphan-risk"
	case StateDisposed:
		return "disposed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// RetryPolicy controls retries of idempotent requests.
//
// The delay before retry n (n = 0 for the first retry) is
// min(MaxBackoff, InitialBackoff * BackoffFactor^n), truncated to whole
// milliseconds.
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	BackoffFactor  float64
	MaxBackoff     time.Duration
	RetryOn        []Code
}

// DefaultRetryPolicy is used when neither the request nor Config sets one.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     2,
		InitialBackoff: 50 * time.Millisecond,
		BackoffFactor:  2,
		MaxBackoff:     time.Second,
		RetryOn:        []Code{CodeTimeout, CodeExecutionFailed},
	}
}

func (p RetryPolicy) normalize() RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialBackoff < 0 {
		p.InitialBackoff = 0
	}
	if p.BackoffFactor < 1 || math.IsNaN(p.BackoffFactor) {
		p.BackoffFactor = 1
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	p.RetryOn = slices.Clone(p.RetryOn)
	return p
}

func (p RetryPolicy) allows(c Code) bool {
	return slices.Contains(p.RetryOn, c)
}

func (p RetryPolicy) delay(n int) time.Duration {
	ms := float64(p.InitialBackoff.Milliseconds()) * math.Pow(p.BackoffFactor, float64(n))
	maxMS := float64(p.MaxBackoff.Milliseconds())
	if ms > maxMS || math.IsInf(ms, 1) {
		ms = maxMS
	}
	return time.Duration(math.Floor(ms)) * time.Millisecond
}

// Config controls a Scheduler. Zero fields take defaults.
type Config struct {
	// DefaultTimeout bounds each attempt when Request.Timeout is 0.
	DefaultTimeout time.Duration

	// Retry is the scheduler-wide policy; Request.Retry overrides it.
	Retry *RetryPolicy

	// RecoveryTimeout bounds a single Recovery.Recover call.
	RecoveryTimeout time.Duration

	HistorySize int

	// MaxChunkRounds is a last-resort guard against chunk functions that never
	// report done.
	MaxChunkRounds int
}

func (c Config) withDefaults() Config {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 2 * time.Second
	}
	if c.Retry == nil {
		p := DefaultRetryPolicy()
		c.Retry = &p
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 10 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.MaxChunkRounds <= 0 {
		c.MaxChunkRounds = 1_000_000
	}
	return c
}

// Operation performs one attempt of a request. ctx is cancelled on timeout,
// caller cancellation or disposal; correlationID is reserved for this attempt
// only.
type Operation func(ctx context.Context, correlationID uint16) (reply []byte, err error)

// ChunkFunc performs one round of a chunked request. Progress lives in the
// closure; it reports done with the final reply on the last round.
type ChunkFunc func(ctx context.Context, correlationID uint16) (done bool, reply []byte, err error)

// Request describes one unit of work. Exactly one of Run and Chunk is set.
type Request struct {
	// ID is generated when empty.
	ID   string
	Name string
	Lane Lane

	// Timeout bounds each attempt; 0 uses Config.DefaultTimeout.
	Timeout time.Duration

	// Idempotent requests may be retried.
	Idempotent bool
	Retry      *RetryPolicy

	Run   Operation
	Chunk ChunkFunc
}

// Result is the outcome of a successful request.
type Result struct {
	RequestID     string
	Lane          Lane
	CorrelationID uint16
	Reply         []byte
	Attempts      int
	EnqueuedAt    time.Time
	StartedAt     time.Time
	FinishedAt    time.Time
}

func (r Result) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

// OrphanReason says why an outcome became uncertain.
type OrphanReason string

const (
	OrphanTimeout   OrphanReason = "timeout"
	OrphanCancelled OrphanReason = "cancelled"
)

// OrphanContext describes the request that triggered recovery.
type OrphanContext struct {
	RequestID string
	Lane      Lane
	Reason    OrphanReason
	Err       error
}

// Recovery restores a known device state after an uncertain outcome
// (reconnect, probe, ...). A returned error means recovery failed.
type Recovery interface {
	Recover(ctx context.Context, oc OrphanContext) error
}

// NopRecovery assumes the device is fine.
type NopRecovery struct{}

func (NopRecovery) Recover(context.Context, OrphanContext) error { return nil }

// RecoveryFunc adapts a function to Recovery.
type RecoveryFunc func(ctx context.Context, oc OrphanContext) error

func (f RecoveryFunc) Recover(ctx context.Context, oc OrphanContext) error { return f(ctx, oc) }

// HistoryItem records one resolved request for diagnostics.
type HistoryItem struct {
	ID         string
	Name       string
	Lane       Lane
	Enqueued   time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Attempts   int
	Code       Code
	Error      string
}

// InFlight describes the request currently executing.
type InFlight struct {
	ID        string
	Name      string
	Lane      Lane
	StartedAt time.Time
	Attempts  int
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	State    State
	Queued   map[Lane]int
	InFlight *InFlight

	PendingCorrelationIDs int

	Completed      uint64
	Failed         uint64
	Retried        uint64
	OrphanEpisodes uint64
	RecoveryFailed uint64

	DefaultTimeout time.Duration
	Retry          RetryPolicy

	History []HistoryItem
}

// Event types published on the bus.
const (
	EventQueued         = "command.queued"
	EventStarted        = "command.started"
	EventRetry          = "command.retry"
	EventYield          = "command.yield"
	EventFinished       = "command.finished"
	EventFailed         = "command.failed"
	EventOrphanRisk     = "scheduler.orphan_risk"
	EventRecovered      = "scheduler.recovered"
	EventRecoveryFailed = "scheduler.recovery_failed"
	EventDisposed       = "scheduler.disposed"
)

// CommandEvent is the payload of command.* events.
type CommandEvent struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Lane          string        `json:"lane"`
	CorrelationID uint16        `json:"correlation_id"`
	Attempts      int           `json:"attempts"`
	QueueDelay    time.Duration `json:"queue_delay"`
	Duration      time.Duration `json:"duration"`
	Code          string        `json:"code,omitempty"`
	Error         string        `json:"error,omitempty"`
}

// OrphanEvent is the payload of scheduler.* recovery events.
type OrphanEvent struct {
	RequestID string `json:"request_id"`
	Lane      string `json:"lane"`
	Reason    string `json:"reason"`
	Dropped   int    `json:"dropped"`
	Error     string `json:"error,omitempty"`
}
