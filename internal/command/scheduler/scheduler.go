package scheduler

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"brickctl/internal/command/correlation"
	"brickctl/internal/eventbus"
	logx "brickctl/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type Scheduler struct {
	mu       sync.Mutex
	cfg      Config
	log      logx.Logger
	bus      eventbus.Bus
	ids      *correlation.Allocator
	recovery Recovery

	lanes    [laneCount]*list.List
	state    State
	inflight *ticket

	// base is cancelled with causeDisposed on Dispose; every attempt and
	// recovery derives from it.
	base       context.Context
	cancelBase context.CancelCauseFunc

	wake     chan struct{}
	done     chan struct{}
	loopDone chan struct{}

	recoveries singleflight.Group
	dropWarn   rate.Sometimes

	hmu     sync.Mutex
	history []HistoryItem

	completed      atomic.Uint64
	failed         atomic.Uint64
	retried        atomic.Uint64
	orphanEpisodes atomic.Uint64
	recoveryFailed atomic.Uint64
}

// ticket is the scheduler's record of one request, owned by the scheduler
// from Enqueue until it settles.
type ticket struct {
	req        Request
	policy     RetryPolicy
	timeout    time.Duration
	enqueuedAt time.Time
	startedAt  time.Time
	ext        context.Context
	handle     *Handle

	// elem is non-nil while the ticket sits in a lane; guarded by Scheduler.mu.
	elem      *list.Element
	stopWatch func() bool

	attempts int
	rounds   int
}

type Option func(*Scheduler)

// WithRecovery installs the orphan-risk recovery strategy (default NopRecovery).
func WithRecovery(r Recovery) Option {
	return func(s *Scheduler) {
		if r != nil {
			s.recovery = r
		}
	}
}

// WithAllocator shares a correlation allocator. Each connection should own
// its own; this mostly exists for tests.
func WithAllocator(a *correlation.Allocator) Option {
	return func(s *Scheduler) {
		if a != nil {
			s.ids = a
		}
	}
}

// New creates a scheduler and starts its dispatch goroutine. The scheduler
// lives until Dispose.
func New(cfg Config, log logx.Logger, bus eventbus.Bus, opts ...Option) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	base, cancel := context.WithCancelCause(context.Background())
	s := &Scheduler{
		cfg:        cfg.withDefaults(),
		log:        log.With(logx.String("comp", "scheduler")),
		bus:        bus,
		ids:        correlation.NewAllocator(),
		recovery:   NopRecovery{},
		base:       base,
		cancelBase: cancel,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		loopDone:   make(chan struct{}),
		dropWarn:   rate.Sometimes{Interval: warnThrottleEvery},
	}
	for i := range s.lanes {
		s.lanes[i] = list.New()
	}
	for _, o := range opts {
		o(s)
	}
	go s.loop()
	return s
}

// Apply swaps the defaults used for requests enqueued from now on.
func (s *Scheduler) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.log.Info("scheduler config applied",
		logx.Duration("default_timeout", cfg.DefaultTimeout),
		logx.Int("max_retries", cfg.Retry.MaxRetries),
	)
}

// Enqueue queues req and returns its deferred result. ctx cancels the request:
// outright while it is still queued, or the running attempt once dispatched.
func (s *Scheduler) Enqueue(ctx context.Context, req Request) *Handle {
	if ctx == nil {
		ctx = context.Background()
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	h := newHandle(req.ID)

	if (req.Run == nil) == (req.Chunk == nil) {
		h.settle(Result{}, newError(CodeExecutionFailed, req.ID, "request needs exactly one of Run or Chunk", nil))
		return h
	}
	if !req.Lane.valid() {
		h.settle(Result{}, newError(CodeExecutionFailed, req.ID, "invalid lane "+req.Lane.String(), nil))
		return h
	}

	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		h.settle(Result{}, newError(CodeDisposed, req.ID, "scheduler disposed", nil))
		return h
	}
	if err := ctx.Err(); err != nil {
		s.mu.Unlock()
		h.settle(Result{}, newError(CodeCancelled, req.ID, "cancelled before enqueue", context.Cause(ctx)))
		return h
	}

	cfg := s.cfg
	policy := *cfg.Retry
	if req.Retry != nil {
		policy = *req.Retry
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	t := &ticket{
		req:        req,
		policy:     policy.normalize(),
		timeout:    timeout,
		enqueuedAt: time.Now(),
		ext:        ctx,
		handle:     h,
	}
	t.elem = s.queue(req.Lane).PushBack(t)
	s.watchQueuedLocked(t)
	queued := s.queue(req.Lane).Len()
	s.mu.Unlock()

	s.log.Debug("command.queued", logx.String("id", req.ID), logx.String("name", req.Name), logx.String("lane", req.Lane.String()), logx.Int("lane_depth", queued))
	s.publish(EventQueued, s.commandEvent(t, 0, nil))
	s.schedule()
	return h
}

// Do enqueues req and waits for its result.
func (s *Scheduler) Do(ctx context.Context, req Request) (Result, error) {
	return s.Enqueue(ctx, req).Result()
}

// State reports the dispatch state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// QueueSize counts queued (not running) requests in the given lanes, or in
// all lanes when none are given.
func (s *Scheduler) QueueSize(lanes ...Lane) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(lanes) == 0 {
		lanes = Lanes
	}
	n := 0
	for _, l := range lanes {
		if l.valid() {
			n += s.queue(l).Len()
		}
	}
	return n
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		State:          s.state,
		Queued:         make(map[Lane]int, laneCount),
		DefaultTimeout: s.cfg.DefaultTimeout,
		Retry:          s.cfg.Retry.normalize(),
	}
	for _, l := range Lanes {
		snap.Queued[l] = s.queue(l).Len()
	}
	if t := s.inflight; t != nil {
		snap.InFlight = &InFlight{ID: t.req.ID, Name: t.req.Name, Lane: t.req.Lane, StartedAt: t.startedAt, Attempts: t.attempts}
	}
	s.mu.Unlock()

	s.hmu.Lock()
	snap.History = make([]HistoryItem, len(s.history))
	copy(snap.History, s.history)
	s.hmu.Unlock()

	snap.PendingCorrelationIDs = s.ids.PendingCount()
	snap.Completed = s.completed.Load()
	snap.Failed = s.failed.Load()
	snap.Retried = s.retried.Load()
	snap.OrphanEpisodes = s.orphanEpisodes.Load()
	snap.RecoveryFailed = s.recoveryFailed.Load()
	return snap
}

// Dispose stops the scheduler for good: queued requests are rejected with
// CodeDisposed and the running attempt is cancelled. Safe to call repeatedly.
func (s *Scheduler) Dispose() {
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return
	}
	s.state = StateDisposed
	queued := s.drainLocked(func(Lane) bool { return true })
	s.mu.Unlock()

	s.cancelBase(causeDisposed)
	close(s.done)

	for _, t := range queued {
		s.reject(t, newError(CodeDisposed, t.req.ID, "scheduler disposed", nil))
	}
	s.log.Info("scheduler disposed", logx.Int("rejected", len(queued)))
	s.publish(EventDisposed, OrphanEvent{Dropped: len(queued)})
}

// Wait blocks until the dispatch goroutine has exited after Dispose.
func (s *Scheduler) Wait(ctx context.Context) error {
	select {
	case <-s.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// schedule requests a dispatch pass without running it inline.
func (s *Scheduler) schedule() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			t := s.dequeue()
			if t == nil {
				break
			}
			s.run(t)
		}
	}
}

// queue is the FIFO of lane l; l must be valid.
func (s *Scheduler) queue(l Lane) *list.List { return s.lanes[l-LaneLow] }

// dequeue claims the front of the highest non-empty lane, or nil when
// dispatch is blocked or there is nothing to do.
func (s *Scheduler) dequeue() *ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle || s.inflight != nil {
		return nil
	}
	for _, l := range Lanes {
		e := s.queue(l).Front()
		if e == nil {
			continue
		}
		t := e.Value.(*ticket)
		s.unqueueLocked(t)
		s.inflight = t
		s.state = StateRunning
		return t
	}
	return nil
}

// watchQueuedLocked rejects t with CodeCancelled if its context fires while
// it is still queued.
func (s *Scheduler) watchQueuedLocked(t *ticket) {
	t.stopWatch = context.AfterFunc(t.ext, func() { s.cancelQueued(t) })
}

func (s *Scheduler) cancelQueued(t *ticket) {
	s.mu.Lock()
	if t.elem == nil {
		s.mu.Unlock()
		return
	}
	s.unqueueLocked(t)
	s.mu.Unlock()

	s.log.Debug("command cancelled while queued", logx.String("id", t.req.ID), logx.String("lane", t.req.Lane.String()))
	s.reject(t, newError(CodeCancelled, t.req.ID, "cancelled while queued", context.Cause(t.ext)))
	s.schedule()
}

func (s *Scheduler) unqueueLocked(t *ticket) {
	if t.elem != nil {
		s.queue(t.req.Lane).Remove(t.elem)
		t.elem = nil
	}
	if t.stopWatch != nil {
		t.stopWatch()
		t.stopWatch = nil
	}
}

// drainLocked removes every queued ticket whose lane matches.
func (s *Scheduler) drainLocked(match func(Lane) bool) []*ticket {
	var out []*ticket
	for _, l := range Lanes {
		if !match(l) {
			continue
		}
		q := s.queue(l)
		for e := q.Front(); e != nil; e = q.Front() {
			t := e.Value.(*ticket)
			s.unqueueLocked(t)
			out = append(out, t)
		}
	}
	return out
}

func (s *Scheduler) isDisposed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Scheduler) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}
