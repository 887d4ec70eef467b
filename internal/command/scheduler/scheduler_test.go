package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brickctl/internal/command/correlation"
	"brickctl/internal/eventbus"
	logx "brickctl/pkg/logx"
)

const waitFor = 2 * time.Second

func newTestScheduler(t *testing.T, cfg Config, opts ...Option) *Scheduler {
	t.Helper()
	s := New(cfg, logx.Nop(), nil, opts...)
	t.Cleanup(func() {
		s.Dispose()
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		require.NoError(t, s.Wait(ctx))
	})
	return s
}

// recorder collects the order in which operations ran.
type recorder struct {
	mu  sync.Mutex
	seq []string
}

func (r *recorder) add(name string) {
	r.mu.Lock()
	r.seq = append(r.seq, name)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seq...)
}

func (r *recorder) op(name string) Operation {
	return func(context.Context, uint16) ([]byte, error) {
		r.add(name)
		return []byte(name), nil
	}
}

// blocker returns an operation that signals started and then waits for
// release or cancellation.
func blocker() (op Operation, started <-chan struct{}, release func()) {
	st := make(chan struct{})
	rel := make(chan struct{})
	var once sync.Once
	op = func(ctx context.Context, _ uint16) ([]byte, error) {
		close(st)
		select {
		case <-rel:
			return []byte("ok"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return op, st, func() { once.Do(func() { close(rel) }) }
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(waitFor):
		t.Fatal("timed out waiting")
	}
}

func waitResult(t *testing.T, h *Handle) (Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	res, err := h.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "handle %s never settled", h.ID())
	return res, err
}

func TestLanesDispatchInPriorityOrder(t *testing.T) {
	s := newTestScheduler(t, Config{})
	rec := &recorder{}

	op, started, release := blocker()
	first := s.Enqueue(context.Background(), Request{Name: "first", Lane: LaneNormal, Run: op})
	waitClosed(t, started)

	var handles []*Handle
	for _, r := range []struct {
		name string
		lane Lane
	}{
		{"low-1", LaneLow},
		{"normal-1", LaneNormal},
		{"low-2", LaneLow},
		{"emergency", LaneEmergency},
		{"high", LaneHigh},
		{"normal-2", LaneNormal},
	} {
		handles = append(handles, s.Enqueue(context.Background(), Request{Name: r.name, Lane: r.lane, Run: rec.op(r.name)}))
	}
	assert.Equal(t, 6, s.QueueSize())
	assert.Equal(t, 2, s.QueueSize(LaneLow))

	release()
	_, err := waitResult(t, first)
	require.NoError(t, err)
	for _, h := range handles {
		_, err := waitResult(t, h)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"emergency", "high", "normal-1", "normal-2", "low-1", "low-2"}, rec.list())
	assert.Equal(t, StateIdle, s.State())
}

func TestAtMostOneOperationInFlight(t *testing.T) {
	s := newTestScheduler(t, Config{})

	var active, peak atomic.Int32
	op := func(context.Context, uint16) ([]byte, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		active.Add(-1)
		return nil, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Do(context.Background(), Request{Lane: Lanes[i%len(Lanes)], Run: op})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak.Load())
	snap := s.Snapshot()
	assert.Equal(t, uint64(40), snap.Completed)
	assert.Zero(t, snap.PendingCorrelationIDs)
}

func TestCorrelationIDsAreReleased(t *testing.T) {
	ids := correlation.NewAllocator()
	s := newTestScheduler(t, Config{}, WithAllocator(ids))

	var seen []uint16
	for i := 0; i < 3; i++ {
		res, err := s.Do(context.Background(), Request{Run: func(_ context.Context, id uint16) ([]byte, error) {
			assert.True(t, ids.IsPending(int(id)))
			return nil, nil
		}})
		require.NoError(t, err)
		seen = append(seen, res.CorrelationID)
	}
	assert.Equal(t, []uint16{0, 1, 2}, seen)
	assert.Zero(t, ids.PendingCount())
}

func TestTimeoutRejectsAndSchedulerStaysUsable(t *testing.T) {
	var recoveries atomic.Int32
	var got OrphanContext
	s := newTestScheduler(t, Config{}, WithRecovery(RecoveryFunc(func(_ context.Context, oc OrphanContext) error {
		recoveries.Add(1)
		got = oc
		return nil
	})))

	h := s.Enqueue(context.Background(), Request{
		ID:      "slow",
		Lane:    LaneHigh,
		Timeout: 30 * time.Millisecond,
		Run: func(ctx context.Context, _ uint16) ([]byte, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	_, err := waitResult(t, h)
	require.ErrorIs(t, err, ErrTimeout)

	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "slow", se.RequestID)
	assert.Equal(t, int32(1), recoveries.Load())
	assert.Equal(t, OrphanContext{RequestID: "slow", Lane: LaneHigh, Reason: OrphanTimeout, Err: got.Err}, got)
	assert.Equal(t, CodeTimeout, CodeOf(got.Err))

	res, err := s.Do(context.Background(), Request{Run: func(context.Context, uint16) ([]byte, error) {
		return []byte{0x02}, nil
	}})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02}, res.Reply)
	assert.Equal(t, StateIdle, s.State())
}

func TestOperationIgnoringContextIsAbandonedOnTimeout(t *testing.T) {
	s := newTestScheduler(t, Config{DefaultTimeout: 20 * time.Millisecond})

	stuck := make(chan struct{})
	t.Cleanup(func() { close(stuck) })
	_, err := s.Do(context.Background(), Request{Run: func(context.Context, uint16) ([]byte, error) {
		<-stuck
		return nil, nil
	}})
	require.ErrorIs(t, err, ErrTimeout)

	_, err = s.Do(context.Background(), Request{Run: func(context.Context, uint16) ([]byte, error) { return nil, nil }})
	require.NoError(t, err)
}

func TestQueuedRequestCancelled(t *testing.T) {
	var recoveries atomic.Int32
	s := newTestScheduler(t, Config{}, WithRecovery(RecoveryFunc(func(context.Context, OrphanContext) error {
		recoveries.Add(1)
		return nil
	})))

	op, started, release := blocker()
	first := s.Enqueue(context.Background(), Request{Run: op})
	waitClosed(t, started)

	var ran atomic.Bool
	ctx, cancel := context.WithCancel(context.Background())
	h := s.Enqueue(ctx, Request{Lane: LaneLow, Run: func(context.Context, uint16) ([]byte, error) {
		ran.Store(true)
		return nil, nil
	}})
	cancel()

	_, err := waitResult(t, h)
	require.ErrorIs(t, err, ErrCancelled)
	assert.Zero(t, s.QueueSize())

	release()
	_, err = waitResult(t, first)
	require.NoError(t, err)
	assert.False(t, ran.Load())
	assert.Zero(t, recoveries.Load())
}

func TestEnqueueWithCancelledContext(t *testing.T) {
	s := newTestScheduler(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Do(ctx, Request{Run: func(context.Context, uint16) ([]byte, error) { return nil, nil }})
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestInFlightCancelIsOrphanRisk(t *testing.T) {
	reasons := make(chan OrphanReason, 1)
	s := newTestScheduler(t, Config{}, WithRecovery(RecoveryFunc(func(_ context.Context, oc OrphanContext) error {
		reasons <- oc.Reason
		return nil
	})))

	op, started, _ := blocker()
	ctx, cancel := context.WithCancel(context.Background())
	h := s.Enqueue(ctx, Request{Run: op})
	waitClosed(t, started)
	cancel()

	_, err := waitResult(t, h)
	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, OrphanCancelled, <-reasons)
}

func TestOrphanRiskDropsOnlyLowerLanes(t *testing.T) {
	s := newTestScheduler(t, Config{})
	rec := &recorder{}

	trigger := s.Enqueue(context.Background(), Request{
		Lane:    LaneHigh,
		Timeout: 50 * time.Millisecond,
		Run: func(ctx context.Context, _ uint16) ([]byte, error) {
			rec.add("trigger")
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	require.Eventually(t, func() bool { return len(rec.list()) == 1 }, waitFor, time.Millisecond)

	low := s.Enqueue(context.Background(), Request{Lane: LaneLow, Run: rec.op("low")})
	normal := s.Enqueue(context.Background(), Request{Lane: LaneNormal, Run: rec.op("normal")})
	high := s.Enqueue(context.Background(), Request{Lane: LaneHigh, Run: rec.op("high")})
	emergency := s.Enqueue(context.Background(), Request{Lane: LaneEmergency, Run: rec.op("emergency")})

	_, err := waitResult(t, trigger)
	require.ErrorIs(t, err, ErrTimeout)

	for _, h := range []*Handle{low, normal} {
		_, err := waitResult(t, h)
		assert.ErrorIs(t, err, ErrOrphanRisk)
	}
	for _, h := range []*Handle{high, emergency} {
		_, err := waitResult(t, h)
		assert.NoError(t, err)
	}
	assert.Equal(t, []string{"trigger", "emergency", "high"}, rec.list())
	assert.Equal(t, uint64(1), s.Snapshot().OrphanEpisodes)
}

func TestFailedRecoveryDropsEverythingQueued(t *testing.T) {
	s := newTestScheduler(t, Config{}, WithRecovery(RecoveryFunc(func(context.Context, OrphanContext) error {
		return errors.New("brick not responding")
	})))
	rec := &recorder{}

	trigger := s.Enqueue(context.Background(), Request{
		Lane:    LaneNormal,
		Timeout: 50 * time.Millisecond,
		Run: func(ctx context.Context, _ uint16) ([]byte, error) {
			rec.add("trigger")
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	require.Eventually(t, func() bool { return len(rec.list()) == 1 }, waitFor, time.Millisecond)

	queued := []*Handle{
		s.Enqueue(context.Background(), Request{Lane: LaneLow, Run: rec.op("low")}),
		s.Enqueue(context.Background(), Request{Lane: LaneNormal, Run: rec.op("normal")}),
		s.Enqueue(context.Background(), Request{Lane: LaneEmergency, Run: rec.op("emergency")}),
	}

	_, err := waitResult(t, trigger)
	require.ErrorIs(t, err, ErrTimeout)
	for _, h := range queued {
		_, err := waitResult(t, h)
		assert.ErrorIs(t, err, ErrOrphanRisk)
	}

	// Still accepts work afterwards.
	_, err = s.Do(context.Background(), Request{Run: rec.op("after")})
	require.NoError(t, err)
	assert.Equal(t, []string{"trigger", "after"}, rec.list())
	assert.Equal(t, uint64(1), s.Snapshot().RecoveryFailed)
}

func TestRetry(t *testing.T) {
	policy := &RetryPolicy{MaxRetries: 2, InitialBackoff: time.Millisecond, BackoffFactor: 2, MaxBackoff: 5 * time.Millisecond, RetryOn: []Code{CodeExecutionFailed}}

	flaky := func(failures int, err error) (Operation, *atomic.Int32) {
		var calls atomic.Int32
		return func(context.Context, uint16) ([]byte, error) {
			if int(calls.Add(1)) <= failures {
				return nil, err
			}
			return []byte("ok"), nil
		}, &calls
	}

	t.Run("idempotent succeeds on third attempt", func(t *testing.T) {
		s := newTestScheduler(t, Config{})
		op, calls := flaky(2, errors.New("bad reply"))
		res, err := s.Do(context.Background(), Request{Idempotent: true, Retry: policy, Run: op})
		require.NoError(t, err)
		assert.Equal(t, 3, res.Attempts)
		assert.Equal(t, int32(3), calls.Load())
		assert.Equal(t, uint64(2), s.Snapshot().Retried)
	})

	t.Run("non idempotent runs once", func(t *testing.T) {
		s := newTestScheduler(t, Config{})
		op, calls := flaky(2, errors.New("bad reply"))
		_, err := s.Do(context.Background(), Request{Retry: policy, Run: op})
		require.ErrorIs(t, err, ErrExecutionFailed)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		s := newTestScheduler(t, Config{})
		cause := errors.New("bad reply")
		op, calls := flaky(10, cause)
		_, err := s.Do(context.Background(), Request{Idempotent: true, Retry: policy, Run: op})
		require.ErrorIs(t, err, ErrExecutionFailed)
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("code outside retry set", func(t *testing.T) {
		s := newTestScheduler(t, Config{})
		p := *policy
		p.RetryOn = []Code{CodeTimeout}
		op, calls := flaky(2, errors.New("bad reply"))
		_, err := s.Do(context.Background(), Request{Idempotent: true, Retry: &p, Run: op})
		require.ErrorIs(t, err, ErrExecutionFailed)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("no retry marker", func(t *testing.T) {
		s := newTestScheduler(t, Config{})
		op, calls := flaky(2, NoRetry(errors.New("rejected by brick")))
		_, err := s.Do(context.Background(), Request{Idempotent: true, Retry: policy, Run: op})
		require.ErrorIs(t, err, ErrExecutionFailed)
		assert.True(t, IsNoRetry(err))
		assert.Equal(t, int32(1), calls.Load())
	})
}

func TestTimeoutRetriedAfterRecovery(t *testing.T) {
	rec := &recorder{}
	s := newTestScheduler(t, Config{}, WithRecovery(RecoveryFunc(func(context.Context, OrphanContext) error {
		rec.add("recover")
		return nil
	})))

	var calls atomic.Int32
	res, err := s.Do(context.Background(), Request{
		Idempotent: true,
		Timeout:    20 * time.Millisecond,
		Retry:      &RetryPolicy{MaxRetries: 1, RetryOn: []Code{CodeTimeout}},
		Run: func(ctx context.Context, _ uint16) ([]byte, error) {
			if calls.Add(1) == 1 {
				rec.add("attempt-1")
				<-ctx.Done()
				return nil, ctx.Err()
			}
			rec.add("attempt-2")
			return nil, nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, []string{"attempt-1", "recover", "attempt-2"}, rec.list())
}

func TestCounterExhaustedIsNotRetried(t *testing.T) {
	ids := correlation.NewAllocator()
	for i := 0; i < correlation.Space; i++ {
		_, err := ids.Allocate()
		require.NoError(t, err)
	}
	s := newTestScheduler(t, Config{}, WithAllocator(ids))

	var ran atomic.Bool
	_, err := s.Do(context.Background(), Request{
		Idempotent: true,
		Retry:      &RetryPolicy{MaxRetries: 3, RetryOn: []Code{CodeCounterExhausted}},
		Run: func(context.Context, uint16) ([]byte, error) {
			ran.Store(true)
			return nil, nil
		},
	})
	require.ErrorIs(t, err, ErrCounterExhausted)
	assert.ErrorIs(t, err, correlation.ErrExhausted)
	assert.False(t, ran.Load())
	assert.Zero(t, s.Snapshot().Retried)
}

func TestChunkedYieldsToEmergency(t *testing.T) {
	s := newTestScheduler(t, Config{})
	rec := &recorder{}

	firstRound := make(chan struct{})
	release := make(chan struct{})
	round := 0
	chunked := s.Enqueue(context.Background(), Request{
		Name: "upload",
		Lane: LaneNormal,
		Chunk: func(ctx context.Context, _ uint16) (bool, []byte, error) {
			round++
			rec.add("chunk")
			if round == 1 {
				close(firstRound)
				<-release
			}
			return round == 3, []byte("done"), nil
		},
	})
	waitClosed(t, firstRound)

	low := s.Enqueue(context.Background(), Request{Lane: LaneLow, Run: rec.op("low")})
	emergency := s.Enqueue(context.Background(), Request{Lane: LaneEmergency, Run: rec.op("emergency")})
	close(release)

	res, err := waitResult(t, chunked)
	require.NoError(t, err)
	assert.Equal(t, []byte("done"), res.Reply)
	assert.Equal(t, 3, res.Attempts)
	for _, h := range []*Handle{low, emergency} {
		_, err := waitResult(t, h)
		require.NoError(t, err)
	}

	// Only emergency work preempts at a chunk boundary.
	assert.Equal(t, []string{"chunk", "emergency", "chunk", "chunk", "low"}, rec.list())
}

func TestChunkRoundLimit(t *testing.T) {
	s := newTestScheduler(t, Config{MaxChunkRounds: 3})
	_, err := s.Do(context.Background(), Request{Chunk: func(context.Context, uint16) (bool, []byte, error) {
		return false, nil, nil
	}})
	assert.ErrorIs(t, err, ErrExecutionFailed)
}

func TestDispose(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)

	op, started, _ := blocker()
	running := s.Enqueue(context.Background(), Request{Run: op})
	waitClosed(t, started)
	queued := s.Enqueue(context.Background(), Request{Lane: LaneEmergency, Run: op})

	s.Dispose()
	s.Dispose()

	_, err := waitResult(t, running)
	assert.ErrorIs(t, err, ErrDisposed)
	_, err = waitResult(t, queued)
	assert.ErrorIs(t, err, ErrDisposed)

	_, err = s.Do(context.Background(), Request{Run: op})
	assert.ErrorIs(t, err, ErrDisposed)
	assert.Equal(t, StateDisposed, s.State())

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
}

func TestEnqueueValidation(t *testing.T) {
	s := newTestScheduler(t, Config{})
	run := func(context.Context, uint16) ([]byte, error) { return nil, nil }

	for name, req := range map[string]Request{
		"no operation":  {},
		"both variants": {Run: run, Chunk: func(context.Context, uint16) (bool, []byte, error) { return true, nil, nil }},
		"bad lane":      {Lane: Lane(9), Run: run},
		"below low":     {Lane: LaneLow - 1, Run: run},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := s.Do(context.Background(), req)
			assert.ErrorIs(t, err, ErrExecutionFailed)
		})
	}
}

func TestPanicBecomesExecutionFailed(t *testing.T) {
	s := newTestScheduler(t, Config{})
	_, err := s.Do(context.Background(), Request{Run: func(context.Context, uint16) ([]byte, error) {
		panic("boom")
	}})
	assert.ErrorIs(t, err, ErrExecutionFailed)

	_, err = s.Do(context.Background(), Request{Run: func(context.Context, uint16) ([]byte, error) { return nil, nil }})
	assert.NoError(t, err)
}

func TestEventsPublished(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16, EventQueued, EventStarted, EventFinished)
	defer unsub()

	s := New(Config{}, logx.Nop(), bus)
	t.Cleanup(s.Dispose)

	_, err := s.Do(context.Background(), Request{ID: "r1", Name: "probe", Run: func(context.Context, uint16) ([]byte, error) { return nil, nil }})
	require.NoError(t, err)

	var types []string
	for len(types) < 3 {
		select {
		case e := <-ch:
			types = append(types, e.Type)
			ce, ok := e.Data.(CommandEvent)
			require.True(t, ok)
			assert.Equal(t, "r1", ce.ID)
		case <-time.After(waitFor):
			t.Fatalf("missing events, got %v", types)
		}
	}
	assert.Equal(t, []string{EventQueued, EventStarted, EventFinished}, types)
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{InitialBackoff: 50 * time.Millisecond, BackoffFactor: 2, MaxBackoff: time.Second}
	for n, want := range []time.Duration{50, 100, 200, 400, 800, 1000, 1000} {
		assert.Equal(t, want*time.Millisecond, p.delay(n), "retry %d", n)
	}

	odd := RetryPolicy{InitialBackoff: 10 * time.Millisecond, BackoffFactor: 1.5, MaxBackoff: time.Second}
	assert.Equal(t, 22*time.Millisecond, odd.delay(2))
}

func TestRetryPolicyNormalize(t *testing.T) {
	p := RetryPolicy{MaxRetries: -1, InitialBackoff: -time.Second, BackoffFactor: 0.5, MaxBackoff: -1}.normalize()
	assert.Zero(t, p.MaxRetries)
	assert.Zero(t, p.InitialBackoff)
	assert.Equal(t, 1.0, p.BackoffFactor)
	assert.Zero(t, p.MaxBackoff)
}

func TestZeroLaneIsNormal(t *testing.T) {
	s := newTestScheduler(t, Config{})
	rec := &recorder{}

	op, started, release := blocker()
	first := s.Enqueue(context.Background(), Request{Lane: LaneEmergency, Run: op})
	waitClosed(t, started)

	low := s.Enqueue(context.Background(), Request{Lane: LaneLow, Run: rec.op("low")})
	plain := s.Enqueue(context.Background(), Request{Run: rec.op("plain")})
	high := s.Enqueue(context.Background(), Request{Lane: LaneHigh, Run: rec.op("high")})
	assert.Equal(t, 1, s.QueueSize(LaneNormal))
	assert.Equal(t, 1, s.Snapshot().Queued[LaneNormal])
	release()

	for _, h := range []*Handle{first, low, high} {
		_, err := waitResult(t, h)
		require.NoError(t, err)
	}
	res, err := waitResult(t, plain)
	require.NoError(t, err)
	assert.Equal(t, LaneNormal, res.Lane)
	assert.Equal(t, []string{"high", "plain", "low"}, rec.list())

	var zero Lane
	assert.Equal(t, "normal", zero.String())
	parsed, err := ParseLane("")
	require.NoError(t, err)
	assert.Equal(t, zero, parsed)
}

func TestParseLane(t *testing.T) {
	for in, want := range map[string]Lane{"low": LaneLow, "": LaneNormal, "HIGH": LaneHigh, " emergency ": LaneEmergency} {
		got, err := ParseLane(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseLane("urgent")
	assert.Error(t, err)
}
