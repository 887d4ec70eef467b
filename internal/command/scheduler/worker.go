package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "brickctl/pkg/logx"
)

// call is one attempt of either a single-shot request or a chunk round.
type call func(ctx context.Context, correlationID uint16) (reply []byte, done bool, err error)

// attemptOutcome is the classified result of one invocation.
type attemptOutcome struct {
	reply  []byte
	done   bool
	corrID uint16
	err    *Error
	orphan OrphanReason
}

func (s *Scheduler) run(t *ticket) {
	if t.startedAt.IsZero() {
		t.startedAt = time.Now()
		queueDelay := t.startedAt.Sub(t.enqueuedAt)
		s.log.Debug("command.started", logx.String("id", t.req.ID), logx.String("name", t.req.Name), logx.String("lane", t.req.Lane.String()), logx.Duration("queue_delay", queueDelay))
		s.publish(EventStarted, s.commandEvent(t, 0, nil))
	}

	var (
		out     attemptOutcome
		yielded bool
	)
	if t.req.Chunk != nil {
		out, yielded = s.runChunked(t)
	} else {
		out = s.attemptWithRetry(t, func(ctx context.Context, id uint16) ([]byte, bool, error) {
			reply, err := t.req.Run(ctx, id)
			return reply, true, err
		})
	}

	s.mu.Lock()
	s.inflight = nil
	if s.state == StateRunning {
		s.state = StateIdle
	}
	s.mu.Unlock()

	if yielded {
		return
	}
	if out.err != nil {
		s.reject(t, out.err)
		return
	}
	s.resolve(t, out)
}

// runChunked drives chunk rounds until done. It reports yielded=true when the
// ticket went back to the front of its lane to let emergency work through.
func (s *Scheduler) runChunked(t *ticket) (attemptOutcome, bool) {
	for {
		s.mu.Lock()
		limit := s.cfg.MaxChunkRounds
		s.mu.Unlock()
		if t.rounds >= limit {
			return attemptOutcome{err: newError(CodeExecutionFailed, t.req.ID, fmt.Sprintf("chunked request exceeded %d rounds", limit), nil)}, false
		}

		out := s.attemptWithRetry(t, func(ctx context.Context, id uint16) ([]byte, bool, error) {
			done, reply, err := t.req.Chunk(ctx, id)
			return reply, done, err
		})
		if out.err != nil || out.done {
			return out, false
		}
		t.rounds++

		s.mu.Lock()
		if s.state == StateDisposed {
			s.mu.Unlock()
			return attemptOutcome{err: newError(CodeDisposed, t.req.ID, "scheduler disposed between chunks", nil)}, false
		}
		if t.req.Lane != LaneEmergency && s.queue(LaneEmergency).Len() > 0 {
			t.elem = s.queue(t.req.Lane).PushFront(t)
			s.watchQueuedLocked(t)
			s.mu.Unlock()

			s.log.Debug("command.yield", logx.String("id", t.req.ID), logx.String("lane", t.req.Lane.String()), logx.Int("rounds", t.rounds))
			s.publish(EventYield, s.commandEvent(t, out.corrID, nil))
			return out, true
		}
		s.mu.Unlock()
	}
}

// attemptWithRetry invokes c until it succeeds or the retry policy gives up.
// Orphan-risk recovery completes before retry eligibility is decided.
func (s *Scheduler) attemptWithRetry(t *ticket, c call) attemptOutcome {
	for n := 0; ; n++ {
		out := s.invoke(t, c)
		if out.err == nil {
			return out
		}
		if out.orphan != "" {
			s.enterOrphanRisk(t, out.orphan, out.err)
		}
		if !s.shouldRetry(t, n, out.err) {
			return out
		}

		delay := t.policy.delay(n)
		s.retried.Add(1)
		s.log.Debug("command retry scheduled", logx.String("id", t.req.ID), logx.Int("attempt", t.attempts+1), logx.Duration("delay", delay), logx.Err(out.err))
		s.publish(EventRetry, s.commandEvent(t, out.corrID, out.err))

		if err := s.sleep(t, delay); err != nil {
			return attemptOutcome{err: err}
		}
	}
}

func (s *Scheduler) shouldRetry(t *ticket, n int, err *Error) bool {
	if !t.req.Idempotent || n >= t.policy.MaxRetries || s.isDisposed() {
		return false
	}
	if err.Code == CodeCounterExhausted || IsNoRetry(err.Cause) {
		return false
	}
	return t.policy.allows(err.Code)
}

// sleep waits out a backoff delay unless the request or scheduler goes away.
func (s *Scheduler) sleep(t *ticket, d time.Duration) *Error {
	if d <= 0 {
		return nil
	}
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-tmr.C:
		return nil
	case <-s.done:
		return newError(CodeDisposed, t.req.ID, "scheduler disposed during retry backoff", nil)
	case <-t.ext.Done():
		return newError(CodeCancelled, t.req.ID, "cancelled during retry backoff", context.Cause(t.ext))
	}
}

// invoke runs a single attempt: reserve a correlation id, arm the attempt
// signal, run c, classify the outcome, release the id.
func (s *Scheduler) invoke(t *ticket, c call) attemptOutcome {
	id, err := s.ids.Allocate()
	if err != nil {
		return attemptOutcome{err: newError(CodeCounterExhausted, t.req.ID, "no correlation id available", err)}
	}
	defer s.ids.Release(int(id))

	// Nothing has been sent yet, so a request cancelled at this point is not
	// an orphan risk.
	if t.ext.Err() != nil {
		return attemptOutcome{corrID: id, err: newError(CodeCancelled, t.req.ID, "cancelled before attempt", context.Cause(t.ext))}
	}

	t.attempts++
	sig := newAttemptSignal(s.base, t.ext, t.timeout)
	defer sig.stop()

	type result struct {
		reply []byte
		done  bool
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		var r result
		defer func() {
			if p := recover(); p != nil {
				s.log.Error("command.panic", logx.String("id", t.req.ID), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
				r = result{err: fmt.Errorf("panic: %v", p)}
			}
			ch <- r
		}()
		r.reply, r.done, r.err = c(sig.Context(), id)
	}()

	var (
		r   result
		got bool
	)
	select {
	case r = <-ch:
		got = true
	case <-sig.Context().Done():
		// An operation that ignores ctx is abandoned here; its result is dropped.
	}

	out := attemptOutcome{corrID: id}
	if got && r.err == nil {
		out.reply, out.done = r.reply, r.done
		return out
	}
	switch sig.Reason() {
	case reasonNone:
		out.err = newError(CodeExecutionFailed, t.req.ID, "operation failed", r.err)
	case reasonTimeout:
		out.err = newError(CodeTimeout, t.req.ID, fmt.Sprintf("attempt exceeded %s", t.timeout), r.err)
		out.orphan = OrphanTimeout
	case reasonDisposed:
		out.err = newError(CodeDisposed, t.req.ID, "scheduler disposed during execution", nil)
	case reasonExternal:
		out.err = newError(CodeCancelled, t.req.ID, "cancelled during execution", context.Cause(t.ext))
		out.orphan = OrphanCancelled
	}
	return out
}

func (s *Scheduler) resolve(t *ticket, out attemptOutcome) {
	finished := time.Now()
	res := Result{
		RequestID:     t.req.ID,
		Lane:          t.req.Lane,
		CorrelationID: out.corrID,
		Reply:         out.reply,
		Attempts:      t.attempts,
		EnqueuedAt:    t.enqueuedAt,
		StartedAt:     t.startedAt,
		FinishedAt:    finished,
	}
	if !t.handle.settle(res, nil) {
		return
	}
	s.completed.Add(1)

	dur := finished.Sub(t.startedAt)
	fields := []logx.Field{logx.String("id", t.req.ID), logx.String("name", t.req.Name), logx.String("lane", t.req.Lane.String()), logx.Duration("dur", dur), logx.Int("attempts", t.attempts)}
	if dur >= 750*time.Millisecond {
		s.log.Info("command.finished", fields...)
	} else {
		s.log.Debug("command.finished", fields...)
	}
	s.publish(EventFinished, s.commandEvent(t, out.corrID, nil))
	s.record(t, finished, nil)
}

func (s *Scheduler) reject(t *ticket, err *Error) {
	if !t.handle.settle(Result{}, err) {
		return
	}
	s.failed.Add(1)
	finished := time.Now()

	switch err.Code {
	case CodeOrphanRisk:
		s.dropWarn.Do(func() {
			s.log.Warn("command dropped: orphan risk", logx.String("id", t.req.ID), logx.String("lane", t.req.Lane.String()))
		})
	case CodeCancelled, CodeDisposed:
		s.log.Debug("command.failed", logx.String("id", t.req.ID), logx.String("code", string(err.Code)))
	default:
		s.log.Warn("command.failed", logx.String("id", t.req.ID), logx.String("name", t.req.Name), logx.String("lane", t.req.Lane.String()), logx.String("code", string(err.Code)), logx.Int("attempts", t.attempts), logx.Err(err.Cause))
	}
	s.publish(EventFailed, s.commandEvent(t, 0, err))
	s.record(t, finished, err)
}

func (s *Scheduler) record(t *ticket, finished time.Time, err *Error) {
	item := HistoryItem{
		ID:       t.req.ID,
		Name:     t.req.Name,
		Lane:     t.req.Lane,
		Enqueued: t.enqueuedAt,
		Attempts: t.attempts,
	}
	if !t.startedAt.IsZero() {
		item.QueueDelay = t.startedAt.Sub(t.enqueuedAt)
		item.Duration = finished.Sub(t.startedAt)
	}
	if err != nil {
		item.Code = err.Code
		item.Error = err.Error()
	}

	s.mu.Lock()
	historySize := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}

func (s *Scheduler) commandEvent(t *ticket, corrID uint16, err *Error) CommandEvent {
	ev := CommandEvent{
		ID:            t.req.ID,
		Name:          t.req.Name,
		Lane:          t.req.Lane.String(),
		CorrelationID: corrID,
		Attempts:      t.attempts,
	}
	if !t.startedAt.IsZero() {
		ev.QueueDelay = t.startedAt.Sub(t.enqueuedAt)
		ev.Duration = time.Since(t.startedAt)
	}
	if err != nil {
		ev.Code = string(err.Code)
		ev.Error = err.Error()
	}
	return ev
}
