package scheduler

import (
	"context"
	"errors"
	"time"
)

type cancelReason int

const (
	reasonNone cancelReason = iota
	reasonExternal
	reasonTimeout
	reasonDisposed
)

var (
	causeExternal = errors.New("cancelled by caller")
	causeTimeout  = errors.New("attempt deadline exceeded")
	causeDisposed = errors.New("scheduler disposed")
	causeFinished = errors.New("attempt finished")
)

// attemptSignal is the combined cancellation of one attempt. The caller's
// context, the attempt timer and scheduler disposal all feed it; the first
// trigger wins and is remembered as the reason.
type attemptSignal struct {
	ctx    context.Context
	cancel context.CancelCauseFunc

	timer   *time.Timer
	stopExt func() bool
}

// newAttemptSignal derives from base, which the scheduler cancels with
// causeDisposed on Dispose.
func newAttemptSignal(base, ext context.Context, timeout time.Duration) *attemptSignal {
	ctx, cancel := context.WithCancelCause(base)
	a := &attemptSignal{ctx: ctx, cancel: cancel}
	if timeout > 0 {
		a.timer = time.AfterFunc(timeout, func() { a.Cancel(reasonTimeout) })
	}
	if ext != nil {
		a.stopExt = context.AfterFunc(ext, func() { a.Cancel(reasonExternal) })
	}
	return a
}

func (a *attemptSignal) Context() context.Context { return a.ctx }

func (a *attemptSignal) Cancel(r cancelReason) {
	switch r {
	case reasonExternal:
		a.cancel(causeExternal)
	case reasonTimeout:
		a.cancel(causeTimeout)
	case reasonDisposed:
		a.cancel(causeDisposed)
	}
}

func (a *attemptSignal) Cancelled() bool { return a.ctx.Err() != nil }

func (a *attemptSignal) Reason() cancelReason {
	if a.ctx.Err() == nil {
		return reasonNone
	}
	switch context.Cause(a.ctx) {
	case causeTimeout:
		return reasonTimeout
	case causeDisposed:
		return reasonDisposed
	case causeFinished:
		return reasonNone
	default:
		return reasonExternal
	}
}

// stop releases the timer and watchers. Call it after the outcome has been
// classified.
func (a *attemptSignal) stop() {
	if a.timer != nil {
		a.timer.Stop()
	}
	if a.stopExt != nil {
		a.stopExt()
	}
	a.cancel(causeFinished)
}
