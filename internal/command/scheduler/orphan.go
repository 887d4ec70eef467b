package scheduler

import (
	"context"
	"fmt"

	logx "brickctl/pkg/logx"
)

const recoveryKey = "orphan-recovery"

// enterOrphanRisk handles an attempt whose effect on the brick is unknown.
// Lower lanes are dropped at once; dispatch stays paused until recovery
// returns. A failed recovery drops everything still queued. Either way the
// scheduler goes back to accepting work.
func (s *Scheduler) enterOrphanRisk(t *ticket, reason OrphanReason, cause *Error) {
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return
	}
	lane := t.req.Lane
	dropped := s.drainLocked(func(l Lane) bool { return l < lane })
	s.state = StateOrphanRisk
	s.mu.Unlock()

	s.orphanEpisodes.Add(1)
	s.log.Warn("scheduler.orphan_risk",
		logx.String("id", t.req.ID),
		logx.String("lane", lane.String()),
		logx.String("reason", string(reason)),
		logx.Int("dropped", len(dropped)),
	)
	for _, d := range dropped {
		s.reject(d, newError(CodeOrphanRisk, d.req.ID, fmt.Sprintf("dropped: %s request %s has unknown outcome", lane, t.req.ID), nil))
	}
	s.publish(EventOrphanRisk, OrphanEvent{RequestID: t.req.ID, Lane: lane.String(), Reason: string(reason), Dropped: len(dropped)})

	oc := OrphanContext{RequestID: t.req.ID, Lane: lane, Reason: reason, Err: cause}
	_, err, _ := s.recoveries.Do(recoveryKey, func() (any, error) {
		return nil, s.runRecovery(oc)
	})

	s.mu.Lock()
	var swept []*ticket
	if err != nil && s.state != StateDisposed {
		swept = s.drainLocked(func(Lane) bool { return true })
	}
	if s.state == StateOrphanRisk {
		// The triggering ticket is still in flight until its retry handling ends.
		s.state = StateRunning
	}
	s.mu.Unlock()

	if err != nil {
		s.recoveryFailed.Add(1)
		s.log.Error("orphan recovery failed", logx.String("id", t.req.ID), logx.Err(err), logx.Int("dropped", len(swept)))
		for _, d := range swept {
			s.reject(d, newError(CodeOrphanRisk, d.req.ID, "dropped: orphan recovery failed", err))
		}
		s.publish(EventRecoveryFailed, OrphanEvent{RequestID: t.req.ID, Lane: lane.String(), Reason: string(reason), Dropped: len(swept), Error: err.Error()})
		return
	}
	s.log.Info("orphan recovery succeeded", logx.String("id", t.req.ID))
	s.publish(EventRecovered, OrphanEvent{RequestID: t.req.ID, Lane: lane.String(), Reason: string(reason)})
}

func (s *Scheduler) runRecovery(oc OrphanContext) (err error) {
	s.mu.Lock()
	timeout := s.cfg.RecoveryTimeout
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.base, timeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("recovery panic: %v", p)
		}
	}()
	return s.recovery.Recover(ctx, oc)
}
