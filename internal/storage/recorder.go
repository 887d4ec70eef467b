package storage

import (
	"context"
	"time"

	"brickctl/internal/command/scheduler"
	"brickctl/internal/eventbus"
	logx "brickctl/pkg/logx"
)

// Recorder appends settled commands from the bus to a Store.
type Recorder struct {
	store Store
	log   logx.Logger

	ch    <-chan eventbus.Event
	unsub func()
}

// NewRecorder subscribes to the bus right away, so commands settled before
// Run starts are journaled too.
func NewRecorder(store Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	r := &Recorder{store: store, log: log}
	if store != nil && bus != nil {
		r.ch, r.unsub = bus.Subscribe(256, scheduler.EventFinished, scheduler.EventFailed)
	}
	return r
}

// Run consumes command.finished and command.failed until ctx is done, then
// drops the subscription. Events dropped by a full subscriber buffer are not
// journaled.
func (r *Recorder) Run(ctx context.Context) {
	if r == nil || r.ch == nil {
		return
	}
	defer r.unsub()
	ch := r.ch

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			ce, ok := ev.Data.(scheduler.CommandEvent)
			if !ok {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := r.store.Append(wctx, EntryFromEvent(ev.Time, ce))
			cancel()
			if err != nil {
				r.log.Warn("journal append failed", logx.String("request_id", ce.ID), logx.Err(err))
			}
		}
	}
}

// EntryFromEvent converts a command event into a journal entry.
func EntryFromEvent(at time.Time, ce scheduler.CommandEvent) Entry {
	outcome := ce.Code
	if outcome == "" {
		outcome = "ok"
	}
	return Entry{
		At:            at,
		RequestID:     ce.ID,
		Name:          ce.Name,
		Lane:          ce.Lane,
		CorrelationID: int(ce.CorrelationID),
		Attempts:      ce.Attempts,
		Outcome:       outcome,
		Error:         ce.Error,
		QueueMS:       ce.QueueDelay.Milliseconds(),
		TookMS:        ce.Duration.Milliseconds(),
	}
}
