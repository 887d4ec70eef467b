// Package recovery holds orphan-risk recovery strategies for the command
// scheduler.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"brickctl/internal/command/scheduler"
	"brickctl/internal/protocol/bytecode"
	"brickctl/internal/protocol/packet"
	"brickctl/internal/transport"
	logx "brickctl/pkg/logx"
)

type Config struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// ProbeTimeout bounds the probe sent after reopening; 0 skips probing.
	ProbeTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 200 * time.Millisecond
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = 2 * time.Second
		if c.MaxDelay < c.BaseDelay {
			c.MaxDelay = c.BaseDelay
		}
	}
	return c
}

// Reconnect drops the connection and reopens it, so whatever the brick was
// still sending for the abandoned request is discarded with the old stream.
// When ProbeTimeout is set, a probe must round-trip before the link counts
// as recovered.
type Reconnect struct {
	tr  transport.Transport
	cfg Config
	log logx.Logger
}

var _ scheduler.Recovery = (*Reconnect)(nil)

func NewReconnect(tr transport.Transport, cfg Config, log logx.Logger) *Reconnect {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reconnect{tr: tr, cfg: cfg.withDefaults(), log: log.With(logx.String("comp", "recovery"))}
}

func (r *Reconnect) Recover(ctx context.Context, oc scheduler.OrphanContext) error {
	r.log.Warn("recovering link",
		logx.String("request_id", oc.RequestID),
		logx.String("lane", oc.Lane.String()),
		logx.String("reason", string(oc.Reason)),
	)

	var lastErr error
	delay := r.cfg.BaseDelay
	for attempt := 1; attempt <= r.cfg.Attempts; attempt++ {
		if err := r.tr.Close(); err != nil {
			r.log.Debug("close before reconnect failed", logx.Err(err))
		}
		err := r.tr.Open(ctx)
		if err == nil {
			err = r.probe(ctx)
		}
		if err == nil {
			r.log.Info("link recovered", logx.Int("attempt", attempt))
			return nil
		}
		lastErr = err
		r.log.Warn("reconnect attempt failed", logx.Int("attempt", attempt), logx.Err(err))

		if attempt == r.cfg.Attempts {
			break
		}
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return errors.Join(ctx.Err(), lastErr)
		case <-tmr.C:
		}
		delay *= 2
		if delay > r.cfg.MaxDelay {
			delay = r.cfg.MaxDelay
		}
	}
	return fmt.Errorf("reconnect failed after %d attempts: %w", r.cfg.Attempts, lastErr)
}

// probe bypasses the scheduler, which is paused while recovery runs. The
// reserved id 0xFFFF keeps it apart from scheduler traffic on the fresh
// stream.
func (r *Reconnect) probe(ctx context.Context) error {
	if r.cfg.ProbeTimeout <= 0 {
		return nil
	}
	const probeID = 0xFFFF
	reply, err := r.tr.Send(ctx, packet.Encode(probeID, int(packet.DirectCommandReply), bytecode.Probe()), transport.SendOptions{
		Timeout:               r.cfg.ProbeTimeout,
		ExpectedCorrelationID: probeID,
	})
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	f, err := packet.Decode(reply)
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	if f.IsError() {
		return fmt.Errorf("probe: brick answered %s", packet.TypeString(f.Type))
	}
	return nil
}
