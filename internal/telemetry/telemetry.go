package telemetry

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"brickctl/internal/command/client"
	"brickctl/internal/command/scheduler"
	"brickctl/internal/eventbus"
	"brickctl/internal/protocol/bytecode"
	"brickctl/internal/protocol/packet"
	logx "brickctl/pkg/logx"
)

// EventBattery is published with a Reading after every successful poll.
const EventBattery = "telemetry.battery"

var ErrErrorReply = errors.New("brick answered with an error reply")

type Config struct {
	Enabled bool
	// Schedule is a cron spec; seconds are optional ("@every 30s", "*/10 * * * * *").
	Schedule string
	// Timeout bounds each read; 0 uses the scheduler default.
	Timeout time.Duration
}

// Reading is one battery sample.
type Reading struct {
	At      time.Time `json:"at"`
	Voltage float64   `json:"voltage"`
	Level   int       `json:"level"`
}

// Sender is the part of the command client the poller needs.
type Sender interface {
	Send(ctx context.Context, req client.Request) (*client.Result, error)
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates a telemetry schedule.
func ParseSchedule(spec string) (cron.Schedule, error) {
	s := strings.TrimSpace(spec)
	if s == "" {
		return nil, errors.New("schedule required")
	}
	return parser.Parse(s)
}

type Poller struct {
	sender Sender
	bus    eventbus.Bus
	log    logx.Logger

	mu  sync.Mutex
	cfg Config
	c   *cron.Cron
	ctx context.Context

	running atomic.Bool
	polls   atomic.Uint64
	skipped atomic.Uint64
	failed  atomic.Uint64

	lmu  sync.RWMutex
	last Reading
}

func New(cfg Config, sender Sender, bus eventbus.Bus, log logx.Logger) *Poller {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Poller{cfg: cfg, sender: sender, bus: bus, log: log}
}

// Enabled reports the current config flag.
func (p *Poller) Enabled() bool {
	p.mu.Lock()
	en := p.cfg.Enabled
	p.mu.Unlock()
	return en
}

// Start begins triggering polls. Jobs run under ctx; cancel it or call Stop to
// end them. When disabled, a later Apply that enables polling starts it.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.c != nil {
		return nil
	}
	p.ctx = ctx
	if !p.cfg.Enabled {
		return nil
	}
	return p.startLocked()
}

func (p *Poller) startLocked() error {
	sched, err := ParseSchedule(p.cfg.Schedule)
	if err != nil {
		return fmt.Errorf("telemetry schedule %q: %w", p.cfg.Schedule, err)
	}
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cronLogger{p.log})))
	c.Schedule(sched, cron.FuncJob(p.tick))
	c.Start()
	p.c = c
	p.log.Info("telemetry started", logx.String("schedule", p.cfg.Schedule))
	return nil
}

// Apply swaps the config, restarting the cron when the schedule or the
// enabled flag changed.
func (p *Poller) Apply(cfg Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev := p.cfg
	p.cfg = cfg
	if p.ctx == nil {
		return nil
	}
	if prev.Enabled == cfg.Enabled && strings.TrimSpace(prev.Schedule) == strings.TrimSpace(cfg.Schedule) {
		return nil
	}
	if p.c != nil {
		<-p.c.Stop().Done()
		p.c = nil
	}
	if !cfg.Enabled {
		p.log.Info("telemetry disabled")
		return nil
	}
	return p.startLocked()
}

// Stop stops triggering and waits for a running poll, bounded by ctx.
func (p *Poller) Stop(ctx context.Context) {
	p.mu.Lock()
	c := p.c
	p.c = nil
	p.ctx = nil
	p.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	p.log.Info("telemetry stopped", logx.Uint64("polls", p.polls.Load()), logx.Uint64("skipped", p.skipped.Load()))
}

func (p *Poller) tick() {
	p.mu.Lock()
	ctx := p.ctx
	p.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if !p.running.CompareAndSwap(false, true) {
		p.skipped.Add(1)
		p.log.Debug("telemetry poll skipped: previous still running")
		return
	}
	defer p.running.Store(false)

	if _, err := p.Poll(ctx); err != nil && ctx.Err() == nil {
		p.log.Warn("telemetry poll failed", logx.Err(err))
	}
}

// Poll reads voltage and level once.
func (p *Poller) Poll(ctx context.Context) (Reading, error) {
	p.polls.Add(1)

	vr, err := p.read(ctx, "telemetry.vbatt", bytecode.ReadBatteryVoltage())
	if err != nil {
		p.failed.Add(1)
		return Reading{}, err
	}
	if len(vr) < 4 {
		p.failed.Add(1)
		return Reading{}, fmt.Errorf("voltage reply: %d bytes", len(vr))
	}
	lr, err := p.read(ctx, "telemetry.lbatt", bytecode.ReadBatteryLevel())
	if err != nil {
		p.failed.Add(1)
		return Reading{}, err
	}
	if len(lr) < 1 {
		p.failed.Add(1)
		return Reading{}, errors.New("level reply: empty")
	}

	r := Reading{
		At:      time.Now(),
		Voltage: float64(math.Float32frombits(binary.LittleEndian.Uint32(vr))),
		Level:   int(lr[0]),
	}
	p.lmu.Lock()
	p.last = r
	p.lmu.Unlock()

	p.log.Debug("battery", logx.Float64("voltage", r.Voltage), logx.Int("level", r.Level))
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: EventBattery, Time: r.At, Data: r})
	}
	return r, nil
}

func (p *Poller) read(ctx context.Context, name string, cmd []byte) ([]byte, error) {
	p.mu.Lock()
	timeout := p.cfg.Timeout
	p.mu.Unlock()

	res, err := p.sender.Send(ctx, client.Request{
		Name:       name,
		Lane:       scheduler.LaneLow,
		Type:       packet.DirectCommandReply,
		Payload:    cmd,
		Timeout:    timeout,
		Idempotent: true,
	})
	if err != nil {
		return nil, err
	}
	if res.Reply.IsError() {
		return nil, fmt.Errorf("%s: %w", name, ErrErrorReply)
	}
	return res.Reply.Payload, nil
}

// Last returns the most recent reading, if any.
func (p *Poller) Last() (Reading, bool) {
	p.lmu.RLock()
	defer p.lmu.RUnlock()
	return p.last, !p.last.At.IsZero()
}

// Stats returns poll counters.
func (p *Poller) Stats() (polls, skipped, failed uint64) {
	return p.polls.Load(), p.skipped.Load(), p.failed.Load()
}

// cronLogger routes cron's panic reports into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
