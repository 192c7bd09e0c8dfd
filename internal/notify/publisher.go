package notify

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"recurd/internal/eventbus"
	"recurd/internal/task"
	logx "recurd/pkg/logx"
)

// Transport delivers one event to the outside world. Implementations may
// block or fail; the publisher bounds and absorbs both.
type Transport interface {
	Publish(ctx context.Context, e eventbus.Event) error
}

// BusTransport adapts the in-process bus. Its Publish never blocks and
// never fails; real broker adapters plug in the same way.
type BusTransport struct {
	Bus eventbus.Bus
}

func (t BusTransport) Publish(ctx context.Context, e eventbus.Event) error {
	_ = ctx
	t.Bus.Publish(e)
	return nil
}

// Config controls the publish side channel.
type Config struct {
	// Timeout bounds a single publish attempt. Zero means a default.
	Timeout time.Duration
	// RatePerSec caps outgoing events. Zero disables the limiter.
	RatePerSec int
}

// Publisher wraps the transport with the engine's side-channel contract:
// one bounded-timeout attempt per event, failures logged and counted but
// never surfaced as errors. A committed state change upstream must stay
// committed no matter what happens in here.
type Publisher struct {
	tr      Transport
	log     logx.Logger
	limiter *rate.Limiter
	timeout time.Duration

	published atomic.Uint64
	failed    atomic.Uint64
}

func NewPublisher(cfg Config, tr Transport, log logx.Logger) *Publisher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	p := &Publisher{tr: tr, log: log, timeout: cfg.Timeout}
	if cfg.RatePerSec > 0 {
		// Token bucket: burst = rate per sec, so short spikes don't block too hard.
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	return p
}

// Publish attempts one delivery and reports whether it went out. The
// returned flag is informational; callers must not branch state changes
// on it.
func (p *Publisher) Publish(ctx context.Context, topic string, payload task.EventPayload) bool {
	pctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if p.limiter != nil {
		if err := p.limiter.Wait(pctx); err != nil {
			p.fail(topic, payload.TaskID, err)
			return false
		}
	}

	err := p.attempt(pctx, eventbus.Event{Topic: topic, Time: time.Now(), Payload: payload})
	if err != nil {
		p.fail(topic, payload.TaskID, err)
		return false
	}
	p.published.Add(1)
	p.log.Debug("event published",
		logx.String("topic", topic), logx.String("task", payload.TaskID))
	return true
}

// attempt isolates the transport call so a panicking adapter cannot unwind
// through the caller's committed transition.
func (p *Publisher) attempt(ctx context.Context, e eventbus.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transport panic: %v", r)
		}
	}()
	return p.tr.Publish(ctx, e)
}

func (p *Publisher) fail(topic, taskID string, err error) {
	p.failed.Add(1)
	p.log.Warn("event publish failed",
		logx.String("topic", topic), logx.String("task", taskID), logx.Err(err))
}

// Counters returns (published, failed). Best-effort metrics for status logs.
func (p *Publisher) Counters() (uint64, uint64) {
	return p.published.Load(), p.failed.Load()
}
