// Package app wires the engine together: config, logging, storage, event
// bus, publisher, sweep coordinator, and the optional Telegram sink.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"recurd/internal/config"
	"recurd/internal/eventbus"
	"recurd/internal/notify"
	"recurd/internal/notify/telegram"
	"recurd/internal/runtime/supervisor"
	"recurd/internal/storage"
	"recurd/internal/sweep"
	"recurd/internal/task"
	logx "recurd/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	pub   *notify.Publisher
	sink  *telegram.Sink

	mu      sync.Mutex
	coord   *sweep.Coordinator
	cron    *cron.Cron
	applied *config.Config
	// ticking guards against overlapping ticks from a slow sweep; a
	// skipped tick is safe since the next one covers the same candidates.
	ticking sync.Mutex

	interval time.Duration
	timezone string
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg.Logging))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	scfg, err := mapStorage(cfg.Storage)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(scfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", scfg.Driver))

	bus := eventbus.New()

	pcfg, err := mapEvents(cfg.Events)
	if err != nil {
		store.Close()
		return nil, err
	}
	pub := notify.NewPublisher(pcfg, notify.BusTransport{Bus: bus}, log.With(logx.String("comp", "publish")))

	swCfg, interval, err := mapSweep(cfg.Sweep)
	if err != nil {
		store.Close()
		return nil, err
	}
	coord := sweep.NewCoordinator(swCfg, store, pub, log.With(logx.String("comp", "sweep")))

	var sink *telegram.Sink
	if cfg.Telegram != nil {
		buffer := cfg.Events.SubscriberBuffer
		sink, err = telegram.NewSink(telegram.Config{
			Token:  cfg.Telegram.Token,
			ChatID: cfg.Telegram.ChatID,
			Topics: cfg.Telegram.Topics,
			Buffer: buffer,
		}, bus, log.With(logx.String("comp", "telegram")))
		if err != nil {
			store.Close()
			return nil, err
		}
	}

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		pub:      pub,
		coord:    coord,
		sink:     sink,
		applied:  cfg,
		interval: interval,
		timezone: cfg.Sweep.Timezone,
	}, nil
}

// Done is closed when the run context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	if err := a.startCron(a.interval, a.timezone); err != nil {
		return err
	}

	if a.sink != nil {
		a.sup.Go0("telegram.sink", a.sink.Run)
	}

	// Completion-triggered spawning rides the bus: an outer layer publishes
	// task.completed, the coordinator decides whether a successor is due.
	a.sup.Go0("completion.trigger", a.completionLoop)

	// Debug tap on the bus so operators can trace event flow without
	// standing up a real subscriber.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("topic", e.Topic), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: only the latest config matters.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(newCfg)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Duration("interval", a.interval))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	a.mu.Lock()
	c := a.cron
	a.cron = nil
	a.mu.Unlock()
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			a.log.Warn("cron stop timed out")
		}
	}

	err := a.sup.Wait(ctx)
	if cerr := a.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	published, failed := a.pub.Counters()
	a.log.Info("stopped", logx.Int64("published", int64(published)), logx.Int64("failed", int64(failed)))
	_ = a.logs.Close()
	return err
}

func (a *App) startCron(interval time.Duration, timezone string) error {
	loc := time.Local
	if tz := strings.TrimSpace(timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("sweep.timezone: invalid %q: %w", tz, err)
		}
		loc = l
	}

	c := cron.New(cron.WithLocation(loc))
	spec := fmt.Sprintf("@every %s", interval)
	if _, err := c.AddFunc(spec, a.tick); err != nil {
		return err
	}
	c.Start()

	a.mu.Lock()
	old := a.cron
	a.cron = c
	a.interval = interval
	a.timezone = timezone
	a.mu.Unlock()
	if old != nil {
		<-old.Stop().Done()
	}
	return nil
}

func (a *App) tick() {
	if !a.ticking.TryLock() {
		a.log.Debug("tick skipped: previous sweep still running")
		return
	}
	defer a.ticking.Unlock()

	sup := a.sup
	if sup == nil {
		return
	}
	a.mu.Lock()
	coord := a.coord
	a.mu.Unlock()

	rep := coord.Tick(sup.Context())
	if rep.Spawned > 0 || rep.Reminded > 0 || rep.Errors > 0 {
		a.log.Info("sweep tick",
			logx.Int("candidates", rep.Candidates),
			logx.Int("spawned", rep.Spawned),
			logx.Int("races_lost", rep.RacesLost),
			logx.Int("limit_hits", rep.LimitHits),
			logx.Int("reminded", rep.Reminded),
			logx.Int("errors", rep.Errors),
			logx.Duration("took", rep.Took))
	} else {
		a.log.Debug("sweep tick idle",
			logx.Int("candidates", rep.Candidates),
			logx.Duration("took", rep.Took))
	}
}

func (a *App) completionLoop(ctx context.Context) {
	ch, unsub := a.bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.Topic != task.TopicCompleted {
				continue
			}
			payload, ok := e.Payload.(task.EventPayload)
			if !ok || payload.TaskID == "" {
				continue
			}
			a.mu.Lock()
			coord := a.coord
			a.mu.Unlock()

			t, found, err := a.store.GetTask(ctx, payload.TaskID)
			if err != nil || !found {
				if err != nil {
					a.log.Warn("completion lookup failed", logx.String("task", payload.TaskID), logx.Err(err))
				}
				continue
			}
			if _, err := coord.HandleCompletion(ctx, t); err != nil {
				a.log.Warn("completion trigger failed", logx.String("task", payload.TaskID), logx.Err(err))
			}
		}
	}
}

func (a *App) applyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logs.Apply(mapLogging(cfg.Logging))

	swCfg, interval, err := mapSweep(cfg.Sweep)
	if err != nil {
		a.log.Warn("invalid sweep config; keeping previous", logx.Err(err))
	} else {
		a.mu.Lock()
		a.coord = sweep.NewCoordinator(swCfg, a.store, a.pub, a.log.With(logx.String("comp", "sweep")))
		restart := interval != a.interval || cfg.Sweep.Timezone != a.timezone
		a.mu.Unlock()
		if restart {
			if err := a.startCron(interval, cfg.Sweep.Timezone); err != nil {
				a.log.Warn("sweep interval change failed; keeping previous", logx.Err(err))
			} else {
				a.log.Info("sweep rescheduled", logx.Duration("interval", interval))
			}
		}
	}

	a.mu.Lock()
	prev := a.applied
	a.applied = cfg
	a.mu.Unlock()
	if prev != nil {
		// Storage and telegram bind at startup; tell the operator
		// instead of half-applying.
		if prev.Storage != cfg.Storage {
			a.log.Warn("storage config changed; restart required")
		}
		if !telegramEqual(prev.Telegram, cfg.Telegram) {
			a.log.Warn("telegram config changed; restart required")
		}
	}

	a.log.Info("config reloaded")
}

func telegramEqual(a, b *config.TelegramConfig) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	if a.Token != b.Token || a.ChatID != b.ChatID || len(a.Topics) != len(b.Topics) {
		return false
	}
	for i := range a.Topics {
		if a.Topics[i] != b.Topics[i] {
			return false
		}
	}
	return true
}
