package app

import (
	"strings"
	"time"

	"recurd/internal/config"
	"recurd/internal/notify"
	"recurd/internal/storage"
	"recurd/internal/sweep"
	logx "recurd/pkg/logx"
)

func mapLogging(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
	}
}

func mapStorage(c config.StorageConfig) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", c.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(c.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	return storage.Config{
		Driver:      driver,
		Path:        c.Path,
		BusyTimeout: busy,
	}, nil
}

func mapEvents(c config.EventsConfig) (notify.Config, error) {
	timeout, err := config.ParseDurationOrDefault("events.publish_timeout", c.PublishTimeout, 5*time.Second)
	if err != nil {
		return notify.Config{}, err
	}
	return notify.Config{
		Timeout:    timeout,
		RatePerSec: c.RatePerSec,
	}, nil
}

// mapSweep returns the coordinator config plus the trigger interval, which
// belongs to the cron wiring rather than the coordinator itself.
func mapSweep(c config.SweepConfig) (sweep.Config, time.Duration, error) {
	interval, err := config.ParseDurationOrDefault("sweep.interval", c.Interval, time.Minute)
	if err != nil {
		return sweep.Config{}, 0, err
	}
	window, err := config.ParseDurationOrDefault("sweep.reminder_window", c.ReminderWindow, 24*time.Hour)
	if err != nil {
		return sweep.Config{}, 0, err
	}
	candidate, err := config.ParseDurationOrDefault("sweep.candidate_timeout", c.CandidateTimeout, 10*time.Second)
	if err != nil {
		return sweep.Config{}, 0, err
	}
	tick, err := config.ParseDurationOrDefault("sweep.tick_timeout", c.TickTimeout, 45*time.Second)
	if err != nil {
		return sweep.Config{}, 0, err
	}
	return sweep.Config{
		ReminderWindow:   window,
		CandidateTimeout: candidate,
		TickTimeout:      tick,
	}, interval, nil
}
