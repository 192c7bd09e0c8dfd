package config

import (
	"fmt"
	"strings"
)

// Config is recurd's on-disk configuration (yaml or json).
//
// All duration fields are Go duration strings (e.g. "30s", "1m", "24h").
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`
	Sweep   SweepConfig   `json:"sweep"`
	Events  EventsConfig  `json:"events"`

	// Telegram enables the optional downstream notification sink.
	Telegram *TelegramConfig `json:"telegram,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the task store backend.
type StorageConfig struct {
	Driver      string `json:"driver"` // "sqlite" (default) or "memory"
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// SweepConfig controls the periodic sweep.
//
// Defaults (when fields are omitted/zero):
//   - interval: "1m" (short enough for the shortest recurrence pattern)
//   - reminder_window: "24h"
//   - candidate_timeout: "10s"
//   - tick_timeout: "45s"
type SweepConfig struct {
	Interval         string `json:"interval,omitempty"`
	ReminderWindow   string `json:"reminder_window,omitempty"`
	CandidateTimeout string `json:"candidate_timeout,omitempty"`
	TickTimeout      string `json:"tick_timeout,omitempty"`

	// Timezone for the trigger clock. Empty means local time.
	Timezone string `json:"timezone,omitempty"`
}

// EventsConfig controls the publish side channel.
type EventsConfig struct {
	// PublishTimeout bounds a single publish attempt. Default "5s".
	PublishTimeout string `json:"publish_timeout,omitempty"`
	// RatePerSec caps outgoing events; 0 disables the limiter.
	RatePerSec int `json:"rate_per_sec,omitempty"`
	// SubscriberBuffer sizes in-process subscriber channels. Default 64.
	SubscriberBuffer int `json:"subscriber_buffer,omitempty"`
}

// TelegramConfig configures the send-only notification sink.
type TelegramConfig struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
	// Topics filters which event topics get rendered; empty means
	// task.spawned + task.reminder.
	Topics []string `json:"topics,omitempty"`
}

// Validate checks cross-field consistency beyond strict decoding.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	driver := strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage.path is required for the sqlite driver")
		}
	case "memory", "mem":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}

	for _, f := range []struct{ path, raw string }{
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"sweep.interval", c.Sweep.Interval},
		{"sweep.reminder_window", c.Sweep.ReminderWindow},
		{"sweep.candidate_timeout", c.Sweep.CandidateTimeout},
		{"sweep.tick_timeout", c.Sweep.TickTimeout},
		{"events.publish_timeout", c.Events.PublishTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}

	if c.Telegram != nil {
		if strings.TrimSpace(c.Telegram.Token) == "" {
			return fmt.Errorf("telegram.token is required when the telegram section is present")
		}
		if c.Telegram.ChatID == 0 {
			return fmt.Errorf("telegram.chat_id is required when the telegram section is present")
		}
	}
	return nil
}
