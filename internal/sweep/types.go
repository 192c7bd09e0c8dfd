package sweep

import "time"

// Config controls one coordinator.
//
// The trigger interval itself lives with the caller (the app wires the
// cron entry); the coordinator only needs its internal bounds.
type Config struct {
	// ReminderWindow is how far ahead of the due date reminders fire.
	ReminderWindow time.Duration

	// CandidateTimeout is the soft per-candidate budget. A candidate that
	// exceeds it is skipped and logged; the tick moves on.
	CandidateTimeout time.Duration

	// TickTimeout is the hard per-tick budget. Once exceeded, remaining
	// candidates are left for the next tick so a slow tick cannot pile up
	// behind the trigger interval.
	TickTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReminderWindow <= 0 {
		c.ReminderWindow = 24 * time.Hour
	}
	if c.CandidateTimeout <= 0 {
		c.CandidateTimeout = 10 * time.Second
	}
	if c.TickTimeout <= 0 {
		c.TickTimeout = 45 * time.Second
	}
	return c
}

// TickReport is the per-tick metrics summary. Everything here is
// operational signal; nothing downstream branches on it.
type TickReport struct {
	Candidates int
	Spawned    int
	RacesLost  int
	LimitHits  int
	Reminded   int
	Skipped    int
	Errors     int

	// Truncated is set when the tick deadline stopped evaluation early.
	Truncated bool

	Took time.Duration
}
