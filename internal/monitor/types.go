package monitor

import (
	"errors"
	"fmt"
	"time"
)

const (
	MinIntervalMinutes     = 5
	MaxIntervalMinutes     = 1440
	DefaultIntervalMinutes = 30

	// TimestampLayout renders event times the way a browser renders
	// Date.toLocaleString() for en-US.
	TimestampLayout = "1/2/2006, 3:04:05 PM"
)

var (
	ErrStartUnavailable = errors.New("monitor: start unavailable")
	ErrInvalidInterval  = fmt.Errorf("monitor: interval must be between %d and %d minutes", MinIntervalMinutes, MaxIntervalMinutes)
	ErrNotActive        = errors.New("monitor: not active")
)

// Config is what the user entered: the product URL and the check interval.
// It is never persisted.
type Config struct {
	URL             string `json:"url"`
	IntervalMinutes int    `json:"interval_minutes"`
}

// ValidInterval reports whether n is an accepted interval in minutes.
func ValidInterval(n int) bool {
	return n >= MinIntervalMinutes && n <= MaxIntervalMinutes
}

// Validate checks the interval bound. An empty URL is not a validation
// error: it only makes the start control unavailable.
func (c Config) Validate() error {
	if !ValidInterval(c.IntervalMinutes) {
		return fmt.Errorf("%w (got %d)", ErrInvalidInterval, c.IntervalMinutes)
	}
	return nil
}

func (c Config) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// Snapshot is the product display data observed when monitoring started.
type Snapshot struct {
	Title      string    `json:"title"`
	Price      string    `json:"price"`
	URL        string    `json:"url"`
	ObservedAt time.Time `json:"observed_at"`
}

type Polarity string

const (
	Positive Polarity = "positive"
	Negative Polarity = "negative"
	Neutral  Polarity = "neutral"
)

func (p Polarity) Valid() bool {
	switch p {
	case Positive, Negative, Neutral:
		return true
	}
	return false
}

// ChangeEvent is one reported difference between snapshots.
type ChangeEvent struct {
	ID          string    `json:"id"`
	At          time.Time `json:"at"`
	Timestamp   string    `json:"timestamp"`
	Description string    `json:"description"`
	Polarity    Polarity  `json:"polarity"`
}

// State is a copy of the session state. Snapshot is nil until the first
// successful start.
type State struct {
	Active   bool
	Config   Config
	Snapshot *Snapshot
	Events   []ChangeEvent
}

// Bus event types published by Session.
const (
	EventStarted  = "monitor.started"
	EventStopped  = "monitor.stopped"
	EventAnalyzed = "monitor.analyzed"
)

// SessionEvent is the Data payload of every monitor.* bus event.
type SessionEvent struct {
	Config   Config        `json:"config"`
	Snapshot *Snapshot     `json:"snapshot,omitempty"`
	Events   []ChangeEvent `json:"events,omitempty"`
}
