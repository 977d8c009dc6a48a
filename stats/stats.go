package stats

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dhcgn/imap-spamtrainer/model"
)

type EventType string

const (
	EventTypeFetched     EventType = "fetched"
	EventTypeMovedSpam   EventType = "moved_spam"
	EventTypeLearnedSpam EventType = "learned_spam"
	EventTypeLearnedHam  EventType = "learned_ham"
	EventTypeRetained    EventType = "retained"
	EventTypeDiscarded   EventType = "discarded"
	EventTypeUnknown     EventType = "unknown"
	EventTypeError       EventType = "error"
)

// Event reports something that happened to Count messages of a mailbox.
// A zero Count means one.
type Event struct {
	Role  model.Role
	Type  EventType
	UID   uint32
	Count int
	Err   error
}

// Sink receives events from the sync engine and its strategies.
type Sink interface {
	Emit(evt Event)
}

type Summary struct {
	Fetched     int
	MovedSpam   int
	LearnedSpam int
	LearnedHam  int
	Retained    int
	Discarded   int
	Unknown     int
	Errors      int
	LastError   error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"fetched", s.Fetched,
		"movedSpam", s.MovedSpam,
		"learnedSpam", s.LearnedSpam,
		"learnedHam", s.LearnedHam,
		"retained", s.Retained,
		"discarded", s.Discarded,
		"unknown", s.Unknown,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

// Empty reports whether nothing was recorded.
func (s Summary) Empty() bool {
	return s == Summary{}
}

// Collector aggregates events into a Summary. It is safe for concurrent use.
type Collector struct {
	mu      sync.Mutex
	summary Summary
	since   time.Time
}

func NewCollector() *Collector {
	return &Collector{since: time.Now()}
}

func (c *Collector) Emit(evt Event) {
	n := evt.Count
	if n <= 0 {
		n = 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeFetched:
		c.summary.Fetched += n
	case EventTypeMovedSpam:
		c.summary.MovedSpam += n
	case EventTypeLearnedSpam:
		c.summary.LearnedSpam += n
	case EventTypeLearnedHam:
		c.summary.LearnedHam += n
	case EventTypeRetained:
		c.summary.Retained += n
	case EventTypeDiscarded:
		c.summary.Discarded += n
	case EventTypeUnknown:
		c.summary.Unknown += n
	case EventTypeError:
		c.summary.Errors += n
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

// Flush returns the summary collected since the previous flush together
// with the time it covers, and starts a new period.
func (c *Collector) Flush() (Summary, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	summary := c.summary
	elapsed := time.Since(c.since)
	c.summary = Summary{}
	c.since = time.Now()
	return summary, elapsed
}

// Log writes the summary of the current period and starts a new one.
// Periods without any activity are not logged.
func (c *Collector) Log(logger *slog.Logger, msg string) {
	summary, elapsed := c.Flush()
	if logger == nil || summary.Empty() {
		return
	}
	logger.Info(msg, append(summary.LogAttrs(), "duration", elapsed)...)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Emit(Event) {}
