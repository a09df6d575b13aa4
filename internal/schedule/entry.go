// Package schedule defines the calendar entry model and its SQLite store.
//
// Entries are owned by exactly one user and carry a cached conflict report
// (ConflictJSON) that the write path recomputes whenever the entry's time
// fields or any same-day sibling changes. The store is the single source of
// truth; everything else in the system holds transient copies.
package schedule

import (
	"encoding/json"
	"errors"
	"time"
)

// Priority classifies how important an entry is. It feeds into conflict
// severity scoring: overlapping a high-priority entry escalates severity.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Valid reports whether p is one of the known priority levels.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// ErrMissingTimes is returned when an entry lacks a start or end time.
// Callers must validate before handing entries to the conflict engine.
var ErrMissingTimes = errors.New("schedule entry must carry start and end times")

// ErrEndBeforeStart is returned when an entry ends before it starts.
var ErrEndBeforeStart = errors.New("schedule entry ends before it starts")

// Entry is one calendar entry.
type Entry struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`
	Location  string    `json:"location,omitempty"`
	Remarks   string    `json:"remarks,omitempty"`
	Done      bool      `json:"isDone"`
	Priority  Priority  `json:"priority"`

	// ConflictJSON caches the most recent conflict report for this entry,
	// serialized by the write path. Nil means no report has been computed.
	// It is never the source of truth; reports are recomputed on demand.
	ConflictJSON json.RawMessage `json:"conflictInfo,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Validate checks the caller-supplied fields of an entry.
func (e *Entry) Validate() error {
	if e.StartTime.IsZero() || e.EndTime.IsZero() {
		return ErrMissingTimes
	}
	if e.EndTime.Before(e.StartTime) {
		return ErrEndBeforeStart
	}
	return nil
}

// Duration returns the length of the entry.
func (e *Entry) Duration() time.Duration {
	return e.EndTime.Sub(e.StartTime)
}

// DayWindow returns the [start, end) bounds of the calendar day containing t,
// in t's location. Conflict detection and default sync windows both operate
// on this window.
func DayWindow(t time.Time) (time.Time, time.Time) {
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	return start, start.AddDate(0, 0, 1)
}
