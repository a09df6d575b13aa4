// Package conflict implements temporal conflict detection for schedule
// entries: strict interval overlap, tiered severity scoring, human-readable
// remediation text, and alternative-slot search.
//
// Everything in this package is a pure function over its inputs. There is
// no shared state and no I/O, so detection is safe to invoke concurrently
// from any number of requests.
package conflict

import (
	"fmt"
	"strings"
	"time"

	"github.com/dtavner/calsync/internal/schedule"
)

// Severity classifies how disruptive a conflict is.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Overlap describes one conflicting counterpart entry.
type Overlap struct {
	ID             string            `json:"id"`
	Title          string            `json:"title"`
	StartTime      time.Time         `json:"startTime"`
	EndTime        time.Time         `json:"endTime"`
	OverlapMinutes int               `json:"overlapMinutes"`
	Priority       schedule.Priority `json:"priority"`
}

// Slot is a computed conflict-free time window offered as remediation.
type Slot struct {
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`
	Benefit   string    `json:"benefit"`
}

// Report is the result of conflict detection for one candidate entry.
// Reports are ephemeral: recomputed on demand and cached on the entry,
// never treated as the source of truth.
type Report struct {
	HasConflict        bool      `json:"hasConflict"`
	ConflictingEntries []Overlap `json:"conflictingEntries,omitempty"`
	Severity           Severity  `json:"severity,omitempty"`
	Suggestion         string    `json:"suggestion,omitempty"`
	AlternativeSlots   []Slot    `json:"alternativeSlots,omitempty"`
}

// Overlaps reports whether two intervals conflict: strict overlap only,
// so touching endpoints (a ends exactly when b starts) never conflict.
// Containment in either direction is covered by the same test.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && aEnd.After(bStart)
}

// OverlapMinutes returns the overlap between two intervals in minutes,
// rounded up. Zero when the intervals do not overlap. Symmetric in its
// arguments, and never exceeds the shorter interval's duration.
func OverlapMinutes(aStart, aEnd, bStart, bEnd time.Time) int {
	if !Overlaps(aStart, aEnd, bStart, bEnd) {
		return 0
	}
	start := aStart
	if bStart.After(start) {
		start = bStart
	}
	end := aEnd
	if bEnd.Before(end) {
		end = bEnd
	}
	ms := end.Sub(start).Milliseconds()
	return int((ms + 59999) / 60000)
}

// Detect computes a conflict report for candidate against the entries on
// the same calendar day. Entries sharing the candidate's id are excluded so
// an edited entry is not reported as conflicting with itself. The caller is
// responsible for validating that candidate carries start and end times and
// that sameDay holds only entries of the candidate's owner and day.
func Detect(candidate schedule.Entry, sameDay []schedule.Entry) Report {
	var (
		overlaps     []Overlap
		totalOverlap int
		highCount    int
		normalCount  int
	)

	for _, other := range sameDay {
		if candidate.ID != "" && other.ID == candidate.ID {
			continue
		}
		if !Overlaps(candidate.StartTime, candidate.EndTime, other.StartTime, other.EndTime) {
			continue
		}
		minutes := OverlapMinutes(candidate.StartTime, candidate.EndTime, other.StartTime, other.EndTime)
		overlaps = append(overlaps, Overlap{
			ID:             other.ID,
			Title:          other.Title,
			StartTime:      other.StartTime,
			EndTime:        other.EndTime,
			OverlapMinutes: minutes,
			Priority:       other.Priority,
		})
		totalOverlap += minutes
		switch other.Priority {
		case schedule.PriorityHigh:
			highCount++
		case schedule.PriorityNormal:
			normalCount++
		}
	}

	if len(overlaps) == 0 {
		return Report{HasConflict: false}
	}

	severity := classify(totalOverlap, highCount, normalCount)

	return Report{
		HasConflict:        true,
		ConflictingEntries: overlaps,
		Severity:           severity,
		Suggestion:         buildSuggestion(overlaps, severity),
		AlternativeSlots:   findAlternativeSlots(candidate, sameDay),
	}
}

// classify maps aggregate overlap statistics to a severity tier.
// The tiers are monotonic in total overlap and in the presence of a
// high-priority counterpart.
func classify(totalOverlap, highCount, normalCount int) Severity {
	if totalOverlap > 120 || highCount > 0 {
		return SeverityHigh
	}
	if totalOverlap > 60 || normalCount > 1 {
		return SeverityMedium
	}
	return SeverityLow
}

// Remediation paragraphs keyed by severity tier.
const (
	adviceHigh   = "These entries demand serious attention. Consider rescheduling one of them, or delegate where possible; back-to-back high-stakes commitments rarely leave room to recover."
	adviceMedium = "The overlap is significant. Shortening one entry or shifting it to a nearby free slot should resolve it without a larger reshuffle."
	adviceLow    = "The overlap is minor. A small adjustment to either entry's start or end time is enough."
)

func buildSuggestion(overlaps []Overlap, severity Severity) string {
	var b strings.Builder
	for _, o := range overlaps {
		fmt.Fprintf(&b, "overlaps '%s' by %d minutes\n", o.Title, o.OverlapMinutes)
	}
	switch severity {
	case SeverityHigh:
		b.WriteString(adviceHigh)
	case SeverityMedium:
		b.WriteString(adviceMedium)
	default:
		b.WriteString(adviceLow)
	}
	return b.String()
}
