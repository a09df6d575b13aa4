package conflict

import (
	"time"

	"github.com/dtavner/calsync/internal/schedule"
)

// Alternative-slot search parameters. The scan covers a fixed working-day
// window in 30-minute steps and offers at most three slots.
const (
	searchWindowStartHour = 9
	searchWindowEndHour   = 18
	searchStep            = 30 * time.Minute
	maxAlternativeSlots   = 3
)

// findAlternativeSlots scans the candidate's day for up to three free
// windows of the candidate's duration. A slot is free when it strictly
// overlaps no existing entry (the candidate itself excluded).
func findAlternativeSlots(candidate schedule.Entry, sameDay []schedule.Entry) []Slot {
	duration := candidate.Duration()
	if duration <= 0 {
		return nil
	}

	dayStart, _ := schedule.DayWindow(candidate.StartTime)
	windowStart := dayStart.Add(searchWindowStartHour * time.Hour)
	windowEnd := dayStart.Add(searchWindowEndHour * time.Hour)

	var slots []Slot
	for start := windowStart; !start.Add(duration).After(windowEnd); start = start.Add(searchStep) {
		end := start.Add(duration)
		if slotTaken(start, end, candidate.ID, sameDay) {
			continue
		}
		slots = append(slots, Slot{
			StartTime: start,
			EndTime:   end,
			Benefit:   slotBenefit(start.Hour()),
		})
		if len(slots) == maxAlternativeSlots {
			break
		}
	}
	return slots
}

func slotTaken(start, end time.Time, candidateID string, sameDay []schedule.Entry) bool {
	for _, e := range sameDay {
		if candidateID != "" && e.ID == candidateID {
			continue
		}
		if Overlaps(start, end, e.StartTime, e.EndTime) {
			return true
		}
	}
	return false
}

// slotBenefit labels a slot by its starting hour-of-day bucket.
func slotBenefit(hour int) string {
	switch {
	case hour >= 9 && hour <= 11:
		return "high-energy morning"
	case hour >= 14 && hour <= 16:
		return "afternoon focus peak"
	case hour >= 12 && hour <= 13:
		return "avoid lunch overlap"
	default:
		return "standard slot"
	}
}
