package scheduler

import (
	"time"

	"github.com/hearthd/hearthd/pkg/types"
)

// NextAfter returns the smallest instant strictly after now that matches
// the job's frequency spec. One-shot jobs return their configured time
// today (or tomorrow if already past).
func NextAfter(job *types.Job, now time.Time) time.Time {
	switch job.Frequency {
	case types.FreqHourly:
		next := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), job.Minute, 0, 0, now.Location())
		if !next.After(now) {
			next = next.Add(time.Hour)
		}
		return next

	case types.FreqDaily, types.FreqOnce:
		next := time.Date(now.Year(), now.Month(), now.Day(), job.Hour, job.Minute, 0, 0, now.Location())
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
		return next

	case types.FreqWeekly:
		next := time.Date(now.Year(), now.Month(), now.Day(), job.Hour, job.Minute, 0, 0, now.Location())
		days := (job.DayOfWeek - int(now.Weekday()) + 7) % 7
		next = next.AddDate(0, 0, days)
		if !next.After(now) {
			next = next.AddDate(0, 0, 7)
		}
		return next

	case types.FreqMonthly:
		day := job.DayOfMonth
		if day < 1 {
			day = 1
		}
		if day > 28 {
			day = 28 // stay valid in February
		}
		next := time.Date(now.Year(), now.Month(), day, job.Hour, job.Minute, 0, 0, now.Location())
		if !next.After(now) {
			next = next.AddDate(0, 1, 0)
		}
		return next

	default:
		return now.Add(time.Hour)
	}
}

// failureBackoff returns the extra delay applied before the next run once a
// job has failed more than three times in a row. Doubles per failure,
// capped at one hour.
func failureBackoff(failureCount int) time.Duration {
	if failureCount <= 3 {
		return 0
	}
	backoff := time.Minute << uint(failureCount-4)
	if backoff > time.Hour {
		backoff = time.Hour
	}
	return backoff
}
