package service

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vipul43/mailvault-worker/internal/models"
)

// busyThreshold is the number of changes at which the minimum delay applies
const busyThreshold = 100

// IncrementalDelay picks the next poll delay: the more a run processed, the
// sooner the next one. Always within [minDelay, maxDelay].
func IncrementalDelay(processed int, minDelay, maxDelay time.Duration) time.Duration {
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	if processed < 0 {
		processed = 0
	}
	if processed > busyThreshold {
		processed = busyThreshold
	}
	span := maxDelay - minDelay
	return maxDelay - time.Duration(int64(span)*int64(processed)/busyThreshold)
}

// ValidateFrequency accepts "manual" or a standard 5-field cron expression
func ValidateFrequency(freq string) error {
	if freq == models.SyncFrequencyManual {
		return nil
	}
	if _, err := cron.ParseStandard(freq); err != nil {
		return fmt.Errorf("invalid sync frequency %q: %w", freq, err)
	}
	return nil
}

// CapToSchedule shortens delay so the next run is no later than the next
// fire time of the account's cron expression, but never below minDelay.
func CapToSchedule(freq string, now time.Time, delay, minDelay time.Duration) time.Duration {
	if freq == "" || freq == models.SyncFrequencyManual {
		return delay
	}
	schedule, err := cron.ParseStandard(freq)
	if err != nil {
		return delay
	}
	untilNext := schedule.Next(now).Sub(now)
	if untilNext < minDelay {
		untilNext = minDelay
	}
	if untilNext > 0 && untilNext < delay {
		return untilNext
	}
	return delay
}
