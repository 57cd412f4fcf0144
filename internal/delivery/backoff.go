package delivery

import "time"

// Inline retry policy: up to three synchronous attempts inside the original
// Send call, with short exponential waits between them. Worst case the caller
// blocks for roughly twenty seconds before the record lands in 'failed'.
const maxInlineAttempts = 3

var inlineDelays = [maxInlineAttempts]time.Duration{
	1 * time.Second,
	4 * time.Second,
	16 * time.Second,
}

// retrySchedule maps a record's retry count (after the failed scheduler
// attempt is counted) to the wait before the next attempt. The first entry
// applies after the first scheduler retry fails; the initial 5-minute wait
// after inline exhaustion comes from configuration, not this table.
var retrySchedule = []time.Duration{
	30 * time.Minute,
	2 * time.Hour,
	12 * time.Hour,
	24 * time.Hour,
}

// nextRetryDelay returns the wait before the next scheduler attempt for a
// record whose retry count has just become retryCount. ok is false once the
// schedule is exhausted and the record must be abandoned.
func nextRetryDelay(retryCount int, maxRetries int) (delay time.Duration, ok bool) {
	if retryCount >= maxRetries {
		return 0, false
	}
	idx := retryCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(retrySchedule) {
		return 0, false
	}
	return retrySchedule[idx], true
}
