package core

import "time"

// BackoffLadder is a non-decreasing sequence of retry delays indexed by
// attempt count. Attempts past the end reuse the last entry.
type BackoffLadder []time.Duration

// Delay returns the wait before the next try after attempt failures
// (1-based). Non-positive attempts are treated as the first.
func (l BackoffLadder) Delay(attempt int) time.Duration {
	if len(l) == 0 {
		return 0
	}
	index := attempt - 1
	if index < 0 {
		index = 0
	}
	if index >= len(l) {
		index = len(l) - 1
	}
	return l[index]
}

func (l BackoffLadder) Next(now time.Time, attempt int) time.Time {
	return now.Add(l.Delay(attempt)).UTC()
}

func (l BackoffLadder) Max() time.Duration {
	if len(l) == 0 {
		return 0
	}
	return l[len(l)-1]
}
