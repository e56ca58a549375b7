package scheduler

import "time"

// maxBackoff caps retry delays so a long-failing step still gets probed a
// few times a day.
const maxBackoff = 6 * time.Hour

// retryBackoff computes the delay before the next attempt: base doubled per
// prior attempt, capped at maxBackoff.
func retryBackoff(base time.Duration, attempts int) time.Duration {
	if base <= 0 {
		base = time.Minute
	}
	d := base
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
