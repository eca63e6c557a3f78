package downloader

import "time"

// Backoff returns how long to wait after the given number of failed attempts.
//
// Short budgets (failLimit of 5 or less) step through 5s, 10s, 15s then 30s.
// Longer budgets start with 1s waits, grow linearly at half a second per
// attempt from the sixth attempt on, and settle at 30s after the twentieth.
func Backoff(attempt, failLimit int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	if failLimit <= 5 {
		switch attempt {
		case 1:
			return 5 * time.Second
		case 2:
			return 10 * time.Second
		case 3:
			return 15 * time.Second
		default:
			return 30 * time.Second
		}
	}

	switch {
	case attempt <= 5:
		return time.Second
	case attempt <= 20:
		return time.Duration(attempt) * time.Second / 2
	default:
		return 30 * time.Second
	}
}
