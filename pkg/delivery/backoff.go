package delivery

import "time"

const (
	backoffBase   = 60 * time.Second
	backoffCapExp = 6

	// fixedErrorBackoff is the retry delay after validation failures and
	// unexpected per-document errors.
	fixedErrorBackoff = 120 * time.Second
)

// backoffDelay returns the delay before a failed document becomes eligible
// again: 60s * 2^min(attempts, 6), where attempts is the post-increment
// count. Floor 60s, ceiling 3840s.
func backoffDelay(attempts int) time.Duration {
	n := attempts
	if n < 0 {
		n = 0
	}
	if n > backoffCapExp {
		n = backoffCapExp
	}
	return time.Duration(1<<n) * backoffBase
}
