package client

import "time"

// reconnector computes exponential backoff delays for reconnect attempts.
// The attempt counter always reflects the freshest failure count: it is read
// and advanced under the connection mutex, never captured in a closure.
type reconnector struct {
	base        time.Duration
	cap         time.Duration
	maxAttempts int
	attempts    int
}

func newReconnector(base, cap time.Duration, maxAttempts int) *reconnector {
	return &reconnector{base: base, cap: cap, maxAttempts: maxAttempts}
}

// shouldRetry reports whether the retry budget still allows another attempt.
func (r *reconnector) shouldRetry() bool {
	return r.attempts < r.maxAttempts
}

// nextDelay returns min(base * 2^attempts, cap) and advances the counter.
func (r *reconnector) nextDelay() time.Duration {
	delay := r.base << uint(r.attempts)
	if delay > r.cap || delay <= 0 {
		delay = r.cap
	}
	r.attempts++
	return delay
}

// reset clears the counter. Called only on a successful connected transition.
func (r *reconnector) reset() {
	r.attempts = 0
}
