package mirror

import (
	mathrand "math/rand"
	"time"
)

// Reconnect marks when the next connection may start, measured from when the
// previous one started.
type Reconnect struct {
	startTime time.Time
	timeout   time.Duration
}

func NewReconnect(timeout time.Duration) *Reconnect {
	return &Reconnect{
		startTime: time.Now(),
		timeout:   timeout,
	}
}

func (self *Reconnect) After() <-chan time.Time {
	timeout := self.timeout - time.Since(self.startTime)
	if timeout <= 0 {
		c := make(chan time.Time, 1)
		c <- time.Now()
		return c
	}
	return time.After(timeout)
}

// delay of `attempt * Delay`, capped at `MaxDelay`, plus up to `Jitter`.
// Attempt 0 has no delay.
type LinearBackoff struct {
	Delay    time.Duration
	MaxDelay time.Duration
	Jitter   time.Duration
}

func (self *LinearBackoff) Duration(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := time.Duration(attempt) * self.Delay
	if 0 < self.MaxDelay && self.MaxDelay < d {
		d = self.MaxDelay
	}
	if 0 < self.Jitter {
		d += time.Duration(mathrand.Int63n(int64(self.Jitter)))
	}
	return d
}

// delay of `Delay * Factor^(attempt-1)`, capped at `MaxDelay`.
// Attempt 0 has no delay.
type ExponentialBackoff struct {
	Delay    time.Duration
	MaxDelay time.Duration
	Factor   float64
}

func (self *ExponentialBackoff) Duration(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	factor := self.Factor
	if factor < 1 {
		factor = 1
	}
	d := float64(self.Delay)
	for i := 1; i < attempt; i += 1 {
		d *= factor
		if 0 < self.MaxDelay && float64(self.MaxDelay) <= d {
			return self.MaxDelay
		}
	}
	if 0 < self.MaxDelay && float64(self.MaxDelay) < d {
		return self.MaxDelay
	}
	return time.Duration(d)
}

// a uniform offset in [-jitter, jitter]
func symmetricJitter(jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return 0
	}
	return time.Duration(mathrand.Int63n(2*int64(jitter)+1)) - jitter
}

// consecutive failures of a supervised stream.
// The first revocation reconnects at once with a fresh token. Another
// revocation before anything is delivered counts as a failed attempt.
type retryState struct {
	attempt int
	revoked bool
}

func (self *retryState) delivered() {
	self.attempt = 0
	self.revoked = false
}

func (self *retryState) failed() {
	self.attempt += 1
}

// returns true when the reconnect should skip the backoff
func (self *retryState) revoke() bool {
	if self.revoked {
		self.attempt += 1
		return false
	}
	self.revoked = true
	return true
}
