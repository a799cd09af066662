package transport

import "time"

const (
	backoffBaseDelay = 2 * time.Second
	backoffMaxDelay  = 5 * time.Minute
)

// Backoff is the per-domain cooldown state applied after server-availability
// failures. It is a pure value with pure transitions so tests inject logical
// time instead of sleeping.
type Backoff struct {
	ConsecutiveFailures int
	CooldownUntil       time.Time
}

// CanRetry reports whether an outbound call to the domain is allowed at the
// given instant.
func (b Backoff) CanRetry(now time.Time) bool {
	return !now.Before(b.CooldownUntil)
}

// IncreaseError records one more consecutive availability failure and returns
// the escalated state. The cooldown doubles per failure and is capped.
func (b Backoff) IncreaseError(now time.Time) Backoff {
	failures := b.ConsecutiveFailures + 1
	delay := backoffBaseDelay
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= backoffMaxDelay {
			delay = backoffMaxDelay
			break
		}
	}
	return Backoff{
		ConsecutiveFailures: failures,
		CooldownUntil:       now.Add(delay),
	}
}

// Reset clears the cooldown after any successful call.
func (b Backoff) Reset() Backoff {
	return Backoff{}
}
