package connector

import "time"

const (
  DefaultMaxRetries = 5
  DefaultBackoffFactor = 2 * time.Second
  MaxBackoff = 5 * time.Minute
)

// ReconnectPolicy controls whether the supervisor reconnects on its own after a backend error
// during a connect session. It is disabled by default.
type ReconnectPolicy struct {
  Enabled bool
  MaxRetries int
  BackoffFactor time.Duration
}

func DefaultReconnectPolicy() ReconnectPolicy {
  return ReconnectPolicy{
    MaxRetries: DefaultMaxRetries,
    BackoffFactor: DefaultBackoffFactor,
  }
}

// Allows reports whether a retry with the given zero-based attempt number may be scheduled.
func (p ReconnectPolicy) Allows(attempt int) bool {
  return p.Enabled && attempt < p.MaxRetries
}

// Backoff returns the delay before the given zero-based attempt.
func (p ReconnectPolicy) Backoff(attempt int) time.Duration {
  factor := p.BackoffFactor

  if factor <= 0 {
    factor = DefaultBackoffFactor
  }

  if attempt > 30 {
    return MaxBackoff
  }

  backoff := factor << int64(attempt)

  if backoff <= 0 || backoff > MaxBackoff {
    backoff = MaxBackoff
  }

  return backoff
}
