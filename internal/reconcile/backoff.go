package reconcile

import (
  "math/rand"
  "sync"
  "time"
)

// Backoff computes reconnect delays: exponential growth from Base up to Max,
// plus a non-negative jitter of at most a quarter of the computed delay.
type Backoff struct {
  Base time.Duration
  Max time.Duration

  mu sync.Mutex
  rng *rand.Rand
}

func NewBackoff(base, max time.Duration) *Backoff {
  if base <= 0 {
    base = time.Second
  }
  if max < base {
    max = base
  }
  return &Backoff{
    Base: base,
    Max: max,
    rng: rand.New(rand.NewSource(time.Now().UnixNano())),
  }
}

// Delay returns the wait before reconnect attempt n (1-based).
func (b *Backoff) Delay(attempt int) time.Duration {
  base := b.baseDelay(attempt)
  jitterSpan := base / 4
  if jitterSpan <= 0 {
    return base
  }
  b.mu.Lock()
  jitter := time.Duration(b.rng.Int63n(int64(jitterSpan) + 1))
  b.mu.Unlock()
  return base + jitter
}

// baseDelay is the deterministic part: Base doubled per attempt, capped at
// Max. Non-decreasing in the attempt number.
func (b *Backoff) baseDelay(attempt int) time.Duration {
  if attempt < 1 {
    attempt = 1
  }
  delay := b.Base
  for i := 1; i < attempt; i++ {
    delay *= 2
    if delay >= b.Max || delay <= 0 {
      return b.Max
    }
  }
  if delay > b.Max {
    return b.Max
  }
  return delay
}
