package reconcile

import (
  "testing"
  "time"
)

func TestBackoffBaseDelayDoublesAndCaps(t *testing.T) {
  b := NewBackoff(time.Second, 30*time.Second)

  cases := []struct {
    attempt int
    want time.Duration
  }{
    {1, time.Second},
    {2, 2 * time.Second},
    {3, 4 * time.Second},
    {5, 16 * time.Second},
    {6, 30 * time.Second},
    {100, 30 * time.Second},
    {0, time.Second},
    {-3, time.Second},
  }
  for _, c := range cases {
    if got := b.baseDelay(c.attempt); got != c.want {
      t.Errorf("baseDelay(%d) = %v, want %v", c.attempt, got, c.want)
    }
  }
}

func TestBackoffDelayJitterBounds(t *testing.T) {
  b := NewBackoff(time.Second, time.Minute)

  for attempt := 1; attempt <= 8; attempt++ {
    base := b.baseDelay(attempt)
    for i := 0; i < 50; i++ {
      d := b.Delay(attempt)
      if d < base || d > base+base/4 {
        t.Fatalf("Delay(%d) = %v outside [%v, %v]", attempt, d, base, base+base/4)
      }
    }
  }
}

func TestBackoffDefaults(t *testing.T) {
  b := NewBackoff(0, 0)
  if b.Base != time.Second {
    t.Fatalf("Base = %v, want 1s default", b.Base)
  }
  if b.Max < b.Base {
    t.Fatalf("Max = %v below Base %v", b.Max, b.Base)
  }
}
