package reconcile

import (
  "context"
  "log"
  "strings"
  "sync"
  "time"

  "github.com/lnflash/btcpayserver-flash-plugin/internal/config"
)

type ConnState string

const (
  StateDisconnected ConnState = "disconnected"
  StateConnecting ConnState = "connecting"
  StateConnected ConnState = "connected"
  StateReconnecting ConnState = "reconnecting"
  StateDisconnecting ConnState = "disconnecting"
)

// SubscriptionManager runs one watcher per in-flight invoice over the push
// channel. The channel is a latency optimization: every failure path here
// degrades to polling-only, so the manager gives up quietly once reconnect
// attempts are exhausted.
type SubscriptionManager struct {
  cfg config.Reconcile
  engine *Engine
  subscriber PushSubscriber
  logger *log.Logger
  backoff *Backoff

  mu sync.Mutex
  states map[string]ConnState
  closed bool
  done chan struct{}
  wg sync.WaitGroup
}

func NewSubscriptionManager(cfg config.Reconcile, engine *Engine, subscriber PushSubscriber, logger *log.Logger) *SubscriptionManager {
  return &SubscriptionManager{
    cfg: cfg,
    engine: engine,
    subscriber: subscriber,
    logger: logger,
    backoff: NewBackoff(cfg.ReconnectBaseDelay, cfg.ReconnectMaxDelay),
    states: map[string]ConnState{},
    done: make(chan struct{}),
  }
}

// Watch starts a push watcher for one invoice. A nil subscriber means the
// channel is categorically unsupported; the poller covers everything then.
func (m *SubscriptionManager) Watch(ctx context.Context, rec InvoiceRecord) {
  if m.subscriber == nil {
    return
  }
  m.mu.Lock()
  if m.closed {
    m.mu.Unlock()
    return
  }
  if _, ok := m.states[rec.LocalID]; ok {
    m.mu.Unlock()
    return
  }
  m.states[rec.LocalID] = StateDisconnected
  m.wg.Add(1)
  m.mu.Unlock()

  go m.watch(ctx, rec)
}

// State reports the watcher state for one invoice, for diagnostics.
func (m *SubscriptionManager) State(localID string) ConnState {
  m.mu.Lock()
  defer m.mu.Unlock()
  if st, ok := m.states[localID]; ok {
    return st
  }
  return StateDisconnected
}

// Close stops all watchers and waits for them to unwind. Watchers started
// with long-lived contexts unblock through the done channel.
func (m *SubscriptionManager) Close() {
  m.mu.Lock()
  if !m.closed {
    m.closed = true
    close(m.done)
  }
  m.mu.Unlock()
  m.wg.Wait()
}

func (m *SubscriptionManager) watch(ctx context.Context, rec InvoiceRecord) {
  defer m.wg.Done()
  defer m.setState(rec.LocalID, StateDisconnected)

  attempt := 0
  for {
    if ctx.Err() != nil || m.isClosed() {
      m.setState(rec.LocalID, StateDisconnecting)
      return
    }
    if m.invoiceSettled(rec.LocalID) {
      m.setState(rec.LocalID, StateDisconnecting)
      return
    }

    if attempt == 0 {
      m.setState(rec.LocalID, StateConnecting)
    } else {
      m.setState(rec.LocalID, StateReconnecting)
      if !m.sleep(ctx, m.backoff.Delay(attempt)) {
        return
      }
    }
    attempt++
    if attempt > m.cfg.ReconnectMaxAttempts {
      m.logger.Printf("push: giving up on %s after %d attempts, poller covers it", rec.LocalID, m.cfg.ReconnectMaxAttempts)
      return
    }

    stream, err := m.subscriber.Subscribe(ctx, rec.Bolt11)
    if err != nil {
      m.logger.Printf("push: subscribe for %s failed (attempt %d): %v", rec.LocalID, attempt, err)
      continue
    }

    m.setState(rec.LocalID, StateConnected)
    if done := m.consume(ctx, rec, stream); done {
      m.setState(rec.LocalID, StateDisconnecting)
      return
    }
  }
}

// consume drains one stream. Returns true when the watcher is finished for
// good (terminal status seen or shutdown), false to reconnect.
func (m *SubscriptionManager) consume(ctx context.Context, rec InvoiceRecord, stream PushStream) bool {
  defer stream.Close()

  // the poller may settle the invoice while the stream stays silent; check
  // on a timer so the watcher does not outlive its invoice
  interval := m.cfg.EarlyPollInterval
  if interval <= 0 {
    interval = 3 * time.Second
  }
  settled := time.NewTicker(interval)
  defer settled.Stop()

  for {
    select {
    case <-ctx.Done():
      return true
    case <-m.done:
      return true
    case <-settled.C:
      if m.invoiceSettled(rec.LocalID) {
        return true
      }
    case evt, ok := <-stream.Events():
      if !ok {
        return false
      }
      if evt.Err != nil {
        m.logger.Printf("push: stream for %s ended: %v", rec.LocalID, evt.Err)
        return false
      }

      switch status := pushStatusToInvoiceStatus(evt.Status); status {
      case StatusPaid, StatusExpired:
        m.engine.ApplySignal(ctx, SourcePushChannel, rec.PaymentHash, status, "")
        return true
      case StatusUnpaid:
        // still pending, keep listening
      default:
        m.logger.Printf("push: unrecognized status %q for %s", evt.Status, rec.LocalID)
      }
    }
  }
}

func (m *SubscriptionManager) invoiceSettled(localID string) bool {
  status, err := m.engine.QueryStatus(localID)
  if err != nil {
    return true
  }
  return status.Terminal()
}

func (m *SubscriptionManager) sleep(ctx context.Context, d time.Duration) bool {
  timer := time.NewTimer(d)
  defer timer.Stop()
  select {
  case <-ctx.Done():
    return false
  case <-m.done:
    return false
  case <-timer.C:
    return true
  }
}

func (m *SubscriptionManager) isClosed() bool {
  m.mu.Lock()
  defer m.mu.Unlock()
  return m.closed
}

func (m *SubscriptionManager) setState(localID string, st ConnState) {
  m.mu.Lock()
  m.states[localID] = st
  if st == StateDisconnected {
    delete(m.states, localID)
  }
  m.mu.Unlock()
}

func pushStatusToInvoiceStatus(status string) InvoiceStatus {
  switch strings.ToUpper(strings.TrimSpace(status)) {
  case "PAID", "SETTLED", "SUCCESS":
    return StatusPaid
  case "EXPIRED":
    return StatusExpired
  case "PENDING", "OPEN":
    return StatusUnpaid
  default:
    return ""
  }
}
