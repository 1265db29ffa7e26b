package reconcile

import (
  "context"
  "log"
  "time"

  "github.com/lnflash/btcpayserver-flash-plugin/internal/config"
)

// Poller is the correctness backstop. It periodically re-queries the remote
// for every unresolved invoice and unsettled outbound attempt, aggressively
// while an invoice is young (the remote indexes transactions with a delay of
// seconds to minutes) and at a relaxed pace afterwards. One failed lookup
// never stops the loop.
type Poller struct {
  cfg config.Reconcile
  engine *Engine
  remote RemoteClient
  logger *log.Logger

  lastChecked map[string]time.Time
  done chan struct{}
}

func NewPoller(cfg config.Reconcile, engine *Engine, remote RemoteClient, logger *log.Logger) *Poller {
  return &Poller{
    cfg: cfg,
    engine: engine,
    remote: remote,
    logger: logger,
    lastChecked: map[string]time.Time{},
    done: make(chan struct{}),
  }
}

// Run blocks until the context is cancelled. In-flight records stay
// queryable through the engine after shutdown.
func (p *Poller) Run(ctx context.Context) {
  defer close(p.done)

  ticker := time.NewTicker(p.cfg.EarlyPollInterval)
  defer ticker.Stop()

  for {
    select {
    case <-ctx.Done():
      return
    case <-ticker.C:
      p.tick(ctx)
    }
  }
}

// Done is closed once the loop has fully stopped.
func (p *Poller) Done() <-chan struct{} {
  return p.done
}

func (p *Poller) tick(ctx context.Context) {
  now := time.Now()
  unresolved := p.engine.UnresolvedInvoices()

  seen := make(map[string]struct{}, len(unresolved))
  for _, rec := range unresolved {
    seen[rec.LocalID] = struct{}{}
    if !p.due(rec, now) {
      continue
    }
    p.lastChecked[rec.LocalID] = now
    p.checkInvoice(ctx, rec)
  }
  for id := range p.lastChecked {
    if _, ok := seen[id]; !ok {
      delete(p.lastChecked, id)
    }
  }

  p.reconcileAttempts(ctx)
}

// due applies the two-speed schedule: every tick inside the early window,
// then only once per late interval.
func (p *Poller) due(rec InvoiceRecord, now time.Time) bool {
  if now.Sub(rec.CreatedAt) <= p.cfg.EarlyPollWindow {
    return true
  }
  last, ok := p.lastChecked[rec.LocalID]
  return !ok || now.Sub(last) >= p.cfg.LatePollInterval
}

func (p *Poller) checkInvoice(ctx context.Context, rec InvoiceRecord) {
  lookupCtx, cancel := context.WithTimeout(ctx, p.cfg.EarlyPollInterval*4)
  defer cancel()

  lookup, err := p.remote.LookupByPaymentHash(lookupCtx, rec.PaymentHash)
  if err != nil {
    p.logger.Printf("poller: hash lookup for %s failed: %v", rec.LocalID, err)
    return
  }
  if !lookup.Found {
    // some deployments index by request string before the transaction exists
    lookup, err = p.remote.LookupByPaymentRequest(lookupCtx, rec.Bolt11)
    if err != nil {
      p.logger.Printf("poller: request lookup for %s failed: %v", rec.LocalID, err)
      return
    }
  }

  switch {
  case lookup.Paid:
    p.engine.ApplySignal(ctx, SourcePoller, rec.LocalID, StatusPaid, lookup.TransactionID)
  case lookup.Expired:
    p.engine.ApplySignal(ctx, SourcePoller, rec.LocalID, StatusExpired, lookup.TransactionID)
  case lookup.Found && lookup.TransactionID != "":
    p.engine.ApplySignal(ctx, SourcePoller, rec.LocalID, StatusUnpaid, lookup.TransactionID)
  }
}

// reconcileAttempts settles Pending/Unknown outbound payments by the
// transaction's presence or absence in the remote ledger after the grace
// period: present means the payment went through, absent means it did not.
func (p *Poller) reconcileAttempts(ctx context.Context) {
  for _, att := range p.engine.UnsettledAttempts(p.cfg.UnknownGracePeriod) {
    lookupCtx, cancel := context.WithTimeout(ctx, p.cfg.EarlyPollInterval*4)
    lookup, err := p.remote.LookupByPaymentHash(lookupCtx, att.PaymentHash)
    cancel()
    if err != nil {
      p.logger.Printf("poller: attempt lookup for %s failed: %v", att.LocalID, err)
      continue
    }

    switch {
    case lookup.Found && lookup.Paid:
      p.engine.ResolveAttempt(ctx, att.LocalID, OutcomeSucceeded, lookup.TransactionID, "")
    case !lookup.Found:
      p.engine.ResolveAttempt(ctx, att.LocalID, OutcomeFailed, "", "no matching transaction in remote ledger after grace period")
    }
  }
}
