package reconcile

import (
  "context"
  "sync/atomic"
  "testing"
  "time"
)

func TestPollerResolvesPaidInvoice(t *testing.T) {
  var notifications int32
  remote := &fakeRemote{lookups: map[string]RemoteLookup{
    testHash: {Found: true, Paid: true, TransactionID: "tx-100"},
  }}
  engine := NewEngine(testConfig(), remote, nil, func(InvoiceRecord) { atomic.AddInt32(&notifications, 1) }, testLogger())
  engine.TrackInvoice(testRecord("inv-p1"))

  p := NewPoller(testConfig(), engine, remote, testLogger())
  p.tick(context.Background())

  got, err := engine.GetInvoice("inv-p1")
  if err != nil {
    t.Fatalf("GetInvoice: %v", err)
  }
  if got.Status != StatusPaid {
    t.Fatalf("status = %q, want %q", got.Status, StatusPaid)
  }
  if got.RemoteTransactionID != "tx-100" {
    t.Fatalf("remote tx id = %q, want tx-100", got.RemoteTransactionID)
  }
  if n := atomic.LoadInt32(&notifications); n != 1 {
    t.Fatalf("notifications = %d, want 1", n)
  }
}

func TestPollerFallsBackToPaymentRequestLookup(t *testing.T) {
  rec := testRecord("inv-p2")
  remote := &fakeRemote{lookups: map[string]RemoteLookup{
    rec.Bolt11: {Found: true, Paid: true, TransactionID: "tx-101"},
  }}
  engine := NewEngine(testConfig(), remote, nil, nil, testLogger())
  engine.TrackInvoice(rec)

  p := NewPoller(testConfig(), engine, remote, testLogger())
  p.tick(context.Background())

  got, _ := engine.GetInvoice(rec.LocalID)
  if got.Status != StatusPaid {
    t.Fatalf("status = %q, want %q via request fallback", got.Status, StatusPaid)
  }
}

func TestPollerSurvivesLookupErrors(t *testing.T) {
  remote := &fakeRemote{lookupErr: context.DeadlineExceeded}
  engine := NewEngine(testConfig(), remote, nil, nil, testLogger())
  engine.TrackInvoice(testRecord("inv-p3"))

  p := NewPoller(testConfig(), engine, remote, testLogger())
  p.tick(context.Background())

  got, _ := engine.GetInvoice("inv-p3")
  if got.Status != StatusUnpaid {
    t.Fatalf("status = %q, want %q after failed lookup", got.Status, StatusUnpaid)
  }
}

func TestPollerTwoSpeedSchedule(t *testing.T) {
  cfg := testConfig()
  p := NewPoller(cfg, nil, nil, testLogger())
  now := time.Now()

  young := testRecord("inv-young")
  young.CreatedAt = now.Add(-10 * time.Second)
  if !p.due(young, now) {
    t.Fatal("young invoice must be due on every tick")
  }
  p.lastChecked[young.LocalID] = now.Add(-time.Millisecond)
  if !p.due(young, now) {
    t.Fatal("young invoice must stay due regardless of last check")
  }

  old := testRecord("inv-old")
  old.CreatedAt = now.Add(-10 * time.Minute)
  if !p.due(old, now) {
    t.Fatal("old invoice with no prior check must be due")
  }
  p.lastChecked[old.LocalID] = now.Add(-time.Second)
  if p.due(old, now) {
    t.Fatal("old invoice checked recently must not be due")
  }
  p.lastChecked[old.LocalID] = now.Add(-cfg.LatePollInterval)
  if !p.due(old, now) {
    t.Fatal("old invoice past the late interval must be due")
  }
}

func TestPollerReconcilesUnknownAttempts(t *testing.T) {
  remote := &fakeRemote{lookups: map[string]RemoteLookup{
    testHash: {Found: true, Paid: true, TransactionID: "tx-200"},
  }}
  engine := NewEngine(testConfig(), remote, nil, nil, testLogger())
  now := time.Now()
  engine.now = func() time.Time { return now }

  engine.RegisterAttempt(context.Background(), OutboundPaymentAttempt{
    LocalID: "pay-u1",
    PaymentHash: testHash,
    Outcome: OutcomeUnknown,
    SubmittedAt: now.Add(-5 * time.Minute),
  })

  p := NewPoller(testConfig(), engine, remote, testLogger())
  p.tick(context.Background())

  got, _ := engine.GetAttempt("pay-u1")
  if got.Outcome != OutcomeSucceeded {
    t.Fatalf("outcome = %q, want %q once ledger shows the payment", got.Outcome, OutcomeSucceeded)
  }
  if got.RemoteTransactionID != "tx-200" {
    t.Fatalf("remote tx id = %q, want tx-200", got.RemoteTransactionID)
  }
}

func TestPollerFailsAbsentAttemptsAfterGrace(t *testing.T) {
  remote := &fakeRemote{lookups: map[string]RemoteLookup{}}
  engine := NewEngine(testConfig(), remote, nil, nil, testLogger())
  now := time.Now()
  engine.now = func() time.Time { return now }

  engine.RegisterAttempt(context.Background(), OutboundPaymentAttempt{
    LocalID: "pay-u2",
    PaymentHash: testHash,
    Outcome: OutcomeUnknown,
    SubmittedAt: now.Add(-5 * time.Minute),
  })

  p := NewPoller(testConfig(), engine, remote, testLogger())
  p.tick(context.Background())

  got, _ := engine.GetAttempt("pay-u2")
  if got.Outcome != OutcomeFailed {
    t.Fatalf("outcome = %q, want %q when the ledger has no trace", got.Outcome, OutcomeFailed)
  }
}

func TestPollerRunStopsOnCancel(t *testing.T) {
  remote := &fakeRemote{lookups: map[string]RemoteLookup{}}
  engine := NewEngine(testConfig(), remote, nil, nil, testLogger())
  cfg := testConfig()
  cfg.EarlyPollInterval = 5 * time.Millisecond

  p := NewPoller(cfg, engine, remote, testLogger())
  ctx, cancel := context.WithCancel(context.Background())
  go p.Run(ctx)

  time.Sleep(20 * time.Millisecond)
  cancel()

  select {
  case <-p.Done():
  case <-time.After(time.Second):
    t.Fatal("poller did not stop after cancel")
  }
}
