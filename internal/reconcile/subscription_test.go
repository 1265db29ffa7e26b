package reconcile

import (
  "context"
  "errors"
  "sync/atomic"
  "testing"
  "time"
)

type fakeStream struct {
  events chan PushEvent
}

func (s *fakeStream) Events() <-chan PushEvent { return s.events }
func (s *fakeStream) Close() {}

type fakeSubscriber struct {
  subscribeErr error
  attempts int32
  events []PushEvent
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, paymentRequest string) (PushStream, error) {
  atomic.AddInt32(&f.attempts, 1)
  if f.subscribeErr != nil {
    return nil, f.subscribeErr
  }
  s := &fakeStream{events: make(chan PushEvent, len(f.events))}
  for _, evt := range f.events {
    s.events <- evt
  }
  return s, nil
}

func waitFor(t *testing.T, cond func() bool) {
  t.Helper()
  deadline := time.Now().Add(2 * time.Second)
  for time.Now().Before(deadline) {
    if cond() {
      return
    }
    time.Sleep(5 * time.Millisecond)
  }
  t.Fatal("condition not reached in time")
}

func TestSubscriptionResolvesPaidInvoice(t *testing.T) {
  var notifications int32
  engine := NewEngine(testConfig(), &fakeRemote{}, nil, func(InvoiceRecord) { atomic.AddInt32(&notifications, 1) }, testLogger())
  rec := testRecord("inv-s1")
  engine.TrackInvoice(rec)

  sub := &fakeSubscriber{events: []PushEvent{{Status: "PENDING"}, {Status: "PAID"}}}
  m := NewSubscriptionManager(testConfig(), engine, sub, testLogger())
  m.Watch(context.Background(), rec)

  waitFor(t, func() bool {
    status, err := engine.QueryStatus(rec.LocalID)
    return err == nil && status == StatusPaid
  })
  waitFor(t, func() bool { return m.State(rec.LocalID) == StateDisconnected })

  if n := atomic.LoadInt32(&notifications); n != 1 {
    t.Fatalf("notifications = %d, want 1", n)
  }
}

func TestSubscriptionGivesUpAfterMaxAttempts(t *testing.T) {
  engine := NewEngine(testConfig(), &fakeRemote{}, nil, nil, testLogger())
  rec := testRecord("inv-s2")
  engine.TrackInvoice(rec)

  sub := &fakeSubscriber{subscribeErr: errors.New("dial refused")}
  cfg := testConfig()
  m := NewSubscriptionManager(cfg, engine, sub, testLogger())
  m.Watch(context.Background(), rec)

  waitFor(t, func() bool { return m.State(rec.LocalID) == StateDisconnected })

  if n := int(atomic.LoadInt32(&sub.attempts)); n != cfg.ReconnectMaxAttempts {
    t.Fatalf("subscribe attempts = %d, want %d", n, cfg.ReconnectMaxAttempts)
  }

  // the invoice is untouched; polling remains the backstop
  status, err := engine.QueryStatus(rec.LocalID)
  if err != nil || status != StatusUnpaid {
    t.Fatalf("status = %q err = %v, want unpaid", status, err)
  }
}

func TestSubscriptionNilSubscriberIsNoop(t *testing.T) {
  engine := NewEngine(testConfig(), &fakeRemote{}, nil, nil, testLogger())
  m := NewSubscriptionManager(testConfig(), engine, nil, testLogger())

  rec := testRecord("inv-s3")
  engine.TrackInvoice(rec)
  m.Watch(context.Background(), rec)

  if st := m.State(rec.LocalID); st != StateDisconnected {
    t.Fatalf("state = %q, want %q", st, StateDisconnected)
  }
  m.Close()
}

func TestSubscriptionDeduplicatesWatchers(t *testing.T) {
  engine := NewEngine(testConfig(), &fakeRemote{}, nil, nil, testLogger())
  rec := testRecord("inv-s4")
  engine.TrackInvoice(rec)

  sub := &fakeSubscriber{events: []PushEvent{{Status: "PAID"}}}
  m := NewSubscriptionManager(testConfig(), engine, sub, testLogger())

  ctx := context.Background()
  m.Watch(ctx, rec)
  m.Watch(ctx, rec)
  m.Watch(ctx, rec)

  waitFor(t, func() bool { return m.State(rec.LocalID) == StateDisconnected })

  if n := atomic.LoadInt32(&sub.attempts); n != 1 {
    t.Fatalf("subscribe attempts = %d, want 1", n)
  }
}

func TestSubscriptionCloseUnblocksConnectedWatcher(t *testing.T) {
  engine := NewEngine(testConfig(), &fakeRemote{}, nil, nil, testLogger())
  rec := testRecord("inv-s6")
  engine.TrackInvoice(rec)

  // handlers hand watchers a long-lived context; only Close can stop them
  silent := &fakeSubscriber{}
  m := NewSubscriptionManager(testConfig(), engine, silent, testLogger())
  m.Watch(context.Background(), rec)
  waitFor(t, func() bool { return m.State(rec.LocalID) == StateConnected })

  done := make(chan struct{})
  go func() {
    m.Close()
    close(done)
  }()

  select {
  case <-done:
  case <-time.After(2 * time.Second):
    t.Fatal("Close did not return while a watcher was connected")
  }
}

func TestSubscriptionWatcherExitsWhenInvoiceSettledElsewhere(t *testing.T) {
  engine := NewEngine(testConfig(), &fakeRemote{}, nil, nil, testLogger())
  rec := testRecord("inv-s7")
  engine.TrackInvoice(rec)

  cfg := testConfig()
  cfg.EarlyPollInterval = 5 * time.Millisecond
  silent := &fakeSubscriber{}
  m := NewSubscriptionManager(cfg, engine, silent, testLogger())
  m.Watch(context.Background(), rec)
  waitFor(t, func() bool { return m.State(rec.LocalID) == StateConnected })

  // another signal source resolves the invoice; the silent stream must not
  // pin its watcher
  engine.ApplySignal(context.Background(), SourcePoller, rec.LocalID, StatusPaid, "")
  waitFor(t, func() bool { return m.State(rec.LocalID) == StateDisconnected })
  m.Close()
}

func TestSubscriptionCloseStopsWatchers(t *testing.T) {
  engine := NewEngine(testConfig(), &fakeRemote{}, nil, nil, testLogger())
  rec := testRecord("inv-s5")
  engine.TrackInvoice(rec)

  // a stream that never produces events keeps the watcher connected
  blocked := &fakeSubscriber{}
  m := NewSubscriptionManager(testConfig(), engine, blocked, testLogger())

  ctx, cancel := context.WithCancel(context.Background())
  m.Watch(ctx, rec)
  waitFor(t, func() bool { return m.State(rec.LocalID) == StateConnected })

  cancel()
  done := make(chan struct{})
  go func() {
    m.Close()
    close(done)
  }()

  select {
  case <-done:
  case <-time.After(2 * time.Second):
    t.Fatal("Close did not return after context cancel")
  }
}
