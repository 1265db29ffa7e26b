package reconcile

import (
  "context"
  "encoding/hex"
  "errors"
  "fmt"
  "log"
  "strings"
  "sync"
  "time"

  "github.com/google/uuid"
  decodepay "github.com/nbd-wtf/ln-decodepay"

  "github.com/lnflash/btcpayserver-flash-plugin/internal/config"
)

// Persister is the external repository collaborator. The engine calls it on
// creation and on every terminal transition but does not own schema or
// storage, and stays correct when persistence fails.
type Persister interface {
  PersistInvoice(ctx context.Context, rec InvoiceRecord) error
  PersistAttempt(ctx context.Context, att OutboundPaymentAttempt) error
}

// NotifyFunc receives the exactly-once paid notification for an invoice.
type NotifyFunc func(rec InvoiceRecord)

// Engine owns the in-flight invoice table and is the only component that
// mutates invoice or attempt state. Poller, push channel and host handlers
// all funnel their signals through ApplySignal; the per-record terminal
// compare-and-set is the one ordering contract between them.
type Engine struct {
  cfg config.Reconcile
  remote RemoteClient
  store Persister
  notify NotifyFunc
  logger *log.Logger
  now func() time.Time

  mapper *Mapper

  attemptsMu sync.RWMutex
  attemptsByLocal map[string]*trackedAttempt
}

type trackedAttempt struct {
  mu sync.Mutex
  att OutboundPaymentAttempt
}

func NewEngine(cfg config.Reconcile, remote RemoteClient, store Persister, notify NotifyFunc, logger *log.Logger) *Engine {
  return &Engine{
    cfg: cfg,
    remote: remote,
    store: store,
    notify: notify,
    logger: logger,
    now: time.Now,
    mapper: NewMapper(),
    attemptsByLocal: map[string]*trackedAttempt{},
  }
}

// CreateInvoice asks the remote for a new invoice, derives the payment hash
// from the returned BOLT11 and registers the record as in-flight. The hash
// is always the hex encoding of the hash embedded in the request; the
// remote's own claim is checked against it, never trusted over it.
func (e *Engine) CreateInvoice(ctx context.Context, amountMsat int64, memo string, boltcardID string) (InvoiceRecord, error) {
  if amountMsat < 0 {
    return InvoiceRecord{}, terminalErr("create invoice", errors.New("amount must not be negative"))
  }

  remote, err := e.remote.CreateInvoice(ctx, amountMsat, memo, e.cfg.InvoiceExpiry)
  if err != nil {
    return InvoiceRecord{}, classifyRemoteErr("create invoice", err)
  }

  hash, expiresAt, err := deriveHash(remote.PaymentRequest, e.now())
  if err != nil {
    return InvoiceRecord{}, terminalErr("create invoice", err)
  }
  if claimed := normalizeID(remote.PaymentHash); claimed != "" && claimed != hash {
    e.logger.Printf("reconcile: remote payment hash %q disagrees with bolt11 hash %q, using bolt11", claimed, hash)
  }

  rec := InvoiceRecord{
    LocalID: uuid.NewString(),
    PaymentHash: hash,
    Bolt11: remote.PaymentRequest,
    AmountMsat: amountMsat,
    Status: StatusUnpaid,
    Memo: memo,
    BoltcardID: boltcardID,
    CreatedAt: e.now().UTC(),
    ExpiresAt: expiresAt,
  }

  e.TrackInvoice(rec)
  e.persistInvoice(ctx, rec)
  return rec, nil
}

// TrackInvoice registers an externally built record as unpaid and in-flight.
func (e *Engine) TrackInvoice(rec InvoiceRecord) {
  if rec.Status == "" {
    rec.Status = StatusUnpaid
  }
  t := &trackedInvoice{rec: rec}
  e.mapper.register(t)
  if rec.RemoteTransactionID != "" {
    e.mapper.linkRemote(t, rec.RemoteTransactionID)
  }
}

// ApplySignal is the single mutation entry point for all status signals. A
// signal for an unknown identifier refers to an invoice created outside
// tracked scope and is dropped. A signal for an already-terminal record is
// an idempotent no-op: the first terminal write wins, concurrent or late
// duplicates change nothing and fire nothing.
func (e *Engine) ApplySignal(ctx context.Context, source SignalSource, identifier string, newStatus InvoiceStatus, remoteTxID string) {
  t, err := e.mapper.resolve(identifier)
  if err != nil {
    e.logger.Printf("reconcile: %s signal for untracked identifier %q dropped", source, shortID(identifier))
    return
  }

  t.mu.Lock()
  if t.rec.Status.Terminal() {
    t.mu.Unlock()
    return
  }
  if remoteTxID != "" && t.rec.RemoteTransactionID == "" {
    t.rec.RemoteTransactionID = remoteTxID
    e.mapper.linkRemote(t, remoteTxID)
  }
  if !newStatus.Terminal() {
    t.mu.Unlock()
    return
  }

  t.rec.Status = newStatus
  t.rec.ResolvedAt = e.now().UTC()
  firePaid := newStatus == StatusPaid && !t.notified
  if firePaid {
    t.notified = true
  }
  rec := t.rec
  t.mu.Unlock()

  e.logger.Printf("reconcile: invoice %s resolved %s via %s", rec.LocalID, rec.Status, source)
  e.persistInvoice(ctx, rec)
  if firePaid && e.notify != nil {
    e.notify(rec)
  }
}

// QueryStatus answers from the in-memory table without network I/O. Remote
// truth arrives out of band through the poller and the push channel.
func (e *Engine) QueryStatus(localID string) (InvoiceStatus, error) {
  t, err := e.mapper.resolve(localID)
  if err != nil {
    return "", err
  }
  return t.snapshot().Status, nil
}

// GetInvoice returns a copy of the tracked record behind any known id.
func (e *Engine) GetInvoice(identifier string) (InvoiceRecord, error) {
  t, err := e.mapper.resolve(identifier)
  if err != nil {
    return InvoiceRecord{}, err
  }
  return t.snapshot(), nil
}

// UnresolvedInvoices returns the records the poller should re-check. It
// also performs table maintenance: invoices past their expiry transition to
// Expired here instead of being polled forever, and resolved records past
// the retention window (kept for duplicate-signal suppression) are evicted.
func (e *Engine) UnresolvedInvoices() []InvoiceRecord {
  now := e.now()
  var out []InvoiceRecord
  for _, t := range e.mapper.all() {
    t.mu.Lock()
    rec := t.rec
    t.mu.Unlock()

    if rec.Status.Terminal() {
      if !rec.ResolvedAt.IsZero() && now.Sub(rec.ResolvedAt) > e.cfg.RetentionWindow {
        e.mapper.remove(t)
      }
      continue
    }
    if !rec.ExpiresAt.IsZero() && now.After(rec.ExpiresAt) {
      e.ApplySignal(context.Background(), SourceDirectQuery, rec.LocalID, StatusExpired, "")
      continue
    }
    out = append(out, rec)
  }
  return out
}

// RegisterAttempt records an outbound payment as pending before the remote
// call is made, so a crash mid-call leaves a reconcilable trace.
func (e *Engine) RegisterAttempt(ctx context.Context, att OutboundPaymentAttempt) {
  t := &trackedAttempt{att: att}
  e.attemptsMu.Lock()
  e.attemptsByLocal[att.LocalID] = t
  e.attemptsMu.Unlock()
  e.persistAttempt(ctx, att)
}

// ResolveAttempt applies an outcome to an attempt. Pending may move to any
// outcome; Unknown may only move to Succeeded or Failed once the ledger
// yields evidence; Succeeded and Failed are immutable.
func (e *Engine) ResolveAttempt(ctx context.Context, localID string, outcome PaymentOutcome, remoteTxID string, reason string) (OutboundPaymentAttempt, bool) {
  e.attemptsMu.RLock()
  t, ok := e.attemptsByLocal[localID]
  e.attemptsMu.RUnlock()
  if !ok {
    return OutboundPaymentAttempt{}, false
  }

  t.mu.Lock()
  if !attemptTransitionAllowed(t.att.Outcome, outcome) {
    att := t.att
    t.mu.Unlock()
    return att, false
  }
  t.att.Outcome = outcome
  if remoteTxID != "" && t.att.RemoteTransactionID == "" {
    t.att.RemoteTransactionID = remoteTxID
  }
  if reason != "" {
    t.att.FailureReason = reason
  }
  if outcome == OutcomeSucceeded || outcome == OutcomeFailed {
    t.att.ResolvedAt = e.now().UTC()
  }
  att := t.att
  t.mu.Unlock()

  e.logger.Printf("reconcile: payment %s outcome %s", att.LocalID, att.Outcome)
  e.persistAttempt(ctx, att)
  return att, true
}

// GetAttempt returns a copy of a tracked outbound attempt. Like invoices,
// attempts answer to any identifier a signal source might carry.
func (e *Engine) GetAttempt(identifier string) (OutboundPaymentAttempt, error) {
  key := normalizeID(identifier)

  e.attemptsMu.RLock()
  t, ok := e.attemptsByLocal[identifier]
  if !ok {
    for _, candidate := range e.attemptsByLocal {
      candidate.mu.Lock()
      match := normalizeID(candidate.att.PaymentHash) == key || candidate.att.RemoteTransactionID == identifier
      candidate.mu.Unlock()
      if match {
        t, ok = candidate, true
        break
      }
    }
  }
  e.attemptsMu.RUnlock()
  if !ok {
    return OutboundPaymentAttempt{}, ErrNotTracked
  }
  t.mu.Lock()
  defer t.mu.Unlock()
  return t.att, nil
}

// UnsettledAttempts returns attempts still Pending or Unknown whose
// submission is at least the grace period old, for ledger reconciliation.
// Settled attempts past the retention window are evicted here, the same
// maintenance UnresolvedInvoices performs for invoices.
func (e *Engine) UnsettledAttempts(grace time.Duration) []OutboundPaymentAttempt {
  now := e.now()
  var out []OutboundPaymentAttempt
  var evict []string

  e.attemptsMu.RLock()
  for id, t := range e.attemptsByLocal {
    t.mu.Lock()
    att := t.att
    t.mu.Unlock()
    if att.Outcome != OutcomePending && att.Outcome != OutcomeUnknown {
      if !att.ResolvedAt.IsZero() && now.Sub(att.ResolvedAt) > e.cfg.RetentionWindow {
        evict = append(evict, id)
      }
      continue
    }
    if now.Sub(att.SubmittedAt) < grace {
      continue
    }
    out = append(out, att)
  }
  e.attemptsMu.RUnlock()

  if len(evict) > 0 {
    e.attemptsMu.Lock()
    for _, id := range evict {
      delete(e.attemptsByLocal, id)
    }
    e.attemptsMu.Unlock()
  }
  return out
}

func (e *Engine) persistInvoice(ctx context.Context, rec InvoiceRecord) {
  if e.store == nil {
    return
  }
  if err := e.store.PersistInvoice(ctx, rec); err != nil {
    e.logger.Printf("reconcile: persist invoice %s failed: %v", rec.LocalID, err)
  }
}

func (e *Engine) persistAttempt(ctx context.Context, att OutboundPaymentAttempt) {
  if e.store == nil {
    return
  }
  if err := e.store.PersistAttempt(ctx, att); err != nil {
    e.logger.Printf("reconcile: persist attempt %s failed: %v", att.LocalID, err)
  }
}

func attemptTransitionAllowed(from, to PaymentOutcome) bool {
  switch from {
  case OutcomePending:
    return to == OutcomeSucceeded || to == OutcomeFailed || to == OutcomeUnknown
  case OutcomeUnknown:
    return to == OutcomeSucceeded || to == OutcomeFailed
  default:
    return false
  }
}

// deriveHash is swapped out by tests that have no signed invoices on hand.
var deriveHash = paymentHashFromBolt11

// paymentHashFromBolt11 decodes the request and returns the hex-encoded
// payment hash plus the expiry deadline. The hash must decode as 32 bytes
// of hex; any bech32-flavored or truncated value is rejected outright.
func paymentHashFromBolt11(bolt11 string, now time.Time) (string, time.Time, error) {
  decoded, err := decodepay.Decodepay(strings.TrimSpace(bolt11))
  if err != nil {
    return "", time.Time{}, fmt.Errorf("bolt11 decode failed: %w", err)
  }

  hash := normalizeID(decoded.PaymentHash)
  raw, err := hex.DecodeString(hash)
  if err != nil || len(raw) != 32 {
    return "", time.Time{}, fmt.Errorf("bolt11 payment hash %q is not 32 hex bytes", decoded.PaymentHash)
  }

  created := time.Unix(int64(decoded.CreatedAt), 0).UTC()
  expiry := time.Duration(decoded.Expiry) * time.Second
  if expiry <= 0 {
    expiry = time.Hour
  }
  expiresAt := created.Add(expiry)
  if expiresAt.Before(now) {
    // clock skew on fresh invoices; keep them pollable briefly
    expiresAt = now.Add(time.Minute)
  }
  return hash, expiresAt, nil
}

func classifyRemoteErr(op string, err error) *Error {
  if isAuthErr(err) {
    return terminalErr(op, err)
  }
  return retryableErr(op, err)
}

func isAuthErr(err error) bool {
  msg := strings.ToLower(err.Error())
  return strings.Contains(msg, "unauthorized") || strings.Contains(msg, "forbidden") || strings.Contains(msg, "invalid token")
}

func shortID(value string) string {
  if len(value) <= 24 {
    return value
  }
  return value[:24] + "..."
}
