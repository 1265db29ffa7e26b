package reconcile

import (
  "errors"
  "fmt"
  "time"
)

type InvoiceStatus string

const (
  StatusUnpaid InvoiceStatus = "UNPAID"
  StatusPaid InvoiceStatus = "PAID"
  StatusExpired InvoiceStatus = "EXPIRED"
  StatusCancelled InvoiceStatus = "CANCELLED"
)

// Terminal reports whether the status ends an invoice's lifecycle. The first
// terminal write wins; everything after it is a no-op.
func (s InvoiceStatus) Terminal() bool {
  return s == StatusPaid || s == StatusExpired || s == StatusCancelled
}

type PaymentOutcome string

const (
  OutcomePending PaymentOutcome = "PENDING"
  OutcomeSucceeded PaymentOutcome = "SUCCEEDED"
  OutcomeFailed PaymentOutcome = "FAILED"
  // OutcomeUnknown is a legitimate terminal answer for an ambiguous remote
  // failure. It is never coerced to success or failure without evidence
  // from a later ledger lookup.
  OutcomeUnknown PaymentOutcome = "UNKNOWN"
)

type SignalSource string

const (
  SourcePoller SignalSource = "poller"
  SourcePushChannel SignalSource = "push"
  SourceDirectQuery SignalSource = "query"
)

// InvoiceRecord is one Lightning invoice created through this bridge.
// AmountMsat == 0 marks an any-amount invoice.
type InvoiceRecord struct {
  LocalID string `json:"local_id"`
  PaymentHash string `json:"payment_hash"`
  Bolt11 string `json:"bolt11"`
  RemoteTransactionID string `json:"remote_transaction_id,omitempty"`
  AmountMsat int64 `json:"amount_msat"`
  Status InvoiceStatus `json:"status"`
  Memo string `json:"memo,omitempty"`
  BoltcardID string `json:"boltcard_id,omitempty"`
  CreatedAt time.Time `json:"created_at"`
  ExpiresAt time.Time `json:"expires_at"`
  ResolvedAt time.Time `json:"resolved_at,omitempty"`
}

// OutboundPaymentAttempt is one submitted payment. It is recorded Pending
// before the remote call is made so a crash mid-call can be reconciled later.
type OutboundPaymentAttempt struct {
  LocalID string `json:"local_id"`
  Bolt11 string `json:"bolt11"`
  PaymentHash string `json:"payment_hash"`
  RemoteTransactionID string `json:"remote_transaction_id,omitempty"`
  AmountMsat int64 `json:"amount_msat"`
  Outcome PaymentOutcome `json:"outcome"`
  FailureReason string `json:"failure_reason,omitempty"`
  SubmittedAt time.Time `json:"submitted_at"`
  ResolvedAt time.Time `json:"resolved_at,omitempty"`
}

// ErrNotTracked is returned when an identifier was never registered. It is
// the expected signal to fall back to a fresh remote lookup, not a fault.
var ErrNotTracked = errors.New("identifier not tracked")

// Error distinguishes retryable failures (transient remote trouble) from
// terminal ones (bad configuration, rejected input) on the host-facing path.
type Error struct {
  Op string
  Retryable bool
  Err error
}

func (e *Error) Error() string {
  return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
  return e.Err
}

func retryableErr(op string, err error) *Error {
  return &Error{Op: op, Retryable: true, Err: err}
}

func terminalErr(op string, err error) *Error {
  return &Error{Op: op, Retryable: false, Err: err}
}

// IsRetryable reports whether the caller may usefully repeat the operation.
func IsRetryable(err error) bool {
  var e *Error
  if errors.As(err, &e) {
    return e.Retryable
  }
  return false
}
