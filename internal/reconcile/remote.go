package reconcile

import (
  "context"
  "time"
)

// RemoteInvoice is the remote side's answer to invoice creation.
type RemoteInvoice struct {
  PaymentRequest string
  PaymentHash string
}

// RemoteLookup is one status answer from the remote ledger. Found=false is
// not an error: the remote indexes transactions with a delay.
type RemoteLookup struct {
  Found bool
  Paid bool
  Expired bool
  TransactionID string
  SettledAt time.Time
}

type RemoteSendStatus string

const (
  RemoteSendSuccess RemoteSendStatus = "SUCCESS"
  RemoteSendFailure RemoteSendStatus = "FAILURE"
  RemoteSendPending RemoteSendStatus = "PENDING"
  RemoteSendAlreadyPaid RemoteSendStatus = "ALREADY_PAID"
)

type RemoteSend struct {
  Status RemoteSendStatus
  TransactionID string
  FailureReason string
}

// RemoteClient is the contract this engine assumes of the remote wallet API:
// eventual availability, at-least-once visibility of status changes, and no
// ordering guarantees between lookups.
type RemoteClient interface {
  CreateInvoice(ctx context.Context, amountMsat int64, memo string, expiry time.Duration) (RemoteInvoice, error)
  LookupByPaymentHash(ctx context.Context, paymentHash string) (RemoteLookup, error)
  LookupByPaymentRequest(ctx context.Context, paymentRequest string) (RemoteLookup, error)
  SendPayment(ctx context.Context, paymentRequest string, amountMsat int64) (RemoteSend, error)
  GetBalance(ctx context.Context) (int64, error)
}

// PushEvent is one message from the real-time channel. A non-nil Err ends
// the stream; the transport closes the events channel afterwards.
type PushEvent struct {
  Status string
  Err error
}

type PushStream interface {
  Events() <-chan PushEvent
  Close()
}

// PushSubscriber opens a best-effort status stream keyed by the BOLT11
// payment request. It may be unavailable entirely; the engine stays correct
// on polling alone.
type PushSubscriber interface {
  Subscribe(ctx context.Context, paymentRequest string) (PushStream, error)
}
