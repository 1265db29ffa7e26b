package reconcile

import (
  "context"
  "log"
  "time"

  "github.com/google/uuid"
)

// Executor submits outbound payments. Every attempt is recorded Pending
// before the remote call so that a crash mid-call leaves a trace the poller
// can reconcile. Ambiguous responses end as Unknown, never as a guessed
// success or failure.
type Executor struct {
  engine *Engine
  remote RemoteClient
  logger *log.Logger
  now func() time.Time
}

func NewExecutor(engine *Engine, remote RemoteClient, logger *log.Logger) *Executor {
  return &Executor{
    engine: engine,
    remote: remote,
    logger: logger,
    now: time.Now,
  }
}

func (x *Executor) SubmitPayment(ctx context.Context, bolt11 string, amountMsat int64) (OutboundPaymentAttempt, error) {
  hash, _, err := deriveHash(bolt11, x.now())
  if err != nil {
    return OutboundPaymentAttempt{}, terminalErr("submit payment", err)
  }

  att := OutboundPaymentAttempt{
    LocalID: uuid.NewString(),
    Bolt11: bolt11,
    PaymentHash: hash,
    AmountMsat: amountMsat,
    Outcome: OutcomePending,
    SubmittedAt: x.now().UTC(),
  }
  x.engine.RegisterAttempt(ctx, att)

  result, err := x.remote.SendPayment(ctx, bolt11, amountMsat)
  if err != nil {
    if isAuthErr(err) {
      att, _ = x.engine.ResolveAttempt(ctx, att.LocalID, OutcomeFailed, "", err.Error())
      return att, terminalErr("submit payment", err)
    }
    // network error or timeout: the payment may or may not have gone out
    x.logger.Printf("executor: send for %s ambiguous: %v", att.LocalID, err)
    att, _ = x.engine.ResolveAttempt(ctx, att.LocalID, OutcomeUnknown, "", err.Error())
    return att, nil
  }

  switch result.Status {
  case RemoteSendSuccess, RemoteSendAlreadyPaid:
    att, _ = x.engine.ResolveAttempt(ctx, att.LocalID, OutcomeSucceeded, result.TransactionID, "")
  case RemoteSendFailure:
    att, _ = x.engine.ResolveAttempt(ctx, att.LocalID, OutcomeFailed, result.TransactionID, result.FailureReason)
  case RemoteSendPending:
    // stays Pending; the poller settles it against the ledger
    if stored, err := x.engine.GetAttempt(att.LocalID); err == nil {
      att = stored
    }
  default:
    x.logger.Printf("executor: unrecognized send status %q for %s", result.Status, att.LocalID)
    att, _ = x.engine.ResolveAttempt(ctx, att.LocalID, OutcomeUnknown, result.TransactionID, "unrecognized remote response")
  }
  return att, nil
}
