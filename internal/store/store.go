package store

import (
  "context"
  "errors"
  "log"
  "time"

  "github.com/jackc/pgx/v5"
  "github.com/jackc/pgx/v5/pgxpool"

  "github.com/lnflash/btcpayserver-flash-plugin/internal/reconcile"
)

// Store is the durable mirror of the engine's in-memory table. The engine
// stays correct without it; a restart just loses the duplicate-signal
// suppression history for invoices resolved before the crash.
type Store struct {
  db *pgxpool.Pool
  logger *log.Logger
}

func New(db *pgxpool.Pool, logger *log.Logger) *Store {
  return &Store{db: db, logger: logger}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
  if s.db == nil {
    return errors.New("db not configured")
  }

  _, err := s.db.Exec(ctx, `
create table if not exists invoices (
  local_id text primary key,
  payment_hash text not null,
  bolt11 text not null,
  remote_transaction_id text,
  amount_msat bigint not null default 0,
  status text not null,
  memo text,
  boltcard_id text,
  created_at timestamptz not null,
  expires_at timestamptz,
  resolved_at timestamptz,
  updated_at timestamptz not null default now()
);

create index if not exists invoices_payment_hash_idx on invoices (payment_hash);
create index if not exists invoices_status_idx on invoices (status);
create index if not exists invoices_created_at_idx on invoices (created_at desc);

create table if not exists payment_attempts (
  local_id text primary key,
  bolt11 text not null,
  payment_hash text not null,
  remote_transaction_id text,
  amount_msat bigint not null default 0,
  outcome text not null,
  failure_reason text,
  submitted_at timestamptz not null,
  resolved_at timestamptz,
  updated_at timestamptz not null default now()
);

create index if not exists payment_attempts_outcome_idx on payment_attempts (outcome);
create index if not exists payment_attempts_payment_hash_idx on payment_attempts (payment_hash);
`)
  return err
}

func (s *Store) PersistInvoice(ctx context.Context, rec reconcile.InvoiceRecord) error {
  if s.db == nil {
    return errors.New("db not configured")
  }

  _, err := s.db.Exec(ctx, `
insert into invoices (
  local_id, payment_hash, bolt11, remote_transaction_id, amount_msat, status,
  memo, boltcard_id, created_at, expires_at, resolved_at, updated_at
) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,now())
on conflict (local_id) do update set
  remote_transaction_id = coalesce(excluded.remote_transaction_id, invoices.remote_transaction_id),
  status = excluded.status,
  resolved_at = excluded.resolved_at,
  updated_at = now()
`, rec.LocalID, rec.PaymentHash, rec.Bolt11, nullableString(rec.RemoteTransactionID),
    rec.AmountMsat, string(rec.Status), nullableString(rec.Memo), nullableString(rec.BoltcardID),
    rec.CreatedAt, nullableTime(rec.ExpiresAt), nullableTime(rec.ResolvedAt),
  )
  return err
}

func (s *Store) PersistAttempt(ctx context.Context, att reconcile.OutboundPaymentAttempt) error {
  if s.db == nil {
    return errors.New("db not configured")
  }

  _, err := s.db.Exec(ctx, `
insert into payment_attempts (
  local_id, bolt11, payment_hash, remote_transaction_id, amount_msat, outcome,
  failure_reason, submitted_at, resolved_at, updated_at
) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,now())
on conflict (local_id) do update set
  remote_transaction_id = coalesce(excluded.remote_transaction_id, payment_attempts.remote_transaction_id),
  outcome = excluded.outcome,
  failure_reason = excluded.failure_reason,
  resolved_at = excluded.resolved_at,
  updated_at = now()
`, att.LocalID, att.Bolt11, att.PaymentHash, nullableString(att.RemoteTransactionID),
    att.AmountMsat, string(att.Outcome), nullableString(att.FailureReason),
    att.SubmittedAt, nullableTime(att.ResolvedAt),
  )
  return err
}

func (s *Store) GetInvoice(ctx context.Context, localID string) (reconcile.InvoiceRecord, error) {
  if s.db == nil {
    return reconcile.InvoiceRecord{}, errors.New("db not configured")
  }

  row := s.db.QueryRow(ctx, `
select local_id, payment_hash, bolt11, remote_transaction_id, amount_msat, status,
  memo, boltcard_id, created_at, expires_at, resolved_at
from invoices
where local_id = $1`, localID)

  rec, err := scanInvoice(row)
  if err == pgx.ErrNoRows {
    return reconcile.InvoiceRecord{}, reconcile.ErrNotTracked
  }
  return rec, err
}

func (s *Store) ListInvoices(ctx context.Context, limit int) ([]reconcile.InvoiceRecord, error) {
  if s.db == nil {
    return nil, errors.New("db not configured")
  }
  if limit <= 0 {
    limit = 100
  }
  if limit > 1000 {
    limit = 1000
  }

  rows, err := s.db.Query(ctx, `
select local_id, payment_hash, bolt11, remote_transaction_id, amount_msat, status,
  memo, boltcard_id, created_at, expires_at, resolved_at
from invoices
order by created_at desc
limit $1`, limit)
  if err != nil {
    return nil, err
  }
  defer rows.Close()

  var items []reconcile.InvoiceRecord
  for rows.Next() {
    rec, err := scanInvoice(rows)
    if err != nil {
      return nil, err
    }
    items = append(items, rec)
  }
  return items, rows.Err()
}

// LoadUnresolved returns invoices that were still in flight when the process
// last stopped, so the engine can re-track them on startup.
func (s *Store) LoadUnresolved(ctx context.Context) ([]reconcile.InvoiceRecord, error) {
  if s.db == nil {
    return nil, errors.New("db not configured")
  }

  rows, err := s.db.Query(ctx, `
select local_id, payment_hash, bolt11, remote_transaction_id, amount_msat, status,
  memo, boltcard_id, created_at, expires_at, resolved_at
from invoices
where status = $1
order by created_at asc`, string(reconcile.StatusUnpaid))
  if err != nil {
    return nil, err
  }
  defer rows.Close()

  var items []reconcile.InvoiceRecord
  for rows.Next() {
    rec, err := scanInvoice(rows)
    if err != nil {
      return nil, err
    }
    items = append(items, rec)
  }
  return items, rows.Err()
}

func (s *Store) GetAttempt(ctx context.Context, localID string) (reconcile.OutboundPaymentAttempt, error) {
  if s.db == nil {
    return reconcile.OutboundPaymentAttempt{}, errors.New("db not configured")
  }

  row := s.db.QueryRow(ctx, `
select local_id, bolt11, payment_hash, remote_transaction_id, amount_msat, outcome,
  failure_reason, submitted_at, resolved_at
from payment_attempts
where local_id = $1`, localID)

  att, err := scanAttempt(row)
  if err == pgx.ErrNoRows {
    return reconcile.OutboundPaymentAttempt{}, reconcile.ErrNotTracked
  }
  return att, err
}

func (s *Store) ListAttempts(ctx context.Context, limit int) ([]reconcile.OutboundPaymentAttempt, error) {
  if s.db == nil {
    return nil, errors.New("db not configured")
  }
  if limit <= 0 {
    limit = 100
  }
  if limit > 1000 {
    limit = 1000
  }

  rows, err := s.db.Query(ctx, `
select local_id, bolt11, payment_hash, remote_transaction_id, amount_msat, outcome,
  failure_reason, submitted_at, resolved_at
from payment_attempts
order by submitted_at desc
limit $1`, limit)
  if err != nil {
    return nil, err
  }
  defer rows.Close()

  var items []reconcile.OutboundPaymentAttempt
  for rows.Next() {
    att, err := scanAttempt(rows)
    if err != nil {
      return nil, err
    }
    items = append(items, att)
  }
  return items, rows.Err()
}

type rowScanner interface {
  Scan(dest ...any) error
}

func scanInvoice(row rowScanner) (reconcile.InvoiceRecord, error) {
  var rec reconcile.InvoiceRecord
  var remoteTxID, memo, boltcardID *string
  var expiresAt, resolvedAt *time.Time
  var status string

  err := row.Scan(&rec.LocalID, &rec.PaymentHash, &rec.Bolt11, &remoteTxID, &rec.AmountMsat,
    &status, &memo, &boltcardID, &rec.CreatedAt, &expiresAt, &resolvedAt)
  if err != nil {
    return reconcile.InvoiceRecord{}, err
  }

  rec.Status = reconcile.InvoiceStatus(status)
  rec.RemoteTransactionID = deref(remoteTxID)
  rec.Memo = deref(memo)
  rec.BoltcardID = deref(boltcardID)
  rec.ExpiresAt = derefTime(expiresAt)
  rec.ResolvedAt = derefTime(resolvedAt)
  return rec, nil
}

func scanAttempt(row rowScanner) (reconcile.OutboundPaymentAttempt, error) {
  var att reconcile.OutboundPaymentAttempt
  var remoteTxID, reason *string
  var resolvedAt *time.Time
  var outcome string

  err := row.Scan(&att.LocalID, &att.Bolt11, &att.PaymentHash, &remoteTxID, &att.AmountMsat,
    &outcome, &reason, &att.SubmittedAt, &resolvedAt)
  if err != nil {
    return reconcile.OutboundPaymentAttempt{}, err
  }

  att.Outcome = reconcile.PaymentOutcome(outcome)
  att.RemoteTransactionID = deref(remoteTxID)
  att.FailureReason = deref(reason)
  att.ResolvedAt = derefTime(resolvedAt)
  return att, nil
}

func nullableString(v string) *string {
  if v == "" {
    return nil
  }
  return &v
}

func nullableTime(t time.Time) *time.Time {
  if t.IsZero() {
    return nil
  }
  return &t
}

func deref(v *string) string {
  if v == nil {
    return ""
  }
  return *v
}

func derefTime(t *time.Time) time.Time {
  if t == nil {
    return time.Time{}
  }
  return *t
}
