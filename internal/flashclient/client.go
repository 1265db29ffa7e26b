package flashclient

import (
  "bytes"
  "context"
  "encoding/json"
  "errors"
  "fmt"
  "io"
  "log"
  "net/http"
  "strings"
  "time"

  "github.com/shopspring/decimal"

  "github.com/lnflash/btcpayserver-flash-plugin/internal/config"
  "github.com/lnflash/btcpayserver-flash-plugin/internal/reconcile"
)

// ErrUnauthorized marks authentication and configuration failures. Callers
// must surface these synchronously instead of retrying them.
var ErrUnauthorized = errors.New("flash: unauthorized")

type Client struct {
  cfg *config.Config
  logger *log.Logger
  http *http.Client
}

func New(cfg *config.Config, logger *log.Logger) *Client {
  return &Client{
    cfg: cfg,
    logger: logger,
    http: &http.Client{Timeout: cfg.Flash.RequestTimeout},
  }
}

type graphQLRequest struct {
  Query string `json:"query"`
  Variables map[string]any `json:"variables,omitempty"`
}

type graphQLError struct {
  Message string `json:"message"`
  Code string `json:"code,omitempty"`
}

type graphQLEnvelope struct {
  Data json.RawMessage `json:"data"`
  Errors []graphQLError `json:"errors"`
}

func (c *Client) do(ctx context.Context, query string, variables map[string]any, out any) error {
  body, err := json.Marshal(graphQLRequest{Query: query, Variables: variables})
  if err != nil {
    return err
  }

  req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Flash.APIURL, bytes.NewReader(body))
  if err != nil {
    return err
  }
  req.Header.Set("Content-Type", "application/json")
  req.Header.Set("Authorization", "Bearer "+c.cfg.Flash.AuthToken)

  resp, err := c.http.Do(req)
  if err != nil {
    return fmt.Errorf("flash request failed: %w", err)
  }
  defer resp.Body.Close()

  raw, err := io.ReadAll(resp.Body)
  if err != nil {
    return fmt.Errorf("flash response read failed: %w", err)
  }

  if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
    return fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
  }
  if resp.StatusCode != http.StatusOK {
    return fmt.Errorf("flash returned status %d: %s", resp.StatusCode, truncate(string(raw), 200))
  }

  var envelope graphQLEnvelope
  if err := json.Unmarshal(raw, &envelope); err != nil {
    return fmt.Errorf("flash response decode failed: %w", err)
  }
  if len(envelope.Errors) > 0 {
    msg := envelope.Errors[0].Message
    if isAuthMessage(msg) {
      return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
    }
    return fmt.Errorf("flash graphql error: %s", msg)
  }
  if out != nil {
    if err := json.Unmarshal(envelope.Data, out); err != nil {
      return fmt.Errorf("flash data decode failed: %w", err)
    }
  }
  return nil
}

const createInvoiceQuery = `
mutation lnInvoiceCreate($input: LnInvoiceCreateInput!) {
  lnInvoiceCreate(input: $input) {
    errors { message code }
    invoice { paymentRequest paymentHash satoshis }
  }
}`

func (c *Client) CreateInvoice(ctx context.Context, amountMsat int64, memo string, expiry time.Duration) (reconcile.RemoteInvoice, error) {
  if amountMsat == 0 {
    return c.createNoAmountInvoice(ctx, memo, expiry)
  }
  amountSat := amountMsat / 1000
  if amountSat == 0 {
    amountSat = 1
  }

  input := map[string]any{
    "walletId": c.cfg.Flash.WalletID,
    "amount": amountSat,
    "expiresIn": int64(expiry.Minutes()),
  }
  if memo != "" {
    input["memo"] = memo
  }

  var data struct {
    LnInvoiceCreate struct {
      Errors []graphQLError `json:"errors"`
      Invoice *struct {
        PaymentRequest string `json:"paymentRequest"`
        PaymentHash string `json:"paymentHash"`
        Satoshis int64 `json:"satoshis"`
      } `json:"invoice"`
    } `json:"lnInvoiceCreate"`
  }
  if err := c.do(ctx, createInvoiceQuery, map[string]any{"input": input}, &data); err != nil {
    return reconcile.RemoteInvoice{}, err
  }
  if len(data.LnInvoiceCreate.Errors) > 0 {
    msg := data.LnInvoiceCreate.Errors[0].Message
    if isAuthMessage(msg) {
      return reconcile.RemoteInvoice{}, fmt.Errorf("%w: %s", ErrUnauthorized, msg)
    }
    return reconcile.RemoteInvoice{}, fmt.Errorf("invoice create rejected: %s", msg)
  }
  if data.LnInvoiceCreate.Invoice == nil || data.LnInvoiceCreate.Invoice.PaymentRequest == "" {
    return reconcile.RemoteInvoice{}, errors.New("invoice create returned no payment request")
  }

  return reconcile.RemoteInvoice{
    PaymentRequest: data.LnInvoiceCreate.Invoice.PaymentRequest,
    PaymentHash: strings.ToLower(data.LnInvoiceCreate.Invoice.PaymentHash),
  }, nil
}

const createNoAmountInvoiceQuery = `
mutation lnNoAmountInvoiceCreate($input: LnNoAmountInvoiceCreateInput!) {
  lnNoAmountInvoiceCreate(input: $input) {
    errors { message code }
    invoice { paymentRequest paymentHash }
  }
}`

// createNoAmountInvoice mints an any-amount invoice. The fixed-amount
// mutation rejects a zero amount, so it gets its own call.
func (c *Client) createNoAmountInvoice(ctx context.Context, memo string, expiry time.Duration) (reconcile.RemoteInvoice, error) {
  input := map[string]any{
    "walletId": c.cfg.Flash.WalletID,
    "expiresIn": int64(expiry.Minutes()),
  }
  if memo != "" {
    input["memo"] = memo
  }

  var data struct {
    LnNoAmountInvoiceCreate struct {
      Errors []graphQLError `json:"errors"`
      Invoice *struct {
        PaymentRequest string `json:"paymentRequest"`
        PaymentHash string `json:"paymentHash"`
      } `json:"invoice"`
    } `json:"lnNoAmountInvoiceCreate"`
  }
  if err := c.do(ctx, createNoAmountInvoiceQuery, map[string]any{"input": input}, &data); err != nil {
    return reconcile.RemoteInvoice{}, err
  }
  if len(data.LnNoAmountInvoiceCreate.Errors) > 0 {
    msg := data.LnNoAmountInvoiceCreate.Errors[0].Message
    if isAuthMessage(msg) {
      return reconcile.RemoteInvoice{}, fmt.Errorf("%w: %s", ErrUnauthorized, msg)
    }
    return reconcile.RemoteInvoice{}, fmt.Errorf("invoice create rejected: %s", msg)
  }
  if data.LnNoAmountInvoiceCreate.Invoice == nil || data.LnNoAmountInvoiceCreate.Invoice.PaymentRequest == "" {
    return reconcile.RemoteInvoice{}, errors.New("invoice create returned no payment request")
  }

  return reconcile.RemoteInvoice{
    PaymentRequest: data.LnNoAmountInvoiceCreate.Invoice.PaymentRequest,
    PaymentHash: strings.ToLower(data.LnNoAmountInvoiceCreate.Invoice.PaymentHash),
  }, nil
}

const lookupByHashQuery = `
query transactionsByPaymentHash($walletId: WalletId!, $paymentHash: PaymentHash!) {
  me {
    defaultAccount {
      walletById(walletId: $walletId) {
        transactionsByPaymentHash(paymentHash: $paymentHash) {
          id
          status
          direction
          createdAt
        }
      }
    }
  }
}`

// LookupByPaymentHash asks the remote ledger for a transaction matching the
// hash. A missing transaction is not an error: the remote indexes settled
// payments with a delay, so absence only means "not visible yet".
func (c *Client) LookupByPaymentHash(ctx context.Context, paymentHash string) (reconcile.RemoteLookup, error) {
  var data struct {
    Me struct {
      DefaultAccount struct {
        WalletByID struct {
          TransactionsByPaymentHash []struct {
            ID string `json:"id"`
            Status string `json:"status"`
            Direction string `json:"direction"`
            CreatedAt int64 `json:"createdAt"`
          } `json:"transactionsByPaymentHash"`
        } `json:"walletById"`
      } `json:"defaultAccount"`
    } `json:"me"`
  }

  vars := map[string]any{"walletId": c.cfg.Flash.WalletID, "paymentHash": paymentHash}
  if err := c.do(ctx, lookupByHashQuery, vars, &data); err != nil {
    return reconcile.RemoteLookup{}, err
  }

  for _, tx := range data.Me.DefaultAccount.WalletByID.TransactionsByPaymentHash {
    if !strings.EqualFold(tx.Direction, "RECEIVE") && !strings.EqualFold(tx.Direction, "SEND") {
      continue
    }
    lookup := reconcile.RemoteLookup{Found: true, TransactionID: tx.ID}
    if strings.EqualFold(tx.Status, "SUCCESS") {
      lookup.Paid = true
      lookup.SettledAt = time.Unix(tx.CreatedAt, 0).UTC()
    }
    return lookup, nil
  }
  return reconcile.RemoteLookup{}, nil
}

const lookupByRequestQuery = `
query lnInvoicePaymentStatus($input: LnInvoicePaymentStatusInput!) {
  lnInvoicePaymentStatus(input: $input) {
    errors { message }
    status
  }
}`

// LookupByPaymentRequest is the fallback for remotes that index by request
// string before the transaction exists. It carries no transaction id.
func (c *Client) LookupByPaymentRequest(ctx context.Context, paymentRequest string) (reconcile.RemoteLookup, error) {
  var data struct {
    LnInvoicePaymentStatus struct {
      Errors []graphQLError `json:"errors"`
      Status string `json:"status"`
    } `json:"lnInvoicePaymentStatus"`
  }

  vars := map[string]any{"input": map[string]any{"paymentRequest": paymentRequest}}
  if err := c.do(ctx, lookupByRequestQuery, vars, &data); err != nil {
    return reconcile.RemoteLookup{}, err
  }
  if len(data.LnInvoicePaymentStatus.Errors) > 0 {
    return reconcile.RemoteLookup{}, fmt.Errorf("invoice status query rejected: %s", data.LnInvoicePaymentStatus.Errors[0].Message)
  }

  switch strings.ToUpper(data.LnInvoicePaymentStatus.Status) {
  case "PAID":
    return reconcile.RemoteLookup{Found: true, Paid: true, SettledAt: time.Now().UTC()}, nil
  case "EXPIRED":
    return reconcile.RemoteLookup{Found: true, Expired: true}, nil
  case "PENDING":
    return reconcile.RemoteLookup{Found: true}, nil
  default:
    return reconcile.RemoteLookup{}, nil
  }
}

const sendPaymentQuery = `
mutation lnInvoicePaymentSend($input: LnInvoicePaymentInput!) {
  lnInvoicePaymentSend(input: $input) {
    errors { message code }
    status
    transaction { id }
  }
}`

func (c *Client) SendPayment(ctx context.Context, paymentRequest string, amountMsat int64) (reconcile.RemoteSend, error) {
  input := map[string]any{
    "walletId": c.cfg.Flash.WalletID,
    "paymentRequest": paymentRequest,
  }
  if amountMsat > 0 {
    input["amount"] = amountMsat / 1000
  }

  var data struct {
    LnInvoicePaymentSend struct {
      Errors []graphQLError `json:"errors"`
      Status string `json:"status"`
      Transaction *struct {
        ID string `json:"id"`
      } `json:"transaction"`
    } `json:"lnInvoicePaymentSend"`
  }
  if err := c.do(ctx, sendPaymentQuery, map[string]any{"input": input}, &data); err != nil {
    return reconcile.RemoteSend{}, err
  }

  result := reconcile.RemoteSend{Status: reconcile.RemoteSendStatus(strings.ToUpper(data.LnInvoicePaymentSend.Status))}
  if data.LnInvoicePaymentSend.Transaction != nil {
    result.TransactionID = data.LnInvoicePaymentSend.Transaction.ID
  }
  if len(data.LnInvoicePaymentSend.Errors) > 0 {
    result.FailureReason = data.LnInvoicePaymentSend.Errors[0].Message
    if result.Status == "" {
      result.Status = reconcile.RemoteSendFailure
    }
  }
  if result.Status == "" {
    return reconcile.RemoteSend{}, errors.New("payment send returned no status")
  }
  return result, nil
}

const balanceQuery = `
query wallets {
  me {
    defaultAccount {
      wallets { id walletCurrency balance }
    }
  }
}`

func (c *Client) GetBalance(ctx context.Context) (int64, error) {
  var data struct {
    Me struct {
      DefaultAccount struct {
        Wallets []struct {
          ID string `json:"id"`
          WalletCurrency string `json:"walletCurrency"`
          Balance int64 `json:"balance"`
        } `json:"wallets"`
      } `json:"defaultAccount"`
    } `json:"me"`
  }
  if err := c.do(ctx, balanceQuery, nil, &data); err != nil {
    return 0, err
  }

  for _, w := range data.Me.DefaultAccount.Wallets {
    if w.ID == c.cfg.Flash.WalletID {
      return w.Balance, nil
    }
  }
  return 0, fmt.Errorf("wallet %s not found on account", c.cfg.Flash.WalletID)
}

const rateQuery = `
query realtimePrice {
  realtimePrice {
    btcSatPrice { base offset }
    denominatorCurrency
  }
}`

// GetExchangeRate returns the fiat price of one satoshi in the remote
// account's denominator currency.
func (c *Client) GetExchangeRate(ctx context.Context) (decimal.Decimal, string, error) {
  var data struct {
    RealtimePrice struct {
      BtcSatPrice struct {
        Base int64 `json:"base"`
        Offset int32 `json:"offset"`
      } `json:"btcSatPrice"`
      DenominatorCurrency string `json:"denominatorCurrency"`
    } `json:"realtimePrice"`
  }
  if err := c.do(ctx, rateQuery, nil, &data); err != nil {
    return decimal.Zero, "", err
  }

  price := decimal.New(data.RealtimePrice.BtcSatPrice.Base, -data.RealtimePrice.BtcSatPrice.Offset)
  return price, data.RealtimePrice.DenominatorCurrency, nil
}

func isAuthMessage(msg string) bool {
  lower := strings.ToLower(msg)
  return strings.Contains(lower, "not authorized") || strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid token") || strings.Contains(lower, "token expired")
}

func truncate(s string, n int) string {
  if len(s) <= n {
    return s
  }
  return s[:n] + "..."
}
