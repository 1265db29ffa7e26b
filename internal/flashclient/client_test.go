package flashclient

import (
  "context"
  "encoding/json"
  "errors"
  "io"
  "log"
  "net/http"
  "net/http/httptest"
  "strings"
  "testing"
  "time"

  "github.com/lnflash/btcpayserver-flash-plugin/internal/config"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
  t.Helper()
  ts := httptest.NewServer(handler)
  t.Cleanup(ts.Close)

  cfg := &config.Config{}
  cfg.Flash.APIURL = ts.URL
  cfg.Flash.AuthToken = "test-token"
  cfg.Flash.WalletID = "wallet-1"
  cfg.Flash.RequestTimeout = 5 * time.Second
  return New(cfg, log.New(io.Discard, "", 0))
}

func graphqlResponse(t *testing.T, w http.ResponseWriter, data any) {
  t.Helper()
  if err := json.NewEncoder(w).Encode(map[string]any{"data": data}); err != nil {
    t.Fatalf("encode response: %v", err)
  }
}

func TestCreateInvoice(t *testing.T) {
  var gotQuery string
  var gotAuth string
  c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
    gotAuth = r.Header.Get("Authorization")
    var req struct {
      Query string `json:"query"`
      Variables map[string]any `json:"variables"`
    }
    _ = json.NewDecoder(r.Body).Decode(&req)
    gotQuery = req.Query

    graphqlResponse(t, w, map[string]any{
      "lnInvoiceCreate": map[string]any{
        "invoice": map[string]any{
          "paymentRequest": "lnbc-from-remote",
          "paymentHash": "ABCD1234",
          "satoshis": 100,
        },
      },
    })
  })

  inv, err := c.CreateInvoice(context.Background(), 100_000, "coffee", time.Hour)
  if err != nil {
    t.Fatalf("CreateInvoice: %v", err)
  }
  if inv.PaymentRequest != "lnbc-from-remote" {
    t.Fatalf("payment request = %q", inv.PaymentRequest)
  }
  if inv.PaymentHash != "abcd1234" {
    t.Fatalf("payment hash = %q, want lowercased", inv.PaymentHash)
  }
  if gotAuth != "Bearer test-token" {
    t.Fatalf("auth header = %q", gotAuth)
  }
  if !strings.Contains(gotQuery, "lnInvoiceCreate") {
    t.Fatalf("query = %q, want lnInvoiceCreate mutation", gotQuery)
  }
}

func TestCreateInvoiceZeroAmountUsesNoAmountMutation(t *testing.T) {
  var gotQuery string
  var gotInput map[string]any
  c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
    var req struct {
      Query string `json:"query"`
      Variables map[string]any `json:"variables"`
    }
    _ = json.NewDecoder(r.Body).Decode(&req)
    gotQuery = req.Query
    gotInput, _ = req.Variables["input"].(map[string]any)

    graphqlResponse(t, w, map[string]any{
      "lnNoAmountInvoiceCreate": map[string]any{
        "invoice": map[string]any{
          "paymentRequest": "lnbc-any-amount",
          "paymentHash": "FEED5678",
        },
      },
    })
  })

  inv, err := c.CreateInvoice(context.Background(), 0, "tips", time.Hour)
  if err != nil {
    t.Fatalf("CreateInvoice: %v", err)
  }
  if inv.PaymentRequest != "lnbc-any-amount" {
    t.Fatalf("payment request = %q", inv.PaymentRequest)
  }
  if inv.PaymentHash != "feed5678" {
    t.Fatalf("payment hash = %q, want lowercased", inv.PaymentHash)
  }
  if !strings.Contains(gotQuery, "lnNoAmountInvoiceCreate") {
    t.Fatalf("query = %q, want lnNoAmountInvoiceCreate mutation", gotQuery)
  }
  if _, ok := gotInput["amount"]; ok {
    t.Fatalf("input = %v, must not carry an amount", gotInput)
  }
}

func TestCreateInvoiceRejection(t *testing.T) {
  c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
    graphqlResponse(t, w, map[string]any{
      "lnInvoiceCreate": map[string]any{
        "errors": []map[string]string{{"message": "limit exceeded"}},
      },
    })
  })

  if _, err := c.CreateInvoice(context.Background(), 1000, "", time.Hour); err == nil {
    t.Fatal("expected error for rejected invoice")
  }
}

func TestDoUnauthorizedStatus(t *testing.T) {
  c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
    w.WriteHeader(http.StatusUnauthorized)
  })

  _, err := c.GetBalance(context.Background())
  if !errors.Is(err, ErrUnauthorized) {
    t.Fatalf("err = %v, want ErrUnauthorized", err)
  }
}

func TestDoAuthErrorInGraphQLBody(t *testing.T) {
  c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
    _ = json.NewEncoder(w).Encode(map[string]any{
      "errors": []map[string]string{{"message": "Not Authorized"}},
    })
  })

  _, err := c.GetBalance(context.Background())
  if !errors.Is(err, ErrUnauthorized) {
    t.Fatalf("err = %v, want ErrUnauthorized", err)
  }
}

func TestLookupByPaymentHash(t *testing.T) {
  c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
    graphqlResponse(t, w, map[string]any{
      "me": map[string]any{
        "defaultAccount": map[string]any{
          "walletById": map[string]any{
            "transactionsByPaymentHash": []map[string]any{
              {"id": "tx-55", "status": "SUCCESS", "direction": "RECEIVE", "createdAt": 1700000000},
            },
          },
        },
      },
    })
  })

  lookup, err := c.LookupByPaymentHash(context.Background(), "deadbeef")
  if err != nil {
    t.Fatalf("LookupByPaymentHash: %v", err)
  }
  if !lookup.Found || !lookup.Paid {
    t.Fatalf("lookup = %+v, want found and paid", lookup)
  }
  if lookup.TransactionID != "tx-55" {
    t.Fatalf("transaction id = %q", lookup.TransactionID)
  }
  if lookup.SettledAt.IsZero() {
    t.Fatal("settled at not set")
  }
}

func TestLookupByPaymentHashAbsentIsNotAnError(t *testing.T) {
  c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
    graphqlResponse(t, w, map[string]any{
      "me": map[string]any{
        "defaultAccount": map[string]any{
          "walletById": map[string]any{
            "transactionsByPaymentHash": []map[string]any{},
          },
        },
      },
    })
  })

  lookup, err := c.LookupByPaymentHash(context.Background(), "deadbeef")
  if err != nil {
    t.Fatalf("LookupByPaymentHash: %v", err)
  }
  if lookup.Found {
    t.Fatalf("lookup = %+v, want not found", lookup)
  }
}

func TestLookupByPaymentRequestStatuses(t *testing.T) {
  cases := []struct {
    status string
    found bool
    paid bool
    expired bool
  }{
    {"PAID", true, true, false},
    {"paid", true, true, false},
    {"EXPIRED", true, false, true},
    {"PENDING", true, false, false},
    {"", false, false, false},
  }

  for _, c := range cases {
    status := c.status
    client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
      graphqlResponse(t, w, map[string]any{
        "lnInvoicePaymentStatus": map[string]any{"status": status},
      })
    })

    lookup, err := client.LookupByPaymentRequest(context.Background(), "lnbc-x")
    if err != nil {
      t.Fatalf("status %q: %v", c.status, err)
    }
    if lookup.Found != c.found || lookup.Paid != c.paid || lookup.Expired != c.expired {
      t.Fatalf("status %q: lookup = %+v", c.status, lookup)
    }
  }
}

func TestSendPayment(t *testing.T) {
  c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
    graphqlResponse(t, w, map[string]any{
      "lnInvoicePaymentSend": map[string]any{
        "status": "success",
        "transaction": map[string]string{"id": "tx-77"},
      },
    })
  })

  send, err := c.SendPayment(context.Background(), "lnbc-x", 1000)
  if err != nil {
    t.Fatalf("SendPayment: %v", err)
  }
  if string(send.Status) != "SUCCESS" {
    t.Fatalf("status = %q, want SUCCESS", send.Status)
  }
  if send.TransactionID != "tx-77" {
    t.Fatalf("transaction id = %q", send.TransactionID)
  }
}

func TestSendPaymentErrorWithoutStatus(t *testing.T) {
  c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
    graphqlResponse(t, w, map[string]any{
      "lnInvoicePaymentSend": map[string]any{
        "errors": []map[string]string{{"message": "insufficient balance"}},
      },
    })
  })

  send, err := c.SendPayment(context.Background(), "lnbc-x", 1000)
  if err != nil {
    t.Fatalf("SendPayment: %v", err)
  }
  if string(send.Status) != "FAILURE" {
    t.Fatalf("status = %q, want FAILURE when only errors returned", send.Status)
  }
  if send.FailureReason != "insufficient balance" {
    t.Fatalf("failure reason = %q", send.FailureReason)
  }
}

func TestGetBalancePicksConfiguredWallet(t *testing.T) {
  c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
    graphqlResponse(t, w, map[string]any{
      "me": map[string]any{
        "defaultAccount": map[string]any{
          "wallets": []map[string]any{
            {"id": "wallet-other", "walletCurrency": "USD", "balance": 999},
            {"id": "wallet-1", "walletCurrency": "BTC", "balance": 12345},
          },
        },
      },
    })
  })

  balance, err := c.GetBalance(context.Background())
  if err != nil {
    t.Fatalf("GetBalance: %v", err)
  }
  if balance != 12345 {
    t.Fatalf("balance = %d, want 12345", balance)
  }
}

func TestGetExchangeRate(t *testing.T) {
  c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
    graphqlResponse(t, w, map[string]any{
      "realtimePrice": map[string]any{
        "btcSatPrice": map[string]any{"base": 62512, "offset": 6},
        "denominatorCurrency": "USD",
      },
    })
  })

  rate, currency, err := c.GetExchangeRate(context.Background())
  if err != nil {
    t.Fatalf("GetExchangeRate: %v", err)
  }
  if currency != "USD" {
    t.Fatalf("currency = %q", currency)
  }
  if rate.String() != "0.062512" {
    t.Fatalf("rate = %s, want 0.062512", rate.String())
  }
}
