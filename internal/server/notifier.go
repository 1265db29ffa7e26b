package server

import (
  "bytes"
  "context"
  "encoding/json"
  "log"
  "net/http"
  "sync"
  "time"

  "github.com/lnflash/btcpayserver-flash-plugin/internal/reconcile"
)

const webhookTimeout = 10 * time.Second

// Notifier fans the exactly-once paid notification out to in-process
// subscribers and, when configured, to the host's webhook. The engine
// guarantees at most one call per invoice; delivery here is best effort and
// never blocks the engine.
type Notifier struct {
  webhookURL string
  logger *log.Logger
  http *http.Client

  mu sync.Mutex
  subscribers map[chan reconcile.InvoiceRecord]struct{}
}

func NewNotifier(webhookURL string, logger *log.Logger) *Notifier {
  return &Notifier{
    webhookURL: webhookURL,
    logger: logger,
    http: &http.Client{Timeout: webhookTimeout},
    subscribers: map[chan reconcile.InvoiceRecord]struct{}{},
  }
}

// Notify is wired as the engine's paid callback.
func (n *Notifier) Notify(rec reconcile.InvoiceRecord) {
  n.broadcast(rec)
  if n.webhookURL != "" {
    go n.postWebhook(rec)
  }
}

func (n *Notifier) Subscribe() chan reconcile.InvoiceRecord {
  ch := make(chan reconcile.InvoiceRecord, 16)
  n.mu.Lock()
  n.subscribers[ch] = struct{}{}
  n.mu.Unlock()
  return ch
}

func (n *Notifier) Unsubscribe(ch chan reconcile.InvoiceRecord) {
  n.mu.Lock()
  if _, ok := n.subscribers[ch]; ok {
    delete(n.subscribers, ch)
    close(ch)
  }
  n.mu.Unlock()
}

func (n *Notifier) broadcast(rec reconcile.InvoiceRecord) {
  n.mu.Lock()
  defer n.mu.Unlock()
  for ch := range n.subscribers {
    select {
    case ch <- rec:
    default:
      // slow subscriber, drop rather than stall the paid path
    }
  }
}

func (n *Notifier) postWebhook(rec reconcile.InvoiceRecord) {
  body, err := json.Marshal(map[string]any{
    "event": "invoice_paid",
    "invoice": rec,
  })
  if err != nil {
    n.logger.Printf("webhook: marshal for %s failed: %v", rec.LocalID, err)
    return
  }

  ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
  defer cancel()

  req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
  if err != nil {
    n.logger.Printf("webhook: request for %s failed: %v", rec.LocalID, err)
    return
  }
  req.Header.Set("Content-Type", "application/json")

  resp, err := n.http.Do(req)
  if err != nil {
    n.logger.Printf("webhook: post for %s failed: %v", rec.LocalID, err)
    return
  }
  defer resp.Body.Close()
  if resp.StatusCode >= 300 {
    n.logger.Printf("webhook: post for %s returned status %d", rec.LocalID, resp.StatusCode)
  }
}
