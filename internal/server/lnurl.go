package server

import (
  "context"
  "encoding/json"
  "errors"
  "fmt"
  "net/http"
  "net/url"
  "strconv"
  "strings"
  "time"

  "github.com/go-chi/chi/v5"
)

const lnurlRequestTimeout = 20 * time.Second

type lnurlPayResponse struct {
  Callback string `json:"callback"`
  MinSendable int64 `json:"minSendable"`
  MaxSendable int64 `json:"maxSendable"`
  Metadata string `json:"metadata"`
  Tag string `json:"tag"`
  CommentAllowed int `json:"commentAllowed"`
  Status string `json:"status"`
  Reason string `json:"reason"`
}

type lnurlCallbackResponse struct {
  Pr string `json:"pr"`
  Status string `json:"status"`
  Reason string `json:"reason"`
}

// handleLNURLPayParams serves the first leg of an LNURL-pay flow for an
// address hosted on this bridge.
func (s *Server) handleLNURLPayParams(w http.ResponseWriter, r *http.Request) {
  name := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "name")))
  if name == "" {
    writeJSON(w, http.StatusOK, lnurlPayResponse{Status: "ERROR", Reason: "name required"})
    return
  }

  domain := s.cfg.LNURL.Domain
  if domain == "" {
    domain = r.Host
  }
  metadata := lnurlMetadata(name, domain)

  writeJSON(w, http.StatusOK, lnurlPayResponse{
    Callback: fmt.Sprintf("https://%s/lnurlp/%s/callback", domain, url.PathEscape(name)),
    MinSendable: s.cfg.LNURL.MinSendableMsat,
    MaxSendable: s.cfg.LNURL.MaxSendableMsat,
    Metadata: metadata,
    Tag: "payRequest",
    CommentAllowed: 120,
  })
}

// handleLNURLPayCallback is the second leg: it mints a real invoice for the
// requested amount.
func (s *Server) handleLNURLPayCallback(w http.ResponseWriter, r *http.Request) {
  name := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "name")))
  amountMsat, err := strconv.ParseInt(r.URL.Query().Get("amount"), 10, 64)
  if err != nil || amountMsat <= 0 {
    writeJSON(w, http.StatusOK, lnurlCallbackResponse{Status: "ERROR", Reason: "invalid amount"})
    return
  }
  if amountMsat < s.cfg.LNURL.MinSendableMsat || amountMsat > s.cfg.LNURL.MaxSendableMsat {
    writeJSON(w, http.StatusOK, lnurlCallbackResponse{Status: "ERROR", Reason: "amount out of range"})
    return
  }

  comment := r.URL.Query().Get("comment")
  memo := "lnurlp " + name
  if comment != "" {
    memo = memo + ": " + comment
  }
  boltcardID := r.URL.Query().Get("card")

  ctx, cancel := context.WithTimeout(r.Context(), lnurlRequestTimeout)
  defer cancel()

  rec, err := s.engine.CreateInvoice(ctx, amountMsat, memo, boltcardID)
  if err != nil {
    s.logger.Printf("lnurlp: invoice for %s failed: %v", name, err)
    writeJSON(w, http.StatusOK, lnurlCallbackResponse{Status: "ERROR", Reason: "invoice creation failed"})
    return
  }
  s.subs.Watch(context.Background(), rec)

  writeJSON(w, http.StatusOK, lnurlCallbackResponse{Pr: rec.Bolt11})
}

func lnurlMetadata(name, domain string) string {
  raw, _ := json.Marshal([][]string{
    {"text/plain", fmt.Sprintf("Payment to %s@%s", name, domain)},
    {"text/identifier", fmt.Sprintf("%s@%s", name, domain)},
  })
  return string(raw)
}

func isLightningAddress(value string) bool {
  user, domain, err := splitLightningAddress(value)
  return err == nil && user != "" && domain != ""
}

func splitLightningAddress(value string) (string, string, error) {
  if strings.TrimSpace(value) == "" {
    return "", "", errors.New("lightning address required")
  }
  parts := strings.Split(value, "@")
  if len(parts) != 2 {
    return "", "", errors.New("invalid lightning address")
  }
  user := strings.TrimSpace(parts[0])
  domain := strings.TrimSpace(parts[1])
  if user == "" || domain == "" {
    return "", "", errors.New("invalid lightning address")
  }
  return user, domain, nil
}

func resolveLightningAddress(ctx context.Context, address string, amountSat int64, comment string) (string, error) {
  if amountSat <= 0 {
    return "", errors.New("amount must be positive")
  }
  user, domain, err := splitLightningAddress(address)
  if err != nil {
    return "", err
  }

  metadataURL := fmt.Sprintf("https://%s/.well-known/lnurlp/%s", domain, url.PathEscape(user))
  metaCtx, metaCancel := context.WithTimeout(ctx, lnurlRequestTimeout)
  defer metaCancel()
  metaReq, err := http.NewRequestWithContext(metaCtx, http.MethodGet, metadataURL, nil)
  if err != nil {
    return "", err
  }
  metaResp, err := http.DefaultClient.Do(metaReq)
  if err != nil {
    if errors.Is(err, context.DeadlineExceeded) || errors.Is(metaCtx.Err(), context.DeadlineExceeded) {
      return "", errors.New("lnurl request timed out")
    }
    return "", err
  }
  defer metaResp.Body.Close()
  if metaResp.StatusCode != http.StatusOK {
    return "", fmt.Errorf("lnurlp returned status %d", metaResp.StatusCode)
  }

  var payResp lnurlPayResponse
  if err := json.NewDecoder(metaResp.Body).Decode(&payResp); err != nil {
    return "", err
  }
  if strings.EqualFold(payResp.Status, "ERROR") {
    if payResp.Reason != "" {
      return "", errors.New(payResp.Reason)
    }
    return "", errors.New("lnurlp request failed")
  }
  if payResp.Callback == "" {
    return "", errors.New("lnurlp callback missing")
  }

  amountMsat := amountSat * 1000
  if (payResp.MinSendable > 0 && amountMsat < payResp.MinSendable) || (payResp.MaxSendable > 0 && amountMsat > payResp.MaxSendable) {
    minSat := int64(0)
    maxSat := int64(0)
    if payResp.MinSendable > 0 {
      minSat = (payResp.MinSendable + 999) / 1000
    }
    if payResp.MaxSendable > 0 {
      maxSat = payResp.MaxSendable / 1000
    }
    if minSat > 0 && maxSat > 0 {
      return "", fmt.Errorf("amount out of range. Minimum is %d sats; maximum is %d sats", minSat, maxSat)
    }
    if minSat > 0 {
      return "", fmt.Errorf("amount too small. Minimum is %d sats", minSat)
    }
    if maxSat > 0 {
      return "", fmt.Errorf("amount too large. Maximum is %d sats", maxSat)
    }
  }

  callbackURL, err := url.Parse(payResp.Callback)
  if err != nil {
    return "", fmt.Errorf("invalid lnurl callback: %w", err)
  }

  q := callbackURL.Query()
  q.Set("amount", strconv.FormatInt(amountMsat, 10))
  if comment != "" {
    if payResp.CommentAllowed <= 0 {
      return "", errors.New("comments not allowed for this address")
    }
    if len(comment) > payResp.CommentAllowed {
      return "", fmt.Errorf("comment too long (max %d chars)", payResp.CommentAllowed)
    }
    q.Set("comment", comment)
  }
  callbackURL.RawQuery = q.Encode()

  cbCtx, cbCancel := context.WithTimeout(ctx, lnurlRequestTimeout)
  defer cbCancel()
  cbReq, err := http.NewRequestWithContext(cbCtx, http.MethodGet, callbackURL.String(), nil)
  if err != nil {
    return "", err
  }
  cbResp, err := http.DefaultClient.Do(cbReq)
  if err != nil {
    if errors.Is(err, context.DeadlineExceeded) || errors.Is(cbCtx.Err(), context.DeadlineExceeded) {
      return "", errors.New("lnurl request timed out")
    }
    return "", err
  }
  defer cbResp.Body.Close()
  if cbResp.StatusCode != http.StatusOK {
    return "", fmt.Errorf("lnurl callback returned status %d", cbResp.StatusCode)
  }

  var cb lnurlCallbackResponse
  if err := json.NewDecoder(cbResp.Body).Decode(&cb); err != nil {
    return "", err
  }
  if strings.EqualFold(cb.Status, "ERROR") {
    if cb.Reason != "" {
      return "", errors.New(cb.Reason)
    }
    return "", errors.New("lnurl callback failed")
  }
  if cb.Pr == "" {
    return "", errors.New("payment request missing from callback")
  }

  return cb.Pr, nil
}
