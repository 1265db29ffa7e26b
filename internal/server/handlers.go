package server

import (
  "context"
  "errors"
  "net/http"
  "strconv"
  "time"

  "github.com/go-chi/chi/v5"

  "github.com/lnflash/btcpayserver-flash-plugin/internal/reconcile"
)

const handlerTimeout = 30 * time.Second

type createInvoiceRequest struct {
  AmountMsat int64 `json:"amount_msat"`
  Memo string `json:"memo"`
  BoltcardID string `json:"boltcard_id"`
}

type payRequest struct {
  Bolt11 string `json:"bolt11"`
  LightningAddress string `json:"lightning_address"`
  AmountMsat int64 `json:"amount_msat"`
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
  writeJSON(w, http.StatusOK, map[string]any{
    "name": "flash-plugin",
    "wallet_id": s.cfg.Flash.WalletID,
    "push_channel": s.subs != nil,
  })
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
  ctx, cancel := context.WithTimeout(r.Context(), handlerTimeout)
  defer cancel()

  balanceSat, err := s.flash.GetBalance(ctx)
  if err != nil {
    writeError(w, http.StatusBadGateway, err.Error())
    return
  }
  writeJSON(w, http.StatusOK, map[string]int64{"balance_sat": balanceSat})
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
  ctx, cancel := context.WithTimeout(r.Context(), handlerTimeout)
  defer cancel()

  rate, currency, err := s.flash.GetExchangeRate(ctx)
  if err != nil {
    writeError(w, http.StatusBadGateway, err.Error())
    return
  }
  writeJSON(w, http.StatusOK, map[string]string{
    "sat_price": rate.String(),
    "currency": currency,
  })
}

func (s *Server) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
  var req createInvoiceRequest
  if err := readJSON(r, &req); err != nil {
    writeError(w, http.StatusBadRequest, "invalid request body")
    return
  }
  if req.AmountMsat < 0 {
    writeError(w, http.StatusBadRequest, "amount must not be negative")
    return
  }

  ctx, cancel := context.WithTimeout(r.Context(), handlerTimeout)
  defer cancel()

  rec, err := s.engine.CreateInvoice(ctx, req.AmountMsat, req.Memo, req.BoltcardID)
  if err != nil {
    writeError(w, invoiceErrStatus(err), err.Error())
    return
  }
  s.subs.Watch(context.Background(), rec)
  writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
  id := chi.URLParam(r, "id")

  rec, err := s.engine.GetInvoice(id)
  if err == nil {
    writeJSON(w, http.StatusOK, rec)
    return
  }
  if !errors.Is(err, reconcile.ErrNotTracked) {
    writeError(w, http.StatusInternalServerError, err.Error())
    return
  }

  // evicted from the in-flight table; the durable mirror may still know it
  if s.store != nil {
    ctx, cancel := context.WithTimeout(r.Context(), handlerTimeout)
    defer cancel()
    if stored, storeErr := s.store.GetInvoice(ctx, id); storeErr == nil {
      writeJSON(w, http.StatusOK, stored)
      return
    }
  }
  writeError(w, http.StatusNotFound, "invoice not found")
}

func (s *Server) handleListInvoices(w http.ResponseWriter, r *http.Request) {
  limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

  if s.store != nil {
    ctx, cancel := context.WithTimeout(r.Context(), handlerTimeout)
    defer cancel()
    items, err := s.store.ListInvoices(ctx, limit)
    if err == nil {
      writeJSON(w, http.StatusOK, map[string]any{"invoices": items})
      return
    }
    s.logger.Printf("invoice list from store failed, serving in-flight only: %v", err)
  }

  writeJSON(w, http.StatusOK, map[string]any{"invoices": s.engine.UnresolvedInvoices()})
}

func (s *Server) handleCancelInvoice(w http.ResponseWriter, r *http.Request) {
  id := chi.URLParam(r, "id")
  if _, err := s.engine.GetInvoice(id); err != nil {
    writeError(w, http.StatusNotFound, "invoice not found")
    return
  }

  s.engine.ApplySignal(r.Context(), reconcile.SourceDirectQuery, id, reconcile.StatusCancelled, "")
  rec, err := s.engine.GetInvoice(id)
  if err != nil {
    writeError(w, http.StatusInternalServerError, err.Error())
    return
  }
  writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handlePay(w http.ResponseWriter, r *http.Request) {
  var req payRequest
  if err := readJSON(r, &req); err != nil {
    writeError(w, http.StatusBadRequest, "invalid request body")
    return
  }

  ctx, cancel := context.WithTimeout(r.Context(), handlerTimeout)
  defer cancel()

  bolt11 := req.Bolt11
  if bolt11 == "" && isLightningAddress(req.LightningAddress) {
    if req.AmountMsat <= 0 {
      writeError(w, http.StatusBadRequest, "amount required for lightning address")
      return
    }
    resolved, err := resolveLightningAddress(ctx, req.LightningAddress, req.AmountMsat/1000, "")
    if err != nil {
      writeError(w, http.StatusBadRequest, err.Error())
      return
    }
    bolt11 = resolved
  }
  if bolt11 == "" {
    writeError(w, http.StatusBadRequest, "bolt11 or lightning address required")
    return
  }

  att, err := s.executor.SubmitPayment(ctx, bolt11, req.AmountMsat)
  if err != nil {
    writeError(w, invoiceErrStatus(err), err.Error())
    return
  }
  writeJSON(w, http.StatusOK, att)
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
  id := chi.URLParam(r, "id")

  att, err := s.engine.GetAttempt(id)
  if err == nil {
    writeJSON(w, http.StatusOK, att)
    return
  }
  if s.store != nil {
    ctx, cancel := context.WithTimeout(r.Context(), handlerTimeout)
    defer cancel()
    if stored, storeErr := s.store.GetAttempt(ctx, id); storeErr == nil {
      writeJSON(w, http.StatusOK, stored)
      return
    }
  }
  writeError(w, http.StatusNotFound, "payment not found")
}

func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
  limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

  if s.store != nil {
    ctx, cancel := context.WithTimeout(r.Context(), handlerTimeout)
    defer cancel()
    items, err := s.store.ListAttempts(ctx, limit)
    if err == nil {
      writeJSON(w, http.StatusOK, map[string]any{"payments": items})
      return
    }
    s.logger.Printf("payment list from store failed, serving unsettled only: %v", err)
  }

  writeJSON(w, http.StatusOK, map[string]any{"payments": s.engine.UnsettledAttempts(0)})
}

// handleEvents streams paid notifications as server-sent events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
  flusher, ok := w.(http.Flusher)
  if !ok {
    writeError(w, http.StatusInternalServerError, "streaming unsupported")
    return
  }

  ch := s.notifier.Subscribe()
  defer s.notifier.Unsubscribe(ch)

  w.Header().Set("Content-Type", "text/event-stream")
  w.Header().Set("Cache-Control", "no-cache")
  w.WriteHeader(http.StatusOK)
  flusher.Flush()

  for {
    select {
    case <-r.Context().Done():
      return
    case rec, open := <-ch:
      if !open {
        return
      }
      if err := writeSSE(w, rec); err != nil {
        return
      }
      flusher.Flush()
    }
  }
}

func invoiceErrStatus(err error) int {
  if reconcile.IsRetryable(err) {
    return http.StatusBadGateway
  }
  return http.StatusBadRequest
}
