package server

import (
  "context"
  "fmt"
  "log"
  "net/http"
  "time"

  "github.com/lnflash/btcpayserver-flash-plugin/internal/config"
  "github.com/lnflash/btcpayserver-flash-plugin/internal/flashclient"
  "github.com/lnflash/btcpayserver-flash-plugin/internal/reconcile"
  "github.com/lnflash/btcpayserver-flash-plugin/internal/store"
)

type Server struct {
  cfg *config.Config
  logger *log.Logger
  flash *flashclient.Client
  engine *reconcile.Engine
  executor *reconcile.Executor
  subs *reconcile.SubscriptionManager
  store *store.Store
  notifier *Notifier
}

func New(cfg *config.Config, logger *log.Logger, flash *flashclient.Client, engine *reconcile.Engine,
  executor *reconcile.Executor, subs *reconcile.SubscriptionManager, st *store.Store, notifier *Notifier) *Server {
  return &Server{
    cfg: cfg,
    logger: logger,
    flash: flash,
    engine: engine,
    executor: executor,
    subs: subs,
    store: st,
    notifier: notifier,
  }
}

// Run serves until the context is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
  addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)

  httpServer := &http.Server{
    Addr:              addr,
    Handler:           s.routes(),
    ReadHeaderTimeout: 10 * time.Second,
  }

  errCh := make(chan error, 1)
  go func() {
    errCh <- httpServer.ListenAndServe()
  }()

  s.logger.Printf("listening on http://%s", addr)

  select {
  case err := <-errCh:
    return err
  case <-ctx.Done():
    shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
    defer cancel()
    return httpServer.Shutdown(shutdownCtx)
  }
}
