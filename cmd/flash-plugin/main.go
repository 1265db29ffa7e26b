package main

import (
  "context"
  "flag"
  "log"
  "os"
  "os/signal"
  "syscall"
  "time"

  "github.com/jackc/pgx/v5/pgxpool"

  "github.com/lnflash/btcpayserver-flash-plugin/internal/config"
  "github.com/lnflash/btcpayserver-flash-plugin/internal/flashclient"
  "github.com/lnflash/btcpayserver-flash-plugin/internal/reconcile"
  "github.com/lnflash/btcpayserver-flash-plugin/internal/server"
  "github.com/lnflash/btcpayserver-flash-plugin/internal/store"
)

func main() {
  fs := flag.NewFlagSet("flash-plugin", flag.ExitOnError)
  configPath := fs.String("config", "/etc/flash-plugin/config.yaml", "Path to config.yaml")
  _ = fs.Parse(os.Args[1:])

  cfg, err := config.Load(*configPath)
  if err != nil {
    log.Fatalf("config load failed: %v", err)
  }

  logger := log.New(os.Stdout, "", log.LstdFlags)

  ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
  defer stop()

  var st *store.Store
  var pool *pgxpool.Pool
  if cfg.Postgres.DSN != "" {
    poolCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
    pool, err = pgxpool.New(poolCtx, cfg.Postgres.DSN)
    if err != nil {
      cancel()
      logger.Fatalf("postgres connect failed: %v", err)
    }
    st = store.New(pool, logger)
    if err := st.EnsureSchema(poolCtx); err != nil {
      cancel()
      logger.Fatalf("postgres schema init failed: %v", err)
    }
    cancel()
    defer pool.Close()
  } else {
    logger.Printf("postgres dsn not set, running without durable storage")
  }

  flash := flashclient.New(cfg, logger)
  notifier := server.NewNotifier(cfg.Server.WebhookURL, logger)

  var persister reconcile.Persister
  if st != nil {
    persister = st
  }
  engine := reconcile.NewEngine(cfg.Reconcile, flash, persister, notifier.Notify, logger)
  executor := reconcile.NewExecutor(engine, flash, logger)
  subs := reconcile.NewSubscriptionManager(cfg.Reconcile, engine, flash, logger)
  poller := reconcile.NewPoller(cfg.Reconcile, engine, flash, logger)

  if st != nil {
    restoreCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
    restored, err := st.LoadUnresolved(restoreCtx)
    cancel()
    if err != nil {
      logger.Printf("restore of in-flight invoices failed: %v", err)
    }
    for _, rec := range restored {
      engine.TrackInvoice(rec)
      subs.Watch(ctx, rec)
    }
    if len(restored) > 0 {
      logger.Printf("restored %d in-flight invoices", len(restored))
    }
  }

  go poller.Run(ctx)

  srv := server.New(cfg, logger, flash, engine, executor, subs, st, notifier)
  if err := srv.Run(ctx); err != nil {
    logger.Printf("server exited: %v", err)
  }

  stop()
  subs.Close()
  <-poller.Done()
  logger.Printf("shutdown complete")
}
