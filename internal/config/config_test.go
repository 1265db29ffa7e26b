package config

import (
  "os"
  "path/filepath"
  "testing"
  "time"
)

func writeConfig(t *testing.T, contents string) string {
  t.Helper()
  path := filepath.Join(t.TempDir(), "config.yaml")
  if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
    t.Fatalf("write config: %v", err)
  }
  return path
}

func TestLoadAppliesDefaults(t *testing.T) {
  path := writeConfig(t, `
flash:
  auth_token: tok
  wallet_id: wallet-1
`)

  cfg, err := Load(path)
  if err != nil {
    t.Fatalf("Load: %v", err)
  }

  if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 8780 {
    t.Fatalf("server defaults = %s:%d", cfg.Server.Host, cfg.Server.Port)
  }
  if cfg.Flash.APIURL == "" || cfg.Flash.WSURL == "" {
    t.Fatal("flash endpoint defaults missing")
  }
  if cfg.Reconcile.EarlyPollInterval != 3*time.Second {
    t.Fatalf("early poll interval = %v", cfg.Reconcile.EarlyPollInterval)
  }
  if cfg.Reconcile.LatePollInterval != 30*time.Second {
    t.Fatalf("late poll interval = %v", cfg.Reconcile.LatePollInterval)
  }
  if cfg.Reconcile.ReconnectMaxAttempts != 10 {
    t.Fatalf("reconnect max attempts = %d", cfg.Reconcile.ReconnectMaxAttempts)
  }
  if cfg.LNURL.MinSendableMsat != 1000 || cfg.LNURL.MaxSendableMsat != 500_000_000 {
    t.Fatalf("lnurl bounds = %d..%d", cfg.LNURL.MinSendableMsat, cfg.LNURL.MaxSendableMsat)
  }
}

func TestLoadHonorsOverrides(t *testing.T) {
  path := writeConfig(t, `
server:
  host: 0.0.0.0
  port: 9000
flash:
  auth_token: tok
  wallet_id: wallet-1
  request_timeout: 10s
reconcile:
  early_poll_interval: 1s
  reconnect_max_attempts: 4
`)

  cfg, err := Load(path)
  if err != nil {
    t.Fatalf("Load: %v", err)
  }
  if cfg.Server.Port != 9000 {
    t.Fatalf("port = %d", cfg.Server.Port)
  }
  if cfg.Flash.RequestTimeout != 10*time.Second {
    t.Fatalf("request timeout = %v", cfg.Flash.RequestTimeout)
  }
  if cfg.Reconcile.EarlyPollInterval != time.Second {
    t.Fatalf("early poll interval = %v", cfg.Reconcile.EarlyPollInterval)
  }
  if cfg.Reconcile.ReconnectMaxAttempts != 4 {
    t.Fatalf("reconnect max attempts = %d", cfg.Reconcile.ReconnectMaxAttempts)
  }
}

func TestLoadRequiresCredentials(t *testing.T) {
  path := writeConfig(t, `
flash:
  wallet_id: wallet-1
`)
  if _, err := Load(path); err == nil {
    t.Fatal("expected error for missing auth token")
  }

  path = writeConfig(t, `
flash:
  auth_token: tok
`)
  if _, err := Load(path); err == nil {
    t.Fatal("expected error for missing wallet id")
  }
}

func TestLoadMissingFile(t *testing.T) {
  if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
    t.Fatal("expected error for missing file")
  }
}
