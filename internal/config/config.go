package config

import (
  "fmt"
  "os"
  "strings"
  "time"

  "gopkg.in/yaml.v3"
)

type Config struct {
  Server Server `yaml:"server"`
  Flash Flash `yaml:"flash"`
  Postgres Postgres `yaml:"postgres"`
  Reconcile Reconcile `yaml:"reconcile"`
  LNURL LNURL `yaml:"lnurl"`
}

type Server struct {
  Host string `yaml:"host"`
  Port int `yaml:"port"`
  WebhookURL string `yaml:"webhook_url"`
}

type Flash struct {
  APIURL string `yaml:"api_url"`
  WSURL string `yaml:"ws_url"`
  AuthToken string `yaml:"auth_token"`
  WalletID string `yaml:"wallet_id"`
  RequestTimeout time.Duration `yaml:"-"`
}

func (f *Flash) UnmarshalYAML(value *yaml.Node) error {
  var raw struct {
    APIURL string `yaml:"api_url"`
    WSURL string `yaml:"ws_url"`
    AuthToken string `yaml:"auth_token"`
    WalletID string `yaml:"wallet_id"`
    RequestTimeout string `yaml:"request_timeout"`
  }
  if err := value.Decode(&raw); err != nil {
    return err
  }

  f.APIURL = raw.APIURL
  f.WSURL = raw.WSURL
  f.AuthToken = raw.AuthToken
  f.WalletID = raw.WalletID

  var err error
  if f.RequestTimeout, err = parseDuration("request_timeout", raw.RequestTimeout); err != nil {
    return err
  }
  return nil
}

type Postgres struct {
  DSN string `yaml:"dsn"`
}

type Reconcile struct {
  EarlyPollInterval time.Duration `yaml:"-"`
  LatePollInterval time.Duration `yaml:"-"`
  EarlyPollWindow time.Duration `yaml:"-"`
  RetentionWindow time.Duration `yaml:"-"`
  InvoiceExpiry time.Duration `yaml:"-"`
  UnknownGracePeriod time.Duration `yaml:"-"`
  ReconnectBaseDelay time.Duration `yaml:"-"`
  ReconnectMaxDelay time.Duration `yaml:"-"`
  ReconnectMaxAttempts int `yaml:"reconnect_max_attempts"`
}

func (r *Reconcile) UnmarshalYAML(value *yaml.Node) error {
  var raw struct {
    EarlyPollInterval string `yaml:"early_poll_interval"`
    LatePollInterval string `yaml:"late_poll_interval"`
    EarlyPollWindow string `yaml:"early_poll_window"`
    RetentionWindow string `yaml:"retention_window"`
    InvoiceExpiry string `yaml:"invoice_expiry"`
    UnknownGracePeriod string `yaml:"unknown_grace_period"`
    ReconnectBaseDelay string `yaml:"reconnect_base_delay"`
    ReconnectMaxDelay string `yaml:"reconnect_max_delay"`
    ReconnectMaxAttempts int `yaml:"reconnect_max_attempts"`
  }
  if err := value.Decode(&raw); err != nil {
    return err
  }

  fields := []struct {
    name string
    src string
    dst *time.Duration
  }{
    {"early_poll_interval", raw.EarlyPollInterval, &r.EarlyPollInterval},
    {"late_poll_interval", raw.LatePollInterval, &r.LatePollInterval},
    {"early_poll_window", raw.EarlyPollWindow, &r.EarlyPollWindow},
    {"retention_window", raw.RetentionWindow, &r.RetentionWindow},
    {"invoice_expiry", raw.InvoiceExpiry, &r.InvoiceExpiry},
    {"unknown_grace_period", raw.UnknownGracePeriod, &r.UnknownGracePeriod},
    {"reconnect_base_delay", raw.ReconnectBaseDelay, &r.ReconnectBaseDelay},
    {"reconnect_max_delay", raw.ReconnectMaxDelay, &r.ReconnectMaxDelay},
  }
  for _, f := range fields {
    parsed, err := parseDuration(f.name, f.src)
    if err != nil {
      return err
    }
    *f.dst = parsed
  }
  r.ReconnectMaxAttempts = raw.ReconnectMaxAttempts
  return nil
}

// parseDuration accepts Go duration strings ("30s", "2m"). Empty means
// unset; the default is applied later.
func parseDuration(name, raw string) (time.Duration, error) {
  raw = strings.TrimSpace(raw)
  if raw == "" {
    return 0, nil
  }
  d, err := time.ParseDuration(raw)
  if err != nil {
    return 0, fmt.Errorf("%s: invalid duration %q", name, raw)
  }
  return d, nil
}

type LNURL struct {
  Domain string `yaml:"domain"`
  MinSendableMsat int64 `yaml:"min_sendable_msat"`
  MaxSendableMsat int64 `yaml:"max_sendable_msat"`
}

func Load(path string) (*Config, error) {
  b, err := os.ReadFile(path)
  if err != nil {
    return nil, err
  }

  var cfg Config
  if err := yaml.Unmarshal(b, &cfg); err != nil {
    return nil, err
  }

  applyDefaults(&cfg)

  if strings.TrimSpace(cfg.Flash.AuthToken) == "" {
    return nil, fmt.Errorf("flash auth_token required")
  }
  if strings.TrimSpace(cfg.Flash.WalletID) == "" {
    return nil, fmt.Errorf("flash wallet_id required")
  }

  return &cfg, nil
}

func applyDefaults(cfg *Config) {
  if cfg.Server.Host == "" {
    cfg.Server.Host = "127.0.0.1"
  }
  if cfg.Server.Port == 0 {
    cfg.Server.Port = 8780
  }
  if cfg.Flash.APIURL == "" {
    cfg.Flash.APIURL = "https://api.flashapp.me/graphql"
  }
  if cfg.Flash.WSURL == "" {
    cfg.Flash.WSURL = "wss://api.flashapp.me/graphql"
  }
  if cfg.Flash.RequestTimeout <= 0 {
    cfg.Flash.RequestTimeout = 30 * time.Second
  }
  if cfg.Reconcile.EarlyPollInterval <= 0 {
    cfg.Reconcile.EarlyPollInterval = 3 * time.Second
  }
  if cfg.Reconcile.LatePollInterval <= 0 {
    cfg.Reconcile.LatePollInterval = 30 * time.Second
  }
  if cfg.Reconcile.EarlyPollWindow <= 0 {
    cfg.Reconcile.EarlyPollWindow = 5 * time.Minute
  }
  if cfg.Reconcile.RetentionWindow <= 0 {
    cfg.Reconcile.RetentionWindow = 15 * time.Minute
  }
  if cfg.Reconcile.InvoiceExpiry <= 0 {
    cfg.Reconcile.InvoiceExpiry = time.Hour
  }
  if cfg.Reconcile.UnknownGracePeriod <= 0 {
    cfg.Reconcile.UnknownGracePeriod = 2 * time.Minute
  }
  if cfg.Reconcile.ReconnectBaseDelay <= 0 {
    cfg.Reconcile.ReconnectBaseDelay = time.Second
  }
  if cfg.Reconcile.ReconnectMaxDelay <= 0 {
    cfg.Reconcile.ReconnectMaxDelay = 2 * time.Minute
  }
  if cfg.Reconcile.ReconnectMaxAttempts <= 0 {
    cfg.Reconcile.ReconnectMaxAttempts = 10
  }
  if cfg.LNURL.MinSendableMsat <= 0 {
    cfg.LNURL.MinSendableMsat = 1000
  }
  if cfg.LNURL.MaxSendableMsat <= 0 {
    cfg.LNURL.MaxSendableMsat = 500_000_000
  }
}
