package mqtt

import (
  "errors"
  "testing"
  "time"
)

func TestConfigValidate(t *testing.T) {
  valid := DefaultConfig()
  valid.Host = "localhost"

  tests := []struct {
    name string
    mutate func(c *Config)
    wantErr bool
  }{
    {"disabled", func(c *Config) { c.Host = ""; c.Port = -1 }, false},
    {"valid", func(c *Config) {}, false},
    {"port", func(c *Config) { c.Port = 70000 }, true},
    {"qos", func(c *Config) { c.QoS = 3 }, true},
    {"client id", func(c *Config) { c.ClientID = "" }, true},
    {"prefix", func(c *Config) { c.TopicPrefix = "//" }, true},
  }

  for _, test := range tests {
    cfg := valid
    test.mutate(&cfg)

    err := cfg.Validate()

    if (err != nil) != test.wantErr {
      t.Fatalf("Validate(%v): got %v, wanted error=%v", test.name, err, test.wantErr)
    }

    if err != nil && !errors.Is(err, ErrInvalidConfig) {
      t.Fatalf("Validate(%v): got %v, wanted ErrInvalidConfig", test.name, err)
    }
  }
}

func TestBuildClientOptions(t *testing.T) {
  cfg := DefaultConfig()
  cfg.Host = "broker.local"
  cfg.TLS = true
  cfg.Username = "user"
  cfg.TopicPrefix = "/home/cgm/"
  cfg.ReconnectDelay = 2 * time.Second

  opts := buildClientOptions(cfg)

  if len(opts.Servers) != 1 || opts.Servers[0].String() != "ssl://broker.local:1883" {
    t.Fatalf("buildClientOptions(): got servers %v", opts.Servers)
  }

  if opts.WillTopic != "home/cgm/system/status" || !opts.WillRetained || !opts.WillEnabled {
    t.Fatalf("buildClientOptions(): got will %q retained=%v", opts.WillTopic, opts.WillRetained)
  }

  if opts.Username != "user" || opts.ClientID != DefaultClientID {
    t.Fatalf("buildClientOptions(): got username %q client id %q", opts.Username, opts.ClientID)
  }

  if opts.TLSConfig == nil || opts.ConnectRetryInterval != 2*time.Second {
    t.Fatalf("buildClientOptions(): got tls %v retry %v", opts.TLSConfig, opts.ConnectRetryInterval)
  }
}
