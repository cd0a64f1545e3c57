package mqtt

import (
  "crypto/tls"
  "fmt"
  "strings"
  "time"

  pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
  DefaultPort = 1883
  DefaultClientID = "cgm-connector"
  DefaultTopicPrefix = "cgm"
  DefaultQoS = 1
  DefaultReconnectDelay = time.Second
  DefaultMaxReconnectDelay = time.Minute

  defaultConnectTimeout = 10 * time.Second
  defaultPublishTimeout = 5 * time.Second
  // milliseconds
  defaultDisconnectQuiesce = 1000
  defaultKeepAlive = 60 * time.Second

  maxQoS = 2
)

// Config is the broker configuration. The bridge is disabled when Host is empty.
type Config struct {
  Host string `yaml:"host"`
  Port int `yaml:"port"`
  TLS bool `yaml:"tls"`
  ClientID string `yaml:"client_id"`
  Username string `yaml:"username"`
  Password string `yaml:"password"`
  QoS int `yaml:"qos"`
  TopicPrefix string `yaml:"topic_prefix"`
  ReconnectDelay time.Duration `yaml:"reconnect_delay"`
  MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`
}

func DefaultConfig() Config {
  return Config{
    Port: DefaultPort,
    ClientID: DefaultClientID,
    QoS: DefaultQoS,
    TopicPrefix: DefaultTopicPrefix,
    ReconnectDelay: DefaultReconnectDelay,
    MaxReconnectDelay: DefaultMaxReconnectDelay,
  }
}

func (c Config) Enabled() bool {
  return c.Host != ""
}

func (c Config) Validate() error {
  if !c.Enabled() {
    return nil
  }

  if c.Port <= 0 || c.Port > 65535 {
    return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
  }

  if c.QoS < 0 || c.QoS > maxQoS {
    return fmt.Errorf("%w: %w", ErrInvalidConfig, ErrInvalidQoS)
  }

  if c.ClientID == "" {
    return fmt.Errorf("%w: empty client id", ErrInvalidConfig)
  }

  if strings.Trim(c.TopicPrefix, "/") == "" {
    return fmt.Errorf("%w: empty topic prefix", ErrInvalidConfig)
  }

  return nil
}

func (c Config) BrokerURL() string {
  scheme := "tcp"

  if c.TLS {
    scheme = "ssl"
  }

  return fmt.Sprintf("%s://%s:%d", scheme, c.Host, c.Port)
}

func (c Config) Topics() Topics {
  return Topics{Prefix: strings.Trim(c.TopicPrefix, "/")}
}

func buildClientOptions(cfg Config) *pahomqtt.ClientOptions {
  opts := pahomqtt.NewClientOptions()

  opts.AddBroker(cfg.BrokerURL())
  opts.SetClientID(cfg.ClientID)

  if cfg.Username != "" {
    opts.SetUsername(cfg.Username)
    opts.SetPassword(cfg.Password)
  }

  opts.SetCleanSession(true)

  opts.SetAutoReconnect(true)
  opts.SetConnectRetry(true)
  opts.SetConnectRetryInterval(cfg.ReconnectDelay)
  opts.SetMaxReconnectInterval(cfg.MaxReconnectDelay)

  opts.SetConnectTimeout(defaultConnectTimeout)
  opts.SetKeepAlive(defaultKeepAlive)

  if cfg.TLS {
    opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
  }

  // the broker publishes this on our behalf when the connection drops unexpectedly.
  opts.SetWill(cfg.Topics().Status(), statusPayload(cfg.ClientID, "offline", "unexpected_disconnect"), 1, true)

  return opts
}

func statusPayload(clientID, status, reason string) string {
  if reason == "" {
    return fmt.Sprintf(`{"status":%q,"client_id":%q,"timestamp":%q}`,
      status, clientID, time.Now().UTC().Format(time.RFC3339))
  }

  return fmt.Sprintf(`{"status":%q,"client_id":%q,"reason":%q,"timestamp":%q}`,
    status, clientID, reason, time.Now().UTC().Format(time.RFC3339))
}
