package mqtt

import (
  "fmt"
  "sync"

  pahomqtt "github.com/eclipse/paho.mqtt.golang"
  "github.com/rs/zerolog/log"
)

// MessageHandler receives messages on a subscribed topic. Handlers run on paho's goroutines.
type MessageHandler func(topic string, payload []byte) error

// Publisher is the part of the client the bridge needs.
type Publisher interface {
  Publish(topic string, payload []byte, retained bool) error
  Subscribe(topic string, handler MessageHandler) error
  IsConnected() bool
}

type subscription struct {
  topic string
  handler MessageHandler
}

// Client wraps a paho client. Subscriptions are restored after every reconnect.
type Client struct {
  client pahomqtt.Client
  cfg Config

  subMu sync.RWMutex
  subscriptions map[string]subscription

  connMu sync.RWMutex
  connected bool
}

func Connect(cfg Config) (*Client, error) {
  if err := cfg.Validate(); err != nil {
    return nil, err
  }

  c := &Client{
    cfg: cfg,
    subscriptions: make(map[string]subscription),
  }

  opts := buildClientOptions(cfg)

  opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
    c.handleConnect()
  })

  opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
    c.handleDisconnect(err)
  })

  opts.SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
    log.Debug().Str("Broker", cfg.BrokerURL()).Msg("mqtt: reconnecting")
  })

  c.client = pahomqtt.NewClient(opts)
  token := c.client.Connect()

  if !token.WaitTimeout(defaultConnectTimeout) {
    return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
  }

  if err := token.Error(); err != nil {
    return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
  }

  // the OnConnect handler runs asynchronously and may not have fired yet.
  c.setConnected(true)

  return c, nil
}

func (c *Client) setConnected(v bool) {
  c.connMu.Lock()
  c.connected = v
  c.connMu.Unlock()
}

func (c *Client) handleConnect() {
  c.setConnected(true)

  log.Info().Str("Broker", c.cfg.BrokerURL()).Msg("mqtt: connected")

  c.subMu.RLock()
  for _, sub := range c.subscriptions {
    c.client.Subscribe(sub.topic, byte(c.cfg.QoS), c.wrapHandler(sub.handler))
  }
  c.subMu.RUnlock()

  c.client.Publish(c.cfg.Topics().Status(), byte(c.cfg.QoS), true, statusPayload(c.cfg.ClientID, "online", ""))
}

func (c *Client) handleDisconnect(err error) {
  c.setConnected(false)

  log.Warn().Err(err).Str("Broker", c.cfg.BrokerURL()).Msg("mqtt: connection lost")
}

func (c *Client) IsConnected() bool {
  c.connMu.RLock()
  defer c.connMu.RUnlock()

  return c.connected && c.client.IsConnected()
}

func (c *Client) Publish(topic string, payload []byte, retained bool) error {
  if topic == "" {
    return ErrInvalidTopic
  }

  if !c.IsConnected() {
    return ErrNotConnected
  }

  token := c.client.Publish(topic, byte(c.cfg.QoS), retained, payload)

  if !token.WaitTimeout(defaultPublishTimeout) {
    return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
  }

  if err := token.Error(); err != nil {
    return fmt.Errorf("%w: %w", ErrPublishFailed, err)
  }

  return nil
}

func (c *Client) Subscribe(topic string, handler MessageHandler) error {
  if topic == "" {
    return ErrInvalidTopic
  }

  c.subMu.Lock()
  c.subscriptions[topic] = subscription{topic: topic, handler: handler}
  c.subMu.Unlock()

  if !c.IsConnected() {
    // restored by handleConnect
    return nil
  }

  token := c.client.Subscribe(topic, byte(c.cfg.QoS), c.wrapHandler(handler))

  if !token.WaitTimeout(defaultPublishTimeout) {
    return fmt.Errorf("%w: timeout after %v", ErrSubscribeFailed, defaultPublishTimeout)
  }

  if err := token.Error(); err != nil {
    return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
  }

  return nil
}

// Close publishes a graceful offline status and disconnects.
func (c *Client) Close() error {
  if c.client == nil {
    return nil
  }

  if c.IsConnected() {
    token := c.client.Publish(c.cfg.Topics().Status(), byte(c.cfg.QoS), true,
      statusPayload(c.cfg.ClientID, "offline", "shutdown"))
    token.WaitTimeout(defaultPublishTimeout)
  }

  c.client.Disconnect(defaultDisconnectQuiesce)
  c.setConnected(false)

  return nil
}

func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
  return func(_ pahomqtt.Client, msg pahomqtt.Message) {
    defer func() {
      if r := recover(); r != nil {
        log.Error().Str("Topic", msg.Topic()).Interface("Panic", r).Msg("mqtt: handler panicked")
      }
    }()

    if err := handler(msg.Topic(), msg.Payload()); err != nil {
      log.Warn().Err(err).Str("Topic", msg.Topic()).Msg("mqtt: handler failed")
    }
  }
}
