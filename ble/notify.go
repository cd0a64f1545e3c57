package ble

import (
  "context"
  "fmt"
  "net"
  "sync"

  "github.com/rs/zerolog/log"
)

// Subscription is a live notification stream from a single characteristic.
type Subscription struct {
  client Client
  char *Characteristic
  // pooled connections outlive the subscription and are closed by DisconnectAll.
  pooled bool

  once sync.Once
  err error
}

// Subscribe connects to addr, looks up characteristic inside service and streams its
// notifications to handler. The handler runs on the Bluetooth stack goroutine and must not block.
func (h *Handle) Subscribe(
  ctx context.Context,
  addr net.HardwareAddr,
  service, characteristic UUID,
  handler func([]byte),
) (*Subscription, error) {
  client, err := h.Connect(ctx, addr)

  if err != nil {
    return nil, fmt.Errorf("failed to connect to %v: %w", addr, err)
  }

  p, err := client.DiscoverProfile(false)

  if err != nil {
    client.CancelConnection()
    return nil, fmt.Errorf("cannot discover profile for device: %w", err)
  }

  var char *Characteristic

  for _, svc := range p.Services {
    if !svc.UUID.Equal(service) {
      continue
    }

    for _, c := range svc.Characteristics {
      if c.UUID.Equal(characteristic) {
        char = c
      }
    }
  }

  if char == nil {
    client.CancelConnection()
    return nil, fmt.Errorf("failed to find characteristic '%v' in service '%v'", characteristic, service)
  }

  err = client.Subscribe(char, false, func(data []byte) {
    notificationsCounter.Inc()
    handler(data)
  })

  if err != nil {
    client.CancelConnection()
    return nil, fmt.Errorf("failed to subscribe to characteristic '%v': %w", characteristic, err)
  }

  log.Debug().
    Stringer("Addr", addr).
    Stringer("Characteristic", characteristic).
    Msg("ble: subscribed to notifications")

  return &Subscription{client: client, char: char, pooled: h.connPool != nil}, nil
}

func (s *Subscription) Disconnected() <-chan struct{} {
  return s.client.Disconnected()
}

// Close unsubscribes and, unless the connection is pooled, drops it. It is safe to call more
// than once.
func (s *Subscription) Close() error {
  s.once.Do(func() {
    err := s.client.Unsubscribe(s.char, false)

    if s.pooled {
      s.err = err
      return
    }

    if err != nil {
      log.Debug().Err(err).Msg("ble: failed to unsubscribe, dropping the connection anyway")
    }

    s.err = s.client.CancelConnection()
  })

  return s.err
}
