package blebridge

import (
  "context"
  "fmt"
  "net"
  "strings"

  "github.com/robertof/go-cgm-connector/ble"
)

// Query selects the transmitter to connect to. A non-nil Address takes precedence over the
// name prefix.
type Query struct {
  NamePrefix string
  Address net.HardwareAddr
}

func (q Query) Matches(p Peripheral) bool {
  if q.Address != nil {
    return strings.EqualFold(q.Address.String(), p.Address.String())
  }

  return strings.HasPrefix(strings.ToLower(p.Name), strings.ToLower(q.NamePrefix))
}

func (q Query) String() string {
  if q.Address != nil {
    return q.Address.String()
  }

  return fmt.Sprintf("name=%v*", q.NamePrefix)
}

type Peripheral struct {
  Name string
  Address net.HardwareAddr
  RSSI int
}

func (p Peripheral) String() string {
  return fmt.Sprintf("%v[%q, RSSI=%d]", p.Address, p.Name, p.RSSI)
}

// Link is an open notification stream.
type Link interface {
  Disconnected() <-chan struct{}
  Close() error
}

type Transport interface {
  Find(ctx context.Context, q Query) (Peripheral, error)
  Open(ctx context.Context, p Peripheral, service, data ble.UUID, notify func([]byte)) (Link, error)
}

type handleTransport struct {
  h *ble.Handle
}

// NewTransport exposes a Bluetooth adapter as a Transport.
func NewTransport(h *ble.Handle) Transport {
  return handleTransport{h: h}
}

func peripheralOf(a ble.Advertisement) (Peripheral, bool) {
  addr, err := net.ParseMAC(a.Addr().String())

  if err != nil {
    return Peripheral{}, false
  }

  return Peripheral{Name: a.LocalName(), Address: addr, RSSI: a.RSSI()}, true
}

func (t handleTransport) Find(ctx context.Context, q Query) (Peripheral, error) {
  if q.Address != nil {
    var found Peripheral

    err := t.h.ScanAddresses(ctx, []net.HardwareAddr{q.Address}, func(a ble.Advertisement) bool {
      p, ok := peripheralOf(a)

      if ok {
        found = p
      }

      return ok
    })

    if err != nil {
      return Peripheral{}, err
    }

    if found.Address == nil {
      return Peripheral{}, fmt.Errorf("transmitter %v not found: %w", q.Address, ctx.Err())
    }

    return found, nil
  }

  a, err := t.h.ScanFirst(ctx, func(a ble.Advertisement) bool {
    p, ok := peripheralOf(a)
    return ok && q.Matches(p)
  })

  if err != nil {
    return Peripheral{}, err
  }

  p, _ := peripheralOf(a)
  return p, nil
}

func (t handleTransport) Open(
  ctx context.Context,
  p Peripheral,
  service, data ble.UUID,
  notify func([]byte),
) (Link, error) {
  sub, err := t.h.Subscribe(ctx, p.Address, service, data, notify)

  if err != nil {
    return nil, err
  }

  return sub, nil
}
