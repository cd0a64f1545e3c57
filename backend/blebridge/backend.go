// Package blebridge drives Bluetooth transmitters that sit on top of a sensor and notify framed
// glucose readings.
package blebridge

import (
  "context"
  "errors"
  "fmt"
  "net"
  "sync"
  "time"

  "github.com/rs/zerolog"
  "github.com/rs/zerolog/log"

  "github.com/robertof/go-cgm-connector/ble"
  "github.com/robertof/go-cgm-connector/connector"
  "github.com/robertof/go-cgm-connector/glucose"
  "github.com/robertof/go-cgm-connector/utils"
)

const (
  DefaultNamePrefix = "Bubble"
  // Nordic UART service, used by most bridge transmitters.
  DefaultServiceUUID = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
  DefaultDataUUID = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"

  DefaultScanTimeout = 30 * time.Second
  DefaultConnectTimeout = 10 * time.Second
  DefaultMaxRetries = 3
  DefaultBackoffFactor = 500 * time.Millisecond

  frameQueueSize = 32
)

var errSuperseded = errors.New("blebridge: session superseded")

type Options struct {
  NamePrefix string
  // Fixed transmitter address. When set, the name prefix is ignored.
  Address net.HardwareAddr
  ServiceUUID ble.UUID
  DataUUID ble.UUID

  ScanTimeout time.Duration
  ConnectTimeout time.Duration
  // Negative disables retries.
  MaxRetries int
  BackoffFactor time.Duration

  Now func() time.Time
}

func (o Options) withDefaults() Options {
  if o.NamePrefix == "" {
    o.NamePrefix = DefaultNamePrefix
  }

  if o.ServiceUUID == nil {
    o.ServiceUUID, _ = ble.ParseUUID(DefaultServiceUUID)
  }

  if o.DataUUID == nil {
    o.DataUUID, _ = ble.ParseUUID(DefaultDataUUID)
  }

  if o.ScanTimeout <= 0 {
    o.ScanTimeout = DefaultScanTimeout
  }

  if o.ConnectTimeout <= 0 {
    o.ConnectTimeout = DefaultConnectTimeout
  }

  if o.MaxRetries == 0 {
    o.MaxRetries = DefaultMaxRetries
  } else if o.MaxRetries < 0 {
    o.MaxRetries = 0
  }

  if o.BackoffFactor <= 0 {
    o.BackoffFactor = DefaultBackoffFactor
  }

  if o.Now == nil {
    o.Now = time.Now
  }

  return o
}

func (o Options) query() Query {
  return Query{NamePrefix: o.NamePrefix, Address: o.Address}
}

func NewFactory(transport Transport, opts Options) connector.Factory {
  return func() connector.Backend {
    return New(transport, opts)
  }
}

// Backend runs at most one pair or connect operation at a time, each on its own goroutine.
type Backend struct {
  transport Transport
  opts Options

  mu sync.Mutex
  cancel context.CancelFunc
  done chan struct{}
}

func New(transport Transport, opts Options) *Backend {
  return &Backend{
    transport: transport,
    opts: opts.withDefaults(),
  }
}

func (b *Backend) PairSensor(ctx context.Context, out *connector.Emitter) {
  b.start(ctx, func(ctx context.Context) {
    s := session{Backend: b, out: out, pairing: true}
    s.run(ctx)
  })
}

func (b *Backend) ConnectSensor(ctx context.Context, sensor glucose.Sensor, out *connector.Emitter) {
  b.start(ctx, func(ctx context.Context) {
    s := session{Backend: b, out: out, sensor: sensor}
    s.run(ctx)
  })
}

// DisconnectSensor stops the running operation, closing its link, and waits for it to return.
func (b *Backend) DisconnectSensor() {
  b.mu.Lock()
  cancel, done := b.cancel, b.done
  b.cancel, b.done = nil, nil
  b.mu.Unlock()

  if cancel == nil {
    return
  }

  cancel()
  <-done
}

func (b *Backend) start(parent context.Context, op func(ctx context.Context)) {
  b.DisconnectSensor()

  ctx, cancel := context.WithCancel(parent)
  done := make(chan struct{})

  b.mu.Lock()
  b.cancel, b.done = cancel, done
  b.mu.Unlock()

  go func() {
    defer close(done)
    op(ctx)
  }()
}

// session is a single pair or connect operation. It is confined to its goroutine.
type session struct {
  *Backend

  out *connector.Emitter
  pairing bool
  sensor glucose.Sensor

  logger zerolog.Logger
  peripheral Peripheral
  announced bool
  lastAge int
  lastState glucose.SensorState
}

func (s *session) run(ctx context.Context) {
  s.logger = log.With().Str("Query", s.opts.query().String()).Bool("Pairing", s.pairing).Logger()
  s.lastAge = -1

  initial := connector.ConnectionStateConnecting

  if s.pairing {
    initial = connector.ConnectionStatePairing
  }

  if !s.out.ConnectionState(initial) {
    return
  }

  frames := make(chan []byte, frameQueueSize)
  link, err := s.open(ctx, frames)

  if err != nil {
    if ctx.Err() == nil {
      s.out.Error(err)
    }

    return
  }

  defer link.Close()

  if !s.out.ConnectionState(connector.ConnectionStateConnected) {
    return
  }

  for {
    select {
    case <-ctx.Done():
      return
    case <-link.Disconnected():
      s.logger.Warn().Stringer("Peripheral", s.peripheral).Msg("blebridge: link lost")
      s.out.ErrorMessage("link lost")
      return
    case data := <-frames:
      if !s.handle(data) {
        return
      }
    }
  }
}

// open finds the transmitter and subscribes to its data characteristic, retrying with an
// exponential backoff.
func (s *session) open(ctx context.Context, frames chan<- []byte) (Link, error) {
  notify := func(data []byte) {
    frame := append([]byte(nil), data...)

    select {
    case frames <- frame:
    default:
      s.logger.Warn().Msg("blebridge: frame queue full, dropping notification")
    }
  }

  for attempt := 0; ; attempt += 1 {
    link, err := s.tryOpen(ctx, notify)

    if err == nil {
      return link, nil
    }

    if ctx.Err() != nil || errors.Is(err, errSuperseded) || attempt >= s.opts.MaxRetries {
      return nil, err
    }

    backoff := s.opts.BackoffFactor << int64(attempt)

    s.logger.Warn().
      Err(err).
      Int("Attempt", attempt + 1).
      Dur("Backoff", backoff).
      Msg("blebridge: failed to reach transmitter, retrying")

    timer := time.NewTimer(backoff)

    select {
    case <-ctx.Done():
      timer.Stop()
      return nil, ctx.Err()
    case <-timer.C:
    }
  }
}

func (s *session) tryOpen(ctx context.Context, notify func([]byte)) (Link, error) {
  scanCtx, cancel := context.WithTimeout(ctx, s.opts.ScanTimeout)
  p, err := s.transport.Find(scanCtx, s.opts.query())
  cancel()

  if err != nil {
    return nil, fmt.Errorf("failed to find transmitter: %w", err)
  }

  s.peripheral = p

  if s.pairing && !s.announced {
    s.announced = true

    if !s.out.Transmitter(glucose.Transmitter{Name: p.Name, Address: p.Address.String()}) {
      return nil, errSuperseded
    }
  }

  connCtx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
  defer cancel()

  link, err := s.transport.Open(connCtx, p, s.opts.ServiceUUID, s.opts.DataUUID, notify)

  if err != nil {
    return nil, fmt.Errorf("failed to subscribe to %v: %w", p, err)
  }

  s.logger.Info().Stringer("Peripheral", p).Msg("blebridge: streaming from transmitter")

  return link, nil
}

func (s *session) calibration() glucose.Calibration {
  if s.sensor.Calibration.Slope == 0 {
    return glucose.DefaultCalibration
  }

  return s.sensor.Calibration
}

// handle processes a notification and reports whether the session should continue.
func (s *session) handle(data []byte) bool {
  frame, err := DecodeFrame(data)

  if utils.ErrorIsAnyOf(err, glucose.ErrInvalidData, glucose.ErrCorruptedData) {
    s.logger.Warn().Err(err).Hex("Frame", data).Msg("blebridge: discarding frame")
    return true
  } else if err != nil {
    s.out.Error(err)
    return false
  }

  now := s.opts.Now()

  switch f := frame.(type) {
  case ReadingFrame:
    if int(f.Age) != s.lastAge || f.State != s.lastState {
      s.lastAge, s.lastState = int(f.Age), f.State

      if !s.out.SensorAge(int(f.Age), f.State) {
        return false
      }
    }

    if !f.State.Usable() {
      s.logger.Debug().Stringer("SensorState", f.State).Msg("blebridge: sensor not ready, skipping value")
      return true
    }

    return s.out.Reading(glucose.NewReading(now, s.calibration().Apply(float64(f.Value))))
  case BatchFrame:
    return s.out.Readings(s.readings(now, f.Trend), s.readings(now, f.History))
  case InfoFrame:
    return s.info(f)
  case ErrorFrame:
    s.out.ErrorCode(int(f.Code))
    return false
  default:
    panic(fmt.Sprintf("blebridge: unhandled frame %T", frame))
  }
}

func (s *session) readings(now time.Time, samples []Sample) []glucose.Reading {
  cal := s.calibration()
  out := make([]glucose.Reading, 0, len(samples))

  for _, sample := range samples {
    out = append(out, glucose.NewReading(
      now.Add(-time.Duration(sample.MinutesAgo) * time.Minute),
      cal.Apply(float64(sample.Value)),
    ))
  }

  return out
}

func (s *session) info(f InfoFrame) bool {
  transmitter := glucose.Transmitter{
    Name: s.peripheral.Name,
    Address: s.peripheral.Address.String(),
    Firmware: fmt.Sprintf("%d", f.Firmware),
    Battery: f.Battery,
    HasBattery: true,
  }

  if !s.out.Transmitter(transmitter) {
    return false
  }

  if !s.pairing {
    if s.sensor.Serial != "" && s.sensor.Serial != f.Serial {
      s.out.ErrorMessage(fmt.Sprintf("transmitter reports sensor %q, expected %q", f.Serial, s.sensor.Serial))
      return false
    }

    return true
  }

  s.sensor = glucose.Sensor{
    Serial: f.Serial,
    Family: "Libre",
    Lifetime: int(f.Lifetime),
    WarmupTime: glucose.DefaultWarmupTime,
    Calibration: glucose.DefaultCalibration,
  }

  return s.out.Sensor(s.sensor)
}
