// Package virtual implements a simulated sensor, useful for demos and for exercising the
// connector without hardware.
package virtual

import (
  "context"
  "fmt"
  "math"
  "math/rand"
  "sync"
  "time"

  "github.com/rs/zerolog/log"

  "github.com/robertof/go-cgm-connector/connector"
  "github.com/robertof/go-cgm-connector/glucose"
)

const (
  DefaultInterval = time.Minute
  DefaultPairDelay = 2 * time.Second
  DefaultStartValue = 120

  // Bounds of the simulated values, in mg/dL.
  minValue = 40
  maxValue = 400

  trendLength = 15
  historyLength = 32
  historySpacing = 15 * time.Minute
  initialAge = 24 * 60
)

type Options struct {
  // Time between two streamed readings.
  Interval time.Duration
  // Negative pairs immediately.
  PairDelay time.Duration
  StartValue float64
  // Zero seeds from the clock.
  Seed int64
  Now func() time.Time
}

func (o Options) withDefaults() Options {
  if o.Interval <= 0 {
    o.Interval = DefaultInterval
  }

  if o.PairDelay < 0 {
    o.PairDelay = 0
  } else if o.PairDelay == 0 {
    o.PairDelay = DefaultPairDelay
  }

  if o.StartValue < minValue || o.StartValue > maxValue {
    o.StartValue = DefaultStartValue
  }

  if o.Seed == 0 {
    o.Seed = time.Now().UnixNano()
  }

  if o.Now == nil {
    o.Now = time.Now
  }

  return o
}

func NewFactory(opts Options) connector.Factory {
  return func() connector.Backend {
    return New(opts)
  }
}

// Backend runs at most one simulated operation at a time. All emissions happen on the
// operation's goroutine.
type Backend struct {
  opts Options
  rnd *rand.Rand

  mu sync.Mutex
  cancel context.CancelFunc
  done chan struct{}

  value float64
  age int
}

func New(opts Options) *Backend {
  opts = opts.withDefaults()

  return &Backend{
    opts: opts,
    rnd: rand.New(rand.NewSource(opts.Seed)),
    value: opts.StartValue,
    age: initialAge,
  }
}

func (b *Backend) PairSensor(ctx context.Context, out *connector.Emitter) {
  b.start(ctx, func(ctx context.Context) {
    b.pair(ctx, out)
  })
}

func (b *Backend) ConnectSensor(ctx context.Context, sensor glucose.Sensor, out *connector.Emitter) {
  b.start(ctx, func(ctx context.Context) {
    b.stream(ctx, sensor, out)
  })
}

// DisconnectSensor stops the running operation and waits for it to return.
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

  log.Debug().Msg("virtual: operation stopped")
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

func (b *Backend) pair(ctx context.Context, out *connector.Emitter) {
  if !out.ConnectionState(connector.ConnectionStatePairing) {
    return
  }

  if !sleep(ctx, b.opts.PairDelay) {
    return
  }

  sensor := glucose.Sensor{
    Serial: fmt.Sprintf("VIRT%06d", b.rnd.Intn(1000000)),
    Family: "Virtual",
    Region: "Europe",
    Lifetime: glucose.DefaultLifetime,
    WarmupTime: glucose.DefaultWarmupTime,
    Calibration: glucose.DefaultCalibration,
  }

  transmitter := glucose.Transmitter{
    Name: "Virtual",
    Address: "00:00:00:00:00:00",
    Firmware: "1.0",
    Hardware: "1.0",
    Battery: 100,
    HasBattery: true,
  }

  if !out.Sensor(sensor) || !out.Transmitter(transmitter) {
    return
  }

  b.stream(ctx, sensor, out)
}

func (b *Backend) stream(ctx context.Context, sensor glucose.Sensor, out *connector.Emitter) {
  log.Info().Stringer("Sensor", sensor).Dur("Interval", b.opts.Interval).Msg("virtual: streaming")

  if !out.ConnectionState(connector.ConnectionStateConnecting) ||
    !out.ConnectionState(connector.ConnectionStateConnected) ||
    !out.SensorAge(b.age, glucose.SensorStateReady) {
    return
  }

  trend, history := b.backfill(b.opts.Now())

  if !out.Readings(trend, history) {
    return
  }

  ticker := time.NewTicker(b.opts.Interval)
  defer ticker.Stop()

  for {
    select {
    case <-ctx.Done():
      return
    case <-ticker.C:
      b.age += int(math.Max(1, b.opts.Interval.Minutes()))

      if !out.Reading(glucose.NewReading(b.opts.Now(), b.step())) {
        return
      }

      if b.age % 60 == 0 && !out.SensorAge(b.age, glucose.SensorStateReady) {
        return
      }
    }
  }
}

// backfill generates the last eight hours of history and the last fifteen minutes of trend,
// both oldest first, ending at now.
func (b *Backend) backfill(now time.Time) (trend, history []glucose.Reading) {
  history = make([]glucose.Reading, 0, historyLength)

  for i := historyLength; i > 0; i -= 1 {
    history = append(history, glucose.NewReading(
      now.Add(-time.Duration(i) * historySpacing),
      b.step(),
    ))
  }

  trend = make([]glucose.Reading, 0, trendLength)

  for i := trendLength - 1; i >= 0; i -= 1 {
    trend = append(trend, glucose.NewReading(now.Add(-time.Duration(i) * time.Minute), b.step()))
  }

  return trend, history
}

// step advances the random walk and returns the new value.
func (b *Backend) step() float64 {
  b.value += b.rnd.NormFloat64() * 2
  b.value = math.Max(minValue, math.Min(maxValue, b.value))

  return math.Round(b.value)
}

func sleep(ctx context.Context, d time.Duration) bool {
  t := time.NewTimer(d)
  defer t.Stop()

  select {
  case <-ctx.Done():
    return false
  case <-t.C:
    return true
  }
}
