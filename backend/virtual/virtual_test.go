package virtual_test

import (
  "context"
  "testing"
  "time"

  "github.com/robertof/go-cgm-connector/backend/virtual"
  "github.com/robertof/go-cgm-connector/connector"
  "github.com/robertof/go-cgm-connector/glucose"
)

var now = time.Date(2023, 7, 1, 12, 0, 0, 0, time.UTC)

func testOptions() virtual.Options {
  return virtual.Options{
    Interval: 5 * time.Millisecond,
    PairDelay: -1,
    Seed: 1,
    Now: func() time.Time { return now },
  }
}

func next(t *testing.T, ch <-chan connector.Envelope) connector.Update {
  t.Helper()

  select {
  case env := <-ch:
    return env.Update
  case <-time.After(time.Second):
    t.Fatalf("no update received")
    return nil
  }
}

func TestConnectStreams(t *testing.T) {
  out := make(chan connector.Envelope, 256)
  b := virtual.New(testOptions())
  defer b.DisconnectSensor()

  b.ConnectSensor(context.Background(), glucose.Sensor{Serial: "3MH005UTN4"}, connector.NewEmitter(context.Background(), "sim", 1, out))

  for _, want := range []connector.Update{
    connector.ConnectionStateChanged{State: connector.ConnectionStateConnecting},
    connector.ConnectionStateChanged{State: connector.ConnectionStateConnected},
  } {
    if got := next(t, out); got != want {
      t.Fatalf("got %v, wanted %v", got, want)
    }
  }

  if got, ok := next(t, out).(connector.SensorStateChanged); !ok || got.State != glucose.SensorStateReady {
    t.Fatalf("got %v, wanted a ready sensor state", got)
  }

  batch, ok := next(t, out).(connector.ReadingBatch)

  if !ok {
    t.Fatalf("got %v, wanted a reading batch", batch)
  }

  if len(batch.Trend) != 15 || len(batch.History) != 32 {
    t.Fatalf("batch sizes: got %d/%d, wanted 15/32", len(batch.Trend), len(batch.History))
  }

  if batch.Next == nil || !batch.Next.Timestamp.Equal(now) {
    t.Fatalf("batch.Next: got %+v, wanted a reading at %v", batch.Next, now)
  }

  all := append(append([]glucose.Reading(nil), batch.History...), batch.Trend...)

  for i, r := range all {
    if r.Value < 40 || r.Value > 400 {
      t.Fatalf("reading %d out of range: %v", i, r)
    }

    if i > 0 && !all[i - 1].Timestamp.Before(r.Timestamp) {
      t.Fatalf("reading %d not after the previous one: %v", i, r)
    }
  }

  if _, ok := next(t, out).(connector.ReadingReceived); !ok {
    t.Fatalf("no streamed reading after the backfill")
  }
}

func TestPairReportsSensor(t *testing.T) {
  out := make(chan connector.Envelope, 256)
  b := virtual.New(testOptions())
  defer b.DisconnectSensor()

  b.PairSensor(context.Background(), connector.NewEmitter(context.Background(), "sim", 1, out))

  if got := next(t, out); got != (connector.ConnectionStateChanged{State: connector.ConnectionStatePairing}) {
    t.Fatalf("got %v, wanted pairing", got)
  }

  info, ok := next(t, out).(connector.SensorInfo)

  if !ok || info.Sensor.Serial == "" || info.Sensor.Lifetime != glucose.DefaultLifetime {
    t.Fatalf("got %v, wanted a generated sensor", info)
  }

  if _, ok := next(t, out).(connector.TransmitterInfo); !ok {
    t.Fatalf("no transmitter info after the sensor")
  }

  if got := next(t, out); got != (connector.ConnectionStateChanged{State: connector.ConnectionStateConnecting}) {
    t.Fatalf("got %v, wanted connecting", got)
  }
}

func TestDisconnectStopsEmitting(t *testing.T) {
  out := make(chan connector.Envelope, 256)
  b := virtual.New(testOptions())

  b.ConnectSensor(context.Background(), glucose.Sensor{}, connector.NewEmitter(context.Background(), "sim", 1, out))

  for i := 0; i < 5; i += 1 {
    next(t, out)
  }

  b.DisconnectSensor()
  b.DisconnectSensor()

  pending := len(out)
  time.Sleep(30 * time.Millisecond)

  if got := len(out); got != pending {
    t.Fatalf("%d updates emitted after DisconnectSensor()", got - pending)
  }
}

func TestSameSeedSameValues(t *testing.T) {
  values := func() []float64 {
    out := make(chan connector.Envelope, 256)
    b := virtual.New(testOptions())
    defer b.DisconnectSensor()

    b.ConnectSensor(context.Background(), glucose.Sensor{}, connector.NewEmitter(context.Background(), "sim", 1, out))

    for {
      if batch, ok := next(t, out).(connector.ReadingBatch); ok {
        var v []float64

        for _, r := range batch.Trend {
          v = append(v, r.Value)
        }

        return v
      }
    }
  }

  a, b := values(), values()

  for i := range a {
    if a[i] != b[i] {
      t.Fatalf("trend %d: got %v and %v with the same seed", i, a[i], b[i])
    }
  }
}
