package connector

import (
  "context"

  "github.com/robertof/go-cgm-connector/glucose"
)

// Backend is a driver able to pair with and stream from a sensor.
//
// PairSensor and ConnectSensor must return immediately and run their I/O asynchronously,
// reporting progress exclusively through the Emitter. The context is cancelled once the
// operation has been superseded. Emissions must be serialized: one update at a time, in causal
// order.
//
// DisconnectSensor is synchronous and idempotent: it must be safe to call at any time, including
// when nothing is connected, and must not return while the backend could still emit.
//
// Transport failures are reported as BackendError updates, never as panics.
type Backend interface {
  PairSensor(ctx context.Context, out *Emitter)
  ConnectSensor(ctx context.Context, sensor glucose.Sensor, out *Emitter)
  DisconnectSensor()
}

// Factory builds a new backend instance. Factories must not perform I/O.
type Factory func() Backend
