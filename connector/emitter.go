package connector

import (
  "context"
  "strconv"

  "github.com/rs/zerolog"
  "github.com/rs/zerolog/log"

  "github.com/robertof/go-cgm-connector/glucose"
)

// Envelope is an update tagged with the session that produced it.
type Envelope struct {
  Session uint64
  Update Update
}

// Emitter is the single outward channel handed to a backend for one session. Every event is
// logged before being sent, so all backends are observable the same way.
//
// Once the session context is done, emissions are dropped without blocking.
type Emitter struct {
  ctx context.Context
  session uint64
  out chan<- Envelope
  logger zerolog.Logger
}

func NewEmitter(ctx context.Context, backendID string, session uint64, out chan<- Envelope) *Emitter {
  return &Emitter{
    ctx: ctx,
    session: session,
    out: out,
    logger: log.With().
      Str("Backend", backendID).
      Uint64("Session", session).
      Logger(),
  }
}

// Done is closed when the session this emitter belongs to has been superseded.
func (e *Emitter) Done() <-chan struct{} {
  return e.ctx.Done()
}

func (e *Emitter) ConnectionState(s ConnectionState) bool {
  e.logger.Info().Msg("ConnectionState: " + s.String())
  return e.send(ConnectionStateChanged{State: s})
}

func (e *Emitter) Sensor(s glucose.Sensor) bool {
  e.logger.Info().Msg("Sensor: " + s.String())
  return e.send(SensorInfo{Sensor: s})
}

func (e *Emitter) Transmitter(t glucose.Transmitter) bool {
  e.logger.Info().Msg("Transmitter: " + t.String())
  return e.send(TransmitterInfo{Transmitter: t})
}

func (e *Emitter) SensorAge(age int, state glucose.SensorState) bool {
  e.logger.Info().Stringer("SensorState", state).Msg("SensorAge: " + strconv.Itoa(age))
  return e.send(SensorStateChanged{Age: age, State: state})
}

func (e *Emitter) Reading(r glucose.Reading) bool {
  e.logger.Info().Msg("NextReading: " + r.String())
  return e.send(ReadingReceived{Reading: r})
}

// Readings emits a batch of buffered values. The most recent trend value, if any, becomes the
// batch's next reading.
func (e *Emitter) Readings(trend, history []glucose.Reading) bool {
  e.logger.Info().Int("Trend", len(trend)).Int("History", len(history)).Msg("SensorReadings")
  e.logger.Debug().Interface("Readings", trend).Msg("SensorTrendReadings")
  e.logger.Debug().Interface("Readings", history).Msg("SensorHistoryReadings")

  batch := ReadingBatch{
    Trend: trend,
    History: history,
  }

  if len(trend) > 0 {
    next := trend[len(trend) - 1]
    batch.Next = &next
  }

  return e.send(batch)
}

// Error reports err as a BackendError. A nil error is ignored.
func (e *Emitter) Error(err error) bool {
  if err == nil {
    return false
  }

  return e.ErrorMessage(err.Error())
}

func (e *Emitter) ErrorMessage(msg string) bool {
  e.logger.Error().Msg("ErrorMessage: " + msg)
  return e.send(BackendError{Message: msg})
}

func (e *Emitter) ErrorCode(code int) bool {
  e.logger.Error().Msg("ErrorCode: " + strconv.Itoa(code))
  return e.send(BackendError{Message: "error code " + strconv.Itoa(code), Code: code, HasCode: true})
}

// send hands the update over to the supervisor and reports whether it was accepted.
func (e *Emitter) send(u Update) bool {
  select {
  case <-e.ctx.Done():
    e.logger.Trace().Stringer("Update", u).Msg("connector: session closed, dropping update")
    return false
  default:
  }

  select {
  case e.out <- Envelope{Session: e.session, Update: u}:
    return true
  case <-e.ctx.Done():
    e.logger.Trace().Stringer("Update", u).Msg("connector: session closed, dropping update")
    return false
  }
}
