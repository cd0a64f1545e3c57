package connector

import (
  "fmt"
  "strconv"

  "github.com/robertof/go-cgm-connector/glucose"
)

// ConnectionState is the link state as reported by a backend.
type ConnectionState uint8

const (
  ConnectionStateDisconnected ConnectionState = iota
  ConnectionStatePairing
  ConnectionStateConnecting
  ConnectionStateConnected
  ConnectionStateDisconnecting
  ConnectionStateError
)

func (s ConnectionState) String() string {
  switch s {
  case ConnectionStateDisconnected:
    return "Disconnected"
  case ConnectionStatePairing:
    return "Pairing"
  case ConnectionStateConnecting:
    return "Connecting"
  case ConnectionStateConnected:
    return "Connected"
  case ConnectionStateDisconnecting:
    return "Disconnecting"
  case ConnectionStateError:
    return "Error"
  default:
    panic("unknown connection state: " + strconv.Itoa(int(s)))
  }
}

// Update is an event emitted by a backend. The set of variants is closed: only the types in
// this file implement it.
type Update interface {
  fmt.Stringer
  update()
}

type ConnectionStateChanged struct {
  State ConnectionState
}

type SensorInfo struct {
  Sensor glucose.Sensor
}

type TransmitterInfo struct {
  Transmitter glucose.Transmitter
}

type SensorStateChanged struct {
  // Minutes since activation.
  Age int
  State glucose.SensorState
}

type ReadingReceived struct {
  Reading glucose.Reading
}

type ReadingBatch struct {
  Next *glucose.Reading
  Trend []glucose.Reading
  History []glucose.Reading
}

type BackendError struct {
  Message string
  Code int

  HasCode bool
}

func (ConnectionStateChanged) update() {}
func (SensorInfo) update()             {}
func (TransmitterInfo) update()        {}
func (SensorStateChanged) update()     {}
func (ReadingReceived) update()        {}
func (ReadingBatch) update()           {}
func (BackendError) update()           {}

func (u ConnectionStateChanged) String() string {
  return "ConnectionState: " + u.State.String()
}

func (u SensorInfo) String() string {
  return "Sensor: " + u.Sensor.String()
}

func (u TransmitterInfo) String() string {
  return "Transmitter: " + u.Transmitter.String()
}

func (u SensorStateChanged) String() string {
  return fmt.Sprintf("SensorAge: %d (%v)", u.Age, u.State)
}

func (u ReadingReceived) String() string {
  return "NextReading: " + u.Reading.String()
}

func (u ReadingBatch) String() string {
  next := "none"

  if u.Next != nil {
    next = u.Next.String()
  }

  return fmt.Sprintf("ReadingBatch: next=%v, trend=%d, history=%d", next, len(u.Trend), len(u.History))
}

func (u BackendError) String() string {
  if u.HasCode {
    return fmt.Sprintf("Error: %v (code %d)", u.Message, u.Code)
  }

  return "Error: " + u.Message
}

// Kind returns a short stable name for the update variant, used as a metrics label.
func Kind(u Update) string {
  switch u.(type) {
  case ConnectionStateChanged:
    return "connection_state"
  case SensorInfo:
    return "sensor"
  case TransmitterInfo:
    return "transmitter"
  case SensorStateChanged:
    return "sensor_state"
  case ReadingReceived:
    return "reading"
  case ReadingBatch:
    return "reading_batch"
  case BackendError:
    return "error"
  default:
    panic(fmt.Sprintf("connector: unknown update %T", u))
  }
}
