package connector

import (
  "fmt"

  "github.com/robertof/go-cgm-connector/glucose"
  "github.com/robertof/go-cgm-connector/store"
)

// Inbound commands.

type PairSensor struct {
  BackendID string
}

type ConnectSensor struct {
  BackendID string
  Sensor glucose.Sensor
}

type DisconnectSensor struct{}

func (PairSensor) ActionName() string       { return "connector/pair-sensor" }
func (ConnectSensor) ActionName() string    { return "connector/connect-sensor" }
func (DisconnectSensor) ActionName() string { return "connector/disconnect-sensor" }

// Outbound actions, one per update variant.

type SetConnectionState struct {
  BackendID string
  State ConnectionState
}

type SetSensor struct {
  BackendID string
  Sensor glucose.Sensor
}

type SetTransmitter struct {
  BackendID string
  Transmitter glucose.Transmitter
}

type SetSensorState struct {
  BackendID string
  Age int
  State glucose.SensorState
}

type AddReading struct {
  BackendID string
  Reading glucose.Reading
}

type AddReadings struct {
  BackendID string
  Next *glucose.Reading
  Trend []glucose.Reading
  History []glucose.Reading
}

type SetConnectionError struct {
  BackendID string
  Message string
  Code int

  HasCode bool
}

func (SetConnectionState) ActionName() string { return "connector/set-connection-state" }
func (SetSensor) ActionName() string          { return "connector/set-sensor" }
func (SetTransmitter) ActionName() string     { return "connector/set-transmitter" }
func (SetSensorState) ActionName() string     { return "connector/set-sensor-state" }
func (AddReading) ActionName() string         { return "connector/add-reading" }
func (AddReadings) ActionName() string        { return "connector/add-readings" }
func (SetConnectionError) ActionName() string { return "connector/set-connection-error" }

// Actions emitted by the supervisor itself.

// ConnectorStateChanged is dispatched on every supervisor state transition.
type ConnectorStateChanged struct {
  BackendID string
  From State
  To State
}

// CommandRejected is dispatched when a command cannot be executed, e.g. because it names a
// backend that is not registered.
type CommandRejected struct {
  Command store.Action
  Reason error
}

func (ConnectorStateChanged) ActionName() string { return "connector/state-changed" }
func (CommandRejected) ActionName() string       { return "connector/command-rejected" }

// ActionFor wraps an update into the store action carrying it.
func ActionFor(backendID string, u Update) store.Action {
  switch u := u.(type) {
  case ConnectionStateChanged:
    return SetConnectionState{BackendID: backendID, State: u.State}
  case SensorInfo:
    return SetSensor{BackendID: backendID, Sensor: u.Sensor}
  case TransmitterInfo:
    return SetTransmitter{BackendID: backendID, Transmitter: u.Transmitter}
  case SensorStateChanged:
    return SetSensorState{BackendID: backendID, Age: u.Age, State: u.State}
  case ReadingReceived:
    return AddReading{BackendID: backendID, Reading: u.Reading}
  case ReadingBatch:
    return AddReadings{BackendID: backendID, Next: u.Next, Trend: u.Trend, History: u.History}
  case BackendError:
    return SetConnectionError{BackendID: backendID, Message: u.Message, Code: u.Code, HasCode: u.HasCode}
  default:
    panic(fmt.Sprintf("connector: unknown update %T", u))
  }
}
