package state

import (
  "github.com/robertof/go-cgm-connector/connector"
  "github.com/robertof/go-cgm-connector/glucose"
)

// MaxReadings bounds the reading history kept in memory: one day at one reading per minute.
const MaxReadings = 24 * 60

// App is the application state fed by the connector. Values are snapshots: slices and pointers
// are never shared between two states.
type App struct {
  ConnectorState connector.State
  ConnectionState connector.ConnectionState
  // Backend the last connector event came from.
  BackendID string

  Sensor *glucose.Sensor
  Transmitter *glucose.Transmitter
  SensorAge int
  SensorState glucose.SensorState

  ConnectionError string
  ConnectionErrorCode int
  ConnectionErrorHasCode bool

  LastReading *glucose.Reading
  // Oldest first, unique timestamps.
  Readings []glucose.Reading
}

func Initial() App {
  return App{
    ConnectorState: connector.StateIdle,
    ConnectionState: connector.ConnectionStateDisconnected,
    SensorState: glucose.SensorStateUnknown,
  }
}

func (a App) HasError() bool {
  return a.ConnectionError != ""
}
