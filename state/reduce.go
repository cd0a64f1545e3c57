package state

import (
  "github.com/robertof/go-cgm-connector/connector"
  "github.com/robertof/go-cgm-connector/glucose"
  "github.com/robertof/go-cgm-connector/store"
)

// Reduce applies a connector action to the application state. Actions it does not know about
// leave the state untouched.
func Reduce(s App, action store.Action) App {
  switch a := action.(type) {
  case connector.ConnectorStateChanged:
    s.ConnectorState = a.To

    if a.BackendID != "" {
      s.BackendID = a.BackendID
    }

    if a.To == connector.StateIdle {
      s.ConnectionState = connector.ConnectionStateDisconnected
    }
  case connector.SetConnectionState:
    s.BackendID = a.BackendID
    s.ConnectionState = a.State

    if a.State == connector.ConnectionStateConnected {
      s = clearError(s)
    }
  case connector.SetSensor:
    sensor := a.Sensor
    s.BackendID = a.BackendID
    s.Sensor = &sensor
  case connector.SetTransmitter:
    transmitter := a.Transmitter
    s.BackendID = a.BackendID
    s.Transmitter = &transmitter
  case connector.SetSensorState:
    s.BackendID = a.BackendID
    s.SensorAge = a.Age
    s.SensorState = a.State
  case connector.AddReading:
    reading := a.Reading
    s.BackendID = a.BackendID
    s.LastReading = &reading
    s.Readings = mergeReadings(s.Readings, []glucose.Reading{a.Reading})
  case connector.AddReadings:
    s.BackendID = a.BackendID

    if a.Next != nil {
      next := *a.Next
      s.LastReading = &next
    }

    s.Readings = mergeReadings(s.Readings, a.History, a.Trend)
  case connector.SetConnectionError:
    s.BackendID = a.BackendID
    s.ConnectionState = connector.ConnectionStateError
    s.ConnectionError = a.Message
    s.ConnectionErrorCode = a.Code
    s.ConnectionErrorHasCode = a.HasCode
  case connector.CommandRejected:
    // reported through logs and subscribers only.
  }

  return s
}

func clearError(s App) App {
  s.ConnectionError = ""
  s.ConnectionErrorCode = 0
  s.ConnectionErrorHasCode = false

  return s
}

// mergeReadings returns a new slice holding existing plus every batch, oldest first. When two
// readings share a timestamp the one added last wins.
func mergeReadings(existing []glucose.Reading, batches ...[]glucose.Reading) []glucose.Reading {
  size := len(existing)

  for _, batch := range batches {
    size += len(batch)
  }

  all := make([]glucose.Reading, 0, size)
  all = append(all, existing...)

  for _, batch := range batches {
    all = append(all, batch...)
  }

  glucose.SortReadings(all)

  out := make([]glucose.Reading, 0, len(all))

  for i, r := range all {
    if i + 1 < len(all) && all[i + 1].Timestamp.Equal(r.Timestamp) {
      continue
    }

    out = append(out, r)
  }

  if len(out) > MaxReadings {
    out = out[len(out) - MaxReadings:]
  }

  return out
}
