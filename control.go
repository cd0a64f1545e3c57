package main

import (
  "encoding/json"
  "errors"
  "fmt"
  "io"
  "net/http"
  "time"

  "github.com/rs/zerolog/log"

  "github.com/robertof/go-cgm-connector/connector"
  "github.com/robertof/go-cgm-connector/glucose"
  "github.com/robertof/go-cgm-connector/state"
  "github.com/robertof/go-cgm-connector/store"
)

// Upper bound for request bodies. Commands are tiny.
const maxRequestBody = 4096

// controlServer exposes the connector commands and the application state over HTTP.
type controlServer struct {
  registry *connector.Registry
  dispatcher store.Dispatcher
  state func() state.App
}

type commandRequest struct {
  Backend string `json:"backend"`
  Sensor string `json:"sensor"`
}

type backendResponse struct {
  ID string `json:"id"`
  Name string `json:"name"`
}

type readingResponse struct {
  Timestamp time.Time `json:"timestamp"`
  Value float64 `json:"value"`
}

type sensorResponse struct {
  Serial string `json:"serial"`
  Family string `json:"family,omitempty"`
  Age int `json:"age"`
  Remaining int `json:"remaining"`
  State string `json:"state"`
}

type stateResponse struct {
  Connector string `json:"connector"`
  Connection string `json:"connection"`
  Backend string `json:"backend,omitempty"`
  Sensor *sensorResponse `json:"sensor,omitempty"`
  Transmitter string `json:"transmitter,omitempty"`
  Error string `json:"error,omitempty"`
  ErrorCode *int `json:"error_code,omitempty"`
  LastReading *readingResponse `json:"last_reading,omitempty"`
  Readings int `json:"readings"`
}

func (c *controlServer) register(mux *http.ServeMux) {
  mux.HandleFunc("/connector/pair", c.post(c.pair))
  mux.HandleFunc("/connector/connect", c.post(c.connect))
  mux.HandleFunc("/connector/disconnect", c.post(c.disconnect))
  mux.HandleFunc("/connector/state", c.get(c.getState))
  mux.HandleFunc("/connector/backends", c.get(c.getBackends))
}

type commandHandler func(req commandRequest) (store.Action, int, error)

func (c *controlServer) post(h commandHandler) http.HandlerFunc {
  return func(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost {
      w.Header().Set("Allow", http.MethodPost)
      writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
      return
    }

    var req commandRequest
    body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))

    if err != nil {
      writeError(w, http.StatusBadRequest, err)
      return
    }

    if len(body) > 0 {
      if err := json.Unmarshal(body, &req); err != nil {
        writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
        return
      }
    }

    action, status, err := h(req)

    if err != nil {
      writeError(w, status, err)
      return
    }

    log.Info().Str("Action", action.ActionName()).Str("Remote", r.RemoteAddr).Msg("control: dispatching command")
    c.dispatcher.Dispatch(action)

    writeJSON(w, http.StatusAccepted, map[string]string{"action": action.ActionName()})
  }
}

func (c *controlServer) get(h http.HandlerFunc) http.HandlerFunc {
  return func(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet {
      w.Header().Set("Allow", http.MethodGet)
      writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
      return
    }

    h(w, r)
  }
}

func (c *controlServer) lookup(id string) (int, error) {
  if id == "" {
    return http.StatusBadRequest, errors.New("backend is required")
  }

  if _, err := c.registry.Lookup(id); err != nil {
    return http.StatusNotFound, err
  }

  return 0, nil
}

func (c *controlServer) pair(req commandRequest) (store.Action, int, error) {
  if status, err := c.lookup(req.Backend); err != nil {
    return nil, status, err
  }

  return connector.PairSensor{BackendID: req.Backend}, 0, nil
}

func (c *controlServer) connect(req commandRequest) (store.Action, int, error) {
  if status, err := c.lookup(req.Backend); err != nil {
    return nil, status, err
  }

  sensor, err := glucose.NewSensorSpec(req.Sensor).Sensor()

  if err != nil {
    return nil, http.StatusBadRequest, err
  }

  return connector.ConnectSensor{BackendID: req.Backend, Sensor: sensor}, 0, nil
}

func (c *controlServer) disconnect(commandRequest) (store.Action, int, error) {
  return connector.DisconnectSensor{}, 0, nil
}

func (c *controlServer) getState(w http.ResponseWriter, r *http.Request) {
  app := c.state()

  res := stateResponse{
    Connector: app.ConnectorState.String(),
    Connection: app.ConnectionState.String(),
    Backend: app.BackendID,
    Error: app.ConnectionError,
    Readings: len(app.Readings),
  }

  if app.Sensor != nil {
    res.Sensor = &sensorResponse{
      Serial: app.Sensor.Serial,
      Family: app.Sensor.Family,
      Age: app.SensorAge,
      Remaining: app.Sensor.Remaining(app.SensorAge),
      State: app.SensorState.String(),
    }
  }

  if app.Transmitter != nil {
    res.Transmitter = app.Transmitter.Name
  }

  if app.ConnectionErrorHasCode {
    code := app.ConnectionErrorCode
    res.ErrorCode = &code
  }

  if app.LastReading != nil {
    res.LastReading = &readingResponse{
      Timestamp: app.LastReading.Timestamp.UTC(),
      Value: app.LastReading.Value,
    }
  }

  writeJSON(w, http.StatusOK, res)
}

func (c *controlServer) getBackends(w http.ResponseWriter, r *http.Request) {
  descriptors := c.registry.Descriptors()
  res := make([]backendResponse, len(descriptors))

  for i, d := range descriptors {
    res[i] = backendResponse{ID: d.ID, Name: d.DisplayName}
  }

  writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
  w.Header().Set("Content-Type", "application/json")
  w.WriteHeader(status)

  if err := json.NewEncoder(w).Encode(v); err != nil {
    log.Debug().Err(err).Msg("control: failed to write response")
  }
}

func writeError(w http.ResponseWriter, status int, err error) {
  writeJSON(w, status, map[string]string{"error": err.Error()})
}
