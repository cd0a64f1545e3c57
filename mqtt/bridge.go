package mqtt

import (
  "context"
  "encoding/json"
  "fmt"
  "time"

  "github.com/prometheus/client_golang/prometheus"
  "github.com/rs/zerolog/log"

  "github.com/robertof/go-cgm-connector/connector"
  "github.com/robertof/go-cgm-connector/glucose"
  "github.com/robertof/go-cgm-connector/store"
)

const bridgeQueueSize = 128

var (
  publishedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
    Name: "cgm_connector_mqtt_published_total",
    Help: "Messages published to the broker, by topic.",
  }, []string{"topic"})
  droppedCounter = prometheus.NewCounter(prometheus.CounterOpts{
    Name: "cgm_connector_mqtt_dropped_total",
    Help: "Messages dropped because the queue was full or the publish failed.",
  })
)

func RegisterMetrics(reg prometheus.Registerer) {
  reg.MustRegister(publishedCounter, droppedCounter)
}

type message struct {
  topic string
  payload []byte
  retained bool
}

type readingPayload struct {
  Backend string `json:"backend"`
  Timestamp time.Time `json:"timestamp"`
  Value float64 `json:"value"`
}

type readingsPayload struct {
  Backend string `json:"backend"`
  Next *readingPayload `json:"next,omitempty"`
  Trend []readingPayload `json:"trend"`
  History []readingPayload `json:"history"`
}

type connectionPayload struct {
  Backend string `json:"backend"`
  State string `json:"state"`
}

type connectorPayload struct {
  Backend string `json:"backend"`
  From string `json:"from"`
  To string `json:"to"`
}

type errorPayload struct {
  Backend string `json:"backend"`
  Message string `json:"message"`
  Code *int `json:"code,omitempty"`
}

type sensorPayload struct {
  Backend string `json:"backend"`
  Serial string `json:"serial"`
  Family string `json:"family,omitempty"`
  Region string `json:"region,omitempty"`
  Lifetime int `json:"lifetime"`
  Warmup int `json:"warmup"`
}

type sensorStatePayload struct {
  Backend string `json:"backend"`
  Age int `json:"age"`
  State string `json:"state"`
}

type transmitterPayload struct {
  Backend string `json:"backend"`
  Name string `json:"name"`
  Address string `json:"address,omitempty"`
  Firmware string `json:"firmware,omitempty"`
  Battery *uint8 `json:"battery,omitempty"`
}

// Command is the payload accepted on the command topic, e.g.
// {"command":"connect","backend":"blebridge","sensor":"serial=3MH005UTN4"}.
type Command struct {
  Command string `json:"command"`
  Backend string `json:"backend"`
  Sensor string `json:"sensor"`
}

// Action resolves the command into the connector action it stands for.
func (c Command) Action() (store.Action, error) {
  switch c.Command {
  case "pair":
    if c.Backend == "" {
      return nil, fmt.Errorf("%w: pair requires a backend", ErrUnknownCommand)
    }

    return connector.PairSensor{BackendID: c.Backend}, nil
  case "connect":
    if c.Backend == "" {
      return nil, fmt.Errorf("%w: connect requires a backend", ErrUnknownCommand)
    }

    sensor, err := glucose.NewSensorSpec(c.Sensor).Sensor()

    if err != nil {
      return nil, err
    }

    return connector.ConnectSensor{BackendID: c.Backend, Sensor: sensor}, nil
  case "disconnect":
    return connector.DisconnectSensor{}, nil
  default:
    return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, c.Command)
  }
}

// Bridge mirrors connector actions onto MQTT topics and feeds commands received on the command
// topic back into the store. It is a store middleware: Handle never blocks, messages are
// dropped when the publisher falls behind.
type Bridge struct {
  pub Publisher
  topics Topics
  queue chan message

  dispatcher store.Dispatcher
}

func NewBridge(pub Publisher, topics Topics) *Bridge {
  return &Bridge{
    pub: pub,
    topics: topics,
    queue: make(chan message, bridgeQueueSize),
  }
}

func (b *Bridge) Attach(d store.Dispatcher) {
  b.dispatcher = d
}

func (b *Bridge) Handle(a store.Action) {
  msg, ok := b.messageFor(a)

  if !ok {
    return
  }

  select {
  case b.queue <- msg:
  default:
    droppedCounter.Inc()
    log.Warn().Str("Topic", msg.topic).Msg("mqtt: queue full, dropping message")
  }
}

func (b *Bridge) messageFor(a store.Action) (message, bool) {
  var (
    topic string
    retained = true
    payload any
  )

  switch a := a.(type) {
  case connector.AddReading:
    topic = b.topics.Reading()
    payload = newReadingPayload(a.BackendID, a.Reading)
  case connector.AddReadings:
    topic = b.topics.Readings()
    retained = false

    p := readingsPayload{
      Backend: a.BackendID,
      Trend: newReadingPayloads(a.BackendID, a.Trend),
      History: newReadingPayloads(a.BackendID, a.History),
    }

    if a.Next != nil {
      next := newReadingPayload(a.BackendID, *a.Next)
      p.Next = &next
    }

    payload = p
  case connector.SetConnectionState:
    topic = b.topics.Connection()
    payload = connectionPayload{Backend: a.BackendID, State: a.State.String()}
  case connector.ConnectorStateChanged:
    topic = b.topics.Connector()
    payload = connectorPayload{Backend: a.BackendID, From: a.From.String(), To: a.To.String()}
  case connector.SetConnectionError:
    topic = b.topics.Error()
    retained = false

    p := errorPayload{Backend: a.BackendID, Message: a.Message}

    if a.HasCode {
      code := a.Code
      p.Code = &code
    }

    payload = p
  case connector.SetSensor:
    topic = b.topics.Sensor()
    payload = sensorPayload{
      Backend: a.BackendID,
      Serial: a.Sensor.Serial,
      Family: a.Sensor.Family,
      Region: a.Sensor.Region,
      Lifetime: a.Sensor.Lifetime,
      Warmup: a.Sensor.WarmupTime,
    }
  case connector.SetSensorState:
    topic = b.topics.SensorState()
    payload = sensorStatePayload{Backend: a.BackendID, Age: a.Age, State: a.State.String()}
  case connector.SetTransmitter:
    topic = b.topics.Transmitter()

    p := transmitterPayload{
      Backend: a.BackendID,
      Name: a.Transmitter.Name,
      Address: a.Transmitter.Address,
      Firmware: a.Transmitter.Firmware,
    }

    if a.Transmitter.HasBattery {
      battery := a.Transmitter.Battery
      p.Battery = &battery
    }

    payload = p
  default:
    return message{}, false
  }

  data, err := json.Marshal(payload)

  if err != nil {
    log.Error().Err(err).Str("Action", a.ActionName()).Msg("mqtt: cannot encode payload")
    return message{}, false
  }

  return message{topic: topic, payload: data, retained: retained}, true
}

func newReadingPayload(backend string, r glucose.Reading) readingPayload {
  return readingPayload{Backend: backend, Timestamp: r.Timestamp.UTC(), Value: r.Value}
}

func newReadingPayloads(backend string, readings []glucose.Reading) []readingPayload {
  out := make([]readingPayload, 0, len(readings))

  for _, r := range readings {
    out = append(out, newReadingPayload(backend, r))
  }

  return out
}

// HandleCommand decodes a command message and dispatches the resulting action.
func (b *Bridge) HandleCommand(topic string, payload []byte) error {
  var cmd Command

  if err := json.Unmarshal(payload, &cmd); err != nil {
    return fmt.Errorf("mqtt: invalid command on %v: %w", topic, err)
  }

  action, err := cmd.Action()

  if err != nil {
    return err
  }

  if b.dispatcher == nil {
    return fmt.Errorf("mqtt: bridge not attached to a store")
  }

  log.Info().Str("Command", cmd.Command).Str("Backend", cmd.Backend).Msg("mqtt: received command")
  b.dispatcher.Dispatch(action)

  return nil
}

// Run subscribes to the command topic and publishes queued messages until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
  if err := b.pub.Subscribe(b.topics.Command(), b.HandleCommand); err != nil {
    return err
  }

  log.Debug().Str("Topic", b.topics.Command()).Msg("mqtt: bridge started")

  for {
    select {
    case <-ctx.Done():
      return nil
    case msg := <-b.queue:
      if err := b.pub.Publish(msg.topic, msg.payload, msg.retained); err != nil {
        droppedCounter.Inc()
        log.Debug().Err(err).Str("Topic", msg.topic).Msg("mqtt: publish failed")
        continue
      }

      publishedCounter.WithLabelValues(msg.topic).Inc()
    }
  }
}
