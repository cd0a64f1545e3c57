package mqtt_test

import (
  "context"
  "encoding/json"
  "errors"
  "reflect"
  "sync"
  "testing"
  "time"

  "github.com/robertof/go-cgm-connector/connector"
  "github.com/robertof/go-cgm-connector/glucose"
  "github.com/robertof/go-cgm-connector/mqtt"
  "github.com/robertof/go-cgm-connector/store"
)

type published struct {
  Topic string
  Payload string
  Retained bool
}

type FakePublisher struct {
  mu sync.Mutex
  messages []published
  handlers map[string]mqtt.MessageHandler
  attempts int
  fail bool
}

func (p *FakePublisher) Publish(topic string, payload []byte, retained bool) error {
  p.mu.Lock()
  defer p.mu.Unlock()

  p.attempts += 1

  if p.fail {
    return mqtt.ErrNotConnected
  }

  p.messages = append(p.messages, published{topic, string(payload), retained})

  return nil
}

func (p *FakePublisher) Subscribe(topic string, handler mqtt.MessageHandler) error {
  p.mu.Lock()
  defer p.mu.Unlock()

  if p.handlers == nil {
    p.handlers = make(map[string]mqtt.MessageHandler)
  }

  p.handlers[topic] = handler

  return nil
}

func (p *FakePublisher) IsConnected() bool {
  p.mu.Lock()
  defer p.mu.Unlock()

  return !p.fail
}

func (p *FakePublisher) Messages() []published {
  p.mu.Lock()
  defer p.mu.Unlock()

  return append([]published(nil), p.messages...)
}

func (p *FakePublisher) Attempts() int {
  p.mu.Lock()
  defer p.mu.Unlock()

  return p.attempts
}

func (p *FakePublisher) Handler(topic string) mqtt.MessageHandler {
  p.mu.Lock()
  defer p.mu.Unlock()

  return p.handlers[topic]
}

type FakeDispatcher struct {
  mu sync.Mutex
  actions []store.Action
}

func (d *FakeDispatcher) Dispatch(a store.Action) {
  d.mu.Lock()
  defer d.mu.Unlock()

  d.actions = append(d.actions, a)
}

func (d *FakeDispatcher) Actions() []store.Action {
  d.mu.Lock()
  defer d.mu.Unlock()

  return append([]store.Action(nil), d.actions...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
  t.Helper()

  deadline := time.Now().Add(2 * time.Second)

  for !cond() {
    if time.Now().After(deadline) {
      t.Fatalf("timed out waiting for %v", what)
    }

    time.Sleep(time.Millisecond)
  }
}

func runBridge(t *testing.T, b *mqtt.Bridge) {
  t.Helper()

  ctx, cancel := context.WithCancel(context.Background())
  done := make(chan error, 1)

  go func() { done <- b.Run(ctx) }()

  t.Cleanup(func() {
    cancel()

    if err := <-done; err != nil {
      t.Errorf("Run() got error: %v", err)
    }
  })
}

var topics = mqtt.Topics{Prefix: "cgm"}

func TestBridgePublishesActions(t *testing.T) {
  ts := time.Date(2023, 7, 1, 12, 0, 0, 0, time.UTC)
  pub := &FakePublisher{}
  b := mqtt.NewBridge(pub, topics)

  b.Handle(connector.ConnectorStateChanged{BackendID: "sim", From: connector.StateIdle, To: connector.StateConnecting})
  b.Handle(connector.SetConnectionState{BackendID: "sim", State: connector.ConnectionStateConnected})
  b.Handle(connector.AddReading{BackendID: "sim", Reading: glucose.NewReading(ts, 110)})
  b.Handle(connector.SetConnectionError{BackendID: "sim", Message: "boom", Code: 7, HasCode: true})
  b.Handle(connector.SetTransmitter{BackendID: "sim", Transmitter: glucose.Transmitter{Name: "Bubble"}})
  // not mirrored
  b.Handle(connector.DisconnectSensor{})

  runBridge(t, b)
  waitFor(t, "messages", func() bool { return len(pub.Messages()) == 5 })

  got := pub.Messages()
  want := []published{
    {"cgm/connector/state", `{"backend":"sim","from":"idle","to":"connecting"}`, true},
    {"cgm/connector/connection", `{"backend":"sim","state":"Connected"}`, true},
    {"cgm/glucose/reading", `{"backend":"sim","timestamp":"2023-07-01T12:00:00Z","value":110}`, true},
    {"cgm/connector/error", `{"backend":"sim","message":"boom","code":7}`, false},
    {"cgm/transmitter/info", `{"backend":"sim","name":"Bubble"}`, true},
  }

  if !reflect.DeepEqual(got, want) {
    t.Fatalf("Messages(): got %+#v, wanted %+#v", got, want)
  }
}

func TestBridgeReadingBatch(t *testing.T) {
  ts := time.Date(2023, 7, 1, 12, 0, 0, 0, time.UTC)
  pub := &FakePublisher{}
  b := mqtt.NewBridge(pub, topics)

  b.Handle(connector.AddReadings{
    BackendID: "sim",
    Trend: []glucose.Reading{glucose.NewReading(ts, 100), glucose.NewReading(ts.Add(time.Minute), 101)},
  })

  runBridge(t, b)
  waitFor(t, "batch", func() bool { return len(pub.Messages()) == 1 })

  msg := pub.Messages()[0]

  if msg.Topic != "cgm/glucose/readings" || msg.Retained {
    t.Fatalf("Messages()[0]: got %+v, wanted non-retained cgm/glucose/readings", msg)
  }

  var decoded struct {
    Trend []struct{ Value float64 }
    History []struct{ Value float64 }
  }

  if err := json.Unmarshal([]byte(msg.Payload), &decoded); err != nil {
    t.Fatalf("Unmarshal(%q): got error %v", msg.Payload, err)
  }

  if len(decoded.Trend) != 2 || decoded.Trend[1].Value != 101 || decoded.History == nil {
    t.Fatalf("Unmarshal(%q): got %+v", msg.Payload, decoded)
  }
}

func TestBridgeDropsWhenFull(t *testing.T) {
  pub := &FakePublisher{}
  b := mqtt.NewBridge(pub, topics)

  // the bridge is not running: the queue fills up and Handle must not block.
  done := make(chan struct{})

  go func() {
    for i := 0; i < 1000; i += 1 {
      b.Handle(connector.SetConnectionState{BackendID: "sim", State: connector.ConnectionStateConnecting})
    }

    close(done)
  }()

  select {
  case <-done:
  case <-time.After(2 * time.Second):
    t.Fatalf("Handle() blocked on a full queue")
  }
}

func TestBridgeCommands(t *testing.T) {
  pub := &FakePublisher{}
  d := &FakeDispatcher{}
  b := mqtt.NewBridge(pub, topics)
  b.Attach(d)

  runBridge(t, b)
  waitFor(t, "subscription", func() bool { return pub.Handler("cgm/connector/command") != nil })

  handler := pub.Handler("cgm/connector/command")

  for _, payload := range []string{
    `{"command":"pair","backend":"sim"}`,
    `{"command":"connect","backend":"blebridge","sensor":"serial=3MH005UTN4,lifetime=20160"}`,
    `{"command":"disconnect"}`,
  } {
    if err := handler("cgm/connector/command", []byte(payload)); err != nil {
      t.Fatalf("HandleCommand(%q): got error %v", payload, err)
    }
  }

  got := d.Actions()
  want := []store.Action{
    connector.PairSensor{BackendID: "sim"},
    connector.ConnectSensor{BackendID: "blebridge", Sensor: glucose.Sensor{
      Serial: "3MH005UTN4",
      Lifetime: 20160,
      WarmupTime: glucose.DefaultWarmupTime,
      Calibration: glucose.DefaultCalibration,
    }},
    connector.DisconnectSensor{},
  }

  if !reflect.DeepEqual(got, want) {
    t.Fatalf("Actions(): got %+#v, wanted %+#v", got, want)
  }
}

func TestBridgeBadCommands(t *testing.T) {
  d := &FakeDispatcher{}
  b := mqtt.NewBridge(&FakePublisher{}, topics)
  b.Attach(d)

  tests := []struct {
    payload string
    unknown bool
  }{
    {`not json`, false},
    {`{"command":"reboot"}`, true},
    {`{"command":"pair"}`, true},
    {`{"command":"connect","backend":"sim"}`, false},
  }

  for _, test := range tests {
    err := b.HandleCommand("cgm/connector/command", []byte(test.payload))

    if err == nil {
      t.Fatalf("HandleCommand(%q): got nil error", test.payload)
    }

    if errors.Is(err, mqtt.ErrUnknownCommand) != test.unknown {
      t.Fatalf("HandleCommand(%q): got %v, wanted unknown=%v", test.payload, err, test.unknown)
    }
  }

  if got := d.Actions(); len(got) != 0 {
    t.Fatalf("Actions(): got %+v, wanted none", got)
  }
}

func TestBridgeKeepsGoingOnPublishErrors(t *testing.T) {
  pub := &FakePublisher{fail: true}
  b := mqtt.NewBridge(pub, topics)

  runBridge(t, b)

  b.Handle(connector.SetConnectionState{BackendID: "sim", State: connector.ConnectionStateConnecting})
  waitFor(t, "failed publish", func() bool { return pub.Attempts() == 1 })

  pub.mu.Lock()
  pub.fail = false
  pub.mu.Unlock()

  b.Handle(connector.SetConnectionState{BackendID: "sim", State: connector.ConnectionStateConnected})
  waitFor(t, "publish", func() bool { return len(pub.Messages()) == 1 })

  if got := pub.Messages()[0].Payload; got != `{"backend":"sim","state":"Connected"}` {
    t.Fatalf("Messages()[0]: got %v", got)
  }
}
