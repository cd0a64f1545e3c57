package mqtt

// Topics builds the topic tree under a prefix, e.g. cgm/glucose/reading.
type Topics struct {
  Prefix string
}

func (t Topics) topic(suffix string) string {
  return t.Prefix + "/" + suffix
}

// Status carries the bridge's own online/offline state (retained, also the LWT).
func (t Topics) Status() string {
  return t.topic("system/status")
}

func (t Topics) Reading() string {
  return t.topic("glucose/reading")
}

func (t Topics) Readings() string {
  return t.topic("glucose/readings")
}

func (t Topics) Connection() string {
  return t.topic("connector/connection")
}

func (t Topics) Connector() string {
  return t.topic("connector/state")
}

func (t Topics) Error() string {
  return t.topic("connector/error")
}

func (t Topics) Sensor() string {
  return t.topic("sensor/info")
}

func (t Topics) SensorState() string {
  return t.topic("sensor/state")
}

func (t Topics) Transmitter() string {
  return t.topic("transmitter/info")
}

// Command is subscribed to for connector commands.
func (t Topics) Command() string {
  return t.topic("connector/command")
}
