package main

import (
  "errors"
  "os"
  "path/filepath"
  "reflect"
  "testing"
  "time"

  "github.com/robertof/go-cgm-connector/ble"
  "github.com/robertof/go-cgm-connector/connector"
  "github.com/robertof/go-cgm-connector/glucose"
  "github.com/robertof/go-cgm-connector/store"
)

func env(vars map[string]string) func(string) (string, bool) {
  return func(key string) (string, bool) {
    v, ok := vars[key]
    return v, ok
  }
}

func TestParseArgsDefaults(t *testing.T) {
  cfg, err := parseArgs("test", nil, env(nil))

  if err != nil {
    t.Fatalf("parseArgs(): got error %v", err)
  }

  if cfg.BindAddress != "localhost:9102" || cfg.MQTT.Enabled() || cfg.Reconnect {
    t.Fatalf("parseArgs(): got %+v", cfg)
  }

  if cfg.BluetoothConnParams != ble.ConnParamsStreaming {
    t.Fatalf("parseArgs(): got conn params %v, wanted %v", cfg.BluetoothConnParams, ble.ConnParamsStreaming)
  }

  if cmd := cfg.startCommand(); cmd != nil {
    t.Fatalf("startCommand(): got %+v, wanted nil", cmd)
  }
}

func TestParseArgsStartCommand(t *testing.T) {
  tests := []struct {
    args []string
    want store.Action
  }{
    {
      []string{"-backend", "virtual", "-pair"},
      connector.PairSensor{BackendID: "virtual"},
    },
    {
      []string{"-backend", "blebridge", "-sensor", "serial=3MH005UTN4,slope=1.1"},
      connector.ConnectSensor{BackendID: "blebridge", Sensor: glucose.Sensor{
        Serial: "3MH005UTN4",
        Lifetime: glucose.DefaultLifetime,
        WarmupTime: glucose.DefaultWarmupTime,
        Calibration: glucose.Calibration{Slope: 1.1},
      }},
    },
  }

  for _, test := range tests {
    cfg, err := parseArgs("test", test.args, env(nil))

    if err != nil {
      t.Fatalf("parseArgs(%q): got error %v", test.args, err)
    }

    if got := cfg.startCommand(); !reflect.DeepEqual(got, test.want) {
      t.Fatalf("startCommand(%q): got %+#v, wanted %+#v", test.args, got, test.want)
    }
  }
}

func TestParseArgsInvalid(t *testing.T) {
  tests := [][]string{
    {"-backend", "virtual"},
    {"-sensor", "family=libre"},
    {"-bluetooth-connection-params", "turbo"},
    {"-transmitter-addr", "not-a-mac"},
    {"-max-retries", "-1"},
    {"-unknown-flag"},
  }

  for _, args := range tests {
    if _, err := parseArgs("test", args, env(nil)); err == nil {
      t.Fatalf("parseArgs(%q): got nil error", args)
    }
  }
}

func TestParseArgsConfigFile(t *testing.T) {
  path := filepath.Join(t.TempDir(), "config.yaml")
  data := []byte(`
bind: 0.0.0.0:9200
backend: virtual
reconnect: true
backoff: 10s
sensor:
  serial: 3MH005UTN4
  lifetime: 20160
mqtt:
  host: broker.local
  topic_prefix: home/cgm
`)

  if err := os.WriteFile(path, data, 0o600); err != nil {
    t.Fatalf("WriteFile(): got error %v", err)
  }

  args := []string{"-config", path, "-bind", "localhost:9300"}
  cfg, err := parseArgs("test", args, env(map[string]string{
    "CGM_MQTT_PORT": "8883",
    "CGM_MQTT_TLS": "true",
  }))

  if err != nil {
    t.Fatalf("parseArgs(%q): got error %v", args, err)
  }

  // the command line wins over the file
  if cfg.BindAddress != "localhost:9300" {
    t.Fatalf("parseArgs(%q): got bind %v, wanted localhost:9300", args, cfg.BindAddress)
  }

  if !cfg.Reconnect || cfg.Backoff != 10*time.Second || cfg.Backend != "virtual" {
    t.Fatalf("parseArgs(%q): got %+v", args, cfg)
  }

  want := glucose.SensorSpec{"serial": "3MH005UTN4", "lifetime": "20160"}

  if !reflect.DeepEqual(cfg.Sensor, want) {
    t.Fatalf("parseArgs(%q): got sensor %+v, wanted %+v", args, cfg.Sensor, want)
  }

  if got := cfg.MQTT.BrokerURL(); got != "ssl://broker.local:8883" {
    t.Fatalf("BrokerURL(): got %v, wanted ssl://broker.local:8883", got)
  }

  if got := cfg.MQTT.Topics().Reading(); got != "home/cgm/glucose/reading" {
    t.Fatalf("Topics().Reading(): got %v", got)
  }

  policy := cfg.reconnectPolicy()

  if !policy.Enabled || policy.MaxRetries != connector.DefaultMaxRetries {
    t.Fatalf("reconnectPolicy(): got %+v", policy)
  }
}

func TestParseArgsBadEnv(t *testing.T) {
  _, err := parseArgs("test", nil, env(map[string]string{"CGM_MQTT_PORT": "mqtt"}))

  if !errors.Is(err, errInvalidConfig) {
    t.Fatalf("parseArgs(): got %v, wanted errInvalidConfig", err)
  }
}

func TestParseArgsBackendOrder(t *testing.T) {
  path := filepath.Join(t.TempDir(), "config.yaml")
  data := []byte("backends: [virtual, blebridge]\n")

  if err := os.WriteFile(path, data, 0o600); err != nil {
    t.Fatalf("WriteFile(): got error %v", err)
  }

  cfg, err := parseArgs("test", []string{"-config", path}, env(nil))

  if err != nil {
    t.Fatalf("parseArgs(): got error %v", err)
  }

  if want := []string{BackendVirtual, BackendBLEBridge}; !reflect.DeepEqual(cfg.Backends, want) {
    t.Fatalf("parseArgs(): got backends %v, wanted %v", cfg.Backends, want)
  }

  nop := func() connector.Backend { return nil }
  available := []connector.Descriptor{
    {ID: BackendBLEBridge, Factory: nop},
    {ID: BackendVirtual, Factory: nop},
  }

  ordered, err := orderDescriptors(available, cfg.Backends)

  if err != nil {
    t.Fatalf("orderDescriptors(%q): got error %v", cfg.Backends, err)
  }

  registry, err := connector.NewRegistry(ordered...)

  if err != nil {
    t.Fatalf("NewRegistry(): got error %v", err)
  }

  if got := registry.IDs(); !reflect.DeepEqual(got, cfg.Backends) {
    t.Fatalf("IDs(): got %v, wanted %v", got, cfg.Backends)
  }

  // the BLE bridge is not available with -simulator
  ordered, err = orderDescriptors(available[1:], cfg.Backends)

  if err != nil || len(ordered) != 1 || ordered[0].ID != BackendVirtual {
    t.Fatalf("orderDescriptors(%q) without Bluetooth: got %+v, %v", cfg.Backends, ordered, err)
  }

  if got, _ := orderDescriptors(available, nil); len(got) != 2 || got[0].ID != BackendBLEBridge {
    t.Fatalf("orderDescriptors(nil): got %+v, wanted the default order", got)
  }

  if _, err := orderDescriptors(available, []string{"libre3"}); !errors.Is(err, connector.ErrUnknownBackend) {
    t.Fatalf("orderDescriptors([libre3]): got %v, wanted %v", err, connector.ErrUnknownBackend)
  }
}

func TestParseArgsInvalidBackends(t *testing.T) {
  for _, data := range []string{
    "backends: [virtual, libre3]\n",
    "backends: [virtual, virtual]\n",
  } {
    path := filepath.Join(t.TempDir(), "config.yaml")

    if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
      t.Fatalf("WriteFile(): got error %v", err)
    }

    if _, err := parseArgs("test", []string{"-config", path}, env(nil)); !errors.Is(err, errInvalidConfig) {
      t.Fatalf("parseArgs(%q): got %v, wanted errInvalidConfig", data, err)
    }
  }
}
