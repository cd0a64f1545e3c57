package main

import (
  "errors"
  "flag"
  "fmt"
  "net"
  "os"
  "strconv"
  "time"

  "gopkg.in/yaml.v3"

  "github.com/robertof/go-cgm-connector/backend/blebridge"
  "github.com/robertof/go-cgm-connector/ble"
  "github.com/robertof/go-cgm-connector/connector"
  "github.com/robertof/go-cgm-connector/glucose"
  "github.com/robertof/go-cgm-connector/mqtt"
  "github.com/robertof/go-cgm-connector/store"
)

var errInvalidConfig = errors.New("invalid configuration")

type config struct {
  ConfigFile string `yaml:"-"`
  Debug bool `yaml:"debug"`
  Trace bool `yaml:"trace"`
  BindAddress string `yaml:"bind"`
  DiscoverDevices bool `yaml:"-"`

  Simulator bool `yaml:"simulator"`
  // Backends to register, in order. Empty means all available ones.
  Backends []string `yaml:"backends"`
  // Backend to start on launch, if any.
  Backend string `yaml:"backend"`
  Pair bool `yaml:"pair"`
  Sensor glucose.SensorSpec `yaml:"sensor"`

  BluetoothDeviceId int `yaml:"bluetooth_device"`
  BluetoothConnParams ble.ConnParams `yaml:"bluetooth_connection_params"`
  TransmitterAddress string `yaml:"transmitter_address"`
  TransmitterNamePrefix string `yaml:"transmitter_name_prefix"`
  PersistConnections bool `yaml:"persist_connections"`

  Reconnect bool `yaml:"reconnect"`
  MaxRetries int `yaml:"max_retries"`
  Backoff time.Duration `yaml:"backoff"`

  MQTT mqtt.Config `yaml:"mqtt"`
}

func defaultConfig() config {
  return config{
    BindAddress: "localhost:9102",
    Sensor: glucose.SensorSpec{},
    BluetoothConnParams: ble.ConnParamsStreaming,
    TransmitterNamePrefix: blebridge.DefaultNamePrefix,
    MaxRetries: connector.DefaultMaxRetries,
    Backoff: connector.DefaultBackoffFactor,
    MQTT: mqtt.DefaultConfig(),
  }
}

// *flag.Value
type sensorSpecFlag struct {
  spec *glucose.SensorSpec
}

func (f sensorSpecFlag) String() string {
  if f.spec == nil {
    return ""
  }

  return f.spec.Serial()
}

func (f sensorSpecFlag) Set(v string) error {
  *f.spec = glucose.NewSensorSpec(v)

  if _, err := f.spec.Sensor(); err != nil {
    return err
  }

  return nil
}

func newFlagSet(name string, cfg *config) *flag.FlagSet {
  fs := flag.NewFlagSet(name, flag.ContinueOnError)

  fs.StringVar(&cfg.ConfigFile, "config", "", "Optional YAML configuration file. Command line flags take precedence")
  fs.StringVar(&cfg.BindAddress, "bind", cfg.BindAddress, "Where the metrics and control server will bind to")
  fs.BoolVar(&cfg.Simulator, "simulator", cfg.Simulator, "Only register the virtual sensor backend")
  fs.StringVar(&cfg.Backend, "backend", cfg.Backend, "Backend to start on launch (e.g. 'blebridge' or 'virtual')")
  fs.BoolVar(&cfg.Pair, "pair", cfg.Pair, "Pair a new sensor with -backend instead of connecting to -sensor")
  fs.Var(sensorSpecFlag{&cfg.Sensor}, "sensor",
    "Sensor to connect to, in the form of `key=value,key=value`.\n" +
    "Keys: serial (required), family, region, lifetime, warmup (minutes), slope, intercept")
  fs.IntVar(&cfg.BluetoothDeviceId, "bluetooth-device", cfg.BluetoothDeviceId, "Bluetooth (HCI) device ID")
  fs.Var(&cfg.BluetoothConnParams, "bluetooth-connection-params",
    "Bluetooth connection parameters (one of 'default', 'power-saving' or 'streaming')")
  fs.StringVar(&cfg.TransmitterAddress, "transmitter-addr", cfg.TransmitterAddress,
    "MAC address of the transmitter. When empty, the first one advertising -transmitter-name is used")
  fs.StringVar(&cfg.TransmitterNamePrefix, "transmitter-name", cfg.TransmitterNamePrefix,
    "Advertised name prefix of the transmitter")
  fs.BoolVar(&cfg.PersistConnections, "persist-connections", cfg.PersistConnections,
    "Keep the Bluetooth connection to the transmitter open between sessions")
  fs.BoolVar(&cfg.Reconnect, "reconnect", cfg.Reconnect, "Reconnect automatically after a backend error")
  fs.IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "Max number of automatic reconnects")
  fs.DurationVar(&cfg.Backoff, "backoff", cfg.Backoff, "Exponential backoff factor for reconnects")
  fs.BoolVar(&cfg.DiscoverDevices, "discover", false, "Discover available BLE devices and quit")
  fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Enable debug logs")
  fs.BoolVar(&cfg.Trace, "trace", cfg.Trace, "Enable trace logs")

  return fs
}

// parseArgs builds the configuration from defaults, the optional config file, the command line
// and CGM_MQTT_* environment variables, in this order.
func parseArgs(name string, args []string, lookupEnv func(string) (string, bool)) (config, error) {
  cfg := defaultConfig()
  fs := newFlagSet(name, &cfg)

  if err := fs.Parse(args); err != nil {
    return cfg, err
  }

  if cfg.ConfigFile != "" {
    if err := cfg.load(cfg.ConfigFile); err != nil {
      return cfg, err
    }

    // the file may have overwritten values given on the command line
    if err := fs.Parse(args); err != nil {
      return cfg, err
    }
  }

  if err := cfg.applyEnv(lookupEnv); err != nil {
    return cfg, err
  }

  return cfg, cfg.validate()
}

func ParseArgs() config {
  cfg, err := parseArgs(os.Args[0], os.Args[1:], os.LookupEnv)

  if errors.Is(err, flag.ErrHelp) {
    os.Exit(0)
  }

  if err != nil {
    fmt.Fprintf(os.Stderr, "Error: %v\n", err)
    os.Exit(1)
  }

  return cfg
}

func (c *config) load(path string) error {
  data, err := os.ReadFile(path)

  if err != nil {
    return fmt.Errorf("failed to read config file: %w", err)
  }

  if err := yaml.Unmarshal(data, c); err != nil {
    return fmt.Errorf("failed to parse config file %v: %w", path, err)
  }

  return nil
}

func (c *config) applyEnv(lookupEnv func(string) (string, bool)) error {
  str := func(key string, dst *string) {
    if v, ok := lookupEnv(key); ok {
      *dst = v
    }
  }

  str("CGM_MQTT_HOST", &c.MQTT.Host)
  str("CGM_MQTT_USERNAME", &c.MQTT.Username)
  str("CGM_MQTT_PASSWORD", &c.MQTT.Password)
  str("CGM_MQTT_CLIENT_ID", &c.MQTT.ClientID)
  str("CGM_MQTT_TOPIC_PREFIX", &c.MQTT.TopicPrefix)

  if v, ok := lookupEnv("CGM_MQTT_PORT"); ok {
    port, err := strconv.Atoi(v)

    if err != nil {
      return fmt.Errorf("%w: CGM_MQTT_PORT %q is not a number", errInvalidConfig, v)
    }

    c.MQTT.Port = port
  }

  if v, ok := lookupEnv("CGM_MQTT_TLS"); ok {
    tls, err := strconv.ParseBool(v)

    if err != nil {
      return fmt.Errorf("%w: CGM_MQTT_TLS %q is not a boolean", errInvalidConfig, v)
    }

    c.MQTT.TLS = tls
  }

  return nil
}

func (c *config) validate() error {
  if err := c.BluetoothConnParams.Set(string(c.BluetoothConnParams)); err != nil {
    return fmt.Errorf("%w: %w", errInvalidConfig, err)
  }

  if _, err := c.transmitterAddr(); err != nil {
    return err
  }

  seen := make(map[string]bool, len(c.Backends))

  for _, id := range c.Backends {
    if id != BackendBLEBridge && id != BackendVirtual {
      return fmt.Errorf("%w: unknown backend %q in backends", errInvalidConfig, id)
    }

    if seen[id] {
      return fmt.Errorf("%w: backend %q listed twice in backends", errInvalidConfig, id)
    }

    seen[id] = true
  }

  if c.MaxRetries < 0 {
    return fmt.Errorf("%w: max retries must not be negative", errInvalidConfig)
  }

  if c.Backend != "" && !c.Pair {
    if _, err := c.Sensor.Sensor(); err != nil {
      return fmt.Errorf("%w: -backend without -pair requires -sensor: %w", errInvalidConfig, err)
    }
  }

  if err := c.MQTT.Validate(); err != nil {
    return err
  }

  return nil
}

func (c *config) transmitterAddr() (net.HardwareAddr, error) {
  if c.TransmitterAddress == "" {
    return nil, nil
  }

  addr, err := net.ParseMAC(c.TransmitterAddress)

  if err != nil {
    return nil, fmt.Errorf("%w: transmitter address: %w", errInvalidConfig, err)
  }

  return addr, nil
}

func (c *config) reconnectPolicy() connector.ReconnectPolicy {
  return connector.ReconnectPolicy{
    Enabled: c.Reconnect,
    MaxRetries: c.MaxRetries,
    BackoffFactor: c.Backoff,
  }
}

// startCommand is the command dispatched on launch, if any.
func (c *config) startCommand() store.Action {
  if c.Backend == "" {
    return nil
  }

  if c.Pair {
    return connector.PairSensor{BackendID: c.Backend}
  }

  // validated already
  sensor, _ := c.Sensor.Sensor()

  return connector.ConnectSensor{BackendID: c.Backend, Sensor: sensor}
}
