package main

import (
  "context"
  "errors"
  "fmt"
  "net"
  "net/http"
  "os"
  "time"

  "github.com/prometheus/client_golang/prometheus"
  "github.com/prometheus/client_golang/prometheus/promhttp"
  "github.com/rs/zerolog"
  "github.com/rs/zerolog/log"
  "golang.org/x/sync/errgroup"

  "github.com/robertof/go-cgm-connector/backend/blebridge"
  "github.com/robertof/go-cgm-connector/backend/virtual"
  "github.com/robertof/go-cgm-connector/ble"
  "github.com/robertof/go-cgm-connector/connector"
  "github.com/robertof/go-cgm-connector/metrics"
  "github.com/robertof/go-cgm-connector/mqtt"
  "github.com/robertof/go-cgm-connector/state"
  "github.com/robertof/go-cgm-connector/store"
  "github.com/robertof/go-cgm-connector/utils"
)

const (
  BackendBLEBridge = "blebridge"
  BackendVirtual = "virtual"

  shutdownTimeout = 5 * time.Second
)

func main() {
  zerolog.DurationFieldUnit = time.Second
  zerolog.TimeFieldFormat = time.RFC3339Nano

  log.Logger = log.Output(zerolog.ConsoleWriter{
    Out: os.Stderr,
    TimeFormat: "15:04:05.000",
  })

  cfg := ParseArgs()

  if cfg.Trace || os.Getenv("TRACE") != "" {
      zerolog.SetGlobalLevel(zerolog.TraceLevel)
  } else if cfg.Debug || os.Getenv("DEBUG") != "" {
      zerolog.SetGlobalLevel(zerolog.DebugLevel)
  } else {
      zerolog.SetGlobalLevel(zerolog.InfoLevel)
  }

  if cfg.DiscoverDevices {
    doDeviceDiscovery(cfg)
    return
  }

  var bleHandle *ble.Handle

  if !cfg.Simulator {
    bleHandle = initBle(cfg)

    defer func() {
      bleHandle.DisconnectAll()
      bleHandle.Stop()
    }()
  }

  registry := buildRegistry(cfg, bleHandle)

  log.Info().
    Str("BindAddr", cfg.BindAddress).
    Array("Backends", utils.ToZeroLogArray(registry.Descriptors())).
    Str("StartBackend", cfg.Backend).
    Bool("Reconnect", cfg.Reconnect).
    Bool("MQTT", cfg.MQTT.Enabled()).
    Msg("Starting with the specified configuration")

  if cfg.Backend != "" && !registry.Has(cfg.Backend) {
    log.Fatal().Str("Backend", cfg.Backend).Strs("Available", registry.IDs()).Msg("Unknown backend")
  }

  promRegistry := prometheus.NewRegistry()
  ble.RegisterMetrics(promRegistry)
  connector.RegisterMetrics(promRegistry)

  supervisor := connector.NewSupervisor(registry, connector.WithReconnectPolicy(cfg.reconnectPolicy()))

  middlewares := []store.Middleware{
    store.ActionLogger{Level: zerolog.DebugLevel},
    supervisor,
  }

  var (
    mqttClient *mqtt.Client
    bridge *mqtt.Bridge
  )

  if cfg.MQTT.Enabled() {
    var err error

    log.Info().Str("Broker", cfg.MQTT.BrokerURL()).Msg("Connecting to MQTT broker")

    if mqttClient, err = mqtt.Connect(cfg.MQTT); err != nil {
      log.Fatal().Err(err).Msg("Failed to connect to MQTT broker")
    }

    defer mqttClient.Close()

    mqtt.RegisterMetrics(promRegistry)
    bridge = mqtt.NewBridge(mqttClient, cfg.MQTT.Topics())
    middlewares = append(middlewares, bridge)
  }

  st := store.New(state.Initial(), state.Reduce, middlewares...)
  metrics.RegisterCollector(st.State, promRegistry)

  mux := http.NewServeMux()
  mux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))

  control := &controlServer{registry: registry, dispatcher: st, state: st.State}
  control.register(mux)

  server := &http.Server{Addr: cfg.BindAddress, Handler: mux}

  ctx, cancel := context.WithCancel(context.Background())
  ctx = ble.WrapContextWithSigHandler(ctx, cancel)

  eg, ctx := errgroup.WithContext(ctx)

  eg.Go(func() error { return st.Run(ctx) })
  eg.Go(func() error { return supervisor.Run(ctx) })

  if bridge != nil {
    eg.Go(func() error { return bridge.Run(ctx) })
  }

  eg.Go(func() error {
    log.Info().
      Str("ListenAddress", cfg.BindAddress).
      Msg("Starting HTTP server")

    if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
      return err
    }

    return nil
  })

  eg.Go(func() error {
    <-ctx.Done()

    shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
    defer cancel()

    return server.Shutdown(shutdownCtx)
  })

  if cmd := cfg.startCommand(); cmd != nil {
    st.Dispatch(cmd)
  }

  if err := eg.Wait(); err != nil {
    log.Error().Err(err).Msg("Shutting down after error")
    return
  }

  log.Info().Msg("Bye")
}

func initBle(cfg config) *ble.Handle {
  var bleFlags ble.Flags = ble.FlagScanTypeActive

  addr, _ := cfg.transmitterAddr()

  if addr != nil {
    bleFlags |= ble.FlagEnableDeviceAllowList
  }

  if cfg.PersistConnections {
    bleFlags |= ble.FlagPersistConnections
  }

  bleHandle, err := ble.InitWithConnParams(cfg.BluetoothDeviceId, cfg.BluetoothConnParams, bleFlags)

  if err != nil {
    log.Fatal().Err(err).Msg("Failed to initialize Bluetooth device")
  }

  if addr != nil {
    if err := bleHandle.SetAllowListedAddresses([]net.HardwareAddr{addr}); err != nil {
      log.Error().Err(err).Msg("Failed to set device allow list")
    }
  }

  return bleHandle
}

// buildRegistry lists the BLE bridge first when Bluetooth is available, then the virtual sensor,
// unless the configuration orders them differently.
func buildRegistry(cfg config, bleHandle *ble.Handle) *connector.Registry {
  var descriptors []connector.Descriptor

  if bleHandle != nil {
    addr, _ := cfg.transmitterAddr()

    descriptors = append(descriptors, connector.Descriptor{
      ID: BackendBLEBridge,
      DisplayName: "BLE transmitter bridge",
      Factory: blebridge.NewFactory(blebridge.NewTransport(bleHandle), blebridge.Options{
        NamePrefix: cfg.TransmitterNamePrefix,
        Address: addr,
      }),
    })
  }

  descriptors = append(descriptors, connector.Descriptor{
    ID: BackendVirtual,
    DisplayName: "Virtual sensor",
    Factory: virtual.NewFactory(virtual.Options{}),
  })

  descriptors, err := orderDescriptors(descriptors, cfg.Backends)

  if err != nil {
    log.Fatal().Err(err).Msg("Failed to build the backend registry")
  }

  registry, err := connector.NewRegistry(descriptors...)

  if err != nil {
    log.Fatal().Err(err).Msg("Failed to build the backend registry")
  }

  return registry
}

// orderDescriptors keeps the descriptors named in order, in that order. Known backends that are
// not available in this mode (e.g. the BLE bridge with -simulator) are skipped. An empty order
// keeps every descriptor as is.
func orderDescriptors(available []connector.Descriptor, order []string) ([]connector.Descriptor, error) {
  if len(order) == 0 {
    return available, nil
  }

  byID := make(map[string]connector.Descriptor, len(available))

  for _, d := range available {
    byID[d.ID] = d
  }

  var out []connector.Descriptor

  for _, id := range order {
    d, ok := byID[id]

    switch {
    case ok:
      out = append(out, d)
    case id == BackendBLEBridge || id == BackendVirtual:
      log.Warn().Str("Backend", id).Msg("Backend not available in this mode, skipping")
    default:
      return nil, fmt.Errorf("%w: %q", connector.ErrUnknownBackend, id)
    }
  }

  if len(out) == 0 {
    return nil, fmt.Errorf("%w: none of %q is available", errInvalidConfig, order)
  }

  return out, nil
}
