package main

import (
  "context"
  "errors"
  "sort"
  "strings"
  "time"

  "github.com/rs/zerolog/log"
  "golang.org/x/exp/maps"

  "github.com/robertof/go-cgm-connector/ble"
)

const discoveryDuration = 5 * time.Second

type deviceInfo struct {
  name string
  connectable bool
  rssi int
  services map[string]bool
}

// discoveredDevices merges the advertisements seen during a scan, keyed by address.
type discoveredDevices map[string]*deviceInfo

func (d discoveredDevices) add(addr, name string, connectable bool, rssi int, services []string) {
  info, ok := d[addr]

  if !ok {
    info = &deviceInfo{services: make(map[string]bool)}
    d[addr] = info
  }

  if info.name == "" {
    info.name = name
  }

  info.connectable = connectable
  info.rssi = rssi

  for _, uuid := range services {
    info.services[uuid] = true
  }
}

func (d discoveredDevices) addresses() []string {
  addrs := maps.Keys(d)
  sort.Strings(addrs)

  return addrs
}

func (i *deviceInfo) isTransmitter(namePrefix string) bool {
  return namePrefix != "" && strings.HasPrefix(i.name, namePrefix)
}

func (i *deviceInfo) serviceList() []string {
  services := maps.Keys(i.services)
  sort.Strings(services)

  return services
}

func doDeviceDiscovery(cfg config) {
  log.Info().Msg("Starting in device discovery mode - collecting devices for 5 seconds...")

  handle, err := ble.Init(cfg.BluetoothDeviceId, ble.FlagScanTypeActive)

  if err != nil {
    log.Fatal().Err(err).Msg("Failed to initialize Bluetooth device")
  }

  defer handle.Stop()

  ctx := ble.WrapContextWithSigHandler(
    context.WithTimeout(
      context.Background(),
      discoveryDuration,
    ),
  )

  devices := make(discoveredDevices)

  err = handle.ScanAll(ctx, func(a ble.Advertisement) {
    services := make([]string, 0, len(a.Services()))

    for _, uuid := range a.Services() {
      services = append(services, uuid.String())
    }

    devices.add(a.Addr().String(), a.LocalName(), a.Connectable(), a.RSSI(), services)

    log.Debug().
      Str("Addr", a.Addr().String()).
      Str("Name", a.LocalName()).
      Bool("Connectable", a.Connectable()).
      Strs("Services", services).
      Hex("ManufacturerData", a.ManufacturerData()).
      Msg("Received device advertisement")
  })

  if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
    log.Fatal().Err(err).Msg("Failed to initiate scan")
  }

  log.Info().Int("Found", len(devices)).Msg("Finished device discovery")

  for _, addr := range devices.addresses() {
    data := devices[addr]

    log.Info().
      Str("Addr", addr).
      Str("Name", data.name).
      Int("RSSI", data.rssi).
      Bool("Connectable", data.connectable).
      Bool("Transmitter", data.isTransmitter(cfg.TransmitterNamePrefix)).
      Strs("Services", data.serviceList()).
      Msg("Found device")
  }
}
