package glucose

import (
  "errors"
  "fmt"
  "strconv"
  "time"
)

var (
  ErrInvalidData = errors.New("invalid data")
  ErrCorruptedData = errors.New("corrupted data")
)

// SensorState is the lifecycle state reported by the sensor itself.
type SensorState uint8

const (
  SensorStateUnknown SensorState = iota
  SensorStateNotActivated
  SensorStateWarmingUp
  SensorStateReady
  SensorStateExpired
  SensorStateShutdown
  SensorStateFailure
)

func (s SensorState) String() string {
  switch s {
  case SensorStateUnknown:
    return "Unknown"
  case SensorStateNotActivated:
    return "NotActivated"
  case SensorStateWarmingUp:
    return "WarmingUp"
  case SensorStateReady:
    return "Ready"
  case SensorStateExpired:
    return "Expired"
  case SensorStateShutdown:
    return "Shutdown"
  case SensorStateFailure:
    return "Failure"
  default:
    panic("unknown sensor state: " + strconv.Itoa(int(s)))
  }
}

// Usable reports whether readings from a sensor in this state can be trusted.
func (s SensorState) Usable() bool {
  return s == SensorStateReady
}

type Calibration struct {
  Slope float64
  Intercept float64
}

// DefaultCalibration leaves values untouched.
var DefaultCalibration = Calibration{Slope: 1}

func (c Calibration) Apply(value float64) float64 {
  return c.Slope * value + c.Intercept
}

// Sensor is the identity and calibration of a paired sensor. It is passed around by value and
// never modified once resolved during pairing.
type Sensor struct {
  Serial string
  Family string
  Region string
  // Minutes the sensor is usable after activation.
  Lifetime int
  // Minutes after activation before readings are available.
  WarmupTime int
  Calibration Calibration
}

func (s Sensor) IsZero() bool {
  return s.Serial == ""
}

func (s Sensor) LifetimeDuration() time.Duration {
  return time.Duration(s.Lifetime) * time.Minute
}

// Remaining returns the minutes of use left for a sensor of the given age.
func (s Sensor) Remaining(age int) int {
  if left := s.Lifetime - age; left > 0 {
    return left
  }

  return 0
}

func (s Sensor) String() string {
  return fmt.Sprintf("Sensor[Serial=%v,Family=%v,Region=%v,Lifetime=%dm,Warmup=%dm]",
    s.Serial, s.Family, s.Region, s.Lifetime, s.WarmupTime)
}

// Transmitter is the radio bridge relaying sensor data, when the sensor does not talk
// to us directly.
type Transmitter struct {
  Name string
  Address string
  Firmware string
  Hardware string
  Battery uint8

  HasBattery bool
}

func (t Transmitter) String() string {
  battery := "n/a"

  if t.HasBattery {
    battery = fmt.Sprintf("%d%%", t.Battery)
  }

  return fmt.Sprintf("Transmitter[Name=%q,Addr=%v,Firmware=%v,Hardware=%v,Battery=%v]",
    t.Name, t.Address, t.Firmware, t.Hardware, battery)
}
