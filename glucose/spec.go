package glucose

import (
  "fmt"
  "strconv"
  "strings"

  "github.com/rs/zerolog/log"
)

// SensorSpec is a sensor description in the form of `key=value,key=value`, as accepted on the
// command line and by the HTTP control endpoints.
type SensorSpec map[string]string

const (
  SensorSpecFieldSerial = "serial"
  SensorSpecFieldFamily = "family"
  SensorSpecFieldRegion = "region"
  SensorSpecFieldLifetime = "lifetime"
  SensorSpecFieldWarmup = "warmup"
  SensorSpecFieldSlope = "slope"
  SensorSpecFieldIntercept = "intercept"
)

const (
  DefaultLifetime = 14 * 24 * 60
  DefaultWarmupTime = 60
)

func NewSensorSpec(s string) SensorSpec {
  spec := SensorSpec{}
  entries := strings.Split(s, ",")

  for _, entry := range entries {
    if strings.TrimSpace(entry) == "" {
      continue
    }

    parts := strings.SplitN(entry, "=", 2)

    if len(parts) != 2 {
      log.Warn().Str("Entry", entry).Msg("Skipping invalid sensor spec entry")
      continue
    }

    spec[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
  }

  return spec
}

func (ss SensorSpec) Serial() string {
  return ss[SensorSpecFieldSerial]
}

// Sensor resolves the spec into a Sensor, applying defaults for missing fields.
func (ss SensorSpec) Sensor() (s Sensor, err error) {
  s.Serial = ss.Serial()

  if s.Serial == "" {
    return s, fmt.Errorf("%w: sensor spec requires %q", ErrInvalidData, SensorSpecFieldSerial)
  }

  s.Family = ss[SensorSpecFieldFamily]
  s.Region = ss[SensorSpecFieldRegion]

  if s.Lifetime, err = ss.intField(SensorSpecFieldLifetime, DefaultLifetime); err != nil {
    return s, err
  }

  if s.WarmupTime, err = ss.intField(SensorSpecFieldWarmup, DefaultWarmupTime); err != nil {
    return s, err
  }

  s.Calibration = DefaultCalibration

  if s.Calibration.Slope, err = ss.floatField(SensorSpecFieldSlope, DefaultCalibration.Slope); err != nil {
    return s, err
  }

  if s.Calibration.Intercept, err = ss.floatField(SensorSpecFieldIntercept, 0); err != nil {
    return s, err
  }

  return s, nil
}

func (ss SensorSpec) intField(name string, def int) (int, error) {
  raw, ok := ss[name]

  if !ok || raw == "" {
    return def, nil
  }

  v, err := strconv.Atoi(raw)

  if err != nil || v < 0 {
    return 0, fmt.Errorf("%w: invalid %v %q", ErrInvalidData, name, raw)
  }

  return v, nil
}

func (ss SensorSpec) floatField(name string, def float64) (float64, error) {
  raw, ok := ss[name]

  if !ok || raw == "" {
    return def, nil
  }

  v, err := strconv.ParseFloat(raw, 64)

  if err != nil {
    return 0, fmt.Errorf("%w: invalid %v %q", ErrInvalidData, name, raw)
  }

  return v, nil
}
