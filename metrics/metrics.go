package metrics

import (
  "github.com/prometheus/client_golang/prometheus"

  "github.com/robertof/go-cgm-connector/state"
)

var (
  descGlucose = prometheus.NewDesc(
    "cgm_glucose_mgdl",
    "Last glucose value reported by the sensor in mg/dL.",
    []string{"backend", "serial"},
    nil,
  )

  descSensorAge = prometheus.NewDesc(
    "cgm_sensor_age_minutes",
    "Minutes since the sensor was activated.",
    []string{"serial"},
    nil,
  )

  descSensorRemaining = prometheus.NewDesc(
    "cgm_sensor_remaining_minutes",
    "Minutes of use left before the sensor expires.",
    []string{"serial"},
    nil,
  )

  descSensorState = prometheus.NewDesc(
    "cgm_sensor_state_info",
    "Lifecycle state reported by the sensor.",
    []string{"serial", "state"},
    nil,
  )

  descConnection = prometheus.NewDesc(
    "cgm_connection_state_info",
    "Connection state of the active backend and of the connector.",
    []string{"backend", "state", "connector"},
    nil,
  )

  descBattery = prometheus.NewDesc(
    "cgm_transmitter_battery_ratio",
    "Battery percentage reported by the transmitter.",
    []string{"name"},
    nil,
  )

  descReadings = prometheus.NewDesc(
    "cgm_buffered_readings",
    "Readings currently held in memory.",
    nil,
    nil,
  )
)

type CollectFunc func() state.App

type collector struct {
  CollectFunc
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
  prometheus.DescribeByCollect(c, ch)
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
  app := c.CollectFunc()

  ch <- prometheus.MustNewConstMetric(
    descConnection,
    prometheus.GaugeValue,
    1,
    app.BackendID,
    app.ConnectionState.String(),
    app.ConnectorState.String(),
  )

  ch <- prometheus.MustNewConstMetric(descReadings, prometheus.GaugeValue, float64(len(app.Readings)))

  serial := ""

  if app.Sensor != nil {
    serial = app.Sensor.Serial

    ch <- prometheus.MustNewConstMetric(
      descSensorAge,
      prometheus.GaugeValue,
      float64(app.SensorAge),
      serial,
    )

    if app.Sensor.Lifetime > 0 {
      ch <- prometheus.MustNewConstMetric(
        descSensorRemaining,
        prometheus.GaugeValue,
        float64(app.Sensor.Remaining(app.SensorAge)),
        serial,
      )
    }

    ch <- prometheus.MustNewConstMetric(
      descSensorState,
      prometheus.GaugeValue,
      1,
      serial,
      app.SensorState.String(),
    )
  }

  if app.LastReading != nil {
    glucose := prometheus.MustNewConstMetric(
      descGlucose,
      prometheus.GaugeValue,
      app.LastReading.Value,
      app.BackendID,
      serial,
    )

    ch <- prometheus.NewMetricWithTimestamp(app.LastReading.Timestamp, glucose)
  }

  if t := app.Transmitter; t != nil && t.HasBattery {
    ch <- prometheus.MustNewConstMetric(
      descBattery,
      prometheus.GaugeValue,
      float64(t.Battery) / 100,
      t.Name,
    )
  }
}

func RegisterCollector(f CollectFunc, reg prometheus.Registerer) {
  c := &collector{f}

  reg.MustRegister(c)
}
