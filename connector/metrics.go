package connector

import (
  "github.com/prometheus/client_golang/prometheus"
)

var (
  forwardedUpdatesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
    Name: "cgm_connector_forwarded_updates_total",
    Help: "Backend updates forwarded to the store, by kind.",
  }, []string{"backend", "kind"})
  staleUpdatesCounter = prometheus.NewCounter(prometheus.CounterOpts{
    Name: "cgm_connector_stale_updates_total",
    Help: "Updates discarded because they came from a superseded session.",
  })
  rejectedCommandsCounter = prometheus.NewCounter(prometheus.CounterOpts{
    Name: "cgm_connector_rejected_commands_total",
  })
  activationsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
    Name: "cgm_connector_backend_activations_total",
    Help: "Backend instances created by the supervisor.",
  }, []string{"backend"})
  resetsCounter = prometheus.NewCounter(prometheus.CounterOpts{
    Name: "cgm_connector_resets_total",
    Help: "Supervisor resets caused by invariant violations.",
  })
  reconnectsCounter = prometheus.NewCounter(prometheus.CounterOpts{
    Name: "cgm_connector_reconnect_attempts_total",
  })
)

func RegisterMetrics(reg prometheus.Registerer) {
  reg.MustRegister(
    forwardedUpdatesCounter,
    staleUpdatesCounter,
    rejectedCommandsCounter,
    activationsCounter,
    resetsCounter,
    reconnectsCounter,
  )
}
