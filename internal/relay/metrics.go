package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts relay traffic for the /metrics endpoint.
type Metrics struct {
	SamplesIngested    prometheus.Counter
	EventsBroadcast    prometheus.Counter
	ViolationsEmitted  prometheus.Counter
	FallbackDeliveries prometheus.Counter
}

// NewMetrics registers the relay counters on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SamplesIngested: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_samples_ingested_total",
			Help: "Location samples accepted over any path.",
		}),
		EventsBroadcast: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_events_broadcast_total",
			Help: "Events fanned out to group rooms.",
		}),
		ViolationsEmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_geofence_violations_total",
			Help: "Geofence violation events emitted.",
		}),
		FallbackDeliveries: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_fallback_deliveries_total",
			Help: "Samples that arrived over the HTTP fallback path.",
		}),
	}
}
