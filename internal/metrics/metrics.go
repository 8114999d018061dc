// Package metrics defines the Prometheus instrumentation surface for the
// bus: connection counters, RPC outcomes, broker fan-out volume, and
// registry size.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the bus's Prometheus collectors. The TCP gateway updates the
// connection counters, RPCCallsTotal ("forwarded"/"failed") and
// BrokerFanoutTotal (NOTIFY publications only, label "notify"). The HTTP
// façade updates none of them, and RegistryNames is registered but not set
// by any package.
type Metrics struct {
	ConnectionsTotal  prometheus.Counter
	ConnectionsActive prometheus.Gauge
	RPCCallsTotal     *prometheus.CounterVec
	BrokerFanoutTotal *prometheus.CounterVec
	RegistryNames     prometheus.Gauge
}

// New registers and returns the bus's metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		ConnectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "minibus_connections_total",
			Help: "Total number of TCP connections accepted by the gateway.",
		}),
		ConnectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "minibus_connections_active",
			Help: "Number of TCP connections currently open.",
		}),
		RPCCallsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "minibus_rpc_calls_total",
			Help: "Total number of CALL commands dispatched, by outcome.",
		}, []string{"outcome"}),
		BrokerFanoutTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "minibus_broker_fanout_total",
			Help: "Total number of broker publications sent to subscribers, by broker.",
		}, []string{"broker"}),
		RegistryNames: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "minibus_registry_names",
			Help: "Number of names currently bound in the registry.",
		}),
	}
}
