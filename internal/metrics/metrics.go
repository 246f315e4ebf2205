// Package metrics registers the gateway's Prometheus instruments. The
// daemon only exposes them on the local API; scraping and shipping is the
// deployment's concern.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the daemon's instruments on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	UplinksReceived     prometheus.Counter
	UplinksDeduplicated prometheus.Counter
	UplinksForwarded    prometheus.Counter
	UplinksDroppedSign  prometheus.Counter

	DownlinksReceived    prometheus.Counter
	DownlinksTransmitted prometheus.Counter
	DownlinksDropped     *prometheus.CounterVec

	SignFailures      prometheus.Counter
	SignFailClosed    prometheus.Gauge
	SessionConnected  *prometheus.GaugeVec
	SessionReconnects *prometheus.CounterVec
}

// New builds the instrument set.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		UplinksReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "gatewayd_uplinks_received_total",
			Help: "Uplink packets decoded from the packet forwarder link.",
		}),
		UplinksDeduplicated: factory.NewCounter(prometheus.CounterOpts{
			Name: "gatewayd_uplinks_deduplicated_total",
			Help: "Uplinks suppressed as duplicates within the dedup TTL.",
		}),
		UplinksForwarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "gatewayd_uplinks_forwarded_total",
			Help: "Signed envelopes fanned out to router sessions.",
		}),
		UplinksDroppedSign: factory.NewCounter(prometheus.CounterOpts{
			Name: "gatewayd_uplinks_dropped_signing_total",
			Help: "Uplinks dropped because signing failed.",
		}),
		DownlinksReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "gatewayd_downlinks_received_total",
			Help: "Downlink instructions received from routers.",
		}),
		DownlinksTransmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "gatewayd_downlinks_transmitted_total",
			Help: "Downlink instructions handed to the packet forwarder link.",
		}),
		DownlinksDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gatewayd_downlinks_dropped_total",
			Help: "Downlink instructions dropped before transmission.",
		}, []string{"reason"}),
		SignFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "gatewayd_sign_failures_total",
			Help: "Signing attempts that failed or timed out.",
		}),
		SignFailClosed: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gatewayd_sign_fail_closed",
			Help: "1 while the gateway is in the fail-closed signing state.",
		}),
		SessionConnected: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gatewayd_session_connected",
			Help: "1 while the router session is connected.",
		}, []string{"router"}),
		SessionReconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gatewayd_session_reconnects_total",
			Help: "Times a router session entered backoff.",
		}, []string{"router"}),
	}
}

// Handler exposes the registry for the local API's /metrics route.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
