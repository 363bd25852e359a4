// Package metrics exposes the pool's Prometheus collectors: a fixed
// set of concrete counters and gauges rather than the generic
// name-keyed registration the monitoring client used, since this
// system's metric surface is known up front.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors holds every metric the pool coordinator emits.
type Collectors struct {
	registry *prometheus.Registry

	SharesAccepted  prometheus.Counter
	SharesRejected  prometheus.Counter
	SharesStale     prometheus.Counter
	SharesDuplicate prometheus.Counter
	SharesInvalid   prometheus.Counter

	ConnectedProvers   prometheus.Gauge
	AuthorizedProvers  prometheus.Gauge
	PoolHashrate       prometheus.Gauge
	PPLNSWindowSum     prometheus.Gauge
	UpstreamConnected  prometheus.Gauge
}

// New builds a Collectors instance registered against a fresh registry.
func New() *Collectors {
	registry := prometheus.NewRegistry()

	c := &Collectors{
		registry: registry,
		SharesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "puzzlepool_shares_accepted_total",
			Help: "Shares that passed proof verification and nonce dedup.",
		}),
		SharesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "puzzlepool_shares_rejected_total",
			Help: "Shares rejected for any reason.",
		}),
		SharesStale: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "puzzlepool_shares_stale_total",
			Help: "Shares submitted while no epoch was announced yet.",
		}),
		SharesDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "puzzlepool_shares_duplicate_total",
			Help: "Shares rejected as a duplicate nonce within the current epoch.",
		}),
		SharesInvalid: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "puzzlepool_shares_invalid_proof_total",
			Help: "Shares rejected by the proof verifier.",
		}),
		ConnectedProvers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "puzzlepool_connected_provers",
			Help: "Provers currently holding an open socket, authorized or not.",
		}),
		AuthorizedProvers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "puzzlepool_authorized_provers",
			Help: "Provers currently in the authenticated_provers registry.",
		}),
		PoolHashrate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "puzzlepool_hashrate",
			Help: "Pool-wide estimated hashrate over the 5-minute window.",
		}),
		PPLNSWindowSum: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "puzzlepool_pplns_window_sum",
			Help: "Current total share weight held in the PPLNS window.",
		}),
		UpstreamConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "puzzlepool_upstream_connected",
			Help: "1 if the upstream node session is active, 0 otherwise.",
		}),
	}

	registry.MustRegister(
		c.SharesAccepted,
		c.SharesRejected,
		c.SharesStale,
		c.SharesDuplicate,
		c.SharesInvalid,
		c.ConnectedProvers,
		c.AuthorizedProvers,
		c.PoolHashrate,
		c.PPLNSWindowSum,
		c.UpstreamConnected,
	)

	return c
}

// Handler returns the HTTP handler serving this registry's metrics.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
