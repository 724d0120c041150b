package transport

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PoolCollector exports the health of a ConnectionPool as Prometheus gauges,
// read at scrape time.
//
// Example:
//
//	reg := prometheus.NewRegistry()
//	reg.MustRegister(transport.NewPoolCollector("search", tr.Pool()))
//	mux.Handle("/metrics", transport.PrometheusHandler(reg))
type PoolCollector struct {
	pool *ConnectionPool

	total *prometheus.Desc
	alive *prometheus.Desc
	dead  *prometheus.Desc
}

var _ prometheus.Collector = (*PoolCollector)(nil)

// NewPoolCollector creates a collector for pool, labelled with name.
func NewPoolCollector(name string, pool *ConnectionPool) *PoolCollector {
	labels := prometheus.Labels{"pool": name}
	return &PoolCollector{
		pool: pool,
		total: prometheus.NewDesc(
			"transport_pool_connections",
			"Number of connections in the pool.",
			nil, labels,
		),
		alive: prometheus.NewDesc(
			"transport_pool_alive_connections",
			"Number of connections eligible for selection.",
			nil, labels,
		),
		dead: prometheus.NewDesc(
			"transport_pool_dead_connections",
			"Number of quarantined connections.",
			nil, labels,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.total
	ch <- c.alive
	ch <- c.dead
}

// Collect implements prometheus.Collector.
func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.pool.Stats()
	ch <- prometheus.MustNewConstMetric(c.total, prometheus.GaugeValue, float64(s.Total))
	ch <- prometheus.MustNewConstMetric(c.alive, prometheus.GaugeValue, float64(s.Alive))
	ch <- prometheus.MustNewConstMetric(c.dead, prometheus.GaugeValue, float64(s.Dead))
}

// PrometheusHandler serves the metrics of gatherer in the text format.
func PrometheusHandler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
