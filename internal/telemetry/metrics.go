package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relaymesh"

// Metrics holds the collectors of one relay node on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	cacheMessages   *prometheus.GaugeVec
	cacheEvictions  prometheus.Counter
	auctions        *prometheus.CounterVec
	auctionDuration prometheus.Histogram
	bids            *prometheus.CounterVec
	peers           prometheus.Gauge
	deadNodes       prometheus.Counter
	frames          *prometheus.CounterVec
	deliveries      *prometheus.CounterVec

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	inFlight        *prometheus.GaugeVec
	buildInfo       *prometheus.GaugeVec
}

// NewMetrics creates and registers all collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		cacheMessages: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_messages",
			Help:      "Messages tracked by the cache, by tier.",
		}, []string{"tier"}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Online messages migrated offline by the eviction policy.",
		}),
		auctions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auctions_total",
			Help:      "Completed ownership auctions started by this node, by outcome.",
		}, []string{"outcome"}),
		auctionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "auction_duration_seconds",
			Help:      "Time from AUCTION broadcast to AUCTION OVER.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
		}),
		bids: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bids_total",
			Help:      "Per-peer bid round trips, by result.",
		}, []string{"result"}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers",
			Help:      "Admitted peer nodes.",
		}),
		deadNodes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_nodes_total",
			Help:      "Peers removed from the node set.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Peer protocol frames, by direction and type.",
		}, []string{"direction", "type"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Delivery attempts that reached a final status.",
		}, []string{"status"}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"op", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Latency of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
		}, []string{"op"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_in_flight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}, []string{"op"}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version).",
		}, []string{"version"}),
	}

	startTime := time.Now()
	uptime := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Process uptime in seconds.",
	}, func() float64 { return time.Since(startTime).Seconds() })

	m.Registry.MustRegister(
		m.cacheMessages, m.cacheEvictions,
		m.auctions, m.auctionDuration, m.bids,
		m.peers, m.deadNodes, m.frames, m.deliveries,
		m.requestsTotal, m.requestDuration, m.inFlight,
		m.buildInfo, uptime,
	)
	return m
}

// Handler exposes the registry for /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup.
func (m *Metrics) SetBuildInfo(version string) {
	if m == nil {
		return
	}
	m.buildInfo.WithLabelValues(version).Set(1)
}

// SetCacheLoad records the size of both cache tiers.
func (m *Metrics) SetCacheLoad(online, offline int) {
	if m == nil {
		return
	}
	m.cacheMessages.WithLabelValues("online").Set(float64(online))
	m.cacheMessages.WithLabelValues("offline").Set(float64(offline))
}

// IncEvictions counts one eviction.
func (m *Metrics) IncEvictions() {
	if m == nil {
		return
	}
	m.cacheEvictions.Inc()
}

// ObserveAuction records a finished auction.
func (m *Metrics) ObserveAuction(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.auctions.WithLabelValues(outcome).Inc()
	m.auctionDuration.Observe(d.Seconds())
}

// ObserveBid records the result of one per-peer bid round trip.
func (m *Metrics) ObserveBid(result string) {
	if m == nil {
		return
	}
	m.bids.WithLabelValues(result).Inc()
}

// SetPeers records the size of the node set.
func (m *Metrics) SetPeers(n int) {
	if m == nil {
		return
	}
	m.peers.Set(float64(n))
}

// IncDeadNodes counts one removed peer.
func (m *Metrics) IncDeadNodes() {
	if m == nil {
		return
	}
	m.deadNodes.Inc()
}

// ObserveFrame counts one protocol frame. direction is "in" or "out".
func (m *Metrics) ObserveFrame(direction, frameType string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(direction, frameType).Inc()
}

// ObserveDelivery counts one delivery outcome.
func (m *Metrics) ObserveDelivery(status string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(status).Inc()
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps an http.Handler to record metrics under the provided "op" label.
func (m *Metrics) Instrument(op string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		m.inFlight.WithLabelValues(op).Inc()
		defer m.inFlight.WithLabelValues(op).Dec()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		m.requestsTotal.WithLabelValues(op, class).Inc()
		m.requestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
