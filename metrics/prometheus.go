package metrics

import (
	"net/http"
	"sync"
	"time"

	"cosmossdk.io/math"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exchange metrics collector. One registry for the whole process.

var (
	collector     *Collector
	collectorOnce sync.Once
)

// Collector holds all exchange metrics.
type Collector struct {
	registry *prometheus.Registry

	// Order metrics
	OrdersPlaced   *prometheus.CounterVec
	OrdersRejected *prometheus.CounterVec

	// Trade metrics
	TradesTotal *prometheus.CounterVec
	TradeVolume *prometheus.CounterVec
	TradeValue  *prometheus.CounterVec

	// Event bus metrics, mirrored from bus stats snapshots
	BusPublished prometheus.Gauge
	BusFailed    prometheus.Gauge
	BusQueueSize prometheus.Gauge

	// WebSocket metrics
	WSConnectionsActive prometheus.Gauge
	WSMessagesTotal     *prometheus.CounterVec

	// API metrics
	APIRequestsTotal  *prometheus.CounterVec
	APIRequestLatency *prometheus.HistogramVec
	RateLimitHits     *prometheus.CounterVec
}

// Default returns the singleton collector.
func Default() *Collector {
	collectorOnce.Do(func() {
		collector = newCollector()
	})
	return collector
}

func newCollector() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.OrdersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simex",
			Subsystem: "orders",
			Name:      "placed_total",
			Help:      "Orders accepted by the matching engine",
		},
		[]string{"symbol", "type"},
	)
	c.OrdersRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simex",
			Subsystem: "orders",
			Name:      "rejected_total",
			Help:      "Orders rejected before or during matching",
		},
		[]string{"symbol", "type"},
	)

	c.TradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simex",
			Subsystem: "trades",
			Name:      "total",
			Help:      "Trades executed",
		},
		[]string{"symbol"},
	)
	c.TradeVolume = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simex",
			Subsystem: "trades",
			Name:      "volume_base",
			Help:      "Traded volume in base asset units",
		},
		[]string{"symbol"},
	)
	c.TradeValue = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simex",
			Subsystem: "trades",
			Name:      "value_quote",
			Help:      "Traded value in quote asset units",
		},
		[]string{"symbol"},
	)

	c.BusPublished = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "simex",
		Subsystem: "bus",
		Name:      "published_total",
		Help:      "Events accepted by the bus",
	})
	c.BusFailed = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "simex",
		Subsystem: "bus",
		Name:      "failed_total",
		Help:      "Handler failures and shed events",
	})
	c.BusQueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "simex",
		Subsystem: "bus",
		Name:      "queue_size",
		Help:      "Pending events in the bus queue",
	})

	c.WSConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "simex",
		Subsystem: "ws",
		Name:      "connections_active",
		Help:      "Open WebSocket connections",
	})
	c.WSMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simex",
			Subsystem: "ws",
			Name:      "messages_total",
			Help:      "WebSocket messages sent, by stream",
		},
		[]string{"stream"},
	)

	c.APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simex",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "REST requests, by endpoint and status",
		},
		[]string{"method", "path", "status"},
	)
	c.APIRequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "simex",
			Subsystem: "api",
			Name:      "latency_ms",
			Help:      "REST request latency in milliseconds",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"method", "path"},
	)
	c.RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simex",
			Subsystem: "api",
			Name:      "rate_limit_hits_total",
			Help:      "Requests shed by the rate limiter",
		},
		[]string{"path"},
	)

	c.registry.MustRegister(
		c.OrdersPlaced, c.OrdersRejected,
		c.TradesTotal, c.TradeVolume, c.TradeValue,
		c.BusPublished, c.BusFailed, c.BusQueueSize,
		c.WSConnectionsActive, c.WSMessagesTotal,
		c.APIRequestsTotal, c.APIRequestLatency, c.RateLimitHits,
	)
	return c
}

// OrderPlaced counts an accepted order.
func (c *Collector) OrderPlaced(symbol, orderType string) {
	c.OrdersPlaced.WithLabelValues(symbol, orderType).Inc()
}

// OrderRejected counts a rejected order.
func (c *Collector) OrderRejected(symbol, orderType string) {
	c.OrdersRejected.WithLabelValues(symbol, orderType).Inc()
}

// TradeExecuted counts a fill with its base volume and quote value.
func (c *Collector) TradeExecuted(symbol string, volume, value math.LegacyDec) {
	c.TradesTotal.WithLabelValues(symbol).Inc()
	v, _ := volume.Float64()
	c.TradeVolume.WithLabelValues(symbol).Add(v)
	q, _ := value.Float64()
	c.TradeValue.WithLabelValues(symbol).Add(q)
}

// RecordAPIRequest observes one REST request.
func (c *Collector) RecordAPIRequest(method, path, status string, latencyMs float64) {
	c.APIRequestsTotal.WithLabelValues(method, path, status).Inc()
	c.APIRequestLatency.WithLabelValues(method, path).Observe(latencyMs)
}

// RecordWSConnection tracks connection open/close.
func (c *Collector) RecordWSConnection(delta int) {
	c.WSConnectionsActive.Add(float64(delta))
}

// RecordWSMessage counts one outbound stream message.
func (c *Collector) RecordWSMessage(stream string) {
	c.WSMessagesTotal.WithLabelValues(stream).Inc()
}

// RecordRateLimitHit counts a shed request.
func (c *Collector) RecordRateLimitHit(path string) {
	c.RateLimitHits.WithLabelValues(path).Inc()
}

// UpdateBusStats mirrors a bus stats snapshot into the gauges.
func (c *Collector) UpdateBusStats(published, failed uint64, queueSize int) {
	c.BusPublished.Set(float64(published))
	c.BusFailed.Set(float64(failed))
	c.BusQueueSize.Set(float64(queueSize))
}

// Handler serves the collector's registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Default().registry, promhttp.HandlerOpts{})
}

// Timer measures elapsed milliseconds.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) ElapsedMs() float64 {
	return float64(time.Since(t.start).Nanoseconds()) / 1e6
}
