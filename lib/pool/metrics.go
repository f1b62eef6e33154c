package pool

import (
	"github.com/go-i2p/connpool/lib/metrics"
)

// MetricsHandler is an EventHandler that records pool activity in a metrics
// registry. Gauges are refreshed by Update.
type MetricsHandler struct {
	// ConnectionsMax is the maximum pool size.
	ConnectionsMax *metrics.Gauge
	// ConnectionsOpen is the current number of open connections.
	ConnectionsOpen *metrics.Gauge
	// ConnectionsIdle is the current number of idle connections.
	ConnectionsIdle *metrics.Gauge
	// ConnectionsInUse is the number of connections currently in use.
	ConnectionsInUse *metrics.Gauge
	// ConnectionsPending is the number of connections being created.
	ConnectionsPending *metrics.Gauge

	Acquired  *metrics.Counter
	Released  *metrics.Counter
	Checkouts *metrics.Counter
	Checkins  *metrics.Counter
	Timeouts  *metrics.Counter

	// CheckoutWait tracks time spent waiting for a connection.
	CheckoutWait *metrics.Histogram
	// HoldTime tracks how long callers keep connections.
	HoldTime *metrics.Histogram
	// ConnectionAge tracks connection age at release.
	ConnectionAge *metrics.Histogram
}

// NewMetricsHandler registers the pool metrics in reg, each name starting
// with prefix (for example "connpool").
func NewMetricsHandler(reg *metrics.Registry, prefix string) *MetricsHandler {
	return &MetricsHandler{
		ConnectionsMax:     reg.NewGauge(prefix+"_connections_max", "Maximum number of connections in the pool"),
		ConnectionsOpen:    reg.NewGauge(prefix+"_connections_open", "Current number of open connections"),
		ConnectionsIdle:    reg.NewGauge(prefix+"_connections_idle", "Current number of idle connections in the pool"),
		ConnectionsInUse:   reg.NewGauge(prefix+"_connections_in_use", "Number of connections currently in use"),
		ConnectionsPending: reg.NewGauge(prefix+"_connections_pending", "Number of connections being created"),
		Acquired:           reg.NewCounter(prefix+"_acquired_total", "Total number of connections created"),
		Released:           reg.NewCounter(prefix+"_released_total", "Total number of connections released"),
		Checkouts:          reg.NewCounter(prefix+"_checkouts_total", "Total number of successful checkouts"),
		Checkins:           reg.NewCounter(prefix+"_checkins_total", "Total number of connections returned"),
		Timeouts:           reg.NewCounter(prefix+"_timeouts_total", "Total number of checkouts that timed out"),
		CheckoutWait: reg.NewHistogram(prefix+"_checkout_wait_seconds",
			"Time spent waiting for a connection", metrics.DefaultLatencyBuckets),
		HoldTime: reg.NewHistogram(prefix+"_hold_seconds",
			"Time a connection stayed checked out", metrics.DefaultLatencyBuckets),
		ConnectionAge: reg.NewHistogram(prefix+"_connection_age_seconds",
			"Connection age when released", metrics.DefaultLatencyBuckets),
	}
}

func (h *MetricsHandler) HandleAcquire(AcquireEvent) {
	h.Acquired.Inc()
}

func (h *MetricsHandler) HandleRelease(e ReleaseEvent) {
	h.Released.Inc()
	h.ConnectionAge.Observe(e.Age.Seconds())
}

func (h *MetricsHandler) HandleCheckout(e CheckoutEvent) {
	h.Checkouts.Inc()
	h.CheckoutWait.Observe(e.Duration.Seconds())
}

func (h *MetricsHandler) HandleCheckin(e CheckinEvent) {
	h.Checkins.Inc()
	h.HoldTime.Observe(e.Duration.Seconds())
}

func (h *MetricsHandler) HandleTimeout(TimeoutEvent) {
	h.Timeouts.Inc()
}

// Update sets the gauges from stats.
func (h *MetricsHandler) Update(stats Stats) {
	h.ConnectionsMax.Set(int64(stats.MaxSize))
	h.ConnectionsOpen.Set(int64(stats.NumOpen))
	h.ConnectionsIdle.Set(int64(stats.NumIdle))
	h.ConnectionsInUse.Set(int64(stats.NumInUse))
	h.ConnectionsPending.Set(int64(stats.NumPending))
}
