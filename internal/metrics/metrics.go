package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
)

// Collector bundles the Prometheus metrics for the websocket hub and the
// zone resolver. A nil *Collector is valid and records nothing.
type Collector struct {
	gatherer prometheus.Gatherer

	Connections       prometheus.Gauge
	RoomMembers       *prometheus.GaugeVec
	Events            *prometheus.CounterVec
	MessagesDelivered prometheus.Counter
	Resolves          *prometheus.CounterVec
	ResolveDuration   prometheus.Histogram
}

// NewCollector registers the metrics against reg, defaulting to the
// global registry when nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &Collector{gatherer: gatherer}
	var err error

	if c.Connections, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "zonechat_ws_connections",
		Help: "Current number of open websocket connections.",
	}), "zonechat_ws_connections"); err != nil {
		return nil, err
	}
	if c.RoomMembers, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "zonechat_room_members",
		Help: "Current member count per room.",
	}, []string{"room"}), "zonechat_room_members"); err != nil {
		return nil, err
	}
	if c.Events, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zonechat_events_total",
		Help: "Inbound room protocol events, labeled by event and outcome.",
	}, []string{"event", "outcome"}), "zonechat_events_total"); err != nil {
		return nil, err
	}
	if c.MessagesDelivered, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zonechat_messages_delivered_total",
		Help: "Broadcast frames queued for delivery to room members.",
	}), "zonechat_messages_delivered_total"); err != nil {
		return nil, err
	}
	if c.Resolves, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zonechat_resolves_total",
		Help: "Zone resolve queries, labeled by result.",
	}, []string{"result"}), "zonechat_resolves_total"); err != nil {
		return nil, err
	}
	if c.ResolveDuration, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "zonechat_resolve_duration_seconds",
		Help:    "Zone resolve latency in seconds.",
		Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
	}), "zonechat_resolve_duration_seconds"); err != nil {
		return nil, err
	}

	return c, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ConnOpened increments the open connection gauge.
func (c *Collector) ConnOpened() {
	if c == nil {
		return
	}
	c.Connections.Inc()
}

// ConnClosed decrements the open connection gauge.
func (c *Collector) ConnClosed() {
	if c == nil {
		return
	}
	c.Connections.Dec()
}

// SetRoomMembers records a room's current roster size.
func (c *Collector) SetRoomMembers(room string, n int) {
	if c == nil {
		return
	}
	c.RoomMembers.WithLabelValues(room).Set(float64(n))
}

// Event counts one inbound protocol event.
func (c *Collector) Event(event, outcome string) {
	if c == nil {
		return
	}
	c.Events.WithLabelValues(event, outcome).Inc()
}

// Delivered counts broadcast frames queued to recipients.
func (c *Collector) Delivered(n int) {
	if c == nil || n == 0 {
		return
	}
	c.MessagesDelivered.Add(float64(n))
}

// Resolved records one resolve query.
func (c *Collector) Resolved(result string, d time.Duration) {
	if c == nil {
		return
	}
	c.Resolves.WithLabelValues(result).Inc()
	if d > 0 {
		c.ResolveDuration.Observe(d.Seconds())
	}
}

// register adds col to reg, returning an already registered collector of
// the same type instead of failing.
func register[T prometheus.Collector](reg prometheus.Registerer, col T, name string) (T, error) {
	if err := reg.Register(col); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			var zero T
			return zero, eris.Errorf("collector %s already registered with incompatible type", name)
		}
		var zero T
		return zero, err
	}
	return col, nil
}
