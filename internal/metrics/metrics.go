// Package metrics holds the prometheus collectors of a running node. All methods are
// safe on a nil *Collector.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ardents"

type Collector struct {
	dials            *prometheus.CounterVec
	requests         *prometheus.CounterVec
	inbound          *prometheus.CounterVec
	holePunches      *prometheus.CounterVec
	discovered       *prometheus.CounterVec
	backgroundErrors *prometheus.CounterVec
	droppedEvents    prometheus.Counter
	connectedPeers   *prometheus.GaugeVec
}

// New builds the collectors and registers them with reg. A nil reg skips
// registration, which keeps parallel services in tests independent.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		dials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "p2p",
			Name:      "dials_total",
			Help:      "Outbound dial attempts by result.",
		}, []string{"result"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "p2p",
			Name:      "requests_total",
			Help:      "Outbound protocol requests by protocol and outcome.",
		}, []string{"protocol", "outcome"}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "p2p",
			Name:      "inbound_requests_total",
			Help:      "Inbound protocol requests by protocol and outcome.",
		}, []string{"protocol", "outcome"}),
		holePunches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "p2p",
			Name:      "hole_punches_total",
			Help:      "Relayed connection upgrade attempts by result.",
		}, []string{"result"}),
		discovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "p2p",
			Name:      "addresses_discovered_total",
			Help:      "Addresses added to the address book by source.",
		}, []string{"source"}),
		backgroundErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "p2p",
			Name:      "background_errors_total",
			Help:      "Absorbed discovery and NAT traversal failures by component.",
		}, []string{"component"}),
		droppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "p2p",
			Name:      "dropped_events_total",
			Help:      "Events dropped because a subscriber was not keeping up.",
		}),
		connectedPeers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "p2p",
			Name:      "connected_peers",
			Help:      "Connected peers by path.",
		}, []string{"path"}),
	}
	if reg == nil {
		return c, nil
	}
	for _, col := range c.collectors() {
		if err := reg.Register(col); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return nil, err
		}
	}
	return c, nil
}

func (c *Collector) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.dials, c.requests, c.inbound, c.holePunches,
		c.discovered, c.backgroundErrors, c.droppedEvents, c.connectedPeers,
	}
}

func (c *Collector) Dial(result string) {
	if c != nil {
		c.dials.WithLabelValues(result).Inc()
	}
}

func (c *Collector) Request(protocol, outcome string) {
	if c != nil {
		c.requests.WithLabelValues(protocol, outcome).Inc()
	}
}

func (c *Collector) Inbound(protocol, outcome string) {
	if c != nil {
		c.inbound.WithLabelValues(protocol, outcome).Inc()
	}
}

func (c *Collector) HolePunch(result string) {
	if c != nil {
		c.holePunches.WithLabelValues(result).Inc()
	}
}

func (c *Collector) Discovered(source string) {
	if c != nil {
		c.discovered.WithLabelValues(source).Inc()
	}
}

func (c *Collector) BackgroundError(component string) {
	if c != nil {
		c.backgroundErrors.WithLabelValues(component).Inc()
	}
}

func (c *Collector) DroppedEvent() {
	if c != nil {
		c.droppedEvents.Inc()
	}
}

func (c *Collector) SetConnected(direct, relayed int) {
	if c == nil {
		return
	}
	c.connectedPeers.WithLabelValues("direct").Set(float64(direct))
	c.connectedPeers.WithLabelValues("relayed").Set(float64(relayed))
}
