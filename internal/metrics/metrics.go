// Package metrics defines the prometheus collectors exported by a duplex server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "duplex"

// Invocation directions.
const (
	Inbound  = "inbound"
	Outbound = "outbound"
)

// Authorize outcomes.
const (
	Accepted = "accepted"
	Rejected = "rejected"
)

// Collectors groups every duplex metric. A nil *Collectors is valid and
// records nothing.
type Collectors struct {
	Connections        *prometheus.GaugeVec
	Sessions           *prometheus.GaugeVec
	Invocations        *prometheus.CounterVec
	DroppedInvocations *prometheus.CounterVec
	Authorize          *prometheus.CounterVec
	AwaitTimeouts      prometheus.Counter

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them on a fresh registry.
func New() *Collectors {
	reg := prometheus.NewRegistry()
	c := NewWith(reg)
	c.gatherer = reg
	return c
}

// NewWith registers the collectors on reg.
func NewWith(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		Connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open hub connections.",
		}, []string{"route"}),
		Sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Live sessions per hub route.",
		}, []string{"route"}),
		Invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_total",
			Help:      "Invocations handled or sent.",
		}, []string{"route", "direction"}),
		DroppedInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_invocations_total",
			Help:      "Inbound invocations without a binding.",
		}, []string{"route"}),
		Authorize: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authorize_total",
			Help:      "Authorize exchanges by outcome.",
		}, []string{"route", "outcome"}),
		AwaitTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "await_timeouts_total",
			Help:      "Correlated waits that expired.",
		}),
	}
	reg.MustRegister(c.Connections, c.Sessions, c.Invocations, c.DroppedInvocations, c.Authorize, c.AwaitTimeouts)
	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	}
	return c
}

// Handler serves the registry the collectors were created on.
func (c *Collectors) Handler() http.Handler {
	if c == nil || c.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

func (c *Collectors) ConnectionOpened(route string) {
	if c != nil {
		c.Connections.WithLabelValues(route).Inc()
	}
}

func (c *Collectors) ConnectionClosed(route string) {
	if c != nil {
		c.Connections.WithLabelValues(route).Dec()
	}
}

// SetSessions records the live session count for route.
func (c *Collectors) SetSessions(route string, n int) {
	if c != nil {
		c.Sessions.WithLabelValues(route).Set(float64(n))
	}
}

func (c *Collectors) Invoked(route, direction string) {
	if c != nil {
		c.Invocations.WithLabelValues(route, direction).Inc()
	}
}

func (c *Collectors) Dropped(route string) {
	if c != nil {
		c.DroppedInvocations.WithLabelValues(route).Inc()
	}
}

func (c *Collectors) Authorized(route string, accepted bool) {
	if c == nil {
		return
	}
	outcome := Rejected
	if accepted {
		outcome = Accepted
	}
	c.Authorize.WithLabelValues(route, outcome).Inc()
}

func (c *Collectors) AwaitTimedOut() {
	if c != nil {
		c.AwaitTimeouts.Inc()
	}
}
