// Package metrics exposes the node's Prometheus instrumentation.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the node's counters and gauges.
type Metrics struct {
	EnvelopesReceived *prometheus.CounterVec
	EnvelopesRejected *prometheus.CounterVec
	EnvelopesSent     *prometheus.CounterVec
	OutboxDepth       prometheus.Gauge
	OutboxExpired     prometheus.Counter
	PeersVisible      prometheus.Gauge
	IncidentsOpen     prometheus.Gauge
	AssignmentsOffers prometheus.Counter
	AssignmentResults *prometheus.CounterVec
}

// New registers and returns the node metrics. Passing nil uses the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		EnvelopesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "emergance_envelopes_received_total",
			Help: "Inbound envelopes accepted, by message type.",
		}, []string{"type"}),
		EnvelopesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "emergance_envelopes_rejected_total",
			Help: "Inbound envelopes dropped, by reason.",
		}, []string{"reason"}),
		EnvelopesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "emergance_envelopes_sent_total",
			Help: "Outbound envelope send attempts that reached a peer, by message type.",
		}, []string{"type"}),
		OutboxDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "emergance_outbox_depth",
			Help: "Envelopes currently pending delivery.",
		}),
		OutboxExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "emergance_outbox_expired_total",
			Help: "Envelopes dropped because their TTL lapsed before delivery.",
		}),
		PeersVisible: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "emergance_peers_visible",
			Help: "Peers currently visible across all transports.",
		}),
		IncidentsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "emergance_incidents_open",
			Help: "Incidents not yet resolved or cancelled.",
		}),
		AssignmentsOffers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "emergance_assignment_offers_total",
			Help: "Assignment offers sent to drivers.",
		}),
		AssignmentResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "emergance_assignment_results_total",
			Help: "Assignment outcomes, by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.EnvelopesReceived,
		m.EnvelopesRejected,
		m.EnvelopesSent,
		m.OutboxDepth,
		m.OutboxExpired,
		m.PeersVisible,
		m.IncidentsOpen,
		m.AssignmentsOffers,
		m.AssignmentResults,
	)
	return m
}
