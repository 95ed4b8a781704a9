// Package instrument exposes the Prometheus counters named in the error
// taxonomy: dropped/replayed packets, per-interface AuthError/DecryptError
// counts, announce retransmissions, and link state transitions. Grounded on
// internal/instrument/prometheus.go's metric set, restructured from
// package-level vars into a constructed, injectable Metrics so a process can
// run more than one stack without the two colliding on registration.
package instrument

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every counter this module increments. Construct one with
// New and register it with a prometheus.Registerer (or leave it unregistered
// for tests that only read counter values back directly).
type Metrics struct {
	PacketsDropped      *prometheus.CounterVec
	PacketsReplayed      prometheus.Counter
	AuthErrors           *prometheus.CounterVec
	DecryptErrors        *prometheus.CounterVec
	AnnounceRetransmits  prometheus.Counter
	LinkStateTransitions *prometheus.CounterVec
	InterfaceQuarantined *prometheus.CounterVec
}

// New constructs a Metrics instance. namespace prefixes every metric name,
// letting multiple meshlink.Stack instances in one process register under
// distinct namespaces.
func New(namespace string) *Metrics {
	return &Metrics{
		PacketsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "packets_dropped_total",
				Help:      "Packets dropped at the routing core, by reason.",
			},
			[]string{"reason"},
		),
		PacketsReplayed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "packets_replayed_total",
				Help:      "Duplicate announces suppressed by the path table.",
			},
		),
		AuthErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_errors_total",
				Help:      "Token HMAC or signature verification failures, by interface.",
			},
			[]string{"interface"},
		),
		DecryptErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decrypt_errors_total",
				Help:      "ECIES/Token decryption failures, by interface.",
			},
			[]string{"interface"},
		),
		AnnounceRetransmits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "announce_retransmits_total",
				Help:      "Announces re-emitted by the routing core.",
			},
		),
		LinkStateTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "link_state_transitions_total",
				Help:      "Link state machine transitions, by destination state.",
			},
			[]string{"state"},
		),
		InterfaceQuarantined: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "interface_quarantine_total",
				Help:      "Interfaces placed into quarantine for repeated ProtocolError.",
			},
			[]string{"interface"},
		),
	}
}

// MustRegister registers every collector in m against reg. Panics on
// duplicate registration, matching prometheus.MustRegister's own contract.
func (m *Metrics) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		m.PacketsDropped,
		m.PacketsReplayed,
		m.AuthErrors,
		m.DecryptErrors,
		m.AnnounceRetransmits,
		m.LinkStateTransitions,
		m.InterfaceQuarantined,
	)
}
