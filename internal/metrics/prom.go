package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "sysrelay_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "relayd"},
		},
		[]string{"date", "sha", "version"},
	)

	connectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sysrelay_connections_active",
			Help: "Accepted connections currently open, registered or not",
		},
	)

	clientsRegistered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sysrelay_clients_registered",
			Help: "Client identifiers with a live registered connection",
		},
	)

	registrations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sysrelay_registrations_total",
			Help: "Registration handshakes by outcome",
		},
		[]string{"outcome"},
	)

	messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sysrelay_messages_total",
			Help: "Envelopes received from registered clients by message type",
		},
		[]string{"type"},
	)

	routed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sysrelay_routed_total",
			Help: "Command routing decisions",
		},
		[]string{"kind", "outcome"},
	)

	protocolErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sysrelay_protocol_errors_total",
			Help: "Protocol errors answered with ErrorResponse",
		},
		[]string{"reason"},
	)

	pendingCommands = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sysrelay_pending_commands",
			Help: "Commands routed to a target and awaiting a response",
		},
	)

	pendingExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sysrelay_pending_commands_expired_total",
			Help: "Pending commands purged by the TTL sweep",
		},
	)
)

// Route kinds and outcomes.
const (
	KindCommand  = "command"
	KindResponse = "response"

	OutcomeDelivered     = "delivered"
	OutcomeTargetMissing = "target_missing"
	OutcomeUnsolicited   = "unsolicited"
	OutcomeIssuerGone    = "issuer_gone"
	OutcomeWriteFailed   = "write_failed"
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, connectionsActive, clientsRegistered, registrations, messages, routed, protocolErrors, pendingCommands, pendingExpired)
}

// SetServerBuildInfo sets the build info metric for the relay.
func SetServerBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// ConnectionOpened increments the open connection gauge.
func ConnectionOpened() { connectionsActive.Inc() }

// ConnectionClosed decrements the open connection gauge.
func ConnectionClosed() { connectionsActive.Dec() }

// SetRegisteredClients records the registry size.
func SetRegisteredClients(n int) { clientsRegistered.Set(float64(n)) }

// RecordRegistration counts a handshake outcome: new, superseded or rejected.
func RecordRegistration(outcome string) {
	registrations.WithLabelValues(outcome).Inc()
}

// RecordMessage counts an inbound envelope.
func RecordMessage(messageType string) {
	messages.WithLabelValues(messageType).Inc()
}

// RecordRoute counts a routing decision for a command or a response.
func RecordRoute(kind, outcome string) {
	routed.WithLabelValues(kind, outcome).Inc()
}

// RecordProtocolError counts an ErrorResponse sent for the given reason.
func RecordProtocolError(reason string) {
	protocolErrors.WithLabelValues(reason).Inc()
}

// SetPendingCommands records the router size.
func SetPendingCommands(n int) { pendingCommands.Set(float64(n)) }

// RecordPendingExpired counts pending commands dropped by the sweep.
func RecordPendingExpired(n int) { pendingExpired.Add(float64(n)) }
