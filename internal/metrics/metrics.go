// Package metrics exposes Prometheus collectors for the sync engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Inbound frames
	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_frames_received_total",
			Help: "Inbound frames by decoded event kind",
		},
		[]string{"kind"},
	)

	// Reconciliation
	ReconcileOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_reconcile_outcomes_total",
			Help: "Store outcomes for server messages and rollbacks",
		},
		[]string{"outcome"}, // appended, promoted, duplicate, rolled_back
	)

	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_messages_sent_total",
			Help: "Outbound messages by result",
		},
		[]string{"result"}, // ok, not_connected, error
	)

	// Connection
	ReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_reconnect_attempts_total",
			Help: "Scheduled reconnect attempts",
		},
	)

	HeartbeatsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_heartbeats_sent_total",
			Help: "Heartbeat frames written",
		},
	)

	ConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_connection_state",
			Help: "Connection state: 0 idle, 1 connecting, 2 open, 3 closing, 4 closed",
		},
	)

	// Side channel
	RosterRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_roster_refreshes_total",
			Help: "Roster reloads by result",
		},
		[]string{"result"}, // ok, error
	)

	MessageNotifications = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_message_notifications_total",
			Help: "Message notification frames received",
		},
	)

	// MCP
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_mcp_tool_calls_total",
			Help: "MCP tool invocations",
		},
		[]string{"tool"},
	)
)
