// Package metrics declares the Prometheus collectors for the chat server.
// Collectors are package-level and registered once via promauto.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_connections_total",
		Help: "WebSocket connections accepted since start.",
	})

	ConnectionsCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connections_current",
		Help: "Currently open WebSocket connections.",
	})

	ConnectionsRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_connections_rejected_total",
		Help: "Connections rejected because the server was at capacity.",
	})

	DisconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_disconnects_total",
		Help: "Session teardowns by reason.",
	}, []string{"reason"})

	AuthAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_auth_attempts_total",
		Help: "Authentication attempts by result.",
	}, []string{"result"})

	MessagesReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_received_total",
		Help: "Chat messages received from clients.",
	})

	BroadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_broadcasts_total",
		Help: "Envelopes fanned out to all sessions.",
	})

	MessagesDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_dropped_total",
		Help: "Envelopes dropped because a session's outbound queue was full or closed.",
	})

	DirectMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_direct_messages_total",
		Help: "Direct messages by outcome.",
	}, []string{"outcome"})

	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_commands_total",
		Help: "Dispatched commands by name; unrecognized names count as unknown.",
	}, []string{"command"})

	MalformedFramesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_malformed_frames_total",
		Help: "Text frames that failed to decode into an envelope.",
	})

	AnnouncementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_announcements_total",
		Help: "System announcements injected outside chat sessions, by source.",
	}, []string{"source"})

	HistorySize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chat_history_size",
		Help: "Envelopes currently retained in message history.",
	})

	BroadcastDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_broadcast_duration_seconds",
		Help:    "Wall time of one fan-out across the registry snapshot.",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
	})

	FrameSizeBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_frame_size_bytes",
		Help:    "Size of received text frames.",
		Buckets: prometheus.ExponentialBuckets(16, 4, 8),
	})

	CPUPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chat_process_cpu_percent",
		Help: "Process CPU usage sampled by the system monitor.",
	})

	MemoryBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chat_process_memory_bytes",
		Help: "Process resident memory sampled by the system monitor.",
	})

	Goroutines = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chat_process_goroutines",
		Help: "Goroutine count sampled by the system monitor.",
	})
)
