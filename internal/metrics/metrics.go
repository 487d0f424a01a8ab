package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	ConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nexushub_connections_active",
			Help: "Currently connected WebSocket clients",
		},
		[]string{"namespace"},
	)

	ConnectionsRefused = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexushub_connections_refused_total",
			Help: "WebSocket upgrades refused before registration",
		},
		[]string{"reason"}, // "unauthenticated", "throttled", "origin"
	)

	// Business metrics
	MessagesPosted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexushub_messages_posted_total",
			Help: "Total messages accepted",
		},
		[]string{"scope"}, // "global" or "channel"
	)

	MessagesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexushub_messages_rejected_total",
			Help: "Total inbound events rejected",
		},
		[]string{"reason"}, // see rejectionReason in the server package
	)

	ChannelsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nexushub_channels_created_total",
			Help: "Total channels created",
		},
	)

	IdentitiesClaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nexushub_identities_claimed_total",
			Help: "Total successful username claims",
		},
	)

	EventsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexushub_events_dispatched_total",
			Help: "Inbound events dispatched by name",
		},
		[]string{"event"},
	)

	Broadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexushub_broadcasts_total",
			Help: "Events fanned out to a namespace",
		},
		[]string{"namespace"},
	)

	SlowClientsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nexushub_slow_clients_dropped_total",
			Help: "Clients removed because their send buffer was full",
		},
	)

	// Storage metrics
	PersistenceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexushub_persistence_failures_total",
			Help: "Disk writes that failed; in-memory state stayed authoritative",
		},
		[]string{"store"}, // "chatlog", "channels", "identity"
	)

	Evictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nexushub_chat_evictions_total",
			Help: "Messages moved from the in-memory window to the durable log",
		},
	)

	// Stats metrics
	StatsTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexushub_stats_ticks_total",
			Help: "Stats broadcaster ticks by outcome",
		},
		[]string{"namespace", "outcome"}, // outcome: "ok" or "error"
	)

	HostSampleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nexushub_host_sample_duration_seconds",
			Help:    "Time spent sampling host resources",
			Buckets: []float64{.05, .1, .15, .25, .5, 1},
		},
	)
)
