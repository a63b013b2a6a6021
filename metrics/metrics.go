package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsLive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "minichat_sessions_live",
			Help: "Currently connected websocket sessions",
		},
	)

	MessagesStored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minichat_messages_stored_total",
			Help: "Messages appended to the store",
		},
		[]string{"kind"},
	)

	EventsBroadcast = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minichat_events_broadcast_total",
			Help: "Events fanned out to sessions (one increment per publish, not per session)",
		},
		[]string{"type"},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "minichat_events_dropped_total",
			Help: "Events dropped because a session send queue was full",
		},
	)

	UploadsStored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "minichat_uploads_stored_total",
			Help: "Media files accepted by the upload handler",
		},
	)

	UploadsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minichat_uploads_rejected_total",
			Help: "Media files rejected by validation",
		},
		[]string{"reason"}, // "type" or "size"
	)

	AdminClears = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "minichat_admin_clears_total",
			Help: "Successful admin clear operations",
		},
	)

	MirrorErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "minichat_mirror_errors_total",
			Help: "Failed kafka mirror writes",
		},
	)
)
