package safetodo

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ChannelMetrics records push channel activity.
type ChannelMetrics struct {
	ConnectAttempts    prometheus.Counter
	ReconnectsPlanned  prometheus.Counter
	AuthRejections     prometheus.Counter
	FramesReceived     *prometheus.CounterVec
	MalformedFrames    prometheus.Counter
	HeartbeatsSent     prometheus.Counter
	ConnectionOpen     prometheus.Gauge
	CacheInvalidations *prometheus.CounterVec
}

// NewChannelMetrics registers the channel collectors on reg. A nil reg uses
// a private registry so several managers can coexist in one process.
func NewChannelMetrics(reg prometheus.Registerer) *ChannelMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &ChannelMetrics{
		ConnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "safetodo_channel_connect_attempts_total",
			Help: "Total number of push channel connection attempts.",
		}),
		ReconnectsPlanned: f.NewCounter(prometheus.CounterOpts{
			Name: "safetodo_channel_reconnects_scheduled_total",
			Help: "Total number of reconnects scheduled after an unintentional close.",
		}),
		AuthRejections: f.NewCounter(prometheus.CounterOpts{
			Name: "safetodo_channel_auth_rejections_total",
			Help: "Total number of closes with the authorization-rejected code.",
		}),
		FramesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "safetodo_channel_frames_received_total",
			Help: "Inbound push frames by event name.",
		}, []string{"event"}),
		MalformedFrames: f.NewCounter(prometheus.CounterOpts{
			Name: "safetodo_channel_malformed_frames_total",
			Help: "Inbound push frames that could not be decoded.",
		}),
		HeartbeatsSent: f.NewCounter(prometheus.CounterOpts{
			Name: "safetodo_channel_heartbeats_sent_total",
			Help: "Presence heartbeats written to the channel.",
		}),
		ConnectionOpen: f.NewGauge(prometheus.GaugeOpts{
			Name: "safetodo_channel_open",
			Help: "1 while the push channel is open.",
		}),
		CacheInvalidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "safetodo_cache_invalidations_total",
			Help: "Query cache invalidations triggered by pushed events, by key family.",
		}, []string{"family"}),
	}
}
