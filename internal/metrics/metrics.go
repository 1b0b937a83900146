package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "devicegw_connections_active",
		Help: "Currently open tracker TCP sessions.",
	})

	RecordsDecoded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "devicegw_records_decoded_total",
		Help: "AVL records successfully decoded.",
	})

	FramesInvalid = promauto.NewCounter(prometheus.CounterOpts{
		Name: "devicegw_frames_invalid_total",
		Help: "Frames rejected by the decoder (bad preamble, codec, or truncation).",
	})

	CRCMismatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "devicegw_crc_mismatches_total",
		Help: "Frames whose checksum did not match; records are processed anyway.",
	})

	PersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "devicegw_persist_failures_total",
		Help: "Telemetry records dropped because a store write failed.",
	})

	AlertsFired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "devicegw_alerts_fired_total",
		Help: "Alerts persisted and broadcast.",
	})

	AlertsSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "devicegw_alerts_suppressed_total",
		Help: "Alert candidates suppressed by the dedup window.",
	})
)
