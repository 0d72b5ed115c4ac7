package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var Registry = prometheus.NewRegistry()

var (
	MessagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregator_messages_received_total",
			Help: "Broker messages handed to the engine.",
		},
		[]string{"path"}, // location/fault
	)

	MessagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregator_messages_dropped_total",
			Help: "Messages dropped by the engine.",
		},
		[]string{"reason"},
	)

	IdentityResolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregator_identity_resolutions_total",
			Help: "Identity resolutions by precedence tier.",
		},
		[]string{"tier"},
	)

	DecodeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aggregator_decode_failures_total",
		Help: "Payloads that were empty or not valid JSON.",
	})

	FaultsMerged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregator_faults_merged_total",
			Help: "Fault records merged into asset state.",
		},
		[]string{"severity"},
	)

	TrackedAssets = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aggregator_tracked_assets",
		Help: "Assets held in memory.",
	})

	Subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aggregator_subscribers",
		Help: "Live subscribers attached to the hub.",
	})

	SubscriberEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aggregator_subscriber_evictions_total",
		Help: "Subscribers dropped because they could not keep up.",
	})

	SinkChannelDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregator_sink_channel_drops_total",
			Help: "Events dropped because a sink channel was full.",
		},
		[]string{"sink"}, // state/archive/alert
	)

	ArchiveWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aggregator_archive_writes_total",
			Help: "Fault archive batch writes.",
		},
		[]string{"status"}, // success/failed
	)

	AlertsPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aggregator_alerts_published_total",
		Help: "Critical fault alerts raised.",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		MessagesReceived,
		MessagesDropped,
		IdentityResolutions,
		DecodeFailures,
		FaultsMerged,
		TrackedAssets,
		Subscribers,
		SubscriberEvictions,
		SinkChannelDrops,
		ArchiveWrites,
		AlertsPublished,
	)
}

func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
