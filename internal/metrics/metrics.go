package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	InstancesReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "radgate_instances_received_total",
			Help: "Instances stored by the receiver.",
		},
		[]string{"listener", "calling_ae"},
	)

	StudiesCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "radgate_studies_completed_total",
			Help: "Studies whose quiet period elapsed.",
		},
		[]string{"listener"},
	)

	WatcherActiveStudies = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "radgate_watcher_active_studies",
			Help: "Open studies tracked by the inbox watcher.",
		},
		[]string{"listener"},
	)

	TransfersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "radgate_transfers_total",
			Help: "Transfer records by terminal state.",
		},
		[]string{"route", "state"},
	)

	SendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "radgate_send_duration_seconds",
			Help:    "Destination send latency.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"destination", "kind"},
	)

	DestinationUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "radgate_destination_up",
			Help: "Destination availability (0/1) from the health prober.",
		},
		[]string{"destination", "kind"},
	)

	VerificationFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "radgate_verification_failures_total",
			Help: "De-identification outputs suppressed by the verifier.",
		},
		[]string{"route", "check"},
	)

	BrokerLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "radgate_broker_lookups_total",
			Help: "Honest-broker pseudonym lookups by outcome.",
		},
		[]string{"broker", "outcome"},
	)

	RetriesScheduledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "radgate_retries_scheduled_total",
			Help: "Destination sends queued for retry.",
		},
		[]string{"route", "destination"},
	)

	ArchiveRetentionDeletions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "radgate_archive_retention_deletions_total",
			Help: "Archive date directories removed by retention cleanup.",
		},
		[]string{"listener"},
	)

	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "radgate_events_published_total",
			Help: "Terminal transfer events published to Kafka.",
		},
		[]string{"outcome"},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(registerAll)
}

func registerAll() {
	prometheus.MustRegister(
		InstancesReceivedTotal,
		StudiesCompletedTotal,
		WatcherActiveStudies,
		TransfersTotal,
		SendDuration,
		DestinationUp,
		VerificationFailuresTotal,
		BrokerLookupsTotal,
		RetriesScheduledTotal,
		ArchiveRetentionDeletions,
		EventsPublishedTotal,
	)
}
