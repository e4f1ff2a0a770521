// Package metrics defines the Prometheus collectors exported by the tracker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FetchTotal counts forum requests by endpoint and outcome.
	FetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "topic_tracker_fetch_total",
		Help: "Forum JSON requests by endpoint and result",
	}, []string{"endpoint", "result"})

	FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "topic_tracker_fetch_duration_seconds",
		Help:    "Duration of forum JSON requests",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
	}, []string{"endpoint"})

	ScanTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "topic_tracker_scan_total",
		Help: "Scheduled scans by cadence and result",
	}, []string{"cadence", "result"})

	ScanDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "topic_tracker_scan_duration_seconds",
		Help:    "Duration of scheduled scans",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"cadence"})

	NotificationsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "topic_tracker_notifications_emitted_total",
		Help: "Notifications created by kind",
	}, []string{"kind"})

	RecommendationsAdmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "topic_tracker_recommendations_admitted_total",
		Help: "Candidate topics admitted to the recommendation list",
	})

	TrackedTopics = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "topic_tracker_tracked_topics",
		Help: "Number of fingerprints in the store",
	})

	PendingNotifications = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "topic_tracker_pending_notifications",
		Help: "Unacknowledged notifications",
	})

	Recommendations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "topic_tracker_recommendations",
		Help: "Entries in the recommendation list",
	})

	LedgerSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "topic_tracker_ledger_size",
		Help: "Topic ids in the dedup ledger",
	})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "topic_tracker_events_dropped_total",
		Help: "Events dropped because a subscriber buffer was full",
	})

	EmailsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "topic_tracker_emails_sent_total",
		Help: "Digest emails by result",
	}, []string{"result"})
)
