package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SearchesTotal        = promauto.NewCounter(prometheus.CounterOpts{Namespace: "care_matching", Name: "searches_total", Help: "Total nurse proximity searches"})
	RequestsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "care_matching", Name: "requests_created_total", Help: "Total service requests created"})
	OffersTotal          = promauto.NewCounter(prometheus.CounterOpts{Namespace: "care_matching", Name: "offers_total", Help: "Total candidate offers dispatched"})
	AssignmentsTotal     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "care_matching", Name: "assignments_total", Help: "Total successful nurse assignments"})
	AssignConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "care_matching", Name: "assignment_conflicts_total", Help: "Total assignment attempts lost to a race"})
	RejectionsTotal      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "care_matching", Name: "rejections_total", Help: "Total candidate rejections"})
	SweepCancelsTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "care_matching", Name: "sweep_cancellations_total", Help: "Total requests auto-cancelled by the deadline sweep"})
	ReviewsTotal         = promauto.NewCounter(prometheus.CounterOpts{Namespace: "care_matching", Name: "reviews_total", Help: "Total reviews folded into ratings"})

	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "care_matching", Name: "match_latency_seconds", Help: "Candidate search and ranking latency"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "care_matching", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "care_matching",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
