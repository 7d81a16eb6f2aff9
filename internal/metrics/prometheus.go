package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/knowledge-engine/backend/pkg/circuitbreaker"
)

var (
	FeedbackSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kre_feedback_submitted_total",
			Help: "Feedback events accepted, by source and type",
		},
		[]string{"source", "type"},
	)

	FeedbackRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kre_feedback_rejected_total",
			Help: "Feedback submissions that failed, by reason",
		},
		[]string{"reason"},
	)

	ImplicitSentiment = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kre_implicit_sentiment_total",
			Help: "Sentiment verdicts produced by the conversation judge",
		},
		[]string{"sentiment"},
	)

	SearchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kre_search_duration_seconds",
			Help:    "Semantic search duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"status"},
	)

	SearchResultsCount = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kre_search_results_count",
			Help:    "Number of results returned per search after thresholding",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		},
	)

	RecommendationsServed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kre_recommendations_total",
			Help: "Recommendation requests, by outcome",
		},
		[]string{"status"},
	)

	InterestsUpserted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kre_interests_upserted_total",
			Help: "User interest rows written by inference",
		},
	)

	SynthesisTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kre_synthesis_total",
			Help: "Knowledge unit synthesis calls, by outcome",
		},
		[]string{"status"},
	)

	SynthesisDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kre_synthesis_duration_seconds",
			Help:    "Knowledge unit synthesis duration in seconds",
			Buckets: []float64{1, 2, 5, 10, 30, 60, 120},
		},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kre_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kre_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	ItemsIngested = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kre_items_ingested_total",
			Help: "Total knowledge items ingested",
		},
	)

	DecayUpdated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kre_decay_updated_total",
			Help: "Items whose decay was recomputed, by resulting status",
		},
		[]string{"status"},
	)

	DependencyRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kre_dependency_retries_total",
			Help: "Retried calls to remote dependencies, by operation",
		},
		[]string{"operation"},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kre_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)
)

var registerOnce sync.Once

func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			FeedbackSubmitted,
			FeedbackRejected,
			ImplicitSentiment,
			SearchDuration,
			SearchResultsCount,
			RecommendationsServed,
			InterestsUpserted,
			SynthesisTotal,
			SynthesisDuration,
			CacheHits,
			CacheMisses,
			ItemsIngested,
			DecayUpdated,
			DependencyRetries,
			BreakerState,
		)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}

// RecordBreakerState is a circuitbreaker.Settings.OnStateChange hook.
func RecordBreakerState(name string, _ circuitbreaker.State, to circuitbreaker.State) {
	BreakerState.WithLabelValues(name).Set(float64(to))
}

// RecordRetry is a retry.Policy.OnRetry hook.
func RecordRetry(name string, _ int, _ error) {
	DependencyRetries.WithLabelValues(name).Inc()
}
