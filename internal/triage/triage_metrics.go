package triage

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the triage subsystem.
type Metrics struct {
	PipelinesTotal     *prometheus.CounterVec
	PipelineDuration   *prometheus.HistogramVec
	RetrievalDuration  prometheus.Histogram
	RetrievalMatches   prometheus.Histogram
	RetrievalErrors    prometheus.Counter
	RecommendTotal     *prometheus.CounterVec
	RecommendDuration  *prometheus.HistogramVec
	JobsTotal          *prometheus.CounterVec
	EnqueueTotal       *prometheus.CounterVec
	DecisionsTotal     *prometheus.CounterVec
	LockContention     prometheus.Counter
	LeasesReaped       prometheus.Counter
	NotificationErrors prometheus.Counter
}

// NewMetrics registers and returns triage metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PipelinesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deskmate_pipelines_total",
			Help: "Total triage pipeline runs by outcome and recommender.",
		}, []string{"status", "backend"}),
		PipelineDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deskmate_pipeline_duration_seconds",
			Help:    "Duration of triage pipeline runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms .. ~102s
		}, []string{"status", "backend"}),
		RetrievalDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "deskmate_retrieval_duration_seconds",
			Help:    "Duration of knowledge retrieval in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms .. ~2s
		}),
		RetrievalMatches: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "deskmate_retrieval_matches",
			Help:    "Chunks returned per retrieval.",
			Buckets: prometheus.LinearBuckets(0, 1, 11), // 0 .. 10
		}),
		RetrievalErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deskmate_retrieval_errors_total",
			Help: "Total failed retrievals.",
		}),
		RecommendTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deskmate_recommend_calls_total",
			Help: "Total recommendation backend calls by backend and status.",
		}, []string{"backend", "status"}),
		RecommendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deskmate_recommend_duration_seconds",
			Help:    "Duration of recommendation backend calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms .. ~82s
		}, []string{"backend"}),
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deskmate_jobs_total",
			Help: "Total job run outcomes (succeeded, failed, retried, cancelled, deferred).",
		}, []string{"outcome"}),
		EnqueueTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deskmate_enqueue_total",
			Help: "Total triage requests by result.",
		}, []string{"result"}),
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deskmate_decisions_total",
			Help: "Total suggestion decisions by verdict.",
		}, []string{"decision"}),
		LockContention: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deskmate_ticket_lock_contention_total",
			Help: "Total job pickups deferred because the ticket was busy.",
		}),
		LeasesReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deskmate_leases_reaped_total",
			Help: "Total running jobs failed by the lease reaper.",
		}),
		NotificationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deskmate_notification_errors_total",
			Help: "Total failed suggestion notifications.",
		}),
	}

	reg.MustRegister(
		m.PipelinesTotal,
		m.PipelineDuration,
		m.RetrievalDuration,
		m.RetrievalMatches,
		m.RetrievalErrors,
		m.RecommendTotal,
		m.RecommendDuration,
		m.JobsTotal,
		m.EnqueueTotal,
		m.DecisionsTotal,
		m.LockContention,
		m.LeasesReaped,
		m.NotificationErrors,
	)

	return m
}

// Hooks returns an EngineHooks that increments the corresponding metrics.
func (m *Metrics) Hooks() EngineHooks {
	return EngineHooks{
		OnRetrieve: func(matches int, duration float64, err error) {
			m.RetrievalDuration.Observe(duration)
			if err != nil {
				m.RetrievalErrors.Inc()
				return
			}
			m.RetrievalMatches.Observe(float64(matches))
		},
		OnRecommend: func(backend string, duration float64, err error) {
			status := "success"
			if err != nil {
				status = "error"
			}
			m.RecommendTotal.WithLabelValues(backend, status).Inc()
			m.RecommendDuration.WithLabelValues(backend).Observe(duration)
		},
		OnComplete: func(e *CompleteEvent) {
			m.PipelinesTotal.WithLabelValues(string(e.Status), e.Backend).Inc()
			m.PipelineDuration.WithLabelValues(string(e.Status), e.Backend).Observe(e.Duration)
		},
	}
}

func (m *Metrics) job(outcome string) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) enqueue(result string) {
	if m == nil {
		return
	}
	m.EnqueueTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) decision(verdict string) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(verdict).Inc()
}

func (m *Metrics) contention() {
	if m == nil {
		return
	}
	m.LockContention.Inc()
}

func (m *Metrics) reaped(n int) {
	if m == nil {
		return
	}
	m.LeasesReaped.Add(float64(n))
}

func (m *Metrics) notifyFailed() {
	if m == nil {
		return
	}
	m.NotificationErrors.Inc()
}
