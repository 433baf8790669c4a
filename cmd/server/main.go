// Deskmate triages support tickets: it retrieves knowledge-base context,
// asks a recommender for a priority, team and draft reply, and records the
// result as a suggestion for a human to approve or reject.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	otelpyroscope "github.com/grafana/otel-profiling-go"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/deskmate/internal/authmw"
	dc "github.com/linnemanlabs/deskmate/internal/cfg"
	"github.com/linnemanlabs/deskmate/internal/knowledge"
	"github.com/linnemanlabs/deskmate/internal/llm/claude"
	"github.com/linnemanlabs/deskmate/internal/llm/ollama"
	"github.com/linnemanlabs/deskmate/internal/llm/rules"
	"github.com/linnemanlabs/deskmate/internal/notify/slack"
	"github.com/linnemanlabs/deskmate/internal/postgres"
	"github.com/linnemanlabs/deskmate/internal/queue"
	"github.com/linnemanlabs/deskmate/internal/ticketlock"
	"github.com/linnemanlabs/deskmate/internal/triage"
	"github.com/linnemanlabs/deskmate/internal/triage/memstore"
	"github.com/linnemanlabs/deskmate/internal/triage/pgstore"
	"github.com/linnemanlabs/deskmate/internal/triageapi"
)

const appName = "deskmate"
const component = "server"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v.AppName = appName
	v.Component = component
	vi := v.Get()

	var (
		appCfg    dc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// command line wins over DESKMATE_* env vars
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	cfg.FillFromEnv(flag.CommandLine, "DESKMATE_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// checks spanning package configs
	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	L := lg.With("component", vi.Component)

	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"enable_pprof", opsCfg.EnablePprof,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"trace_sample", traceCfg.TraceSample,
		"trace_insecure", traceCfg.Insecure,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"pyro_server", profCfg.PyroServer,
		"pyro_tenant", profCfg.PyroTenantID,
		"include_error_links", logCfg.IncludeErrorLinks,
		"max_error_links", logCfg.MaxErrorLinks,
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
		"recommender", appCfg.Recommender,
		"embedder", appCfg.Embedder,
		"workers", appCfg.Workers,
		"redis", appCfg.RedisURL != "",
		"postgres", appCfg.DatabaseURL != "",
		"api_auth", appCfg.APIToken != "",
	)

	// profiling starts before anything expensive is built
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
		"source":    "lmlabs-go-agent",
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx != nil {
		defer func() { _ = shutdownOtelx(context.Background()) }()
	}

	// Link spans to profiles so a slow triage span opens its flame graph
	if profErr == nil && profCfg.EnablePyroscope {
		otel.SetTracerProvider(otelpyroscope.NewTracerProvider(otel.GetTracerProvider()))
	}

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	// Initialize the triage store. Postgres also holds the knowledge corpus.
	var (
		triageStore triage.Store
		corpus      knowledge.Corpus
		kbWriter    knowledge.Writer
	)
	if appCfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, appCfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		defer pool.Close()
		pgStore, err := pgstore.New(ctx, pool)
		if err != nil {
			return fmt.Errorf("pgstore init: %w", err)
		}
		triageStore, corpus, kbWriter = pgStore, pgStore, pgStore
		L.Info(ctx, "using postgres store")
	} else {
		mem := knowledge.NewMemoryCorpus()
		triageStore, corpus, kbWriter = memstore.New(), mem, mem
		L.Info(ctx, "using in-memory store (no database-url configured)")
	}

	// Job queue and per-ticket locks: Redis when shared across processes,
	// in-process otherwise.
	var (
		jobQueue triage.Queue
		locker   triage.TicketLocker
	)
	if appCfg.RedisURL != "" {
		rq, err := queue.NewRedis(queue.RedisOptions{URL: appCfg.RedisURL})
		if err != nil {
			return fmt.Errorf("redis queue: %w", err)
		}
		defer func() { _ = rq.Close() }()
		jobQueue = rq
		locker = ticketlock.NewRedis(rq.Client(), appCfg.LeaseDuration)
		L.Info(ctx, "using redis queue and ticket locks")
	} else {
		jobQueue = queue.NewLocal(localQueueSize)
		locker = ticketlock.NewLocal()
		L.Info(ctx, "using in-process queue and ticket locks (no redis-url configured)")
	}

	embedder := newEmbedder(&appCfg)
	L.Info(ctx, "initialized embedder", "embedder", appCfg.Embedder, "dimensions", embedder.Dimensions())
	retriever := knowledge.NewRetriever(corpus, embedder, appCfg.TopK)

	recommender, err := newRecommender(&appCfg)
	if err != nil {
		return err
	}
	L.Info(ctx, "initialized recommender", "backend", recommender.Name())

	// Initialize triage metrics on the shared Prometheus registry.
	triageMetrics := triage.NewMetrics(m.Registry())

	// Register per-query DB duration histogram and wire the observer.
	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "deskmate_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "outcome"})
	m.Registry().MustRegister(dbQueryDuration)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, method, route, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(method, route, outcome).Observe(dur.Seconds())
		},
	))

	// Initialize the triage engine (pure - no store dependency).
	engine := triage.NewEngine(retriever, recommender, triage.EngineConfig{
		TopK:             appCfg.TopK,
		RecommendTimeout: appCfg.RecommendTimeout,
	}, L, triageMetrics.Hooks())

	// Initialize Slack notifier for new suggestions.
	var notifier triage.Notifier
	if appCfg.SlackWebhookURL != "" {
		notifier = slack.New(appCfg.SlackWebhookURL, L)
		L.Info(ctx, "notifier enabled", "type", "slack")
	}

	// The service owns tickets, idempotent job creation and decisions; the
	// orchestrator owns job execution.
	triageSvc := triage.NewService(triageStore, jobQueue, L, triageMetrics)
	orchestrator := triage.NewOrchestrator(triageStore, engine, jobQueue, locker, triage.OrchestratorConfig{
		Workers:          appCfg.Workers,
		MaxAttempts:      appCfg.MaxAttempts,
		LeaseDuration:    appCfg.LeaseDuration,
		RetryBackoff:     appCfg.RetryBackoff,
		BusyRequeueDelay: appCfg.BusyRequeueDelay,
		ReapInterval:     appCfg.ReapInterval,
		RequeueAfter:     appCfg.RequeueAfter,
	}, L.With("component", "orchestrator"), triageMetrics, notifier)

	// Workers run on their own context so they keep going through the drain
	// period and stop as an explicit shutdown step.
	orchCtx, cancelOrch := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelOrch()
	orchDone := make(chan error, 1)
	go func() { orchDone <- orchestrator.Run(orchCtx) }()
	stopOrchestrator := func(ctx context.Context) error {
		cancelOrch()
		select {
		case err := <-orchDone:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var shutdownGate health.ShutdownGate

	readiness := health.All(
		shutdownGate.Probe(),
	)
	liveness := health.Fixed(true, "")

	// metrics, health and pprof live on the internal ops listener
	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		if err := opsHTTPStop(context.Background()); err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	r := chi.NewRouter()

	r.Use(middleware.Compress(5, "application/json"))

	r.Use(httpmw.AnnotateHTTPRoute)

	r.Use(dbStats)

	r.Use(httpmw.AccessLog())

	r.Use(httpmw.MaxBody(4 << 20)) // chunk uploads carry embeddings

	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	// the bearer token, when set, guards every /api route
	triageHTTP := triageapi.New(L, triageSvc, triageapi.Knowledge{
		Writer:   kbWriter,
		Indexer:  knowledge.NewIndexer(embedder, kbWriter),
		Searcher: retriever,
	})
	r.Group(func(r chi.Router) {
		if appCfg.APIToken != "" {
			r.Use(authmw.BearerToken(appCfg.APIToken))
		}
		r.Use(authmw.Actor)
		triageHTTP.RegisterRoutes(r)
	})

	h := wrapAPI(r, L, m.Middleware, httpmw.ClientIPOptions{TrustedHops: httpmwCfg.TrustedProxyHops})

	apiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		return err
	}
	defer func() {
		if err := apiHTTPStop(context.Background()); err != nil {
			L.Error(ctx, err, "failed to stop api http listener")
		}
	}()

	if err := notifySystemd(); err != nil {
		// not fatal, systemd kills us on its own timeout if it was waiting
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()
	L.Info(context.Background(), "shutdown signal received")

	// readiness fails from here on so the load balancer stops routing to us
	shutdownGate.Set("draining")
	drain(L, time.Duration(appCfg.DrainSeconds)*time.Second)

	// API first so no new triage requests land once the workers stop.
	// Profiling is flushed by its deferred stop.
	stopAll(L, time.Duration(appCfg.ShutdownBudgetSeconds)*time.Second, []stopStep{
		{"api http server", apiHTTPStop},
		{"triage orchestrator", stopOrchestrator},
		{"ops http server", opsHTTPStop},
		{"otel", shutdownOtelx},
	})

	L.Info(context.Background(), "shutdown complete")
	return nil
}

// wrapAPI applies the listener-wide middleware around the router. Each
// wrapper added later runs earlier on the request.
func wrapAPI(r http.Handler, L log.Logger, metricsMW func(http.Handler) http.Handler, ipOpts httpmw.ClientIPOptions) http.Handler {
	h := httpmw.WithLogger(L)(r)
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// renamed to the chi route pattern by AnnotateHTTPRoute
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)
	h = metricsMW(h)
	h = httpmw.ClientIPWithOptions(ipOpts)(h)
	h = httpmw.RequestID("X-Request-Id")(h)
	h = httpmw.Recover(L, nil)(h)
	return httpmw.SecurityHeaders(h)
}

// drain waits out the drain period. A second signal cuts it short.
func drain(L log.Logger, d time.Duration) {
	L.Info(context.Background(), "draining", "drain_seconds", d.Seconds())
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(forceCh)
	select {
	case <-time.After(d):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
}

type stopStep struct {
	name string
	fn   func(context.Context) error
}

// stopAll runs the steps in order, each with an equal slice of budget.
func stopAll(L log.Logger, budget time.Duration, steps []stopStep) {
	per := budget / time.Duration(len(steps))
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()
	for _, s := range steps {
		sctx, scancel := context.WithTimeout(ctx, per)
		if err := s.fn(sctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		scancel()
	}
}

// localQueueSize bounds the in-process queue. Pushes past it fail and the
// job is picked up again by Recover on the next start.
const localQueueSize = 4096

func newEmbedder(c *dc.Config) knowledge.Embedder {
	if c.Embedder == dc.EmbedderOllama {
		return ollama.NewEmbedder(c.OllamaURL, c.OllamaEmbedModel, c.EmbeddingDim, embedTimeout)
	}
	return knowledge.NewHashEmbedder(c.EmbeddingDim)
}

const embedTimeout = 30 * time.Second

func newRecommender(c *dc.Config) (triage.Recommender, error) {
	switch c.Recommender {
	case dc.RecommenderClaude:
		return claude.New(c.ClaudeAPIKey, c.ClaudeModel), nil
	case dc.RecommenderOllama:
		return ollama.NewRecommender(c.OllamaURL, c.OllamaModel, c.RecommendTimeout), nil
	case dc.RecommenderRules:
		return rules.New(), nil
	}
	return nil, fmt.Errorf("unknown recommender %q", c.Recommender)
}

// dbStats labels DB queries with the request method and records the
// request's query count and time on its span.
func dbStats(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ctx := postgres.NewReqDBStatsContext(postgres.WithHTTPMethod(req.Context(), req.Method))
		next.ServeHTTP(w, req.WithContext(ctx))

		st, ok := postgres.ReqDBStatsFromContext(ctx)
		if !ok {
			return
		}
		count, dur, errs := st.Snapshot()
		if count == 0 {
			return
		}
		trace.SpanFromContext(ctx).SetAttributes(
			attribute.Int("db.query_count", count),
			attribute.Int("db.error_count", errs),
			attribute.Float64("db.total_seconds", dur.Seconds()),
		)
	})
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // G704: addr is from NOTIFY_SOCKET set by systemd not user input, no context support in net package for unixgram sockets
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
