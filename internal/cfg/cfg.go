package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"time"
)

// Recommender backends.
const (
	RecommenderRules  = "rules"
	RecommenderOllama = "ollama"
	RecommenderClaude = "claude"
)

// Embedder backends.
const (
	EmbedderHash   = "hash"
	EmbedderOllama = "ollama"
)

// Config holds the application flags. It follows the same
// RegisterFlags / Validate contract as the go-core package configs.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string
	DatabaseURL           string
	RedisURL              string

	Workers          int
	MaxAttempts      int
	RecommendTimeout time.Duration
	LeaseDuration    time.Duration
	RetryBackoff     time.Duration
	BusyRequeueDelay time.Duration
	ReapInterval     time.Duration
	RequeueAfter     time.Duration
	TopK             int

	Recommender      string
	ClaudeAPIKey     string
	ClaudeModel      string
	OllamaURL        string
	OllamaModel      string
	Embedder         string
	OllamaEmbedModel string
	EmbeddingDim     int

	SlackWebhookURL string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on /api routes (empty = no auth)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.RedisURL, "redis-url", "", "Redis URL for the shared job queue and ticket locks (empty = in-process)")

	fs.IntVar(&c.Workers, "workers", 4, "number of triage workers (1..256)")
	fs.IntVar(&c.MaxAttempts, "max-attempts", 3, "attempts per job before it fails for good (1..20)")
	fs.DurationVar(&c.RecommendTimeout, "recommend-timeout", 60*time.Second, "timeout for a single recommender call")
	fs.DurationVar(&c.LeaseDuration, "lease-duration", 2*time.Minute, "how long a running job is owned before the reaper may reclaim it")
	fs.DurationVar(&c.RetryBackoff, "retry-backoff", 5*time.Second, "base delay before a failed job is retried")
	fs.DurationVar(&c.BusyRequeueDelay, "busy-requeue-delay", 2*time.Second, "delay before retrying a job whose ticket is locked")
	fs.DurationVar(&c.ReapInterval, "reap-interval", 30*time.Second, "how often expired leases are reclaimed")
	fs.DurationVar(&c.RequeueAfter, "requeue-after", time.Minute, "how long a queued job may wait without a wake-up before it is pushed again")
	fs.IntVar(&c.TopK, "top-k", 5, "knowledge chunks retrieved per ticket (1..50)")

	fs.StringVar(&c.Recommender, "recommender", RecommenderRules, "recommendation backend: rules, ollama or claude")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude recommender")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-5", "Claude model to use")
	fs.StringVar(&c.OllamaURL, "ollama-url", "http://127.0.0.1:11434", "Ollama base URL")
	fs.StringVar(&c.OllamaModel, "ollama-model", "llama3", "Ollama chat model")
	fs.StringVar(&c.Embedder, "embedder", EmbedderHash, "embedding backend: hash or ollama")
	fs.StringVar(&c.OllamaEmbedModel, "ollama-embed-model", "nomic-embed-text", "Ollama embedding model")
	fs.IntVar(&c.EmbeddingDim, "embedding-dim", 384, "embedding vector dimensions (8..4096)")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for suggestion notifications")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// Worker pool
	if c.Workers <= 0 || c.Workers > 256 {
		errs = append(errs, fmt.Errorf("invalid WORKERS %d (must be 1..256)", c.Workers))
	}
	if c.MaxAttempts <= 0 || c.MaxAttempts > 20 {
		errs = append(errs, fmt.Errorf("invalid MAX_ATTEMPTS %d (must be 1..20)", c.MaxAttempts))
	}
	if c.TopK <= 0 || c.TopK > 50 {
		errs = append(errs, fmt.Errorf("invalid TOP_K %d (must be 1..50)", c.TopK))
	}
	for _, d := range []struct {
		name string
		val  time.Duration
	}{
		{"RECOMMEND_TIMEOUT", c.RecommendTimeout},
		{"LEASE_DURATION", c.LeaseDuration},
		{"RETRY_BACKOFF", c.RetryBackoff},
		{"BUSY_REQUEUE_DELAY", c.BusyRequeueDelay},
		{"REAP_INTERVAL", c.ReapInterval},
		{"REQUEUE_AFTER", c.RequeueAfter},
	} {
		if d.val <= 0 {
			errs = append(errs, fmt.Errorf("invalid %s %s (must be > 0)", d.name, d.val))
		}
	}

	// A lease shorter than the recommender timeout would be reaped mid-call
	if c.RecommendTimeout > 0 && c.LeaseDuration > 0 && c.LeaseDuration <= c.RecommendTimeout {
		errs = append(errs, fmt.Errorf("LEASE_DURATION %s must be greater than RECOMMEND_TIMEOUT %s", c.LeaseDuration, c.RecommendTimeout))
	}

	switch c.Recommender {
	case RecommenderRules:
	case RecommenderClaude:
		if c.ClaudeAPIKey == "" {
			errs = append(errs, errors.New("CLAUDE_API_KEY is required when RECOMMENDER=claude"))
		}
		if c.ClaudeModel == "" {
			errs = append(errs, errors.New("CLAUDE_MODEL is required when RECOMMENDER=claude"))
		}
	case RecommenderOllama:
		if c.OllamaModel == "" {
			errs = append(errs, errors.New("OLLAMA_MODEL is required when RECOMMENDER=ollama"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid RECOMMENDER %q (must be rules, ollama or claude)", c.Recommender))
	}

	switch c.Embedder {
	case EmbedderHash:
	case EmbedderOllama:
		if c.OllamaEmbedModel == "" {
			errs = append(errs, errors.New("OLLAMA_EMBED_MODEL is required when EMBEDDER=ollama"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid EMBEDDER %q (must be hash or ollama)", c.Embedder))
	}
	if c.EmbeddingDim < 8 || c.EmbeddingDim > 4096 {
		errs = append(errs, fmt.Errorf("invalid EMBEDDING_DIM %d (must be 8..4096)", c.EmbeddingDim))
	}

	if c.Recommender == RecommenderOllama || c.Embedder == EmbedderOllama {
		if err := checkURL("OLLAMA_URL", c.OllamaURL, "http", "https"); err != nil {
			errs = append(errs, err)
		}
	}
	if c.RedisURL != "" {
		if err := checkURL("REDIS_URL", c.RedisURL, "redis", "rediss"); err != nil {
			errs = append(errs, err)
		}
	}
	if c.SlackWebhookURL != "" {
		if err := checkURL("SLACK_WEBHOOK_URL", c.SlackWebhookURL, "https"); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func checkURL(name, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid %s %q", name, raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("invalid %s scheme %q", name, u.Scheme)
}
