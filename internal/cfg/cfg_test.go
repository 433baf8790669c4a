package cfg

import (
	"flag"
	"math"
	"strings"
	"testing"
	"time"
)

// validBase returns a Config with every field set to a valid value.
func validBase() Config {
	return Config{
		DrainSeconds:          60,
		ShutdownBudgetSeconds: 90,
		APIPort:               8080,
		Workers:               4,
		MaxAttempts:           3,
		RecommendTimeout:      time.Minute,
		LeaseDuration:         2 * time.Minute,
		RetryBackoff:          5 * time.Second,
		BusyRequeueDelay:      2 * time.Second,
		ReapInterval:          30 * time.Second,
		RequeueAfter:          time.Minute,
		TopK:                  5,
		Recommender:           RecommenderRules,
		ClaudeModel:           "claude-sonnet-4-5",
		OllamaURL:             "http://127.0.0.1:11434",
		OllamaModel:           "llama3",
		Embedder:              EmbedderHash,
		OllamaEmbedModel:      "nomic-embed-text",
		EmbeddingDim:          384,
	}
}

func with(mut func(*Config)) Config {
	c := validBase()
	mut(&c)
	return c
}

func TestRegisterFlags_Defaults(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse empty args: %v", err)
	}

	if c.DrainSeconds != 60 {
		t.Errorf("DrainSeconds = %d, want 60", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 90 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 90", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 8080 {
		t.Errorf("APIPort = %d, want 8080", c.APIPort)
	}
	if c.Recommender != RecommenderRules {
		t.Errorf("Recommender = %q, want %q", c.Recommender, RecommenderRules)
	}
	if c.Embedder != EmbedderHash {
		t.Errorf("Embedder = %q, want %q", c.Embedder, EmbedderHash)
	}
	if c.LeaseDuration != 2*time.Minute {
		t.Errorf("LeaseDuration = %s, want 2m", c.LeaseDuration)
	}
	if c.RequeueAfter != time.Minute {
		t.Errorf("RequeueAfter = %s, want 1m", c.RequeueAfter)
	}
	if c.EmbeddingDim != 384 {
		t.Errorf("EmbeddingDim = %d, want 384", c.EmbeddingDim)
	}

	// defaults must pass validation on their own
	if err := c.Validate(); err != nil {
		t.Errorf("defaults should validate, got: %v", err)
	}
}

func TestRegisterFlags_Override(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	args := []string{
		"-drain-seconds", "30",
		"-shutdown-budget-seconds", "120",
		"-http-port", "9090",
		"-recommender", "claude",
		"-claude-api-key", "sk-override",
		"-claude-model", "claude-opus-4-1",
		"-workers", "8",
		"-lease-duration", "5m",
		"-redis-url", "redis://cache:6379/0",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse args: %v", err)
	}

	if c.DrainSeconds != 30 {
		t.Errorf("DrainSeconds = %d, want 30", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 120 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 120", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 9090 {
		t.Errorf("APIPort = %d, want 9090", c.APIPort)
	}
	if c.Recommender != RecommenderClaude {
		t.Errorf("Recommender = %q, want %q", c.Recommender, RecommenderClaude)
	}
	if c.ClaudeAPIKey != "sk-override" {
		t.Errorf("ClaudeAPIKey = %q, want %q", c.ClaudeAPIKey, "sk-override")
	}
	if c.ClaudeModel != "claude-opus-4-1" {
		t.Errorf("ClaudeModel = %q, want %q", c.ClaudeModel, "claude-opus-4-1")
	}
	if c.Workers != 8 {
		t.Errorf("Workers = %d, want 8", c.Workers)
	}
	if c.LeaseDuration != 5*time.Minute {
		t.Errorf("LeaseDuration = %s, want 5m", c.LeaseDuration)
	}
	if c.RedisURL != "redis://cache:6379/0" {
		t.Errorf("RedisURL = %q", c.RedisURL)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		cfg       Config
		wantErr   bool
		errSubstr []string // substrings that must appear in error message
	}{
		{
			name: "defaults are valid",
			cfg:  validBase(),
		},
		{
			name: "minimum valid values",
			cfg: with(func(c *Config) {
				c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = 1, 2, 1
				c.Workers, c.MaxAttempts, c.TopK, c.EmbeddingDim = 1, 1, 1, 8
			}),
		},
		{
			name: "maximum valid values",
			cfg: with(func(c *Config) {
				c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = 299, 300, 65535
				c.Workers, c.MaxAttempts, c.TopK, c.EmbeddingDim = 256, 20, 50, 4096
			}),
		},
		// DrainSeconds / ShutdownBudgetSeconds
		{
			name:      "drain zero",
			cfg:       with(func(c *Config) { c.DrainSeconds = 0 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:      "drain above max",
			cfg:       with(func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds = 301, 302 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:      "budget above max",
			cfg:       with(func(c *Config) { c.ShutdownBudgetSeconds = 301 }),
			wantErr:   true,
			errSubstr: []string{"SHUTDOWN_BUDGET_SECONDS"},
		},
		{
			name:      "budget equals drain",
			cfg:       with(func(c *Config) { c.ShutdownBudgetSeconds = 60 }),
			wantErr:   true,
			errSubstr: []string{"must be greater than"},
		},
		{
			name: "budget is drain plus one",
			cfg:  with(func(c *Config) { c.ShutdownBudgetSeconds = 61 }),
		},
		// APIPort
		{
			name:      "port zero",
			cfg:       with(func(c *Config) { c.APIPort = 0 }),
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		{
			name:      "port above max",
			cfg:       with(func(c *Config) { c.APIPort = 65536 }),
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		// Worker pool
		{
			name:      "workers zero",
			cfg:       with(func(c *Config) { c.Workers = 0 }),
			wantErr:   true,
			errSubstr: []string{"WORKERS"},
		},
		{
			name:      "max attempts above max",
			cfg:       with(func(c *Config) { c.MaxAttempts = 21 }),
			wantErr:   true,
			errSubstr: []string{"MAX_ATTEMPTS"},
		},
		{
			name:      "top-k zero",
			cfg:       with(func(c *Config) { c.TopK = 0 }),
			wantErr:   true,
			errSubstr: []string{"TOP_K"},
		},
		{
			name:      "zero durations",
			cfg:       with(func(c *Config) { c.RetryBackoff, c.BusyRequeueDelay, c.ReapInterval, c.RequeueAfter = 0, 0, 0, 0 }),
			wantErr:   true,
			errSubstr: []string{"RETRY_BACKOFF", "BUSY_REQUEUE_DELAY", "REAP_INTERVAL", "REQUEUE_AFTER"},
		},
		{
			name:      "lease not longer than recommend timeout",
			cfg:       with(func(c *Config) { c.LeaseDuration = c.RecommendTimeout }),
			wantErr:   true,
			errSubstr: []string{"LEASE_DURATION"},
		},
		// Recommender
		{
			name:      "unknown recommender",
			cfg:       with(func(c *Config) { c.Recommender = "gpt" }),
			wantErr:   true,
			errSubstr: []string{"RECOMMENDER"},
		},
		{
			name:      "claude without key",
			cfg:       with(func(c *Config) { c.Recommender = RecommenderClaude }),
			wantErr:   true,
			errSubstr: []string{"CLAUDE_API_KEY"},
		},
		{
			name: "claude with key",
			cfg:  with(func(c *Config) { c.Recommender, c.ClaudeAPIKey = RecommenderClaude, "k" }),
		},
		{
			name:      "claude without model",
			cfg:       with(func(c *Config) { c.Recommender, c.ClaudeAPIKey, c.ClaudeModel = RecommenderClaude, "k", "" }),
			wantErr:   true,
			errSubstr: []string{"CLAUDE_MODEL"},
		},
		{
			name: "claude key ignored for rules",
			cfg:  with(func(c *Config) { c.ClaudeModel = "" }),
		},
		{
			name:      "ollama with bad url",
			cfg:       with(func(c *Config) { c.Recommender, c.OllamaURL = RecommenderOllama, "localhost" }),
			wantErr:   true,
			errSubstr: []string{"OLLAMA_URL"},
		},
		{
			name: "ollama url ignored when unused",
			cfg:  with(func(c *Config) { c.OllamaURL = "" }),
		},
		// Embedder
		{
			name:      "unknown embedder",
			cfg:       with(func(c *Config) { c.Embedder = "openai" }),
			wantErr:   true,
			errSubstr: []string{"EMBEDDER"},
		},
		{
			name:      "ollama embedder without model",
			cfg:       with(func(c *Config) { c.Embedder, c.OllamaEmbedModel = EmbedderOllama, "" }),
			wantErr:   true,
			errSubstr: []string{"OLLAMA_EMBED_MODEL"},
		},
		{
			name:      "embedding dim too small",
			cfg:       with(func(c *Config) { c.EmbeddingDim = 4 }),
			wantErr:   true,
			errSubstr: []string{"EMBEDDING_DIM"},
		},
		// URLs
		{
			name:      "redis url wrong scheme",
			cfg:       with(func(c *Config) { c.RedisURL = "http://cache:6379" }),
			wantErr:   true,
			errSubstr: []string{"REDIS_URL"},
		},
		{
			name: "rediss url",
			cfg:  with(func(c *Config) { c.RedisURL = "rediss://cache:6380" }),
		},
		{
			name:      "slack webhook over http",
			cfg:       with(func(c *Config) { c.SlackWebhookURL = "http://hooks.slack.com/services/x" }),
			wantErr:   true,
			errSubstr: []string{"SLACK_WEBHOOK_URL"},
		},
		// Error accumulation
		{
			name:      "all fields invalid",
			cfg:       Config{},
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT", "WORKERS", "RECOMMENDER", "EMBEDDER"},
		},
		{
			name: "extreme negative values",
			cfg: with(func(c *Config) {
				c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = math.MinInt32, math.MinInt32, math.MinInt32
			}),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				errMsg := err.Error()
				for _, sub := range tt.errSubstr {
					if !strings.Contains(errMsg, sub) {
						t.Errorf("error %q does not contain %q", errMsg, sub)
					}
				}
			}
		})
	}
}

func FuzzValidate(f *testing.F) {
	// Seeds: defaults, boundaries, extremes
	seeds := []struct {
		drain, budget, port, workers int
		recommender, key             string
	}{
		{60, 90, 8080, 4, "rules", ""},
		{1, 2, 1, 1, "claude", "k"},
		{299, 300, 65535, 256, "rules", ""},
		{0, 0, 0, 0, "", ""},
		{-1, -1, -1, -1, "claude", ""},
		{300, 300, 65535, 257, "ollama", ""},
		{150, 100, 8080, 4, "rules", "k"},
		{math.MinInt32, math.MinInt32, math.MinInt32, math.MinInt32, "x", ""},
		{math.MaxInt32, math.MaxInt32, math.MaxInt32, math.MaxInt32, "claude", "k"},
	}
	for _, s := range seeds {
		f.Add(s.drain, s.budget, s.port, s.workers, s.recommender, s.key)
	}

	f.Fuzz(func(t *testing.T, drain, budget, port, workers int, recommender, key string) {
		c := validBase()
		c.DrainSeconds = drain
		c.ShutdownBudgetSeconds = budget
		c.APIPort = port
		c.Workers = workers
		c.Recommender = recommender
		c.ClaudeAPIKey = key
		err := c.Validate()

		drainOK := drain >= 1 && drain <= 300
		budgetOK := budget >= 1 && budget <= 300
		portOK := port >= 1 && port <= 65535
		crossOK := budget > drain
		workersOK := workers >= 1 && workers <= 256
		recOK := recommender == RecommenderRules || recommender == RecommenderOllama ||
			(recommender == RecommenderClaude && key != "")

		allValid := drainOK && budgetOK && portOK && crossOK && workersOK && recOK

		if allValid && err != nil {
			t.Errorf("expected no error for valid config %+v, got: %v", c, err)
		}
		if !allValid && err == nil {
			t.Errorf("expected error for invalid config %+v, got nil", c)
		}
	})
}
