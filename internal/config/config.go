// Package config loads plugin runtime configuration from YAML with env
// overrides, following the layout every plugin binary in the fleet shares.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Redis holds connection settings for the Job Store / real-time analytics
// key-value backend.
type Redis struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

func (r Redis) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Worker configures the bounded worker pool (component C).
type Worker struct {
	Count             int           `mapstructure:"count"`
	ParallelismGate   int           `mapstructure:"parallelism_gate"`
	PickupJitter      time.Duration `mapstructure:"pickup_jitter"`
	SeparationTimeout time.Duration `mapstructure:"separation_timeout"`
	EnrichmentTimeout time.Duration `mapstructure:"enrichment_timeout"`
	EmbeddingTimeout  time.Duration `mapstructure:"embedding_timeout"`
	DownloadTimeout   time.Duration `mapstructure:"download_timeout"`
}

// Store configures Job Store TTLs and the reconciliation sweep.
type Store struct {
	Namespace      string        `mapstructure:"namespace"`
	JobTTL         time.Duration `mapstructure:"job_ttl"`
	ReconcileEvery time.Duration `mapstructure:"reconcile_every"`
}

// Postgres configures the durable Vector Repository / Analytics store.
type Postgres struct {
	URL          string `mapstructure:"url"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	VectorRowCap int    `mapstructure:"vector_row_cap"`
}

// API configures the Job API HTTP surface (component E).
type API struct {
	ListenAddr     string        `mapstructure:"listen_addr"`
	InternalSecret string        `mapstructure:"internal_secret"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	ListDefault    int           `mapstructure:"list_default_limit"`
	ListMax        int           `mapstructure:"list_max_limit"`
	AuditLogPath   string        `mapstructure:"audit_log_path"`
}

// Backend configures the pluggable compute back-end (component D).
type Backend struct {
	MediaPath      string  `mapstructure:"media_path"`
	DownloadsPath  string  `mapstructure:"downloads_path"`
	ModelName      string  `mapstructure:"model_name"`
	OllamaHost     string  `mapstructure:"ollama_host"`
	LLMModel       string  `mapstructure:"llm_model"`
	EmbedderPath   string  `mapstructure:"embedder_path"`
	SeparatorPath  string  `mapstructure:"separator_path"`
	DownloaderPath string  `mapstructure:"downloader_path"`
	DownloadMinRate float64 `mapstructure:"download_min_rate"`
}

// CircuitBreaker guards the Enricher's upstream calls.
type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

// Observability configures logging and metrics.
type Observability struct {
	MetricsPort int    `mapstructure:"metrics_port"`
	LogLevel    string `mapstructure:"log_level"`
}

type Config struct {
	Redis          Redis          `mapstructure:"redis"`
	Worker         Worker         `mapstructure:"worker"`
	Store          Store          `mapstructure:"store"`
	Postgres       Postgres       `mapstructure:"postgres"`
	API            API            `mapstructure:"api"`
	Backend        Backend        `mapstructure:"backend"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`
	Observability  Observability  `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		Redis: Redis{
			Host:         "localhost",
			Port:         6379,
			PoolSize:     10,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Worker: Worker{
			Count:             8,
			ParallelismGate:   2,
			PickupJitter:      100 * time.Millisecond,
			SeparationTimeout: 600 * time.Second,
			EnrichmentTimeout: 30 * time.Second,
			EmbeddingTimeout:  120 * time.Second,
			DownloadTimeout:   900 * time.Second,
		},
		Store: Store{
			Namespace:      "plugin",
			JobTTL:         7 * 24 * time.Hour,
			ReconcileEvery: 30 * time.Second,
		},
		Postgres: Postgres{
			MaxOpenConns: 10,
			VectorRowCap: 5000,
		},
		API: API{
			ListenAddr:   ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			ListDefault:  20,
			ListMax:      100,
		},
		Backend: Backend{
			MediaPath:       "./media",
			DownloadsPath:   "./downloads",
			EmbedderPath:    "audio-embedder",
			SeparatorPath:   "demucs-separator",
			DownloaderPath:  "media-downloader",
			DownloadMinRate: 0.5,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       10,
		},
		Observability: Observability{
			MetricsPort: 9090,
			LogLevel:    "info",
		},
	}
}

// Load reads configuration from a YAML file (if present) with environment
// variable overrides, mirroring every plugin-specific env var in spec §6.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("redis.host", def.Redis.Host)
	v.SetDefault("redis.port", def.Redis.Port)
	v.SetDefault("redis.pool_size", def.Redis.PoolSize)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)

	v.SetDefault("worker.count", def.Worker.Count)
	v.SetDefault("worker.parallelism_gate", def.Worker.ParallelismGate)
	v.SetDefault("worker.pickup_jitter", def.Worker.PickupJitter)
	v.SetDefault("worker.separation_timeout", def.Worker.SeparationTimeout)
	v.SetDefault("worker.enrichment_timeout", def.Worker.EnrichmentTimeout)
	v.SetDefault("worker.embedding_timeout", def.Worker.EmbeddingTimeout)
	v.SetDefault("worker.download_timeout", def.Worker.DownloadTimeout)

	v.SetDefault("store.namespace", def.Store.Namespace)
	v.SetDefault("store.job_ttl", def.Store.JobTTL)
	v.SetDefault("store.reconcile_every", def.Store.ReconcileEvery)

	v.SetDefault("postgres.max_open_conns", def.Postgres.MaxOpenConns)
	v.SetDefault("postgres.vector_row_cap", def.Postgres.VectorRowCap)

	v.SetDefault("api.listen_addr", def.API.ListenAddr)
	v.SetDefault("api.read_timeout", def.API.ReadTimeout)
	v.SetDefault("api.write_timeout", def.API.WriteTimeout)
	v.SetDefault("api.list_default_limit", def.API.ListDefault)
	v.SetDefault("api.list_max_limit", def.API.ListMax)

	v.SetDefault("backend.media_path", def.Backend.MediaPath)
	v.SetDefault("backend.downloads_path", def.Backend.DownloadsPath)
	v.SetDefault("backend.embedder_path", def.Backend.EmbedderPath)
	v.SetDefault("backend.separator_path", def.Backend.SeparatorPath)
	v.SetDefault("backend.downloader_path", def.Backend.DownloaderPath)
	v.SetDefault("backend.download_min_rate", def.Backend.DownloadMinRate)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)

	// spec-mandated env vars, bound explicitly since their names don't
	// follow the nested dot convention used elsewhere.
	bind(v, "api.internal_secret", "INTERNAL_API_SECRET")
	bind(v, "worker.count", "MAX_CONCURRENT_JOBS")
	bind(v, "redis.host", "REDIS_HOST")
	bind(v, "redis.port", "REDIS_PORT")
	bind(v, "redis.password", "REDIS_PASSWORD")
	bind(v, "postgres.url", "POSTGRES_URL")
	bind(v, "backend.media_path", "MEDIA_PATH")
	bind(v, "backend.downloads_path", "DOWNLOADS_PATH")
	bind(v, "backend.model_name", "AI_MODEL_NAME")
	bind(v, "backend.ollama_host", "OLLAMA_HOST")
	bind(v, "backend.llm_model", "LLM_MODEL")

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	// MAX_CONCURRENT_JOBS=0 means "use the deployment default".
	if cfg.Worker.Count == 0 {
		cfg.Worker.Count = def.Worker.Count
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func bind(v *viper.Viper, key, env string) {
	_ = v.BindEnv(key, env)
}

// Validate checks config invariants and returns an error on violation.
func Validate(cfg *Config) error {
	if cfg.Worker.Count < 1 {
		return fmt.Errorf("worker.count must be >= 1")
	}
	if cfg.Worker.ParallelismGate < 1 || cfg.Worker.ParallelismGate > cfg.Worker.Count {
		return fmt.Errorf("worker.parallelism_gate must be in [1, worker.count]")
	}
	if cfg.Store.JobTTL <= 0 {
		return fmt.Errorf("store.job_ttl must be > 0")
	}
	if cfg.API.ListMax < cfg.API.ListDefault {
		return fmt.Errorf("api.list_max_limit must be >= api.list_default_limit")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
