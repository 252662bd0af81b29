package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Progress  ProgressConfig
	Session   SessionConfig
	LLM       LLMConfig
	Media     MediaConfig
	Composer  ComposerConfig
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
}

type RateLimitConfig struct {
	TasksPerMin   int
	VideosPerHour int
}

// QueueConfig controls task record lifetime and retry policy.
type QueueConfig struct {
	TaskTTL        time.Duration
	MaxRetries     int
	StaleThreshold time.Duration // RUNNING tasks older than this are swept
}

// WorkerConfig controls the pull-based worker pool.
type WorkerConfig struct {
	PoolSize    int
	IdleBackoff time.Duration // sleep when no task is available
	BackoffBase time.Duration // exponential retry backoff base
}

// ProgressConfig controls event retention and live delivery.
type ProgressConfig struct {
	EventTTL     time.Duration
	BacklogSize  int           // per-session/per-task recent-event cap
	DeliveryMode string        // "pubsub" or "polling"
	PollInterval time.Duration // polling fallback, must stay well under 1s
	StageMaxWait time.Duration // driver's per-stage await safeguard
	SweepEvery   time.Duration // recovery sweep cadence
}

type SessionConfig struct {
	TTL time.Duration
}

type LLMConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

type MediaConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

type ComposerConfig struct {
	ServiceURL string
	Timeout    time.Duration
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("LLM_API_KEY")
	readSecret("MEDIA_API_KEY")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.AutomaticEnv()

	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("jwt.secret", "JWT_SECRET")
	_ = viper.BindEnv("ratelimit.tasks_per_min", "RATELIMIT_TASKS_PER_MIN")
	_ = viper.BindEnv("ratelimit.videos_per_hour", "RATELIMIT_VIDEOS_PER_HOUR")
	_ = viper.BindEnv("queue.task_ttl", "QUEUE_TASK_TTL")
	_ = viper.BindEnv("queue.max_retries", "QUEUE_MAX_RETRIES")
	_ = viper.BindEnv("queue.stale_threshold", "QUEUE_STALE_THRESHOLD")
	_ = viper.BindEnv("worker.pool_size", "WORKER_POOL_SIZE")
	_ = viper.BindEnv("worker.idle_backoff", "WORKER_IDLE_BACKOFF")
	_ = viper.BindEnv("worker.backoff_base", "WORKER_BACKOFF_BASE")
	_ = viper.BindEnv("progress.event_ttl", "PROGRESS_EVENT_TTL")
	_ = viper.BindEnv("progress.backlog_size", "PROGRESS_BACKLOG_SIZE")
	_ = viper.BindEnv("progress.delivery_mode", "PROGRESS_DELIVERY_MODE")
	_ = viper.BindEnv("progress.poll_interval", "PROGRESS_POLL_INTERVAL")
	_ = viper.BindEnv("progress.stage_max_wait", "PROGRESS_STAGE_MAX_WAIT")
	_ = viper.BindEnv("progress.sweep_every", "PROGRESS_SWEEP_EVERY")
	_ = viper.BindEnv("session.ttl", "SESSION_TTL")
	_ = viper.BindEnv("llm.api_key", "LLM_API_KEY")
	_ = viper.BindEnv("llm.base_url", "LLM_BASE_URL")
	_ = viper.BindEnv("llm.model", "LLM_MODEL")
	_ = viper.BindEnv("media.api_key", "MEDIA_API_KEY")
	_ = viper.BindEnv("media.base_url", "MEDIA_BASE_URL")
	_ = viper.BindEnv("media.timeout", "MEDIA_TIMEOUT")
	_ = viper.BindEnv("composer.service_url", "COMPOSER_SERVICE_URL")
	_ = viper.BindEnv("composer.timeout", "COMPOSER_TIMEOUT")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("jwt.secret", "")
	viper.SetDefault("ratelimit.tasks_per_min", 60)
	viper.SetDefault("ratelimit.videos_per_hour", 10)
	viper.SetDefault("queue.task_ttl", "24h")
	viper.SetDefault("queue.max_retries", 3)
	viper.SetDefault("queue.stale_threshold", "10m")
	viper.SetDefault("worker.pool_size", 4)
	viper.SetDefault("worker.idle_backoff", "500ms")
	viper.SetDefault("worker.backoff_base", "200ms")
	viper.SetDefault("progress.event_ttl", "1h")
	viper.SetDefault("progress.backlog_size", 50)
	viper.SetDefault("progress.delivery_mode", "pubsub")
	viper.SetDefault("progress.poll_interval", "500ms")
	viper.SetDefault("progress.stage_max_wait", "30m")
	viper.SetDefault("progress.sweep_every", "1m")
	viper.SetDefault("session.ttl", "24h")
	viper.SetDefault("llm.base_url", "https://api.groq.com/openai/v1")
	viper.SetDefault("llm.model", "llama-3.3-70b-versatile")
	viper.SetDefault("media.base_url", "")
	viper.SetDefault("media.timeout", "120s")
	viper.SetDefault("composer.service_url", "")
	viper.SetDefault("composer.timeout", "300s")

	// Config file is optional
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:     viper.GetString("server.port"),
			Env:      viper.GetString("server.env"),
			LogLevel: viper.GetString("server.log_level"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret: viper.GetString("jwt.secret"),
		},
		RateLimit: RateLimitConfig{
			TasksPerMin:   viper.GetInt("ratelimit.tasks_per_min"),
			VideosPerHour: viper.GetInt("ratelimit.videos_per_hour"),
		},
		Queue: QueueConfig{
			TaskTTL:        viper.GetDuration("queue.task_ttl"),
			MaxRetries:     viper.GetInt("queue.max_retries"),
			StaleThreshold: viper.GetDuration("queue.stale_threshold"),
		},
		Worker: WorkerConfig{
			PoolSize:    viper.GetInt("worker.pool_size"),
			IdleBackoff: viper.GetDuration("worker.idle_backoff"),
			BackoffBase: viper.GetDuration("worker.backoff_base"),
		},
		Progress: ProgressConfig{
			EventTTL:     viper.GetDuration("progress.event_ttl"),
			BacklogSize:  viper.GetInt("progress.backlog_size"),
			DeliveryMode: viper.GetString("progress.delivery_mode"),
			PollInterval: viper.GetDuration("progress.poll_interval"),
			StageMaxWait: viper.GetDuration("progress.stage_max_wait"),
			SweepEvery:   viper.GetDuration("progress.sweep_every"),
		},
		Session: SessionConfig{
			TTL: viper.GetDuration("session.ttl"),
		},
		LLM: LLMConfig{
			APIKey:  viper.GetString("llm.api_key"),
			BaseURL: viper.GetString("llm.base_url"),
			Model:   viper.GetString("llm.model"),
		},
		Media: MediaConfig{
			APIKey:  viper.GetString("media.api_key"),
			BaseURL: viper.GetString("media.base_url"),
			Timeout: viper.GetDuration("media.timeout"),
		},
		Composer: ComposerConfig{
			ServiceURL: viper.GetString("composer.service_url"),
			Timeout:    viper.GetDuration("composer.timeout"),
		},
	}

	return cfg, nil
}
