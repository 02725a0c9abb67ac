package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Zitadel   ZitadelConfig
	Gateway   GatewayConfig
	RateLimit RateLimitConfig
	R2        R2Config
	Storage   StorageConfig
	Store     StoreConfig
	Policy    PolicyConfig
	Render    RenderConfig
	Renderer  RendererConfig
	Events    EventsConfig
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

type ZitadelConfig struct {
	Issuer   string
	Audience string
}

type GatewayConfig struct {
	Enabled bool
}

type RateLimitConfig struct {
	RenderPerHour int
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type StorageConfig struct {
	Backend  string // "local" or "r2"
	LocalDir string
	URLTTL   time.Duration
}

type StoreConfig struct {
	Backend    string // "memory", "redis" or "sqlite"
	SQLitePath string
}

type PolicyConfig struct {
	Backend     string // "static" or "redis"
	DefaultMode string
	CaseModes   map[string]string
}

// RenderConfig bounds admission, scheduling and retries.
type RenderConfig struct {
	Workers           int
	QueueCapacity     int
	QueueScanLimit    int
	MinWidth          int
	MaxWidth          int
	MinHeight         int
	MaxHeight         int
	MinFPS            int
	MaxFPS            int
	MaxTotalFrames    int
	DefaultWidth      int
	DefaultHeight     int
	DefaultFPS        int
	DefaultMaxRetries int
	MaxRetriesLimit   int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	PerFrameBudget    time.Duration
	DeadlineGrace     time.Duration
	ProgressBuffer    int
	ShutdownTimeout   time.Duration
	SweepInterval     time.Duration
}

type RendererConfig struct {
	Backend     string // "simulated" or "blender"
	BlenderPath string
	SceneDir    string
	WorkDir     string
	FrameDelay  time.Duration
}

type EventsConfig struct {
	RedisEnabled bool
	AsynqEnabled bool
	Buffer       int
	RetryBase    time.Duration
	RetryMax     time.Duration
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Environment variables
	v.AutomaticEnv()

	bindEnv(v)
	setDefaults(v)

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	cfg := fromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func bindEnv(v *viper.Viper) {
	// Bind environment variables with underscores to nested config keys
	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("jwt.secret", "JWT_SECRET")
	_ = v.BindEnv("zitadel.issuer", "ZITADEL_ISSUER")
	_ = v.BindEnv("zitadel.audience", "ZITADEL_AUDIENCE")
	_ = v.BindEnv("gateway.enabled", "GATEWAY_ENABLED")
	_ = v.BindEnv("ratelimit.render_per_hour", "RATELIMIT_RENDER_PER_HOUR")
	_ = v.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = v.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = v.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = v.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = v.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = v.BindEnv("storage.backend", "STORAGE_BACKEND")
	_ = v.BindEnv("storage.local_dir", "STORAGE_LOCAL_DIR")
	_ = v.BindEnv("storage.url_ttl", "STORAGE_URL_TTL")
	_ = v.BindEnv("store.backend", "STORE_BACKEND")
	_ = v.BindEnv("store.sqlite_path", "STORE_SQLITE_PATH")
	_ = v.BindEnv("policy.backend", "POLICY_BACKEND")
	_ = v.BindEnv("policy.default_mode", "POLICY_DEFAULT_MODE")
	_ = v.BindEnv("render.workers", "RENDER_WORKERS")
	_ = v.BindEnv("render.queue_capacity", "RENDER_QUEUE_CAPACITY")
	_ = v.BindEnv("render.queue_scan_limit", "RENDER_QUEUE_SCAN_LIMIT")
	_ = v.BindEnv("render.default_max_retries", "RENDER_MAX_RETRIES")
	_ = v.BindEnv("render.backoff_base", "RENDER_BACKOFF_BASE")
	_ = v.BindEnv("render.backoff_max", "RENDER_BACKOFF_MAX")
	_ = v.BindEnv("render.per_frame_budget", "RENDER_PER_FRAME_BUDGET")
	_ = v.BindEnv("renderer.backend", "RENDERER_BACKEND")
	_ = v.BindEnv("renderer.blender_path", "BLENDER_PATH")
	_ = v.BindEnv("renderer.scene_dir", "RENDERER_SCENE_DIR")
	_ = v.BindEnv("renderer.work_dir", "RENDER_TEMP_DIR")
	_ = v.BindEnv("renderer.frame_delay", "RENDERER_FRAME_DELAY")
	_ = v.BindEnv("events.redis_enabled", "EVENTS_REDIS_ENABLED")
	_ = v.BindEnv("events.asynq_enabled", "EVENTS_ASYNQ_ENABLED")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8004")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("gateway.enabled", false)
	v.SetDefault("ratelimit.render_per_hour", 60)

	// Storage defaults
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local_dir", "./data/renders")
	v.SetDefault("storage.url_ttl", "1h")

	// Job store defaults
	v.SetDefault("store.backend", "redis")
	v.SetDefault("store.sqlite_path", "./data/renders.db")

	// Policy defaults
	v.SetDefault("policy.backend", "redis")
	v.SetDefault("policy.default_mode", "DEMONSTRATIVE")

	// Render defaults
	v.SetDefault("render.workers", 4)
	v.SetDefault("render.queue_capacity", 1000)
	v.SetDefault("render.queue_scan_limit", 256)
	v.SetDefault("render.min_width", 320)
	v.SetDefault("render.max_width", 3840)
	v.SetDefault("render.min_height", 240)
	v.SetDefault("render.max_height", 2160)
	v.SetDefault("render.min_fps", 1)
	v.SetDefault("render.max_fps", 60)
	v.SetDefault("render.max_total_frames", 216000)
	v.SetDefault("render.default_width", 1920)
	v.SetDefault("render.default_height", 1080)
	v.SetDefault("render.default_fps", 30)
	v.SetDefault("render.default_max_retries", 3)
	v.SetDefault("render.max_retries_limit", 10)
	v.SetDefault("render.backoff_base", "2s")
	v.SetDefault("render.backoff_max", "5m")
	v.SetDefault("render.per_frame_budget", "2s")
	v.SetDefault("render.deadline_grace", "30s")
	v.SetDefault("render.progress_buffer", 1024)
	v.SetDefault("render.shutdown_timeout", "30s")
	v.SetDefault("render.sweep_interval", "30s")

	// Renderer defaults
	v.SetDefault("renderer.backend", "simulated")
	v.SetDefault("renderer.blender_path", "blender")
	v.SetDefault("renderer.scene_dir", "./data/scenes")
	v.SetDefault("renderer.work_dir", "/tmp/blender-renders")
	v.SetDefault("renderer.frame_delay", "0s")

	// Event defaults
	v.SetDefault("events.redis_enabled", true)
	v.SetDefault("events.asynq_enabled", true)
	v.SetDefault("events.buffer", 256)
	v.SetDefault("events.retry_base", "500ms")
	v.SetDefault("events.retry_max", "30s")
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		Server: ServerConfig{
			Port:     v.GetString("server.port"),
			Env:      v.GetString("server.env"),
			LogLevel: v.GetString("server.log_level"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("jwt.secret"),
		},
		Zitadel: ZitadelConfig{
			Issuer:   v.GetString("zitadel.issuer"),
			Audience: v.GetString("zitadel.audience"),
		},
		Gateway: GatewayConfig{
			Enabled: v.GetBool("gateway.enabled"),
		},
		RateLimit: RateLimitConfig{
			RenderPerHour: v.GetInt("ratelimit.render_per_hour"),
		},
		R2: R2Config{
			AccountID:       v.GetString("r2.account_id"),
			AccessKeyID:     v.GetString("r2.access_key_id"),
			SecretAccessKey: v.GetString("r2.secret_access_key"),
			BucketName:      v.GetString("r2.bucket_name"),
			PublicURL:       v.GetString("r2.public_url"),
		},
		Storage: StorageConfig{
			Backend:  strings.ToLower(v.GetString("storage.backend")),
			LocalDir: v.GetString("storage.local_dir"),
			URLTTL:   v.GetDuration("storage.url_ttl"),
		},
		Store: StoreConfig{
			Backend:    strings.ToLower(v.GetString("store.backend")),
			SQLitePath: v.GetString("store.sqlite_path"),
		},
		Policy: PolicyConfig{
			Backend:     strings.ToLower(v.GetString("policy.backend")),
			DefaultMode: strings.ToUpper(v.GetString("policy.default_mode")),
			CaseModes:   v.GetStringMapString("policy.case_modes"),
		},
		Render: RenderConfig{
			Workers:           v.GetInt("render.workers"),
			QueueCapacity:     v.GetInt("render.queue_capacity"),
			QueueScanLimit:    v.GetInt("render.queue_scan_limit"),
			MinWidth:          v.GetInt("render.min_width"),
			MaxWidth:          v.GetInt("render.max_width"),
			MinHeight:         v.GetInt("render.min_height"),
			MaxHeight:         v.GetInt("render.max_height"),
			MinFPS:            v.GetInt("render.min_fps"),
			MaxFPS:            v.GetInt("render.max_fps"),
			MaxTotalFrames:    v.GetInt("render.max_total_frames"),
			DefaultWidth:      v.GetInt("render.default_width"),
			DefaultHeight:     v.GetInt("render.default_height"),
			DefaultFPS:        v.GetInt("render.default_fps"),
			DefaultMaxRetries: v.GetInt("render.default_max_retries"),
			MaxRetriesLimit:   v.GetInt("render.max_retries_limit"),
			BackoffBase:       v.GetDuration("render.backoff_base"),
			BackoffMax:        v.GetDuration("render.backoff_max"),
			PerFrameBudget:    v.GetDuration("render.per_frame_budget"),
			DeadlineGrace:     v.GetDuration("render.deadline_grace"),
			ProgressBuffer:    v.GetInt("render.progress_buffer"),
			ShutdownTimeout:   v.GetDuration("render.shutdown_timeout"),
			SweepInterval:     v.GetDuration("render.sweep_interval"),
		},
		Renderer: RendererConfig{
			Backend:     strings.ToLower(v.GetString("renderer.backend")),
			BlenderPath: v.GetString("renderer.blender_path"),
			SceneDir:    v.GetString("renderer.scene_dir"),
			WorkDir:     v.GetString("renderer.work_dir"),
			FrameDelay:  v.GetDuration("renderer.frame_delay"),
		},
		Events: EventsConfig{
			RedisEnabled: v.GetBool("events.redis_enabled"),
			AsynqEnabled: v.GetBool("events.asynq_enabled"),
			Buffer:       v.GetInt("events.buffer"),
			RetryBase:    v.GetDuration("events.retry_base"),
			RetryMax:     v.GetDuration("events.retry_max"),
		},
	}
}

// Validate rejects configurations the orchestrator can't run with.
func (c *Config) Validate() error {
	r := c.Render
	switch {
	case r.Workers <= 0:
		return fmt.Errorf("render.workers must be > 0")
	case r.QueueCapacity <= 0:
		return fmt.Errorf("render.queue_capacity must be > 0")
	case r.MinWidth <= 0 || r.MaxWidth < r.MinWidth:
		return fmt.Errorf("render width bounds invalid: [%d, %d]", r.MinWidth, r.MaxWidth)
	case r.MinHeight <= 0 || r.MaxHeight < r.MinHeight:
		return fmt.Errorf("render height bounds invalid: [%d, %d]", r.MinHeight, r.MaxHeight)
	case r.MinFPS <= 0 || r.MaxFPS < r.MinFPS:
		return fmt.Errorf("render fps bounds invalid: [%d, %d]", r.MinFPS, r.MaxFPS)
	case r.DefaultMaxRetries < 0 || r.DefaultMaxRetries > r.MaxRetriesLimit:
		return fmt.Errorf("render.default_max_retries must be within [0, %d]", r.MaxRetriesLimit)
	case r.BackoffBase <= 0 || r.BackoffMax < r.BackoffBase:
		return fmt.Errorf("render backoff invalid: base %s max %s", r.BackoffBase, r.BackoffMax)
	case r.PerFrameBudget <= 0:
		return fmt.Errorf("render.per_frame_budget must be > 0")
	}

	switch c.Store.Backend {
	case "memory", "redis", "sqlite":
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}
	switch c.Storage.Backend {
	case "local", "r2":
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	switch c.Renderer.Backend {
	case "simulated", "blender":
	default:
		return fmt.Errorf("unknown renderer.backend %q", c.Renderer.Backend)
	}
	switch c.Policy.Backend {
	case "static", "redis":
	default:
		return fmt.Errorf("unknown policy.backend %q", c.Policy.Backend)
	}
	if c.Policy.DefaultMode != "SANDBOX" && c.Policy.DefaultMode != "DEMONSTRATIVE" {
		return fmt.Errorf("unknown policy.default_mode %q", c.Policy.DefaultMode)
	}
	return nil
}
