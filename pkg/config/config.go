// Package config builds the proxy's single, read-only configuration.
//
// Values are layered: built-in defaults, then an optional YAML file named by
// CONFIG_FILE, then environment variables (optionally loaded from .env).
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the whole service configuration. It is built once at startup
// and never mutated afterwards.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Backend  BackendConfig  `yaml:"backend"`
	Provider ProviderConfig `yaml:"provider"`
	Throttle ThrottleConfig `yaml:"throttle"`
	Media    MediaConfig    `yaml:"media"`
	Log      LogConfig      `yaml:"log"`
}

type ServiceConfig struct {
	Name            string        `yaml:"name"`
	HTTPPort        string        `yaml:"http_port"`
	GRPCPort        string        `yaml:"grpc_port"` // empty disables the gRPC listener
	MetricsPort     string        `yaml:"metrics_port"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type BackendConfig struct {
	URL                string        `yaml:"url"`
	Timeout            time.Duration `yaml:"timeout"`
	MaxAttempts        int           `yaml:"max_attempts"`
	BaseDelay          time.Duration `yaml:"base_delay"`
	MaxDelay           time.Duration `yaml:"max_delay"`
	MaxTotalDelay      time.Duration `yaml:"max_total_delay"`
	WebhookMaxAttempts int           `yaml:"webhook_max_attempts"`
	WebhookAsync       bool          `yaml:"webhook_async"`
	WebhookSyncTimeout time.Duration `yaml:"webhook_sync_timeout"` // only when WebhookAsync is false
}

// ProviderConfig selects and configures the image-generation provider.
type ProviderConfig struct {
	Name             string        `yaml:"name"`
	Timeout          time.Duration `yaml:"timeout"`
	RPS              float64       `yaml:"rps"` // 0 disables outbound limiting
	Burst            int           `yaml:"burst"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
	OpenAI           OpenAIConfig  `yaml:"openai"`
	Gemini           GeminiConfig  `yaml:"gemini"`
}

type OpenAIConfig struct {
	APIKeys        []string `yaml:"api_keys"`
	BaseURL        string   `yaml:"base_url"`
	Model          string   `yaml:"model"`
	Size           string   `yaml:"size"`
	Quality        string   `yaml:"quality"`
	ResponseFormat string   `yaml:"response_format"`
}

type GeminiConfig struct {
	APIKey         string `yaml:"api_key"`
	AnalysisModel  string `yaml:"analysis_model"`
	ImageModel     string `yaml:"image_model"`
	FallbackPrompt bool   `yaml:"fallback_prompt"`
}

type ThrottleConfig struct {
	Limit    int           `yaml:"limit"`
	Window   time.Duration `yaml:"window"`
	Identity string        `yaml:"identity"` // user, header or source
	Backend  string        `yaml:"backend"`  // memory or redis
	Redis    RedisConfig   `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type MediaConfig struct {
	Root            string        `yaml:"root"`
	URLPrefix       string        `yaml:"url_prefix"`
	DownloadTimeout time.Duration `yaml:"download_timeout"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // json or console
	Dir        string `yaml:"dir"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Providers that can be selected with AI_PROVIDER.
var SupportedProviders = []string{"openai", "gemini"}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:            "tryon-inference-proxy",
			HTTPPort:        "8001",
			GRPCPort:        "50051",
			MetricsPort:     "9090",
			CORSOrigins:     []string{"*"},
			ShutdownTimeout: 15 * time.Second,
		},
		Backend: BackendConfig{
			URL:                "http://localhost:8000",
			Timeout:            30 * time.Second,
			MaxAttempts:        3,
			BaseDelay:          500 * time.Millisecond,
			MaxDelay:           4 * time.Second,
			MaxTotalDelay:      5 * time.Second,
			WebhookMaxAttempts: 3,
			WebhookAsync:       true,
			WebhookSyncTimeout: 5 * time.Second,
		},
		Provider: ProviderConfig{
			Name:             "openai",
			Timeout:          120 * time.Second,
			Burst:            1,
			FailureThreshold: 5,
			Cooldown:         30 * time.Second,
			OpenAI: OpenAIConfig{
				BaseURL:        "https://api.openai.com",
				Model:          "dall-e-3",
				Size:           "1024x1024",
				Quality:        "hd",
				ResponseFormat: "b64_json",
			},
			Gemini: GeminiConfig{
				AnalysisModel: "gemini-2.5-flash",
				ImageModel:    "imagen-3.0-generate-002",
			},
		},
		Throttle: ThrottleConfig{
			Limit:    10,
			Window:   time.Minute,
			Identity: "user",
			Backend:  "memory",
			Redis:    RedisConfig{Addr: "localhost:6379"},
		},
		Media: MediaConfig{
			Root:            "media",
			URLPrefix:       "/media",
			DownloadTimeout: 60 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Dir:        "logs",
			MaxSizeMB:  10,
			MaxBackups: 5,
		},
	}
}

// Load reads .env (if present), the optional CONFIG_FILE and the
// environment, then validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	envString("SERVICE_NAME", &c.Service.Name)
	envString("HTTP_PORT", &c.Service.HTTPPort)
	if v, ok := os.LookupEnv("GRPC_PORT"); ok {
		c.Service.GRPCPort = strings.TrimSpace(v)
	}
	envString("METRICS_PORT", &c.Service.MetricsPort)
	envList("CORS_ORIGINS", &c.Service.CORSOrigins)
	collect(envDuration("SHUTDOWN_TIMEOUT", &c.Service.ShutdownTimeout))

	envString("BACKEND_URL", &c.Backend.URL)
	collect(envDuration("BACKEND_TIMEOUT", &c.Backend.Timeout))
	collect(envInt("BACKEND_MAX_ATTEMPTS", &c.Backend.MaxAttempts))
	collect(envDuration("BACKEND_BASE_DELAY", &c.Backend.BaseDelay))
	collect(envDuration("BACKEND_MAX_DELAY", &c.Backend.MaxDelay))
	collect(envDuration("BACKEND_MAX_TOTAL_DELAY", &c.Backend.MaxTotalDelay))
	collect(envInt("WEBHOOK_MAX_ATTEMPTS", &c.Backend.WebhookMaxAttempts))
	collect(envBool("WEBHOOK_ASYNC", &c.Backend.WebhookAsync))
	collect(envDuration("WEBHOOK_SYNC_TIMEOUT", &c.Backend.WebhookSyncTimeout))

	envString("AI_PROVIDER", &c.Provider.Name)
	c.Provider.Name = strings.ToLower(c.Provider.Name)
	collect(envDuration("PROVIDER_TIMEOUT", &c.Provider.Timeout))
	collect(envFloat("PROVIDER_RPS", &c.Provider.RPS))
	collect(envInt("PROVIDER_BURST", &c.Provider.Burst))
	collect(envInt("CB_FAILURE_THRESHOLD", &c.Provider.FailureThreshold))
	collect(envDuration("CB_COOLDOWN", &c.Provider.Cooldown))

	envList("OPENAI_API_KEYS", &c.Provider.OpenAI.APIKeys)
	envString("OPENAI_BASE_URL", &c.Provider.OpenAI.BaseURL)
	envString("OPENAI_MODEL", &c.Provider.OpenAI.Model)
	envString("OPENAI_IMAGE_SIZE", &c.Provider.OpenAI.Size)
	envString("OPENAI_IMAGE_QUALITY", &c.Provider.OpenAI.Quality)
	envString("OPENAI_RESPONSE_FORMAT", &c.Provider.OpenAI.ResponseFormat)

	envString("GOOGLE_API_KEY", &c.Provider.Gemini.APIKey)
	envString("GEMINI_ANALYSIS_MODEL", &c.Provider.Gemini.AnalysisModel)
	envString("GEMINI_IMAGE_MODEL", &c.Provider.Gemini.ImageModel)
	collect(envBool("GEMINI_FALLBACK_PROMPT", &c.Provider.Gemini.FallbackPrompt))

	collect(envInt("THROTTLE_RPM", &c.Throttle.Limit))
	collect(envDuration("THROTTLE_WINDOW", &c.Throttle.Window))
	envString("THROTTLE_IDENTITY", &c.Throttle.Identity)
	envString("THROTTLE_BACKEND", &c.Throttle.Backend)
	envString("REDIS_ADDR", &c.Throttle.Redis.Addr)
	envString("REDIS_PASSWORD", &c.Throttle.Redis.Password)
	collect(envInt("REDIS_DB", &c.Throttle.Redis.DB))

	envString("MEDIA_ROOT", &c.Media.Root)
	envString("MEDIA_URL_PREFIX", &c.Media.URLPrefix)
	collect(envDuration("MEDIA_DOWNLOAD_TIMEOUT", &c.Media.DownloadTimeout))

	envString("LOG_LEVEL", &c.Log.Level)
	c.Log.Level = strings.ToLower(c.Log.Level)
	envString("LOG_FORMAT", &c.Log.Format)
	envString("LOG_DIR", &c.Log.Dir)
	collect(envInt("LOG_MAX_SIZE_MB", &c.Log.MaxSizeMB))
	collect(envInt("LOG_MAX_BACKUPS", &c.Log.MaxBackups))

	return errors.Join(errs...)
}

// Validate rejects inconsistent values. Every problem found is reported.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Service.HTTPPort == "" {
		fail("HTTP_PORT must be set")
	}

	if u, err := url.Parse(c.Backend.URL); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		fail("BACKEND_URL %q must be an absolute http(s) URL", c.Backend.URL)
	}
	if c.Backend.Timeout <= 0 {
		fail("BACKEND_TIMEOUT must be positive")
	}
	if c.Backend.MaxAttempts < 1 {
		fail("BACKEND_MAX_ATTEMPTS must be at least 1")
	}
	if c.Backend.WebhookMaxAttempts < 1 {
		fail("WEBHOOK_MAX_ATTEMPTS must be at least 1")
	}
	if c.Backend.WebhookSyncTimeout <= 0 {
		fail("WEBHOOK_SYNC_TIMEOUT must be positive")
	}
	if c.Backend.BaseDelay < 0 || c.Backend.MaxTotalDelay < 0 {
		fail("backend retry delays must not be negative")
	}

	switch c.Provider.Name {
	case "openai":
		if len(c.Provider.OpenAI.APIKeys) == 0 {
			fail("OPENAI_API_KEYS is required when AI_PROVIDER=openai")
		}
		if f := c.Provider.OpenAI.ResponseFormat; f != "b64_json" && f != "url" {
			fail("OPENAI_RESPONSE_FORMAT must be b64_json or url, got %q", f)
		}
	case "gemini":
		if c.Provider.Gemini.APIKey == "" {
			fail("GOOGLE_API_KEY is required when AI_PROVIDER=gemini")
		}
	default:
		fail("AI_PROVIDER %q is not supported (want one of %s)", c.Provider.Name, strings.Join(SupportedProviders, ", "))
	}
	if c.Provider.Timeout <= 0 {
		fail("PROVIDER_TIMEOUT must be positive")
	}
	if c.Provider.RPS < 0 {
		fail("PROVIDER_RPS must not be negative")
	}

	if c.Throttle.Limit < 1 {
		fail("THROTTLE_RPM must be at least 1")
	}
	if c.Throttle.Window <= 0 {
		fail("THROTTLE_WINDOW must be positive")
	}
	switch c.Throttle.Identity {
	case "user", "header", "source":
	default:
		fail("THROTTLE_IDENTITY must be user, header or source, got %q", c.Throttle.Identity)
	}
	switch c.Throttle.Backend {
	case "memory":
	case "redis":
		if c.Throttle.Redis.Addr == "" {
			fail("REDIS_ADDR is required when THROTTLE_BACKEND=redis")
		}
	default:
		fail("THROTTLE_BACKEND must be memory or redis, got %q", c.Throttle.Backend)
	}

	if c.Media.Root == "" {
		fail("MEDIA_ROOT must be set")
	}
	if !strings.HasPrefix(c.Media.URLPrefix, "/") {
		fail("MEDIA_URL_PREFIX must start with /")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		fail("LOG_LEVEL must be debug, info, warn or error, got %q", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		fail("LOG_FORMAT must be json or console, got %q", c.Log.Format)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Environment helpers
// ---------------------------------------------------------------------------

func envString(key string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = i
	return nil
}

func envFloat(key string, dst *float64) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = f
	return nil
}

func envBool(key string, dst *bool) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = b
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = d
	return nil
}

func envList(key string, dst *[]string) {
	if list := splitList(os.Getenv(key)); len(list) > 0 {
		*dst = list
	}
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
