// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file. A .env file, when present, is loaded
// into the process environment first.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example OPENAI_API_KEY becomes
// openai_api_key in YAML.
//
// At least one provider must be configured for the gateway to start.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Cache backends.
const (
	CacheRedis  = "redis"
	CacheMemory = "memory"
	CacheNone   = "none"
)

// Conversation persistence modes.
const (
	PersistLog        = "log"
	PersistMemory     = "memory"
	PersistClickHouse = "clickhouse"
	PersistKafka      = "kafka"
	PersistNone       = "none"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int `validate:"min=1,max=65535"`

	// LogLevel is one of debug, info, warn, error. Default: info.
	LogLevel string `validate:"oneof=debug info warn error"`

	// CORSOrigins lists allowed CORS origins. ["*"] allows any (default).
	CORSOrigins []string

	OpenAI    ProviderConfig
	Anthropic ProviderConfig
	Gemini    ProviderConfig
	Mistral   ProviderConfig

	// Compatible lists OpenAI-compatible hosts that have a key configured.
	Compatible []CompatibleProvider

	// VertexAI uses Application Default Credentials instead of an API key.
	VertexAI VertexAIConfig

	Azure AzureConfig

	Gateway     GatewayConfig
	Redis       RedisConfig
	Cache       CacheConfig
	Health      HealthConfig
	Persistence PersistenceConfig
	Auth        AuthConfig
}

// ProviderConfig holds configuration for a single provider.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to disable the provider.
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string

	// DefaultModel is used when a request names no model.
	DefaultModel string
}

// CompatibleProvider is a host speaking the OpenAI chat-completions dialect.
type CompatibleProvider struct {
	Name    string
	APIKey  string
	BaseURL string
}

type VertexAIConfig struct {
	Project      string
	Location     string
	DefaultModel string
}

type AzureConfig struct {
	// Endpoint is the resource URL, e.g. "https://myresource.openai.azure.com".
	Endpoint string
	APIKey   string
	// Deployment is sent as the model when a request names none.
	Deployment string
}

// GatewayConfig seeds gateway.Config.
type GatewayConfig struct {
	DefaultProvider string
	FallbackEnabled bool
	MaxRetries      int           `validate:"gte=0"`
	BaseDelay       time.Duration `validate:"gte=0"`
	ProviderTimeout time.Duration `validate:"gt=0"`
}

type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Required when CACHE_MODE=redis.
	URL string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode is one of redis, memory, none. Default: memory.
	Mode string `validate:"oneof=redis memory none"`

	// TTL is the lifetime of cached responses. Default: 1h.
	TTL time.Duration `validate:"gte=0"`

	// ExcludeExact lists model names that are never cached.
	ExcludeExact []string

	// ExcludePatterns lists regular expressions matched against model names.
	ExcludePatterns []string
}

type HealthConfig struct {
	// ProbeInterval is the period of background probes. 0 disables them.
	ProbeInterval time.Duration `validate:"gte=0"`
	ProbeTimeout  time.Duration `validate:"gt=0"`
}

// PersistenceConfig selects where conversation records go.
type PersistenceConfig struct {
	Mode string `validate:"oneof=log memory clickhouse kafka none"`

	ClickHouseDSN   string
	ClickHouseTable string

	KafkaBrokers []string
	KafkaTopic   string
}

// AuthConfig enables bearer-token authentication. With an empty secret the
// X-User-ID header is trusted instead. Required rejects anonymous
// completion requests either way.
type AuthConfig struct {
	JWTSecret string
	JWTIssuer string
	Required  bool
}

// compatibleHosts are the OpenAI-compatible providers enabled by an
// <PREFIX>_API_KEY variable.
var compatibleHosts = []struct {
	name, prefix, baseURL string
}{
	{"xai", "XAI", "https://api.x.ai/v1"},
	{"deepseek", "DEEPSEEK", "https://api.deepseek.com/v1"},
	{"groq", "GROQ", "https://api.groq.com/openai/v1"},
	{"together", "TOGETHER", "https://api.together.xyz/v1"},
	{"perplexity", "PERPLEXITY", "https://api.perplexity.ai"},
	{"cerebras", "CEREBRAS", "https://api.cerebras.ai/v1"},
	{"moonshot", "MOONSHOT", "https://api.moonshot.cn/v1"},
	{"minimax", "MINIMAX", "https://api.minimax.chat/v1"},
	{"qwen", "QWEN", "https://dashscope-intl.aliyuncs.com/compatible-mode/v1"},
	{"nebius", "NEBIUS", "https://api.studio.nebius.ai/v1"},
	{"novita", "NOVITA", "https://api.novita.ai/v3/openai"},
	{"openrouter", "OPENROUTER", "https://openrouter.ai/api/v1"},
	{"ollama", "OLLAMA", "http://localhost:11434/v1"},
}

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// Load reads configuration from .env, config.yaml and the environment.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read config.yaml: %w", err)
		}
	}

	return FromViper(v)
}

// FromViper builds a Config from v with environment overrides applied.
func FromViper(v *viper.Viper) (*Config, error) {
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	cfg := &Config{
		Port:        v.GetInt("PORT"),
		LogLevel:    strings.ToLower(v.GetString("LOG_LEVEL")),
		CORSOrigins: stringList(v, "CORS_ORIGINS"),

		OpenAI:    providerConfig(v, "OPENAI", "OPENAI_API_KEY"),
		Anthropic: providerConfig(v, "ANTHROPIC", "ANTHROPIC_API_KEY"),
		Gemini:    providerConfig(v, "GEMINI", "GOOGLE_API_KEY"),
		Mistral:   providerConfig(v, "MISTRAL", "MISTRAL_API_KEY"),

		VertexAI: VertexAIConfig{
			Project:      v.GetString("VERTEX_PROJECT"),
			Location:     v.GetString("VERTEX_LOCATION"),
			DefaultModel: v.GetString("VERTEX_DEFAULT_MODEL"),
		},

		Azure: AzureConfig{
			Endpoint:   strings.TrimRight(v.GetString("AZURE_OPENAI_ENDPOINT"), "/"),
			APIKey:     v.GetString("AZURE_OPENAI_API_KEY"),
			Deployment: v.GetString("AZURE_OPENAI_DEPLOYMENT"),
		},

		Gateway: GatewayConfig{
			DefaultProvider: strings.ToLower(v.GetString("DEFAULT_PROVIDER")),
			FallbackEnabled: v.GetBool("FALLBACK_ENABLED"),
			MaxRetries:      v.GetInt("MAX_RETRIES"),
			BaseDelay:       v.GetDuration("RETRY_BASE_DELAY"),
			ProviderTimeout: v.GetDuration("PROVIDER_TIMEOUT"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode:            strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:             v.GetDuration("CACHE_TTL"),
			ExcludeExact:    stringList(v, "CACHE_EXCLUDE_EXACT"),
			ExcludePatterns: stringList(v, "CACHE_EXCLUDE_PATTERNS"),
		},

		Health: HealthConfig{
			ProbeInterval: v.GetDuration("HEALTH_PROBE_INTERVAL"),
			ProbeTimeout:  v.GetDuration("HEALTH_PROBE_TIMEOUT"),
		},

		Persistence: PersistenceConfig{
			Mode:            strings.ToLower(v.GetString("PERSIST_MODE")),
			ClickHouseDSN:   v.GetString("CLICKHOUSE_DSN"),
			ClickHouseTable: v.GetString("CLICKHOUSE_TABLE"),
			KafkaBrokers:    stringList(v, "KAFKA_BROKERS"),
			KafkaTopic:      v.GetString("KAFKA_TOPIC"),
		},

		Auth: AuthConfig{
			JWTSecret: v.GetString("AUTH_JWT_SECRET"),
			JWTIssuer: v.GetString("AUTH_JWT_ISSUER"),
			Required:  v.GetBool("AUTH_REQUIRED"),
		},
	}

	for _, h := range compatibleHosts {
		key := v.GetString(h.prefix + "_API_KEY")
		if key == "" {
			continue
		}
		base := v.GetString(h.prefix + "_BASE_URL")
		if base == "" {
			base = h.baseURL
		}
		cfg.Compatible = append(cfg.Compatible, CompatibleProvider{Name: h.name, APIKey: key, BaseURL: base})
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("FALLBACK_ENABLED", true)
	v.SetDefault("MAX_RETRIES", 3)
	v.SetDefault("RETRY_BASE_DELAY", "1s")
	v.SetDefault("PROVIDER_TIMEOUT", "30s")

	v.SetDefault("CACHE_MODE", CacheMemory)
	v.SetDefault("CACHE_TTL", "1h")

	v.SetDefault("HEALTH_PROBE_INTERVAL", "0s")
	v.SetDefault("HEALTH_PROBE_TIMEOUT", "10s")

	v.SetDefault("PERSIST_MODE", PersistLog)
	v.SetDefault("CLICKHOUSE_TABLE", "conversations")
	v.SetDefault("KAFKA_TOPIC", "conversations")
}

func providerConfig(v *viper.Viper, prefix, keyVar string) ProviderConfig {
	return ProviderConfig{
		APIKey:       v.GetString(keyVar),
		BaseURL:      v.GetString(prefix + "_BASE_URL"),
		DefaultModel: v.GetString(prefix + "_DEFAULT_MODEL"),
	}
}

// stringList reads a list from YAML or from a comma-separated env var.
func stringList(v *viper.Viper, key string) []string {
	raw, ok := v.Get(key).(string)
	if !ok {
		return v.GetStringSlice(key)
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if err := structValidator.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config: invalid %s %q (%s %s)", fe.Namespace(), fmt.Sprint(fe.Value()), fe.Tag(), fe.Param())
		}
		return fmt.Errorf("config: %w", err)
	}

	if !c.AtLeastOneProvider() {
		return errors.New("config: at least one provider is required " +
			"(OPENAI_API_KEY, ANTHROPIC_API_KEY, GOOGLE_API_KEY, MISTRAL_API_KEY, " +
			"an OpenAI-compatible <NAME>_API_KEY, VERTEX_PROJECT or AZURE_OPENAI_API_KEY)")
	}

	if c.Cache.Mode == CacheRedis && c.Redis.URL == "" {
		return errors.New("config: REDIS_URL is required when CACHE_MODE=redis; " +
			"set CACHE_MODE=memory to use the built-in in-process cache")
	}
	if c.Azure.APIKey != "" && c.Azure.Endpoint == "" {
		return errors.New("config: AZURE_OPENAI_ENDPOINT is required with AZURE_OPENAI_API_KEY")
	}

	switch c.Persistence.Mode {
	case PersistClickHouse:
		if c.Persistence.ClickHouseDSN == "" {
			return errors.New("config: CLICKHOUSE_DSN is required when PERSIST_MODE=clickhouse")
		}
	case PersistKafka:
		if len(c.Persistence.KafkaBrokers) == 0 {
			return errors.New("config: KAFKA_BROKERS is required when PERSIST_MODE=kafka")
		}
	}
	return nil
}

// AtLeastOneProvider reports whether any provider has credentials.
func (c *Config) AtLeastOneProvider() bool {
	return c.OpenAI.APIKey != "" ||
		c.Anthropic.APIKey != "" ||
		c.Gemini.APIKey != "" ||
		c.Mistral.APIKey != "" ||
		len(c.Compatible) > 0 ||
		c.VertexAI.Project != "" ||
		c.Azure.APIKey != ""
}

// loadDotEnv populates process env vars from a .env file when present.
// Variables already set in the environment win.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
