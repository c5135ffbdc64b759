package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Storage and rate-limit backends.
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

// Config holds runtime configuration for the service binaries.
type Config struct {
	AppEnv   string
	HTTPPort string
	LogLevel string

	DatabaseURL string
	RedisURL    string

	StoreBackend     string
	RateLimitBackend string
	RateLimitPrefix  string

	TokenSecret     string
	TokenPrivateKey string
	TokenPublicKey  string
	TokenKeyID      string
	TokenIssuer     string
	TokenTTL        time.Duration
	DevTokens       bool
	BootstrapAdmin  string

	IPRateBurst     int
	IPRatePerSecond int
	AdminIPs        []string

	SweepSchedule string
	SweepMaxAge   time.Duration
	RateLimitTTL  time.Duration
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.HTTPPort, ":") {
		return c.HTTPPort
	}
	return fmt.Sprintf(":%s", c.HTTPPort)
}

// Load reads configuration from COURSEGATE_* environment variables and an
// optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("COURSEGATE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.env", "development")
	v.SetDefault("http.port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("store.backend", BackendPostgres)
	v.SetDefault("ratelimit.backend", BackendPostgres)
	v.SetDefault("ratelimit.prefix", "coursegate:ratelimit")
	v.SetDefault("ratelimit.ttl", "24h")
	v.SetDefault("token.issuer", "coursegate")
	v.SetDefault("token.ttl", "1h")
	v.SetDefault("token.dev", false)
	v.SetDefault("ip_rate.burst", 20)
	v.SetDefault("ip_rate.per_second", 10)
	v.SetDefault("sweep.schedule", "0 3 * * *")
	v.SetDefault("sweep.max_age", "24h")

	durations := map[string]*time.Duration{}
	var cfg Config
	durations["token.ttl"] = &cfg.TokenTTL
	durations["sweep.max_age"] = &cfg.SweepMaxAge
	durations["ratelimit.ttl"] = &cfg.RateLimitTTL
	for key, dst := range durations {
		d, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		if d <= 0 {
			return Config{}, fmt.Errorf("%s must be positive", key)
		}
		*dst = d
	}

	cfg.AppEnv = v.GetString("app.env")
	cfg.HTTPPort = v.GetString("http.port")
	cfg.LogLevel = strings.ToLower(v.GetString("log.level"))
	cfg.DatabaseURL = v.GetString("database.url")
	cfg.RedisURL = v.GetString("redis.url")
	cfg.StoreBackend = strings.ToLower(v.GetString("store.backend"))
	cfg.RateLimitBackend = strings.ToLower(v.GetString("ratelimit.backend"))
	cfg.RateLimitPrefix = v.GetString("ratelimit.prefix")
	cfg.TokenSecret = v.GetString("token.secret")
	cfg.TokenPrivateKey = v.GetString("token.private_key")
	cfg.TokenPublicKey = v.GetString("token.public_key")
	cfg.TokenKeyID = v.GetString("token.key_id")
	cfg.TokenIssuer = v.GetString("token.issuer")
	cfg.DevTokens = v.GetBool("token.dev")
	cfg.BootstrapAdmin = strings.TrimSpace(v.GetString("bootstrap.admin"))
	cfg.IPRateBurst = v.GetInt("ip_rate.burst")
	cfg.IPRatePerSecond = v.GetInt("ip_rate.per_second")
	cfg.AdminIPs = splitList(v.GetString("admin.allowed_ips"))
	cfg.SweepSchedule = v.GetString("sweep.schedule")

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.StoreBackend {
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("database url must be provided for the postgres store")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	switch c.RateLimitBackend {
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("database url must be provided for the postgres rate limiter")
		}
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("redis url must be provided for the redis rate limiter")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown rate limit backend %q", c.RateLimitBackend)
	}
	if c.TokenSecret == "" && c.TokenPrivateKey == "" {
		return fmt.Errorf("token secret or private key must be provided")
	}
	if (c.TokenPrivateKey == "") != (c.TokenPublicKey == "") {
		return fmt.Errorf("token private and public keys must be provided together")
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
