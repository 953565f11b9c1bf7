package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port             string        `mapstructure:"port"`
	Environment      string        `mapstructure:"environment"`
	LogLevel         string        `mapstructure:"log_level"`
	AllowedOrigins   []string      `mapstructure:"allowed_origins"`
	TokenSecret      string        `mapstructure:"token_secret"`
	SessionTTL       time.Duration `mapstructure:"session_ttl"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	PingPeriod       time.Duration `mapstructure:"ping_period"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	SearchTimeout    time.Duration `mapstructure:"search_timeout"`
	MaxMessageSize   int64         `mapstructure:"max_message_size"`
	Redis            RedisConfig   `mapstructure:"redis"`
}

type RedisConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Host          string        `mapstructure:"host"`
	Port          string        `mapstructure:"port"`
	Password      string        `mapstructure:"password"`
	DB            int           `mapstructure:"db"`
	Timeout       time.Duration `mapstructure:"timeout"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
}

// Addr returns the host:port pair go-redis dials
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// Load reads defaults, an optional config file and the environment, in that
// order of precedence (environment wins). A .env file in the working
// directory is loaded first when present.
func Load(file string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MATCHMAKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindLegacyEnv(v)

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.AllowedOrigins = splitOrigins(cfg.AllowedOrigins)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("allowed_origins", "http://localhost:3000,http://localhost:5173")
	v.SetDefault("token_secret", "change-me-in-production")
	v.SetDefault("session_ttl", "30m")
	v.SetDefault("heartbeat_timeout", "60s")
	v.SetDefault("ping_period", "54s")
	v.SetDefault("sweep_interval", "5s")
	v.SetDefault("search_timeout", "0s")
	v.SetDefault("max_message_size", 64*1024)

	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.timeout", "250ms")
	v.SetDefault("redis.probe_interval", "5s")
}

// bindLegacyEnv keeps the unprefixed variable names deployments already use.
func bindLegacyEnv(v *viper.Viper) {
	legacy := map[string]string{
		"port":            "PORT",
		"environment":     "ENVIRONMENT",
		"allowed_origins": "ALLOWED_ORIGINS",
		"token_secret":    "JWT_SECRET",
		"redis.host":      "REDIS_HOST",
		"redis.port":      "REDIS_PORT",
		"redis.password":  "REDIS_PASSWORD",
	}
	for key, env := range legacy {
		_ = v.BindEnv(key, "MATCHMAKER_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env)
	}
}

// splitOrigins accepts both a YAML list and a comma-separated string.
func splitOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, origin := range strings.Split(item, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				out = append(out, origin)
			}
		}
	}
	return out
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.TokenSecret) == "" {
		return fmt.Errorf("token_secret must not be empty")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session_ttl must be positive, got %s", c.SessionTTL)
	}
	if c.HeartbeatTimeout <= 0 || c.SweepInterval <= 0 {
		return fmt.Errorf("heartbeat_timeout and sweep_interval must be positive")
	}
	if c.PingPeriod >= c.HeartbeatTimeout {
		return fmt.Errorf("ping_period (%s) must be shorter than heartbeat_timeout (%s)", c.PingPeriod, c.HeartbeatTimeout)
	}
	if c.Redis.Timeout <= 0 {
		return fmt.Errorf("redis.timeout must be positive")
	}
	return nil
}

// IsProduction reports whether gin release mode and JSON logs apply
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
