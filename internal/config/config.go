package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/christopherjohns/zonechat/internal/campus"
)

// Config holds the full application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Zones     ZonesConfig     `yaml:"zones" mapstructure:"zones"`
	Rooms     RoomsConfig     `yaml:"rooms" mapstructure:"rooms"`
	Redis     RedisConfig     `yaml:"redis" mapstructure:"redis"`
	RateLimit RateLimitConfig `yaml:"ratelimit" mapstructure:"ratelimit"`
	WS        WSConfig        `yaml:"ws" mapstructure:"ws"`
	CORS      CORSConfig      `yaml:"cors" mapstructure:"cors"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
}

// ZonesConfig points at a GeoJSON zone file. Empty uses the embedded campus.
type ZonesConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// RoomsConfig lists the topic channels offered next to the zone rooms.
type RoomsConfig struct {
	Topics []string `yaml:"topics" mapstructure:"topics"`
}

// RedisConfig enables the shared rate limiter when Addr is set.
type RedisConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
}

// RateLimitConfig bounds resolve queries per client IP.
type RateLimitConfig struct {
	ResolvePerMinute int `yaml:"resolve_per_minute" mapstructure:"resolve_per_minute"`
}

// WSConfig configures websocket connections.
type WSConfig struct {
	MaxConns          int           `yaml:"max_conns" mapstructure:"max_conns"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	MessagesPerSecond float64       `yaml:"messages_per_second" mapstructure:"messages_per_second"`
	MessageBurst      int           `yaml:"message_burst" mapstructure:"message_burst"`
}

// CORSConfig lists origins allowed to call the HTTP API.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from an optional zonechat.yaml and the environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("zonechat")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ZONECHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("zones.path", "")
	v.SetDefault("rooms.topics", campus.Topics)
	v.SetDefault("redis.addr", "")
	v.SetDefault("ratelimit.resolve_per_minute", 120)
	v.SetDefault("ws.max_conns", 0)
	v.SetDefault("ws.idle_timeout", "0s")
	v.SetDefault("ws.messages_per_second", 10)
	v.SetDefault("ws.message_burst", 20)
	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if c.Server.Addr == "" {
		problems = append(problems, "server.addr is required")
	}
	if c.RateLimit.ResolvePerMinute <= 0 {
		problems = append(problems, "ratelimit.resolve_per_minute must be positive")
	}
	if c.WS.MaxConns < 0 {
		problems = append(problems, "ws.max_conns must not be negative")
	}
	if c.WS.IdleTimeout < 0 {
		problems = append(problems, "ws.idle_timeout must not be negative")
	}
	if c.WS.MessagesPerSecond <= 0 || c.WS.MessageBurst <= 0 {
		problems = append(problems, "ws.messages_per_second and ws.message_burst must be positive")
	}
	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
