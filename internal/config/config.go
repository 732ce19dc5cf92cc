// Package config loads process settings from defaults, an optional config
// file and SKETCHCHAT_ environment variables.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/Tyrowin/sketchchat/internal/notify"
	"github.com/Tyrowin/sketchchat/internal/presence"
	"github.com/Tyrowin/sketchchat/internal/server"
	"github.com/Tyrowin/sketchchat/internal/store"
)

// EnvPrefix prefixes every environment override, e.g. SKETCHCHAT_SERVER_PORT.
const EnvPrefix = "SKETCHCHAT"

type ServerConfig struct {
	Port           string   `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	MaxMessageSize int64    `mapstructure:"max_message_size"`
	SendBuffer     int      `mapstructure:"send_buffer"`
}

type RateLimitConfig struct {
	Burst                int           `mapstructure:"burst"`
	RefillInterval       time.Duration `mapstructure:"refill_interval"`
	StrokeBurst          int           `mapstructure:"stroke_burst"`
	StrokeRefillInterval time.Duration `mapstructure:"stroke_refill_interval"`
}

type TypingConfig struct {
	Deadline time.Duration `mapstructure:"deadline"`
}

type AuthConfig struct {
	JWTSecret  string `mapstructure:"jwt_secret"`
	CookieName string `mapstructure:"cookie_name"`
}

type StoreConfig struct {
	Driver        string `mapstructure:"driver"`
	OpenRooms     bool   `mapstructure:"open_rooms"`
	EncryptionKey string `mapstructure:"encryption_key"`
}

type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type BreakerConfig struct {
	MaxFailures uint32        `mapstructure:"max_failures"`
	Interval    time.Duration `mapstructure:"interval"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type KafkaConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Brokers []string      `mapstructure:"brokers"`
	Topic   string        `mapstructure:"topic"`
	Breaker BreakerConfig `mapstructure:"breaker"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type ShutdownConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// Config is the complete process configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Typing    TypingConfig    `mapstructure:"typing"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Store     StoreConfig     `mapstructure:"store"`
	Mongo     MongoConfig     `mapstructure:"mongo"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Log       LogConfig       `mapstructure:"log"`
	Shutdown  ShutdownConfig  `mapstructure:"shutdown"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", ":8080")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:8080"})
	v.SetDefault("server.max_message_size", 4096)
	v.SetDefault("server.send_buffer", 256)

	v.SetDefault("rate_limit.burst", 20)
	v.SetDefault("rate_limit.refill_interval", time.Second)
	v.SetDefault("rate_limit.stroke_burst", 240)
	v.SetDefault("rate_limit.stroke_refill_interval", 2*time.Second)

	v.SetDefault("typing.deadline", 3*time.Second)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.cookie_name", "token")

	v.SetDefault("store.driver", store.DriverMemory)
	v.SetDefault("store.open_rooms", true)
	v.SetDefault("store.encryption_key", "")

	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "sketchchat")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "sketchchat")
	v.SetDefault("redis.ttl", presence.DefaultTTL)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "chat.message-sent")
	v.SetDefault("kafka.breaker.max_failures", notify.DefaultBreakerConfig.MaxFailures)
	v.SetDefault("kafka.breaker.interval", notify.DefaultBreakerConfig.Interval)
	v.SetDefault("kafka.breaker.timeout", notify.DefaultBreakerConfig.Timeout)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("shutdown.timeout", 10*time.Second)
}

// Load reads the configuration. path may be empty, in which case only
// defaults and the environment are consulted.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "config: read %s", path)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, errors.Wrap(err, "config: decode")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects settings the process cannot start with.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return errors.New("config: auth.jwt_secret is required")
	}
	switch c.Store.Driver {
	case store.DriverMemory, store.DriverMongo:
	default:
		return errors.Wrapf(store.ErrUnknownDriver, "config: store.driver %q", c.Store.Driver)
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		return errors.New("config: kafka.brokers and kafka.topic are required when kafka is enabled")
	}
	return nil
}

// ServerConfig returns the transport settings. A bare port number is
// accepted and turned into a listen address.
func (c *Config) ServerConfig() server.Config {
	port := c.Server.Port
	if port != "" && !strings.Contains(port, ":") {
		port = ":" + port
	}
	return server.Config{
		Port:           port,
		AllowedOrigins: c.Server.AllowedOrigins,
		MaxMessageSize: c.Server.MaxMessageSize,
		SendBuffer:     c.Server.SendBuffer,
		RateLimit: server.RateLimitConfig{
			Burst:          c.RateLimit.Burst,
			RefillInterval: c.RateLimit.RefillInterval,
		},
		StrokeRateLimit: server.RateLimitConfig{
			Burst:          c.RateLimit.StrokeBurst,
			RefillInterval: c.RateLimit.StrokeRefillInterval,
		},
	}
}

func (c *Config) StoreConfig() store.Config {
	return store.Config{
		Driver:        c.Store.Driver,
		OpenRooms:     c.Store.OpenRooms,
		EncryptionKey: c.Store.EncryptionKey,
		MongoURI:      c.Mongo.URI,
		MongoDatabase: c.Mongo.Database,
	}
}

func (c *Config) PresenceOptions() presence.Options {
	return presence.Options{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
		Prefix:   c.Redis.Prefix,
		TTL:      c.Redis.TTL,
	}
}

func (c *Config) BreakerConfig() notify.BreakerConfig {
	return notify.BreakerConfig{
		MaxFailures: c.Kafka.Breaker.MaxFailures,
		Interval:    c.Kafka.Breaker.Interval,
		Timeout:     c.Kafka.Breaker.Timeout,
	}
}
