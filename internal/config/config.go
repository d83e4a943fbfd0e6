package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the full server configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Session  SessionConfig  `mapstructure:"session"`
	Match    MatchConfig    `mapstructure:"match"`
	Delivery DeliveryConfig `mapstructure:"delivery"`
	RPC      RPCConfig      `mapstructure:"rpc"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig configures the websocket listener.
type ServerConfig struct {
	Address           string        `mapstructure:"address"`
	Path              string        `mapstructure:"path"`
	ReadLimit         int64         `mapstructure:"read_limit"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	PongTimeout       time.Duration `mapstructure:"pong_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// RedisConfig configures the shared coordination store.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// SessionConfig configures the session identity registry.
type SessionConfig struct {
	// TTL is the backstop collector for session records. It must comfortably
	// exceed session lifetime so an idle-but-connected session is never
	// evicted while its heartbeats keep arriving.
	TTL time.Duration `mapstructure:"ttl"`
}

// MatchConfig configures player-match ownership bindings.
type MatchConfig struct {
	// BindingTTL covers worst-case match duration plus margin.
	BindingTTL time.Duration `mapstructure:"binding_ttl"`
}

// DeliveryConfig configures the pending event queue.
type DeliveryConfig struct {
	// Retention bounds how long events are held for a disconnected client.
	Retention time.Duration `mapstructure:"retention"`
}

// RPCConfig configures request/response correlation.
type RPCConfig struct {
	// RequestTTL is the store lifetime of a correlation record.
	RequestTTL time.Duration `mapstructure:"request_ttl"`
	// CallTimeout bounds how long a caller waits for a response.
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	// SweepInterval is how often stale PENDING records are marked TIMEOUT.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from the given file, with DRAFTMATE_* environment
// variables taking precedence over file values.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	v.SetEnvPrefix("DRAFTMATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine; defaults and env cover everything.
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8310")
	v.SetDefault("server.path", "/ws")
	v.SetDefault("server.read_limit", 1<<20)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.pong_timeout", 60*time.Second)
	v.SetDefault("server.heartbeat_interval", 25*time.Second)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)

	v.SetDefault("session.ttl", 12*time.Hour)
	v.SetDefault("match.binding_ttl", 2*time.Hour)
	v.SetDefault("delivery.retention", time.Hour)

	v.SetDefault("rpc.request_ttl", 30*time.Second)
	v.SetDefault("rpc.call_timeout", 10*time.Second)
	v.SetDefault("rpc.sweep_interval", 15*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func (c *Config) validate() error {
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.RPC.CallTimeout > c.RPC.RequestTTL {
		return fmt.Errorf("rpc.call_timeout (%s) must not exceed rpc.request_ttl (%s)",
			c.RPC.CallTimeout, c.RPC.RequestTTL)
	}
	if c.Session.TTL < c.Match.BindingTTL {
		return fmt.Errorf("session.ttl (%s) must not be shorter than match.binding_ttl (%s)",
			c.Session.TTL, c.Match.BindingTTL)
	}
	return nil
}
