package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full configuration surface of the realtime engine.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Rooms     RoomsConfig     `mapstructure:"rooms"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
}

type ServerConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	PathPrefix string `mapstructure:"pathPrefix"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

type RoomsConfig struct {
	Max         int           `mapstructure:"max"`
	IdleTimeout time.Duration `mapstructure:"idleTimeout"`
}

type SnapshotConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Backend          string        `mapstructure:"backend"` // "sqlite", "filesystem" or "firestore"
	Path             string        `mapstructure:"path"`    // sqlite file or snapshots directory
	FirestoreProject string        `mapstructure:"firestoreProject"`
	Interval         time.Duration `mapstructure:"interval"`
	MaxUpdates       int           `mapstructure:"maxUpdates"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

type RateLimitConfig struct {
	MessagesPerSecond int `mapstructure:"messagesPerSecond"`
	MaxConnsPerIP     int `mapstructure:"maxConnsPerIP"`
	MaxConnsPerUser   int `mapstructure:"maxConnsPerUser"`
}

// Load reads configuration from a file and environment variables. A missing
// config file is not an error; defaults and env vars apply.
func Load(logger *slog.Logger, fileName string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.pathPrefix", "/collab")
	v.SetDefault("auth.jwtSecret", "default-secret-key-change-me")
	v.SetDefault("rooms.max", 100)
	v.SetDefault("rooms.idleTimeout", "5m")
	v.SetDefault("snapshot.enabled", true)
	v.SetDefault("snapshot.backend", "sqlite")
	v.SetDefault("snapshot.path", "snapshots.sqlite3")
	v.SetDefault("snapshot.interval", "30s")
	v.SetDefault("snapshot.maxUpdates", 100)
	v.SetDefault("snapshot.timeout", "10s")
	v.SetDefault("ratelimit.messagesPerSecond", 50)
	v.SetDefault("ratelimit.maxConnsPerIP", 10)
	v.SetDefault("ratelimit.maxConnsPerUser", 5)

	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("ROOMSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		logger.Warn("config file not found, relying on defaults and env vars")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.sanitize(logger)
	return &cfg, nil
}

// sanitize replaces invalid values with documented defaults so a bad config
// never prevents startup.
func (c *Config) sanitize(logger *slog.Logger) {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		logger.Warn("invalid server port, falling back to default", slog.Int("port", c.Server.Port))
		c.Server.Port = 8080
	}
	if !strings.HasPrefix(c.Server.PathPrefix, "/") {
		c.Server.PathPrefix = "/" + c.Server.PathPrefix
	}
	if c.Rooms.Max <= 0 {
		c.Rooms.Max = 100
	}
	if c.Rooms.IdleTimeout <= 0 {
		c.Rooms.IdleTimeout = 5 * time.Minute
	}
	switch c.Snapshot.Backend {
	case "sqlite", "filesystem", "firestore":
	default:
		logger.Warn("unknown snapshot backend, falling back to sqlite", slog.String("backend", c.Snapshot.Backend))
		c.Snapshot.Backend = "sqlite"
	}
	if c.Snapshot.Interval <= 0 {
		c.Snapshot.Interval = 30 * time.Second
	}
	if c.Snapshot.MaxUpdates <= 0 {
		c.Snapshot.MaxUpdates = 100
	}
	if c.Snapshot.Timeout <= 0 {
		c.Snapshot.Timeout = 10 * time.Second
	}
	if c.RateLimit.MessagesPerSecond <= 0 {
		c.RateLimit.MessagesPerSecond = 50
	}
	if c.RateLimit.MaxConnsPerIP <= 0 {
		c.RateLimit.MaxConnsPerIP = 10
	}
	if c.RateLimit.MaxConnsPerUser <= 0 {
		c.RateLimit.MaxConnsPerUser = 5
	}
}
