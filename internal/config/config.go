package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverMongo    = "mongo"
	DriverBolt     = "bolt"
	DriverPostgres = "postgres"

	AuthModeJWT = "jwt"
	AuthModeDev = "dev"
)

type Config struct {
	Storage StorageConfig `mapstructure:"storage"`
	Ledger  LedgerConfig  `mapstructure:"ledger"`
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Verify  VerifyConfig  `mapstructure:"verify"`
	Alerts  AlertsConfig  `mapstructure:"alerts"`
	Log     LogConfig     `mapstructure:"log"`
}

type StorageConfig struct {
	Driver   string         `mapstructure:"driver"`
	Mongo    MongoConfig    `mapstructure:"mongo"`
	Bolt     BoltConfig     `mapstructure:"bolt"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type MongoConfig struct {
	URI        string        `mapstructure:"uri"`
	Database   string        `mapstructure:"database"`
	Collection string        `mapstructure:"collection"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type BoltConfig struct {
	Path string `mapstructure:"path"`
}

type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
}

type LedgerConfig struct {
	Difficulty    int           `mapstructure:"difficulty"`
	MiningTimeout time.Duration `mapstructure:"mining_timeout"`
	AppendRetries int           `mapstructure:"append_retries"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	Env  string `mapstructure:"env"`
}

type AuthConfig struct {
	Mode       string `mapstructure:"mode"`
	SigningKey string `mapstructure:"signing_key"`
	Issuer     string `mapstructure:"issuer"`
	Audience   string `mapstructure:"audience"`
}

type VerifyConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type AlertsConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	SlackWebhook string `mapstructure:"slack_webhook"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.driver", DriverMongo)
	v.SetDefault("storage.mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("storage.mongo.database", "smart_health")
	v.SetDefault("storage.mongo.collection", "blockchain_ledger")
	v.SetDefault("storage.mongo.timeout", "10s")
	v.SetDefault("storage.bolt.path", "auditchain.db")
	v.SetDefault("storage.postgres.max_conns", 4)

	v.SetDefault("ledger.difficulty", 2)
	v.SetDefault("ledger.mining_timeout", "30s")
	v.SetDefault("ledger.append_retries", 3)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.env", "production")

	v.SetDefault("auth.mode", AuthModeJWT)

	v.SetDefault("verify.interval", "1h")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if expanded := os.ExpandEnv(val); expanded != val {
			v.Set(key, expanded)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMongo:
		if c.Storage.Mongo.URI == "" {
			return fmt.Errorf("storage.mongo.uri is required")
		}
		if c.Storage.Mongo.Database == "" {
			return fmt.Errorf("storage.mongo.database is required")
		}
	case DriverBolt:
		if c.Storage.Bolt.Path == "" {
			return fmt.Errorf("storage.bolt.path is required")
		}
	case DriverPostgres:
		if c.Storage.Postgres.URL == "" {
			return fmt.Errorf("storage.postgres.url is required")
		}
	default:
		return fmt.Errorf("invalid storage driver: %s (valid options: mongo, bolt, postgres)", c.Storage.Driver)
	}

	if c.Ledger.Difficulty < 0 || c.Ledger.Difficulty > 6 {
		return fmt.Errorf("ledger.difficulty must be between 0 and 6, got %d", c.Ledger.Difficulty)
	}
	if c.Ledger.MiningTimeout <= 0 {
		return fmt.Errorf("ledger.mining_timeout must be positive")
	}
	if c.Ledger.AppendRetries < 0 {
		return fmt.Errorf("ledger.append_retries must not be negative")
	}

	switch c.Auth.Mode {
	case AuthModeJWT:
		if c.Auth.SigningKey == "" {
			return fmt.Errorf("auth.signing_key is required in jwt mode")
		}
	case AuthModeDev:
		if c.Server.Env == "production" {
			return fmt.Errorf("auth.mode dev is not allowed when server.env is production")
		}
	default:
		return fmt.Errorf("invalid auth mode: %s (valid options: jwt, dev)", c.Auth.Mode)
	}

	if c.Verify.Interval < 0 {
		return fmt.Errorf("verify.interval must not be negative")
	}

	if c.Alerts.Enabled && c.Alerts.SlackWebhook == "" {
		return fmt.Errorf("alerts.slack_webhook is required when alerts are enabled")
	}

	return nil
}
