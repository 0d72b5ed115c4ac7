package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var ErrConflictingCredentials = errors.New("config: KAFKA_SASL_USERNAME and KAFKA_API_KEY are mutually exclusive")

type Config struct {
	// HTTP
	HTTPAddr string `mapstructure:"HTTP_ADDR"`

	// Kafka
	KafkaBrokers       string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopics        string `mapstructure:"KAFKA_TOPICS"`
	KafkaGroupID       string `mapstructure:"KAFKA_GROUP_ID"`
	KafkaStartOffset   string `mapstructure:"KAFKA_START_OFFSET"`
	KafkaSASLMechanism string `mapstructure:"KAFKA_SASL_MECHANISM"`
	KafkaSASLUsername  string `mapstructure:"KAFKA_SASL_USERNAME"`
	KafkaSASLPassword  string `mapstructure:"KAFKA_SASL_PASSWORD"`
	KafkaAPIKey        string `mapstructure:"KAFKA_API_KEY"`
	KafkaAPISecret     string `mapstructure:"KAFKA_API_SECRET"`
	KafkaTLS           bool   `mapstructure:"KAFKA_TLS"`

	// Identity headers
	IdentityHeader string `mapstructure:"IDENTITY_HEADER"`
	VINHeader      string `mapstructure:"VIN_HEADER"`
	SerialHeader   string `mapstructure:"SERIAL_HEADER"`

	// Subscribers
	SubscriberBuffer int `mapstructure:"SUBSCRIBER_BUFFER"`

	// Redis state mirror
	MirrorEnabled   bool   `mapstructure:"MIRROR_ENABLED"`
	RedisAddr       string `mapstructure:"REDIS_ADDR"`
	RedisPassword   string `mapstructure:"REDIS_PASSWORD"`
	RedisDB         int    `mapstructure:"REDIS_DB"`
	StateTTLSeconds int    `mapstructure:"STATE_TTL_SECONDS"`

	// TimescaleDB fault archive
	ArchiveEnabled bool   `mapstructure:"ARCHIVE_ENABLED"`
	DBHost         string `mapstructure:"DB_HOST"`
	DBPort         string `mapstructure:"DB_PORT"`
	DBUser         string `mapstructure:"DB_USER"`
	DBPassword     string `mapstructure:"DB_PASSWORD"`
	DBName         string `mapstructure:"DB_NAME"`
	DBMaxConns     int32  `mapstructure:"DB_MAX_CONNS"`

	// Sink channels
	StateChannelSize   int `mapstructure:"STATE_CHANNEL_SIZE"`
	ArchiveChannelSize int `mapstructure:"ARCHIVE_CHANNEL_SIZE"`
	AlertChannelSize   int `mapstructure:"ALERT_CHANNEL_SIZE"`

	// Archive batching
	ArchiveBatchSize       int `mapstructure:"ARCHIVE_BATCH_SIZE"`
	ArchiveFlushIntervalMS int `mapstructure:"ARCHIVE_FLUSH_INTERVAL_MS"`

	// Alerts
	AlertDedupSeconds int `mapstructure:"ALERT_DEDUP_SECONDS"`

	// Operator auth
	AuthCacheTTLSeconds int    `mapstructure:"AUTH_CACHE_TTL_SECONDS"`
	ValidAPIKeys        string `mapstructure:"VALID_API_KEYS"`

	// MQTT relay
	MQTTBroker    string `mapstructure:"MQTT_BROKER"`
	MQTTUsername  string `mapstructure:"MQTT_USERNAME"`
	MQTTPassword  string `mapstructure:"MQTT_PASSWORD"`
	MQTTClientID  string `mapstructure:"MQTT_CLIENT_ID"`
	MQTTTopicRoot string `mapstructure:"MQTT_TOPIC_ROOT"`

	// Logging
	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`
}

var defaults = map[string]any{
	"HTTP_ADDR":                 ":8080",
	"KAFKA_BROKERS":             "localhost:9092",
	"KAFKA_TOPICS":              "vehicle-locations,vehicle-faults",
	"KAFKA_GROUP_ID":            "fleet-aggregator",
	"KAFKA_START_OFFSET":        "latest",
	"KAFKA_SASL_MECHANISM":      "plain",
	"KAFKA_SASL_USERNAME":       "",
	"KAFKA_SASL_PASSWORD":       "",
	"KAFKA_API_KEY":             "",
	"KAFKA_API_SECRET":          "",
	"KAFKA_TLS":                 false,
	"IDENTITY_HEADER":           "asset-id",
	"VIN_HEADER":                "vin",
	"SERIAL_HEADER":             "serial",
	"SUBSCRIBER_BUFFER":         256,
	"MIRROR_ENABLED":            false,
	"REDIS_ADDR":                "localhost:6379",
	"REDIS_PASSWORD":            "",
	"REDIS_DB":                  0,
	"STATE_TTL_SECONDS":         300,
	"ARCHIVE_ENABLED":           false,
	"DB_HOST":                   "localhost",
	"DB_PORT":                   "5432",
	"DB_USER":                   "fleet_user",
	"DB_PASSWORD":               "fleet_password",
	"DB_NAME":                   "fleet_monitor",
	"DB_MAX_CONNS":              10,
	"STATE_CHANNEL_SIZE":        10000,
	"ARCHIVE_CHANNEL_SIZE":      10000,
	"ALERT_CHANNEL_SIZE":        1000,
	"ARCHIVE_BATCH_SIZE":        500,
	"ARCHIVE_FLUSH_INTERVAL_MS": 500,
	"ALERT_DEDUP_SECONDS":       300,
	"AUTH_CACHE_TTL_SECONDS":    300,
	"VALID_API_KEYS":            "",
	"MQTT_BROKER":               "",
	"MQTT_USERNAME":             "",
	"MQTT_PASSWORD":             "",
	"MQTT_CLIENT_ID":            "fleet-aggregator",
	"MQTT_TOPIC_ROOT":           "fleet/v1",
	"LOG_LEVEL":                 "info",
	"LOG_FORMAT":                "json",
}

// flagKeys maps command line flags onto config keys.
var flagKeys = map[string]string{
	"http-addr":  "HTTP_ADDR",
	"log-level":  "LOG_LEVEL",
	"log-format": "LOG_FORMAT",
}

// AddFlags registers the flags Load understands on fs.
func AddFlags(fs *pflag.FlagSet) {
	fs.String("http-addr", defaults["HTTP_ADDR"].(string), "HTTP listen address")
	fs.String("log-level", defaults["LOG_LEVEL"].(string), "log level (debug, info, warn, error)")
	fs.String("log-format", defaults["LOG_FORMAT"].(string), "log format (json, console)")
}

// Load reads .env (if present), the environment and any changed flags in fs,
// then validates the result. Environment variables win over .env; flags win
// over both.
func Load(fs *pflag.FlagSet) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("config: bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if len(c.Brokers()) == 0 {
		return errors.New("config: KAFKA_BROKERS must list at least one broker")
	}
	if len(c.Topics()) == 0 {
		return errors.New("config: KAFKA_TOPICS must list at least one topic")
	}
	if c.KafkaSASLUsername != "" && c.KafkaAPIKey != "" {
		return ErrConflictingCredentials
	}
	if (c.KafkaSASLUsername == "") != (c.KafkaSASLPassword == "") {
		return errors.New("config: KAFKA_SASL_USERNAME and KAFKA_SASL_PASSWORD must be set together")
	}
	if (c.KafkaAPIKey == "") != (c.KafkaAPISecret == "") {
		return errors.New("config: KAFKA_API_KEY and KAFKA_API_SECRET must be set together")
	}
	switch strings.ToLower(c.KafkaSASLMechanism) {
	case "plain", "scram-sha-256", "scram-sha-512":
	default:
		return fmt.Errorf("config: unknown KAFKA_SASL_MECHANISM %q", c.KafkaSASLMechanism)
	}
	switch strings.ToLower(c.KafkaStartOffset) {
	case "latest", "earliest":
	default:
		return fmt.Errorf("config: unknown KAFKA_START_OFFSET %q", c.KafkaStartOffset)
	}
	if c.SubscriberBuffer <= 0 {
		return errors.New("config: SUBSCRIBER_BUFFER must be positive")
	}
	return nil
}

// Brokers splits KafkaBrokers on commas, skipping blanks.
func (c *Config) Brokers() []string {
	return splitList(c.KafkaBrokers)
}

func (c *Config) Topics() []string {
	return splitList(c.KafkaTopics)
}

func (c *Config) APIKeys() []string {
	return splitList(c.ValidAPIKeys)
}

// SASLUser returns the credential pair of whichever mode is configured.
func (c *Config) SASLUser() (user, secret string) {
	if c.KafkaAPIKey != "" {
		return c.KafkaAPIKey, c.KafkaAPISecret
	}
	return c.KafkaSASLUsername, c.KafkaSASLPassword
}

func (c *Config) StateTTL() time.Duration {
	return time.Duration(c.StateTTLSeconds) * time.Second
}

func (c *Config) AlertDedupTTL() time.Duration {
	return time.Duration(c.AlertDedupSeconds) * time.Second
}

func (c *Config) AuthCacheTTL() time.Duration {
	return time.Duration(c.AuthCacheTTLSeconds) * time.Second
}

func (c *Config) ArchiveFlushInterval() time.Duration {
	return time.Duration(c.ArchiveFlushIntervalMS) * time.Millisecond
}

// PostgresURL is the pgxpool connection string for the archive.
func (c *Config) PostgresURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?pool_max_conns=%d",
		c.DBUser,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
		c.DBMaxConns,
	)
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
