package config

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Brokers())
	assert.Equal(t, []string{"vehicle-locations", "vehicle-faults"}, cfg.Topics())
	assert.Equal(t, "asset-id", cfg.IdentityHeader)
	assert.Equal(t, 256, cfg.SubscriberBuffer)
	assert.Equal(t, "fleet/v1", cfg.MQTTTopicRoot)
	assert.Empty(t, cfg.APIKeys())
}

func TestLoad_EnvAndFlags(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", " b1:9092, ,b2:9092 ")
	t.Setenv("VALID_API_KEYS", "k1,k2")
	t.Setenv("STATE_TTL_SECONDS", "45")
	t.Setenv("LOG_LEVEL", "warn")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	AddFlags(fs)
	require.NoError(t, fs.Parse([]string{"--log-level=debug"}))

	cfg, err := Load(fs)
	require.NoError(t, err)
	assert.Equal(t, []string{"b1:9092", "b2:9092"}, cfg.Brokers())
	assert.Equal(t, []string{"k1", "k2"}, cfg.APIKeys())
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, float64(45), cfg.StateTTL().Seconds())
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			KafkaBrokers:       "b:9092",
			KafkaTopics:        "t",
			KafkaSASLMechanism: "plain",
			KafkaStartOffset:   "latest",
			SubscriberBuffer:   1,
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		isErr  error
		ok     bool
	}{
		{name: "valid", mutate: func(*Config) {}, ok: true},
		{name: "username mode", mutate: func(c *Config) { c.KafkaSASLUsername, c.KafkaSASLPassword = "u", "p" }, ok: true},
		{name: "api key mode", mutate: func(c *Config) { c.KafkaAPIKey, c.KafkaAPISecret = "k", "s" }, ok: true},
		{
			name: "both credential modes",
			mutate: func(c *Config) {
				c.KafkaSASLUsername, c.KafkaSASLPassword = "u", "p"
				c.KafkaAPIKey, c.KafkaAPISecret = "k", "s"
			},
			isErr: ErrConflictingCredentials,
		},
		{name: "key without secret", mutate: func(c *Config) { c.KafkaAPIKey = "k" }},
		{name: "username without password", mutate: func(c *Config) { c.KafkaSASLUsername = "u" }},
		{name: "unknown mechanism", mutate: func(c *Config) { c.KafkaSASLMechanism = "gssapi" }},
		{name: "unknown offset", mutate: func(c *Config) { c.KafkaStartOffset = "middle" }},
		{name: "no brokers", mutate: func(c *Config) { c.KafkaBrokers = " , " }},
		{name: "no topics", mutate: func(c *Config) { c.KafkaTopics = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := c.Validate()
			switch {
			case tt.ok:
				assert.NoError(t, err)
			case tt.isErr != nil:
				assert.ErrorIs(t, err, tt.isErr)
			default:
				assert.Error(t, err)
			}
		})
	}
}

func TestSASLUser(t *testing.T) {
	c := &Config{KafkaAPIKey: "k", KafkaAPISecret: "s"}
	u, p := c.SASLUser()
	assert.Equal(t, "k", u)
	assert.Equal(t, "s", p)
}
