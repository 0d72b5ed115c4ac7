package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
	"go.uber.org/zap"

	"fleet-monitor/aggregator/internal/config"
	"fleet-monitor/aggregator/internal/domain"
)

// Handler processes one message. It must not block indefinitely.
type Handler func(domain.Message)

type Consumer struct {
	reader  *kafka.Reader
	dialer  *kafka.Dialer
	brokers []string
	logger  *zap.Logger
}

func NewConsumer(cfg *config.Config, logger *zap.Logger) (*Consumer, error) {
	dialer, err := newDialer(cfg)
	if err != nil {
		return nil, err
	}

	startOffset := kafka.LastOffset
	if strings.EqualFold(cfg.KafkaStartOffset, "earliest") {
		startOffset = kafka.FirstOffset
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers(),
		GroupID:        cfg.KafkaGroupID,
		GroupTopics:    cfg.Topics(),
		Dialer:         dialer,
		StartOffset:    startOffset,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        1 * time.Second,
		CommitInterval: time.Second,
	})

	return &Consumer{
		reader:  reader,
		dialer:  dialer,
		brokers: cfg.Brokers(),
		logger:  logger.Named("broker"),
	}, nil
}

func newDialer(cfg *config.Config) (*kafka.Dialer, error) {
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	if cfg.KafkaTLS {
		dialer.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	user, secret := cfg.SASLUser()
	if user == "" {
		return dialer, nil
	}
	mech, err := mechanism(cfg.KafkaSASLMechanism, user, secret)
	if err != nil {
		return nil, err
	}
	dialer.SASLMechanism = mech
	return dialer, nil
}

func mechanism(name, user, secret string) (sasl.Mechanism, error) {
	switch strings.ToLower(name) {
	case "", "plain":
		return plain.Mechanism{Username: user, Password: secret}, nil
	case "scram-sha-256":
		return scram.Mechanism(scram.SHA256, user, secret)
	case "scram-sha-512":
		return scram.Mechanism(scram.SHA512, user, secret)
	}
	return nil, fmt.Errorf("unsupported sasl mechanism %q", name)
}

// Ping dials the brokers until one answers. Failing here is fatal at startup.
func (c *Consumer) Ping(ctx context.Context) error {
	var errs []error
	for _, addr := range c.brokers {
		conn, err := c.dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		conn.Close()
		return nil
	}
	return fmt.Errorf("no reachable kafka broker: %w", errors.Join(errs...))
}

// Run reads messages until ctx is cancelled and hands each one to handle in
// arrival order.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	c.logger.Info("consuming",
		zap.Strings("brokers", c.brokers),
		zap.Strings("topics", c.reader.Config().GroupTopics),
		zap.String("group", c.reader.Config().GroupID))

	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("consumer stopped")
				return nil
			}
			c.logger.Error("kafka read error", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		handle(toMessage(msg))
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

func toMessage(m kafka.Message) domain.Message {
	var headers map[string]string
	if len(m.Headers) > 0 {
		headers = make(map[string]string, len(m.Headers))
		for _, h := range m.Headers {
			headers[h.Key] = string(h.Value)
		}
	}
	return domain.Message{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Timestamp: m.Time,
		Key:       string(m.Key),
		Headers:   headers,
		Value:     m.Value,
	}
}
