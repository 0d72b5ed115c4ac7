// Package relay republishes asset updates and fault events to an MQTT broker.
// Updates are retained so late subscribers see the latest state of each asset.
package relay

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"go.uber.org/zap"

	"fleet-monitor/aggregator/internal/config"
	"fleet-monitor/aggregator/internal/metrics"
	"fleet-monitor/aggregator/internal/publish"
)

// Topic segments under the configured root.
const (
	StateSegment  = "state"
	FaultsSegment = "faults"
)

// TopicBuilder renders {root}/assets/{id}/{segment}.
type TopicBuilder struct {
	Root string
}

func (b TopicBuilder) Asset(id, segment string) string {
	root := strings.TrimSuffix(b.Root, "/")
	// MQTT wildcards and separators are not allowed inside a topic level.
	id = strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(id)
	return fmt.Sprintf("%s/assets/%s/%s", root, id, segment)
}

type Publisher interface {
	Publish(ctx context.Context, topic string, retain bool, payload []byte) error
}

// Relay is a hub subscriber. Deliver only queues; Run does the publishing.
type Relay struct {
	pub    Publisher
	topics TopicBuilder
	queue  chan *publish.Event
	logger *zap.Logger
}

func New(pub Publisher, root string, buffer int, logger *zap.Logger) *Relay {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Relay{
		pub:    pub,
		topics: TopicBuilder{Root: root},
		queue:  make(chan *publish.Event, buffer),
		logger: logger.Named("relay"),
	}
}

func (r *Relay) ID() string { return "mqtt-relay" }

func (r *Relay) Deliver(ev *publish.Event) bool {
	if ev.Type == publish.EventSnapshot {
		return true
	}
	select {
	case r.queue <- ev:
	default:
		metrics.SinkChannelDrops.WithLabelValues("mqtt").Inc()
	}
	return true
}

func (r *Relay) Close() {}

func (r *Relay) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-r.queue:
			r.forward(ctx, ev)
		case <-ctx.Done():
			return nil
		}
	}
}

func (r *Relay) forward(ctx context.Context, ev *publish.Event) {
	payload, err := ev.JSON()
	if err != nil {
		r.logger.Error("encode event", zap.Error(err))
		return
	}

	var topic string
	retain := false
	switch ev.Type {
	case publish.EventUpdate:
		topic, retain = r.topics.Asset(ev.AssetID(), StateSegment), true
	case publish.EventFault:
		topic = r.topics.Asset(ev.AssetID(), FaultsSegment)
	default:
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.pub.Publish(pubCtx, topic, retain, payload); err != nil {
		r.logger.Warn("mqtt publish failed", zap.String("topic", topic), zap.Error(err))
	}
}

// connection is the part of autopaho.ConnectionManager the publisher uses.
type connection interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
	Disconnect(ctx context.Context) error
}

// PahoPublisher publishes through an autopaho connection manager, which
// reconnects on its own.
type PahoPublisher struct {
	cm     connection
	logger *zap.Logger
}

func Connect(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*PahoPublisher, error) {
	brokerURL, err := url.Parse(cfg.MQTTBroker)
	if err != nil {
		return nil, fmt.Errorf("invalid MQTT_BROKER: %w", err)
	}
	log := logger.Named("mqtt")

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     30,
		CleanStartOnInitialConnection: true,
		ReconnectBackoff:              autopaho.NewConstantBackoff(3 * time.Second),
		ConnectTimeout:                10 * time.Second,
		ConnectUsername:               cfg.MQTTUsername,
		ConnectPassword:               []byte(cfg.MQTTPassword),
		ClientConfig: paho.ClientConfig{
			ClientID: cfg.MQTTClientID,
			OnClientError: func(err error) {
				log.Error("mqtt client error", zap.Error(err))
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				if d.Properties != nil {
					log.Warn("mqtt server requested disconnect", zap.String("reason", d.Properties.ReasonString))
					return
				}
				log.Warn("mqtt server requested disconnect", zap.Uint8("code", d.ReasonCode))
			},
		},
		OnConnectionUp: func(*autopaho.ConnectionManager, *paho.Connack) {
			log.Info("mqtt connection up", zap.String("broker", cfg.MQTTBroker))
		},
		OnConnectError: func(err error) {
			log.Warn("mqtt connect failed, retrying", zap.Error(err))
		},
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return nil, err
	}
	return &PahoPublisher{cm: cm, logger: log}, nil
}

func (p *PahoPublisher) Publish(ctx context.Context, topic string, retain bool, payload []byte) error {
	_, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     1,
		Retain:  retain,
		Payload: payload,
	})
	return err
}

func (p *PahoPublisher) Disconnect(ctx context.Context) {
	if err := p.cm.Disconnect(ctx); err != nil {
		p.logger.Warn("mqtt disconnect failed", zap.Error(err))
		return
	}
	p.logger.Info("mqtt disconnected")
}
