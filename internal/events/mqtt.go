package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/shaunagostinho/gatelink/internal/log"
)

// MQTTConfig configures the MQTT publisher.
type MQTTConfig struct {
	BrokerURL      string
	ClientID       string
	KeepAlive      uint16
	ConnectTimeout time.Duration
	// QoS is used for every publish.
	QoS byte
}

// MQTTPublisher publishes JSON-encoded events through an autopaho
// connection manager, which keeps reconnecting in the background. State
// topics are retained so late subscribers see the current gate; log topics
// are not.
type MQTTPublisher struct {
	cfg    MQTTConfig
	cm     *autopaho.ConnectionManager
	logger log.Logger
}

// NewMQTTPublisher starts connecting to the broker. It does not wait for
// the first connection.
func NewMQTTPublisher(ctx context.Context, cfg MQTTConfig) (*MQTTPublisher, error) {
	if cfg.BrokerURL == "" {
		return nil, errors.New("mqtt broker url is required")
	}
	brokerURL, err := url.Parse(cfg.BrokerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid mqtt broker url %q: %w", cfg.BrokerURL, err)
	}
	if brokerURL.Scheme == "" || brokerURL.Host == "" {
		return nil, fmt.Errorf("invalid mqtt broker url %q: scheme and host required", cfg.BrokerURL)
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "gatelink"
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 30
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	p := &MQTTPublisher{cfg: cfg, logger: log.WithName("events").WithName("mqtt")}
	pahoCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     cfg.KeepAlive,
		CleanStartOnInitialConnection: true,
		ReconnectBackoff:              autopaho.NewConstantBackoff(3 * time.Second),
		ConnectTimeout:                cfg.ConnectTimeout,
		OnConnectionUp: func(*autopaho.ConnectionManager, *paho.Connack) {
			p.logger.Info("MQTT connection established", "broker", cfg.BrokerURL)
		},
		OnConnectError: func(err error) {
			p.logger.Error(err, "MQTT connection failed, retrying")
		},
		ClientConfig: paho.ClientConfig{
			ClientID: cfg.ClientID,
			OnClientError: func(err error) {
				p.logger.Error(err, "MQTT client error")
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				reason := ""
				if d.Properties != nil {
					reason = d.Properties.ReasonString
				}
				p.logger.Warn("MQTT server requested disconnect", "reason", reason)
			},
		},
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return nil, fmt.Errorf("starting mqtt connection: %w", err)
	}
	p.cm = cm
	return p, nil
}

func (p *MQTTPublisher) Publish(ctx context.Context, topic string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	_, err = p.cm.Publish(ctx, &paho.Publish{
		Topic:   MQTTTopic(topic),
		QoS:     p.cfg.QoS,
		Retain:  Retained(topic),
		Payload: data,
	})
	return err
}

// AwaitConnection blocks until connected or ctx ends.
func (p *MQTTPublisher) AwaitConnection(ctx context.Context) error {
	return p.cm.AwaitConnection(ctx)
}

func (p *MQTTPublisher) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.cm.Disconnect(ctx)
}

// MQTTTopic converts a dot separated topic to MQTT levels.
func MQTTTopic(topic string) string {
	return strings.ReplaceAll(topic, ".", "/")
}

// Retained reports whether a topic carries state rather than a log line.
func Retained(topic string) bool {
	return !strings.HasSuffix(topic, ".log")
}
