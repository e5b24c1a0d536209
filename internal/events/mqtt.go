package events

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	mqttConnectTimeout = 5 * time.Second
	mqttPublishTimeout = 2 * time.Second
)

// MQTTPublisher publishes events as JSON to a single topic with QoS 1.
type MQTTPublisher struct {
	client mqtt.Client
	topic  string
	logger *slog.Logger

	mu        sync.RWMutex
	connected bool
	published uint64
	errors    uint64
}

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	Broker   string
	Topic    string
	ClientID string
	Logger   *slog.Logger
}

// NewMQTTPublisher connects to the broker. A broker without scheme is
// treated as tcp.
func NewMQTTPublisher(cfg MQTTConfig) (*MQTTPublisher, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	p := &MQTTPublisher{topic: cfg.Topic, logger: cfg.Logger.With("component", "events.mqtt")}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		p.setConnected(true)
		p.logger.Info("mqtt connection established", "broker", broker, "client_id", cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		p.setConnected(false)
		p.logger.Warn("mqtt connection lost, will auto-reconnect", "broker", broker, "error", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	p.client = client
	p.setConnected(true)
	return p, nil
}

func newMQTTPublisherWithClient(client mqtt.Client, topic string, logger *slog.Logger) *MQTTPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTPublisher{client: client, topic: topic, logger: logger, connected: true}
}

func (p *MQTTPublisher) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}

func (p *MQTTPublisher) fail() {
	p.mu.Lock()
	p.errors++
	p.mu.Unlock()
}

// Publish sends event and waits for the broker acknowledgement.
func (p *MQTTPublisher) Publish(ctx context.Context, event AttendeeSeen) error {
	p.mu.RLock()
	connected := p.connected
	p.mu.RUnlock()
	if !connected {
		p.fail()
		return fmt.Errorf("mqtt not connected")
	}

	payload, err := event.Payload()
	if err != nil {
		p.fail()
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	timeout := mqttPublishTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	token := p.client.Publish(p.topic, 1, false, payload)
	if !token.WaitTimeout(timeout) {
		p.fail()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		p.fail()
		return fmt.Errorf("publish failed: %w", err)
	}

	p.mu.Lock()
	p.published++
	p.mu.Unlock()
	p.logger.DebugContext(ctx, "attendance event published", "topic", p.topic, "size", len(payload))
	return nil
}

// Close disconnects with a short grace period.
func (p *MQTTPublisher) Close() error {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
	p.setConnected(false)
	return nil
}

// Stats is a snapshot of publisher counters.
type Stats struct {
	Connected bool
	Published uint64
	Errors    uint64
}

// Stats returns publisher counters.
func (p *MQTTPublisher) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Stats{Connected: p.connected, Published: p.published, Errors: p.errors}
}
