package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/orion-edge-guard/internal/alert"
)

// Config holds broker settings.
// HealthInterval is the period of health snapshots; 0 disables them.
type Config struct {
	Broker         string
	ClientID       string
	OutcomesTopic  string
	HealthTopic    string
	QoS            byte
	HealthInterval time.Duration
}

// DefaultConfig returns topic layout care/edge/{instance}/...
func DefaultConfig(instanceID string) Config {
	return Config{
		Broker:         "localhost:1883",
		ClientID:       instanceID,
		OutcomesTopic:  fmt.Sprintf("care/edge/%s/alerts", instanceID),
		HealthTopic:    fmt.Sprintf("care/edge/%s/health", instanceID),
		QoS:            1,
		HealthInterval: 30 * time.Second,
	}
}

// Publisher is the subset of mqtt.Client the emitter uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
}

// Stats contains emitter statistics.
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// MQTTEmitter publishes delivery outcomes (without images) and health
// snapshots to an MQTT broker.
type MQTTEmitter struct {
	cfg    Config
	client mqtt.Client
	pub    Publisher

	mu        sync.RWMutex
	published map[string]uint64
	errors    uint64
	connected bool
}

// NewMQTTEmitter creates an emitter. Connect must be called before publishing.
func NewMQTTEmitter(cfg Config) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:       cfg,
		published: make(map[string]uint64),
	}
}

// newWithPublisher wires an already connected publisher.
func newWithPublisher(cfg Config, pub Publisher) *MQTTEmitter {
	e := NewMQTTEmitter(cfg)
	e.pub = pub
	e.connected = pub.IsConnected()
	return e
}

// Connect establishes the broker connection with automatic reconnection.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.Broker))
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		slog.Info("emitter: mqtt connection established",
			"broker", e.cfg.Broker,
			"client_id", e.cfg.ClientID,
		)
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("emitter: mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.Broker,
		)
	}

	e.client = mqtt.NewClient(opts)
	e.pub = e.client

	slog.Info("emitter: connecting to mqtt broker", "broker", e.cfg.Broker)

	token := e.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return fmt.Errorf("emitter: mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("emitter: mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// outcomeMessage is the published form of an outcome.
type outcomeMessage struct {
	alert.Outcome
	InstanceID string `json:"instance_id"`
}

// PublishOutcome publishes one delivery outcome to {OutcomesTopic}/{camera_id}.
func (e *MQTTEmitter) PublishOutcome(o alert.Outcome) error {
	payload, err := json.Marshal(outcomeMessage{Outcome: o, InstanceID: e.cfg.ClientID})
	if err != nil {
		e.countError()
		return fmt.Errorf("emitter: failed to marshal outcome: %w", err)
	}
	return e.publish(fmt.Sprintf("%s/%d", e.cfg.OutcomesTopic, o.SourceID), payload)
}

// PublishHealth publishes a health snapshot.
func (e *MQTTEmitter) PublishHealth(snapshot any) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		e.countError()
		return fmt.Errorf("emitter: failed to marshal health: %w", err)
	}
	return e.publish(e.cfg.HealthTopic, payload)
}

func (e *MQTTEmitter) publish(topic string, payload []byte) error {
	if !e.isConnected() {
		e.countError()
		return fmt.Errorf("emitter: mqtt not connected")
	}

	token := e.pub.Publish(topic, e.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.countError()
		return fmt.Errorf("emitter: publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("emitter: publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	slog.Debug("emitter: published",
		"topic", topic,
		"qos", e.cfg.QoS,
		"size", len(payload),
	)
	return nil
}

// Consume publishes every outcome read from ch until ctx ends or ch closes.
func (e *MQTTEmitter) Consume(ctx context.Context, ch <-chan alert.Outcome) {
	for {
		select {
		case <-ctx.Done():
			return
		case o, ok := <-ch:
			if !ok {
				return
			}
			if err := e.PublishOutcome(o); err != nil {
				slog.Warn("emitter: outcome not published",
					"event_id", o.EventID,
					"camera_id", o.SourceID,
					"error", err,
				)
			}
		}
	}
}

// RunHealth publishes snapshot() every HealthInterval until ctx ends.
func (e *MQTTEmitter) RunHealth(ctx context.Context, snapshot func() any) {
	if e.cfg.HealthInterval <= 0 {
		return
	}
	ticker := time.NewTicker(e.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.PublishHealth(snapshot()); err != nil {
				slog.Debug("emitter: health not published", "error", err)
			}
		}
	}
}

// Disconnect closes the broker connection.
func (e *MQTTEmitter) Disconnect() {
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250)
		slog.Info("emitter: mqtt disconnected")
	}
	e.setConnected(false)
}

// Stats returns emitter statistics.
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
	}
}

// Connected reports the last known connection state.
func (e *MQTTEmitter) Connected() bool {
	return e.isConnected()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
