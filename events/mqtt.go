package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"netcam-capture/camera"
	"netcam-capture/config"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// StatusSource supplies the camera statuses to publish.
type StatusSource interface {
	GetStatus() []camera.Status
}

// StateChange is published when a camera's connection state changes.
type StateChange struct {
	Camera   string    `json:"camera"`
	State    string    `json:"state"`
	Previous string    `json:"previous,omitempty"`
	At       time.Time `json:"at"`
}

// Stats contains publisher statistics
type Stats struct {
	Connected bool   `json:"connected"`
	Published uint64 `json:"published"`
	Errors    uint64 `json:"errors"`
}

type tokenPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Publisher publishes camera status to an MQTT broker. Topics:
//
//	<prefix>/availability            online/offline, retained, last will
//	<prefix>/<camera>/status         camera.Status, retained
//	<prefix>/<camera>/state          StateChange on every transition, retained
type Publisher struct {
	cfg    config.MQTTConfig
	source StatusSource
	logger *zap.Logger

	client mqtt.Client
	pub    tokenPublisher
	encode func(v interface{}) ([]byte, error)

	mu        sync.Mutex
	lastState map[string]string

	connected atomic.Bool
	published atomic.Uint64
	errors    atomic.Uint64
}

// NewPublisher creates a publisher. No connection is made until Connect.
func NewPublisher(cfg config.MQTTConfig, source StatusSource, logger *zap.Logger) (*Publisher, error) {
	encode, err := encoderFor(cfg.PayloadFormat)
	if err != nil {
		return nil, err
	}

	p := &Publisher{
		cfg:       cfg,
		source:    source,
		logger:    logger,
		encode:    encode,
		lastState: make(map[string]string),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetWill(p.availabilityTopic(), "offline", p.qos(), true)

	opts.OnConnect = func(c mqtt.Client) {
		p.connected.Store(true)
		p.logger.Info("MQTT connection established",
			zap.String("broker", cfg.Broker),
			zap.String("client_id", cfg.ClientID))

		// Retained messages from before a reconnect may be stale.
		p.mu.Lock()
		p.lastState = make(map[string]string)
		p.mu.Unlock()

		go func() {
			if err := p.publish(p.availabilityTopic(), []byte("online"), true); err != nil {
				p.logger.Warn("Failed to publish availability", zap.Error(err))
			}
		}()
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		p.connected.Store(false)
		p.logger.Warn("MQTT connection lost, will auto-reconnect",
			zap.String("broker", cfg.Broker),
			zap.Error(err))
	}

	p.client = mqtt.NewClient(opts)
	p.pub = p.client
	return p, nil
}

func encoderFor(format string) (func(v interface{}) ([]byte, error), error) {
	switch format {
	case "", "json":
		return json.Marshal, nil
	case "msgpack":
		return func(v interface{}) ([]byte, error) {
			var buf bytes.Buffer
			enc := msgpack.NewEncoder(&buf)
			enc.SetCustomStructTag("json")
			if err := enc.Encode(v); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown payload format %q", format)
	}
}

// Connect waits for the first broker connection. The client keeps retrying in
// the background after a timeout.
func (p *Publisher) Connect(ctx context.Context) error {
	p.logger.Info("Connecting to MQTT broker", zap.String("broker", p.cfg.Broker))

	token := p.client.Connect()

	timer := time.NewTimer(connectTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt connection failed: %w", err)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("mqtt connection timeout after %s", connectTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run publishes all statuses every interval until ctx is done.
func (p *Publisher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.PublishStatus(); err != nil {
				p.logger.Debug("Status publish incomplete", zap.Error(err))
			}
		}
	}
}

// PublishStatus publishes the status of every camera, plus a state message for
// each camera whose state changed since the last call.
func (p *Publisher) PublishStatus() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	now := time.Now()
	for _, st := range p.source.GetStatus() {
		payload, err := p.encode(st)
		if err != nil {
			p.errors.Add(1)
			keep(fmt.Errorf("encode status of %s: %w", st.ID, err))
			continue
		}
		keep(p.publish(p.cameraTopic(st.ID, "status"), payload, true))

		p.mu.Lock()
		previous, seen := p.lastState[st.ID]
		changed := !seen || previous != st.State
		p.mu.Unlock()
		if !changed {
			continue
		}

		payload, err = p.encode(StateChange{Camera: st.ID, State: st.State, Previous: previous, At: now})
		if err != nil {
			p.errors.Add(1)
			keep(err)
			continue
		}
		if err := p.publish(p.cameraTopic(st.ID, "state"), payload, true); err != nil {
			keep(err)
			continue
		}

		p.mu.Lock()
		p.lastState[st.ID] = st.State
		p.mu.Unlock()

		p.logger.Info("Camera state published",
			zap.String("camera", st.ID),
			zap.String("state", st.State),
			zap.String("previous", previous))
	}

	return firstErr
}

func (p *Publisher) publish(topic string, payload []byte, retained bool) error {
	token := p.pub.Publish(topic, p.qos(), retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		p.errors.Add(1)
		return fmt.Errorf("publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		p.errors.Add(1)
		return fmt.Errorf("publish to %s failed: %w", topic, err)
	}

	p.published.Add(1)
	p.logger.Debug("Published", zap.String("topic", topic), zap.Int("size", len(payload)))
	return nil
}

// Close marks the service offline and disconnects.
func (p *Publisher) Close() error {
	if p.client != nil && p.client.IsConnected() {
		if err := p.publish(p.availabilityTopic(), []byte("offline"), true); err != nil {
			p.logger.Warn("Failed to publish offline availability", zap.Error(err))
		}
		p.client.Disconnect(250)
		p.logger.Info("MQTT disconnected")
	}
	p.connected.Store(false)
	return nil
}

// Stats returns publisher statistics
func (p *Publisher) Stats() Stats {
	return Stats{
		Connected: p.connected.Load(),
		Published: p.published.Load(),
		Errors:    p.errors.Load(),
	}
}

func (p *Publisher) qos() byte {
	return byte(p.cfg.QoS)
}

func (p *Publisher) availabilityTopic() string {
	return strings.TrimSuffix(p.cfg.TopicPrefix, "/") + "/availability"
}

// cameraTopic escapes MQTT wildcard and level characters in the camera id.
func (p *Publisher) cameraTopic(id, leaf string) string {
	safe := strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(id)
	return strings.TrimSuffix(p.cfg.TopicPrefix, "/") + "/" + safe + "/" + leaf
}
