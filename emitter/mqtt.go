// Package emitter publishes batch run reports to an MQTT broker.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	upscaler "github.com/e7canasta/orion-upscaler"
	"github.com/e7canasta/orion-upscaler/batch"
)

// Client is the subset of mqtt.Client the emitter uses.
type Client interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// Config contains broker settings.
type Config struct {
	Broker         string // host:port or scheme://host:port
	ClientID       string
	Topic          string // reports go to <Topic>/runs/<run id>
	QoS            byte
	ConnectTimeout time.Duration // default 5s
	PublishTimeout time.Duration // default 2s
}

// MQTT publishes run reports with auto-reconnect.
type MQTT struct {
	cfg    Config
	client Client

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool
}

// New returns an emitter that builds a paho client on Connect.
func New(cfg Config) *MQTT {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	return &MQTT{cfg: cfg, published: make(map[string]uint64)}
}

// NewWithClient returns an emitter over an existing client.
func NewWithClient(cfg Config, client Client) *MQTT {
	e := New(cfg)
	e.client = client
	return e
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Connect establishes the broker connection.
func (e *MQTT) Connect(ctx context.Context) error {
	if e.client == nil {
		opts := mqtt.NewClientOptions()
		opts.AddBroker(brokerURL(e.cfg.Broker))
		opts.SetClientID(e.cfg.ClientID)
		opts.SetAutoReconnect(true)
		opts.SetConnectRetry(true)
		opts.SetConnectRetryInterval(2 * time.Second)
		opts.SetMaxReconnectInterval(30 * time.Second)

		opts.OnConnect = func(mqtt.Client) {
			e.setConnected(true)
			slog.Info("emitter: mqtt connection established", "broker", e.cfg.Broker, "client_id", e.cfg.ClientID)
		}
		opts.OnConnectionLost = func(_ mqtt.Client, err error) {
			e.setConnected(false)
			slog.Warn("emitter: mqtt connection lost, will auto-reconnect", "broker", e.cfg.Broker, "error", err)
		}
		e.client = mqtt.NewClient(opts)
	}

	slog.Info("emitter: connecting to mqtt broker", "broker", e.cfg.Broker)

	token := e.client.Connect()
	timeout := e.cfg.ConnectTimeout
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < timeout {
		timeout = time.Until(dl)
	}
	if !token.WaitTimeout(timeout) {
		return &upscaler.Error{Kind: upscaler.KindNetwork, Msg: "mqtt connection timeout"}
	}
	if err := token.Error(); err != nil {
		return &upscaler.Error{Kind: upscaler.KindNetwork, Msg: "mqtt connection failed", Err: err}
	}
	e.setConnected(true)
	return nil
}

// Topic returns the topic a run report is published to.
func (e *MQTT) Topic(runID string) string {
	return fmt.Sprintf("%s/runs/%s", e.cfg.Topic, runID)
}

// PublishReport publishes r as JSON. Failures are retryable network errors.
func (e *MQTT) PublishReport(ctx context.Context, r *batch.Report) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !e.isConnected() {
		e.countError()
		return &upscaler.Error{Kind: upscaler.KindNetwork, Msg: "mqtt not connected"}
	}

	payload, err := json.Marshal(r)
	if err != nil {
		e.countError()
		return fmt.Errorf("emitter: marshal report: %w", err)
	}

	topic := e.Topic(r.RunID)
	token := e.client.Publish(topic, e.cfg.QoS, false, payload)
	if !token.WaitTimeout(e.cfg.PublishTimeout) {
		e.countError()
		return &upscaler.Error{Kind: upscaler.KindNetwork, Msg: "publish timeout on " + topic}
	}
	if err := token.Error(); err != nil {
		e.countError()
		return &upscaler.Error{Kind: upscaler.KindNetwork, Msg: "publish failed on " + topic, Err: err}
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	slog.Debug("emitter: report published", "topic", topic, "qos", e.cfg.QoS, "size", len(payload))
	return nil
}

// Disconnect closes the connection.
func (e *MQTT) Disconnect() {
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250) // 250ms grace period
		slog.Info("emitter: mqtt disconnected")
	}
	e.setConnected(false)
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// Stats returns emitter statistics
func (e *MQTT) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{Connected: e.connected, Published: published, Errors: e.errors}
}

func (e *MQTT) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTT) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTT) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
