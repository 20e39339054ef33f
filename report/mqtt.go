// Package report publishes inference results outside the process.
//
// Publishers consume a resultbus subscription in their own goroutine so the
// coordinator loop never waits on a broker.
package report

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/orion-care-sensor/modules/offload"
	"github.com/e7canasta/orion-care-sensor/modules/offload/internal/mqttconn"
)

// Message is the MsgPack payload published per result.
type Message struct {
	RequestID   string  `msgpack:"request_id"`
	Node        string  `msgpack:"node"`
	Mode        string  `msgpack:"mode"`
	LabelIndex  int     `msgpack:"label_index"`
	Label       string  `msgpack:"label"`
	ElapsedMS   float64 `msgpack:"elapsed_ms"`
	CompletedAt int64   `msgpack:"completed_at"` // unix milliseconds
}

// NewMessage converts a result for node.
func NewMessage(node string, res offload.InferenceResult) Message {
	return Message{
		RequestID:   res.RequestID,
		Node:        node,
		Mode:        res.Mode.String(),
		LabelIndex:  res.LabelIndex,
		Label:       res.Label,
		ElapsedMS:   res.ElapsedMS(),
		CompletedAt: res.CompletedAt.UnixMilli(),
	}
}

// Encode marshals m with MsgPack.
func (m Message) Encode() ([]byte, error) {
	return msgpack.Marshal(m)
}

// DecodeMessage unmarshals a MsgPack payload.
func DecodeMessage(payload []byte) (Message, error) {
	var m Message
	if err := msgpack.Unmarshal(payload, &m); err != nil {
		return Message{}, fmt.Errorf("report: decode message: %w", err)
	}
	return m, nil
}

// MQTTConfig configures the MQTT publisher.
type MQTTConfig struct {
	Broker         string // host:port
	ClientID       string
	TopicPrefix    string // results go to <prefix>/<mode>
	QoS            byte
	PublishTimeout time.Duration
}

// PublisherStats counts publish outcomes.
type PublisherStats struct {
	Published map[string]uint64 // per topic
	Errors    uint64
}

// MQTTPublisher publishes results to <prefix>/<mode>.
type MQTTPublisher struct {
	cfg    MQTTConfig
	client mqtt.Client

	// publish is the transport; replaced in tests.
	publish func(topic string, qos byte, payload []byte) error

	mu        sync.Mutex
	published map[string]uint64
	errors    uint64
}

// NewMQTTPublisher validates cfg and returns an unconnected publisher.
func NewMQTTPublisher(cfg MQTTConfig) (*MQTTPublisher, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("report: mqtt broker is required")
	}
	cfg.TopicPrefix = strings.TrimSuffix(cfg.TopicPrefix, "/")
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "offload/results"
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	return &MQTTPublisher{
		cfg:       cfg,
		published: make(map[string]uint64),
	}, nil
}

// Connect dials the broker.
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	client, err := mqttconn.Connect(ctx, mqttconn.Options{
		Broker:   p.cfg.Broker,
		ClientID: p.cfg.ClientID,
	})
	if err != nil {
		return err
	}
	p.client = client
	p.publish = func(topic string, qos byte, payload []byte) error {
		return mqttconn.Wait(client.Publish(topic, qos, false, payload), p.cfg.PublishTimeout)
	}
	return nil
}

// Topic returns the topic results of mode are published to.
func (p *MQTTPublisher) Topic(mode offload.Mode) string {
	return p.cfg.TopicPrefix + "/" + mode.String()
}

// Publish sends one result.
func (p *MQTTPublisher) Publish(res offload.InferenceResult) error {
	if p.publish == nil {
		p.countError()
		return fmt.Errorf("report: mqtt not connected")
	}

	topic := p.Topic(res.Mode)
	payload, err := NewMessage(p.cfg.ClientID, res).Encode()
	if err != nil {
		p.countError()
		return fmt.Errorf("report: marshal result: %w", err)
	}
	if err := p.publish(topic, p.cfg.QoS, payload); err != nil {
		p.countError()
		return fmt.Errorf("report: publish %s: %w", topic, err)
	}

	p.mu.Lock()
	p.published[topic]++
	p.mu.Unlock()

	slog.Debug("report: result published", "topic", topic, "request_id", res.RequestID, "size", len(payload))
	return nil
}

// Run publishes every result from results until ctx is done or results is
// closed. Publish errors are logged and counted.
func (p *MQTTPublisher) Run(ctx context.Context, results <-chan offload.InferenceResult) {
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-results:
			if !ok {
				return
			}
			if err := p.Publish(res); err != nil {
				slog.Warn("report: publish failed", "request_id", res.RequestID, "error", err)
			}
		}
	}
}

// Stats returns a snapshot of publish counters.
func (p *MQTTPublisher) Stats() PublisherStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	published := make(map[string]uint64, len(p.published))
	for k, v := range p.published {
		published[k] = v
	}
	return PublisherStats{Published: published, Errors: p.errors}
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
		slog.Info("report: mqtt disconnected")
	}
}

func (p *MQTTPublisher) countError() {
	p.mu.Lock()
	p.errors++
	p.mu.Unlock()
}
