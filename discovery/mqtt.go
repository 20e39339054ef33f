package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/orion-care-sensor/modules/offload/internal/mqttconn"
)

// Store is the write side of a registry.
type Store interface {
	Put(ep ServiceEndpoint) error
	Remove(name string) bool
}

// MQTTConfig configures the MQTT announcement feeder.
type MQTTConfig struct {
	Broker      string // host:port
	ClientID    string
	TopicPrefix string // announcements live at <prefix>/<service>
	QoS         byte
}

// MQTTWatcher feeds a Store from retained MQTT announcements.
//
// Topic layout: <prefix>/<service>, payload is a MsgPack Announcement. An
// empty retained payload withdraws the service.
type MQTTWatcher struct {
	cfg    MQTTConfig
	store  Store
	client mqtt.Client

	received atomic.Uint64
	invalid  atomic.Uint64
}

// NewMQTTWatcher validates cfg and returns an unconnected watcher.
func NewMQTTWatcher(cfg MQTTConfig, store Store) (*MQTTWatcher, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("discovery: mqtt broker is required")
	}
	if store == nil {
		return nil, fmt.Errorf("discovery: store is required")
	}
	cfg.TopicPrefix = strings.TrimSuffix(cfg.TopicPrefix, "/")
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "offload/services"
	}
	return &MQTTWatcher{cfg: cfg, store: store}, nil
}

// Start connects to the broker and subscribes to <prefix>/+.
func (w *MQTTWatcher) Start(ctx context.Context) error {
	filter := w.cfg.TopicPrefix + "/+"

	client, err := mqttconn.Connect(ctx, mqttconn.Options{
		Broker:   w.cfg.Broker,
		ClientID: w.cfg.ClientID,
		OnConnect: func(c mqtt.Client) {
			token := c.Subscribe(filter, w.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
				w.HandleMessage(msg.Topic(), msg.Payload())
			})
			if err := mqttconn.Wait(token, 5*time.Second); err != nil {
				slog.Error("discovery: subscribe failed", "topic", filter, "error", err)
				return
			}
			slog.Info("discovery: subscribed to announcements", "topic", filter)
		},
	})
	if err != nil {
		return err
	}
	w.client = client
	return nil
}

// Announce publishes a retained announcement for ann.Service.
func (w *MQTTWatcher) Announce(ann Announcement) error {
	if w.client == nil {
		return fmt.Errorf("discovery: watcher not started")
	}
	payload, err := EncodeAnnouncement(ann)
	if err != nil {
		return err
	}
	topic := w.topicFor(ann.Service)
	return mqttconn.Wait(w.client.Publish(topic, w.cfg.QoS, true, payload), 2*time.Second)
}

// Withdraw clears the retained announcement for service.
func (w *MQTTWatcher) Withdraw(service string) error {
	if w.client == nil {
		return fmt.Errorf("discovery: watcher not started")
	}
	return mqttconn.Wait(w.client.Publish(w.topicFor(service), w.cfg.QoS, true, []byte{}), 2*time.Second)
}

// HandleMessage applies one announcement message to the store.
func (w *MQTTWatcher) HandleMessage(topic string, payload []byte) {
	w.received.Add(1)

	service := topic[strings.LastIndex(topic, "/")+1:]
	if service == "" {
		w.invalid.Add(1)
		slog.Warn("discovery: announcement without service name", "topic", topic)
		return
	}

	if len(payload) == 0 {
		w.store.Remove(service)
		return
	}

	ann, err := DecodeAnnouncement(payload)
	if err != nil {
		w.invalid.Add(1)
		slog.Warn("discovery: dropping malformed announcement", "topic", topic, "error", err)
		return
	}
	ann.Service = service

	if err := w.store.Put(ann.Endpoint()); err != nil {
		// A peer announcing without ip/port no longer offers a usable endpoint.
		w.invalid.Add(1)
		w.store.Remove(service)
		slog.Warn("discovery: announcement without usable endpoint", "service", service, "error", err)
	}
}

// Stats returns the number of messages handled and rejected.
func (w *MQTTWatcher) Stats() (received, invalid uint64) {
	return w.received.Load(), w.invalid.Load()
}

// Close disconnects from the broker. Idempotent.
func (w *MQTTWatcher) Close() error {
	if w.client != nil && w.client.IsConnected() {
		w.client.Disconnect(250)
		slog.Info("discovery: mqtt disconnected")
	}
	return nil
}

func (w *MQTTWatcher) topicFor(service string) string {
	return w.cfg.TopicPrefix + "/" + service
}
