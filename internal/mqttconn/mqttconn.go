// Package mqttconn builds paho MQTT clients with auto-reconnect and retried
// initial connection.
package mqttconn

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Options configures a client connection.
type Options struct {
	Broker         string // host:port
	ClientID       string
	ConnectTimeout time.Duration
	Attempts       uint
	RetryDelay     time.Duration

	// OnConnect runs after every (re)connection. Subscriptions belong here
	// since a clean session drops them on reconnect.
	OnConnect func(mqtt.Client)
}

func (o *Options) setDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 5 * time.Second
	}
	if o.Attempts == 0 {
		o.Attempts = 5
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
}

// Connect creates a client and connects it, retrying with exponential backoff.
func Connect(ctx context.Context, o Options) (mqtt.Client, error) {
	if o.Broker == "" {
		return nil, fmt.Errorf("mqttconn: broker is required")
	}
	o.setDefaults()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", o.Broker))
	opts.SetClientID(o.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetConnectTimeout(o.ConnectTimeout)

	opts.OnConnect = func(c mqtt.Client) {
		slog.Info("mqtt connection established",
			"broker", o.Broker,
			"client_id", o.ClientID,
		)
		if o.OnConnect != nil {
			o.OnConnect(c)
		}
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		slog.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", o.Broker,
		)
	}

	client := mqtt.NewClient(opts)

	err := retry.Do(
		func() error {
			token := client.Connect()
			if !token.WaitTimeout(o.ConnectTimeout) {
				return fmt.Errorf("mqtt connection timeout")
			}
			return token.Error()
		},
		retry.Context(ctx),
		retry.Attempts(o.Attempts),
		retry.Delay(o.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			slog.Warn("mqtt connect failed, retrying",
				"attempt", n+1,
				"max_attempts", o.Attempts,
				"error", err,
			)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("mqttconn: connect to %s: %w", o.Broker, err)
	}
	return client, nil
}

// Wait waits for a token with a timeout and returns its error.
func Wait(token mqtt.Token, timeout time.Duration) error {
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt operation timeout after %s", timeout)
	}
	return token.Error()
}
