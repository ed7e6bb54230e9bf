// Package mqtt publishes sensor readings and Home Assistant discovery
// metadata over MQTT 3.1.1 or MQTT 5.
package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Client is an MQTT 3.1.1 transport. It connects once and never reconnects;
// a lost connection fails the next publish.
type Client struct {
	client mqtt.Client
	config Config
	broker *url.URL
	logger *slog.Logger
}

// New creates a new MQTT 3.1.1 client
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.Broker == "" {
		return nil, errors.New("MQTT broker address is required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("MQTT client ID is required")
	}

	broker, err := parseBroker(cfg.Broker)
	if err != nil {
		return nil, err
	}
	user, pass := credentials(broker)

	c := &Client{
		config: cfg,
		broker: broker,
		logger: logger,
	}

	// Credentials are passed as options, not in the broker URL
	server := *broker
	server.User = nil

	opts := mqtt.NewClientOptions()
	opts.AddBroker(server.String())
	opts.SetClientID(cfg.ClientID)

	if user != "" {
		opts.SetUsername(user)
	}
	if pass != "" {
		opts.SetPassword(pass)
	}

	if broker.Scheme == "mqtts" || broker.Scheme == "ssl" {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		c.logger.Warn("mqtt connection lost", "error", err)
	})

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		c.logger.Info("mqtt connected to broker", "broker", c.broker.Redacted())
	})

	// One attempt per cycle
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	if cfg.Timeout > 0 {
		opts.SetConnectTimeout(cfg.Timeout)
		opts.SetWriteTimeout(cfg.Timeout)
	}

	opts.SetKeepAlive(30 * time.Second)
	opts.SetCleanSession(true)

	c.client = mqtt.NewClient(opts)
	return c, nil
}

// Connect establishes connection to MQTT broker
func (c *Client) Connect(ctx context.Context) error {
	c.logger.Debug("mqtt connecting", "broker", c.broker.Redacted(), "client_id", c.config.ClientID)

	ctx, cancel := withTimeout(ctx, c.config.Timeout)
	defer cancel()

	if err := waitToken(ctx, c.client.Connect()); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	return nil
}

// Publish publishes payload and waits for the broker acknowledgement.
func (c *Client) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	if !c.client.IsConnectionOpen() {
		return errors.New("MQTT client is not connected")
	}

	ctx, cancel := withTimeout(ctx, c.config.Timeout)
	defer cancel()

	if err := waitToken(ctx, c.client.Publish(topic, qos, retained, payload)); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	c.logger.Debug("mqtt published", "topic", topic, "qos", qos, "retained", retained)
	return nil
}

// Close disconnects from the broker, waiting up to 250ms for in-flight work.
func (c *Client) Close(ctx context.Context) error {
	if !c.client.IsConnected() {
		return nil
	}
	c.client.Disconnect(250)
	c.logger.Debug("mqtt disconnected")
	return nil
}

// waitToken blocks until the token completes or ctx ends.
func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
