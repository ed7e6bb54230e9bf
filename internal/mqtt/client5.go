package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// Client5 is an MQTT 5 transport backed by an autopaho connection manager.
// The manager is stopped as soon as the first connection attempt fails, so
// it never retries in the background.
type Client5 struct {
	cm     *autopaho.ConnectionManager
	config Config
	stop   context.CancelFunc
	logger *slog.Logger
}

// Dial5 connects to the broker over MQTT 5 and waits for the CONNACK.
func Dial5(ctx context.Context, cfg Config, logger *slog.Logger) (*Client5, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("MQTT client ID is required")
	}

	broker, err := parseBroker(cfg.Broker)
	if err != nil {
		return nil, err
	}
	user, pass := credentials(broker)

	server := *broker
	server.User = nil

	// The manager lives until Close, independent of the dial context
	mgrCtx, stop := context.WithCancel(context.Background())
	connectErr := make(chan error, 1)

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{&server},
		KeepAlive:       30,
		ConnectUsername: user,
		ConnectPassword: []byte(pass),
		OnConnectionUp: func(_ *autopaho.ConnectionManager, _ *paho.Connack) {
			logger.Info("mqtt connected to broker", "broker", broker.Redacted())
		},
		OnConnectError: func(err error) {
			logger.Warn("mqtt connection error", "error", err)
			select {
			case connectErr <- err:
			default:
			}
		},
		ClientConfig: paho.ClientConfig{
			ClientID: cfg.ClientID,
		},
	}

	if broker.Scheme == "mqtts" || broker.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(mgrCtx, pahoCfg)
	if err != nil {
		stop()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	awaitCtx, cancel := withTimeout(ctx, cfg.Timeout)
	defer cancel()

	connected := make(chan error, 1)
	go func() { connected <- cm.AwaitConnection(awaitCtx) }()

	select {
	case err = <-connected:
	case err = <-connectErr:
	}
	if err != nil {
		stop()
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	return &Client5{
		cm:     cm,
		config: cfg,
		stop:   stop,
		logger: logger,
	}, nil
}

// Publish publishes payload and waits for the broker acknowledgement.
func (c *Client5) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	ctx, cancel := withTimeout(ctx, c.config.Timeout)
	defer cancel()

	if _, err := c.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retained,
	}); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	c.logger.Debug("mqtt published", "topic", topic, "qos", qos, "retained", retained)
	return nil
}

// Close sends DISCONNECT and stops the connection manager.
func (c *Client5) Close(ctx context.Context) error {
	defer c.stop()

	ctx, cancel := withTimeout(ctx, c.config.Timeout)
	defer cancel()

	if err := c.cm.Disconnect(ctx); err != nil {
		return fmt.Errorf("mqtt disconnect: %w", err)
	}
	c.logger.Debug("mqtt disconnected")
	return nil
}
