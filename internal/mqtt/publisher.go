package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"thum/internal/config"
	"thum/internal/sensor"
)

// QoS used for every publish (at least once)
const qosAtLeastOnce byte = 1

// PublishError is a failed publish, tagged with its topic.
type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string { return fmt.Sprintf("publish %s: %v", e.Topic, e.Err) }
func (e *PublishError) Unwrap() error { return e.Err }

// Publisher publishes discovery metadata and channel states for one cycle.
// It owns its Transport and closes it in Close.
type Publisher struct {
	transport Transport
	discovery *Discovery
	divider   float64
	logger    *slog.Logger
}

// NewPublisher creates a Publisher. divider converts ADC millivolts to the
// battery voltage.
func NewPublisher(transport Transport, discovery *Discovery, divider float64, logger *slog.Logger) *Publisher {
	return &Publisher{
		transport: transport,
		discovery: discovery,
		divider:   divider,
		logger:    logger,
	}
}

// PublishDiscovery publishes the retained discovery config of ch.
func (p *Publisher) PublishDiscovery(ctx context.Context, ch Channel) error {
	topic := p.discovery.ConfigTopic(ch)
	payload, err := p.discovery.Config(ch)
	if err != nil {
		return &PublishError{Topic: topic, Err: err}
	}
	return p.publish(ctx, topic, true, payload)
}

// PublishState publishes a non-retained state value of ch.
func (p *Publisher) PublishState(ctx context.Context, ch Channel, value string) error {
	return p.publish(ctx, p.discovery.StateTopic(ch), false, []byte(value))
}

// PublishResult announces the result entity and publishes the outcome of
// the previous cycle.
func (p *Publisher) PublishResult(ctx context.Context, previous string) error {
	if err := p.PublishDiscovery(ctx, ChannelResult); err != nil {
		return err
	}
	return p.PublishState(ctx, ChannelResult, previous)
}

// PublishMeasurement publishes both discovery configs before both states.
func (p *Publisher) PublishMeasurement(ctx context.Context, m sensor.Measurement) error {
	if err := p.PublishDiscovery(ctx, ChannelTemperature); err != nil {
		return err
	}
	if err := p.PublishDiscovery(ctx, ChannelHumidity); err != nil {
		return err
	}
	if err := p.PublishState(ctx, ChannelTemperature, FormatTemperature(m.Temperature)); err != nil {
		return err
	}
	return p.PublishState(ctx, ChannelHumidity, FormatHumidity(m.Humidity))
}

// PublishRSSI publishes the link signal strength in dBm.
func (p *Publisher) PublishRSSI(ctx context.Context, rssi int) error {
	if err := p.PublishDiscovery(ctx, ChannelRSSI); err != nil {
		return err
	}
	return p.PublishState(ctx, ChannelRSSI, FormatRSSI(rssi))
}

// PublishVoltage publishes the battery voltage.
func (p *Publisher) PublishVoltage(ctx context.Context, v sensor.VoltageReading) error {
	if err := p.PublishDiscovery(ctx, ChannelVoltage); err != nil {
		return err
	}
	return p.PublishState(ctx, ChannelVoltage, FormatVoltage(v, p.divider))
}

// Close disconnects the transport gracefully.
func (p *Publisher) Close(ctx context.Context) error {
	return p.transport.Close(ctx)
}

func (p *Publisher) publish(ctx context.Context, topic string, retained bool, payload []byte) error {
	if err := p.transport.Publish(ctx, topic, qosAtLeastOnce, retained, payload); err != nil {
		return &PublishError{Topic: topic, Err: err}
	}
	p.logger.Debug("published", "topic", topic, "retained", retained, "bytes", len(payload))
	p.logger.Log(ctx, config.LevelTrace, "payload", "topic", topic, "payload", string(payload))
	return nil
}

// FormatTemperature renders °C with two decimals.
func FormatTemperature(c float64) string { return strconv.FormatFloat(c, 'f', 2, 64) }

// FormatHumidity renders %RH with one decimal.
func FormatHumidity(rh float64) string { return strconv.FormatFloat(rh, 'f', 1, 64) }

// FormatVoltage renders the battery voltage with two decimals.
func FormatVoltage(v sensor.VoltageReading, divider float64) string {
	return strconv.FormatFloat(v.Volts(divider), 'f', 2, 64)
}

// FormatRSSI renders dBm as an integer.
func FormatRSSI(dbm int) string { return strconv.Itoa(dbm) }
