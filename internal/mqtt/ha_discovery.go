package mqtt

import (
	"encoding/json"
	"fmt"
)

// DefaultDiscoveryPrefix is the topic prefix Home Assistant listens on.
const DefaultDiscoveryPrefix = "homeassistant"

// commandTemplate renders the result entity in Home Assistant.
const commandTemplate = "Res: {{ value }}"

// DiscoveryTopic is the discovery payload of a sensor channel.
type DiscoveryTopic struct {
	StateClass        string     `json:"state_class"`
	StateTopic        string     `json:"state_topic"`
	UniqueID          string     `json:"unique_id"`
	Name              string     `json:"name"`
	DeviceClass       string     `json:"device_class"`
	Device            DeviceInfo `json:"device"`
	UnitOfMeasurement string     `json:"unit_of_measurement"`
	QoS               byte       `json:"qos"`
}

// CommandDiscovery is the discovery payload of the result channel.
// Its command topic is the state topic.
type CommandDiscovery struct {
	CommandTemplate string     `json:"command_template"`
	Platform        string     `json:"platform"`
	QoS             byte       `json:"qos"`
	UniqueID        string     `json:"unique_id"`
	StateTopic      string     `json:"state_topic"`
	CommandTopic    string     `json:"command_topic"`
	Name            string     `json:"name"`
	Device          DeviceInfo `json:"device"`
}

// Discovery builds topics and discovery payloads for one device.
type Discovery struct {
	prefix string
	device DeviceInfo

	// Pre-generated discovery configs by channel ID
	configs map[string][]byte
}

// NewDiscovery creates a Discovery. An empty prefix selects DefaultDiscoveryPrefix.
func NewDiscovery(prefix string, device DeviceInfo) *Discovery {
	if prefix == "" {
		prefix = DefaultDiscoveryPrefix
	}
	return &Discovery{
		prefix:  prefix,
		device:  device,
		configs: make(map[string][]byte),
	}
}

// ConfigTopic returns <prefix>/sensor/<device>/<channel>/config.
func (d *Discovery) ConfigTopic(ch Channel) string {
	return d.prefix + "/sensor/" + d.device.Name + "/" + ch.ID + "/config"
}

// StateTopic returns <device>/sensor/<channel>/state.
func (d *Discovery) StateTopic(ch Channel) string {
	return d.device.Name + "/sensor/" + ch.ID + "/state"
}

// UniqueID returns <uuid>_<channel>.
func (d *Discovery) UniqueID(ch Channel) string {
	return d.device.Identifiers + "_" + ch.ID
}

// Config returns the discovery payload of ch. Payloads are generated once
// and reused, so repeated publishes are byte-identical.
func (d *Discovery) Config(ch Channel) ([]byte, error) {
	if config, ok := d.configs[ch.ID]; ok {
		return config, nil
	}

	var v any
	if ch.ID == ChannelResult.ID {
		v = CommandDiscovery{
			CommandTemplate: commandTemplate,
			Platform:        d.device.Model,
			QoS:             1,
			UniqueID:        d.UniqueID(ch),
			StateTopic:      d.StateTopic(ch),
			CommandTopic:    d.StateTopic(ch),
			Name:            ch.Name,
			Device:          d.device,
		}
	} else {
		v = DiscoveryTopic{
			StateClass:        ch.StateClass,
			StateTopic:        d.StateTopic(ch),
			UniqueID:          d.UniqueID(ch),
			Name:              ch.Name,
			DeviceClass:       ch.DeviceClass,
			Device:            d.device,
			UnitOfMeasurement: ch.Unit,
			QoS:               1,
		}
	}

	config, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal discovery config for %s: %w", ch.ID, err)
	}

	d.configs[ch.ID] = config
	return config, nil
}
