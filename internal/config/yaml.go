package config

import (
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
)

// fileConfig is the YAML layout of a config file. Every field maps onto one
// environment variable name so both formats share applyValues.
type fileConfig struct {
	Device struct {
		Name  string `yaml:"name"`
		Model string `yaml:"model"`
		UUID  string `yaml:"uuid"`
	} `yaml:"device"`
	MQTT struct {
		Host            string `yaml:"host"`
		User            string `yaml:"user"`
		Pass            string `yaml:"pass"`
		Protocol        string `yaml:"protocol"`
		DiscoveryPrefix string `yaml:"discovery_prefix"`
		Timeout         *int   `yaml:"timeout"`
		PublishPolicy   string `yaml:"publish_policy"`
	} `yaml:"mqtt"`
	Wifi struct {
		SSID           string `yaml:"ssid"`
		PSK            string `yaml:"psk"`
		Interface      string `yaml:"interface"`
		TxPower        *int   `yaml:"tx_power"`
		ConnectTimeout *int   `yaml:"connect_timeout"`
		DHCPTimeout    *int   `yaml:"dhcp_timeout"`
	} `yaml:"wifi"`
	Sensors struct {
		SHTAddress     *int     `yaml:"sht_address"`
		ADCAddress     *int     `yaml:"adc_address"`
		ADCChannel     *int     `yaml:"adc_channel"`
		VoltageDivider *float64 `yaml:"voltage_divider"`
	} `yaml:"sensors"`
	Store struct {
		Path      string `yaml:"path"`
		Namespace string `yaml:"namespace"`
	} `yaml:"store"`
	Sleep struct {
		Seconds *int   `yaml:"seconds"`
		Mode    string `yaml:"mode"`
	} `yaml:"sleep"`
	LogLevel string `yaml:"log_level"`
}

// parseYAML flattens a YAML config file into environment-style keys.
// Unset fields are left out so defaults apply.
func parseYAML(data []byte) (map[string]string, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse yaml config: %w", err)
	}

	values := map[string]string{}
	setString := func(key, v string) {
		if v != "" {
			values[key] = v
		}
	}
	setInt := func(key string, v *int) {
		if v != nil {
			values[key] = strconv.Itoa(*v)
		}
	}

	setString(EnvDeviceName, fc.Device.Name)
	setString(EnvDeviceModel, fc.Device.Model)
	setString(EnvDeviceUUID, fc.Device.UUID)

	setString(EnvMQTTHost, fc.MQTT.Host)
	setString(EnvMQTTUser, fc.MQTT.User)
	setString(EnvMQTTPass, fc.MQTT.Pass)
	setString(EnvMQTTProtocol, fc.MQTT.Protocol)
	setString(EnvMQTTDiscoveryPrefix, fc.MQTT.DiscoveryPrefix)
	setInt(EnvMQTTTimeout, fc.MQTT.Timeout)
	setString(EnvPublishPolicy, fc.MQTT.PublishPolicy)

	setString(EnvWifiSSID, fc.Wifi.SSID)
	setString(EnvWifiPSK, fc.Wifi.PSK)
	setString(EnvWifiInterface, fc.Wifi.Interface)
	setInt(EnvWifiTxPower, fc.Wifi.TxPower)
	setInt(EnvWifiConnectTimeout, fc.Wifi.ConnectTimeout)
	setInt(EnvWifiDHCPTimeout, fc.Wifi.DHCPTimeout)

	setInt(EnvSHTAddress, fc.Sensors.SHTAddress)
	setInt(EnvADCAddress, fc.Sensors.ADCAddress)
	setInt(EnvADCChannel, fc.Sensors.ADCChannel)
	if fc.Sensors.VoltageDivider != nil {
		values[EnvVoltageDivider] = strconv.FormatFloat(*fc.Sensors.VoltageDivider, 'f', -1, 64)
	}

	setString(EnvStorePath, fc.Store.Path)
	setString(EnvNamespace, fc.Store.Namespace)
	setInt(EnvSleepSeconds, fc.Sleep.Seconds)
	setString(EnvSleepMode, fc.Sleep.Mode)
	setString(EnvLogLevel, fc.LogLevel)

	return values, nil
}
