// Package config loads the node configuration once at startup. The result is
// read-only and passed by reference to every component.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Environment variable names
const (
	// Device
	EnvDeviceName  = "THUM_DEVICE_NAME"
	EnvDeviceModel = "THUM_DEVICE_MODEL"
	EnvDeviceUUID  = "THUM_DEVICE_UUID"
	// MQTT settings
	EnvMQTTHost            = "THUM_MQTT_HOST"
	EnvMQTTUser            = "THUM_MQTT_USER"
	EnvMQTTPass            = "THUM_MQTT_PASS"
	EnvMQTTProtocol        = "THUM_MQTT_PROTOCOL"
	EnvMQTTDiscoveryPrefix = "THUM_MQTT_DISCOVERY_PREFIX"
	EnvMQTTTimeout         = "THUM_MQTT_TIMEOUT"
	EnvPublishPolicy       = "THUM_PUBLISH_POLICY"
	// WiFi settings
	EnvWifiSSID           = "THUM_WIFI_SSID"
	EnvWifiPSK            = "THUM_WIFI_PSK"
	EnvWifiInterface      = "THUM_WIFI_INTERFACE"
	EnvWifiTxPower        = "THUM_WIFI_TX_POWER"
	EnvWifiConnectTimeout = "THUM_WIFI_CONNECT_TIMEOUT"
	EnvWifiDHCPTimeout    = "THUM_WIFI_DHCP_TIMEOUT"
	// Sensors
	EnvSHTAddress     = "THUM_SHT_ADDRESS"
	EnvADCAddress     = "THUM_ADC_ADDRESS"
	EnvADCChannel     = "THUM_ADC_CHANNEL"
	EnvVoltageDivider = "THUM_VOLTAGE_DIVIDER"
	// Persistence and power
	EnvStorePath    = "THUM_STORE_PATH"
	EnvNamespace    = "THUM_NAMESPACE"
	EnvSleepSeconds = "THUM_SLEEP_SECONDS"
	EnvSleepMode    = "THUM_SLEEP_MODE"
	// Logging
	EnvLogLevel = "THUM_LOG_LEVEL"
)

// Default values
const (
	DefaultDeviceName  = "thum"
	DefaultDeviceModel = "rpi-sht3x"
	// MQTT defaults
	DefaultMQTTHost            = "localhost"
	DefaultMQTTProtocol        = ProtocolV311
	DefaultMQTTDiscoveryPrefix = "homeassistant"
	DefaultMQTTTimeout         = 10 * time.Second
	DefaultPublishPolicy       = PolicyAbort
	// WiFi defaults
	DefaultWifiInterface      = "wlan0"
	DefaultWifiTxPower        = 14 // dBm, down from the radio's 20 dBm
	DefaultWifiConnectTimeout = 30 * time.Second
	DefaultWifiDHCPTimeout    = 20 * time.Second
	// Sensor defaults
	DefaultSHTAddress     = 0x44
	DefaultADCAddress     = 0x48
	DefaultADCChannel     = 0
	DefaultVoltageDivider = 2.0
	// Persistence and power defaults
	DefaultStorePath    = "/var/lib/thum/nvs.db"
	DefaultNamespace    = "thum"
	DefaultSleepSeconds = 30 * 60
	DefaultSleepMode    = "off"
	DefaultLogLevel     = "info"
)

// MQTT protocol versions
const (
	ProtocolV311 = "3.1.1"
	ProtocolV5   = "5"
)

// Publish policies after a failed publish
const (
	PolicyAbort      = "abort"
	PolicyBestEffort = "best-effort"
)

// Config holds all node configuration.
// It is filled once by Load and never mutated afterwards.
type Config struct {
	filePath string

	// Device
	deviceName  string
	deviceModel string
	deviceUUID  string

	// MQTT settings
	mqttHost            string
	mqttUser            string
	mqttPass            string
	mqttProtocol        string
	mqttDiscoveryPrefix string
	mqttTimeout         time.Duration
	publishPolicy       string

	// WiFi settings
	wifiSSID           string
	wifiPSK            string
	wifiInterface      string
	wifiTxPower        int
	wifiConnectTimeout time.Duration
	wifiDHCPTimeout    time.Duration

	// Sensors
	shtAddress     byte
	adcAddress     byte
	adcChannel     int
	voltageDivider float64

	// Persistence and power
	storePath string
	namespace string
	sleep     time.Duration
	sleepMode string

	logLevel string
}

// Load reads configuration from filePath and the process environment.
// The file is optional; environment variables override file values.
// Files ending in .yaml or .yml are parsed as YAML, anything else as .env.
func Load(filePath string) (*Config, error) {
	cfg := &Config{
		filePath: filePath,
	}

	// Set defaults first
	cfg.setDefaults()

	values, err := readFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Process environment wins over the file
	for _, key := range knownKeys {
		if v, ok := os.LookupEnv(key); ok {
			values[key] = v
		}
	}

	if err := cfg.applyValues(values); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration. A node whose configuration
// fails to load uses it to persist the error and sleep.
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// knownKeys lists every environment variable consulted by Load.
var knownKeys = []string{
	EnvDeviceName, EnvDeviceModel, EnvDeviceUUID,
	EnvMQTTHost, EnvMQTTUser, EnvMQTTPass, EnvMQTTProtocol, EnvMQTTDiscoveryPrefix, EnvMQTTTimeout, EnvPublishPolicy,
	EnvWifiSSID, EnvWifiPSK, EnvWifiInterface, EnvWifiTxPower, EnvWifiConnectTimeout, EnvWifiDHCPTimeout,
	EnvSHTAddress, EnvADCAddress, EnvADCChannel, EnvVoltageDivider,
	EnvStorePath, EnvNamespace, EnvSleepSeconds, EnvSleepMode,
	EnvLogLevel,
}

// readFile parses the config file into key-value pairs.
// A missing file yields an empty map.
func readFile(filePath string) (map[string]string, error) {
	if filePath == "" {
		return map[string]string{}, nil
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".yaml", ".yml":
		return parseYAML(data)
	default:
		values, err := godotenv.UnmarshalBytes(data)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", filePath, err)
		}
		return values, nil
	}
}

// setDefaults initializes all fields with default values.
func (c *Config) setDefaults() {
	c.deviceName = DefaultDeviceName
	c.deviceModel = DefaultDeviceModel
	c.deviceUUID = ""
	// MQTT defaults
	c.mqttHost = DefaultMQTTHost
	c.mqttProtocol = DefaultMQTTProtocol
	c.mqttDiscoveryPrefix = DefaultMQTTDiscoveryPrefix
	c.mqttTimeout = DefaultMQTTTimeout
	c.publishPolicy = DefaultPublishPolicy
	// WiFi defaults
	c.wifiInterface = DefaultWifiInterface
	c.wifiTxPower = DefaultWifiTxPower
	c.wifiConnectTimeout = DefaultWifiConnectTimeout
	c.wifiDHCPTimeout = DefaultWifiDHCPTimeout
	// Sensor defaults
	c.shtAddress = DefaultSHTAddress
	c.adcAddress = DefaultADCAddress
	c.adcChannel = DefaultADCChannel
	c.voltageDivider = DefaultVoltageDivider
	// Persistence and power defaults
	c.storePath = DefaultStorePath
	c.namespace = DefaultNamespace
	c.sleep = DefaultSleepSeconds * time.Second
	c.sleepMode = DefaultSleepMode
	c.logLevel = DefaultLogLevel
}

// applyValues applies parsed key-value pairs to config.
func (c *Config) applyValues(values map[string]string) error {
	if v, ok := values[EnvDeviceName]; ok && v != "" {
		c.deviceName = v
	}
	if v, ok := values[EnvDeviceModel]; ok && v != "" {
		c.deviceModel = v
	}
	if v, ok := values[EnvDeviceUUID]; ok {
		c.deviceUUID = strings.TrimSpace(v)
	}

	// MQTT settings
	if v, ok := values[EnvMQTTHost]; ok && v != "" {
		c.mqttHost = v
	}
	if v, ok := values[EnvMQTTUser]; ok {
		c.mqttUser = v
	}
	if v, ok := values[EnvMQTTPass]; ok {
		c.mqttPass = v
	}
	if v, ok := values[EnvMQTTProtocol]; ok && v != "" {
		c.mqttProtocol = v
	}
	if v, ok := values[EnvMQTTDiscoveryPrefix]; ok && v != "" {
		c.mqttDiscoveryPrefix = v
	}
	if v, ok := values[EnvPublishPolicy]; ok && v != "" {
		c.publishPolicy = strings.ToLower(v)
	}

	// WiFi settings
	if v, ok := values[EnvWifiSSID]; ok {
		c.wifiSSID = v
	}
	if v, ok := values[EnvWifiPSK]; ok {
		c.wifiPSK = v
	}
	if v, ok := values[EnvWifiInterface]; ok && v != "" {
		c.wifiInterface = v
	}
	if v, ok := values[EnvWifiTxPower]; ok && v != "" {
		dbm, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvWifiTxPower, err)
		}
		c.wifiTxPower = dbm
	}

	// Durations are given in whole seconds
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{EnvMQTTTimeout, &c.mqttTimeout},
		{EnvWifiConnectTimeout, &c.wifiConnectTimeout},
		{EnvWifiDHCPTimeout, &c.wifiDHCPTimeout},
		{EnvSleepSeconds, &c.sleep},
	}
	for _, d := range durations {
		v, ok := values[d.key]
		if !ok || v == "" {
			continue
		}
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = time.Duration(seconds) * time.Second
	}

	// Sensors
	if v, ok := values[EnvSHTAddress]; ok && v != "" {
		addr, err := parseAddress(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvSHTAddress, err)
		}
		c.shtAddress = addr
	}
	if v, ok := values[EnvADCAddress]; ok && v != "" {
		addr, err := parseAddress(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvADCAddress, err)
		}
		c.adcAddress = addr
	}
	if v, ok := values[EnvADCChannel]; ok && v != "" {
		ch, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvADCChannel, err)
		}
		c.adcChannel = ch
	}
	if v, ok := values[EnvVoltageDivider]; ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvVoltageDivider, err)
		}
		c.voltageDivider = f
	}

	// Persistence and power
	if v, ok := values[EnvStorePath]; ok && v != "" {
		c.storePath = v
	}
	if v, ok := values[EnvNamespace]; ok && v != "" {
		c.namespace = v
	}
	if v, ok := values[EnvSleepMode]; ok && v != "" {
		c.sleepMode = strings.ToLower(v)
	}
	if v, ok := values[EnvLogLevel]; ok && v != "" {
		c.logLevel = v
	}

	return nil
}

// parseAddress accepts decimal or 0x-prefixed hex 7-bit I2C addresses.
func parseAddress(s string) (byte, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 0, 8)
	if err != nil {
		return 0, err
	}
	if n > 0x7f {
		return 0, fmt.Errorf("address 0x%02x out of 7-bit range", n)
	}
	return byte(n), nil
}

// validate checks if configuration is valid.
// An empty SSID passes; the WiFi connector reports it as a cycle failure.
func (c *Config) validate() error {
	if c.deviceName == "" || strings.ContainsAny(c.deviceName, "/+#") {
		return fmt.Errorf("invalid device name: %q", c.deviceName)
	}

	if c.deviceUUID != "" {
		if _, err := uuid.Parse(c.deviceUUID); err != nil {
			return fmt.Errorf("invalid device UUID %q: %w", c.deviceUUID, err)
		}
	}

	switch c.mqttProtocol {
	case ProtocolV311, ProtocolV5:
	default:
		return fmt.Errorf("unsupported MQTT protocol: %s", c.mqttProtocol)
	}

	switch c.publishPolicy {
	case PolicyAbort, PolicyBestEffort:
	default:
		return fmt.Errorf("unknown publish policy: %s", c.publishPolicy)
	}

	if c.mqttTimeout <= 0 || c.wifiConnectTimeout <= 0 || c.wifiDHCPTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}

	if c.wifiTxPower < 2 || c.wifiTxPower > 20 {
		return fmt.Errorf("WiFi tx power must be between 2 and 20 dBm, got %d", c.wifiTxPower)
	}

	if c.adcChannel < 0 || c.adcChannel > 3 {
		return fmt.Errorf("ADC channel must be between 0 and 3, got %d", c.adcChannel)
	}
	if c.voltageDivider <= 0 {
		return errors.New("voltage divider must be positive")
	}

	if c.namespace == "" {
		return errors.New("storage namespace cannot be empty")
	}
	if c.sleep < time.Second {
		return errors.New("sleep interval must be at least 1 second")
	}

	switch c.sleepMode {
	case "off", "mem", "standby", "disk", "none":
	default:
		return fmt.Errorf("unknown sleep mode: %s", c.sleepMode)
	}

	if _, err := ParseLogLevel(c.logLevel); err != nil {
		return err
	}

	return nil
}

// Getters

// FilePath returns the path the configuration was loaded from.
func (c *Config) FilePath() string { return c.filePath }

// DeviceName returns the device name used in topics and the HA device block.
func (c *Config) DeviceName() string { return c.deviceName }

// DeviceModel returns the model reported to Home Assistant.
func (c *Config) DeviceModel() string { return c.deviceModel }

// DeviceUUID returns the configured device UUID, empty if unset.
func (c *Config) DeviceUUID() string { return c.deviceUUID }

// MQTTHost returns the broker host, optionally with port.
func (c *Config) MQTTHost() string { return c.mqttHost }

// MQTTUser returns the MQTT username.
func (c *Config) MQTTUser() string { return c.mqttUser }

// MQTTPass returns the MQTT password.
func (c *Config) MQTTPass() string { return c.mqttPass }

// MQTTProtocol returns the MQTT protocol version to speak.
func (c *Config) MQTTProtocol() string { return c.mqttProtocol }

// MQTTDiscoveryPrefix returns the Home Assistant discovery prefix.
func (c *Config) MQTTDiscoveryPrefix() string { return c.mqttDiscoveryPrefix }

// MQTTTimeout bounds connect, publish and disconnect.
func (c *Config) MQTTTimeout() time.Duration { return c.mqttTimeout }

// PublishPolicy returns PolicyAbort or PolicyBestEffort.
func (c *Config) PublishPolicy() string { return c.publishPolicy }

// BrokerURL assembles mqtt://<user>:<pass>@<host>.
// Credentials are omitted when no user is configured.
func (c *Config) BrokerURL() string {
	u := url.URL{Scheme: "mqtt", Host: c.mqttHost}
	if c.mqttUser != "" {
		u.User = url.UserPassword(c.mqttUser, c.mqttPass)
	}
	return u.String()
}

// WifiSSID returns the network name to join.
func (c *Config) WifiSSID() string { return c.wifiSSID }

// WifiPSK returns the WiFi passphrase; empty selects an open network.
func (c *Config) WifiPSK() string { return c.wifiPSK }

// WifiInterface returns the wireless interface name.
func (c *Config) WifiInterface() string { return c.wifiInterface }

// WifiTxPower returns the transmit power cap in dBm.
func (c *Config) WifiTxPower() int { return c.wifiTxPower }

// WifiConnectTimeout bounds the association step.
func (c *Config) WifiConnectTimeout() time.Duration { return c.wifiConnectTimeout }

// WifiDHCPTimeout bounds the wait for an IP lease.
func (c *Config) WifiDHCPTimeout() time.Duration { return c.wifiDHCPTimeout }

// SHTAddress returns the SHT3x I2C address.
func (c *Config) SHTAddress() byte { return c.shtAddress }

// ADCAddress returns the ADS1115 I2C address.
func (c *Config) ADCAddress() byte { return c.adcAddress }

// ADCChannel returns the ADS1115 input wired to the battery divider.
func (c *Config) ADCChannel() int { return c.adcChannel }

// VoltageDivider returns the factor between battery and ADC voltage.
func (c *Config) VoltageDivider() float64 { return c.voltageDivider }

// StorePath returns the bbolt database path.
func (c *Config) StorePath() string { return c.storePath }

// Namespace returns the storage namespace of this node.
func (c *Config) Namespace() string { return c.namespace }

// Sleep returns the deep-sleep interval between cycles.
func (c *Config) Sleep() time.Duration { return c.sleep }

// SleepMode returns the rtcwake mode, or "none" to only exit.
func (c *Config) SleepMode() string { return c.sleepMode }

// LogLevel returns the configured log level name.
func (c *Config) LogLevel() string { return c.logLevel }

// String returns a string representation of the config (without secrets).
func (c *Config) String() string {
	passDisplay := "[not set]"
	if c.mqttPass != "" {
		passDisplay = "[set]"
	}
	pskDisplay := "[not set]"
	if c.wifiPSK != "" {
		pskDisplay = "[set]"
	}

	return fmt.Sprintf(
		"Config{Device: %q, MQTTHost: %q, MQTTUser: %q, MQTTPass: %s, Protocol: %s, SSID: %q, PSK: %s, Store: %q, Sleep: %v}",
		c.deviceName, c.mqttHost, c.mqttUser, passDisplay, c.mqttProtocol, c.wifiSSID, pskDisplay, c.storePath, c.sleep,
	)
}
