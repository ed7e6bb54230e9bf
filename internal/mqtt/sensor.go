package mqtt

import "thum/internal/buildinfo"

// Channel describes one Home Assistant entity published by the node.
type Channel struct {
	ID          string // topic segment and unique_id suffix
	Name        string // display name
	DeviceClass string // temperature, humidity, voltage, signal_strength
	StateClass  string // measurement
	Unit        string // °C, %, V, dBm
}

// Channels published every cycle
var (
	ChannelTemperature = Channel{
		ID:          "temperature",
		Name:        "Temperature",
		DeviceClass: "temperature",
		StateClass:  "measurement",
		Unit:        "°C",
	}
	ChannelHumidity = Channel{
		ID:          "humidity",
		Name:        "Humidity",
		DeviceClass: "humidity",
		StateClass:  "measurement",
		Unit:        "%",
	}
	ChannelVoltage = Channel{
		ID:          "voltage",
		Name:        "Voltage",
		DeviceClass: "voltage",
		StateClass:  "measurement",
		Unit:        "V",
	}
	ChannelRSSI = Channel{
		ID:          "rssi",
		Name:        "Rssi",
		DeviceClass: "signal_strength",
		StateClass:  "measurement",
		Unit:        "dBm",
	}
	// ChannelResult carries the outcome of the previous cycle. It is
	// announced with a command discovery instead of a sensor discovery.
	ChannelResult = Channel{
		ID:   "result",
		Name: "Result",
	}
)

// DeviceInfo groups all entities of the node under one Home Assistant device.
type DeviceInfo struct {
	Identifiers string `json:"identifiers"`
	Name        string `json:"name"`
	Model       string `json:"model"`
	SWVersion   string `json:"sw_version,omitempty"`
}

// NewDeviceInfo creates a DeviceInfo from the device UUID, name and model.
func NewDeviceInfo(deviceID, name, model string) DeviceInfo {
	return DeviceInfo{
		Identifiers: deviceID,
		Name:        name,
		Model:       model,
		SWVersion:   buildinfo.Version,
	}
}
