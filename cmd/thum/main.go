// Command thum runs one measure-publish-sleep cycle of a battery powered
// temperature/humidity node and exits.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/reef-pi/rpi/i2c"

	"thum/internal/buildinfo"
	"thum/internal/config"
	"thum/internal/cycle"
	"thum/internal/mqtt"
	"thum/internal/outcome"
	"thum/internal/power"
	"thum/internal/sensor"
	"thum/internal/storage"
	"thum/internal/wifi"
)

func main() {
	// Command line flags
	configPath := flag.String("config", "/etc/thum/thum.env", "Path to a .env or .yaml config file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	resetIdentity := flag.Bool("reset-identity", false, "Forget the generated device UUID before the cycle")
	flag.Parse()

	if *showVersion {
		fmt.Println(buildinfo.String())
		return
	}

	// A broken configuration still gets persisted and slept on
	cfg, cfgErr := config.Load(*configPath)
	if cfgErr != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", cfgErr)
		cfg = config.Default()
	}

	logger := config.NewLogger(os.Stderr, cfg.LogLevel())
	logger.Info("starting", "build", buildinfo.String(), "config_file", cfg.FilePath())
	logger.Debug("configuration loaded", "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, cfg, cfgErr, *resetIdentity, logger)
	stop()

	os.Exit(code)
}

// run wires the components and executes one cycle. It returns the process
// exit code. A non-nil cfgErr aborts the cycle after the outcome store and
// sleeper are set up from cfg.
func run(ctx context.Context, cfg *config.Config, cfgErr error, resetIdentity bool, logger *slog.Logger) int {
	// An unopenable store still lets the cycle publish and sleep
	var store storage.Storage
	bolt, err := storage.NewBoltStorage(cfg.StorePath())
	if err != nil {
		logger.Error("failed to open store", "path", cfg.StorePath(), "error", err)
		store = storage.Unavailable{Err: err}
	} else {
		store = bolt
	}
	defer store.Close()

	outcomes := outcome.NewStore(store, cfg.Namespace(), logger.With("component", "outcome"))
	sleeper := power.New(cfg.SleepMode(), logger.With("component", "power"))
	opts := cycle.Options{
		Sleep:         cfg.Sleep(),
		PublishPolicy: cfg.PublishPolicy(),
	}
	cycleLogger := logger.With("component", "cycle")

	abort := func(err error) int {
		cycle.New(cycle.Deps{Outcome: outcomes, Sleeper: sleeper}, opts, cycleLogger).Abort(ctx, err)
		return 1
	}
	if cfgErr != nil {
		return abort(cfgErr)
	}

	if resetIdentity {
		if err := mqtt.ResetDeviceID(store); err != nil {
			logger.Error("failed to reset device identity", "error", err)
		} else {
			logger.Info("device identity reset")
		}
	}

	deviceID, err := mqtt.ResolveDeviceID(store, cfg.DeviceUUID(), buildinfo.DeviceUUID)
	if err != nil {
		if deviceID == "" {
			logger.Error("failed to resolve device identity", "error", err)
			return abort(err)
		}
		logger.Warn("device identity is not persistent", "error", err)
	}

	var sensing sensor.Sensing
	bus, err := i2c.New()
	if err != nil {
		logger.Error("failed to open i2c bus", "error", err)
		sensing = sensor.Unavailable{Err: err}
	} else {
		board := sensor.NewBoard(bus, sensor.BoardConfig{
			SHTAddress: cfg.SHTAddress(),
			ADCAddress: cfg.ADCAddress(),
			ADCChannel: cfg.ADCChannel(),
		}, logger.With("component", "sensor"))
		defer board.Close()
		sensing = board
	}

	connector := wifi.NewConnector(
		wifi.NewNMRadio(cfg.WifiInterface(), nil),
		wifi.Credentials{SSID: cfg.WifiSSID(), Passphrase: cfg.WifiPSK()},
		wifi.Options{
			TxPower:        cfg.WifiTxPower(),
			ConnectTimeout: cfg.WifiConnectTimeout(),
			DHCPTimeout:    cfg.WifiDHCPTimeout(),
		},
		logger.With("component", "wifi"),
	)

	mqttLogger := logger.With("component", "mqtt")
	discovery := mqtt.NewDiscovery(cfg.MQTTDiscoveryPrefix(),
		mqtt.NewDeviceInfo(deviceID, cfg.DeviceName(), cfg.DeviceModel()))

	orchestrator := cycle.New(cycle.Deps{
		Outcome: outcomes,
		Sensing: sensing,
		Connector: cycle.ConnectorFunc(func(ctx context.Context) (cycle.Link, error) {
			link, err := connector.Connect(ctx)
			if err != nil {
				return nil, err
			}
			return link, nil
		}),
		Dial: func(ctx context.Context) (cycle.Publisher, error) {
			transport, err := mqtt.Dial(ctx, mqtt.Config{
				Broker:   cfg.BrokerURL(),
				ClientID: cfg.DeviceName() + "-" + deviceID[:8],
				Protocol: cfg.MQTTProtocol(),
				Timeout:  cfg.MQTTTimeout(),
			}, mqttLogger)
			if err != nil {
				return nil, err
			}
			return mqtt.NewPublisher(transport, discovery, cfg.VoltageDivider(), mqttLogger), nil
		},
		Sleeper: sleeper,
	}, opts, cycleLogger)

	report := orchestrator.Run(ctx)
	logger.Info("cycle done", "previous", report.Previous, "outcome", report.Outcome)

	if report.Err != nil {
		return 1
	}
	return 0
}
