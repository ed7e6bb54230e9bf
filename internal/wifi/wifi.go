// Package wifi joins the node to its configured WiFi network in a single,
// linear attempt and exposes the resulting link.
package wifi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// ErrMissingSSID is returned before any radio call when no SSID is configured.
var ErrMissingSSID = errors.New("missing WiFi name")

// AuthMethod selects how the station authenticates.
type AuthMethod int

const (
	AuthOpen AuthMethod = iota
	AuthWPA2Personal
)

func (a AuthMethod) String() string {
	switch a {
	case AuthOpen:
		return "open"
	case AuthWPA2Personal:
		return "wpa2-personal"
	default:
		return fmt.Sprintf("AuthMethod(%d)", int(a))
	}
}

// Credentials identify the network to join.
type Credentials struct {
	SSID       string
	Passphrase string
}

// Auth returns AuthOpen for an empty passphrase, WPA2-Personal otherwise.
func (c Credentials) Auth() AuthMethod {
	if c.Passphrase == "" {
		return AuthOpen
	}
	return AuthWPA2Personal
}

// AccessPoint is one scan result.
type AccessPoint struct {
	SSID    string
	BSSID   string
	Channel int
	Signal  int // percent, as reported by the driver
}

// ClientConfig is applied to the radio before connecting.
// Channel 0 means unspecified.
type ClientConfig struct {
	SSID     string
	Password string
	Channel  int
	Auth     AuthMethod
}

// IPInfo describes the lease obtained after association.
type IPInfo struct {
	Interface string
	IP        net.IP
	Mask      net.IPMask
}

func (i IPInfo) String() string {
	if i.IP == nil {
		return i.Interface + ": no address"
	}
	ones, _ := i.Mask.Size()
	return fmt.Sprintf("%s: %s/%d", i.Interface, i.IP, ones)
}

// Radio is the station-mode WiFi driver. Every call blocks until the
// driver finishes or ctx ends.
type Radio interface {
	Init(ctx context.Context) error
	SetMaxTxPower(ctx context.Context, dbm int) error
	Start(ctx context.Context) error
	Scan(ctx context.Context) ([]AccessPoint, error)
	Configure(ctx context.Context, cfg ClientConfig) error
	Connect(ctx context.Context) error
	WaitNetifUp(ctx context.Context) (IPInfo, error)
	RSSI() (int, error)
	IsUp() (bool, error)
}

// Stage names one step of the connection sequence.
type Stage string

const (
	StageInit      Stage = "init"
	StageStart     Stage = "start"
	StageScan      Stage = "scan"
	StageConfigure Stage = "configure"
	StageConnect   Stage = "connect"
	StageDHCP      Stage = "dhcp"
)

// StageError is a failure of one connection stage.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

// Options tune the connection sequence.
type Options struct {
	TxPower        int // dBm
	ConnectTimeout time.Duration
	DHCPTimeout    time.Duration
}

// Connector runs the connection sequence against a Radio.
type Connector struct {
	radio  Radio
	creds  Credentials
	opts   Options
	logger *slog.Logger
}

// NewConnector creates a Connector. The radio is owned by the returned Link
// once Connect succeeds.
func NewConnector(radio Radio, creds Credentials, opts Options, logger *slog.Logger) *Connector {
	return &Connector{
		radio:  radio,
		creds:  creds,
		opts:   opts,
		logger: logger,
	}
}

// Connect performs init, start, scan, configure, connect and DHCP wait
// exactly once each, in that order.
func (c *Connector) Connect(ctx context.Context) (*Link, error) {
	if c.creds.SSID == "" {
		return nil, ErrMissingSSID
	}
	auth := c.creds.Auth()

	if err := c.radio.Init(ctx); err != nil {
		return nil, &StageError{Stage: StageInit, Err: err}
	}
	if c.opts.TxPower > 0 {
		if err := c.radio.SetMaxTxPower(ctx, c.opts.TxPower); err != nil {
			c.logger.Warn("failed to cap tx power", "dbm", c.opts.TxPower, "error", err)
		}
	}

	if err := c.radio.Start(ctx); err != nil {
		return nil, &StageError{Stage: StageStart, Err: err}
	}
	c.logger.Info("wifi started")

	c.logger.Info("scanning", "ssid", c.creds.SSID)
	aps, err := c.radio.Scan(ctx)
	if err != nil {
		return nil, &StageError{Stage: StageScan, Err: err}
	}

	channel := 0
	if ap, ok := findAccessPoint(aps, c.creds.SSID); ok {
		channel = ap.Channel
		c.logger.Info("found access point", "ssid", ap.SSID, "channel", ap.Channel, "signal", ap.Signal)
	} else {
		c.logger.Info("access point not found in scan, connecting with unknown channel", "ssid", c.creds.SSID)
	}

	cfg := ClientConfig{
		SSID:     c.creds.SSID,
		Password: c.creds.Passphrase,
		Channel:  channel,
		Auth:     auth,
	}
	if err := c.radio.Configure(ctx, cfg); err != nil {
		return nil, &StageError{Stage: StageConfigure, Err: err}
	}

	c.logger.Info("connecting", "ssid", cfg.SSID, "auth", cfg.Auth)
	if err := c.withTimeout(ctx, c.opts.ConnectTimeout, c.radio.Connect); err != nil {
		return nil, &StageError{Stage: StageConnect, Err: err}
	}

	var info IPInfo
	err = c.withTimeout(ctx, c.opts.DHCPTimeout, func(ctx context.Context) error {
		var err error
		info, err = c.radio.WaitNetifUp(ctx)
		return err
	})
	if err != nil {
		return nil, &StageError{Stage: StageDHCP, Err: err}
	}
	c.logger.Info("wifi connected", "ip", info.String())

	return &Link{radio: c.radio, info: info}, nil
}

func (c *Connector) withTimeout(ctx context.Context, d time.Duration, fn func(context.Context) error) error {
	if d <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return fn(ctx)
}

// findAccessPoint returns the strongest scan result advertising ssid.
func findAccessPoint(aps []AccessPoint, ssid string) (AccessPoint, bool) {
	var best AccessPoint
	found := false
	for _, ap := range aps {
		if ap.SSID != ssid {
			continue
		}
		if !found || ap.Signal > best.Signal {
			best = ap
			found = true
		}
	}
	return best, found
}

// Link is an established station connection.
type Link struct {
	radio Radio
	info  IPInfo
}

// RSSI returns the current signal strength in dBm.
func (l *Link) RSSI() (int, error) { return l.radio.RSSI() }

// IsUp reports whether the interface still holds its lease.
func (l *Link) IsUp() (bool, error) { return l.radio.IsUp() }
