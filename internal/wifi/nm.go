package wifi

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const (
	procWireless   = "/proc/net/wireless"
	netifPollEvery = 250 * time.Millisecond
)

// CommandRunner runs an external command and returns its stdout.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec. Stderr is folded into the error.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return out, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// NMRadio drives a wireless interface through NetworkManager (nmcli) and iw.
type NMRadio struct {
	Interface  string
	Connection string // NetworkManager profile name

	run          CommandRunner
	wirelessPath string
	linkState    func(name string) (up bool, addrs []net.Addr, err error)
}

// NewNMRadio creates a radio for iface. A nil runner selects ExecRunner.
func NewNMRadio(iface string, run CommandRunner) *NMRadio {
	if run == nil {
		run = ExecRunner
	}
	return &NMRadio{
		Interface:    iface,
		Connection:   "thum-" + iface,
		run:          run,
		wirelessPath: procWireless,
		linkState:    interfaceState,
	}
}

// Init turns the WiFi radio on and checks that the interface exists.
func (r *NMRadio) Init(ctx context.Context) error {
	if _, err := r.run(ctx, "nmcli", "radio", "wifi", "on"); err != nil {
		return err
	}
	if _, _, err := r.linkState(r.Interface); err != nil {
		return fmt.Errorf("interface %s: %w", r.Interface, err)
	}
	return nil
}

// SetMaxTxPower caps the transmit power. iw takes mBm.
func (r *NMRadio) SetMaxTxPower(ctx context.Context, dbm int) error {
	_, err := r.run(ctx, "iw", "dev", r.Interface, "set", "txpower", "limit", strconv.Itoa(dbm*100))
	return err
}

// Start hands the interface to NetworkManager.
func (r *NMRadio) Start(ctx context.Context) error {
	_, err := r.run(ctx, "nmcli", "device", "set", r.Interface, "managed", "yes")
	return err
}

// Scan triggers a rescan and lists visible access points.
func (r *NMRadio) Scan(ctx context.Context) ([]AccessPoint, error) {
	out, err := r.run(ctx, "nmcli", "-t", "-f", "SSID,BSSID,CHAN,SIGNAL",
		"device", "wifi", "list", "ifname", r.Interface, "--rescan", "yes")
	if err != nil {
		return nil, err
	}
	return parseScan(out)
}

// Configure replaces the node's connection profile with cfg.
func (r *NMRadio) Configure(ctx context.Context, cfg ClientConfig) error {
	// The profile may not exist yet
	_, _ = r.run(ctx, "nmcli", "connection", "delete", r.Connection)

	args := []string{
		"connection", "add", "type", "wifi",
		"con-name", r.Connection,
		"ifname", r.Interface,
		"ssid", cfg.SSID,
		"connection.autoconnect", "no",
		"ipv4.method", "auto",
	}
	if cfg.Channel > 0 {
		band := "bg"
		if cfg.Channel > 14 {
			band = "a"
		}
		args = append(args,
			"802-11-wireless.band", band,
			"802-11-wireless.channel", strconv.Itoa(cfg.Channel))
	}
	if cfg.Auth == AuthWPA2Personal {
		args = append(args,
			"wifi-sec.key-mgmt", "wpa-psk",
			"wifi-sec.psk", cfg.Password)
	}

	_, err := r.run(ctx, "nmcli", args...)
	return err
}

// Connect activates the profile and blocks until association completes.
func (r *NMRadio) Connect(ctx context.Context) error {
	args := []string{"connection", "up", r.Connection, "ifname", r.Interface}
	if deadline, ok := ctx.Deadline(); ok {
		secs := int(math.Ceil(time.Until(deadline).Seconds()))
		if secs < 1 {
			secs = 1
		}
		args = append([]string{"--wait", strconv.Itoa(secs)}, args...)
	}
	_, err := r.run(ctx, "nmcli", args...)
	return err
}

// WaitNetifUp polls the interface until it carries an IPv4 address.
func (r *NMRadio) WaitNetifUp(ctx context.Context) (IPInfo, error) {
	ticker := time.NewTicker(netifPollEvery)
	defer ticker.Stop()

	for {
		up, addrs, err := r.linkState(r.Interface)
		if err != nil {
			return IPInfo{}, err
		}
		if up {
			if ipnet := firstIPv4(addrs); ipnet != nil {
				return IPInfo{Interface: r.Interface, IP: ipnet.IP, Mask: ipnet.Mask}, nil
			}
		}

		select {
		case <-ctx.Done():
			return IPInfo{}, fmt.Errorf("waiting for address on %s: %w", r.Interface, ctx.Err())
		case <-ticker.C:
		}
	}
}

// RSSI reads the signal level of the interface from /proc/net/wireless.
func (r *NMRadio) RSSI() (int, error) {
	data, err := os.ReadFile(r.wirelessPath)
	if err != nil {
		return 0, err
	}
	return parseWireless(data, r.Interface)
}

// IsUp reports whether the interface is up with an IPv4 address.
func (r *NMRadio) IsUp() (bool, error) {
	up, addrs, err := r.linkState(r.Interface)
	if err != nil {
		return false, err
	}
	return up && firstIPv4(addrs) != nil, nil
}

func interfaceState(name string) (bool, []net.Addr, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return false, nil, err
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return false, nil, err
	}
	return iface.Flags&net.FlagUp != 0, addrs, nil
}

func firstIPv4(addrs []net.Addr) *net.IPNet {
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return &net.IPNet{IP: ip4, Mask: ipnet.Mask}
		}
	}
	return nil
}

// parseScan parses terse nmcli output: SSID:BSSID:CHAN:SIGNAL per line,
// with literal colons escaped as "\:".
func parseScan(out []byte) ([]AccessPoint, error) {
	var aps []AccessPoint
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := splitTerse(line)
		if len(fields) != 4 {
			return nil, fmt.Errorf("unexpected scan line %q", line)
		}
		channel, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("scan channel %q: %w", fields[2], err)
		}
		signal, _ := strconv.Atoi(fields[3])
		aps = append(aps, AccessPoint{
			SSID:    fields[0],
			BSSID:   fields[1],
			Channel: channel,
			Signal:  signal,
		})
	}
	return aps, scanner.Err()
}

// splitTerse splits one line of nmcli -t output on unescaped colons.
func splitTerse(line string) []string {
	var fields []string
	var cur strings.Builder
	for i := 0; i < len(line); i++ {
		switch c := line[i]; {
		case c == '\\' && i+1 < len(line):
			i++
			cur.WriteByte(line[i])
		case c == ':':
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	return append(fields, cur.String())
}

var errNoWirelessEntry = errors.New("interface not listed in /proc/net/wireless")

// parseWireless extracts the signal level (dBm) of iface.
//
//	Inter-| sta-|   Quality        |   Discarded packets ...
//	 face | tus | link level noise |  nwid  crypt ...
//	wlan0: 0000   70.  -40.  -256        0      0 ...
func parseWireless(data []byte, iface string) (int, error) {
	for _, line := range strings.Split(string(data), "\n") {
		name, rest, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok || name != iface {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) < 3 {
			return 0, fmt.Errorf("short wireless entry for %s", iface)
		}
		level, err := strconv.ParseFloat(strings.TrimSuffix(fields[2], "."), 64)
		if err != nil {
			return 0, fmt.Errorf("wireless level %q: %w", fields[2], err)
		}
		return int(level), nil
	}
	return 0, fmt.Errorf("%s: %w", iface, errNoWirelessEntry)
}
