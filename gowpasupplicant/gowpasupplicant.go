// dmxwifi/gowpasupplicant/gowpasupplicant.go
package gowpasupplicant

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"dmxwifi/wpaconf"
)

// --- wpa_cli replies and status fields ---
const (
	replyOK       = "OK"
	replyFailBusy = "FAIL-BUSY"

	statusFieldState = "wpa_state"
	statusFieldSSID  = "ssid"
	statusFieldBSSID = "bssid"

	StateCompleted = "COMPLETED"

	// wpa_cli prints this instead of failing with a useful exit status when
	// the daemon's control socket is absent.
	noCtrlIfaceMarker = "Failed to connect to non-global ctrl_ifname"
	// Interactive wpa_cli retries forever with this line instead.
	noDaemonMarker = "Could not connect to wpa_supplicant"

	eventScanResults = "CTRL-EVENT-SCAN-RESULTS"
	eventScanFailed  = "CTRL-EVENT-SCAN-FAILED"
)

var (
	// ErrUnavailable means wpa_cli could not reach wpa_supplicant at all.
	ErrUnavailable = errors.New("wpa_supplicant control interface unavailable")
	// ErrInvalidSecret means a secret is neither empty, an 8-63 character
	// passphrase, nor a 64 hex digit PSK.
	ErrInvalidSecret = errors.New("secret is not a valid WPA passphrase or PSK")
)

// --- Type Definitions ---

// ScanRecord is one row of `wpa_cli scan_results`. Signal is kept as text; the
// scan package owns its interpretation. SSIDs crossing this package's API are
// always raw bytes, never wpa_cli's escaped form.
type ScanRecord struct {
	BSSID     string
	Frequency string
	Signal    string
	Flags     string
	SSID      string
}

// ConfiguredNetwork is one row of `wpa_cli list_networks`.
type ConfiguredNetwork struct {
	ID    int
	SSID  string
	BSSID string
	Flags string
}

// Handle names a network block inside wpa_supplicant.
type Handle struct {
	ID   int
	SSID string
}

// Status is the subset of `wpa_cli status` the librarian cares about.
type Status struct {
	State string
	SSID  string
	BSSID string
}

// Connected reports whether the daemon finished associating with ssid.
func (s Status) Connected(ssid string) bool {
	return s.State == StateCompleted && s.SSID == ssid
}

// RunFunc executes a program and returns its standard output unmodified.
type RunFunc func(ctx context.Context, name string, args ...string) (string, error)

// Options configure a Client.
type Options struct {
	Binary    string
	Interface string
	Socket    string
	Logger    *zap.Logger
	// Run replaces process execution, for tests.
	Run RunFunc
}

// Client talks to wpa_supplicant through one wpa_cli process per command.
type Client struct {
	binary string
	iface  string
	socket string
	run    RunFunc
	logger *zap.Logger
}

// New builds a Client, filling in the stock wpa_cli defaults.
func New(opts Options) *Client {
	c := &Client{
		binary: opts.Binary,
		iface:  opts.Interface,
		socket: opts.Socket,
		run:    opts.Run,
		logger: opts.Logger,
	}
	if c.binary == "" {
		c.binary = "/usr/sbin/wpa_cli"
	}
	if c.iface == "" {
		c.iface = "wlan0"
	}
	if c.socket == "" {
		c.socket = "/var/run/wpa_supplicant"
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.run == nil {
		c.run = c.execRun
	}
	return c
}

// --- Core wpa_cli Interaction ---

func (c *Client) execRun(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	stderrStr := strings.TrimSpace(stderr.String())
	// SSIDs are the last scan_results column and may end in spaces.
	stdoutStr := stdout.String()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if stderrStr != "" {
			return stdoutStr, fmt.Errorf("%s failed: %s (underlying error: %w)", name, stderrStr, err)
		}
		return stdoutStr, fmt.Errorf("%s failed: %w", name, err)
	}
	if stderrStr != "" {
		c.logger.Debug("wpa_cli wrote to stderr", zap.String("stderr", stderrStr))
	}
	return stdoutStr, nil
}

func (c *Client) cli(ctx context.Context, args ...string) (string, error) {
	full := append([]string{"-i", c.iface, "-p", c.socket}, args...)
	c.logger.Debug("executing wpa_cli command", zap.String("binary", c.binary), zap.Strings("args", full))
	out, err := c.run(ctx, c.binary, full...)
	if strings.Contains(out, noCtrlIfaceMarker) {
		return "", fmt.Errorf("%w: %s", ErrUnavailable, firstLine(out))
	}
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return "", err
		}
		return out, fmt.Errorf("wpa_cli %s: %w", strings.Join(args, " "), err)
	}
	return out, nil
}

// cliOK runs a command whose only successful reply is OK.
func (c *Client) cliOK(ctx context.Context, args ...string) error {
	out, err := c.cli(ctx, args...)
	if err != nil {
		return err
	}
	if reply := lastLine(out); reply != replyOK {
		return fmt.Errorf("wpa_cli %s: unexpected reply %q", args[0], reply)
	}
	return nil
}

// --- Public API Functions ---

// TriggerScan asks the daemon for a fresh scan. A daemon that is already
// scanning answers FAIL-BUSY, which is treated as success.
func (c *Client) TriggerScan(ctx context.Context) error {
	out, err := c.cli(ctx, "scan")
	if err != nil {
		return err
	}
	switch reply := lastLine(out); reply {
	case replyOK:
		return nil
	case replyFailBusy:
		c.logger.Debug("scan already in progress")
		return nil
	default:
		return fmt.Errorf("wpa_cli scan: unexpected reply %q", reply)
	}
}

// AwaitScan requests a scan through an interactive wpa_cli session and blocks
// until the daemon reports it finished, failed, or ctx ends. A FAIL-BUSY
// reply still waits, since the running scan emits the same event.
func (c *Client) AwaitScan(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	args := []string{"-i", c.iface, "-p", c.socket}
	cmd := exec.CommandContext(ctx, c.binary, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("wpa_cli stdin: %w", err)
	}
	out, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("wpa_cli output pipe: %w", err)
	}
	defer out.Close()
	cmd.Stdout = w
	cmd.Stderr = w

	c.logger.Debug("starting interactive wpa_cli", zap.String("binary", c.binary), zap.Strings("args", args))
	err = cmd.Start()
	w.Close()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return fmt.Errorf("%s failed: %w", c.binary, err)
	}
	defer func() {
		_, _ = io.WriteString(stdin, "quit\n")
		stdin.Close()
		cancel()
		_ = cmd.Wait()
	}()

	// The child may already be gone; its output still says why.
	_, writeErr := io.WriteString(stdin, "scan\n")

	lines := bufio.NewScanner(out)
	for lines.Scan() {
		line := lines.Text()
		switch {
		case strings.Contains(line, eventScanResults):
			c.logger.Debug("scan finished")
			return nil
		case strings.Contains(line, eventScanFailed):
			return fmt.Errorf("wpa_cli scan: %s", eventScanFailed)
		case strings.Contains(line, noCtrlIfaceMarker), strings.Contains(line, noDaemonMarker):
			return fmt.Errorf("%w: %s", ErrUnavailable, strings.TrimSpace(line))
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if writeErr != nil {
		return fmt.Errorf("wpa_cli scan: %w", writeErr)
	}
	return fmt.Errorf("wpa_cli exited before the scan finished")
}

// ScanResults returns the daemon's current scan table.
func (c *Client) ScanResults(ctx context.Context) ([]ScanRecord, error) {
	out, err := c.cli(ctx, "scan_results")
	if err != nil {
		return nil, err
	}
	return ParseScanResults(out), nil
}

// ListNetworks returns the network blocks configured in the daemon.
func (c *Client) ListNetworks(ctx context.Context) ([]ConfiguredNetwork, error) {
	out, err := c.cli(ctx, "list_networks")
	if err != nil {
		return nil, err
	}
	return ParseListNetworks(out), nil
}

// AddNetwork returns a handle for ssid, reusing an existing network block
// with the same SSID so repeated joins do not pile up duplicates.
func (c *Client) AddNetwork(ctx context.Context, ssid string) (Handle, error) {
	nets, err := c.ListNetworks(ctx)
	if err != nil {
		return Handle{}, err
	}
	for _, n := range nets {
		if n.SSID == ssid {
			c.logger.Debug("reusing configured network", zap.Int("id", n.ID), zap.String("ssid", ssid))
			return Handle{ID: n.ID, SSID: ssid}, nil
		}
	}

	out, err := c.cli(ctx, "add_network")
	if err != nil {
		return Handle{}, err
	}
	id, err := strconv.Atoi(lastLine(out))
	if err != nil {
		return Handle{}, fmt.Errorf("wpa_cli add_network: unexpected reply %q", lastLine(out))
	}
	h := Handle{ID: id, SSID: ssid}
	if err := c.cliOK(ctx, "set_network", strconv.Itoa(id), "ssid", hex.EncodeToString([]byte(ssid))); err != nil {
		return Handle{}, err
	}
	return h, nil
}

// SetSecret configures the credential of h. An empty secret makes it an open
// network.
func (c *Client) SetSecret(ctx context.Context, h Handle, secret string) error {
	id := strconv.Itoa(h.ID)
	if secret == "" {
		return c.cliOK(ctx, "set_network", id, "key_mgmt", "NONE")
	}
	psk, err := pskFor(h.SSID, secret)
	if err != nil {
		return err
	}
	if err := c.cliOK(ctx, "set_network", id, "key_mgmt", "WPA-PSK"); err != nil {
		return err
	}
	return c.cliOK(ctx, "set_network", id, "psk", psk)
}

// SelectAndEnable makes h the only enabled network, which starts association.
func (c *Client) SelectAndEnable(ctx context.Context, h Handle) error {
	return c.cliOK(ctx, "select_network", strconv.Itoa(h.ID))
}

// Status queries the daemon's association state.
func (c *Client) Status(ctx context.Context) (Status, error) {
	out, err := c.cli(ctx, "status")
	if err != nil {
		return Status{}, err
	}
	return ParseStatus(out), nil
}

// Reconfigure makes the daemon reload its configuration file.
func (c *Client) Reconfigure(ctx context.Context) error {
	return c.cliOK(ctx, "reconfigure")
}

func pskFor(ssid, secret string) (string, error) {
	if wpaconf.IsHexPSK(secret) {
		return secret, nil
	}
	psk, err := wpaconf.PSK(ssid, secret)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	return psk, nil
}

// --- Parsing ---

// ParseScanResults parses `wpa_cli scan_results`. The header line and rows
// with too few columns are skipped; the SSID is everything after the fourth
// tab.
func ParseScanResults(output string) []ScanRecord {
	var records []ScanRecord
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		parts := strings.SplitN(line, "\t", 5)
		if len(parts) < 4 || !looksLikeBSSID(parts[0]) {
			continue
		}
		rec := ScanRecord{
			BSSID:     parts[0],
			Frequency: parts[1],
			Signal:    parts[2],
			Flags:     parts[3],
		}
		if len(parts) == 5 {
			rec.SSID = DecodeSSID(parts[4])
		}
		records = append(records, rec)
	}
	return records
}

// ParseListNetworks parses `wpa_cli list_networks`.
func ParseListNetworks(output string) []ConfiguredNetwork {
	var nets []ConfiguredNetwork
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		parts := strings.Split(strings.TrimRight(scanner.Text(), "\r"), "\t")
		if len(parts) < 2 {
			continue
		}
		id, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			continue
		}
		n := ConfiguredNetwork{ID: id, SSID: DecodeSSID(parts[1])}
		if len(parts) > 2 {
			n.BSSID = parts[2]
		}
		if len(parts) > 3 {
			n.Flags = parts[3]
		}
		nets = append(nets, n)
	}
	return nets
}

// ParseStatus parses the key=value lines of `wpa_cli status`.
func ParseStatus(output string) Status {
	var st Status
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		key, val, ok := strings.Cut(strings.TrimRight(scanner.Text(), "\r"), "=")
		if !ok {
			continue
		}
		switch key {
		case statusFieldState:
			st.State = val
		case statusFieldSSID:
			st.SSID = DecodeSSID(val)
		case statusFieldBSSID:
			st.BSSID = val
		}
	}
	return st
}

// DecodeSSID undoes the escaping wpa_cli applies to SSIDs in its tables
// (backslash escapes and \xNN for unprintable bytes), returning raw bytes.
func DecodeSSID(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch != '\\' || i+1 == len(s) {
			b.WriteByte(ch)
			continue
		}
		i++
		switch s[i] {
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case 'e':
			b.WriteByte(0x1b)
		case 'x':
			if i+2 < len(s) {
				if v, err := strconv.ParseUint(s[i+1:i+3], 16, 8); err == nil {
					b.WriteByte(byte(v))
					i += 2
					continue
				}
			}
			b.WriteString("\\x")
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

func looksLikeBSSID(s string) bool {
	if len(s) != 17 {
		return false
	}
	for i, r := range s {
		if i%3 == 2 {
			if r != ':' {
				return false
			}
			continue
		}
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return strings.TrimSpace(line)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
