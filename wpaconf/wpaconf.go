// Package wpaconf derives WPA pre-shared keys and renders the credential
// library as a wpa_supplicant configuration file.
package wpaconf

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"
	"golang.org/x/crypto/pbkdf2"
)

const (
	pskIterations = 4096
	pskBytes      = 32
	minPassphrase = 8
	maxPassphrase = 63
)

// PSK derives the 256-bit WPA pre-shared key for ssid and passphrase, the
// same value wpa_passphrase prints, as 64 hex digits.
func PSK(ssid, passphrase string) (string, error) {
	if n := len(passphrase); n < minPassphrase || n > maxPassphrase {
		return "", fmt.Errorf("passphrase must be %d-%d characters, got %d", minPassphrase, maxPassphrase, n)
	}
	for _, r := range passphrase {
		if r < 32 || r > 126 {
			return "", fmt.Errorf("passphrase must be printable ASCII")
		}
	}
	key := pbkdf2.Key([]byte(passphrase), []byte(ssid), pskIterations, pskBytes, sha1.New)
	return hex.EncodeToString(key), nil
}

// IsHexPSK reports whether s is already a raw 64 hex digit PSK.
func IsHexPSK(s string) bool {
	if len(s) != 2*pskBytes {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// Network is one network block of the exported file.
type Network struct {
	SSID   string
	Secret string
}

// Options are the global settings written at the top of the file.
type Options struct {
	CtrlInterface string
	Group         string
}

// Render produces wpa_supplicant.conf text. Networks with an empty secret
// are written as open networks; invalid secrets are reported, not skipped.
func Render(opts Options, networks []Network) (string, error) {
	var b strings.Builder
	b.WriteString("update_config=1\n")
	if opts.CtrlInterface != "" {
		fmt.Fprintf(&b, "ctrl_interface=DIR=%s", opts.CtrlInterface)
		if opts.Group != "" {
			fmt.Fprintf(&b, " GROUP=%s", opts.Group)
		}
		b.WriteByte('\n')
	}
	for _, n := range networks {
		b.WriteString("\nnetwork={\n")
		fmt.Fprintf(&b, "\tssid=%s\n", hex.EncodeToString([]byte(n.SSID)))
		switch {
		case n.Secret == "":
			b.WriteString("\tkey_mgmt=NONE\n")
		case IsHexPSK(n.Secret):
			fmt.Fprintf(&b, "\tpsk=%s\n", strings.ToLower(n.Secret))
		default:
			psk, err := PSK(n.SSID, n.Secret)
			if err != nil {
				return "", fmt.Errorf("network %q: %w", n.SSID, err)
			}
			fmt.Fprintf(&b, "\tpsk=%s\n", psk)
		}
		b.WriteString("}\n")
	}
	return b.String(), nil
}

// Write renders and atomically replaces the file at path with mode 0600.
func Write(path string, opts Options, networks []Network) error {
	text, err := Render(opts, networks)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	if err := atomic.WriteFile(path, strings.NewReader(text)); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return os.Chmod(path, 0o600)
}
