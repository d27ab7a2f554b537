package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"dmxwifi/credstore"
	"dmxwifi/wpaconf"
)

// reconfigurer asks the daemon to re-read its configuration file.
type reconfigurer interface {
	Reconfigure(ctx context.Context) error
}

// dhcpHook runs the configured DHCP command after a join, with SUDO_ASKPASS
// set when an askpass program is configured.
func dhcpHook(cfg Config, logger *zap.Logger) func(ctx context.Context, ssid string) error {
	if len(cfg.DHCPCommand) == 0 {
		return nil
	}
	argv := append([]string(nil), cfg.DHCPCommand...)
	return func(ctx context.Context, ssid string) error {
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		if cfg.Askpass != "" {
			cmd.Env = append(os.Environ(), "SUDO_ASKPASS="+cfg.Askpass)
		}
		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		logger.Debug("executing dhcp command", zap.Strings("argv", argv), zap.String("ssid", ssid))
		if err := cmd.Run(); err != nil {
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				return fmt.Errorf("%s failed: %s (underlying error: %w)", argv[0], msg, err)
			}
			return fmt.Errorf("%s failed: %w", argv[0], err)
		}
		return nil
	}
}

// exportHook rewrites the wpa_supplicant.conf export and asks the daemon to
// reload it. Entries whose secret cannot become a PSK are left out of the
// export; a failed reload is only logged since the library is already saved.
func exportHook(cfg Config, daemon reconfigurer, logger *zap.Logger) func(ctx context.Context, lib credstore.Library) error {
	if cfg.WpaConf == "" {
		return nil
	}
	opts := wpaconf.Options{CtrlInterface: cfg.WpaSocket, Group: cfg.Group}
	return func(ctx context.Context, lib credstore.Library) error {
		networks := exportable(lib, logger)
		if err := wpaconf.Write(cfg.WpaConf, opts, networks); err != nil {
			return fmt.Errorf("export %s: %w", cfg.WpaConf, err)
		}
		logger.Debug("exported wpa_supplicant config", zap.String("path", cfg.WpaConf), zap.Int("networks", len(networks)))
		if err := daemon.Reconfigure(ctx); err != nil {
			logger.Warn("wpa_supplicant reconfigure failed", zap.Error(err))
		}
		return nil
	}
}

func exportable(lib credstore.Library, logger *zap.Logger) []wpaconf.Network {
	var networks []wpaconf.Network
	for _, id := range lib.Identifiers() {
		if id == "" {
			continue
		}
		secret := lib[id]
		if secret != "" && !wpaconf.IsHexPSK(secret) {
			if _, err := wpaconf.PSK(id, secret); err != nil {
				logger.Warn("not exporting network", zap.String("ssid", id), zap.Error(err))
				continue
			}
		}
		networks = append(networks, wpaconf.Network{SSID: id, Secret: secret})
	}
	return networks
}
