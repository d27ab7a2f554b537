package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	configEnv     = "DMXWIFI_CONFIG"
	configName    = "dmxwifi.toml"
	libraryName   = "dmxwifi_lib"
	envPrefix     = "DMXWIFI"
	minPollPeriod = 10 * time.Millisecond
)

// Config is the merged result of defaults, the toml file, DMXWIFI_* env
// variables and flags, in increasing priority.
type Config struct {
	Interface string `mapstructure:"interface"`
	Library   string `mapstructure:"library"`
	WpaSocket string `mapstructure:"wpa_socket"`
	WpaCli    string `mapstructure:"wpa_cli"`
	// WpaConf is the optional wpa_supplicant.conf export; empty disables it.
	WpaConf string `mapstructure:"wpa_conf"`
	Group   string `mapstructure:"group"`

	// DHCPCommand runs after a successful join. Dhclient is the older
	// single-binary form, run through "sudo -A" when DHCPCommand is unset.
	DHCPCommand []string `mapstructure:"dhcp_command"`
	Dhclient    string   `mapstructure:"dhclient"`
	Askpass     string   `mapstructure:"askpass"`

	Selector           []string `mapstructure:"selector"`
	SelectorPromptFlag string   `mapstructure:"selector_prompt_flag"`
	TUI                bool     `mapstructure:"tui"`

	ScanAttempts    int           `mapstructure:"scan_attempts"`
	ScanInterval    time.Duration `mapstructure:"scan_interval"`
	AssocAttempts   int           `mapstructure:"assoc_attempts"`
	AssocInterval   time.Duration `mapstructure:"assoc_interval"`
	AllowUnobserved bool          `mapstructure:"allow_unobserved"`

	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("interface", "wlan0")
	v.SetDefault("library", filepath.Join(configDir(), libraryName))
	v.SetDefault("wpa_socket", "/var/run/wpa_supplicant")
	v.SetDefault("wpa_cli", "/usr/sbin/wpa_cli")
	v.SetDefault("wpa_conf", "")
	v.SetDefault("group", "netdev")
	v.SetDefault("dhcp_command", []string{})
	v.SetDefault("dhclient", "")
	v.SetDefault("askpass", "")
	v.SetDefault("selector", []string{"dmenu", "-i", "-l", "20"})
	v.SetDefault("selector_prompt_flag", "-p")
	v.SetDefault("tui", false)
	v.SetDefault("scan_attempts", 10)
	v.SetDefault("scan_interval", 500*time.Millisecond)
	v.SetDefault("assoc_attempts", 15)
	v.SetDefault("assoc_interval", time.Second)
	v.SetDefault("allow_unobserved", false)
	v.SetDefault("log_level", "warn")
	v.SetDefault("log_file", "")
}

// configDir is $XDG_CONFIG_HOME, else $HOME/.config.
func configDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config")
	}
	return "."
}

// configCandidates lists the files to try in order. An explicit path is the
// only candidate and must exist.
func configCandidates(explicit string) []string {
	if explicit != "" {
		return []string{explicit}
	}
	var paths []string
	if p := os.Getenv(configEnv); p != "" {
		paths = append(paths, p)
	}
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		paths = append(paths, filepath.Join(dir, configName))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", configName))
	}
	return paths
}

// loadConfig fills v and decodes it. A missing file means defaults; a file
// that exists but does not parse is an error.
func loadConfig(v *viper.Viper, explicit string) (Config, error) {
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, path := range configCandidates(explicit) {
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) && explicit == "" {
				continue
			}
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
		break
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects unusable settings and clamps the polling budgets.
func (c *Config) Validate() error {
	if c.Interface == "" {
		return fmt.Errorf("interface cannot be empty")
	}
	if c.WpaCli == "" {
		return fmt.Errorf("wpa_cli cannot be empty")
	}
	if c.Library == "" {
		return fmt.Errorf("library cannot be empty")
	}
	if !c.TUI && len(c.Selector) == 0 {
		return fmt.Errorf("selector cannot be empty unless tui is set")
	}
	if c.ScanAttempts < 1 {
		c.ScanAttempts = 1
	}
	if c.AssocAttempts < 1 {
		c.AssocAttempts = 1
	}
	if c.ScanInterval < minPollPeriod {
		c.ScanInterval = minPollPeriod
	}
	if c.AssocInterval < minPollPeriod {
		c.AssocInterval = minPollPeriod
	}
	if len(c.DHCPCommand) == 0 && c.Dhclient != "" {
		c.DHCPCommand = []string{"sudo", "-A", c.Dhclient}
	}
	if c.LogLevel == "" {
		c.LogLevel = "warn"
	}
	return nil
}
