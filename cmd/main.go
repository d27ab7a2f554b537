// Package main implements dmxwifi, a wifi network librarian for
// wpa_supplicant. It scans, lists the networks in range next to the saved
// ones through a dmenu-style selector, and joins, saves or forgets the chosen
// network.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"dmxwifi/credstore"
	"dmxwifi/gowpasupplicant"
	"dmxwifi/librarian"
	"dmxwifi/poll"
	"dmxwifi/scan"
	"dmxwifi/selector"
)

// =============================================================================
// Constants
// =============================================================================

const appName = "dmxwifi"

// =============================================================================
// Command
// =============================================================================

// options holds the flag values of one invocation.
type options struct {
	configPath string
	password   string
	ssid       string
	forget     bool
	forgetAll  bool
}

// app carries what PersistentPreRunE builds for RunE.
type app struct {
	opts   options
	viper  *viper.Viper
	config Config
	logger *zap.Logger
	stdin  *os.File
	stderr io.Writer
}

func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   appName + " [flags]",
		Short: "Choose, join and remember wifi networks through wpa_supplicant",
		Long: `dmxwifi scans for wifi networks and lists them next to the networks you
have saved. Choosing a saved network joins it.

  dmxwifi                  join a saved network
  dmxwifi -p SECRET        save SECRET for the chosen network ("-" reads it)
  dmxwifi -f               forget a saved network
  dmxwifi --forget-all     forget every saved network`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return usageErrorf("unexpected argument %q", args[0])
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := a.checkModes(cmd); err != nil {
				return err
			}
			cfg, err := loadConfig(a.viper, a.opts.configPath)
			if err != nil {
				return err
			}
			a.config = cfg
			a.logger, err = newLogger(cfg.LogLevel, cfg.LogFile)
			if err != nil {
				return err
			}
			a.logger.Debug("configuration loaded",
				zap.String("interface", cfg.Interface),
				zap.String("library", cfg.Library),
				zap.Bool("tui", cfg.TUI))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context(), cmd)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&a.opts.password, "password", "p", "", `save SECRET for the chosen network; "-" reads it from the terminal or stdin`)
	flags.StringVar(&a.opts.ssid, "ssid", "", "with --password, save for this network instead of choosing")
	flags.BoolVarP(&a.opts.forget, "forget", "f", false, "forget the chosen saved network")
	flags.BoolVar(&a.opts.forgetAll, "forget-all", false, "forget every saved network after confirmation")
	flags.StringVar(&a.opts.configPath, "config", "", "config file (default $DMXWIFI_CONFIG, then dmxwifi.toml in the config directory)")
	flags.Bool("tui", false, "use the built-in terminal selector instead of the selector command")
	flags.String("log-level", "warn", "log level (debug|info|warn|error)")

	_ = a.viper.BindPFlag("tui", flags.Lookup("tui"))
	_ = a.viper.BindPFlag("log_level", flags.Lookup("log-level"))

	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err: err}
	})
	return cmd
}

func (a *app) checkModes(cmd *cobra.Command) error {
	modes := 0
	for _, name := range []string{"password", "forget", "forget-all"} {
		if cmd.Flags().Changed(name) {
			modes++
		}
	}
	if modes > 1 {
		return usageErrorf("--password, --forget and --forget-all are mutually exclusive")
	}
	if cmd.Flags().Changed("ssid") && !cmd.Flags().Changed("password") && !cmd.Flags().Changed("forget") {
		return usageErrorf("--ssid needs --password or --forget")
	}
	if cmd.Flags().Changed("password") && a.opts.password == "" {
		return usageErrorf("--password needs a secret")
	}
	return nil
}

// =============================================================================
// Wiring
// =============================================================================

func (a *app) run(ctx context.Context, cmd *cobra.Command) error {
	cfg, logger := a.config, a.logger

	client := gowpasupplicant.New(gowpasupplicant.Options{
		Binary:    cfg.WpaCli,
		Interface: cfg.Interface,
		Socket:    cfg.WpaSocket,
		Logger:    logger.Named("wpa_cli"),
	})
	reader := scan.NewReader(client, cfg.ScanAttempts, cfg.ScanInterval, logger.Named("scan"))
	store := credstore.New(cfg.Library, logger.Named("library"))
	ctrl := librarian.New(client, reader, store, a.newSelector(), librarian.Options{
		Association:      poll.Policy{Attempts: cfg.AssocAttempts, Interval: cfg.AssocInterval},
		AllowUnobserved:  cfg.AllowUnobserved,
		AfterJoin:        dhcpHook(cfg, logger.Named("dhcp")),
		AfterStoreChange: exportHook(cfg, client, logger.Named("export")),
		Logger:           logger.Named("librarian"),
	})

	var (
		res librarian.Result
		err error
	)
	flags := cmd.Flags()
	switch {
	case flags.Changed("password"):
		secret, rerr := readSecret(a.opts.password, a.stdin, a.stderr)
		if rerr != nil {
			return rerr
		}
		res, err = ctrl.SavePassword(ctx, secret, a.opts.ssid)
	case a.opts.forget:
		res, err = ctrl.Forget(ctx, a.opts.ssid)
	case a.opts.forgetAll:
		res, err = ctrl.ForgetAll(ctx)
	default:
		res, err = ctrl.Join(ctx)
	}
	if err != nil {
		logger.Debug("run failed", zap.Stringers("trail", ctrl.Trail()), zap.Error(err))
		return err
	}
	logger.Info("run finished", zap.Stringer("outcome", res.Outcome), zap.String("ssid", res.SSID))
	return nil
}

func (a *app) newSelector() librarian.Selector {
	if a.config.TUI {
		return &selector.Terminal{In: a.stdin}
	}
	return &selector.Command{
		Argv:       a.config.Selector,
		PromptFlag: a.config.SelectorPromptFlag,
		Logger:     a.logger.Named("selector"),
	}
}

// =============================================================================
// Entry point
// =============================================================================

// execute runs one invocation and returns its exit status.
func execute(ctx context.Context, args []string, stdin *os.File, stderr io.Writer) int {
	a := &app{viper: viper.New(), stdin: stdin, stderr: stderr}
	cmd := newRootCmd(a)
	cmd.SetArgs(args)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", appName, err)
	}
	return exitCode(err)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdin, os.Stderr)
	stop()
	os.Exit(code)
}
