package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/luciancaetano/bizsocket/internal/config"
	"github.com/luciancaetano/bizsocket/internal/logging"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	logJSON    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "bizsocket",
		Short: "Realtime business event client and gateway",
		Long: `bizsocket subscribes to business events pushed over a websocket gateway.

  listen   connect to a gateway and print matching events
  gateway  run the reference gateway, optionally fed from Redis
  publish  publish an event on the Redis relay channel`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "config file (.toml, .yaml or .yml)")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&flags.logJSON, "log-json", false, "write JSON logs")

	rootCmd.AddCommand(
		listenCmd(flags),
		gatewayCmd(flags),
		publishCmd(flags),
		versionCmd(),
	)

	return rootCmd
}

// load resolves the config file and builds the process logger.
func (f *globalFlags) load(app string, stderr io.Writer) (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.logJSON {
		cfg.Log.JSON = true
	}
	return cfg, logging.NewWithWriter(app, cfg.Log, stderr), nil
}
