// Command eq3bt-home drives eQ-3 Bluetooth Smart radiator thermostats. The
// serve command runs the integration daemon; the remaining commands connect
// once, act and disconnect.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

var (
	flagConfig  string
	flagAddress string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "eq3bt-home",
		Short:         "eQ-3 Bluetooth Smart thermostat driver and home integration daemon",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "config.yaml", "path to config file")
	root.PersistentFlags().StringVarP(&flagAddress, "address", "a", "", "thermostat BLE address (overrides config)")

	root.AddCommand(
		newServeCommand(),
		newStatusCommand(),
		newDeviceCommand(),
		newScheduleCommand(),
		newTemperatureCommand(),
		newModeCommand(),
		newBoostCommand(),
		newLockCommand(),
		newPresetCommand(),
	)
	return root
}

// runtimeConfig loads the config file and applies flag overrides. For
// one-shot commands a missing config file is fine as long as the address
// flag is set.
func runtimeConfig(requireFile bool) (*Config, error) {
	cfg, err := loadConfig(flagConfig)
	if err != nil {
		if !requireFile && errors.Is(err, os.ErrNotExist) && flagAddress != "" {
			cfg, err = defaultConfig()
		}
		if err != nil {
			return nil, err
		}
	}
	if flagAddress != "" {
		cfg.Thermostat.Address = flagAddress
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() (*Config, error) {
	var cfg Config
	cfg.Web.Listen = "127.0.0.1:8080"
	cfg.Store.Path = "eq3bt-home.db"
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return &cfg, nil
}
