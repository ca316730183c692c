package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"eq3bt-home/internal/ble"
	"eq3bt-home/internal/protocol"
	"eq3bt-home/internal/thermostat"
)

// withThermostat connects, runs fn and disconnects. All one-shot commands go
// through here.
func withThermostat(fn func(ctx context.Context, therm *thermostat.Thermostat) error) error {
	cfg, err := runtimeConfig(false)
	if err != nil {
		return err
	}
	thermCfg, err := cfg.thermostatConfig()
	if err != nil {
		return err
	}

	// One-shot output goes to stdout; keep logs on stderr and quiet.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	channel := ble.NewGATTChannel(cfg.Thermostat.Address, logger)
	therm := thermostat.New(channel, thermCfg, logger)

	ctx := context.Background()
	if err := therm.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", cfg.Thermostat.Address, err)
	}
	defer func() {
		if err := therm.Disconnect(context.Background()); err != nil {
			logger.Warn("disconnect", "err", err)
		}
	}()

	return fn(ctx, therm)
}

func printStatus(status thermostat.Status) {
	fmt.Printf("mode:        %s\n", status.OperationMode())
	fmt.Printf("target:      %.1f °C\n", status.TargetTemperature)
	fmt.Printf("valve:       %d%%\n", status.Valve)
	fmt.Printf("estimated:   %.1f °C\n", status.ValveTemperature())
	fmt.Printf("boost:       %v\n", status.IsBoost)
	fmt.Printf("locked:      %v\n", status.IsLocked)
	fmt.Printf("window open: %v\n", status.IsWindowOpen)
	fmt.Printf("low battery: %v\n", status.IsLowBattery)
	if status.AwayUntil != nil && !status.AwayUntil.Equal(protocol.AwayNone) {
		fmt.Printf("away until:  %s\n", status.AwayUntil.Format("2006-01-02 15:04"))
	}
	if p := status.Presets; p != nil {
		fmt.Printf("comfort:     %.1f °C\n", p.ComfortTemperature)
		fmt.Printf("eco:         %.1f °C\n", p.EcoTemperature)
		fmt.Printf("offset:      %.1f °C\n", p.OffsetTemperature)
		fmt.Printf("window open: %.1f °C for %s\n", p.WindowOpenTemperature, p.WindowOpenDuration)
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Read the current thermostat state",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return withThermostat(func(ctx context.Context, therm *thermostat.Thermostat) error {
				status, err := therm.Status()
				if err != nil {
					return err
				}
				printStatus(status)
				return nil
			})
		},
	}
}

func newDeviceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "device",
		Short: "Read the device serial and firmware version",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return withThermostat(func(ctx context.Context, therm *thermostat.Thermostat) error {
				data, err := therm.DeviceData()
				if err != nil {
					return err
				}
				fmt.Printf("serial:   %s\n", data.Serial)
				fmt.Printf("firmware: %d\n", data.FirmwareVersion)
				return nil
			})
		},
	}
}

func newScheduleCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Read the weekly switching program",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return withThermostat(func(ctx context.Context, therm *thermostat.Thermostat) error {
				schedule, err := therm.Schedule()
				if err != nil {
					return err
				}
				for _, day := range protocol.WeekDays() {
					d, ok := schedule.Day(day)
					if !ok || len(d.Hours) == 0 {
						continue
					}
					fmt.Printf("%s:\n", day)
					var from time.Duration
					for _, h := range d.Hours {
						fmt.Printf("  %s - %s  %.1f °C\n", clock(from), clock(h.NextChangeAt), h.TargetTemperature)
						from = h.NextChangeAt
					}
				}
				return nil
			})
		},
	}
}

func clock(d time.Duration) string {
	minutes := int(d / time.Minute)
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

func newTemperatureCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "temp <celsius>",
		Short: "Set the target temperature",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			temperature, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("invalid temperature %q", args[0])
			}
			return withThermostat(func(ctx context.Context, therm *thermostat.Thermostat) error {
				status, err := therm.SetTemperature(ctx, temperature)
				if err != nil {
					return err
				}
				printStatus(status)
				return nil
			})
		},
	}
}

func newModeCommand() *cobra.Command {
	var (
		flagUntil       string
		flagTemperature float64
	)
	cmd := &cobra.Command{
		Use:   "mode <auto|manual|off|on|away>",
		Short: "Switch the operation mode",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			mode, err := thermostat.ParseOperationMode(args[0])
			if err != nil {
				return err
			}
			return withThermostat(func(ctx context.Context, therm *thermostat.Thermostat) error {
				var status thermostat.Status
				if mode == thermostat.ModeAway {
					until, perr := time.ParseInLocation("2006-01-02 15:04", flagUntil, time.Local)
					if perr != nil {
						return fmt.Errorf("away mode needs --until in \"2006-01-02 15:04\" form")
					}
					status, err = therm.SetAway(ctx, until, flagTemperature)
				} else {
					status, err = therm.SetMode(ctx, mode)
				}
				if err != nil {
					return err
				}
				printStatus(status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&flagUntil, "until", "", "end of away period, e.g. \"2026-09-01 17:30\"")
	cmd.Flags().Float64Var(&flagTemperature, "temperature", 16.0, "away temperature")
	return cmd
}

func parseToggle(arg string) (bool, error) {
	switch arg {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid value %q, want on or off", arg)
}

func newBoostCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "boost <on|off>",
		Short: "Start or stop boost heating",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			enable, err := parseToggle(args[0])
			if err != nil {
				return err
			}
			return withThermostat(func(ctx context.Context, therm *thermostat.Thermostat) error {
				status, err := therm.SetBoost(ctx, enable)
				if err != nil {
					return err
				}
				printStatus(status)
				return nil
			})
		},
	}
}

func newLockCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "lock <on|off>",
		Short: "Enable or disable the child lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			enable, err := parseToggle(args[0])
			if err != nil {
				return err
			}
			return withThermostat(func(ctx context.Context, therm *thermostat.Thermostat) error {
				status, err := therm.SetLocked(ctx, enable)
				if err != nil {
					return err
				}
				printStatus(status)
				return nil
			})
		},
	}
}

func newPresetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "preset <comfort|eco>",
		Short: "Switch to the comfort or eco preset temperature",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var preset thermostat.Preset
			switch args[0] {
			case "comfort":
				preset = thermostat.PresetComfort
			case "eco":
				preset = thermostat.PresetEco
			default:
				return fmt.Errorf("invalid preset %q, want comfort or eco", args[0])
			}
			return withThermostat(func(ctx context.Context, therm *thermostat.Thermostat) error {
				status, err := therm.SetPreset(ctx, preset)
				if err != nil {
					return err
				}
				printStatus(status)
				return nil
			})
		},
	}
}
