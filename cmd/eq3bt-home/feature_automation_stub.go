//go:build no_automation

package main

import (
	"log/slog"

	"eq3bt-home/internal/thermostat"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *thermostat.Thermostat, _ *Config, _ *slog.Logger) *autoStopper {
	return &autoStopper{}
}
