//go:build !no_automation

package main

import (
	"log/slog"

	"eq3bt-home/internal/automation"
	"eq3bt-home/internal/thermostat"
)

type autoStopper struct {
	engine *automation.Engine
}

func (a *autoStopper) Stop() {
	if a.engine != nil {
		a.engine.Stop()
	}
}

func initAutomation(therm *thermostat.Thermostat, cfg *Config, logger *slog.Logger) *autoStopper {
	if cfg.ScriptsDir == "" {
		return &autoStopper{}
	}
	engine := automation.NewEngine(therm, cfg.ScriptsDir, logger)
	if err := engine.Start(); err != nil {
		logger.Error("automation engine", "err", err)
		engine.Stop()
		return &autoStopper{}
	}
	return &autoStopper{engine: engine}
}
