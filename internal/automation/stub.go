//go:build no_automation

package automation

import (
	"log/slog"
)

// Engine is a no-op stub when automation is disabled.
type Engine struct{}

// NewEngine returns a no-op engine when automation is disabled.
func NewEngine(_ Controller, _ string, _ *slog.Logger) *Engine {
	return &Engine{}
}

// Start is a no-op.
func (e *Engine) Start() error { return nil }

// Stop is a no-op.
func (e *Engine) Stop() {}

// LoadScript is a no-op.
func (e *Engine) LoadScript(_, _ string) error { return nil }

// StopScript is a no-op.
func (e *Engine) StopScript(_ string) {}
