// Package automation runs user Lua scripts against the thermostat. Scripts
// register event handlers and drive the device through a small `thermostat`
// module.
package automation

import (
	"context"

	"eq3bt-home/internal/thermostat"
)

// Event names scripts can subscribe to.
const (
	EventStatus       = "status"
	EventSchedule     = "schedule"
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
)

// Controller is the thermostat surface exposed to scripts.
type Controller interface {
	Status() (thermostat.Status, error)
	SetTemperature(ctx context.Context, temperature float64) (thermostat.Status, error)
	SetMode(ctx context.Context, mode thermostat.OperationMode) (thermostat.Status, error)
	SetBoost(ctx context.Context, enable bool) (thermostat.Status, error)
	SetLocked(ctx context.Context, enable bool) (thermostat.Status, error)
	OnConnected(fn func(thermostat.ConnectedEvent)) func()
	OnDisconnected(fn func()) func()
	OnStatus(fn func(thermostat.Status)) func()
	OnSchedule(fn func(thermostat.Schedule)) func()
}
