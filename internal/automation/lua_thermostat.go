//go:build !no_automation

package automation

import (
	"context"
	"time"

	lua "github.com/yuin/gopher-lua"

	"eq3bt-home/internal/protocol"
	"eq3bt-home/internal/thermostat"
)

const maxHandlersPerScript = 100

const commandTimeout = 10 * time.Second

// registerThermostatModule registers the `thermostat` global table in a Lua
// state.
func registerThermostatModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return thermOn(L, vm)
	}))

	mod.RawSetString("status", L.NewFunction(func(L *lua.LState) int {
		return thermStatus(L, e)
	}))

	mod.RawSetString("set_temperature", L.NewFunction(func(L *lua.LState) int {
		return thermSetTemperature(L, e)
	}))

	mod.RawSetString("set_mode", L.NewFunction(func(L *lua.LState) int {
		return thermSetMode(L, e)
	}))

	mod.RawSetString("set_boost", L.NewFunction(func(L *lua.LState) int {
		return thermSetBoost(L, e)
	}))

	mod.RawSetString("set_lock", L.NewFunction(func(L *lua.LState) int {
		return thermSetLock(L, e)
	}))

	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return thermAfter(L, vm, e)
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		return thermLog(L, e)
	}))

	L.SetGlobal("thermostat", mod)
}

// thermostat.on(event, callback)
func thermOn(L *lua.LState, vm *scriptVM) int {
	event := L.CheckString(1)
	fn := L.CheckFunction(2)

	switch event {
	case EventStatus, EventSchedule, EventConnected, EventDisconnected:
	default:
		L.ArgError(1, "unknown event "+event)
		return 0
	}

	vm.mu.Lock()
	if len(vm.handlers) >= maxHandlersPerScript {
		vm.mu.Unlock()
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, luaEventHandler{event: event, fn: fn})
	vm.mu.Unlock()

	return 0
}

// thermostat.status() — returns the cached status table or nil
func thermStatus(L *lua.LState, e *Engine) int {
	status, err := e.therm.Status()
	if err != nil {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(statusToLua(L, status))
	return 1
}

// thermostat.set_temperature(celsius)
func thermSetTemperature(L *lua.LState, e *Engine) int {
	temperature := float64(L.CheckNumber(1))

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if _, err := e.therm.SetTemperature(ctx, temperature); err != nil {
		e.logger.Error("script set_temperature", "temperature", temperature, "err", err)
	}
	return 0
}

// thermostat.set_mode(name) — "auto", "manual", "off" or "on"
func thermSetMode(L *lua.LState, e *Engine) int {
	name := L.CheckString(1)
	mode, err := thermostat.ParseOperationMode(name)
	if err != nil || mode == thermostat.ModeAway {
		L.ArgError(1, "mode must be auto, manual, off or on")
		return 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if _, err := e.therm.SetMode(ctx, mode); err != nil {
		e.logger.Error("script set_mode", "mode", name, "err", err)
	}
	return 0
}

// thermostat.set_boost(enable)
func thermSetBoost(L *lua.LState, e *Engine) int {
	enable := L.CheckBool(1)

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if _, err := e.therm.SetBoost(ctx, enable); err != nil {
		e.logger.Error("script set_boost", "enable", enable, "err", err)
	}
	return 0
}

// thermostat.set_lock(enable)
func thermSetLock(L *lua.LState, e *Engine) int {
	enable := L.CheckBool(1)

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if _, err := e.therm.SetLocked(ctx, enable); err != nil {
		e.logger.Error("script set_lock", "enable", enable, "err", err)
	}
	return 0
}

// thermostat.after(seconds, callback) — delayed execution
func thermAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{
				Fn:      fn,
				NRet:    0,
				Protect: true,
			}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()

	return 0
}

// thermostat.log(msg)
func thermLog(L *lua.LState, e *Engine) int {
	msg := L.CheckString(1)
	e.logger.Info("script log", "msg", msg)
	return 0
}

// statusToLua builds the Lua table passed to status handlers.
func statusToLua(L *lua.LState, status thermostat.Status) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("mode", lua.LString(status.OperationMode().String()))
	t.RawSetString("target_temperature", lua.LNumber(status.TargetTemperature))
	t.RawSetString("valve", lua.LNumber(status.Valve))
	t.RawSetString("valve_temperature", lua.LNumber(status.ValveTemperature()))
	t.RawSetString("boost", lua.LBool(status.IsBoost))
	t.RawSetString("locked", lua.LBool(status.IsLocked))
	t.RawSetString("window_open", lua.LBool(status.IsWindowOpen))
	t.RawSetString("low_battery", lua.LBool(status.IsLowBattery))
	if status.AwayUntil != nil && !status.AwayUntil.Equal(protocol.AwayNone) {
		t.RawSetString("away_until", lua.LString(status.AwayUntil.Format(time.RFC3339)))
	}
	if status.Presets != nil {
		p := L.NewTable()
		p.RawSetString("comfort_temperature", lua.LNumber(status.Presets.ComfortTemperature))
		p.RawSetString("eco_temperature", lua.LNumber(status.Presets.EcoTemperature))
		p.RawSetString("offset_temperature", lua.LNumber(status.Presets.OffsetTemperature))
		p.RawSetString("window_open_temperature", lua.LNumber(status.Presets.WindowOpenTemperature))
		t.RawSetString("presets", p)
	}
	return t
}

// scheduleToLua builds the Lua table passed to schedule handlers: weekday
// name -> list of { target_temperature, until_minutes }.
func scheduleToLua(L *lua.LState, schedule thermostat.Schedule) *lua.LTable {
	t := L.NewTable()
	for _, day := range schedule.Days {
		hours := L.NewTable()
		for i, h := range day.Hours {
			entry := L.NewTable()
			entry.RawSetString("target_temperature", lua.LNumber(h.TargetTemperature))
			entry.RawSetString("until_minutes", lua.LNumber(int(h.NextChangeAt/time.Minute)))
			hours.RawSetInt(i+1, entry)
		}
		t.RawSetString(day.Day.String(), hours)
	}
	return t
}
