//go:build !no_automation

package automation

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"eq3bt-home/internal/thermostat"
)

// luaEventHandler is a registered Lua callback for one event name.
type luaEventHandler struct {
	event string
	fn    *lua.LFunction
}

// scriptVM is a running Lua VM for a single script.
type scriptVM struct {
	state    *lua.LState
	commands chan func(*lua.LState) // serializes Lua access
	handlers []luaEventHandler
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex // protects handlers
}

// Engine manages Lua VMs and dispatches thermostat events to scripts.
type Engine struct {
	therm      Controller
	scriptsDir string
	logger     *slog.Logger

	mu     sync.Mutex
	vms    map[string]*scriptVM // script ID -> running VM
	unsubs []func()
}

// NewEngine creates a new automation engine loading scripts from scriptsDir.
func NewEngine(therm Controller, scriptsDir string, logger *slog.Logger) *Engine {
	return &Engine{
		therm:      therm,
		scriptsDir: scriptsDir,
		logger:     logger.With("component", "automation"),
		vms:        make(map[string]*scriptVM),
	}
}

// Start subscribes to thermostat events and loads every *.lua script from
// the scripts directory.
func (e *Engine) Start() error {
	e.unsubs = append(e.unsubs,
		e.therm.OnStatus(func(status thermostat.Status) {
			e.dispatch(EventStatus, func(L *lua.LState) lua.LValue {
				return statusToLua(L, status)
			})
		}),
		e.therm.OnSchedule(func(schedule thermostat.Schedule) {
			e.dispatch(EventSchedule, func(L *lua.LState) lua.LValue {
				return scheduleToLua(L, schedule)
			})
		}),
		e.therm.OnConnected(func(ev thermostat.ConnectedEvent) {
			e.dispatch(EventConnected, func(L *lua.LState) lua.LValue {
				t := L.NewTable()
				t.RawSetString("serial", lua.LString(ev.DeviceData.Serial))
				t.RawSetString("firmware_version", lua.LNumber(ev.DeviceData.FirmwareVersion))
				t.RawSetString("status", statusToLua(L, ev.Status))
				return t
			})
		}),
		e.therm.OnDisconnected(func() {
			e.dispatch(EventDisconnected, func(L *lua.LState) lua.LValue {
				return L.NewTable()
			})
		}),
	)

	if e.scriptsDir != "" {
		if err := e.loadDir(); err != nil {
			return err
		}
	}

	e.mu.Lock()
	count := len(e.vms)
	e.mu.Unlock()
	e.logger.Info("automation engine started", "scripts", count)
	return nil
}

// Stop cancels all VMs and unsubscribes from thermostat events.
func (e *Engine) Stop() {
	for _, unsub := range e.unsubs {
		unsub()
	}
	e.unsubs = nil

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}

	e.logger.Info("automation engine stopped")
}

func (e *Engine) loadDir() error {
	entries, err := os.ReadDir(e.scriptsDir)
	if err != nil {
		return fmt.Errorf("read scripts dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".lua" {
			continue
		}
		code, err := os.ReadFile(filepath.Join(e.scriptsDir, entry.Name()))
		if err != nil {
			e.logger.Error("read script", "file", entry.Name(), "err", err)
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".lua")
		if err := e.LoadScript(id, string(code)); err != nil {
			e.logger.Error("load script", "id", id, "err", err)
		}
	}
	return nil
}

// LoadScript compiles and runs a script's top-level code, replacing any
// already-loaded script with the same id.
func (e *Engine) LoadScript(id, code string) error {
	e.StopScript(id)

	ctx, cancel := context.WithCancel(context.Background())
	L := lua.NewState()
	sandbox(L)

	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}

	registerThermostatModule(L, vm, e)

	// Top-level code runs once and registers handlers.
	if err := L.DoString(code); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", id, err)
	}

	e.mu.Lock()
	e.vms[id] = vm
	e.mu.Unlock()

	// Command loop goroutine, exits when the VM is cancelled.
	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()

	e.logger.Info("script loaded", "id", id)
	return nil
}

// StopScript stops a running script VM.
func (e *Engine) StopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

// dispatch routes an event to every matching Lua handler. The event table is
// built inside the VM's command loop so all Lua access stays serialized.
func (e *Engine) dispatch(event string, build func(*lua.LState) lua.LValue) {
	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	for _, vm := range vms {
		vm.mu.Lock()
		handlers := make([]luaEventHandler, 0, len(vm.handlers))
		for _, h := range vm.handlers {
			if h.event == event {
				handlers = append(handlers, h)
			}
		}
		vm.mu.Unlock()

		for _, h := range handlers {
			fn := h.fn
			select {
			case <-vm.ctx.Done():
			case vm.commands <- func(L *lua.LState) {
				e.callHandler(L, fn, build(L))
			}:
			default:
				e.logger.Warn("script command channel full, dropping event", "event", event)
			}
		}
	}
}

func (e *Engine) callHandler(L *lua.LState, fn *lua.LFunction, arg lua.LValue) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "err", r)
		}
	}()

	if err := L.CallByParam(lua.P{
		Fn:      fn,
		NRet:    0,
		Protect: true,
	}, arg); err != nil {
		e.logger.Error("lua handler error", "err", err)
	}
}

// sandbox removes filesystem and process access from a Lua state.
func sandbox(L *lua.LState) {
	L.SetGlobal("os", lua.LNil)
	L.SetGlobal("io", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("debug", lua.LNil)
	L.SetGlobal("package", lua.LNil)
}
