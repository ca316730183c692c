//go:build !no_automation

package automation

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"eq3bt-home/internal/thermostat"
)

// fakeTherm records commands issued by scripts and lets tests emit events.
type fakeTherm struct {
	mu sync.Mutex

	status    thermostat.Status
	statusErr error

	temperatures []float64
	modes        []thermostat.OperationMode
	boosts       []bool
	locks        []bool

	onStatus       []func(thermostat.Status)
	onSchedule     []func(thermostat.Schedule)
	onConnected    []func(thermostat.ConnectedEvent)
	onDisconnected []func()
}

func (f *fakeTherm) Status() (thermostat.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.statusErr
}

func (f *fakeTherm) SetTemperature(_ context.Context, temperature float64) (thermostat.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.temperatures = append(f.temperatures, temperature)
	return f.status, nil
}

func (f *fakeTherm) SetMode(_ context.Context, mode thermostat.OperationMode) (thermostat.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modes = append(f.modes, mode)
	return f.status, nil
}

func (f *fakeTherm) SetBoost(_ context.Context, enable bool) (thermostat.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.boosts = append(f.boosts, enable)
	return f.status, nil
}

func (f *fakeTherm) SetLocked(_ context.Context, enable bool) (thermostat.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locks = append(f.locks, enable)
	return f.status, nil
}

func (f *fakeTherm) OnConnected(fn func(thermostat.ConnectedEvent)) func() {
	f.onConnected = append(f.onConnected, fn)
	return func() {}
}

func (f *fakeTherm) OnDisconnected(fn func()) func() {
	f.onDisconnected = append(f.onDisconnected, fn)
	return func() {}
}

func (f *fakeTherm) OnStatus(fn func(thermostat.Status)) func() {
	f.onStatus = append(f.onStatus, fn)
	return func() {}
}

func (f *fakeTherm) OnSchedule(fn func(thermostat.Schedule)) func() {
	f.onSchedule = append(f.onSchedule, fn)
	return func() {}
}

func (f *fakeTherm) emitStatus(status thermostat.Status) {
	for _, fn := range f.onStatus {
		fn(status)
	}
}

func newTestEngine(t *testing.T, scriptsDir string) (*Engine, *fakeTherm) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fake := &fakeTherm{status: thermostat.Status{Valve: 30, TargetTemperature: 21.0}}
	e := NewEngine(fake, scriptsDir, logger)
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(e.Stop)
	return e, fake
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestTopLevelCommands(t *testing.T) {
	e, fake := newTestEngine(t, "")

	err := e.LoadScript("init", `
		thermostat.set_temperature(21.5)
		thermostat.set_mode("manual")
		thermostat.set_lock(true)
	`)
	if err != nil {
		t.Fatalf("LoadScript: %v", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.temperatures) != 1 || fake.temperatures[0] != 21.5 {
		t.Errorf("temperatures = %v", fake.temperatures)
	}
	if len(fake.modes) != 1 || fake.modes[0] != thermostat.ModeManual {
		t.Errorf("modes = %v", fake.modes)
	}
	if len(fake.locks) != 1 || !fake.locks[0] {
		t.Errorf("locks = %v", fake.locks)
	}
}

func TestStatusEventHandler(t *testing.T) {
	e, fake := newTestEngine(t, "")

	err := e.LoadScript("window", `
		thermostat.on("status", function(status)
			if status.window_open then
				thermostat.set_boost(false)
			end
		end)
	`)
	if err != nil {
		t.Fatalf("LoadScript: %v", err)
	}

	fake.emitStatus(thermostat.Status{IsWindowOpen: true, IsBoost: true})

	waitFor(t, func() bool {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		return len(fake.boosts) == 1 && !fake.boosts[0]
	})

	// events not matching the handler condition issue no commands
	fake.emitStatus(thermostat.Status{IsWindowOpen: false})
	time.Sleep(50 * time.Millisecond)
	fake.mu.Lock()
	count := len(fake.boosts)
	fake.mu.Unlock()
	if count != 1 {
		t.Errorf("boost commands = %d, want 1", count)
	}
}

func TestStatusQueryFromScript(t *testing.T) {
	e, fake := newTestEngine(t, "")

	err := e.LoadScript("query", `
		local status = thermostat.status()
		thermostat.set_temperature(status.target_temperature + 1)
	`)
	if err != nil {
		t.Fatalf("LoadScript: %v", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.temperatures) != 1 || fake.temperatures[0] != 22.0 {
		t.Errorf("temperatures = %v, want [22]", fake.temperatures)
	}
}

func TestLoadScriptErrors(t *testing.T) {
	e, _ := newTestEngine(t, "")

	if err := e.LoadScript("broken", `this is not lua`); err == nil {
		t.Error("syntax error not reported")
	}
	if err := e.LoadScript("badevent", `thermostat.on("nope", function() end)`); err == nil {
		t.Error("unknown event not reported")
	}
	if err := e.LoadScript("awaymode", `thermostat.set_mode("away")`); err == nil {
		t.Error("away mode not rejected")
	}
}

func TestStopScriptStopsDispatch(t *testing.T) {
	e, fake := newTestEngine(t, "")

	err := e.LoadScript("counter", `
		thermostat.on("status", function(status)
			thermostat.set_lock(true)
		end)
	`)
	if err != nil {
		t.Fatalf("LoadScript: %v", err)
	}

	fake.emitStatus(thermostat.Status{})
	waitFor(t, func() bool {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		return len(fake.locks) == 1
	})

	e.StopScript("counter")
	fake.emitStatus(thermostat.Status{})
	time.Sleep(50 * time.Millisecond)

	fake.mu.Lock()
	count := len(fake.locks)
	fake.mu.Unlock()
	if count != 1 {
		t.Errorf("lock commands after stop = %d, want 1", count)
	}
}

func TestAfterCallback(t *testing.T) {
	e, fake := newTestEngine(t, "")

	err := e.LoadScript("delayed", `
		thermostat.after(0.01, function()
			thermostat.set_boost(true)
		end)
	`)
	if err != nil {
		t.Fatalf("LoadScript: %v", err)
	}

	waitFor(t, func() bool {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		return len(fake.boosts) == 1 && fake.boosts[0]
	})
}

func TestSandbox(t *testing.T) {
	e, _ := newTestEngine(t, "")

	err := e.LoadScript("sandboxed", `
		if os ~= nil then error("os available") end
		if io ~= nil then error("io available") end
		if require ~= nil then error("require available") end
	`)
	if err != nil {
		t.Fatalf("sandbox leak: %v", err)
	}
}

func TestLoadScriptsFromDir(t *testing.T) {
	dir := t.TempDir()
	script := `thermostat.set_temperature(18.0)`
	if err := os.WriteFile(filepath.Join(dir, "night.lua"), []byte(script), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, fake := newTestEngine(t, dir)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.temperatures) != 1 || fake.temperatures[0] != 18.0 {
		t.Errorf("temperatures = %v, want [18]", fake.temperatures)
	}
}

func TestReplaceScript(t *testing.T) {
	e, fake := newTestEngine(t, "")

	if err := e.LoadScript("s", `thermostat.on("status", function() thermostat.set_boost(true) end)`); err != nil {
		t.Fatal(err)
	}
	if err := e.LoadScript("s", `thermostat.on("status", function() thermostat.set_lock(true) end)`); err != nil {
		t.Fatal(err)
	}

	fake.emitStatus(thermostat.Status{})
	waitFor(t, func() bool {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		return len(fake.locks) == 1
	})

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.boosts) != 0 {
		t.Errorf("old script still running, boosts = %v", fake.boosts)
	}
}
