package thermostat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"eq3bt-home/internal/protocol"
)

// deviceState is the explicit state of the simulated thermostat.
type deviceState struct {
	serial    string
	version   byte
	flags     protocol.StatusFlags
	valve     byte
	target    float64
	awayUntil *time.Time
	presets   *protocol.PresetsStruct
	schedule  map[protocol.WeekDay][]protocol.ScheduleHourStruct
}

// fakeChannel is a ble.Channel backed by deviceState. Every write is
// answered synchronously through the notification callback unless muted.
type fakeChannel struct {
	mu        sync.Mutex
	connected bool
	mute      bool
	notify    func([]byte)
	onDrop    func()
	state     deviceState
	writes    [][]byte
}

func newFakeChannel(state deviceState) *fakeChannel {
	if state.schedule == nil {
		state.schedule = make(map[protocol.WeekDay][]protocol.ScheduleHourStruct)
	}
	return &fakeChannel{state: state}
}

func (c *fakeChannel) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) Disconnect(ctx context.Context) error {
	c.drop()
	return nil
}

func (c *fakeChannel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeChannel) Subscribe(characteristic string, callback func([]byte)) error {
	c.mu.Lock()
	c.notify = callback
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) OnDisconnected(callback func()) {
	c.mu.Lock()
	c.onDrop = callback
	c.mu.Unlock()
}

// drop simulates link loss (or completes a local disconnect).
func (c *fakeChannel) drop() {
	c.mu.Lock()
	was := c.connected
	c.connected = false
	cb := c.onDrop
	c.mu.Unlock()
	if was && cb != nil {
		cb()
	}
}

// push delivers an unsolicited notification.
func (c *fakeChannel) push(data []byte) {
	c.mu.Lock()
	notify := c.notify
	c.mu.Unlock()
	if notify != nil {
		notify(data)
	}
}

func (c *fakeChannel) Write(ctx context.Context, characteristic string, data []byte) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return errors.New("not connected")
	}
	c.writes = append(c.writes, append([]byte(nil), data...))
	reply := c.handleCommand(data)
	mute := c.mute
	notify := c.notify
	c.mu.Unlock()

	if !mute && notify != nil && reply != nil {
		notify(reply)
	}
	return nil
}

func (c *fakeChannel) writtenCommands() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

// handleCommand applies a command to the device state and builds the reply.
// Caller holds c.mu.
func (c *fakeChannel) handleCommand(data []byte) []byte {
	switch protocol.Opcode(data[0]) {
	case protocol.OpIDGet:
		return mustSerialize(protocol.DeviceDataStruct{
			Version: c.state.version,
			Serial:  c.state.serial,
		})

	case protocol.OpInfoGet:
		return c.statusReply()

	case protocol.OpTemperatureSet:
		c.state.target = protocol.DecodeTemperature(data[1])
		return c.statusReply()

	case protocol.OpModeSet:
		mode := data[1]
		switch {
		case mode == protocol.ModeByteAuto:
			c.state.flags &^= protocol.FlagManual | protocol.FlagAway
			c.state.awayUntil = nil
		case mode&protocol.ModeByteAway != 0:
			c.state.flags |= protocol.FlagAway
			c.state.flags &^= protocol.FlagManual
			c.state.target = protocol.DecodeTemperature(mode & 0x3F)
			until, err := protocol.DecodeAwayTimestamp(data[2:6])
			if err != nil {
				panic(err)
			}
			c.state.awayUntil = &until
		default:
			c.state.flags |= protocol.FlagManual
			c.state.flags &^= protocol.FlagAway
			c.state.target = protocol.DecodeTemperature(mode & 0x3F)
			c.state.awayUntil = nil
		}
		return c.statusReply()

	case protocol.OpBoostSet:
		if data[1] != 0 {
			c.state.flags |= protocol.FlagBoost
		} else {
			c.state.flags &^= protocol.FlagBoost
		}
		return c.statusReply()

	case protocol.OpLockSet:
		if data[1] != 0 {
			c.state.flags |= protocol.FlagLocked
		} else {
			c.state.flags &^= protocol.FlagLocked
		}
		return c.statusReply()

	case protocol.OpComfortSet:
		if c.state.presets != nil {
			c.state.target = c.state.presets.ComfortTemp
		}
		return c.statusReply()

	case protocol.OpEcoSet:
		if c.state.presets != nil {
			c.state.target = c.state.presets.EcoTemp
		}
		return c.statusReply()

	case protocol.OpComfortEcoConfigure:
		if c.state.presets != nil {
			c.state.presets.ComfortTemp = protocol.DecodeTemperature(data[1])
			c.state.presets.EcoTemp = protocol.DecodeTemperature(data[2])
		}
		return c.statusReply()

	case protocol.OpOffsetConfigure:
		if c.state.presets != nil {
			c.state.presets.Offset = protocol.DecodeTemperatureOffset(data[1])
		}
		return c.statusReply()

	case protocol.OpWindowOpenConfigure:
		if c.state.presets != nil {
			c.state.presets.WindowOpenTemp = protocol.DecodeTemperature(data[1])
			c.state.presets.WindowOpenTime = protocol.DecodeDuration(data[2])
		}
		return c.statusReply()

	case protocol.OpScheduleGet:
		day := protocol.WeekDay(data[1])
		return mustSerialize(protocol.ScheduleDayStruct{Day: day, Hours: c.state.schedule[day]})

	case protocol.OpScheduleSet:
		parsed, err := protocol.ParseScheduleDay(append([]byte{byte(protocol.OpScheduleReturn)}, data[1:]...))
		if err != nil {
			panic(err)
		}
		c.state.schedule[parsed.Day] = parsed.Hours
		return mustSerialize(protocol.ScheduleDayStruct{Day: parsed.Day, Hours: parsed.Hours})
	}
	return nil
}

func (c *fakeChannel) statusReply() []byte {
	away := c.state.awayUntil
	if away == nil && c.state.presets != nil {
		away = &protocol.AwayNone
	}
	return mustSerialize(protocol.StatusStruct{
		Flags:      c.state.flags,
		Valve:      c.state.valve,
		TargetTemp: c.state.target,
		AwayUntil:  away,
		Presets:    c.state.presets,
	})
}

func mustSerialize(cmd protocol.Command) []byte {
	data, err := cmd.Serialize()
	if err != nil {
		panic(err)
	}
	return data
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func defaultState() deviceState {
	return deviceState{
		serial:  "OEQ1750973",
		version: 120,
		target:  21.0,
		valve:   30,
		presets: &protocol.PresetsStruct{
			WindowOpenTemp: 12.0,
			WindowOpenTime: 15 * time.Minute,
			ComfortTemp:    21.0,
			EcoTemp:        17.0,
			Offset:         0.0,
		},
		schedule: map[protocol.WeekDay][]protocol.ScheduleHourStruct{
			protocol.Monday: {
				{TargetTemp: 17.0, NextChangeAt: 6 * time.Hour},
				{TargetTemp: 21.0, NextChangeAt: 22 * time.Hour},
			},
		},
	}
}

func connectedThermostat(t *testing.T) (*Thermostat, *fakeChannel) {
	t.Helper()
	ch := newFakeChannel(defaultState())
	therm := New(ch, Config{}, testLogger())
	if err := therm.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return therm, ch
}

func TestConnectQueriesInitialState(t *testing.T) {
	ch := newFakeChannel(defaultState())
	therm := New(ch, Config{}, testLogger())

	var connected *ConnectedEvent
	therm.OnConnected(func(ev ConnectedEvent) { connected = &ev })

	if err := therm.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if connected == nil {
		t.Fatal("no connected event fired")
	}
	if connected.DeviceData.Serial != "OEQ1750973" || connected.DeviceData.FirmwareVersion != 120 {
		t.Errorf("device data = %+v", connected.DeviceData)
	}
	if connected.Status.TargetTemperature != 21.0 || connected.Status.Valve != 30 {
		t.Errorf("status = %+v", connected.Status)
	}
	if day, ok := connected.Schedule.Day(protocol.Monday); !ok || len(day.Hours) != 2 {
		t.Errorf("schedule monday = %+v, %v", day, ok)
	}

	// Cache is populated.
	if _, err := therm.Status(); err != nil {
		t.Errorf("Status after connect: %v", err)
	}
	if _, err := therm.DeviceData(); err != nil {
		t.Errorf("DeviceData after connect: %v", err)
	}
	if _, err := therm.Schedule(); err != nil {
		t.Errorf("Schedule after connect: %v", err)
	}
	if p, err := therm.Presets(); err != nil || p.ComfortTemperature != 21.0 {
		t.Errorf("Presets after connect = %+v, %v", p, err)
	}
}

func TestConnectWhileConnected(t *testing.T) {
	therm, _ := connectedThermostat(t)
	if err := therm.Connect(context.Background()); !errors.Is(err, ErrState) {
		t.Errorf("second Connect error = %v, want ErrState", err)
	}
}

func TestCachedAccessorsBeforeFetch(t *testing.T) {
	therm := New(newFakeChannel(defaultState()), Config{}, testLogger())
	if _, err := therm.Status(); !errors.Is(err, ErrState) {
		t.Errorf("Status error = %v, want ErrState", err)
	}
	if _, err := therm.DeviceData(); !errors.Is(err, ErrState) {
		t.Errorf("DeviceData error = %v, want ErrState", err)
	}
	if _, err := therm.Schedule(); !errors.Is(err, ErrState) {
		t.Errorf("Schedule error = %v, want ErrState", err)
	}
	if _, err := therm.Presets(); !errors.Is(err, ErrState) {
		t.Errorf("Presets error = %v, want ErrState", err)
	}
}

func TestSetTemperature(t *testing.T) {
	therm, ch := connectedThermostat(t)

	status, err := therm.SetTemperature(context.Background(), 23.5)
	if err != nil {
		t.Fatalf("SetTemperature: %v", err)
	}
	if status.TargetTemperature != 23.5 {
		t.Errorf("target = %.1f, want 23.5", status.TargetTemperature)
	}

	writes := ch.writtenCommands()
	last := writes[len(writes)-1]
	if last[0] != byte(protocol.OpTemperatureSet) || last[1] != 47 {
		t.Errorf("last write = % x, want 41 2f", last)
	}
}

func TestSetTemperatureValidation(t *testing.T) {
	therm, ch := connectedThermostat(t)
	before := len(ch.writtenCommands())

	if _, err := therm.SetTemperature(context.Background(), 42.0); !errors.Is(err, protocol.ErrInvalidData) {
		t.Fatalf("SetTemperature(42) error = %v, want ErrInvalidData", err)
	}
	if got := len(ch.writtenCommands()); got != before {
		t.Errorf("invalid temperature reached the wire (%d writes, had %d)", got, before)
	}
}

func TestSetTemperatureSentinelsDelegateToMode(t *testing.T) {
	therm, ch := connectedThermostat(t)

	status, err := therm.SetTemperature(context.Background(), 4.5)
	if err != nil {
		t.Fatalf("SetTemperature(4.5): %v", err)
	}
	if status.OperationMode() != ModeOff {
		t.Errorf("mode = %s, want off", status.OperationMode())
	}

	writes := ch.writtenCommands()
	last := writes[len(writes)-1]
	if last[0] != byte(protocol.OpModeSet) {
		t.Errorf("last write opcode = 0x%02x, want mode-set", last[0])
	}

	status, err = therm.SetTemperature(context.Background(), 30.0)
	if err != nil {
		t.Fatalf("SetTemperature(30): %v", err)
	}
	if status.OperationMode() != ModeOn {
		t.Errorf("mode = %s, want on", status.OperationMode())
	}
}

func TestSetModeManualReassertsTarget(t *testing.T) {
	therm, ch := connectedThermostat(t) // starts in auto at 21.0
	before := len(ch.writtenCommands())

	status, err := therm.SetMode(context.Background(), ModeManual)
	if err != nil {
		t.Fatalf("SetMode(manual): %v", err)
	}
	if status.OperationMode() != ModeManual {
		t.Errorf("mode = %s, want manual", status.OperationMode())
	}

	writes := ch.writtenCommands()[before:]
	if len(writes) != 2 {
		t.Fatalf("writes = %d, want 2 (temperature re-assert + mode-set)", len(writes))
	}
	if writes[0][0] != byte(protocol.OpTemperatureSet) || writes[0][1] != 42 {
		t.Errorf("first write = % x, want temperature-set 21.0", writes[0])
	}
	if writes[1][0] != byte(protocol.OpModeSet) || writes[1][1] != protocol.ModeByteManual|42 {
		t.Errorf("second write = % x, want mode-set manual|42", writes[1])
	}

	// Already manual: no re-assert.
	before = len(ch.writtenCommands())
	if _, err := therm.SetMode(context.Background(), ModeManual); err != nil {
		t.Fatalf("SetMode(manual) again: %v", err)
	}
	writes = ch.writtenCommands()[before:]
	if len(writes) != 1 || writes[0][0] != byte(protocol.OpModeSet) {
		t.Errorf("writes = %d, want a single mode-set", len(writes))
	}
}

func TestSetModeAuto(t *testing.T) {
	therm, _ := connectedThermostat(t)
	if _, err := therm.SetMode(context.Background(), ModeManual); err != nil {
		t.Fatal(err)
	}
	status, err := therm.SetMode(context.Background(), ModeAuto)
	if err != nil {
		t.Fatalf("SetMode(auto): %v", err)
	}
	if status.OperationMode() != ModeAuto {
		t.Errorf("mode = %s, want auto", status.OperationMode())
	}
}

func TestSetModeAwayRejected(t *testing.T) {
	therm, _ := connectedThermostat(t)
	if _, err := therm.SetMode(context.Background(), ModeAway); !errors.Is(err, ErrState) {
		t.Errorf("SetMode(away) error = %v, want ErrState", err)
	}
}

func TestSetAway(t *testing.T) {
	therm, _ := connectedThermostat(t)

	until := time.Date(2026, 9, 1, 17, 20, 0, 0, time.Local)
	status, err := therm.SetAway(context.Background(), until, 16.0)
	if err != nil {
		t.Fatalf("SetAway: %v", err)
	}
	if !status.IsAway {
		t.Error("IsAway = false")
	}
	if status.OperationMode() != ModeAway {
		t.Errorf("mode = %s, want away", status.OperationMode())
	}
	if status.TargetTemperature != 16.0 {
		t.Errorf("target = %.1f, want 16.0", status.TargetTemperature)
	}
	want := time.Date(2026, 9, 1, 17, 30, 0, 0, time.Local)
	if status.AwayUntil == nil || !status.AwayUntil.Equal(want) {
		t.Errorf("away until = %v, want %s", status.AwayUntil, want)
	}
}

func TestSetBoostAndLock(t *testing.T) {
	therm, _ := connectedThermostat(t)

	status, err := therm.SetBoost(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if !status.IsBoost {
		t.Error("IsBoost = false after boost on")
	}
	status, err = therm.SetBoost(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if status.IsBoost {
		t.Error("IsBoost = true after boost off")
	}

	status, err = therm.SetLocked(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if !status.IsLocked {
		t.Error("IsLocked = false after lock")
	}
}

func TestSetPreset(t *testing.T) {
	therm, _ := connectedThermostat(t)

	status, err := therm.SetPreset(context.Background(), PresetEco)
	if err != nil {
		t.Fatal(err)
	}
	if status.TargetTemperature != 17.0 {
		t.Errorf("target = %.1f, want eco 17.0", status.TargetTemperature)
	}

	status, err = therm.SetPreset(context.Background(), PresetComfort)
	if err != nil {
		t.Fatal(err)
	}
	if status.TargetTemperature != 21.0 {
		t.Errorf("target = %.1f, want comfort 21.0", status.TargetTemperature)
	}
}

func TestConfigurePartialVariantsUseCachedPresets(t *testing.T) {
	therm, ch := connectedThermostat(t)

	if _, err := therm.ConfigureComfortTemperature(context.Background(), 22.0); err != nil {
		t.Fatal(err)
	}
	writes := ch.writtenCommands()
	last := writes[len(writes)-1]
	// Comfort updated, cached eco preserved.
	if last[0] != byte(protocol.OpComfortEcoConfigure) || last[1] != 44 || last[2] != 34 {
		t.Errorf("write = % x, want 11 2c 22", last)
	}

	if _, err := therm.ConfigureWindowOpenDuration(context.Background(), 25*time.Minute); err != nil {
		t.Fatal(err)
	}
	writes = ch.writtenCommands()
	last = writes[len(writes)-1]
	// Duration updated, cached window-open temperature preserved.
	if last[0] != byte(protocol.OpWindowOpenConfigure) || last[1] != 24 || last[2] != 5 {
		t.Errorf("write = % x, want 14 18 05", last)
	}
}

func TestGetScheduleQueriesAllDays(t *testing.T) {
	therm, ch := connectedThermostat(t)
	before := len(ch.writtenCommands())

	schedule, err := therm.GetSchedule(context.Background())
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}

	writes := ch.writtenCommands()[before:]
	if len(writes) != 7 {
		t.Fatalf("writes = %d, want 7", len(writes))
	}
	day, ok := schedule.Day(protocol.Monday)
	if !ok || len(day.Hours) != 2 {
		t.Errorf("monday = %+v, %v", day, ok)
	}
	if day.Hours[0].TargetTemperature != 17.0 || day.Hours[0].NextChangeAt != 6*time.Hour {
		t.Errorf("monday hour[0] = %+v", day.Hours[0])
	}
}

func TestSetScheduleAndDelete(t *testing.T) {
	therm, _ := connectedThermostat(t)

	in := Schedule{Days: []ScheduleDay{{
		Day: protocol.Tuesday,
		Hours: []ScheduleHour{
			{TargetTemperature: 18.0, NextChangeAt: 7 * time.Hour},
			{TargetTemperature: 22.0, NextChangeAt: 21 * time.Hour},
		},
	}}}
	got, err := therm.SetSchedule(context.Background(), in)
	if err != nil {
		t.Fatalf("SetSchedule: %v", err)
	}
	day, ok := got.Day(protocol.Tuesday)
	if !ok || len(day.Hours) != 2 || day.Hours[1].TargetTemperature != 22.0 {
		t.Errorf("tuesday after set = %+v, %v", day, ok)
	}
	// Monday from the initial fetch is still in the merged cache.
	if day, ok := got.Day(protocol.Monday); !ok || len(day.Hours) != 2 {
		t.Errorf("monday after set = %+v, %v", day, ok)
	}

	got, err = therm.DeleteSchedule(context.Background(), protocol.Tuesday)
	if err != nil {
		t.Fatalf("DeleteSchedule: %v", err)
	}
	if day, _ := got.Day(protocol.Tuesday); len(day.Hours) != 0 {
		t.Errorf("tuesday after delete = %+v", day)
	}
}

func TestScheduleAggregateExclusive(t *testing.T) {
	ch := newFakeChannel(defaultState())
	therm := New(ch, Config{CommandTimeout: 200 * time.Millisecond}, testLogger())
	if err := therm.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	ch.mu.Lock()
	ch.mute = true
	ch.mu.Unlock()

	firstErr := make(chan error, 1)
	go func() {
		_, err := therm.GetSchedule(context.Background())
		firstErr <- err
	}()

	// Wait for the first aggregate to be enqueued.
	deadline := time.Now().Add(time.Second)
	for {
		therm.mu.Lock()
		pending := len(therm.queue) > 0
		therm.mu.Unlock()
		if pending || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := therm.GetSchedule(context.Background()); !errors.Is(err, ErrAlreadyAwaiting) {
		t.Errorf("second GetSchedule error = %v, want ErrAlreadyAwaiting", err)
	}

	if err := <-firstErr; !errors.Is(err, ErrTimeout) {
		t.Errorf("muted GetSchedule error = %v, want ErrTimeout", err)
	}
}

func TestCommandTimeout(t *testing.T) {
	ch := newFakeChannel(defaultState())
	therm := New(ch, Config{CommandTimeout: 50 * time.Millisecond}, testLogger())
	if err := therm.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	ch.mu.Lock()
	ch.mute = true
	ch.mu.Unlock()

	if _, err := therm.GetStatus(context.Background()); !errors.Is(err, ErrTimeout) {
		t.Errorf("GetStatus error = %v, want ErrTimeout", err)
	}

	// The timed-out tracker is gone; a late push becomes an event.
	var pushed *Status
	therm.OnStatus(func(s Status) { pushed = &s })
	ch.mu.Lock()
	ch.mute = false
	reply := ch.statusReply()
	ch.mu.Unlock()
	ch.push(reply)
	if pushed == nil {
		t.Error("late status was not delivered as an event")
	}
}

func TestCallerDeadlineClassifiedAsTimeout(t *testing.T) {
	ch := newFakeChannel(defaultState())
	therm := New(ch, Config{CommandTimeout: 5 * time.Second}, testLogger())
	if err := therm.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	ch.mu.Lock()
	ch.mute = true
	ch.mu.Unlock()

	// The caller's deadline fires long before the command timer.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := therm.GetStatus(ctx); !errors.Is(err, ErrTimeout) {
		t.Errorf("GetStatus error = %v, want ErrTimeout", err)
	}

	therm.mu.Lock()
	pending := len(therm.queue)
	therm.mu.Unlock()
	if pending != 0 {
		t.Errorf("queue length after deadline = %d, want 0", pending)
	}
}

func TestConcurrentSameKindRequests(t *testing.T) {
	therm, _ := connectedThermostat(t)

	// Each caller must receive the status answering its own write, never a
	// concurrent caller's.
	temps := []float64{18.0, 25.5, 20.0, 23.5}
	const rounds = 25

	var wg sync.WaitGroup
	errs := make(chan error, len(temps)*rounds)
	for i := 0; i < rounds; i++ {
		for _, want := range temps {
			wg.Add(1)
			go func(want float64) {
				defer wg.Done()
				status, err := therm.SetTemperature(context.Background(), want)
				switch {
				case err != nil:
					errs <- err
				case status.TargetTemperature != want:
					errs <- fmt.Errorf("status target = %.1f, want %.1f", status.TargetTemperature, want)
				}
			}(want)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestContextCancellation(t *testing.T) {
	ch := newFakeChannel(defaultState())
	therm := New(ch, Config{}, testLogger())
	if err := therm.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	ch.mu.Lock()
	ch.mute = true
	ch.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := therm.GetStatus(ctx)
		errCh <- err
	}()
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("GetStatus error = %v, want context.Canceled", err)
	}

	therm.mu.Lock()
	pending := len(therm.queue)
	therm.mu.Unlock()
	if pending != 0 {
		t.Errorf("queue length after cancel = %d, want 0", pending)
	}
}

func TestDisconnectFlushesWaiters(t *testing.T) {
	therm, ch := connectedThermostat(t)

	ch.mu.Lock()
	ch.mute = true
	ch.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		_, err := therm.GetStatus(context.Background())
		errCh <- err
	}()

	deadline := time.Now().Add(time.Second)
	for {
		therm.mu.Lock()
		pending := len(therm.queue) > 0
		therm.mu.Unlock()
		if pending || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	var disconnected bool
	therm.OnDisconnected(func() { disconnected = true })

	if err := therm.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := <-errCh; !errors.Is(err, ErrConnection) {
		t.Errorf("flushed GetStatus error = %v, want ErrConnection", err)
	}
	if !disconnected {
		t.Error("disconnected event not fired")
	}
	if therm.IsConnected() {
		t.Error("IsConnected = true after disconnect")
	}
}

func TestUnsolicitedPushes(t *testing.T) {
	therm, ch := connectedThermostat(t)

	var gotStatus *Status
	var gotSchedule *Schedule
	therm.OnStatus(func(s Status) { gotStatus = &s })
	therm.OnSchedule(func(s Schedule) { gotSchedule = &s })

	// Status push with no tracker pending.
	ch.mu.Lock()
	ch.state.target = 19.0
	reply := ch.statusReply()
	ch.mu.Unlock()
	ch.push(reply)

	if gotStatus == nil || gotStatus.TargetTemperature != 19.0 {
		t.Fatalf("status event = %+v", gotStatus)
	}
	if cached, err := therm.Status(); err != nil || cached.TargetTemperature != 19.0 {
		t.Errorf("cache = %+v, %v", cached, err)
	}

	// Schedule push carries the merged cache.
	ch.push(mustSerialize(protocol.ScheduleDayStruct{
		Day:   protocol.Friday,
		Hours: []protocol.ScheduleHourStruct{{TargetTemp: 20.0, NextChangeAt: 8 * time.Hour}},
	}))
	if gotSchedule == nil {
		t.Fatal("schedule event not fired")
	}
	if day, ok := gotSchedule.Day(protocol.Friday); !ok || len(day.Hours) != 1 {
		t.Errorf("friday = %+v, %v", day, ok)
	}
	if day, ok := gotSchedule.Day(protocol.Monday); !ok || len(day.Hours) != 2 {
		t.Errorf("merged monday = %+v, %v", day, ok)
	}

	// Non-status info pushes are dropped silently.
	gotStatus = nil
	ch.push([]byte{byte(protocol.OpInfoReturn), 0x00, 0xAA})
	if gotStatus != nil {
		t.Error("non-status info push fired an event")
	}
}

func TestTrackedResponseSuppressesEvent(t *testing.T) {
	therm, _ := connectedThermostat(t)

	fired := false
	therm.OnStatus(func(Status) { fired = true })

	if _, err := therm.GetStatus(context.Background()); err != nil {
		t.Fatal(err)
	}
	if fired {
		t.Error("tracked status response also fired an event")
	}
}

func TestWriteWhileDisconnected(t *testing.T) {
	therm, ch := connectedThermostat(t)
	ch.drop()

	if _, err := therm.GetStatus(context.Background()); !errors.Is(err, ErrState) {
		t.Errorf("GetStatus error = %v, want ErrState", err)
	}
	if err := therm.Disconnect(context.Background()); !errors.Is(err, ErrState) {
		t.Errorf("Disconnect error = %v, want ErrState", err)
	}
}

func TestUnknownOpcodeIgnored(t *testing.T) {
	therm, ch := connectedThermostat(t)
	ch.push([]byte{0x7F, 0x01, 0x02})

	// Driver stays usable.
	if _, err := therm.GetStatus(context.Background()); err != nil {
		t.Errorf("GetStatus after unknown opcode: %v", err)
	}
}
