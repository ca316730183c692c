// Package thermostat drives a single eQ-3 Bluetooth Smart radiator valve:
// it correlates commands with device notifications, keeps a cache of the
// last reported state and fans unsolicited pushes out as events.
package thermostat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"eq3bt-home/internal/ble"
	"eq3bt-home/internal/protocol"
)

// Default timeouts. The device usually answers within a second; boost and
// mode changes occasionally take longer while the motor runs.
const (
	DefaultConnectionTimeout = 10 * time.Second
	DefaultCommandTimeout    = 5 * time.Second
)

// Config holds driver timeouts. Zero values select the defaults.
type Config struct {
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	CommandTimeout    time.Duration `yaml:"command_timeout"`
}

func (c Config) withDefaults() Config {
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = DefaultConnectionTimeout
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	return c
}

type responseKind int

const (
	kindDeviceData responseKind = iota + 1
	kindStatus
	kindSchedule
)

func (k responseKind) String() string {
	switch k {
	case kindDeviceData:
		return "device data"
	case kindStatus:
		return "status"
	case kindSchedule:
		return "schedule"
	}
	return "unknown"
}

// tracker pairs an expected response kind with the channel its caller waits
// on. Schedule aggregates count down one wire message per requested day.
type tracker struct {
	kind      responseKind
	remaining int
	result    chan any
}

// resolve delivers the result (a model value or an error) exactly once.
func (tr *tracker) resolve(v any) {
	select {
	case tr.result <- v:
	default:
	}
}

// Thermostat is the driver for one device behind a GATT channel. All
// exported methods are safe for concurrent use; commands to the device are
// serialized, waiting happens per caller.
type Thermostat struct {
	channel ble.Channel
	cfg     Config
	logger  *slog.Logger
	events  *Dispatcher

	// writeMu serializes physical writes; the link has no framing and the
	// device answers strictly in write order. It also spans tracker enqueue,
	// keeping queue order equal to wire order.
	writeMu sync.Mutex

	mu             sync.Mutex // guards queue and the cached state below
	queue          []*tracker
	lastDeviceData *DeviceData
	lastStatus     *Status
	lastSchedule   *Schedule
}

// New creates a disconnected driver for the thermostat behind channel.
func New(channel ble.Channel, cfg Config, logger *slog.Logger) *Thermostat {
	t := &Thermostat{
		channel: channel,
		cfg:     cfg.withDefaults(),
		logger:  logger.With("component", "thermostat"),
		events:  newDispatcher(logger),
	}
	t.channel.OnDisconnected(t.onChannelDisconnected)
	return t
}

// OnConnected registers a callback for the initial-state event fired at the
// end of Connect. The returned func unsubscribes.
func (t *Thermostat) OnConnected(fn func(ConnectedEvent)) func() {
	return subscribe(t.events, &t.events.connected, fn)
}

// OnDisconnected registers a callback for link loss.
func (t *Thermostat) OnDisconnected(fn func()) func() {
	wrapped := func(struct{}) { fn() }
	return subscribe(t.events, &t.events.disconnected, wrapped)
}

// OnDeviceData registers a callback for unsolicited device data messages.
func (t *Thermostat) OnDeviceData(fn func(DeviceData)) func() {
	return subscribe(t.events, &t.events.deviceData, fn)
}

// OnStatus registers a callback for unsolicited status messages.
func (t *Thermostat) OnStatus(fn func(Status)) func() {
	return subscribe(t.events, &t.events.status, fn)
}

// OnSchedule registers a callback for unsolicited schedule messages. The
// payload is the full merged schedule cache.
func (t *Thermostat) OnSchedule(fn func(Schedule)) func() {
	return subscribe(t.events, &t.events.schedule, fn)
}

// Connect establishes the GATT link, subscribes to notifications and
// queries device data, status and schedule concurrently. On success a
// single Connected event carries all three.
func (t *Thermostat) Connect(ctx context.Context) error {
	if t.channel.IsConnected() {
		return fmt.Errorf("%w: already connected", ErrState)
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.ConnectionTimeout)
	defer cancel()

	if err := t.channel.Connect(ctx); err != nil {
		return connectionErr(err)
	}
	if err := t.channel.Subscribe(protocol.NotifyCharacteristic, t.handleNotification); err != nil {
		return connectionErr(err)
	}

	var (
		deviceData DeviceData
		status     Status
		schedule   Schedule
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		deviceData, err = t.GetDeviceData(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		status, err = t.GetStatus(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		schedule, err = t.GetSchedule(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	t.logger.Info("connected", "serial", deviceData.Serial, "firmware", deviceData.FirmwareVersion)
	emit(t.events, &t.events.connected, ConnectedEvent{
		DeviceData: deviceData,
		Status:     status,
		Schedule:   schedule,
	})
	return nil
}

// Disconnect closes the link. Pending waiters fail with ErrConnection.
func (t *Thermostat) Disconnect(ctx context.Context) error {
	if !t.channel.IsConnected() {
		return fmt.Errorf("%w: not connected", ErrState)
	}
	t.flushTrackers(fmt.Errorf("%w: connection closed", ErrConnection))
	if err := t.channel.Disconnect(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return nil
}

// IsConnected reports whether the GATT link is up.
func (t *Thermostat) IsConnected() bool {
	return t.channel.IsConnected()
}

// GetDeviceData queries firmware version and serial number.
func (t *Thermostat) GetDeviceData(ctx context.Context) (DeviceData, error) {
	res, err := t.writeAndWait(ctx, protocol.IDGetCommand{}, kindDeviceData)
	if err != nil {
		return DeviceData{}, err
	}
	return res.(DeviceData), nil
}

// GetStatus queries the current status. As a protocol side effect this also
// sets the device clock to the local time.
func (t *Thermostat) GetStatus(ctx context.Context) (Status, error) {
	return t.writeWithStatus(ctx, protocol.InfoGetCommand{Time: time.Now()})
}

// GetSchedule queries the full weekly schedule: one request per weekday,
// resolved once all seven replies arrived.
func (t *Thermostat) GetSchedule(ctx context.Context) (Schedule, error) {
	days := protocol.WeekDays()
	cmds := make([]protocol.Command, len(days))
	for i, d := range days {
		cmds[i] = protocol.ScheduleGetCommand{Day: d}
	}
	return t.writeScheduleAggregate(ctx, cmds)
}

// SetTemperature sets the target temperature. The OFF and ON sentinel
// values are mode changes on the wire and are delegated to SetMode.
func (t *Thermostat) SetTemperature(ctx context.Context, temperature float64) (Status, error) {
	switch temperature {
	case protocol.OffTemperature:
		return t.SetMode(ctx, ModeOff)
	case protocol.OnTemperature:
		return t.SetMode(ctx, ModeOn)
	}
	return t.writeWithStatus(ctx, protocol.TemperatureSetCommand{Temperature: temperature})
}

// SetMode switches the operation mode. Requires a cached status (the target
// temperature is part of the mode byte for manual, off and on).
//
// Switching to manual from another mode only sticks on the device if the
// current target temperature is written again first; that extra write gets
// its status reply consumed like any other.
func (t *Thermostat) SetMode(ctx context.Context, mode OperationMode) (Status, error) {
	current, err := t.Status()
	if err != nil {
		return Status{}, err
	}

	switch mode {
	case ModeAuto:
		return t.writeWithStatus(ctx, protocol.ModeSetCommand{Mode: protocol.ModeByteAuto})
	case ModeManual:
		if current.OperationMode() != ModeManual {
			if _, err := t.writeWithStatus(ctx, protocol.TemperatureSetCommand{Temperature: current.TargetTemperature}); err != nil {
				return Status{}, err
			}
		}
		return t.setManual(ctx, current.TargetTemperature)
	case ModeOff:
		return t.setManual(ctx, protocol.OffTemperature)
	case ModeOn:
		return t.setManual(ctx, protocol.OnTemperature)
	case ModeAway:
		return Status{}, fmt.Errorf("%w: away mode needs an end time, use SetAway", ErrState)
	}
	return Status{}, fmt.Errorf("%w: unsupported operation mode %s", protocol.ErrInvalidData, mode)
}

func (t *Thermostat) setManual(ctx context.Context, temperature float64) (Status, error) {
	enc, err := protocol.EncodeTemperature(temperature)
	if err != nil {
		return Status{}, err
	}
	return t.writeWithStatus(ctx, protocol.ModeSetCommand{Mode: protocol.ModeByteManual | enc})
}

// SetAway switches to away mode holding temperature until the given time,
// rounded to the device's half-hour grid.
func (t *Thermostat) SetAway(ctx context.Context, until time.Time, temperature float64) (Status, error) {
	enc, err := protocol.EncodeTemperature(temperature)
	if err != nil {
		return Status{}, err
	}
	return t.writeWithStatus(ctx, protocol.AwaySetCommand{
		Mode:  protocol.ModeByteAway | enc,
		Until: until,
	})
}

// SetPreset activates the comfort or eco preset temperature.
func (t *Thermostat) SetPreset(ctx context.Context, preset Preset) (Status, error) {
	switch preset {
	case PresetComfort:
		return t.writeWithStatus(ctx, protocol.ComfortSetCommand{})
	case PresetEco:
		return t.writeWithStatus(ctx, protocol.EcoSetCommand{})
	}
	return Status{}, fmt.Errorf("%w: unknown preset %d", protocol.ErrInvalidData, preset)
}

// SetBoost starts or stops boost mode.
func (t *Thermostat) SetBoost(ctx context.Context, enable bool) (Status, error) {
	return t.writeWithStatus(ctx, protocol.BoostSetCommand{Enable: enable})
}

// SetLocked locks or unlocks the physical buttons.
func (t *Thermostat) SetLocked(ctx context.Context, enable bool) (Status, error) {
	return t.writeWithStatus(ctx, protocol.LockSetCommand{Enable: enable})
}

// ConfigurePresets stores both preset temperatures.
func (t *Thermostat) ConfigurePresets(ctx context.Context, comfort, eco float64) (Status, error) {
	return t.writeWithStatus(ctx, protocol.ComfortEcoConfigureCommand{
		ComfortTemperature: comfort,
		EcoTemperature:     eco,
	})
}

// ConfigureComfortTemperature stores the comfort preset, keeping the cached
// eco preset.
func (t *Thermostat) ConfigureComfortTemperature(ctx context.Context, comfort float64) (Status, error) {
	presets, err := t.Presets()
	if err != nil {
		return Status{}, err
	}
	return t.ConfigurePresets(ctx, comfort, presets.EcoTemperature)
}

// ConfigureEcoTemperature stores the eco preset, keeping the cached comfort
// preset.
func (t *Thermostat) ConfigureEcoTemperature(ctx context.Context, eco float64) (Status, error) {
	presets, err := t.Presets()
	if err != nil {
		return Status{}, err
	}
	return t.ConfigurePresets(ctx, presets.ComfortTemperature, eco)
}

// ConfigureTemperatureOffset stores the measured-temperature offset.
func (t *Thermostat) ConfigureTemperatureOffset(ctx context.Context, offset float64) (Status, error) {
	return t.writeWithStatus(ctx, protocol.OffsetConfigureCommand{Offset: offset})
}

// ConfigureWindowOpen stores window-open temperature and duration.
func (t *Thermostat) ConfigureWindowOpen(ctx context.Context, temperature float64, duration time.Duration) (Status, error) {
	return t.writeWithStatus(ctx, protocol.WindowOpenConfigureCommand{
		Temperature: temperature,
		Duration:    duration,
	})
}

// ConfigureWindowOpenTemperature stores the window-open temperature, keeping
// the cached duration.
func (t *Thermostat) ConfigureWindowOpenTemperature(ctx context.Context, temperature float64) (Status, error) {
	presets, err := t.Presets()
	if err != nil {
		return Status{}, err
	}
	return t.ConfigureWindowOpen(ctx, temperature, presets.WindowOpenDuration)
}

// ConfigureWindowOpenDuration stores the window-open duration, keeping the
// cached temperature.
func (t *Thermostat) ConfigureWindowOpenDuration(ctx context.Context, duration time.Duration) (Status, error) {
	presets, err := t.Presets()
	if err != nil {
		return Status{}, err
	}
	return t.ConfigureWindowOpen(ctx, presets.WindowOpenTemperature, duration)
}

// SetSchedule writes the switching program of every day present in schedule
// and returns the merged schedule cache after the device confirmed each day.
func (t *Thermostat) SetSchedule(ctx context.Context, schedule Schedule) (Schedule, error) {
	if len(schedule.Days) == 0 {
		return Schedule{}, fmt.Errorf("%w: schedule has no days", protocol.ErrInvalidData)
	}
	cmds := make([]protocol.Command, 0, len(schedule.Days))
	for _, day := range schedule.Days {
		cmd := protocol.ScheduleSetCommand{Day: day.Day}
		for _, h := range day.Hours {
			cmd.Hours = append(cmd.Hours, protocol.ScheduleHourStruct{
				TargetTemp:   h.TargetTemperature,
				NextChangeAt: h.NextChangeAt,
			})
		}
		cmds = append(cmds, cmd)
	}
	return t.writeScheduleAggregate(ctx, cmds)
}

// DeleteSchedule clears the switching program of the given days, or of the
// whole week when none are given.
func (t *Thermostat) DeleteSchedule(ctx context.Context, days ...protocol.WeekDay) (Schedule, error) {
	if len(days) == 0 {
		days = protocol.WeekDays()
	}
	schedule := Schedule{}
	for _, d := range days {
		schedule.Days = append(schedule.Days, ScheduleDay{Day: d})
	}
	return t.SetSchedule(ctx, schedule)
}

// Status returns the last received status without touching the device.
func (t *Thermostat) Status() (Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastStatus == nil {
		return Status{}, fmt.Errorf("%w: no status received yet", ErrState)
	}
	return *t.lastStatus, nil
}

// DeviceData returns the last received device identity.
func (t *Thermostat) DeviceData() (DeviceData, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastDeviceData == nil {
		return DeviceData{}, fmt.Errorf("%w: no device data received yet", ErrState)
	}
	return *t.lastDeviceData, nil
}

// Presets returns the presets of the last received status. Older firmware
// never reports presets.
func (t *Thermostat) Presets() (Presets, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastStatus == nil {
		return Presets{}, fmt.Errorf("%w: no status received yet", ErrState)
	}
	if t.lastStatus.Presets == nil {
		return Presets{}, fmt.Errorf("%w: device reports no presets", ErrState)
	}
	return *t.lastStatus.Presets, nil
}

// Schedule returns a copy of the merged schedule cache.
func (t *Thermostat) Schedule() (Schedule, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastSchedule == nil {
		return Schedule{}, fmt.Errorf("%w: no schedule received yet", ErrState)
	}
	return t.lastSchedule.clone(), nil
}

func (t *Thermostat) writeWithStatus(ctx context.Context, cmd protocol.Command) (Status, error) {
	res, err := t.writeAndWait(ctx, cmd, kindStatus)
	if err != nil {
		return Status{}, err
	}
	return res.(Status), nil
}

// writeAndWait enqueues a tracker, performs the write and blocks until the
// matching response, the command timeout or ctx cancellation.
func (t *Thermostat) writeAndWait(ctx context.Context, cmd protocol.Command, kind responseKind) (any, error) {
	tr := &tracker{kind: kind, remaining: 1, result: make(chan any, 1)}

	// writeMu is held across enqueue and write so queue order always
	// matches wire order, even with concurrent same-kind callers.
	t.writeMu.Lock()
	t.mu.Lock()
	t.queue = append(t.queue, tr)
	t.mu.Unlock()
	err := t.write(ctx, cmd)
	t.writeMu.Unlock()

	if err != nil {
		t.removeTracker(tr)
		return nil, err
	}
	return t.await(ctx, tr)
}

// writeScheduleAggregate enqueues one tracker covering len(cmds) schedule
// replies. Only one schedule aggregate may be in flight.
func (t *Thermostat) writeScheduleAggregate(ctx context.Context, cmds []protocol.Command) (Schedule, error) {
	tr := &tracker{kind: kindSchedule, remaining: len(cmds), result: make(chan any, 1)}

	t.writeMu.Lock()
	t.mu.Lock()
	for _, q := range t.queue {
		if q.kind == kindSchedule {
			t.mu.Unlock()
			t.writeMu.Unlock()
			return Schedule{}, fmt.Errorf("%w: a schedule request is already in flight", ErrAlreadyAwaiting)
		}
	}
	t.queue = append(t.queue, tr)
	t.mu.Unlock()

	for _, cmd := range cmds {
		if err := t.write(ctx, cmd); err != nil {
			t.writeMu.Unlock()
			t.removeTracker(tr)
			return Schedule{}, err
		}
	}
	t.writeMu.Unlock()

	res, err := t.await(ctx, tr)
	if err != nil {
		return Schedule{}, err
	}
	return res.(Schedule), nil
}

func (t *Thermostat) write(ctx context.Context, cmd protocol.Command) error {
	if !t.channel.IsConnected() {
		return fmt.Errorf("%w: not connected", ErrState)
	}
	data, err := cmd.Serialize()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.CommandTimeout)
	defer cancel()

	// Caller holds writeMu.
	err = t.channel.Write(ctx, protocol.WriteCharacteristic, data)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: writing command: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrCommand, err)
	}
	return nil
}

func (t *Thermostat) await(ctx context.Context, tr *tracker) (any, error) {
	timer := time.NewTimer(t.cfg.CommandTimeout)
	defer timer.Stop()

	select {
	case res := <-tr.result:
		if err, ok := res.(error); ok {
			return nil, err
		}
		return res, nil
	case <-timer.C:
		t.removeTracker(tr)
		return nil, fmt.Errorf("%w: no %s response within %s", ErrTimeout, tr.kind, t.cfg.CommandTimeout)
	case <-ctx.Done():
		t.removeTracker(tr)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: awaiting %s response: %v", ErrTimeout, tr.kind, ctx.Err())
		}
		return nil, ctx.Err()
	}
}

func (t *Thermostat) removeTracker(tr *tracker) {
	t.mu.Lock()
	for i, q := range t.queue {
		if q == tr {
			t.queue = append(t.queue[:i], t.queue[i+1:]...)
			break
		}
	}
	t.mu.Unlock()
}

// takeTracker pops the oldest pending tracker of the given kind. Caller
// holds t.mu.
func (t *Thermostat) takeTracker(kind responseKind) *tracker {
	for i, q := range t.queue {
		if q.kind == kind {
			t.queue = append(t.queue[:i], t.queue[i+1:]...)
			return q
		}
	}
	return nil
}

func (t *Thermostat) flushTrackers(err error) {
	t.mu.Lock()
	queue := t.queue
	t.queue = nil
	t.mu.Unlock()
	for _, tr := range queue {
		tr.resolve(err)
	}
}

func (t *Thermostat) onChannelDisconnected() {
	t.logger.Warn("connection lost")
	t.flushTrackers(fmt.Errorf("%w: connection closed", ErrConnection))
	emit(t.events, &t.events.disconnected, struct{}{})
}

// handleNotification routes an inbound notification: update the cache, then
// resolve the oldest matching tracker if one is pending, otherwise fire an
// event.
func (t *Thermostat) handleNotification(data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		t.logger.Warn("dropping unparseable notification", "err", err, "len", len(data))
		return
	}

	switch msg.Opcode {
	case protocol.OpIDReturn:
		deviceData, err := deviceDataFromBytes(data)
		if err != nil {
			t.logger.Warn("bad device data message", "err", err)
			return
		}
		t.handleDeviceData(deviceData)

	case protocol.OpInfoReturn:
		if !msg.IsStatus {
			// The device pushes other info frames this driver has no use for.
			return
		}
		status, err := statusFromBytes(data)
		if err != nil {
			t.logger.Warn("bad status message", "err", err)
			return
		}
		t.handleStatus(status)

	case protocol.OpScheduleReturn:
		schedule, err := scheduleFromBytes(data)
		if err != nil {
			t.logger.Warn("bad schedule message", "err", err)
			return
		}
		t.handleSchedule(schedule)

	default:
		t.logger.Error("unhandled message from device",
			"err", ErrInternal, "opcode", fmt.Sprintf("0x%02x", byte(msg.Opcode)))
	}
}

func (t *Thermostat) handleDeviceData(deviceData DeviceData) {
	t.mu.Lock()
	t.lastDeviceData = &deviceData
	tr := t.takeTracker(kindDeviceData)
	t.mu.Unlock()

	if tr != nil {
		tr.resolve(deviceData)
		return
	}
	emit(t.events, &t.events.deviceData, deviceData)
}

func (t *Thermostat) handleStatus(status Status) {
	t.mu.Lock()
	t.lastStatus = &status
	tr := t.takeTracker(kindStatus)
	t.mu.Unlock()

	if tr != nil {
		tr.resolve(status)
		return
	}
	emit(t.events, &t.events.status, status)
}

func (t *Thermostat) handleSchedule(schedule Schedule) {
	t.mu.Lock()
	if t.lastSchedule == nil {
		t.lastSchedule = &Schedule{}
	}
	t.lastSchedule.Merge(schedule)
	merged := t.lastSchedule.clone()

	var resolved *tracker
	pending := false
	for i, q := range t.queue {
		if q.kind == kindSchedule {
			pending = true
			q.remaining--
			if q.remaining == 0 {
				t.queue = append(t.queue[:i], t.queue[i+1:]...)
				resolved = q
			}
			break
		}
	}
	t.mu.Unlock()

	if resolved != nil {
		resolved.resolve(merged)
		return
	}
	if !pending {
		emit(t.events, &t.events.schedule, merged)
	}
}

func connectionErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: connecting to device: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrConnection, err)
}
