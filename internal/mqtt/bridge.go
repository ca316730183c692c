//go:build !no_mqtt

// Package mqtt bridges the thermostat to an MQTT broker with Home Assistant
// autodiscovery: state goes out on <prefix>/..., commands come back in on
// <prefix>/set/....
package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"eq3bt-home/internal/thermostat"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker          string
	Username        string
	Password        string
	TopicPrefix     string
	DiscoveryPrefix string
}

// Climate is the thermostat surface the bridge drives.
type Climate interface {
	IsConnected() bool
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

// Bridge connects one thermostat to MQTT with HA autodiscovery.
type Bridge struct {
	client   pahomqtt.Client
	therm    Climate
	prefix   string
	deviceID string
	disc     string
	logger   *slog.Logger
	unsubs   []func()
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewBridge creates and connects an MQTT bridge for the thermostat known to
// HA under deviceID.
func NewBridge(therm Climate, deviceID string, cfg Config, logger *slog.Logger) (*Bridge, error) {
	if cfg.DiscoveryPrefix == "" {
		cfg.DiscoveryPrefix = "homeassistant"
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		therm:    therm,
		prefix:   cfg.TopicPrefix,
		deviceID: deviceID,
		disc:     cfg.DiscoveryPrefix,
		logger:   logger.With("component", "mqtt"),
		ctx:      ctx,
		cancel:   cancel,
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("eq3bt-home-" + deviceID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(b.prefix+"/availability", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishAvailability()
			b.publishDiscovery()
			b.subscribeCommands()
			b.publishCurrentState()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.client = client
	return b, nil
}

// Start subscribes to thermostat events and begins publishing.
func (b *Bridge) Start() {
	b.unsubs = append(b.unsubs,
		b.therm.OnConnected(func(ev thermostat.ConnectedEvent) {
			b.publishAvailability()
			b.publishStatus(ev.Status)
			b.publishSchedule(ev.Schedule)
		}),
		b.therm.OnDisconnected(func() {
			b.publishAvailability()
		}),
		b.therm.OnStatus(b.publishStatus),
		b.therm.OnSchedule(b.publishSchedule),
	)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	for _, unsub := range b.unsubs {
		unsub()
	}
	b.publish(b.prefix+"/availability", []byte("offline"), true)
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) publishAvailability() {
	state := "offline"
	if b.therm.IsConnected() {
		state = "online"
	}
	b.publish(b.prefix+"/availability", []byte(state), true)
}

func (b *Bridge) publishCurrentState() {
	if status, err := b.therm.Status(); err == nil {
		b.publishStatus(status)
	}
}

func (b *Bridge) publishStatus(status thermostat.Status) {
	b.publish(b.prefix+"/status", mustJSON(statusPayload(status)), true)
}

func (b *Bridge) publishSchedule(schedule thermostat.Schedule) {
	b.publish(b.prefix+"/schedule", mustJSON(schedulePayload(schedule)), true)
}

func (b *Bridge) publishDiscovery() {
	for _, msg := range buildDiscovery(b.deviceID, b.prefix, b.disc) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "device", b.deviceID)
}

func (b *Bridge) subscribeCommands() {
	b.subscribe(b.prefix+"/set/target_temperature", b.handleTemperatureCommand)
	b.subscribe(b.prefix+"/set/mode", b.handleModeCommand)
	b.subscribe(b.prefix+"/set/boost", b.handleBoostCommand)
	b.subscribe(b.prefix+"/set/lock", b.handleLockCommand)
}

func (b *Bridge) subscribe(topic string, handler func(payload []byte)) {
	b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		handler(msg.Payload())
	})
}

func (b *Bridge) handleTemperatureCommand(payload []byte) {
	temperature, err := strconv.ParseFloat(strings.TrimSpace(string(payload)), 64)
	if err != nil {
		b.logger.Warn("invalid temperature command", "payload", string(payload))
		return
	}
	ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
	defer cancel()
	if status, err := b.therm.SetTemperature(ctx, temperature); err != nil {
		b.logger.Warn("temperature command failed", "err", err)
	} else {
		b.publishStatus(status)
	}
}

func (b *Bridge) handleModeCommand(payload []byte) {
	mode, ok := modeFromHA(strings.TrimSpace(string(payload)))
	if !ok {
		b.logger.Warn("invalid mode command", "payload", string(payload))
		return
	}
	ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
	defer cancel()
	if status, err := b.therm.SetMode(ctx, mode); err != nil {
		b.logger.Warn("mode command failed", "err", err)
	} else {
		b.publishStatus(status)
	}
}

func (b *Bridge) handleBoostCommand(payload []byte) {
	enable, ok := parseOnOff(payload)
	if !ok {
		b.logger.Warn("invalid boost command", "payload", string(payload))
		return
	}
	ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
	defer cancel()
	if status, err := b.therm.SetBoost(ctx, enable); err != nil {
		b.logger.Warn("boost command failed", "err", err)
	} else {
		b.publishStatus(status)
	}
}

func (b *Bridge) handleLockCommand(payload []byte) {
	enable, ok := parseOnOff(payload)
	if !ok {
		b.logger.Warn("invalid lock command", "payload", string(payload))
		return
	}
	ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
	defer cancel()
	if status, err := b.therm.SetLocked(ctx, enable); err != nil {
		b.logger.Warn("lock command failed", "err", err)
	} else {
		b.publishStatus(status)
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

// modeFromHA maps a Home Assistant climate mode to an operation mode. HA
// has no manual mode; "heat" means hold the set temperature.
func modeFromHA(mode string) (thermostat.OperationMode, bool) {
	switch mode {
	case "auto":
		return thermostat.ModeAuto, true
	case "heat":
		return thermostat.ModeManual, true
	case "off":
		return thermostat.ModeOff, true
	}
	return thermostat.ModeUnknown, false
}

// modeToHA maps an operation mode to the HA climate mode shown in the UI.
func modeToHA(mode thermostat.OperationMode) string {
	switch mode {
	case thermostat.ModeAuto:
		return "auto"
	case thermostat.ModeOff:
		return "off"
	default:
		// manual, on and away all hold a temperature
		return "heat"
	}
}

func parseOnOff(payload []byte) (bool, bool) {
	switch strings.ToUpper(strings.TrimSpace(string(payload))) {
	case "ON", "TRUE", "1":
		return true, true
	case "OFF", "FALSE", "0":
		return false, true
	}
	return false, false
}

func onOff(v bool) string {
	if v {
		return "ON"
	}
	return "OFF"
}
