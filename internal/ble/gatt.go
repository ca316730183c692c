package ble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"
)

// GATTChannel implements Channel on the host Bluetooth adapter via
// tinygo.org/x/bluetooth (BlueZ on Linux).
type GATTChannel struct {
	address string
	logger  *slog.Logger
	adapter *bluetooth.Adapter

	mu             sync.Mutex
	device         bluetooth.Device
	connected      bool
	chars          map[string]bluetooth.DeviceCharacteristic
	onDisconnected func()
}

// NewGATTChannel creates a channel for the device with the given MAC
// address, using the default host adapter.
func NewGATTChannel(address string, logger *slog.Logger) *GATTChannel {
	return &GATTChannel{
		address: address,
		logger:  logger.With("component", "ble"),
		adapter: bluetooth.DefaultAdapter,
		chars:   make(map[string]bluetooth.DeviceCharacteristic),
	}
}

// Connect enables the adapter, connects to the device and discovers every
// characteristic of every service.
func (c *GATTChannel) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return fmt.Errorf("already connected to %s", c.address)
	}

	if err := c.adapter.Enable(); err != nil {
		return fmt.Errorf("enable adapter: %w", err)
	}

	mac, err := bluetooth.ParseMAC(strings.ToUpper(c.address))
	if err != nil {
		return fmt.Errorf("parse address %q: %w", c.address, err)
	}

	c.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		c.handleLinkDown()
	})

	device, err := c.adapter.Connect(
		bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}},
		bluetooth.ConnectionParams{},
	)
	if err != nil {
		return fmt.Errorf("connect %s: %w", c.address, err)
	}

	services, err := device.DiscoverServices(nil)
	if err != nil {
		_ = device.Disconnect()
		return fmt.Errorf("discover services: %w", err)
	}
	for _, svc := range services {
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			c.logger.Warn("characteristic discovery failed", "service", svc.UUID().String(), "err", err)
			continue
		}
		for _, char := range chars {
			c.chars[strings.ToLower(char.UUID().String())] = char
		}
	}

	c.device = device
	c.connected = true
	c.logger.Info("connected", "address", c.address, "characteristics", len(c.chars))
	return nil
}

// Disconnect tears the link down. The disconnect callback fires through the
// adapter's connect handler.
func (c *GATTChannel) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return fmt.Errorf("not connected")
	}
	device := c.device
	c.connected = false
	c.chars = make(map[string]bluetooth.DeviceCharacteristic)
	c.mu.Unlock()

	if err := device.Disconnect(); err != nil {
		return fmt.Errorf("disconnect %s: %w", c.address, err)
	}
	return nil
}

// IsConnected reports whether the link is up.
func (c *GATTChannel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Write sends data to the characteristic without response; the device
// confirms on the notify characteristic instead.
func (c *GATTChannel) Write(ctx context.Context, characteristic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	char, err := c.characteristic(characteristic)
	if err != nil {
		return err
	}
	if _, err := char.WriteWithoutResponse(data); err != nil {
		return fmt.Errorf("write characteristic %s: %w", characteristic, err)
	}
	return nil
}

// Subscribe enables notifications on the characteristic. The notification
// buffer is owned by the Bluetooth stack and copied before delivery.
func (c *GATTChannel) Subscribe(characteristic string, callback func(data []byte)) error {
	char, err := c.characteristic(characteristic)
	if err != nil {
		return err
	}
	err = char.EnableNotifications(func(buf []byte) {
		data := make([]byte, len(buf))
		copy(data, buf)
		callback(data)
	})
	if err != nil {
		return fmt.Errorf("enable notifications on %s: %w", characteristic, err)
	}
	return nil
}

// OnDisconnected registers the link-loss callback.
func (c *GATTChannel) OnDisconnected(callback func()) {
	c.mu.Lock()
	c.onDisconnected = callback
	c.mu.Unlock()
}

func (c *GATTChannel) characteristic(uuid string) (bluetooth.DeviceCharacteristic, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("not connected")
	}
	char, ok := c.chars[strings.ToLower(uuid)]
	if !ok {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("characteristic %s not found", uuid)
	}
	return char, nil
}

func (c *GATTChannel) handleLinkDown() {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	cb := c.onDisconnected
	c.mu.Unlock()

	if wasConnected {
		c.logger.Warn("link down", "address", c.address)
	}
	if cb != nil {
		cb()
	}
}
