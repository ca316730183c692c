// Package ble provides the GATT transport the thermostat driver talks
// through. The driver core only knows the Channel interface; the concrete
// Bluetooth stack lives behind it.
package ble

import "context"

// Channel is one established (or establishable) GATT link to a device.
//
// Implementations deliver inbound notifications asynchronously through the
// Subscribe callback, possibly from their own goroutine, and report link
// loss through the OnDisconnected callback.
type Channel interface {
	// Connect establishes the link and discovers characteristics.
	Connect(ctx context.Context) error

	// Disconnect tears the link down.
	Disconnect(ctx context.Context) error

	// IsConnected reports whether the link is currently up.
	IsConnected() bool

	// Write sends data to the characteristic with the given UUID.
	Write(ctx context.Context, characteristic string, data []byte) error

	// Subscribe enables notifications on the characteristic with the given
	// UUID and delivers every notification to callback.
	Subscribe(characteristic string, callback func(data []byte)) error

	// OnDisconnected registers a callback invoked when the link drops,
	// whether locally initiated or not.
	OnDisconnected(callback func())
}
