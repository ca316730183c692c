// Package store persists thermostat telemetry for the integration layer:
// a rolling history of status samples and the last seen device identity.
// The driver itself never reads from here; it repopulates over the air.
package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// AddSample appends one status observation to the history.
	AddSample(s *Sample) error

	// Samples returns all samples recorded at or after since, oldest first.
	Samples(since time.Time) ([]*Sample, error)

	// Prune deletes samples recorded before the cutoff and reports how many
	// were removed.
	Prune(before time.Time) (int, error)

	// Device identity
	SaveDeviceInfo(info *DeviceInfo) error
	GetDeviceInfo() (*DeviceInfo, error)

	// Close the store
	Close() error
}
