package store

import "time"

// Sample is one recorded status observation of the thermostat.
type Sample struct {
	Time              time.Time `json:"time"`
	Valve             int       `json:"valve"`
	TargetTemperature float64   `json:"target_temperature"`
	ValveTemperature  float64   `json:"valve_temperature"`
	Mode              string    `json:"mode"`
	WindowOpen        bool      `json:"window_open"`
	LowBattery        bool      `json:"low_battery"`
}

// DeviceInfo is the last seen identity of the thermostat.
type DeviceInfo struct {
	Address         string    `json:"address"`
	Serial          string    `json:"serial"`
	FirmwareVersion int       `json:"firmware_version"`
	LastSeen        time.Time `json:"last_seen"`
}
