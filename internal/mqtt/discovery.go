//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"eq3bt-home/internal/protocol"
	"eq3bt-home/internal/thermostat"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/climate/eq3bt_001a22/climate/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haClimate is the climate entity discovery payload.
type haClimate struct {
	Name                    string   `json:"name"`
	UniqueID                string   `json:"unique_id"`
	AvailabilityTopic       string   `json:"availability_topic"`
	Modes                   []string `json:"modes"`
	ModeStateTopic          string   `json:"mode_state_topic"`
	ModeStateTemplate       string   `json:"mode_state_template"`
	ModeCommandTopic        string   `json:"mode_command_topic"`
	TemperatureStateTopic   string   `json:"temperature_state_topic"`
	TemperatureStateTmpl    string   `json:"temperature_state_template"`
	TemperatureCommandTopic string   `json:"temperature_command_topic"`
	CurrentTemperatureTopic string   `json:"current_temperature_topic"`
	CurrentTemperatureTmpl  string   `json:"current_temperature_template"`
	MinTemp                 float64  `json:"min_temp"`
	MaxTemp                 float64  `json:"max_temp"`
	TempStep                float64  `json:"temp_step"`
	Device                  haDevice `json:"device"`
}

// haSwitch is a switch entity discovery payload (boost, child lock).
type haSwitch struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	AvailabilityTopic string   `json:"availability_topic"`
	StateTopic        string   `json:"state_topic"`
	ValueTemplate     string   `json:"value_template"`
	CommandTopic      string   `json:"command_topic"`
	PayloadOn         string   `json:"payload_on"`
	PayloadOff        string   `json:"payload_off"`
	Icon              string   `json:"icon,omitempty"`
	Device            haDevice `json:"device"`
}

// haBinarySensor is a binary sensor discovery payload (window, battery).
type haBinarySensor struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	AvailabilityTopic string   `json:"availability_topic"`
	StateTopic        string   `json:"state_topic"`
	ValueTemplate     string   `json:"value_template"`
	DeviceClass       string   `json:"device_class,omitempty"`
	PayloadOn         string   `json:"payload_on"`
	PayloadOff        string   `json:"payload_off"`
	Device            haDevice `json:"device"`
}

// haSensor is a plain sensor discovery payload (valve position).
type haSensor struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	AvailabilityTopic string   `json:"availability_topic"`
	StateTopic        string   `json:"state_topic"`
	ValueTemplate     string   `json:"value_template"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	Device            haDevice `json:"device"`
}

// buildDiscovery generates the HA discovery messages for one thermostat.
func buildDiscovery(deviceID, prefix, discoveryPrefix string) []discoveryMsg {
	avail := prefix + "/availability"
	statusTopic := prefix + "/status"
	nodeID := "eq3bt_" + deviceID

	haDev := haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: "eQ-3",
		Model:        "CC-RT-BLE",
		Name:         "Thermostat " + deviceID,
	}

	climate := haClimate{
		Name:                    "Thermostat " + deviceID,
		UniqueID:                nodeID + "_climate",
		AvailabilityTopic:       avail,
		Modes:                   []string{"auto", "heat", "off"},
		ModeStateTopic:          statusTopic,
		ModeStateTemplate:       "{{ value_json.ha_mode }}",
		ModeCommandTopic:        prefix + "/set/mode",
		TemperatureStateTopic:   statusTopic,
		TemperatureStateTmpl:    "{{ value_json.target_temperature }}",
		TemperatureCommandTopic: prefix + "/set/target_temperature",
		CurrentTemperatureTopic: statusTopic,
		CurrentTemperatureTmpl:  "{{ value_json.valve_temperature }}",
		MinTemp:                 protocol.MinTemperature,
		MaxTemp:                 protocol.MaxTemperature,
		TempStep:                0.5,
		Device:                  haDev,
	}

	boost := haSwitch{
		Name:              "Thermostat " + deviceID + " Boost",
		UniqueID:          nodeID + "_boost",
		AvailabilityTopic: avail,
		StateTopic:        statusTopic,
		ValueTemplate:     "{{ value_json.boost }}",
		CommandTopic:      prefix + "/set/boost",
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		Icon:              "mdi:fire",
		Device:            haDev,
	}

	lock := haSwitch{
		Name:              "Thermostat " + deviceID + " Child Lock",
		UniqueID:          nodeID + "_lock",
		AvailabilityTopic: avail,
		StateTopic:        statusTopic,
		ValueTemplate:     "{{ value_json.locked }}",
		CommandTopic:      prefix + "/set/lock",
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		Icon:              "mdi:lock",
		Device:            haDev,
	}

	window := haBinarySensor{
		Name:              "Thermostat " + deviceID + " Window",
		UniqueID:          nodeID + "_window",
		AvailabilityTopic: avail,
		StateTopic:        statusTopic,
		ValueTemplate:     "{{ 'ON' if value_json.window_open else 'OFF' }}",
		DeviceClass:       "window",
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		Device:            haDev,
	}

	battery := haBinarySensor{
		Name:              "Thermostat " + deviceID + " Battery",
		UniqueID:          nodeID + "_battery",
		AvailabilityTopic: avail,
		StateTopic:        statusTopic,
		ValueTemplate:     "{{ 'ON' if value_json.low_battery else 'OFF' }}",
		DeviceClass:       "battery",
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		Device:            haDev,
	}

	valve := haSensor{
		Name:              "Thermostat " + deviceID + " Valve",
		UniqueID:          nodeID + "_valve",
		AvailabilityTopic: avail,
		StateTopic:        statusTopic,
		ValueTemplate:     "{{ value_json.valve }}",
		UnitOfMeasurement: "%",
		StateClass:        "measurement",
		Device:            haDev,
	}

	return []discoveryMsg{
		{Topic: fmt.Sprintf("%s/climate/%s/climate/config", discoveryPrefix, nodeID), Payload: mustJSON(climate)},
		{Topic: fmt.Sprintf("%s/switch/%s/boost/config", discoveryPrefix, nodeID), Payload: mustJSON(boost)},
		{Topic: fmt.Sprintf("%s/switch/%s/lock/config", discoveryPrefix, nodeID), Payload: mustJSON(lock)},
		{Topic: fmt.Sprintf("%s/binary_sensor/%s/window/config", discoveryPrefix, nodeID), Payload: mustJSON(window)},
		{Topic: fmt.Sprintf("%s/binary_sensor/%s/battery/config", discoveryPrefix, nodeID), Payload: mustJSON(battery)},
		{Topic: fmt.Sprintf("%s/sensor/%s/valve/config", discoveryPrefix, nodeID), Payload: mustJSON(valve)},
	}
}

// statusPayload builds the JSON state document published on <prefix>/status.
func statusPayload(status thermostat.Status) map[string]any {
	payload := map[string]any{
		"target_temperature": status.TargetTemperature,
		"valve":              status.Valve,
		"valve_temperature":  math.Round(status.ValveTemperature()*10) / 10,
		"mode":               status.OperationMode().String(),
		"ha_mode":            modeToHA(status.OperationMode()),
		"boost":              onOff(status.IsBoost),
		"locked":             onOff(status.IsLocked),
		"window_open":        status.IsWindowOpen,
		"low_battery":        status.IsLowBattery,
	}
	if status.AwayUntil != nil && !status.AwayUntil.Equal(protocol.AwayNone) {
		payload["away_until"] = status.AwayUntil.Format(time.RFC3339)
	}
	return payload
}

// schedulePayload builds the JSON document published on <prefix>/schedule.
func schedulePayload(schedule thermostat.Schedule) map[string]any {
	payload := make(map[string]any)
	for _, day := range schedule.Days {
		hours := make([]map[string]any, 0, len(day.Hours))
		for _, h := range day.Hours {
			hours = append(hours, map[string]any{
				"target_temperature": h.TargetTemperature,
				"until":              formatScheduleTime(h.NextChangeAt),
			})
		}
		payload[day.Day.String()] = hours
	}
	return payload
}

func formatScheduleTime(d time.Duration) string {
	minutes := int(d / time.Minute)
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
