//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"eq3bt-home/internal/thermostat"
)

func TestBuildDiscovery(t *testing.T) {
	msgs := buildDiscovery("001a22", "eq3bt/living_room", "homeassistant")
	if len(msgs) != 6 {
		t.Fatalf("discovery messages = %d, want 6", len(msgs))
	}

	var climateMsg *discoveryMsg
	for i := range msgs {
		if strings.HasPrefix(msgs[i].Topic, "homeassistant/climate/") {
			climateMsg = &msgs[i]
		}
		if !strings.HasSuffix(msgs[i].Topic, "/config") {
			t.Errorf("topic %q does not end in /config", msgs[i].Topic)
		}
	}
	if climateMsg == nil {
		t.Fatal("no climate discovery message")
	}
	if climateMsg.Topic != "homeassistant/climate/eq3bt_001a22/climate/config" {
		t.Errorf("climate topic = %q", climateMsg.Topic)
	}

	var climate haClimate
	if err := json.Unmarshal(climateMsg.Payload, &climate); err != nil {
		t.Fatalf("unmarshal climate payload: %v", err)
	}
	if climate.ModeCommandTopic != "eq3bt/living_room/set/mode" {
		t.Errorf("mode command topic = %q", climate.ModeCommandTopic)
	}
	if climate.TemperatureCommandTopic != "eq3bt/living_room/set/target_temperature" {
		t.Errorf("temperature command topic = %q", climate.TemperatureCommandTopic)
	}
	if len(climate.Modes) != 3 {
		t.Errorf("modes = %v, want auto/heat/off", climate.Modes)
	}
	if climate.MinTemp != 5.0 || climate.MaxTemp != 29.5 || climate.TempStep != 0.5 {
		t.Errorf("temperature range = %v..%v step %v", climate.MinTemp, climate.MaxTemp, climate.TempStep)
	}
	if climate.AvailabilityTopic != "eq3bt/living_room/availability" {
		t.Errorf("availability topic = %q", climate.AvailabilityTopic)
	}
}

func TestStatusPayload(t *testing.T) {
	status := thermostat.Status{
		Valve:             50,
		TargetTemperature: 21.0,
		IsBoost:           true,
		IsLocked:          false,
		IsWindowOpen:      true,
	}
	payload := statusPayload(status)

	if payload["target_temperature"] != 21.0 {
		t.Errorf("target_temperature = %v", payload["target_temperature"])
	}
	if payload["valve"] != 50 {
		t.Errorf("valve = %v", payload["valve"])
	}
	if payload["valve_temperature"] != 20.0 {
		t.Errorf("valve_temperature = %v, want 20.0", payload["valve_temperature"])
	}
	if payload["boost"] != "ON" || payload["locked"] != "OFF" {
		t.Errorf("boost = %v, locked = %v", payload["boost"], payload["locked"])
	}
	if payload["window_open"] != true {
		t.Errorf("window_open = %v", payload["window_open"])
	}
	if payload["mode"] != "auto" || payload["ha_mode"] != "auto" {
		t.Errorf("mode = %v, ha_mode = %v", payload["mode"], payload["ha_mode"])
	}
	if _, ok := payload["away_until"]; ok {
		t.Error("away_until present without away time")
	}
}

func TestStatusPayloadAway(t *testing.T) {
	until := time.Date(2026, 9, 1, 17, 30, 0, 0, time.Local)
	status := thermostat.Status{TargetTemperature: 16.0, IsAway: true, AwayUntil: &until}
	payload := statusPayload(status)
	if payload["away_until"] != until.Format(time.RFC3339) {
		t.Errorf("away_until = %v", payload["away_until"])
	}
}

func TestModeMapping(t *testing.T) {
	tests := []struct {
		ha   string
		mode thermostat.OperationMode
	}{
		{"auto", thermostat.ModeAuto},
		{"heat", thermostat.ModeManual},
		{"off", thermostat.ModeOff},
	}
	for _, tt := range tests {
		got, ok := modeFromHA(tt.ha)
		if !ok || got != tt.mode {
			t.Errorf("modeFromHA(%q) = %v, %v", tt.ha, got, ok)
		}
	}
	if _, ok := modeFromHA("cool"); ok {
		t.Error("modeFromHA(cool) succeeded")
	}

	if modeToHA(thermostat.ModeManual) != "heat" {
		t.Error("manual should map to heat")
	}
	if modeToHA(thermostat.ModeOn) != "heat" {
		t.Error("on should map to heat")
	}
	if modeToHA(thermostat.ModeOff) != "off" {
		t.Error("off should map to off")
	}
}

func TestSchedulePayload(t *testing.T) {
	schedule := thermostat.Schedule{Days: []thermostat.ScheduleDay{{
		Day: 2, // monday on the wire
		Hours: []thermostat.ScheduleHour{
			{TargetTemperature: 17.0, NextChangeAt: 6 * time.Hour},
			{TargetTemperature: 21.0, NextChangeAt: 22*time.Hour + 30*time.Minute},
		},
	}}}
	payload := schedulePayload(schedule)

	hours, ok := payload["monday"].([]map[string]any)
	if !ok || len(hours) != 2 {
		t.Fatalf("monday = %#v", payload["monday"])
	}
	if hours[0]["until"] != "06:00" || hours[1]["until"] != "22:30" {
		t.Errorf("until = %v, %v", hours[0]["until"], hours[1]["until"])
	}
}

func TestParseOnOff(t *testing.T) {
	tests := []struct {
		in    string
		value bool
		ok    bool
	}{
		{"ON", true, true},
		{"off", false, true},
		{" True\n", true, true},
		{"0", false, true},
		{"maybe", false, false},
	}
	for _, tt := range tests {
		value, ok := parseOnOff([]byte(tt.in))
		if value != tt.value || ok != tt.ok {
			t.Errorf("parseOnOff(%q) = %v, %v", tt.in, value, ok)
		}
	}
}
