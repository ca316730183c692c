package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"eq3bt-home/internal/protocol"
	"eq3bt-home/internal/thermostat"
)

// statusDoc is the JSON shape of a thermostat status.
type statusDoc struct {
	Mode              string      `json:"mode"`
	TargetTemperature float64     `json:"target_temperature"`
	Valve             int         `json:"valve"`
	ValveTemperature  float64     `json:"valve_temperature"`
	Boost             bool        `json:"boost"`
	Locked            bool        `json:"locked"`
	WindowOpen        bool        `json:"window_open"`
	LowBattery        bool        `json:"low_battery"`
	DST               bool        `json:"dst"`
	AwayUntil         string      `json:"away_until,omitempty"`
	Presets           *presetsDoc `json:"presets,omitempty"`
}

type presetsDoc struct {
	ComfortTemperature    float64 `json:"comfort_temperature"`
	EcoTemperature        float64 `json:"eco_temperature"`
	OffsetTemperature     float64 `json:"offset_temperature"`
	WindowOpenTemperature float64 `json:"window_open_temperature"`
	WindowOpenMinutes     int     `json:"window_open_minutes"`
}

type deviceDoc struct {
	Serial          string `json:"serial"`
	FirmwareVersion int    `json:"firmware_version"`
}

type scheduleDoc struct {
	Days []scheduleDayDoc `json:"days"`
}

type scheduleDayDoc struct {
	Day   string            `json:"day"`
	Hours []scheduleHourDoc `json:"hours"`
}

type scheduleHourDoc struct {
	TargetTemperature float64 `json:"target_temperature"`
	Until             string  `json:"until"`
}

func statusView(status thermostat.Status) statusDoc {
	doc := statusDoc{
		Mode:              status.OperationMode().String(),
		TargetTemperature: status.TargetTemperature,
		Valve:             status.Valve,
		ValveTemperature:  status.ValveTemperature(),
		Boost:             status.IsBoost,
		Locked:            status.IsLocked,
		WindowOpen:        status.IsWindowOpen,
		LowBattery:        status.IsLowBattery,
		DST:               status.IsDST,
	}
	if status.AwayUntil != nil && !status.AwayUntil.Equal(protocol.AwayNone) {
		doc.AwayUntil = status.AwayUntil.Format(time.RFC3339)
	}
	if status.Presets != nil {
		doc.Presets = &presetsDoc{
			ComfortTemperature:    status.Presets.ComfortTemperature,
			EcoTemperature:        status.Presets.EcoTemperature,
			OffsetTemperature:     status.Presets.OffsetTemperature,
			WindowOpenTemperature: status.Presets.WindowOpenTemperature,
			WindowOpenMinutes:     int(status.Presets.WindowOpenDuration / time.Minute),
		}
	}
	return doc
}

func deviceView(data thermostat.DeviceData) deviceDoc {
	return deviceDoc{Serial: data.Serial, FirmwareVersion: data.FirmwareVersion}
}

func scheduleView(schedule thermostat.Schedule) scheduleDoc {
	doc := scheduleDoc{Days: []scheduleDayDoc{}}
	for _, day := range protocol.WeekDays() {
		d, ok := schedule.Day(day)
		if !ok {
			continue
		}
		dayDoc := scheduleDayDoc{Day: day.String(), Hours: []scheduleHourDoc{}}
		for _, h := range d.Hours {
			dayDoc.Hours = append(dayDoc.Hours, scheduleHourDoc{
				TargetTemperature: h.TargetTemperature,
				Until:             formatClock(h.NextChangeAt),
			})
		}
		doc.Days = append(doc.Days, dayDoc)
	}
	return doc
}

func connectedView(ev thermostat.ConnectedEvent) map[string]any {
	return map[string]any{
		"device":   deviceView(ev.DeviceData),
		"status":   statusView(ev.Status),
		"schedule": scheduleView(ev.Schedule),
	}
}

func parseScheduleDoc(doc scheduleDoc) (thermostat.Schedule, error) {
	var schedule thermostat.Schedule
	for _, dayDoc := range doc.Days {
		day, ok := protocol.ParseWeekDay(dayDoc.Day)
		if !ok {
			return thermostat.Schedule{}, fmt.Errorf("unknown weekday %q", dayDoc.Day)
		}
		d := thermostat.ScheduleDay{Day: day}
		for _, hourDoc := range dayDoc.Hours {
			until, err := parseClock(hourDoc.Until)
			if err != nil {
				return thermostat.Schedule{}, fmt.Errorf("day %s: %w", dayDoc.Day, err)
			}
			d.Hours = append(d.Hours, thermostat.ScheduleHour{
				TargetTemperature: hourDoc.TargetTemperature,
				NextChangeAt:      until,
			})
		}
		schedule.Days = append(schedule.Days, d)
	}
	return schedule, nil
}

func formatClock(d time.Duration) string {
	minutes := int(d / time.Minute)
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

func parseClock(v string) (time.Duration, error) {
	var h, m int
	if _, err := fmt.Sscanf(v, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid time %q, want HH:MM", v)
	}
	if h < 0 || h > 24 || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("time %q out of range", v)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "err", err)
	}
}

// writeError maps thermostat errors to HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, protocol.ErrInvalidData):
		code = http.StatusBadRequest
	case errors.Is(err, thermostat.ErrState):
		code = http.StatusConflict
	case errors.Is(err, thermostat.ErrConnection):
		code = http.StatusServiceUnavailable
	case errors.Is(err, thermostat.ErrTimeout):
		code = http.StatusGatewayTimeout
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()}) //nolint:errcheck
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		http.Error(w, fmt.Sprintf(`{"error":%q}`, "invalid request body: "+err.Error()), http.StatusBadRequest)
		return false
	}
	return true
}

func refreshRequested(r *http.Request) bool {
	switch r.URL.Query().Get("refresh") {
	case "1", "true":
		return true
	}
	return false
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	var (
		status thermostat.Status
		err    error
	)
	if refreshRequested(r) {
		status, err = s.therm.GetStatus(r.Context())
	} else {
		status, err = s.therm.Status()
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, statusView(status))
}

func (s *Server) handleAPIDevice(w http.ResponseWriter, _ *http.Request) {
	data, err := s.therm.DeviceData()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, deviceView(data))
}

func (s *Server) handleAPIGetSchedule(w http.ResponseWriter, r *http.Request) {
	var (
		schedule thermostat.Schedule
		err      error
	)
	if refreshRequested(r) {
		schedule, err = s.therm.GetSchedule(r.Context())
	} else {
		schedule, err = s.therm.Schedule()
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, scheduleView(schedule))
}

func (s *Server) handleAPIHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, `{"error":"history disabled"}`, http.StatusNotFound)
		return
	}
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, `{"error":"invalid since, want RFC 3339"}`, http.StatusBadRequest)
			return
		}
		since = parsed
	}
	samples, err := s.store.Samples(since)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, samples)
}

func (s *Server) handleAPISetTemperature(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Temperature float64 `json:"temperature"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	status, err := s.therm.SetTemperature(r.Context(), req.Temperature)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, statusView(status))
}

func (s *Server) handleAPISetMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode        string  `json:"mode"`
		Until       string  `json:"until,omitempty"`
		Temperature float64 `json:"temperature,omitempty"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	mode, err := thermostat.ParseOperationMode(req.Mode)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var status thermostat.Status
	if mode == thermostat.ModeAway {
		until, perr := time.Parse(time.RFC3339, req.Until)
		if perr != nil {
			http.Error(w, `{"error":"away mode needs until as RFC 3339"}`, http.StatusBadRequest)
			return
		}
		status, err = s.therm.SetAway(r.Context(), until, req.Temperature)
	} else {
		status, err = s.therm.SetMode(r.Context(), mode)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, statusView(status))
}

func (s *Server) handleAPISetBoost(w http.ResponseWriter, r *http.Request) {
	s.handleToggle(w, r, s.therm.SetBoost)
}

func (s *Server) handleAPISetLock(w http.ResponseWriter, r *http.Request) {
	s.handleToggle(w, r, s.therm.SetLocked)
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request, set func(ctx context.Context, enable bool) (thermostat.Status, error)) {
	var req struct {
		Enable bool `json:"enable"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	status, err := set(r.Context(), req.Enable)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, statusView(status))
}

func (s *Server) handleAPISetSchedule(w http.ResponseWriter, r *http.Request) {
	var doc scheduleDoc
	if !s.decodeBody(w, r, &doc) {
		return
	}
	schedule, err := parseScheduleDoc(doc)
	if err != nil {
		http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusBadRequest)
		return
	}
	applied, err := s.therm.SetSchedule(r.Context(), schedule)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, scheduleView(applied))
}
