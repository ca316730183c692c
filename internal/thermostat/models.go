package thermostat

import (
	"fmt"
	"time"

	"eq3bt-home/internal/protocol"
)

// OperationMode is the user-facing operation mode. The zero value is auto,
// the device default.
type OperationMode int

const (
	ModeAuto OperationMode = iota
	ModeManual
	ModeOff
	ModeOn
	ModeAway
	ModeUnknown
)

func (m OperationMode) String() string {
	switch m {
	case ModeAuto:
		return "auto"
	case ModeManual:
		return "manual"
	case ModeOff:
		return "off"
	case ModeOn:
		return "on"
	case ModeAway:
		return "away"
	}
	return "unknown"
}

// ParseOperationMode converts a mode name back to its value.
func ParseOperationMode(name string) (OperationMode, error) {
	for _, m := range []OperationMode{ModeAuto, ModeManual, ModeOff, ModeOn, ModeAway} {
		if m.String() == name {
			return m, nil
		}
	}
	return ModeUnknown, fmt.Errorf("%w: unknown operation mode %q", protocol.ErrInvalidData, name)
}

// Preset selects one of the two stored temperature presets.
type Preset int

const (
	PresetComfort Preset = iota
	PresetEco
)

// DeviceData is the device identity reported by the id-return message.
type DeviceData struct {
	FirmwareVersion int
	Serial          string
}

func deviceDataFromBytes(data []byte) (DeviceData, error) {
	s, err := protocol.ParseDeviceData(data)
	if err != nil {
		return DeviceData{}, err
	}
	return DeviceData{
		FirmwareVersion: int(s.Version),
		Serial:          s.Serial,
	}, nil
}

// Presets holds the configurable preset values reported in the extended
// status message.
type Presets struct {
	WindowOpenTemperature float64
	WindowOpenDuration    time.Duration
	ComfortTemperature    float64
	EcoTemperature        float64
	OffsetTemperature     float64
}

// Status is the decoded state of the thermostat.
type Status struct {
	Valve             int
	TargetTemperature float64
	IsAway            bool
	IsBoost           bool
	IsDST             bool
	IsWindowOpen      bool
	IsLocked          bool
	IsLowBattery      bool
	AwayUntil         *time.Time
	Presets           *Presets

	// rawMode is the mode bit as reported; OperationMode layers the OFF/ON
	// sentinel temperatures on top.
	rawMode OperationMode
}

// OperationMode reports the effective mode. The OFF and ON sentinel target
// temperatures take priority over the reported mode bit.
func (s Status) OperationMode() OperationMode {
	switch s.TargetTemperature {
	case protocol.OffTemperature:
		return ModeOff
	case protocol.OnTemperature:
		return ModeOn
	}
	return s.rawMode
}

// ValveTemperature estimates the air temperature at the valve from the
// valve opening and the target temperature.
func (s Status) ValveTemperature() float64 {
	return (1-float64(s.Valve)/100)*2 + s.TargetTemperature - 2
}

func statusFromStruct(st protocol.StatusStruct) Status {
	raw := ModeAuto
	switch {
	case st.Flags.Has(protocol.FlagAway):
		raw = ModeAway
	case st.Flags.Has(protocol.FlagManual):
		raw = ModeManual
	}

	s := Status{
		Valve:             int(st.Valve),
		TargetTemperature: st.TargetTemp,
		IsAway:            st.Flags.Has(protocol.FlagAway),
		IsBoost:           st.Flags.Has(protocol.FlagBoost),
		IsDST:             st.Flags.Has(protocol.FlagDST),
		IsWindowOpen:      st.Flags.Has(protocol.FlagWindow),
		IsLocked:          st.Flags.Has(protocol.FlagLocked),
		IsLowBattery:      st.Flags.Has(protocol.FlagLowBattery),
		AwayUntil:         st.AwayUntil,
		rawMode:           raw,
	}
	if st.Presets != nil {
		s.Presets = &Presets{
			WindowOpenTemperature: st.Presets.WindowOpenTemp,
			WindowOpenDuration:    st.Presets.WindowOpenTime,
			ComfortTemperature:    st.Presets.ComfortTemp,
			EcoTemperature:        st.Presets.EcoTemp,
			OffsetTemperature:     st.Presets.Offset,
		}
	}
	return s
}

func statusFromBytes(data []byte) (Status, error) {
	st, err := protocol.ParseStatus(data)
	if err != nil {
		return Status{}, err
	}
	return statusFromStruct(st), nil
}

// ScheduleHour is one switching point: hold TargetTemperature until
// NextChangeAt, an offset from midnight.
type ScheduleHour struct {
	TargetTemperature float64
	NextChangeAt      time.Duration
}

// ScheduleDay is the switching program of a single weekday.
type ScheduleDay struct {
	Day   protocol.WeekDay
	Hours []ScheduleHour
}

func (d ScheduleDay) equal(other ScheduleDay) bool {
	if d.Day != other.Day || len(d.Hours) != len(other.Hours) {
		return false
	}
	for i := range d.Hours {
		if d.Hours[i] != other.Hours[i] {
			return false
		}
	}
	return true
}

// Schedule is the weekly switching program, held as a set of days.
type Schedule struct {
	Days []ScheduleDay
}

// Merge copies every day of other into s. A day already present is replaced
// wholesale; merging the same days in any order yields the same result.
func (s *Schedule) Merge(other Schedule) {
	for _, od := range other.Days {
		replaced := false
		for i := range s.Days {
			if s.Days[i].Day == od.Day {
				s.Days[i] = od
				replaced = true
				break
			}
		}
		if !replaced {
			s.Days = append(s.Days, od)
		}
	}
}

// Day returns the switching program of one weekday.
func (s Schedule) Day(day protocol.WeekDay) (ScheduleDay, bool) {
	for _, d := range s.Days {
		if d.Day == day {
			return d, true
		}
	}
	return ScheduleDay{}, false
}

// Equal compares two schedules. Weekdays without switching points on both
// sides are ignored, so a missing day and an empty day compare equal.
func (s Schedule) Equal(other Schedule) bool {
	for _, day := range protocol.WeekDays() {
		a, _ := s.Day(day)
		b, _ := other.Day(day)
		if len(a.Hours) == 0 && len(b.Hours) == 0 {
			continue
		}
		a.Day, b.Day = day, day
		if !a.equal(b) {
			return false
		}
	}
	return true
}

func (s Schedule) clone() Schedule {
	days := make([]ScheduleDay, len(s.Days))
	for i, d := range s.Days {
		hours := make([]ScheduleHour, len(d.Hours))
		copy(hours, d.Hours)
		days[i] = ScheduleDay{Day: d.Day, Hours: hours}
	}
	return Schedule{Days: days}
}

func scheduleFromBytes(data []byte) (Schedule, error) {
	st, err := protocol.ParseScheduleDay(data)
	if err != nil {
		return Schedule{}, err
	}
	day := ScheduleDay{Day: st.Day}
	for _, h := range st.Hours {
		day.Hours = append(day.Hours, ScheduleHour{
			TargetTemperature: h.TargetTemp,
			NextChangeAt:      h.NextChangeAt,
		})
	}
	return Schedule{Days: []ScheduleDay{day}}, nil
}
