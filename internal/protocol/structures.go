package protocol

import (
	"fmt"
	"time"
)

// Command is an outbound message with a fixed wire layout.
type Command interface {
	Serialize() ([]byte, error)
}

// Message is the generic envelope used to peek at an inbound notification
// before dispatching it to a full parse.
type Message struct {
	Opcode   Opcode
	IsStatus bool
	Data     []byte
}

// ParseMessage splits a notification into opcode, status flag and remainder.
func ParseMessage(data []byte) (Message, error) {
	if len(data) < 2 {
		return Message{}, fmt.Errorf("%w: message needs at least 2 bytes, got %d", ErrInvalidData, len(data))
	}
	return Message{
		Opcode:   Opcode(data[0]),
		IsStatus: data[1] != 0,
		Data:     data[2:],
	}, nil
}

const (
	deviceDataLength = 15
	serialLength     = 10
)

// DeviceDataStruct is the id-return message carrying firmware version and
// the obfuscated serial number.
type DeviceDataStruct struct {
	Version  byte
	Unknown1 byte
	Unknown2 byte
	Serial   string
	Unknown3 byte
}

func (s DeviceDataStruct) Serialize() ([]byte, error) {
	if len(s.Serial) != serialLength {
		return nil, fmt.Errorf("%w: serial must be %d characters, got %d", ErrInvalidData, serialLength, len(s.Serial))
	}
	out := make([]byte, 0, deviceDataLength)
	out = append(out, byte(OpIDReturn), s.Version, s.Unknown1, s.Unknown2)
	out = append(out, EncodeSerial(s.Serial)...)
	out = append(out, s.Unknown3)
	return out, nil
}

// ParseDeviceData parses a full id-return message including its opcode byte.
func ParseDeviceData(data []byte) (DeviceDataStruct, error) {
	if len(data) != deviceDataLength {
		return DeviceDataStruct{}, fmt.Errorf("%w: device data must be %d bytes, got %d", ErrInvalidData, deviceDataLength, len(data))
	}
	if Opcode(data[0]) != OpIDReturn {
		return DeviceDataStruct{}, fmt.Errorf("%w: unexpected device data opcode 0x%02x", ErrInvalidData, data[0])
	}
	return DeviceDataStruct{
		Version:  data[1],
		Unknown1: data[2],
		Unknown2: data[3],
		Serial:   DecodeSerial(data[4 : 4+serialLength]),
		Unknown3: data[14],
	}, nil
}

// PresetsStruct is the preset tail optionally appended to a status message.
type PresetsStruct struct {
	WindowOpenTemp float64
	WindowOpenTime time.Duration
	ComfortTemp    float64
	EcoTemp        float64
	Offset         float64
}

func (s PresetsStruct) Serialize() ([]byte, error) {
	windowTemp, err := EncodeTemperature(s.WindowOpenTemp)
	if err != nil {
		return nil, err
	}
	windowTime, err := EncodeDuration(s.WindowOpenTime)
	if err != nil {
		return nil, err
	}
	comfort, err := EncodeTemperature(s.ComfortTemp)
	if err != nil {
		return nil, err
	}
	eco, err := EncodeTemperature(s.EcoTemp)
	if err != nil {
		return nil, err
	}
	offset, err := EncodeTemperatureOffset(s.Offset)
	if err != nil {
		return nil, err
	}
	return []byte{windowTemp, windowTime, comfort, eco, offset}, nil
}

func parsePresets(data []byte) (PresetsStruct, error) {
	if len(data) != 5 {
		return PresetsStruct{}, fmt.Errorf("%w: presets must be 5 bytes, got %d", ErrInvalidData, len(data))
	}
	return PresetsStruct{
		WindowOpenTemp: DecodeTemperature(data[0]),
		WindowOpenTime: DecodeDuration(data[1]),
		ComfortTemp:    DecodeTemperature(data[2]),
		EcoTemp:        DecodeTemperature(data[3]),
		Offset:         DecodeTemperatureOffset(data[4]),
	}, nil
}

const (
	statusBaseLength    = 6
	statusAwayLength    = 10
	statusPresetsLength = 15
)

// StatusStruct is the info-return status message. AwayUntil and Presets are
// optional trailing sections; Presets never appears without AwayUntil.
type StatusStruct struct {
	Flags      StatusFlags
	Valve      byte
	TargetTemp float64
	AwayUntil  *time.Time
	Presets    *PresetsStruct
}

func (s StatusStruct) Serialize() ([]byte, error) {
	if s.Presets != nil && s.AwayUntil == nil {
		return nil, fmt.Errorf("%w: status presets require an away timestamp", ErrInvalidData)
	}
	temp, err := EncodeTemperature(s.TargetTemp)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, statusPresetsLength)
	out = append(out, byte(OpInfoReturn), 0x01, byte(s.Flags), s.Valve, 0x04, temp)
	if s.AwayUntil != nil {
		away, err := EncodeAwayTimestamp(*s.AwayUntil)
		if err != nil {
			return nil, err
		}
		out = append(out, away...)
	}
	if s.Presets != nil {
		presets, err := s.Presets.Serialize()
		if err != nil {
			return nil, err
		}
		out = append(out, presets...)
	}
	return out, nil
}

// ParseStatus parses a full info-return status message including its opcode
// byte. Valid lengths are 6 (base), 10 (with away) and 15 (away + presets).
func ParseStatus(data []byte) (StatusStruct, error) {
	switch len(data) {
	case statusBaseLength, statusAwayLength, statusPresetsLength:
	default:
		return StatusStruct{}, fmt.Errorf("%w: status must be 6, 10 or 15 bytes, got %d", ErrInvalidData, len(data))
	}
	if Opcode(data[0]) != OpInfoReturn {
		return StatusStruct{}, fmt.Errorf("%w: unexpected status opcode 0x%02x", ErrInvalidData, data[0])
	}
	if data[1] != 0x01 {
		return StatusStruct{}, fmt.Errorf("%w: not a status payload (0x%02x)", ErrInvalidData, data[1])
	}
	if data[4] != 0x04 {
		return StatusStruct{}, fmt.Errorf("%w: unexpected status marker byte 0x%02x", ErrInvalidData, data[4])
	}

	s := StatusStruct{
		Flags:      StatusFlags(data[2]),
		Valve:      data[3],
		TargetTemp: DecodeTemperature(data[5]),
	}
	if len(data) >= statusAwayLength {
		away, err := DecodeAwayTimestamp(data[6:10])
		if err != nil {
			return StatusStruct{}, err
		}
		s.AwayUntil = &away
	}
	if len(data) == statusPresetsLength {
		presets, err := parsePresets(data[10:15])
		if err != nil {
			return StatusStruct{}, err
		}
		s.Presets = &presets
	}
	return s, nil
}

// ScheduleHourStruct is one switching point of a day schedule: hold
// TargetTemp until NextChangeAt (offset from midnight).
type ScheduleHourStruct struct {
	TargetTemp   float64
	NextChangeAt time.Duration
}

func (s ScheduleHourStruct) serialize() ([]byte, error) {
	temp, err := EncodeTemperature(s.TargetTemp)
	if err != nil {
		return nil, err
	}
	next, err := EncodeScheduleTime(s.NextChangeAt)
	if err != nil {
		return nil, err
	}
	return []byte{temp, next}, nil
}

// ScheduleDayStruct is the schedule-return message for one weekday. The hour
// list is greedy: it runs to the end of the message.
type ScheduleDayStruct struct {
	Day   WeekDay
	Hours []ScheduleHourStruct
}

func (s ScheduleDayStruct) Serialize() ([]byte, error) {
	out := make([]byte, 0, 2+2*len(s.Hours))
	out = append(out, byte(OpScheduleReturn), byte(s.Day))
	for _, h := range s.Hours {
		hour, err := h.serialize()
		if err != nil {
			return nil, err
		}
		out = append(out, hour...)
	}
	return out, nil
}

// ParseScheduleDay parses a full schedule-return message including its
// opcode byte.
func ParseScheduleDay(data []byte) (ScheduleDayStruct, error) {
	if len(data) < 2 {
		return ScheduleDayStruct{}, fmt.Errorf("%w: schedule day needs at least 2 bytes, got %d", ErrInvalidData, len(data))
	}
	if Opcode(data[0]) != OpScheduleReturn {
		return ScheduleDayStruct{}, fmt.Errorf("%w: unexpected schedule opcode 0x%02x", ErrInvalidData, data[0])
	}
	if (len(data)-2)%2 != 0 {
		return ScheduleDayStruct{}, fmt.Errorf("%w: schedule hours must be 2 bytes each", ErrInvalidData)
	}
	s := ScheduleDayStruct{Day: WeekDay(data[1])}
	for i := 2; i < len(data); i += 2 {
		s.Hours = append(s.Hours, ScheduleHourStruct{
			TargetTemp:   DecodeTemperature(data[i]),
			NextChangeAt: DecodeScheduleTime(data[i+1]),
		})
	}
	return s, nil
}

// IDGetCommand requests the id-return message.
type IDGetCommand struct{}

func (IDGetCommand) Serialize() ([]byte, error) {
	return []byte{byte(OpIDGet)}, nil
}

// InfoGetCommand requests a status message and sets the device clock as a
// side effect.
type InfoGetCommand struct {
	Time time.Time
}

func (c InfoGetCommand) Serialize() ([]byte, error) {
	out := make([]byte, 0, 7)
	out = append(out, byte(OpInfoGet))
	return append(out, EncodeTimestamp(c.Time)...), nil
}

// ComfortEcoConfigureCommand stores both preset temperatures.
type ComfortEcoConfigureCommand struct {
	ComfortTemperature float64
	EcoTemperature     float64
}

func (c ComfortEcoConfigureCommand) Serialize() ([]byte, error) {
	comfort, err := EncodeTemperature(c.ComfortTemperature)
	if err != nil {
		return nil, err
	}
	eco, err := EncodeTemperature(c.EcoTemperature)
	if err != nil {
		return nil, err
	}
	return []byte{byte(OpComfortEcoConfigure), comfort, eco}, nil
}

// OffsetConfigureCommand stores the temperature offset.
type OffsetConfigureCommand struct {
	Offset float64
}

func (c OffsetConfigureCommand) Serialize() ([]byte, error) {
	offset, err := EncodeTemperatureOffset(c.Offset)
	if err != nil {
		return nil, err
	}
	return []byte{byte(OpOffsetConfigure), offset}, nil
}

// WindowOpenConfigureCommand stores the window-open temperature and duration.
type WindowOpenConfigureCommand struct {
	Temperature float64
	Duration    time.Duration
}

func (c WindowOpenConfigureCommand) Serialize() ([]byte, error) {
	temp, err := EncodeTemperature(c.Temperature)
	if err != nil {
		return nil, err
	}
	duration, err := EncodeDuration(c.Duration)
	if err != nil {
		return nil, err
	}
	return []byte{byte(OpWindowOpenConfigure), temp, duration}, nil
}

// ScheduleGetCommand requests the schedule of one weekday.
type ScheduleGetCommand struct {
	Day WeekDay
}

func (c ScheduleGetCommand) Serialize() ([]byte, error) {
	return []byte{byte(OpScheduleGet), byte(c.Day)}, nil
}

// ScheduleSetCommand replaces the schedule of one weekday. An empty hour
// list clears the day.
type ScheduleSetCommand struct {
	Day   WeekDay
	Hours []ScheduleHourStruct
}

func (c ScheduleSetCommand) Serialize() ([]byte, error) {
	out := make([]byte, 0, 2+2*len(c.Hours))
	out = append(out, byte(OpScheduleSet), byte(c.Day))
	for _, h := range c.Hours {
		hour, err := h.serialize()
		if err != nil {
			return nil, err
		}
		out = append(out, hour...)
	}
	return out, nil
}

// ModeSetCommand sets the operation mode. Mode is one of the ModeByte
// values, with the target temperature encoded into the low bits for manual
// and away.
type ModeSetCommand struct {
	Mode byte
}

func (c ModeSetCommand) Serialize() ([]byte, error) {
	return []byte{byte(OpModeSet), c.Mode}, nil
}

// AwaySetCommand is a mode-set carrying the away end time.
type AwaySetCommand struct {
	Mode  byte
	Until time.Time
}

func (c AwaySetCommand) Serialize() ([]byte, error) {
	until, err := EncodeAwayTimestamp(c.Until)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 6)
	out = append(out, byte(OpModeSet), c.Mode)
	return append(out, until...), nil
}

// TemperatureSetCommand sets the target temperature.
type TemperatureSetCommand struct {
	Temperature float64
}

func (c TemperatureSetCommand) Serialize() ([]byte, error) {
	temp, err := EncodeTemperature(c.Temperature)
	if err != nil {
		return nil, err
	}
	return []byte{byte(OpTemperatureSet), temp}, nil
}

// ComfortSetCommand activates the comfort preset.
type ComfortSetCommand struct{}

func (ComfortSetCommand) Serialize() ([]byte, error) {
	return []byte{byte(OpComfortSet)}, nil
}

// EcoSetCommand activates the eco preset.
type EcoSetCommand struct{}

func (EcoSetCommand) Serialize() ([]byte, error) {
	return []byte{byte(OpEcoSet)}, nil
}

// BoostSetCommand starts or stops boost mode.
type BoostSetCommand struct {
	Enable bool
}

func (c BoostSetCommand) Serialize() ([]byte, error) {
	return []byte{byte(OpBoostSet), boolByte(c.Enable)}, nil
}

// LockSetCommand locks or unlocks the physical buttons.
type LockSetCommand struct {
	Enable bool
}

func (c LockSetCommand) Serialize() ([]byte, error) {
	return []byte{byte(OpLockSet), boolByte(c.Enable)}, nil
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
