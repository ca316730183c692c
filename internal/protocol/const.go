// Package protocol implements the eQ-3 Bluetooth Smart thermostat wire
// protocol: field codecs and the fixed-layout messages exchanged over the
// device's GATT characteristics.
package protocol

// GATT characteristic UUIDs of the thermostat. Commands go to the write
// characteristic, every reply and push arrives on the notify characteristic.
const (
	WriteCharacteristic  = "3fa4585a-ce4a-3bad-db4b-b8df8179ea09"
	NotifyCharacteristic = "d0e8434d-cd29-0996-af41-6c90f4e0eb2a"
)

// Opcode is the first byte of every message.
type Opcode byte

const (
	OpIDGet               Opcode = 0x00
	OpIDReturn            Opcode = 0x01
	OpInfoReturn          Opcode = 0x02
	OpInfoGet             Opcode = 0x03
	OpScheduleSet         Opcode = 0x10
	OpComfortEcoConfigure Opcode = 0x11
	OpOffsetConfigure     Opcode = 0x13
	OpWindowOpenConfigure Opcode = 0x14
	OpScheduleGet         Opcode = 0x20
	OpScheduleReturn      Opcode = 0x21
	OpModeSet             Opcode = 0x40
	OpTemperatureSet      Opcode = 0x41
	OpComfortSet          Opcode = 0x43
	OpEcoSet              Opcode = 0x44
	OpBoostSet            Opcode = 0x45
	OpLockSet             Opcode = 0x80
)

// StatusFlags is the bitfield reported in every status message.
type StatusFlags byte

const (
	FlagManual     StatusFlags = 0x01
	FlagAway       StatusFlags = 0x02
	FlagBoost      StatusFlags = 0x04
	FlagDST        StatusFlags = 0x08
	FlagWindow     StatusFlags = 0x10
	FlagLocked     StatusFlags = 0x20
	FlagUnknown    StatusFlags = 0x40
	FlagLowBattery StatusFlags = 0x80
)

// Has reports whether flag is set.
func (f StatusFlags) Has(flag StatusFlags) bool { return f&flag != 0 }

// Mode base bytes for the mode-set command. Manual and away modes OR the
// encoded target temperature into the low bits.
const (
	ModeByteAuto   byte = 0x00
	ModeByteManual byte = 0x40
	ModeByteAway   byte = 0x80
)

// Temperature domain. 4.5 and 30.0 double as the OFF/ON sentinels; the
// regular settable range is 5.0 to 29.5.
const (
	OffTemperature float64 = 4.5
	OnTemperature  float64 = 30.0
	MinTemperature float64 = 5.0
	MaxTemperature float64 = 29.5

	MinOffset float64 = -3.5
	MaxOffset float64 = 3.5
)

// WeekDay is the wire-native weekday enumeration. The device week starts on
// Saturday.
type WeekDay byte

const (
	Saturday WeekDay = iota
	Sunday
	Monday
	Tuesday
	Wednesday
	Thursday
	Friday
)

// WeekDayFromIndex maps a Monday-based index (0 = Monday .. 6 = Sunday) to
// the wire value.
func WeekDayFromIndex(index int) WeekDay {
	if index < 5 {
		return WeekDay(index + 2)
	}
	return WeekDay(index - 5)
}

// WeekDays returns all weekdays in wire-value order, the order the device
// expects schedule queries in.
func WeekDays() []WeekDay {
	return []WeekDay{Saturday, Sunday, Monday, Tuesday, Wednesday, Thursday, Friday}
}

func (d WeekDay) String() string {
	switch d {
	case Saturday:
		return "saturday"
	case Sunday:
		return "sunday"
	case Monday:
		return "monday"
	case Tuesday:
		return "tuesday"
	case Wednesday:
		return "wednesday"
	case Thursday:
		return "thursday"
	case Friday:
		return "friday"
	}
	return "unknown"
}

// ParseWeekDay converts a weekday name back to its wire value.
func ParseWeekDay(name string) (WeekDay, bool) {
	for _, d := range WeekDays() {
		if d.String() == name {
			return d, true
		}
	}
	return 0, false
}
