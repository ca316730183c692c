package protocol

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidData is returned when a value cannot be represented on the wire
// or wire data cannot be interpreted.
var ErrInvalidData = errors.New("invalid data")

// EncodeTemperature packs a temperature in degrees Celsius into half-degree
// wire units.
func EncodeTemperature(value float64) (byte, error) {
	if value < OffTemperature || value > OnTemperature {
		return 0, fmt.Errorf("%w: temperature %.1f out of range [%.1f, %.1f]",
			ErrInvalidData, value, OffTemperature, OnTemperature)
	}
	return byte(value * 2), nil
}

// DecodeTemperature unpacks half-degree wire units into degrees Celsius.
func DecodeTemperature(value byte) float64 {
	return float64(value) / 2
}

// EncodeTemperatureOffset packs a temperature offset into half-degree wire
// units biased by +3.5.
func EncodeTemperatureOffset(value float64) (byte, error) {
	if value < MinOffset || value > MaxOffset {
		return 0, fmt.Errorf("%w: temperature offset %.1f out of range [%.1f, %.1f]",
			ErrInvalidData, value, MinOffset, MaxOffset)
	}
	return byte((value + 3.5) / 0.5), nil
}

// DecodeTemperatureOffset unpacks a biased half-degree offset byte.
func DecodeTemperatureOffset(value byte) float64 {
	return float64(value)*0.5 - 3.5
}

// EncodeDuration packs a window-open duration into 5-minute wire units.
// Only the sub-day remainder of the span counts; remainders of an hour or
// more cannot be represented.
func EncodeDuration(value time.Duration) (byte, error) {
	seconds := int64(value/time.Second) % 86400
	if seconds < 0 {
		seconds += 86400
	}
	if seconds >= 3600 {
		return 0, fmt.Errorf("%w: window open time must be less than one hour, got %s",
			ErrInvalidData, value)
	}
	return byte(seconds / 300), nil
}

// DecodeDuration unpacks 5-minute wire units.
func DecodeDuration(value byte) time.Duration {
	return time.Duration(value) * 5 * time.Minute
}

// EncodeScheduleTime packs a time of day, given as an offset from midnight,
// into 10-minute wire units. Minutes past a 10-minute boundary are lost, and
// the top wire value decodes to 23:50, so times past 23:50 round down.
func EncodeScheduleTime(value time.Duration) (byte, error) {
	if value < 0 || value >= 24*time.Hour {
		return 0, fmt.Errorf("%w: schedule time %s outside a single day", ErrInvalidData, value)
	}
	return byte(value / (10 * time.Minute)), nil
}

// DecodeScheduleTime unpacks 10-minute wire units into an offset from
// midnight.
func DecodeScheduleTime(value byte) time.Duration {
	return time.Duration(value) * 10 * time.Minute
}

// AwayNone is the timestamp an all-zero away field decodes to, meaning no
// away end time is set.
var AwayNone = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.Local)

// EncodeAwayTimestamp packs a timestamp into the 4-byte away layout. The
// value is first rounded to the nearest half hour; the device cannot store
// finer away end times. Years outside 2000-2099 cannot be represented.
func EncodeAwayTimestamp(value time.Time) ([]byte, error) {
	value = value.Add(15 * time.Minute)
	value = value.Add(-time.Duration(value.Minute()%30) * time.Minute)

	if value.Year() < 2000 || value.Year() > 2099 {
		return nil, fmt.Errorf("%w: away year %d out of range [2000, 2099]", ErrInvalidData, value.Year())
	}

	hour := byte(value.Hour() * 2)
	if value.Minute() != 0 {
		hour |= 0x01
	}
	return []byte{
		byte(value.Day()),
		byte(value.Year() - 2000),
		hour,
		byte(value.Month()),
	}, nil
}

// DecodeAwayTimestamp unpacks the 4-byte away layout. All-zero input means
// no away end time and decodes to AwayNone.
func DecodeAwayTimestamp(data []byte) (time.Time, error) {
	if len(data) != 4 {
		return time.Time{}, fmt.Errorf("%w: away timestamp must be 4 bytes, got %d", ErrInvalidData, len(data))
	}
	if data[0] == 0 && data[1] == 0 && data[2] == 0 && data[3] == 0 {
		return AwayNone, nil
	}
	minute := 0
	if data[2]&0x01 != 0 {
		minute = 30
	}
	return time.Date(
		2000+int(data[1]),
		time.Month(data[3]),
		int(data[0]),
		int(data[2]>>1),
		minute,
		0, 0, time.Local,
	), nil
}

// EncodeTimestamp packs a full timestamp into the 6-byte layout used by the
// info-get command.
func EncodeTimestamp(value time.Time) []byte {
	return []byte{
		byte(value.Year() % 100),
		byte(value.Month()),
		byte(value.Day()),
		byte(value.Hour()),
		byte(value.Minute()),
		byte(value.Second()),
	}
}

// DecodeTimestamp unpacks the 6-byte timestamp layout.
func DecodeTimestamp(data []byte) (time.Time, error) {
	if len(data) != 6 {
		return time.Time{}, fmt.Errorf("%w: timestamp must be 6 bytes, got %d", ErrInvalidData, len(data))
	}
	return time.Date(
		2000+int(data[0]),
		time.Month(data[1]),
		int(data[2]),
		int(data[3]),
		int(data[4]),
		int(data[5]),
		0, time.Local,
	), nil
}

// EncodeSerial obfuscates a serial string by shifting every byte up by 0x30,
// matching the device's firmware.
func EncodeSerial(value string) []byte {
	out := make([]byte, len(value))
	for i := 0; i < len(value); i++ {
		out[i] = value[i] + 0x30
	}
	return out
}

// DecodeSerial reverses the 0x30 byte shift.
func DecodeSerial(data []byte) string {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b - 0x30
	}
	return string(out)
}
