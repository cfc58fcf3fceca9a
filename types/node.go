package types

import "strings"

// ------------------------
// Built-in sensor types
// ------------------------

type SensorType int

const (
	SensorAnalogInput SensorType = iota
	SensorLDR
	SensorThermistor
	SensorDigitalInput
	SensorDigitalOutput
	SensorRelay
	SensorLatchingRelay
	SensorDHT11
	SensorDHT22
	SensorSHT21
	SensorSwitch
	SensorDoor
	SensorMotion
	SensorDS18B20
)

var sensorTypeNames = [...]string{
	"analog_input", "ldr", "thermistor", "digital_input", "digital_output",
	"relay", "latching_relay", "dht11", "dht22", "sht21",
	"switch", "door", "motion", "ds18b20",
}

func (t SensorType) String() string {
	if t < 0 || int(t) >= len(sensorTypeNames) {
		return "unknown"
	}
	return sensorTypeNames[t]
}

// ParseSensorType accepts the snake_case names used in configuration files.
func ParseSensorType(s string) (SensorType, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range sensorTypeNames {
		if n == s {
			return SensorType(i), true
		}
	}
	return -1, false
}

// ------------------------
// Value representation
// ------------------------

// ValueKind selects which member of a sensor value is valid.
type ValueKind uint8

const (
	KindInteger ValueKind = iota
	KindFloat
	KindString
)

func (k ValueKind) String() string {
	switch k {
	case KindInteger:
		return "integer"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	default:
		return "unknown"
	}
}

// ------------------------
// Sleep policy
// ------------------------

type SleepMode uint8

const (
	Idle SleepMode = iota
	Sleep
	Wait
)

func (m SleepMode) String() string {
	switch m {
	case Idle:
		return "idle"
	case Sleep:
		return "sleep"
	case Wait:
		return "wait"
	default:
		return "unknown"
	}
}

func ParseSleepMode(s string) (SleepMode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "idle":
		return Idle, true
	case "sleep":
		return Sleep, true
	case "wait":
		return Wait, true
	}
	return 0, false
}

type TimeUnit uint8

const (
	Seconds TimeUnit = iota
	Minutes
	Hours
	Days
)

func (u TimeUnit) String() string {
	switch u {
	case Seconds:
		return "seconds"
	case Minutes:
		return "minutes"
	case Hours:
		return "hours"
	case Days:
		return "days"
	default:
		return "unknown"
	}
}

func ParseTimeUnit(s string) (TimeUnit, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "seconds", "s":
		return Seconds, true
	case "", "minutes", "m":
		return Minutes, true
	case "hours", "h":
		return Hours, true
	case "days", "d":
		return Days, true
	}
	return 0, false
}
