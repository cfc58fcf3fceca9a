package types

// ------------------------
// Message commands
// ------------------------

type Command uint8

const (
	CmdPresentation Command = 0
	CmdSet          Command = 1
	CmdReq          Command = 2
	CmdInternal     Command = 3
	CmdStream       Command = 4
)

func (c Command) String() string {
	switch c {
	case CmdPresentation:
		return "presentation"
	case CmdSet:
		return "set"
	case CmdReq:
		return "req"
	case CmdInternal:
		return "internal"
	case CmdStream:
		return "stream"
	default:
		return "unknown"
	}
}

// ------------------------
// Presentation (S_*) codes
// ------------------------

// Presentation tells the controller what a child represents.
type Presentation uint8

const (
	SDoor         Presentation = 0
	SMotion       Presentation = 1
	SSmoke        Presentation = 2
	SBinary       Presentation = 3
	SDimmer       Presentation = 4
	SCover        Presentation = 5
	STemp         Presentation = 6
	SHum          Presentation = 7
	SBaro         Presentation = 8
	SLightLevel   Presentation = 16
	SArduinoNode  Presentation = 17
	SRepeaterNode Presentation = 18
	SLock         Presentation = 19
	SCustom       Presentation = 23
	SMultimeter   Presentation = 30
	SWaterLeak    Presentation = 32
	SMoisture     Presentation = 35
	SInfo         Presentation = 36
)

// ------------------------
// Value (V_*) types
// ------------------------

// ValueType tells the controller the shape/meaning of a reported value.
type ValueType uint8

const (
	VTemp       ValueType = 0
	VHum        ValueType = 1
	VStatus     ValueType = 2
	VPercentage ValueType = 3
	VPressure   ValueType = 4
	VTripped    ValueType = 16
	VWatt       ValueType = 17
	VLightLevel ValueType = 23
	VVar1       ValueType = 24
	VLevel      ValueType = 37
	VVoltage    ValueType = 38
	VCurrent    ValueType = 39
	VText       ValueType = 47
	VCustom     ValueType = 48
)

// ------------------------
// Internal (I_*) types
// ------------------------

type Internal uint8

const (
	IBatteryLevel          Internal = 0
	ITime                  Internal = 1
	IVersion               Internal = 2
	IReboot                Internal = 13
	ISketchName            Internal = 11
	ISketchVersion         Internal = 12
	IHeartbeatRequest      Internal = 18
	IHeartbeatResponse     Internal = 22
	IPreSleepNotification  Internal = 32
	IPostSleepNotification Internal = 33
)

// ------------------------
// Well-known addresses
// ------------------------

const (
	GatewayID = 0

	// ConfigurationChildID receives remote configuration commands.
	ConfigurationChildID = 200
	// BatteryChildID reports supply voltage and battery percentage.
	BatteryChildID = 201
	// NodeChildID addresses the node itself (internal messages).
	NodeChildID = 255
)
