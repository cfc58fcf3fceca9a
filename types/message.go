package types

import (
	"strconv"
	"strings"
)

// Message is one unit exchanged with the controller network.
// Type carries a Presentation, ValueType or Internal code depending on Command.
type Message struct {
	NodeID  uint8
	ChildID uint8
	Command Command
	Ack     bool
	Type    uint8
	Payload string
}

// Set builds a C_SET message for a child.
func Set(child uint8, vt ValueType, payload string) Message {
	return Message{ChildID: child, Command: CmdSet, Type: uint8(vt), Payload: payload}
}

// Present builds a C_PRESENTATION message for a child.
func Present(child uint8, p Presentation, description string) Message {
	return Message{ChildID: child, Command: CmdPresentation, Type: uint8(p), Payload: description}
}

// InternalMsg builds a C_INTERNAL message addressed to the node itself.
func InternalMsg(it Internal, payload string) Message {
	return Message{ChildID: NodeChildID, Command: CmdInternal, Type: uint8(it), Payload: payload}
}

// ValueType interprets Type as a V_* code.
func (m Message) ValueType() ValueType { return ValueType(m.Type) }

// IsRequest reports whether the controller asked for a value.
func (m Message) IsRequest() bool { return m.Command == CmdReq }

// Int parses the payload as a base-10 integer.
func (m Message) Int() (int, error) {
	return strconv.Atoi(strings.TrimSpace(m.Payload))
}

// Float parses the payload as a float.
func (m Message) Float() (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(m.Payload), 64)
}

// Bool treats "1", "on", "true" (any case) as true; everything else false.
func (m Message) Bool() bool {
	switch strings.ToLower(strings.TrimSpace(m.Payload)) {
	case "1", "on", "true":
		return true
	default:
		return false
	}
}
