// Package protocol maps types.Message onto the two text framings used by
// MySensors gateways:
//
//	serial line:  node;child;cmd;ack;type;payload\n
//	MQTT topic:   <prefix>/node/child/cmd/ack/type   (payload is the MQTT body)
package protocol

import (
	"strconv"
	"strings"

	"nodemanager-go/errcode"
	"nodemanager-go/types"
)

// MaxPayload is the largest payload a radio frame can carry.
const MaxPayload = 25

// EncodeLine renders m in serial gateway format without the trailing newline.
func EncodeLine(m types.Message) string {
	var b strings.Builder
	b.Grow(16 + len(m.Payload))
	b.WriteString(strconv.Itoa(int(m.NodeID)))
	b.WriteByte(';')
	b.WriteString(strconv.Itoa(int(m.ChildID)))
	b.WriteByte(';')
	b.WriteString(strconv.Itoa(int(m.Command)))
	b.WriteByte(';')
	if m.Ack {
		b.WriteByte('1')
	} else {
		b.WriteByte('0')
	}
	b.WriteByte(';')
	b.WriteString(strconv.Itoa(int(m.Type)))
	b.WriteByte(';')
	b.WriteString(m.Payload)
	return b.String()
}

// DecodeLine parses a serial gateway line. Trailing CR/LF is ignored; the
// payload may itself contain ';'.
func DecodeLine(line string) (types.Message, error) {
	line = strings.TrimRight(line, "\r\n")
	parts := strings.SplitN(line, ";", 6)
	if len(parts) != 6 {
		return types.Message{}, errcode.Wrap(errcode.InvalidPayload, "decode_line", "want 6 fields", nil)
	}
	var hdr [5]uint8
	for i := 0; i < 5; i++ {
		n, err := strconv.ParseUint(parts[i], 10, 8)
		if err != nil {
			return types.Message{}, errcode.Wrap(errcode.InvalidPayload, "decode_line", "field "+strconv.Itoa(i), err)
		}
		hdr[i] = uint8(n)
	}
	return fromHeader(hdr, parts[5])
}

// Topic renders the MQTT topic for m under prefix (e.g. "mysensors-out").
func Topic(prefix string, m types.Message) string {
	ack := "0"
	if m.Ack {
		ack = "1"
	}
	return strings.Join([]string{
		strings.TrimRight(prefix, "/"),
		strconv.Itoa(int(m.NodeID)),
		strconv.Itoa(int(m.ChildID)),
		strconv.Itoa(int(m.Command)),
		ack,
		strconv.Itoa(int(m.Type)),
	}, "/")
}

// SubscribeTopic is the filter that matches every message for node under prefix.
func SubscribeTopic(prefix string, node uint8) string {
	return strings.TrimRight(prefix, "/") + "/" + strconv.Itoa(int(node)) + "/+/+/+/+"
}

// ParseTopic is the inverse of Topic.
func ParseTopic(prefix, topic string, payload []byte) (types.Message, error) {
	prefix = strings.TrimRight(prefix, "/") + "/"
	if !strings.HasPrefix(topic, prefix) {
		return types.Message{}, errcode.Wrap(errcode.InvalidPayload, "parse_topic", "prefix mismatch", nil)
	}
	parts := strings.Split(strings.TrimPrefix(topic, prefix), "/")
	if len(parts) != 5 {
		return types.Message{}, errcode.Wrap(errcode.InvalidPayload, "parse_topic", "want 5 levels", nil)
	}
	var hdr [5]uint8
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return types.Message{}, errcode.Wrap(errcode.InvalidPayload, "parse_topic", "level "+strconv.Itoa(i), err)
		}
		hdr[i] = uint8(n)
	}
	return fromHeader(hdr, string(payload))
}

func fromHeader(h [5]uint8, payload string) (types.Message, error) {
	if h[2] > uint8(types.CmdStream) {
		return types.Message{}, errcode.Wrap(errcode.InvalidPayload, "decode", "unknown command", nil)
	}
	if len(payload) > MaxPayload {
		payload = payload[:MaxPayload]
	}
	return types.Message{
		NodeID:  h[0],
		ChildID: h[1],
		Command: types.Command(h[2]),
		Ack:     h[3] == 1,
		Type:    h[4],
		Payload: payload,
	}, nil
}
