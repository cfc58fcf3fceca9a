package protocol

import (
	"testing"

	"nodemanager-go/errcode"
	"nodemanager-go/types"
)

func TestEncodeLine(t *testing.T) {
	m := types.Message{NodeID: 12, ChildID: 1, Command: types.CmdSet, Type: uint8(types.VTemp), Payload: "21.50"}
	if got, want := EncodeLine(m), "12;1;1;0;0;21.50"; got != want {
		t.Fatalf("EncodeLine = %q, want %q", got, want)
	}
}

func TestDecodeLine(t *testing.T) {
	m, err := DecodeLine("12;200;2;1;48;sleep_time=30;x\r\n")
	if err != nil {
		t.Fatalf("DecodeLine: %v", err)
	}
	if m.NodeID != 12 || m.ChildID != 200 || m.Command != types.CmdReq || !m.Ack || m.ValueType() != types.VCustom {
		t.Fatalf("unexpected header: %+v", m)
	}
	if m.Payload != "sleep_time=30;x" {
		t.Fatalf("payload = %q", m.Payload)
	}
}

func TestDecodeLineErrors(t *testing.T) {
	for _, line := range []string{"", "1;2;3", "a;1;1;0;0;x", "1;1;9;0;0;x", "1;1;1;0;300;x"} {
		if _, err := DecodeLine(line); errcode.Of(err) != errcode.InvalidPayload {
			t.Errorf("DecodeLine(%q) err = %v, want invalid_payload", line, err)
		}
	}
}

func TestTopicRoundTrip(t *testing.T) {
	m := types.Message{NodeID: 7, ChildID: 201, Command: types.CmdSet, Type: uint8(types.VVoltage), Payload: "3.10"}
	topic := Topic("mysensors-out/", m)
	if topic != "mysensors-out/7/201/1/0/38" {
		t.Fatalf("Topic = %q", topic)
	}
	got, err := ParseTopic("mysensors-out", topic, []byte("3.10"))
	if err != nil {
		t.Fatalf("ParseTopic: %v", err)
	}
	if got != m {
		t.Fatalf("ParseTopic = %+v, want %+v", got, m)
	}
	if _, err := ParseTopic("mysensors-in", topic, nil); err == nil {
		t.Fatal("prefix mismatch accepted")
	}
	if SubscribeTopic("mysensors-in", 7) != "mysensors-in/7/+/+/+/+" {
		t.Fatal("unexpected subscribe filter")
	}
}

func TestPayloadTruncated(t *testing.T) {
	m, err := DecodeLine("1;1;1;0;47;abcdefghijklmnopqrstuvwxyz0123")
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Payload) != MaxPayload {
		t.Fatalf("payload len = %d, want %d", len(m.Payload), MaxPayload)
	}
}
