package protocol

import (
	"encoding/json"
	"testing"
)

func TestIsControlIdentifiesHelloAndPong(t *testing.T) {
	cases := []struct {
		frameType string
		want      bool
	}{
		{TypeHello, true},
		{TypePong, true},
		{TypeEvent, false},
		{TypeChatToken, false},
		{TypeChatDone, false},
	}
	for _, tc := range cases {
		f := Frame{Type: tc.frameType}
		if got := f.IsControl(); got != tc.want {
			t.Errorf("IsControl(%q) = %v, want %v", tc.frameType, got, tc.want)
		}
	}
}

func TestFrameRoundTripsThroughJSON(t *testing.T) {
	sid := "u1:s1:3"
	payload, _ := json.Marshal(ChatTokenPayload{Token: "hi", ClientRequestID: "req-1"})
	original := Frame{
		ProtocolVersion: Version,
		Type:            TypeChatToken,
		Seq:             3,
		Cursor:          3,
		ServerEventID:   &sid,
		AckRequired:     true,
		Payload:         payload,
	}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded Frame
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Seq != original.Seq || decoded.Type != original.Type || *decoded.ServerEventID != sid {
		t.Fatalf("round-trip mismatch: %+v", decoded)
	}

	var tokenPayload ChatTokenPayload
	if err := json.Unmarshal(decoded.Payload, &tokenPayload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if tokenPayload.Token != "hi" || tokenPayload.ClientRequestID != "req-1" {
		t.Fatalf("unexpected payload: %+v", tokenPayload)
	}
}

func TestClientFrameDecodesAckByCursor(t *testing.T) {
	raw := `{"type":"ACK","cursor":5}`
	var frame ClientFrame
	if err := json.Unmarshal([]byte(raw), &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frame.Type != ClientTypeAck || frame.Cursor == nil || *frame.Cursor != 5 {
		t.Fatalf("unexpected frame: %+v", frame)
	}
}

func TestChatDonePayloadMarshalsNilErrorAsNull(t *testing.T) {
	data, err := json.Marshal(ChatDonePayload{Interrupted: false, ClientRequestID: "req-1", Error: nil})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v, ok := decoded["error"]; !ok || v != nil {
		t.Fatalf("expected error field present as null, got %v (present=%v)", v, ok)
	}
}
