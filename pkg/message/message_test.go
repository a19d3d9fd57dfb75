package message

import (
	"bytes"
	"net"
	"testing"
)

func TestDeliveryStateIsMonotonic(t *testing.T) {
	tests := []struct {
		name     string
		first    func(m *Message) bool
		second   func(m *Message) bool
		wantAck  bool
		wantRej  bool
		secondOK bool
	}{
		{"ack then reject", (*Message).SetAcknowledged, (*Message).SetRejected, true, false, false},
		{"reject then ack", (*Message).SetRejected, (*Message).SetAcknowledged, false, true, false},
		{"ack twice", (*Message).SetAcknowledged, (*Message).SetAcknowledged, true, false, true},
		{"reject twice", (*Message).SetRejected, (*Message).SetRejected, false, true, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := &Message{}
			if !tc.first(m) {
				t.Fatal("first transition should succeed")
			}
			if got := tc.second(m); got != tc.secondOK {
				t.Errorf("second transition = %v, want %v", got, tc.secondOK)
			}
			if m.IsAcknowledged() != tc.wantAck {
				t.Errorf("acknowledged = %v, want %v", m.IsAcknowledged(), tc.wantAck)
			}
			if m.IsRejected() != tc.wantRej {
				t.Errorf("rejected = %v, want %v", m.IsRejected(), tc.wantRej)
			}
		})
	}
}

func TestEmptyMessageAnswersSource(t *testing.T) {
	src := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5683}
	req := NewRequest(POST, Confirmable)
	req.MID = 0x1234
	req.Source = src

	ack := NewACK(&req.Message)
	if ack.Type != Acknowledgement || ack.Code != CodeEmpty {
		t.Errorf("ack = %s, want ACK-Empty", ack)
	}
	if ack.MID != req.MID {
		t.Errorf("ack MID = %d, want %d", ack.MID, req.MID)
	}
	if ack.Destination != src {
		t.Errorf("ack destination = %v, want %v", ack.Destination, src)
	}

	rst := NewRST(&req.Message)
	if rst.Type != Reset || rst.MID != req.MID {
		t.Errorf("rst = %s", rst)
	}
}

func TestObserveHelpers(t *testing.T) {
	req := NewGet("/sensors/temp")
	if req.IsObserve() {
		t.Error("plain GET should not be an observe registration")
	}
	req.SetObserve()
	if !req.IsObserve() {
		t.Error("SetObserve should mark the request")
	}
	if got := req.Options.Path(); got != "sensors/temp" {
		t.Errorf("path = %q, want sensors/temp", got)
	}

	resp := NewResponse(Content)
	if resp.IsNotification() {
		t.Error("response without Observe is not a notification")
	}
	resp.Options.SetObserve(0x1000005)
	seq, _ := resp.Options.Observe()
	if seq != 5 {
		t.Errorf("observe = %d, want 5 (24-bit)", seq)
	}
	if !resp.IsNotification() {
		t.Error("response with Observe is a notification")
	}
}

func TestCodeClassification(t *testing.T) {
	tests := []struct {
		code Code
		kind Kind
		str  string
	}{
		{CodeEmpty, KindEmpty, "Empty"},
		{GET, KindRequest, "GET"},
		{Content, KindResponse, "2.05"},
		{NotFound, KindResponse, "4.04"},
		{GatewayTimeout, KindResponse, "5.04"},
		{NewCode(7, 1), KindUnknown, "7.01"},
	}
	for _, tc := range tests {
		if got := KindOf(tc.code); got != tc.kind {
			t.Errorf("KindOf(%s) = %s, want %s", tc.code, got, tc.kind)
		}
		if got := tc.code.String(); got != tc.str {
			t.Errorf("String() = %q, want %q", got, tc.str)
		}
	}
}

func TestEncodeDecodeRequest(t *testing.T) {
	req := NewGet("a/b")
	req.MID = 0xBEEF
	req.Token = []byte{1, 2, 3, 4}
	req.SetObserve()
	req.Options.Add(OptionURIQuery, bytes.Repeat([]byte{'q'}, 300))
	req.Payload = []byte("hello")

	data, err := Encode(&req.Message)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	d, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if d.Kind != KindRequest || d.Request == nil {
		t.Fatalf("kind = %s, want Request", d.Kind)
	}
	got := d.Request
	if got.MID != req.MID || !bytes.Equal(got.Token, req.Token) {
		t.Errorf("header mismatch: %s", got)
	}
	if got.Options.Path() != "a/b" {
		t.Errorf("path = %q", got.Options.Path())
	}
	if !got.IsObserve() {
		t.Error("observe option lost")
	}
	q, _ := got.Options.Get(OptionURIQuery)
	if len(q) != 300 {
		t.Errorf("query length = %d, want 300", len(q))
	}
	if string(got.Payload) != "hello" {
		t.Errorf("payload = %q", got.Payload)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"short", []byte{0x40, 0x01}, ErrMessageTooShort},
		{"version", []byte{0x00, 0x01, 0, 1}, ErrInvalidVersion},
		{"token length", []byte{0x49, 0x01, 0, 1}, ErrInvalidTokenLen},
		{"truncated token", []byte{0x42, 0x01, 0, 1, 0xAA}, ErrMessageTooShort},
		{"bad code", []byte{0x40, 0xE1, 0, 1}, ErrInvalidCode},
		{"empty with token", []byte{0x61, 0x00, 0, 1, 0xAA}, ErrEmptyWithPayload},
		{"marker without payload", []byte{0x40, 0x01, 0, 1, 0xFF}, ErrMissingPayload},
		{"reserved option nibble", []byte{0x40, 0x01, 0, 1, 0xF0}, ErrInvalidOption},
		{"truncated option", []byte{0x40, 0x01, 0, 1, 0xB3, 'a'}, ErrInvalidOption},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode(tc.data); err != tc.want {
				t.Errorf("Decode error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestEncodeRejectsLongToken(t *testing.T) {
	m := &Message{Type: Confirmable, Code: GET, Token: make([]byte, 9)}
	if _, err := Encode(m); err != ErrTokenTooLong {
		t.Errorf("Encode error = %v, want ErrTokenTooLong", err)
	}
}

func TestDecodeEmptyAck(t *testing.T) {
	d, err := Decode([]byte{0x60, 0x00, 0x12, 0x34})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if d.Kind != KindEmpty || d.Empty.Type != Acknowledgement || d.Empty.MID != 0x1234 {
		t.Errorf("decoded %v", d.Message())
	}
}
