package wire

import (
	"errors"
	"testing"

	"github.com/Wyydra/yacall/internal/core/domain"
)

func TestDecode_Offer(t *testing.T) {
	raw := []byte(`{"targetId":"bob","sessionId":"s1","kind":"offer","payload":{"type":"offer","sdp":"v=0"}}`)
	env, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Kind != domain.KindOffer || env.TargetID != "bob" || env.SessionID != "s1" {
		t.Fatalf("unexpected envelope: %#v", env)
	}
	desc, err := env.Description()
	if err != nil {
		t.Fatalf("description: %v", err)
	}
	if desc.SDP != "v=0" {
		t.Fatalf("sdp=%q, want %q", desc.SDP, "v=0")
	}
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"unknown field", `{"targetId":"bob","sessionId":"s1","kind":"end","extra":1}`, nil},
		{"trailing data", `{"targetId":"bob","sessionId":"s1","kind":"end"} {}`, nil},
		{"unknown kind", `{"targetId":"bob","sessionId":"s1","kind":"hello"}`, ErrUnknownKind},
		{"missing kind", `{"targetId":"bob","sessionId":"s1"}`, ErrMissingField},
		{"missing target", `{"sessionId":"s1","kind":"end"}`, ErrMissingField},
		{"missing session", `{"targetId":"bob","kind":"end"}`, ErrMissingField},
		{"offer without payload", `{"targetId":"bob","sessionId":"s1","kind":"offer"}`, ErrPayloadInvalid},
		{"answer carrying offer", `{"targetId":"bob","sessionId":"s1","kind":"answer","payload":{"type":"offer","sdp":"v=0"}}`, ErrPayloadInvalid},
		{"empty candidate", `{"targetId":"bob","sessionId":"s1","kind":"candidate","payload":{"candidate":""}}`, ErrPayloadInvalid},
		{"bad close payload", `{"targetId":"bob","sessionId":"s1","kind":"reject","payload":"busy"}`, ErrPayloadInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			if err == nil {
				t.Fatalf("expected error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("err=%v, want %v", err, tt.want)
			}
		})
	}
}

func TestEncode_CloseReason(t *testing.T) {
	env := domain.NewCloseEnvelope(domain.KindReject, "s1", "alice", domain.ReasonBusy)
	data, err := Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.CloseReason() != domain.ReasonBusy {
		t.Fatalf("reason=%q, want %q", got.CloseReason(), domain.ReasonBusy)
	}
}
