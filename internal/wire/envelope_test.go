package wire

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payload, err := json.Marshal(PeerAnnouncement{
		Endpoint:       "10.0.0.1:8080",
		Metadata:       map[string]string{"role": "peer"},
		AnnouncementId: "ann-1",
		TimeToLive:     3,
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	orig := &Envelope{
		MessageId:     "msg-1",
		MessageType:   TypePeerAnnouncement,
		SourceNodeId:  "node-a",
		DestNodeId:    "",
		CorrelationId: "",
		TimestampUtc:  time.Now().UTC().Truncate(time.Second),
		Format:        FormatJSON,
		Payload:       payload,
	}

	encoded, err := Encode(orig)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if decoded.MessageId != orig.MessageId ||
		decoded.MessageType != orig.MessageType ||
		decoded.SourceNodeId != orig.SourceNodeId ||
		decoded.DestNodeId != orig.DestNodeId ||
		decoded.CorrelationId != orig.CorrelationId ||
		decoded.Format != orig.Format {
		t.Fatalf("decoded envelope fields mismatch: %+v vs %+v", decoded, orig)
	}
	if !decoded.TimestampUtc.Equal(orig.TimestampUtc) {
		t.Fatalf("timestamp mismatch: %v vs %v", decoded.TimestampUtc, orig.TimestampUtc)
	}
	if string(decoded.Payload) != string(orig.Payload) {
		t.Fatalf("payload mismatch")
	}

	hdr, err := PeekHeader(encoded)
	if err != nil {
		t.Fatalf("PeekHeader: %v", err)
	}
	if hdr.MessageType != TypePeerAnnouncement {
		t.Fatalf("peeked messageType = %q, want %q", hdr.MessageType, TypePeerAnnouncement)
	}

	var decodedAnn PeerAnnouncement
	if err := json.Unmarshal(decoded.Payload, &decodedAnn); err != nil {
		t.Fatalf("unmarshal decoded payload: %v", err)
	}
	if decodedAnn.Endpoint != "10.0.0.1:8080" || decodedAnn.TimeToLive != 3 {
		t.Fatalf("decoded payload mismatch: %+v", decodedAnn)
	}
}

func TestDecodeBadMagic(t *testing.T) {
	b := make([]byte, 32)
	_, err := Decode(b)
	if err == nil {
		t.Fatal("expected error for all-zero buffer")
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	e := &Envelope{
		MessageType:  TypeFileChunk,
		TimestampUtc: time.Now(),
		Format:       FormatJSON,
		Payload:      make([]byte, MaxPayloadSize+1),
	}
	if _, err := Encode(e); err == nil {
		t.Fatal("expected error for oversized payload")
	}
}

func TestValidateEnvelopeRejectsUnknownType(t *testing.T) {
	e := &Envelope{MessageType: "NotARealType", TimestampUtc: time.Now()}
	if err := ValidateEnvelope(e, time.Now()); err == nil {
		t.Fatal("expected error for unknown message type")
	}
}

func TestValidateEnvelopeRejectsClockSkew(t *testing.T) {
	e := &Envelope{MessageType: TypeHeartbeat, TimestampUtc: time.Now().Add(-10 * time.Minute)}
	if err := ValidateEnvelope(e, time.Now()); err == nil {
		t.Fatal("expected error for clock skew")
	}
}

func TestValidateBroadcastTTL(t *testing.T) {
	if err := ValidateBroadcastTTL(0); err == nil {
		t.Fatal("expected error for ttl=0")
	}
	if err := ValidateBroadcastTTL(11); err == nil {
		t.Fatal("expected error for ttl=11")
	}
	if err := ValidateBroadcastTTL(5); err != nil {
		t.Fatalf("unexpected error for ttl=5: %v", err)
	}
}

func TestTicksRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Microsecond * 100 / 1000 * 1000)
	ticks := ToTicks(now)
	back := FromTicks(ticks)
	if back.Sub(now) > 200*time.Nanosecond || now.Sub(back) > 200*time.Nanosecond {
		t.Fatalf("tick round trip drifted: %v vs %v", now, back)
	}
}
