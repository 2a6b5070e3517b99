package creditsync

import (
	"errors"
	"testing"
	"time"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env := Envelope{
		EventID:   "evt-1",
		EventType: EventTypeCreditAllocated,
		TenantID:  "t1",
		EntityID:  "e1",
		Amount:    123456,
		Timestamp: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Source:    "wrapper-svc",
		Metadata:  map[string]string{"plan": "pro"},
	}

	fields, err := env.Fields()
	if err != nil {
		t.Fatalf("fields: %v", err)
	}
	if fields["amount"] != "123456" {
		t.Fatalf("amount must travel as a string, got %q", fields["amount"])
	}

	decoded, err := DecodeEnvelope(fields)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.EventID != env.EventID || decoded.EventType != env.EventType {
		t.Fatalf("identity fields lost: %+v", decoded)
	}
	if decoded.Amount != env.Amount {
		t.Fatalf("amount lost: %d", decoded.Amount)
	}
	if !decoded.Timestamp.Equal(env.Timestamp) {
		t.Fatalf("timestamp lost: %v", decoded.Timestamp)
	}
	if decoded.Metadata["plan"] != "pro" {
		t.Fatalf("metadata lost: %+v", decoded.Metadata)
	}
}

func TestDecodeEnvelopeRejectsMissingFields(t *testing.T) {
	_, err := DecodeEnvelope(map[string]string{"event_id": "evt-1"})
	if !errors.Is(err, ErrMissingEventType) {
		t.Fatalf("expected ErrMissingEventType, got %v", err)
	}

	_, err = DecodeEnvelope(map[string]string{"event_type": EventTypeCreditAllocated})
	if !errors.Is(err, ErrMissingEventID) {
		t.Fatalf("expected ErrMissingEventID, got %v", err)
	}
}

func TestDecodeEnvelopeRejectsBadAmount(t *testing.T) {
	_, err := DecodeEnvelope(map[string]string{
		"event_id":   "evt-1",
		"event_type": EventTypeCreditAllocated,
		"amount":     "twelve",
	})
	if err == nil {
		t.Fatalf("expected parse error")
	}
}
