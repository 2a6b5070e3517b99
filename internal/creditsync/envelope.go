// Package creditsync implements the credit event protocol between the
// wrapper service and the CRM service over the durable stream.
package creditsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

const (
	EventTypeCreditAllocated = "credit.allocated"
	EventTypeCreditConsumed  = "credit.consumed"
)

var (
	ErrMissingEventType = errors.New("envelope missing event_type")
	ErrMissingEventID   = errors.New("envelope missing event_id")
)

// Envelope is the wire event. On the stream every field travels as a string
// (transport constraint); Amount is minor units.
type Envelope struct {
	EventID   string            `json:"event_id"`
	EventType string            `json:"event_type"`
	TenantID  string            `json:"tenant_id"`
	EntityID  string            `json:"entity_id"`
	Amount    int64             `json:"amount"`
	Timestamp time.Time         `json:"timestamp"`
	Source    string            `json:"source"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Fields flattens the envelope into the string-valued map the stream accepts.
func (e Envelope) Fields() (map[string]string, error) {
	fields := map[string]string{
		"event_id":   e.EventID,
		"event_type": e.EventType,
		"tenant_id":  e.TenantID,
		"entity_id":  e.EntityID,
		"amount":     strconv.FormatInt(e.Amount, 10),
		"timestamp":  e.Timestamp.UTC().Format(time.RFC3339Nano),
		"source":     e.Source,
	}
	if len(e.Metadata) > 0 {
		raw, err := json.Marshal(e.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
		fields["metadata"] = string(raw)
	}
	return fields, nil
}

// DecodeEnvelope parses a delivered field map back into an Envelope.
func DecodeEnvelope(values map[string]string) (*Envelope, error) {
	eventType := values["event_type"]
	if eventType == "" {
		return nil, ErrMissingEventType
	}
	eventID := values["event_id"]
	if eventID == "" {
		return nil, ErrMissingEventID
	}

	env := &Envelope{
		EventID:   eventID,
		EventType: eventType,
		TenantID:  values["tenant_id"],
		EntityID:  values["entity_id"],
		Source:    values["source"],
	}

	if raw := values["amount"]; raw != "" {
		amount, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse amount %q: %w", raw, err)
		}
		env.Amount = amount
	}
	if raw := values["timestamp"]; raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp %q: %w", raw, err)
		}
		env.Timestamp = ts
	}
	if raw := values["metadata"]; raw != "" {
		var metadata map[string]string
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
		env.Metadata = metadata
	}
	return env, nil
}
