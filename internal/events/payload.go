package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	pkgerrors "github.com/angelmondragon/fleetpulse-inbound/pkg/errors"
)

// DecodedEventPayload is a device event already decoded from its device
// protocol upstream, pending registration validation. The nested event
// body stays opaque to this service.
type DecodedEventPayload struct {
	SourceID    string          `json:"source_id"`
	DeviceToken string          `json:"device_token"`
	Originator  string          `json:"originator,omitempty"`
	Event       json.RawMessage `json:"event"`
	ReceivedAt  time.Time       `json:"received_at"`
}

// Validate checks the fields this service depends on.
func (p DecodedEventPayload) Validate() error {
	if strings.TrimSpace(p.DeviceToken) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "payload device token is required")
	}
	return nil
}

// Marshal produces the wire form written to outbound sinks.
func (p DecodedEventPayload) Marshal() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for %q: %w", p.DeviceToken, err)
	}
	return data, nil
}

// BatchEnvelope groups decoded payloads read from one source partition.
// The partition is carried for traceability only.
type BatchEnvelope struct {
	BatchID   string                `json:"batch_id"`
	Partition string                `json:"partition"`
	Payloads  []DecodedEventPayload `json:"payloads"`
}

// DecodeBatch parses a batch envelope from its wire form.
func DecodeBatch(data []byte) (*BatchEnvelope, error) {
	var envelope BatchEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode batch envelope")
	}
	if strings.TrimSpace(envelope.Partition) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "batch partition is required")
	}
	return &envelope, nil
}

// Encode produces the envelope's wire form.
func (b BatchEnvelope) Encode() ([]byte, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode batch envelope %q: %w", b.BatchID, err)
	}
	return data, nil
}
