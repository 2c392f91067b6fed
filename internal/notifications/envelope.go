package notifications

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/darkden-lab/notifyd/internal/broker"
)

// Category is the outer classification of an inbound event.
type Category string

const (
	CategoryUser          Category = "user"
	CategorySystem        Category = "system"
	CategoryTransactional Category = "transactional"
	CategoryAdmin         Category = "admin"
	CategoryMarketing     Category = "marketing"
	CategoryPromotional   Category = "promotional"
	CategorySecurity      Category = "security"
	CategoryVendor        Category = "vendor"
)

// Categories lists every known category.
var Categories = []Category{
	CategoryUser,
	CategorySystem,
	CategoryTransactional,
	CategoryAdmin,
	CategoryMarketing,
	CategoryPromotional,
	CategorySecurity,
	CategoryVendor,
}

// Severity of a delivery log entry.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Recipient identifies one addressee of an envelope.
type Recipient struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
}

// Envelope is the decoded body of a broker message.
type Envelope struct {
	Recipients []Recipient     `json:"recipients,omitempty"`
	Category   Category        `json:"category"`
	Event      string          `json:"event,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// DecodeEnvelope parses a message body. Failures are permanent: the body
// will never decode no matter how often it is redelivered.
func DecodeEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return env, broker.Permanent(fmt.Errorf("%w: envelope must be a JSON object", broker.ErrMalformed))
	}
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return env, broker.Permanent(fmt.Errorf("%w: %v", broker.ErrMalformed, err))
	}
	return env, nil
}

// DecodePayload unmarshals the envelope payload into v.
func (e Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s/%s: empty payload", e.Category, e.Event)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%s/%s: decode payload: %w", e.Category, e.Event, err)
	}
	return nil
}
