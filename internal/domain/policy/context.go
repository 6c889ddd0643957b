package policy

import (
	"time"

	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/domain/message"
)

// EvaluationContext contains the message attributes a rule condition can see.
// The message text itself is not exposed, only its length.
type EvaluationContext struct {
	// Direction is outbound (PBX to gateway) or inbound (gateway to PBX).
	Direction message.Direction
	// From is the normalized sender number or extension.
	From string
	// To is the normalized recipient number or extension.
	To string
	// Extension is the PBX extension involved in the exchange.
	Extension string
	// Port is the gateway port involved in the exchange.
	Port int
	// TextLength is the decoded text length in bytes.
	TextLength int
	// RequestTime is when the message was received.
	RequestTime time.Time
}
