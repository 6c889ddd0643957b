// Package outbound defines the outbound port interfaces for reaching the SMS
// gateway, the PBX and the dispatch journal.
package outbound

import (
	"context"
	"time"

	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/domain/message"
)

// GatewayReply is the HTTP outcome of an authenticated send.
type GatewayReply struct {
	StatusCode int
	Body       string
}

// Gateway submits SMS to the gateway. Adapters perform the digest
// handshake themselves.
type Gateway interface {
	// Send makes one authenticated attempt. Challenge and transport failures
	// are returned as *message.Error; any HTTP status is returned in the reply.
	Send(ctx context.Context, sms message.SMS) (GatewayReply, error)
}

// Deliverer hands a message to the PBX for an endpoint such as "pjsip:201".
type Deliverer interface {
	// Deliver returns the raw acknowledgement. A rejected message returns an
	// error wrapping message.ErrDeliveryFailed.
	Deliver(ctx context.Context, to, from, text string) (ack string, err error)
}

// Directory looks up where an extension is currently registered.
type Directory interface {
	// ContactDomain returns the host of the extension's registered contact.
	// Absence is reported with ok=false and is never an error.
	ContactDomain(ctx context.Context, extension string) (domain string, ok bool)
}

// JournalEntry is one dispatch as recorded in the journal. The message text
// itself is never recorded.
type JournalEntry struct {
	Time      time.Time
	RequestID string
	Direction message.Direction
	Port      int
	Extension string
	Peer      string
	Status    message.Status
	Kind      message.Kind
	HTTPCode  int
	TextHash  uint64
	TextLen   int
}

// Journal records dispatch outcomes.
type Journal interface {
	Record(ctx context.Context, entry JournalEntry) error
	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, limit int) ([]JournalEntry, error)
	// Purge removes entries older than before and returns how many were removed.
	Purge(ctx context.Context, before time.Time) (int64, error)
	Close() error
}
