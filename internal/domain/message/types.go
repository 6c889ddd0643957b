// Package message contains the SMS domain types exchanged between the
// gateway, the PBX and API callers, and the result variants of a dispatch.
package message

// Direction identifies which way a message travels.
type Direction string

const (
	// DirectionOutbound is extension to gateway.
	DirectionOutbound Direction = "outbound"
	// DirectionInbound is gateway to extension.
	DirectionInbound Direction = "inbound"
)

// SMS is one message after routing. It is built per request and never stored.
type SMS struct {
	From string
	To   string
	Port int
	Text string
}

// OutboundRequest is a send request raised by a PBX extension.
// Text is percent-encoded.
type OutboundRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
	Text string `json:"text"`
}

// InboundItem is one message received by the gateway. Port is a pointer so
// that a missing port is distinguishable from port 0.
type InboundItem struct {
	Port   *int   `json:"port"`
	Number string `json:"number"`
	Text   string `json:"text"`
}

// InboundBatch is the body posted by the gateway for received messages.
type InboundBatch struct {
	SMS []InboundItem `json:"sms"`
}

// IntPtr returns a pointer to p.
func IntPtr(p int) *int {
	return &p
}
