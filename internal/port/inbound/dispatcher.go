// Package inbound defines the inbound port interfaces for the SMS router.
// Inbound adapters (HTTP API, CLI) call these interfaces.
package inbound

import (
	"context"

	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/domain/message"
)

// Dispatcher routes messages between PBX extensions and the SMS gateway.
// Failures are reported as result variants, never as errors.
type Dispatcher interface {
	// DispatchOutbound sends a message from an extension through the gateway.
	DispatchOutbound(ctx context.Context, req message.OutboundRequest) message.Result

	// DispatchInbound delivers one gateway message to the extension bound to
	// its port.
	DispatchInbound(ctx context.Context, item message.InboundItem) message.Result

	// DispatchInboundBatch dispatches items in order. One result is returned
	// per item; failed is true when any item did not succeed.
	DispatchInboundBatch(ctx context.Context, items []message.InboundItem) (results []message.Result, failed bool)
}
