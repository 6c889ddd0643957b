package ami

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/domain/message"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/domain/routing"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/port/outbound"
)

// Deliverer sends messages with the MessageSend action. It implements
// outbound.Deliverer and outbound.Directory.
type Deliverer struct {
	client *Client
}

// NewDeliverer creates a Deliverer using client.
func NewDeliverer(client *Client) *Deliverer {
	return &Deliverer{client: client}
}

// Deliver sends text from from to the endpoint to. Multi-line texts go out
// as Base64Body.
func (d *Deliverer) Deliver(ctx context.Context, to, from, text string) (string, error) {
	fields := []Field{
		{"To", singleLine(to)},
		{"From", singleLine(from)},
	}
	if strings.ContainsAny(text, "\r\n") {
		fields = append(fields, Field{"Base64Body", base64.StdEncoding.EncodeToString([]byte(text))})
	} else {
		fields = append(fields, Field{"Body", text})
	}

	reply, err := d.client.Do(ctx, "MessageSend", fields...)
	if err != nil {
		return "", err
	}
	if reply.Response() == "" || reply.IsError() {
		reason := reply.Get("Message")
		if reason == "" {
			reason = "unknown error"
		}
		return "", fmt.Errorf("%w: %s", message.ErrDeliveryFailed, reason)
	}

	if ack := reply.Get("Message"); ack != "" {
		return ack, nil
	}
	return reply.Response(), nil
}

// ContactDomain returns the host of the first registered contact of the
// extension's PJSIP endpoint. Any failure is reported as absent.
func (d *Deliverer) ContactDomain(ctx context.Context, extension string) (string, bool) {
	if domain, ok := routing.ExtractDomain(extension); ok {
		return domain, true
	}

	reply, err := d.client.Do(ctx, "PJSIPShowEndpoint", Field{"Endpoint", singleLine(extension)})
	if err != nil {
		d.client.logger.Debug("contact lookup failed", "extension", extension, "error", err)
		return "", false
	}
	if reply.IsError() {
		return "", false
	}

	for _, ev := range reply.Events {
		if ev.Event() != "ContactStatusDetail" {
			continue
		}
		if domain, ok := routing.ExtractDomain(ev.Get("URI")); ok {
			return domain, true
		}
	}
	return "", false
}

func singleLine(s string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(s)
}

// Compile-time interface verification.
var (
	_ outbound.Deliverer = (*Deliverer)(nil)
	_ outbound.Directory = (*Deliverer)(nil)
)
