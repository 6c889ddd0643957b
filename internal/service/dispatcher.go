package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/adapter/outbound/journal"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/ctxkey"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/domain/message"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/domain/policy"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/domain/ratelimit"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/domain/routing"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/port/inbound"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/port/outbound"
)

const tracerName = "github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/service"

// DispatchObserver receives one call per finished dispatch.
type DispatchObserver interface {
	ObserveDispatch(direction message.Direction, status message.Status, kind message.Kind, elapsed time.Duration)
}

// Dispatcher implements inbound.Dispatcher. It is safe for concurrent use;
// every collaborator is read-only after construction.
type Dispatcher struct {
	routes        *routing.Table
	gateway       outbound.Gateway
	deliverer     outbound.Deliverer
	directory     outbound.Directory
	defaultDomain string

	policy    policy.PolicyEngine
	limiter   ratelimit.RateLimiter
	limit     ratelimit.RateLimitConfig
	journal   outbound.Journal
	stats     *StatsService
	observers []DispatchObserver
	tracer    trace.Tracer
	logger    *slog.Logger
	now       func() time.Time
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDirectory sets the contact directory used to pick the sender domain of
// inbound messages. Without one the default domain is always used.
func WithDirectory(dir outbound.Directory) DispatcherOption {
	return func(d *Dispatcher) { d.directory = dir }
}

// WithPolicy sets the engine consulted before every outbound send.
func WithPolicy(engine policy.PolicyEngine) DispatcherOption {
	return func(d *Dispatcher) { d.policy = engine }
}

// WithRateLimit limits outbound sends per extension.
func WithRateLimit(limiter ratelimit.RateLimiter, cfg ratelimit.RateLimitConfig) DispatcherOption {
	return func(d *Dispatcher) {
		d.limiter = limiter
		d.limit = cfg
	}
}

// WithJournal records every dispatch.
func WithJournal(j outbound.Journal) DispatcherOption {
	return func(d *Dispatcher) { d.journal = j }
}

// WithStats counts dispatches in s.
func WithStats(s *StatsService) DispatcherOption {
	return func(d *Dispatcher) { d.stats = s }
}

// WithObserver adds a dispatch observer such as the Prometheus metrics.
func WithObserver(o DispatchObserver) DispatcherOption {
	return func(d *Dispatcher) { d.observers = append(d.observers, o) }
}

// WithTracer replaces the tracer taken from the global provider.
func WithTracer(t trace.Tracer) DispatcherOption {
	return func(d *Dispatcher) { d.tracer = t }
}

// WithDispatchClock replaces time.Now.
func WithDispatchClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher creates a Dispatcher. routes, gateway and deliverer are
// required; defaultDomain is used when no contact domain is known.
func NewDispatcher(routes *routing.Table, gateway outbound.Gateway, deliverer outbound.Deliverer, defaultDomain string, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		routes:        routes,
		gateway:       gateway,
		deliverer:     deliverer,
		defaultDomain: defaultDomain,
		journal:       journal.Nop{},
		tracer:        otel.Tracer(tracerName),
		logger:        logger.With("subsystem", "dispatcher"),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DispatchOutbound sends a message from an extension through the gateway.
func (d *Dispatcher) DispatchOutbound(ctx context.Context, req message.OutboundRequest) message.Result {
	start := d.now()
	ctx, span := d.tracer.Start(ctx, "sms.dispatch_outbound", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	entry := outbound.JournalEntry{Time: start, RequestID: requestIDFrom(ctx), Direction: message.DirectionOutbound}
	result := d.outbound(ctx, req, &entry)
	d.finish(ctx, span, &entry, result, start)
	return result
}

func (d *Dispatcher) outbound(ctx context.Context, req message.OutboundRequest, entry *outbound.JournalEntry) message.Result {
	from := routing.NormalizeAddress(req.From)
	if from == "" {
		return message.Failed{Err: message.NewError(message.KindRouting, "route", fmt.Errorf("%w: %q", routing.ErrUnroutableSender, req.From))}
	}
	entry.Extension = from

	port, err := d.routes.PortFor(from)
	if err != nil {
		return message.Failed{Err: message.NewError(message.KindRouting, "route", err)}
	}
	entry.Port = port

	to := routing.NormalizeAddress(req.To)
	if to == "" {
		err := fmt.Errorf("%w: recipient number", message.ErrMissingField)
		return message.Rejected{Reason: err.Error(), Err: err}
	}
	entry.Peer = to

	text, err := url.PathUnescape(req.Text)
	if err != nil {
		err = fmt.Errorf("%w: %v", message.ErrMalformedText, err)
		return message.Rejected{Reason: err.Error(), Err: err}
	}
	entry.TextHash = journal.Fingerprint(text)
	entry.TextLen = len(text)

	if r, ok := d.checkPolicy(ctx, policy.EvaluationContext{
		Direction:   message.DirectionOutbound,
		From:        from,
		To:          to,
		Extension:   from,
		Port:        port,
		TextLength:  len(text),
		RequestTime: entry.Time,
	}); !ok {
		return r
	}
	if r, ok := d.checkRateLimit(ctx, from); !ok {
		return r
	}

	reply, err := d.gateway.Send(ctx, message.SMS{From: from, To: to, Port: port, Text: text})
	if err != nil {
		return message.Fail(err, message.KindTransport, "send")
	}
	entry.HTTPCode = reply.StatusCode
	if reply.StatusCode < 200 || reply.StatusCode >= 300 {
		return message.Failed{Err: message.NewStatusError("send", reply.StatusCode, reply.Body)}
	}
	return message.Sent{HTTPCode: reply.StatusCode, Body: reply.Body}
}

// checkPolicy returns ok=false with the rejection when the message may not
// be sent. An evaluation error rejects the message.
func (d *Dispatcher) checkPolicy(ctx context.Context, evalCtx policy.EvaluationContext) (message.Result, bool) {
	if d.policy == nil {
		return nil, true
	}
	decision, err := d.policy.Evaluate(ctx, evalCtx)
	if err != nil {
		loggerFrom(ctx, d.logger).Error("policy evaluation failed", "error", err)
		err = fmt.Errorf("%w: %v", message.ErrPolicyDenied, err)
		return message.Rejected{Reason: err.Error(), Err: err}, false
	}
	if decision.Allowed {
		return nil, true
	}
	if d.stats != nil {
		d.stats.RecordDenied()
	}
	err = fmt.Errorf("%w: rule %s", message.ErrPolicyDenied, decision.RuleName)
	return message.Rejected{Reason: err.Error(), Err: err}, false
}

func (d *Dispatcher) checkRateLimit(ctx context.Context, extension string) (message.Result, bool) {
	if d.limiter == nil || !d.limit.Enabled() {
		return nil, true
	}
	res, err := d.limiter.Allow(ctx, ratelimit.FormatKey(ratelimit.KeyTypeExtension, extension), d.limit)
	if err != nil {
		// A broken limiter must not block traffic.
		loggerFrom(ctx, d.logger).Warn("rate limiter failed", "error", err)
		return nil, true
	}
	if res.Allowed {
		return nil, true
	}
	if d.stats != nil {
		d.stats.RecordRateLimited()
	}
	err = fmt.Errorf("%w for extension %s, retry after %s", message.ErrRateLimited, extension, res.RetryAfter.Round(time.Second))
	return message.Rejected{Reason: err.Error(), Err: err, RetryAfter: res.RetryAfter}, false
}

// DispatchInbound delivers one gateway message to the extension bound to
// its port.
func (d *Dispatcher) DispatchInbound(ctx context.Context, item message.InboundItem) message.Result {
	start := d.now()
	ctx, span := d.tracer.Start(ctx, "sms.dispatch_inbound", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	entry := outbound.JournalEntry{Time: start, RequestID: requestIDFrom(ctx), Direction: message.DirectionInbound}
	result := d.inbound(ctx, item, &entry)
	d.finish(ctx, span, &entry, result, start)
	return result
}

func (d *Dispatcher) inbound(ctx context.Context, item message.InboundItem, entry *outbound.JournalEntry) message.Result {
	entry.Peer = item.Number
	entry.TextHash = journal.Fingerprint(item.Text)
	entry.TextLen = len(item.Text)

	if item.Port == nil {
		return missingField("port")
	}
	entry.Port = *item.Port
	if item.Number == "" {
		return missingField("number")
	}
	if item.Text == "" {
		return missingField("text")
	}

	to, err := d.routes.ExtensionFor(*item.Port)
	if err != nil {
		return message.Failed{Err: message.NewError(message.KindRouting, "route", err)}
	}
	entry.Extension = to

	from := d.senderAddress(ctx, item.Number, to)
	ack, err := d.deliverer.Deliver(ctx, routing.DeliveryAddress(to), from, item.Text)
	if err != nil {
		kind := message.KindTransport
		if errors.Is(err, message.ErrDeliveryFailed) {
			kind = message.KindDelivery
		}
		return message.Fail(err, kind, "deliver")
	}
	return message.Delivered{Ack: ack}
}

// senderAddress keeps a sender that already names a domain. Otherwise it
// stamps the number with the domain the destination extension registered
// from, or the default domain, so softphones thread replies with the
// existing contact.
func (d *Dispatcher) senderAddress(ctx context.Context, rawFrom, extension string) string {
	if routing.HasDomain(rawFrom) {
		return rawFrom
	}
	domain := d.defaultDomain
	if d.directory != nil {
		if found, ok := d.directory.ContactDomain(ctx, extension); ok {
			domain = found
		}
	}
	return routing.SenderAddress(rawFrom, domain)
}

// DispatchInboundBatch dispatches items in order. A failure or panic in one
// item does not affect the others.
func (d *Dispatcher) DispatchInboundBatch(ctx context.Context, items []message.InboundItem) ([]message.Result, bool) {
	results := make([]message.Result, len(items))
	failed := false
	for i, item := range items {
		results[i] = d.safeInbound(ctx, i, item)
		if !message.Succeeded(results[i]) {
			failed = true
		}
	}
	return results, failed
}

func (d *Dispatcher) safeInbound(ctx context.Context, index int, item message.InboundItem) (result message.Result) {
	defer func() {
		if r := recover(); r != nil {
			loggerFrom(ctx, d.logger).Error("inbound dispatch panicked", "index", index, "panic", r)
			result = message.Failed{Err: message.NewError(message.KindDelivery, "deliver", fmt.Errorf("internal error: %v", r))}
		}
	}()
	return d.DispatchInbound(ctx, item)
}

// finish records the outcome in the span, journal, stats, observers and log.
func (d *Dispatcher) finish(ctx context.Context, span trace.Span, entry *outbound.JournalEntry, result message.Result, start time.Time) {
	elapsed := d.now().Sub(start)
	entry.Status = result.Status()
	if f, ok := result.(message.Failed); ok {
		entry.Kind = f.Kind()
		if f.Err != nil && f.Err.Kind == message.KindHTTPStatus {
			entry.HTTPCode = f.Err.StatusCode
		}
	}

	span.SetAttributes(
		attribute.String("sms.direction", string(entry.Direction)),
		attribute.Int("sms.port", entry.Port),
		attribute.String("sms.extension", entry.Extension),
		attribute.String("sms.status", string(entry.Status)),
	)
	if entry.Kind != "" {
		span.SetAttributes(attribute.String("sms.error_kind", string(entry.Kind)))
	}
	if entry.Status != message.StatusSuccess {
		span.SetStatus(codes.Error, resultMessage(result))
	}

	if err := d.journal.Record(ctx, *entry); err != nil {
		loggerFrom(ctx, d.logger).Warn("journal record failed", "error", err)
	}
	if d.stats != nil {
		d.stats.RecordDispatch(entry.Direction, entry.Status)
	}
	for _, o := range d.observers {
		o.ObserveDispatch(entry.Direction, entry.Status, entry.Kind, elapsed)
	}

	logger := loggerFrom(ctx, d.logger)
	attrs := []any{
		"direction", entry.Direction,
		"port", entry.Port,
		"extension", entry.Extension,
		"status", entry.Status,
		"duration_ms", elapsed.Milliseconds(),
	}
	switch entry.Status {
	case message.StatusSuccess:
		logger.Info("sms dispatched", attrs...)
	case message.StatusFail:
		logger.Warn("sms rejected", append(attrs, "reason", resultMessage(result))...)
	default:
		logger.Error("sms dispatch failed", append(attrs, "kind", entry.Kind, "error", resultMessage(result))...)
	}
}

func missingField(name string) message.Result {
	return message.Failed{Err: message.NewError(message.KindValidation, "validate", fmt.Errorf("%w: %s", message.ErrMissingField, name))}
}

func resultMessage(r message.Result) string {
	switch v := r.(type) {
	case message.Failed:
		if v.Err != nil {
			return v.Err.Error()
		}
	case message.Rejected:
		return v.Reason
	case message.Sent:
		return strconv.Itoa(v.HTTPCode)
	}
	return ""
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxkey.RequestIDKey{}).(string)
	return id
}

func loggerFrom(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if logger, ok := ctx.Value(ctxkey.LoggerKey{}).(*slog.Logger); ok {
		return logger.With("subsystem", "dispatcher")
	}
	return fallback
}

// Compile-time interface verification.
var _ inbound.Dispatcher = (*Dispatcher)(nil)
