package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/adapter/outbound/journal"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/adapter/outbound/memory"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/ctxkey"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/domain/digest"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/domain/message"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/domain/policy"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/domain/ratelimit"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/domain/routing"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/port/outbound"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeGateway records sends and replies with a fixed outcome.
type fakeGateway struct {
	mu    sync.Mutex
	sent  []message.SMS
	reply outbound.GatewayReply
	err   error
}

func (g *fakeGateway) Send(_ context.Context, sms message.SMS) (outbound.GatewayReply, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, sms)
	return g.reply, g.err
}

func (g *fakeGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sent)
}

type delivery struct {
	to, from, text string
}

// fakeDeliverer records deliveries. Texts listed in fail are rejected and
// "boom" panics.
type fakeDeliverer struct {
	mu        sync.Mutex
	delivered []delivery
	err       error
}

func (d *fakeDeliverer) Deliver(_ context.Context, to, from, text string) (string, error) {
	if text == "boom" {
		panic("deliverer exploded")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return "", d.err
	}
	d.delivered = append(d.delivered, delivery{to, from, text})
	return "Response: Success", nil
}

type fakeDirectory map[string]string

func (f fakeDirectory) ContactDomain(_ context.Context, ext string) (string, bool) {
	d, ok := f[ext]
	return d, ok
}

type countingObserver struct {
	mu    sync.Mutex
	calls []string
}

func (o *countingObserver) ObserveDispatch(dir message.Direction, status message.Status, kind message.Kind, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, fmt.Sprintf("%s/%s/%s", dir, status, kind))
}

func testRoutes(t *testing.T) *routing.Table {
	t.Helper()
	table, err := routing.NewTable([]routing.Route{{Port: 1, Extension: "201"}, {Port: 2, Extension: "202"}})
	if err != nil {
		t.Fatalf("NewTable() error = %v", err)
	}
	return table
}

func newTestDispatcher(t *testing.T, gw *fakeGateway, del *fakeDeliverer, opts ...DispatcherOption) *Dispatcher {
	t.Helper()
	return NewDispatcher(testRoutes(t), gw, del, "pbx.example.com", discardLogger(), opts...)
}

func failedKind(t *testing.T, r message.Result) *message.Error {
	t.Helper()
	f, ok := r.(message.Failed)
	if !ok {
		t.Fatalf("result = %T (%+v), want message.Failed", r, r)
	}
	if f.Err == nil {
		t.Fatal("Failed without error")
	}
	return f.Err
}

func TestDispatchOutbound_Success(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{reply: outbound.GatewayReply{StatusCode: 200, Body: `{"error_code":202}`}}
	d := newTestDispatcher(t, gw, &fakeDeliverer{})

	r := d.DispatchOutbound(context.Background(), message.OutboundRequest{
		From: `"Desk" <sip:201@10.0.15.36:5060>`,
		To:   "sip:+16315554444@10.0.15.36",
		Text: "hello%20world%2B1+2%0Abye",
	})

	sent, ok := r.(message.Sent)
	if !ok {
		t.Fatalf("result = %T (%+v), want Sent", r, r)
	}
	if sent.HTTPCode != 200 || sent.Body != `{"error_code":202}` {
		t.Errorf("Sent = %+v", sent)
	}

	want := message.SMS{From: "201", To: "+16315554444", Port: 1, Text: "hello world+1+2\nbye"}
	if gw.calls() != 1 || gw.sent[0] != want {
		t.Errorf("gateway sent %+v, want %+v", gw.sent, want)
	}
}

func TestDispatchOutbound_RoutingErrorsMakeNoNetworkCall(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		from    string
		wantErr error
	}{
		{"unknown extension", "sip:999@pbx", routing.ErrUnknownExtension},
		{"no digits", "anonymous", routing.ErrUnroutableSender},
		{"empty", "", routing.ErrUnroutableSender},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &fakeGateway{reply: outbound.GatewayReply{StatusCode: 200}}
			d := newTestDispatcher(t, gw, &fakeDeliverer{})

			r := d.DispatchOutbound(context.Background(), message.OutboundRequest{From: tt.from, To: "5551234", Text: "hi"})

			me := failedKind(t, r)
			if me.Kind != message.KindRouting {
				t.Errorf("Kind = %s, want routing", me.Kind)
			}
			if !errors.Is(me, tt.wantErr) {
				t.Errorf("error = %v, want %v", me, tt.wantErr)
			}
			if gw.calls() != 0 {
				t.Errorf("gateway called %d times", gw.calls())
			}
		})
	}
}

func TestDispatchOutbound_RejectedBeforeSend(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		req     message.OutboundRequest
		wantErr error
	}{
		{"malformed text", message.OutboundRequest{From: "201", To: "5551234", Text: "100%zz"}, message.ErrMalformedText},
		{"recipient without digits", message.OutboundRequest{From: "201", To: "sip:bob@host", Text: "hi"}, message.ErrMissingField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &fakeGateway{}
			d := newTestDispatcher(t, gw, &fakeDeliverer{})

			r := d.DispatchOutbound(context.Background(), tt.req)
			rej, ok := r.(message.Rejected)
			if !ok {
				t.Fatalf("result = %T, want Rejected", r)
			}
			if !errors.Is(rej.Err, tt.wantErr) {
				t.Errorf("Err = %v, want %v", rej.Err, tt.wantErr)
			}
			if r.Status() != message.StatusFail {
				t.Errorf("Status() = %s, want fail", r.Status())
			}
			if gw.calls() != 0 {
				t.Error("gateway called for rejected request")
			}
		})
	}
}

func TestDispatchOutbound_GatewayFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		gw       *fakeGateway
		wantKind message.Kind
		wantMsg  string
	}{
		{
			name:     "non-2xx",
			gw:       &fakeGateway{reply: outbound.GatewayReply{StatusCode: 500, Body: "busy"}},
			wantKind: message.KindHTTPStatus,
			wantMsg:  "unexpected HTTP status: 500",
		},
		{
			name:     "transport",
			gw:       &fakeGateway{err: message.NewError(message.KindTransport, "send", errors.New("connection refused"))},
			wantKind: message.KindTransport,
			wantMsg:  "transport error: connection refused",
		},
		{
			name:     "challenge",
			gw:       &fakeGateway{err: message.NewError(message.KindChallengeProtocol, "challenge", digest.ErrUnexpectedChallengeStatus)},
			wantKind: message.KindChallengeProtocol,
		},
		{
			name:     "unclassified",
			gw:       &fakeGateway{err: errors.New("weird")},
			wantKind: message.KindTransport,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDispatcher(t, tt.gw, &fakeDeliverer{})
			r := d.DispatchOutbound(context.Background(), message.OutboundRequest{From: "202", To: "5551234", Text: "hi"})

			me := failedKind(t, r)
			if me.Kind != tt.wantKind {
				t.Errorf("Kind = %s, want %s", me.Kind, tt.wantKind)
			}
			if tt.wantMsg != "" && me.Error() != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", me.Error(), tt.wantMsg)
			}
			if tt.gw.calls() != 1 {
				t.Errorf("gateway called %d times, want exactly 1 (no retry)", tt.gw.calls())
			}
			if tt.gw.sent[0].Port != 2 {
				t.Errorf("port = %d, want 2", tt.gw.sent[0].Port)
			}
		})
	}

	t.Run("non-2xx keeps body", func(t *testing.T) {
		d := newTestDispatcher(t, &fakeGateway{reply: outbound.GatewayReply{StatusCode: 403, Body: "forbidden"}}, &fakeDeliverer{})
		me := failedKind(t, d.DispatchOutbound(context.Background(), message.OutboundRequest{From: "201", To: "1", Text: "x"}))
		if me.StatusCode != 403 || me.Body != "forbidden" {
			t.Errorf("error = %+v", me)
		}
	})
}

func TestDispatchOutbound_PolicyDeny(t *testing.T) {
	t.Parallel()

	engine, err := NewPolicyService([]policy.Rule{
		{Name: "no-premium", Condition: `number_prefix(to, "1900")`, Action: policy.ActionDeny},
	}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	stats := NewStatsService()
	gw := &fakeGateway{reply: outbound.GatewayReply{StatusCode: 200}}
	d := newTestDispatcher(t, gw, &fakeDeliverer{}, WithPolicy(engine), WithStats(stats))

	r := d.DispatchOutbound(context.Background(), message.OutboundRequest{From: "201", To: "+19005550000", Text: "hi"})
	rej, ok := r.(message.Rejected)
	if !ok || !errors.Is(rej.Err, message.ErrPolicyDenied) {
		t.Fatalf("result = %+v, want policy rejection", r)
	}
	if gw.calls() != 0 {
		t.Error("gateway called for denied message")
	}

	if r := d.DispatchOutbound(context.Background(), message.OutboundRequest{From: "201", To: "+15550000", Text: "hi"}); !message.Succeeded(r) {
		t.Errorf("allowed message = %+v", r)
	}

	s := stats.GetStats()
	if s.Denied != 1 || s.Outbound.Fail != 1 || s.Outbound.Success != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestDispatchOutbound_RateLimit(t *testing.T) {
	t.Parallel()

	limiter := memory.NewRateLimiter()
	gw := &fakeGateway{reply: outbound.GatewayReply{StatusCode: 200}}
	d := newTestDispatcher(t, gw, &fakeDeliverer{},
		WithRateLimit(limiter, ratelimit.RateLimitConfig{Rate: 1, Period: time.Hour}))

	req := message.OutboundRequest{From: "201", To: "5551234", Text: "hi"}
	if r := d.DispatchOutbound(context.Background(), req); !message.Succeeded(r) {
		t.Fatalf("first send = %+v", r)
	}
	r := d.DispatchOutbound(context.Background(), req)
	rej, ok := r.(message.Rejected)
	if !ok || !errors.Is(rej.Err, message.ErrRateLimited) {
		t.Fatalf("second send = %+v, want rate limited", r)
	}
	if rej.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v", rej.RetryAfter)
	}

	// Another extension has its own budget.
	if r := d.DispatchOutbound(context.Background(), message.OutboundRequest{From: "202", To: "5551234", Text: "hi"}); !message.Succeeded(r) {
		t.Errorf("202 send = %+v", r)
	}
	if gw.calls() != 2 {
		t.Errorf("gateway calls = %d, want 2", gw.calls())
	}
}

func TestDispatchInbound_SenderAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		number   string
		dir      fakeDirectory
		wantFrom string
	}{
		{"default domain", "+16315554444", nil, "sip:+16315554444@pbx.example.com"},
		{"directory domain", "+16315554444", fakeDirectory{"201": "10.0.15.36"}, "sip:+16315554444@10.0.15.36"},
		{"directory has no contact", "16315554444", fakeDirectory{"202": "x"}, "sip:16315554444@pbx.example.com"},
		{"sender keeps its domain", "sip:300@other.example.org", fakeDirectory{"201": "10.0.15.36"}, "sip:300@other.example.org"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			del := &fakeDeliverer{}
			var opts []DispatcherOption
			if tt.dir != nil {
				opts = append(opts, WithDirectory(tt.dir))
			}
			d := newTestDispatcher(t, &fakeGateway{}, del, opts...)

			r := d.DispatchInbound(context.Background(), message.InboundItem{Port: message.IntPtr(1), Number: tt.number, Text: "hello"})

			got, ok := r.(message.Delivered)
			if !ok {
				t.Fatalf("result = %+v, want Delivered", r)
			}
			if got.Ack != "Response: Success" {
				t.Errorf("Ack = %q", got.Ack)
			}
			want := delivery{to: "pjsip:201", from: tt.wantFrom, text: "hello"}
			if len(del.delivered) != 1 || del.delivered[0] != want {
				t.Errorf("delivered %+v, want %+v", del.delivered, want)
			}
		})
	}
}

func TestDispatchInbound_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		item     message.InboundItem
		delErr   error
		wantKind message.Kind
		wantErr  error
	}{
		{"missing port", message.InboundItem{Number: "1", Text: "x"}, nil, message.KindValidation, message.ErrMissingField},
		{"missing number", message.InboundItem{Port: message.IntPtr(1), Text: "x"}, nil, message.KindValidation, message.ErrMissingField},
		{"missing text", message.InboundItem{Port: message.IntPtr(1), Number: "1"}, nil, message.KindValidation, message.ErrMissingField},
		{"unknown port", message.InboundItem{Port: message.IntPtr(-1), Number: "1", Text: "x"}, nil, message.KindRouting, routing.ErrUnknownPort},
		{"port zero not routed", message.InboundItem{Port: message.IntPtr(0), Number: "1", Text: "x"}, nil, message.KindRouting, routing.ErrUnknownPort},
		{"pbx rejects", message.InboundItem{Port: message.IntPtr(2), Number: "1", Text: "x"}, fmt.Errorf("%w: no endpoint", message.ErrDeliveryFailed), message.KindDelivery, message.ErrDeliveryFailed},
		{"pbx unreachable", message.InboundItem{Port: message.IntPtr(2), Number: "1", Text: "x"}, errors.New("dial tcp: refused"), message.KindTransport, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDispatcher(t, &fakeGateway{}, &fakeDeliverer{err: tt.delErr})
			me := failedKind(t, d.DispatchInbound(context.Background(), tt.item))
			if me.Kind != tt.wantKind {
				t.Errorf("Kind = %s, want %s", me.Kind, tt.wantKind)
			}
			if tt.wantErr != nil && !errors.Is(me, tt.wantErr) {
				t.Errorf("error = %v, want %v", me, tt.wantErr)
			}
		})
	}
}

func TestDispatchInboundBatch_PerItemIsolation(t *testing.T) {
	t.Parallel()

	del := &fakeDeliverer{}
	d := newTestDispatcher(t, &fakeGateway{}, del)

	items := []message.InboundItem{
		{Port: message.IntPtr(1), Number: "+15550001", Text: "first"},
		{Port: message.IntPtr(-1), Number: "+15550002", Text: "lost"},
		{Port: message.IntPtr(2), Number: "+15550003", Text: "boom"},
		{Port: message.IntPtr(2), Number: "+15550004", Text: "last"},
	}
	results, failed := d.DispatchInboundBatch(context.Background(), items)

	if !failed {
		t.Error("failed = false, want true")
	}
	if len(results) != len(items) {
		t.Fatalf("len(results) = %d, want %d", len(results), len(items))
	}
	wantStatus := []message.Status{message.StatusSuccess, message.StatusError, message.StatusError, message.StatusSuccess}
	for i, want := range wantStatus {
		if got := results[i].Status(); got != want {
			t.Errorf("results[%d].Status() = %s, want %s", i, got, want)
		}
	}
	if len(del.delivered) != 2 || del.delivered[0].text != "first" || del.delivered[1].text != "last" {
		t.Errorf("delivered = %+v", del.delivered)
	}
}

func TestDispatchInboundBatch_AllSucceed(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t, &fakeGateway{}, &fakeDeliverer{})
	results, failed := d.DispatchInboundBatch(context.Background(), []message.InboundItem{
		{Port: message.IntPtr(1), Number: "1", Text: "a"},
		{Port: message.IntPtr(2), Number: "2", Text: "b"},
	})
	if failed || len(results) != 2 {
		t.Errorf("failed = %v, len = %d", failed, len(results))
	}

	results, failed = d.DispatchInboundBatch(context.Background(), nil)
	if failed || len(results) != 0 {
		t.Errorf("empty batch: failed = %v, len = %d", failed, len(results))
	}
}

func TestDispatcher_RecordsJournalObserverAndSpan(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	j := journal.NewWriterJournal(&buf, 10)
	obs := &countingObserver{}
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	gw := &fakeGateway{reply: outbound.GatewayReply{StatusCode: 502, Body: "down"}}
	d := newTestDispatcher(t, gw, &fakeDeliverer{},
		WithJournal(j), WithObserver(obs), WithTracer(tp.Tracer("test")))

	ctx := context.WithValue(context.Background(), ctxkey.RequestIDKey{}, "req-42")
	d.DispatchOutbound(ctx, message.OutboundRequest{From: "201", To: "5551234", Text: "secret"})
	d.DispatchInbound(ctx, message.InboundItem{Port: message.IntPtr(2), Number: "5551234", Text: "hello"})

	entries, _ := j.Recent(ctx, 10)
	if len(entries) != 2 {
		t.Fatalf("journal entries = %d, want 2", len(entries))
	}
	out := entries[1]
	if out.RequestID != "req-42" || out.Direction != message.DirectionOutbound || out.Port != 1 ||
		out.Extension != "201" || out.Status != message.StatusError || out.Kind != message.KindHTTPStatus || out.HTTPCode != 502 {
		t.Errorf("outbound entry = %+v", out)
	}
	if out.TextHash != journal.Fingerprint("secret") || out.TextLen != 6 {
		t.Errorf("outbound entry fingerprint = %x/%d", out.TextHash, out.TextLen)
	}
	if bytes.Contains(buf.Bytes(), []byte("secret")) {
		t.Error("journal contains message text")
	}
	in := entries[0]
	if in.Direction != message.DirectionInbound || in.Extension != "202" || in.Status != message.StatusSuccess {
		t.Errorf("inbound entry = %+v", in)
	}

	wantObs := []string{"outbound/error/http_status", "inbound/success/"}
	if fmt.Sprint(obs.calls) != fmt.Sprint(wantObs) {
		t.Errorf("observer calls = %v, want %v", obs.calls, wantObs)
	}

	spans := sr.Ended()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	if spans[0].Name() != "sms.dispatch_outbound" || spans[1].Name() != "sms.dispatch_inbound" {
		t.Errorf("span names = %s, %s", spans[0].Name(), spans[1].Name())
	}
	var ext string
	for _, kv := range spans[0].Attributes() {
		if kv.Key == "sms.extension" {
			ext = kv.Value.AsString()
		}
	}
	if ext != "201" {
		t.Errorf("sms.extension attribute = %q, want 201", ext)
	}
}
