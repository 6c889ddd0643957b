package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/domain/digest"
)

func decode(t *testing.T, r Result) map[string]any {
	t.Helper()
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("json.Unmarshal(%s) error = %v", data, err)
	}
	return m
}

func TestResult_WireShapes(t *testing.T) {
	t.Parallel()

	t.Run("sent", func(t *testing.T) {
		m := decode(t, Sent{HTTPCode: 200, Body: `{"error_code":202}`})
		if m["status"] != "success" {
			t.Errorf("status = %v", m["status"])
		}
		if m["message"] != `{"error_code":202}` {
			t.Errorf("message = %v", m["message"])
		}
		if m["http_code"] != float64(200) {
			t.Errorf("http_code = %v", m["http_code"])
		}
	})

	t.Run("delivered", func(t *testing.T) {
		m := decode(t, Delivered{Ack: "Message successfully sent"})
		if m["status"] != "success" || m["message"] != InboundSuccessMessage || m["details"] != "Message successfully sent" {
			t.Errorf("delivered = %v", m)
		}
	})

	t.Run("failed http status", func(t *testing.T) {
		m := decode(t, Failed{Err: NewStatusError("send", 500, "boom")})
		if m["status"] != "error" {
			t.Errorf("status = %v", m["status"])
		}
		if m["message"] != "unexpected HTTP status: 500" {
			t.Errorf("message = %v", m["message"])
		}
		if m["http_code"] != float64(500) || m["response"] != "boom" {
			t.Errorf("http_code/response = %v/%v", m["http_code"], m["response"])
		}
		if m["kind"] != "http_status" {
			t.Errorf("kind = %v", m["kind"])
		}
	})

	t.Run("failed transport", func(t *testing.T) {
		m := decode(t, Failed{Err: NewError(KindTransport, "send", errors.New("connection refused"))})
		if m["message"] != "transport error: connection refused" {
			t.Errorf("message = %v", m["message"])
		}
		if _, ok := m["http_code"]; ok {
			t.Error("transport failure must not carry http_code")
		}
	})

	t.Run("rejected", func(t *testing.T) {
		m := decode(t, Rejected{Reason: "rate limit exceeded"})
		if m["status"] != "fail" || m["message"] != "rate limit exceeded" {
			t.Errorf("rejected = %v", m)
		}
	})
}

func TestError_Unwrap(t *testing.T) {
	t.Parallel()

	err := NewError(KindChallengeProtocol, "challenge", fmt.Errorf("%w: got 200", digest.ErrUnexpectedChallengeStatus))
	if !errors.Is(err, digest.ErrUnexpectedChallengeStatus) {
		t.Error("errors.Is did not reach the digest sentinel")
	}
	if !strings.HasPrefix(err.Error(), "challenge: ") {
		t.Errorf("Error() = %q", err.Error())
	}

	status := NewStatusError("send", 404, "")
	if !errors.Is(status, ErrUnexpectedStatus) {
		t.Error("status error does not wrap ErrUnexpectedStatus")
	}
}

func TestAsError(t *testing.T) {
	t.Parallel()

	orig := NewError(KindRouting, "route", errors.New("x"))
	wrapped := fmt.Errorf("outer: %w", orig)
	if got := AsError(wrapped, KindDelivery, "deliver"); got != orig {
		t.Errorf("AsError() = %v, want the wrapped *Error", got)
	}

	plain := errors.New("plain")
	got := AsError(plain, KindDelivery, "deliver")
	if got.Kind != KindDelivery || got.Op != "deliver" || !errors.Is(got, plain) {
		t.Errorf("AsError(plain) = %+v", got)
	}
}

func TestSucceeded(t *testing.T) {
	t.Parallel()

	tests := []struct {
		r    Result
		want bool
	}{
		{Sent{}, true},
		{Delivered{}, true},
		{Failed{}, false},
		{Rejected{}, false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := Succeeded(tt.r); got != tt.want {
			t.Errorf("Succeeded(%T) = %v, want %v", tt.r, got, tt.want)
		}
	}
}

func TestInboundItem_MissingPort(t *testing.T) {
	t.Parallel()

	var batch InboundBatch
	if err := json.Unmarshal([]byte(`{"sms":[{"number":"123","text":"hi"},{"port":0,"number":"1","text":"x"}]}`), &batch); err != nil {
		t.Fatal(err)
	}
	if batch.SMS[0].Port != nil {
		t.Errorf("missing port decoded as %d", *batch.SMS[0].Port)
	}
	if batch.SMS[1].Port == nil || *batch.SMS[1].Port != 0 {
		t.Errorf("port 0 not preserved: %v", batch.SMS[1].Port)
	}
}
