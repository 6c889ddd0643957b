package message

import (
	"errors"
	"fmt"
)

var (
	// ErrDeliveryFailed is returned when the PBX side-channel rejects a message.
	ErrDeliveryFailed = errors.New("message delivery failed")
	// ErrMissingField is returned for inbound items lacking a required field.
	ErrMissingField = errors.New("missing required field")
	// ErrUnexpectedStatus is wrapped by http_status errors.
	ErrUnexpectedStatus = errors.New("unexpected HTTP status")
	// ErrMalformedText is returned when outbound text is not valid percent-encoding.
	ErrMalformedText = errors.New("malformed text encoding")
	// ErrPolicyDenied is returned when a send policy rule rejects a message.
	ErrPolicyDenied = errors.New("denied by policy")
	// ErrRateLimited is returned when a sender exceeds its rate limit.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// Kind classifies a dispatch failure.
type Kind string

const (
	KindChallengeProtocol Kind = "challenge_protocol"
	KindTransport         Kind = "transport"
	KindHTTPStatus        Kind = "http_status"
	KindRouting           Kind = "routing"
	KindDelivery          Kind = "delivery"
	KindValidation        Kind = "validation"
)

// Error is a classified dispatch failure.
type Error struct {
	Kind Kind
	// Op names the step that failed, e.g. "challenge" or "deliver".
	Op  string
	Err error
	// StatusCode and Body are set for KindHTTPStatus.
	StatusCode int
	Body       string
}

// NewError wraps err with a kind and operation.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// NewStatusError builds a KindHTTPStatus error for a non-2xx gateway reply.
func NewStatusError(op string, status int, body string) *Error {
	return &Error{
		Kind:       KindHTTPStatus,
		Op:         op,
		Err:        ErrUnexpectedStatus,
		StatusCode: status,
		Body:       body,
	}
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindTransport:
		return fmt.Sprintf("transport error: %v", e.Err)
	case KindHTTPStatus:
		return fmt.Sprintf("unexpected HTTP status: %d", e.StatusCode)
	}
	if e.Op == "" {
		return fmt.Sprint(e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// AsError returns err as an *Error, classifying unknown errors with
// fallback.
func AsError(err error, fallback Kind, op string) *Error {
	var me *Error
	if errors.As(err, &me) {
		return me
	}
	return NewError(fallback, op, err)
}
