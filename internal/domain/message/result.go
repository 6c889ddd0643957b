package message

import (
	"encoding/json"
	"time"
)

// Status is the wire status of a result.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	// StatusFail marks a request refused before any dispatch was attempted.
	StatusFail Status = "fail"
)

// InboundSuccessMessage is reported for every delivered inbound message.
const InboundSuccessMessage = "sms forwarded to extension number."

// Result is the outcome of a single dispatch. It is one of Sent, Delivered,
// Failed or Rejected.
type Result interface {
	Status() Status
	json.Marshaler
	isResult()
}

// Sent is an outbound message accepted by the gateway.
type Sent struct {
	HTTPCode int
	Body     string
}

// Delivered is an inbound message accepted by the PBX.
type Delivered struct {
	Ack string
}

// Failed is a dispatch that was attempted and did not succeed.
type Failed struct {
	Err *Error
}

// Rejected is a request refused before dispatch: malformed input, policy
// denial or rate limiting.
type Rejected struct {
	Reason string
	Err    error
	// RetryAfter is set when the request was rate limited.
	RetryAfter time.Duration
}

func (Sent) Status() Status      { return StatusSuccess }
func (Delivered) Status() Status { return StatusSuccess }
func (Failed) Status() Status    { return StatusError }
func (Rejected) Status() Status  { return StatusFail }

func (Sent) isResult()      {}
func (Delivered) isResult() {}
func (Failed) isResult()    {}
func (Rejected) isResult()  {}

type sentJSON struct {
	Status   Status `json:"status"`
	Message  string `json:"message"`
	HTTPCode int    `json:"http_code"`
}

type deliveredJSON struct {
	Status  Status `json:"status"`
	Message string `json:"message"`
	Details string `json:"details"`
}

type failedJSON struct {
	Status   Status `json:"status"`
	Message  string `json:"message"`
	Kind     Kind   `json:"kind,omitempty"`
	HTTPCode int    `json:"http_code,omitempty"`
	Response string `json:"response,omitempty"`
}

type rejectedJSON struct {
	Status  Status `json:"status"`
	Message string `json:"message"`
}

// MarshalJSON encodes the gateway response body as the message.
func (r Sent) MarshalJSON() ([]byte, error) {
	return json.Marshal(sentJSON{Status: r.Status(), Message: r.Body, HTTPCode: r.HTTPCode})
}

// MarshalJSON encodes the PBX acknowledgement as details.
func (r Delivered) MarshalJSON() ([]byte, error) {
	return json.Marshal(deliveredJSON{Status: r.Status(), Message: InboundSuccessMessage, Details: r.Ack})
}

func (r Failed) MarshalJSON() ([]byte, error) {
	out := failedJSON{Status: r.Status()}
	if r.Err != nil {
		out.Message = r.Err.Error()
		out.Kind = r.Err.Kind
		if r.Err.Kind == KindHTTPStatus {
			out.HTTPCode = r.Err.StatusCode
			out.Response = r.Err.Body
		}
	}
	return json.Marshal(out)
}

func (r Rejected) MarshalJSON() ([]byte, error) {
	return json.Marshal(rejectedJSON{Status: r.Status(), Message: r.Reason})
}

// Kind returns the error kind, or "" for a Failed without an error.
func (r Failed) Kind() Kind {
	if r.Err == nil {
		return ""
	}
	return r.Err.Kind
}

// Succeeded reports whether r is a success variant.
func Succeeded(r Result) bool {
	return r != nil && r.Status() == StatusSuccess
}

// Fail builds a Failed result from err, classifying it as fallback when it
// is not already an *Error.
func Fail(err error, fallback Kind, op string) Failed {
	return Failed{Err: AsError(err, fallback, op)}
}
