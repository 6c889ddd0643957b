package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/domain/message"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/port/inbound"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/port/outbound"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/service"
)

// maxRequestBodySize caps API request bodies at 1MB.
const maxRequestBodySize = 1 << 20

const (
	defaultJournalLimit = 50
	maxJournalLimit     = 1000
)

// outboundHandler serves POST /api/v1/sms/outbound.
func outboundHandler(d inbound.Dispatcher) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req message.OutboundRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeFail(w, http.StatusBadRequest, err.Error())
			return
		}

		result := d.DispatchOutbound(r.Context(), req)
		if rej, ok := result.(message.Rejected); ok && rej.RetryAfter > 0 {
			w.Header().Set("Retry-After", retryAfterSeconds(rej.RetryAfter.Seconds()))
		}
		writeJSON(w, outboundStatusCode(result), result)
	})
}

// outboundStatusCode maps a dispatch result to the HTTP status returned to
// the dialplan.
func outboundStatusCode(result message.Result) int {
	switch r := result.(type) {
	case message.Sent:
		return http.StatusOK
	case message.Rejected:
		switch {
		case errors.Is(r.Err, message.ErrRateLimited):
			return http.StatusTooManyRequests
		case errors.Is(r.Err, message.ErrPolicyDenied):
			return http.StatusForbidden
		default:
			return http.StatusBadRequest
		}
	case message.Failed:
		if r.Kind() == message.KindRouting {
			return http.StatusUnprocessableEntity
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// inboundHandler serves POST /api/v1/sms/inbound, the gateway's push of
// received messages.
func inboundHandler(d inbound.Dispatcher) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var batch struct {
			SMS *[]message.InboundItem `json:"sms"`
		}
		if err := decodeBody(w, r, &batch); err != nil {
			writeFail(w, http.StatusBadRequest, err.Error())
			return
		}
		if batch.SMS == nil {
			writeFail(w, http.StatusBadRequest, "missing sms array")
			return
		}

		results, failed := d.DispatchInboundBatch(r.Context(), *batch.SMS)
		if results == nil {
			results = []message.Result{}
		}
		status := http.StatusOK
		if failed {
			status = http.StatusMultiStatus
		}
		writeJSON(w, status, results)
	})
}

// statsHandler serves GET /api/v1/stats.
func statsHandler(stats *service.StatsService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, stats.GetStats())
	})
}

// journalEntryJSON is the API shape of a journal entry.
type journalEntryJSON struct {
	Time      time.Time `json:"time"`
	RequestID string    `json:"request_id,omitempty"`
	Direction string    `json:"direction"`
	Port      int       `json:"port,omitempty"`
	Extension string    `json:"extension,omitempty"`
	Peer      string    `json:"peer,omitempty"`
	Status    string    `json:"status"`
	Kind      string    `json:"kind,omitempty"`
	HTTPCode  int       `json:"http_code,omitempty"`
	TextHash  string    `json:"text_hash"`
	TextLen   int       `json:"text_len"`
}

// journalHandler serves GET /api/v1/journal?limit=N, newest first.
func journalHandler(j outbound.Journal) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := defaultJournalLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				writeFail(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = min(n, maxJournalLimit)
		}

		entries, err := j.Recent(r.Context(), limit)
		if err != nil {
			LoggerFromContext(r.Context()).Error("journal read failed", "error", err)
			writeFail(w, http.StatusInternalServerError, "journal unavailable")
			return
		}

		out := make([]journalEntryJSON, 0, len(entries))
		for _, e := range entries {
			out = append(out, journalEntryJSON{
				Time:      e.Time,
				RequestID: e.RequestID,
				Direction: string(e.Direction),
				Port:      e.Port,
				Extension: e.Extension,
				Peer:      e.Peer,
				Status:    string(e.Status),
				Kind:      string(e.Kind),
				HTTPCode:  e.HTTPCode,
				TextHash:  fmt.Sprintf("%016x", e.TextHash),
				TextLen:   e.TextLen,
			})
		}
		writeJSON(w, http.StatusOK, out)
	})
}

// decodeBody reads a size-limited JSON body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return errors.New("request body too large")
		case errors.Is(err, io.EOF):
			return errors.New("empty request body")
		default:
			return fmt.Errorf("invalid JSON: %w", err)
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeFail answers with the "fail" result shape.
func writeFail(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, message.Rejected{Reason: reason})
}
