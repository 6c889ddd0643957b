// Package journal records dispatch outcomes to stdout, rotating JSON Lines
// files or SQLite. Message text is never stored; entries carry a
// fingerprint and the length of the text instead.
package journal

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/domain/message"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/port/outbound"
)

// Output schemes accepted by Open.
const (
	OutputStdout = "stdout"
	SchemeDir    = "dir://"
	SchemeSQLite = "sqlite://"
)

// Fingerprint returns the hash stored in place of a message text.
func Fingerprint(text string) uint64 {
	return xxhash.Sum64String(text)
}

// Options tunes the file journal.
type Options struct {
	RetentionDays int
	MaxFileSizeMB int
	CacheSize     int
}

// Open returns the journal selected by output:
//
//	""                   no journal
//	stdout               JSON Lines on standard output
//	dir:///var/log/sms   daily rotated JSON Lines files in a directory
//	sqlite:///var/db.db  SQLite database
func Open(output string, opts Options, logger *slog.Logger) (outbound.Journal, error) {
	switch {
	case output == "":
		return Nop{}, nil
	case output == OutputStdout:
		return NewWriterJournal(os.Stdout, opts.CacheSize), nil
	case strings.HasPrefix(output, SchemeDir):
		return NewFileJournal(FileConfig{
			Dir:           strings.TrimPrefix(output, SchemeDir),
			MaxFileSizeMB: opts.MaxFileSizeMB,
			CacheSize:     opts.CacheSize,
		}, logger)
	case strings.HasPrefix(output, SchemeSQLite):
		return OpenSQLite(strings.TrimPrefix(output, SchemeSQLite))
	default:
		return nil, fmt.Errorf("unsupported journal output %q", output)
	}
}

// Nop discards every entry.
type Nop struct{}

func (Nop) Record(context.Context, outbound.JournalEntry) error { return nil }

func (Nop) Recent(context.Context, int) ([]outbound.JournalEntry, error) { return nil, nil }

func (Nop) Purge(context.Context, time.Time) (int64, error) { return 0, nil }

func (Nop) Close() error { return nil }

// record is the JSON Lines form of an entry.
type record struct {
	Time      time.Time         `json:"time"`
	RequestID string            `json:"request_id,omitempty"`
	Direction message.Direction `json:"direction"`
	Port      int               `json:"port"`
	Extension string            `json:"extension,omitempty"`
	Peer      string            `json:"peer,omitempty"`
	Status    message.Status    `json:"status"`
	Kind      message.Kind      `json:"kind,omitempty"`
	HTTPCode  int               `json:"http_code,omitempty"`
	TextHash  string            `json:"text_hash"`
	TextLen   int               `json:"text_len"`
}

func toRecord(e outbound.JournalEntry) record {
	return record{
		Time:      e.Time.UTC(),
		RequestID: e.RequestID,
		Direction: e.Direction,
		Port:      e.Port,
		Extension: e.Extension,
		Peer:      e.Peer,
		Status:    e.Status,
		Kind:      e.Kind,
		HTTPCode:  e.HTTPCode,
		TextHash:  formatHash(e.TextHash),
		TextLen:   e.TextLen,
	}
}

func (r record) entry() outbound.JournalEntry {
	return outbound.JournalEntry{
		Time:      r.Time,
		RequestID: r.RequestID,
		Direction: r.Direction,
		Port:      r.Port,
		Extension: r.Extension,
		Peer:      r.Peer,
		Status:    r.Status,
		Kind:      r.Kind,
		HTTPCode:  r.HTTPCode,
		TextHash:  parseHash(r.TextHash),
		TextLen:   r.TextLen,
	}
}

func formatHash(h uint64) string {
	return fmt.Sprintf("%016x", h)
}

func parseHash(s string) uint64 {
	h, _ := strconv.ParseUint(s, 16, 64)
	return h
}

// Compile-time interface verification.
var _ outbound.Journal = Nop{}
