package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/domain/message"
	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/port/outbound"
)

const schema = `
CREATE TABLE IF NOT EXISTS dispatches (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	ts         INTEGER NOT NULL,
	request_id TEXT,
	direction  TEXT NOT NULL,
	port       INTEGER,
	extension  TEXT,
	peer       TEXT,
	status     TEXT NOT NULL,
	kind       TEXT,
	http_code  INTEGER,
	text_hash  TEXT NOT NULL,
	text_len   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS dispatches_ts ON dispatches (ts);
`

// SQLiteJournal stores entries in a SQLite database.
type SQLiteJournal struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string) (*SQLiteJournal, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create journal schema: %w", err)
	}
	return &SQLiteJournal{db: db}, nil
}

func (j *SQLiteJournal) Record(ctx context.Context, e outbound.JournalEntry) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO dispatches (ts, request_id, direction, port, extension, peer, status, kind, http_code, text_hash, text_len)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Time.UTC().UnixNano(), e.RequestID, string(e.Direction), e.Port, e.Extension, e.Peer,
		string(e.Status), string(e.Kind), e.HTTPCode, formatHash(e.TextHash), e.TextLen,
	)
	if err != nil {
		return fmt.Errorf("insert journal entry: %w", err)
	}
	return nil
}

func (j *SQLiteJournal) Recent(ctx context.Context, limit int) ([]outbound.JournalEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT ts, request_id, direction, port, extension, peer, status, kind, http_code, text_hash, text_len
		 FROM dispatches ORDER BY ts DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var entries []outbound.JournalEntry
	for rows.Next() {
		var (
			ts                                    int64
			requestID, extension, peer, kind, hsh sql.NullString
			direction, status                     string
			port, httpCode                        sql.NullInt64
			textLen                               int
		)
		if err := rows.Scan(&ts, &requestID, &direction, &port, &extension, &peer, &status, &kind, &httpCode, &hsh, &textLen); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		entries = append(entries, outbound.JournalEntry{
			Time:      time.Unix(0, ts).UTC(),
			RequestID: requestID.String,
			Direction: message.Direction(direction),
			Port:      int(port.Int64),
			Extension: extension.String,
			Peer:      peer.String,
			Status:    message.Status(status),
			Kind:      message.Kind(kind.String),
			HTTPCode:  int(httpCode.Int64),
			TextHash:  parseHash(hsh.String),
			TextLen:   textLen,
		})
	}
	return entries, rows.Err()
}

func (j *SQLiteJournal) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `DELETE FROM dispatches WHERE ts < ?`, before.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge journal: %w", err)
	}
	return res.RowsAffected()
}

func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

// Compile-time interface verification.
var _ outbound.Journal = (*SQLiteJournal)(nil)
