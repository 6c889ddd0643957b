package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/port/outbound"
)

var errJournalClosed = errors.New("journal closed")

// journalFileInfo holds parsed information about a journal file.
type journalFileInfo struct {
	name   string
	date   string
	suffix int
}

// journalFilePattern matches journal-YYYY-MM-DD.log and journal-YYYY-MM-DD-N.log.
var journalFilePattern = regexp.MustCompile(`^journal-(\d{4}-\d{2}-\d{2})(?:-(\d+))?\.log$`)

func parseJournalFilename(name string) (journalFileInfo, bool) {
	matches := journalFilePattern.FindStringSubmatch(name)
	if matches == nil {
		return journalFileInfo{}, false
	}

	info := journalFileInfo{name: name, date: matches[1]}
	if matches[2] != "" {
		n, err := strconv.Atoi(matches[2])
		if err != nil {
			return journalFileInfo{}, false
		}
		info.suffix = n
	}
	return info, true
}

// sortJournalFiles sorts files chronologically by date then suffix.
func sortJournalFiles(files []journalFileInfo) {
	sort.Slice(files, func(i, j int) bool {
		if files[i].date != files[j].date {
			return files[i].date < files[j].date
		}
		return files[i].suffix < files[j].suffix
	})
}

// FileConfig configures a FileJournal.
type FileConfig struct {
	// Dir is created with 0700 permissions if missing.
	Dir string
	// MaxFileSizeMB triggers rotation within a day (default 100).
	MaxFileSizeMB int
	// CacheSize is the number of recent entries kept in memory (default 1000).
	CacheSize int
}

// FileJournal writes JSON Lines files rotated daily and by size. Purge
// deletes whole files dated before the cutoff.
type FileJournal struct {
	dir           string
	maxFileSize   int64
	currentFile   *os.File
	currentDate   string
	currentSize   int64
	currentSuffix int
	cache         *entryCache
	mu            sync.Mutex
	logger        *slog.Logger
	closed        bool
}

// NewFileJournal opens today's journal file in cfg.Dir and fills the cache
// from the most recent file.
func NewFileJournal(cfg FileConfig, logger *slog.Logger) (*FileJournal, error) {
	if cfg.MaxFileSizeMB <= 0 {
		cfg.MaxFileSizeMB = 100
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	j := &FileJournal{
		dir:         cfg.Dir,
		maxFileSize: int64(cfg.MaxFileSizeMB) * 1024 * 1024,
		cache:       newEntryCache(cfg.CacheSize),
		logger:      logger.With("subsystem", "journal"),
	}

	today := time.Now().UTC().Format("2006-01-02")
	if err := j.openCurrentFile(today); err != nil {
		return nil, fmt.Errorf("open journal file: %w", err)
	}
	j.populateCache()

	return j, nil
}

// Record appends entry to the current file, rotating as needed.
func (j *FileJournal) Record(_ context.Context, entry outbound.JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return errJournalClosed
	}

	dateStr := entry.Time.UTC().Format("2006-01-02")
	if dateStr != j.currentDate {
		if err := j.rotateLocked(dateStr, 0); err != nil {
			return fmt.Errorf("date rotation: %w", err)
		}
	}
	if j.currentSize >= j.maxFileSize {
		if err := j.rotateLocked(j.currentDate, j.currentSuffix+1); err != nil {
			return fmt.Errorf("size rotation: %w", err)
		}
	}

	data, err := json.Marshal(toRecord(entry))
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}
	n, err := j.currentFile.Write(append(data, '\n'))
	if err != nil {
		return fmt.Errorf("write journal entry: %w", err)
	}
	j.currentSize += int64(n)
	j.cache.Add(entry)

	return nil
}

// Recent returns cached entries, newest first.
func (j *FileJournal) Recent(_ context.Context, limit int) ([]outbound.JournalEntry, error) {
	return j.cache.Recent(limit), nil
}

// Purge deletes files dated before the cutoff day. The file currently being
// written is never deleted.
func (j *FileJournal) Purge(_ context.Context, before time.Time) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return 0, fmt.Errorf("read journal directory: %w", err)
	}

	cutoff := before.UTC().Format("2006-01-02")
	var deleted int64
	for _, e := range entries {
		info, ok := parseJournalFilename(e.Name())
		if !ok || info.date >= cutoff || info.date == j.currentDate {
			continue
		}
		if err := os.Remove(filepath.Join(j.dir, e.Name())); err != nil {
			j.logger.Error("journal purge: failed to delete file", "file", e.Name(), "error", err)
			continue
		}
		deleted++
	}

	if deleted > 0 {
		j.logger.Info("journal purge completed", "deleted_files", deleted)
	}
	return deleted, nil
}

// Close syncs and closes the current file.
func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true

	if j.currentFile != nil {
		_ = j.currentFile.Sync()
		err := j.currentFile.Close()
		j.currentFile = nil
		return err
	}
	return nil
}

func (j *FileJournal) openCurrentFile(dateStr string) error {
	suffix := j.findHighestSuffix(dateStr)
	f, size, err := j.openFile(dateStr, suffix)
	if err != nil {
		return err
	}
	j.currentFile = f
	j.currentDate = dateStr
	j.currentSize = size
	j.currentSuffix = suffix
	return nil
}

// rotateLocked switches to the file for dateStr and suffix.
// Must be called with j.mu held.
func (j *FileJournal) rotateLocked(dateStr string, suffix int) error {
	if j.currentFile != nil {
		_ = j.currentFile.Sync()
		_ = j.currentFile.Close()
		j.currentFile = nil
	}

	f, size, err := j.openFile(dateStr, suffix)
	if err != nil {
		return err
	}
	j.currentFile = f
	j.currentDate = dateStr
	j.currentSize = size
	j.currentSuffix = suffix
	return nil
}

func (j *FileJournal) findHighestSuffix(dateStr string) int {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return 0
	}
	highest := 0
	for _, e := range entries {
		info, ok := parseJournalFilename(e.Name())
		if ok && info.date == dateStr && info.suffix > highest {
			highest = info.suffix
		}
	}
	return highest
}

func (j *FileJournal) openFile(dateStr string, suffix int) (*os.File, int64, error) {
	filename := fmt.Sprintf("journal-%s.log", dateStr)
	if suffix > 0 {
		filename = fmt.Sprintf("journal-%s-%d.log", dateStr, suffix)
	}

	f, err := os.OpenFile(filepath.Join(j.dir, filename), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, 0, fmt.Errorf("open file %s: %w", filename, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("stat file %s: %w", filename, err)
	}
	return f, info.Size(), nil
}

// populateCache loads the tail of the most recent non-empty file.
func (j *FileJournal) populateCache() {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return
	}
	var files []journalFileInfo
	for _, e := range entries {
		info, ok := parseJournalFilename(e.Name())
		if !ok {
			continue
		}
		if fi, err := e.Info(); err != nil || fi.Size() == 0 {
			continue
		}
		files = append(files, info)
	}
	if len(files) == 0 {
		return
	}
	sortJournalFiles(files)
	latest := files[len(files)-1].name

	f, err := os.Open(filepath.Join(j.dir, latest))
	if err != nil {
		j.logger.Error("journal cache: failed to open file", "file", latest, "error", err)
		return
	}
	defer func() { _ = f.Close() }()

	for _, rec := range readRecords(f, j.logger) {
		j.cache.Add(rec.entry())
	}
}

func readRecords(r io.Reader, logger *slog.Logger) []record {
	var records []record
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			logger.Warn("journal: skipping malformed line", "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records
}

// WriterJournal writes JSON Lines to an io.Writer such as stdout. Entries
// cannot be purged once written.
type WriterJournal struct {
	mu    sync.Mutex
	w     io.Writer
	cache *entryCache
}

// NewWriterJournal creates a WriterJournal caching cacheSize entries.
func NewWriterJournal(w io.Writer, cacheSize int) *WriterJournal {
	return &WriterJournal{w: w, cache: newEntryCache(cacheSize)}
}

func (j *WriterJournal) Record(_ context.Context, entry outbound.JournalEntry) error {
	data, err := json.Marshal(toRecord(entry))
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write journal entry: %w", err)
	}
	j.cache.Add(entry)
	return nil
}

func (j *WriterJournal) Recent(_ context.Context, limit int) ([]outbound.JournalEntry, error) {
	return j.cache.Recent(limit), nil
}

func (j *WriterJournal) Purge(context.Context, time.Time) (int64, error) { return 0, nil }

func (j *WriterJournal) Close() error { return nil }

// entryCache is a ring buffer of recent entries.
type entryCache struct {
	entries []outbound.JournalEntry
	size    int
	head    int
	count   int
	mu      sync.RWMutex
}

func newEntryCache(size int) *entryCache {
	if size <= 0 {
		size = 1000
	}
	return &entryCache{entries: make([]outbound.JournalEntry, size), size: size}
}

// Add overwrites the oldest entry when full.
func (c *entryCache) Add(e outbound.JournalEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[c.head] = e
	c.head = (c.head + 1) % c.size
	if c.count < c.size {
		c.count++
	}
}

// Recent returns the last n entries, newest first.
func (c *entryCache) Recent(n int) []outbound.JournalEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if n <= 0 || c.count == 0 {
		return nil
	}
	if n > c.count {
		n = c.count
	}
	result := make([]outbound.JournalEntry, n)
	for i := 0; i < n; i++ {
		// head is the next write position
		result[i] = c.entries[(c.head-1-i+c.size)%c.size]
	}
	return result
}

// Compile-time interface verification.
var (
	_ outbound.Journal = (*FileJournal)(nil)
	_ outbound.Journal = (*WriterJournal)(nil)
)
