// Package store persists signals, alerts, digests, settings and error events
// in a single SQLite database.
//
// All timestamps are stored as UTC RFC 3339 strings and reconstituted with a
// UTC offset on read. Every write runs in its own short transaction; no
// long-lived connections are held across calls.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"starlinker/internal/logging"
)

const timeFormat = time.RFC3339

// Store wraps the SQLite database.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path and runs migrations.
// Idempotent: reopening an initialized database is a no-op schema-wise.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal_mode: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{
		db:     db,
		path:   path,
		logger: logging.Default(logger).With("component", "store"),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Signals ----------------------------------------------------------------

// StoreSignals inserts the given signals, silently skipping any whose URL is
// already present, and returns the number inserted. The whole batch runs in
// one transaction.
func (s *Store) StoreSignals(signals []NormalizedSignal) (int, error) {
	if len(signals) == 0 {
		return 0, nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	inserted := 0
	for _, sig := range signals {
		res, err := tx.Exec(`
			INSERT OR IGNORE INTO signals(
				source, title, url, published_at, fetched_at,
				raw_excerpt, summary, tags_json, priority
			) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sig.Source,
			sig.Title,
			sig.URL,
			formatTime(sig.PublishedAt),
			formatTime(sig.FetchedAt),
			nullString(sig.RawExcerpt),
			nullString(sig.Summary),
			encodeTags(sig.Tags),
			sig.Priority,
		)
		if err != nil {
			return 0, fmt.Errorf("insert signal %s: %w", sig.URL, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

// FetchSignals returns signals ordered by published_at descending.
func (s *Store) FetchSignals(opts FetchOptions) ([]Signal, error) {
	var (
		conds  []string
		params []any
	)
	if !opts.Since.IsZero() {
		conds = append(conds, "fetched_at >= ?")
		params = append(params, formatTime(opts.Since))
	}
	if opts.MinPriority > 0 {
		conds = append(conds, "priority >= ?")
		params = append(params, opts.MinPriority)
	}

	query := `SELECT id, source, title, url, published_at, fetched_at,
		raw_excerpt, summary, tags_json, priority FROM signals`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY published_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		params = append(params, opts.Limit)
	}

	rows, err := s.db.Query(query, params...)
	if err != nil {
		return nil, fmt.Errorf("fetch signals: %w", err)
	}
	defer rows.Close()

	var out []Signal
	for rows.Next() {
		var sig Signal
		var published, fetched string
		var excerpt, summary, tagsJSON sql.NullString
		var priority sql.NullInt64
		if err := rows.Scan(&sig.ID, &sig.Source, &sig.Title, &sig.URL,
			&published, &fetched, &excerpt, &summary, &tagsJSON, &priority); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		sig.PublishedAt = parseTime(published)
		sig.FetchedAt = parseTime(fetched)
		sig.RawExcerpt = excerpt.String
		sig.Summary = summary.String
		sig.Tags = decodeTags(tagsJSON)
		sig.Priority = int(priority.Int64)
		out = append(out, sig)
	}
	return out, rows.Err()
}

// Alerts -----------------------------------------------------------------

// RecordAlert persists one alert dispatch record.
func (s *Store) RecordAlert(a Alert) error {
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	channels, err := json.Marshal(a.DeliveredChannels)
	if err != nil {
		return fmt.Errorf("encode channels: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO alerts(created_at, type, title, url, delivered_channels_json, dedup_key)
		VALUES(?, ?, ?, ?, ?, ?)`,
		formatTime(createdAt), a.Type, a.Title, nullString(a.URL), string(channels), a.DedupKey,
	)
	if err != nil {
		return fmt.Errorf("record alert: %w", err)
	}
	return nil
}

// AlertExists reports whether an alert with the dedup key is already
// recorded. Indexed lookup.
func (s *Store) AlertExists(dedupKey string) (bool, error) {
	var id int64
	err := s.db.QueryRow("SELECT id FROM alerts WHERE dedup_key = ? LIMIT 1", dedupKey).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("alert exists: %w", err)
	}
	return true, nil
}

// ListAlerts returns alerts newest first. limit <= 0 means no limit.
func (s *Store) ListAlerts(limit int) ([]Alert, error) {
	query := `SELECT id, created_at, type, title, url, delivered_channels_json, dedup_key
		FROM alerts ORDER BY created_at DESC`
	var params []any
	if limit > 0 {
		query += " LIMIT ?"
		params = append(params, limit)
	}
	rows, err := s.db.Query(query, params...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		var a Alert
		var createdAt string
		var url, channels, dedupKey sql.NullString
		if err := rows.Scan(&a.ID, &createdAt, &a.Type, &a.Title, &url, &channels, &dedupKey); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.CreatedAt = parseTime(createdAt)
		a.URL = url.String
		a.DedupKey = dedupKey.String
		a.DeliveredChannels = decodeTags(channels)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Digests ----------------------------------------------------------------

// RecordDigest persists one digest dispatch record.
func (s *Store) RecordDigest(digestType, bodyMarkdown string, sentAt time.Time) error {
	if sentAt.IsZero() {
		sentAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		"INSERT INTO digests(sent_at, type, body_markdown) VALUES(?, ?, ?)",
		formatTime(sentAt), digestType, bodyMarkdown,
	)
	if err != nil {
		return fmt.Errorf("record digest: %w", err)
	}
	return nil
}

// ListDigests returns digests newest first. limit <= 0 means no limit.
func (s *Store) ListDigests(limit int) ([]Digest, error) {
	query := "SELECT id, sent_at, type, body_markdown FROM digests ORDER BY sent_at DESC"
	var params []any
	if limit > 0 {
		query += " LIMIT ?"
		params = append(params, limit)
	}
	rows, err := s.db.Query(query, params...)
	if err != nil {
		return nil, fmt.Errorf("list digests: %w", err)
	}
	defer rows.Close()

	var out []Digest
	for rows.Next() {
		var d Digest
		var sentAt string
		if err := rows.Scan(&d.ID, &sentAt, &d.Type, &d.BodyMarkdown); err != nil {
			return nil, fmt.Errorf("scan digest: %w", err)
		}
		d.SentAt = parseTime(sentAt)
		out = append(out, d)
	}
	return out, rows.Err()
}

// Errors -----------------------------------------------------------------

// RecordError appends one error event. details may be nil.
func (s *Store) RecordError(module, message string, details map[string]any) error {
	var detailsJSON any
	if details != nil {
		data, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("encode details: %w", err)
		}
		detailsJSON = string(data)
	}
	_, err := s.db.Exec(
		"INSERT INTO errors(ts, module, message, details_json) VALUES(?, ?, ?, ?)",
		formatTime(time.Now().UTC()), module, message, detailsJSON,
	)
	if err != nil {
		return fmt.Errorf("record error: %w", err)
	}
	return nil
}

// Health -----------------------------------------------------------------

// Health returns row counts and the newest error, if any.
func (s *Store) Health() (HealthSnapshot, error) {
	snap := HealthSnapshot{Counts: make(map[string]int64, 3)}
	for _, table := range []string{"signals", "digests", "alerts"} {
		var n int64
		if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
			return snap, fmt.Errorf("count %s: %w", table, err)
		}
		snap.Counts[table] = n
	}
	var last LastError
	err := s.db.QueryRow(
		"SELECT module, message, ts FROM errors ORDER BY ts DESC LIMIT 1",
	).Scan(&last.Module, &last.Message, &last.TS)
	if err == nil {
		snap.LastError = &last
	} else if err != sql.ErrNoRows {
		return snap, fmt.Errorf("last error: %w", err)
	}
	return snap, nil
}

// Settings ---------------------------------------------------------------

// PutSetting upserts one setting as a JSON blob.
func (s *Store) PutSetting(key string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode setting %s: %w", key, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO settings(key, value_json, updated_at)
		VALUES(?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value_json=excluded.value_json,
			updated_at=excluded.updated_at`,
		key, string(payload), formatTime(time.Now().UTC()),
	)
	if err != nil {
		return fmt.Errorf("put setting %s: %w", key, err)
	}
	return nil
}

// GetSetting decodes the setting into out. Returns false if absent.
func (s *Store) GetSetting(key string, out any) (bool, error) {
	var payload string
	err := s.db.QueryRow("SELECT value_json FROM settings WHERE key = ?", key).Scan(&payload)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get setting %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return false, fmt.Errorf("decode setting %s: %w", key, err)
	}
	return true, nil
}

// ListSettings returns every settings row as raw JSON keyed by setting key.
func (s *Store) ListSettings() (map[string]json.RawMessage, error) {
	rows, err := s.db.Query("SELECT key, value_json FROM settings")
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var key, payload string
		if err := rows.Scan(&key, &payload); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		out[key] = json.RawMessage(payload)
	}
	return out, rows.Err()
}

// helpers ----------------------------------------------------------------

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func encodeTags(tags []string) any {
	if len(tags) == 0 {
		return nil
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return nil
	}
	return string(data)
}

func decodeTags(ns sql.NullString) []string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(ns.String), &tags); err != nil {
		return nil
	}
	return tags
}
