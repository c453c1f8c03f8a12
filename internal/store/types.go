package store

import "time"

// NormalizedSignal is a content signal produced by an ingest module, ready
// for persistence. Timestamps must be UTC.
type NormalizedSignal struct {
	Source      string
	Title       string
	URL         string
	PublishedAt time.Time
	FetchedAt   time.Time
	RawExcerpt  string
	Summary     string
	Tags        []string
	Priority    int
}

// Signal is a persisted row from the signals table.
type Signal struct {
	ID          int64     `json:"id"`
	Source      string    `json:"source"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"published_at"`
	FetchedAt   time.Time `json:"fetched_at"`
	RawExcerpt  string    `json:"raw_excerpt,omitempty"`
	Summary     string    `json:"summary,omitempty"`
	Tags        []string  `json:"tags"`
	Priority    int       `json:"priority"`
}

// Alert is a persisted alert dispatch record. At most one row exists per
// dedup key.
type Alert struct {
	ID                int64     `json:"id"`
	CreatedAt         time.Time `json:"created_at"`
	Type              string    `json:"type"`
	Title             string    `json:"title"`
	URL               string    `json:"url"`
	DeliveredChannels []string  `json:"delivered_channels"`
	DedupKey          string    `json:"dedup_key"`
}

// Digest is a persisted digest dispatch record.
type Digest struct {
	ID           int64     `json:"id"`
	SentAt       time.Time `json:"sent_at"`
	Type         string    `json:"type"`
	BodyMarkdown string    `json:"body_markdown"`
}

// ErrorEvent is an append-only operational error record.
type ErrorEvent struct {
	ID      int64
	TS      time.Time
	Module  string
	Message string
	Details map[string]any
}

// FetchOptions filters FetchSignals. Zero values mean "no filter".
type FetchOptions struct {
	// Since keeps signals with fetched_at at or after this instant.
	Since time.Time

	// MinPriority keeps signals with priority >= this value when > 0.
	MinPriority int

	// Limit caps the result when > 0.
	Limit int
}

// HealthSnapshot summarizes row counts and the most recent error.
type HealthSnapshot struct {
	Counts    map[string]int64 `json:"counts"`
	LastError *LastError       `json:"last_error"`
}

// LastError is the newest row of the errors table.
type LastError struct {
	Module  string `json:"module"`
	Message string `json:"message"`
	TS      string `json:"ts"`
}
