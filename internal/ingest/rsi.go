package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"starlinker/internal/alerts"
	"starlinker/internal/config"
	"starlinker/internal/store"
)

// DefaultPatchNotesURL is the RSI patch-notes API endpoint.
const DefaultPatchNotesURL = "https://robertsspaceindustries.com/api/patchnotes/get"

// PatchNotes fetches patch note releases from RSI. It polls the LIVE channel
// and, when configured, PTU as well.
type PatchNotes struct {
	// BaseURL overrides the API endpoint; empty means DefaultPatchNotesURL.
	BaseURL string
}

func (p *PatchNotes) Name() string { return "rsi.patch_notes" }

func (p *PatchNotes) Enabled(cfg config.Config) bool {
	return cfg.Sources.PatchNotes.Enabled
}

func (p *PatchNotes) Run(ctx context.Context, cfg config.Config, client *http.Client, triggeredAt time.Time) ([]store.NormalizedSignal, error) {
	channels := []string{"LIVE"}
	if cfg.Sources.PatchNotes.IncludePTU {
		channels = append(channels, "PTU")
	}

	seen := make(map[string]bool)
	var results []store.NormalizedSignal
	for _, channel := range channels {
		items, err := p.fetchChannel(ctx, client, channel)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			sig := p.normalize(item, channel, triggeredAt)
			if seen[sig.URL] {
				continue
			}
			seen[sig.URL] = true
			results = append(results, sig)
		}
	}
	return results, nil
}

// patchNotesResponse mirrors the envelope of the RSI endpoint.
type patchNotesResponse struct {
	Data struct {
		PatchNotes []patchNoteItem `json:"patchnotes"`
	} `json:"data"`
}

type patchNoteItem struct {
	Title       string          `json:"title"`
	URL         string          `json:"url"`
	PublishedAt string          `json:"published_at"`
	TimeCreated json.RawMessage `json:"time_created"`
	CreatedAt   string          `json:"created_at"`
	Excerpt     string          `json:"excerpt"`
	Snippet     string          `json:"snippet"`
	Brief       string          `json:"brief"`
	Channel     string          `json:"channel"`
}

func (p *PatchNotes) fetchChannel(ctx context.Context, client *http.Client, channel string) ([]patchNoteItem, error) {
	base := p.BaseURL
	if base == "" {
		base = DefaultPatchNotesURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base, nil)
	if err != nil {
		return nil, err
	}
	q := req.URL.Query()
	q.Set("page", "1")
	q.Set("channel", channel)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s channel: %w", channel, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch %s channel: unexpected status %d", channel, resp.StatusCode)
	}

	var payload patchNotesResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode %s channel: %w", channel, err)
	}
	return payload.Data.PatchNotes, nil
}

func (p *PatchNotes) normalize(item patchNoteItem, channel string, fetchedAt time.Time) store.NormalizedSignal {
	title := strings.TrimSpace(item.Title)
	if title == "" {
		title = "Patch Notes"
	}
	excerpt := item.Excerpt
	if excerpt == "" {
		excerpt = item.Snippet
	}
	if excerpt == "" {
		excerpt = item.Brief
	}
	tags := []string{"rsi", "patch-notes", strings.ToLower(channel)}
	if c := strings.ToLower(item.Channel); c != "" && c != tags[2] {
		tags = append(tags, c)
	}
	return store.NormalizedSignal{
		Source:      "rsi.patch_notes." + strings.ToLower(channel),
		Title:       title,
		URL:         p.buildURL(item.URL),
		PublishedAt: parsePublished(item),
		FetchedAt:   fetchedAt,
		RawExcerpt:  strings.TrimSpace(excerpt),
		Tags:        tags,
		Priority:    alerts.Score(0, title, tags),
	}
}

// buildURL resolves relative links against the RSI origin.
func (p *PatchNotes) buildURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw
	}
	if !strings.HasPrefix(raw, "/") {
		raw = "/" + raw
	}
	return "https://robertsspaceindustries.com" + raw
}

// parsePublished tries published_at, then time_created (unix seconds), then
// created_at, accepting a few ISO-8601 variants; anything unparseable falls
// back to now.
func parsePublished(item patchNoteItem) time.Time {
	if t, ok := parseTimestamp(item.PublishedAt); ok {
		return t
	}
	if len(item.TimeCreated) > 0 {
		var unix float64
		if err := json.Unmarshal(item.TimeCreated, &unix); err == nil && unix > 0 {
			return time.Unix(int64(unix), 0).UTC()
		}
		var text string
		if err := json.Unmarshal(item.TimeCreated, &text); err == nil {
			if t, ok := parseTimestamp(text); ok {
				return t
			}
		}
	}
	if t, ok := parseTimestamp(item.CreatedAt); ok {
		return t
	}
	return time.Now().UTC()
}

var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
}

func parseTimestamp(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
