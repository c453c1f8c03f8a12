package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"starlinker/internal/config"
	"starlinker/internal/logging"
	"starlinker/internal/store"
)

// DigestType selects a digest cadence.
type DigestType string

const (
	DigestDaily  DigestType = "daily"
	DigestWeekly DigestType = "weekly"
)

// ParseDigestType validates a digest type string.
func ParseDigestType(value string) (DigestType, error) {
	switch DigestType(value) {
	case DigestDaily, DigestWeekly:
		return DigestType(value), nil
	}
	return "", fmt.Errorf("unsupported digest type: %q", value)
}

func (t DigestType) window() time.Duration {
	if t == DigestWeekly {
		return 7 * 24 * time.Hour
	}
	return 24 * time.Hour
}

func (t DigestType) title() string {
	if t == DigestWeekly {
		return "Weekly"
	}
	return "Daily"
}

// DigestResult summarizes one digest run.
type DigestResult struct {
	Digest   DigestType `json:"digest"`
	Sent     bool       `json:"sent"`
	Signals  int        `json:"signals"`
	Channels []string   `json:"channels,omitempty"`
}

// DigestPreview is a rendered digest that was neither sent nor persisted.
type DigestPreview struct {
	Digest  DigestType `json:"digest"`
	Body    string     `json:"body"`
	Signals int        `json:"signals"`
}

// DigestService renders Markdown roll-ups of recent signals and dispatches
// them on the configured channels.
type DigestService struct {
	mu     sync.Mutex // serializes runs
	store  *store.Store
	client *http.Client
	mailer Mailer
	clock  clockwork.Clock
	logger *slog.Logger
}

// NewDigestService creates a DigestService over s.
func NewDigestService(s *store.Store, opts Options) *DigestService {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 20 * time.Second}
	}
	if opts.Mailer == nil {
		opts.Mailer = &MemoryMailer{}
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &DigestService{
		store:  s,
		client: opts.Client,
		mailer: opts.Mailer,
		clock:  opts.Clock,
		logger: logging.Default(opts.Logger).With("component", "digest"),
	}
}

// Generate renders the digest body for the window ending at triggeredAt.
// No signals in the window yields an empty body and nil slice.
func (d *DigestService) Generate(typ DigestType, cfg config.Config, triggeredAt time.Time) (string, []store.Signal, error) {
	if triggeredAt.IsZero() {
		triggeredAt = d.clock.Now()
	}
	signals, err := d.store.FetchSignals(store.FetchOptions{Since: triggeredAt.Add(-typ.window())})
	if err != nil {
		return "", nil, err
	}
	if len(signals) == 0 {
		return "", nil, nil
	}

	sort.SliceStable(signals, func(i, j int) bool {
		if signals[i].Priority != signals[j].Priority {
			return signals[i].Priority > signals[j].Priority
		}
		return signals[i].PublishedAt.After(signals[j].PublishedAt)
	})

	loc := cfg.Location()
	var b strings.Builder
	fmt.Fprintf(&b, "# Starlinker %s Digest (%s)\n\n", typ.title(), triggeredAt.In(loc).Format("2006-01-02"))
	for _, sig := range signals {
		fmt.Fprintf(&b, "- [%s](%s) — %s\n", sig.Title, sig.URL, sig.PublishedAt.In(loc).Format("2006-01-02 15:04"))
		summary := sig.Summary
		if summary == "" {
			summary = sig.RawExcerpt
		}
		if summary = strings.TrimSpace(summary); summary != "" {
			fmt.Fprintf(&b, "  - %s\n", truncate(summary, 280))
		}
	}
	return strings.TrimRight(b.String(), "\n"), signals, nil
}

// Run generates and dispatches one digest. The digest row is persisted only
// when at least one channel succeeded.
func (d *DigestService) Run(ctx context.Context, typ DigestType, cfg config.Config, triggeredAt time.Time) (DigestResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	body, signals, err := d.Generate(typ, cfg, triggeredAt)
	if err != nil {
		return DigestResult{}, err
	}
	result := DigestResult{Digest: typ, Signals: len(signals)}
	if len(signals) == 0 {
		return result, nil
	}

	if webhook := strings.TrimSpace(cfg.Outputs.DiscordWebhook); webhook != "" {
		if err := postDiscord(ctx, d.client, webhook, body); err != nil {
			d.recordDispatchError("discord", err)
		} else {
			result.Channels = append(result.Channels, "discord")
		}
	}
	if to := strings.TrimSpace(cfg.Outputs.EmailTo); to != "" {
		subject := "[Starlinker] " + typ.title() + " Digest"
		if err := d.mailer.Send(to, subject, body); err != nil {
			d.recordDispatchError("email", err)
		} else {
			result.Channels = append(result.Channels, "email")
		}
	}

	if len(result.Channels) > 0 {
		if err := d.store.RecordDigest(string(typ), body, triggeredAt); err != nil {
			return result, fmt.Errorf("record digest: %w", err)
		}
		result.Sent = true
	}
	return result, nil
}

// Preview renders without dispatching or persisting.
func (d *DigestService) Preview(typ DigestType, cfg config.Config, triggeredAt time.Time) (DigestPreview, error) {
	body, signals, err := d.Generate(typ, cfg, triggeredAt)
	if err != nil {
		return DigestPreview{}, err
	}
	return DigestPreview{Digest: typ, Body: body, Signals: len(signals)}, nil
}

func (d *DigestService) recordDispatchError(channel string, err error) {
	d.logger.Warn("digest dispatch failed", "channel", channel, "error", err)
	if rerr := d.store.RecordError("digest.dispatch", err.Error(), map[string]any{"channel": channel}); rerr != nil {
		d.logger.Error("record dispatch error", "error", rerr)
	}
}
