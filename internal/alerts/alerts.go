// Package alerts evaluates stored signals, deduplicates and dispatches
// alerts, and renders periodic digests.
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

// Service defaults.
const (
	DefaultWindow      = 24 * time.Hour
	DefaultMinPriority = 60
)

// RunResult summarizes one alerts pass.
type RunResult struct {
	Alerts     int  `json:"alerts"`
	Suppressed bool `json:"suppressed"`
}

// Options tunes a Service. Zero values select the defaults.
type Options struct {
	Client      *http.Client
	Mailer      Mailer
	Clock       clockwork.Clock
	Window      time.Duration
	MinPriority int
	Logger      *slog.Logger
}

// Service scores recent signals and dispatches the ones above threshold.
// Runs are serialized; snooze state is process-wide.
type Service struct {
	mu          sync.Mutex // serializes runs
	store       *store.Store
	client      *http.Client
	mailer      Mailer
	clock       clockwork.Clock
	window      time.Duration
	minPriority int
	logger      *slog.Logger

	snoozeMu     sync.Mutex
	snoozedUntil time.Time
}

// NewService creates a Service over s.
func NewService(s *store.Store, opts Options) *Service {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 20 * time.Second}
	}
	if opts.Mailer == nil {
		opts.Mailer = &MemoryMailer{}
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.MinPriority == 0 {
		opts.MinPriority = DefaultMinPriority
	}
	return &Service{
		store:       s,
		client:      opts.Client,
		mailer:      opts.Mailer,
		clock:       opts.Clock,
		window:      opts.Window,
		minPriority: opts.MinPriority,
		logger:      logging.Default(opts.Logger).With("component", "alerts"),
	}
}

type candidate struct {
	signal   store.Signal
	priority int
	dedupKey string
}

// Run evaluates the window ending at triggeredAt and dispatches alerts.
// Snooze and quiet hours suppress dispatch entirely; nothing is persisted
// while suppressed.
func (s *Service) Run(ctx context.Context, cfg config.Config, triggeredAt time.Time) (RunResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates, err := s.collect(triggeredAt)
	if err != nil {
		return RunResult{}, err
	}
	if len(candidates) == 0 {
		return RunResult{}, nil
	}
	if until, ok := s.SnoozedUntil(); ok && triggeredAt.Before(until) {
		s.logger.Info("alerts snoozed", "until", until)
		return RunResult{Suppressed: true}, nil
	}
	if InQuietHours(cfg, triggeredAt) {
		s.logger.Info("alerts suppressed by quiet hours")
		return RunResult{Suppressed: true}, nil
	}

	delivered := 0
	for _, cand := range candidates {
		channels := s.dispatch(ctx, cfg, cand)
		if len(channels) == 0 {
			continue
		}
		err := s.store.RecordAlert(store.Alert{
			Type:              "signal",
			Title:             cand.signal.Title,
			URL:               cand.signal.URL,
			DeliveredChannels: channels,
			DedupKey:          cand.dedupKey,
			CreatedAt:         triggeredAt,
		})
		if err != nil {
			return RunResult{Alerts: delivered}, fmt.Errorf("record alert: %w", err)
		}
		delivered++
	}
	return RunResult{Alerts: delivered}, nil
}

// collect fetches the window, scores, thresholds and strips already-alerted
// signals, ordered (priority DESC, published_at DESC).
func (s *Service) collect(triggeredAt time.Time) ([]candidate, error) {
	signals, err := s.store.FetchSignals(store.FetchOptions{Since: triggeredAt.Add(-s.window)})
	if err != nil {
		return nil, err
	}
	var out []candidate
	for _, sig := range signals {
		priority := Score(sig.Priority, sig.Title, sig.Tags)
		if priority < s.minPriority {
			continue
		}
		key := DedupKey(sig)
		exists, err := s.store.AlertExists(key)
		if err != nil {
			return nil, err
		}
		if exists {
			continue
		}
		out = append(out, candidate{signal: sig, priority: priority, dedupKey: key})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].priority != out[j].priority {
			return out[i].priority > out[j].priority
		}
		return out[i].signal.PublishedAt.After(out[j].signal.PublishedAt)
	})
	return out, nil
}

// dispatch sends one alert across the enabled channels and returns the ones
// that succeeded. Channel failures land in the error table.
func (s *Service) dispatch(ctx context.Context, cfg config.Config, cand candidate) []string {
	content := renderMessage(cand.signal)
	var channels []string

	if webhook := strings.TrimSpace(cfg.Outputs.DiscordWebhook); webhook != "" {
		if err := postDiscord(ctx, s.client, webhook, content); err != nil {
			s.recordDispatchError("discord", err)
		} else {
			channels = append(channels, "discord")
		}
	}
	if to := strings.TrimSpace(cfg.Outputs.EmailTo); to != "" {
		subject := "[Starlinker] " + cand.signal.Title
		if err := s.mailer.Send(to, subject, content); err != nil {
			s.recordDispatchError("email", err)
		} else {
			channels = append(channels, "email")
		}
	}
	return channels
}

func (s *Service) recordDispatchError(channel string, err error) {
	s.logger.Warn("alert dispatch failed", "channel", channel, "error", err)
	if rerr := s.store.RecordError("alerts.dispatch", err.Error(), map[string]any{"channel": channel}); rerr != nil {
		s.logger.Error("record dispatch error", "error", rerr)
	}
}

// Snooze suppresses alert dispatch for the given duration and returns the
// instant suppression ends.
func (s *Service) Snooze(d time.Duration) time.Time {
	s.snoozeMu.Lock()
	defer s.snoozeMu.Unlock()
	s.snoozedUntil = s.clock.Now().Add(d).UTC()
	return s.snoozedUntil
}

// MinPriority returns the dispatch threshold.
func (s *Service) MinPriority() int { return s.minPriority }

// Window returns the candidate collection window.
func (s *Service) Window() time.Duration { return s.window }

// SnoozedUntil reports the active snooze deadline, if any.
func (s *Service) SnoozedUntil() (time.Time, bool) {
	s.snoozeMu.Lock()
	defer s.snoozeMu.Unlock()
	if s.snoozedUntil.IsZero() || !s.clock.Now().Before(s.snoozedUntil) {
		return time.Time{}, false
	}
	return s.snoozedUntil, true
}

// DedupKey builds the stable alert identity for a signal.
func DedupKey(sig store.Signal) string {
	return sig.Source + ":" + strings.ToLower(sig.URL)
}

// renderMessage formats one alert for delivery.
func renderMessage(sig store.Signal) string {
	summary := sig.Summary
	if summary == "" {
		summary = sig.RawExcerpt
	}
	lines := []string{
		"**" + sig.Title + "**",
		"Source: " + sig.Source,
		"Published: " + sig.PublishedAt.UTC().Format("2006-01-02 15:04") + " UTC",
		sig.URL,
	}
	if summary = strings.TrimSpace(summary); summary != "" {
		lines = append(lines, "", summary)
	}
	return strings.Join(lines, "\n")
}

// InQuietHours reports whether moment falls inside the configured quiet
// window, resolved in the configured timezone. A window that ends before it
// starts wraps past midnight.
func InQuietHours(cfg config.Config, moment time.Time) bool {
	if len(cfg.QuietHours) != 2 {
		return false
	}
	startH, startM, ok := config.ParseClock(cfg.QuietHours[0])
	if !ok {
		return false
	}
	endH, endM, ok := config.ParseClock(cfg.QuietHours[1])
	if !ok {
		return false
	}
	local := moment.In(cfg.Location())
	now := local.Hour()*60 + local.Minute()
	start := startH*60 + startM
	end := endH*60 + endM
	if start <= end {
		return start <= now && now < end
	}
	return now >= start || now < end
}
