// Package scheduler drives the periodic polls and digests and fans manual
// triggers out to the ingest and alert services.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"github.com/samber/lo"

	"starlinker/internal/alerts"
	"starlinker/internal/config"
	"starlinker/internal/ingest"
	"starlinker/internal/logging"
)

// Job names. These key the next_runs map exposed through /health.
const (
	JobPriorityPoll = "priority_poll"
	JobStandardPoll = "standard_poll"
	JobDigestDaily  = "digest_daily"
	JobDigestWeekly = "digest_weekly"
)

// TriggerReceipt acknowledges a manual trigger. The work itself runs in the
// background.
type TriggerReceipt struct {
	TriggeredAt string `json:"triggered_at"`
	Reason      string `json:"reason,omitempty"`
	Type        string `json:"type,omitempty"`
}

// Snapshot is the scheduler's health view. All instants are UTC ISO-8601.
type Snapshot struct {
	Running        bool              `json:"running"`
	LastPoll       *string           `json:"last_poll"`
	LastPollReason *string           `json:"last_poll_reason"`
	LastDigests    map[string]string `json:"last_digests"`
	NextRuns       map[string]string `json:"next_runs"`
	Config         *config.Config    `json:"config,omitempty"`
}

// Options tunes a Service. Zero values select the defaults.
type Options struct {
	Clock clockwork.Clock

	// IntervalScale shrinks interval-job firing periods, letting tests
	// exercise the loop without waiting wall-clock minutes. Reported next
	// runs always reflect the unscaled interval.
	IntervalScale float64

	Logger *slog.Logger
}

// Service owns the background job table. At most one poll, one alerts pass
// and one digest run execute at a time; the underlying services enforce
// their own gates, the jobs here are additionally coalesced so a slow pass
// never stacks.
type Service struct {
	settings *config.Repository
	ingest   *ingest.Manager
	alerts   *alerts.Service
	digests  *alerts.DigestService
	clock    clockwork.Clock
	scale    float64
	logger   *slog.Logger

	mu        sync.Mutex
	scheduler gocron.Scheduler
	jobs      map[string]gocron.Job
	nextRuns  map[string]time.Time
	cfg       config.Config
	cfgSet    bool
	running   bool

	health health

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Service. The ingest manager and the alert and digest
// services may be nil; triggers then only record bookkeeping.
func New(settings *config.Repository, ing *ingest.Manager, al *alerts.Service, dig *alerts.DigestService, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.IntervalScale <= 0 {
		opts.IntervalScale = 1
	}
	return &Service{
		settings: settings,
		ingest:   ing,
		alerts:   al,
		digests:  dig,
		clock:    opts.Clock,
		scale:    opts.IntervalScale,
		logger:   logging.Default(opts.Logger).With("component", "scheduler"),
		jobs:     make(map[string]gocron.Job),
		nextRuns: make(map[string]time.Time),
	}
}

type health struct {
	lastPoll       time.Time
	lastPollReason string
	lastDigests    map[alerts.DigestType]time.Time
}

// Start loads the configuration and registers the background jobs. Repeated
// calls are no-ops.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	cfg, err := s.settings.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	s.cfg = cfg
	s.cfgSet = true

	sched, err := gocron.NewScheduler(
		gocron.WithClock(s.clock),
		gocron.WithLocation(cfg.Location()),
	)
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	s.scheduler = sched
	s.ctx, s.cancel = context.WithCancel(context.Background())
	if err := s.registerJobsLocked(); err != nil {
		s.scheduler.Shutdown()
		s.scheduler = nil
		s.cancel()
		return err
	}
	s.scheduler.Start()
	// Wall-clock jobs only know their next fire time once scheduled.
	for _, name := range []string{JobDigestDaily, JobDigestWeekly} {
		if job, ok := s.jobs[name]; ok {
			if next, err := job.NextRun(); err == nil {
				s.nextRuns[name] = next.UTC()
			}
		}
	}
	s.running = true
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
	return nil
}

// Stop cancels the job table and waits for in-flight work. Repeated calls
// are no-ops.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	sched := s.scheduler
	s.scheduler = nil
	s.jobs = make(map[string]gocron.Job)
	s.nextRuns = make(map[string]time.Time)
	s.mu.Unlock()

	err := sched.Shutdown()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return err
}

// RefreshConfig swaps in cfg and, when running, atomically re-registers the
// job table against it.
func (s *Service) RefreshConfig(cfg config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.cfgSet = true
	if !s.running {
		return nil
	}
	for name, job := range s.jobs {
		if err := s.scheduler.RemoveJob(job.ID()); err != nil {
			s.logger.Warn("remove job", "name", name, "error", err)
		}
	}
	s.jobs = make(map[string]gocron.Job)
	s.nextRuns = make(map[string]time.Time)
	return s.registerJobsLocked()
}

// TriggerPoll submits a poll pass and returns immediately.
func (s *Service) TriggerPoll(reason string) TriggerReceipt {
	if reason == "" {
		reason = "manual"
	}
	now := s.clock.Now().UTC()
	s.submit(func(ctx context.Context) { s.runPoll(ctx, reason, now) })
	return TriggerReceipt{TriggeredAt: now.Format(time.RFC3339), Reason: reason}
}

// TriggerDigest submits a digest run and returns immediately.
func (s *Service) TriggerDigest(typ alerts.DigestType) TriggerReceipt {
	now := s.clock.Now().UTC()
	s.submit(func(ctx context.Context) { s.runDigest(ctx, typ, now) })
	return TriggerReceipt{TriggeredAt: now.Format(time.RFC3339), Type: string(typ)}
}

// Describe snapshots the scheduler for /health.
func (s *Service) Describe() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{Running: s.running}
	snap.LastDigests = lo.MapEntries(s.health.lastDigests, func(k alerts.DigestType, v time.Time) (string, string) {
		return string(k), v.UTC().Format(time.RFC3339)
	})
	snap.NextRuns = lo.MapValues(s.nextRuns, func(v time.Time, _ string) string {
		return v.UTC().Format(time.RFC3339)
	})
	if !s.health.lastPoll.IsZero() {
		iso := s.health.lastPoll.UTC().Format(time.RFC3339)
		snap.LastPoll = &iso
		snap.LastPollReason = &s.health.lastPollReason
	}
	if s.cfgSet {
		cfg := s.cfg
		snap.Config = &cfg
	}
	return snap
}

// Config returns the cached configuration.
func (s *Service) Config() config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Internal helpers -------------------------------------------------

func (s *Service) submit(fn func(context.Context)) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(ctx)
	}()
}

func (s *Service) runPoll(ctx context.Context, reason string, triggeredAt time.Time) {
	s.mu.Lock()
	cfg := s.cfg
	s.health.lastPoll = triggeredAt
	s.health.lastPollReason = reason
	s.mu.Unlock()

	if s.ingest != nil {
		summary, err := s.ingest.RunPoll(ctx, cfg, reason, triggeredAt)
		if err != nil {
			s.logger.Error("poll pass failed", "reason", reason, "error", err)
			return
		}
		s.logger.Info("poll pass finished", "reason", reason, "modules", len(summary))
	}
	if s.alerts != nil {
		result, err := s.alerts.Run(ctx, cfg, triggeredAt)
		if err != nil {
			s.logger.Error("alerts pass failed", "error", err)
			return
		}
		s.logger.Info("alerts pass finished", "alerts", result.Alerts, "suppressed", result.Suppressed)
	}
}

func (s *Service) runDigest(ctx context.Context, typ alerts.DigestType, triggeredAt time.Time) {
	s.mu.Lock()
	cfg := s.cfg
	if s.health.lastDigests == nil {
		s.health.lastDigests = make(map[alerts.DigestType]time.Time)
	}
	s.health.lastDigests[typ] = triggeredAt
	s.mu.Unlock()

	if s.digests == nil {
		return
	}
	result, err := s.digests.Run(ctx, typ, cfg, triggeredAt)
	if err != nil {
		s.logger.Error("digest run failed", "type", typ, "error", err)
		return
	}
	s.logger.Info("digest run finished", "type", typ, "sent", result.Sent, "signals", result.Signals)
}

// registerJobsLocked builds the job table from the cached configuration.
// Disabled jobs (interval <= 0, empty digest times) are simply absent.
func (s *Service) registerJobsLocked() error {
	schedule := s.cfg.Schedule

	if m := schedule.PriorityPollMinutes; m > 0 {
		if err := s.addIntervalJobLocked(JobPriorityPoll, time.Duration(m)*time.Minute, "schedule:priority"); err != nil {
			return err
		}
	}
	if h := schedule.StandardPollHours; h > 0 {
		if err := s.addIntervalJobLocked(JobStandardPoll, time.Duration(h)*time.Hour, "schedule:standard"); err != nil {
			return err
		}
	}
	if target := schedule.DigestDaily; target != "" {
		hour, minute, ok := config.ParseClock(target)
		if !ok {
			return fmt.Errorf("invalid digest_daily %q", target)
		}
		err := s.addWallClockJobLocked(JobDigestDaily, alerts.DigestDaily,
			gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(uint(hour), uint(minute), 0))))
		if err != nil {
			return err
		}
	}
	if target := schedule.DigestWeekly; target != "" {
		day, hour, minute, ok := config.ParseWeeklyAt(target)
		if !ok {
			return fmt.Errorf("invalid digest_weekly %q", target)
		}
		err := s.addWallClockJobLocked(JobDigestWeekly, alerts.DigestWeekly,
			gocron.WeeklyJob(1, gocron.NewWeekdays(day), gocron.NewAtTimes(gocron.NewAtTime(uint(hour), uint(minute), 0))))
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) addIntervalJobLocked(name string, interval time.Duration, reason string) error {
	scaled := time.Duration(float64(interval) * s.scale)
	if scaled <= 0 {
		return nil
	}
	ctx := s.ctx
	job, err := s.scheduler.NewJob(
		gocron.DurationJob(scaled),
		gocron.NewTask(func() {
			s.noteFired(name, interval)
			s.runPoll(ctx, reason, s.clock.Now().UTC())
		}),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("register %s: %w", name, err)
	}
	s.jobs[name] = job
	// The advertised next run ignores test-time interval scaling.
	s.nextRuns[name] = s.clock.Now().Add(interval).UTC()
	s.logger.Info("job registered", "name", name, "interval", interval)
	return nil
}

// noteFired re-derives an interval job's advertised next run from the fire
// instant, keeping the unscaled interval.
func (s *Service) noteFired(name string, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.nextRuns[name] = s.clock.Now().Add(interval).UTC()
}

// refreshNextRun re-reads a wall-clock job's next fire time after it ran.
func (s *Service) refreshNextRun(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[name]
	if !ok || !s.running {
		return
	}
	if next, err := job.NextRun(); err == nil {
		s.nextRuns[name] = next.UTC()
	}
}

func (s *Service) addWallClockJobLocked(name string, typ alerts.DigestType, def gocron.JobDefinition) error {
	ctx := s.ctx
	job, err := s.scheduler.NewJob(
		def,
		gocron.NewTask(func() {
			s.runDigest(ctx, typ, s.clock.Now().UTC())
			s.refreshNextRun(name)
		}),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("register %s: %w", name, err)
	}
	s.jobs[name] = job
	if next, err := job.NextRun(); err == nil {
		s.nextRuns[name] = next.UTC()
	}
	s.logger.Info("job registered", "name", name, "at", typ)
	return nil
}
