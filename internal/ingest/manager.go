// Package ingest coordinates poll passes across registered ingest modules.
//
// A module fetches from one upstream source and yields normalized signals.
// The manager serializes passes (at most one in flight), shares a single
// rate-limited HTTP client per pass, and records per-module failures without
// aborting the rest of the pass.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"starlinker/internal/config"
	"starlinker/internal/logging"
	"starlinker/internal/store"
)

// UserAgent identifies outbound requests.
const UserAgent = "Starlinker/0.1"

// Module is the contract implemented by ingest modules.
type Module interface {
	// Name identifies the module in results and error records.
	Name() string

	// Enabled reports whether this module should run under cfg.
	Enabled(cfg config.Config) bool

	// Run fetches and normalizes signals. The client is shared across the
	// pass and already rate limited.
	Run(ctx context.Context, cfg config.Config, client *http.Client, triggeredAt time.Time) ([]store.NormalizedSignal, error)
}

// Result summarizes one module's contribution to a pass.
type Result struct {
	Fetched int `json:"fetched"`
	Stored  int `json:"stored"`
}

// Manager runs enabled modules in registration order.
type Manager struct {
	mu            sync.Mutex // serializes passes
	store         *store.Store
	clientFactory func() *http.Client
	modules       []Module
	logger        *slog.Logger
}

// NewManager creates a Manager. clientFactory may be nil, in which case a
// default client with a 20 second timeout and a polite request rate is used.
func NewManager(s *store.Store, clientFactory func() *http.Client, logger *slog.Logger) *Manager {
	if clientFactory == nil {
		clientFactory = DefaultClientFactory
	}
	return &Manager{
		store:         s,
		clientFactory: clientFactory,
		logger:        logging.Default(logger).With("component", "ingest"),
	}
}

// Register appends a module. Registration order is execution order.
func (m *Manager) Register(mod Module) {
	m.modules = append(m.modules, mod)
}

// Modules returns the registered module names in registration order.
func (m *Manager) Modules() []string {
	names := make([]string, len(m.modules))
	for i, mod := range m.modules {
		names[i] = mod.Name()
	}
	return names
}

// RunPoll executes one pass across all enabled modules. Module errors are
// recorded in the errors table and skipped; the pass continues. The returned
// map is keyed by module name.
func (m *Manager) RunPoll(ctx context.Context, cfg config.Config, reason string, triggeredAt time.Time) (map[string]Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	passID := uuid.NewString()
	client := m.clientFactory()
	defer client.CloseIdleConnections()

	m.logger.Info("poll pass started", "pass_id", passID, "reason", reason)
	summary := make(map[string]Result)
	for _, mod := range m.modules {
		if !mod.Enabled(cfg) {
			continue
		}
		signals, err := mod.Run(ctx, cfg, client, triggeredAt)
		if err != nil {
			m.logger.Warn("ingest module failed", "module", mod.Name(), "pass_id", passID, "error", err)
			if rerr := m.store.RecordError(mod.Name(), err.Error(), map[string]any{
				"reason":  reason,
				"pass_id": passID,
			}); rerr != nil {
				m.logger.Error("record ingest error", "module", mod.Name(), "error", rerr)
			}
			continue
		}
		stored, err := m.store.StoreSignals(signals)
		if err != nil {
			return summary, fmt.Errorf("store signals from %s: %w", mod.Name(), err)
		}
		summary[mod.Name()] = Result{Fetched: len(signals), Stored: stored}
		m.logger.Info("ingest module done", "module", mod.Name(),
			"fetched", len(signals), "stored", stored)
	}
	return summary, nil
}

// DefaultClientFactory builds the shared per-pass HTTP client: 20 second
// timeout, one request per second with a small burst.
func DefaultClientFactory() *http.Client {
	return &http.Client{
		Timeout: 20 * time.Second,
		Transport: &politeTransport{
			base:    http.DefaultTransport,
			limiter: rate.NewLimiter(rate.Limit(1), 4),
		},
	}
}

// politeTransport rate-limits outbound requests and stamps the user agent.
type politeTransport struct {
	base    http.RoundTripper
	limiter *rate.Limiter
}

func (t *politeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", UserAgent)
	}
	return t.base.RoundTrip(req)
}
