package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"starlinker/internal/alerts"
	"starlinker/internal/config"
	"starlinker/internal/ingest"
	"starlinker/internal/logging"
	"starlinker/internal/scheduler"
	"starlinker/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), logging.Discard())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	settings := config.NewRepository(st)
	al := alerts.NewService(st, alerts.Options{Logger: logging.Discard()})
	dig := alerts.NewDigestService(st, alerts.Options{Logger: logging.Discard()})
	mgr := ingest.NewManager(st, nil, logging.Discard())
	sched := scheduler.New(settings, mgr, al, dig, scheduler.Options{Logger: logging.Discard()})
	t.Cleanup(func() { sched.Stop() })

	srv := httptest.NewServer(New(st, settings, al, dig, sched, logging.Discard()).Handler())
	t.Cleanup(srv.Close)
	return srv, st
}

func doJSON(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, payload
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, payload := doJSON(t, http.MethodGet, srv.URL+"/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if payload["status"] != "ok" {
		t.Errorf("unexpected status: %v", payload["status"])
	}
	sched, ok := payload["scheduler"].(map[string]any)
	if !ok || sched["running"] != false {
		t.Errorf("scheduler should be present and stopped: %v", payload["scheduler"])
	}
	al, ok := payload["alerts"].(map[string]any)
	if !ok || al["snoozed_until"] != nil {
		t.Errorf("snoozed_until should be null: %v", payload["alerts"])
	}
	if al["min_priority"] != float64(60) || al["window_hours"] != float64(24) {
		t.Errorf("unexpected alert status: %v", al)
	}
	// The default config leaves delivery unconfigured.
	missing, ok := payload["missing"].([]any)
	if !ok || len(missing) != 1 || missing[0] != "digest_output" {
		t.Errorf("expected missing=[digest_output], got %v", payload["missing"])
	}
}

func TestPatchSettingsValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, payload := doJSON(t, http.MethodPatch, srv.URL+"/settings",
		`{"appearance":{"theme":"unknown"}}`)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}
	fields, ok := payload["fields"].([]any)
	if !ok || len(fields) == 0 {
		t.Fatalf("expected structured field errors, got %v", payload)
	}
	field := fields[0].(map[string]any)
	if field["field"] != "appearance.theme" {
		t.Errorf("expected appearance.theme, got %v", field)
	}

	// The stored configuration is untouched.
	resp, payload = doJSON(t, http.MethodGet, srv.URL+"/settings", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	appearance := payload["appearance"].(map[string]any)
	if appearance["theme"] != "neutral" {
		t.Errorf("theme should remain neutral, got %v", appearance["theme"])
	}
}

func TestPatchSettingsMergesAndPersists(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, payload := doJSON(t, http.MethodPatch, srv.URL+"/settings",
		`{"outputs":{"discord_webhook":"https://discord.example/hook"}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	outputs := payload["outputs"].(map[string]any)
	if outputs["discord_webhook"] != "https://discord.example/hook" {
		t.Errorf("patch not applied: %v", outputs)
	}
	if payload["timezone"] != "America/New_York" {
		t.Errorf("siblings should survive, got %v", payload["timezone"])
	}

	_, payload = doJSON(t, http.MethodGet, srv.URL+"/health", "")
	missing := payload["missing"].([]any)
	if len(missing) != 0 {
		t.Errorf("webhook satisfies digest_output, got %v", missing)
	}
}

func TestPutSettingsRejectsBadBody(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPut, srv.URL+"/settings", `{"quiet_hours":["23:00"]`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed JSON should 400, got %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPut, srv.URL+"/settings", `{"quiet_hours":["23:00"]}`)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("invalid config should 422, got %d", resp.StatusCode)
	}
}

func TestDefaultsAndSchema(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, payload := doJSON(t, http.MethodGet, srv.URL+"/settings/defaults", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	appearance := payload["appearance"].(map[string]any)
	if appearance["theme"] != "neutral" {
		t.Errorf("unexpected defaults: %v", payload)
	}

	resp, payload = doJSON(t, http.MethodGet, srv.URL+"/settings/schema", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if payload["type"] != "object" {
		t.Errorf("unexpected schema: %v", payload)
	}
}

func TestRunPollReturnsReceipt(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, payload := doJSON(t, http.MethodPost, srv.URL+"/run/poll", `{"reason":"smoke"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if payload["reason"] != "smoke" {
		t.Errorf("unexpected receipt: %v", payload)
	}
	if _, err := time.Parse(time.RFC3339, payload["triggered_at"].(string)); err != nil {
		t.Errorf("triggered_at should be RFC3339: %v", payload["triggered_at"])
	}
}

func TestRunDigestRejectsUnknownType(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/run/digest", `{"type":"hourly"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}

	resp, payload := doJSON(t, http.MethodPost, srv.URL+"/run/digest", `{}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for default type, got %d", resp.StatusCode)
	}
	if payload["type"] != "daily" {
		t.Errorf("expected default daily, got %v", payload)
	}
}

func TestSnoozeBoundsAndStatus(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/alerts/snooze", `{"minutes":2}`)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("minutes below 5 should 422, got %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/alerts/snooze", `{"minutes":1000}`)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("minutes above 720 should 422, got %d", resp.StatusCode)
	}

	resp, payload := doJSON(t, http.MethodPost, srv.URL+"/alerts/snooze", `{"minutes":45}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	until, ok := payload["snoozed_until"].(string)
	if !ok {
		t.Fatalf("expected snoozed_until, got %v", payload)
	}

	_, payload = doJSON(t, http.MethodGet, srv.URL+"/health", "")
	al := payload["alerts"].(map[string]any)
	if al["snoozed_until"] != until {
		t.Errorf("health should echo the snooze deadline, got %v", al)
	}
}

func TestDigestPreviewAndRecent(t *testing.T) {
	srv, st := newTestServer(t)

	published := time.Now().UTC().Add(-time.Hour)
	if _, err := st.StoreSignals([]store.NormalizedSignal{{
		Source:      "rsi.patch_notes.live",
		Title:       "Alpha 4.1",
		URL:         "https://example.com/patch",
		PublishedAt: published,
		FetchedAt:   published,
		Tags:        []string{"live"},
		Priority:    80,
	}}); err != nil {
		t.Fatalf("StoreSignals: %v", err)
	}

	resp, payload := doJSON(t, http.MethodGet, srv.URL+"/digest/preview", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if payload["digest"] != "daily" || payload["signals"] != float64(1) {
		t.Errorf("unexpected preview: %v", payload)
	}
	if !strings.Contains(payload["body"].(string), "Alpha 4.1") {
		t.Errorf("body missing entry: %v", payload["body"])
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/digest/preview?digest_type=hourly", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown digest type should 400, got %d", resp.StatusCode)
	}

	resp, payload = doJSON(t, http.MethodGet, srv.URL+"/digest/recent", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if digests, ok := payload["digests"].([]any); !ok || len(digests) != 0 {
		t.Errorf("preview should not persist digests, got %v", payload)
	}
}

func TestRecentAlerts(t *testing.T) {
	srv, st := newTestServer(t)

	if err := st.RecordAlert(store.Alert{
		Type:              "signal",
		Title:             "Alpha 4.1",
		URL:               "https://example.com/patch",
		DeliveredChannels: []string{"discord"},
		DedupKey:          "rsi:https://example.com/patch",
		CreatedAt:         time.Now().UTC(),
	}); err != nil {
		t.Fatalf("RecordAlert: %v", err)
	}

	resp, payload := doJSON(t, http.MethodGet, srv.URL+"/alerts/recent", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	rows, ok := payload["alerts"].([]any)
	if !ok || len(rows) != 1 {
		t.Fatalf("expected 1 alert, got %v", payload)
	}
}

func TestListThemes(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, payload := doJSON(t, http.MethodGet, srv.URL+"/appearance/themes", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	themes, ok := payload["themes"].([]any)
	if !ok || len(themes) != 5 || themes[0] != "neutral" {
		t.Errorf("unexpected themes: %v", payload)
	}
}
