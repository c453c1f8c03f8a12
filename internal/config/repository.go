package config

import (
	"encoding/json"
	"fmt"

	"github.com/imdario/mergo"

	"starlinker/internal/store"
)

// SettingsKey is the settings-table key holding the configuration blob.
const SettingsKey = "starlinker.config"

// Repository loads, saves and patches the configuration. A load with no
// stored row seeds and persists the defaults.
type Repository struct {
	store *store.Store
}

// NewRepository creates a Repository over s.
func NewRepository(s *store.Store) *Repository {
	return &Repository{store: s}
}

// Load returns the stored configuration, seeding defaults on first read.
func (r *Repository) Load() (Config, error) {
	var cfg Config
	found, err := r.store.GetSetting(SettingsKey, &cfg)
	if err != nil {
		return Config{}, err
	}
	if !found {
		cfg = Default()
		if err := r.Save(cfg); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

// Save validates cfg and persists it. On validation failure the stored
// configuration is untouched.
func (r *Repository) Save(cfg Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	return r.store.PutSetting(SettingsKey, cfg)
}

// ApplyPatch deep-merges patch over the current configuration: nested
// objects merge by key, everything else (including lists) is replaced, and
// keys absent from the patch stay untouched. An explicit empty value in the
// patch still overwrites. The merged result is validated before it is
// persisted.
func (r *Repository) ApplyPatch(patch map[string]any) (Config, error) {
	current, err := r.Load()
	if err != nil {
		return Config{}, err
	}

	base, err := toMap(current)
	if err != nil {
		return Config{}, err
	}
	if err := mergo.Merge(&base, patch, mergo.WithOverride); err != nil {
		return Config{}, fmt.Errorf("merge patch: %w", err)
	}

	merged, err := fromMap(base)
	if err != nil {
		return Config{}, err
	}
	if err := r.Save(merged); err != nil {
		return Config{}, err
	}
	return merged, nil
}

// Default returns the default configuration without persisting it.
func (r *Repository) Default() Config {
	return Default()
}

// MissingPrerequisites lists setup steps the configuration still needs:
// "digest_output" when no channel is configured, "timezone" when empty.
// Presence is the only check; formats are not validated here.
func (r *Repository) MissingPrerequisites(cfg Config) []string {
	missing := []string{}
	if cfg.Outputs.DiscordWebhook == "" && cfg.Outputs.EmailTo == "" {
		missing = append(missing, "digest_output")
	}
	if cfg.Timezone == "" {
		missing = append(missing, "timezone")
	}
	return missing
}

// ExportRaw returns every stored settings row as raw JSON.
func (r *Repository) ExportRaw() (map[string]json.RawMessage, error) {
	return r.store.ListSettings()
}

func toMap(cfg Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return out, nil
}

func fromMap(m map[string]any) (Config, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return Config{}, fmt.Errorf("encode merged config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode merged config: %w", err)
	}
	return cfg, nil
}

// Schema emits a declarative description of the configuration tree for the
// settings UI.
func Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"timezone": map[string]any{"type": "string", "description": "IANA timezone name; empty falls back to UTC"},
			"quiet_hours": map[string]any{
				"type": "array", "items": map[string]any{"type": "string", "pattern": "^[0-2][0-9]:[0-5][0-9]$"},
				"minItems": 2, "maxItems": 2,
			},
			"schedule": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"digest_daily":          map[string]any{"type": "string", "description": "HH:MM local time, empty disables"},
					"digest_weekly":         map[string]any{"type": "string", "description": "dow HH:MM local time, empty disables"},
					"priority_poll_minutes": map[string]any{"type": "integer", "description": "<= 0 disables"},
					"standard_poll_hours":   map[string]any{"type": "integer", "description": "<= 0 disables"},
				},
			},
			"outputs": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"discord_webhook": map[string]any{"type": "string"},
					"email_to":        map[string]any{"type": "string"},
				},
			},
			"sources": map[string]any{"type": "object"},
			"appearance": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"theme": map[string]any{"type": "string", "enum": ThemeSlugs},
				},
			},
		},
	}
}
