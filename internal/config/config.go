// Package config defines the backend configuration tree, its validation
// rules and the settings repository that persists it.
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ThemeSlugs enumerates the accepted appearance themes.
var ThemeSlugs = []string{"neutral", "uee", "crusader", "drake", "rsi"}

// Config is the full configuration tree. It is persisted as one JSON blob
// and validated at every write.
type Config struct {
	Timezone   string           `json:"timezone"`
	QuietHours []string         `json:"quiet_hours" validate:"len=2,dive,datetime=15:04"`
	Schedule   ScheduleConfig   `json:"schedule"`
	Outputs    OutputsConfig    `json:"outputs"`
	Sources    SourcesConfig    `json:"sources"`
	Appearance AppearanceConfig `json:"appearance"`
}

// ScheduleConfig drives the background scheduler. Poll values <= 0 disable
// the job; empty digest strings disable the digest.
type ScheduleConfig struct {
	DigestDaily         string `json:"digest_daily" validate:"omitempty,datetime=15:04"`
	DigestWeekly        string `json:"digest_weekly" validate:"omitempty,weekly_at"`
	PriorityPollMinutes int    `json:"priority_poll_minutes"`
	StandardPollHours   int    `json:"standard_poll_hours"`
}

// OutputsConfig holds delivery channels. An empty string disables a channel.
type OutputsConfig struct {
	DiscordWebhook string `json:"discord_webhook"`
	EmailTo        string `json:"email_to"`
}

// SourcesConfig holds per-source options.
type SourcesConfig struct {
	PatchNotes PatchNotesConfig `json:"patch_notes"`
	Roadmap    ToggleConfig     `json:"roadmap"`
	Status     ToggleConfig     `json:"status"`
	ThisWeek   ToggleConfig     `json:"this_week"`
	InsideSC   InsideSCConfig   `json:"inside_sc"`
	Reddit     RedditConfig     `json:"reddit"`
}

// PatchNotesConfig configures the patch-notes ingest.
type PatchNotesConfig struct {
	Enabled    bool `json:"enabled"`
	IncludePTU bool `json:"include_ptu"`
}

// ToggleConfig is a bare enabled flag shared by simple sources.
type ToggleConfig struct {
	Enabled bool `json:"enabled"`
}

// InsideSCConfig configures the video source.
type InsideSCConfig struct {
	Enabled  bool     `json:"enabled"`
	Channels []string `json:"channels"`
}

// RedditConfig configures the reddit source.
type RedditConfig struct {
	Enabled         bool     `json:"enabled"`
	Subs            []string `json:"subs"`
	Feed            []string `json:"feed"`
	MinUpvotes      int      `json:"min_upvotes"`
	IncludeKeywords []string `json:"include_keywords"`
	ExcludeKeywords []string `json:"exclude_keywords"`
	ExcludeFlairs   []string `json:"exclude_flairs"`
}

// AppearanceConfig selects a UI theme.
type AppearanceConfig struct {
	Theme string `json:"theme" validate:"oneof=neutral uee crusader drake rsi"`
}

// Default returns the configuration seeded on first load.
func Default() Config {
	return Config{
		Timezone:   "America/New_York",
		QuietHours: []string{"23:00", "07:00"},
		Schedule: ScheduleConfig{
			DigestDaily:         "09:00",
			DigestWeekly:        "",
			PriorityPollMinutes: 60,
			StandardPollHours:   6,
		},
		Sources: SourcesConfig{
			PatchNotes: PatchNotesConfig{Enabled: true},
			Roadmap:    ToggleConfig{Enabled: true},
			Status:     ToggleConfig{Enabled: true},
			ThisWeek:   ToggleConfig{Enabled: true},
			InsideSC:   InsideSCConfig{Enabled: true, Channels: []string{"rsi_official"}},
			Reddit: RedditConfig{
				Subs:       []string{"starcitizen"},
				Feed:       []string{"new"},
				MinUpvotes: 50,
			},
		},
		Appearance: AppearanceConfig{Theme: "neutral"},
	}
}

// Location resolves the configured timezone, falling back to UTC when it is
// empty or unknown.
func (c Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// FieldError describes one failed validation rule.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError carries structured field errors for API responses.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Message
	}
	return "invalid configuration: " + strings.Join(parts, "; ")
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		tag := fld.Tag.Get("json")
		if tag == "" || tag == "-" {
			return fld.Name
		}
		if comma := strings.Index(tag, ","); comma >= 0 {
			tag = tag[:comma]
		}
		return tag
	})
	// "dow HH:MM" with a case-insensitive three-letter day prefix.
	v.RegisterValidation("weekly_at", func(fl validator.FieldLevel) bool {
		_, _, _, ok := ParseWeeklyAt(fl.Field().String())
		return ok
	})
	return v
}

// Validate checks cfg and returns a *ValidationError on failure.
func Validate(cfg Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return fmt.Errorf("validate config: %w", err)
	}
	out := &ValidationError{}
	for _, fe := range verrs {
		field := fe.Namespace()
		// Strip the root struct name; the rest is the json path.
		if dot := strings.Index(field, "."); dot >= 0 {
			field = field[dot+1:]
		}
		out.Fields = append(out.Fields, FieldError{
			Field:   field,
			Message: "failed " + fe.Tag() + " validation",
		})
	}
	return out
}

var weekdays = map[string]time.Weekday{
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
	"sun": time.Sunday,
}

// ParseWeeklyAt parses "dow HH:MM" (day case-insensitive, three-letter
// prefix sufficient) into its parts.
func ParseWeeklyAt(value string) (time.Weekday, int, int, bool) {
	parts := strings.Fields(value)
	if len(parts) != 2 {
		return 0, 0, 0, false
	}
	key := strings.ToLower(parts[0])
	if len(key) > 3 {
		key = key[:3]
	}
	day, ok := weekdays[key]
	if !ok {
		return 0, 0, 0, false
	}
	hour, minute, ok := ParseClock(parts[1])
	if !ok {
		return 0, 0, 0, false
	}
	return day, hour, minute, true
}

// ParseClock parses "HH:MM".
func ParseClock(value string) (hour, minute int, ok bool) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, 0, false
	}
	return t.Hour(), t.Minute(), true
}
