// Package config loads host tuning documents. The document carries the
// tick-independent knobs: retention intervals, the mutate size limit and
// per-component replication overrides authored as JSON.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"tickwire"
	"tickwire/visibility"
)

// Send rate kinds accepted in a settings document.
const (
	RateEveryTick = "every-tick"
	RateOnce      = "once"
	RatePeriodic  = "periodic"
)

// Visibility policies accepted in a settings document.
const (
	PolicyBlacklist = "blacklist"
	PolicyWhitelist = "whitelist"
)

// Environment variables that override the loaded retention intervals.
const (
	envUpdateTimeoutMS = "TICKWIRE_UPDATE_TIMEOUT_MS"
	envCleanupPeriodMS = "TICKWIRE_CLEANUP_PERIOD_MS"
)

// Settings is the on-disk tuning document. The struct is exported so
// tooling (e.g. schema generators) can reflect over the configuration
// contract shared with operators.
type Settings struct {
	UpdateTimeoutMS     int    `json:"updateTimeoutMS,omitempty" jsonschema:"title=Update Timeout (ms),description=How long unacknowledged mutate bookkeeping is retained before it times out.,minimum=0"`
	CleanupPeriodMS     int    `json:"cleanupPeriodMS,omitempty" jsonschema:"title=Cleanup Period (ms),description=How often per-client retention state is swept.,minimum=0"`
	MaxMutateBytes      int    `json:"maxMutateBytes,omitempty" jsonschema:"title=Max Mutate Bytes,description=Mutate messages above this payload size are split.,minimum=0"`
	TrackMutateMessages bool   `json:"trackMutateMessages,omitempty" jsonschema:"title=Track Mutate Messages,description=Emit empty mutate messages so acknowledgments keep flowing on quiet ticks."`
	Visibility          string `json:"visibility,omitempty" jsonschema:"title=Visibility Policy,description=Default per-client visibility policy.,enum=blacklist,enum=whitelist"`

	Components []ComponentSettings `json:"components,omitempty" jsonschema:"title=Component Overrides,description=Per-component replication overrides keyed by registered component name."`
}

// ComponentSettings overrides replication behavior for one component.
type ComponentSettings struct {
	Component string       `json:"component" jsonschema:"title=Component Name,description=Registered component name this override applies to.,minLength=1,required"`
	SendRate  SendRateSpec `json:"sendRate" jsonschema:"title=Send Rate,description=How often value mutations for the component may be sent.,required"`
	Priority  float64      `json:"priority,omitempty" jsonschema:"title=Base Priority,description=Default mutate priority for entities carrying the component. One is full rate and lower values throttle.,minimum=0"`
}

// SendRateSpec names a send rate in document form.
type SendRateSpec struct {
	Kind   string `json:"kind" jsonschema:"title=Kind,description=Rate kind.,enum=every-tick,enum=once,enum=periodic,required"`
	Period uint64 `json:"period,omitempty" jsonschema:"title=Period,description=Tick divisor for the periodic kind.,minimum=1"`
}

// DefaultSettings mirrors the server's built-in tuning.
func DefaultSettings() Settings {
	return Settings{
		UpdateTimeoutMS: 1000,
		CleanupPeriodMS: 10000,
		MaxMutateBytes:  1150,
		Visibility:      PolicyBlacklist,
	}
}

// Load reads and validates a settings document, then applies any
// environment overrides. Unparsable environment values keep the loaded
// setting.
func Load(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("config: failed loading %s: %w", path, err)
	}
	s, err := Parse(data)
	if err != nil {
		return Settings{}, fmt.Errorf("config: failed parsing %s: %w", path, err)
	}
	s.applyEnv()
	return s, nil
}

// Parse decodes and validates a settings document. Absent fields keep
// the defaults.
func Parse(data []byte) (Settings, error) {
	s := DefaultSettings()
	if err := json.Unmarshal(data, &s); err != nil {
		return Settings{}, err
	}
	if err := s.validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s *Settings) validate() error {
	if s.UpdateTimeoutMS < 0 {
		return fmt.Errorf("config: negative updateTimeoutMS %d", s.UpdateTimeoutMS)
	}
	if s.CleanupPeriodMS < 0 {
		return fmt.Errorf("config: negative cleanupPeriodMS %d", s.CleanupPeriodMS)
	}
	if s.MaxMutateBytes < 0 {
		return fmt.Errorf("config: negative maxMutateBytes %d", s.MaxMutateBytes)
	}
	switch s.Visibility {
	case "", PolicyBlacklist, PolicyWhitelist:
	default:
		return fmt.Errorf("config: unknown visibility policy %q", s.Visibility)
	}

	seen := make(map[string]struct{}, len(s.Components))
	for _, c := range s.Components {
		name := strings.TrimSpace(c.Component)
		if name == "" {
			return fmt.Errorf("config: component override missing a name")
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("config: duplicate component override %q", name)
		}
		seen[name] = struct{}{}
		if _, err := c.SendRate.Rate(); err != nil {
			return fmt.Errorf("config: component %q: %w", name, err)
		}
		if c.Priority < 0 {
			return fmt.Errorf("config: component %q: negative priority %v", name, c.Priority)
		}
	}
	return nil
}

// applyEnv folds environment overrides into the loaded settings.
func (s *Settings) applyEnv() {
	if raw := os.Getenv(envUpdateTimeoutMS); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			s.UpdateTimeoutMS = parsed
		}
	}
	if raw := os.Getenv(envCleanupPeriodMS); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			s.CleanupPeriodMS = parsed
		}
	}
}

// UpdateTimeout returns the retention timeout as a duration.
func (s Settings) UpdateTimeout() time.Duration {
	return time.Duration(s.UpdateTimeoutMS) * time.Millisecond
}

// CleanupPeriod returns the sweep period as a duration.
func (s Settings) CleanupPeriod() time.Duration {
	return time.Duration(s.CleanupPeriodMS) * time.Millisecond
}

// Policy returns the default visibility policy. An unset document
// defaults to blacklist.
func (s Settings) Policy() visibility.Policy {
	if s.Visibility == PolicyWhitelist {
		return visibility.Whitelist
	}
	return visibility.Blacklist
}

// Override returns the component override for name, if any.
func (s Settings) Override(name string) (ComponentSettings, bool) {
	for _, c := range s.Components {
		if c.Component == name {
			return c, true
		}
	}
	return ComponentSettings{}, false
}

// Rate converts the document form into a runtime send rate.
func (r SendRateSpec) Rate() (tickwire.SendRate, error) {
	switch r.Kind {
	case "", RateEveryTick:
		return tickwire.EveryTick(), nil
	case RateOnce:
		return tickwire.Once(), nil
	case RatePeriodic:
		if r.Period < 1 {
			return tickwire.SendRate{}, fmt.Errorf("periodic send rate needs a period of at least 1, got %d", r.Period)
		}
		return tickwire.Periodic(r.Period), nil
	default:
		return tickwire.SendRate{}, fmt.Errorf("unknown send rate kind %q", r.Kind)
	}
}
