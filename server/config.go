package server

import (
	"fmt"
	"time"

	"tickwire"
	"tickwire/signature"
	"tickwire/store"
	"tickwire/telemetry"
	"tickwire/transport"
	"tickwire/visibility"
)

// Tuning defaults. The mutate limit leaves datagram headroom below a
// conservative path MTU.
const (
	DefaultUpdateTimeout  = time.Second
	DefaultCleanupPeriod  = 10 * time.Second
	DefaultMaxMutateBytes = 1150
)

// Config wires a Server to its collaborators. Store, Rules and Sink
// are required; the rest defaults to quiet no-ops.
type Config struct {
	// Store is the entity source diffed every tick.
	Store store.Adapter
	// Rules selects which components replicate. New freezes the set
	// and its registry.
	Rules *tickwire.RuleSet
	// Sink receives every produced payload.
	Sink transport.Sink

	// Visibility optionally scopes entities per client. Nil keeps
	// everything visible.
	Visibility *visibility.Engine
	// Signatures optionally pairs server entities with preexisting
	// client ones.
	Signatures *signature.Registry

	// UpdateTimeout bounds how long unacknowledged mutate bookkeeping
	// is retained. A record times out no earlier than the timeout and
	// strictly before twice the timeout.
	UpdateTimeout time.Duration
	// CleanupPeriod paces the retention sweep over per-client state.
	CleanupPeriod time.Duration
	// MaxMutateBytes splits mutate messages above this payload size.
	MaxMutateBytes int
	// TrackMutateMessages emits empty mutate messages so acks keep
	// flowing on quiet ticks.
	TrackMutateMessages bool

	Logger   telemetry.Logger
	Clock    telemetry.Clock
	Counters *telemetry.Counters
}

func (c *Config) validate() error {
	if c.Store == nil {
		return fmt.Errorf("server: config without store")
	}
	if c.Rules == nil {
		return fmt.Errorf("server: config without rules")
	}
	if c.Sink == nil {
		return fmt.Errorf("server: config without sink")
	}
	if c.UpdateTimeout < 0 || c.CleanupPeriod < 0 {
		return fmt.Errorf("server: negative retention interval")
	}
	if c.MaxMutateBytes < 0 {
		return fmt.Errorf("server: negative mutate size limit")
	}
	return nil
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.UpdateTimeout == 0 {
		out.UpdateTimeout = DefaultUpdateTimeout
	}
	if out.CleanupPeriod == 0 {
		out.CleanupPeriod = DefaultCleanupPeriod
	}
	if out.MaxMutateBytes == 0 {
		out.MaxMutateBytes = DefaultMaxMutateBytes
	}
	if out.Logger == nil {
		out.Logger = telemetry.Nop()
	}
	if out.Clock == nil {
		out.Clock = telemetry.SystemClock{}
	}
	return out
}
