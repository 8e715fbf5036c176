package telemetry

import (
	"fmt"
	"os"
	"sync/atomic"
)

// Counters tracks replication throughput with atomics so hot paths never block.
type Counters struct {
	advances        atomic.Uint64
	updateMessages  atomic.Uint64
	updateBytes     atomic.Uint64
	mutateMessages  atomic.Uint64
	mutateBytes     atomic.Uint64
	acksProcessed   atomic.Uint64
	staleAcks       atomic.Uint64
	timedOutRecords atomic.Uint64
	cleanupRuns     atomic.Uint64
	eventsQueued    atomic.Uint64
	eventsSent      atomic.Uint64

	debug bool
}

// NewCounters builds a counter block. Setting TICKWIRE_DEBUG_TELEMETRY=1
// in the environment turns on a per-advance summary line on stdout.
func NewCounters() *Counters {
	c := &Counters{}
	if os.Getenv("TICKWIRE_DEBUG_TELEMETRY") == "1" {
		c.debug = true
	}
	return c
}

// DebugEnabled reports whether the per-advance summary is active.
func (c *Counters) DebugEnabled() bool {
	return c != nil && c.debug
}

// AddAdvance records one completed replication pass.
func (c *Counters) AddAdvance(tick uint64) {
	if c == nil {
		return
	}
	c.advances.Add(1)
	if c.debug {
		fmt.Printf(
			"[telemetry] tick=%d updates=%d updateBytes=%d mutates=%d mutateBytes=%d acks=%d\n",
			tick,
			c.updateMessages.Load(),
			c.updateBytes.Load(),
			c.mutateMessages.Load(),
			c.mutateBytes.Load(),
			c.acksProcessed.Load(),
		)
	}
}

// AddUpdate records one queued update message of the given size.
func (c *Counters) AddUpdate(bytes int) {
	if c == nil {
		return
	}
	c.updateMessages.Add(1)
	c.updateBytes.Add(uint64(bytes))
}

// AddMutate records one queued mutate message of the given size.
func (c *Counters) AddMutate(bytes int) {
	if c == nil {
		return
	}
	c.mutateMessages.Add(1)
	c.mutateBytes.Add(uint64(bytes))
}

// AddAck records one processed acknowledgment.
func (c *Counters) AddAck() {
	if c == nil {
		return
	}
	c.acksProcessed.Add(1)
}

// AddStaleAck records an acknowledgment that referenced an unknown index.
func (c *Counters) AddStaleAck() {
	if c == nil {
		return
	}
	c.staleAcks.Add(1)
}

// AddTimedOut records mutate bookkeeping discarded by the timeout sweep.
func (c *Counters) AddTimedOut(records int) {
	if c == nil {
		return
	}
	c.timedOutRecords.Add(uint64(records))
}

// AddCleanup records one retention sweep.
func (c *Counters) AddCleanup() {
	if c == nil {
		return
	}
	c.cleanupRuns.Add(1)
}

// AddEventQueued records one buffered or immediate event submission.
func (c *Counters) AddEventQueued() {
	if c == nil {
		return
	}
	c.eventsQueued.Add(1)
}

// AddEventSent records one event payload handed to the transport.
func (c *Counters) AddEventSent() {
	if c == nil {
		return
	}
	c.eventsSent.Add(1)
}

// Snapshot returns a point-in-time copy of every counter keyed by name.
func (c *Counters) Snapshot() map[string]uint64 {
	if c == nil {
		return nil
	}
	return map[string]uint64{
		"advances":          c.advances.Load(),
		"update_messages":   c.updateMessages.Load(),
		"update_bytes":      c.updateBytes.Load(),
		"mutate_messages":   c.mutateMessages.Load(),
		"mutate_bytes":      c.mutateBytes.Load(),
		"acks_processed":    c.acksProcessed.Load(),
		"stale_acks":        c.staleAcks.Load(),
		"timed_out_records": c.timedOutRecords.Load(),
		"cleanup_runs":      c.cleanupRuns.Load(),
		"events_queued":     c.eventsQueued.Load(),
		"events_sent":       c.eventsSent.Load(),
	}
}
