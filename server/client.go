package server

import (
	"time"

	"tickwire"
	"tickwire/wire"
)

// entityAck tracks what one client has confirmed about one entity.
// Presence of the record means the entity was initialized for the
// client through the update stream.
type entityAck struct {
	// serverTick is the newest server tick the client acknowledged
	// for this entity. Update-stream writes advance it immediately
	// since their channel is reliable.
	serverTick tickwire.Tick
	// changeTick is the change cutoff: component changes at or below
	// it are considered known to the client.
	changeTick tickwire.Tick
	// mask records which of the entity's components have been covered
	// by acknowledged messages, by position in the matched component
	// list. Bookkeeping only, never sent.
	mask uint64
}

// mutateRecord remembers one sent mutate message until it is
// acknowledged or times out.
type mutateRecord struct {
	tick     tickwire.Tick
	sentAt   time.Time
	entities []mutateEntity
}

type mutateEntity struct {
	entity tickwire.Entity
	mask   uint64
}

// clientState is all per-client replication bookkeeping. It lives on
// the tick goroutine.
type clientState struct {
	id          tickwire.ClientID
	connectTick tickwire.Tick

	// updateTick is the reference tick of the last update message
	// sent, the client's last structurally consistent point.
	updateTick tickwire.Tick
	// lastRun is the previous tick this client was collected, the
	// cutoff for detecting fresh component insertions.
	lastRun tickwire.Tick

	mutateIndex uint64
	acks        map[tickwire.Entity]*entityAck
	unacked     map[uint64]*mutateRecord
	priority    map[tickwire.Entity]float64

	update updateAssembly
	mutate mutateAssembly
}

func newClientState(id tickwire.ClientID, tick tickwire.Tick) *clientState {
	return &clientState{
		id:          id,
		connectTick: tick,
		lastRun:     tick,
		acks:        make(map[tickwire.Entity]*entityAck),
		unacked:     make(map[uint64]*mutateRecord),
		priority:    make(map[tickwire.Entity]float64),
	}
}

// basePriority returns the configured priority for an entity,
// defaulting to full rate.
func (c *clientState) basePriority(e tickwire.Entity) float64 {
	if p, ok := c.priority[e]; ok {
		return p
	}
	return 1.0
}

// forget drops every trace of an entity the client no longer sees.
func (c *clientState) forget(e tickwire.Entity) {
	delete(c.acks, e)
	delete(c.priority, e)
}

// updateAssembly accumulates the sections of one update message as
// ranges into the tick's shared scratch buffer.
type updateAssembly struct {
	mappings wire.RangeList
	despawns wire.RangeList
	removals wire.RangeList
	inserts  wire.RangeList
}

func (a *updateAssembly) reset() {
	a.mappings.Reset()
	a.despawns.Reset()
	a.removals.Reset()
	a.inserts.Reset()
}

func (a *updateAssembly) empty() bool {
	return a.mappings.Empty() && a.despawns.Empty() && a.removals.Empty() && a.inserts.Empty()
}

// mutateAssembly accumulates per-entity mutate records until they are
// packed into size-limited messages.
type mutateAssembly struct {
	records []pendingMutate
}

type pendingMutate struct {
	entity tickwire.Entity
	mask   uint64
	body   wire.RangeList
	size   int
}

func (a *mutateAssembly) reset() {
	a.records = a.records[:0]
}

func (a *mutateAssembly) empty() bool {
	return len(a.records) == 0
}
