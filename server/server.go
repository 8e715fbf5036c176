// Package server runs the per-tick replication pipeline. After the
// host advances its simulation it calls Advance once; the server
// diffs the entity store against per-client bookkeeping and queues an
// update message (structural changes, reliable) and zero or more
// mutate messages (value changes, unreliable, priority-throttled) for
// every client, then flushes buffered events stamped with each
// recipient's last structurally consistent tick.
//
// Everything here runs on the single tick goroutine. Transports hand
// inbound traffic over through their event channel and the host feeds
// acknowledgment payloads back via HandleAcks between ticks.
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

// Server owns all replication state for one simulation.
type Server struct {
	st      store.Adapter
	rules   []tickwire.ReplicationRule
	matches []store.Match
	types   *tickwire.Registry
	vis     *visibility.Engine
	sigs    *signature.Registry
	sink    transport.Sink

	updateTimeout  time.Duration
	cleanupPeriod  time.Duration
	maxMutateBytes int
	trackMutate    bool

	log      telemetry.Logger
	clock    telemetry.Clock
	counters *telemetry.Counters

	tick    tickwire.Tick
	clients map[tickwire.ClientID]*clientState
	order   []tickwire.ClientID
	col     collector
	events  eventBuffer

	staleAcks        uint64
	lastTimeoutSweep time.Time
	lastCleanup      time.Time
}

// New validates the configuration, freezes the registries and returns
// a server ready to advance.
func New(cfg Config) (*Server, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	cfg.Rules.Freeze()
	cfg.Rules.Registry().Freeze()
	cfg.Visibility.Freeze()

	rules := cfg.Rules.Ordered()
	matches := make([]store.Match, len(rules))
	for i, rule := range rules {
		m := store.Match{}
		for _, cr := range rule.Components {
			m.All = append(m.All, cr.Component)
		}
		for _, f := range rule.Filters {
			switch f.Op {
			case tickwire.FilterWith:
				m.All = append(m.All, f.Component)
			case tickwire.FilterWithout:
				m.Without = append(m.Without, f.Component)
			}
		}
		matches[i] = m
	}

	now := cfg.Clock.Now()
	s := &Server{
		st:             cfg.Store,
		rules:          rules,
		matches:        matches,
		types:          cfg.Rules.Registry(),
		vis:            cfg.Visibility,
		sigs:           cfg.Signatures,
		sink:           cfg.Sink,
		updateTimeout:  cfg.UpdateTimeout,
		cleanupPeriod:  cfg.CleanupPeriod,
		maxMutateBytes: cfg.MaxMutateBytes,
		trackMutate:    cfg.TrackMutateMessages,
		log:            cfg.Logger,
		clock:          cfg.Clock,
		counters:       cfg.Counters,

		clients:          make(map[tickwire.ClientID]*clientState),
		col:              newCollector(),
		lastTimeoutSweep: now,
		lastCleanup:      now,
	}
	s.events.excluded = make(map[tickwire.ClientID]struct{})
	return s, nil
}

// Tick returns the last advanced tick.
func (s *Server) Tick() tickwire.Tick {
	return s.tick
}

// Clients returns the connected client identifiers in connect order.
func (s *Server) Clients() []tickwire.ClientID {
	return s.order
}

// Connect starts replicating to a client under the given visibility
// policy. A client connecting while events are buffered is excluded
// from them; its initial update carries the full state instead.
func (s *Server) Connect(client tickwire.ClientID, policy visibility.Policy) error {
	if _, ok := s.clients[client]; ok {
		return fmt.Errorf("server: client %s already connected", client)
	}
	s.clients[client] = newClientState(client, s.tick)
	s.order = append(s.order, client)
	s.vis.Connect(client, policy)
	s.sigs.Connect(client)
	if s.events.open {
		s.events.excluded[client] = struct{}{}
	}
	s.log.Printf("server: client %s connected at tick %d", client, s.tick)
	return nil
}

// Disconnect drops every trace of a client.
func (s *Server) Disconnect(client tickwire.ClientID) {
	if _, ok := s.clients[client]; !ok {
		return
	}
	delete(s.clients, client)
	for i, id := range s.order {
		if id == client {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.vis.Disconnect(client)
	s.sigs.Disconnect(client)
	delete(s.events.excluded, client)
	s.log.Printf("server: client %s disconnected", client)
}

// SetClientEntity associates a store entity with the client for
// visibility predicates.
func (s *Server) SetClientEntity(client tickwire.ClientID, entity tickwire.Entity) {
	s.vis.SetClientEntity(client, entity)
}

// SetPriority sets the base replication priority of an entity for one
// client. Mutations go out once base times the ticks since the last
// acknowledgment reaches one; one is full rate, lower values throttle.
func (s *Server) SetPriority(client tickwire.ClientID, entity tickwire.Entity, base float64) error {
	c, ok := s.clients[client]
	if !ok {
		return fmt.Errorf("server: client %s not connected", client)
	}
	if base <= 0 {
		return fmt.Errorf("server: priority %v for %v must be positive", base, entity)
	}
	c.priority[entity] = base
	return nil
}

// Advance replicates the state produced by one simulation tick. The
// tick must be strictly greater than the previous one.
func (s *Server) Advance(tick tickwire.Tick) error {
	if tick <= s.tick {
		return fmt.Errorf("server: tick %d does not advance past %d", tick, s.tick)
	}
	s.tick = tick
	s.vis.BeginTick(tick)

	despawns := s.st.DrainDespawns()
	removals := s.st.DrainRemovals()
	for _, e := range despawns {
		s.sigs.Detach(e)
		s.vis.Forget(e)
	}

	s.col.begin(tick)
	s.col.groupRemovals(removals, s.types, s.logf)
	s.col.buildPlans(s.st, s.rules, s.matches, s.logf)

	now := s.clock.Now()
	for _, id := range s.order {
		c := s.clients[id]
		s.collectClient(c, despawns)
		s.dispatch(c, now)
	}
	s.flushEvents()
	s.sweep(now)
	s.counters.AddAdvance(uint64(tick))
	return nil
}

// collectClient classifies the tick's changes for one client into its
// update and mutate assemblies.
func (s *Server) collectClient(c *clientState, despawns []tickwire.Entity) {
	c.update.reset()
	c.mutate.reset()
	col := &s.col

	for _, m := range s.sigs.Drain(c.id) {
		mark := col.scratch.Mark()
		m.Entity.Put(&col.scratch)
		col.scratch.PutUint64(m.Hash)
		c.update.mappings.Append(col.scratch.Since(mark))
	}

	// Despawns reach every client that was initialized on the entity.
	// An entity despawned before its first send leaves no trace.
	for _, e := range despawns {
		if _, known := c.acks[e]; !known {
			continue
		}
		c.update.despawns.Append(col.entityRange(e))
		c.forget(e)
	}

	// Entities that dropped out of visibility read as despawns too.
	if s.vis != nil {
		for e := range c.acks {
			if s.vis.Visible(c.id, e) {
				continue
			}
			c.update.despawns.Append(col.entityRange(e))
			c.forget(e)
		}
	}

	for _, e := range col.removalOrder {
		ack, known := c.acks[e]
		if !known {
			continue
		}
		c.update.removals.Append(col.removalRanges[e])
		// Removal shifts component positions, so the acked mask is
		// rebuilt from scratch by later acknowledgments.
		ack.mask = 0
	}

	for i := range col.plans {
		s.classify(c, &col.plans[i])
	}
	c.lastRun = s.tick
}

// classify routes one entity's components into the update or mutate
// stream for one client.
func (s *Server) classify(c *clientState, p *plan) {
	e := p.entity
	if !s.vis.Visible(c.id, e) {
		return
	}
	ack, known := c.acks[e]
	if !known {
		// New for this client: every visible component goes into the
		// update stream, and an empty record still confirms the spawn.
		var include uint64
		for i := range p.comps {
			if s.vis.HiddenComponent(c.id, e, p.comps[i].Component) {
				continue
			}
			include |= 1 << i
		}
		written := s.writeInsert(c, p, include)
		c.acks[e] = &entityAck{serverTick: s.tick, changeTick: s.tick, mask: written}
		return
	}

	var changed, eligible, fresh uint64
	prioOK := c.basePriority(e)*float64(s.tick-ack.serverTick) >= 1.0
	for i := range p.comps {
		cr := &p.comps[i]
		if s.vis.HiddenComponent(c.id, e, cr.Component) {
			continue
		}
		_, marks, ok := s.st.Component(e, cr.Component)
		if !ok {
			continue
		}
		bit := uint64(1) << i
		isChanged := marks.Changed > ack.changeTick && cr.Rate.Syncs()
		if isChanged {
			changed |= bit
		}
		// A fresh insert outranks the mutate path: the client has no
		// insert for the component yet, so its first value must ride
		// the reliable update regardless of rate and priority.
		if marks.Added > c.lastRun {
			fresh |= bit
		} else if isChanged && cr.Rate.MutateAt(s.tick) && prioOK {
			eligible |= bit
		}
	}

	switch {
	case fresh != 0, s.col.removedThisTick(e) && changed != 0:
		// The entity took a structural hit this tick, so pending
		// value changes ride the reliable update with it and the ack
		// ticks advance immediately.
		written := s.writeInsert(c, p, fresh|changed)
		ack.serverTick = s.tick
		ack.changeTick = s.tick
		ack.mask |= written
	case eligible != 0:
		s.queueMutate(c, p, eligible)
	}
}

// writeInsert appends one insert record for the masked plan
// components to the client's update stream and returns the mask of
// components actually written.
func (s *Server) writeInsert(c *clientState, p *plan, include uint64) uint64 {
	col := &s.col
	var triples [maxEntityComponents]triple
	var written uint64
	total := 0
	for i := range p.comps {
		if include&(1<<i) == 0 {
			continue
		}
		tr, ok := col.compTriple(s.st, p.entity, p.comps[i], s.types, s.logf)
		if !ok {
			continue
		}
		triples[i] = tr
		written |= 1 << i
		total += tr.size
	}
	mark := col.scratch.Mark()
	p.entity.Put(&col.scratch)
	col.scratch.PutUvarint(uint64(total))
	c.update.inserts.Append(col.scratch.Since(mark))
	for i := range p.comps {
		if written&(1<<i) == 0 {
			continue
		}
		c.update.inserts.Append(triples[i].header)
		c.update.inserts.Append(triples[i].payload)
	}
	return written
}

// queueMutate stages one mutate record for later packing into
// size-limited messages.
func (s *Server) queueMutate(c *clientState, p *plan, include uint64) {
	col := &s.col
	var triples [maxEntityComponents]triple
	var written uint64
	total := 0
	for i := range p.comps {
		if include&(1<<i) == 0 {
			continue
		}
		tr, ok := col.compTriple(s.st, p.entity, p.comps[i], s.types, s.logf)
		if !ok {
			continue
		}
		triples[i] = tr
		written |= 1 << i
		total += tr.size
	}
	if written == 0 {
		return
	}
	rec := pendingMutate{entity: p.entity, mask: written}
	mark := col.scratch.Mark()
	p.entity.Put(&col.scratch)
	col.scratch.PutUvarint(uint64(total))
	rec.body.Append(col.scratch.Since(mark))
	for i := range p.comps {
		if written&(1<<i) == 0 {
			continue
		}
		rec.body.Append(triples[i].header)
		rec.body.Append(triples[i].payload)
	}
	rec.size = rec.body.Len()
	c.mutate.records = append(c.mutate.records, rec)
}

// Stats returns a snapshot of the telemetry counters, nil when none
// were configured.
func (s *Server) Stats() map[string]uint64 {
	return s.counters.Snapshot()
}

func (s *Server) logf(format string, args ...any) {
	s.log.Printf(format, args...)
}
