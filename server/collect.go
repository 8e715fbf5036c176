package server

import (
	"tickwire"
	"tickwire/store"
	"tickwire/wire"
)

// maxEntityComponents bounds how many components one entity can
// replicate; acknowledgment masks are 64 bits wide.
const maxEntityComponents = 64

// compSet is a presence bitset over component identifiers.
type compSet [4]uint64

func (s *compSet) set(id tickwire.ComponentID) {
	s[id>>6] |= 1 << (id & 63)
}

func (s *compSet) has(id tickwire.ComponentID) bool {
	return s[id>>6]&(1<<(id&63)) != 0
}

func (s *compSet) clear() {
	*s = compSet{}
}

// plan is the per-tick replication work for one entity: the union of
// matched rule components with higher priority rules claiming a
// component first.
type plan struct {
	entity tickwire.Entity
	comps  []tickwire.ComponentRule
	seen   compSet
}

// compKey memoizes a serialized component payload.
type compKey struct {
	entity tickwire.Entity
	fns    tickwire.FnsID
}

// triple is one serialized component record: the fns and size header
// followed by the payload, written as two scratch ranges because the
// payload is encoded before its size is known.
type triple struct {
	header  wire.Range
	payload wire.Range
	size    int
}

// collector owns the scratch buffer and every memoized range for the
// tick in flight. All maps and slices are reused across ticks.
type collector struct {
	tick    tickwire.Tick
	scratch wire.Scratch

	plans     []plan
	planIndex map[tickwire.Entity]int

	entityRanges map[tickwire.Entity]wire.Range
	triples      map[compKey]triple

	removalOrder  []tickwire.Entity
	removalRanges map[tickwire.Entity]wire.Range
	removedNow    map[tickwire.Entity]struct{}
}

func newCollector() collector {
	return collector{
		planIndex:     make(map[tickwire.Entity]int),
		entityRanges:  make(map[tickwire.Entity]wire.Range),
		triples:       make(map[compKey]triple),
		removalRanges: make(map[tickwire.Entity]wire.Range),
		removedNow:    make(map[tickwire.Entity]struct{}),
	}
}

// begin resets the collector for a new tick.
func (c *collector) begin(tick tickwire.Tick) {
	c.tick = tick
	c.scratch.Reset()
	c.plans = c.plans[:0]
	clear(c.planIndex)
	clear(c.entityRanges)
	clear(c.triples)
	c.removalOrder = c.removalOrder[:0]
	clear(c.removalRanges)
	clear(c.removedNow)
}

// groupRemovals folds the drained removals into one shared record per
// entity: the packed entity, a component count and the default fns of
// every removed component.
func (c *collector) groupRemovals(removals []store.Removal, types *tickwire.Registry, log logf) {
	if len(removals) == 0 {
		return
	}
	grouped := make(map[tickwire.Entity][]tickwire.FnsID, len(removals))
	for _, rm := range removals {
		fns, ok := types.DefaultFns(rm.Component)
		if !ok {
			log("collect: removal of unregistered component %d on %v", rm.Component, rm.Entity)
			continue
		}
		if _, seen := grouped[rm.Entity]; !seen {
			c.removalOrder = append(c.removalOrder, rm.Entity)
		}
		grouped[rm.Entity] = append(grouped[rm.Entity], fns)
		c.removedNow[rm.Entity] = struct{}{}
	}
	for _, e := range c.removalOrder {
		fns := grouped[e]
		mark := c.scratch.Mark()
		e.Put(&c.scratch)
		c.scratch.PutUvarint(uint64(len(fns)))
		for _, f := range fns {
			c.scratch.PutUvarint(uint64(f))
		}
		c.removalRanges[e] = c.scratch.Since(mark)
	}
}

// buildPlans enumerates every entity matched by some rule and unions
// the matched components, deduplicated by rule priority.
func (c *collector) buildPlans(st store.Reader, rules []tickwire.ReplicationRule, matches []store.Match, log logf) {
	for ri := range rules {
		rule := &rules[ri]
		st.Each(matches[ri], func(e tickwire.Entity) {
			idx, ok := c.planIndex[e]
			if !ok {
				idx = len(c.plans)
				if idx < cap(c.plans) {
					c.plans = c.plans[:idx+1]
					c.plans[idx].entity = e
					c.plans[idx].comps = c.plans[idx].comps[:0]
					c.plans[idx].seen.clear()
				} else {
					c.plans = append(c.plans, plan{entity: e})
				}
				c.planIndex[e] = idx
			}
			p := &c.plans[idx]
			for _, cr := range rule.Components {
				if p.seen.has(cr.Component) {
					continue
				}
				if len(p.comps) >= maxEntityComponents {
					log("collect: entity %v exceeds %d replicated components, dropping %d", e, maxEntityComponents, cr.Component)
					continue
				}
				p.seen.set(cr.Component)
				p.comps = append(p.comps, cr)
			}
		})
	}
}

// entityRange returns the packed identifier of e, encoding it once.
func (c *collector) entityRange(e tickwire.Entity) wire.Range {
	if r, ok := c.entityRanges[e]; ok {
		return r
	}
	mark := c.scratch.Mark()
	e.Put(&c.scratch)
	r := c.scratch.Since(mark)
	c.entityRanges[e] = r
	return r
}

// compTriple serializes one component of e with the given fns,
// memoized so every client shares the bytes. A codec failure rolls
// the scratch back and reports false; the caller skips the component.
func (c *collector) compTriple(st store.Reader, e tickwire.Entity, cr tickwire.ComponentRule, types *tickwire.Registry, log logf) (triple, bool) {
	key := compKey{entity: e, fns: cr.Fns}
	if tr, ok := c.triples[key]; ok {
		return tr, tr.size >= 0
	}
	value, _, ok := st.Component(e, cr.Component)
	if !ok {
		return triple{}, false
	}
	entry, ok := types.Fns(cr.Fns)
	if !ok {
		log("collect: unknown fns %d for component %d", cr.Fns, cr.Component)
		return triple{}, false
	}

	payloadMark := c.scratch.Mark()
	if err := entry.Codec.Encode(&c.scratch, value); err != nil {
		c.scratch.Truncate(payloadMark)
		log("collect: encode %s on %v: %v", types.ComponentName(cr.Component), e, err)
		c.triples[key] = triple{size: -1}
		return triple{}, false
	}
	payload := c.scratch.Since(payloadMark)

	headerMark := c.scratch.Mark()
	c.scratch.PutUvarint(uint64(cr.Fns))
	c.scratch.PutUvarint(uint64(payload.Len()))
	header := c.scratch.Since(headerMark)

	tr := triple{header: header, payload: payload, size: header.Len() + payload.Len()}
	c.triples[key] = tr
	return tr, true
}

// removedThisTick reports whether the entity had a component removal
// in the tick being collected.
func (c *collector) removedThisTick(e tickwire.Entity) bool {
	_, ok := c.removedNow[e]
	return ok
}

// logf keeps collector helpers decoupled from the telemetry logger.
type logf func(format string, args ...any)
