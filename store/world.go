package store

import "tickwire"

// World is an in-memory entity arena implementing Adapter. Entity
// indices come from a free list so identifiers stay dense; reusing an
// index bumps its generation so stale handles never resolve. It is
// the reference store for hosts without their own entity system and
// the fixture the engine tests run against.
//
// A World is single-owner: the host mutates it between ticks and the
// replication pipeline reads it during Advance, never concurrently.
type World struct {
	tick  tickwire.Tick
	slots []slot
	free  []uint32
	live  int

	despawns []tickwire.Entity
	removals []Removal
}

type slot struct {
	generation uint32
	alive      bool
	comps      map[tickwire.ComponentID]cell
}

type cell struct {
	value any
	marks Marks
}

// NewWorld returns an empty world at tick zero.
func NewWorld() *World {
	return &World{}
}

// Tick returns the current simulation tick.
func (w *World) Tick() tickwire.Tick {
	return w.tick
}

// Step advances the simulation clock by one tick and returns it.
// Mutations performed afterwards are marked with the new tick.
func (w *World) Step() tickwire.Tick {
	w.tick++
	return w.tick
}

// Len reports how many entities are live.
func (w *World) Len() int {
	return w.live
}

// Spawn allocates a live entity, reusing a freed index when one is
// available.
func (w *World) Spawn() tickwire.Entity {
	var index uint32
	if n := len(w.free); n > 0 {
		index = w.free[n-1]
		w.free = w.free[:n-1]
	} else {
		index = uint32(len(w.slots))
		w.slots = append(w.slots, slot{generation: 1})
	}
	s := &w.slots[index]
	s.alive = true
	if s.comps == nil {
		s.comps = make(map[tickwire.ComponentID]cell)
	}
	w.live++
	return tickwire.Entity{Index: index, Generation: s.generation}
}

// Despawn removes e and all its components. The despawn is recorded
// for the next drain; the removed components are not, a despawn
// subsumes them.
func (w *World) Despawn(e tickwire.Entity) bool {
	s := w.slot(e)
	if s == nil {
		return false
	}
	w.despawns = append(w.despawns, e)
	clear(s.comps)
	s.alive = false
	s.generation++
	w.free = append(w.free, e.Index)
	w.live--
	return true
}

// Insert adds component c with value to e, marking it freshly added.
// Inserting over an existing component replaces the value and keeps
// the original insertion mark.
func (w *World) Insert(e tickwire.Entity, c tickwire.ComponentID, value any) bool {
	s := w.slot(e)
	if s == nil {
		return false
	}
	if existing, ok := s.comps[c]; ok {
		existing.value = value
		existing.marks.Changed = w.tick
		s.comps[c] = existing
		return true
	}
	s.comps[c] = cell{value: value, marks: Marks{Added: w.tick, Changed: w.tick}}
	return true
}

// Set replaces the value of an existing component and marks it
// changed. It returns false when e does not carry c.
func (w *World) Set(e tickwire.Entity, c tickwire.ComponentID, value any) bool {
	s := w.slot(e)
	if s == nil {
		return false
	}
	existing, ok := s.comps[c]
	if !ok {
		return false
	}
	existing.value = value
	existing.marks.Changed = w.tick
	s.comps[c] = existing
	return true
}

// Remove deletes component c from e and records the removal for the
// next drain.
func (w *World) Remove(e tickwire.Entity, c tickwire.ComponentID) bool {
	s := w.slot(e)
	if s == nil {
		return false
	}
	if _, ok := s.comps[c]; !ok {
		return false
	}
	delete(s.comps, c)
	w.removals = append(w.removals, Removal{Entity: e, Component: c})
	return true
}

// Alive implements Reader.
func (w *World) Alive(e tickwire.Entity) bool {
	return w.slot(e) != nil
}

// Has implements Reader.
func (w *World) Has(e tickwire.Entity, c tickwire.ComponentID) bool {
	s := w.slot(e)
	if s == nil {
		return false
	}
	_, ok := s.comps[c]
	return ok
}

// Component implements Reader.
func (w *World) Component(e tickwire.Entity, c tickwire.ComponentID) (any, Marks, bool) {
	s := w.slot(e)
	if s == nil {
		return nil, Marks{}, false
	}
	cl, ok := s.comps[c]
	if !ok {
		return nil, Marks{}, false
	}
	return cl.value, cl.marks, true
}

// Each implements Reader. Entities are visited in index order so a
// run over an unchanged world is deterministic.
func (w *World) Each(match Match, fn func(e tickwire.Entity)) {
	for i := range w.slots {
		s := &w.slots[i]
		if !s.alive {
			continue
		}
		if !w.matches(s, match) {
			continue
		}
		fn(tickwire.Entity{Index: uint32(i), Generation: s.generation})
	}
}

func (w *World) matches(s *slot, match Match) bool {
	for _, c := range match.All {
		if _, ok := s.comps[c]; !ok {
			return false
		}
	}
	for _, c := range match.Without {
		if _, ok := s.comps[c]; ok {
			return false
		}
	}
	return true
}

// DrainDespawns implements Observer.
func (w *World) DrainDespawns() []tickwire.Entity {
	out := w.despawns
	w.despawns = nil
	return out
}

// DrainRemovals implements Observer.
func (w *World) DrainRemovals() []Removal {
	out := w.removals
	w.removals = nil
	return out
}

func (w *World) slot(e tickwire.Entity) *slot {
	if int(e.Index) >= len(w.slots) {
		return nil
	}
	s := &w.slots[e.Index]
	if !s.alive || s.generation != e.Generation {
		return nil
	}
	return s
}

var _ Adapter = (*World)(nil)
