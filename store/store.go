// Package store defines the contract between a host entity store and
// the replication pipeline, together with an in-memory World that
// implements it. The pipeline never mutates the store; it reads
// component values with their change marks and drains the structural
// removals the host performed since the previous tick.
package store

import "tickwire"

// Marks carries the change tracking for one component on one entity.
// Added is the tick the component was last inserted, Changed the tick
// its value last changed. An insert counts as a change, so Changed is
// never older than Added.
type Marks struct {
	Added   tickwire.Tick
	Changed tickwire.Tick
}

// Removal records that a component was removed from a live entity.
type Removal struct {
	Entity    tickwire.Entity
	Component tickwire.ComponentID
}

// Match constrains entity enumeration. All lists components the
// entity must carry, Without components it must not.
type Match struct {
	All     []tickwire.ComponentID
	Without []tickwire.ComponentID
}

// Reader is the read-only view the pipeline consumes every tick.
// Implementations must not be mutated while a Reader method runs.
type Reader interface {
	// Each calls fn for every live entity satisfying match.
	Each(match Match, fn func(e tickwire.Entity))
	// Component returns the value and marks for one component. The
	// value is borrowed; callers must not retain it across ticks.
	Component(e tickwire.Entity, c tickwire.ComponentID) (any, Marks, bool)
	// Has reports whether the live entity e carries c.
	Has(e tickwire.Entity, c tickwire.ComponentID) bool
	// Alive reports whether e currently identifies a live entity.
	Alive(e tickwire.Entity) bool
}

// Observer exposes the structural changes accumulated since the last
// drain. The returned slices transfer ownership to the caller and the
// internal buffers restart empty.
type Observer interface {
	DrainDespawns() []tickwire.Entity
	DrainRemovals() []Removal
}

// Adapter is what the replication server requires from a host store.
type Adapter interface {
	Reader
	Observer
}
