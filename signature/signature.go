// Package signature pairs server entities with entities a client
// already has locally. The host attaches a signature to a server
// entity: a seed plus a set of components whose type names and
// serialized values are hashed with FNV-1a. The resulting mapping is
// shipped to clients inside update messages; a client that computes
// the same hash over its own preexisting entity adopts the server
// identity instead of spawning a duplicate.
package signature

import (
	"fmt"
	"hash/fnv"
	"sort"

	"tickwire"
	"tickwire/store"
	"tickwire/telemetry"
	"tickwire/wire"
)

// Mapping relates one server entity to its signature hash.
type Mapping struct {
	Entity tickwire.Entity
	Hash   uint64
}

// Registry computes and tracks signatures. Hashes are unique per
// scope; the first entity registered under a hash keeps it and later
// collisions are rejected. The registry is driven from the tick
// goroutine only.
type Registry struct {
	reader store.Reader
	types  *tickwire.Registry
	log    telemetry.Logger

	global   map[uint64]tickwire.Entity
	byEntity map[tickwire.Entity]uint64

	scoped         map[tickwire.ClientID]map[uint64]tickwire.Entity
	scopedByEntity map[tickwire.Entity]scopeKey

	pending map[tickwire.ClientID][]Mapping
	scratch wire.Scratch
}

type scopeKey struct {
	client tickwire.ClientID
	hash   uint64
}

// NewRegistry returns a registry hashing component values from reader
// with the codecs registered in types. A nil logger is quiet.
func NewRegistry(reader store.Reader, types *tickwire.Registry, log telemetry.Logger) *Registry {
	if log == nil {
		log = telemetry.Nop()
	}
	return &Registry{
		reader:         reader,
		types:          types,
		log:            log,
		global:         make(map[uint64]tickwire.Entity),
		byEntity:       make(map[tickwire.Entity]uint64),
		scoped:         make(map[tickwire.ClientID]map[uint64]tickwire.Entity),
		scopedByEntity: make(map[tickwire.Entity]scopeKey),
		pending:        make(map[tickwire.ClientID][]Mapping),
	}
}

// Connect starts tracking a client and queues every live global
// mapping for delivery to it.
func (r *Registry) Connect(client tickwire.ClientID) {
	if r == nil {
		return
	}
	queue := r.pending[client]
	for hash, entity := range r.global {
		queue = append(queue, Mapping{Entity: entity, Hash: hash})
	}
	sort.Slice(queue, func(i, j int) bool { return queue[i].Hash < queue[j].Hash })
	r.pending[client] = queue
}

// Disconnect drops the client's pending queue and scoped mappings.
func (r *Registry) Disconnect(client tickwire.ClientID) {
	if r == nil {
		return
	}
	delete(r.pending, client)
	for _, entity := range r.scoped[client] {
		delete(r.scopedByEntity, entity)
	}
	delete(r.scoped, client)
}

// Attach computes the signature of entity over the listed components
// and registers it globally. The mapping is queued for every
// connected client. A hash already held by another entity keeps its
// first registrant: the collision is logged, entity stays unsigned
// and the established hash is returned. Attach fails when a component
// cannot be hashed.
func (r *Registry) Attach(entity tickwire.Entity, seed uint64, components ...tickwire.ComponentID) (uint64, error) {
	if r == nil {
		return 0, fmt.Errorf("signature: nil registry")
	}
	hash, err := r.hash(entity, seed, components)
	if err != nil {
		return 0, err
	}
	if taken, ok := r.global[hash]; ok {
		r.log.Printf("signature: hash %016x already held by %v, ignoring %v", hash, taken, entity)
		return hash, nil
	}
	if _, ok := r.byEntity[entity]; ok {
		return 0, fmt.Errorf("signature: entity %v already signed", entity)
	}
	r.global[hash] = entity
	r.byEntity[entity] = hash
	for client := range r.pending {
		r.pending[client] = append(r.pending[client], Mapping{Entity: entity, Hash: hash})
	}
	return hash, nil
}

// AttachFor registers a signature visible to a single client only.
// Collisions within the client's scope keep the first registrant, as
// in Attach.
func (r *Registry) AttachFor(client tickwire.ClientID, entity tickwire.Entity, seed uint64, components ...tickwire.ComponentID) (uint64, error) {
	if r == nil {
		return 0, fmt.Errorf("signature: nil registry")
	}
	if _, ok := r.pending[client]; !ok {
		return 0, fmt.Errorf("signature: client %s not connected", client)
	}
	hash, err := r.hash(entity, seed, components)
	if err != nil {
		return 0, err
	}
	scope := r.scoped[client]
	if scope == nil {
		scope = make(map[uint64]tickwire.Entity)
		r.scoped[client] = scope
	}
	if taken, ok := scope[hash]; ok {
		r.log.Printf("signature: hash %016x already held by %v for %s, ignoring %v", hash, taken, client, entity)
		return hash, nil
	}
	if _, ok := r.scopedByEntity[entity]; ok {
		return 0, fmt.Errorf("signature: entity %v already signed", entity)
	}
	scope[hash] = entity
	r.scopedByEntity[entity] = scopeKey{client: client, hash: hash}
	r.pending[client] = append(r.pending[client], Mapping{Entity: entity, Hash: hash})
	return hash, nil
}

// Detach forgets any signature held by the entity. The server calls
// it when the entity despawns.
func (r *Registry) Detach(entity tickwire.Entity) {
	if r == nil {
		return
	}
	if hash, ok := r.byEntity[entity]; ok {
		delete(r.byEntity, entity)
		delete(r.global, hash)
	}
	if key, ok := r.scopedByEntity[entity]; ok {
		delete(r.scopedByEntity, entity)
		if scope := r.scoped[key.client]; scope != nil {
			delete(scope, key.hash)
		}
	}
}

// Entity resolves a global hash back to its entity.
func (r *Registry) Entity(hash uint64) (tickwire.Entity, bool) {
	if r == nil {
		return tickwire.Entity{}, false
	}
	e, ok := r.global[hash]
	return e, ok
}

// Hash returns the global signature held by the entity.
func (r *Registry) Hash(entity tickwire.Entity) (uint64, bool) {
	if r == nil {
		return 0, false
	}
	h, ok := r.byEntity[entity]
	return h, ok
}

// Drain returns the mappings queued for a client and clears the
// queue. The server writes them into the next update message.
func (r *Registry) Drain(client tickwire.ClientID) []Mapping {
	if r == nil {
		return nil
	}
	out := r.pending[client]
	if out != nil {
		r.pending[client] = nil
	}
	return out
}

// hash folds the seed, component type names and serialized component
// values into an FNV-1a sum. Components are hashed in ascending
// identifier order so the caller's argument order does not matter.
func (r *Registry) hash(entity tickwire.Entity, seed uint64, components []tickwire.ComponentID) (uint64, error) {
	if len(components) == 0 {
		return 0, fmt.Errorf("signature: no components for %v", entity)
	}
	ordered := append([]tickwire.ComponentID(nil), components...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	h := fnv.New64a()
	var seedBytes [8]byte
	for i := range seedBytes {
		seedBytes[i] = byte(seed >> (8 * i))
	}
	h.Write(seedBytes[:])

	for _, c := range ordered {
		value, _, ok := r.reader.Component(entity, c)
		if !ok {
			return 0, fmt.Errorf("signature: %v lacks component %s", entity, r.types.ComponentName(c))
		}
		fns, ok := r.types.DefaultFns(c)
		if !ok {
			return 0, fmt.Errorf("signature: component %s has no default fns", r.types.ComponentName(c))
		}
		entry, _ := r.types.Fns(fns)
		r.scratch.Reset()
		if err := entry.Codec.Encode(&r.scratch, value); err != nil {
			return 0, fmt.Errorf("signature: encode %s: %w", r.types.ComponentName(c), err)
		}
		h.Write([]byte(r.types.ComponentName(c)))
		h.Write(r.scratch.Slice(r.scratch.Since(0)))
	}
	return h.Sum64(), nil
}
