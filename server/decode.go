package server

import (
	"fmt"

	"tickwire"
	"tickwire/wire"
)

// The decode helpers parse the produced payloads back into structured
// records. Clients use them to apply messages; the engine's own tests
// use them to assert on what was sent.

// Update is one decoded update message.
type Update struct {
	Tick     tickwire.Tick
	Mappings []MappingRecord
	Despawns []tickwire.Entity
	Removals []RemovalRecord
	Inserts  []EntityRecord
}

// MappingRecord pairs a server entity with its signature hash.
type MappingRecord struct {
	Entity tickwire.Entity
	Hash   uint64
}

// RemovalRecord lists the serialization fns of components removed
// from one entity.
type RemovalRecord struct {
	Entity tickwire.Entity
	Fns    []tickwire.FnsID
}

// EntityRecord carries serialized components for one entity. A record
// with no components confirms a spawn.
type EntityRecord struct {
	Entity     tickwire.Entity
	Components []ComponentPayload
}

// ComponentPayload is one serialized component.
type ComponentPayload struct {
	Fns     tickwire.FnsID
	Payload []byte
}

// Mutate is one decoded mutate message.
type Mutate struct {
	Tick     tickwire.Tick
	Index    uint64
	Entities []EntityRecord
}

// Event is one decoded buffered event payload.
type Event struct {
	Tick    tickwire.Tick
	Payload []byte
}

// DecodeUpdate parses an update message.
func DecodeUpdate(payload []byte) (Update, error) {
	var u Update
	r := wire.NewReader(payload)

	tick, err := r.Uvarint()
	if err != nil {
		return u, fmt.Errorf("decode update tick: %w", err)
	}
	u.Tick = tickwire.Tick(tick)

	mappings, err := r.Section()
	if err != nil {
		return u, fmt.Errorf("decode mappings section: %w", err)
	}
	for mappings.Remaining() > 0 {
		e, err := readEntity(mappings)
		if err != nil {
			return u, fmt.Errorf("decode mapping entity: %w", err)
		}
		hash, err := mappings.Uint64()
		if err != nil {
			return u, fmt.Errorf("decode mapping hash: %w", err)
		}
		u.Mappings = append(u.Mappings, MappingRecord{Entity: e, Hash: hash})
	}

	despawns, err := r.Section()
	if err != nil {
		return u, fmt.Errorf("decode despawns section: %w", err)
	}
	for despawns.Remaining() > 0 {
		e, err := readEntity(despawns)
		if err != nil {
			return u, fmt.Errorf("decode despawn: %w", err)
		}
		u.Despawns = append(u.Despawns, e)
	}

	removals, err := r.Section()
	if err != nil {
		return u, fmt.Errorf("decode removals section: %w", err)
	}
	for removals.Remaining() > 0 {
		e, err := readEntity(removals)
		if err != nil {
			return u, fmt.Errorf("decode removal entity: %w", err)
		}
		count, err := removals.Uvarint()
		if err != nil {
			return u, fmt.Errorf("decode removal count: %w", err)
		}
		rec := RemovalRecord{Entity: e, Fns: make([]tickwire.FnsID, 0, count)}
		for i := uint64(0); i < count; i++ {
			fns, err := removals.Uvarint()
			if err != nil {
				return u, fmt.Errorf("decode removal fns: %w", err)
			}
			rec.Fns = append(rec.Fns, tickwire.FnsID(fns))
		}
		u.Removals = append(u.Removals, rec)
	}

	inserts, err := r.Section()
	if err != nil {
		return u, fmt.Errorf("decode inserts section: %w", err)
	}
	for inserts.Remaining() > 0 {
		rec, err := readEntityRecord(inserts)
		if err != nil {
			return u, err
		}
		u.Inserts = append(u.Inserts, rec)
	}
	return u, nil
}

// DecodeMutate parses a mutate message.
func DecodeMutate(payload []byte) (Mutate, error) {
	var m Mutate
	r := wire.NewReader(payload)

	tick, err := r.Uvarint()
	if err != nil {
		return m, fmt.Errorf("decode mutate tick: %w", err)
	}
	m.Tick = tickwire.Tick(tick)

	index, err := r.Uvarint()
	if err != nil {
		return m, fmt.Errorf("decode mutate index: %w", err)
	}
	m.Index = index

	for r.Remaining() > 0 {
		rec, err := readEntityRecord(r)
		if err != nil {
			return m, err
		}
		m.Entities = append(m.Entities, rec)
	}
	return m, nil
}

// DecodeEvent parses a buffered event payload.
func DecodeEvent(payload []byte) (Event, error) {
	var ev Event
	r := wire.NewReader(payload)
	tick, err := r.Uvarint()
	if err != nil {
		return ev, fmt.Errorf("decode event tick: %w", err)
	}
	ev.Tick = tickwire.Tick(tick)
	body, err := r.Bytes(r.Remaining())
	if err != nil {
		return ev, err
	}
	ev.Payload = body
	return ev, nil
}

// AppendAcks builds an acknowledgment payload from mutate indices.
// Clients send the result on the ack channel.
func AppendAcks(dst []byte, indices ...uint64) []byte {
	for _, index := range indices {
		dst = wire.AppendUvarint(dst, index)
	}
	return dst
}

func readEntity(r *wire.Reader) (tickwire.Entity, error) {
	index, generation, err := r.Entity()
	if err != nil {
		return tickwire.Entity{}, err
	}
	return tickwire.Entity{Index: index, Generation: generation}, nil
}

func readEntityRecord(r *wire.Reader) (EntityRecord, error) {
	e, err := readEntity(r)
	if err != nil {
		return EntityRecord{}, fmt.Errorf("decode record entity: %w", err)
	}
	rec := EntityRecord{Entity: e}
	body, err := r.Section()
	if err != nil {
		return rec, fmt.Errorf("decode record body: %w", err)
	}
	for body.Remaining() > 0 {
		fns, err := body.Uvarint()
		if err != nil {
			return rec, fmt.Errorf("decode component fns: %w", err)
		}
		size, err := body.Uvarint()
		if err != nil {
			return rec, fmt.Errorf("decode component size: %w", err)
		}
		payload, err := body.Bytes(int(size))
		if err != nil {
			return rec, fmt.Errorf("decode component payload: %w", err)
		}
		rec.Components = append(rec.Components, ComponentPayload{Fns: tickwire.FnsID(fns), Payload: payload})
	}
	return rec, nil
}
