package server

import (
	"time"

	"tickwire"
	"tickwire/wire"
)

// dispatch assembles and queues the messages collected for one
// client this tick.
func (s *Server) dispatch(c *clientState, now time.Time) {
	col := &s.col

	if !c.update.empty() {
		sections := [...]*wire.RangeList{
			&c.update.mappings,
			&c.update.despawns,
			&c.update.removals,
			&c.update.inserts,
		}
		size := wire.UvarintLen(uint64(s.tick))
		for _, sec := range sections {
			size += wire.UvarintLen(uint64(sec.Len())) + sec.Len()
		}
		payload := make([]byte, 0, size)
		payload = wire.AppendUvarint(payload, uint64(s.tick))
		for _, sec := range sections {
			payload = wire.AppendUvarint(payload, uint64(sec.Len()))
			payload = sec.AppendTo(payload, &col.scratch)
		}
		s.sink.Queue(c.id, tickwire.ChannelUpdates, payload)
		c.updateTick = s.tick
		s.counters.AddUpdate(len(payload))
	}

	if c.mutate.empty() {
		if s.trackMutate {
			s.sendMutate(c, now, nil)
		}
		return
	}

	// Pack records greedily up to the size limit. A single record
	// larger than the limit still ships, alone.
	records := c.mutate.records
	header := wire.UvarintLen(uint64(s.tick)) + wire.MaxVarintLen
	first := 0
	size := header
	for i := range records {
		if i > first && size+records[i].size > s.maxMutateBytes {
			s.sendMutate(c, now, records[first:i])
			first = i
			size = header
		}
		size += records[i].size
	}
	s.sendMutate(c, now, records[first:])
}

// sendMutate assembles one mutate message, registers its
// acknowledgment bookkeeping and queues it.
func (s *Server) sendMutate(c *clientState, now time.Time, batch []pendingMutate) {
	index := c.mutateIndex
	c.mutateIndex++

	size := wire.UvarintLen(uint64(s.tick)) + wire.UvarintLen(index)
	for i := range batch {
		size += batch[i].size
	}
	payload := make([]byte, 0, size)
	payload = wire.AppendUvarint(payload, uint64(s.tick))
	payload = wire.AppendUvarint(payload, index)

	var entities []mutateEntity
	if len(batch) > 0 {
		entities = make([]mutateEntity, 0, len(batch))
		for i := range batch {
			payload = batch[i].body.AppendTo(payload, &s.col.scratch)
			entities = append(entities, mutateEntity{entity: batch[i].entity, mask: batch[i].mask})
		}
	}
	c.unacked[index] = &mutateRecord{tick: s.tick, sentAt: now, entities: entities}
	s.sink.Queue(c.id, tickwire.ChannelMutations, payload)
	s.counters.AddMutate(len(payload))
}
