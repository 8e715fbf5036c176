package server

import (
	"fmt"
	"time"

	"tickwire"
	"tickwire/wire"
)

// HandleAcks applies one inbound acknowledgment payload: a run of
// varint mutate indices. The host feeds these in from the ack channel
// between ticks.
func (s *Server) HandleAcks(client tickwire.ClientID, payload []byte) error {
	c, ok := s.clients[client]
	if !ok {
		return fmt.Errorf("server: acks from unknown client %s", client)
	}
	r := wire.NewReader(payload)
	for r.Remaining() > 0 {
		index, err := r.Uvarint()
		if err != nil {
			return fmt.Errorf("server: malformed ack payload from %s: %w", client, err)
		}
		s.applyAck(c, index)
	}
	return nil
}

// applyAck advances per-entity acknowledgment state for one mutate
// index. Indices without bookkeeping are stale: either already acked,
// timed out, or fabricated. They only bump a counter.
func (s *Server) applyAck(c *clientState, index uint64) {
	rec, ok := c.unacked[index]
	if !ok {
		s.counters.AddStaleAck()
		s.staleAcks++
		if s.staleAcks&(s.staleAcks-1) == 0 {
			s.log.Printf("acks: stale index %d from %s (%d total)", index, c.id, s.staleAcks)
		}
		return
	}
	delete(c.unacked, index)
	for _, me := range rec.entities {
		ack, known := c.acks[me.entity]
		if !known {
			continue
		}
		if rec.tick > ack.serverTick {
			ack.serverTick = rec.tick
		}
		if rec.tick > ack.changeTick {
			ack.changeTick = rec.tick
		}
		ack.mask |= me.mask
	}
	s.counters.AddAck()
}

// sweep runs the two wall-clock retention passes. The timeout pass
// runs every update timeout, so a record lives at least one timeout
// and strictly less than two. The cleanup pass prunes bookkeeping
// that despawns made unreachable.
func (s *Server) sweep(now time.Time) {
	if now.Sub(s.lastTimeoutSweep) >= s.updateTimeout {
		s.lastTimeoutSweep = now
		for _, id := range s.order {
			c := s.clients[id]
			dropped := 0
			for index, rec := range c.unacked {
				if now.Sub(rec.sentAt) < s.updateTimeout {
					continue
				}
				delete(c.unacked, index)
				dropped++
			}
			if dropped > 0 {
				s.counters.AddTimedOut(dropped)
				s.log.Printf("acks: %d mutate records timed out for %s", dropped, id)
			}
		}
	}

	if now.Sub(s.lastCleanup) >= s.cleanupPeriod {
		s.lastCleanup = now
		s.cleanup()
	}
}

func (s *Server) cleanup() {
	s.counters.AddCleanup()
	for _, id := range s.order {
		c := s.clients[id]
		for index, rec := range c.unacked {
			if len(rec.entities) == 0 {
				continue
			}
			live := false
			for _, me := range rec.entities {
				if _, known := c.acks[me.entity]; known {
					live = true
					break
				}
			}
			if !live {
				delete(c.unacked, index)
			}
		}
		for e := range c.priority {
			if _, known := c.acks[e]; known {
				continue
			}
			if s.st.Alive(e) {
				continue
			}
			delete(c.priority, e)
		}
	}
}
