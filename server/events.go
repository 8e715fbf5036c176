package server

import (
	"fmt"

	"tickwire"
	"tickwire/wire"
)

// SendMode selects the recipients of an event.
type SendMode uint8

const (
	// ModeBroadcast reaches every connected client.
	ModeBroadcast SendMode = iota
	// ModeBroadcastExcept reaches everyone but one client.
	ModeBroadcastExcept
	// ModeDirect reaches a single client.
	ModeDirect
)

// queuedEvent is one buffered event. The payload sits after reserved
// varint padding so per-recipient tick stamping reuses the encoded
// bytes instead of running the codec again.
type queuedEvent struct {
	info    tickwire.EventInfo
	mode    SendMode
	target  tickwire.ClientID
	blob    []byte
	padding int
}

// eventBuffer holds the events queued since the last flush. Clients
// that connect while it is open are excluded; their initial update
// already carries the state the events led to.
type eventBuffer struct {
	open     bool
	pending  []queuedEvent
	excluded map[tickwire.ClientID]struct{}
}

// Broadcast queues an event for every connected client.
func (s *Server) Broadcast(event any) error {
	return s.queueEvent(ModeBroadcast, "", event)
}

// BroadcastExcept queues an event for everyone but skip.
func (s *Server) BroadcastExcept(skip tickwire.ClientID, event any) error {
	return s.queueEvent(ModeBroadcastExcept, skip, event)
}

// SendTo queues an event for a single client.
func (s *Server) SendTo(client tickwire.ClientID, event any) error {
	return s.queueEvent(ModeDirect, client, event)
}

func (s *Server) queueEvent(mode SendMode, target tickwire.ClientID, event any) error {
	info, ok := s.types.EventOf(event)
	if !ok {
		panic(fmt.Sprintf("server: event type %T not registered", event))
	}
	var scratch wire.Scratch
	if err := info.Codec.Encode(&scratch, event); err != nil {
		return fmt.Errorf("server: encode event %s: %w", info.Name, err)
	}
	raw := scratch.Slice(scratch.Since(0))
	s.counters.AddEventQueued()

	// Independent events carry no tick and skip the buffer entirely.
	if info.Independent {
		for _, id := range s.order {
			switch mode {
			case ModeBroadcastExcept:
				if id == target {
					continue
				}
			case ModeDirect:
				if id != target {
					continue
				}
			}
			payload := make([]byte, len(raw))
			copy(payload, raw)
			s.sink.Queue(id, info.Channel, payload)
			s.counters.AddEventSent()
		}
		return nil
	}

	// Reserve room for the widest tick a recipient can be stamped
	// with: the tick the next Advance will flush under.
	padding := wire.UvarintLen(uint64(s.tick) + 1)
	blob := make([]byte, padding+len(raw))
	copy(blob[padding:], raw)
	s.events.open = true
	s.events.pending = append(s.events.pending, queuedEvent{
		info:    info,
		mode:    mode,
		target:  target,
		blob:    blob,
		padding: padding,
	})
	return nil
}

// flushEvents delivers the buffered events, each stamped with the
// recipient's last structurally consistent tick so clients apply them
// against matching state.
func (s *Server) flushEvents() {
	if !s.events.open {
		return
	}
	for i := range s.events.pending {
		ev := &s.events.pending[i]
		for _, id := range s.order {
			if _, skip := s.events.excluded[id]; skip {
				continue
			}
			switch ev.mode {
			case ModeBroadcastExcept:
				if id == ev.target {
					continue
				}
			case ModeDirect:
				if id != ev.target {
					continue
				}
			}
			c := s.clients[id]
			s.sink.Queue(id, ev.info.Channel, stampEvent(ev, c.updateTick))
			s.counters.AddEventSent()
		}
	}
	s.events.pending = s.events.pending[:0]
	clear(s.events.excluded)
	s.events.open = false
}

// stampEvent materializes one recipient's payload. When the stamp
// encodes to the reserved width the blob is copied and patched in
// place; otherwise the prefix is rebuilt at its real width.
func stampEvent(ev *queuedEvent, stamp tickwire.Tick) []byte {
	width := wire.UvarintLen(uint64(stamp))
	if width == ev.padding {
		out := make([]byte, len(ev.blob))
		copy(out, ev.blob)
		wire.AppendUvarint(out[:0], uint64(stamp))
		return out
	}
	out := make([]byte, 0, width+len(ev.blob)-ev.padding)
	out = wire.AppendUvarint(out, uint64(stamp))
	return append(out, ev.blob[ev.padding:]...)
}
