package server

import (
	"testing"

	"tickwire"
	"tickwire/wire"
)

func (f *fixture) decodeChat(payload []byte) (tickwire.Tick, chat) {
	f.t.Helper()
	ev, err := DecodeEvent(payload)
	if err != nil {
		f.t.Fatalf("unexpected event decode error: %v", err)
	}
	v, err := f.chatEvent.Codec.Decode(wire.NewReader(ev.Payload))
	if err != nil {
		f.t.Fatalf("unexpected chat decode error: %v", err)
	}
	return ev.Tick, v.(chat)
}

func TestEventsStampRecipientConsistentTick(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.connect(clientA)

	f.step()
	e := f.world.Spawn()
	f.world.Insert(e, f.healthID, health{Current: 10, Max: 10})
	f.advance()
	f.sink.reset()

	// Queued between ticks, flushed by the next advance. The quiet
	// tick sends no update, so the stamp stays at tick 1.
	mustOK(t, f.srv.Broadcast(chat{Text: "hello"}))
	f.step()
	f.advance()

	msgs := f.sink.on(clientA, f.chatEvent.Channel)
	if len(msgs) != 1 {
		t.Fatalf("expected one event payload, got %d", len(msgs))
	}
	tick, got := f.decodeChat(msgs[0])
	if tick != 1 {
		t.Fatalf("expected the event stamped with tick 1, got %d", tick)
	}
	if got.Text != "hello" {
		t.Fatalf("unexpected event value %+v", got)
	}
}

func TestEventsAdvanceStampWithUpdates(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.connect(clientA)

	f.step()
	e := f.world.Spawn()
	f.world.Insert(e, f.healthID, health{Current: 10, Max: 10})
	f.advance()
	f.sink.reset()

	mustOK(t, f.srv.Broadcast(chat{Text: "later"}))
	f.step()
	f.world.Insert(e, f.posID, position{X: 1, Y: 1})
	f.advance()

	// The structural change produced an update for tick 2, so the
	// event flushed in the same advance carries that stamp.
	msgs := f.sink.on(clientA, f.chatEvent.Channel)
	if len(msgs) != 1 {
		t.Fatalf("expected one event payload, got %d", len(msgs))
	}
	if tick, _ := f.decodeChat(msgs[0]); tick != 2 {
		t.Fatalf("expected the event stamped with tick 2, got %d", tick)
	}
}

func TestLateJoinerSkipsBufferedEvents(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.connect(clientA)

	f.step()
	e := f.world.Spawn()
	f.world.Insert(e, f.healthID, health{Current: 10, Max: 10})
	f.advance()

	mustOK(t, f.srv.Broadcast(chat{Text: "before join"}))
	f.connect(clientB)
	f.sink.reset()

	f.step()
	f.advance()
	if msgs := f.sink.on(clientB, f.chatEvent.Channel); len(msgs) != 0 {
		t.Fatalf("expected the late joiner to skip the buffered event, got %d payloads", len(msgs))
	}
	if msgs := f.sink.on(clientA, f.chatEvent.Channel); len(msgs) != 1 {
		t.Fatalf("expected the established client to receive the event, got %d payloads", len(msgs))
	}
	// The joiner's initial update already carries the state the event
	// led to.
	if up := f.lastUpdate(clientB); len(up.Inserts) != 1 || up.Inserts[0].Entity != e {
		t.Fatalf("expected the joiner's initial update to carry the entity, got %+v", up.Inserts)
	}

	// The exclusion lasts one flush; later events reach the client.
	f.sink.reset()
	mustOK(t, f.srv.Broadcast(chat{Text: "after join"}))
	f.step()
	f.advance()
	if msgs := f.sink.on(clientB, f.chatEvent.Channel); len(msgs) != 1 {
		t.Fatalf("expected the client to receive events after its first flush, got %d payloads", len(msgs))
	}
}

func TestEventSendModes(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.connect(clientA)
	f.connect(clientB)

	mustOK(t, f.srv.SendTo(clientB, chat{Text: "direct"}))
	mustOK(t, f.srv.BroadcastExcept(clientB, chat{Text: "except"}))
	f.step()
	f.advance()

	aMsgs := f.sink.on(clientA, f.chatEvent.Channel)
	bMsgs := f.sink.on(clientB, f.chatEvent.Channel)
	if len(aMsgs) != 1 || len(bMsgs) != 1 {
		t.Fatalf("expected one payload each, got %d and %d", len(aMsgs), len(bMsgs))
	}
	if _, got := f.decodeChat(aMsgs[0]); got.Text != "except" {
		t.Fatalf("expected the except broadcast for the first client, got %+v", got)
	}
	if _, got := f.decodeChat(bMsgs[0]); got.Text != "direct" {
		t.Fatalf("expected the direct send for the second client, got %+v", got)
	}
}

func TestIndependentEventsBypassBuffer(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.connect(clientA)
	f.connect(clientB)

	// Queued and delivered without any advance, with no tick prefix.
	mustOK(t, f.srv.SendTo(clientA, ping{Seq: 7}))
	msgs := f.sink.on(clientA, f.pingEvent.Channel)
	if len(msgs) != 1 {
		t.Fatalf("expected immediate delivery, got %d payloads", len(msgs))
	}
	v, err := f.pingEvent.Codec.Decode(wire.NewReader(msgs[0]))
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if v.(ping).Seq != 7 {
		t.Fatalf("unexpected payload %+v", v)
	}
	if msgs := f.sink.on(clientB, f.pingEvent.Channel); len(msgs) != 0 {
		t.Fatalf("expected the direct send to skip other clients, got %d payloads", len(msgs))
	}
}

func TestUnregisteredEventPanics(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.connect(clientA)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected an unregistered event type to panic")
		}
	}()
	_ = f.srv.Broadcast(struct{ N int }{N: 1})
}
