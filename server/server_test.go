package server

import (
	"testing"
	"time"

	"tickwire"
	"tickwire/store"
	"tickwire/telemetry"
	"tickwire/visibility"
	"tickwire/wire"
)

type health struct {
	Current int
	Max     int
}

type position struct {
	X float64
	Y float64
}

type secret struct {
	Code string
}

type tag struct{}

type chat struct {
	Text string
}

type ping struct {
	Seq int
}

const (
	clientA = tickwire.ClientID("client-a")
	clientB = tickwire.ClientID("client-b")
)

type sunk struct {
	client  tickwire.ClientID
	channel tickwire.ChannelID
	payload []byte
}

// recordingSink captures queued payloads for assertions.
type recordingSink struct {
	messages []sunk
}

func (s *recordingSink) Queue(client tickwire.ClientID, channel tickwire.ChannelID, payload []byte) {
	s.messages = append(s.messages, sunk{client: client, channel: channel, payload: payload})
}

func (s *recordingSink) reset() {
	s.messages = s.messages[:0]
}

func (s *recordingSink) on(client tickwire.ClientID, channel tickwire.ChannelID) [][]byte {
	var out [][]byte
	for _, m := range s.messages {
		if m.client == client && m.channel == channel {
			out = append(out, m.payload)
		}
	}
	return out
}

type fixture struct {
	t     *testing.T
	world *store.World
	reg   *tickwire.Registry
	rules *tickwire.RuleSet
	sink  *recordingSink
	now   time.Time
	srv   *Server

	healthID tickwire.ComponentID
	posID    tickwire.ComponentID
	secretID tickwire.ComponentID
	tagID    tickwire.ComponentID

	healthFns tickwire.FnsID
	posFns    tickwire.FnsID
	secretFns tickwire.FnsID

	chatEvent tickwire.EventInfo
	pingEvent tickwire.EventInfo
}

// newFixture builds a world, registry and server. shape customizes
// rules before the server freezes them; nil installs every-tick rules
// for health and position. cfgShape tweaks the server configuration.
func newFixture(t *testing.T, shape func(*fixture), cfgShape func(*fixture, *Config)) *fixture {
	t.Helper()
	f := &fixture{
		t:     t,
		world: store.NewWorld(),
		reg:   tickwire.NewRegistry(),
		sink:  &recordingSink{},
		now:   time.Unix(1000, 0),
	}
	f.healthID, f.healthFns = f.reg.RegisterComponent(health{}, tickwire.JSONCodec[health]())
	f.posID, f.posFns = f.reg.RegisterComponent(position{}, tickwire.JSONCodec[position]())
	f.secretID, f.secretFns = f.reg.RegisterComponent(secret{}, tickwire.JSONCodec[secret]())
	f.tagID, _ = f.reg.RegisterComponent(tag{}, tickwire.JSONCodec[tag]())

	chatID := f.reg.RegisterEvent(chat{}, tickwire.EventSpec{Codec: tickwire.JSONCodec[chat]()})
	f.chatEvent, _ = f.reg.Event(chatID)
	pingID := f.reg.RegisterEvent(ping{}, tickwire.EventSpec{Codec: tickwire.JSONCodec[ping](), Independent: true, Delivery: tickwire.Unreliable})
	f.pingEvent, _ = f.reg.Event(pingID)

	f.rules = tickwire.NewRuleSet(f.reg)
	if shape != nil {
		shape(f)
	} else {
		mustOK(t, f.rules.Replicate(health{}, tickwire.EveryTick()))
		mustOK(t, f.rules.Replicate(position{}, tickwire.EveryTick()))
	}

	cfg := Config{
		Store:    f.world,
		Rules:    f.rules,
		Sink:     f.sink,
		Clock:    telemetry.ClockFunc(func() time.Time { return f.now }),
		Counters: &telemetry.Counters{},
	}
	if cfgShape != nil {
		cfgShape(f, &cfg)
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	f.srv = srv
	return f
}

func mustOK(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func (f *fixture) connect(client tickwire.ClientID) {
	f.t.Helper()
	mustOK(f.t, f.srv.Connect(client, visibility.Blacklist))
}

func (f *fixture) step() tickwire.Tick {
	return f.world.Step()
}

func (f *fixture) advance() {
	f.t.Helper()
	if err := f.srv.Advance(f.world.Tick()); err != nil {
		f.t.Fatalf("unexpected advance error: %v", err)
	}
}

func (f *fixture) updates(client tickwire.ClientID) []Update {
	f.t.Helper()
	var out []Update
	for _, payload := range f.sink.on(client, tickwire.ChannelUpdates) {
		u, err := DecodeUpdate(payload)
		if err != nil {
			f.t.Fatalf("unexpected update decode error: %v", err)
		}
		out = append(out, u)
	}
	return out
}

func (f *fixture) mutates(client tickwire.ClientID) []Mutate {
	f.t.Helper()
	var out []Mutate
	for _, payload := range f.sink.on(client, tickwire.ChannelMutations) {
		m, err := DecodeMutate(payload)
		if err != nil {
			f.t.Fatalf("unexpected mutate decode error: %v", err)
		}
		out = append(out, m)
	}
	return out
}

func (f *fixture) lastUpdate(client tickwire.ClientID) Update {
	f.t.Helper()
	ups := f.updates(client)
	if len(ups) == 0 {
		f.t.Fatalf("expected an update message for %s", client)
	}
	return ups[len(ups)-1]
}

func (f *fixture) decodeHealth(payload []byte) health {
	f.t.Helper()
	entry, ok := f.reg.Fns(f.healthFns)
	if !ok {
		f.t.Fatalf("health fns not registered")
	}
	v, err := entry.Codec.Decode(wire.NewReader(payload))
	if err != nil {
		f.t.Fatalf("unexpected health decode error: %v", err)
	}
	return v.(health)
}

func componentFns(rec EntityRecord) []tickwire.FnsID {
	var out []tickwire.FnsID
	for _, c := range rec.Components {
		out = append(out, c.Fns)
	}
	return out
}

func TestNewEntityInitializesThroughUpdateStream(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.connect(clientA)

	f.step()
	e := f.world.Spawn()
	f.world.Insert(e, f.healthID, health{Current: 7, Max: 10})
	f.world.Insert(e, f.posID, position{X: 1, Y: 2})
	f.advance()

	ups := f.updates(clientA)
	if len(ups) != 1 {
		t.Fatalf("expected one update message, got %d", len(ups))
	}
	if ups[0].Tick != 1 {
		t.Fatalf("expected reference tick 1, got %d", ups[0].Tick)
	}
	if len(ups[0].Inserts) != 1 {
		t.Fatalf("expected one insert record, got %d", len(ups[0].Inserts))
	}
	rec := ups[0].Inserts[0]
	if rec.Entity != e {
		t.Fatalf("expected record for %v, got %v", e, rec.Entity)
	}
	if len(rec.Components) != 2 {
		t.Fatalf("expected both components, got fns %v", componentFns(rec))
	}
	if got := f.decodeHealth(rec.Components[0].Payload); got != (health{Current: 7, Max: 10}) {
		t.Fatalf("unexpected health payload %+v", got)
	}
	if ms := f.mutates(clientA); len(ms) != 0 {
		t.Fatalf("expected no mutate message for a new entity, got %d", len(ms))
	}
}

func TestComponentlessSpawnStillConfirms(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		mustOK(t, f.rules.Add(tickwire.ReplicationRule{
			Filters: []tickwire.ArchetypeFilter{tickwire.With(f.tagID)},
		}))
	}, nil)
	f.connect(clientA)

	f.step()
	e := f.world.Spawn()
	f.world.Insert(e, f.tagID, tag{})
	f.advance()

	up := f.lastUpdate(clientA)
	if len(up.Inserts) != 1 {
		t.Fatalf("expected one insert record, got %d", len(up.Inserts))
	}
	if up.Inserts[0].Entity != e {
		t.Fatalf("expected spawn confirmation for %v, got %v", e, up.Inserts[0].Entity)
	}
	if len(up.Inserts[0].Components) != 0 {
		t.Fatalf("expected an empty record, got %d components", len(up.Inserts[0].Components))
	}
}

func TestValueChangeRidesMutateStream(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.connect(clientA)

	f.step()
	e := f.world.Spawn()
	f.world.Insert(e, f.healthID, health{Current: 10, Max: 10})
	f.advance()
	f.sink.reset()

	f.step()
	f.world.Set(e, f.healthID, health{Current: 9, Max: 10})
	f.advance()

	if ups := f.updates(clientA); len(ups) != 0 {
		t.Fatalf("expected no update for a pure value change, got %d", len(ups))
	}
	ms := f.mutates(clientA)
	if len(ms) != 1 {
		t.Fatalf("expected one mutate message, got %d", len(ms))
	}
	if ms[0].Tick != 2 || ms[0].Index != 0 {
		t.Fatalf("expected tick 2 index 0, got tick %d index %d", ms[0].Tick, ms[0].Index)
	}
	if len(ms[0].Entities) != 1 || ms[0].Entities[0].Entity != e {
		t.Fatalf("unexpected mutate entities %+v", ms[0].Entities)
	}
	if got := f.decodeHealth(ms[0].Entities[0].Components[0].Payload); got.Current != 9 {
		t.Fatalf("expected current 9, got %+v", got)
	}
}

func TestUnackedMutationRetransmits(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.connect(clientA)

	f.step()
	e := f.world.Spawn()
	f.world.Insert(e, f.healthID, health{Current: 10, Max: 10})
	f.advance()
	f.sink.reset()

	f.step()
	f.world.Set(e, f.healthID, health{Current: 9, Max: 10})
	f.advance()
	f.step()
	f.advance()

	ms := f.mutates(clientA)
	if len(ms) != 2 {
		t.Fatalf("expected retransmission without ack, got %d messages", len(ms))
	}
	if ms[0].Index == ms[1].Index {
		t.Fatalf("expected distinct mutate indices, got %d twice", ms[0].Index)
	}

	// Acknowledging the newer message stops the retransmits.
	mustOK(t, f.srv.HandleAcks(clientA, AppendAcks(nil, ms[1].Index)))
	f.sink.reset()
	f.step()
	f.advance()
	if again := f.mutates(clientA); len(again) != 0 {
		t.Fatalf("expected silence after ack, got %d messages", len(again))
	}
}

func TestPriorityAccumulatesAgainstAckedTick(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.connect(clientA)

	f.step()
	e := f.world.Spawn()
	f.world.Insert(e, f.healthID, health{Current: 10, Max: 10})
	f.advance()
	mustOK(t, f.srv.SetPriority(clientA, e, 0.5))
	f.sink.reset()

	// Half priority over one elapsed tick stays below the threshold.
	f.step()
	f.world.Set(e, f.healthID, health{Current: 9, Max: 10})
	f.advance()
	if ms := f.mutates(clientA); len(ms) != 0 {
		t.Fatalf("expected throttled change to wait, got %d messages", len(ms))
	}

	// Two elapsed ticks reach 1.0 and release the change.
	f.step()
	f.advance()
	ms := f.mutates(clientA)
	if len(ms) != 1 {
		t.Fatalf("expected the change to release at tick 3, got %d messages", len(ms))
	}
	if got := f.decodeHealth(ms[0].Entities[0].Components[0].Payload); got.Current != 9 {
		t.Fatalf("expected the deferred value, got %+v", got)
	}
}

func TestFreshInsertMergesPendingMutations(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.connect(clientA)

	f.step()
	e := f.world.Spawn()
	f.world.Insert(e, f.healthID, health{Current: 10, Max: 10})
	f.advance()
	f.sink.reset()

	f.step()
	f.world.Set(e, f.healthID, health{Current: 8, Max: 10})
	f.world.Insert(e, f.posID, position{X: 3, Y: 4})
	f.advance()

	if ms := f.mutates(clientA); len(ms) != 0 {
		t.Fatalf("expected the change to merge into the update, got %d mutate messages", len(ms))
	}
	up := f.lastUpdate(clientA)
	if len(up.Inserts) != 1 {
		t.Fatalf("expected one insert record, got %d", len(up.Inserts))
	}
	if len(up.Inserts[0].Components) != 2 {
		t.Fatalf("expected merged record with both components, got fns %v", componentFns(up.Inserts[0]))
	}

	// The merge advanced the ack ticks, so nothing retransmits.
	f.sink.reset()
	f.step()
	f.advance()
	if ms := f.mutates(clientA); len(ms) != 0 {
		t.Fatalf("expected no retransmit after merge, got %d messages", len(ms))
	}
}

func TestFreshInsertRidesUpdateStreamAlone(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.connect(clientA)

	f.step()
	e := f.world.Spawn()
	f.world.Insert(e, f.healthID, health{Current: 5, Max: 10})
	f.advance()
	f.sink.reset()

	// A fresh insert with no other pending change must still go out
	// as a reliable update, not an unreliable mutate.
	f.step()
	f.world.Insert(e, f.posID, position{X: 3, Y: 4})
	f.advance()

	if ms := f.mutates(clientA); len(ms) != 0 {
		t.Fatalf("expected the fresh insert on the update stream, got mutate messages %+v", ms)
	}
	up := f.lastUpdate(clientA)
	if up.Tick != 2 {
		t.Fatalf("expected reference tick 2, got %d", up.Tick)
	}
	if len(up.Inserts) != 1 || up.Inserts[0].Entity != e {
		t.Fatalf("expected one insert record for %v, got %+v", e, up.Inserts)
	}
	if got := componentFns(up.Inserts[0]); len(got) != 1 || got[0] != f.posFns {
		t.Fatalf("expected only the position insert, got fns %v", got)
	}
}

func TestRemovalMergesPendingMutations(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.connect(clientA)

	f.step()
	e := f.world.Spawn()
	f.world.Insert(e, f.healthID, health{Current: 10, Max: 10})
	f.world.Insert(e, f.posID, position{X: 1, Y: 1})
	f.advance()
	f.sink.reset()

	f.step()
	f.world.Remove(e, f.posID)
	f.world.Set(e, f.healthID, health{Current: 5, Max: 10})
	f.advance()

	if ms := f.mutates(clientA); len(ms) != 0 {
		t.Fatalf("expected mutations to merge with the removal, got %d messages", len(ms))
	}
	up := f.lastUpdate(clientA)
	if len(up.Removals) != 1 || up.Removals[0].Entity != e {
		t.Fatalf("expected a removal record for %v, got %+v", e, up.Removals)
	}
	if len(up.Removals[0].Fns) != 1 || up.Removals[0].Fns[0] != f.posFns {
		t.Fatalf("expected removal of position fns, got %v", up.Removals[0].Fns)
	}
	if len(up.Inserts) != 1 || len(up.Inserts[0].Components) != 1 {
		t.Fatalf("expected the health change inside the update, got %+v", up.Inserts)
	}
	if got := f.decodeHealth(up.Inserts[0].Components[0].Payload); got.Current != 5 {
		t.Fatalf("expected merged health 5, got %+v", got)
	}
}

func TestDespawnBeforeFirstSendLeaksNothing(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.connect(clientA)

	f.step()
	e := f.world.Spawn()
	f.world.Insert(e, f.healthID, health{Current: 1, Max: 1})
	f.world.Despawn(e)
	f.advance()

	if len(f.sink.messages) != 0 {
		t.Fatalf("expected no traffic for an entity that never replicated, got %d messages", len(f.sink.messages))
	}
}

func TestDespawnEmitsRecordAndDropsState(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.connect(clientA)

	f.step()
	e := f.world.Spawn()
	f.world.Insert(e, f.healthID, health{Current: 1, Max: 1})
	f.advance()
	f.sink.reset()

	f.step()
	f.world.Despawn(e)
	f.advance()

	up := f.lastUpdate(clientA)
	if len(up.Despawns) != 1 || up.Despawns[0] != e {
		t.Fatalf("expected despawn record for %v, got %+v", e, up.Despawns)
	}
	if _, known := f.srv.clients[clientA].acks[e]; known {
		t.Fatalf("expected per-client state to be dropped on despawn")
	}
}

func TestReconnectReinitializes(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.connect(clientA)

	f.step()
	e := f.world.Spawn()
	f.world.Insert(e, f.healthID, health{Current: 3, Max: 3})
	f.advance()

	f.srv.Disconnect(clientA)
	f.connect(clientA)
	f.sink.reset()

	f.step()
	f.advance()
	up := f.lastUpdate(clientA)
	if len(up.Inserts) != 1 || up.Inserts[0].Entity != e {
		t.Fatalf("expected full reinitialization after reconnect, got %+v", up.Inserts)
	}
}

func TestMutateMessagesSplitAtSizeLimit(t *testing.T) {
	f := newFixture(t, nil, func(_ *fixture, cfg *Config) {
		cfg.MaxMutateBytes = 40
	})
	f.connect(clientA)

	f.step()
	e1 := f.world.Spawn()
	f.world.Insert(e1, f.healthID, health{Current: 111111, Max: 999999})
	e2 := f.world.Spawn()
	f.world.Insert(e2, f.healthID, health{Current: 222222, Max: 999999})
	f.advance()
	f.sink.reset()

	f.step()
	f.world.Set(e1, f.healthID, health{Current: 111110, Max: 999999})
	f.world.Set(e2, f.healthID, health{Current: 222220, Max: 999999})
	f.advance()

	ms := f.mutates(clientA)
	if len(ms) != 2 {
		t.Fatalf("expected the records to split into two messages, got %d", len(ms))
	}
	if ms[0].Index == ms[1].Index {
		t.Fatalf("expected distinct indices per message")
	}
	for _, m := range ms {
		if len(m.Entities) != 1 {
			t.Fatalf("expected one entity per message, got %d", len(m.Entities))
		}
	}

	// Acking one message only settles its own entity.
	mustOK(t, f.srv.HandleAcks(clientA, AppendAcks(nil, ms[0].Index)))
	f.sink.reset()
	f.step()
	f.advance()
	again := f.mutates(clientA)
	if len(again) != 1 || len(again[0].Entities) != 1 {
		t.Fatalf("expected only the unacked entity to retransmit, got %+v", again)
	}
	if again[0].Entities[0].Entity != ms[1].Entities[0].Entity {
		t.Fatalf("expected the unacked entity %v, got %v", ms[1].Entities[0].Entity, again[0].Entities[0].Entity)
	}
}

func TestSendRateOnceSuppressesSync(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		mustOK(t, f.rules.Replicate(health{}, tickwire.Once()))
	}, nil)
	f.connect(clientA)

	f.step()
	e := f.world.Spawn()
	f.world.Insert(e, f.healthID, health{Current: 10, Max: 10})
	f.advance()
	if up := f.lastUpdate(clientA); len(up.Inserts) != 1 {
		t.Fatalf("expected the initial insert, got %+v", up.Inserts)
	}
	f.sink.reset()

	f.step()
	f.world.Set(e, f.healthID, health{Current: 1, Max: 10})
	f.advance()
	if len(f.sink.messages) != 0 {
		t.Fatalf("expected once-rated changes to stay silent, got %d messages", len(f.sink.messages))
	}
}

func TestSendRatePeriodicDelaysSync(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		mustOK(t, f.rules.Replicate(health{}, tickwire.Periodic(2)))
	}, nil)
	f.connect(clientA)

	f.step()
	e := f.world.Spawn()
	f.world.Insert(e, f.healthID, health{Current: 10, Max: 10})
	f.advance()
	f.sink.reset()

	// Tick 3 is off-period; the change waits.
	f.step()
	f.step()
	f.world.Set(e, f.healthID, health{Current: 9, Max: 10})
	if err := f.srv.Advance(3); err != nil {
		t.Fatalf("unexpected advance error: %v", err)
	}
	if ms := f.mutates(clientA); len(ms) != 0 {
		t.Fatalf("expected off-period change to wait, got %d messages", len(ms))
	}

	f.step()
	f.advance()
	if ms := f.mutates(clientA); len(ms) != 1 {
		t.Fatalf("expected the change to release on the period, got %d messages", len(ms))
	}
}

func TestAdvanceRejectsTickRegression(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.step()
	f.advance()
	if err := f.srv.Advance(1); err == nil {
		t.Fatalf("expected a repeated tick to be rejected")
	}
	if err := f.srv.Advance(0); err == nil {
		t.Fatalf("expected a regressing tick to be rejected")
	}
}

func TestRulePriorityClaimsComponentFns(t *testing.T) {
	altFns := tickwire.FnsID(0)
	f := newFixture(t, func(f *fixture) {
		altFns = f.reg.RegisterFns(f.healthID, tickwire.JSONCodec[health]())
		// The specific two-component rule outranks the broad one and
		// claims health with its alternate fns.
		mustOK(t, f.rules.Add(tickwire.ReplicationRule{
			Components: []tickwire.ComponentRule{
				{Component: f.healthID, Fns: altFns},
				{Component: f.posID, Fns: f.posFns},
			},
		}))
		mustOK(t, f.rules.Replicate(health{}, tickwire.EveryTick()))
	}, nil)
	f.connect(clientA)

	f.step()
	e := f.world.Spawn()
	f.world.Insert(e, f.healthID, health{Current: 2, Max: 2})
	f.world.Insert(e, f.posID, position{X: 1, Y: 1})
	f.advance()

	up := f.lastUpdate(clientA)
	if len(up.Inserts) != 1 {
		t.Fatalf("expected a single record for the entity, got %d", len(up.Inserts))
	}
	fns := componentFns(up.Inserts[0])
	if len(fns) != 2 {
		t.Fatalf("expected two components, got %v", fns)
	}
	if fns[0] != altFns {
		t.Fatalf("expected the higher priority rule's fns %d, got %d", altFns, fns[0])
	}
}
