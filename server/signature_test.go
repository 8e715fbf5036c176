package server

import (
	"testing"

	"tickwire/signature"
)

func TestSignatureMappingsRideUpdates(t *testing.T) {
	var sigs *signature.Registry
	f := newFixture(t, nil, func(f *fixture, cfg *Config) {
		sigs = signature.NewRegistry(f.world, f.reg, nil)
		cfg.Signatures = sigs
	})
	f.connect(clientA)

	f.step()
	e := f.world.Spawn()
	f.world.Insert(e, f.healthID, health{Current: 5, Max: 5})
	hash, err := sigs.Attach(e, 42, f.healthID)
	mustOK(t, err)
	f.advance()

	up := f.lastUpdate(clientA)
	if len(up.Mappings) != 1 {
		t.Fatalf("expected one mapping record, got %d", len(up.Mappings))
	}
	if up.Mappings[0].Entity != e || up.Mappings[0].Hash != hash {
		t.Fatalf("unexpected mapping %+v", up.Mappings[0])
	}
	if len(up.Inserts) != 1 {
		t.Fatalf("expected the insert to ride the same update, got %d records", len(up.Inserts))
	}

	// Mappings deliver once.
	f.sink.reset()
	f.step()
	f.advance()
	if ups := f.updates(clientA); len(ups) != 0 {
		t.Fatalf("expected no further update, got %d", len(ups))
	}
}

func TestLateJoinerReceivesGlobalMappings(t *testing.T) {
	var sigs *signature.Registry
	f := newFixture(t, nil, func(f *fixture, cfg *Config) {
		sigs = signature.NewRegistry(f.world, f.reg, nil)
		cfg.Signatures = sigs
	})
	f.connect(clientA)

	f.step()
	e := f.world.Spawn()
	f.world.Insert(e, f.healthID, health{Current: 5, Max: 5})
	hash, err := sigs.Attach(e, 42, f.healthID)
	mustOK(t, err)
	f.advance()

	f.connect(clientB)
	f.sink.reset()
	f.step()
	f.advance()

	up := f.lastUpdate(clientB)
	if len(up.Mappings) != 1 || up.Mappings[0].Hash != hash {
		t.Fatalf("expected the joiner to receive the mapping, got %+v", up.Mappings)
	}
	if ups := f.updates(clientA); len(ups) != 0 {
		t.Fatalf("expected no duplicate mapping for the established client, got %d updates", len(ups))
	}
}

func TestScopedMappingsReachOneClient(t *testing.T) {
	var sigs *signature.Registry
	f := newFixture(t, nil, func(f *fixture, cfg *Config) {
		sigs = signature.NewRegistry(f.world, f.reg, nil)
		cfg.Signatures = sigs
	})
	f.connect(clientA)
	f.connect(clientB)

	f.step()
	e := f.world.Spawn()
	f.world.Insert(e, f.healthID, health{Current: 5, Max: 5})
	_, err := sigs.AttachFor(clientB, e, 42, f.healthID)
	mustOK(t, err)
	f.advance()

	if up := f.lastUpdate(clientB); len(up.Mappings) != 1 {
		t.Fatalf("expected the scoped mapping for its client, got %+v", up.Mappings)
	}
	if up := f.lastUpdate(clientA); len(up.Mappings) != 0 {
		t.Fatalf("expected no mapping for other clients, got %+v", up.Mappings)
	}
}
