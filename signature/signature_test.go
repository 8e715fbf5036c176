package signature

import (
	"fmt"
	"testing"

	"tickwire"
	"tickwire/store"
	"tickwire/telemetry"
)

type badge struct {
	Name string `json:"name"`
}

const (
	clientA = tickwire.ClientID("client-a")
	clientB = tickwire.ClientID("client-b")
)

func newFixture(t *testing.T) (*store.World, *tickwire.Registry, tickwire.ComponentID, *Registry) {
	t.Helper()
	w := store.NewWorld()
	types := tickwire.NewRegistry()
	badgeID, _ := types.RegisterComponent(badge{}, tickwire.JSONCodec[badge]())
	return w, types, badgeID, NewRegistry(w, types, nil)
}

func TestAttachIsDeterministic(t *testing.T) {
	w, _, badgeID, reg := newFixture(t)
	a := w.Spawn()
	w.Insert(a, badgeID, badge{Name: "altar"})
	b := w.Spawn()
	w.Insert(b, badgeID, badge{Name: "altar"})

	hashA, err := reg.Attach(a, 7, badgeID)
	if err != nil {
		t.Fatalf("unexpected attach error: %v", err)
	}

	// Same seed and content from a second registry must agree.
	other := NewRegistry(w, reg.types, nil)
	hashB, err := other.Attach(b, 7, badgeID)
	if err != nil {
		t.Fatalf("unexpected attach error: %v", err)
	}
	if hashA != hashB {
		t.Fatalf("expected identical content to hash identically, got %016x and %016x", hashA, hashB)
	}

	// A different seed must not.
	third := NewRegistry(w, reg.types, nil)
	hashC, err := third.Attach(b, 8, badgeID)
	if err != nil {
		t.Fatalf("unexpected attach error: %v", err)
	}
	if hashC == hashA {
		t.Fatalf("expected different seed to change the hash")
	}
}

func TestFirstRegistrantKeepsHash(t *testing.T) {
	w, types, badgeID, _ := newFixture(t)
	var logged []string
	reg := NewRegistry(w, types, telemetry.LoggerFunc(func(format string, args ...any) {
		logged = append(logged, fmt.Sprintf(format, args...))
	}))
	reg.Connect(clientA)

	a := w.Spawn()
	w.Insert(a, badgeID, badge{Name: "altar"})
	b := w.Spawn()
	w.Insert(b, badgeID, badge{Name: "altar"})

	hash, err := reg.Attach(a, 1, badgeID)
	if err != nil {
		t.Fatalf("unexpected attach error: %v", err)
	}
	reg.Drain(clientA)

	// A colliding signature is logged and ignored, never an error.
	dup, err := reg.Attach(b, 1, badgeID)
	if err != nil {
		t.Fatalf("expected collision to be ignored, got %v", err)
	}
	if dup != hash {
		t.Fatalf("expected the established hash back, got %016x and %016x", dup, hash)
	}
	if len(logged) != 1 {
		t.Fatalf("expected one collision log line, got %v", logged)
	}
	got, ok := reg.Entity(hash)
	if !ok || got != a {
		t.Fatalf("expected hash to stay with first registrant, got %v", got)
	}
	if _, ok := reg.Hash(b); ok {
		t.Fatalf("expected the colliding entity to stay unsigned")
	}
	if queued := reg.Drain(clientA); len(queued) != 0 {
		t.Fatalf("expected no mapping queued for the ignored attach, got %v", queued)
	}
}

func TestMappingsQueuedForConnectedClients(t *testing.T) {
	w, _, badgeID, reg := newFixture(t)
	early := w.Spawn()
	w.Insert(early, badgeID, badge{Name: "early"})

	if _, err := reg.Attach(early, 1, badgeID); err != nil {
		t.Fatalf("unexpected attach error: %v", err)
	}

	// A client connecting later still receives preexisting mappings.
	reg.Connect(clientA)
	late := w.Spawn()
	w.Insert(late, badgeID, badge{Name: "late"})
	if _, err := reg.Attach(late, 1, badgeID); err != nil {
		t.Fatalf("unexpected attach error: %v", err)
	}

	queued := reg.Drain(clientA)
	if len(queued) != 2 {
		t.Fatalf("expected two queued mappings, got %d", len(queued))
	}
	if again := reg.Drain(clientA); len(again) != 0 {
		t.Fatalf("expected drain to clear the queue, got %d", len(again))
	}
}

func TestScopedMappingStaysPrivate(t *testing.T) {
	w, _, badgeID, reg := newFixture(t)
	reg.Connect(clientA)
	reg.Connect(clientB)

	e := w.Spawn()
	w.Insert(e, badgeID, badge{Name: "private"})
	if _, err := reg.AttachFor(clientA, e, 1, badgeID); err != nil {
		t.Fatalf("unexpected attach error: %v", err)
	}

	if got := len(reg.Drain(clientA)); got != 1 {
		t.Fatalf("expected one mapping for the scoped client, got %d", got)
	}
	if got := len(reg.Drain(clientB)); got != 0 {
		t.Fatalf("expected no mapping for other clients, got %d", got)
	}
}

func TestDetachFreesHash(t *testing.T) {
	w, _, badgeID, reg := newFixture(t)
	a := w.Spawn()
	w.Insert(a, badgeID, badge{Name: "altar"})
	hash, err := reg.Attach(a, 1, badgeID)
	if err != nil {
		t.Fatalf("unexpected attach error: %v", err)
	}

	reg.Detach(a)
	if _, ok := reg.Entity(hash); ok {
		t.Fatalf("expected detach to free the hash")
	}

	b := w.Spawn()
	w.Insert(b, badgeID, badge{Name: "altar"})
	if _, err := reg.Attach(b, 1, badgeID); err != nil {
		t.Fatalf("expected freed hash to be reusable, got %v", err)
	}
}

func TestAttachRequiresComponent(t *testing.T) {
	w, _, badgeID, reg := newFixture(t)
	bare := w.Spawn()
	if _, err := reg.Attach(bare, 1, badgeID); err == nil {
		t.Fatalf("expected attach without the component to fail")
	}
}
