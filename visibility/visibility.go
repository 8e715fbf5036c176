// Package visibility scopes replicated entities per client. A coarse
// policy layer answers "may this client see that entity at all" with
// a blacklist or whitelist, and up to 32 registered filters refine the
// answer per entity based on component values, either hiding the whole
// entity or masking individual components. Filter verdicts are cached
// per client and entity; a verdict is recomputed only when the filter
// component is inserted or removed on either side, never on plain
// value changes.
package visibility

import (
	"fmt"

	"tickwire"
	"tickwire/store"
)

// MaxFilters bounds how many filters one engine accepts. Verdicts are
// packed into 32-bit masks.
const MaxFilters = 32

// FilterID indexes a registered filter.
type FilterID uint8

// Policy selects the coarse default for a client.
type Policy uint8

const (
	// Blacklist shows every entity unless explicitly hidden.
	Blacklist Policy = iota
	// Whitelist hides every entity unless explicitly shown.
	Whitelist
)

// String names the policy for logs.
func (p Policy) String() string {
	switch p {
	case Blacklist:
		return "blacklist"
	case Whitelist:
		return "whitelist"
	default:
		return fmt.Sprintf("policy(%d)", uint8(p))
	}
}

// Filter narrows visibility based on one component's value. The
// predicate receives the target entity's value of Component and the
// viewing client's value of the same component, nil when the client
// has no entity or its entity lacks the component. Entities without
// Component are unaffected by the filter.
//
// A nil Hides list hides the whole entity when the predicate fails;
// otherwise only the listed components are masked out and the entity
// itself stays visible.
type Filter struct {
	Component tickwire.ComponentID
	Hides     []tickwire.ComponentID
	Visible   func(target, viewer any) bool
}

// Engine evaluates visibility for every connected client. It is
// driven by the replication server on the tick goroutine and must not
// be called concurrently.
type Engine struct {
	reader  store.Reader
	frozen  bool
	filters []Filter
	tick    tickwire.Tick
	clients map[tickwire.ClientID]*clientView
}

type clientView struct {
	policy Policy

	entity    tickwire.Entity
	hasEntity bool

	// listed holds the policy exceptions: hidden entities under
	// Blacklist, shown entities under Whitelist.
	listed map[tickwire.Entity]struct{}

	cache map[tickwire.Entity]*verdict

	// epoch invalidates every cached verdict when the client entity
	// or the presence of filter components on it changes.
	epoch         uint64
	viewerPresent uint32
}

type verdict struct {
	deny    uint32
	present uint32
	epoch   uint64
	eval    tickwire.Tick
}

// NewEngine returns an engine reading component values from reader.
func NewEngine(reader store.Reader) *Engine {
	return &Engine{
		reader:  reader,
		clients: make(map[tickwire.ClientID]*clientView),
	}
}

// RegisterFilter adds a filter during startup and returns its
// identifier. Registration fails beyond MaxFilters and panics after
// the engine is frozen.
func (e *Engine) RegisterFilter(f Filter) (FilterID, error) {
	if e.frozen {
		panic("visibility: filter registered after freeze")
	}
	if f.Visible == nil {
		return 0, fmt.Errorf("visibility: filter without predicate")
	}
	if len(e.filters) >= MaxFilters {
		return 0, fmt.Errorf("visibility: filter limit of %d exceeded", MaxFilters)
	}
	id := FilterID(len(e.filters))
	e.filters = append(e.filters, f)
	return id, nil
}

// Freeze locks filter registration.
func (e *Engine) Freeze() {
	if e != nil {
		e.frozen = true
	}
}

// Connect starts tracking a client under the given policy.
func (e *Engine) Connect(client tickwire.ClientID, policy Policy) {
	if e == nil {
		return
	}
	e.clients[client] = &clientView{
		policy: policy,
		listed: make(map[tickwire.Entity]struct{}),
		cache:  make(map[tickwire.Entity]*verdict),
	}
}

// Disconnect drops all state for a client.
func (e *Engine) Disconnect(client tickwire.ClientID) {
	if e == nil {
		return
	}
	delete(e.clients, client)
}

// SetClientEntity associates a store entity with the client so
// filter predicates can compare against its components. A zero entity
// clears the association.
func (e *Engine) SetClientEntity(client tickwire.ClientID, entity tickwire.Entity) {
	if e == nil {
		return
	}
	view, ok := e.clients[client]
	if !ok {
		return
	}
	view.entity = entity
	view.hasEntity = !entity.IsZero()
	view.epoch++
	view.viewerPresent = e.presentMask(view)
}

// SetVisible overrides the coarse policy for one entity. Under
// Blacklist, visible=false hides it; under Whitelist, visible=true
// shows it. Setting the policy default removes the override.
func (e *Engine) SetVisible(client tickwire.ClientID, entity tickwire.Entity, visible bool) {
	if e == nil {
		return
	}
	view, ok := e.clients[client]
	if !ok {
		return
	}
	exception := (view.policy == Blacklist && !visible) || (view.policy == Whitelist && visible)
	if exception {
		view.listed[entity] = struct{}{}
	} else {
		delete(view.listed, entity)
	}
}

// BeginTick refreshes per-client viewer state for the tick about to
// be collected. The server calls it once per Advance.
func (e *Engine) BeginTick(tick tickwire.Tick) {
	if e == nil {
		return
	}
	e.tick = tick
	for _, view := range e.clients {
		present := e.presentMask(view)
		if present != view.viewerPresent {
			view.viewerPresent = present
			view.epoch++
		}
	}
}

// Visible reports whether the client may currently see the entity. A
// nil engine keeps everything visible.
func (e *Engine) Visible(client tickwire.ClientID, entity tickwire.Entity) bool {
	if e == nil {
		return true
	}
	view, ok := e.clients[client]
	if !ok {
		return false
	}
	_, exception := view.listed[entity]
	if view.policy == Blacklist && exception {
		return false
	}
	if view.policy == Whitelist && !exception {
		return false
	}
	v := e.evaluate(view, entity)
	for i := range e.filters {
		bit := uint32(1) << i
		if v.deny&bit == 0 {
			continue
		}
		if e.filters[i].Hides == nil {
			return false
		}
	}
	return true
}

// HiddenComponent reports whether a component-scoped filter masks
// component c of the entity for this client.
func (e *Engine) HiddenComponent(client tickwire.ClientID, entity tickwire.Entity, c tickwire.ComponentID) bool {
	if e == nil {
		return false
	}
	view, ok := e.clients[client]
	if !ok {
		return false
	}
	v := e.evaluate(view, entity)
	if v.deny == 0 {
		return false
	}
	for i := range e.filters {
		bit := uint32(1) << i
		if v.deny&bit == 0 {
			continue
		}
		for _, hidden := range e.filters[i].Hides {
			if hidden == c {
				return true
			}
		}
	}
	return false
}

// Forget drops the cached verdicts for an entity across all clients.
// The server calls it when the entity despawns.
func (e *Engine) Forget(entity tickwire.Entity) {
	if e == nil {
		return
	}
	for _, view := range e.clients {
		delete(view.cache, entity)
		delete(view.listed, entity)
	}
}

func (e *Engine) evaluate(view *clientView, entity tickwire.Entity) *verdict {
	v, ok := view.cache[entity]
	present, newest := e.targetState(entity)
	if ok && v.epoch == view.epoch && v.present == present && newest <= v.eval {
		return v
	}
	if !ok {
		v = &verdict{}
		view.cache[entity] = v
	}
	v.present = present
	v.epoch = view.epoch
	v.eval = e.tick
	v.deny = 0
	for i := range e.filters {
		bit := uint32(1) << i
		if present&bit == 0 {
			continue
		}
		f := &e.filters[i]
		target, _, _ := e.reader.Component(entity, f.Component)
		var viewer any
		if view.hasEntity && view.viewerPresent&bit != 0 {
			viewer, _, _ = e.reader.Component(view.entity, f.Component)
		}
		if !f.Visible(target, viewer) {
			v.deny |= bit
		}
	}
	return v
}

// targetState returns which filter components the entity carries and
// the newest insertion tick among them. A fresh insertion forces the
// verdict to recompute.
func (e *Engine) targetState(entity tickwire.Entity) (present uint32, newest tickwire.Tick) {
	for i := range e.filters {
		_, marks, ok := e.reader.Component(entity, e.filters[i].Component)
		if !ok {
			continue
		}
		present |= uint32(1) << i
		if marks.Added > newest {
			newest = marks.Added
		}
	}
	return present, newest
}

func (e *Engine) presentMask(view *clientView) uint32 {
	if !view.hasEntity {
		return 0
	}
	var mask uint32
	for i := range e.filters {
		if e.reader.Has(view.entity, e.filters[i].Component) {
			mask |= uint32(1) << i
		}
	}
	return mask
}
