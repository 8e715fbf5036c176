package tickwire

import (
	"fmt"
	"reflect"
)

// FnsEntry pairs a component with one codec for it.
type FnsEntry struct {
	Component ComponentID
	Codec     Codec
}

// EventInfo describes one registered event type.
type EventInfo struct {
	ID          EventID
	Name        string
	Type        reflect.Type
	Channel     ChannelID
	Delivery    Delivery
	Independent bool
	Codec       Codec
}

// EventSpec configures an event registration. The zero value buffers
// the event against tick state and delivers it ordered-reliable.
type EventSpec struct {
	Codec       Codec
	Delivery    Delivery
	Independent bool
}

// Registry holds every component and event type the engine may
// serialize. It is populated once during startup, frozen by the
// server constructor and read-only afterwards; registration after the
// freeze is a programming error and panics.
type Registry struct {
	frozen bool

	components []componentInfo
	byType     map[reflect.Type]ComponentID
	defaults   []int32

	fns []FnsEntry

	events       []EventInfo
	eventsByType map[reflect.Type]EventID
}

type componentInfo struct {
	name string
	typ  reflect.Type
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byType:       make(map[reflect.Type]ComponentID),
		eventsByType: make(map[reflect.Type]EventID),
	}
}

// RegisterComponent registers the concrete type of prototype together
// with its default codec and returns both identifiers. Registering the
// same type twice returns the original identifiers.
func (r *Registry) RegisterComponent(prototype any, codec Codec) (ComponentID, FnsID) {
	r.mustMutate()
	if codec == nil {
		panic("tickwire: nil codec")
	}
	typ := reflect.TypeOf(prototype)
	if typ == nil {
		panic("tickwire: nil component prototype")
	}
	if id, ok := r.byType[typ]; ok {
		return id, FnsID(r.defaults[id])
	}
	if len(r.components) >= MaxComponents {
		panic(fmt.Sprintf("tickwire: component limit of %d exceeded", MaxComponents))
	}
	id := ComponentID(len(r.components))
	r.components = append(r.components, componentInfo{name: typeName(typ), typ: typ})
	r.byType[typ] = id
	fns := r.addFns(id, codec)
	r.defaults = append(r.defaults, int32(fns))
	return id, fns
}

// RegisterFns registers an additional codec for an already registered
// component, for rules that serialize the same data differently.
func (r *Registry) RegisterFns(component ComponentID, codec Codec) FnsID {
	r.mustMutate()
	if int(component) >= len(r.components) {
		panic(fmt.Sprintf("tickwire: unknown component %d", component))
	}
	if codec == nil {
		panic("tickwire: nil codec")
	}
	return r.addFns(component, codec)
}

func (r *Registry) addFns(component ComponentID, codec Codec) FnsID {
	id := FnsID(len(r.fns))
	r.fns = append(r.fns, FnsEntry{Component: component, Codec: codec})
	return id
}

// RegisterEvent registers the concrete type of prototype as an event.
// A codec is required; delivery defaults to ordered-reliable and the
// event is assigned its own transport channel.
func (r *Registry) RegisterEvent(prototype any, spec EventSpec) EventID {
	r.mustMutate()
	if spec.Codec == nil {
		panic("tickwire: nil event codec")
	}
	typ := reflect.TypeOf(prototype)
	if typ == nil {
		panic("tickwire: nil event prototype")
	}
	if _, ok := r.eventsByType[typ]; ok {
		panic(fmt.Sprintf("tickwire: event %s registered twice", typeName(typ)))
	}
	channel := ChannelID(uint8(firstEventChannel) + uint8(len(r.events)))
	if channel < firstEventChannel {
		panic("tickwire: event channel space exhausted")
	}
	id := EventID(len(r.events))
	r.events = append(r.events, EventInfo{
		ID:          id,
		Name:        typeName(typ),
		Type:        typ,
		Channel:     channel,
		Delivery:    spec.Delivery,
		Independent: spec.Independent,
		Codec:       spec.Codec,
	})
	r.eventsByType[typ] = id
	return id
}

// Component looks up the identifier registered for the concrete type
// of prototype.
func (r *Registry) Component(prototype any) (ComponentID, bool) {
	id, ok := r.byType[reflect.TypeOf(prototype)]
	return id, ok
}

// ComponentName returns the registered name for id.
func (r *Registry) ComponentName(id ComponentID) string {
	if int(id) >= len(r.components) {
		return fmt.Sprintf("component(%d)", id)
	}
	return r.components[id].name
}

// ComponentType returns the registered reflect type for id.
func (r *Registry) ComponentType(id ComponentID) (reflect.Type, bool) {
	if int(id) >= len(r.components) {
		return nil, false
	}
	return r.components[id].typ, true
}

// Components reports how many component types are registered.
func (r *Registry) Components() int {
	return len(r.components)
}

// DefaultFns returns the codec pair registered together with the
// component.
func (r *Registry) DefaultFns(id ComponentID) (FnsID, bool) {
	if int(id) >= len(r.defaults) {
		return 0, false
	}
	return FnsID(r.defaults[id]), true
}

// Fns returns the entry behind a serialization identifier.
func (r *Registry) Fns(id FnsID) (FnsEntry, bool) {
	if int(id) >= len(r.fns) {
		return FnsEntry{}, false
	}
	return r.fns[id], true
}

// Event returns the registration behind an event identifier.
func (r *Registry) Event(id EventID) (EventInfo, bool) {
	if int(id) >= len(r.events) {
		return EventInfo{}, false
	}
	return r.events[id], true
}

// EventOf looks up the registration for the concrete type of value.
func (r *Registry) EventOf(value any) (EventInfo, bool) {
	id, ok := r.eventsByType[reflect.TypeOf(value)]
	if !ok {
		return EventInfo{}, false
	}
	return r.events[id], true
}

// Events returns all event registrations in registration order.
func (r *Registry) Events() []EventInfo {
	return r.events
}

// Channels lists every channel a transport must provide: the core
// update, mutate and ack streams plus one channel per event.
func (r *Registry) Channels() []ChannelConfig {
	configs := []ChannelConfig{
		{ID: ChannelUpdates, Delivery: OrderedReliable},
		{ID: ChannelMutations, Delivery: Unreliable},
		{ID: ChannelAcks, Delivery: OrderedReliable},
	}
	for _, ev := range r.events {
		configs = append(configs, ChannelConfig{ID: ev.Channel, Delivery: ev.Delivery})
	}
	return configs
}

// Freeze locks the registry against further registration.
func (r *Registry) Freeze() {
	r.frozen = true
}

// Frozen reports whether the registry is locked.
func (r *Registry) Frozen() bool {
	return r.frozen
}

func (r *Registry) mustMutate() {
	if r.frozen {
		panic("tickwire: registry mutated after freeze")
	}
}

func typeName(t reflect.Type) string {
	if t.PkgPath() != "" {
		return t.PkgPath() + "." + t.Name()
	}
	return t.String()
}
