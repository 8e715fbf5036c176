package tickwire

import (
	"fmt"

	"tickwire/wire"
)

// Entity identifies a slot in the host entity store. Generations
// disambiguate reuse of the same index; generation zero never
// identifies a live entity.
type Entity struct {
	Index      uint32
	Generation uint32
}

// IsZero reports whether e is the invalid zero identifier.
func (e Entity) IsZero() bool {
	return e.Generation == 0
}

// String renders the identifier as index and generation.
func (e Entity) String() string {
	return fmt.Sprintf("%dv%d", e.Index, e.Generation)
}

// Put appends the packed form of e to the scratch buffer.
func (e Entity) Put(s *wire.Scratch) {
	s.PutEntity(e.Index, e.Generation)
}

// Tick counts simulation steps since server start. Ticks only move
// forward; all change tracking compares ticks, never wall time.
type Tick uint64

// ClientID names a connected client. Transports mint the value, the
// replication layers treat it as opaque.
type ClientID string

// ComponentID densely indexes a registered component type.
type ComponentID uint8

// MaxComponents bounds how many component types one registry holds.
const MaxComponents = 256

// FnsID indexes a registered serialization function pair. Several
// rules may share one pair and one component may have several pairs.
type FnsID uint16

// EventID densely indexes a registered event type.
type EventID uint8

// ChannelID names a transport channel. The first identifiers are
// reserved for the core streams; every registered event gets its own
// channel above them.
type ChannelID uint8

const (
	// ChannelUpdates carries update messages, server to client.
	ChannelUpdates ChannelID = 0
	// ChannelMutations carries mutate messages, server to client.
	ChannelMutations ChannelID = 1
	// ChannelAcks carries mutate acknowledgments, client to server.
	ChannelAcks ChannelID = 2

	firstEventChannel ChannelID = 3
)

// Delivery selects the reliability a channel requires from the
// transport.
type Delivery uint8

const (
	// OrderedReliable payloads always arrive in send order.
	OrderedReliable Delivery = iota
	// UnorderedReliable payloads always arrive, in any order.
	UnorderedReliable
	// Unreliable payloads may be dropped or reordered.
	Unreliable
)

// String names the delivery mode for logs.
func (d Delivery) String() string {
	switch d {
	case Unreliable:
		return "unreliable"
	case UnorderedReliable:
		return "unordered-reliable"
	case OrderedReliable:
		return "ordered-reliable"
	default:
		return fmt.Sprintf("delivery(%d)", uint8(d))
	}
}

// ChannelConfig describes one channel a transport must provide.
type ChannelConfig struct {
	ID       ChannelID
	Delivery Delivery
}
