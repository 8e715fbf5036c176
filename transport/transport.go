// Package transport defines the boundary between the replication
// engine and the network. The engine is single-threaded; transports
// own their goroutines and hand inbound traffic over through an event
// channel the host drains on the tick goroutine. Outbound payloads
// are queued per client and channel, and ownership of the payload
// slice transfers to the transport on Queue.
package transport

import "tickwire"

// Sink accepts outbound payloads. Queue must not block the caller;
// implementations buffer internally and drop unreliable payloads
// under pressure.
type Sink interface {
	Queue(client tickwire.ClientID, channel tickwire.ChannelID, payload []byte)
}

// EventKind discriminates transport events.
type EventKind uint8

const (
	// PeerConnected announces a new client. Payload is empty.
	PeerConnected EventKind = iota
	// PeerDisconnected announces a departed client. Payload is empty.
	PeerDisconnected
	// PeerPayload delivers one inbound message.
	PeerPayload
)

// Event is one inbound occurrence a transport reports to the host.
type Event struct {
	Kind    EventKind
	Client  tickwire.ClientID
	Channel tickwire.ChannelID
	Payload []byte
}

// Transport is a full network backend: it mints client identifiers,
// reports their lifecycle and carries payloads both ways over the
// channels described by the registry.
type Transport interface {
	Sink
	// Events returns the inbound event stream. The channel closes
	// when the transport shuts down.
	Events() <-chan Event
	// Disconnect tears down one client's connection.
	Disconnect(client tickwire.ClientID)
	// Close shuts the transport down and releases its listeners.
	Close() error
}
