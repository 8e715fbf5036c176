// Package wsbridge carries the replication channels over websocket
// connections. Each frame is binary: one channel identifier byte
// followed by the payload. Websocket frames are always reliable, so
// the unreliable delivery class only changes the queue drop policy:
// when a peer's unreliable queue is full the oldest payload is shed,
// while a full reliable queue disconnects the peer as a slow consumer.
package wsbridge

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tickwire"
	"tickwire/telemetry"
	"tickwire/transport"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 << 10

	defaultQueueDepth   = 256
	defaultEventBacklog = 1024
)

// Config tunes a Bridge.
type Config struct {
	// Channels declares the channel table. Channels marked Unreliable
	// shed their oldest queued payload under pressure; everything
	// else, including undeclared channels, is treated as reliable.
	Channels []tickwire.ChannelConfig
	// QueueDepth bounds each per-peer, per-class outbound queue.
	QueueDepth int
	// EventBacklog bounds the inbound event channel.
	EventBacklog int
	// CheckOrigin overrides the upgrader origin check. Nil accepts
	// every origin.
	CheckOrigin func(r *http.Request) bool

	Logger telemetry.Logger
}

// Bridge is a websocket transport backend. It implements
// transport.Transport and http.Handler; mount it on a mux and point
// clients at it. Peer identifiers are minted on upgrade.
type Bridge struct {
	mu     sync.Mutex
	peers  map[tickwire.ClientID]*peer
	closed bool

	unreliable [256]bool
	depth      int
	events     chan transport.Event
	wg         sync.WaitGroup
	upgrader   websocket.Upgrader
	log        telemetry.Logger
}

type peer struct {
	id    tickwire.ClientID
	conn  *websocket.Conn
	rel   chan []byte
	unrel chan []byte
	done  chan struct{}
	once  sync.Once
}

// NewBridge builds a bridge for the given channel table.
func NewBridge(cfg Config) *Bridge {
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	backlog := cfg.EventBacklog
	if backlog <= 0 {
		backlog = defaultEventBacklog
	}
	log := cfg.Logger
	if log == nil {
		log = telemetry.Nop()
	}
	check := cfg.CheckOrigin
	if check == nil {
		check = func(*http.Request) bool { return true }
	}

	b := &Bridge{
		peers:  make(map[tickwire.ClientID]*peer),
		depth:  depth,
		events: make(chan transport.Event, backlog),
		log:    log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     check,
		},
	}
	for _, ch := range cfg.Channels {
		if ch.Delivery == tickwire.Unreliable {
			b.unreliable[ch.ID] = true
		}
	}
	return b
}

// ServeHTTP upgrades the request and runs the peer's read loop on the
// request goroutine.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Printf("wsbridge: upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	id := tickwire.ClientID(uuid.NewString())
	p := &peer{
		id:    id,
		conn:  conn,
		rel:   make(chan []byte, b.depth),
		unrel: make(chan []byte, b.depth),
		done:  make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		conn.Close()
		return
	}
	b.peers[id] = p
	// Registering the pumps under the same lock that admits the peer
	// keeps Close from finishing its wait while this connection is
	// still being announced.
	b.wg.Add(2)
	b.mu.Unlock()

	b.emit(transport.Event{Kind: transport.PeerConnected, Client: id})
	b.log.Printf("wsbridge: peer %s connected from %s", id, r.RemoteAddr)

	go b.writePump(p)
	b.readLoop(p)
}

func (b *Bridge) readLoop(p *peer) {
	defer b.wg.Done()
	p.conn.SetReadLimit(maxMessageSize)
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			b.drop(p, err)
			return
		}
		if len(data) < 1 {
			b.log.Printf("wsbridge: empty frame from %s", p.id)
			continue
		}
		b.emit(transport.Event{
			Kind:    transport.PeerPayload,
			Client:  p.id,
			Channel: tickwire.ChannelID(data[0]),
			Payload: data[1:],
		})
	}
}

func (b *Bridge) writePump(p *peer) {
	defer b.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case frame := <-p.rel:
			if !b.write(p, frame) {
				return
			}
		case frame := <-p.unrel:
			if !b.write(p, frame) {
				return
			}
		}
	}
}

func (b *Bridge) write(p *peer, frame []byte) bool {
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := p.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		b.drop(p, err)
		return false
	}
	return true
}

// Queue frames the payload for one peer. Unknown peers are ignored;
// the disconnect event is racing the caller.
func (b *Bridge) Queue(client tickwire.ClientID, channel tickwire.ChannelID, payload []byte) {
	b.mu.Lock()
	p, ok := b.peers[client]
	b.mu.Unlock()
	if !ok {
		return
	}

	frame := make([]byte, 1+len(payload))
	frame[0] = byte(channel)
	copy(frame[1:], payload)

	if b.unreliable[channel] {
		for {
			select {
			case p.unrel <- frame:
				return
			default:
			}
			// Shed the oldest payload; the replication layer
			// retransmits anything that mattered.
			select {
			case <-p.unrel:
			default:
			}
		}
	}

	select {
	case p.rel <- frame:
	default:
		b.drop(p, fmt.Errorf("reliable queue full"))
	}
}

// Events returns the inbound event stream. It closes on Close.
func (b *Bridge) Events() <-chan transport.Event {
	return b.events
}

// Disconnect tears down one peer.
func (b *Bridge) Disconnect(client tickwire.ClientID) {
	b.mu.Lock()
	p, ok := b.peers[client]
	b.mu.Unlock()
	if ok {
		b.drop(p, nil)
	}
}

// drop removes a peer once, closes its connection and reports the
// departure.
func (b *Bridge) drop(p *peer, cause error) {
	p.once.Do(func() {
		close(p.done)
		b.mu.Lock()
		delete(b.peers, p.id)
		b.mu.Unlock()
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		p.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(writeWait))
		p.conn.Close()
		if cause != nil {
			b.log.Printf("wsbridge: peer %s dropped: %v", p.id, cause)
		} else {
			b.log.Printf("wsbridge: peer %s disconnected", p.id)
		}
		b.emit(transport.Event{Kind: transport.PeerDisconnected, Client: p.id})
	})
}

// emit delivers one event to the host. The send holds a wait-group
// slot taken under the mutex, so Close drains every in-flight emit
// before it closes the event channel; emits arriving after the close
// flag is set are dropped.
func (b *Bridge) emit(ev transport.Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.wg.Add(1)
	b.mu.Unlock()
	b.events <- ev
	b.wg.Done()
}

// Close disconnects every peer and closes the event channel once all
// pumps have stopped. Residual inbound traffic is discarded.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	peers := make([]*peer, 0, len(b.peers))
	for _, p := range b.peers {
		peers = append(peers, p)
	}
	b.mu.Unlock()

	for _, p := range peers {
		p.once.Do(func() {
			close(p.done)
			p.conn.Close()
		})
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	for {
		select {
		case <-b.events:
		case <-done:
			close(b.events)
			return nil
		}
	}
}
