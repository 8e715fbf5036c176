// Package quicbridge carries the replication channels over QUIC. The
// delivery classes map directly onto the protocol: every reliable
// message rides its own unidirectional-use stream, opened, written and
// closed per message, while unreliable payloads go out as datagrams
// and inherit their fire-and-forget semantics. Frames on both paths
// are one channel identifier byte followed by the payload.
package quicbridge

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"tickwire"
	"tickwire/telemetry"
	"tickwire/transport"
)

// ALPN is the protocol identifier clients must offer.
const ALPN = "tickwire/1"

const (
	defaultQueueDepth   = 256
	defaultEventBacklog = 1024

	codeNormal       quic.ApplicationErrorCode = 0x00
	codeUnauthorized quic.ApplicationErrorCode = 0x0a
	codeSlowConsumer quic.ApplicationErrorCode = 0x0b
)

// Config tunes a Bridge.
type Config struct {
	// Addr is the UDP listen address.
	Addr string
	// TLS must carry a server certificate. ALPN is appended when the
	// config offers no protocols.
	TLS *tls.Config
	// QUIC optionally overrides transport settings. Datagram support
	// is always enabled.
	QUIC *quic.Config

	// Channels declares the channel table. Channels marked Unreliable
	// are sent as datagrams and shed under pressure; everything else
	// rides reliable streams.
	Channels []tickwire.ChannelConfig
	// Authorize vets a peer before it is registered. Nil accepts
	// every connection.
	Authorize func(remote net.Addr) error
	// QueueDepth bounds each per-peer, per-class outbound queue.
	QueueDepth int
	// EventBacklog bounds the inbound event channel.
	EventBacklog int

	Logger telemetry.Logger
}

// Bridge is a QUIC transport backend implementing transport.Transport.
// Peer identifiers are minted on accept.
type Bridge struct {
	listener *quic.Listener
	ctx      context.Context
	cancel   context.CancelFunc

	mu     sync.Mutex
	peers  map[tickwire.ClientID]*peer
	closed bool

	unreliable [256]bool
	depth      int
	events     chan transport.Event
	wg         sync.WaitGroup
	auth       func(remote net.Addr) error
	log        telemetry.Logger
}

type peer struct {
	id    tickwire.ClientID
	conn  quic.Connection
	rel   chan []byte
	unrel chan []byte
	done  chan struct{}
	once  sync.Once
}

// Listen starts a bridge on the configured address.
func Listen(cfg Config) (*Bridge, error) {
	if cfg.TLS == nil {
		return nil, fmt.Errorf("quicbridge: TLS config required")
	}
	tlsConf := cfg.TLS.Clone()
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{ALPN}
	}
	quicConf := &quic.Config{}
	if cfg.QUIC != nil {
		quicConf = cfg.QUIC.Clone()
	}
	quicConf.EnableDatagrams = true

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

	listener, err := quic.ListenAddr(cfg.Addr, tlsConf, quicConf)
	if err != nil {
		return nil, fmt.Errorf("quicbridge: listen %s: %w", cfg.Addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		listener: listener,
		ctx:      ctx,
		cancel:   cancel,
		peers:    make(map[tickwire.ClientID]*peer),
		depth:    depth,
		events:   make(chan transport.Event, backlog),
		auth:     cfg.Authorize,
		log:      log,
	}
	for _, ch := range cfg.Channels {
		if ch.Delivery == tickwire.Unreliable {
			b.unreliable[ch.ID] = true
		}
	}

	b.wg.Add(1)
	go b.acceptLoop()
	return b, nil
}

// Addr returns the bound listen address.
func (b *Bridge) Addr() net.Addr {
	return b.listener.Addr()
}

func (b *Bridge) acceptLoop() {
	defer b.wg.Done()
	for {
		conn, err := b.listener.Accept(b.ctx)
		if err != nil {
			select {
			case <-b.ctx.Done():
			default:
				b.log.Printf("quicbridge: accept: %v", err)
			}
			return
		}
		if b.auth != nil {
			if err := b.auth(conn.RemoteAddr()); err != nil {
				b.log.Printf("quicbridge: rejected %s: %v", conn.RemoteAddr(), err)
				conn.CloseWithError(codeUnauthorized, "unauthorized")
				continue
			}
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
			conn.CloseWithError(codeNormal, "shutting down")
			return
		}
		b.peers[id] = p
		// Register the pumps under the admission lock so Close cannot
		// finish its wait while the peer is still being announced.
		b.wg.Add(3)
		b.mu.Unlock()

		b.emit(transport.Event{Kind: transport.PeerConnected, Client: id})
		b.log.Printf("quicbridge: peer %s connected from %s", id, conn.RemoteAddr())

		go b.readStreams(p)
		go b.readDatagrams(p)
		go b.writePump(p)
	}
}

// readStreams consumes inbound reliable messages. Streams are read to
// completion one at a time so payload events keep their send order.
func (b *Bridge) readStreams(p *peer) {
	defer b.wg.Done()
	for {
		stream, err := p.conn.AcceptStream(b.ctx)
		if err != nil {
			b.drop(p, err)
			return
		}
		data, err := io.ReadAll(stream)
		if err != nil {
			b.log.Printf("quicbridge: stream from %s: %v", p.id, err)
			continue
		}
		b.deliver(p, data)
	}
}

func (b *Bridge) readDatagrams(p *peer) {
	defer b.wg.Done()
	for {
		data, err := p.conn.ReceiveDatagram(b.ctx)
		if err != nil {
			b.drop(p, err)
			return
		}
		b.deliver(p, data)
	}
}

func (b *Bridge) deliver(p *peer, data []byte) {
	if len(data) < 1 {
		b.log.Printf("quicbridge: empty frame from %s", p.id)
		return
	}
	b.emit(transport.Event{
		Kind:    transport.PeerPayload,
		Client:  p.id,
		Channel: tickwire.ChannelID(data[0]),
		Payload: data[1:],
	})
}

func (b *Bridge) writePump(p *peer) {
	defer b.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case frame := <-p.rel:
			stream, err := p.conn.OpenStreamSync(b.ctx)
			if err != nil {
				b.drop(p, err)
				return
			}
			if _, err := stream.Write(frame); err != nil {
				stream.Close()
				b.drop(p, err)
				return
			}
			stream.Close()
		case frame := <-p.unrel:
			// Datagram failures are part of the unreliable contract;
			// a dead connection surfaces through the readers.
			if err := p.conn.SendDatagram(frame); err != nil {
				b.log.Printf("quicbridge: datagram to %s: %v", p.id, err)
			}
		}
	}
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

func (b *Bridge) drop(p *peer, cause error) {
	p.once.Do(func() {
		close(p.done)
		b.mu.Lock()
		delete(b.peers, p.id)
		b.mu.Unlock()
		code := codeNormal
		if cause != nil {
			code = codeSlowConsumer
			b.log.Printf("quicbridge: peer %s dropped: %v", p.id, cause)
		} else {
			b.log.Printf("quicbridge: peer %s disconnected", p.id)
		}
		p.conn.CloseWithError(code, "")
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

// Close stops the listener, disconnects every peer and closes the
// event channel once all pumps have stopped.
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

	b.cancel()
	err := b.listener.Close()
	for _, p := range peers {
		p.once.Do(func() {
			close(p.done)
			p.conn.CloseWithError(codeNormal, "shutting down")
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
			return err
		}
	}
}
