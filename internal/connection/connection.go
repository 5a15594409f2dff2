// Package connection implements Connection (spec.md §4.4): one peer pairing
// for one document, wrapping a DocumentSync, a byte-stream socket, and the
// host's command dispatcher. A Connection is the only place DocumentSync
// meets a real transport — everything below it (docsync, wire) is
// transport-agnostic.
package connection

import (
	"sync"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/local-first-web/cevitxe/internal/docsync"
	"github.com/local-first-web/cevitxe/internal/wire"
	"github.com/local-first-web/cevitxe/pkg/crdt"
)

// Socket is the minimal subset of *websocket.Conn a Connection depends on,
// so tests can substitute an in-memory pipe. *websocket.Conn satisfies it
// directly.
type Socket interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

var _ Socket = (*websocket.Conn)(nil)

// Connection is one peer's socket and sync state for one document.
type Connection struct {
	PeerID     string
	DocumentID string

	sock Socket
	ds   *docsync.DocumentSync

	onPeerState      func(*crdt.Document)
	onTransportError func(error)
	onEphemeral      func([]byte)

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// New constructs a Connection. obs is the Repository's observable wrapper
// for DocumentID; sock is the paired peer socket, already yoked by the
// SignalServer. onPeerState fires after every applied inbound change (the
// "apply peer state" command the host dispatcher reacts to, spec.md §4.4);
// onTransportError fires on the first socket read failure and on any
// DocumentSync clock error (see onSyncError); onEphemeral fires for inbound
// ephemeral frames (SPEC_FULL.md §D.1).
func New(peerID, documentId string, obs docsync.Observable, sock Socket, onPeerState func(*crdt.Document), onTransportError func(error), onEphemeral func([]byte)) *Connection {
	c := &Connection{
		PeerID:           peerID,
		DocumentID:       documentId,
		sock:             sock,
		onPeerState:      onPeerState,
		onTransportError: onTransportError,
		onEphemeral:      onEphemeral,
		done:             make(chan struct{}),
	}
	c.ds = docsync.New(obs, c.send, c.onSyncError)
	return c
}

// Open performs the DocumentSync handshake and starts the read loop.
func (c *Connection) Open() error {
	if err := c.ds.Open(); err != nil {
		return err
	}
	c.wg.Add(1)
	go c.readLoop()
	return nil
}

// Broadcast sends payload on the ephemeral side-channel: it bypasses
// DocumentSync and is never persisted (SPEC_FULL.md §D.1).
func (c *Connection) Broadcast(payload []byte) error {
	data, err := wire.EncodeEphemeral(payload)
	if err != nil {
		return err
	}
	return c.sock.WriteMessage(websocket.TextMessage, data)
}

// Close tears the Connection down: unregisters the DocumentSync handler,
// closes the socket, and stops the read loop. No message is guaranteed to
// be delivered after Close returns (spec.md §5).
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.ds.Close()
		close(c.done)
		err = c.sock.Close()
	})
	c.wg.Wait()
	return err
}

func (c *Connection) send(m wire.Message) error {
	data, err := wire.EncodeSync(m)
	if err != nil {
		return err
	}
	return c.sock.WriteMessage(websocket.TextMessage, data)
}

// onSyncError is DocumentSync's onError hook: a NoClockError or
// OldClockError is fatal to this Connection only (spec.md §7).
func (c *Connection) onSyncError(err error) {
	glog.Warningf("connection: peer %s document %s: %v", c.PeerID, c.DocumentID, err)
	if c.onTransportError != nil {
		c.onTransportError(err)
	}
}

func (c *Connection) readLoop() {
	defer c.wg.Done()
	for {
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			if c.onTransportError != nil {
				c.onTransportError(&TransportError{PeerID: c.PeerID, Err: err})
			}
			return
		}

		env, err := wire.DecodeEnvelope(data)
		if err != nil {
			glog.Warningf("connection: peer %s sent malformed envelope: %v", c.PeerID, err)
			continue
		}

		switch env.Kind {
		case wire.KindSync:
			msg, err := wire.Decode(env.Payload)
			if err != nil {
				glog.Warningf("connection: peer %s sent malformed message: %v", c.PeerID, err)
				continue
			}
			doc, err := c.ds.Receive(msg)
			if err != nil {
				c.onSyncError(err)
				return
			}
			if c.onPeerState != nil {
				c.onPeerState(doc)
			}
		case wire.KindEphemeral:
			if c.onEphemeral != nil {
				c.onEphemeral([]byte(env.Payload))
			}
		default:
			glog.Warningf("connection: peer %s sent unknown envelope kind %q", c.PeerID, env.Kind)
		}
	}
}

