// Package storemanager implements StoreManager (spec.md §4.5): the
// top-level façade for one database. It owns the Repository, the Keychain,
// a signaling client, and the set of Connections currently attached to
// each document, and exposes the host-facing event/command API.
package storemanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/local-first-web/cevitxe/internal/connection"
	"github.com/local-first-web/cevitxe/internal/discovery"
	"github.com/local-first-web/cevitxe/internal/eventbus"
	"github.com/local-first-web/cevitxe/internal/keychain"
	"github.com/local-first-web/cevitxe/internal/reducer"
	"github.com/local-first-web/cevitxe/internal/repo"
	"github.com/local-first-web/cevitxe/internal/store"
	"github.com/local-first-web/cevitxe/pkg/crdt"
)

// EventKind discriminates the events StoreManager emits via On/Off.
type EventKind string

const (
	EventOpen       EventKind = "OPEN"
	EventClose      EventKind = "CLOSE"
	EventPeer       EventKind = "PEER"
	EventPeerRemove EventKind = "PEER_REMOVE"
	EventChange     EventKind = "CHANGE"
	EventError      EventKind = "ERROR"
	EventEphemeral  EventKind = "EPHEMERAL"
)

// Event is delivered to host handlers registered via On.
type Event struct {
	Kind       EventKind
	DocumentID string
	PeerID     string
	Doc        *crdt.Document
	Payload    []byte
	Err        error
}

// Config configures a StoreManager (spec.md §4.5: "databaseName, an
// initial state, a list of signal-server URLs, and a reducer").
type Config struct {
	DatabaseName string
	// PeerID identifies this process to signal servers and peers. Empty
	// generates a random one (SPEC_FULL.md §B: "google/uuid ... where the
	// host does not supply one").
	PeerID       string
	SignalURLs   []string
	Reducer      reducer.Reducer
	Backend      store.Backend      // nil defaults to an in-memory store
	// Keychain, when non-nil, is the source of KnownDocumentIDs. It is not
	// used for signaling: signal servers are joined with raw documentIds,
	// not Keychain discovery ids.
	Keychain     *keychain.Keychain
	// ListenerCap is the subscriber count above which StoreManager's own
	// event bus logs an advisory warning; it never rejects a subscriber
	// (spec.md §5: "must not impose a low ceiling"). Zero selects the
	// source's default of 500. The Repository's per-document change hooks
	// do not use it.
	ListenerCap int
	// LANDiscoveryPort, if nonzero, advertises this process's open documents
	// over mDNS on that port (SPEC_FULL.md §B) in addition to signaling
	// through SignalURLs.
	LANDiscoveryPort int
}

// peerConnections tracks the Connections attached to one document, keyed
// by peerId, so a duplicate introduction replaces rather than doubles up
// (spec.md §4.5: "Duplicate peerIds replace the prior Connection").
type peerConnections struct {
	mu    sync.Mutex
	byPeer map[string]*connection.Connection
}

// StoreManager is the host-facing façade for one database.
type StoreManager struct {
	cfg    Config
	repo   *repo.Repository
	signal *signalClient

	events *eventbus.Bus[Event]

	mu        sync.Mutex
	documents map[string]*peerConnections

	localId    string
	advertiser *discovery.Advertiser

	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs a StoreManager and starts connecting to every configured
// signal server. No document is opened until CreateStore/JoinStore is
// called.
func New(cfg Config) *StoreManager {
	backend := cfg.Backend
	if backend == nil {
		backend = store.NewMemStore()
	}
	listenerCap := cfg.ListenerCap
	if listenerCap == 0 {
		listenerCap = 500 // spec.md §5: "source raises default to 500"
	}

	ctx, cancel := context.WithCancel(context.Background())
	sm := &StoreManager{
		cfg:       cfg,
		repo:      repo.New(backend),
		events:    eventbus.New[Event](listenerCap),
		documents: make(map[string]*peerConnections),
		ctx:       ctx,
		cancel:    cancel,
	}

	localId := cfg.PeerID
	if localId == "" {
		localId = uuid.NewString()
	}
	sm.localId = localId
	sm.signal = newSignalClient(localId, cfg.SignalURLs, sm.handleIntroduction, sm.handleSignalError)
	if len(cfg.SignalURLs) > 0 {
		sm.signal.Start(ctx)
	}

	return sm
}

// On registers fn for every Event of kind emitted by this StoreManager.
// The returned function removes it (spec.md §4.5: "on/off(event, handler)").
func (sm *StoreManager) On(kind EventKind, fn func(Event)) (off func()) {
	return sm.events.On(func(ev Event) {
		if ev.Kind == kind {
			fn(ev)
		}
	})
}

// CreateStore creates documentId's Repository state in "new" mode, seeded
// with initialContent, and advertises interest in it to the signal server.
func (sm *StoreManager) CreateStore(documentId, initialContent string) (*crdt.Document, error) {
	return sm.open(documentId, true, initialContent)
}

// JoinStore joins an existing documentId, empty until peers sync in
// (spec.md §4.5: "Same as above with Repository in join mode").
func (sm *StoreManager) JoinStore(documentId string) (*crdt.Document, error) {
	return sm.open(documentId, false, "")
}

func (sm *StoreManager) open(documentId string, isCreating bool, initialContent string) (*crdt.Document, error) {
	doc, err := sm.repo.Init(documentId, isCreating, initialContent)
	if err != nil {
		return nil, err
	}

	sm.mu.Lock()
	if _, ok := sm.documents[documentId]; !ok {
		sm.documents[documentId] = &peerConnections{byPeer: make(map[string]*connection.Connection)}
	}
	sm.mu.Unlock()

	sm.repo.AddHandler(func(docId string, d *crdt.Document) {
		if docId == documentId {
			sm.events.Emit(Event{Kind: EventChange, DocumentID: documentId, Doc: d})
		}
	})

	if sm.signal != nil {
		sm.signal.Join(documentId)
	}

	if sm.cfg.LANDiscoveryPort != 0 {
		sm.readvertise()
	}

	sm.events.Emit(Event{Kind: EventOpen, DocumentID: documentId, Doc: doc})
	return doc, nil
}

// readvertise re-registers this process's mDNS advertisement with the full
// set of currently open documentIds. zeroconf has no in-place TXT-record
// update, so each call withdraws the previous advertisement and registers a
// fresh one (SPEC_FULL.md §B).
func (sm *StoreManager) readvertise() {
	sm.mu.Lock()
	ids := make([]string, 0, len(sm.documents))
	for id := range sm.documents {
		ids = append(ids, id)
	}
	prev := sm.advertiser
	sm.mu.Unlock()

	adv, err := discovery.Advertise(sm.localId, sm.cfg.LANDiscoveryPort, ids)
	if err != nil {
		glog.Warningf("storemanager: mDNS advertise: %v", err)
		return
	}

	sm.mu.Lock()
	sm.advertiser = adv
	sm.mu.Unlock()

	if prev != nil {
		prev.Shutdown()
	}
}

// DiscoverPeers browses the LAN for peers advertising interest in any
// document this process has open, for timeout. It is a supplement to
// signal-server introduction (SPEC_FULL.md §B): a LAN peer found this way is
// logged, not yet dialed, since mDNS advertises a raw port rather than the
// signal-server connect endpoint adoptPeer expects.
func (sm *StoreManager) DiscoverPeers(ctx context.Context, timeout time.Duration) ([]discovery.PeerFound, error) {
	sm.mu.Lock()
	ids := make([]string, 0, len(sm.documents))
	for id := range sm.documents {
		ids = append(ids, id)
	}
	sm.mu.Unlock()

	peers, err := discovery.Browse(ctx, timeout, ids)
	if err != nil {
		return nil, err
	}
	for _, p := range peers {
		glog.V(2).Infof("storemanager: mDNS found peer %s at %s:%d for %v", p.Instance, p.Host, p.Port, p.DocumentIDs)
	}
	return peers, nil
}

// handleIntroduction is called when the signal client learns of a new peer
// sharing interest in one or more documentIds. Per spec.md §4.5, it dials
// the per-document connect socket and constructs a Connection, replacing
// any prior Connection under the same peerId.
func (sm *StoreManager) handleIntroduction(url, peerId string, documentIds []string) {
	for _, documentId := range documentIds {
		sm.adoptPeer(url, peerId, documentId)
	}
}

func (sm *StoreManager) adoptPeer(url, peerId, documentId string) {
	sm.mu.Lock()
	pc, ok := sm.documents[documentId]
	sm.mu.Unlock()
	if !ok {
		return // not a document we've opened locally
	}

	sock, err := sm.signal.DialPeerSocket(sm.ctx, url, peerId, documentId)
	if err != nil {
		glog.Warningf("storemanager: adopt peer %s for %s: %v", peerId, documentId, err)
		return
	}

	obs, err := sm.repo.GetDocument(documentId)
	if err != nil {
		sock.Close()
		glog.Warningf("storemanager: adopt peer %s for %s: %v", peerId, documentId, err)
		return
	}

	// conn is captured by the callbacks below so removePeer can be told
	// exactly which Connection is being torn down; it is assigned before
	// Open() starts the read loop that would invoke them.
	var conn *connection.Connection
	conn = connection.New(peerId, documentId, obs,
		sock,
		func(d *crdt.Document) {
			sm.events.Emit(Event{Kind: EventChange, DocumentID: documentId, Doc: d})
		},
		func(err error) {
			sm.removePeer(documentId, peerId, conn)
			sm.events.Emit(Event{Kind: EventPeerRemove, DocumentID: documentId, PeerID: peerId, Err: err})
		},
		func(payload []byte) {
			sm.events.Emit(Event{Kind: EventEphemeral, DocumentID: documentId, PeerID: peerId, Payload: payload})
		},
	)

	pc.mu.Lock()
	if old, exists := pc.byPeer[peerId]; exists {
		old.Close()
	}
	pc.byPeer[peerId] = conn
	pc.mu.Unlock()

	if err := conn.Open(); err != nil {
		sm.removePeer(documentId, peerId, conn)
		glog.Warningf("storemanager: open connection to %s for %s: %v", peerId, documentId, err)
		return
	}

	sm.events.Emit(Event{Kind: EventPeer, DocumentID: documentId, PeerID: peerId})
}

// removePeer drops conn from documentId's peer table, if it is still the
// current entry for peerId (a duplicate introduction may have already
// replaced it), and closes it — spec.md §7: a TransportError closes the
// Connection and emits PEER_REMOVE, and §3's invariant that a Connection's
// DocumentSync and socket are "closed together."
//
// Close is dispatched on its own goroutine because removePeer is reached
// from Connection's own onTransportError callback, i.e. from inside that
// Connection's readLoop goroutine; Connection.Close blocks on that same
// goroutine's WaitGroup, so calling it synchronously here would deadlock.
func (sm *StoreManager) removePeer(documentId, peerId string, conn *connection.Connection) {
	sm.mu.Lock()
	pc, ok := sm.documents[documentId]
	sm.mu.Unlock()
	if !ok {
		return
	}
	pc.mu.Lock()
	if pc.byPeer[peerId] == conn {
		delete(pc.byPeer, peerId)
	}
	pc.mu.Unlock()
	go conn.Close()
}

func (sm *StoreManager) handleSignalError(err *SignalError) {
	sm.events.Emit(Event{Kind: EventError, Err: err})
}

// Broadcast sends payload on documentId's ephemeral side-channel to every
// currently attached peer (SPEC_FULL.md §D.1).
func (sm *StoreManager) Broadcast(documentId string, payload []byte) error {
	sm.mu.Lock()
	pc, ok := sm.documents[documentId]
	sm.mu.Unlock()
	if !ok {
		return fmt.Errorf("storemanager: document %q not open", documentId)
	}

	pc.mu.Lock()
	defer pc.mu.Unlock()
	for peerId, conn := range pc.byPeer {
		if err := conn.Broadcast(payload); err != nil {
			glog.Warningf("storemanager: broadcast to %s: %v", peerId, err)
		}
	}
	return nil
}

// Dispatch runs cmd through the configured reducer and, if handled, applies
// the resulting changes to documentId's document via the Repository.
func (sm *StoreManager) Dispatch(documentId string, cmd any) error {
	if sm.cfg.Reducer == nil {
		return fmt.Errorf("storemanager: no reducer configured")
	}
	obs, err := sm.repo.GetDocument(documentId)
	if err != nil {
		return err
	}
	changes, handled, err := reducer.Apply(sm.cfg.Reducer, cmd, obs.Get())
	if err != nil {
		return err
	}
	if !handled {
		return nil
	}
	return obs.ApplyChanges(changes)
}

// ConnectionCount returns the number of Connections currently attached to
// documentId.
func (sm *StoreManager) ConnectionCount(documentId string) int {
	sm.mu.Lock()
	pc, ok := sm.documents[documentId]
	sm.mu.Unlock()
	if !ok {
		return 0
	}
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return len(pc.byPeer)
}

// KnownDocumentIDs reports every documentId known to the Keychain, if one
// is configured, falling back to the Repository's set otherwise (spec.md
// §4.5: "knownDocumentIds (from the Keychain)").
func (sm *StoreManager) KnownDocumentIDs() ([]string, error) {
	if sm.cfg.Keychain != nil {
		return sm.cfg.Keychain.KnownDocumentIDs()
	}
	return sm.repo.KnownDocumentIDs()
}

// Close cancels all in-flight sync activity: every Connection across every
// document is closed concurrently, then the Repository and signal client
// are torn down (spec.md §5: "cancels all in-flight sync activity").
func (sm *StoreManager) Close() error {
	sm.cancel()

	sm.mu.Lock()
	if sm.advertiser != nil {
		sm.advertiser.Shutdown()
		sm.advertiser = nil
	}
	docs := make([]*peerConnections, 0, len(sm.documents))
	for _, pc := range sm.documents {
		docs = append(docs, pc)
	}
	sm.mu.Unlock()

	var eg errgroup.Group
	for _, pc := range docs {
		pc.mu.Lock()
		conns := make([]*connection.Connection, 0, len(pc.byPeer))
		for _, conn := range pc.byPeer {
			conns = append(conns, conn)
		}
		pc.mu.Unlock()
		for _, conn := range conns {
			conn := conn
			eg.Go(func() error { return conn.Close() })
		}
	}
	closeErr := eg.Wait()

	repoErr := sm.repo.Close()

	sm.signal.mu.Lock()
	for _, conn := range sm.signal.conns {
		conn.Close()
	}
	sm.signal.mu.Unlock()

	sm.events.Emit(Event{Kind: EventClose})

	if closeErr != nil {
		return closeErr
	}
	return repoErr
}
