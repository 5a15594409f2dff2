// Package signal implements the SignalServer (spec.md §4.6): a stateless
// broker that introduces peers sharing an interest in a documentId, then
// pipes their two sockets together byte-for-byte and steps out of the way.
// It never inspects document contents.
package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

// DefaultPairingTimeout is how long a lone connect socket waits for its
// counterpart before the server closes it (spec.md §4.6: "default 60s").
const DefaultPairingTimeout = 60 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// joinMessage is the introduction protocol's client→server frame.
type joinMessage struct {
	Type string   `json:"type"`
	Join []string `json:"join"`
}

// introductionMessage is the introduction protocol's server→client frame.
type introductionMessage struct {
	Type string   `json:"type"`
	ID   string   `json:"id"`
	Keys []string `json:"keys"`
}

// peer is one in-flight introduction-socket connection and its declared
// interest set.
type peer struct {
	id        string
	conn      *websocket.Conn
	interests mapset.Set[string]
	mu        sync.Mutex // guards conn.WriteJSON, which gorilla/websocket requires be single-writer
}

func (p *peer) send(msg introductionMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteJSON(msg)
}

// pendingSocket is one arrived-but-unpaired half of a /connection request.
type pendingSocket struct {
	conn    *websocket.Conn
	arrived time.Time
}

// Server is the SignalServer. It holds no per-document CRDT state — only
// the bookkeeping needed to introduce peers and pipe sockets together.
type Server struct {
	PairingTimeout time.Duration

	// redisClient, when non-nil, publishes every local Join to the other
	// Server replicas and receives theirs (SPEC_FULL.md §B). Joins received
	// from other replicas are only logged: they do not lead to an
	// Introduction, so a peer on another replica is not discovered.
	redisClient *redis.Client

	mu    sync.Mutex
	peers map[string]*peer // localId -> peer, for this replica only

	pendingMu sync.Mutex
	pending   map[string]*pendingSocket // "A|B|documentId" -> first-arrived socket
}

// New returns a Server. redisClient may be nil for a single-replica
// deployment.
func New(redisClient *redis.Client) *Server {
	s := &Server{
		PairingTimeout: DefaultPairingTimeout,
		redisClient:    redisClient,
		peers:          make(map[string]*peer),
		pending:        make(map[string]*pendingSocket),
	}
	if redisClient != nil {
		go s.subscribeIntroductions(context.Background())
	}
	return s
}

// Router returns a mux.Router with both endpoints registered.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/introduction/{localId}", s.handleIntroduction)
	r.HandleFunc("/connection/{localId}/{remoteId}/{documentId}", s.handleConnect)
	return r
}

func (s *Server) handleIntroduction(w http.ResponseWriter, r *http.Request) {
	localId := mux.Vars(r)["localId"]
	if localId == "" {
		localId = uuid.NewString()
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Warningf("signal: introduction upgrade failed for %s: %v", localId, err)
		return
	}

	p := &peer{id: localId, conn: conn, interests: mapset.NewSet[string]()}
	s.mu.Lock()
	s.peers[localId] = p
	s.mu.Unlock()

	glog.V(2).Infof("signal: %s connected for introduction", localId)

	defer func() {
		s.mu.Lock()
		delete(s.peers, localId)
		s.mu.Unlock()
		conn.Close()
		glog.V(2).Infof("signal: %s disconnected", localId)
	}()

	for {
		var msg joinMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type != "Join" {
			continue
		}
		s.handleJoin(p, msg.Join)
	}
}

// handleJoin records localId's new interests and introduces it to every
// other locally-held peer whose interests intersect (spec.md §4.6), then
// publishes the same join to other replicas via Redis if configured.
func (s *Server) handleJoin(p *peer, docIds []string) {
	for _, id := range docIds {
		p.interests.Add(id)
	}

	s.mu.Lock()
	others := make([]*peer, 0, len(s.peers))
	for id, other := range s.peers {
		if id != p.id {
			others = append(others, other)
		}
	}
	s.mu.Unlock()

	for _, other := range others {
		shared := p.interests.Intersect(other.interests)
		if shared.Cardinality() == 0 {
			continue
		}
		keys := shared.ToSlice()
		if err := p.send(introductionMessage{Type: "Introduction", ID: other.id, Keys: keys}); err != nil {
			glog.Warningf("signal: introducing %s to %s: %v", p.id, other.id, err)
		}
		if err := other.send(introductionMessage{Type: "Introduction", ID: p.id, Keys: keys}); err != nil {
			glog.Warningf("signal: introducing %s to %s: %v", other.id, p.id, err)
		}
	}

	if s.redisClient != nil {
		s.publishJoin(p.id, docIds)
	}
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	localId, remoteId, documentId := vars["localId"], vars["remoteId"], vars["documentId"]

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Warningf("signal: connect upgrade failed for %s<->%s: %v", localId, remoteId, err)
		return
	}

	mine := pairKey(localId, remoteId, documentId)
	mirror := pairKey(remoteId, localId, documentId)

	s.pendingMu.Lock()
	if other, ok := s.pending[mirror]; ok {
		delete(s.pending, mirror)
		s.pendingMu.Unlock()
		glog.V(2).Infof("signal: pairing %s<->%s on document %s", localId, remoteId, documentId)
		pipe(conn, other.conn)
		return
	}
	s.pending[mine] = &pendingSocket{conn: conn, arrived: time.Now()}
	s.pendingMu.Unlock()

	timeout := s.PairingTimeout
	if timeout <= 0 {
		timeout = DefaultPairingTimeout
	}
	time.AfterFunc(timeout, func() {
		s.pendingMu.Lock()
		if pending, ok := s.pending[mine]; ok && pending.conn == conn {
			delete(s.pending, mine)
			s.pendingMu.Unlock()
			glog.Warningf("signal: %v", &PairingTimeoutError{LocalID: localId, RemoteID: remoteId, DocumentID: documentId})
			conn.Close()
			return
		}
		s.pendingMu.Unlock()
	})
}

func pairKey(a, b, documentId string) string {
	return fmt.Sprintf("%s|%s|%s", a, b, documentId)
}

// pipe yokes two sockets together bidirectionally at the byte-stream
// level, per spec.md §4.6 ("MUST NOT reorder, merge, or split messages").
// Closure of either side closes both.
func pipe(a, b *websocket.Conn) {
	done := make(chan struct{}, 2)
	relay := func(from, to *websocket.Conn) {
		defer func() { done <- struct{}{} }()
		for {
			mt, data, err := from.ReadMessage()
			if err != nil {
				return
			}
			if err := to.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}
	go relay(a, b)
	go relay(b, a)
	<-done
	a.Close()
	b.Close()
}

func (s *Server) publishJoin(peerId string, docIds []string) {
	data, err := json.Marshal(joinMessage{Type: "Join", Join: docIds})
	if err != nil {
		glog.Warningf("signal: marshal join for redis fanout: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.redisClient.Publish(ctx, redisJoinChannel, redisJoinEnvelope{PeerID: peerId, Payload: data}.encode()).Err(); err != nil {
		glog.Warningf("signal: publish join to redis: %v", err)
	}
}

// subscribeIntroductions listens for joins published by other replicas,
// decodes them and logs them at glog.V(3). It records no interest and sends
// no Introduction: the remote peer's socket lives on the other replica, and
// no local peer is introduced to it.
func (s *Server) subscribeIntroductions(ctx context.Context) {
	sub := s.redisClient.Subscribe(ctx, redisJoinChannel)
	defer sub.Close()
	ch := sub.Channel()
	for msg := range ch {
		var env redisJoinEnvelope
		if err := env.decode(msg.Payload); err != nil {
			glog.Warningf("signal: decode redis join envelope: %v", err)
			continue
		}
		var joined joinMessage
		if err := json.Unmarshal(env.Payload, &joined); err != nil {
			glog.Warningf("signal: decode redis join payload: %v", err)
			continue
		}
		glog.V(3).Infof("signal: cross-replica join from %s: %v", env.PeerID, joined.Join)
	}
}

const redisJoinChannel = "cevitxe:signal:join"

type redisJoinEnvelope struct {
	PeerID  string          `json:"peerId"`
	Payload json.RawMessage `json:"payload"`
}

func (e redisJoinEnvelope) encode() string {
	data, _ := json.Marshal(e)
	return string(data)
}

func (e *redisJoinEnvelope) decode(data string) error {
	return json.Unmarshal([]byte(data), e)
}
