package connection

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local-first-web/cevitxe/internal/repo"
	"github.com/local-first-web/cevitxe/internal/store"
	"github.com/local-first-web/cevitxe/pkg/crdt"
)

// pipeSocket is an in-memory Socket, two of which form a connected pair, so
// tests exercise the real wire encoding without a network.
type pipeSocket struct {
	out       chan []byte
	in        <-chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

func newPipePair() (*pipeSocket, *pipeSocket) {
	ab := make(chan []byte, 32)
	ba := make(chan []byte, 32)
	a := &pipeSocket{out: ab, in: ba, closed: make(chan struct{})}
	b := &pipeSocket{out: ba, in: ab, closed: make(chan struct{})}
	return a, b
}

func (p *pipeSocket) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-p.in:
		if !ok {
			return 0, nil, io.EOF
		}
		return websocket.TextMessage, data, nil
	case <-p.closed:
		return 0, nil, io.EOF
	}
}

func (p *pipeSocket) WriteMessage(_ int, data []byte) error {
	select {
	case p.out <- data:
		return nil
	case <-p.closed:
		return io.ErrClosedPipe
	}
}

func (p *pipeSocket) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestConnectionSyncsExistingContentOnOpen(t *testing.T) {
	r := repo.New(store.NewMemStore())
	doc, err := r.Init("doc1", true, "")
	require.NoError(t, err)
	obsA, err := r.GetDocument("doc1")
	require.NoError(t, err)

	ins := doc.CreateInsert("a", 0, "hello")
	require.NoError(t, obsA.ApplyChanges([]crdt.Change{ins}))

	r2 := repo.New(store.NewMemStore())
	_, err = r2.Init("doc1", true, "")
	require.NoError(t, err)
	obsB, err := r2.GetDocument("doc1")
	require.NoError(t, err)

	sockA, sockB := newPipePair()

	connA := New("B", "doc1", obsA, sockA, nil, nil, nil)
	var gotText string
	var mu sync.Mutex
	connB := New("A", "doc1", obsB, sockB, func(d *crdt.Document) {
		mu.Lock()
		gotText = d.Text()
		mu.Unlock()
	}, nil, nil)

	require.NoError(t, connA.Open())
	require.NoError(t, connB.Open())

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotText == "hello"
	})

	require.NoError(t, connA.Close())
	require.NoError(t, connB.Close())
}

func TestConnectionBroadcastDeliversEphemeralPayload(t *testing.T) {
	r := repo.New(store.NewMemStore())
	_, err := r.Init("doc1", true, "")
	require.NoError(t, err)
	obsA, err := r.GetDocument("doc1")
	require.NoError(t, err)
	obsB, err := r.GetDocument("doc1")
	require.NoError(t, err)

	sockA, sockB := newPipePair()

	var got []byte
	var mu sync.Mutex
	connB := New("A", "doc1", obsB, sockB, nil, nil, func(payload []byte) {
		mu.Lock()
		got = payload
		mu.Unlock()
	})
	connA := New("B", "doc1", obsA, sockA, nil, nil, nil)

	require.NoError(t, connA.Open())
	require.NoError(t, connB.Open())

	require.NoError(t, connA.Broadcast([]byte(`{"cursor":7}`)))

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil
	})
	assert.JSONEq(t, `{"cursor":7}`, string(got))

	require.NoError(t, connA.Close())
	require.NoError(t, connB.Close())
}

func TestConnectionCloseStopsReadLoop(t *testing.T) {
	r := repo.New(store.NewMemStore())
	_, err := r.Init("doc1", true, "")
	require.NoError(t, err)
	obs, err := r.GetDocument("doc1")
	require.NoError(t, err)

	sockA, sockB := newPipePair()
	conn := New("B", "doc1", obs, sockA, nil, nil, nil)
	require.NoError(t, conn.Open())
	require.NoError(t, conn.Close())
	require.NoError(t, sockB.Close())
}
