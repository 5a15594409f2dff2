package storemanager

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type joinMessage struct {
	Type string   `json:"type"`
	Join []string `json:"join"`
}

type introductionMessage struct {
	Type string   `json:"type"`
	ID   string   `json:"id"`
	Keys []string `json:"keys"`
}

// signalClient is the StoreManager-side counterpart to internal/signal's
// server: it maintains one introduction socket per configured signal-server
// URL, reconnecting with backoff on SignalError (spec.md §7), and dials a
// fresh connect-endpoint socket for every peer it is introduced to.
type signalClient struct {
	localId string
	urls    []string

	onIntroduction func(url, peerID string, docIds []string)
	onSignalError  func(*SignalError)

	mu        sync.Mutex
	interests map[string]bool
	conns     map[string]*websocket.Conn
}

func newSignalClient(localId string, urls []string, onIntroduction func(string, string, []string), onSignalError func(*SignalError)) *signalClient {
	return &signalClient{
		localId:        localId,
		urls:           urls,
		onIntroduction: onIntroduction,
		onSignalError:  onSignalError,
		interests:      make(map[string]bool),
		conns:          make(map[string]*websocket.Conn),
	}
}

// Start connects to every configured signal server and keeps reconnecting
// in the background until ctx is canceled.
func (c *signalClient) Start(ctx context.Context) {
	for _, url := range c.urls {
		go c.runIntroduction(ctx, url)
	}
}

// Join records documentId as an interest and advertises it on every
// currently-connected introduction socket.
func (c *signalClient) Join(documentId string) {
	c.mu.Lock()
	c.interests[documentId] = true
	conns := make([]*websocket.Conn, 0, len(c.conns))
	for _, conn := range c.conns {
		conns = append(conns, conn)
	}
	c.mu.Unlock()

	for _, conn := range conns {
		if err := conn.WriteJSON(joinMessage{Type: "Join", Join: []string{documentId}}); err != nil {
			glog.Warningf("storemanager: send join for %s: %v", documentId, err)
		}
	}
}

func (c *signalClient) runIntroduction(ctx context.Context, url string) {
	for {
		conn, err := c.dialWithBackoff(ctx, url)
		if err != nil {
			return // ctx canceled
		}

		c.mu.Lock()
		c.conns[url] = conn
		interests := make([]string, 0, len(c.interests))
		for id := range c.interests {
			interests = append(interests, id)
		}
		c.mu.Unlock()

		if len(interests) > 0 {
			if err := conn.WriteJSON(joinMessage{Type: "Join", Join: interests}); err != nil {
				glog.Warningf("storemanager: resend join to %s: %v", url, err)
			}
		}

		c.readLoop(ctx, url, conn)

		c.mu.Lock()
		delete(c.conns, url)
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (c *signalClient) dialWithBackoff(ctx context.Context, url string) (*websocket.Conn, error) {
	var conn *websocket.Conn
	op := func() error {
		dialed, _, err := websocket.DefaultDialer.DialContext(ctx, introductionURL(url, c.localId), nil)
		if err != nil {
			if c.onSignalError != nil {
				c.onSignalError(&SignalError{URL: url, Err: err})
			}
			return err
		}
		conn = dialed
		return nil
	}
	eb := backoff.NewExponentialBackOff()
	eb.MaxElapsedTime = 0 // never give up; only ctx cancellation stops the retries
	b := backoff.WithContext(eb, ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *signalClient) readLoop(ctx context.Context, url string, conn *websocket.Conn) {
	defer conn.Close()
	for {
		var msg introductionMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if c.onSignalError != nil {
				c.onSignalError(&SignalError{URL: url, Err: err})
			}
			return
		}
		if msg.Type != "Introduction" {
			continue
		}
		if c.onIntroduction != nil {
			c.onIntroduction(url, msg.ID, msg.Keys)
		}
	}
}

// DialPeerSocket opens the connect-endpoint socket for the (localId,
// remoteId, documentId) triple, to be handed to a new connection.Connection.
func (c *signalClient) DialPeerSocket(ctx context.Context, url, remoteId, documentId string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, connectURL(url, c.localId, remoteId, documentId), nil)
	if err != nil {
		return nil, fmt.Errorf("storemanager: dial peer socket %s<->%s on %s: %w", c.localId, remoteId, documentId, err)
	}
	return conn, nil
}

func introductionURL(base, localId string) string {
	return wsURL(base) + "/introduction/" + localId
}

func connectURL(base, localId, remoteId, documentId string) string {
	return wsURL(base) + "/connection/" + localId + "/" + remoteId + "/" + documentId
}

func wsURL(base string) string {
	if strings.HasPrefix(base, "http://") {
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	if strings.HasPrefix(base, "https://") {
		return "wss://" + strings.TrimPrefix(base, "https://")
	}
	return base
}
