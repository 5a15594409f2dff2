package connection

import "fmt"

// TransportError wraps a failure reading from or writing to a peer socket
// (spec.md §7): expected whenever a peer disconnects or the network drops.
// The owning StoreManager closes the Connection and emits PEER_REMOVE; it
// may re-adopt the peer on reintroduction.
type TransportError struct {
	PeerID string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("connection: transport error with peer %s: %v", e.PeerID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
