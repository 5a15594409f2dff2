package signal

import "fmt"

// PairingTimeoutError is logged (server-side) when a connect request's
// counterpart never arrives within the configured timeout (spec.md §4.6),
// and the lone socket is closed. The client observes this as its socket
// closing and handles it as a TransportError: its Connection is removed and
// is not re-dialed.
type PairingTimeoutError struct {
	LocalID, RemoteID, DocumentID string
}

func (e *PairingTimeoutError) Error() string {
	return fmt.Sprintf("signal: pairing timeout for %s<->%s on document %s", e.LocalID, e.RemoteID, e.DocumentID)
}
