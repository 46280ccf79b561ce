// Package transport defines the connector's boundary with the wire: how
// a decoded packet is forwarded to a peer. Concrete transports (BTP over
// websocket, gRPC, in-process for tests) live outside this module.
package transport

import "context"

// PeerTransport forwards an already-routed packet to a specific peer.
// Implementations own their own connection lifecycle; Forward must be
// safe for concurrent use across peers.
type PeerTransport interface {
	Forward(ctx context.Context, peerID string, packetBytes []byte) error
}
