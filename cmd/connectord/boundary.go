package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ilpconnector/connector/internal/pipeline"
)

// jsonDecoder is a placeholder wire codec. The spec deliberately leaves
// the packet binary encoding unspecified (the core treats packets as
// opaque byte buffers plus a typed header it already knows); this
// decoder exists only so connectord has something concrete to run
// against. A real deployment replaces it with whatever the peered
// network actually speaks (ILP OER-encoded Prepare packets, a STREAM
// framing, etc.).
type jsonDecoder struct{}

type wirePacket struct {
	Destination string `json:"destination"`
	TokenID     string `json:"token_id"`
	Amount      string `json:"amount"`
}

func (jsonDecoder) Decode(_ context.Context, packetBytes []byte) (*pipeline.DecodedPacket, error) {
	var wp wirePacket
	if err := json.Unmarshal(packetBytes, &wp); err != nil {
		return nil, fmt.Errorf("decode packet: %w", err)
	}
	amount, ok := new(big.Int).SetString(wp.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("decode packet: invalid amount %q", wp.Amount)
	}
	return &pipeline.DecodedPacket{Destination: wp.Destination, TokenID: wp.TokenID, Amount: amount}, nil
}

// loggingTransport is a placeholder PeerTransport: it logs the forward
// and returns success. The spec names PeerTransport as an external
// collaborator (bidirectional framed messages to/from each peer); the
// concrete wire transport (BTP over websocket, gRPC) lives outside this
// module and is supplied by the deployment.
type loggingTransport struct {
	logger *slog.Logger
}

func (t loggingTransport) Forward(_ context.Context, peerID string, packetBytes []byte) error {
	t.logger.Debug("transport: forward (placeholder)", "peer_id", peerID, "bytes", len(packetBytes))
	return nil
}

// loggingRail is a placeholder settlement.Rail: it reports every
// transfer as fully settled without touching any real payment rail.
// The spec explicitly does not fix a particular on-chain settlement
// protocol; a deployment supplies its own Rail (an XRPL client, an EVM
// contract call, an RTGS adapter).
type loggingRail struct {
	logger *slog.Logger
}

func (r loggingRail) Settle(_ context.Context, peerID, tokenID string, amount *big.Int) (*big.Int, error) {
	r.logger.Info("settlement: rail settle (placeholder)", "peer_id", peerID, "token_id", tokenID, "amount", amount.String())
	return amount, nil
}
