package ledger

import (
	"encoding/hex"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
)

const accountIDDomain = "connector-account-v1:"

// DeriveAccountID computes a deterministic 128-bit account identifier for
// a (nodeID, peerID, tokenID, accountKind) tuple. Two connectors that
// agree on these four inputs always agree on the account id, without any
// coordination — this lets a restarted node rediscover its own account
// layout from peer and token configuration alone.
func DeriveAccountID(nodeID, peerID, tokenID string, kind AccountKind) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(accountIDDomain))
	h.Write([]byte(nodeID))
	h.Write([]byte{0})
	h.Write([]byte(peerID))
	h.Write([]byte{0})
	h.Write([]byte(tokenID))
	h.Write([]byte{0})
	h.Write([]byte(kind))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16]) // truncate to 128 bits
}

// NewTransferID generates a random (version 4 UUID) transfer identifier.
func NewTransferID() string {
	return uuid.New().String()
}
