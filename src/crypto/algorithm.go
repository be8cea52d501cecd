package crypto

import (
	"context"

	"github.com/rvr-protocol/streamsync/src/utils/streams"
)

// Encryption algorithm identifiers carried in event payloads
const (
	AlgorithmGroupEncryption       = "rvr.group-encryption.v1"
	AlgorithmHybridGroupEncryption = "rvr.hybrid-group-encryption.v1"
)

// EncryptedData is an encrypted payload together with everything needed to
// route it to the right session on the receiving side
type EncryptedData struct {
	Algorithm  string `json:"algorithm"`
	SessionId  string `json:"sessionId"`
	Ciphertext []byte `json:"ciphertext"`
	SenderKey  string `json:"senderKey,omitempty"`
}

// KeySharer delivers an exported session key to the other participants of a
// stream. The delivery policy lives outside this engine.
type KeySharer interface {
	ShareSessionKey(ctx context.Context, streamId streams.StreamId, sessionId, sessionKey string, members []string) error
}
