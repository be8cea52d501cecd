package crypto

// Delegate is the boundary to the cryptographic primitive library.
// The engine treats accounts and sessions as opaque handles, only the
// delegate knows their internals.
type Delegate interface {
	CreateAccount() (Account, error)
	UnpickleAccount(pickled, pickleKey []byte) (Account, error)

	CreateOutboundSession() (OutboundSession, error)
	UnpickleOutboundSession(pickled, pickleKey []byte) (OutboundSession, error)

	// CreateInboundSession derives the read-side counterpart from an
	// exported session key
	CreateInboundSession(sessionKey string) (InboundSession, error)
	UnpickleInboundSession(pickled, pickleKey []byte) (InboundSession, error)

	// Symmetric AEAD used by hybrid sessions
	AEADSeal(key, plaintext, aad []byte) ([]byte, error)
	AEADOpen(key, ciphertext, aad []byte) ([]byte, error)

	GenerateSymmetricKey() ([]byte, error)
}

// Account is the long-lived local cryptographic identity
type Account interface {
	// Curve25519 device key, also used as the sender key of outgoing payloads
	Curve25519Key() string

	// Ed25519 signing key
	Ed25519Key() string

	FallbackKey() string
	GenerateFallbackKey() error

	Sign(message []byte) ([]byte, error)

	Pickle(pickleKey []byte) ([]byte, error)
}

// OutboundSession is the write side of a group session. The chain index
// increases with every encryption and never goes back.
type OutboundSession interface {
	Id() string
	MessageIndex() uint32

	// SessionKey exports the session at its current index, shared with other
	// participants so they can construct the inbound counterpart
	SessionKey() (string, error)

	Encrypt(plaintext []byte) ([]byte, error)

	Pickle(pickleKey []byte) ([]byte, error)
}

// InboundSession is the read side of a group session
type InboundSession interface {
	Id() string

	// FirstKnownIndex is the earliest chain index this session can decrypt from
	FirstKnownIndex() uint32

	// Export serializes the session at the given index. Fails when the index
	// precedes FirstKnownIndex.
	Export(index uint32) (string, error)

	Decrypt(ciphertext []byte) (plaintext []byte, index uint32, err error)

	Pickle(pickleKey []byte) ([]byte, error)
}
