package crypto

import "errors"

var (
	// ErrNotFound signals missing session material, callers create it
	ErrNotFound = errors.New("crypto: not found")

	// ErrSessionIdMismatch is a hard integrity fault: a received session id
	// does not match the recomputation from its binding
	ErrSessionIdMismatch = errors.New("crypto: session id does not match its binding")
)
