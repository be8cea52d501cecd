package rpc

import (
	"errors"
	"fmt"
)

// Code distinguishes remote error conditions
type Code string

const (
	CodeBadSyncCookie Code = "BAD_SYNC_COOKIE"
	CodeNotFound      Code = "NOT_FOUND"
	CodeUnavailable   Code = "UNAVAILABLE"
	CodeInternal      Code = "INTERNAL"
)

// Error is a remote error decoded from the node's response
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (self *Error) Error() string {
	return fmt.Sprintf("rpc: %s: %s", self.Code, self.Message)
}

// IsBadSyncCookie reports whether the error is the distinguished stale-cookie
// condition. Callers of AddStreamToSync must refresh the cookie and retry.
func IsBadSyncCookie(err error) bool {
	var rpcErr *Error
	return errors.As(err, &rpcErr) && rpcErr.Code == CodeBadSyncCookie
}
