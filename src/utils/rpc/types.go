package rpc

import (
	"context"

	"github.com/rvr-protocol/streamsync/src/utils/streams"
)

// SyncOp tags every message received on the multiplexed subscription
type SyncOp string

const (
	SyncOpNew    SyncOp = "SYNC_NEW"
	SyncOpClose  SyncOp = "SYNC_CLOSE"
	SyncOpUpdate SyncOp = "SYNC_UPDATE"
)

// StreamAndCookie carries one stream's delta plus the cookie to resume after it
type StreamAndCookie struct {
	StreamId       streams.StreamId     `json:"streamId"`
	Events         []*streams.Envelope  `json:"events"`
	NextSyncCookie *streams.SyncCookie  `json:"nextSyncCookie"`
	Miniblocks     []*streams.Miniblock `json:"miniblocks,omitempty"`
}

// SyncResponse is a single tagged message of the subscription sequence
type SyncResponse struct {
	SyncId string           `json:"syncId"`
	Op     SyncOp           `json:"syncOp"`
	Stream *StreamAndCookie `json:"stream,omitempty"`
}

// SyncStream is the server-streamed sequence of subscription messages
type SyncStream interface {
	// Recv blocks until the next message or an error. Returns an error on
	// any transport failure, there is no in-band retry.
	Recv(ctx context.Context) (*SyncResponse, error)
	Close() error
}

// Client talks to the remote stream node
type Client interface {
	// SyncStreams opens one multiplexed subscription carrying all the given
	// per-stream sync positions
	SyncStreams(ctx context.Context, positions []*streams.SyncCookie) (SyncStream, error)

	// CancelSync asks the server to close the subscription, acknowledged
	// with a SYNC_CLOSE message on the stream
	CancelSync(ctx context.Context, syncId string) error

	// AddStreamToSync extends a live subscription with one more stream
	AddStreamToSync(ctx context.Context, syncId string, position *streams.SyncCookie) error

	// RemoveStreamFromSync drops one stream from a live subscription
	RemoveStreamFromSync(ctx context.Context, syncId string, streamId streams.StreamId) error
}
