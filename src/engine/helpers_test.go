package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/rvr-protocol/streamsync/src/utils/config"
	"github.com/rvr-protocol/streamsync/src/utils/model"
	"github.com/rvr-protocol/streamsync/src/utils/rpc"
	"github.com/rvr-protocol/streamsync/src/utils/store"
	"github.com/rvr-protocol/streamsync/src/utils/streams"

	"gorm.io/gorm"
)

// Test fixtures shared by the engine test suites.

func testConfig() *config.Config {
	conf := config.Default()
	conf.Database.Path = ":memory:"
	return conf
}

func testStore(ctx context.Context, conf *config.Config) (*store.RecordStore, *gorm.DB, error) {
	db, err := model.NewConnection(ctx, conf, "engine-test")
	if err != nil {
		return nil, nil, err
	}
	return store.NewRecordStore(conf, db), db, nil
}

func messageEnvelope(hash string) *streams.Envelope {
	payload, err := json.Marshal(&streams.MessagePayload{
		Algorithm:  "rvr.group-encryption.v1",
		SessionId:  "session",
		Ciphertext: []byte("ciphertext"),
	})
	if err != nil {
		panic(err)
	}
	return &streams.Envelope{
		Hash:      hash,
		CreatorId: "alice",
		Kind:      streams.KindMessage,
		Payload:   payload,
	}
}

func membershipEnvelope(hash, userId string, op streams.MembershipOp) *streams.Envelope {
	payload, err := json.Marshal(&streams.MembershipPayload{UserId: userId, Op: op})
	if err != nil {
		panic(err)
	}
	return &streams.Envelope{
		Hash:      hash,
		CreatorId: userId,
		Kind:      streams.KindMembership,
		Payload:   payload,
	}
}

func headerEnvelope(hash string, num int64, eventHashes []string, snapshot *streams.Snapshot) *streams.Envelope {
	payload, err := json.Marshal(&streams.MiniblockHeaderPayload{
		MiniblockNum:             num,
		MiniblockHash:            "miniblock-" + hash,
		PrevSnapshotMiniblockNum: 0,
		EventHashes:              eventHashes,
		Snapshot:                 snapshot,
	})
	if err != nil {
		panic(err)
	}
	return &streams.Envelope{
		Hash:      hash,
		CreatorId: "node",
		Kind:      streams.KindMiniblockHeader,
		Payload:   payload,
	}
}

func testSnapshot(members ...string) *streams.Snapshot {
	snapshot := &streams.Snapshot{Kind: streams.StreamKindChannel}
	for _, userId := range members {
		snapshot.Members = append(snapshot.Members, streams.Member{
			UserId:    userId,
			EventHash: "membership-" + userId,
		})
	}
	return snapshot
}

// testMiniblock builds a wire miniblock sealing the given events
func testMiniblock(num int64, snapshot *streams.Snapshot, events ...*streams.Envelope) *streams.Miniblock {
	hashes := make([]string, 0, len(events))
	for _, event := range events {
		hashes = append(hashes, event.Hash)
	}
	return &streams.Miniblock{
		Header: headerEnvelope("header-"+formatNum(num), num, hashes, snapshot),
		Events: events,
	}
}

func formatNum(num int64) string {
	return string(rune('0' + num%10))
}

func testCookie(streamId streams.StreamId, token string) *streams.SyncCookie {
	return &streams.SyncCookie{StreamId: streamId, Token: token}
}

// Fake node client -----------------------------------------------------------

// fakeSyncStream is driven by the test through its message channel
type fakeSyncStream struct {
	messages  chan *rpc.SyncResponse
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeSyncStream() *fakeSyncStream {
	return &fakeSyncStream{
		messages: make(chan *rpc.SyncResponse, 64),
		closed:   make(chan struct{}),
	}
}

func (self *fakeSyncStream) Recv(ctx context.Context) (*rpc.SyncResponse, error) {
	select {
	case response := <-self.messages:
		return response, nil
	case <-self.closed:
		return nil, errors.New("stream closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (self *fakeSyncStream) Close() error {
	self.closeOnce.Do(func() { close(self.closed) })
	return nil
}

func (self *fakeSyncStream) emit(response *rpc.SyncResponse) {
	self.messages <- response
}

// fakeClient hands out one fakeSyncStream per SyncStreams call and records
// the side calls it receives
type fakeClient struct {
	mtx sync.Mutex

	streams  []*fakeSyncStream
	opened   chan *fakeSyncStream
	canceled []string
	added    []*streams.SyncCookie
	removed  []streams.StreamId

	// When set, CancelSync blocks until the context expires
	hangOnCancel bool
	syncErr      error
	addErr       error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		opened: make(chan *fakeSyncStream, 16),
	}
}

func (self *fakeClient) SyncStreams(ctx context.Context, positions []*streams.SyncCookie) (rpc.SyncStream, error) {
	self.mtx.Lock()
	defer self.mtx.Unlock()
	if self.syncErr != nil {
		return nil, self.syncErr
	}
	stream := newFakeSyncStream()
	self.streams = append(self.streams, stream)
	self.opened <- stream
	return stream, nil
}

func (self *fakeClient) CancelSync(ctx context.Context, syncId string) error {
	if self.hangOnCancel {
		<-ctx.Done()
		return ctx.Err()
	}
	self.mtx.Lock()
	self.canceled = append(self.canceled, syncId)
	stream := self.streams[len(self.streams)-1]
	self.mtx.Unlock()

	// The server acknowledges the cancellation in-band
	stream.emit(&rpc.SyncResponse{SyncId: syncId, Op: rpc.SyncOpClose})
	return nil
}

func (self *fakeClient) AddStreamToSync(ctx context.Context, syncId string, position *streams.SyncCookie) error {
	self.mtx.Lock()
	defer self.mtx.Unlock()
	if self.addErr != nil {
		return self.addErr
	}
	self.added = append(self.added, position)
	return nil
}

func (self *fakeClient) RemoveStreamFromSync(ctx context.Context, syncId string, streamId streams.StreamId) error {
	self.mtx.Lock()
	defer self.mtx.Unlock()
	self.removed = append(self.removed, streamId)
	return nil
}
