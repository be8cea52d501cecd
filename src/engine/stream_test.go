package engine

import (
	"context"
	"testing"

	"github.com/rvr-protocol/streamsync/src/utils/store"
	"github.com/rvr-protocol/streamsync/src/utils/streams"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

func TestStreamTestSuite(t *testing.T) {
	suite.Run(t, new(StreamTestSuite))
}

type StreamTestSuite struct {
	suite.Suite
	ctx    context.Context
	cancel context.CancelFunc
	store  *store.RecordStore
}

func (s *StreamTestSuite) SetupTest() {
	s.ctx, s.cancel = context.WithCancel(context.Background())

	var err error
	s.store, _, err = testStore(s.ctx, testConfig())
	require.NoError(s.T(), err)
}

func (s *StreamTestSuite) TearDownTest() {
	s.cancel()
}

func (s *StreamTestSuite) TestInitializeFromPersistenceMissingCheckpoint() {
	stream := NewSyncedStream("stream-1", s.store)

	ok, err := stream.InitializeFromPersistence(s.ctx)
	require.NoError(s.T(), err)
	require.False(s.T(), ok)
}

func (s *StreamTestSuite) TestInitializeThenRestore() {
	stream := NewSyncedStream("stream-1", s.store)

	confirmed := messageEnvelope("e0")
	minipool := []*streams.Envelope{messageEnvelope("m1")}
	err := stream.Initialize(
		s.ctx,
		testCookie("stream-1", "K0"),
		minipool,
		[]*streams.Miniblock{testMiniblock(5, testSnapshot("alice", "bob"), confirmed)},
	)
	require.NoError(s.T(), err)
	require.True(s.T(), stream.View().IsMember("alice"))
	require.EqualValues(s.T(), 5, stream.View().LastMiniblockNum())

	// A fresh instance restores the same state from persistence alone
	restored := NewSyncedStream("stream-1", s.store)
	ok, err := restored.InitializeFromPersistence(s.ctx)
	require.NoError(s.T(), err)
	require.True(s.T(), ok)
	require.EqualValues(s.T(), 5, restored.View().LastMiniblockNum())
	require.EqualValues(s.T(), 5, restored.View().LastSnapshotMiniblockNum())
	require.Equal(s.T(), "K0", restored.View().SyncCookie().Token)
	require.True(s.T(), restored.View().IsMember("bob"))

	_, ok = restored.View().Event("m1")
	require.True(s.T(), ok)
	unconfirmed := restored.View().MinipoolEvents()
	require.Len(s.T(), unconfirmed, 1)
	require.Equal(s.T(), "m1", unconfirmed[0].Hash)
}

func (s *StreamTestSuite) TestInitializeReplacesCheckpointWholesale() {
	stream := NewSyncedStream("stream-1", s.store)

	err := stream.Initialize(
		s.ctx,
		testCookie("stream-1", "cookie1"),
		[]*streams.Envelope{messageEnvelope("e1")},
		[]*streams.Miniblock{
			testMiniblock(5, testSnapshot("alice")),
			testMiniblock(6, nil, messageEnvelope("c6")),
		},
	)
	require.NoError(s.T(), err)

	// A later authoritative response replaces every field of the checkpoint
	err = stream.Initialize(
		s.ctx,
		testCookie("stream-1", "cookie2"),
		[]*streams.Envelope{messageEnvelope("e2"), messageEnvelope("e3")},
		[]*streams.Miniblock{
			testMiniblock(8, testSnapshot("alice", "carol")),
			testMiniblock(9, nil, messageEnvelope("c9")),
		},
	)
	require.NoError(s.T(), err)

	checkpoint, ok, err := s.store.GetCheckpoint(s.ctx, "stream-1")
	require.NoError(s.T(), err)
	require.True(s.T(), ok)
	require.Equal(s.T(), "cookie2", checkpoint.SyncCookie.Token)
	require.EqualValues(s.T(), 8, checkpoint.LastSnapshotMiniblockNum)
	require.EqualValues(s.T(), 9, checkpoint.LastMiniblockNum)
	require.Len(s.T(), checkpoint.MinipoolEvents, 2)
	require.Equal(s.T(), "e2", checkpoint.MinipoolEvents[0].Hash)
	require.Equal(s.T(), "e3", checkpoint.MinipoolEvents[1].Hash)
}

func (s *StreamTestSuite) TestRestoreFallsBackOnIncompleteRange() {
	stream := NewSyncedStream("stream-1", s.store)

	err := stream.Initialize(
		s.ctx,
		testCookie("stream-1", "K0"),
		nil,
		[]*streams.Miniblock{
			testMiniblock(5, testSnapshot("alice")),
			testMiniblock(6, nil),
		},
	)
	require.NoError(s.T(), err)

	// Widen the checkpoint past what is persisted, the range read misses
	err = s.store.SaveCheckpoint(s.ctx, "stream-1", &store.Checkpoint{
		SyncCookie:               testCookie("stream-1", "K0"),
		LastSnapshotMiniblockNum: 5,
		LastMiniblockNum:         7,
	})
	require.NoError(s.T(), err)

	restored := NewSyncedStream("stream-1", s.store)
	ok, err := restored.InitializeFromPersistence(s.ctx)
	require.NoError(s.T(), err)
	require.False(s.T(), ok)
}

func (s *StreamTestSuite) TestRestoreFallsBackWithoutSnapshot() {
	stream := NewSyncedStream("stream-1", s.store)

	// The first persisted miniblock carries no snapshot
	err := stream.Initialize(
		s.ctx,
		testCookie("stream-1", "K0"),
		nil,
		[]*streams.Miniblock{testMiniblock(3, testSnapshot("alice"))},
	)
	require.NoError(s.T(), err)

	err = s.store.SaveMiniblock(s.ctx, "stream-1", testMiniblock(2, nil))
	require.NoError(s.T(), err)
	err = s.store.SaveCheckpoint(s.ctx, "stream-1", &store.Checkpoint{
		SyncCookie:               testCookie("stream-1", "K0"),
		LastSnapshotMiniblockNum: 2,
		LastMiniblockNum:         3,
	})
	require.NoError(s.T(), err)

	restored := NewSyncedStream("stream-1", s.store)
	ok, err := restored.InitializeFromPersistence(s.ctx)
	require.NoError(s.T(), err)
	require.False(s.T(), ok)
}

func (s *StreamTestSuite) TestAppendEventsSealsMiniblock() {
	stream := NewSyncedStream("stream-1", s.store)

	err := stream.Initialize(
		s.ctx,
		testCookie("stream-1", "K0"),
		nil,
		[]*streams.Miniblock{testMiniblock(2, testSnapshot("alice"))},
	)
	require.NoError(s.T(), err)

	err = stream.AppendEvents(s.ctx, []*streams.Envelope{
		messageEnvelope("h1"),
		membershipEnvelope("h2", "carol", streams.MembershipJoin),
	}, testCookie("stream-1", "K1"))
	require.NoError(s.T(), err)
	require.True(s.T(), stream.View().IsMember("carol"))
	require.Len(s.T(), stream.View().MinipoolEvents(), 2)

	err = stream.AppendEvents(s.ctx, []*streams.Envelope{
		headerEnvelope("header-3", 3, []string{"h1", "h2"}, nil),
	}, testCookie("stream-1", "K2"))
	require.NoError(s.T(), err)
	require.EqualValues(s.T(), 3, stream.View().LastMiniblockNum())
	require.Empty(s.T(), stream.View().MinipoolEvents())

	miniblocks, ok, err := s.store.GetMiniblockRange(s.ctx, "stream-1", 3, 3)
	require.NoError(s.T(), err)
	require.True(s.T(), ok)
	require.Len(s.T(), miniblocks[0].Events, 2)

	checkpoint, ok, err := s.store.GetCheckpoint(s.ctx, "stream-1")
	require.NoError(s.T(), err)
	require.True(s.T(), ok)
	require.EqualValues(s.T(), 3, checkpoint.LastMiniblockNum)
	require.Equal(s.T(), "K2", checkpoint.SyncCookie.Token)
}

func (s *StreamTestSuite) TestHeaderReferencingUnknownEventIsAFault() {
	stream := NewSyncedStream("stream-1", s.store)

	err := stream.Initialize(
		s.ctx,
		testCookie("stream-1", "K0"),
		nil,
		[]*streams.Miniblock{testMiniblock(2, testSnapshot("alice"))},
	)
	require.NoError(s.T(), err)

	err = stream.AppendEvents(s.ctx, []*streams.Envelope{
		headerEnvelope("header-3", 3, []string{"never-seen"}, nil),
	}, nil)
	require.ErrorContains(s.T(), err, "references unknown event")
}
