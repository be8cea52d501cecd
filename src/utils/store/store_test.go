package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rvr-protocol/streamsync/src/utils/config"
	"github.com/rvr-protocol/streamsync/src/utils/model"
	"github.com/rvr-protocol/streamsync/src/utils/streams"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

func TestRecordStoreTestSuite(t *testing.T) {
	suite.Run(t, new(RecordStoreTestSuite))
}

type RecordStoreTestSuite struct {
	suite.Suite
	ctx    context.Context
	cancel context.CancelFunc
	store  *RecordStore
}

func (s *RecordStoreTestSuite) SetupTest() {
	s.ctx, s.cancel = context.WithCancel(context.Background())

	conf := config.Default()
	conf.Database.Path = ":memory:"

	db, err := model.NewConnection(s.ctx, conf, "store-test")
	require.NoError(s.T(), err)
	s.store = NewRecordStore(conf, db)
}

func (s *RecordStoreTestSuite) TearDownTest() {
	s.cancel()
}

func (s *RecordStoreTestSuite) miniblock(streamId streams.StreamId, num int64) *streams.Miniblock {
	payload, err := json.Marshal(&streams.MiniblockHeaderPayload{
		MiniblockNum: num,
		EventHashes:  []string{},
	})
	require.NoError(s.T(), err)
	return &streams.Miniblock{
		Header: &streams.Envelope{
			Hash:    "header-" + string(streamId) + "-" + string(rune('0'+num)),
			Kind:    streams.KindMiniblockHeader,
			Payload: payload,
		},
	}
}

func (s *RecordStoreTestSuite) TestCleartextRoundTrip() {
	err := s.store.SaveCleartext(s.ctx, "e1", []byte("hello"))
	require.NoError(s.T(), err)

	cleartext, ok, err := s.store.GetCleartext(s.ctx, "e1")
	require.NoError(s.T(), err)
	require.True(s.T(), ok)
	require.Equal(s.T(), []byte("hello"), cleartext)

	_, ok, err = s.store.GetCleartext(s.ctx, "missing")
	require.NoError(s.T(), err)
	require.False(s.T(), ok)
}

func (s *RecordStoreTestSuite) TestCleartextWrittenOnce() {
	require.NoError(s.T(), s.store.SaveCleartext(s.ctx, "e1", []byte("first")))
	require.NoError(s.T(), s.store.SaveCleartext(s.ctx, "e1", []byte("second")))

	cleartext, ok, err := s.store.GetCleartext(s.ctx, "e1")
	require.NoError(s.T(), err)
	require.True(s.T(), ok)
	require.Equal(s.T(), []byte("first"), cleartext)
}

func (s *RecordStoreTestSuite) TestBulkCleartexts() {
	require.NoError(s.T(), s.store.SaveCleartext(s.ctx, "e1", []byte("one")))
	require.NoError(s.T(), s.store.SaveCleartext(s.ctx, "e2", []byte("two")))

	cleartexts, err := s.store.GetCleartexts(s.ctx, []string{"e1", "e2", "e3"})
	require.NoError(s.T(), err)
	require.Len(s.T(), cleartexts, 2)
	require.Equal(s.T(), []byte("one"), cleartexts["e1"])
	require.Equal(s.T(), []byte("two"), cleartexts["e2"])
}

func (s *RecordStoreTestSuite) TestCheckpointReplacedWholesale() {
	first := &Checkpoint{
		SyncCookie:               &streams.SyncCookie{StreamId: "stream-1", Token: "cookie1"},
		LastSnapshotMiniblockNum: 5,
		LastMiniblockNum:         10,
		MinipoolEvents:           []*streams.Envelope{{Hash: "e1", Kind: streams.KindMessage, Payload: []byte(`{}`)}},
	}
	require.NoError(s.T(), s.store.SaveCheckpoint(s.ctx, "stream-1", first))

	second := &Checkpoint{
		SyncCookie:               &streams.SyncCookie{StreamId: "stream-1", Token: "cookie2"},
		LastSnapshotMiniblockNum: 8,
		LastMiniblockNum:         15,
		MinipoolEvents: []*streams.Envelope{
			{Hash: "e2", Kind: streams.KindMessage, Payload: []byte(`{}`)},
			{Hash: "e3", Kind: streams.KindMessage, Payload: []byte(`{}`)},
		},
	}
	require.NoError(s.T(), s.store.SaveCheckpoint(s.ctx, "stream-1", second))

	stored, ok, err := s.store.GetCheckpoint(s.ctx, "stream-1")
	require.NoError(s.T(), err)
	require.True(s.T(), ok)
	require.Equal(s.T(), "cookie2", stored.SyncCookie.Token)
	require.EqualValues(s.T(), 8, stored.LastSnapshotMiniblockNum)
	require.EqualValues(s.T(), 15, stored.LastMiniblockNum)
	require.Len(s.T(), stored.MinipoolEvents, 2)
	require.Equal(s.T(), "e2", stored.MinipoolEvents[0].Hash)
}

func (s *RecordStoreTestSuite) TestMiniblockRangeAllOrNothing() {
	for _, num := range []int64{5, 6, 8, 9, 10} {
		require.NoError(s.T(), s.store.SaveMiniblock(s.ctx, "stream-1", s.miniblock("stream-1", num)))
	}

	// Miniblock 7 is missing, the whole range is unavailable
	_, ok, err := s.store.GetMiniblockRange(s.ctx, "stream-1", 5, 10)
	require.NoError(s.T(), err)
	require.False(s.T(), ok)

	miniblocks, ok, err := s.store.GetMiniblockRange(s.ctx, "stream-1", 8, 10)
	require.NoError(s.T(), err)
	require.True(s.T(), ok)
	require.Len(s.T(), miniblocks, 3)
}

func (s *RecordStoreTestSuite) TestMiniblocksAreDisjointPerStream() {
	require.NoError(s.T(), s.store.SaveMiniblock(s.ctx, "stream-1", s.miniblock("stream-1", 1)))
	require.NoError(s.T(), s.store.SaveMiniblock(s.ctx, "stream-2", s.miniblock("stream-2", 1)))

	miniblocks, ok, err := s.store.GetMiniblockRange(s.ctx, "stream-1", 1, 1)
	require.NoError(s.T(), err)
	require.True(s.T(), ok)
	require.Len(s.T(), miniblocks, 1)
}

func (s *RecordStoreTestSuite) TestCorruptCheckpointIsACacheMiss() {
	err := s.store.db.Create(&model.SyncedStream{StreamId: "stream-1", Data: []byte("not json")}).Error
	require.NoError(s.T(), err)

	_, ok, err := s.store.GetCheckpoint(s.ctx, "stream-1")
	require.NoError(s.T(), err)
	require.False(s.T(), ok)
}
