package streams

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

func TestStreamViewTestSuite(t *testing.T) {
	suite.Run(t, new(StreamViewTestSuite))
}

type StreamViewTestSuite struct {
	suite.Suite
}

func message(hash string) *ParsedEvent {
	return &ParsedEvent{
		Hash:         hash,
		Payload:      &MessagePayload{Algorithm: "test.algorithm", Ciphertext: []byte(hash)},
		MiniblockNum: MiniblockNumNone,
	}
}

func membership(hash, userId string, op MembershipOp) *ParsedEvent {
	return &ParsedEvent{
		Hash:         hash,
		Payload:      &MembershipPayload{UserId: userId, Op: op},
		MiniblockNum: MiniblockNumNone,
	}
}

func header(num int64, snapshot *Snapshot, events ...*ParsedEvent) *ParsedEvent {
	hashes := make([]string, 0, len(events))
	for _, event := range events {
		hashes = append(hashes, event.Hash)
	}
	return &ParsedEvent{
		Hash: "header-" + string(rune('0'+num%10)),
		Payload: &MiniblockHeaderPayload{
			MiniblockNum:  num,
			MiniblockHash: "miniblock-" + string(rune('0'+num%10)),
			EventHashes:   hashes,
			Snapshot:      snapshot,
		},
		MiniblockNum: MiniblockNumNone,
	}
}

func miniblock(num int64, snapshot *Snapshot, events ...*ParsedEvent) *ParsedMiniblock {
	headerEvent := header(num, snapshot, events...)
	confirmed := make([]*ParsedEvent, len(events))
	for i, event := range events {
		copied := *event
		copied.MiniblockNum = num
		confirmed[i] = &copied
	}
	headerEvent.MiniblockNum = num
	return &ParsedMiniblock{
		Header:      headerEvent.Payload.(*MiniblockHeaderPayload),
		HeaderEvent: headerEvent,
		Events:      confirmed,
	}
}

func channelSnapshot(members ...string) *Snapshot {
	snapshot := &Snapshot{Kind: StreamKindChannel}
	for _, userId := range members {
		snapshot.Members = append(snapshot.Members, Member{UserId: userId, EventHash: "membership-" + userId})
	}
	return snapshot
}

func (s *StreamViewTestSuite) timelineHashes(view *StreamView) (hashes []string) {
	for _, event := range view.Timeline() {
		hashes = append(hashes, event.Hash)
	}
	return
}

func (s *StreamViewTestSuite) TestRehydrateRequiresMiniblocks() {
	view := NewStreamView("stream-1")
	err := view.Rehydrate(channelSnapshot(), nil, nil, nil, nil)
	require.ErrorContains(s.T(), err, "without miniblocks")
}

func (s *StreamViewTestSuite) TestRehydrateBuildsTimelineAndMembers() {
	view := NewStreamView("stream-1")
	cookie := &SyncCookie{StreamId: "stream-1", Token: "t1"}

	err := view.Rehydrate(
		channelSnapshot("alice", "bob"),
		[]*ParsedMiniblock{
			miniblock(5, channelSnapshot("alice", "bob"), message("e1")),
			miniblock(6, nil, message("e2"), membership("e3", "carol", MembershipJoin)),
		},
		[]*ParsedEvent{message("m1")},
		cookie,
		map[string][]byte{"e1": []byte("hello")},
	)
	require.NoError(s.T(), err)

	require.Equal(s.T(), []string{"e1", "header-5", "e2", "e3", "header-6", "m1"}, s.timelineHashes(view))
	require.EqualValues(s.T(), 6, view.LastMiniblockNum())
	require.EqualValues(s.T(), 5, view.LastSnapshotMiniblockNum())
	require.Equal(s.T(), cookie, view.SyncCookie())

	require.True(s.T(), view.IsMember("alice"))
	require.True(s.T(), view.IsMember("carol"))
	require.False(s.T(), view.IsMember("dave"))

	cleartext, ok := view.Cleartext("e1")
	require.True(s.T(), ok)
	require.Equal(s.T(), []byte("hello"), cleartext)

	// Only the minipool remains unconfirmed
	minipool := view.MinipoolEvents()
	require.Len(s.T(), minipool, 1)
	require.Equal(s.T(), "m1", minipool[0].Hash)
}

func (s *StreamViewTestSuite) TestRehydrateReplacesPreviousState() {
	view := NewStreamView("stream-1")
	err := view.Rehydrate(channelSnapshot("alice"),
		[]*ParsedMiniblock{miniblock(2, channelSnapshot("alice"), message("old"))},
		nil, &SyncCookie{Token: "t1"}, nil)
	require.NoError(s.T(), err)

	err = view.Rehydrate(channelSnapshot("bob"),
		[]*ParsedMiniblock{miniblock(8, channelSnapshot("bob"), message("new"))},
		nil, &SyncCookie{Token: "t2"}, nil)
	require.NoError(s.T(), err)

	require.Equal(s.T(), []string{"new", "header-8"}, s.timelineHashes(view))
	require.False(s.T(), view.IsMember("alice"))
	require.True(s.T(), view.IsMember("bob"))
	_, ok := view.Event("old")
	require.False(s.T(), ok)
}

func (s *StreamViewTestSuite) TestAppendEventDeduplicatesByHash() {
	view := NewStreamView("stream-1")
	require.NoError(s.T(), view.Rehydrate(channelSnapshot(),
		[]*ParsedMiniblock{miniblock(1, channelSnapshot())}, nil, nil, nil))

	view.AppendEvent(message("e1"))
	view.AppendEvent(message("e1"))
	require.Equal(s.T(), []string{"header-1", "e1"}, s.timelineHashes(view))
}

func (s *StreamViewTestSuite) TestMembershipEventsDriveTheRoster() {
	view := NewStreamView("stream-1")
	require.NoError(s.T(), view.Rehydrate(channelSnapshot("alice"),
		[]*ParsedMiniblock{miniblock(1, channelSnapshot("alice"))}, nil, nil, nil))

	view.AppendEvent(membership("j1", "bob", MembershipJoin))
	require.True(s.T(), view.IsMember("bob"))

	view.AppendEvent(membership("i1", "carol", MembershipInvite))
	require.False(s.T(), view.IsMember("carol"))

	view.AppendEvent(membership("l1", "alice", MembershipLeave))
	require.False(s.T(), view.IsMember("alice"))

	members := view.Members()
	require.Len(s.T(), members, 1)
	require.Equal(s.T(), "bob", members[0])
}

func (s *StreamViewTestSuite) TestSealMiniblockConfirmsReferencedEvents() {
	view := NewStreamView("stream-1")
	require.NoError(s.T(), view.Rehydrate(channelSnapshot("alice"),
		[]*ParsedMiniblock{miniblock(2, channelSnapshot("alice"))}, nil, nil, nil))

	e1 := message("e1")
	e2 := message("e2")
	view.AppendEvent(e1)
	view.AppendEvent(e2)
	require.Len(s.T(), view.MinipoolEvents(), 2)

	sealed, err := view.SealMiniblock(header(3, nil, e1, e2))
	require.NoError(s.T(), err)
	require.Len(s.T(), sealed.Events, 2)

	require.True(s.T(), e1.IsConfirmed())
	require.EqualValues(s.T(), 3, e1.MiniblockNum)
	require.EqualValues(s.T(), 3, view.LastMiniblockNum())
	require.Empty(s.T(), view.MinipoolEvents())

	// The header itself joins the confirmed timeline
	require.Equal(s.T(), []string{"header-2", "e1", "e2"}, s.timelineHashes(view)[:3])
}

func (s *StreamViewTestSuite) TestSealMiniblockWithSnapshotAdvancesSnapshot() {
	view := NewStreamView("stream-1")
	require.NoError(s.T(), view.Rehydrate(channelSnapshot("alice"),
		[]*ParsedMiniblock{miniblock(2, channelSnapshot("alice"))}, nil, nil, nil))
	require.EqualValues(s.T(), 2, view.LastSnapshotMiniblockNum())

	fresh := channelSnapshot("alice", "bob")
	_, err := view.SealMiniblock(header(3, fresh))
	require.NoError(s.T(), err)

	require.EqualValues(s.T(), 3, view.LastSnapshotMiniblockNum())
	require.Equal(s.T(), fresh, view.Snapshot())
}

func (s *StreamViewTestSuite) TestSealMiniblockRejectsUnknownEvents() {
	view := NewStreamView("stream-1")
	require.NoError(s.T(), view.Rehydrate(channelSnapshot(),
		[]*ParsedMiniblock{miniblock(2, channelSnapshot())}, nil, nil, nil))

	_, err := view.SealMiniblock(header(3, nil, message("never-seen")))
	require.ErrorContains(s.T(), err, "references unknown event")
	require.EqualValues(s.T(), 2, view.LastMiniblockNum())
}

func (s *StreamViewTestSuite) TestSealMiniblockRejectsNonHeaderEvent() {
	view := NewStreamView("stream-1")
	require.NoError(s.T(), view.Rehydrate(channelSnapshot(),
		[]*ParsedMiniblock{miniblock(2, channelSnapshot())}, nil, nil, nil))

	_, err := view.SealMiniblock(message("e1"))
	require.ErrorContains(s.T(), err, "not a miniblock header")
}

func (s *StreamViewTestSuite) TestSetSyncCookieIgnoresNil() {
	view := NewStreamView("stream-1")
	cookie := &SyncCookie{StreamId: "stream-1", Token: "t1"}
	view.SetSyncCookie(cookie)
	view.SetSyncCookie(nil)
	require.Equal(s.T(), cookie, view.SyncCookie())
}

func (s *StreamViewTestSuite) TestDefaultSnapshotFieldsPerStreamKind() {
	snapshot := &Snapshot{
		Kind: StreamKindChannel,
		Usernames: map[string]*EncryptedField{
			"alice": {EventHash: "u1"},
			"bob":   {EventHash: ""},
		},
		DisplayNames: map[string]*EncryptedField{
			"alice": {EventHash: "d1"},
		},
		ChannelProperties: &EncryptedField{EventHash: "c1"},
	}

	hashes := DefaultSnapshotFields(snapshot)
	require.ElementsMatch(s.T(), []string{"u1", "d1", "c1"}, hashes)

	// Non-channel streams don't expose channel properties
	snapshot.Kind = StreamKindGroupDM
	hashes = DefaultSnapshotFields(snapshot)
	require.ElementsMatch(s.T(), []string{"u1", "d1"}, hashes)

	require.Nil(s.T(), DefaultSnapshotFields(nil))
}

func (s *StreamViewTestSuite) TestEnvelopeRoundTrip() {
	parsed := membership("e1", "alice", MembershipJoin)
	parsed.CreatorId = "alice"

	envelope, err := parsed.Envelope()
	require.NoError(s.T(), err)
	require.Equal(s.T(), KindMembership, envelope.Kind)

	back, err := envelope.Parse()
	require.NoError(s.T(), err)
	require.Equal(s.T(), parsed.Hash, back.Hash)
	require.Equal(s.T(), parsed.Payload, back.Payload)
	require.False(s.T(), back.IsConfirmed())
}

func (s *StreamViewTestSuite) TestEnvelopeParseFailures() {
	_, err := (&Envelope{Kind: KindMessage, Payload: []byte("{}")}).Parse()
	require.ErrorContains(s.T(), err, "without hash")

	_, err = (&Envelope{Hash: "e1", Kind: "unknown", Payload: []byte("{}")}).Parse()
	require.Error(s.T(), err)
}
