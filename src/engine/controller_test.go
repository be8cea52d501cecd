package engine

import (
	"context"
	"testing"

	"github.com/rvr-protocol/streamsync/src/crypto"
	"github.com/rvr-protocol/streamsync/src/utils/streams"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

func TestControllerTestSuite(t *testing.T) {
	suite.Run(t, new(ControllerTestSuite))
}

type ControllerTestSuite struct {
	suite.Suite
	ctx        context.Context
	cancel     context.CancelFunc
	controller *Controller
}

type noopSharer struct{}

func (noopSharer) ShareSessionKey(ctx context.Context, streamId streams.StreamId, sessionId, sessionKey string, members []string) error {
	return nil
}

func (s *ControllerTestSuite) SetupTest() {
	s.ctx, s.cancel = context.WithCancel(context.Background())

	var err error
	s.controller, err = NewController(testConfig(), "alice", noopSharer{})
	require.NoError(s.T(), err)
}

func (s *ControllerTestSuite) TearDownTest() {
	s.cancel()
}

// encryptedEvent wraps hybrid-encrypted data into a message event
func encryptedEvent(hash string, data *crypto.EncryptedData) *streams.ParsedEvent {
	return &streams.ParsedEvent{
		Hash: hash,
		Payload: &streams.MessagePayload{
			Algorithm:  data.Algorithm,
			SessionId:  data.SessionId,
			Ciphertext: data.Ciphertext,
			SenderKey:  data.SenderKey,
		},
		MiniblockNum: streams.MiniblockNumNone,
	}
}

func (s *ControllerTestSuite) TestDecryptEventCachesAndPersists() {
	hybrid := s.controller.HybridGroupEncryption()
	_, err := hybrid.EnsureSession(s.ctx, "stream-1", crypto.MiniblockRef{Num: 5, Hash: []byte("hash-5")})
	require.NoError(s.T(), err)

	data, err := hybrid.Encrypt(s.ctx, "stream-1", []byte("hello"))
	require.NoError(s.T(), err)

	stream := NewSyncedStream("stream-1", s.controller.store)
	event := encryptedEvent("e1", data)

	cleartext, err := s.controller.DecryptEvent(s.ctx, stream, event)
	require.NoError(s.T(), err)
	require.Equal(s.T(), []byte("hello"), cleartext)

	// Cached on the view and persisted for future restores
	cached, ok := stream.View().Cleartext("e1")
	require.True(s.T(), ok)
	require.Equal(s.T(), []byte("hello"), cached)

	persisted, ok, err := s.controller.store.GetCleartext(s.ctx, "e1")
	require.NoError(s.T(), err)
	require.True(s.T(), ok)
	require.Equal(s.T(), []byte("hello"), persisted)
}

func (s *ControllerTestSuite) TestDecryptEventRejectsUnknownAlgorithm() {
	stream := NewSyncedStream("stream-1", s.controller.store)
	event := encryptedEvent("e1", &crypto.EncryptedData{
		Algorithm:  "unknown.algorithm",
		Ciphertext: []byte("x"),
	})

	_, err := s.controller.DecryptEvent(s.ctx, stream, event)
	require.ErrorContains(s.T(), err, "unknown encryption algorithm")
}

func (s *ControllerTestSuite) TestDecryptEventRejectsPlainPayloads() {
	stream := NewSyncedStream("stream-1", s.controller.store)

	_, err := s.controller.DecryptEvent(s.ctx, stream, &streams.ParsedEvent{
		Hash:         "m1",
		Payload:      &streams.MembershipPayload{UserId: "alice", Op: streams.MembershipJoin},
		MiniblockNum: streams.MiniblockNumNone,
	})
	require.ErrorContains(s.T(), err, "no encrypted payload")
}
