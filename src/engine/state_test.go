package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

func TestStateTestSuite(t *testing.T) {
	suite.Run(t, new(StateTestSuite))
}

type StateTestSuite struct {
	suite.Suite
}

func (s *StateTestSuite) TestTransitionTable() {
	states := []SyncState{
		SyncStateNotSyncing,
		SyncStateStarting,
		SyncStateSyncing,
		SyncStateRetrying,
		SyncStateCanceling,
	}

	legal := map[SyncState]map[SyncState]bool{
		SyncStateNotSyncing: {SyncStateStarting: true},
		SyncStateStarting:   {SyncStateSyncing: true, SyncStateRetrying: true, SyncStateCanceling: true},
		SyncStateSyncing:    {SyncStateCanceling: true, SyncStateRetrying: true},
		SyncStateRetrying:   {SyncStateStarting: true, SyncStateSyncing: true, SyncStateCanceling: true, SyncStateRetrying: true},
		SyncStateCanceling:  {SyncStateNotSyncing: true},
	}

	for _, from := range states {
		for _, to := range states {
			require.Equal(s.T(), legal[from][to], canTransition(from, to),
				"transition %s -> %s", from, to)
		}
	}
}

func (s *StateTestSuite) TestIllegalTransitionLeavesStateUnchanged() {
	session := NewSyncSession(testConfig()).
		WithNotifier(NewNotifier(16))

	err := session.transition(SyncStateSyncing)
	var fault *StateTransitionError
	require.ErrorAs(s.T(), err, &fault)
	require.Equal(s.T(), SyncStateNotSyncing, fault.From)
	require.Equal(s.T(), SyncStateSyncing, fault.To)
	require.Equal(s.T(), SyncStateNotSyncing, session.State())
}

func (s *StateTestSuite) TestLegalTransitionSequence() {
	session := NewSyncSession(testConfig()).
		WithNotifier(NewNotifier(16))

	for _, to := range []SyncState{
		SyncStateStarting,
		SyncStateSyncing,
		SyncStateRetrying,
		SyncStateCanceling,
		SyncStateNotSyncing,
	} {
		require.NoError(s.T(), session.transition(to))
		require.Equal(s.T(), to, session.State())
	}
}
