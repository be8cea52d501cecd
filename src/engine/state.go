package engine

import (
	"fmt"
)

// SyncState is the session-wide lifecycle state. Exactly one value at a time,
// no per-stream operation that talks to the network is valid outside Syncing.
type SyncState int32

const (
	SyncStateNotSyncing SyncState = iota
	SyncStateStarting
	SyncStateSyncing
	SyncStateRetrying
	SyncStateCanceling
)

func (self SyncState) String() string {
	switch self {
	case SyncStateNotSyncing:
		return "not-syncing"
	case SyncStateStarting:
		return "starting"
	case SyncStateSyncing:
		return "syncing"
	case SyncStateRetrying:
		return "retrying"
	case SyncStateCanceling:
		return "canceling"
	default:
		return fmt.Sprintf("unknown(%d)", int32(self))
	}
}

// Allowed transitions, everything else is a programming error
var allowedTransitions = map[SyncState][]SyncState{
	SyncStateNotSyncing: {SyncStateStarting},
	SyncStateStarting:   {SyncStateSyncing, SyncStateRetrying, SyncStateCanceling},
	SyncStateSyncing:    {SyncStateCanceling, SyncStateRetrying},
	SyncStateRetrying:   {SyncStateStarting, SyncStateSyncing, SyncStateCanceling, SyncStateRetrying},
	SyncStateCanceling:  {SyncStateNotSyncing},
}

func canTransition(from, to SyncState) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// StateTransitionError reports an illegal transition request. The state is
// left unchanged when it is returned.
type StateTransitionError struct {
	From SyncState
	To   SyncState
}

func (self *StateTransitionError) Error() string {
	return fmt.Sprintf("illegal sync state transition: %s -> %s", self.From, self.To)
}
