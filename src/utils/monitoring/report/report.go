package report

import (
	"go.uber.org/atomic"
)

type Report struct {
	Run     *RunReport     `json:"run,omitempty"`
	Session *SessionReport `json:"session,omitempty"`
	Crypto  *CryptoReport  `json:"crypto,omitempty"`
}

type RunState struct {
	StartTimestamp atomic.Int64  `json:"start_timestamp"`
	UpForSeconds   atomic.Uint64 `json:"up_for_seconds"`
}

type RunReport struct {
	State RunState `json:"state"`
}

type SessionErrors struct {
	SubscriptionErrors     atomic.Int64 `json:"subscription"`
	UpdateProcessingErrors atomic.Int64 `json:"update_processing"`
	PersistenceErrors      atomic.Int64 `json:"persistence"`
	ProtocolFaults         atomic.Int64 `json:"protocol_faults"`
}

type SessionState struct {
	SyncState         atomic.Int32  `json:"sync_state"`
	TrackedStreams    atomic.Int64  `json:"tracked_streams"`
	UpdatesApplied    atomic.Uint64 `json:"updates_applied"`
	UpdatesDropped    atomic.Uint64 `json:"updates_dropped"`
	MiniblocksSealed  atomic.Uint64 `json:"miniblocks_sealed"`
	Retries           atomic.Uint64 `json:"retries"`
	LastSyncTimestamp atomic.Int64  `json:"last_sync_timestamp"`
}

type SessionReport struct {
	State  SessionState  `json:"state"`
	Errors SessionErrors `json:"errors"`
}

type CryptoErrors struct {
	DecryptErrors   atomic.Int64 `json:"decrypt"`
	IntegrityFaults atomic.Int64 `json:"integrity_faults"`
}

type CryptoState struct {
	OutboundSessionsCreated atomic.Uint64 `json:"outbound_sessions_created"`
	InboundSessionsImported atomic.Uint64 `json:"inbound_sessions_imported"`
	TrustUpgrades           atomic.Uint64 `json:"trust_upgrades"`
}

type CryptoReport struct {
	State  CryptoState  `json:"state"`
	Errors CryptoErrors `json:"errors"`
}
