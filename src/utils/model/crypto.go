package model

import "time"

const (
	TableAccounts              = "accounts"
	TableOutboundGroupSessions = "outbound_group_sessions"
	TableInboundGroupSessions  = "inbound_group_sessions"
	TableHybridGroupSessions   = "hybrid_group_sessions"
	TableDevices               = "devices"
)

// Account is the pickled long-lived cryptographic identity, one per user
type Account struct {
	UserId   string `gorm:"primaryKey"`
	DeviceId string `gorm:"not null"`
	Pickled  []byte `gorm:"not null"`
}

func (Account) TableName() string { return TableAccounts }

// OutboundGroupSession is the pickled write-side ratcheting session of one
// stream. At most one live outbound session per stream.
type OutboundGroupSession struct {
	StreamId  string `gorm:"primaryKey"`
	SessionId string `gorm:"not null"`
	Pickled   []byte `gorm:"not null"`
}

func (OutboundGroupSession) TableName() string { return TableOutboundGroupSessions }

// InboundGroupSession allows decrypting events encrypted under a specific
// outbound session. FirstKnownIndex marks how far back it can decrypt,
// Untrusted is cleared only by the trust-upgrade rule.
type InboundGroupSession struct {
	StreamId        string `gorm:"primaryKey"`
	SessionId       string `gorm:"primaryKey"`
	Pickled         []byte `gorm:"not null"`
	FirstKnownIndex uint32 `gorm:"not null"`
	Untrusted       bool   `gorm:"not null"`
}

func (InboundGroupSession) TableName() string { return TableInboundGroupSessions }

// HybridGroupSession is a symmetric AEAD session bound to the miniblock tip
// it was created at. The session id is a deterministic hash of the binding.
type HybridGroupSession struct {
	StreamId      string `gorm:"primaryKey"`
	SessionId     string `gorm:"primaryKey"`
	Key           []byte `gorm:"not null"`
	MiniblockNum  int64  `gorm:"not null"`
	MiniblockHash []byte `gorm:"not null"`
}

func (HybridGroupSession) TableName() string { return TableHybridGroupSessions }

// DeviceRecord caches another participant's device keys
type DeviceRecord struct {
	UserId      string    `gorm:"primaryKey"`
	DeviceId    string    `gorm:"primaryKey"`
	DeviceKey   string    `gorm:"not null"`
	FallbackKey string    `gorm:"not null"`
	ExpiresAt   time.Time `gorm:"not null"`
}

func (DeviceRecord) TableName() string { return TableDevices }
