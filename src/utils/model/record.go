package model

const (
	TableCleartexts    = "cleartexts"
	TableSyncedStreams = "synced_streams"
	TableMiniblocks    = "miniblocks"
)

// Cleartext stores a decrypted payload keyed by the hash of the event it came
// from. Written once after a successful decryption, read many, never updated.
type Cleartext struct {
	EventId   string `gorm:"primaryKey"`
	Cleartext []byte `gorm:"not null"`
}

func (Cleartext) TableName() string { return TableCleartexts }

// SyncedStream is the per-stream checkpoint record, the minimum state needed
// to resume a stream from persistence without contacting the server.
// Data holds the serialized checkpoint, always replaced as a whole.
type SyncedStream struct {
	StreamId string `gorm:"primaryKey"`
	Data     []byte `gorm:"not null"`
}

func (SyncedStream) TableName() string { return TableSyncedStreams }

// MiniblockRecord is one persisted miniblock, content addressed by
// (stream, number) and never mutated
type MiniblockRecord struct {
	StreamId     string `gorm:"primaryKey"`
	MiniblockNum int64  `gorm:"primaryKey;autoIncrement:false"`
	Data         []byte `gorm:"not null"`
}

func (MiniblockRecord) TableName() string { return TableMiniblocks }
