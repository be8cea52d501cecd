package store

import (
	"encoding/json"

	"github.com/rvr-protocol/streamsync/src/utils/streams"
)

// Checkpoint is the minimum state needed to resume a stream from persistence
// without contacting the server. Always written as a whole, partial merges
// with newer data are never performed.
type Checkpoint struct {
	SyncCookie               *streams.SyncCookie `json:"syncCookie"`
	LastSnapshotMiniblockNum int64               `json:"lastSnapshotMiniblockNum"`
	LastMiniblockNum         int64               `json:"lastMiniblockNum"`
	MinipoolEvents           []*streams.Envelope `json:"minipoolEvents"`
}

func (self *Checkpoint) Marshal() ([]byte, error) {
	return json.Marshal(self)
}

func UnmarshalCheckpoint(data []byte) (checkpoint *Checkpoint, err error) {
	checkpoint = new(Checkpoint)
	err = json.Unmarshal(data, checkpoint)
	if err != nil {
		return nil, err
	}
	return
}
