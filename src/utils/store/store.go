package store

import (
	"context"
	"errors"

	"github.com/rvr-protocol/streamsync/src/utils/config"
	"github.com/rvr-protocol/streamsync/src/utils/logger"
	"github.com/rvr-protocol/streamsync/src/utils/model"
	"github.com/rvr-protocol/streamsync/src/utils/streams"

	cache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RecordStore persists cleartexts, synced-stream checkpoints and miniblocks.
// Keys are disjoint between streams, no cross-stream locking is needed.
type RecordStore struct {
	db  *gorm.DB
	log *logrus.Entry

	// Read-through cache for cleartexts, they never change once written
	cleartexts *cache.Cache
}

func NewRecordStore(config *config.Config, db *gorm.DB) (self *RecordStore) {
	self = new(RecordStore)
	self.log = logger.NewSublogger("record-store")
	self.db = db
	self.cleartexts = cache.New(
		config.Database.CleartextCacheTTL,
		config.Database.CleartextCacheCleanupInterval,
	)
	return
}

// Cleartexts ----------------------------------------------------------------

func (self *RecordStore) SaveCleartext(ctx context.Context, eventId string, cleartext []byte) (err error) {
	err = self.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.Cleartext{EventId: eventId, Cleartext: cleartext}).
		Error
	if err != nil {
		return
	}

	// Written once, a second save never replaces the first
	_ = self.cleartexts.Add(eventId, cleartext, cache.DefaultExpiration)
	return
}

func (self *RecordStore) GetCleartext(ctx context.Context, eventId string) (cleartext []byte, ok bool, err error) {
	if cached, found := self.cleartexts.Get(eventId); found {
		return cached.([]byte), true, nil
	}

	var record model.Cleartext
	err = self.db.WithContext(ctx).First(&record, "event_id = ?", eventId).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	self.cleartexts.SetDefault(eventId, record.Cleartext)
	return record.Cleartext, true, nil
}

// GetCleartexts returns the cleartexts found for the given event ids.
// Missing entries are not an error, callers treat them as not yet decrypted.
func (self *RecordStore) GetCleartexts(ctx context.Context, eventIds []string) (cleartexts map[string][]byte, err error) {
	cleartexts = make(map[string][]byte, len(eventIds))

	missing := make([]string, 0, len(eventIds))
	for _, eventId := range eventIds {
		if cached, found := self.cleartexts.Get(eventId); found {
			cleartexts[eventId] = cached.([]byte)
		} else {
			missing = append(missing, eventId)
		}
	}

	if len(missing) == 0 {
		return
	}

	var records []model.Cleartext
	err = self.db.WithContext(ctx).Where("event_id IN ?", missing).Find(&records).Error
	if err != nil {
		return nil, err
	}

	for _, record := range records {
		cleartexts[record.EventId] = record.Cleartext
		self.cleartexts.SetDefault(record.EventId, record.Cleartext)
	}
	return
}

// Checkpoints ---------------------------------------------------------------

// SaveCheckpoint replaces the stream's checkpoint record as a whole
func (self *RecordStore) SaveCheckpoint(ctx context.Context, streamId streams.StreamId, checkpoint *Checkpoint) (err error) {
	data, err := checkpoint.Marshal()
	if err != nil {
		return
	}

	return self.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "stream_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"data"}),
		}).
		Create(&model.SyncedStream{StreamId: string(streamId), Data: data}).
		Error
}

func (self *RecordStore) GetCheckpoint(ctx context.Context, streamId streams.StreamId) (checkpoint *Checkpoint, ok bool, err error) {
	var record model.SyncedStream
	err = self.db.WithContext(ctx).First(&record, "stream_id = ?", string(streamId)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	checkpoint, err = UnmarshalCheckpoint(record.Data)
	if err != nil {
		// Corrupted checkpoint is a cache miss, the remote is the source of truth
		self.log.WithError(err).WithField("streamId", streamId).Warn("Dropping unreadable checkpoint")
		return nil, false, nil
	}
	return checkpoint, true, nil
}

// Miniblocks ----------------------------------------------------------------

func (self *RecordStore) SaveMiniblock(ctx context.Context, streamId streams.StreamId, miniblock *streams.Miniblock) (err error) {
	header, err := miniblock.Header.Parse()
	if err != nil {
		return
	}
	payload, ok := header.Payload.(*streams.MiniblockHeaderPayload)
	if !ok {
		return errors.New("miniblock header event does not carry a header payload")
	}

	data, err := miniblock.Marshal()
	if err != nil {
		return
	}

	// Content addressed, an already persisted miniblock never changes
	return self.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.MiniblockRecord{
			StreamId:     string(streamId),
			MiniblockNum: payload.MiniblockNum,
			Data:         data,
		}).
		Error
}

func (self *RecordStore) SaveMiniblocks(ctx context.Context, streamId streams.StreamId, miniblocks []*streams.Miniblock) (err error) {
	for _, miniblock := range miniblocks {
		err = self.SaveMiniblock(ctx, streamId, miniblock)
		if err != nil {
			return
		}
	}
	return
}

// GetMiniblockRange loads the inclusive range [from, to]. All-or-nothing: a
// single missing miniblock makes the whole range unavailable.
func (self *RecordStore) GetMiniblockRange(ctx context.Context, streamId streams.StreamId, from, to int64) (miniblocks []*streams.Miniblock, ok bool, err error) {
	if from > to {
		return nil, false, nil
	}

	var records []model.MiniblockRecord
	err = self.db.WithContext(ctx).
		Where("stream_id = ? AND miniblock_num >= ? AND miniblock_num <= ?", string(streamId), from, to).
		Order("miniblock_num ASC").
		Find(&records).
		Error
	if err != nil {
		return nil, false, err
	}

	if int64(len(records)) != to-from+1 {
		return nil, false, nil
	}

	miniblocks = make([]*streams.Miniblock, 0, len(records))
	for _, record := range records {
		miniblock, err := streams.UnmarshalMiniblock(record.Data)
		if err != nil {
			self.log.WithError(err).
				WithField("streamId", streamId).
				WithField("miniblockNum", record.MiniblockNum).
				Warn("Dropping unreadable miniblock")
			return nil, false, nil
		}
		miniblocks = append(miniblocks, miniblock)
	}
	return miniblocks, true, nil
}
