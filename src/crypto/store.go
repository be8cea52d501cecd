package crypto

import (
	"context"
	"errors"
	"time"

	"github.com/rvr-protocol/streamsync/src/utils/logger"
	"github.com/rvr-protocol/streamsync/src/utils/model"
	"github.com/rvr-protocol/streamsync/src/utils/streams"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store persists pickled account and session material
type Store struct {
	db  *gorm.DB
	log *logrus.Entry
}

func NewStore(db *gorm.DB) (self *Store) {
	self = new(Store)
	self.db = db
	self.log = logger.NewSublogger("crypto-store")
	return
}

// Accounts ------------------------------------------------------------------

func (self *Store) GetAccount(ctx context.Context, userId string) (record *model.Account, ok bool, err error) {
	record = new(model.Account)
	err = self.db.WithContext(ctx).First(record, "user_id = ?", userId).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return record, true, nil
}

func (self *Store) SaveAccount(ctx context.Context, record *model.Account) error {
	return self.db.WithContext(ctx).Save(record).Error
}

// Group sessions ------------------------------------------------------------

func (self *Store) GetOutboundSession(ctx context.Context, streamId streams.StreamId) (record *model.OutboundGroupSession, ok bool, err error) {
	record = new(model.OutboundGroupSession)
	err = self.db.WithContext(ctx).First(record, "stream_id = ?", string(streamId)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return record, true, nil
}

// SaveOutboundWithInbound stores a fresh outbound session together with its
// inbound counterpart in one transaction, so the creator can always decrypt
// its own first message
func (self *Store) SaveOutboundWithInbound(ctx context.Context, outbound *model.OutboundGroupSession, inbound *model.InboundGroupSession) error {
	return self.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Save(outbound).Error
		if err != nil {
			return err
		}
		return tx.Save(inbound).Error
	})
}

func (self *Store) SaveOutboundSession(ctx context.Context, record *model.OutboundGroupSession) error {
	return self.db.WithContext(ctx).Save(record).Error
}

func (self *Store) GetInboundSession(ctx context.Context, streamId streams.StreamId, sessionId string) (record *model.InboundGroupSession, ok bool, err error) {
	record = new(model.InboundGroupSession)
	err = self.db.WithContext(ctx).
		First(record, "stream_id = ? AND session_id = ?", string(streamId), sessionId).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return record, true, nil
}

func (self *Store) SaveInboundSession(ctx context.Context, record *model.InboundGroupSession) error {
	return self.db.WithContext(ctx).Save(record).Error
}

// Hybrid sessions -----------------------------------------------------------

func (self *Store) SaveHybridSession(ctx context.Context, record *model.HybridGroupSession) error {
	return self.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(record).
		Error
}

func (self *Store) GetHybridSession(ctx context.Context, streamId streams.StreamId, sessionId string) (record *model.HybridGroupSession, ok bool, err error) {
	record = new(model.HybridGroupSession)
	err = self.db.WithContext(ctx).
		First(record, "stream_id = ? AND session_id = ?", string(streamId), sessionId).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return record, true, nil
}

// GetLatestHybridSession returns the stream's hybrid session with the highest
// miniblock number
func (self *Store) GetLatestHybridSession(ctx context.Context, streamId streams.StreamId) (record *model.HybridGroupSession, ok bool, err error) {
	record = new(model.HybridGroupSession)
	err = self.db.WithContext(ctx).
		Where("stream_id = ?", string(streamId)).
		Order("miniblock_num DESC").
		First(record).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return record, true, nil
}

// Devices -------------------------------------------------------------------

func (self *Store) SaveDevice(ctx context.Context, record *model.DeviceRecord) error {
	return self.db.WithContext(ctx).Save(record).Error
}

func (self *Store) GetDevices(ctx context.Context, userId string) (records []model.DeviceRecord, err error) {
	err = self.db.WithContext(ctx).
		Where("user_id = ? AND expires_at > ?", userId, time.Now()).
		Find(&records).
		Error
	return
}

func (self *Store) DeleteExpiredDevices(ctx context.Context) error {
	return self.db.WithContext(ctx).
		Where("expires_at <= ?", time.Now()).
		Delete(&model.DeviceRecord{}).
		Error
}
