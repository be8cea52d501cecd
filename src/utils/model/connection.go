package model

import (
	"context"
	"fmt"
	"time"

	"github.com/rvr-protocol/streamsync/src/utils/config"
	l "github.com/rvr-protocol/streamsync/src/utils/logger"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Bump whenever the persisted schema changes in an incompatible way.
// Migration is destructive: all tables are dropped and recreated, persisted
// state is only ever a resume hint, the remote is the source of truth.
const SchemaVersion = 1

type SchemaInfo struct {
	Id      int `gorm:"primaryKey"`
	Version int `gorm:"not null"`
}

func (SchemaInfo) TableName() string { return "schema_info" }

var tables = []interface{}{
	&SchemaInfo{},
	&Cleartext{},
	&SyncedStream{},
	&MiniblockRecord{},
	&Account{},
	&OutboundGroupSession{},
	&InboundGroupSession{},
	&HybridGroupSession{},
	&DeviceRecord{},
}

func NewConnection(ctx context.Context, config *config.Config, applicationName string) (self *gorm.DB, err error) {
	log := l.NewSublogger("db." + applicationName)

	gormLogger := logger.New(log,
		logger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  logger.Error,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	dsn := fmt.Sprintf("%s?_busy_timeout=%d&_journal_mode=WAL&_foreign_keys=on",
		config.Database.Path,
		config.Database.BusyTimeout,
	)

	self, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormLogger})
	if err != nil {
		return
	}

	sql, err := self.DB()
	if err != nil {
		return
	}
	// A single connection keeps writes serialized and makes ":memory:"
	// behave as one database instead of one per pooled connection
	sql.SetMaxOpenConns(1)

	err = Ping(ctx, self)
	if err != nil {
		return
	}

	err = migrate(ctx, self, log)
	if err != nil {
		return
	}

	return
}

func Ping(ctx context.Context, db *gorm.DB) (err error) {
	sql, err := db.DB()
	if err != nil {
		return
	}
	return sql.PingContext(ctx)
}

// migrate brings the schema to SchemaVersion. An older or newer persisted
// version clears every table, there is no in-place upgrade path.
func migrate(ctx context.Context, db *gorm.DB, log *logrus.Entry) (err error) {
	migrator := db.WithContext(ctx).Migrator()

	if migrator.HasTable(&SchemaInfo{}) {
		var info SchemaInfo
		err = db.WithContext(ctx).First(&info, "id = ?", 1).Error
		if err == nil && info.Version == SchemaVersion {
			// Make sure all tables exist, no-op when they already do
			return db.WithContext(ctx).AutoMigrate(tables...)
		}

		log.Warn("Schema version changed, clearing local persistence")
		for _, table := range tables {
			err = migrator.DropTable(table)
			if err != nil {
				return
			}
		}
	}

	err = db.WithContext(ctx).AutoMigrate(tables...)
	if err != nil {
		return
	}

	return db.WithContext(ctx).Save(&SchemaInfo{Id: 1, Version: SchemaVersion}).Error
}
