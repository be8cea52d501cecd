package config

import (
	"time"

	"github.com/spf13/viper"
)

type Database struct {
	// Path to the sqlite database file. ":memory:" keeps everything in RAM.
	Path string

	// Busy timeout passed to sqlite, in milliseconds
	BusyTimeout int

	// Cleartext in-memory cache
	CleartextCacheTTL             time.Duration
	CleartextCacheCleanupInterval time.Duration
}

func setDatabaseDefaults() {
	viper.SetDefault("Database.Path", "streamsync.db")
	viper.SetDefault("Database.BusyTimeout", "5000")
	viper.SetDefault("Database.CleartextCacheTTL", "30m")
	viper.SetDefault("Database.CleartextCacheCleanupInterval", "10m")
}
