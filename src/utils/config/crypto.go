package config

import (
	"time"

	"github.com/spf13/viper"
)

type Crypto struct {
	// Local user the encryption account belongs to
	UserId string

	// Key used to encrypt pickled account and session material at rest
	PickleKey string

	// How long ensureOutboundSession waits for key sharing to finish.
	// 0 blocks until sharing fully completes.
	ShareSessionTimeout time.Duration

	// Number of workers sharing session keys with participants
	ShareSessionWorkers int
}

func setCryptoDefaults() {
	viper.SetDefault("Crypto.UserId", "local")
	viper.SetDefault("Crypto.PickleKey", "")
	viper.SetDefault("Crypto.ShareSessionTimeout", "30s")
	viper.SetDefault("Crypto.ShareSessionWorkers", "4")
}
