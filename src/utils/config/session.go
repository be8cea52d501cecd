package config

import (
	"time"

	"github.com/spf13/viper"
)

type Session struct {
	// Streams brought under sync right after startup
	StreamIds []string

	// Base delay of the reconnect backoff, doubled on every consecutive failure
	RetryBaseDelay time.Duration

	// Number of failures after which the backoff delay stops growing
	RetryMaxExponent int

	// How long stop() waits for the server to acknowledge the cancellation
	// before the local loop is force-terminated
	StopWatchdogTimeout time.Duration

	// Capacity of the outward notification channel
	NotificationBufferSize int

	// Initial capacity of the update queue, it grows past this when needed
	UpdateQueueMinCapacity int
}

func setSessionDefaults() {
	viper.SetDefault("Session.StreamIds", "")
	viper.SetDefault("Session.RetryBaseDelay", "1s")
	viper.SetDefault("Session.RetryMaxExponent", "6")
	viper.SetDefault("Session.StopWatchdogTimeout", "5s")
	viper.SetDefault("Session.NotificationBufferSize", "256")
	viper.SetDefault("Session.UpdateQueueMinCapacity", "64")
}
