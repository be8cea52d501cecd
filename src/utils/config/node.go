package config

import (
	"time"

	"github.com/spf13/viper"
)

type Node struct {
	// Websocket endpoint of the stream node, used for the multiplexed subscription
	WebsocketUrl string

	// HTTP endpoint of the stream node, used for authoritative stream fetches
	HttpUrl string

	// Timeout for a single HTTP request
	RequestTimeout time.Duration

	// Timeout for the websocket dial + subscription handshake
	DialTimeout time.Duration

	// Limit of outgoing HTTP requests per second
	RequestsPerSecond float64

	// Maximum retries of a single authoritative fetch before giving up
	FetchMaxElapsedTime time.Duration
	FetchMaxInterval    time.Duration
}

func setNodeDefaults() {
	viper.SetDefault("Node.WebsocketUrl", "ws://127.0.0.1:8546/sync")
	viper.SetDefault("Node.HttpUrl", "http://127.0.0.1:8545")
	viper.SetDefault("Node.RequestTimeout", "30s")
	viper.SetDefault("Node.DialTimeout", "10s")
	viper.SetDefault("Node.RequestsPerSecond", "10")
	viper.SetDefault("Node.FetchMaxElapsedTime", "2m")
	viper.SetDefault("Node.FetchMaxInterval", "15s")
}
