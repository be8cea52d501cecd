package engine

import (
	"time"

	"github.com/rvr-protocol/streamsync/src/utils/logger"
	"github.com/rvr-protocol/streamsync/src/utils/streams"

	"github.com/sirupsen/logrus"
)

// NotificationKind tags the outward messages the application layer subscribes to
type NotificationKind string

const (
	NotifySyncStarting          NotificationKind = "syncStarting"
	NotifySyncing               NotificationKind = "syncing"
	NotifySyncCanceling         NotificationKind = "syncCanceling"
	NotifySyncStopped           NotificationKind = "syncStopped"
	NotifySyncRetrying          NotificationKind = "syncRetrying"
	NotifyStreamSyncActive      NotificationKind = "streamSyncActive"
	NotifyStreamRemovedFromSync NotificationKind = "streamRemovedFromSync"
	NotifyStreamUpdated         NotificationKind = "streamUpdated"
)

// Notification is one outward message. Delivery order matches the order of
// the internal state transitions that produced them.
type Notification struct {
	Kind NotificationKind

	// Set for syncing and syncCanceling
	SyncId string

	// Set for syncRetrying
	Delay time.Duration

	// Set for streamSyncActive
	Active bool

	// Set for streamRemovedFromSync and streamUpdated
	StreamId streams.StreamId

	// Number of events carried by a streamUpdated notification
	NumEvents int
}

// Notifier fans session notifications out to the application layer over a
// buffered channel. A slow consumer loses notifications instead of blocking
// the sync loop.
type Notifier struct {
	log *logrus.Entry
	ch  chan Notification
}

func NewNotifier(bufferSize int) (self *Notifier) {
	self = new(Notifier)
	self.log = logger.NewSublogger("notifier")
	self.ch = make(chan Notification, bufferSize)
	return
}

func (self *Notifier) Channel() <-chan Notification {
	return self.ch
}

func (self *Notifier) emit(notification Notification) {
	if self == nil {
		return
	}
	select {
	case self.ch <- notification:
	default:
		self.log.WithField("kind", notification.Kind).Warn("Notification buffer full, dropping")
	}
}
