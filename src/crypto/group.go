package crypto

import (
	"context"
	"time"

	"github.com/rvr-protocol/streamsync/src/utils/config"
	"github.com/rvr-protocol/streamsync/src/utils/logger"
	monitor_engine "github.com/rvr-protocol/streamsync/src/utils/monitoring/engine"
	"github.com/rvr-protocol/streamsync/src/utils/streams"

	"github.com/gammazero/workerpool"
	"github.com/sirupsen/logrus"
)

// GroupEncryption manages ratcheting group sessions for whole streams:
// ensures an outbound session exists, shares its key with participants and
// encrypts/decrypts payloads under it.
type GroupEncryption struct {
	config *config.Config
	log    *logrus.Entry

	device  *Device
	sharer  KeySharer
	monitor *monitor_engine.Monitor

	// Bounded pool delivering session keys in the background
	workers *workerpool.WorkerPool
}

func NewGroupEncryption(config *config.Config, device *Device, sharer KeySharer) (self *GroupEncryption) {
	self = new(GroupEncryption)
	self.config = config
	self.log = logger.NewSublogger("group-encryption")
	self.device = device
	self.sharer = sharer
	self.workers = workerpool.New(config.Crypto.ShareSessionWorkers)
	return
}

func (self *GroupEncryption) WithMonitor(monitor *monitor_engine.Monitor) *GroupEncryption {
	self.monitor = monitor
	return self
}

// Stop waits for in-flight key deliveries to finish
func (self *GroupEncryption) Stop() {
	self.workers.StopWait()
}

// EnsureOutboundSession returns the stream's outbound session id, creating
// the session when there is none. A fresh session's key is shared with the
// given members through the worker pool: shareTimeout 0 blocks until sharing
// fully completes, otherwise the call returns after the timeout while sharing
// continues in the background. The returned id is valid for local encryption
// regardless of sharing completion.
func (self *GroupEncryption) EnsureOutboundSession(ctx context.Context, streamId streams.StreamId, members []string, shareTimeout time.Duration) (sessionId string, err error) {
	sessionId, err = self.device.GetOutboundGroupSessionId(ctx, streamId)
	if err == nil {
		return
	}
	if err != ErrNotFound {
		return "", err
	}

	sessionId, err = self.device.CreateOutboundGroupSession(ctx, streamId)
	if err != nil {
		return
	}

	_, sessionKey, err := self.device.ExportOutboundSessionKey(ctx, streamId)
	if err != nil {
		return
	}

	done := make(chan error, 1)
	self.workers.Submit(func() {
		// Deliberately not bound to the caller's context, sharing proceeds
		// after the bounded wait below gives up
		done <- self.sharer.ShareSessionKey(context.Background(), streamId, sessionId, sessionKey, members)
	})

	wait := func(c <-chan error) {
		if shareErr := <-c; shareErr != nil {
			self.log.WithError(shareErr).
				WithField("streamId", streamId).
				WithField("sessionId", sessionId).
				Error("Failed to share session key")
		}
	}

	if shareTimeout == 0 {
		wait(done)
		return
	}

	select {
	case shareErr := <-done:
		if shareErr != nil {
			self.log.WithError(shareErr).
				WithField("streamId", streamId).
				WithField("sessionId", sessionId).
				Error("Failed to share session key")
		}
	case <-time.After(shareTimeout):
		self.log.WithField("streamId", streamId).
			WithField("sessionId", sessionId).
			Debug("Session key sharing still in progress, proceeding")
		go wait(done)
	}

	return
}

// RotateOutboundSession supersedes the current outbound session with a fresh
// one. The old session stays usable for decrypting historical ciphertext
// through its inbound counterpart.
func (self *GroupEncryption) RotateOutboundSession(ctx context.Context, streamId streams.StreamId, members []string) (sessionId string, err error) {
	sessionId, err = self.device.CreateOutboundGroupSession(ctx, streamId)
	if err != nil {
		return
	}

	_, sessionKey, err := self.device.ExportOutboundSessionKey(ctx, streamId)
	if err != nil {
		return
	}

	self.workers.Submit(func() {
		shareErr := self.sharer.ShareSessionKey(context.Background(), streamId, sessionId, sessionKey, members)
		if shareErr != nil {
			self.log.WithError(shareErr).
				WithField("streamId", streamId).
				Error("Failed to share rotated session key")
		}
	})
	return
}

// Encrypt encrypts a payload under the stream's current outbound session.
// The session must have been ensured before.
func (self *GroupEncryption) Encrypt(ctx context.Context, streamId streams.StreamId, plaintext []byte) (data *EncryptedData, err error) {
	ciphertext, sessionId, err := self.device.EncryptGroupMessage(ctx, streamId, plaintext)
	if err != nil {
		return
	}
	return &EncryptedData{
		Algorithm:  AlgorithmGroupEncryption,
		SessionId:  sessionId,
		Ciphertext: ciphertext,
		SenderKey:  self.device.DeviceKey(),
	}, nil
}

// Decrypt decrypts a payload under the stored inbound session.
// ErrNotFound means the session key hasn't arrived yet.
func (self *GroupEncryption) Decrypt(ctx context.Context, streamId streams.StreamId, data *EncryptedData) (plaintext []byte, err error) {
	plaintext, err = self.device.DecryptGroupMessage(ctx, streamId, data.SessionId, data.Ciphertext)
	if err != nil && err != ErrNotFound && self.monitor != nil {
		self.monitor.Report.Crypto.Errors.DecryptErrors.Inc()
	}
	return
}

// ImportSessionKey stores a session key received from another participant
func (self *GroupEncryption) ImportSessionKey(ctx context.Context, streamId streams.StreamId, sessionKey string, untrusted bool) error {
	return self.device.ImportInboundSession(ctx, streamId, sessionKey, untrusted)
}
