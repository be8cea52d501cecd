package crypto

import (
	"context"
	"errors"
	"fmt"

	"github.com/rvr-protocol/streamsync/src/utils/logger"
	monitor_engine "github.com/rvr-protocol/streamsync/src/utils/monitoring/engine"
	"github.com/rvr-protocol/streamsync/src/utils/streams"

	"github.com/sirupsen/logrus"
)

// MiniblockRef identifies a stream's miniblock tip, obtained from the stream
// view or an external collaborator
type MiniblockRef struct {
	Num  int64
	Hash []byte
}

// HybridGroupEncryption is the simpler symmetric alternative to ratcheting
// sessions: one AEAD key per stream, bound to the miniblock tip it was
// created at. Selection always picks the session with the highest miniblock
// number.
type HybridGroupEncryption struct {
	log     *logrus.Entry
	device  *Device
	monitor *monitor_engine.Monitor
}

func NewHybridGroupEncryption(device *Device) (self *HybridGroupEncryption) {
	self = new(HybridGroupEncryption)
	self.log = logger.NewSublogger("hybrid-encryption")
	self.device = device
	return
}

func (self *HybridGroupEncryption) WithMonitor(monitor *monitor_engine.Monitor) *HybridGroupEncryption {
	self.monitor = monitor
	return self
}

// EnsureSession returns the stream's current hybrid session, creating one
// bound to the given miniblock tip when none exists
func (self *HybridGroupEncryption) EnsureSession(ctx context.Context, streamId streams.StreamId, tip MiniblockRef) (sessionId string, err error) {
	record, err := self.device.GetHybridGroupSessionKeyForStream(ctx, streamId)
	if err == nil {
		return record.SessionId, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return
	}

	record, err = self.device.CreateHybridSession(ctx, streamId, tip.Num, tip.Hash)
	if err != nil {
		return
	}
	return record.SessionId, nil
}

func (self *HybridGroupEncryption) aad(streamId streams.StreamId, sessionId string) []byte {
	return []byte(fmt.Sprintf("%s:%s", streamId, sessionId))
}

// Encrypt seals a payload under the stream's most recent hybrid session
func (self *HybridGroupEncryption) Encrypt(ctx context.Context, streamId streams.StreamId, plaintext []byte) (data *EncryptedData, err error) {
	record, err := self.device.GetHybridGroupSessionKeyForStream(ctx, streamId)
	if err != nil {
		return
	}

	ciphertext, err := self.device.delegate.AEADSeal(record.Key, plaintext, self.aad(streamId, record.SessionId))
	if err != nil {
		return
	}

	return &EncryptedData{
		Algorithm:  AlgorithmHybridGroupEncryption,
		SessionId:  record.SessionId,
		Ciphertext: ciphertext,
	}, nil
}

// Decrypt opens a payload under the session named by the data. The stored
// session's id is recomputed from its binding first, a mismatch is a hard
// integrity fault, never silently ignored.
func (self *HybridGroupEncryption) Decrypt(ctx context.Context, streamId streams.StreamId, data *EncryptedData) (plaintext []byte, err error) {
	record, ok, err := self.device.store.GetHybridSession(ctx, streamId, data.SessionId)
	if err != nil {
		return
	}
	if !ok {
		return nil, ErrNotFound
	}

	expected := HybridSessionKeyHash(streamId, record.Key, record.MiniblockNum, record.MiniblockHash)
	if expected != record.SessionId {
		if self.monitor != nil {
			self.monitor.Report.Crypto.Errors.IntegrityFaults.Inc()
		}
		return nil, ErrSessionIdMismatch
	}

	plaintext, err = self.device.delegate.AEADOpen(record.Key, data.Ciphertext, self.aad(streamId, data.SessionId))
	if err != nil && self.monitor != nil {
		self.monitor.Report.Crypto.Errors.DecryptErrors.Inc()
	}
	return
}
