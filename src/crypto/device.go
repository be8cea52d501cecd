package crypto

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/rvr-protocol/streamsync/src/utils/config"
	"github.com/rvr-protocol/streamsync/src/utils/logger"
	"github.com/rvr-protocol/streamsync/src/utils/model"
	monitor_engine "github.com/rvr-protocol/streamsync/src/utils/monitoring/engine"
	"github.com/rvr-protocol/streamsync/src/utils/streams"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
)

const hybridSessionKeyPrefix = "RVR_HSK:"

// Device wraps the primitive library behind the session level protocol:
// account lifecycle, outbound/inbound group sessions, the inbound
// trust-upgrade rule and hybrid AEAD sessions.
type Device struct {
	config   *config.Config
	log      *logrus.Entry
	delegate Delegate
	store    *Store
	monitor  *monitor_engine.Monitor

	UserId   string
	DeviceId string

	pickleKey []byte

	// Account and group sessions are independent lock domains, all mutators
	// of one resource class are serialized through its mutex
	accountMtx  sync.Mutex
	sessionsMtx sync.Mutex

	account Account
}

func NewDevice(config *config.Config, store *Store, delegate Delegate, userId string) (self *Device) {
	self = new(Device)
	self.config = config
	self.log = logger.NewSublogger("encryption-device")
	self.delegate = delegate
	self.store = store
	self.UserId = userId
	self.DeviceId = xid.New().String()
	self.pickleKey = []byte(config.Crypto.PickleKey)
	return
}

func (self *Device) WithMonitor(monitor *monitor_engine.Monitor) *Device {
	self.monitor = monitor
	return self
}

// withAccountTx serializes account mutators
func (self *Device) withAccountTx(f func() error) error {
	self.accountMtx.Lock()
	defer self.accountMtx.Unlock()
	return f()
}

// withGroupSessions serializes group session mutators
func (self *Device) withGroupSessions(f func() error) error {
	self.sessionsMtx.Lock()
	defer self.sessionsMtx.Unlock()
	return f()
}

// Init loads the persisted account or creates a fresh one
func (self *Device) Init(ctx context.Context) error {
	return self.withAccountTx(func() (err error) {
		record, ok, err := self.store.GetAccount(ctx, self.UserId)
		if err != nil {
			return
		}

		if ok {
			self.account, err = self.delegate.UnpickleAccount(record.Pickled, self.pickleKey)
			if err != nil {
				return fmt.Errorf("failed to unpickle account: %w", err)
			}
			self.DeviceId = record.DeviceId
			return nil
		}

		self.account, err = self.delegate.CreateAccount()
		if err != nil {
			return
		}

		pickled, err := self.account.Pickle(self.pickleKey)
		if err != nil {
			return
		}

		self.log.WithField("deviceId", self.DeviceId).Info("Created encryption account")
		return self.store.SaveAccount(ctx, &model.Account{
			UserId:   self.UserId,
			DeviceId: self.DeviceId,
			Pickled:  pickled,
		})
	})
}

// DeviceKey returns the account's Curve25519 device key
func (self *Device) DeviceKey() string {
	return self.account.Curve25519Key()
}

func (self *Device) FallbackKey() string {
	return self.account.FallbackKey()
}

// RotateFallbackKey generates a new fallback pre-key and persists the account
func (self *Device) RotateFallbackKey(ctx context.Context) error {
	return self.withAccountTx(func() (err error) {
		err = self.account.GenerateFallbackKey()
		if err != nil {
			return
		}
		pickled, err := self.account.Pickle(self.pickleKey)
		if err != nil {
			return
		}
		return self.store.SaveAccount(ctx, &model.Account{
			UserId:   self.UserId,
			DeviceId: self.DeviceId,
			Pickled:  pickled,
		})
	})
}

func (self *Device) Sign(message []byte) ([]byte, error) {
	return self.account.Sign(message)
}

// Outbound group sessions ----------------------------------------------------

// CreateOutboundGroupSession creates the stream's outbound session and its
// inbound counterpart at index 0 in the same logical transaction, so our own
// first message is always decryptable without a round trip
func (self *Device) CreateOutboundGroupSession(ctx context.Context, streamId streams.StreamId) (sessionId string, err error) {
	err = self.withGroupSessions(func() (err error) {
		outbound, err := self.delegate.CreateOutboundSession()
		if err != nil {
			return
		}

		sessionKey, err := outbound.SessionKey()
		if err != nil {
			return
		}

		inbound, err := self.delegate.CreateInboundSession(sessionKey)
		if err != nil {
			return
		}

		outboundPickled, err := outbound.Pickle(self.pickleKey)
		if err != nil {
			return
		}
		inboundPickled, err := inbound.Pickle(self.pickleKey)
		if err != nil {
			return
		}

		sessionId = outbound.Id()
		return self.store.SaveOutboundWithInbound(ctx,
			&model.OutboundGroupSession{
				StreamId:  string(streamId),
				SessionId: sessionId,
				Pickled:   outboundPickled,
			},
			&model.InboundGroupSession{
				StreamId:        string(streamId),
				SessionId:       sessionId,
				Pickled:         inboundPickled,
				FirstKnownIndex: inbound.FirstKnownIndex(),
				Untrusted:       false,
			})
	})
	if err == nil && self.monitor != nil {
		self.monitor.Report.Crypto.State.OutboundSessionsCreated.Inc()
	}
	return
}

// GetOutboundGroupSessionId returns the stream's current outbound session id
func (self *Device) GetOutboundGroupSessionId(ctx context.Context, streamId streams.StreamId) (sessionId string, err error) {
	record, ok, err := self.store.GetOutboundSession(ctx, streamId)
	if err != nil {
		return
	}
	if !ok {
		return "", ErrNotFound
	}
	return record.SessionId, nil
}

// ExportOutboundSessionKey exports the current outbound session at its
// current index, for sharing with other participants
func (self *Device) ExportOutboundSessionKey(ctx context.Context, streamId streams.StreamId) (sessionId, sessionKey string, err error) {
	err = self.withGroupSessions(func() (err error) {
		record, ok, err := self.store.GetOutboundSession(ctx, streamId)
		if err != nil {
			return
		}
		if !ok {
			return ErrNotFound
		}

		outbound, err := self.delegate.UnpickleOutboundSession(record.Pickled, self.pickleKey)
		if err != nil {
			return
		}

		sessionId = outbound.Id()
		sessionKey, err = outbound.SessionKey()
		return
	})
	return
}

// EncryptGroupMessage encrypts under the stream's outbound session and
// persists the advanced chain state
func (self *Device) EncryptGroupMessage(ctx context.Context, streamId streams.StreamId, plaintext []byte) (ciphertext []byte, sessionId string, err error) {
	err = self.withGroupSessions(func() (err error) {
		record, ok, err := self.store.GetOutboundSession(ctx, streamId)
		if err != nil {
			return
		}
		if !ok {
			return ErrNotFound
		}

		outbound, err := self.delegate.UnpickleOutboundSession(record.Pickled, self.pickleKey)
		if err != nil {
			return
		}

		ciphertext, err = outbound.Encrypt(plaintext)
		if err != nil {
			return
		}
		sessionId = outbound.Id()

		record.Pickled, err = outbound.Pickle(self.pickleKey)
		if err != nil {
			return
		}
		return self.store.SaveOutboundSession(ctx, record)
	})
	return
}

// Inbound group sessions -----------------------------------------------------

// ImportInboundSession stores a received session key, applying the
// trust-upgrade precedence:
//  1. an existing session with equal or deeper history wins unless it is
//     untrusted and the incoming one is trusted
//  2. a trusted shallower incoming session can only upgrade the existing
//     session's trust in place, after both export identical bytes at the
//     incoming index
//  3. at equal indices the incoming session replaces the existing one
//
// Trust only ever moves from untrusted to trusted and deeper history is
// never discarded for shallower history.
func (self *Device) ImportInboundSession(ctx context.Context, streamId streams.StreamId, sessionKey string, untrusted bool) error {
	return self.withGroupSessions(func() (err error) {
		incoming, err := self.delegate.CreateInboundSession(sessionKey)
		if err != nil {
			return
		}

		record, ok, err := self.store.GetInboundSession(ctx, streamId, incoming.Id())
		if err != nil {
			return
		}

		if !ok {
			if self.monitor != nil {
				self.monitor.Report.Crypto.State.InboundSessionsImported.Inc()
			}
			return self.saveInbound(ctx, streamId, incoming, untrusted)
		}

		existingTrusted := !record.Untrusted
		incomingTrusted := !untrusted

		switch {
		case record.FirstKnownIndex <= incoming.FirstKnownIndex() && (existingTrusted || !incomingTrusted):
			// Existing covers at least as much history and there's nothing
			// to gain trust-wise
			return nil

		case record.FirstKnownIndex < incoming.FirstKnownIndex():
			// Existing is untrusted but covers more history. Verify the two
			// sessions agree on the overlap before upgrading trust in place.
			existing, err := self.delegate.UnpickleInboundSession(record.Pickled, self.pickleKey)
			if err != nil {
				return err
			}

			existingExport, err := existing.Export(incoming.FirstKnownIndex())
			if err != nil {
				return err
			}
			incomingExport, err := incoming.Export(incoming.FirstKnownIndex())
			if err != nil {
				return err
			}

			if existingExport != incomingExport {
				self.log.WithField("streamId", streamId).
					WithField("sessionId", incoming.Id()).
					Warn("Inbound session conflicts with stored history, keeping existing untrusted")
				return nil
			}

			record.Untrusted = false
			if self.monitor != nil {
				self.monitor.Report.Crypto.State.TrustUpgrades.Inc()
			}
			return self.store.SaveInboundSession(ctx, record)

		default:
			// Incoming covers at least as much history, store it
			if self.monitor != nil {
				self.monitor.Report.Crypto.State.InboundSessionsImported.Inc()
			}
			return self.saveInbound(ctx, streamId, incoming, untrusted)
		}
	})
}

func (self *Device) saveInbound(ctx context.Context, streamId streams.StreamId, session InboundSession, untrusted bool) (err error) {
	pickled, err := session.Pickle(self.pickleKey)
	if err != nil {
		return
	}
	return self.store.SaveInboundSession(ctx, &model.InboundGroupSession{
		StreamId:        string(streamId),
		SessionId:       session.Id(),
		Pickled:         pickled,
		FirstKnownIndex: session.FirstKnownIndex(),
		Untrusted:       untrusted,
	})
}

// DecryptGroupMessage decrypts under the stored inbound session for
// (stream, session)
func (self *Device) DecryptGroupMessage(ctx context.Context, streamId streams.StreamId, sessionId string, ciphertext []byte) (plaintext []byte, err error) {
	record, ok, err := self.store.GetInboundSession(ctx, streamId, sessionId)
	if err != nil {
		return
	}
	if !ok {
		return nil, ErrNotFound
	}

	inbound, err := self.delegate.UnpickleInboundSession(record.Pickled, self.pickleKey)
	if err != nil {
		return
	}

	plaintext, _, err = inbound.Decrypt(ciphertext)
	return
}

// ExportInboundSession exports the stored session at the given index
func (self *Device) ExportInboundSession(ctx context.Context, streamId streams.StreamId, sessionId string, index uint32) (sessionKey string, err error) {
	record, ok, err := self.store.GetInboundSession(ctx, streamId, sessionId)
	if err != nil {
		return
	}
	if !ok {
		return "", ErrNotFound
	}

	inbound, err := self.delegate.UnpickleInboundSession(record.Pickled, self.pickleKey)
	if err != nil {
		return
	}
	return inbound.Export(index)
}

// HasInboundSession reports whether a session for (stream, session) is stored
func (self *Device) HasInboundSession(ctx context.Context, streamId streams.StreamId, sessionId string) (ok bool, err error) {
	_, ok, err = self.store.GetInboundSession(ctx, streamId, sessionId)
	return
}

// Hybrid sessions ------------------------------------------------------------

// HybridSessionKeyHash derives a hybrid session id from its binding. Session
// identity is a verifiable function of the stream, the key bytes and the
// miniblock tip the session was created at.
func HybridSessionKeyHash(streamId streams.StreamId, key []byte, miniblockNum int64, miniblockHash []byte) string {
	h := sha256.New()
	h.Write([]byte(hybridSessionKeyPrefix))
	h.Write([]byte(streamId))
	h.Write(key)

	var num [8]byte
	binary.BigEndian.PutUint64(num[:], uint64(miniblockNum))
	h.Write(num[:])

	h.Write(miniblockHash)
	return hex.EncodeToString(h.Sum(nil))
}

// GetHybridGroupSessionKeyForStream selects the stream's hybrid session with
// the highest miniblock number. Returns ErrNotFound when none exists, the
// caller creates one bound to the current miniblock tip.
func (self *Device) GetHybridGroupSessionKeyForStream(ctx context.Context, streamId streams.StreamId) (record *model.HybridGroupSession, err error) {
	record, ok, err := self.store.GetLatestHybridSession(ctx, streamId)
	if err != nil {
		return
	}
	if !ok {
		return nil, ErrNotFound
	}
	return record, nil
}

// CreateHybridSession creates a hybrid session bound to the stream's current
// miniblock tip
func (self *Device) CreateHybridSession(ctx context.Context, streamId streams.StreamId, miniblockNum int64, miniblockHash []byte) (record *model.HybridGroupSession, err error) {
	err = self.withGroupSessions(func() (err error) {
		key, err := self.delegate.GenerateSymmetricKey()
		if err != nil {
			return
		}

		record = &model.HybridGroupSession{
			StreamId:      string(streamId),
			SessionId:     HybridSessionKeyHash(streamId, key, miniblockNum, miniblockHash),
			Key:           key,
			MiniblockNum:  miniblockNum,
			MiniblockHash: miniblockHash,
		}
		return self.store.SaveHybridSession(ctx, record)
	})
	return
}

// ImportHybridSession verifies a received hybrid session against its binding
// before storing it. A mismatched session id is a hard integrity fault.
func (self *Device) ImportHybridSession(ctx context.Context, streamId streams.StreamId, sessionId string, key []byte, miniblockNum int64, miniblockHash []byte) error {
	return self.withGroupSessions(func() error {
		expected := HybridSessionKeyHash(streamId, key, miniblockNum, miniblockHash)
		if expected != sessionId {
			return ErrSessionIdMismatch
		}
		return self.store.SaveHybridSession(ctx, &model.HybridGroupSession{
			StreamId:      string(streamId),
			SessionId:     sessionId,
			Key:           key,
			MiniblockNum:  miniblockNum,
			MiniblockHash: miniblockHash,
		})
	})
}
