package engine

import (
	"context"
	"fmt"

	"github.com/rvr-protocol/streamsync/src/crypto"
	"github.com/rvr-protocol/streamsync/src/utils/config"
	"github.com/rvr-protocol/streamsync/src/utils/model"
	monitor_engine "github.com/rvr-protocol/streamsync/src/utils/monitoring/engine"
	"github.com/rvr-protocol/streamsync/src/utils/rpc"
	"github.com/rvr-protocol/streamsync/src/utils/store"
	"github.com/rvr-protocol/streamsync/src/utils/streams"
	"github.com/rvr-protocol/streamsync/src/utils/task"
)

// Controller wires the whole engine together: the database, the record
// store, the node clients, the encryption device and the sync session,
// all running under one task tree.
type Controller struct {
	*task.Task

	monitor  *monitor_engine.Monitor
	notifier *Notifier
	store    *store.RecordStore
	fetcher  *rpc.Fetcher
	session  *SyncSession

	device *crypto.Device
	group  *crypto.GroupEncryption
	hybrid *crypto.HybridGroupEncryption
}

func NewController(config *config.Config, userId string, sharer crypto.KeySharer) (self *Controller, err error) {
	self = new(Controller)

	self.Task = task.NewTask(config, "controller")

	self.monitor = monitor_engine.NewMonitor()

	server := NewServer(config).
		WithMonitor(self.monitor)

	db, err := model.NewConnection(self.Ctx, config, "streamsync")
	if err != nil {
		return nil, err
	}

	self.store = store.NewRecordStore(config, db)
	self.fetcher = rpc.NewFetcher(config)
	self.notifier = NewNotifier(config.Session.NotificationBufferSize)

	client := rpc.NewWebsocketClient(self.Ctx, config)

	self.session = NewSyncSession(config).
		WithClient(client).
		WithMonitor(self.monitor).
		WithNotifier(self.notifier)

	if sharer == nil {
		// Keys get delivered through the node's key-delivery endpoint
		sharer = self.fetcher
	}

	self.device = crypto.NewDevice(config, crypto.NewStore(db), crypto.NewDefaultDelegate(), userId).
		WithMonitor(self.monitor)
	self.group = crypto.NewGroupEncryption(config, self.device, sharer).
		WithMonitor(self.monitor)
	self.hybrid = crypto.NewHybridGroupEncryption(self.device).
		WithMonitor(self.monitor)

	self.Task = self.Task.
		WithOnBeforeStart(func() error {
			return self.device.Init(self.Ctx)
		}).
		WithSubtask(self.monitor.Task).
		WithSubtask(server.Task).
		WithSubtask(self.session.Task).
		WithOnAfterStop(self.group.Stop)

	return
}

// TrackStream brings one stream under sync. The persisted checkpoint is
// tried first, any cache miss falls back to an authoritative remote fetch
// which then replaces whatever was persisted.
func (self *Controller) TrackStream(ctx context.Context, streamId streams.StreamId) (stream *SyncedStream, err error) {
	stream = NewSyncedStream(streamId, self.store).
		WithMonitor(self.monitor)

	ok, err := stream.InitializeFromPersistence(ctx)
	if err != nil {
		return nil, err
	}

	if !ok {
		response, err := self.fetcher.GetStream(ctx, streamId)
		if err != nil {
			return nil, err
		}

		err = stream.Initialize(
			ctx,
			response.Stream.NextSyncCookie,
			response.Stream.Events,
			response.Stream.Miniblocks,
		)
		if err != nil {
			return nil, err
		}
	}

	err = self.session.AddStream(ctx, stream)
	if rpc.IsBadSyncCookie(err) {
		// The persisted cookie went stale, refresh from the node and retry
		response, err := self.fetcher.GetStream(ctx, streamId)
		if err != nil {
			return nil, err
		}

		err = stream.Initialize(
			ctx,
			response.Stream.NextSyncCookie,
			response.Stream.Events,
			response.Stream.Miniblocks,
		)
		if err != nil {
			return nil, err
		}

		return stream, self.session.AddStream(ctx, stream)
	}
	if err != nil {
		return nil, err
	}
	return
}

func (self *Controller) UntrackStream(ctx context.Context, streamId streams.StreamId) {
	self.session.RemoveStream(ctx, streamId)
}

// DecryptEvent resolves an event's cleartext: the cached value when one
// exists, otherwise the payload is decrypted under the algorithm it names and
// the cleartext is persisted so restored views come back readable
func (self *Controller) DecryptEvent(ctx context.Context, stream *SyncedStream, event *streams.ParsedEvent) (cleartext []byte, err error) {
	if cleartext, ok := stream.View().Cleartext(event.Hash); ok {
		return cleartext, nil
	}

	data, err := encryptedData(event)
	if err != nil {
		return nil, err
	}

	switch data.Algorithm {
	case crypto.AlgorithmGroupEncryption:
		cleartext, err = self.group.Decrypt(ctx, stream.StreamId, data)
	case crypto.AlgorithmHybridGroupEncryption:
		cleartext, err = self.hybrid.Decrypt(ctx, stream.StreamId, data)
	default:
		return nil, fmt.Errorf("event %s: unknown encryption algorithm: %s", event.Hash, data.Algorithm)
	}
	if err != nil {
		return nil, err
	}

	stream.View().AddCleartext(event.Hash, cleartext)

	err = self.store.SaveCleartext(ctx, event.Hash, cleartext)
	if err != nil {
		self.Log.WithError(err).WithField("eventHash", event.Hash).
			Warn("Failed to persist cleartext")
	}
	return cleartext, nil
}

// encryptedData extracts the encrypted payload of the event variants that
// carry one
func encryptedData(event *streams.ParsedEvent) (*crypto.EncryptedData, error) {
	switch payload := event.Payload.(type) {
	case *streams.MessagePayload:
		return &crypto.EncryptedData{
			Algorithm:  payload.Algorithm,
			SessionId:  payload.SessionId,
			Ciphertext: payload.Ciphertext,
			SenderKey:  payload.SenderKey,
		}, nil
	case *streams.UsernamePayload:
		return &crypto.EncryptedData{
			Algorithm:  payload.Algorithm,
			SessionId:  payload.SessionId,
			Ciphertext: payload.Ciphertext,
		}, nil
	case *streams.DisplayNamePayload:
		return &crypto.EncryptedData{
			Algorithm:  payload.Algorithm,
			SessionId:  payload.SessionId,
			Ciphertext: payload.Ciphertext,
		}, nil
	case *streams.ChannelPropertiesPayload:
		return &crypto.EncryptedData{
			Algorithm:  payload.Algorithm,
			SessionId:  payload.SessionId,
			Ciphertext: payload.Ciphertext,
		}, nil
	default:
		return nil, fmt.Errorf("event %s carries no encrypted payload", event.Hash)
	}
}

// Notifications is the outward channel the application layer subscribes to
func (self *Controller) Notifications() <-chan Notification {
	return self.notifier.Channel()
}

func (self *Controller) Session() *SyncSession {
	return self.session
}

func (self *Controller) Device() *crypto.Device {
	return self.device
}

func (self *Controller) GroupEncryption() *crypto.GroupEncryption {
	return self.group
}

func (self *Controller) HybridGroupEncryption() *crypto.HybridGroupEncryption {
	return self.hybrid
}
