package engine

import (
	"context"
	"fmt"

	"github.com/rvr-protocol/streamsync/src/utils/logger"
	monitor_engine "github.com/rvr-protocol/streamsync/src/utils/monitoring/engine"
	"github.com/rvr-protocol/streamsync/src/utils/store"
	"github.com/rvr-protocol/streamsync/src/utils/streams"

	"github.com/sirupsen/logrus"
)

// SyncedStream bridges one stream's in-memory view to the record store. On
// initialization it restores the view from the persisted checkpoint or from
// an authoritative remote response, on live updates it appends events and
// persists newly sealed miniblocks together with a fresh checkpoint.
//
// Mutated only by the session's single update worker, see SyncSession.
type SyncedStream struct {
	StreamId streams.StreamId

	log   *logrus.Entry
	store *store.RecordStore
	view  *streams.StreamView

	monitor        *monitor_engine.Monitor
	snapshotFields streams.SnapshotFields
}

func NewSyncedStream(streamId streams.StreamId, recordStore *store.RecordStore) (self *SyncedStream) {
	self = new(SyncedStream)
	self.StreamId = streamId
	self.log = logger.NewSublogger("synced-stream").WithField("streamId", streamId)
	self.store = recordStore
	self.view = streams.NewStreamView(streamId)
	self.snapshotFields = streams.DefaultSnapshotFields
	return
}

func (self *SyncedStream) WithMonitor(monitor *monitor_engine.Monitor) *SyncedStream {
	self.monitor = monitor
	return self
}

// WithSnapshotFields overrides the enumeration of encrypted snapshot fields
// whose cleartexts get prefetched on initialization
func (self *SyncedStream) WithSnapshotFields(fields streams.SnapshotFields) *SyncedStream {
	self.snapshotFields = fields
	return self
}

func (self *SyncedStream) View() *streams.StreamView {
	return self.view
}

// InitializeFromPersistence restores the view from the persisted checkpoint.
// ok is false on any cache miss: no checkpoint, an incomplete miniblock range
// or a first miniblock without an embedded snapshot. The caller falls back
// to an authoritative remote fetch, a miss is never an error.
func (self *SyncedStream) InitializeFromPersistence(ctx context.Context) (ok bool, err error) {
	checkpoint, ok, err := self.store.GetCheckpoint(ctx, self.StreamId)
	if err != nil || !ok {
		return false, err
	}

	wire, ok, err := self.store.GetMiniblockRange(
		ctx,
		self.StreamId,
		checkpoint.LastSnapshotMiniblockNum,
		checkpoint.LastMiniblockNum,
	)
	if err != nil || !ok {
		return false, err
	}

	miniblocks := make([]*streams.ParsedMiniblock, 0, len(wire))
	for _, miniblock := range wire {
		parsed, err := miniblock.Parse()
		if err != nil {
			self.log.WithError(err).Warn("Dropping unparsable cached miniblock range")
			return false, nil
		}
		miniblocks = append(miniblocks, parsed)
	}

	snapshot := miniblocks[0].Header.Snapshot
	if snapshot == nil {
		return false, nil
	}

	minipool, err := streams.ParseEnvelopes(checkpoint.MinipoolEvents)
	if err != nil {
		self.log.WithError(err).Warn("Dropping checkpoint with unparsable minipool")
		return false, nil
	}

	cleartexts, err := self.prefetchCleartexts(ctx, snapshot, miniblocks, minipool)
	if err != nil {
		return false, err
	}

	err = self.view.Rehydrate(snapshot, miniblocks, minipool, checkpoint.SyncCookie, cleartexts)
	if err != nil {
		return false, err
	}

	self.log.WithField("lastMiniblockNum", checkpoint.LastMiniblockNum).Debug("Restored stream from persistence")
	return true, nil
}

// Initialize rebuilds the view from an authoritative remote response and
// replaces the persisted checkpoint wholesale. This path always wins over
// whatever checkpoint was persisted before.
func (self *SyncedStream) Initialize(
	ctx context.Context,
	cookie *streams.SyncCookie,
	minipoolEvents []*streams.Envelope,
	wire []*streams.Miniblock,
) (err error) {
	if len(wire) == 0 {
		return fmt.Errorf("stream %s: cannot initialize without miniblocks", self.StreamId)
	}

	miniblocks := make([]*streams.ParsedMiniblock, 0, len(wire))
	for _, miniblock := range wire {
		parsed, err := miniblock.Parse()
		if err != nil {
			return err
		}
		miniblocks = append(miniblocks, parsed)
	}

	snapshot := miniblocks[0].Header.Snapshot
	if snapshot == nil {
		return fmt.Errorf("stream %s: first miniblock %d carries no snapshot",
			self.StreamId, miniblocks[0].Header.MiniblockNum)
	}

	minipool, err := streams.ParseEnvelopes(minipoolEvents)
	if err != nil {
		return err
	}

	cleartexts, err := self.prefetchCleartexts(ctx, snapshot, miniblocks, minipool)
	if err != nil {
		return err
	}

	err = self.view.Rehydrate(snapshot, miniblocks, minipool, cookie, cleartexts)
	if err != nil {
		return err
	}

	err = self.store.SaveMiniblocks(ctx, self.StreamId, wire)
	if err != nil {
		return err
	}

	return self.store.SaveCheckpoint(ctx, self.StreamId, &store.Checkpoint{
		SyncCookie:               cookie,
		LastSnapshotMiniblockNum: miniblocks[0].Header.MiniblockNum,
		LastMiniblockNum:         miniblocks[len(miniblocks)-1].Header.MiniblockNum,
		MinipoolEvents:           minipoolEvents,
	})
}

// AppendEvents applies incremental events in the order the server emitted
// them, never reordered locally. Miniblock headers additionally trigger
// sealing and a checkpoint rewrite.
func (self *SyncedStream) AppendEvents(ctx context.Context, envelopes []*streams.Envelope, nextCookie *streams.SyncCookie) (err error) {
	for _, envelope := range envelopes {
		event, err := envelope.Parse()
		if err != nil {
			return err
		}

		self.view.AppendEvent(event)

		if _, ok := event.Payload.(*streams.MiniblockHeaderPayload); ok {
			err = self.onMiniblockHeader(ctx, event)
			if err != nil {
				return err
			}
		}
	}

	self.view.SetSyncCookie(nextCookie)
	return nil
}

// onMiniblockHeader seals the referenced events into a miniblock, persists
// it and rewrites the checkpoint from the view's current state. A header
// referencing an event the client never saw is a fatal consistency fault.
func (self *SyncedStream) onMiniblockHeader(ctx context.Context, headerEvent *streams.ParsedEvent) (err error) {
	sealed, err := self.view.SealMiniblock(headerEvent)
	if err != nil {
		return err
	}

	wire, err := sealed.Wire()
	if err != nil {
		return err
	}

	err = self.store.SaveMiniblock(ctx, self.StreamId, wire)
	if err != nil {
		if self.monitor != nil {
			self.monitor.Report.Session.Errors.PersistenceErrors.Inc()
		}
		return err
	}

	if self.monitor != nil {
		self.monitor.Report.Session.State.MiniblocksSealed.Inc()
	}
	self.log.WithField("miniblockNum", sealed.Header.MiniblockNum).Debug("Sealed miniblock")

	return self.saveCheckpoint(ctx)
}

func (self *SyncedStream) saveCheckpoint(ctx context.Context) (err error) {
	minipool := self.view.MinipoolEvents()
	envelopes := make([]*streams.Envelope, 0, len(minipool))
	for _, event := range minipool {
		envelope, err := event.Envelope()
		if err != nil {
			return err
		}
		envelopes = append(envelopes, envelope)
	}

	err = self.store.SaveCheckpoint(ctx, self.StreamId, &store.Checkpoint{
		SyncCookie:               self.view.SyncCookie(),
		LastSnapshotMiniblockNum: self.view.LastSnapshotMiniblockNum(),
		LastMiniblockNum:         self.view.LastMiniblockNum(),
		MinipoolEvents:           envelopes,
	})
	if err != nil && self.monitor != nil {
		self.monitor.Report.Session.Errors.PersistenceErrors.Inc()
	}
	return
}

// prefetchCleartexts bulk-loads cached plaintexts for every event hash the
// view is about to hold, plus the hashes referenced by the snapshot's
// encrypted fields. Missing entries just stay encrypted.
func (self *SyncedStream) prefetchCleartexts(
	ctx context.Context,
	snapshot *streams.Snapshot,
	miniblocks []*streams.ParsedMiniblock,
	minipool []*streams.ParsedEvent,
) (cleartexts map[string][]byte, err error) {
	var hashes []string
	for _, miniblock := range miniblocks {
		for _, event := range miniblock.Events {
			hashes = append(hashes, event.Hash)
		}
		hashes = append(hashes, miniblock.HeaderEvent.Hash)
	}
	for _, event := range minipool {
		hashes = append(hashes, event.Hash)
	}
	hashes = append(hashes, self.snapshotFields(snapshot)...)

	return self.store.GetCleartexts(ctx, hashes)
}
