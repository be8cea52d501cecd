package streams

import (
	"fmt"

	"golang.org/x/exp/slices"
)

// StreamView is the in-memory reconciled state of one stream, built from a
// snapshot, the miniblocks after it and the minipool of unconfirmed events.
// Not safe for concurrent use, mutated only by the session's update worker.
type StreamView struct {
	StreamId StreamId

	// Ordered timeline, confirmed events first, then the minipool
	timeline []*ParsedEvent

	// All known events by hash, both confirmed and unconfirmed
	events map[string]*ParsedEvent

	snapshot *Snapshot
	cookie   *SyncCookie

	// Decrypted payloads keyed by event hash
	cleartexts map[string][]byte

	// Joined members derived from the snapshot plus membership events
	members map[string]bool

	lastMiniblockNum         int64
	lastSnapshotMiniblockNum int64
}

func NewStreamView(streamId StreamId) (self *StreamView) {
	self = new(StreamView)
	self.StreamId = streamId
	self.events = make(map[string]*ParsedEvent)
	self.cleartexts = make(map[string][]byte)
	self.members = make(map[string]bool)
	self.lastMiniblockNum = MiniblockNumNone
	self.lastSnapshotMiniblockNum = MiniblockNumNone
	return
}

// Rehydrate rebuilds the view from a snapshot, the contiguous miniblocks
// following it, the minipool of unconfirmed events and cached cleartexts.
// Replaces the whole previous state.
func (self *StreamView) Rehydrate(
	snapshot *Snapshot,
	miniblocks []*ParsedMiniblock,
	minipool []*ParsedEvent,
	cookie *SyncCookie,
	cleartexts map[string][]byte,
) (err error) {
	if len(miniblocks) == 0 {
		return fmt.Errorf("stream %s: cannot rehydrate without miniblocks", self.StreamId)
	}

	self.timeline = nil
	self.events = make(map[string]*ParsedEvent)
	self.members = make(map[string]bool)
	self.snapshot = snapshot
	self.cookie = cookie

	self.cleartexts = make(map[string][]byte, len(cleartexts))
	for hash, cleartext := range cleartexts {
		self.cleartexts[hash] = cleartext
	}

	for _, member := range snapshot.Members {
		self.members[member.UserId] = true
	}

	self.lastSnapshotMiniblockNum = miniblocks[0].Header.MiniblockNum
	for _, miniblock := range miniblocks {
		for _, event := range miniblock.Events {
			self.addEvent(event)
		}
		self.addEvent(miniblock.HeaderEvent)
		self.lastMiniblockNum = miniblock.Header.MiniblockNum
	}

	for _, event := range minipool {
		event.MiniblockNum = MiniblockNumNone
		self.addEvent(event)
	}

	return nil
}

// AppendEvent adds a live event to the timeline in arrival order.
// Duplicate hashes are ignored, the event hash is stable across the
// minipool and sealed states.
func (self *StreamView) AppendEvent(event *ParsedEvent) {
	if _, ok := self.events[event.Hash]; ok {
		return
	}
	self.addEvent(event)
}

func (self *StreamView) addEvent(event *ParsedEvent) {
	if existing, ok := self.events[event.Hash]; ok {
		// Same event observed again, possibly now confirmed
		if event.IsConfirmed() && !existing.IsConfirmed() {
			existing.MiniblockNum = event.MiniblockNum
		}
		return
	}

	self.events[event.Hash] = event
	self.timeline = append(self.timeline, event)

	if payload, ok := event.Payload.(*MembershipPayload); ok {
		switch payload.Op {
		case MembershipJoin:
			self.members[payload.UserId] = true
		case MembershipLeave:
			delete(self.members, payload.UserId)
		case MembershipInvite:
			// Invited users are not members yet
		}
	}
}

// SealMiniblock confirms the events referenced by a miniblock header that
// arrived in the live stream. Every referenced hash must resolve to an
// already seen event, a miss means the client skipped an update and cannot
// trust its local state.
func (self *StreamView) SealMiniblock(headerEvent *ParsedEvent) (sealed *ParsedMiniblock, err error) {
	header, ok := headerEvent.Payload.(*MiniblockHeaderPayload)
	if !ok {
		return nil, fmt.Errorf("stream %s: event %s is not a miniblock header", self.StreamId, headerEvent.Hash)
	}

	events := make([]*ParsedEvent, 0, len(header.EventHashes))
	for _, hash := range header.EventHashes {
		event, ok := self.events[hash]
		if !ok {
			return nil, fmt.Errorf("stream %s: miniblock %d references unknown event %s",
				self.StreamId, header.MiniblockNum, hash)
		}
		events = append(events, event)
	}

	for _, event := range events {
		event.MiniblockNum = header.MiniblockNum
	}
	headerEvent.MiniblockNum = header.MiniblockNum

	self.lastMiniblockNum = header.MiniblockNum
	if header.Snapshot != nil {
		self.snapshot = header.Snapshot
		self.lastSnapshotMiniblockNum = header.MiniblockNum
	}

	sealed = &ParsedMiniblock{
		Header:      header,
		HeaderEvent: headerEvent,
		Events:      events,
	}
	return
}

// MinipoolEvents returns the timeline subset not yet sealed into a miniblock,
// in arrival order.
func (self *StreamView) MinipoolEvents() (minipool []*ParsedEvent) {
	for _, event := range self.timeline {
		if !event.IsConfirmed() {
			minipool = append(minipool, event)
		}
	}
	return
}

func (self *StreamView) Timeline() []*ParsedEvent {
	return self.timeline
}

func (self *StreamView) Event(hash string) (event *ParsedEvent, ok bool) {
	event, ok = self.events[hash]
	return
}

func (self *StreamView) Cleartext(hash string) (cleartext []byte, ok bool) {
	cleartext, ok = self.cleartexts[hash]
	return
}

func (self *StreamView) AddCleartext(hash string, cleartext []byte) {
	self.cleartexts[hash] = cleartext
}

func (self *StreamView) IsMember(userId string) bool {
	return self.members[userId]
}

func (self *StreamView) Members() (members []string) {
	for userId := range self.members {
		members = append(members, userId)
	}
	slices.Sort(members)
	return
}

func (self *StreamView) Snapshot() *Snapshot {
	return self.snapshot
}

func (self *StreamView) SyncCookie() *SyncCookie {
	return self.cookie
}

func (self *StreamView) SetSyncCookie(cookie *SyncCookie) {
	if cookie != nil {
		self.cookie = cookie
	}
}

func (self *StreamView) LastMiniblockNum() int64 {
	return self.lastMiniblockNum
}

func (self *StreamView) LastSnapshotMiniblockNum() int64 {
	return self.lastSnapshotMiniblockNum
}
