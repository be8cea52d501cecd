package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rvr-protocol/streamsync/src/utils/config"
	monitor_engine "github.com/rvr-protocol/streamsync/src/utils/monitoring/engine"
	"github.com/rvr-protocol/streamsync/src/utils/rpc"
	"github.com/rvr-protocol/streamsync/src/utils/streams"
	"github.com/rvr-protocol/streamsync/src/utils/task"

	"github.com/gammazero/deque"
)

// SyncSession owns the multiplexed subscription for every tracked stream:
// the state machine, reconnect backoff, the update queue and its ordering.
// At most one sync loop runs per session.
type SyncSession struct {
	*task.Task

	client   rpc.Client
	monitor  *monitor_engine.Monitor
	notifier *Notifier

	// State machine fields, all guarded by stateMtx
	stateMtx   sync.Mutex
	state      SyncState
	syncId     string
	retryCount int
	active     rpc.SyncStream

	streamsMtx sync.RWMutex
	streams    map[streams.StreamId]*SyncedStream

	// FIFO of received updates, drained by a single opportunistic worker
	queueMtx sync.Mutex
	queue    *deque.Deque[*rpc.SyncResponse]
	draining bool

	// Wakes a pending backoff sleep, buffered so stop never blocks on it
	wakeRetry chan struct{}

	// The loop's own context, separate from the task's so stop can let the
	// server acknowledge the cancellation before force-terminating
	loopCtx    context.Context
	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

func NewSyncSession(config *config.Config) (self *SyncSession) {
	self = new(SyncSession)

	self.state = SyncStateNotSyncing
	self.streams = make(map[streams.StreamId]*SyncedStream)
	self.queue = deque.New[*rpc.SyncResponse](config.Session.UpdateQueueMinCapacity)
	self.wakeRetry = make(chan struct{}, 1)

	self.loopCtx, self.loopCancel = context.WithCancel(context.Background())
	self.loopDone = make(chan struct{})

	self.Task = task.NewTask(config, "sync-session").
		WithOnBeforeStart(self.begin).
		WithSubtaskFunc(self.run).
		WithOnStop(self.stop)

	return
}

func (self *SyncSession) WithClient(client rpc.Client) *SyncSession {
	self.client = client
	return self
}

func (self *SyncSession) WithMonitor(monitor *monitor_engine.Monitor) *SyncSession {
	self.monitor = monitor
	return self
}

func (self *SyncSession) WithNotifier(notifier *Notifier) *SyncSession {
	self.notifier = notifier
	return self
}

// State returns the current sync state
func (self *SyncSession) State() SyncState {
	self.stateMtx.Lock()
	defer self.stateMtx.Unlock()
	return self.state
}

// SyncId returns the server-assigned id of the live subscription, empty
// while no subscription is established
func (self *SyncSession) SyncId() string {
	self.stateMtx.Lock()
	defer self.stateMtx.Unlock()
	return self.syncId
}

// transition moves the state machine, failing without a state change when
// the edge is not in the transition table
func (self *SyncSession) transition(to SyncState) (err error) {
	self.stateMtx.Lock()
	defer self.stateMtx.Unlock()
	return self.transitionLocked(to)
}

func (self *SyncSession) transitionLocked(to SyncState) (err error) {
	if !canTransition(self.state, to) {
		return &StateTransitionError{From: self.state, To: to}
	}
	self.state = to
	if self.monitor != nil {
		self.monitor.Report.Session.State.SyncState.Store(int32(to))
	}
	return nil
}

// begin runs before any subtask is spawned. Starting is valid only from the
// not-syncing state, a second start while a loop is active is a fault.
// Start returns once the loop has been scheduled, not once connected.
func (self *SyncSession) begin() (err error) {
	err = self.transition(SyncStateStarting)
	if err != nil {
		return
	}

	self.notifier.emit(Notification{Kind: NotifySyncStarting})
	return nil
}

// Stop requests a graceful shutdown, see the onStop hook for the protocol.
// Safe to call when the loop already terminated on its own.
func (self *SyncSession) Stop() {
	self.stateMtx.Lock()
	stopped := self.state == SyncStateNotSyncing
	self.stateMtx.Unlock()

	if stopped {
		self.Log.Warn("Sync session already stopped")
		return
	}
	self.Task.Stop()
}

// Tracked streams ------------------------------------------------------------

func (self *SyncSession) GetStream(streamId streams.StreamId) (stream *SyncedStream, ok bool) {
	self.streamsMtx.RLock()
	defer self.streamsMtx.RUnlock()
	stream, ok = self.streams[streamId]
	return
}

// AddStream starts tracking the stream. While a subscription is live its
// cookie is added to it incrementally, a stale-cookie failure is returned to
// the caller who holds the context needed to refresh it. Outside the syncing
// state this is a no-op, the next loop iteration gathers cookies fresh.
func (self *SyncSession) AddStream(ctx context.Context, stream *SyncedStream) (err error) {
	self.streamsMtx.Lock()
	self.streams[stream.StreamId] = stream
	count := len(self.streams)
	self.streamsMtx.Unlock()

	if self.monitor != nil {
		self.monitor.Report.Session.State.TrackedStreams.Store(int64(count))
	}

	self.stateMtx.Lock()
	state, syncId := self.state, self.syncId
	self.stateMtx.Unlock()
	if state != SyncStateSyncing || syncId == "" {
		return nil
	}

	cookie := stream.View().SyncCookie()
	if cookie.IsZero() {
		return nil
	}

	err = self.client.AddStreamToSync(ctx, syncId, cookie)
	if err != nil {
		if rpc.IsBadSyncCookie(err) {
			return err
		}
		// The outer loop resyncs from scratch on the next reconnect
		self.Log.WithError(err).WithField("streamId", stream.StreamId).
			Warn("Failed to extend the live subscription")
	}
	return nil
}

// RemoveStream stops tracking the stream and, while syncing, drops it from
// the live subscription
func (self *SyncSession) RemoveStream(ctx context.Context, streamId streams.StreamId) {
	self.streamsMtx.Lock()
	_, tracked := self.streams[streamId]
	delete(self.streams, streamId)
	count := len(self.streams)
	self.streamsMtx.Unlock()

	if !tracked {
		return
	}

	if self.monitor != nil {
		self.monitor.Report.Session.State.TrackedStreams.Store(int64(count))
	}
	self.notifier.emit(Notification{Kind: NotifyStreamRemovedFromSync, StreamId: streamId})

	self.stateMtx.Lock()
	state, syncId := self.state, self.syncId
	self.stateMtx.Unlock()
	if state != SyncStateSyncing || syncId == "" {
		return
	}

	err := self.client.RemoveStreamFromSync(ctx, syncId, streamId)
	if err != nil {
		self.Log.WithError(err).WithField("streamId", streamId).
			Warn("Failed to drop the stream from the live subscription")
	}
}

func (self *SyncSession) gatherCookies() (cookies []*streams.SyncCookie) {
	self.streamsMtx.RLock()
	defer self.streamsMtx.RUnlock()
	for _, stream := range self.streams {
		cookie := stream.View().SyncCookie()
		if !cookie.IsZero() {
			cookies = append(cookies, cookie)
		}
	}
	return
}

// Sync loop ------------------------------------------------------------------

func (self *SyncSession) isRunning() bool {
	self.stateMtx.Lock()
	defer self.stateMtx.Unlock()
	switch self.state {
	case SyncStateStarting, SyncStateSyncing, SyncStateRetrying:
		return true
	default:
		return false
	}
}

func (self *SyncSession) run() (err error) {
	defer close(self.loopDone)
	defer self.finalize()

	for self.isRunning() {
		err = self.runIteration()
		if err == nil {
			continue
		}

		if !self.isRunning() {
			// Stop raced the subscription error, nothing to recover
			return nil
		}

		self.Log.WithError(err).Error("Subscription failed")
		if self.monitor != nil {
			self.monitor.Report.Session.Errors.SubscriptionErrors.Inc()
		}

		err = self.attemptRetry()
		if err != nil {
			// Illegal transition into retrying is a hard fault of the loop
			self.Log.WithError(err).Error("Cannot retry, terminating the sync loop")
			if self.monitor != nil {
				self.monitor.Report.Session.Errors.ProtocolFaults.Inc()
			}
			return err
		}
	}
	return nil
}

// runIteration opens one subscription carrying every tracked stream's cookie
// and consumes its messages until the stream errors or gets closed
func (self *SyncSession) runIteration() (err error) {
	self.stateMtx.Lock()
	self.syncId = ""
	self.stateMtx.Unlock()

	subscription, err := self.client.SyncStreams(self.loopCtx, self.gatherCookies())
	if err != nil {
		return fmt.Errorf("failed to open the subscription: %w", err)
	}

	self.stateMtx.Lock()
	self.active = subscription
	self.stateMtx.Unlock()

	defer func() {
		self.stateMtx.Lock()
		self.active = nil
		self.stateMtx.Unlock()
		closeErr := subscription.Close()
		if closeErr != nil && !errors.Is(closeErr, context.Canceled) {
			self.Log.WithError(closeErr).Debug("Failed to close the subscription")
		}
	}()

	for {
		response, err := subscription.Recv(self.loopCtx)
		if err != nil {
			if !self.isRunning() {
				return nil
			}
			return fmt.Errorf("failed to read the subscription: %w", err)
		}

		switch response.Op {
		case rpc.SyncOpNew:
			err = self.handleSyncNew(response.SyncId)
			if err != nil {
				return err
			}

		case rpc.SyncOpClose:
			if self.State() == SyncStateCanceling {
				// Expected acknowledgment of our cancel request
				self.Log.Debug("Server acknowledged the cancellation")
				return nil
			}
			return errors.New("server closed the subscription")

		case rpc.SyncOpUpdate:
			self.enqueue(response)

		default:
			if self.monitor != nil {
				self.monitor.Report.Session.Errors.ProtocolFaults.Inc()
			}
			return fmt.Errorf("unknown sync op: %s", response.Op)
		}
	}
}

func (self *SyncSession) handleSyncNew(syncId string) (err error) {
	self.stateMtx.Lock()
	if self.syncId != "" {
		self.stateMtx.Unlock()
		if self.monitor != nil {
			self.monitor.Report.Session.Errors.ProtocolFaults.Inc()
		}
		return fmt.Errorf("received SYNC_NEW while sync id %s is set", self.syncId)
	}

	err = self.transitionLocked(SyncStateSyncing)
	if err != nil {
		self.stateMtx.Unlock()
		if self.monitor != nil {
			self.monitor.Report.Session.Errors.ProtocolFaults.Inc()
		}
		return err
	}

	self.syncId = syncId
	self.retryCount = 0
	self.stateMtx.Unlock()

	if self.monitor != nil {
		self.monitor.Report.Session.State.LastSyncTimestamp.Store(time.Now().Unix())
	}
	self.Log.WithField("syncId", syncId).Info("Sync established")
	self.notifier.emit(Notification{Kind: NotifySyncing, SyncId: syncId})
	self.notifier.emit(Notification{Kind: NotifyStreamSyncActive, Active: true})
	return nil
}

// attemptRetry transitions into the retrying state, computes the backoff
// delay and sleeps it out. The sleep is woken early by stop.
func (self *SyncSession) attemptRetry() (err error) {
	self.stateMtx.Lock()
	if self.state != SyncStateRetrying {
		err = self.transitionLocked(SyncStateRetrying)
		if err != nil {
			self.stateMtx.Unlock()
			return err
		}
		self.syncId = ""
		self.notifier.emit(Notification{Kind: NotifyStreamSyncActive, Active: false})
	}

	delay := self.retryDelayLocked()
	if self.retryCount < self.Config.Session.RetryMaxExponent {
		self.retryCount++
	}
	self.stateMtx.Unlock()

	if self.monitor != nil {
		self.monitor.Report.Session.State.Retries.Inc()
	}
	self.Log.WithField("delay", delay).Info("Retrying sync")
	self.notifier.emit(Notification{Kind: NotifySyncRetrying, Delay: delay})

	select {
	case <-time.After(delay):
	case <-self.wakeRetry:
		self.Log.Debug("Backoff sleep interrupted")
	case <-self.loopCtx.Done():
	}
	return nil
}

// retryDelayLocked doubles the base delay on every consecutive failure up
// to the configured exponent cap. The counter resets only on SYNC_NEW.
func (self *SyncSession) retryDelayLocked() time.Duration {
	exponent := self.retryCount + 1
	if exponent > self.Config.Session.RetryMaxExponent {
		exponent = self.Config.Session.RetryMaxExponent
	}
	return self.Config.Session.RetryBaseDelay * (1 << exponent)
}

// Update queue ---------------------------------------------------------------

// enqueue pushes an update and schedules the drain worker unless one is
// already running. Never more than one update is in flight, updates apply
// in arrival order.
func (self *SyncSession) enqueue(response *rpc.SyncResponse) {
	self.queueMtx.Lock()
	self.queue.PushBack(response)
	if !self.draining {
		self.draining = true
		go self.drainQueue()
	}
	self.queueMtx.Unlock()
}

func (self *SyncSession) drainQueue() {
	for {
		self.queueMtx.Lock()
		if self.queue.Len() == 0 {
			self.draining = false
			self.queueMtx.Unlock()
			return
		}
		response := self.queue.PopFront()
		self.queueMtx.Unlock()

		self.processUpdate(response)
	}
}

// processUpdate applies one update to its stream. Staleness is checked at
// processing time, not arrival time, so updates queued before a reconnect
// get dropped once the sync id changes.
func (self *SyncSession) processUpdate(response *rpc.SyncResponse) {
	self.stateMtx.Lock()
	current := self.syncId
	self.stateMtx.Unlock()

	if response.SyncId != current {
		if self.monitor != nil {
			self.monitor.Report.Session.State.UpdatesDropped.Inc()
		}
		self.Log.WithField("syncId", response.SyncId).Debug("Dropping stale update")
		return
	}

	if response.Stream == nil {
		if self.monitor != nil {
			self.monitor.Report.Session.Errors.ProtocolFaults.Inc()
		}
		self.Log.Warn("Dropping update without a stream payload")
		return
	}

	stream, ok := self.GetStream(response.Stream.StreamId)
	if !ok {
		if self.monitor != nil {
			self.monitor.Report.Session.State.UpdatesDropped.Inc()
		}
		self.Log.WithField("streamId", response.Stream.StreamId).Debug("Dropping update for untracked stream")
		return
	}

	err := stream.AppendEvents(self.loopCtx, response.Stream.Events, response.Stream.NextSyncCookie)
	if err != nil {
		// The in-memory view may now be ahead of the persisted checkpoint,
		// which is safe, checkpoints are a resume hint and the remote stays
		// the source of truth
		if self.monitor != nil {
			self.monitor.Report.Session.Errors.UpdateProcessingErrors.Inc()
		}
		self.Log.WithError(err).WithField("streamId", response.Stream.StreamId).
			Error("Failed to apply update, dropping it")
		return
	}

	if self.monitor != nil {
		self.monitor.Report.Session.State.UpdatesApplied.Inc()
		self.monitor.Report.Session.State.LastSyncTimestamp.Store(time.Now().Unix())
	}
	self.notifier.emit(Notification{
		Kind:      NotifyStreamUpdated,
		StreamId:  response.Stream.StreamId,
		NumEvents: len(response.Stream.Events),
	})
}

// Stop protocol --------------------------------------------------------------

// stop runs as the task's stop hook. It drops all queued updates, wakes a
// pending backoff sleep, asks the server to cancel the subscription and
// races the loop's own termination against the watchdog. When the watchdog
// fires first the loop is force-terminated without waiting for the server.
func (self *SyncSession) stop() {
	self.stateMtx.Lock()
	if !canTransition(self.state, SyncStateCanceling) {
		self.stateMtx.Unlock()
		self.Log.Warn("Sync loop is not running, nothing to cancel")
		return
	}
	err := self.transitionLocked(SyncStateCanceling)
	syncId := self.syncId
	self.stateMtx.Unlock()
	if err != nil {
		self.Log.WithError(err).Warn("Failed to enter the canceling state")
		return
	}

	self.queueMtx.Lock()
	dropped := self.queue.Len()
	self.queue.Clear()
	self.queueMtx.Unlock()
	if dropped > 0 {
		self.Log.WithField("dropped", dropped).Debug("Cleared pending updates")
	}

	// Wake a pending backoff sleep
	select {
	case self.wakeRetry <- struct{}{}:
	default:
	}

	self.notifier.emit(Notification{Kind: NotifySyncCanceling, SyncId: syncId})

	if syncId != "" {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), self.Config.Session.StopWatchdogTimeout)
			defer cancel()
			err := self.client.CancelSync(ctx, syncId)
			if err != nil {
				self.Log.WithError(err).Warn("Best-effort sync cancellation failed")
			}
		}()
	}

	select {
	case <-self.loopDone:
	case <-time.After(self.Config.Session.StopWatchdogTimeout):
		self.Log.Warn("Stop watchdog fired, force-terminating the subscription")
		self.loopCancel()
		self.closeActiveStream()
		<-self.loopDone
	}
}

func (self *SyncSession) closeActiveStream() {
	self.stateMtx.Lock()
	active := self.active
	self.stateMtx.Unlock()
	if active != nil {
		err := active.Close()
		if err != nil && !errors.Is(err, context.Canceled) {
			self.Log.WithError(err).Debug("Failed to close the subscription")
		}
	}
}

// finalize runs when the loop terminates for any reason. It clears every
// tracked stream and moves the state machine to not-syncing when that
// transition is legal.
func (self *SyncSession) finalize() {
	self.loopCancel()

	self.stateMtx.Lock()
	self.syncId = ""
	if canTransition(self.state, SyncStateNotSyncing) {
		err := self.transitionLocked(SyncStateNotSyncing)
		if err != nil {
			self.Log.WithError(err).Warn("Failed to finalize the state machine")
		}
	} else if self.state != SyncStateNotSyncing {
		self.Log.WithField("state", self.state).Warn("Sync loop terminated in an unexpected state")
	}
	self.stateMtx.Unlock()

	self.streamsMtx.Lock()
	self.streams = make(map[streams.StreamId]*SyncedStream)
	self.streamsMtx.Unlock()

	if self.monitor != nil {
		self.monitor.Report.Session.State.TrackedStreams.Store(0)
	}
	self.notifier.emit(Notification{Kind: NotifyStreamSyncActive, Active: false})
	self.notifier.emit(Notification{Kind: NotifySyncStopped})
	self.Log.Info("Sync loop terminated")
}
