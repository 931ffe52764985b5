/*
 * Copyright 2025 The Coral Authors. All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package engine implements the synchronization engine: it owns the stream
// managers, the view state of listened targets, limbo resolution and the
// multi-instance coordination, and drives the event-to-snapshot pipeline
// from remote events and mutation acknowledgments to listener callbacks.
// All state transitions run as tasks on one cooperative queue per instance,
// so effects within one instance are totally ordered.
package engine

import (
	"context"
	"fmt"

	"github.com/coral-db/coral/backend/broadcast"
	"github.com/coral-db/coral/backend/database"
	"github.com/coral-db/coral/backend/election"
	"github.com/coral-db/coral/backend/eviction"
	"github.com/coral-db/coral/core"
	"github.com/coral-db/coral/core/remote"
	"github.com/coral-db/coral/logging"
	"github.com/coral-db/coral/metrics"
	"github.com/coral-db/coral/pkg/async"
	"github.com/coral-db/coral/pkg/document"
	"github.com/coral-db/coral/pkg/errors"
)

// Broadcast keys and values shared by co-resident instances.
const (
	broadcastBatchPrefix = "batch/"
	broadcastTargetKey   = "targets"
	broadcastSnapshotKey = "snapshot"
	broadcastOnlineKey   = "online"

	batchStatePending      = "pending"
	batchStateAcknowledged = "acknowledged"
	batchStateRejected     = "rejected;"
)

// DefaultMaxConcurrentLimboResolutions caps the number of limbo documents
// with a dedicated watch target.
const DefaultMaxConcurrentLimboResolutions = 100

// WriteCallback delivers the terminal outcome of one write batch, exactly
// once: nil on acknowledgment, the rejection cause otherwise.
type WriteCallback func(err error)

// Options tunes the engine.
type Options struct {
	// MaxConcurrentLimboResolutions caps active limbo resolutions.
	MaxConcurrentLimboResolutions int

	// Election configures the primary election.
	Election *election.Config

	// LRU configures the LRU collector. Nil selects eager eviction.
	LRU *eviction.LRUConfig
}

// SyncEngine orchestrates the synchronization core of one client instance.
// Exported methods are safe to call from any goroutine; they run as tasks on
// the instance queue. Handle* methods implement stream and election
// callbacks and must only be invoked from queue tasks.
type SyncEngine struct {
	clientID string
	db       database.Database
	queue    *async.Queue
	medium   broadcast.Medium
	metrics  *metrics.Metrics
	logger   logging.Logger

	watch       *remote.WatchStreamManager
	write       *remote.WriteStreamManager
	coordinator *election.Coordinator
	collector   eviction.Collector

	views map[core.TargetID]*view
	limbo *limboTracker

	// pendingBatches mirrors the durable mutation queue, all owners, in
	// BatchID order.
	pendingBatches []*database.MutationBatchInfo

	// sentBatches are batches currently offered to the write pipeline.
	sentBatches map[core.BatchID]struct{}

	// callbacks hold the write outcomes this instance still owes, keyed by
	// batch id.
	callbacks map[core.BatchID]WriteCallback

	syncListeners []func()

	seq         core.SequenceNumber
	onlineState core.OnlineState
	isPrimary   bool
	started     bool

	unsubscribe func()
}

// NewSyncEngine creates a SyncEngine. The queue, database and broadcast
// medium are owned by the caller; the engine owns the stream managers, the
// election coordinator and the collector it creates.
func NewSyncEngine(
	clientID string,
	db database.Database,
	transport remote.Transport,
	tokens remote.TokenProvider,
	medium broadcast.Medium,
	queue *async.Queue,
	opts Options,
) *SyncEngine {
	if opts.MaxConcurrentLimboResolutions == 0 {
		opts.MaxConcurrentLimboResolutions = DefaultMaxConcurrentLimboResolutions
	}

	e := &SyncEngine{
		clientID:    clientID,
		db:          db,
		queue:       queue,
		medium:      medium,
		metrics:     metrics.NewMetrics(),
		logger:      logging.New("engine", logging.NewField("client", clientID)),
		views:       make(map[core.TargetID]*view),
		limbo:       newLimboTracker(opts.MaxConcurrentLimboResolutions),
		sentBatches: make(map[core.BatchID]struct{}),
		callbacks:   make(map[core.BatchID]WriteCallback),
	}

	e.watch = remote.NewWatchStreamManager(transport, tokens, queue, e, e)
	e.write = remote.NewWriteStreamManager(transport, tokens, queue, e)
	e.coordinator = election.NewCoordinator(clientID, db, queue, opts.Election, e.handlePrimaryChanged)

	if opts.LRU != nil {
		e.collector = eviction.NewLRUCollector(db, e, queue, opts.LRU, e.coordinator.IsPrimary)
	} else {
		e.collector = eviction.NewEagerCollector(db, e)
	}

	return e
}

// Start recovers durable state and begins electing. It must complete before
// any Listen or Write call.
func (e *SyncEngine) Start(ctx context.Context) error {
	var startErr error
	e.queue.EnqueueAndWait(func() {
		seq, err := e.db.HighestSequenceNumber(ctx)
		if err != nil {
			startErr = fmt.Errorf("recover sequence number: %w", err)
			return
		}
		e.seq = seq

		batches, err := e.db.FindPendingBatches(ctx)
		if err != nil {
			startErr = fmt.Errorf("load pending batches: %w", err)
			return
		}
		e.pendingBatches = batches

		unsubscribe, err := e.medium.Subscribe(e.handleBroadcast)
		if err != nil {
			startErr = fmt.Errorf("subscribe broadcast medium: %w", err)
			return
		}
		e.unsubscribe = unsubscribe

		for _, msg := range e.medium.Snapshot() {
			e.applyBroadcast(msg)
		}

		e.started = true
		e.coordinator.Start()
		if lru, ok := e.collector.(*eviction.LRUCollector); ok {
			lru.Start()
		}
	})
	return startErr
}

// Close shuts the engine down. Pending batches stay durable and resume on
// the next start; the primary lease, if held, is released.
func (e *SyncEngine) Close() error {
	e.coordinator.Stop()
	e.queue.EnqueueAndWait(func() {
		e.started = false
		if lru, ok := e.collector.(*eviction.LRUCollector); ok {
			lru.Stop()
		}
		e.watch.Stop()
		e.write.Stop()
		if e.unsubscribe != nil {
			e.unsubscribe()
			e.unsubscribe = nil
		}
	})
	return nil
}

// Listen subscribes to a target and returns its id. The listener receives an
// initial snapshot from cache, then a snapshot per visible change. Listening
// to the same target shape again joins the existing subscription.
func (e *SyncEngine) Listen(ctx context.Context, target core.Target, listener Listener) (core.TargetID, error) {
	var id core.TargetID
	var listenErr error

	e.queue.EnqueueAndWait(func() {
		for _, v := range e.views {
			if v.data.Target.CanonicalID() == target.CanonicalID() {
				v.listeners = append(v.listeners, listener)
				id = v.data.TargetID
				e.deliverCurrentState(v, listener)
				return
			}
		}

		data, err := e.targetDataFor(ctx, target)
		if err != nil {
			listenErr = err
			return
		}
		id = data.TargetID

		v := newView(data, listener)
		e.views[id] = v
		if err := e.seedView(ctx, v); err != nil {
			listenErr = err
			delete(e.views, id)
			return
		}

		if e.isPrimary {
			e.watch.Listen(data)
		}
		e.publishTargets()
		e.metrics.SetActiveTargets(len(e.views))
		e.emitViewSnapshot(v, true)
	})

	return id, listenErr
}

// Unlisten removes a subscription. Unlistening a target that was never
// listened to is a caller bug and panics rather than masking corruption.
func (e *SyncEngine) Unlisten(ctx context.Context, id core.TargetID) error {
	var unlistenErr error
	e.queue.EnqueueAndWait(func() {
		v, ok := e.views[id]
		if !ok {
			panic(fmt.Sprintf("unlisten of unknown target %d", id))
		}
		delete(e.views, id)

		if e.isPrimary {
			e.watch.Unlisten(id)
		}

		// Tear down limbo resolutions whose owning view is gone.
		for _, key := range append(e.limbo.EnqueuedKeys(), activeKeysOf(e.limbo)...) {
			if !v.data.Target.Matches(key) || e.matchedByAnyView(key) {
				continue
			}
			e.teardownLimbo(ctx, key)
		}

		released := make([]document.Key, 0, len(v.members))
		for key := range v.members {
			released = append(released, key)
		}

		if _, isEager := e.collector.(*eviction.EagerCollector); isEager {
			if err := e.db.RemoveTarget(ctx, id); err != nil {
				unlistenErr = fmt.Errorf("remove target: %w", err)
				return
			}
			if err := e.collector.ReleaseDocuments(ctx, released); err != nil {
				unlistenErr = err
				return
			}
		} else {
			// LRU keeps the row; a later listen to the same target resumes
			// from its token, and the collector reclaims it eventually.
			stamped := v.data.WithSequenceNumber(e.nextSeq())
			if err := e.db.UpdateTarget(ctx, database.NewTargetInfo(stamped)); err != nil {
				unlistenErr = fmt.Errorf("stamp target: %w", err)
				return
			}
		}

		e.publishTargets()
		e.metrics.SetActiveTargets(len(e.views))
	})
	return unlistenErr
}

// Write enqueues a mutation batch and returns its id. The callback fires
// exactly once with the terminal outcome, possibly after a restart of the
// primary instance. Secondary instances enqueue durably and wait for the
// primary to drive the batch through the write stream.
func (e *SyncEngine) Write(ctx context.Context, mutations []document.Mutation, callback WriteCallback) (core.BatchID, error) {
	if len(mutations) == 0 {
		return 0, errors.InvalidArgument("write of empty mutation list")
	}

	var id core.BatchID
	var writeErr error
	e.queue.EnqueueAndWait(func() {
		batch, err := e.db.EnqueueMutationBatch(ctx, e.clientID, mutations)
		if err != nil {
			writeErr = fmt.Errorf("enqueue mutation batch: %w", err)
			return
		}
		id = batch.BatchID
		e.pendingBatches = append(e.pendingBatches, batch)
		if callback != nil {
			e.callbacks[id] = callback
		}

		e.publishBatchState(id, batchStatePending)
		e.emitSnapshots(false)

		if e.isPrimary {
			e.FillWritePipeline()
		}
	})
	return id, writeErr
}

// AddSnapshotsInSyncListener registers a listener invoked after every event
// batch that leaves local state consistent with what has been delivered to
// view listeners.
func (e *SyncEngine) AddSnapshotsInSyncListener(listener func()) {
	e.queue.EnqueueAndWait(func() {
		e.syncListeners = append(e.syncListeners, listener)
	})
}

// IsPrimary reports whether this instance holds the primary role.
func (e *SyncEngine) IsPrimary() bool {
	return e.coordinator.IsPrimary()
}

// OnlineState returns the perceived connectivity.
func (e *SyncEngine) OnlineState() core.OnlineState {
	var state core.OnlineState
	e.queue.EnqueueAndWait(func() {
		state = e.onlineState
	})
	return state
}

// ActiveTargets returns the ids of the currently listened targets, limbo
// resolution targets excluded.
func (e *SyncEngine) ActiveTargets() []core.TargetID {
	var ids []core.TargetID
	e.queue.EnqueueAndWait(func() {
		for id := range e.views {
			ids = append(ids, id)
		}
	})
	return ids
}

// EnqueuedLimboKeys returns limbo documents waiting for a resolution slot,
// in FIFO order.
func (e *SyncEngine) EnqueuedLimboKeys() []document.Key {
	var keys []document.Key
	e.queue.EnqueueAndWait(func() {
		keys = e.limbo.EnqueuedKeys()
	})
	return keys
}

// ActiveLimboResolutions returns the limbo documents with a dedicated watch
// target.
func (e *SyncEngine) ActiveLimboResolutions() map[document.Key]core.TargetID {
	var keys map[document.Key]core.TargetID
	e.queue.EnqueueAndWait(func() {
		keys = e.limbo.ActiveKeys()
	})
	return keys
}

// Metrics returns the metrics of this engine.
func (e *SyncEngine) Metrics() *metrics.Metrics {
	return e.metrics
}

// nextSeq advances the process-wide logical clock.
func (e *SyncEngine) nextSeq() core.SequenceNumber {
	e.seq++
	return e.seq
}

// targetDataFor resolves the target data for a listen: an existing durable
// row of the same canonical target resumes from its token, otherwise a fresh
// id is allocated and persisted.
func (e *SyncEngine) targetDataFor(ctx context.Context, target core.Target) (*core.TargetData, error) {
	info, err := e.db.FindTargetByCanonicalID(ctx, target.CanonicalID())
	if err != nil {
		return nil, fmt.Errorf("find target by canonical id: %w", err)
	}
	if info != nil {
		data := info.ToTargetData().WithSequenceNumber(e.nextSeq())
		if err := e.db.UpdateTarget(ctx, database.NewTargetInfo(data)); err != nil {
			return nil, fmt.Errorf("stamp target: %w", err)
		}
		return data, nil
	}

	id, err := e.db.AllocateTargetID(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocate target id: %w", err)
	}
	data := core.NewTargetData(target, id, core.PurposeListen, e.nextSeq())
	if err := e.db.AddTarget(ctx, database.NewTargetInfo(data)); err != nil {
		return nil, fmt.Errorf("add target: %w", err)
	}
	return data, nil
}

// seedView fills a fresh view's result set from the document cache.
func (e *SyncEngine) seedView(ctx context.Context, v *view) error {
	if v.data.Target.IsDocumentTarget() {
		info, err := e.db.FindDocument(ctx, v.data.Target.Key)
		if err != nil {
			return fmt.Errorf("seed view: %w", err)
		}
		if info != nil && !info.Tombstone {
			v.members[info.Key] = info.ToDocument()
		}
		return nil
	}

	infos, err := e.db.FindDocumentsInCollection(ctx, v.data.Target.Collection)
	if err != nil {
		return fmt.Errorf("seed view: %w", err)
	}
	for _, info := range infos {
		v.members[info.Key] = info.ToDocument()
	}
	return nil
}

// deliverCurrentState sends the current visible state of a view to a late
// joining listener without disturbing the view's delta bookkeeping.
func (e *SyncEngine) deliverCurrentState(v *view, listener Listener) {
	if listener.OnSnapshot == nil {
		return
	}
	snapshot := &Snapshot{
		Target:    v.data.Target,
		TargetID:  v.data.TargetID,
		FromCache: !v.current || e.onlineState == core.OnlineStateOffline,
	}
	for key, doc := range v.emitted {
		snapshot.Documents = append(snapshot.Documents, doc)
		snapshot.Added = append(snapshot.Added, key)
	}
	sortKeys(snapshot.Added)
	sortSnapshotDocuments(snapshot)
	listener.OnSnapshot(snapshot)
}
