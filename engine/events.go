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

package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/coral-db/coral/backend/broadcast"
	"github.com/coral-db/coral/backend/database"
	"github.com/coral-db/coral/core"
	"github.com/coral-db/coral/pkg/document"
	"github.com/coral-db/coral/pkg/errors"
)

// HandleRemoteEvent commits one consistent snapshot: document and target
// rows are written atomically, views fold in their deltas, limbo targets
// resolve, mismatched targets re-listen and the resulting view snapshots go
// out to listeners.
func (e *SyncEngine) HandleRemoteEvent(event *core.RemoteEvent) {
	ctx := context.Background()

	var targetRows []*database.TargetInfo
	for id, ts := range event.TargetChanges {
		if e.limbo.IsLimboTarget(id) {
			continue
		}
		v, ok := e.views[id]
		if !ok {
			continue
		}

		v.applyRemoteDeltas(ts, event.DocumentUpdates)
		if v.resyncing && v.current {
			v.resyncing = false
			v.forceNext = true
		}
		if len(ts.ResumeToken) > 0 {
			v.data = v.data.
				WithResumeToken(ts.ResumeToken, event.SnapshotVersion).
				WithSequenceNumber(e.nextSeq())
			targetRows = append(targetRows, database.NewTargetInfo(v.data))
		}
	}

	var docRows []*database.DocInfo
	for key, doc := range event.DocumentUpdates {
		existing, err := e.db.FindDocument(ctx, key)
		if err != nil {
			e.logger.Warnf("find document %s: %v", key, err)
			continue
		}
		// Versions never regress within a listen session.
		if existing != nil && doc.Version() != document.VersionZero && existing.Version > doc.Version() {
			continue
		}
		docRows = append(docRows, database.NewDocInfo(doc, e.nextSeq()))
	}

	if err := e.db.CommitSnapshot(ctx, docRows, targetRows); err != nil {
		e.logger.Warnf("commit snapshot: %v", err)
	} else {
		e.metrics.AddSnapshotsCommitted()
	}

	for id, ts := range event.TargetChanges {
		if !e.limbo.IsLimboTarget(id) {
			continue
		}
		data := e.limbo.TargetData(id)

		if _, hasDoc := event.DocumentUpdates[data.Target.Key]; hasDoc {
			e.resolveLimbo(ctx, id)
		} else if ts.Current {
			// The dedicated target caught up without delivering the
			// document: the server confirmed absence.
			tomb := document.NewTombstone(data.Target.Key, event.SnapshotVersion)
			if err := e.db.SetDocuments(ctx, []*database.DocInfo{
				database.NewDocInfo(tomb, e.nextSeq()),
			}); err != nil {
				e.logger.Warnf("record limbo absence: %v", err)
			}
			e.resolveLimbo(ctx, id)
		}
	}

	for _, id := range event.TargetMismatches {
		e.relistenTarget(ctx, id)
	}

	e.emitSnapshots(false)
	e.pumpLimbo(ctx)
	e.notifySyncListeners()
	e.publishTargets()
	e.publish(broadcastSnapshotKey, strconv.FormatInt(int64(event.SnapshotVersion), 10))
}

// HandleTargetError handles a server-side removal of one target with a
// terminal cause. A limbo target resolves as absent; a listen target
// surfaces the error to its listeners exactly once and is dropped.
func (e *SyncEngine) HandleTargetError(id core.TargetID, err error) {
	ctx := context.Background()

	if e.limbo.IsLimboTarget(id) {
		data := e.limbo.TargetData(id)
		version := document.VersionZero
		if info, findErr := e.db.FindDocument(ctx, data.Target.Key); findErr == nil && info != nil {
			version = info.Version
		}
		tomb := document.NewTombstone(data.Target.Key, version)
		if setErr := e.db.SetDocuments(ctx, []*database.DocInfo{
			database.NewDocInfo(tomb, e.nextSeq()),
		}); setErr != nil {
			e.logger.Warnf("record limbo absence: %v", setErr)
		}
		e.resolveLimbo(ctx, id)
		e.emitSnapshots(false)
		e.pumpLimbo(ctx)
		return
	}

	v, ok := e.views[id]
	if !ok {
		return
	}
	e.logger.Warnf("target %d failed: %v", id, err)
	delete(e.views, id)
	if removeErr := e.db.RemoveTarget(ctx, id); removeErr != nil {
		e.logger.Warnf("remove target %d: %v", id, removeErr)
	}
	e.metrics.SetActiveTargets(len(e.views))
	e.publishTargets()
	v.deliverError(err)
}

// HandleOnlineStateChange records connectivity and re-emits snapshots whose
// FromCache flag flips.
func (e *SyncEngine) HandleOnlineStateChange(state core.OnlineState) {
	if e.onlineState == state {
		return
	}
	e.onlineState = state
	e.logger.Infof("online state changed to %s", state)
	e.publish(broadcastOnlineKey, state.String())
	e.emitSnapshots(false)
}

// FillWritePipeline offers pending batches to the write stream, oldest
// first, until the pipeline is full.
func (e *SyncEngine) FillWritePipeline() {
	if !e.isPrimary || !e.started {
		return
	}
	for _, batch := range e.pendingBatches {
		if batch.State != database.BatchPending {
			continue
		}
		if _, sent := e.sentBatches[batch.BatchID]; sent {
			continue
		}
		if !e.write.CanAddBatch() {
			return
		}
		e.sentBatches[batch.BatchID] = struct{}{}
		e.write.AddBatch(batch)
	}
}

// HandleBatchAcknowledged applies a server commit: per-mutation results are
// paired positionally with the batch's mutations, the resulting document
// states are persisted atomically with the batch transition, and the
// outcome is surfaced exactly once.
func (e *SyncEngine) HandleBatchAcknowledged(id core.BatchID, commit document.Version, results []document.MutationResult) {
	ctx := context.Background()

	batch := e.findPendingBatch(id)
	if batch == nil {
		e.logger.Errorf("acknowledgment for unknown batch %d", id)
		return
	}
	if len(results) != len(batch.Mutations) {
		e.HandleBatchRejected(id, errors.Internal(fmt.Sprintf(
			"batch %d acknowledged with %d results for %d mutations", id, len(results), len(batch.Mutations),
		)))
		return
	}

	var docRows []*database.DocInfo
	for i, m := range batch.Mutations {
		var base *document.Document
		info, err := e.db.FindDocument(ctx, m.Key)
		if err != nil {
			e.logger.Warnf("find document %s: %v", m.Key, err)
			continue
		}
		if info != nil {
			base = info.ToDocument()
		}

		doc := m.ApplyResult(base, results[i])
		if doc == nil {
			continue
		}
		if info != nil && info.Version > doc.Version() {
			continue
		}
		docRows = append(docRows, database.NewDocInfo(doc, e.nextSeq()))
	}

	if err := e.db.AcknowledgeBatch(ctx, id, commit, results, docRows); err != nil {
		e.logger.Warnf("acknowledge batch %d: %v", id, err)
	}
	e.metrics.AddBatchesAcknowledged()

	e.surfaceBatchOutcome(ctx, id, nil)
	e.publishBatchState(id, batchStateAcknowledged)
	e.emitSnapshots(false)
	e.pumpLimbo(ctx)
	e.notifySyncListeners()
	e.FillWritePipeline()
}

// HandleBatchRejected surfaces a terminal rejection: the batch leaves the
// queue, the callback fires exactly once with the cause and the next batch
// proceeds.
func (e *SyncEngine) HandleBatchRejected(id core.BatchID, err error) {
	ctx := context.Background()

	e.metrics.AddBatchesRejected()
	e.surfaceBatchOutcome(ctx, id, err)
	e.publishBatchState(id, batchStateRejected+err.Error())
	e.emitSnapshots(false)
	e.notifySyncListeners()
	e.FillWritePipeline()
}

// surfaceBatchOutcome removes the batch from the local mirror and the
// durable queue and fires the owed callback, if this instance owns one.
func (e *SyncEngine) surfaceBatchOutcome(ctx context.Context, id core.BatchID, outcome error) {
	for i, batch := range e.pendingBatches {
		if batch.BatchID == id {
			e.pendingBatches = append(e.pendingBatches[:i], e.pendingBatches[i+1:]...)
			break
		}
	}
	delete(e.sentBatches, id)

	if callback, ok := e.callbacks[id]; ok {
		delete(e.callbacks, id)
		callback(outcome)
	}

	if _, err := e.db.RemoveMutationBatch(ctx, id); err != nil && !errors.IsStatus(err, errors.ErrCodeNotFound) {
		e.logger.Warnf("remove mutation batch %d: %v", id, err)
	}
}

// handlePrimaryChanged reacts to election transitions. The primary owns the
// network streams; on promotion every active target is re-issued with its
// last resume token, on demotion the streams close and the durable state
// stays behind for the next primary.
func (e *SyncEngine) handlePrimaryChanged(primary bool) {
	e.isPrimary = primary
	e.metrics.SetPrimaryState(primary)
	if !e.started {
		return
	}

	if !primary {
		e.logger.Infof("demoted to secondary")
		e.watch.Stop()
		e.write.Stop()
		e.sentBatches = make(map[core.BatchID]struct{})
		return
	}

	e.logger.Infof("promoted to primary")
	e.reloadPendingBatches(context.Background())
	e.watch.Start()
	for _, v := range e.views {
		e.watch.Listen(v.data)
	}
	for _, id := range e.limboTargetIDs() {
		e.watch.Listen(e.limbo.TargetData(id))
	}
	e.write.Start()
}

// relistenTarget forces a full resynchronization of one target: it is
// unwatched and watched again with no resume token. This is the correctness
// guard against missed deletes.
func (e *SyncEngine) relistenTarget(ctx context.Context, id core.TargetID) {
	if e.limbo.IsLimboTarget(id) {
		data := e.limbo.TargetData(id)
		if e.isPrimary {
			e.watch.Unlisten(id)
		}
		fresh := data.WithResumeToken(nil, document.VersionZero).WithSequenceNumber(e.nextSeq())
		e.limbo.Activate(fresh.Target.Key, fresh)
		if err := e.db.UpdateTarget(ctx, database.NewTargetInfo(fresh)); err != nil {
			e.logger.Warnf("update limbo target %d: %v", id, err)
		}
		if e.isPrimary {
			e.watch.Listen(fresh)
		}
		return
	}

	v, ok := e.views[id]
	if !ok {
		return
	}
	e.logger.Infof("resynchronizing target %d", id)

	if e.isPrimary {
		e.watch.Unlisten(id)
	}

	data := *v.data
	data.ResumeToken = nil
	data.SnapshotVersion = document.VersionZero
	data.Purpose = core.PurposeExistenceFilterMismatch
	data.SequenceNumber = e.nextSeq()
	v.data = &data
	v.current = false
	v.resyncing = true
	v.members = make(map[document.Key]*document.Document)

	if err := e.db.UpdateTarget(ctx, database.NewTargetInfo(v.data)); err != nil {
		e.logger.Warnf("update target %d: %v", id, err)
	}
	if e.isPrimary {
		e.watch.Listen(v.data)
	}
}

// emitSnapshots recomputes and delivers the snapshot of every view whose
// visible state changed. Uncorroborated keys of current views are enqueued
// for limbo resolution as a side effect.
func (e *SyncEngine) emitSnapshots(force bool) {
	for _, v := range e.views {
		e.emitViewSnapshot(v, force)
	}
	e.updateLimboGauges()
}

// emitViewSnapshot recomputes one view. Emission pauses while the view is
// resynchronizing.
func (e *SyncEngine) emitViewSnapshot(v *view, force bool) {
	if v.resyncing {
		return
	}
	ctx := context.Background()

	bases := make(map[document.Key]*document.Document, len(v.members))
	for key, doc := range v.members {
		bases[key] = doc
	}

	// Keys visible without server corroboration stay visible from cache and,
	// once the target is current, become limbo resolution candidates.
	for _, key := range v.uncorroboratedKeys() {
		if e.pendingTouches(key) {
			continue
		}
		info, err := e.db.FindDocument(ctx, key)
		if err != nil || info == nil || info.Tombstone {
			continue
		}
		bases[key] = info.ToDocument()
		if v.current {
			e.limbo.Enqueue(key)
		}
	}

	fromCache := !v.current || e.onlineState == core.OnlineStateOffline
	forceView := force || v.forceNext || fromCache != v.lastFromCache
	v.forceNext = false

	snapshot := v.computeSnapshot(bases, e.overlayFor(ctx), e.pendingKeysFor(v.data.Target), fromCache, forceView)
	if snapshot == nil {
		return
	}
	v.lastFromCache = fromCache
	v.deliverSnapshot(snapshot)
}

// overlayFor returns the overlay applying pending local writes over base
// document states, in batch order.
func (e *SyncEngine) overlayFor(ctx context.Context) overlayFunc {
	return func(key document.Key, base *document.Document) (*document.Document, bool) {
		doc := base
		touched := false
		for _, batch := range e.pendingBatches {
			if batch.State != database.BatchPending {
				continue
			}
			for _, m := range batch.Mutations {
				if m.Key != key {
					continue
				}
				if doc == nil && m.Type == document.MutationPatch {
					// A patch needs a base; consult the cache once.
					if info, err := e.db.FindDocument(ctx, key); err == nil && info != nil {
						doc = info.ToDocument()
					}
				}
				doc = m.ApplyTo(doc)
				touched = true
			}
		}
		return doc, touched
	}
}

// pendingTouches reports whether any pending batch addresses the key.
func (e *SyncEngine) pendingTouches(key document.Key) bool {
	for _, batch := range e.pendingBatches {
		if batch.State != database.BatchPending {
			continue
		}
		for _, m := range batch.Mutations {
			if m.Key == key {
				return true
			}
		}
	}
	return false
}

// pendingKeysFor returns the keys of pending writes matching the target.
func (e *SyncEngine) pendingKeysFor(target core.Target) []document.Key {
	var keys []document.Key
	seen := make(map[document.Key]struct{})
	for _, batch := range e.pendingBatches {
		if batch.State != database.BatchPending {
			continue
		}
		for _, m := range batch.Mutations {
			if _, ok := seen[m.Key]; ok {
				continue
			}
			if target.Matches(m.Key) {
				keys = append(keys, m.Key)
				seen[m.Key] = struct{}{}
			}
		}
	}
	return keys
}

// pumpLimbo promotes enqueued limbo keys into active resolutions while
// below the concurrency cap. Each promotion allocates a dedicated
// single-document watch target.
func (e *SyncEngine) pumpLimbo(ctx context.Context) {
	for e.limbo.HasCapacity() {
		key, ok := e.limbo.Next()
		if !ok {
			break
		}

		id, err := e.db.AllocateTargetID(ctx)
		if err != nil {
			e.logger.Warnf("allocate limbo target id: %v", err)
			e.limbo.Enqueue(key)
			break
		}
		data := core.NewTargetData(core.NewDocumentTarget(key), id, core.PurposeLimboResolution, e.nextSeq())
		if err := e.db.AddTarget(ctx, database.NewTargetInfo(data)); err != nil {
			e.logger.Warnf("add limbo target: %v", err)
			e.limbo.Enqueue(key)
			break
		}

		e.limbo.Activate(key, data)
		if e.isPrimary {
			e.watch.Listen(data)
		}
	}
	e.updateLimboGauges()
}

// resolveLimbo tears an active resolution down after the server delivered a
// verdict for its key.
func (e *SyncEngine) resolveLimbo(ctx context.Context, id core.TargetID) {
	key, ok := e.limbo.Resolve(id)
	if !ok {
		return
	}
	if e.isPrimary {
		e.watch.Unlisten(id)
	}
	if err := e.db.RemoveTarget(ctx, id); err != nil {
		e.logger.Warnf("remove limbo target %d: %v", id, err)
	}
	e.logger.Debugf("limbo resolved for %s", key)
	e.updateLimboGauges()
}

// teardownLimbo drops a tracked key without resolution, used when its
// owning view is unlistened.
func (e *SyncEngine) teardownLimbo(ctx context.Context, key document.Key) {
	data := e.limbo.Remove(key)
	if data == nil {
		e.updateLimboGauges()
		return
	}
	if e.isPrimary {
		e.watch.Unlisten(data.TargetID)
	}
	if err := e.db.RemoveTarget(ctx, data.TargetID); err != nil {
		e.logger.Warnf("remove limbo target %d: %v", data.TargetID, err)
	}
	e.updateLimboGauges()
}

func (e *SyncEngine) updateLimboGauges() {
	e.metrics.SetActiveLimboResolutions(len(e.limbo.activeByKey))
	e.metrics.SetEnqueuedLimboKeys(len(e.limbo.enqueued))
}

// notifySyncListeners fires the snapshots-in-sync listeners.
func (e *SyncEngine) notifySyncListeners() {
	for _, listener := range e.syncListeners {
		listener()
	}
}

// findPendingBatch returns the local mirror of the batch, or nil.
func (e *SyncEngine) findPendingBatch(id core.BatchID) *database.MutationBatchInfo {
	for _, batch := range e.pendingBatches {
		if batch.BatchID == id {
			return batch
		}
	}
	return nil
}

// reloadPendingBatches refreshes the local mirror of the durable queue,
// picking up batches enqueued by other instances.
func (e *SyncEngine) reloadPendingBatches(ctx context.Context) {
	batches, err := e.db.FindPendingBatches(ctx)
	if err != nil {
		e.logger.Warnf("reload pending batches: %v", err)
		return
	}
	e.pendingBatches = batches
}

// matchedByAnyView reports whether any active view's target matches the key.
func (e *SyncEngine) matchedByAnyView(key document.Key) bool {
	for _, v := range e.views {
		if v.data.Target.Matches(key) {
			return true
		}
	}
	return false
}

func (e *SyncEngine) limboTargetIDs() []core.TargetID {
	ids := make([]core.TargetID, 0, len(e.limbo.activeByTarget))
	for id := range e.limbo.activeByTarget {
		ids = append(ids, id)
	}
	return ids
}

func activeKeysOf(t *limboTracker) []document.Key {
	keys := make([]document.Key, 0, len(t.activeByKey))
	for key := range t.activeByKey {
		keys = append(keys, key)
	}
	return keys
}

// Broadcast plumbing. The medium is same-origin, at-least-once and
// unordered; everything here is a hint to re-read shared durable state or a
// per-key last-write-wins flag, never a consistency-bearing message.

func (e *SyncEngine) handleBroadcast(msg broadcast.Message) {
	e.queue.Enqueue(func() {
		e.applyBroadcast(msg)
	})
}

func (e *SyncEngine) applyBroadcast(msg broadcast.Message) {
	switch {
	case msg.Key == broadcastOnlineKey:
		if e.isPrimary {
			return
		}
		e.onlineState = parseOnlineState(msg.Value)
		e.emitSnapshots(false)

	case msg.Key == broadcastSnapshotKey:
		if e.isPrimary {
			return
		}
		e.refreshViewsFromStore(context.Background())
		e.emitSnapshots(false)
		e.notifySyncListeners()

	case msg.Key == broadcastTargetKey:
		if e.isPrimary {
			return
		}
		e.applyTargetStates(msg.Value)
		e.emitSnapshots(false)

	case strings.HasPrefix(msg.Key, broadcastBatchPrefix):
		id, err := strconv.ParseInt(strings.TrimPrefix(msg.Key, broadcastBatchPrefix), 10, 64)
		if err != nil {
			return
		}
		e.applyBatchBroadcast(core.BatchID(id), msg.Value)
	}
}

func (e *SyncEngine) applyBatchBroadcast(id core.BatchID, value string) {
	ctx := context.Background()

	switch {
	case value == batchStatePending:
		// Another instance enqueued a batch; the primary drives it.
		e.reloadPendingBatches(ctx)
		if e.isPrimary {
			e.FillWritePipeline()
		} else {
			e.emitSnapshots(false)
		}

	case value == batchStateAcknowledged:
		if e.findPendingBatch(id) == nil && e.callbacks[id] == nil {
			return
		}
		e.surfaceBatchOutcome(ctx, id, nil)
		e.refreshViewsFromStore(ctx)
		e.emitSnapshots(false)
		e.notifySyncListeners()

	case strings.HasPrefix(value, batchStateRejected):
		if e.findPendingBatch(id) == nil && e.callbacks[id] == nil {
			return
		}
		cause := errors.Unknown(strings.TrimPrefix(value, batchStateRejected))
		e.surfaceBatchOutcome(ctx, id, cause)
		e.emitSnapshots(false)
		e.notifySyncListeners()
	}
}

// refreshViewsFromStore reseeds every view's result set from the shared
// document cache. Secondary instances mirror the primary's commits this way.
func (e *SyncEngine) refreshViewsFromStore(ctx context.Context) {
	for _, v := range e.views {
		v.members = make(map[document.Key]*document.Document)
		if err := e.seedView(ctx, v); err != nil {
			e.logger.Warnf("refresh view %d: %v", v.data.TargetID, err)
		}
	}
}

// publishTargets publishes the active target ids with their current flags.
func (e *SyncEngine) publishTargets() {
	var sb strings.Builder
	first := true
	for id, v := range e.views {
		if !first {
			sb.WriteByte(',')
		}
		first = false
		flag := "p"
		if v.current {
			flag = "c"
		}
		fmt.Fprintf(&sb, "%d:%s", id, flag)
	}
	e.publish(broadcastTargetKey, sb.String())
}

// applyTargetStates mirrors published current flags onto local views.
func (e *SyncEngine) applyTargetStates(value string) {
	if value == "" {
		return
	}
	for _, entry := range strings.Split(value, ",") {
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 {
			continue
		}
		id, err := strconv.ParseInt(parts[0], 10, 32)
		if err != nil {
			continue
		}
		if v, ok := e.views[core.TargetID(id)]; ok {
			v.current = parts[1] == "c"
		}
	}
}

func (e *SyncEngine) publishBatchState(id core.BatchID, value string) {
	e.publish(broadcastBatchPrefix+strconv.FormatInt(int64(id), 10), value)
}

func (e *SyncEngine) publish(key, value string) {
	if err := e.medium.Publish(key, value); err != nil {
		e.logger.Warnf("publish %s: %v", key, err)
	}
}

func parseOnlineState(value string) core.OnlineState {
	switch value {
	case core.OnlineStateOnline.String():
		return core.OnlineStateOnline
	case core.OnlineStateOffline.String():
		return core.OnlineStateOffline
	default:
		return core.OnlineStateUnknown
	}
}
