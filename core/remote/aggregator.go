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

package remote

import (
	"github.com/coral-db/coral/core"
	"github.com/coral-db/coral/pkg/document"
)

// TargetMetadataProvider exposes the locally known state of active targets
// to the aggregator.
type TargetMetadataProvider interface {
	// GetTargetData returns the target data of an active target, or nil if
	// the target is not (or no longer) listened to. Changes addressed to
	// inactive targets are dropped.
	GetTargetData(id core.TargetID) *core.TargetData

	// GetActiveTargetIDs returns the ids of every active target, used to
	// resolve target changes with an empty target id list.
	GetActiveTargetIDs() []core.TargetID

	// GetLocalDocumentCount returns the size of the locally cached result
	// set of the target, for existence filter comparison.
	GetLocalDocumentCount(id core.TargetID) int

	// ContainsKey reports whether the locally cached result set of the
	// target contains the key, used to tell additions from modifications.
	ContainsKey(id core.TargetID, key document.Key) bool
}

// documentChangeType classifies a key's accumulated membership change.
type documentChangeType int

const (
	changeAdded documentChangeType = iota
	changeModified
	changeRemoved
)

// targetState accumulates the changes of one target between snapshot
// boundaries.
type targetState struct {
	current     bool
	resumeToken core.ResumeToken
	hasChanges  bool

	documentChanges map[document.Key]documentChangeType
}

func newTargetState() *targetState {
	return &targetState{
		documentChanges: make(map[document.Key]documentChangeType),
	}
}

func (s *targetState) recordChange(key document.Key, change documentChangeType) {
	s.documentChanges[key] = change
	s.hasChanges = true
}

func (s *targetState) updateResumeToken(token core.ResumeToken) {
	if len(token) > 0 {
		s.resumeToken = token
		s.hasChanges = true
	}
}

// clearChanges resets the accumulation but keeps current and resume token.
func (s *targetState) clearChanges() {
	s.documentChanges = make(map[document.Key]documentChangeType)
	s.hasChanges = false
}

// toTargetSnapshot converts the accumulated state into the per-target slice
// of a remote event.
func (s *targetState) toTargetSnapshot() *core.TargetSnapshot {
	snapshot := core.NewTargetSnapshot()
	snapshot.Current = s.current
	snapshot.ResumeToken = s.resumeToken

	for key, change := range s.documentChanges {
		switch change {
		case changeAdded:
			snapshot.AddedDocuments[key] = struct{}{}
		case changeModified:
			snapshot.ModifiedDocuments[key] = struct{}{}
		case changeRemoved:
			snapshot.RemovedDocuments[key] = struct{}{}
		}
	}
	return snapshot
}

// Aggregator consumes raw watch changes and accumulates them until a
// snapshot boundary, at which point CreateRemoteEvent flushes them as one
// consistent RemoteEvent. Accumulation never touches persistence.
type Aggregator struct {
	provider TargetMetadataProvider

	targetStates     map[core.TargetID]*targetState
	documentUpdates  map[document.Key]*document.Document
	targetMismatches map[core.TargetID]struct{}
	maxVersion       document.Version
}

// NewAggregator creates an Aggregator backed by the given provider.
func NewAggregator(provider TargetMetadataProvider) *Aggregator {
	return &Aggregator{
		provider:         provider,
		targetStates:     make(map[core.TargetID]*targetState),
		documentUpdates:  make(map[document.Key]*document.Document),
		targetMismatches: make(map[core.TargetID]struct{}),
	}
}

// HandleDocumentChange accumulates a document change into the pending state
// of every active target it addresses.
func (a *Aggregator) HandleDocumentChange(change *core.DocumentChange) {
	for _, id := range change.UpdatedTargetIDs {
		if !a.isActiveTarget(id) {
			continue
		}
		state := a.ensureTargetState(id)

		if change.Document != nil && !change.Document.Exists() {
			state.recordChange(change.Key, changeRemoved)
		} else if a.provider.ContainsKey(id, change.Key) {
			state.recordChange(change.Key, changeModified)
		} else {
			state.recordChange(change.Key, changeAdded)
		}
	}

	for _, id := range change.RemovedTargetIDs {
		if !a.isActiveTarget(id) {
			continue
		}
		a.ensureTargetState(id).recordChange(change.Key, changeRemoved)
	}

	if change.Document != nil {
		a.documentUpdates[change.Key] = change.Document
		if change.Document.Version() > a.maxVersion {
			a.maxVersion = change.Document.Version()
		}
	}
}

// HandleTargetChange accumulates a target state transition. A change with an
// empty target id list addresses every active target.
func (a *Aggregator) HandleTargetChange(change *core.TargetChange) {
	for _, id := range a.affectedTargets(change.TargetIDs) {
		state := a.ensureTargetState(id)

		switch change.State {
		case core.TargetNoChange:
			state.updateResumeToken(change.ResumeToken)
		case core.TargetAdded:
			state.updateResumeToken(change.ResumeToken)
		case core.TargetCurrent:
			state.current = true
			state.hasChanges = true
			state.updateResumeToken(change.ResumeToken)
		case core.TargetReset:
			// The target restarts from scratch; everything accumulated
			// for it is void, the cursor is cleared and the engine must
			// listen again as if the target were new.
			a.resetTarget(id)
			a.targetMismatches[id] = struct{}{}
		case core.TargetRemoved:
			// Removal is handled by the stream manager; the accumulated
			// state is simply dropped.
			delete(a.targetStates, id)
		}
	}
}

// HandleExistenceFilter compares the server's count against the local result
// set. On mismatch the target's accumulated state is discarded and the
// target is flagged for re-listening without a resume token.
func (a *Aggregator) HandleExistenceFilter(change *core.ExistenceFilterChange) {
	id := change.TargetID
	if !a.isActiveTarget(id) {
		return
	}

	if change.Count != a.provider.GetLocalDocumentCount(id) {
		a.resetTarget(id)
		a.targetMismatches[id] = struct{}{}
	}
}

// IsSnapshotBoundary reports whether the change marks a snapshot boundary: a
// no-change watermark addressed to no particular target.
func IsSnapshotBoundary(change core.WatchChange) bool {
	tc, ok := change.(*core.TargetChange)
	return ok && tc.State == core.TargetNoChange && len(tc.TargetIDs) == 0
}

// CreateRemoteEvent flushes the accumulated state as one consistent
// RemoteEvent and starts a fresh accumulation phase. Targets without
// accumulated changes are omitted.
func (a *Aggregator) CreateRemoteEvent() *core.RemoteEvent {
	event := &core.RemoteEvent{
		SnapshotVersion: a.maxVersion,
		TargetChanges:   make(map[core.TargetID]*core.TargetSnapshot),
		DocumentUpdates: a.documentUpdates,
	}

	for id, state := range a.targetStates {
		if !state.hasChanges {
			continue
		}
		event.TargetChanges[id] = state.toTargetSnapshot()
		state.clearChanges()
	}

	for id := range a.targetMismatches {
		event.TargetMismatches = append(event.TargetMismatches, id)
	}

	a.documentUpdates = make(map[document.Key]*document.Document)
	a.targetMismatches = make(map[core.TargetID]struct{})
	return event
}

// RemoveTarget forgets the accumulated state of a target, used when the
// target is unlistened mid-accumulation.
func (a *Aggregator) RemoveTarget(id core.TargetID) {
	delete(a.targetStates, id)
	delete(a.targetMismatches, id)
}

// Reset drops every accumulated change, used when the stream disconnects.
// Resume tokens survive in persistence, not here.
func (a *Aggregator) Reset() {
	a.targetStates = make(map[core.TargetID]*targetState)
	a.documentUpdates = make(map[document.Key]*document.Document)
	a.targetMismatches = make(map[core.TargetID]struct{})
}

func (a *Aggregator) isActiveTarget(id core.TargetID) bool {
	return a.provider.GetTargetData(id) != nil
}

func (a *Aggregator) ensureTargetState(id core.TargetID) *targetState {
	state, ok := a.targetStates[id]
	if !ok {
		state = newTargetState()
		a.targetStates[id] = state
	}
	return state
}

func (a *Aggregator) resetTarget(id core.TargetID) {
	state := newTargetState()
	state.hasChanges = true
	a.targetStates[id] = state
}

// affectedTargets resolves an explicit target id list, or every active
// target when the list is empty.
func (a *Aggregator) affectedTargets(ids []core.TargetID) []core.TargetID {
	if len(ids) > 0 {
		active := make([]core.TargetID, 0, len(ids))
		for _, id := range ids {
			if a.isActiveTarget(id) {
				active = append(active, id)
			}
		}
		return active
	}
	return a.provider.GetActiveTargetIDs()
}
