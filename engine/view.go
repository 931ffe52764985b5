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
	"sort"

	"github.com/coral-db/coral/core"
	"github.com/coral-db/coral/pkg/document"
)

// Snapshot is one user-visible state of a listened target: the result set
// with pending local writes applied, plus the membership delta since the
// previous snapshot of the same target.
type Snapshot struct {
	// Target is the subscription the snapshot belongs to.
	Target core.Target

	// TargetID is the id of the subscription.
	TargetID core.TargetID

	// Documents is the visible result set, ordered by key.
	Documents []*document.Document

	// Added, Modified and Removed are the keys that changed since the
	// previous snapshot, ordered by key.
	Added    []document.Key
	Modified []document.Key
	Removed  []document.Key

	// FromCache reports that the result set has not been confirmed
	// consistent by the server, because the target is not current or the
	// client is offline.
	FromCache bool

	// HasPendingWrites reports that at least one visible document carries
	// an unacknowledged local write.
	HasPendingWrites bool
}

// Listener receives the outcomes of one listen call. OnError is terminal:
// after it fires the target is gone and no further snapshot arrives.
// Callbacks run on the instance queue and must not call back into blocking
// client methods; offload to another goroutine instead.
type Listener struct {
	OnSnapshot func(snapshot *Snapshot)
	OnError    func(err error)
}

// view is the engine-side state of one listened target: the
// server-confirmed result set and the last emitted visible state.
type view struct {
	data      *core.TargetData
	listeners []Listener

	// members is the server-confirmed result set.
	members map[document.Key]*document.Document

	// emitted is the visible state of the last delivered snapshot, used to
	// compute membership deltas.
	emitted map[document.Key]*document.Document

	current bool

	// resyncing is set while the target re-listens without a resume token
	// after an existence filter mismatch. Snapshot emission pauses until
	// the target is current again, at which point phantom documents are
	// flushed out in one consistent delta.
	resyncing bool

	// lastFromCache is the FromCache flag of the last delivered snapshot. A
	// flip forces delivery even without a membership delta.
	lastFromCache bool

	// forceNext forces the next emission, used when a resync completes and
	// the accumulated delta must be flushed in one snapshot.
	forceNext bool
}

func newView(data *core.TargetData, listener Listener) *view {
	return &view{
		data:      data,
		listeners: []Listener{listener},
		members:   make(map[document.Key]*document.Document),
		emitted:   make(map[document.Key]*document.Document),
	}
}

// deliverSnapshot fans a snapshot out to every listener of the view.
func (v *view) deliverSnapshot(snapshot *Snapshot) {
	for _, listener := range v.listeners {
		if listener.OnSnapshot != nil {
			listener.OnSnapshot(snapshot)
		}
	}
}

// deliverError fans a terminal error out to every listener of the view.
func (v *view) deliverError(err error) {
	for _, listener := range v.listeners {
		if listener.OnError != nil {
			listener.OnError(err)
		}
	}
}

// applyRemoteDeltas folds one per-target remote snapshot into the
// server-confirmed result set. Document versions never regress within a
// listen session; a stale update is dropped.
func (v *view) applyRemoteDeltas(ts *core.TargetSnapshot, updates map[document.Key]*document.Document) {
	apply := func(key document.Key) {
		doc, ok := updates[key]
		if !ok {
			return
		}
		if !doc.Exists() {
			delete(v.members, key)
			return
		}
		if prev, ok := v.members[key]; ok && prev.Version() > doc.Version() {
			return
		}
		v.members[key] = doc
	}

	for key := range ts.AddedDocuments {
		apply(key)
	}
	for key := range ts.ModifiedDocuments {
		apply(key)
	}
	for key := range ts.RemovedDocuments {
		delete(v.members, key)
	}

	if ts.Current {
		v.current = true
	}
}

// computeSnapshot builds the next snapshot and records it as emitted. bases
// is the engine-assembled base state per key: the server-confirmed result
// set plus cached fallbacks for documents awaiting server corroboration.
// pendingKeys are keys touched by pending writes that match the target; they
// appear in the result set even before the server confirms them. It returns
// nil when nothing visible changed and force is false.
func (v *view) computeSnapshot(bases map[document.Key]*document.Document, overlay overlayFunc, pendingKeys []document.Key, fromCache bool, force bool) *Snapshot {
	visible := make(map[document.Key]*document.Document, len(bases))
	hasPendingWrites := false

	for key, doc := range bases {
		overlaid, pending := overlay(key, doc)
		if overlaid == nil || !overlaid.Exists() {
			continue
		}
		visible[key] = overlaid
		if pending {
			hasPendingWrites = true
		}
	}

	for _, key := range pendingKeys {
		if _, ok := bases[key]; ok {
			continue
		}
		overlaid, pending := overlay(key, nil)
		if overlaid == nil || !overlaid.Exists() {
			continue
		}
		visible[key] = overlaid
		if pending {
			hasPendingWrites = true
		}
	}

	snapshot := &Snapshot{
		Target:           v.data.Target,
		TargetID:         v.data.TargetID,
		FromCache:        fromCache,
		HasPendingWrites: hasPendingWrites,
	}

	for key, doc := range visible {
		snapshot.Documents = append(snapshot.Documents, doc)
		prev, existed := v.emitted[key]
		if !existed {
			snapshot.Added = append(snapshot.Added, key)
		} else if prev.Version() != doc.Version() || !fieldsEqual(prev.Fields(), doc.Fields()) {
			snapshot.Modified = append(snapshot.Modified, key)
		}
	}
	for key := range v.emitted {
		if _, ok := visible[key]; !ok {
			snapshot.Removed = append(snapshot.Removed, key)
		}
	}

	if !force && len(snapshot.Added) == 0 && len(snapshot.Modified) == 0 && len(snapshot.Removed) == 0 {
		return nil
	}

	sort.Slice(snapshot.Documents, func(i, j int) bool {
		return snapshot.Documents[i].Key().Less(snapshot.Documents[j].Key())
	})
	sortKeys(snapshot.Added)
	sortKeys(snapshot.Modified)
	sortKeys(snapshot.Removed)

	v.emitted = visible
	return snapshot
}

// uncorroboratedKeys returns visible keys the server-confirmed result set
// does not contain. For a current target these are limbo candidates: the
// local view claims a state the server has not confirmed.
func (v *view) uncorroboratedKeys() []document.Key {
	var keys []document.Key
	for key := range v.emitted {
		if _, ok := v.members[key]; !ok {
			keys = append(keys, key)
		}
	}
	sortKeys(keys)
	return keys
}

// overlayFunc applies the pending local writes of one key to its
// server-confirmed base state. It reports whether any pending write touched
// the key.
type overlayFunc func(key document.Key, base *document.Document) (*document.Document, bool)

func sortKeys(keys []document.Key) {
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].Less(keys[j])
	})
}

func fieldsEqual(a, b document.Fields) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok {
			return false
		}
		am, aok := av.(map[string]interface{})
		bm, bok := bv.(map[string]interface{})
		if aok && bok {
			if !fieldsEqual(am, bm) {
				return false
			}
			continue
		}
		if av != bv {
			return false
		}
	}
	return true
}
