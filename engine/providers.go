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
	"sort"

	"github.com/coral-db/coral/core"
	"github.com/coral-db/coral/pkg/document"
)

// The engine is the target metadata provider of the watch change
// aggregator. These methods run on the instance queue, like every stream
// callback.

// GetTargetData returns the state of an active listen or limbo target.
func (e *SyncEngine) GetTargetData(id core.TargetID) *core.TargetData {
	if v, ok := e.views[id]; ok {
		return v.data
	}
	return e.limbo.TargetData(id)
}

// GetActiveTargetIDs returns every active target id, limbo targets included.
func (e *SyncEngine) GetActiveTargetIDs() []core.TargetID {
	ids := make([]core.TargetID, 0, len(e.views)+len(e.limbo.activeByTarget))
	for id := range e.views {
		ids = append(ids, id)
	}
	return append(ids, e.limboTargetIDs()...)
}

// GetLocalDocumentCount returns the size of the locally confirmed result set
// of a target, for existence filter comparison.
func (e *SyncEngine) GetLocalDocumentCount(id core.TargetID) int {
	if v, ok := e.views[id]; ok {
		return len(v.members)
	}
	if data := e.limbo.TargetData(id); data != nil {
		info, err := e.db.FindDocument(context.Background(), data.Target.Key)
		if err == nil && info != nil && !info.Tombstone {
			return 1
		}
	}
	return 0
}

// ContainsKey reports whether the locally confirmed result set of a target
// contains the key.
func (e *SyncEngine) ContainsKey(id core.TargetID, key document.Key) bool {
	if v, ok := e.views[id]; ok {
		_, member := v.members[key]
		return member
	}
	if data := e.limbo.TargetData(id); data != nil {
		return data.Target.Key == key
	}
	return false
}

// The engine is also the reference delegate of the cache collectors:
// everything reported here is pinned against eviction.

// ActiveTargetIDs returns the ids of currently listened targets, limbo
// resolution targets included.
func (e *SyncEngine) ActiveTargetIDs() map[core.TargetID]struct{} {
	ids := make(map[core.TargetID]struct{}, len(e.views)+len(e.limbo.activeByTarget))
	for id := range e.views {
		ids[id] = struct{}{}
	}
	for id := range e.limbo.activeByTarget {
		ids[id] = struct{}{}
	}
	return ids
}

// ReferencedKeys returns the keys pinned by active targets, pending
// mutations and limbo resolution.
func (e *SyncEngine) ReferencedKeys() map[document.Key]struct{} {
	keys := make(map[document.Key]struct{})
	for _, v := range e.views {
		for key := range v.members {
			keys[key] = struct{}{}
		}
		for key := range v.emitted {
			keys[key] = struct{}{}
		}
	}
	for _, batch := range e.pendingBatches {
		for key := range batch.Keys() {
			keys[key] = struct{}{}
		}
	}
	for key := range e.limbo.enqueuedSet {
		keys[key] = struct{}{}
	}
	for key := range e.limbo.activeByKey {
		keys[key] = struct{}{}
	}
	return keys
}

func sortSnapshotDocuments(s *Snapshot) {
	sort.Slice(s.Documents, func(i, j int) bool {
		return s.Documents[i].Key().Less(s.Documents[j].Key())
	})
}
